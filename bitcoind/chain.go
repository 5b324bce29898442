package bitcoind

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/giftlock/txbuilder"
)

// ErrProviderUnavailable means we couldn't reach bitcoind at all. The
// operation may be retried once the node is back.
var ErrProviderUnavailable = errors.New("bitcoind is unavailable")

// BroadcastError is a protocol-level rejection of a transaction we
// submitted, e.g. an already spent input or a fee below the relay floor.
// The underlying UTXO may or may not still be spendable, so callers must
// re-check it before re-attempting, never blindly resubmit.
type BroadcastError struct {
	Code   int
	Reason string
}

func (b *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast rejected (code %d): %s", b.Code, b.Reason)
}

// this is most likely only going to be used on test/regtest, where fee
// estimation has no data to work with
const defaultFeeSatsPerVbyte = 5

// scanResult is the portion of the scantxoutset response we read
type scanResult struct {
	Success  bool `json:"success"`
	Unspents []struct {
		Txid   string  `json:"txid"`
		Vout   uint32  `json:"vout"`
		Amount float64 `json:"amount"`
		Height int64   `json:"height"`
	} `json:"unspents"`
}

// GetUtxo scans the UTXO set for unspent outputs at the given address,
// returning the largest one, or nil if the address hasn't been funded.
func (c *Conn) GetUtxo(address btcutil.Address) (*txbuilder.Utxo, error) {
	action, err := json.Marshal("start")
	if err != nil {
		return nil, err
	}
	descriptor, err := json.Marshal([]string{fmt.Sprintf("addr(%s)", address.EncodeAddress())})
	if err != nil {
		return nil, err
	}

	res, err := c.btcctl.RawRequest("scantxoutset", []json.RawMessage{action, descriptor})
	if err != nil {
		return nil, fmt.Errorf("%w: scantxoutset: %s", ErrProviderUnavailable, err)
	}

	var scan scanResult
	if err := json.Unmarshal(res, &scan); err != nil {
		return nil, errors.Wrap(err, "could not unmarshal scantxoutset response")
	}
	if !scan.Success || len(scan.Unspents) == 0 {
		return nil, nil
	}

	var best *txbuilder.Utxo
	for _, unspent := range scan.Unspents {
		txid, err := chainhash.NewHashFromStr(unspent.Txid)
		if err != nil {
			log.WithError(err).Errorf("scantxoutset returned bad txid %q", unspent.Txid)
			continue
		}
		amount, err := btcutil.NewAmount(unspent.Amount)
		if err != nil {
			log.WithError(err).Errorf("scantxoutset returned bad amount %f", unspent.Amount)
			continue
		}
		if best == nil || int64(amount) > best.AmountSat {
			best = &txbuilder.Utxo{
				Txid:      *txid,
				Vout:      unspent.Vout,
				AmountSat: int64(amount),
			}
		}
	}
	return best, nil
}

// EstimateFeeRate asks bitcoind for a smart fee estimate and converts it
// to sat/vbyte. Off mainnet the estimator typically has no data, so we
// fall back to a static default there instead of failing.
func (c *Conn) EstimateFeeRate(target int64) (int64, error) {
	estimate, err := c.btcctl.EstimateSmartFee(target, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: estimatesmartfee: %s", ErrProviderUnavailable, err)
	}

	isNotOnMainnet := c.network.Name == chaincfg.TestNet3Params.Name ||
		c.network.Name == chaincfg.RegressionNetParams.Name

	if estimate.Errors != nil || estimate.FeeRate == nil {
		level := logrus.WarnLevel
		if isNotOnMainnet {
			level = logrus.DebugLevel
		}
		log.WithFields(logrus.Fields{
			"feeErrors": estimate.Errors,
			"target":    target,
			"network":   c.network.Name,
		}).Log(level, "Got error response when querying for onchain fees")

		if isNotOnMainnet {
			return defaultFeeSatsPerVbyte, nil
		}
		return 0, fmt.Errorf("%w: fee estimation failed: %v", ErrProviderUnavailable, estimate.Errors)
	}

	// FeeRate is in BTC/kB
	perKb, err := btcutil.NewAmount(*estimate.FeeRate)
	if err != nil {
		return 0, errors.Wrap(err, "could not convert fee rate")
	}
	perVbyte := int64(math.Ceil(float64(perKb) / 1000))
	if perVbyte < 1 {
		perVbyte = 1
	}
	return perVbyte, nil
}

// Broadcast submits a finalized transaction. A btcjson RPC error is a
// protocol rejection and is returned as *BroadcastError; anything else
// is a transport failure.
func (c *Conn) Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error) {
	hash, err := c.btcctl.SendRawTransaction(tx, false)
	if err != nil {
		if rpcErr, ok := err.(*btcjson.RPCError); ok {
			return nil, &BroadcastError{
				Code:   int(rpcErr.Code),
				Reason: rpcErr.Message,
			}
		}
		return nil, fmt.Errorf("%w: sendrawtransaction: %s", ErrProviderUnavailable, err)
	}
	log.WithField("txid", hash.String()).Info("Broadcast transaction")
	return hash, nil
}

// TxConfirmations returns how many confirmations a transaction has and
// the height of the block that included it. An unconfirmed transaction
// returns (0, 0, nil).
func (c *Conn) TxConfirmations(txid *chainhash.Hash) (int64, int64, error) {
	rawTx, err := c.btcctl.GetRawTransactionVerbose(txid)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: getrawtransaction %s: %s",
			ErrProviderUnavailable, txid, err)
	}
	if rawTx.Confirmations == 0 {
		return 0, 0, nil
	}

	blockHash, err := chainhash.NewHashFromStr(rawTx.BlockHash)
	if err != nil {
		return 0, 0, errors.Wrap(err, "bad block hash in getrawtransaction response")
	}
	block, err := c.btcctl.GetBlockVerbose(blockHash)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: getblock %s: %s",
			ErrProviderUnavailable, blockHash, err)
	}
	return int64(rawTx.Confirmations), block.Height, nil
}
