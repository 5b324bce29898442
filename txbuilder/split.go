package txbuilder

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// ErrAmountTooSmall means the deposit doesn't cover the relay fee plus a
// non-dust locked output. We check this explicitly instead of letting the
// network reject the transaction.
var ErrAmountTooSmall = errors.New("deposit amount too small to split")

const (
	// dustLimitSat is the minimum output value the network will relay
	dustLimitSat = 546

	// splitTxVsize is the worst-case virtual size of the splitting
	// transaction: one P2WPKH input (~68 vbytes), one P2WPKH output (31),
	// one P2WSH output (43) and ~11 vbytes of overhead.
	splitTxVsize = 153

	// feeBpsDivisor converts basis points to a fraction
	feeBpsDivisor = 10000
)

// Utxo is a single unspent output at a gift's deposit address, as
// reported by the chain provider.
type Utxo struct {
	Txid      chainhash.Hash
	Vout      uint32
	AmountSat int64
}

// OutPoint returns the UTXO as a wire outpoint
func (u Utxo) OutPoint() wire.OutPoint {
	return wire.OutPoint{Hash: u.Txid, Index: u.Vout}
}

// SplitArgs is everything needed to build and sign the splitting
// transaction for one funded gift.
type SplitArgs struct {
	// Funding is the deposit UTXO being split
	Funding Utxo
	// SigningKey controls the deposit address, re-derived from the
	// gift's deposit index
	SigningKey *btcec.PrivateKey
	// DepositPkScript is the P2WPKH output script of the deposit address
	DepositPkScript []byte
	// FeeDestination receives the operator's cut
	FeeDestination btcutil.Address
	// Lock is the time-locked output descriptor
	Lock LockScript
	// FeeBps is the operator fee in hundredths of a percent, [0, 10000)
	FeeBps int64
	// SatPerVbyte is the relay fee rate to reserve for this transaction
	SatPerVbyte int64
}

// Split is a finalized splitting transaction together with its amount
// accounting. FeeSat + LockedSat + RelayFeeSat always equals the funding
// amount exactly.
type Split struct {
	Tx          *wire.MsgTx
	Txid        chainhash.Hash
	FeeSat      int64
	LockedSat   int64
	RelayFeeSat int64
}

// SplitAmounts computes the fee/locked split for a funding amount,
// reserving the relay fee from the locked side. A fee share below the
// dust limit is folded into the locked output rather than producing an
// unrelayable output.
func SplitAmounts(amountSat, feeBps, satPerVbyte int64) (feeSat, lockedSat, relayFeeSat int64, err error) {
	if amountSat <= 0 {
		return 0, 0, 0, fmt.Errorf("%w: funding amount %d", ErrAmountTooSmall, amountSat)
	}
	if amountSat > btcutil.MaxSatoshi {
		return 0, 0, 0, fmt.Errorf("funding amount %d exceeds max satoshi", amountSat)
	}
	if feeBps < 0 || feeBps >= feeBpsDivisor {
		return 0, 0, 0, fmt.Errorf("fee basis points out of range: %d", feeBps)
	}
	if satPerVbyte < 1 {
		satPerVbyte = 1
	}

	relayFeeSat = satPerVbyte * splitTxVsize
	// floor(amount*bps/10000), split so amount*bps never overflows int64
	// even at the 21M coin cap
	feeSat = amountSat/feeBpsDivisor*feeBps + amountSat%feeBpsDivisor*feeBps/feeBpsDivisor
	if feeSat < dustLimitSat {
		feeSat = 0
	}
	lockedSat = amountSat - feeSat - relayFeeSat

	if lockedSat < dustLimitSat {
		return 0, 0, 0, fmt.Errorf("%w: locked amount %d is below the dust limit %d",
			ErrAmountTooSmall, lockedSat, dustLimitSat)
	}
	return feeSat, lockedSat, relayFeeSat, nil
}

// AssembleSplit builds, signs and finalizes the transaction spending the
// deposit UTXO into the fee output and the time-locked output. The
// returned transaction is ready for broadcast; we never return a
// partially signed transaction.
func AssembleSplit(args SplitArgs) (Split, error) {
	feeSat, lockedSat, relayFeeSat, err := SplitAmounts(
		args.Funding.AmountSat, args.FeeBps, args.SatPerVbyte)
	if err != nil {
		return Split{}, err
	}
	if args.SigningKey == nil {
		return Split{}, errors.New("no signing key given")
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{
		Hash:  args.Funding.Txid,
		Index: args.Funding.Vout,
	}, nil, nil))

	// fee output first, then the locked output. the order is fixed so
	// the reconciler can record the locked output's vout without
	// searching
	if feeSat > 0 {
		feePkScript, err := txscript.PayToAddrScript(args.FeeDestination)
		if err != nil {
			return Split{}, fmt.Errorf("could not build fee output script: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(feeSat, feePkScript))
	}
	tx.AddTxOut(wire.NewTxOut(lockedSat, args.Lock.PkScript))

	sigHashes := txscript.NewTxSigHashes(tx)
	witness, err := txscript.WitnessSignature(tx, sigHashes, 0,
		args.Funding.AmountSat, args.DepositPkScript, txscript.SigHashAll,
		args.SigningKey, true)
	if err != nil {
		return Split{}, fmt.Errorf("could not sign deposit input: %w", err)
	}
	tx.TxIn[0].Witness = witness

	return Split{
		Tx:          tx,
		Txid:        tx.TxHash(),
		FeeSat:      feeSat,
		LockedSat:   lockedSat,
		RelayFeeSat: relayFeeSat,
	}, nil
}

// Serialize encodes a finalized transaction to the wire format,
// including witness data.
func Serialize(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("could not serialize transaction: %w", err)
	}
	return buf.Bytes(), nil
}
