package bitcoind

import (
	"encoding/json"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"

	"gitlab.com/arcanecrypto/giftlock/txbuilder"
)

// Bitcoind is the chain-provider boundary the rest of giftlock consumes:
// deposit lookup, fee estimation and broadcast, plus the ZMQ event
// channels for push-driven reconciliation.
type Bitcoind interface {
	StartZmq()
	StopZmq()
	Btcctl() RpcClient
	Config() Config
	Network() chaincfg.Params
	ZmqTxChannel() chan *wire.MsgTx
	ZmqBlockChannel() chan *wire.MsgBlock

	// GetUtxo returns the first unspent output at the given address, or
	// nil if the address hasn't received anything yet
	GetUtxo(address btcutil.Address) (*txbuilder.Utxo, error)

	// EstimateFeeRate returns a sat/vbyte fee rate for the given
	// confirmation target
	EstimateFeeRate(target int64) (int64, error)

	// Broadcast submits a finalized transaction to the network. It
	// returns a *BroadcastError on protocol-level rejection and wraps
	// ErrProviderUnavailable on transport failure. It never retries.
	Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error)

	// TxConfirmations returns the confirmation count for a transaction
	// and the height of its including block, or (0, 0, nil) when the
	// transaction is still in the mempool
	TxConfirmations(txid *chainhash.Hash) (confirmations int64, height int64, err error)
}

// RpcClient is the part of the bitcoind RPC surface we use. Methods are
// cribbed from https://godoc.org/github.com/btcsuite/btcd/rpcclient
type RpcClient interface {
	GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult, error)
	GetBlockVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockVerboseResult, error)
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	EstimateSmartFee(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
}
