// Package bitcoindtestutil provides an in-memory bitcoind.Bitcoind for
// tests that exercise components above the chain boundary without a
// running node.
package bitcoindtestutil

import (
	"encoding/json"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/giftlock/bitcoind"
	"gitlab.com/arcanecrypto/giftlock/txbuilder"
)

// MockBitcoind implements bitcoind.Bitcoind on in-memory state. Tests
// script it by setting the deposit UTXO and fee rate, and inspect it
// through the recorded broadcasts.
type MockBitcoind struct {
	network chaincfg.Params
	txCh    chan *wire.MsgTx
	blockCh chan *wire.MsgBlock

	mu            sync.Mutex
	utxo          *txbuilder.Utxo
	feeRate       int64
	broadcastErr  error
	broadcasts    []*wire.MsgTx
	confirmations int64
	height        int64
}

var _ bitcoind.Bitcoind = &MockBitcoind{}

// NewMockBitcoind creates a mock chain connection on the given network
// with a workable default fee rate
func NewMockBitcoind(network chaincfg.Params) *MockBitcoind {
	return &MockBitcoind{
		network: network,
		txCh:    make(chan *wire.MsgTx),
		blockCh: make(chan *wire.MsgBlock),
		feeRate: 1,
	}
}

func (m *MockBitcoind) StartZmq() {}
func (m *MockBitcoind) StopZmq()  {}

func (m *MockBitcoind) Btcctl() bitcoind.RpcClient {
	return mockRpc{network: m.network}
}

func (m *MockBitcoind) Config() bitcoind.Config {
	return bitcoind.Config{Network: m.network}
}

func (m *MockBitcoind) Network() chaincfg.Params {
	return m.network
}

func (m *MockBitcoind) ZmqTxChannel() chan *wire.MsgTx {
	return m.txCh
}

func (m *MockBitcoind) ZmqBlockChannel() chan *wire.MsgBlock {
	return m.blockCh
}

// SetUtxo makes the mock report the given UTXO at every deposit address.
// Pass nil to simulate an unfunded address.
func (m *MockBitcoind) SetUtxo(utxo *txbuilder.Utxo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utxo = utxo
}

// SetBroadcastError makes every subsequent broadcast fail with err
func (m *MockBitcoind) SetBroadcastError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcastErr = err
}

// SetConfirmations scripts what TxConfirmations reports
func (m *MockBitcoind) SetConfirmations(confirmations, height int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmations = confirmations
	m.height = height
}

// Broadcasts returns every transaction broadcast so far
func (m *MockBitcoind) Broadcasts() []*wire.MsgTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*wire.MsgTx, len(m.broadcasts))
	copy(result, m.broadcasts)
	return result
}

func (m *MockBitcoind) GetUtxo(address btcutil.Address) (*txbuilder.Utxo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utxo, nil
}

func (m *MockBitcoind) EstimateFeeRate(target int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feeRate, nil
}

func (m *MockBitcoind) Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broadcastErr != nil {
		return nil, m.broadcastErr
	}
	m.broadcasts = append(m.broadcasts, tx)
	hash := tx.TxHash()
	return &hash, nil
}

func (m *MockBitcoind) TxConfirmations(txid *chainhash.Hash) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmations, m.height, nil
}

// mockRpc answers just enough of the RPC surface for the API's startup
// connection check
type mockRpc struct {
	network chaincfg.Params
}

func (m mockRpc) GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult, error) {
	// bitcoind reports the short chain name, not the chaincfg one
	var chain string
	switch m.network.Name {
	case chaincfg.MainNetParams.Name:
		chain = "main"
	case chaincfg.TestNet3Params.Name:
		chain = "test"
	default:
		chain = "regtest"
	}
	return &btcjson.GetBlockChainInfoResult{Chain: chain}, nil
}

func (m mockRpc) GetBlockVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockVerboseResult, error) {
	return nil, errors.New("GetBlockVerbose is not implemented in the mock")
}

func (m mockRpc) GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error) {
	return nil, errors.New("GetRawTransactionVerbose is not implemented in the mock")
}

func (m mockRpc) EstimateSmartFee(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error) {
	return nil, errors.New("EstimateSmartFee is not implemented in the mock")
}

func (m mockRpc) SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error) {
	return nil, errors.New("SendRawTransaction is not implemented in the mock")
}

func (m mockRpc) RawRequest(method string, params []json.RawMessage) (json.RawMessage, error) {
	return nil, errors.New("RawRequest is not implemented in the mock")
}
