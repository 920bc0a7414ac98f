package chain

import (
	"context"
	"io"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/unit"
	"github.com/stretchr/testify/mock"
)

var (
	_ Indexer   = (*mockIndexer)(nil)
	_ FullNode  = (*mockFullNode)(nil)
	_ rpcClient = (*mockRPCClient)(nil)
	_ zmqConn   = (*mockZMQConn)(nil)
)

// mockIndexer is a mock implementation of the Indexer interface. Only the
// calls a test sets expectations for may be made.
type mockIndexer struct {
	mock.Mock
}

func (m *mockIndexer) TipHeight(_ context.Context) (uint32, error) {
	args := m.Called()
	return args.Get(0).(uint32), args.Error(1)
}

func (m *mockIndexer) TipHash(_ context.Context) (chainhash.Hash, error) {
	args := m.Called()
	return args.Get(0).(chainhash.Hash), args.Error(1)
}

func (m *mockIndexer) BlockHash(_ context.Context,
	height uint32) (chainhash.Hash, error) {

	args := m.Called(height)
	return args.Get(0).(chainhash.Hash), args.Error(1)
}

func (m *mockIndexer) BlockHeader(_ context.Context,
	hash chainhash.Hash) (*wire.BlockHeader, error) {

	args := m.Called(hash)
	return args.Get(0).(*wire.BlockHeader), args.Error(1)
}

func (m *mockIndexer) ScriptHistory(_ context.Context,
	pkScript []byte) ([]TxRef, error) {

	args := m.Called(pkScript)
	return args.Get(0).([]TxRef), args.Error(1)
}

func (m *mockIndexer) Transaction(_ context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	args := m.Called(txid)
	return args.Get(0).(*wire.MsgTx), args.Error(1)
}

func (m *mockIndexer) MerkleProof(_ context.Context,
	txid chainhash.Hash) (*MerkleProof, error) {

	args := m.Called(txid)
	return args.Get(0).(*MerkleProof), args.Error(1)
}

func (m *mockIndexer) Broadcast(_ context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	args := m.Called(tx)
	return args.Get(0).(chainhash.Hash), args.Error(1)
}

func (m *mockIndexer) FeeEstimate(_ context.Context,
	target uint32) (unit.SatPerKVByte, error) {

	args := m.Called(target)
	return args.Get(0).(unit.SatPerKVByte), args.Error(1)
}

// mockFullNode is a mock implementation of the FullNode interface.
type mockFullNode struct {
	mock.Mock
}

func (m *mockFullNode) SendRawTransaction(
	tx *wire.MsgTx) (chainhash.Hash, error) {

	args := m.Called(tx)
	return args.Get(0).(chainhash.Hash), args.Error(1)
}

func (m *mockFullNode) EstimateSmartFee(
	target uint32) (unit.SatPerKVByte, error) {

	args := m.Called(target)
	return args.Get(0).(unit.SatPerKVByte), args.Error(1)
}

func (m *mockFullNode) GetBestBlock() (BlockStamp, error) {
	args := m.Called()
	return args.Get(0).(BlockStamp), args.Error(1)
}

// mockRPCClient is a mock implementation of the rpcClient interface.
type mockRPCClient struct {
	mock.Mock
}

func (m *mockRPCClient) SendRawTransaction(tx *wire.MsgTx,
	allowHighFees bool) (*chainhash.Hash, error) {

	args := m.Called(tx, allowHighFees)
	return args.Get(0).(*chainhash.Hash), args.Error(1)
}

func (m *mockRPCClient) EstimateSmartFee(confTarget int64,
	mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult,
	error) {

	args := m.Called(confTarget, mode)
	return args.Get(0).(*btcjson.EstimateSmartFeeResult), args.Error(1)
}

func (m *mockRPCClient) GetBlockChainInfo() (
	*btcjson.GetBlockChainInfoResult, error) {

	args := m.Called()
	return args.Get(0).(*btcjson.GetBlockChainInfoResult), args.Error(1)
}

func (m *mockRPCClient) Shutdown() {
	m.Called()
}

func (m *mockRPCClient) WaitForShutdown() {
	m.Called()
}

// mockZMQConn replays a fixed list of messages and then reports EOF once the
// connection is closed.
type mockZMQConn struct {
	msgs   chan [][]byte
	closed chan struct{}
}

func newMockZMQConn() *mockZMQConn {
	return &mockZMQConn{
		msgs:   make(chan [][]byte, 10),
		closed: make(chan struct{}),
	}
}

func (m *mockZMQConn) Receive(bufs [][]byte) ([][]byte, error) {
	select {
	case msg := <-m.msgs:
		for i := range msg {
			if i < len(bufs) {
				bufs[i] = bufs[i][:copy(bufs[i], msg[i])]
			}
		}

		return bufs[:len(msg)], nil

	case <-m.closed:
		return nil, io.EOF
	}
}

func (m *mockZMQConn) Close() error {
	close(m.closed)
	return nil
}
