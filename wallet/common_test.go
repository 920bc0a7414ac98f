package wallet

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/chain"
	"github.com/btcsuite/idxwallet/unit"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	errRejected = errors.New("tx rejected by the network")
	errNodeMock = errors.New("node error")
)

var (
	// chainParams are the chain parameters used throughout the wallet
	// tests.
	chainParams = chaincfg.RegressionNetParams

	// testPassphrase seals the seed of every test wallet.
	testPassphrase = []byte("test-passphrase")

	// testStartTime is the time the test clock starts at and the
	// timestamp of the first simulated block.
	testStartTime = time.Unix(1_700_000_000, 0)
)

// testMnemonic is the BIP-39 test vector mnemonic.
const testMnemonic = "abandon abandon abandon abandon abandon abandon " +
	"abandon abandon abandon abandon abandon about"

// testFeeRate is the rate the simulated indexer estimates, 10 sat/vB.
const testFeeRate = unit.SatPerKVByte(10_000)

// simChain is an in-memory indexer over a simulated chain. Blocks carry real
// merkle roots, so the proofs it serves verify against its headers.
type simChain struct {
	mu sync.Mutex

	blocks  []*wire.MsgBlock
	mempool []*wire.MsgTx
	txs     map[chainhash.Hash]*wire.MsgTx

	// nonce makes every mined block unique, so a replacement block at
	// the same height has a different hash.
	nonce uint32

	// fundings counts the fake outpoints funding txns spend.
	fundings uint32

	feeRate unit.SatPerKVByte

	// failErr fails every call when set.
	failErr error

	// broadcastErr fails Broadcast when set.
	broadcastErr error

	// corruptProofs makes MerkleProof return proofs that do not verify.
	corruptProofs bool

	broadcasts []chainhash.Hash
}

// A compile time check to ensure simChain implements the Indexer interface.
var _ chain.Indexer = (*simChain)(nil)

// newSimChain returns a chain holding only a genesis block.
func newSimChain() *simChain {
	c := &simChain{
		txs:     make(map[chainhash.Hash]*wire.MsgTx),
		feeRate: testFeeRate,
	}
	c.mine()

	return c
}

// coinbase returns a unique coinbase paying to an anyone-can-spend script.
func (c *simChain) coinbase() *wire.MsgTx {
	var sigScript [8]byte
	binary.LittleEndian.PutUint32(sigScript[:4], uint32(len(c.blocks)))
	binary.LittleEndian.PutUint32(sigScript[4:], c.nonce)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(
		wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex),
		sigScript[:], nil,
	))
	tx.AddTxOut(wire.NewTxOut(50*btcutil.SatoshiPerBitcoin,
		[]byte{txscript.OP_TRUE}))

	return tx
}

// mine appends a block holding the given txns and removes them from the
// mempool.
func (c *simChain) mine(txs ...*wire.MsgTx) chain.BlockStamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mineLocked(txs)
}

// mineMempool mines a block holding every mempool tx.
func (c *simChain) mineMempool() chain.BlockStamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mineLocked(slices.Clone(c.mempool))
}

// mineEmpty mines n blocks without txns.
func (c *simChain) mineEmpty(n int) chain.BlockStamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stamp chain.BlockStamp
	for range n {
		stamp = c.mineLocked(nil)
	}

	return stamp
}

func (c *simChain) mineLocked(txs []*wire.MsgTx) chain.BlockStamp {
	height := uint32(len(c.blocks))

	all := append([]*wire.MsgTx{c.coinbase()}, txs...)
	txids := make([]chainhash.Hash, 0, len(all))
	for _, tx := range all {
		hash := tx.TxHash()
		txids = append(txids, hash)
		c.txs[hash] = tx

		c.mempool = slices.DeleteFunc(c.mempool, func(m *wire.MsgTx) bool {
			return m.TxHash() == hash
		})
	}

	root, _ := merkleBranch(txids, 0)

	var prev chainhash.Hash
	if height > 0 {
		prev = c.blocks[height-1].BlockHash()
	}

	header := wire.NewBlockHeader(
		1, &prev, &root, chainParams.PowLimitBits, c.nonce,
	)
	header.Timestamp = testStartTime.Add(
		time.Duration(height) * 10 * time.Minute,
	)
	c.nonce++

	block := wire.NewMsgBlock(header)
	block.Transactions = all
	c.blocks = append(c.blocks, block)

	return chain.BlockStamp{Height: height, Hash: block.BlockHash()}
}

// reorg disconnects the top depth blocks. Their txns go back to the mempool
// if requeue is set, otherwise they vanish from the chain's view.
func (c *simChain) reorg(depth int, requeue bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cut := len(c.blocks) - depth
	for _, block := range c.blocks[cut:] {
		if requeue {
			c.mempool = append(c.mempool, block.Transactions[1:]...)
		}
	}
	c.blocks = c.blocks[:cut]
}

// addToMempool adds a tx to the mempool.
func (c *simChain) addToMempool(tx *wire.MsgTx) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.txs[tx.TxHash()] = tx
	c.mempool = append(c.mempool, tx)
}

// evict drops a tx from the mempool.
func (c *simChain) evict(hash chainhash.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mempool = slices.DeleteFunc(c.mempool, func(m *wire.MsgTx) bool {
		return m.TxHash() == hash
	})
}

// inMempool returns true if the tx waits in the mempool.
func (c *simChain) inMempool(hash chainhash.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.ContainsFunc(c.mempool, func(m *wire.MsgTx) bool {
		return m.TxHash() == hash
	})
}

// setFail sets or clears the error every call fails with.
func (c *simChain) setFail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failErr = err
}

// fundTx returns a tx paying the outputs from an outpoint foreign to every
// wallet.
func (c *simChain) fundTx(outs ...*wire.TxOut) *wire.MsgTx {
	c.mu.Lock()
	c.fundings++
	var seed [4]byte
	binary.LittleEndian.PutUint32(seed[:], c.fundings)
	c.mu.Unlock()

	prev := chainhash.DoubleHashH(seed[:])

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), []byte{0x51}, nil))
	for _, out := range outs {
		tx.AddTxOut(out)
	}

	return tx
}

// blockOf returns the height and position of a confirmed tx.
func (c *simChain) blockOf(txid chainhash.Hash) (uint32, int, bool) {
	for height, block := range c.blocks {
		for pos, tx := range block.Transactions {
			if tx.TxHash() == txid {
				return uint32(height), pos, true
			}
		}
	}

	return 0, 0, false
}

// touches returns true if tx pays or spends pkScript.
func (c *simChain) touches(tx *wire.MsgTx, pkScript []byte) bool {
	for _, out := range tx.TxOut {
		if slices.Equal(out.PkScript, pkScript) {
			return true
		}
	}

	for _, in := range tx.TxIn {
		prev, ok := c.txs[in.PreviousOutPoint.Hash]
		if !ok || int(in.PreviousOutPoint.Index) >= len(prev.TxOut) {
			continue
		}

		if slices.Equal(prev.TxOut[in.PreviousOutPoint.Index].PkScript,
			pkScript) {

			return true
		}
	}

	return false
}

func (c *simChain) TipHeight(_ context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failErr != nil {
		return 0, c.failErr
	}

	return uint32(len(c.blocks) - 1), nil
}

func (c *simChain) TipHash(_ context.Context) (chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failErr != nil {
		return chainhash.Hash{}, c.failErr
	}

	return c.blocks[len(c.blocks)-1].BlockHash(), nil
}

func (c *simChain) BlockHash(_ context.Context,
	height uint32) (chainhash.Hash, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failErr != nil {
		return chainhash.Hash{}, c.failErr
	}

	if int(height) >= len(c.blocks) {
		return chainhash.Hash{}, chain.ErrNotFound
	}

	return c.blocks[height].BlockHash(), nil
}

func (c *simChain) BlockHeader(_ context.Context,
	hash chainhash.Hash) (*wire.BlockHeader, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failErr != nil {
		return nil, c.failErr
	}

	for _, block := range c.blocks {
		if block.BlockHash() == hash {
			header := block.Header
			return &header, nil
		}
	}

	return nil, chain.ErrNotFound
}

func (c *simChain) ScriptHistory(_ context.Context,
	pkScript []byte) ([]chain.TxRef, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failErr != nil {
		return nil, c.failErr
	}

	var refs []chain.TxRef
	for height, block := range c.blocks {
		for _, tx := range block.Transactions {
			if !c.touches(tx, pkScript) {
				continue
			}

			refs = append(refs, chain.TxRef{
				TxID:      tx.TxHash(),
				Height:    uint32(height),
				BlockHash: block.BlockHash(),
			})
		}
	}

	for _, tx := range c.mempool {
		if c.touches(tx, pkScript) {
			refs = append(refs, chain.TxRef{
				TxID:   tx.TxHash(),
				Height: chain.UnconfirmedHeight,
			})
		}
	}

	return refs, nil
}

func (c *simChain) Transaction(_ context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failErr != nil {
		return nil, c.failErr
	}

	tx, ok := c.txs[txid]
	if !ok {
		return nil, chain.ErrNotFound
	}

	return tx.Copy(), nil
}

func (c *simChain) MerkleProof(_ context.Context,
	txid chainhash.Hash) (*chain.MerkleProof, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failErr != nil {
		return nil, c.failErr
	}

	height, pos, ok := c.blockOf(txid)
	if !ok {
		return nil, chain.ErrNotFound
	}

	block := c.blocks[height]
	txids := make([]chainhash.Hash, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		txids = append(txids, tx.TxHash())
	}

	_, branch := merkleBranch(txids, pos)
	if c.corruptProofs && len(branch) > 0 {
		branch[0] = chainhash.Hash{0x01}
	}

	return &chain.MerkleProof{
		BlockHeight: height,
		Branch:      branch,
		Pos:         uint32(pos),
	}, nil
}

func (c *simChain) Broadcast(_ context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.failErr != nil:
		return chainhash.Hash{}, c.failErr

	case c.broadcastErr != nil:
		return chainhash.Hash{}, c.broadcastErr
	}

	hash := tx.TxHash()
	c.broadcasts = append(c.broadcasts, hash)
	c.txs[hash] = tx.Copy()

	if !slices.ContainsFunc(c.mempool, func(m *wire.MsgTx) bool {
		return m.TxHash() == hash
	}) {
		c.mempool = append(c.mempool, tx.Copy())
	}

	return hash, nil
}

func (c *simChain) FeeEstimate(_ context.Context,
	_ uint32) (unit.SatPerKVByte, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failErr != nil {
		return 0, c.failErr
	}

	return c.feeRate, nil
}

// merkleBranch returns the merkle root of txids and the branch of the leaf at
// pos.
func merkleBranch(txids []chainhash.Hash,
	pos int) (chainhash.Hash, []chainhash.Hash) {

	level := slices.Clone(txids)

	var branch []chainhash.Hash
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		branch = append(branch, level[pos^1])

		next := make([]chainhash.Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, blockchain.HashMerkleBranches(
				&level[i], &level[i+1],
			))
		}

		level = next
		pos >>= 1
	}

	return level[0], branch
}

// mockFullNode is a mock implementation of the chain.FullNode interface.
type mockFullNode struct {
	mock.Mock
}

// A compile time check to ensure mockFullNode implements the interface.
var _ chain.FullNode = (*mockFullNode)(nil)

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

func (m *mockFullNode) GetBestBlock() (chain.BlockStamp, error) {
	args := m.Called()
	return args.Get(0).(chain.BlockStamp), args.Error(1)
}

// testHarness is a wallet restored from testMnemonic and bound to a
// simulated chain.
type testHarness struct {
	w     *Wallet
	sim   *simChain
	clock *clock.TestClock
	cfg   Config
}

// testConfig returns a config for a wallet on the simulated chain with fast
// retries and a cheap KDF. The ticker never fires on its own.
func testConfig(t *testing.T, sim *simChain) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ChainParams = &chainParams
	cfg.DBPath = filepath.Join(t.TempDir(), "wallet.db")
	cfg.Indexer = sim
	cfg.Clock = clock.NewTestClock(testStartTime)
	cfg.SyncTicker = ticker.NewForce(time.Hour)
	cfg.KDFParams = waddrmgr.FastKDFParams
	cfg.Retry = chain.RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	}

	return cfg
}

// newTestHarness restores a stopped, locked wallet from testMnemonic. The
// options adjust the config before the wallet is created.
func newTestHarness(t *testing.T, opts ...func(*Config)) *testHarness {
	t.Helper()

	sim := newSimChain()
	cfg := testConfig(t, sim)
	for _, opt := range opts {
		opt(&cfg)
	}

	w, err := CreateFromMnemonic(
		t.Context(), cfg, testMnemonic, "", testPassphrase, 0,
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = w.Close(context.Background())
	})

	return &testHarness{
		w:     w,
		sim:   sim,
		clock: cfg.Clock.(*clock.TestClock),
		cfg:   cfg,
	}
}

// start starts the wallet and unlocks it without an auto-lock timeout.
func (h *testHarness) start(t *testing.T) {
	t.Helper()

	require.NoError(t, h.w.Start(t.Context()))
	require.NoError(t, h.w.Unlock(t.Context(), UnlockRequest{
		Passphrase: testPassphrase,
		Timeout:    -1,
	}))
}

// sync runs one sync step and requires it to succeed. A started wallet is
// stepped through its loop, a stopped one directly.
func (h *testHarness) sync(t *testing.T) *SyncResult {
	t.Helper()

	res := h.trySync(t)
	require.NoError(t, res.Err)

	return res
}

// trySync runs one sync step and returns its result, failed or not.
func (h *testHarness) trySync(t *testing.T) *SyncResult {
	t.Helper()

	if h.w.state.isStarted() {
		res, err := h.w.SyncNow(t.Context())
		require.NoError(t, err)

		return res
	}

	res := h.w.sync.step(t.Context())

	return &res
}

// newAddr issues a receive address of the default account.
func (h *testHarness) newAddr(t *testing.T,
	addrType waddrmgr.AddressType) btcutil.Address {

	t.Helper()

	addr, err := h.w.NewAddress(
		t.Context(), waddrmgr.DefaultAccountName, addrType,
	)
	require.NoError(t, err)

	return addr
}

// receive pays amt to a fresh address of the default account and mines the
// payment. The wallet is not synced.
func (h *testHarness) receive(t *testing.T, amt btcutil.Amount,
	addrType waddrmgr.AddressType) *wire.MsgTx {

	t.Helper()

	tx := h.sim.fundTx(payTo(t, h.newAddr(t, addrType), amt))
	h.sim.mine(tx)

	return tx
}

// balance returns the balance of the whole wallet.
func (h *testHarness) balance(t *testing.T) *Balance {
	t.Helper()

	balance, err := h.w.Balance(t.Context(), "")
	require.NoError(t, err)

	return balance
}

// accountID returns the id of the default subtree of a type.
func (h *testHarness) accountID(t *testing.T,
	addrType waddrmgr.AddressType) waddrmgr.AccountID {

	t.Helper()

	info, err := h.w.AccountByName(
		t.Context(), waddrmgr.DefaultAccountName, addrType,
	)
	require.NoError(t, err)

	return info.ID
}

// scriptAt returns the script of a default account key without issuing it.
func (h *testHarness) scriptAt(t *testing.T, addrType waddrmgr.AddressType,
	branch, index uint32) []byte {

	t.Helper()

	keys, err := h.w.keyRing.DeriveRange(
		h.accountID(t, addrType), branch, index, 1,
	)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, index, keys[0].Path.Index)

	script, err := waddrmgr.ScriptFor(keys[0], &chainParams)
	require.NoError(t, err)

	return script
}

// payTo returns an output paying amt to addr.
func payTo(t *testing.T, addr btcutil.Address,
	amt btcutil.Amount) *wire.TxOut {

	t.Helper()

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return wire.NewTxOut(int64(amt), script)
}

// foreignOutput returns an output paying amt to a key outside every test
// wallet.
func foreignOutput(t *testing.T, amt btcutil.Amount) *wire.TxOut {
	t.Helper()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()),
		&chainParams,
	)
	require.NoError(t, err)

	return payTo(t, addr, amt)
}
