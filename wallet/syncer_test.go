package wallet

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/chain"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
	"github.com/stretchr/testify/require"
)

// TestSyncDiscoversFunds checks that a step records a confirmed payment to an
// issued address and that a repeated step is a no-op.
func TestSyncDiscoversFunds(t *testing.T) {
	t.Parallel()

	// Arrange: Pay to a fresh address in block 1.
	h := newTestHarness(t)
	tx := h.receive(t, 100_000, waddrmgr.WitnessPubKey)

	// Act: Run a step.
	res := h.sync(t)

	// Assert: The tx is new, the funds are confirmed and the status
	// reflects the tip.
	require.Equal(t, uint32(1), res.Tip.Height)
	require.Equal(t, []chainhash.Hash{tx.TxHash()}, res.NewTxs)
	require.True(t, res.Reorg.IsNone())

	balance := h.balance(t)
	require.Equal(t, btcutil.Amount(100_000), balance.Confirmed)
	require.Zero(t, balance.Unconfirmed)

	status := h.w.SyncStatus()
	require.Equal(t, SyncIdle, status.State)
	require.False(t, status.Degraded)
	require.NoError(t, status.LastErr)
	require.Equal(t, res.Tip.Hash, status.Hash)
	require.Equal(t, testStartTime, status.LastSync)

	info, err := h.w.Info(t.Context())
	require.NoError(t, err)
	require.NotNil(t, info.SyncedTo)
	require.Equal(t, res.Tip, *info.SyncedTo)

	// Act: Step again without chain changes.
	res = h.sync(t)

	// Assert: Nothing is reported twice.
	require.Empty(t, res.NewTxs)
	require.Empty(t, res.Confirmed)
	require.Empty(t, res.Discarded)
	require.Equal(t, btcutil.Amount(100_000), h.balance(t).Confirmed)
}

// TestSyncGapLimit checks that discovery extends past used indexes and stops
// after GapLimit consecutive unused ones.
func TestSyncGapLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		gapLimit uint32
		want     btcutil.Amount
		next     uint32
	}{
		{
			// Index 60 is 21 past the last used index 39.
			name:     "default gap stops before index 60",
			gapLimit: DefaultGapLimit,
			want:     200_000,
			next:     40,
		},
		{
			name:     "wider gap reaches index 60",
			gapLimit: 25,
			want:     300_000,
			next:     61,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// Arrange: Pay to external indexes 19, 39 and 60
			// without issuing them.
			h := newTestHarness(t, func(cfg *Config) {
				cfg.GapLimit = tc.gapLimit
			})

			for _, index := range []uint32{19, 39, 60} {
				script := h.scriptAt(
					t, waddrmgr.WitnessPubKey,
					waddrmgr.ExternalBranch, index,
				)
				h.sim.mine(h.sim.fundTx(
					wire.NewTxOut(100_000, script),
				))
			}

			// Act: Run a single step.
			h.sync(t)

			// Assert: Only the payments within the gap are found.
			require.Equal(t, tc.want, h.balance(t).Confirmed)

			id := h.accountID(t, waddrmgr.WitnessPubKey)
			err := h.w.store.View(t.Context(),
				func(tx db.ReadTx) error {
					cursor, err := readCursor(tx, id)
					require.NoError(t, err)
					require.Equal(t, tc.next, cursor.NextUnused[0])
					require.Equal(t, uint32(3), cursor.Height)

					return nil
				},
			)
			require.NoError(t, err)

			// Assert: Discovered indexes are never issued.
			addr := h.newAddr(t, waddrmgr.WitnessPubKey)
			addrInfo, err := h.w.AddressInfo(t.Context(), addr)
			require.NoError(t, err)
			require.Equal(t, tc.next, addrInfo.Path.Index)
		})
	}
}

// TestSyncIssuedAddressesWidenGap checks that issued but unused addresses
// count against the gap limit, and that issuing one more brings the next
// index into view.
func TestSyncIssuedAddressesWidenGap(t *testing.T) {
	t.Parallel()

	// Arrange: Issue indexes 0 to 19 and pay to index 20.
	h := newTestHarness(t)
	for i := uint32(0); i < DefaultGapLimit; i++ {
		h.newAddr(t, waddrmgr.WitnessPubKey)
	}

	script := h.scriptAt(
		t, waddrmgr.WitnessPubKey, waddrmgr.ExternalBranch,
		DefaultGapLimit,
	)
	h.sim.mine(h.sim.fundTx(wire.NewTxOut(100_000, script)))

	id := h.accountID(t, waddrmgr.WitnessPubKey)
	cursorOf := func() *db.SyncCursor {
		var cursor *db.SyncCursor
		err := h.w.store.View(t.Context(), func(tx db.ReadTx) error {
			var err error
			cursor, err = readCursor(tx, id)

			return err
		})
		require.NoError(t, err)

		return cursor
	}

	// Act: Sync with twenty unused addresses outstanding.
	res := h.sync(t)

	// Assert: Discovery stops at the gap and the payment is not seen.
	require.Empty(t, res.NewTxs)
	require.Zero(t, h.balance(t).Total())

	cursor := cursorOf()
	require.Equal(t, DefaultGapLimit, cursor.Scanned[0])
	require.Zero(t, cursor.NextUnused[0])

	// Act: Issue the twenty-first address and sync again.
	addr := h.newAddr(t, waddrmgr.WitnessPubKey)
	addrInfo, err := h.w.AddressInfo(t.Context(), addr)
	require.NoError(t, err)
	require.Equal(t, DefaultGapLimit, addrInfo.Path.Index)

	res = h.sync(t)

	// Assert: The payment is found and discovery runs a full gap past
	// it.
	require.Len(t, res.NewTxs, 1)
	require.Equal(t, btcutil.Amount(100_000), h.balance(t).Confirmed)

	cursor = cursorOf()
	require.Equal(t, DefaultGapLimit+1, cursor.NextUnused[0])
	require.Equal(t, 2*DefaultGapLimit+1, cursor.Scanned[0])
}

// TestSyncMempoolThenConfirm follows a payment from the mempool into a block.
func TestSyncMempoolThenConfirm(t *testing.T) {
	t.Parallel()

	// Arrange: A payment waits in the mempool.
	h := newTestHarness(t)
	tx := h.sim.fundTx(payTo(t, h.newAddr(t, waddrmgr.WitnessPubKey),
		50_000))
	h.sim.addToMempool(tx)

	// Act: Sync while it is unconfirmed.
	res := h.sync(t)

	// Assert: It is reported as new and counted as unconfirmed.
	require.Contains(t, res.NewTxs, tx.TxHash())
	require.Equal(t, btcutil.Amount(50_000), h.balance(t).Unconfirmed)

	status, err := h.w.TxStatus(t.Context(), tx.TxHash())
	require.NoError(t, err)
	require.Equal(t, TxStateUnconfirmed, status.State)

	// Act: Mine it and sync.
	h.sim.mineMempool()
	res = h.sync(t)

	// Assert: It is reported as confirmed.
	require.Empty(t, res.NewTxs)
	require.Equal(t, []chainhash.Hash{tx.TxHash()}, res.Confirmed)

	balance := h.balance(t)
	require.Equal(t, btcutil.Amount(50_000), balance.Confirmed)
	require.Zero(t, balance.Unconfirmed)

	status, err = h.w.TxStatus(t.Context(), tx.TxHash())
	require.NoError(t, err)
	require.Equal(t, TxStateConfirmed, status.State)
	require.Equal(t, uint32(1), status.Height)
	require.Equal(t, uint32(1), status.Confirmations)
}

// TestSyncDropsEvictedTx checks that an unconfirmed tx that leaves the
// mempool is forgotten together with its outputs.
func TestSyncDropsEvictedTx(t *testing.T) {
	t.Parallel()

	// Arrange: Record a mempool payment.
	h := newTestHarness(t)
	tx := h.sim.fundTx(payTo(t, h.newAddr(t, waddrmgr.WitnessPubKey),
		50_000))
	h.sim.addToMempool(tx)
	h.sync(t)

	// Act: Evict it and sync.
	h.sim.evict(tx.TxHash())
	res := h.sync(t)

	// Assert: It is discarded and its output is gone.
	require.Equal(t, []chainhash.Hash{tx.TxHash()}, res.Discarded)
	require.Zero(t, h.balance(t).Total())

	_, err := h.w.GetTx(t.Context(), tx.TxHash())
	require.ErrorIs(t, err, ErrTxNotFound)
}

// TestSyncDegraded checks that an unreachable indexer marks the engine
// degraded until a step succeeds again.
func TestSyncDegraded(t *testing.T) {
	t.Parallel()

	// Arrange: The indexer is down.
	h := newTestHarness(t)
	h.receive(t, 100_000, waddrmgr.WitnessPubKey)
	h.sim.setFail(chain.ErrIndexerUnavailable)

	// Act: Run a step.
	res := h.trySync(t)

	// Assert: The step fails without writing anything.
	require.ErrorIs(t, res.Err, chain.ErrIndexerUnavailable)

	status := h.w.SyncStatus()
	require.True(t, status.Degraded)
	require.ErrorIs(t, status.LastErr, chain.ErrIndexerUnavailable)
	require.Zero(t, h.balance(t).Total())

	// Act: The indexer recovers.
	h.sim.setFail(nil)
	h.sync(t)

	// Assert: The engine is healthy and caught up.
	status = h.w.SyncStatus()
	require.False(t, status.Degraded)
	require.NoError(t, status.LastErr)
	require.Equal(t, btcutil.Amount(100_000), h.balance(t).Confirmed)
}

// TestSyncLaggingIndexer checks that an indexer behind the reconciled tip
// skips the step instead of rolling the wallet back.
func TestSyncLaggingIndexer(t *testing.T) {
	t.Parallel()

	// Arrange: Sync to height 3.
	h := newTestHarness(t)
	h.receive(t, 100_000, waddrmgr.WitnessPubKey)
	h.sim.mineEmpty(2)
	first := h.sync(t)
	require.Equal(t, uint32(3), first.Tip.Height)

	// Act: The indexer loses two blocks.
	h.sim.reorg(2, false)
	res := h.sync(t)

	// Assert: The step reports the stored tip and keeps the funds.
	require.Equal(t, first.Tip, res.Tip)
	require.True(t, res.Reorg.IsNone())
	require.Equal(t, btcutil.Amount(100_000), h.balance(t).Confirmed)

	// Act: The indexer moves past the stored tip on a new branch.
	h.sim.mineEmpty(3)
	res = h.sync(t)

	// Assert: The replaced blocks are detected.
	require.True(t, res.Reorg.IsSome())
	event := res.Reorg.UnwrapOr(ReorgEvent{})
	require.Equal(t, uint32(1), event.Fork.Height)
	require.Equal(t, uint32(4), res.Tip.Height)
	require.Equal(t, btcutil.Amount(100_000), h.balance(t).Confirmed)
}

// TestSyncInvalidProof checks that a tx whose merkle proof does not verify
// fails the step and is not recorded.
func TestSyncInvalidProof(t *testing.T) {
	t.Parallel()

	// Arrange: The indexer serves forged proofs.
	h := newTestHarness(t)
	h.sim.corruptProofs = true
	h.receive(t, 100_000, waddrmgr.WitnessPubKey)

	// Act: Run a step.
	res := h.trySync(t)

	// Assert: Nothing is recorded and the tip does not move.
	require.ErrorIs(t, res.Err, chain.ErrInvalidProof)
	require.Zero(t, h.balance(t).Total())

	info, err := h.w.Info(t.Context())
	require.NoError(t, err)
	require.Nil(t, info.SyncedTo)
}

// TestSyncNowDeliversResults checks that SyncNow runs a step in the loop and
// that every step reaches the results channel.
func TestSyncNowDeliversResults(t *testing.T) {
	t.Parallel()

	// Arrange: SyncNow needs a started wallet.
	h := newTestHarness(t)
	_, err := h.w.SyncNow(t.Context())
	require.ErrorIs(t, err, ErrStateForbidden)

	h.start(t)

	// Assert: The initial step is delivered.
	select {
	case res := <-h.w.Results():
		require.NoError(t, res.Err)

	case <-time.After(5 * time.Second):
		t.Fatal("initial sync result not delivered")
	}

	// Act: Receive a payment and sync now.
	tx := h.receive(t, 20_000, waddrmgr.NestedWitnessPubKey)
	res, err := h.w.SyncNow(t.Context())
	require.NoError(t, err)
	require.Contains(t, res.NewTxs, tx.TxHash())

	// Assert: The same result is delivered.
	select {
	case delivered := <-h.w.Results():
		require.Equal(t, res.NewTxs, delivered.NewTxs)

	case <-time.After(5 * time.Second):
		t.Fatal("sync result not delivered")
	}
}

// blockChanNotifier is a BlockNotifier fed by the test.
type blockChanNotifier struct {
	blocks chan chainhash.Hash
}

func (b *blockChanNotifier) Blocks() <-chan chainhash.Hash {
	return b.blocks
}

// TestSyncOnBlockNotification checks that a block announcement triggers a
// step without waiting for the ticker.
func TestSyncOnBlockNotification(t *testing.T) {
	t.Parallel()

	// Arrange: Start a wallet with a block notifier and consume the
	// initial step.
	notifier := &blockChanNotifier{blocks: make(chan chainhash.Hash)}
	h := newTestHarness(t, func(cfg *Config) {
		cfg.BlockNotifier = notifier
	})
	h.start(t)
	<-h.w.Results()

	// Act: Mine a payment and announce the block.
	tx := h.receive(t, 30_000, waddrmgr.WitnessPubKey)
	hash, err := h.sim.TipHash(t.Context())
	require.NoError(t, err)
	notifier.blocks <- hash

	// Assert: The step triggered by the announcement finds the payment.
	select {
	case res := <-h.w.Results():
		require.NoError(t, res.Err)
		require.Contains(t, res.NewTxs, tx.TxHash())

	case <-time.After(5 * time.Second):
		t.Fatal("block notification did not trigger a step")
	}
}

// TestSyncResultsDropWhenFull checks that a slow consumer loses results
// instead of stalling the loop.
func TestSyncResultsDropWhenFull(t *testing.T) {
	t.Parallel()

	s := newSyncer(nil)
	for i := range DefaultResultsBuffer + 3 {
		s.deliver(SyncResult{Tip: chain.BlockStamp{Height: uint32(i)}})
	}

	require.Len(t, s.results, DefaultResultsBuffer)

	// The oldest results are kept.
	first := <-s.results
	require.Zero(t, first.Tip.Height)
}

// TestSyncResultsClosedOnClose checks that closing the wallet closes the
// results channel.
func TestSyncResultsClosedOnClose(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	require.NoError(t, h.w.Close(t.Context()))

	_, ok := <-h.w.Results()
	require.False(t, ok)

	_, err := h.w.Balance(t.Context(), "")
	require.ErrorIs(t, err, ErrStateForbidden)
}

// TestSyncStateString checks the names of the sync states.
func TestSyncStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state SyncState
		want  string
	}{
		{SyncIdle, "idle"},
		{SyncQuerying, "querying"},
		{SyncReconciling, "reconciling"},
		{SyncReorgRecovery, "reorg-recovery"},
		{SyncState(99), "unknown sync state"},
	}

	for _, tc := range tests {
		require.Equal(t, tc.want, tc.state.String())
	}
}
