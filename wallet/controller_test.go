package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/stretchr/testify/require"
)

// TestUnlockLock checks the passphrase guard and manual locking.
func TestUnlockLock(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	// Arrange: A stopped wallet refuses to unlock.
	err := h.w.Unlock(t.Context(), UnlockRequest{
		Passphrase: testPassphrase,
	})
	require.ErrorIs(t, err, ErrStateForbidden)

	require.NoError(t, h.w.Start(t.Context()))

	// Act: Try the wrong passphrase.
	err = h.w.Unlock(t.Context(), UnlockRequest{
		Passphrase: []byte("wrong"),
	})

	// Assert: The wallet stays locked.
	require.True(t, waddrmgr.IsError(err, waddrmgr.ErrWrongPassphrase))

	info, err := h.w.Info(t.Context())
	require.NoError(t, err)
	require.True(t, info.Locked)
	require.True(t, info.Started)

	// Act: Unlock for real, then lock again.
	require.NoError(t, h.w.Unlock(t.Context(), UnlockRequest{
		Passphrase: testPassphrase,
		Timeout:    -1,
	}))

	info, err = h.w.Info(t.Context())
	require.NoError(t, err)
	require.False(t, info.Locked)

	require.NoError(t, h.w.Lock(t.Context()))

	info, err = h.w.Info(t.Context())
	require.NoError(t, err)
	require.True(t, info.Locked)

	// A locked wallet cannot add accounts.
	_, err = h.w.AddAccount(t.Context(), "savings",
		waddrmgr.WitnessPubKey)
	require.ErrorIs(t, err, ErrStateForbidden)
}

// TestAutoLock checks that an unlock with a timeout locks the wallet again
// once it elapses.
func TestAutoLock(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	require.NoError(t, h.w.Start(t.Context()))

	require.NoError(t, h.w.Unlock(t.Context(), UnlockRequest{
		Passphrase: testPassphrase,
		Timeout:    50 * time.Millisecond,
	}))

	require.Eventually(t, func() bool {
		return !h.w.state.isUnlocked()
	}, 5*time.Second, 10*time.Millisecond)

	// A later unlock without a timeout stays unlocked.
	require.NoError(t, h.w.Unlock(t.Context(), UnlockRequest{
		Passphrase: testPassphrase,
		Timeout:    -1,
	}))

	require.Never(t, func() bool {
		return !h.w.state.isUnlocked()
	}, 200*time.Millisecond, 10*time.Millisecond)
}

// TestChangePassphrase checks that the seed is resealed and survives a
// reopen.
func TestChangePassphrase(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	newPass := []byte("new-passphrase")

	err := h.w.ChangePassphrase(t.Context(), ChangePassphraseRequest{
		Old: testPassphrase,
		New: newPass,
	})
	require.ErrorIs(t, err, ErrStateForbidden)

	require.NoError(t, h.w.Start(t.Context()))

	// The old passphrase must be right.
	err = h.w.ChangePassphrase(t.Context(), ChangePassphraseRequest{
		Old: []byte("wrong"),
		New: newPass,
	})
	require.True(t, waddrmgr.IsError(err, waddrmgr.ErrWrongPassphrase))

	require.NoError(t, h.w.ChangePassphrase(t.Context(),
		ChangePassphraseRequest{
			Old: testPassphrase,
			New: newPass,
		},
	))

	err = h.w.Unlock(t.Context(), UnlockRequest{
		Passphrase: testPassphrase,
	})
	require.True(t, waddrmgr.IsError(err, waddrmgr.ErrWrongPassphrase))

	require.NoError(t, h.w.Unlock(t.Context(), UnlockRequest{
		Passphrase: newPass,
		Timeout:    -1,
	}))

	// The new passphrase is persisted.
	require.NoError(t, h.w.Close(t.Context()))

	w, err := Open(t.Context(), h.cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = w.Close(context.Background())
	})

	require.NoError(t, w.Start(t.Context()))
	require.NoError(t, w.Unlock(t.Context(), UnlockRequest{
		Passphrase: newPass,
		Timeout:    -1,
	}))
}

// TestLifecycle checks start, stop and close transitions from the outside.
func TestLifecycle(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	// Stopping a stopped wallet is a no-op.
	require.NoError(t, h.w.Stop(t.Context()))

	_, err := h.w.SyncNow(t.Context())
	require.ErrorIs(t, err, ErrStateForbidden)

	h.start(t)
	require.ErrorIs(t, h.w.Start(t.Context()), ErrWalletAlreadyStarted)

	// Stopping drops the keys.
	require.NoError(t, h.w.Stop(t.Context()))

	info, err := h.w.Info(t.Context())
	require.NoError(t, err)
	require.False(t, info.Started)
	require.True(t, info.Locked)

	// A stopped wallet can be started again.
	h.start(t)

	res, err := h.w.SyncNow(t.Context())
	require.NoError(t, err)
	require.NoError(t, res.Err)

	// Closing stops it first.
	require.NoError(t, h.w.Close(t.Context()))

	_, err = h.w.Info(t.Context())
	require.ErrorIs(t, err, ErrStateForbidden)

	_, err = h.w.ListAccounts(t.Context())
	require.ErrorIs(t, err, ErrStateForbidden)

	require.Error(t, h.w.Start(t.Context()))
	require.ErrorIs(t, h.w.Close(t.Context()), ErrStateForbidden)
}

// TestInfo checks the sync fields of the wallet info.
func TestInfo(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	info, err := h.w.Info(t.Context())
	require.NoError(t, err)
	require.Nil(t, info.SyncedTo)
	require.Equal(t, &chainParams, info.ChainParams)
	require.Equal(t, SyncIdle, info.Sync.State)

	tip := h.sim.mineEmpty(3)
	h.start(t)
	h.sync(t)

	info, err = h.w.Info(t.Context())
	require.NoError(t, err)
	require.NotNil(t, info.SyncedTo)
	require.Equal(t, tip.Height, info.SyncedTo.Height)
	require.Equal(t, tip.Hash, info.SyncedTo.Hash)
	require.Equal(t, tip.Height, info.Sync.Height)
}
