package wallet

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockSyncStatus is a mock implementation of the syncStatusSource interface.
type mockSyncStatus struct {
	mock.Mock
}

func (m *mockSyncStatus) status() SyncStatus {
	args := m.Called()
	return args.Get(0).(SyncStatus)
}

// TestStateSecureByDefault verifies that the zero-value of walletState
// represents a safe, locked condition.
func TestStateSecureByDefault(t *testing.T) {
	t.Parallel()

	// Arrange: Create a new state in Stopped (default) mode.
	s := newWalletState(nil)

	// Act & Assert: Verify initial state.
	require.False(t, s.isStarted())
	require.False(t, s.isUnlocked())
	require.NoError(t, s.validateOpen())

	// Act: Transition to Starting.
	err := s.toStarting()
	require.NoError(t, err)
	require.False(t, s.isStarted())

	// Act: Transition to Started.
	s.toStarted()
	require.True(t, s.isStarted())

	// Act: Transition to Stopping.
	err = s.toStopping()
	require.NoError(t, err)
	require.False(t, s.isStarted())

	// Act: Transition to Stopped.
	s.toStopped()
	require.False(t, s.isStarted())

	// Assert: Invalid transition (Stop when already Stopped).
	err = s.toStopping()
	require.ErrorIs(t, err, ErrStateForbidden)
}

// TestStateAuthentication verifies locking and unlocking logic.
func TestStateAuthentication(t *testing.T) {
	t.Parallel()

	s := newWalletState(nil)

	// Arrange: Start the wallet (must be started to be useful).
	s.toStarted()

	// Assert: Default is Locked.
	require.False(t, s.isUnlocked())

	// Act: Unlock.
	s.toUnlocked()
	require.True(t, s.isUnlocked())

	// Act: Lock.
	s.toLocked()
	require.False(t, s.isUnlocked())

	// Case 1: Locked -> Error.
	err := s.canSign()
	require.ErrorIs(t, err, ErrStateForbidden)
	require.ErrorContains(t, err, "wallet locked")

	// Case 2: Unlocked -> Success.
	s.toUnlocked()
	require.NoError(t, s.canSign())

	// Case 3: Stopped -> Error. Stopping forces the lock.
	s.toStopped()
	require.False(t, s.isUnlocked())

	// Manually unlock while stopped to test the canSign check.
	s.toUnlocked()
	err = s.canSign()
	require.ErrorIs(t, err, ErrStateForbidden)
	require.ErrorContains(t, err, "wallet not started")
}

// TestStateSyncStatus verifies that the wallet state reads the sync status
// from the syncer.
func TestStateSyncStatus(t *testing.T) {
	t.Parallel()

	syncer := &mockSyncStatus{}
	s := newWalletState(syncer)

	syncer.On("status").Return(SyncStatus{
		State:  SyncReconciling,
		Height: 42,
	}).Once()

	status := s.syncStatus()
	require.Equal(t, SyncReconciling, status.State)
	require.Equal(t, uint32(42), status.Height)

	syncer.AssertExpectations(t)
}

// TestStateNilSyncer verifies behavior when no syncer is set.
func TestStateNilSyncer(t *testing.T) {
	t.Parallel()

	s := newWalletState(nil)

	require.Equal(t, SyncStatus{State: SyncIdle}, s.syncStatus())
}

// TestStateThreadSafety verifies that state transitions are safe under
// concurrent access.
func TestStateThreadSafety(t *testing.T) {
	t.Parallel()

	s := newWalletState(nil)

	// Arrange: Hammer the start transition.
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)

	start := make(chan struct{})

	for range 100 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			<-start

			if s.toStarting() == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}

	close(start)
	wg.Wait()

	// Assert: Exactly one caller won the transition.
	require.Equal(t, 1, started)
	require.Equal(t, uint32(lifecycleStarting), s.lifecycle.Load())
}

// TestStateString verifies the summary string format.
func TestStateString(t *testing.T) {
	t.Parallel()

	// Arrange: Create a specific state.
	ms := &mockSyncStatus{}
	ms.On("status").Return(SyncStatus{State: SyncQuerying})

	state := newWalletState(ms)
	state.lifecycle.Store(uint32(lifecycleStarted))
	state.unlocked.Store(true)

	// Act: Get the summary string.
	got := state.String()

	// Assert: Verify exact format and values.
	expected := "status=started, sync=querying, locked=false"
	require.Equal(t, expected, got)
}

// TestStateStartStop verifies the transition logic for start and stop.
func TestStateStartStop(t *testing.T) {
	t.Parallel()

	t.Run("start success", func(t *testing.T) {
		t.Parallel()

		state := newWalletState(nil)

		// Set initial random state to verify reset.
		state.unlocked.Store(true)

		err := state.toStarting()
		require.NoError(t, err)
		require.Equal(t, uint32(lifecycleStarting),
			state.lifecycle.Load())
		require.False(t, state.unlocked.Load())

		// Now mark as started.
		state.toStarted()
		require.Equal(t, uint32(lifecycleStarted),
			state.lifecycle.Load())
	})

	t.Run("start fail already started", func(t *testing.T) {
		t.Parallel()

		state := newWalletState(nil)
		state.lifecycle.Store(uint32(lifecycleStarted))

		err := state.toStarting()
		require.ErrorIs(t, err, ErrWalletAlreadyStarted)
	})

	t.Run("stop success", func(t *testing.T) {
		t.Parallel()

		state := newWalletState(nil)
		state.lifecycle.Store(uint32(lifecycleStarted))
		state.unlocked.Store(true)

		err := state.toStopping()
		require.NoError(t, err)

		require.Equal(t, uint32(lifecycleStopping),
			state.lifecycle.Load())
		require.False(t, state.unlocked.Load())
	})

	t.Run("stop fail not started", func(t *testing.T) {
		t.Parallel()

		state := newWalletState(nil)
		state.lifecycle.Store(uint32(lifecycleStopped))

		err := state.toStopping()
		require.ErrorIs(t, err, ErrStateForbidden)
	})
}

// TestStateClose verifies that only a stopped wallet closes and that a
// closed wallet refuses every operation.
func TestStateClose(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		lifecycle lifecycle
		wantErr   bool
	}{
		{
			name:      "stopped closes",
			lifecycle: lifecycleStopped,
		},
		{
			name:      "started refuses",
			lifecycle: lifecycleStarted,
			wantErr:   true,
		},
		{
			name:      "stopping refuses",
			lifecycle: lifecycleStopping,
			wantErr:   true,
		},
		{
			name:      "closed refuses",
			lifecycle: lifecycleClosed,
			wantErr:   true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// Arrange: Setup state.
			state := newWalletState(nil)
			state.lifecycle.Store(uint32(tc.lifecycle))

			// Act.
			err := state.toClosed()

			// Assert.
			if tc.wantErr {
				require.ErrorIs(t, err, ErrStateForbidden)
				return
			}

			require.NoError(t, err)
			require.True(t, state.isClosed())
			require.ErrorIs(t, state.validateOpen(),
				ErrStateForbidden)
			require.ErrorIs(t, state.toStarting(),
				ErrWalletAlreadyStarted)
		})
	}
}

// TestStateAuxiliaryMethods verifies helper methods like canUnlock and
// canLock.
func TestStateAuxiliaryMethods(t *testing.T) {
	t.Parallel()

	s := newWalletState(nil)

	// Case 1: Stopped -> All forbidden.
	require.ErrorIs(t, s.canUnlock(), ErrStateForbidden)
	require.ErrorIs(t, s.canLock(), ErrStateForbidden)
	require.ErrorIs(t, s.validateStarted(), ErrStateForbidden)

	// Case 2: Started -> All allowed.
	s.toStarted()
	require.NoError(t, s.canUnlock())
	require.NoError(t, s.canLock())
	require.NoError(t, s.validateStarted())
}

// TestLifecycleString verifies the lifecycle names.
func TestLifecycleString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "stopped", lifecycleStopped.String())
	require.Equal(t, "started", lifecycleStarted.String())
	require.Equal(t, "closed", lifecycleClosed.String())
	require.Equal(t, "unknown lifecycle state", lifecycle(99).String())
}
