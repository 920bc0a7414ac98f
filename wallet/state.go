// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrStateForbidden is returned when an operation cannot be performed
	// due to the current state of the wallet (e.g., locked, not started).
	ErrStateForbidden = errors.New("operation forbidden in current state")
)

// lifecycle represents the lifecycle state of the wallet's main event loop.
type lifecycle uint32

const (
	// lifecycleStopped indicates the wallet is stopped.
	lifecycleStopped lifecycle = iota

	// lifecycleStarting indicates the wallet is starting up.
	lifecycleStarting

	// lifecycleStarted indicates the wallet is started.
	lifecycleStarted

	// lifecycleStopping indicates the wallet is currently stopping.
	lifecycleStopping

	// lifecycleClosed indicates the wallet released its database and
	// cannot be started again.
	lifecycleClosed
)

// String returns the string representation of a lifecycle.
func (l lifecycle) String() string {
	switch l {
	case lifecycleStopped:
		return "stopped"

	case lifecycleStarting:
		return "starting"

	case lifecycleStarted:
		return "started"

	case lifecycleStopping:
		return "stopping"

	case lifecycleClosed:
		return "closed"

	default:
		return "unknown lifecycle state"
	}
}

// syncStatusSource is implemented by the syncer, the only writer of the sync
// state.
type syncStatusSource interface {
	status() SyncStatus
}

// walletState is a thread-safe wrapper that manages the state of the wallet
// across three orthogonal dimensions:
//  1. Lifecycle: whether the background loops are running.
//  2. Synchronization: what the syncer is currently doing, read from the
//     syncer itself.
//  3. Authentication: whether the key ring holds the master key.
type walletState struct {
	// lifecycle tracks the start/stop state of the wallet.
	lifecycle atomic.Uint32

	// syncer reports the synchronization status.
	syncer syncStatusSource

	// unlocked tracks whether the wallet is unlocked. The zero value is
	// locked.
	unlocked atomic.Bool
}

// newWalletState creates a stopped, locked wallet state.
func newWalletState(syncer syncStatusSource) walletState {
	return walletState{
		syncer: syncer,
	}
}

// String returns a summary of the wallet's state.
func (s *walletState) String() string {
	lc := lifecycle(s.lifecycle.Load())
	unlocked := s.unlocked.Load()

	return fmt.Sprintf("status=%v, sync=%v, locked=%v", lc,
		s.syncStatus().State, !unlocked)
}

// toStarting transitions the wallet state from Stopped to Starting. The
// wallet always starts locked.
func (s *walletState) toStarting() error {
	if !s.lifecycle.CompareAndSwap(
		uint32(lifecycleStopped), uint32(lifecycleStarting)) {

		return fmt.Errorf("%w: current state is %v",
			ErrWalletAlreadyStarted, lifecycle(s.lifecycle.Load()))
	}

	s.unlocked.Store(false)

	return nil
}

// toStarted marks the wallet as fully started.
func (s *walletState) toStarted() {
	s.lifecycle.Store(uint32(lifecycleStarted))
}

// toStopping transitions the wallet from Started to Stopping.
func (s *walletState) toStopping() error {
	if !s.lifecycle.CompareAndSwap(
		uint32(lifecycleStarted), uint32(lifecycleStopping)) {

		return ErrStateForbidden
	}

	// No new signatures once shutdown begins.
	s.unlocked.Store(false)

	return nil
}

// toStopped marks the wallet as fully stopped.
func (s *walletState) toStopped() {
	s.lifecycle.Store(uint32(lifecycleStopped))
	s.unlocked.Store(false)
}

// toClosed marks the wallet as closed. It fails unless the wallet is
// stopped.
func (s *walletState) toClosed() error {
	if !s.lifecycle.CompareAndSwap(
		uint32(lifecycleStopped), uint32(lifecycleClosed)) {

		return fmt.Errorf("%w: current state is %v", ErrStateForbidden,
			lifecycle(s.lifecycle.Load()))
	}

	return nil
}

// toUnlocked marks the wallet as unlocked.
func (s *walletState) toUnlocked() {
	s.unlocked.Store(true)
}

// toLocked marks the wallet as locked.
func (s *walletState) toLocked() {
	s.unlocked.Store(false)
}

// syncStatus returns the current synchronization status.
func (s *walletState) syncStatus() SyncStatus {
	if s.syncer == nil {
		return SyncStatus{State: SyncIdle}
	}

	return s.syncer.status()
}

// isUnlocked returns true if the wallet is currently unlocked.
func (s *walletState) isUnlocked() bool {
	return s.unlocked.Load()
}

// isStarted returns true if the wallet is in the Started state.
func (s *walletState) isStarted() bool {
	return lifecycle(s.lifecycle.Load()) == lifecycleStarted
}

// isClosed returns true once the wallet released its database.
func (s *walletState) isClosed() bool {
	return lifecycle(s.lifecycle.Load()) == lifecycleClosed
}

// canSign checks if the wallet is in a state allowing transaction signing.
// The wallet must be Started and Unlocked.
func (s *walletState) canSign() error {
	if !s.isStarted() {
		return fmt.Errorf("%w: wallet not started", ErrStateForbidden)
	}

	if !s.isUnlocked() {
		return fmt.Errorf("%w: wallet locked", ErrStateForbidden)
	}

	return nil
}

// validateStarted checks if the wallet is currently running.
func (s *walletState) validateStarted() error {
	if !s.isStarted() {
		return fmt.Errorf("%w: wallet not started", ErrStateForbidden)
	}

	return nil
}

// validateOpen checks that the database is still usable. Reads are allowed
// while stopped.
func (s *walletState) validateOpen() error {
	if s.isClosed() {
		return fmt.Errorf("%w: wallet closed", ErrStateForbidden)
	}

	return nil
}

// canUnlock checks if the wallet is in a state that allows unlocking.
func (s *walletState) canUnlock() error {
	return s.validateStarted()
}

// canLock checks if the wallet is in a state that allows locking.
func (s *walletState) canLock() error {
	return s.validateStarted()
}
