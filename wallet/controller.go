package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/idxwallet/chain"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
)

var (
	// ErrNoSeed is returned when a wallet that only holds watch-only
	// accounts is asked to unlock or change its passphrase.
	ErrNoSeed = errors.New("wallet holds no seed")
)

// UnlockRequest contains the parameters for unlocking the wallet.
type UnlockRequest struct {
	// Passphrase is the passphrase the seed is sealed under.
	Passphrase []byte

	// Timeout defines the duration after which the wallet should
	// automatically lock. If zero, it defaults to the wallet's configured
	// AutoLockDuration. If negative, the wallet remains unlocked until
	// explicitly locked or stopped.
	Timeout time.Duration
}

// ChangePassphraseRequest contains the old and new seed passphrases.
type ChangePassphraseRequest struct {
	Old []byte
	New []byte
}

// Info provides a snapshot of the wallet's static configuration and dynamic
// synchronization state.
type Info struct {
	// BirthdayHeight is the height discovery starts from.
	BirthdayHeight uint32

	// ChainParams are the parameters of the chain the wallet runs on.
	ChainParams *chaincfg.Params

	// MasterFingerprint is the fingerprint of the master public key, or
	// zero for wallets without a seed.
	MasterFingerprint uint32

	// HasSeed is false for wallets that only hold watch-only accounts.
	HasSeed bool

	// Locked indicates if the wallet is currently locked.
	Locked bool

	// Started indicates if the background loops are running.
	Started bool

	// SyncedTo is the last reconciled tip. It is nil before the first
	// successful sync step.
	SyncedTo *chain.BlockStamp

	// Sync is the status of the synchronization engine.
	Sync SyncStatus

	// CreatedAt is the wallet creation time.
	CreatedAt time.Time
}

// Controller provides an interface for managing the wallet's lifecycle and
// state.
type Controller interface {
	// Unlock unlocks the wallet with a passphrase. The wallet will remain
	// unlocked until explicitly locked or the provided lock duration
	// expires.
	Unlock(ctx context.Context, req UnlockRequest) error

	// Lock locks the wallet, zeroing the master key.
	Lock(ctx context.Context) error

	// ChangePassphrase reseals the seed under a new passphrase.
	ChangePassphrase(ctx context.Context, req ChangePassphraseRequest) error

	// Info returns a snapshot of the wallet's configuration and sync
	// state.
	Info(ctx context.Context) (*Info, error)

	// Start starts the background processes necessary to manage the wallet.
	// It returns an error if the wallet is already started.
	Start(ctx context.Context) error

	// Stop signals all wallet background processes to shutdown and blocks
	// until they have all exited.
	Stop(ctx context.Context) error

	// SyncNow runs a sync step immediately and returns its result.
	SyncNow(ctx context.Context) (*SyncResult, error)

	// SyncStatus returns the current status of the sync engine.
	SyncStatus() SyncStatus

	// Results returns the channel sync step results are delivered on.
	Results() <-chan SyncResult
}

// A compile-time check to ensure that Wallet satisfies the Controller
// interface.
var _ Controller = (*Wallet)(nil)

// Start starts the background processes necessary to manage the wallet.
//
// This is part of the Controller interface.
func (w *Wallet) Start(startCtx context.Context) error {
	// 1. Attempt to transition from Stopped to Starting.
	err := w.state.toStarting()
	if err != nil {
		return err
	}

	// 2. Setup background resources. w.lifetimeCtx governs the lifecycle
	// of all background goroutines and is canceled by Stop.
	w.lifetimeCtx, w.cancel = context.WithCancel(context.Background())

	// 3. Perform runtime setup synchronously so a failure aborts the
	// start.
	err = w.performRuntimeSetup(startCtx)
	if err != nil {
		w.cancel()
		w.state.toStopped()

		return err
	}

	// 4. Start background goroutines.
	w.wg.Add(1)

	go w.mainLoop()

	w.wg.Add(1)

	go func() {
		defer w.wg.Done()

		err := w.sync.run(w.lifetimeCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("Chain sync loop exited with error: %v", err)
		}
	}()

	// 5. Mark the wallet as fully started.
	w.state.toStarted()

	log.Infof("Wallet started: %v", w.state.String())

	return nil
}

// performRuntimeSetup executes the synchronous initialization tasks required
// before the wallet's loops can start: the store must be readable and
// reservations that lapsed while the wallet was down are released.
func (w *Wallet) performRuntimeSetup(startCtx context.Context) error {
	err := w.store.View(startCtx, func(tx db.ReadTx) error {
		_, err := tx.Wallet()
		return err
	})
	if err != nil {
		return fmt.Errorf("unable to read wallet record: %w", err)
	}

	released, err := w.expireReservations(startCtx)
	if err != nil {
		return err
	}

	if released > 0 {
		log.Infof("Released %d expired reservations", released)
	}

	return nil
}

// Stop signals all wallet background processes to shutdown and blocks until
// they have all exited. It returns an error if the context is canceled before
// the shutdown is complete.
//
// This is part of the Controller interface.
func (w *Wallet) Stop(stopCtx context.Context) error {
	// Attempt to transition from Started to Stopping.
	err := w.state.toStopping()
	if err != nil {
		// If the wallet is not started, we can consider it stopped.
		log.Warnf("Wallet already stopped: %v", err)
		return nil
	}

	// The successful transition to Stopping guarantees Start completed
	// and set w.cancel.
	w.cancel()

	// Wait for all goroutines to finish.
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-stopCtx.Done():
		return fmt.Errorf("stop request cancelled: %w", stopCtx.Err())
	}

	// Nothing can sign any more, so drop the master key.
	w.keyRing.Lock()
	w.state.toStopped()

	log.Infof("Wallet stopped")

	return nil
}

// Unlock unlocks the wallet with a passphrase.
//
// This is part of the Controller interface.
func (w *Wallet) Unlock(ctx context.Context, req UnlockRequest) error {
	err := w.state.canUnlock()
	if err != nil {
		return err
	}

	// Apply default timeout if none specified.
	if req.Timeout == 0 {
		req.Timeout = w.cfg.AutoLockDuration
		log.Debugf("Using default auto-lock timeout of %v", req.Timeout)
	}

	r := newUnlockReq(req)

	err = w.sendReq(ctx, r)
	if err != nil {
		return err
	}

	return w.waitForResp(ctx, r.resp)
}

// Lock locks the wallet.
//
// This is part of the Controller interface.
func (w *Wallet) Lock(ctx context.Context) error {
	err := w.state.canLock()
	if err != nil {
		return err
	}

	r := newLockReq()

	err = w.sendReq(ctx, r)
	if err != nil {
		return err
	}

	return w.waitForResp(ctx, r.resp)
}

// ChangePassphrase reseals the seed under a new passphrase.
//
// This is part of the Controller interface.
func (w *Wallet) ChangePassphrase(ctx context.Context,
	req ChangePassphraseRequest) error {

	err := w.state.validateStarted()
	if err != nil {
		return err
	}

	r := newChangePassphraseReq(req)

	err = w.sendReq(ctx, r)
	if err != nil {
		return err
	}

	return w.waitForResp(ctx, r.resp)
}

// Info returns a snapshot of the wallet's configuration and sync state.
//
// This is part of the Controller interface.
func (w *Wallet) Info(ctx context.Context) (*Info, error) {
	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}

	info := &Info{
		BirthdayHeight:    w.record.BirthdayHeight,
		ChainParams:       w.cfg.ChainParams,
		MasterFingerprint: w.record.MasterFingerprint,
		HasSeed:           w.hasSeed,
		Locked:            !w.state.isUnlocked(),
		Started:           w.state.isStarted(),
		Sync:              w.state.syncStatus(),
		CreatedAt:         w.record.CreatedAt,
	}

	err := w.store.View(ctx, func(tx db.ReadTx) error {
		tip, err := tx.Tip()
		switch {
		case errors.Is(err, db.ErrNotFound):
			return nil

		case err != nil:
			return err
		}

		info.SyncedTo = &chain.BlockStamp{
			Height: tip.Height,
			Hash:   tip.Hash,
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return info, nil
}

// mainLoop is the central event loop for the wallet, responsible for
// serializing all authentication requests. It manages the transition between
// locked and unlocked states and handles the automatic locking of the wallet
// after a specified duration.
func (w *Wallet) mainLoop() {
	defer w.wg.Done()

	for {
		select {
		case req := <-w.requestChan:
			switch r := req.(type) {
			case unlockReq:
				w.handleUnlockReq(r)

			case lockReq:
				w.handleLockReq(r)

			case changePassphraseReq:
				w.handleChangePassphraseReq(r)

			default:
				log.Errorf("Wallet received unknown request "+
					"type: %T", req)
			}

		// The auto-lock timer has expired. We trigger a lock with a
		// dummy response channel to avoid nil checks in the handler.
		case <-w.lockTimer.C:
			log.Infof("Auto-lock timeout fired, locking wallet")
			w.handleLockReq(newLockReq())

		case <-w.lifetimeCtx.Done():
			w.lockTimer.Stop()

			return
		}
	}
}

// resultChan is a generic channel for returning errors to callers.
type resultChan chan error

// unlockReq requests the wallet to be unlocked.
type unlockReq struct {
	req  UnlockRequest
	resp resultChan
}

// lockReq requests the wallet to be locked.
type lockReq struct {
	resp resultChan
}

// changePassphraseReq requests the seed to be resealed.
type changePassphraseReq struct {
	req  ChangePassphraseRequest
	resp resultChan
}

// newUnlockReq creates a new unlock request with a buffered response channel
// so the main loop never blocks when reporting the result.
func newUnlockReq(req UnlockRequest) unlockReq {
	return unlockReq{
		req:  req,
		resp: make(resultChan, 1),
	}
}

// newLockReq creates a new lock request with a buffered response channel.
func newLockReq() lockReq {
	return lockReq{
		resp: make(resultChan, 1),
	}
}

// newChangePassphraseReq creates a new change passphrase request with a
// buffered response channel.
func newChangePassphraseReq(req ChangePassphraseRequest) changePassphraseReq {
	return changePassphraseReq{
		req:  req,
		resp: make(resultChan, 1),
	}
}

// handleUnlockReq decrypts the seed, hands it to the key ring and arms the
// auto-lock timer.
func (w *Wallet) handleUnlockReq(req unlockReq) {
	err := w.state.canUnlock()
	if err != nil {
		req.resp <- err
		return
	}

	if !w.hasSeed {
		req.resp <- ErrNoSeed
		return
	}

	seed, err := waddrmgr.DecryptSeed(w.sealedSeed, req.req.Passphrase)
	if err != nil {
		req.resp <- err
		return
	}

	err = w.keyRing.Unlock(seed)
	waddrmgr.ZeroSeed(seed)

	if err != nil {
		req.resp <- err
		return
	}

	w.state.toUnlocked()

	// A positive timeout re-arms the timer. Otherwise auto-locking is
	// disabled until the next unlock.
	duration := req.req.Timeout
	if duration > 0 {
		w.stopLockTimer()
		w.lockTimer.Reset(duration)
	} else {
		w.stopLockTimer()
	}

	req.resp <- nil
}

// handleLockReq zeroes the master key and marks the wallet locked.
func (w *Wallet) handleLockReq(req lockReq) {
	err := w.state.canLock()
	if err != nil {
		req.resp <- err
		return
	}

	w.stopLockTimer()

	// Lock waits for in-flight signatures to finish.
	w.keyRing.Lock()
	w.state.toLocked()

	req.resp <- nil
}

// handleChangePassphraseReq reseals the seed under the new passphrase and
// persists the new wallet record.
func (w *Wallet) handleChangePassphraseReq(req changePassphraseReq) {
	if !w.hasSeed {
		req.resp <- ErrNoSeed
		return
	}

	seed, err := waddrmgr.DecryptSeed(w.sealedSeed, req.req.Old)
	if err != nil {
		req.resp <- err
		return
	}
	defer waddrmgr.ZeroSeed(seed)

	sealed, err := waddrmgr.EncryptSeed(seed, req.req.New, w.cfg.KDFParams)
	if err != nil {
		req.resp <- err
		return
	}

	record := w.record
	record.EncryptedSeed = sealed

	err = w.store.AtomicBatch(w.lifetimeCtx, []db.Op{
		db.PutWallet{Record: record},
	})
	if err != nil {
		req.resp <- err
		return
	}

	w.sealedSeed = sealed

	log.Infof("Wallet passphrase changed")

	req.resp <- nil
}

// stopLockTimer stops the auto-lock timer and drains a pending tick so a
// stale signal does not lock the wallet right after an unlock.
func (w *Wallet) stopLockTimer() {
	if !w.lockTimer.Stop() {
		select {
		case <-w.lockTimer.C:
		default:
		}
	}
}

// sendReq sends an operation request to the main loop or handles cancellation.
func (w *Wallet) sendReq(ctx context.Context, req any) error {
	select {
	case w.requestChan <- req:
		return nil

	case <-w.lifetimeCtx.Done():
		return ErrWalletShuttingDown

	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForResp waits for the response from an operation request or handles
// cancellation.
func (w *Wallet) waitForResp(ctx context.Context, resp <-chan error) error {
	select {
	case err := <-resp:
		return err

	case <-w.lifetimeCtx.Done():
		return ErrWalletShuttingDown

	case <-ctx.Done():
		return ctx.Err()
	}
}
