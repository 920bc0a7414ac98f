// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet provides a bitcoin wallet engine that derives keys, tracks
// the outputs paying them, builds and signs spends, and keeps its view of
// the chain reconciled against an external indexer.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
)

var (
	// ErrWalletShuttingDown is an error returned when we attempt to make a
	// request to the wallet but it is in the process of or has already shut
	// down.
	ErrWalletShuttingDown = errors.New("wallet shutting down")

	// ErrWalletAlreadyStarted is returned when an attempt is made to start
	// the wallet when it is already started.
	ErrWalletAlreadyStarted = errors.New("wallet already started")

	// ErrWrongNetwork is returned when a wallet database created for one
	// network is opened with the parameters of another.
	ErrWrongNetwork = errors.New("wallet belongs to a different network")
)

// Wallet is a wallet engine bound to one database and one chain data source.
//
// The wallet is safe for concurrent use. Reads go straight to the store.
// Address issuance and transaction builds are serialized by newAddrMtx so an
// issue cursor and the reservations it guards move together. Unlock and lock
// requests are serialized by the main loop.
type Wallet struct {
	cfg Config

	// store is the persistent state of the wallet.
	store db.Store

	// keyRing holds the account subtrees and, while unlocked, the master
	// key.
	keyRing *waddrmgr.KeyRing

	// tracker is the reverse index from scripts to keys. It holds every
	// issued key plus the discovery look-ahead.
	tracker *waddrmgr.Tracker

	// record is the wallet record as loaded. Its seed field is stale
	// after a passphrase change; sealedSeed holds the current one.
	record db.WalletRecord

	// hasSeed is false for wallets that only hold watch-only accounts.
	hasSeed bool

	// sealedSeed is the encrypted seed. It is only accessed by the main
	// loop.
	sealedSeed []byte

	// state tracks the lifecycle and authentication state.
	state walletState

	// sync drives the synchronization engine.
	sync *syncer

	// newAddrMtx serializes address issuance, account creation and
	// transaction builds.
	newAddrMtx sync.Mutex

	// requestChan carries lock and unlock requests to the main loop.
	requestChan chan any

	// lockTimer fires when an unlock times out.
	lockTimer *time.Timer

	// lifetimeCtx governs every background goroutine. It is canceled by
	// Stop.
	lifetimeCtx context.Context
	cancel      context.CancelFunc

	wg sync.WaitGroup
}

// newWallet wires a wallet around an opened store. The key ring is empty
// until loadAccounts runs.
func newWallet(cfg Config, store db.Store, record db.WalletRecord) *Wallet {
	keyRing := waddrmgr.NewKeyRing(cfg.ChainParams)
	keyRing.SetFingerprint(record.MasterFingerprint)

	w := &Wallet{
		cfg:         cfg,
		store:       store,
		keyRing:     keyRing,
		tracker:     waddrmgr.NewTracker(cfg.ChainParams),
		record:      record,
		hasSeed:     len(record.EncryptedSeed) > 0,
		sealedSeed:  record.EncryptedSeed,
		requestChan: make(chan any),
	}

	// The timer is created stopped so the main loop can select on it
	// unconditionally.
	w.lockTimer = time.NewTimer(time.Hour)
	w.lockTimer.Stop()

	// The lifetime context is replaced on Start. Until then it is already
	// done so requests sent to a stopped wallet fail fast.
	w.lifetimeCtx, w.cancel = context.WithCancel(context.Background())
	w.cancel()

	w.sync = newSyncer(w)
	w.state = newWalletState(w.sync)

	return w
}

// ChainParams returns the network parameters of the wallet.
func (w *Wallet) ChainParams() *chaincfg.Params {
	return w.cfg.ChainParams
}

// Close stops the wallet if it is running, closes the sync results channel
// and releases the database.
func (w *Wallet) Close(ctx context.Context) error {
	if w.state.isStarted() {
		if err := w.Stop(ctx); err != nil {
			return err
		}
	}

	if err := w.state.toClosed(); err != nil {
		return err
	}

	w.keyRing.Lock()
	w.sync.closeResults()

	if err := w.store.Close(); err != nil {
		return fmt.Errorf("unable to close wallet db: %w", err)
	}

	log.Infof("Wallet closed")

	return nil
}
