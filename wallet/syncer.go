// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/idxwallet/chain"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

var (
	// ErrReorgDetected marks a reorganization in a sync result. It is
	// informational and never returned from a public call.
	ErrReorgDetected = errors.New("chain reorganization detected")

	// ErrSyncerStopped is returned by SyncNow when the sync loop exits
	// before handling the request.
	ErrSyncerStopped = errors.New("sync loop stopped")
)

// SyncState is what the sync engine is currently doing.
type SyncState uint32

const (
	// SyncIdle is the state between two sync steps.
	SyncIdle SyncState = iota

	// SyncQuerying is the state while script histories are fetched from
	// the indexer. No store lock is held.
	SyncQuerying

	// SyncReconciling is the state while fetched histories are verified
	// and committed.
	SyncReconciling

	// SyncReorgRecovery is the state while mutations above a fork point
	// are reverted.
	SyncReorgRecovery
)

// String returns the string representation of a SyncState.
func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"

	case SyncQuerying:
		return "querying"

	case SyncReconciling:
		return "reconciling"

	case SyncReorgRecovery:
		return "reorg-recovery"

	default:
		return "unknown sync state"
	}
}

// SyncStatus is a snapshot of the sync engine.
type SyncStatus struct {
	// State is the current state.
	State SyncState

	// Degraded is set when the last step failed, typically because the
	// indexer stayed unreachable after all retries. The stored state is
	// left as the last successful step wrote it.
	Degraded bool

	// LastErr is the error of the last failed step.
	LastErr error

	// Height and Hash are the last reconciled tip.
	Height uint32
	Hash   chainhash.Hash

	// LastSync is the time the last step succeeded.
	LastSync time.Time
}

// ReorgEvent describes a rollback performed by a sync step.
type ReorgEvent struct {
	// OldTip is the tip the wallet had reconciled before the rollback.
	OldTip chain.BlockStamp

	// Fork is the highest block still on the main chain.
	Fork chain.BlockStamp

	// Reverted are the confirmed txns that were rolled back. Own txns
	// among them are pending again.
	Reverted []chainhash.Hash

	// Err wraps ErrReorgDetected with the fork height.
	Err error
}

// SyncResult is the outcome of one sync step.
type SyncResult struct {
	// Tip is the indexer tip the step reconciled to.
	Tip chain.BlockStamp

	// Reorg is set if the step rolled back a reorganization.
	Reorg fn.Option[ReorgEvent]

	// NewTxs are the txns seen for the first time.
	NewTxs []chainhash.Hash

	// Confirmed are known txns that confirmed in this step.
	Confirmed []chainhash.Hash

	// Discarded are unconfirmed txns that left the indexer's mempool and
	// pending txns that lost to a confirmed double spend.
	Discarded []chainhash.Hash

	// Err is set if the step failed. Nothing the step would have written
	// is committed past the last completed height.
	Err error
}

// syncNowReq asks the sync loop to run a step immediately.
type syncNowReq struct {
	resp chan SyncResult
}

// syncer is the synchronization engine. A single goroutine runs it, stepping
// every account serially against the indexer.
type syncer struct {
	w *Wallet

	mtx sync.RWMutex
	st  SyncStatus

	// results receives the outcome of every step. It is closed when the
	// wallet closes.
	results   chan SyncResult
	closeOnce sync.Once

	// nowReqs carries SyncNow requests to the loop.
	nowReqs chan syncNowReq
}

// newSyncer creates the sync engine of a wallet.
func newSyncer(w *Wallet) *syncer {
	return &syncer{
		w:       w,
		results: make(chan SyncResult, DefaultResultsBuffer),
		nowReqs: make(chan syncNowReq),
	}
}

// status returns the current status.
func (s *syncer) status() SyncStatus {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.st
}

// setState moves the engine to a new state.
func (s *syncer) setState(state SyncState) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.st.State = state
}

// closeResults closes the results channel. The sync loop must have exited.
func (s *syncer) closeResults() {
	s.closeOnce.Do(func() {
		close(s.results)
	})
}

// deliver publishes a result without blocking the loop. A consumer that falls
// behind loses results; the status always reflects the latest step.
func (s *syncer) deliver(res SyncResult) {
	select {
	case s.results <- res:
	default:
		log.Warnf("Sync results channel full, dropping result for "+
			"tip %d", res.Tip.Height)
	}
}

// run executes the sync loop until ctx is done. A step runs at start, on every
// tick, on every block notification and on every SyncNow request.
func (s *syncer) run(ctx context.Context) error {
	t := s.w.cfg.SyncTicker
	if t == nil {
		t = ticker.New(s.w.cfg.PollInterval)
	}
	t.Resume()
	defer t.Stop()

	var blocks <-chan chainhash.Hash
	if s.w.cfg.BlockNotifier != nil {
		blocks = s.w.cfg.BlockNotifier.Blocks()
	}

	s.stepAndDeliver(ctx)

	for {
		select {
		case <-t.Ticks():
			s.stepAndDeliver(ctx)

		case hash, ok := <-blocks:
			if !ok {
				log.Warnf("Block notifier closed, falling back " +
					"to polling")

				blocks = nil

				continue
			}

			log.Debugf("Block %v announced, syncing", hash)
			s.stepAndDeliver(ctx)

		case req := <-s.nowReqs:
			req.resp <- s.stepAndDeliver(ctx)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stepAndDeliver runs one step and publishes its result unless the loop is
// shutting down.
func (s *syncer) stepAndDeliver(ctx context.Context) SyncResult {
	res := s.step(ctx)
	if ctx.Err() == nil {
		s.deliver(res)
	}

	return res
}

// step runs one sync step followed by the maintenance tasks: expired
// reservations are released and unseen broadcast txns are resent.
func (s *syncer) step(ctx context.Context) SyncResult {
	res, err := s.syncOnce(ctx)
	if res == nil {
		res = &SyncResult{}
	}

	s.mtx.Lock()
	s.st.State = SyncIdle
	if err != nil {
		s.st.Degraded = true
		s.st.LastErr = err
	} else {
		s.st.Degraded = false
		s.st.LastErr = nil
		s.st.Height = res.Tip.Height
		s.st.Hash = res.Tip.Hash
		s.st.LastSync = s.w.cfg.Clock.Now()
	}
	s.mtx.Unlock()

	if err != nil {
		res.Err = err

		if ctx.Err() != nil {
			return *res
		}

		if chain.IsTransient(err) {
			log.Warnf("Sync step degraded, indexer unreachable: %v",
				err)
		} else {
			log.Errorf("Sync step failed: %v", err)
		}
	}

	released, err := s.w.expireReservations(ctx)
	switch {
	case err != nil:
		log.Errorf("Unable to release expired reservations: %v", err)

	case released > 0:
		log.Infof("Released %d expired reservations", released)
	}

	s.rebroadcast(ctx)

	return *res
}

// syncOnce brings the store in line with the indexer tip.
func (s *syncer) syncOnce(ctx context.Context) (*SyncResult, error) {
	s.setState(SyncQuerying)

	tip, err := s.fetchTip(ctx)
	if err != nil {
		return nil, err
	}

	var stored fn.Option[db.BlockStamp]
	err = s.w.store.View(ctx, func(tx db.ReadTx) error {
		var err error
		stored, err = readTip(tx)

		return err
	})
	if err != nil {
		return nil, err
	}

	res := &SyncResult{Tip: tip}

	if stored.IsSome() {
		prev := stored.UnwrapOr(db.BlockStamp{})

		// An indexer that lags behind the stored tip cannot tell
		// whether our blocks were reorged out. The step is skipped
		// until it catches up.
		if prev.Height > tip.Height {
			log.Warnf("Indexer tip %d is below reconciled tip %d, "+
				"waiting for it to catch up", tip.Height,
				prev.Height)

			res.Tip = chain.BlockStamp(prev)

			return res, nil
		}

		remote, err := s.blockHash(ctx, prev.Height)
		if err != nil {
			return nil, err
		}

		if remote != prev.Hash {
			s.setState(SyncReorgRecovery)

			event, err := s.recoverReorg(ctx, prev)
			if err != nil {
				return nil, fmt.Errorf("reorg recovery: %w", err)
			}

			res.Reorg = fn.Some(*event)
			s.setState(SyncQuerying)
		}
	}

	hist, err := s.queryHistory(ctx, tip)
	if err != nil {
		return nil, err
	}

	s.setState(SyncReconciling)

	if err := s.reconcile(ctx, tip, hist, res); err != nil {
		return nil, err
	}

	log.Debugf("Synced to %d (%v): %d new, %d confirmed, %d discarded",
		tip.Height, tip.Hash, len(res.NewTxs), len(res.Confirmed),
		len(res.Discarded))

	return res, nil
}

// fetchTip returns the indexer tip. The hash is read by height so it matches
// the main chain the rest of the step checks against.
func (s *syncer) fetchTip(ctx context.Context) (chain.BlockStamp, error) {
	height, err := chain.Retry(
		ctx, s.w.cfg.Retry, "tip height", s.w.cfg.Indexer.TipHeight,
	)
	if err != nil {
		return chain.BlockStamp{}, err
	}

	hash, err := s.blockHash(ctx, height)
	if err != nil {
		return chain.BlockStamp{}, err
	}

	return chain.BlockStamp{Height: height, Hash: hash}, nil
}

// blockHash returns the main chain hash at height.
func (s *syncer) blockHash(ctx context.Context,
	height uint32) (chainhash.Hash, error) {

	return chain.Retry(
		ctx, s.w.cfg.Retry, "block hash",
		func(ctx context.Context) (chainhash.Hash, error) {
			return s.w.cfg.Indexer.BlockHash(ctx, height)
		},
	)
}

// rebroadcast resends broadcast txns the indexer has not reported yet.
func (s *syncer) rebroadcast(ctx context.Context) {
	var resend []db.PendingTx
	err := s.w.store.View(ctx, func(tx db.ReadTx) error {
		resend = nil

		pending, err := tx.PendingTxs()
		if err != nil {
			return err
		}

		for _, p := range pending {
			if p.State != db.PendingBroadcast {
				continue
			}

			_, err := tx.Tx(p.Hash)
			switch {
			case errors.Is(err, db.ErrNotFound):
				resend = append(resend, p)

			case err != nil:
				return err
			}
		}

		return nil
	})
	if err != nil {
		log.Errorf("Unable to load txns to rebroadcast: %v", err)
		return
	}

	for _, p := range resend {
		msgTx, err := decodeTx(p.Raw, fmt.Sprintf("pending/%v", p.Hash))
		if err != nil {
			log.Errorf("Unable to rebroadcast: %v", err)
			continue
		}

		if err := s.w.publishTx(ctx, msgTx); err != nil {
			log.Warnf("Unable to rebroadcast tx %v: %v", p.Hash, err)
			continue
		}

		log.Debugf("Rebroadcast tx %v", p.Hash)
	}
}

// SyncNow runs a sync step immediately and returns its result. The result is
// also delivered on the results channel.
//
// This is part of the Controller interface.
func (w *Wallet) SyncNow(ctx context.Context) (*SyncResult, error) {
	if err := w.state.validateStarted(); err != nil {
		return nil, err
	}

	req := syncNowReq{resp: make(chan SyncResult, 1)}

	select {
	case w.sync.nowReqs <- req:

	case <-w.lifetimeCtx.Done():
		return nil, ErrSyncerStopped

	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.resp:
		return &res, nil

	case <-w.lifetimeCtx.Done():
		return nil, ErrSyncerStopped

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SyncStatus returns the current status of the sync engine.
//
// This is part of the Controller interface.
func (w *Wallet) SyncStatus() SyncStatus {
	return w.sync.status()
}

// Results returns the channel sync results are delivered on. It is closed
// when the wallet closes.
//
// This is part of the Controller interface.
func (w *Wallet) Results() <-chan SyncResult {
	return w.sync.results
}
