// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/chain"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
)

// TxPublisher provides an interface for publishing transactions.
type TxPublisher interface {
	// Broadcast hands a pending tx to the network.
	Broadcast(ctx context.Context, hash chainhash.Hash) error

	// SendOutputs builds, signs and broadcasts a tx.
	SendOutputs(ctx context.Context, req *BuildRequest) (*PendingTx, error)
}

// A compile time check to ensure that Wallet implements the interface.
var _ TxPublisher = (*Wallet)(nil)

// Broadcast hands a pending tx to the network through the indexer, falling
// back to the full node if the indexer stays unreachable. The reservation is
// pinned before the tx is published; if its lock lapsed and another build
// took an input, ErrReservationExpired is returned and nothing is sent. A
// rejected tx stays pending so the caller can Discard it.
//
// This is part of the TxPublisher interface.
func (w *Wallet) Broadcast(ctx context.Context, hash chainhash.Hash) error {
	if err := w.state.validateOpen(); err != nil {
		return err
	}

	var pending *db.PendingTx
	err := w.store.View(ctx, func(tx db.ReadTx) error {
		var err error
		pending, err = tx.Pending(hash)
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrTxNotFound, hash)
		}

		return err
	})
	if err != nil {
		return err
	}

	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(pending.Raw)); err != nil {
		return db.NewCorruptError(fmt.Sprintf("pending/%v", hash), err)
	}

	if pending.State == db.PendingBroadcast {
		return w.publishTx(ctx, &msgTx)
	}

	if err := w.setPendingState(ctx, hash, db.PendingBroadcast); err != nil {
		return err
	}

	if err := w.publishTx(ctx, &msgTx); err != nil {
		log.Errorf("%v: broadcast failed: %v", hash, err)

		// The tx stays pending with a fresh reservation window so the
		// caller can retry or Discard it.
		unpinErr := w.setPendingState(ctx, hash, db.PendingBuilt)
		if unpinErr != nil {
			log.Warnf("Unable to unpin reservation of %v: %v",
				hash, unpinErr)
		}

		return err
	}

	log.Infof("Broadcast tx %v", hash)

	return nil
}

// setPendingState moves a pending tx and its reservation to state in one
// batch.
func (w *Wallet) setPendingState(ctx context.Context, hash chainhash.Hash,
	state db.PendingState) error {

	now := w.cfg.Clock.Now()
	err := w.store.AtomicBatch(ctx, []db.Op{db.SetPendingState{
		Hash:   hash,
		State:  state,
		Now:    now,
		Expiry: now.Add(w.cfg.ReservationTimeout),
	}})
	switch {
	case errors.Is(err, db.ErrOutputUnavailable):
		return fmt.Errorf("%w: %v: %v", ErrReservationExpired, hash, err)

	case errors.Is(err, db.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrTxNotFound, hash)

	case err != nil:
		return fmt.Errorf("unable to record %v state of %v: %w", state,
			hash, err)
	}

	return nil
}

// publishTx submits a tx to the indexer, then to the full node if the
// indexer failure was transient. Rejections are never retried elsewhere.
func (w *Wallet) publishTx(ctx context.Context, tx *wire.MsgTx) error {
	_, err := chain.Retry(
		ctx, w.cfg.Retry, "broadcast",
		func(ctx context.Context) (chainhash.Hash, error) {
			return w.cfg.Indexer.Broadcast(ctx, tx)
		},
	)
	if err == nil || !chain.IsTransient(err) || w.cfg.FullNode == nil {
		return err
	}

	log.Warnf("Indexer unavailable for broadcast of %v, using full "+
		"node: %v", tx.TxHash(), err)

	_, err = w.cfg.FullNode.SendRawTransaction(tx)

	return err
}

// SendOutputs builds, signs and broadcasts a tx. If the network rejects it,
// the tx is discarded and its inputs are released.
//
// This is part of the TxPublisher interface.
func (w *Wallet) SendOutputs(ctx context.Context,
	req *BuildRequest) (*PendingTx, error) {

	pending, err := w.BuildTransaction(ctx, req)
	if err != nil {
		return nil, err
	}

	err = w.Broadcast(ctx, pending.Hash)
	if err == nil {
		return pending, nil
	}

	if discardErr := w.Discard(ctx, pending.Hash); discardErr != nil {
		log.Warnf("Unable to discard tx %v after broadcast failed: %v",
			pending.Hash, discardErr)

		return nil, fmt.Errorf("broadcast failed: %w; and failed to "+
			"discard: %v", err, discardErr)
	}

	return nil, err
}
