// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
)

var (
	// ErrReservationNotFound is returned when releasing an unknown
	// reservation.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrReservationBroadcast is returned when releasing a reservation
	// whose tx already reached the network.
	ErrReservationBroadcast = errors.New("reservation belongs to a " +
		"broadcast tx")

	// ErrReservationExpired is returned when broadcasting a tx whose
	// reservation lapsed and whose inputs were taken by another build.
	ErrReservationExpired = errors.New("reservation expired and inputs " +
		"were reserved again")
)

// newLockID returns a random lock id.
func newLockID() (LockID, error) {
	var id LockID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("unable to generate lock id: %w", err)
	}

	return id, nil
}

// ReleaseReservation frees the inputs held by a reservation and drops the
// built tx that relied on them. Reservations of broadcast txns cannot be
// released; use Discard instead.
func (w *Wallet) ReleaseReservation(ctx context.Context, id LockID) error {
	if err := w.state.validateOpen(); err != nil {
		return err
	}

	var ops []db.Op
	err := w.store.View(ctx, func(tx db.ReadTx) error {
		res, err := tx.Reservation(id)
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %x", ErrReservationNotFound, id[:])
		}
		if err != nil {
			return err
		}

		if res.Broadcast {
			return ErrReservationBroadcast
		}

		ops = releaseOps(res)

		return nil
	})
	if err != nil {
		return err
	}

	// The broadcast check is repeated by the write itself, since the tx
	// may be broadcast between the read above and the batch.
	err = w.store.AtomicBatch(ctx, ops)
	switch {
	case errors.Is(err, db.ErrReservationPinned):
		return ErrReservationBroadcast

	case err != nil:
		return fmt.Errorf("unable to release reservation: %w", err)
	}

	log.Debugf("Released reservation %x", id[:])

	return nil
}

// Discard forgets a pending tx and frees its inputs. A broadcast tx may still
// confirm; the next sync records it as usual if it does.
func (w *Wallet) Discard(ctx context.Context, hash chainhash.Hash) error {
	if err := w.state.validateOpen(); err != nil {
		return err
	}

	var ops []db.Op
	err := w.store.View(ctx, func(tx db.ReadTx) error {
		pending, err := tx.Pending(hash)
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrTxNotFound, hash)
		}
		if err != nil {
			return err
		}

		ops = []db.Op{db.DeletePending{Hash: hash}}

		_, err = tx.Reservation(pending.LockID)
		switch {
		case errors.Is(err, db.ErrNotFound):
			return nil

		case err != nil:
			return err
		}

		ops = append(ops, db.ReleaseReservation{ID: pending.LockID})

		return nil
	})
	if err != nil {
		return err
	}

	if err := w.store.AtomicBatch(ctx, ops); err != nil {
		return fmt.Errorf("unable to discard tx: %w", err)
	}

	log.Infof("Discarded pending tx %v", hash)

	return nil
}

// expireReservations releases every reservation that lapsed, together with
// the built txns that relied on them. It returns the number released.
func (w *Wallet) expireReservations(ctx context.Context) (int, error) {
	now := w.cfg.Clock.Now()

	var lapsed []db.Reservation
	err := w.store.View(ctx, func(tx db.ReadTx) error {
		lapsed = nil

		reservations, err := tx.Reservations()
		if err != nil {
			return err
		}

		for _, res := range reservations {
			if !res.Live(now) {
				lapsed = append(lapsed, res)
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	// Each lock is released in its own batch so one that was broadcast
	// in the meantime does not hold back the others.
	released := 0
	for i := range lapsed {
		err := w.store.AtomicBatch(ctx, releaseOps(&lapsed[i]))
		switch {
		case errors.Is(err, db.ErrReservationPinned),
			errors.Is(err, db.ErrNotFound):

			continue

		case err != nil:
			return released, fmt.Errorf("unable to release "+
				"reservation: %w", err)
		}

		released++
	}

	return released, nil
}

// releaseOps returns the operations that end a reservation that was never
// broadcast, together with the tx built on it.
func releaseOps(res *db.Reservation) []db.Op {
	return []db.Op{db.ReleaseReservation{
		ID:             res.ID,
		IfNotBroadcast: true,
		DropPending:    true,
	}}
}
