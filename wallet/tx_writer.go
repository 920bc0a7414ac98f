// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
)

// TxWriter provides an interface for updating wallet txns.
type TxWriter interface {
	// LabelTx adds a label to a tx. If a label already exists, it will be
	// overwritten.
	LabelTx(ctx context.Context, hash chainhash.Hash, label string) error
}

// A compile time check to ensure that Wallet implements the interface.
var _ TxWriter = (*Wallet)(nil)

// LabelTx adds a label to a tx. If a label already exists, it will be
// overwritten. Only txns the sync engine recorded can be labeled.
//
// This is part of the TxWriter interface.
func (w *Wallet) LabelTx(ctx context.Context,
	hash chainhash.Hash, label string) error {

	if err := w.state.validateOpen(); err != nil {
		return err
	}

	var rec *db.TxRecord
	err := w.store.View(ctx, func(tx db.ReadTx) error {
		var err error
		rec, err = tx.Tx(hash)
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrTxNotFound, hash)
		}

		return err
	})
	if err != nil {
		return err
	}

	rec.Label = label

	return w.store.AtomicBatch(ctx, []db.Op{db.PutTx{Tx: *rec}})
}
