// Copyright (c) 2015-2020 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/idxwallet/chain"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
)

// History returns every tx that credits or debits the accounts with the
// given name, or the whole wallet if the name is empty. The result is
// ordered by height with unconfirmed txns last.
func (w *Wallet) History(ctx context.Context,
	accountName string) ([]*TxDetail, error) {

	ids, err := w.accountIDs(accountName)
	if err != nil {
		return nil, err
	}

	details, err := w.ListTxns(ctx, 0, chain.UnconfirmedHeight)
	if err != nil {
		return nil, err
	}

	if accountName == "" {
		return details, nil
	}

	scope := make(map[waddrmgr.AccountID]struct{}, len(ids))
	for _, id := range ids {
		scope[id] = struct{}{}
	}

	var filtered []*TxDetail
	err = w.store.View(ctx, func(tx db.ReadTx) error {
		filtered = nil

		for _, detail := range details {
			touches, err := touchesAccounts(tx, detail, scope)
			if err != nil {
				return err
			}

			if touches {
				filtered = append(filtered, detail)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return filtered, nil
}

// touchesAccounts returns true if any of our inputs or outputs of the tx
// belongs to one of the subtrees.
func touchesAccounts(tx db.ReadTx, detail *TxDetail,
	scope map[waddrmgr.AccountID]struct{}) (bool, error) {

	for _, prevOut := range detail.PrevOuts {
		if !prevOut.IsOurs {
			continue
		}

		utxo, err := tx.Utxo(prevOut.OutPoint)
		if err != nil {
			return false, err
		}

		if _, ok := scope[utxo.Path.AccountID()]; ok {
			return true, nil
		}
	}

	for _, output := range detail.Outputs {
		if !output.IsOurs {
			continue
		}

		rec, err := tx.Address(output.PkScript)
		if err != nil {
			return false, err
		}

		if _, ok := scope[rec.Path.AccountID()]; ok {
			return true, nil
		}
	}

	return false, nil
}

// DropTransactionHistory removes every tx, output, pending tx, reservation
// and reconciled block hash from the store and rewinds the sync cursors to
// the birthday. Issued addresses and the derivation watermarks are kept, so
// the next sync rebuilds the history of every known script. The wallet must
// be stopped.
func (w *Wallet) DropTransactionHistory(ctx context.Context) error {
	if err := w.state.validateOpen(); err != nil {
		return err
	}

	if w.state.isStarted() {
		return fmt.Errorf("%w: wallet must be stopped",
			ErrStateForbidden)
	}

	log.Infof("Dropping wallet transaction history")

	var ops []db.Op
	err := w.store.View(ctx, func(tx db.ReadTx) error {
		ops = nil

		reservations, err := tx.Reservations()
		if err != nil {
			return err
		}
		for _, res := range reservations {
			ops = append(ops, db.ReleaseReservation{ID: res.ID})
		}

		pending, err := tx.PendingTxs()
		if err != nil {
			return err
		}
		for _, p := range pending {
			ops = append(ops, db.DeletePending{Hash: p.Hash})
		}

		// UtxosAbove is strict, so zero-height outputs are never
		// produced; the genesis coinbase is unspendable anyway.
		utxos, err := tx.UtxosAbove(0)
		if err != nil {
			return err
		}
		for _, utxo := range utxos {
			ops = append(ops, db.DeleteUtxo{OutPoint: utxo.OutPoint})
		}

		txs, err := tx.Txs()
		if err != nil {
			return err
		}
		for _, rec := range txs {
			ops = append(ops, db.DeleteTx{Hash: rec.Hash})
		}

		accts, err := tx.Accounts()
		if err != nil {
			return err
		}
		for _, props := range accts {
			cursor, err := readCursor(tx, props.ID)
			if err != nil {
				return err
			}

			ops = append(ops, db.PutCursor{Cursor: db.SyncCursor{
				Account:    props.ID,
				NextUnused: cursor.NextUnused,
			}})
		}

		return nil
	})
	if err != nil {
		return err
	}

	ops = append(ops,
		db.DeleteBlockHashesAbove{Height: 0},
		db.PutTip{Tip: db.BlockStamp{}},
	)

	if err := w.store.AtomicBatch(ctx, ops); err != nil {
		return fmt.Errorf("unable to drop history: %w", err)
	}

	return nil
}
