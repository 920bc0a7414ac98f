package wallet

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// readCursor returns the sync cursor of an account. An account that was never
// synced gets a zero cursor.
func readCursor(tx db.ReadTx, id waddrmgr.AccountID) (*db.SyncCursor,
	error) {

	cursor, err := tx.Cursor(id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return &db.SyncCursor{Account: id}, nil

	case err != nil:
		return nil, err
	}

	return cursor, nil
}

// readCursors returns the cursors of every given account.
func readCursors(tx db.ReadTx,
	accts []*waddrmgr.Account) (map[waddrmgr.AccountID]*db.SyncCursor,
	error) {

	cursors := make(map[waddrmgr.AccountID]*db.SyncCursor, len(accts))
	for _, acct := range accts {
		cursor, err := readCursor(tx, acct.ID())
		if err != nil {
			return nil, err
		}

		cursors[acct.ID()] = cursor
	}

	return cursors, nil
}

// readTip returns the last reconciled tip. None is returned before the first
// successful sync step or after the history was dropped.
func readTip(tx db.ReadTx) (fn.Option[db.BlockStamp], error) {
	tip, err := tx.Tip()
	switch {
	case errors.Is(err, db.ErrNotFound):
		return fn.None[db.BlockStamp](), nil

	case err != nil:
		return fn.None[db.BlockStamp](), err
	}

	// A zeroed tip is written when the history is dropped.
	if tip.Hash == (db.BlockStamp{}).Hash {
		return fn.None[db.BlockStamp](), nil
	}

	return fn.Some(*tip), nil
}

// decodeTx deserializes a stored raw transaction. key names the record in the
// corruption error.
func decodeTx(raw []byte, key string) (*wire.MsgTx, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, db.NewCorruptError(key, err)
	}

	return &tx, nil
}

// encodeTx serializes a transaction for storage.
func encodeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())

	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("unable to serialize tx %v: %w",
			tx.TxHash(), err)
	}

	return buf.Bytes(), nil
}

// ownsAllInputs returns the spent outputs of tx if every one of them is a
// stored wallet output.
func ownsAllInputs(tx db.ReadTx, msgTx *wire.MsgTx) ([]db.Utxo, bool,
	error) {

	inputs := make([]db.Utxo, 0, len(msgTx.TxIn))
	for _, txIn := range msgTx.TxIn {
		utxo, err := tx.Utxo(txIn.PreviousOutPoint)
		switch {
		case errors.Is(err, db.ErrNotFound):
			return nil, false, nil

		case err != nil:
			return nil, false, err
		}

		inputs = append(inputs, *utxo)
	}

	return inputs, len(inputs) > 0, nil
}
