package kvdb

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
	"github.com/btcsuite/idxwallet/waddrmgr"
)

// readTx implements db.ReadTx over the wallet namespace bucket.
type readTx struct {
	ns walletdb.ReadBucket
}

// A compile-time assertion to ensure that readTx implements db.ReadTx.
var _ db.ReadTx = (*readTx)(nil)

// get fetches the raw value of key in a nested bucket.
func (r *readTx) get(bucket, key []byte) ([]byte, error) {
	b := r.ns.NestedReadBucket(bucket)
	if b == nil {
		return nil, fmt.Errorf("%w: missing bucket %s",
			db.ErrStoreNotInitialized, bucket)
	}

	v := b.Get(key)
	if v == nil {
		return nil, fmt.Errorf("%s: %w", describeKey(bucket, key),
			db.ErrNotFound)
	}

	return v, nil
}

// forEachFrom calls fn for every key in bucket that starts at or after seek
// and has the given prefix. A nil prefix matches every key.
func (r *readTx) forEachFrom(bucket, seek, prefix []byte,
	fn func(k, v []byte) error) error {

	b := r.ns.NestedReadBucket(bucket)
	if b == nil {
		return fmt.Errorf("%w: missing bucket %s",
			db.ErrStoreNotInitialized, bucket)
	}

	cursor := b.ReadCursor()

	var k, v []byte
	if seek == nil {
		k, v = cursor.First()
	} else {
		k, v = cursor.Seek(seek)
	}

	for ; k != nil; k, v = cursor.Next() {
		if prefix != nil && !bytes.HasPrefix(k, prefix) {
			break
		}

		if err := fn(k, v); err != nil {
			return err
		}
	}

	return nil
}

// Wallet returns the wallet record.
func (r *readTx) Wallet() (*db.WalletRecord, error) {
	v, err := r.get(metaBucket, walletKey)
	if err != nil {
		return nil, err
	}

	rec, err := db.DecodeWalletRecord(v)
	if err != nil {
		return nil, corruptError(metaBucket, walletKey, err)
	}

	return rec, nil
}

// Tip returns the last reconciled chain tip.
func (r *readTx) Tip() (*db.BlockStamp, error) {
	v, err := r.get(metaBucket, tipKey)
	if err != nil {
		return nil, err
	}

	tip, err := db.DecodeBlockStamp(v)
	if err != nil {
		return nil, corruptError(metaBucket, tipKey, err)
	}

	return tip, nil
}

// Account returns the properties of an account subtree.
func (r *readTx) Account(
	id waddrmgr.AccountID) (*waddrmgr.AccountProperties, error) {

	key := db.AccountKey(id)

	v, err := r.get(acctBucket, key)
	if err != nil {
		return nil, err
	}

	props, err := db.DecodeAccount(v)
	if err != nil {
		return nil, corruptError(acctBucket, key, err)
	}

	return props, nil
}

// Accounts returns every account subtree ordered by key.
func (r *readTx) Accounts() ([]waddrmgr.AccountProperties, error) {
	var accts []waddrmgr.AccountProperties
	err := r.forEachFrom(acctBucket, nil, nil, func(k, v []byte) error {
		props, err := db.DecodeAccount(v)
		if err != nil {
			return corruptError(acctBucket, k, err)
		}

		accts = append(accts, *props)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return accts, nil
}

// Address returns the address record of an output script.
func (r *readTx) Address(script []byte) (*db.AddressRecord, error) {
	key := scriptKey(script)

	v, err := r.get(addrBucket, key)
	if err != nil {
		return nil, err
	}

	rec, err := db.DecodeAddress(v)
	if err != nil {
		return nil, corruptError(addrBucket, key, err)
	}

	return rec, nil
}

// AddressesByAccount returns the address records of a subtree ordered by
// branch and index.
func (r *readTx) AddressesByAccount(
	id waddrmgr.AccountID) ([]db.AddressRecord, error) {

	prefix := db.AccountKey(id)

	var addrs []db.AddressRecord
	err := r.forEachFrom(
		addrAcctBucket, prefix, prefix, func(_, v []byte) error {
			key := copyBytes(v)

			raw, err := r.get(addrBucket, key)
			if err != nil {
				return corruptError(addrAcctBucket, key, err)
			}

			rec, err := db.DecodeAddress(raw)
			if err != nil {
				return corruptError(addrBucket, key, err)
			}

			addrs = append(addrs, *rec)

			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	return addrs, nil
}

// Utxo returns a single output.
func (r *readTx) Utxo(op wire.OutPoint) (*db.Utxo, error) {
	key := db.OutPointKey(op)

	v, err := r.get(utxoBucket, key)
	if err != nil {
		return nil, err
	}

	utxo, err := db.DecodeUtxo(v)
	if err != nil {
		return nil, corruptError(utxoBucket, key, err)
	}

	return utxo, nil
}

// utxosFromIndex loads the outputs referenced by an index range. The
// outpoint is the suffix of every index key.
func (r *readTx) utxosFromIndex(bucket, seek, prefix []byte,
	prefixLen int) ([]db.Utxo, error) {

	var utxos []db.Utxo
	err := r.forEachFrom(bucket, seek, prefix, func(k, _ []byte) error {
		op, err := db.ParseOutPointKey(k[prefixLen:])
		if err != nil {
			return corruptError(bucket, k, err)
		}

		utxo, err := r.Utxo(op)
		if err != nil {
			return corruptError(bucket, k, err)
		}

		utxos = append(utxos, *utxo)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return utxos, nil
}

// UtxosByAccount returns the outputs of a subtree.
func (r *readTx) UtxosByAccount(id waddrmgr.AccountID) ([]db.Utxo, error) {
	prefix := db.AccountKey(id)

	return r.utxosFromIndex(utxoAcctBucket, prefix, prefix, len(prefix))
}

// UtxosAbove returns every output above height, unconfirmed included.
func (r *readTx) UtxosAbove(height uint32) ([]db.Utxo, error) {
	if height == db.UnconfirmedHeight {
		return nil, nil
	}

	return r.utxosFromIndex(utxoHeightBucket, heightKey(height+1), nil, 4)
}

// Tx returns a transaction record.
func (r *readTx) Tx(hash chainhash.Hash) (*db.TxRecord, error) {
	v, err := r.get(txBucket, hash[:])
	if err != nil {
		return nil, err
	}

	rec, err := db.DecodeTx(v)
	if err != nil {
		return nil, corruptError(txBucket, hash[:], err)
	}

	return rec, nil
}

// txsFromIndex loads the transactions of the height index starting at seek.
func (r *readTx) txsFromIndex(seek []byte) ([]db.TxRecord, error) {
	var txs []db.TxRecord
	err := r.forEachFrom(txHeightBucket, seek, nil, func(k, _ []byte) error {
		if len(k) != 4+chainhash.HashSize {
			return corruptError(txHeightBucket, k,
				fmt.Errorf("invalid index key length %d", len(k)))
		}

		var hash chainhash.Hash
		copy(hash[:], k[4:])

		rec, err := r.Tx(hash)
		if err != nil {
			return corruptError(txHeightBucket, k, err)
		}

		txs = append(txs, *rec)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return txs, nil
}

// Txs returns every transaction ordered by height, unconfirmed last.
func (r *readTx) Txs() ([]db.TxRecord, error) {
	return r.txsFromIndex(nil)
}

// TxsAbove returns every transaction above height, unconfirmed included.
func (r *readTx) TxsAbove(height uint32) ([]db.TxRecord, error) {
	if height == db.UnconfirmedHeight {
		return nil, nil
	}

	return r.txsFromIndex(heightKey(height + 1))
}

// Pending returns a locally built transaction.
func (r *readTx) Pending(hash chainhash.Hash) (*db.PendingTx, error) {
	v, err := r.get(pendingBucket, hash[:])
	if err != nil {
		return nil, err
	}

	rec, err := db.DecodePending(v)
	if err != nil {
		return nil, corruptError(pendingBucket, hash[:], err)
	}

	return rec, nil
}

// PendingTxs returns every locally built unconfirmed transaction.
func (r *readTx) PendingTxs() ([]db.PendingTx, error) {
	var txs []db.PendingTx
	err := r.forEachFrom(pendingBucket, nil, nil, func(k, v []byte) error {
		rec, err := db.DecodePending(v)
		if err != nil {
			return corruptError(pendingBucket, k, err)
		}

		txs = append(txs, *rec)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return txs, nil
}

// Reservation returns a reservation.
func (r *readTx) Reservation(id db.LockID) (*db.Reservation, error) {
	v, err := r.get(lockBucket, id[:])
	if err != nil {
		return nil, err
	}

	rec, err := db.DecodeReservation(v)
	if err != nil {
		return nil, corruptError(lockBucket, id[:], err)
	}

	return rec, nil
}

// Reservations returns every reservation.
func (r *readTx) Reservations() ([]db.Reservation, error) {
	var locks []db.Reservation
	err := r.forEachFrom(lockBucket, nil, nil, func(k, v []byte) error {
		rec, err := db.DecodeReservation(v)
		if err != nil {
			return corruptError(lockBucket, k, err)
		}

		locks = append(locks, *rec)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return locks, nil
}

// Cursor returns the sync cursor of a subtree.
func (r *readTx) Cursor(id waddrmgr.AccountID) (*db.SyncCursor, error) {
	key := db.AccountKey(id)

	v, err := r.get(cursorBucket, key)
	if err != nil {
		return nil, err
	}

	cursor, err := db.DecodeCursor(v)
	if err != nil {
		return nil, corruptError(cursorBucket, key, err)
	}

	return cursor, nil
}

// BlockHash returns the reconciled block hash at height.
func (r *readTx) BlockHash(height uint32) (chainhash.Hash, error) {
	key := heightKey(height)

	v, err := r.get(hdrBucket, key)
	if err != nil {
		return chainhash.Hash{}, err
	}

	stamp, err := db.DecodeBlockStamp(v)
	if err != nil {
		return chainhash.Hash{}, corruptError(hdrBucket, key, err)
	}

	return stamp.Hash, nil
}

// BlockHashesAtOrBelow returns up to limit reconciled block hashes at or below
// height, highest first.
func (r *readTx) BlockHashesAtOrBelow(height uint32,
	limit int) ([]db.BlockStamp, error) {

	b := r.ns.NestedReadBucket(hdrBucket)
	if b == nil {
		return nil, fmt.Errorf("%w: missing bucket %s",
			db.ErrStoreNotInitialized, hdrBucket)
	}

	cursor := b.ReadCursor()

	// Position on the first key above height and step back from there.
	var k, v []byte
	if height == db.UnconfirmedHeight {
		k, v = cursor.Last()
	} else {
		k, _ = cursor.Seek(heightKey(height + 1))
		if k == nil {
			k, v = cursor.Last()
		} else {
			k, v = cursor.Prev()
		}
	}

	var stamps []db.BlockStamp
	for ; k != nil && len(stamps) < limit; k, v = cursor.Prev() {
		stamp, err := db.DecodeBlockStamp(v)
		if err != nil {
			return nil, corruptError(hdrBucket, k, err)
		}

		stamps = append(stamps, *stamp)
	}

	return stamps, nil
}
