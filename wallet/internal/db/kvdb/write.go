package kvdb

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// writeTx applies operations inside a read-write transaction. Reads through
// the embedded readTx observe earlier writes of the same batch.
type writeTx struct {
	readTx

	ns walletdb.ReadWriteBucket
}

// apply dispatches a single operation.
func (w *writeTx) apply(op db.Op) error {
	switch o := op.(type) {
	case db.PutWallet:
		return w.putEncoded(metaBucket, walletKey, func() ([]byte, error) {
			return db.EncodeWalletRecord(&o.Record)
		})

	case db.PutTip:
		return w.putEncoded(metaBucket, tipKey, func() ([]byte, error) {
			return db.EncodeBlockStamp(&o.Tip)
		})

	case db.PutAccount:
		return w.putAccount(&o.Props)

	case db.PutAddress:
		return w.putAddress(&o.Record)

	case db.PutUtxo:
		return w.putUtxo(&o.Utxo)

	case db.MergeUtxo:
		return w.mergeUtxo(o.Utxo)

	case db.SetSpentBy:
		return w.setSpentBy(o.OutPoint, o.SpentBy)

	case db.DeleteUtxo:
		return w.deleteUtxo(o.OutPoint)

	case db.PutTx:
		return w.putTx(&o.Tx)

	case db.DeleteTx:
		return w.deleteTx(o.Hash)

	case db.PutPending:
		return w.putEncoded(
			pendingBucket, o.Tx.Hash[:], func() ([]byte, error) {
				return db.EncodePending(&o.Tx)
			},
		)

	case db.DeletePending:
		return w.delete(pendingBucket, o.Hash[:])

	case db.PutReservation:
		return w.putReservation(&o.Reservation)

	case db.ReserveOutputs:
		return w.reserveOutputs(o)

	case db.ReleaseReservation:
		return w.releaseReservation(o)

	case db.SetPendingState:
		return w.setPendingState(o)

	case db.PutCursor:
		return w.putEncoded(
			cursorBucket, db.AccountKey(o.Cursor.Account),
			func() ([]byte, error) {
				return db.EncodeCursor(&o.Cursor)
			},
		)

	case db.PutBlockHash:
		return w.putEncoded(
			hdrBucket, heightKey(o.Block.Height),
			func() ([]byte, error) {
				return db.EncodeBlockStamp(&o.Block)
			},
		)

	case db.DeleteBlockHashesAbove:
		return w.deleteHeadersAbove(o.Height)

	default:
		return fmt.Errorf("%w: %T", db.ErrUnknownOp, op)
	}
}

// bucket returns a nested read-write bucket.
func (w *writeTx) bucket(name []byte) (walletdb.ReadWriteBucket, error) {
	b := w.ns.NestedReadWriteBucket(name)
	if b == nil {
		return nil, fmt.Errorf("%w: missing bucket %s",
			db.ErrStoreNotInitialized, name)
	}

	return b, nil
}

// put writes a raw value.
func (w *writeTx) put(bucket, key, value []byte) error {
	b, err := w.bucket(bucket)
	if err != nil {
		return err
	}

	if err := b.Put(key, value); err != nil {
		return ioError(bucket, key, err)
	}

	return nil
}

// putEncoded encodes a record and writes it.
func (w *writeTx) putEncoded(bucket, key []byte,
	encode func() ([]byte, error)) error {

	value, err := encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", describeKey(bucket, key), err)
	}

	return w.put(bucket, key, value)
}

// delete removes a key. Deleting a missing key is not an error.
func (w *writeTx) delete(bucket, key []byte) error {
	b, err := w.bucket(bucket)
	if err != nil {
		return err
	}

	if err := b.Delete(key); err != nil {
		return ioError(bucket, key, err)
	}

	return nil
}

// putAccount writes account properties after checking that the name is not
// used by a different account number.
func (w *writeTx) putAccount(props *waddrmgr.AccountProperties) error {
	accts, err := w.Accounts()
	if err != nil {
		return err
	}

	for _, acct := range accts {
		if acct.Name == props.Name &&
			acct.ID.Account != props.ID.Account {

			return waddrmgr.ManagerError{
				ErrorCode: waddrmgr.ErrDuplicateAccount,
				Description: fmt.Sprintf("account name %q is used "+
					"by account %d", props.Name,
					acct.ID.Account),
			}
		}
	}

	return w.putEncoded(
		acctBucket, db.AccountKey(props.ID), func() ([]byte, error) {
			return db.EncodeAccount(props)
		},
	)
}

// putAddress writes an address record and its account index.
func (w *writeTx) putAddress(rec *db.AddressRecord) error {
	key := scriptKey(rec.Script)

	err := w.putEncoded(addrBucket, key, func() ([]byte, error) {
		return db.EncodeAddress(rec)
	})
	if err != nil {
		return err
	}

	return w.put(addrAcctBucket, addrAcctKey(rec.Path), key)
}

// putUtxo writes an output and moves its indexes if the height changed.
func (w *writeTx) putUtxo(utxo *db.Utxo) error {
	old, err := w.Utxo(utxo.OutPoint)
	switch {
	case errors.Is(err, db.ErrNotFound):

	case err != nil:
		return err

	default:
		if old.Height != utxo.Height {
			err := w.delete(
				utxoHeightBucket,
				utxoHeightKey(old.Height, old.OutPoint),
			)
			if err != nil {
				return err
			}
		}
	}

	err = w.putEncoded(
		utxoBucket, db.OutPointKey(utxo.OutPoint),
		func() ([]byte, error) {
			return db.EncodeUtxo(utxo)
		},
	)
	if err != nil {
		return err
	}

	err = w.put(
		utxoAcctBucket, utxoAcctKey(utxo.Path.AccountID(),
			utxo.OutPoint), nil,
	)
	if err != nil {
		return err
	}

	return w.put(
		utxoHeightBucket, utxoHeightKey(utxo.Height, utxo.OutPoint),
		nil,
	)
}

// mergeUtxo writes an observed output without clobbering the fields owned by
// the builder.
func (w *writeTx) mergeUtxo(utxo db.Utxo) error {
	old, err := w.Utxo(utxo.OutPoint)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return w.putUtxo(&utxo)

	case err != nil:
		return err
	}

	utxo.ReservedBy = old.ReservedBy
	utxo.FirstSeen = old.FirstSeen
	if utxo.SpentBy.IsNone() {
		utxo.SpentBy = old.SpentBy
	}

	return w.putUtxo(&utxo)
}

// setSpentBy updates the spend marker of a stored output.
func (w *writeTx) setSpentBy(op wire.OutPoint,
	spentBy fn.Option[chainhash.Hash]) error {

	utxo, err := w.Utxo(op)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return nil

	case err != nil:
		return err
	}

	utxo.SpentBy = spentBy

	return w.putUtxo(utxo)
}

// deleteUtxo removes an output and its indexes. Deleting a missing output is
// not an error.
func (w *writeTx) deleteUtxo(op wire.OutPoint) error {
	old, err := w.Utxo(op)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return nil

	case err != nil:
		return err
	}

	err = w.delete(utxoAcctBucket, utxoAcctKey(old.Path.AccountID(), op))
	if err != nil {
		return err
	}

	err = w.delete(utxoHeightBucket, utxoHeightKey(old.Height, op))
	if err != nil {
		return err
	}

	return w.delete(utxoBucket, db.OutPointKey(op))
}

// putTx writes a transaction record and moves its index if the height
// changed.
func (w *writeTx) putTx(rec *db.TxRecord) error {
	old, err := w.Tx(rec.Hash)
	switch {
	case errors.Is(err, db.ErrNotFound):

	case err != nil:
		return err

	default:
		if old.Height != rec.Height {
			err := w.delete(
				txHeightBucket, txHeightKey(old.Height, old.Hash),
			)
			if err != nil {
				return err
			}
		}
	}

	err = w.putEncoded(txBucket, rec.Hash[:], func() ([]byte, error) {
		return db.EncodeTx(rec)
	})
	if err != nil {
		return err
	}

	return w.put(txHeightBucket, txHeightKey(rec.Height, rec.Hash), nil)
}

// deleteTx removes a transaction record and its index.
func (w *writeTx) deleteTx(hash chainhash.Hash) error {
	old, err := w.Tx(hash)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return nil

	case err != nil:
		return err
	}

	err = w.delete(txHeightBucket, txHeightKey(old.Height, hash))
	if err != nil {
		return err
	}

	return w.delete(txBucket, hash[:])
}

// putReservation writes a reservation record.
func (w *writeTx) putReservation(res *db.Reservation) error {
	return w.putEncoded(lockBucket, res.ID[:], func() ([]byte, error) {
		return db.EncodeReservation(res)
	})
}

// reserveOutputs checks that every outpoint is free and marks it reserved.
// The check and the write happen in the same transaction, so two concurrent
// batches can never both succeed on the same output.
func (w *writeTx) reserveOutputs(o db.ReserveOutputs) error {
	res := o.Reservation

	for _, op := range res.OutPoints {
		utxo, err := w.Utxo(op)
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %v unknown", db.ErrOutputUnavailable,
				op)
		}
		if err != nil {
			return err
		}

		if utxo.SpentBy.IsSome() {
			return fmt.Errorf("%w: %v spent", db.ErrOutputUnavailable,
				op)
		}

		held, err := w.heldByLiveLock(utxo, res.ID, o)
		if err != nil {
			return err
		}
		if held {
			return fmt.Errorf("%w: %v reserved",
				db.ErrOutputUnavailable, op)
		}

		utxo.ReservedBy = fn.Some(res.ID)
		if err := w.putUtxo(utxo); err != nil {
			return err
		}
	}

	return w.putReservation(&res)
}

// heldByLiveLock returns true if the output is held by a reservation other
// than id that is still live.
func (w *writeTx) heldByLiveLock(utxo *db.Utxo, id db.LockID,
	o db.ReserveOutputs) (bool, error) {

	if utxo.ReservedBy.IsNone() {
		return false, nil
	}

	holder := utxo.ReservedBy.UnwrapOr(db.LockID{})
	if holder == id {
		return false, nil
	}

	lock, err := w.Reservation(holder)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return false, nil

	case err != nil:
		return false, err
	}

	return lock.Live(o.Now), nil
}

// releaseReservation deletes a reservation and clears it from the outputs it
// still holds.
func (w *writeTx) releaseReservation(o db.ReleaseReservation) error {
	id := o.ID

	res, err := w.Reservation(id)
	if err != nil {
		return err
	}

	if o.IfNotBroadcast && res.Broadcast {
		return fmt.Errorf("%w: %x", db.ErrReservationPinned, id[:])
	}

	for _, op := range res.OutPoints {
		utxo, err := w.Utxo(op)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		if utxo.ReservedBy.UnwrapOr(db.LockID{}) != id {
			continue
		}

		utxo.ReservedBy = fn.None[db.LockID]()
		if err := w.putUtxo(utxo); err != nil {
			return err
		}
	}

	if o.DropPending && res.TxHash.IsSome() {
		hash := res.TxHash.UnwrapOr(chainhash.Hash{})
		if err := w.delete(pendingBucket, hash[:]); err != nil {
			return err
		}
	}

	return w.delete(lockBucket, id[:])
}

// setPendingState moves a pending tx and its reservation to o.State.
func (w *writeTx) setPendingState(o db.SetPendingState) error {
	pending, err := w.Pending(o.Hash)
	if err != nil {
		return err
	}

	res := db.Reservation{
		ID:        pending.LockID,
		OutPoints: pending.Inputs,
		Expiry:    o.Expiry,
		TxHash:    fn.Some(o.Hash),
	}

	stored, err := w.Reservation(pending.LockID)
	switch {
	// A lapsed lock may already have been swept.
	case errors.Is(err, db.ErrNotFound):

	case err != nil:
		return err

	default:
		res = *stored
	}

	switch o.State {
	case db.PendingBroadcast:
		res.Broadcast = true

		// The lock may have lapsed and its inputs been taken over,
		// so they are reserved again rather than assumed held.
		err := w.reserveOutputs(db.ReserveOutputs{
			Reservation: res,
			Now:         o.Now,
		})
		if err != nil {
			return err
		}

	case db.PendingBuilt:
		res.Broadcast = false
		res.Expiry = o.Expiry
		if err := w.putReservation(&res); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown pending state %v", o.State)
	}

	pending.State = o.State

	return w.putEncoded(pendingBucket, o.Hash[:], func() ([]byte, error) {
		return db.EncodePending(pending)
	})
}

// deleteHeadersAbove removes reconciled block hashes above height.
func (w *writeTx) deleteHeadersAbove(height uint32) error {
	if height == db.UnconfirmedHeight {
		return nil
	}

	var keys [][]byte
	err := w.forEachFrom(
		hdrBucket, heightKey(height+1), nil, func(k, _ []byte) error {
			keys = append(keys, copyBytes(k))
			return nil
		},
	)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if err := w.delete(hdrBucket, k); err != nil {
			return err
		}
	}

	return nil
}
