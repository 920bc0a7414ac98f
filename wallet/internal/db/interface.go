// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Store is the single entry point for all wallet database operations. Reads
// run inside View and observe a consistent snapshot. Writes are expressed as
// a list of operations applied by AtomicBatch in one transaction, all or
// nothing.
type Store interface {
	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(ReadTx) error) error

	// AtomicBatch applies ops in order inside one read-write
	// transaction.
	AtomicBatch(ctx context.Context, ops []Op) error

	// Close releases the underlying database.
	Close() error
}

// ReadTx is a consistent read-only view of the store. Getters return
// ErrNotFound when the record does not exist.
type ReadTx interface {
	// Wallet returns the wallet record.
	Wallet() (*WalletRecord, error)

	// Tip returns the last reconciled chain tip.
	Tip() (*BlockStamp, error)

	// Account returns the properties of an account subtree.
	Account(id waddrmgr.AccountID) (*waddrmgr.AccountProperties, error)

	// Accounts returns every account subtree ordered by key.
	Accounts() ([]waddrmgr.AccountProperties, error)

	// Address returns the address record of an output script.
	Address(script []byte) (*AddressRecord, error)

	// AddressesByAccount returns the address records of a subtree ordered
	// by branch and index.
	AddressesByAccount(id waddrmgr.AccountID) ([]AddressRecord, error)

	// Utxo returns a single output.
	Utxo(op wire.OutPoint) (*Utxo, error)

	// UtxosByAccount returns the unspent and spent outputs of a subtree.
	UtxosByAccount(id waddrmgr.AccountID) ([]Utxo, error)

	// UtxosAbove returns every output whose height is strictly greater
	// than height, unconfirmed outputs included.
	UtxosAbove(height uint32) ([]Utxo, error)

	// Tx returns a transaction record.
	Tx(hash chainhash.Hash) (*TxRecord, error)

	// Txs returns every transaction record ordered by height, unconfirmed
	// last.
	Txs() ([]TxRecord, error)

	// TxsAbove returns every transaction whose height is strictly greater
	// than height, unconfirmed transactions included.
	TxsAbove(height uint32) ([]TxRecord, error)

	// Pending returns a locally built transaction.
	Pending(hash chainhash.Hash) (*PendingTx, error)

	// PendingTxs returns every locally built unconfirmed transaction.
	PendingTxs() ([]PendingTx, error)

	// Reservation returns a reservation.
	Reservation(id LockID) (*Reservation, error)

	// Reservations returns every reservation.
	Reservations() ([]Reservation, error)

	// Cursor returns the sync cursor of a subtree.
	Cursor(id waddrmgr.AccountID) (*SyncCursor, error)

	// BlockHash returns the reconciled block hash at height.
	BlockHash(height uint32) (chainhash.Hash, error)

	// BlockHashesAtOrBelow returns up to limit reconciled block hashes
	// at or below height, highest first.
	BlockHashesAtOrBelow(height uint32, limit int) ([]BlockStamp, error)
}

// Op is a single write applied by AtomicBatch. The set of operations is
// closed; backends switch over the concrete types below.
type Op interface {
	isOp()
}

// PutWallet writes the wallet record.
type PutWallet struct {
	Record WalletRecord
}

// PutTip writes the last reconciled chain tip.
type PutTip struct {
	Tip BlockStamp
}

// PutAccount writes the properties of an account subtree. Writing an
// account whose name is already used by a different account number fails
// with waddrmgr.ErrDuplicateAccount.
type PutAccount struct {
	Props waddrmgr.AccountProperties
}

// PutAddress writes an address record.
type PutAddress struct {
	Record AddressRecord
}

// PutUtxo writes an output and its indexes.
type PutUtxo struct {
	Utxo Utxo
}

// MergeUtxo writes an output observed on chain. If the output is already
// stored, its reservation and first-seen time are kept, and so is its spend
// marker unless the new record carries one.
type MergeUtxo struct {
	Utxo Utxo
}

// SetSpentBy sets or clears the spend marker of a stored output. A missing
// output is skipped.
type SetSpentBy struct {
	OutPoint wire.OutPoint
	SpentBy  fn.Option[chainhash.Hash]
}

// DeleteUtxo removes an output and its indexes.
type DeleteUtxo struct {
	OutPoint wire.OutPoint
}

// PutTx writes a transaction record and its height index.
type PutTx struct {
	Tx TxRecord
}

// DeleteTx removes a transaction record and its height index.
type DeleteTx struct {
	Hash chainhash.Hash
}

// PutPending writes a locally built transaction.
type PutPending struct {
	Tx PendingTx
}

// DeletePending removes a locally built transaction.
type DeletePending struct {
	Hash chainhash.Hash
}

// PutReservation writes a reservation record without touching the outputs.
type PutReservation struct {
	Reservation Reservation
}

// ReserveOutputs reserves outpoints under a new lock. It fails with
// ErrOutputUnavailable, and the whole batch is rolled back, if any outpoint
// is unknown, spent, or held by a reservation that is still live at Now.
// Outputs held by lapsed reservations are taken over.
type ReserveOutputs struct {
	Reservation Reservation
	Now         time.Time
}

// ReleaseReservation deletes a reservation and clears it from every output
// it still holds.
type ReleaseReservation struct {
	ID LockID

	// IfNotBroadcast makes the release fail with ErrReservationPinned
	// when the reservation was pinned by a broadcast.
	IfNotBroadcast bool

	// DropPending also deletes the pending tx built on the reservation.
	DropPending bool
}

// SetPendingState moves a pending tx between the built and broadcast states
// together with its reservation. Moving to PendingBroadcast re-reserves the
// inputs under the tx's lock id with the checks of ReserveOutputs and pins
// the reservation, so it fails with ErrOutputUnavailable if an input was
// taken over after the lock lapsed. Moving back to PendingBuilt unpins the
// reservation and lets it lapse at Expiry. A missing pending tx fails with
// ErrNotFound.
type SetPendingState struct {
	Hash   chainhash.Hash
	State  PendingState
	Now    time.Time
	Expiry time.Time
}

// PutCursor writes the sync cursor of a subtree.
type PutCursor struct {
	Cursor SyncCursor
}

// PutBlockHash records the reconciled block hash at a height.
type PutBlockHash struct {
	Block BlockStamp
}

// DeleteBlockHashesAbove removes the reconciled block hashes strictly above
// a height.
type DeleteBlockHashesAbove struct {
	Height uint32
}

func (PutWallet) isOp()              {}
func (PutTip) isOp()                 {}
func (PutAccount) isOp()             {}
func (PutAddress) isOp()             {}
func (PutUtxo) isOp()                {}
func (MergeUtxo) isOp()              {}
func (SetSpentBy) isOp()             {}
func (DeleteUtxo) isOp()             {}
func (PutTx) isOp()                  {}
func (DeleteTx) isOp()               {}
func (PutPending) isOp()             {}
func (DeletePending) isOp()          {}
func (PutReservation) isOp()         {}
func (ReserveOutputs) isOp()         {}
func (ReleaseReservation) isOp()     {}
func (SetPendingState) isOp()        {}
func (PutCursor) isOp()              {}
func (PutBlockHash) isOp()           {}
func (DeleteBlockHashesAbove) isOp() {}
