// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"math"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// UnconfirmedHeight is the height recorded for outputs and transactions that
// are not yet in a block. It sorts after every real height in the height
// indexes.
const UnconfirmedHeight uint32 = math.MaxUint32

// LockID identifies a reservation. It is chosen by the builder and handed
// back to the caller so the reservation can be released explicitly.
type LockID [32]byte

// WalletRecord holds the wallet-wide properties.
type WalletRecord struct {
	// Net is the name of the network the wallet was created for.
	Net string

	// EncryptedSeed is the sealed BIP-39 seed. It is empty for wallets
	// that only hold watch-only accounts.
	EncryptedSeed []byte

	// MasterFingerprint is the fingerprint of the master public key.
	MasterFingerprint uint32

	// BirthdayHeight is the height discovery starts from.
	BirthdayHeight uint32

	// CreatedAt is the wallet creation time.
	CreatedAt time.Time
}

// BlockStamp identifies a block by height and hash.
type BlockStamp struct {
	Height uint32
	Hash   chainhash.Hash
}

// AddressRecord is an issued or discovered key persisted so reverse lookup
// works without re-derivation.
type AddressRecord struct {
	// Path is the derivation path of the key.
	Path waddrmgr.KeyPath

	// AddrType is the script form of the key.
	AddrType waddrmgr.AddressType

	// PubKey is the compressed public key.
	PubKey [33]byte

	// Script is the output script.
	Script []byte

	// Issued is set when the address was handed out to a caller, as
	// opposed to found by discovery.
	Issued bool

	// FirstSeenHeight is the first height an output paying the script was
	// observed at, or zero if none has been.
	FirstSeenHeight uint32
}

// Utxo is an output paying one of the wallet's scripts.
type Utxo struct {
	// OutPoint identifies the output.
	OutPoint wire.OutPoint

	// Value is the output value.
	Value btcutil.Amount

	// PkScript is the output script.
	PkScript []byte

	// Path is the derivation path of the key that owns the output.
	Path waddrmgr.KeyPath

	// AddrType is the script form of the owning key.
	AddrType waddrmgr.AddressType

	// Height is the confirmation height, or UnconfirmedHeight.
	Height uint32

	// BlockHash is the hash of the confirming block. It is zero while
	// unconfirmed.
	BlockHash chainhash.Hash

	// SpentBy is the transaction that spends the output, if any.
	SpentBy fn.Option[chainhash.Hash]

	// ReservedBy is the reservation holding the output, if any.
	ReservedBy fn.Option[LockID]

	// FirstSeen is the time the output was first observed.
	FirstSeen time.Time
}

// Confirmed returns true if the output is in a block.
func (u *Utxo) Confirmed() bool {
	return u.Height != UnconfirmedHeight
}

// Confirmations returns the confirmation depth at the given tip.
func (u *Utxo) Confirmations(tip uint32) uint32 {
	if !u.Confirmed() || u.Height > tip {
		return 0
	}

	return tip - u.Height + 1
}

// TxRecord is an observed transaction relevant to the wallet.
type TxRecord struct {
	// Hash is the transaction id.
	Hash chainhash.Hash

	// Raw is the serialized transaction.
	Raw []byte

	// Height is the confirmation height, or UnconfirmedHeight.
	Height uint32

	// BlockHash is the hash of the confirming block.
	BlockHash chainhash.Hash

	// Received is the time the transaction was first seen.
	Received time.Time

	// Label is a free form note set by the wallet for its own sends.
	Label string
}

// PendingState is the lifecycle state of a locally built transaction.
type PendingState uint8

const (
	// PendingBuilt is a signed transaction that has not been handed to
	// the network.
	PendingBuilt PendingState = 1

	// PendingBroadcast is a transaction accepted by the network but not
	// yet confirmed.
	PendingBroadcast PendingState = 2
)

// String returns a human readable name of the state.
func (s PendingState) String() string {
	switch s {
	case PendingBuilt:
		return "built"

	case PendingBroadcast:
		return "broadcast"

	default:
		return "unknown"
	}
}

// PendingTx is a transaction built and signed by the wallet that has not yet
// confirmed.
type PendingTx struct {
	// Hash is the transaction id.
	Hash chainhash.Hash

	// Raw is the serialized transaction.
	Raw []byte

	// Account is the account that funded the transaction.
	Account waddrmgr.AccountID

	// LockID is the reservation holding the inputs.
	LockID LockID

	// Inputs are the consumed outpoints.
	Inputs []wire.OutPoint

	// Fee is the absolute fee paid.
	Fee btcutil.Amount

	// ChangeIndex is the index of the change output, or -1.
	ChangeIndex int32

	// State is the lifecycle state.
	State PendingState

	// CreatedAt is the build time.
	CreatedAt time.Time
}

// Reservation locks a set of outpoints against concurrent selection.
type Reservation struct {
	// ID is the lock id.
	ID LockID

	// OutPoints are the reserved outputs.
	OutPoints []wire.OutPoint

	// Expiry is the time after which the reservation lapses, unless
	// Broadcast is set.
	Expiry time.Time

	// TxHash is the transaction built on the reservation, if any.
	TxHash fn.Option[chainhash.Hash]

	// Broadcast is set once the transaction reached the network. A
	// broadcast reservation only ends on confirmation or discard.
	Broadcast bool
}

// Live returns true if the reservation still holds its outputs at now.
func (r *Reservation) Live(now time.Time) bool {
	return r.Broadcast || now.Before(r.Expiry)
}

// SyncCursor is the per-account discovery and reconciliation progress.
type SyncCursor struct {
	// Account is the subtree the cursor belongs to.
	Account waddrmgr.AccountID

	// NextUnused holds, per branch, one past the highest index known to
	// be used. It never decreases.
	NextUnused [2]uint32

	// Scanned holds, per branch, one past the highest index whose history
	// was queried.
	Scanned [2]uint32

	// Height is the last reconciled height.
	Height uint32

	// Hash is the block hash at Height.
	Hash chainhash.Hash
}

// Watermark returns the derivation watermark of a branch.
func (c *SyncCursor) Watermark(branch uint32) uint32 {
	return c.NextUnused[branch]
}
