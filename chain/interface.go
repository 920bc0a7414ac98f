// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain defines the boundary between the wallet and the external
// services it learns about the blockchain from. The wallet never validates
// consensus itself; it asks an Indexer for script histories, checks merkle
// inclusion proofs against block headers and watches block hashes for
// reorganizations.
package chain

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/unit"
)

var (
	// ErrIndexerUnavailable is returned when the indexer cannot be reached
	// or answers with a server side failure. It is transient.
	ErrIndexerUnavailable = errors.New("indexer unavailable")

	// ErrIndexerTimeout is returned when an indexer request does not
	// complete in time. It is transient.
	ErrIndexerTimeout = errors.New("indexer timeout")

	// ErrNotFound is returned when the indexer does not know the requested
	// block or transaction.
	ErrNotFound = errors.New("not found")

	// ErrBroadcastRejected is returned when the network refuses a
	// transaction. Retrying the same transaction will not help.
	ErrBroadcastRejected = errors.New("broadcast rejected")

	// ErrInvalidProof is returned when a merkle proof does not commit the
	// transaction to the block header.
	ErrInvalidProof = errors.New("invalid merkle proof")

	// ErrNoFeeEstimate is returned when no fee source could produce an
	// estimate.
	ErrNoFeeEstimate = errors.New("no fee estimate")
)

// UnconfirmedHeight is the height reported for transactions that are not in
// a block yet.
const UnconfirmedHeight = ^uint32(0)

// BlockStamp identifies a block by height and hash.
type BlockStamp struct {
	Height uint32
	Hash   chainhash.Hash
}

// TxRef is a single entry of a script's history.
type TxRef struct {
	// TxID is the transaction touching the script.
	TxID chainhash.Hash

	// Height is the confirmation height, or UnconfirmedHeight.
	Height uint32

	// BlockHash is the hash of the confirming block. It is zero for
	// unconfirmed transactions.
	BlockHash chainhash.Hash
}

// Confirmed returns true if the transaction is in a block.
func (r TxRef) Confirmed() bool {
	return r.Height != UnconfirmedHeight
}

// MerkleProof is an inclusion proof of a transaction in a block.
type MerkleProof struct {
	// BlockHeight is the height of the block the proof is for.
	BlockHeight uint32

	// Branch is the list of sibling hashes from the leaf to the root.
	Branch []chainhash.Hash

	// Pos is the position of the transaction in the block.
	Pos uint32
}

// Indexer is the source of chain data the synchronization engine reconciles
// against. Implementations are expected to be safe for concurrent use and to
// map transport failures onto ErrIndexerUnavailable and ErrIndexerTimeout so
// that callers can tell a flaky service apart from a real answer.
type Indexer interface {
	// TipHeight returns the height of the best block.
	TipHeight(ctx context.Context) (uint32, error)

	// TipHash returns the hash of the best block.
	TipHash(ctx context.Context) (chainhash.Hash, error)

	// BlockHash returns the hash of the main chain block at height.
	BlockHash(ctx context.Context, height uint32) (chainhash.Hash, error)

	// BlockHeader returns the header of the block with the given hash.
	BlockHeader(ctx context.Context,
		hash chainhash.Hash) (*wire.BlockHeader, error)

	// ScriptHistory returns every confirmed and mempool transaction that
	// funds or spends the output script.
	ScriptHistory(ctx context.Context, pkScript []byte) ([]TxRef, error)

	// Transaction returns a transaction by id.
	Transaction(ctx context.Context,
		txid chainhash.Hash) (*wire.MsgTx, error)

	// MerkleProof returns the inclusion proof of a confirmed
	// transaction.
	MerkleProof(ctx context.Context,
		txid chainhash.Hash) (*MerkleProof, error)

	// Broadcast submits a transaction to the network.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)

	// FeeEstimate returns a fee rate expected to confirm within target
	// blocks.
	FeeEstimate(ctx context.Context,
		target uint32) (unit.SatPerKVByte, error)
}

// IsTransient returns true if err is an indexer failure worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrIndexerUnavailable) ||
		errors.Is(err, ErrIndexerTimeout)
}
