package esplora

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/idxwallet/chain"
)

// TxStatus represents transaction confirmation status.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// TxInfo represents the parts of a transaction listing the wallet reads.
type TxInfo struct {
	TxID   string   `json:"txid"`
	Fee    int64    `json:"fee"`
	Status TxStatus `json:"status"`
}

// MerkleProof represents a merkle proof for a transaction.
type MerkleProof struct {
	BlockHeight int64    `json:"block_height"`
	Merkle      []string `json:"merkle"`
	Pos         int      `json:"pos"`
}

// FeeEstimates represents fee estimates from the API. Keys are confirmation
// targets (as strings), values are fee rates in sat/vB.
type FeeEstimates map[string]float64

// ScripthashFromScript returns the key esplora indexes an output script
// under: the hex encoded sha256 of the script.
func ScripthashFromScript(pkScript []byte) string {
	hash := sha256.Sum256(pkScript)
	return hex.EncodeToString(hash[:])
}

// toTxRef converts a listing entry.
func (t *TxInfo) toTxRef() (chain.TxRef, error) {
	txid, err := chainhash.NewHashFromStr(t.TxID)
	if err != nil {
		return chain.TxRef{}, fmt.Errorf("invalid txid %q: %w", t.TxID,
			err)
	}

	ref := chain.TxRef{
		TxID:   *txid,
		Height: chain.UnconfirmedHeight,
	}

	if !t.Status.Confirmed {
		return ref, nil
	}

	height, err := toHeight(t.Status.BlockHeight)
	if err != nil {
		return chain.TxRef{}, err
	}

	blockHash, err := chainhash.NewHashFromStr(t.Status.BlockHash)
	if err != nil {
		return chain.TxRef{}, fmt.Errorf("invalid block hash %q: %w",
			t.Status.BlockHash, err)
	}

	ref.Height = height
	ref.BlockHash = *blockHash

	return ref, nil
}

// toProof converts a merkle proof.
func (p *MerkleProof) toProof() (*chain.MerkleProof, error) {
	height, err := toHeight(p.BlockHeight)
	if err != nil {
		return nil, err
	}

	if p.Pos < 0 || int64(p.Pos) > int64(^uint32(0)) {
		return nil, fmt.Errorf("invalid merkle position %d", p.Pos)
	}

	branch := make([]chainhash.Hash, 0, len(p.Merkle))
	for _, h := range p.Merkle {
		hash, err := chainhash.NewHashFromStr(h)
		if err != nil {
			return nil, fmt.Errorf("invalid merkle hash %q: %w", h,
				err)
		}

		branch = append(branch, *hash)
	}

	return &chain.MerkleProof{
		BlockHeight: height,
		Branch:      branch,
		Pos:         uint32(p.Pos),
	}, nil
}

// toHeight checks that a height reported by the API fits the wallet's
// height type.
func toHeight(h int64) (uint32, error) {
	if h < 0 || h >= int64(chain.UnconfirmedHeight) {
		return 0, fmt.Errorf("invalid block height %d", h)
	}

	return uint32(h), nil
}
