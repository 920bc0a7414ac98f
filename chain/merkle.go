package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// maxMerkleDepth is the deepest branch a block can produce.
const maxMerkleDepth = 32

// VerifyMerkleProof checks that proof commits txid to the merkle root of
// header.
func VerifyMerkleProof(txid chainhash.Hash, proof *MerkleProof,
	header *wire.BlockHeader) error {

	if proof == nil || header == nil {
		return fmt.Errorf("%w: missing proof or header", ErrInvalidProof)
	}

	depth := len(proof.Branch)
	if depth > maxMerkleDepth {
		return fmt.Errorf("%w: branch depth %d", ErrInvalidProof, depth)
	}

	if depth < maxMerkleDepth && uint64(proof.Pos) >= 1<<uint(depth) {
		return fmt.Errorf("%w: position %d out of range for depth %d",
			ErrInvalidProof, proof.Pos, depth)
	}

	root := txid
	for i := range proof.Branch {
		sibling := proof.Branch[i]

		if (proof.Pos>>uint(i))&1 == 1 {
			root = blockchain.HashMerkleBranches(&sibling, &root)
		} else {
			root = blockchain.HashMerkleBranches(&root, &sibling)
		}
	}

	if !root.IsEqual(&header.MerkleRoot) {
		return fmt.Errorf("%w: tx %v computes root %v, header has %v",
			ErrInvalidProof, txid, root, header.MerkleRoot)
	}

	return nil
}
