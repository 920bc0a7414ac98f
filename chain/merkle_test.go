package chain

import (
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// makeBlockTxs returns n distinct transactions.
func makeBlockTxs(n int) []*btcutil.Tx {
	txs := make([]*btcutil.Tx, 0, n)
	for i := range n {
		msgTx := wire.NewMsgTx(2)
		msgTx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{Index: uint32(i)},
		})
		msgTx.AddTxOut(wire.NewTxOut(int64(1000+i), []byte{0x51}))
		msgTx.LockTime = uint32(i)

		txs = append(txs, btcutil.NewTx(msgTx))
	}

	return txs
}

// merkleBranch computes the sibling path of the leaf at pos the way an
// indexer serves it.
func merkleBranch(leaves []chainhash.Hash, pos int) []chainhash.Hash {
	level := append([]chainhash.Hash(nil), leaves...)

	var branch []chainhash.Hash
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		branch = append(branch, level[pos^1])

		next := make([]chainhash.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = blockchain.HashMerkleBranches(
				&level[i], &level[i+1],
			)
		}

		level = next
		pos /= 2
	}

	return branch
}

// TestVerifyMerkleProof checks proofs for every position of blocks with odd
// and even transaction counts.
func TestVerifyMerkleProof(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 5, 8} {
		txs := makeBlockTxs(n)
		store := blockchain.BuildMerkleTreeStore(txs, false)
		header := &wire.BlockHeader{MerkleRoot: *store[len(store)-1]}

		leaves := make([]chainhash.Hash, n)
		for i, tx := range txs {
			leaves[i] = *tx.Hash()
		}

		for pos := range n {
			proof := &MerkleProof{
				Branch: merkleBranch(leaves, pos),
				Pos:    uint32(pos),
			}

			err := VerifyMerkleProof(leaves[pos], proof, header)
			require.NoError(t, err, "n=%d pos=%d", n, pos)
		}
	}
}

// TestVerifyMerkleProofRejects checks that tampered proofs are refused.
func TestVerifyMerkleProofRejects(t *testing.T) {
	t.Parallel()

	txs := makeBlockTxs(5)
	store := blockchain.BuildMerkleTreeStore(txs, false)
	header := &wire.BlockHeader{MerkleRoot: *store[len(store)-1]}

	leaves := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		leaves[i] = *tx.Hash()
	}

	valid := func() *MerkleProof {
		return &MerkleProof{Branch: merkleBranch(leaves, 2), Pos: 2}
	}

	tests := []struct {
		name   string
		txid   chainhash.Hash
		proof  func() *MerkleProof
		header *wire.BlockHeader
	}{
		{
			name:   "wrong txid",
			txid:   leaves[3],
			proof:  valid,
			header: header,
		},
		{
			name: "wrong position",
			txid: leaves[2],
			proof: func() *MerkleProof {
				p := valid()
				p.Pos = 3
				return p
			},
			header: header,
		},
		{
			name: "position out of range",
			txid: leaves[2],
			proof: func() *MerkleProof {
				p := valid()
				p.Pos = 8
				return p
			},
			header: header,
		},
		{
			name: "tampered sibling",
			txid: leaves[2],
			proof: func() *MerkleProof {
				p := valid()
				p.Branch[1][0] ^= 0x01
				return p
			},
			header: header,
		},
		{
			name: "truncated branch",
			txid: leaves[2],
			proof: func() *MerkleProof {
				p := valid()
				p.Branch = p.Branch[:1]
				p.Pos = 0
				return p
			},
			header: header,
		},
		{
			name:   "other block",
			txid:   leaves[2],
			proof:  valid,
			header: &wire.BlockHeader{MerkleRoot: chainhash.Hash{1}},
		},
		{
			name:   "missing proof",
			txid:   leaves[2],
			proof:  func() *MerkleProof { return nil },
			header: header,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := VerifyMerkleProof(tc.txid, tc.proof(), tc.header)
			require.ErrorIs(t, err, ErrInvalidProof)
		})
	}
}
