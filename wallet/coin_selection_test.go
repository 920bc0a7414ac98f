package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
	"github.com/stretchr/testify/require"
)

// testWitnessScript is a P2WPKH script used by the selection tests.
var testWitnessScript = append([]byte{0x00, 0x14}, make([]byte, 20)...)

// testCoin returns a P2WPKH coin with the given value and depth.
func testCoin(seed byte, value btcutil.Amount, confs uint32) Coin {
	return Coin{
		Utxo: db.Utxo{
			OutPoint: wire.OutPoint{Hash: chainhash.Hash{seed}},
			Value:    value,
			PkScript: testWitnessScript,
		},
		Confirmations: confs,
	}
}

// coinSeeds returns the first hash byte of each coin.
func coinSeeds(coins []Coin) []byte {
	seeds := make([]byte, 0, len(coins))
	for _, c := range coins {
		seeds = append(seeds, c.Utxo.OutPoint.Hash[0])
	}

	return seeds
}

// TestArrangeCoins checks the order each strategy produces.
func TestArrangeCoins(t *testing.T) {
	t.Parallel()

	coins := []Coin{
		testCoin(1, 50_000, 3),
		testCoin(2, 20_000, 1),
		testCoin(3, 90_000, 1),
		testCoin(4, 20_000, 3),
		testCoin(5, 20_000, 1),
		testCoin(6, 100, 6),
	}

	tests := []struct {
		name     string
		strategy CoinSelectionStrategy
		want     []byte
	}{
		{
			name:     "ascending depth",
			strategy: CoinSelectionAscendingDepth,
			want:     []byte{2, 5, 3, 4, 1},
		},
		{
			name:     "largest first",
			strategy: CoinSelectionLargest,
			want:     []byte{3, 1, 2, 4, 5},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// The 100 sat coin costs more than it is worth at
			// 10 sat/vB and is dropped.
			got := tc.strategy.ArrangeCoins(coins, 10_000)
			require.Equal(t, tc.want, coinSeeds(got))

			// The input slice is left untouched.
			require.Equal(t, []byte{1, 2, 3, 4, 5, 6},
				coinSeeds(coins))
		})
	}
}

// TestMakeInputSource checks that the greedy source consumes coins in order
// and keeps its selection across calls.
func TestMakeInputSource(t *testing.T) {
	t.Parallel()

	source := makeInputSource([]Coin{
		testCoin(1, 30_000, 1),
		testCoin(2, 30_000, 2),
		testCoin(3, 30_000, 3),
	})

	total, inputs, values, scripts, err := source(40_000)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(60_000), total)
	require.Len(t, inputs, 2)
	require.Equal(t, []btcutil.Amount{30_000, 30_000}, values)
	require.Len(t, scripts, 2)

	// A lower target keeps the selection.
	total, inputs, _, _, err = source(10_000)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(60_000), total)
	require.Len(t, inputs, 2)

	// A higher target consumes the next coin.
	total, inputs, _, _, err = source(70_000)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(90_000), total)
	require.Len(t, inputs, 3)
	require.Equal(t, byte(3), inputs[2].PreviousOutPoint.Hash[0])

	_, _, _, _, err = source(100_000)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

// TestConstantInputSource checks that explicit inputs are offered as a
// whole.
func TestConstantInputSource(t *testing.T) {
	t.Parallel()

	source := constantInputSource([]Coin{
		testCoin(1, 30_000, 1),
		testCoin(2, 30_000, 2),
	})

	total, inputs, _, _, err := source(1_000)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(60_000), total)
	require.Len(t, inputs, 2)

	_, _, _, _, err = source(60_001)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

// TestInputYieldsPositively checks the break-even point of an input.
func TestInputYieldsPositively(t *testing.T) {
	t.Parallel()

	out := wire.NewTxOut(1_000, testWitnessScript)

	require.True(t, inputYieldsPositively(out, 10_000))
	require.False(t, inputYieldsPositively(out, 1_000_000))
}
