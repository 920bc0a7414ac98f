// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrInsufficientFunds is returned when the spendable outputs in scope
	// cannot cover the outputs plus the fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUtxoNotEligible is returned when an explicitly requested input is
	// unknown, spent, reserved or not spendable by the request.
	ErrUtxoNotEligible = errors.New("utxo not eligible to spend")

	// ErrDuplicatedUtxo is returned when an input is requested twice.
	ErrDuplicatedUtxo = errors.New("duplicated utxo")
)

// Coin is a spendable output considered by coin selection.
type Coin struct {
	// Utxo is the stored output.
	Utxo db.Utxo

	// Confirmations is the depth at the last reconciled tip.
	Confirmations uint32
}

// TxOut returns the output being spent.
func (c *Coin) TxOut() *wire.TxOut {
	return wire.NewTxOut(int64(c.Utxo.Value), c.Utxo.PkScript)
}

// CoinSelectionStrategy arranges the eligible coins in the order the greedy
// selection loop consumes them. Implementations must produce a total order so
// that the same wallet state always yields the same selection.
type CoinSelectionStrategy interface {
	// ArrangeCoins orders the coins. Coins may be dropped, never added.
	ArrangeCoins(eligible []Coin, feeSatPerKb btcutil.Amount) []Coin
}

var (
	// CoinSelectionAscendingDepth consumes the least confirmed coins
	// first, then the smallest.
	CoinSelectionAscendingDepth CoinSelectionStrategy = &AscendingDepthSelector{}

	// CoinSelectionLargest consumes the largest coins first.
	CoinSelectionLargest CoinSelectionStrategy = &LargestFirstCoinSelector{}
)

// AscendingDepthSelector orders coins by confirmation depth, then value, then
// outpoint.
type AscendingDepthSelector struct{}

// ArrangeCoins implements CoinSelectionStrategy.
func (*AscendingDepthSelector) ArrangeCoins(eligible []Coin,
	feeSatPerKb btcutil.Amount) []Coin {

	coins := positivelyYielding(eligible, feeSatPerKb)
	slices.SortFunc(coins, func(a, b Coin) int {
		return cmp.Or(
			cmp.Compare(a.Confirmations, b.Confirmations),
			cmp.Compare(a.Utxo.Value, b.Utxo.Value),
			compareOutPoints(a.Utxo.OutPoint, b.Utxo.OutPoint),
		)
	})

	return coins
}

// LargestFirstCoinSelector orders coins by descending value with the
// outpoint as tie-breaker.
type LargestFirstCoinSelector struct{}

// ArrangeCoins implements CoinSelectionStrategy.
func (*LargestFirstCoinSelector) ArrangeCoins(eligible []Coin,
	feeSatPerKb btcutil.Amount) []Coin {

	coins := positivelyYielding(eligible, feeSatPerKb)
	slices.SortFunc(coins, func(a, b Coin) int {
		return cmp.Or(
			cmp.Compare(b.Utxo.Value, a.Utxo.Value),
			compareOutPoints(a.Utxo.OutPoint, b.Utxo.OutPoint),
		)
	})

	return coins
}

// compareOutPoints orders outpoints by hash bytes, then index.
func compareOutPoints(a, b wire.OutPoint) int {
	return cmp.Or(
		bytes.Compare(a.Hash[:], b.Hash[:]),
		cmp.Compare(a.Index, b.Index),
	)
}

// positivelyYielding returns a copy of the coins without those that cost more
// to spend than they are worth at the fee rate.
func positivelyYielding(eligible []Coin, feeSatPerKb btcutil.Amount) []Coin {
	coins := make([]Coin, 0, len(eligible))
	for _, coin := range eligible {
		if !inputYieldsPositively(coin.TxOut(), feeSatPerKb) {
			log.Tracef("Skipping uneconomical coin %v (%v)",
				coin.Utxo.OutPoint, coin.Utxo.Value)

			continue
		}

		coins = append(coins, coin)
	}

	return coins
}

// inputYieldsPositively returns a boolean indicating whether this input yields
// positively if added to a transaction. This determination is based on the
// best-case added virtual size.
func inputYieldsPositively(credit *wire.TxOut,
	feeRatePerKb btcutil.Amount) bool {

	inputSize := txsizes.GetMinInputVirtualSize(credit.PkScript)
	inputFee := feeRatePerKb * btcutil.Amount(inputSize) / 1000

	return inputFee < btcutil.Amount(credit.Value)
}

// coinFilter describes which stored outputs a build may spend.
type coinFilter struct {
	// accounts are the subtrees whose outputs are in scope.
	accounts []*waddrmgr.Account

	// minConfs is the minimum depth.
	minConfs uint32

	// tip is the last reconciled height.
	tip uint32

	// now is the time reservations are checked against.
	now time.Time
}

// eligibleCoins returns every output of the subtrees that is unspent, free of
// live reservations and deep enough.
func eligibleCoins(tx db.ReadTx, filter *coinFilter) ([]Coin, error) {
	var coins []Coin
	for _, acct := range filter.accounts {
		utxos, err := tx.UtxosByAccount(acct.ID())
		if err != nil {
			return nil, err
		}

		for i := range utxos {
			utxo := &utxos[i]
			if utxo.SpentBy.IsSome() {
				continue
			}

			confs := utxo.Confirmations(filter.tip)
			if confs < filter.minConfs {
				continue
			}

			reserved, err := reservedAt(tx, utxo, filter.now)
			if err != nil {
				return nil, err
			}
			if reserved {
				continue
			}

			coins = append(coins, Coin{
				Utxo:          *utxo,
				Confirmations: confs,
			})
		}
	}

	return coins, nil
}

// explicitCoins resolves requested outpoints. Each must be a known unspent
// output of one of the subtrees and free of live reservations.
func explicitCoins(tx db.ReadTx, filter *coinFilter,
	outPoints []wire.OutPoint) ([]Coin, error) {

	scope := make(map[waddrmgr.AccountID]struct{}, len(filter.accounts))
	for _, acct := range filter.accounts {
		scope[acct.ID()] = struct{}{}
	}

	seen := fn.NewSet[wire.OutPoint]()
	coins := make([]Coin, 0, len(outPoints))
	for _, op := range outPoints {
		if seen.Contains(op) {
			return nil, fmt.Errorf("%w: %v", ErrDuplicatedUtxo, op)
		}
		seen.Add(op)

		utxo, err := tx.Utxo(op)
		switch {
		case errors.Is(err, db.ErrNotFound):
			return nil, fmt.Errorf("%w: %v is unknown",
				ErrUtxoNotEligible, op)

		case err != nil:
			return nil, err
		}

		if _, ok := scope[utxo.Path.AccountID()]; !ok {
			return nil, fmt.Errorf("%w: %v is outside the account "+
				"scope", ErrUtxoNotEligible, op)
		}

		if utxo.SpentBy.IsSome() {
			return nil, fmt.Errorf("%w: %v is spent",
				ErrUtxoNotEligible, op)
		}

		reserved, err := reservedAt(tx, utxo, filter.now)
		if err != nil {
			return nil, err
		}
		if reserved {
			return nil, fmt.Errorf("%w: %v is reserved",
				ErrUtxoNotEligible, op)
		}

		coins = append(coins, Coin{
			Utxo:          *utxo,
			Confirmations: utxo.Confirmations(filter.tip),
		})
	}

	return coins, nil
}

// makeInputSource returns an input source that consumes the coins in order
// until the target is met.
func makeInputSource(eligible []Coin) txauthor.InputSource {
	// Current inputs and their total value. These are closed over by the
	// returned input source and reused across multiple calls.
	currentTotal := btcutil.Amount(0)
	currentInputs := make([]*wire.TxIn, 0, len(eligible))
	currentScripts := make([][]byte, 0, len(eligible))
	currentInputValues := make([]btcutil.Amount, 0, len(eligible))

	return func(target btcutil.Amount) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		for currentTotal < target && len(eligible) != 0 {
			next := eligible[0]
			eligible = eligible[1:]

			outpoint := next.Utxo.OutPoint
			currentTotal += next.Utxo.Value
			currentInputs = append(
				currentInputs, wire.NewTxIn(&outpoint, nil, nil),
			)
			currentScripts = append(
				currentScripts, next.Utxo.PkScript,
			)
			currentInputValues = append(
				currentInputValues, next.Utxo.Value,
			)
		}

		if currentTotal < target {
			return 0, nil, nil, nil, fmt.Errorf("%w: need %v, have %v",
				ErrInsufficientFunds, target, currentTotal)
		}

		return currentTotal, currentInputs, currentInputValues,
			currentScripts, nil
	}
}

// constantInputSource returns an input source that always offers the whole
// set of user-selected coins.
func constantInputSource(eligible []Coin) txauthor.InputSource {
	currentTotal := btcutil.Amount(0)
	currentInputs := make([]*wire.TxIn, 0, len(eligible))
	currentScripts := make([][]byte, 0, len(eligible))
	currentInputValues := make([]btcutil.Amount, 0, len(eligible))

	for _, coin := range eligible {
		outpoint := coin.Utxo.OutPoint
		currentTotal += coin.Utxo.Value
		currentInputs = append(
			currentInputs, wire.NewTxIn(&outpoint, nil, nil),
		)
		currentScripts = append(currentScripts, coin.Utxo.PkScript)
		currentInputValues = append(currentInputValues, coin.Utxo.Value)
	}

	return func(target btcutil.Amount) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		if currentTotal < target {
			return 0, nil, nil, nil, fmt.Errorf("%w: need %v, "+
				"selected inputs hold %v", ErrInsufficientFunds,
				target, currentTotal)
		}

		return currentTotal, currentInputs, currentInputValues,
			currentScripts, nil
	}
}
