// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package unit

import (
	"fmt"
	"math"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

// SatPerVByte represents a fee rate in sat/vbyte.
type SatPerVByte btcutil.Amount

// SatPerVByteFromFloat converts a fractional sat/vbyte rate, as reported by
// block explorers, to a SatPerKVByte rate. The result is rounded up so a
// fractional rate never produces an underpaying transaction.
func SatPerVByteFromFloat(rate float64) (SatPerKVByte, error) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
		return 0, fmt.Errorf("invalid fee rate %v sat/vb", rate)
	}

	return SatPerKVByte(math.Ceil(rate * 1000)), nil
}

// FeePerKVByte converts the current fee rate from sat/vb to sat/kvb.
func (s SatPerVByte) FeePerKVByte() SatPerKVByte {
	return SatPerKVByte(s * 1000)
}

// String returns a human-readable string of the fee rate.
func (s SatPerVByte) String() string {
	return fmt.Sprintf("%v sat/vb", int64(s))
}

// SatPerKVByte represents a fee rate in sat/kvb. This is the unit the
// transaction author and relay policy helpers operate on.
type SatPerKVByte btcutil.Amount

// SatPerKVByteFromBTC converts a BTC/kvB rate, as returned by bitcoind's
// estimatesmartfee, to sat/kvb.
func SatPerKVByteFromBTC(btcPerKVByte float64) (SatPerKVByte, error) {
	amt, err := btcutil.NewAmount(btcPerKVByte)
	if err != nil {
		return 0, err
	}

	if amt < 0 {
		return 0, fmt.Errorf("negative fee rate %v BTC/kvb",
			btcPerKVByte)
	}

	return SatPerKVByte(amt), nil
}

// FeeForVSize calculates the fee resulting from this fee rate and the given
// vsize in vbytes, rounding up to the nearest satoshi.
func (s SatPerKVByte) FeeForVSize(vbytes VByte) btcutil.Amount {
	return (btcutil.Amount(s)*btcutil.Amount(vbytes) + 999) / 1000
}

// FeeForWeight calculates the fee resulting from this fee rate and the given
// weight.
func (s SatPerKVByte) FeeForWeight(wu WeightUnit) btcutil.Amount {
	return s.FeeForVSize(wu.ToVB())
}

// FeePerKWeight converts the current fee rate from sat/kvb to sat/kw.
func (s SatPerKVByte) FeePerKWeight() SatPerKWeight {
	return SatPerKWeight(s / blockchain.WitnessScaleFactor)
}

// Max returns the larger of the two fee rates.
func (s SatPerKVByte) Max(other SatPerKVByte) SatPerKVByte {
	if other > s {
		return other
	}

	return s
}

// Val returns the fee rate as a btcutil.Amount per kvbyte.
func (s SatPerKVByte) Val() btcutil.Amount {
	return btcutil.Amount(s)
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	return fmt.Sprintf("%v sat/kvb", int64(s))
}

// SatPerKWeight represents a fee rate in sat/kw.
type SatPerKWeight btcutil.Amount

// FeeForWeight calculates the fee resulting from this fee rate and the given
// weight in weight units (wu), rounded down.
func (s SatPerKWeight) FeeForWeight(wu WeightUnit) btcutil.Amount {
	return btcutil.Amount(s) * btcutil.Amount(wu) / 1000
}

// FeePerKVByte converts the current fee rate from sat/kw to sat/kvb.
func (s SatPerKWeight) FeePerKVByte() SatPerKVByte {
	return SatPerKVByte(s * blockchain.WitnessScaleFactor)
}

// String returns a human-readable string of the fee rate.
func (s SatPerKWeight) String() string {
	return fmt.Sprintf("%v sat/kw", int64(s))
}
