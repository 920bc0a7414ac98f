package db

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

var (
	// ErrCastingOverflow is returned when a value cannot be safely
	// cast to the desired type.
	ErrCastingOverflow = errors.New("casting overflow")
)

// amountToUint64 safely casts an amount to an uint64, returning an error if
// the amount is negative.
func amountToUint64(v btcutil.Amount) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("could not cast amount %d to uint64: %w",
			int64(v), ErrCastingOverflow)
	}

	return uint64(v), nil
}

// uint64ToAmount safely casts an uint64 to an amount, returning an error if
// the value exceeds the total supply.
func uint64ToAmount(v uint64) (btcutil.Amount, error) {
	if v > btcutil.MaxSatoshi {
		return 0, fmt.Errorf("could not cast %d to amount: %w", v,
			ErrCastingOverflow)
	}

	return btcutil.Amount(v), nil
}

// timeToUint64 casts a time to unix nanoseconds. Times before the epoch and
// the zero time both map to zero.
func timeToUint64(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}

	nanos := t.UnixNano()
	if nanos < 0 {
		return 0
	}

	return uint64(nanos)
}

// uint64ToTime casts unix nanoseconds back to a UTC time. Zero maps to the
// zero time.
func uint64ToTime(v uint64) (time.Time, error) {
	if v == 0 {
		return time.Time{}, nil
	}

	if v > math.MaxInt64 {
		return time.Time{}, fmt.Errorf("could not cast %d to time: %w",
			v, ErrCastingOverflow)
	}

	return time.Unix(0, int64(v)).UTC(), nil
}

// int32ToUint32 safely casts an int32 to an uint32, returning an error if the
// value is negative.
func int32ToUint32(v int32) (uint32, error) {
	if v < 0 {
		return 0, fmt.Errorf("could not cast %d to uint32: %w", v,
			ErrCastingOverflow)
	}

	return uint32(v), nil
}

// uint32ToInt32 safely casts an uint32 to an int32, returning an error
// if the value is out of range.
func uint32ToInt32(v uint32) (int32, error) {
	if v > math.MaxInt32 {
		return 0, fmt.Errorf("could not cast %d to int32: %w", v,
			ErrCastingOverflow)
	}

	return int32(v), nil
}
