package chain

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/idxwallet/unit"
)

// DefaultStaticFeeRate is the rate used when neither the indexer nor a full
// node can estimate fees: 10 sat/vB.
const DefaultStaticFeeRate = unit.SatPerKVByte(10_000)

// FeeEstimator picks a fee rate for a confirmation target.
type FeeEstimator interface {
	// EstimateFeeRate returns a rate expected to confirm within target
	// blocks.
	EstimateFeeRate(ctx context.Context,
		target uint32) (unit.SatPerKVByte, error)
}

// FallbackFeeEstimator asks the indexer first, then the full node, then falls
// back to a static rate. Every result is floored at the minimum relay fee.
type FallbackFeeEstimator struct {
	indexer Indexer
	node    FullNode
	static  unit.SatPerKVByte
	retry   RetryConfig
}

// A compile-time check to ensure that FallbackFeeEstimator satisfies the
// FeeEstimator interface.
var _ FeeEstimator = (*FallbackFeeEstimator)(nil)

// NewFallbackFeeEstimator creates an estimator. node may be nil and a zero
// static rate disables the static fallback.
func NewFallbackFeeEstimator(indexer Indexer, node FullNode,
	static unit.SatPerKVByte, retry RetryConfig) *FallbackFeeEstimator {

	return &FallbackFeeEstimator{
		indexer: indexer,
		node:    node,
		static:  static,
		retry:   retry,
	}
}

// EstimateFeeRate returns the first estimate any source produces.
func (f *FallbackFeeEstimator) EstimateFeeRate(ctx context.Context,
	target uint32) (unit.SatPerKVByte, error) {

	floor := unit.SatPerKVByte(txrules.DefaultRelayFeePerKb)

	if f.indexer != nil {
		rate, err := Retry(
			ctx, f.retry, "fee estimate",
			func(ctx context.Context) (unit.SatPerKVByte, error) {
				return f.indexer.FeeEstimate(ctx, target)
			},
		)
		if err == nil && rate > 0 {
			return rate.Max(floor), nil
		}

		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		log.Debugf("Indexer fee estimate for target %d unavailable: %v",
			target, err)
	}

	if f.node != nil {
		rate, err := f.node.EstimateSmartFee(target)
		if err == nil && rate > 0 {
			return rate.Max(floor), nil
		}

		log.Debugf("Node fee estimate for target %d unavailable: %v",
			target, err)
	}

	if f.static > 0 {
		log.Infof("Using static fee rate %v for target %d", f.static,
			target)

		return f.static.Max(floor), nil
	}

	return 0, fmt.Errorf("%w: target %d", ErrNoFeeEstimate, target)
}
