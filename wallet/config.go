package wallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/idxwallet/chain"
	"github.com/btcsuite/idxwallet/unit"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/btcsuite/idxwallet/wallet/internal/db/kvdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultGapLimit is the number of consecutive unused addresses
	// scanned past the last used one on each branch.
	DefaultGapLimit uint32 = 20

	// DefaultMinChangeValue is the smallest change output the builder
	// creates. Smaller leftovers are added to the fee.
	DefaultMinChangeValue btcutil.Amount = 1000

	// DefaultReservationTimeout is how long the inputs of a built but
	// unbroadcast transaction stay reserved.
	DefaultReservationTimeout = 10 * time.Minute

	// DefaultPollInterval is the time between two sync steps when no
	// block notification arrives.
	DefaultPollInterval = 30 * time.Second

	// DefaultAutoLockDuration is the time after which an unlocked wallet
	// locks itself unless the unlock request asks otherwise.
	DefaultAutoLockDuration = 10 * time.Minute

	// DefaultFeeTarget is the confirmation target used when a build does
	// not specify a fee rate.
	DefaultFeeTarget uint32 = 6

	// DefaultQueryConcurrency bounds the number of script history queries
	// in flight during a sync step.
	DefaultQueryConcurrency = 8

	// DefaultResultsBuffer is the capacity of the sync results channel.
	DefaultResultsBuffer = 16

	// DefaultMaxFeeRate is the highest fee rate a build accepts, 1000
	// sat/vB.
	DefaultMaxFeeRate = unit.SatPerKVByte(1_000_000)
)

var (
	// ErrInvalidConfig is returned when the wallet config is unusable.
	ErrInvalidConfig = errors.New("invalid wallet config")
)

// BlockNotifier delivers the hash of every new block. It is used to trigger a
// sync step without waiting for the poll interval.
type BlockNotifier interface {
	// Blocks returns the channel block hashes are delivered on.
	Blocks() <-chan chainhash.Hash
}

// Config holds the dependencies and policy parameters of a wallet.
type Config struct {
	// ChainParams are the parameters of the network the wallet runs on.
	ChainParams *chaincfg.Params

	// DBPath is the path of the wallet database file.
	DBPath string

	// DBTimeout is the time to wait for the database file lock.
	DBTimeout time.Duration

	// Indexer is the chain data source.
	Indexer chain.Indexer

	// FullNode is an optional trusted node used to broadcast and estimate
	// fees when the indexer cannot.
	FullNode chain.FullNode

	// FeeEstimator picks fee rates for builds that do not specify one. If
	// nil, the indexer, the full node and then a static rate are asked in
	// turn.
	FeeEstimator chain.FeeEstimator

	// BlockNotifier optionally triggers sync steps on new blocks.
	BlockNotifier BlockNotifier

	// SyncTicker drives the periodic sync steps. If nil, a ticker firing
	// every PollInterval is used.
	SyncTicker ticker.Ticker

	// Clock is the time source for reservations and records.
	Clock clock.Clock

	// Retry is the backoff policy for transient indexer failures.
	Retry chain.RetryConfig

	// GapLimit is the number of consecutive unused addresses scanned
	// past the last used one.
	GapLimit uint32

	// MinChangeValue is the smallest change output the builder creates.
	MinChangeValue btcutil.Amount

	// ReservationTimeout is how long the inputs of an unbroadcast build
	// stay reserved.
	ReservationTimeout time.Duration

	// PollInterval is the time between sync steps.
	PollInterval time.Duration

	// AutoLockDuration is the default unlock timeout.
	AutoLockDuration time.Duration

	// FeeTarget is the default confirmation target.
	FeeTarget uint32

	// MaxFeeRate caps the fee rate of a build.
	MaxFeeRate unit.SatPerKVByte

	// QueryConcurrency bounds concurrent history queries.
	QueryConcurrency int

	// KDFParams are the Argon2id parameters used to seal the seed of new
	// wallets.
	KDFParams waddrmgr.KDFParams
}

// DefaultConfig returns a config with the default policy. The caller fills in
// the chain params, database path and indexer.
func DefaultConfig() Config {
	return Config{
		DBTimeout:          kvdb.DefaultDBTimeout,
		Clock:              clock.NewDefaultClock(),
		Retry:              chain.DefaultRetryConfig(),
		GapLimit:           DefaultGapLimit,
		MinChangeValue:     DefaultMinChangeValue,
		ReservationTimeout: DefaultReservationTimeout,
		PollInterval:       DefaultPollInterval,
		AutoLockDuration:   DefaultAutoLockDuration,
		FeeTarget:          DefaultFeeTarget,
		MaxFeeRate:         DefaultMaxFeeRate,
		QueryConcurrency:   DefaultQueryConcurrency,
		KDFParams:          waddrmgr.DefaultKDFParams,
	}
}

// Validate checks the config and fills in the optional dependencies.
func (c *Config) Validate() error {
	switch {
	case c.ChainParams == nil:
		return fmt.Errorf("%w: missing chain params", ErrInvalidConfig)

	case c.DBPath == "":
		return fmt.Errorf("%w: missing database path", ErrInvalidConfig)

	case c.Indexer == nil:
		return fmt.Errorf("%w: missing indexer", ErrInvalidConfig)

	case c.GapLimit == 0:
		return fmt.Errorf("%w: gap limit must be positive",
			ErrInvalidConfig)

	case c.MinChangeValue < 0:
		return fmt.Errorf("%w: negative min change value",
			ErrInvalidConfig)

	case c.ReservationTimeout <= 0:
		return fmt.Errorf("%w: reservation timeout must be positive",
			ErrInvalidConfig)

	case c.PollInterval <= 0 && c.SyncTicker == nil:
		return fmt.Errorf("%w: poll interval must be positive",
			ErrInvalidConfig)

	case c.FeeTarget == 0:
		return fmt.Errorf("%w: fee target must be positive",
			ErrInvalidConfig)

	case c.MaxFeeRate < unit.SatPerKVByte(txrules.DefaultRelayFeePerKb):
		return fmt.Errorf("%w: max fee rate %v is below the relay fee",
			ErrInvalidConfig, c.MaxFeeRate)

	case c.QueryConcurrency <= 0:
		return fmt.Errorf("%w: query concurrency must be positive",
			ErrInvalidConfig)

	case c.KDFParams.Iterations == 0 || c.KDFParams.Parallelism == 0:
		return fmt.Errorf("%w: invalid kdf parameters", ErrInvalidConfig)
	}

	if c.DBTimeout <= 0 {
		c.DBTimeout = kvdb.DefaultDBTimeout
	}

	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}

	if c.FeeEstimator == nil {
		c.FeeEstimator = chain.NewFallbackFeeEstimator(
			c.Indexer, c.FullNode, chain.DefaultStaticFeeRate,
			c.Retry,
		)
	}

	return nil
}
