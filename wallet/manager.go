package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/chain"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
	"github.com/btcsuite/idxwallet/wallet/internal/db/kvdb"
)

const (
	// birthdayBlockDelta is the maximum time delta allowed between the
	// requested birthday and the timestamp of the block picked for it.
	birthdayBlockDelta = 2 * time.Hour
)

var (
	// ErrWalletParams is returned when the creation parameters are invalid.
	ErrWalletParams = errors.New("invalid wallet params")
)

// CreateMode determines how a new wallet is initialized.
type CreateMode uint8

const (
	// ModeUnknown indicates no specific creation mode.
	ModeUnknown CreateMode = iota

	// ModeGenSeed indicates creating a new wallet from a freshly generated
	// BIP-39 mnemonic.
	ModeGenSeed

	// ModeRestore indicates restoring a wallet from an existing mnemonic
	// (CreateWalletParams.Mnemonic).
	ModeRestore

	// ModeShell indicates creating an empty wallet without a seed.
	// Intended for importing watch-only account xpubs.
	ModeShell
)

// String returns a human readable name of the mode.
func (m CreateMode) String() string {
	switch m {
	case ModeGenSeed:
		return "gen-seed"

	case ModeRestore:
		return "restore"

	case ModeShell:
		return "shell"

	default:
		return "unknown"
	}
}

// CreateWalletParams holds the parameters required to initialize a new wallet.
// These are one-time inputs used during the creation process.
type CreateWalletParams struct {
	// Mode determines which fields below are required.
	Mode CreateMode

	// Mnemonic is required for ModeRestore. Ignored for others.
	Mnemonic string

	// MnemonicPassphrase is the optional BIP-39 passphrase extending the
	// mnemonic.
	MnemonicPassphrase string

	// Passphrase seals the seed in the database. Required unless Mode is
	// ModeShell.
	Passphrase []byte

	// BirthdayHeight is the height discovery starts from. If zero and
	// Birthday is set, the height is located from block timestamps. A
	// freshly generated seed always starts at the current tip.
	BirthdayHeight uint32

	// Birthday is the time the seed was first used.
	Birthday time.Time

	// AddressTypes lists the address types of the default account. All
	// supported types are created when empty.
	AddressTypes []waddrmgr.AddressType
}

// validate checks the params against the requirements of the mode.
func (p *CreateWalletParams) validate() error {
	switch p.Mode {
	case ModeGenSeed:
		if len(p.Passphrase) == 0 {
			return fmt.Errorf("%w: passphrase required",
				ErrWalletParams)
		}

	case ModeRestore:
		if p.Mnemonic == "" {
			return fmt.Errorf("%w: mnemonic required for restore",
				ErrWalletParams)
		}

		if len(p.Passphrase) == 0 {
			return fmt.Errorf("%w: passphrase required",
				ErrWalletParams)
		}

	case ModeShell:
		if p.Mnemonic != "" || len(p.Passphrase) != 0 {
			return fmt.Errorf("%w: shell wallets take no seed",
				ErrWalletParams)
		}

	default:
		return fmt.Errorf("%w: unknown mode %v", ErrWalletParams, p.Mode)
	}

	return nil
}

// Create initializes a new wallet database at cfg.DBPath and returns the
// opened, stopped and locked wallet together with the mnemonic backing it.
// The mnemonic is empty for shell wallets.
func Create(ctx context.Context, cfg Config,
	params CreateWalletParams) (*Wallet, string, error) {

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	if err := params.validate(); err != nil {
		return nil, "", err
	}

	mnemonic := params.Mnemonic
	if params.Mode == ModeGenSeed {
		var err error
		mnemonic, err = waddrmgr.NewMnemonic()
		if err != nil {
			return nil, "", err
		}
	}

	var seed []byte
	if params.Mode != ModeShell {
		var err error
		seed, err = waddrmgr.SeedFromMnemonic(
			mnemonic, params.MnemonicPassphrase,
		)
		if err != nil {
			return nil, "", err
		}
		defer waddrmgr.ZeroSeed(seed)
	}

	birthday, err := resolveBirthday(ctx, &cfg, &params)
	if err != nil {
		return nil, "", err
	}

	store, err := kvdb.Create(cfg.DBPath, cfg.DBTimeout)
	if err != nil {
		return nil, "", fmt.Errorf("unable to create wallet db: %w", err)
	}

	record, err := initWallet(ctx, &cfg, store, seed, params, birthday)
	if err != nil {
		_ = store.Close()
		return nil, "", err
	}

	w, err := loadWallet(ctx, cfg, store, *record)
	if err != nil {
		_ = store.Close()
		return nil, "", err
	}

	log.Infof("Created %v wallet on %v with birthday height %d",
		params.Mode, cfg.ChainParams.Name, birthday)

	return w, mnemonic, nil
}

// CreateFromMnemonic restores a wallet from a BIP-39 mnemonic. A zero
// birthday height makes discovery start from the genesis block.
func CreateFromMnemonic(ctx context.Context, cfg Config, mnemonic,
	mnemonicPassphrase string, passphrase []byte,
	birthdayHeight uint32) (*Wallet, error) {

	w, _, err := Create(ctx, cfg, CreateWalletParams{
		Mode:               ModeRestore,
		Mnemonic:           mnemonic,
		MnemonicPassphrase: mnemonicPassphrase,
		Passphrase:         passphrase,
		BirthdayHeight:     birthdayHeight,
	})

	return w, err
}

// Open opens an existing wallet database. The returned wallet is stopped and
// locked.
func Open(ctx context.Context, cfg Config) (*Wallet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := kvdb.Open(cfg.DBPath, cfg.DBTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to open wallet db: %w", err)
	}

	var record *db.WalletRecord
	err = store.View(ctx, func(tx db.ReadTx) error {
		var err error
		record, err = tx.Wallet()

		return err
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("unable to read wallet record: %w", err)
	}

	if record.Net != cfg.ChainParams.Name {
		_ = store.Close()
		return nil, fmt.Errorf("%w: created for %s, opened for %s",
			ErrWrongNetwork, record.Net, cfg.ChainParams.Name)
	}

	w, err := loadWallet(ctx, cfg, store, *record)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	log.Infof("Opened wallet on %v", cfg.ChainParams.Name)

	return w, nil
}

// initWallet writes the wallet record and the default account subtrees in
// one batch. The seed is only used to derive the account xpubs.
func initWallet(ctx context.Context, cfg *Config, store db.Store, seed []byte,
	params CreateWalletParams, birthday uint32) (*db.WalletRecord, error) {

	record := &db.WalletRecord{
		Net:            cfg.ChainParams.Name,
		BirthdayHeight: birthday,
		CreatedAt:      cfg.Clock.Now(),
	}

	ops := []db.Op{}
	if seed != nil {
		sealed, err := waddrmgr.EncryptSeed(
			seed, params.Passphrase, cfg.KDFParams,
		)
		if err != nil {
			return nil, err
		}
		record.EncryptedSeed = sealed

		ring := waddrmgr.NewKeyRing(cfg.ChainParams)
		if err := ring.Unlock(seed); err != nil {
			return nil, err
		}
		defer ring.Lock()

		record.MasterFingerprint = ring.Fingerprint()

		addrTypes := params.AddressTypes
		if len(addrTypes) == 0 {
			addrTypes = waddrmgr.AllAddressTypes
		}

		for _, addrType := range addrTypes {
			props, err := ring.NewAccountProps(
				waddrmgr.DefaultAccountName, addrType,
				waddrmgr.DefaultAccountNum,
			)
			if err != nil {
				return nil, err
			}

			ops = append(ops, db.PutAccount{Props: props})
		}
	}

	ops = append([]db.Op{db.PutWallet{Record: *record}}, ops...)

	if err := store.AtomicBatch(ctx, ops); err != nil {
		return nil, fmt.Errorf("unable to write wallet: %w", err)
	}

	return record, nil
}

// loadWallet builds the wallet around an initialized store and loads its
// accounts into the key ring and tracker.
func loadWallet(ctx context.Context, cfg Config, store db.Store,
	record db.WalletRecord) (*Wallet, error) {

	w := newWallet(cfg, store, record)

	if err := w.loadAccounts(ctx); err != nil {
		return nil, err
	}

	return w, nil
}

// resolveBirthday picks the height discovery starts from.
func resolveBirthday(ctx context.Context, cfg *Config,
	params *CreateWalletParams) (uint32, error) {

	switch {
	case params.BirthdayHeight != 0:
		return params.BirthdayHeight, nil

	// A fresh seed cannot have history, so the current tip is a safe
	// birthday. An unreachable indexer only costs a longer first scan.
	case params.Mode == ModeGenSeed:
		height, err := chain.Retry(
			ctx, cfg.Retry, "tip height",
			func(ctx context.Context) (uint32, error) {
				return cfg.Indexer.TipHeight(ctx)
			},
		)
		if err != nil {
			log.Warnf("Unable to fetch tip for birthday, starting "+
				"from genesis: %v", err)

			return 0, nil
		}

		return height, nil

	case !params.Birthday.IsZero():
		return locateBirthdayHeight(ctx, cfg, params.Birthday)

	default:
		return 0, nil
	}
}

// locateBirthdayHeight returns the height of a block that meets the given
// birthday timestamp by a margin of +/-2 hours, found by binary search over
// the indexer's chain.
func locateBirthdayHeight(ctx context.Context, cfg *Config,
	birthday time.Time) (uint32, error) {

	bestHeight, err := chain.Retry(
		ctx, cfg.Retry, "tip height",
		func(ctx context.Context) (uint32, error) {
			return cfg.Indexer.TipHeight(ctx)
		},
	)
	if err != nil {
		return 0, fmt.Errorf("unable to locate birthday block: %w", err)
	}

	log.Debugf("Locating suitable block for birthday %v between blocks "+
		"0-%v", birthday, bestHeight)

	left, right := uint32(0), bestHeight
	for {
		mid := left + (right-left)/2

		header, err := blockHeaderAt(ctx, cfg, mid)
		if err != nil {
			return 0, fmt.Errorf("unable to locate birthday block: "+
				"%w", err)
		}

		log.Debugf("Checking candidate block: height=%v, timestamp=%v",
			mid, header.Timestamp)

		// If the search reached either end of the range there is
		// nothing left to search.
		if mid == 0 || mid == bestHeight || mid == left {
			return mid, nil
		}

		delta := header.Timestamp.Sub(birthday)
		switch {
		case delta > birthdayBlockDelta:
			right = mid

		case delta < -birthdayBlockDelta:
			left = mid

		default:
			return mid, nil
		}
	}
}

// blockHeaderAt fetches the header of the main chain block at height.
func blockHeaderAt(ctx context.Context, cfg *Config,
	height uint32) (*wire.BlockHeader, error) {

	hash, err := chain.Retry(
		ctx, cfg.Retry, "block hash",
		func(ctx context.Context) (chainhash.Hash, error) {
			return cfg.Indexer.BlockHash(ctx, height)
		},
	)
	if err != nil {
		return nil, err
	}

	return chain.Retry(
		ctx, cfg.Retry, "block header",
		func(ctx context.Context) (*wire.BlockHeader, error) {
			return cfg.Indexer.BlockHeader(ctx, hash)
		},
	)
}
