// Package kvdb provides a walletdb (kvdb) backed implementation of the
// wallet/internal/db store interface.
package kvdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	// Register the bolt backend.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
)

const (
	// dbDriver is the walletdb driver used for wallet files.
	dbDriver = "bdb"

	// DefaultDBTimeout is the time to wait for the file lock.
	DefaultDBTimeout = 10 * time.Second
)

// Store is the kvdb (walletdb) implementation of the db.Store interface.
type Store struct {
	db walletdb.DB
}

// A compile-time assertion to ensure that Store implements the db.Store
// interface.
var _ db.Store = (*Store)(nil)

// Create creates a new wallet database file at path and initializes its
// buckets.
func Create(path string, timeout time.Duration) (*Store, error) {
	dbConn, err := walletdb.Create(dbDriver, path, true, timeout, false)
	if err != nil {
		return nil, db.NewIOError("", err)
	}

	store, err := New(dbConn)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	return store, nil
}

// Open opens an existing wallet database file.
func Open(path string, timeout time.Duration) (*Store, error) {
	dbConn, err := walletdb.Open(dbDriver, path, true, timeout, false)
	if err != nil {
		return nil, db.NewIOError("", err)
	}

	err = walletdb.View(dbConn, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(namespaceKey)
		if ns == nil {
			return db.ErrStoreNotInitialized
		}

		for _, name := range allBuckets {
			if ns.NestedReadBucket(name) == nil {
				return fmt.Errorf("%w: missing bucket %s",
					db.ErrStoreNotInitialized, name)
			}
		}

		return nil
	})
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	return &Store{db: dbConn}, nil
}

// New wraps an open walletdb database, creating the wallet buckets if they
// do not exist.
func New(dbConn walletdb.DB) (*Store, error) {
	err := walletdb.Update(dbConn, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(namespaceKey)
		if ns == nil {
			var err error
			ns, err = tx.CreateTopLevelBucket(namespaceKey)
			if err != nil {
				return err
			}
		}

		for _, name := range allBuckets {
			_, err := ns.CreateBucketIfNotExists(name)
			if err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, db.NewIOError("", err)
	}

	return &Store{db: dbConn}, nil
}

// View runs fn against a consistent read-only snapshot.
func (s *Store) View(ctx context.Context, fn func(db.ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(namespaceKey)
		if ns == nil {
			return db.ErrStoreNotInitialized
		}

		return fn(&readTx{ns: ns})
	})
}

// AtomicBatch applies ops in order inside one read-write transaction. If any
// operation fails, or ctx is cancelled before commit, nothing is written.
func (s *Store) AtomicBatch(ctx context.Context, ops []db.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(ops) == 0 {
		return nil
	}

	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(namespaceKey)
		if ns == nil {
			return db.ErrStoreNotInitialized
		}

		w := &writeTx{readTx: readTx{ns: ns}, ns: ns}
		for i, op := range ops {
			if err := w.apply(op); err != nil {
				return fmt.Errorf("op %d (%T): %w", i, op, err)
			}
		}

		// The last chance to abandon the batch before it is
		// committed.
		return ctx.Err()
	})
	if err != nil {
		log.Debugf("Atomic batch of %d ops rolled back: %v", len(ops),
			err)

		return err
	}

	log.Tracef("Committed atomic batch of %d ops", len(ops))

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return db.NewIOError("", err)
	}

	return nil
}

// ioError wraps a walletdb failure as a retryable StoreError unless it already
// carries a kind.
func ioError(bucket, key []byte, err error) error {
	var storeErr *db.StoreError
	if errors.As(err, &storeErr) {
		return err
	}

	return db.NewIOError(describeKey(bucket, key), err)
}

// corruptError wraps a decoding failure.
func corruptError(bucket, key []byte, err error) error {
	return db.NewCorruptError(describeKey(bucket, key), err)
}
