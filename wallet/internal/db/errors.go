// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested item is not found in the
	// database.
	ErrNotFound = errors.New("item not found")

	// ErrCorrupt is the kind of StoreError returned when a stored record
	// cannot be decoded, including records written by an unknown schema
	// version. It is never retried.
	ErrCorrupt = errors.New("corrupt record")

	// ErrIO is the kind of StoreError returned when the underlying
	// storage fails. Callers may retry.
	ErrIO = errors.New("storage failure")

	// ErrOutputUnavailable is returned by a ReserveOutputs operation when
	// an outpoint is unknown, already spent or reserved by a live lock.
	ErrOutputUnavailable = errors.New("output unavailable")

	// ErrReservationPinned is returned by a conditional ReleaseReservation
	// when the reservation belongs to a broadcast tx.
	ErrReservationPinned = errors.New("reservation pinned by broadcast")

	// ErrStoreNotInitialized is returned when the wallet buckets are
	// missing from an opened database.
	ErrStoreNotInitialized = errors.New("store not initialized")

	// ErrUnknownOp is returned when AtomicBatch is handed an operation
	// it cannot apply.
	ErrUnknownOp = errors.New("unknown store operation")
)

// StoreError wraps a storage failure with its kind and the key of the record
// involved.
type StoreError struct {
	// Kind is ErrCorrupt or ErrIO.
	Kind error

	// Key is the full key of the record, bucket prefix included. It may
	// be empty for failures not tied to a record.
	Key string

	// Err is the underlying error.
	Err error
}

// Error satisfies the error interface and prints human-readable errors.
func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("%v at %s: %v", e.Kind, e.Key, e.Err)
}

// Unwrap returns both the kind and the underlying error so errors.Is matches
// either.
func (e *StoreError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// NewCorruptError creates a StoreError of kind ErrCorrupt.
func NewCorruptError(key string, err error) *StoreError {
	return &StoreError{Kind: ErrCorrupt, Key: key, Err: err}
}

// NewIOError creates a StoreError of kind ErrIO.
func NewIOError(key string, err error) *StoreError {
	return &StoreError{Kind: ErrIO, Key: key, Err: err}
}

// IsRetryable returns true if the error is a storage failure that may
// succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrIO) && !errors.Is(err, ErrCorrupt)
}
