// Copyright (c) 2014-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific ManagerError.
const (
	// ErrInvalidKeyPath indicates a derivation path that does not name a
	// valid key: an unknown branch, a hardened index, or an index whose
	// child key is invalid.
	ErrInvalidKeyPath ErrorCode = iota

	// ErrNoPrivateKey indicates a private key was requested from an
	// account that only carries public key material.
	ErrNoPrivateKey

	// ErrLocked indicates an operation that requires the seed was
	// attempted while the key ring was locked.
	ErrLocked

	// ErrWrongPassphrase indicates the passphrase given to decrypt the
	// seed was rejected.
	ErrWrongPassphrase

	// ErrAccountNotFound indicates the requested account is not known to
	// the key ring.
	ErrAccountNotFound

	// ErrDuplicateAccount indicates an account with the same scope and
	// number, or the same name, already exists.
	ErrDuplicateAccount

	// ErrUnknownAddrType indicates an address type outside the supported
	// set.
	ErrUnknownAddrType

	// ErrScriptMismatch indicates the output script presented for signing
	// does not belong to the key at the given path.
	ErrScriptMismatch

	// ErrInvalidMnemonic indicates a mnemonic that fails BIP-39 checksum
	// validation.
	ErrInvalidMnemonic

	// ErrCrypto indicates a failure in the seed encryption layer.
	ErrCrypto

	// ErrWrongNet indicates an extended key that belongs to a different
	// network than the key ring.
	ErrWrongNet
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrInvalidKeyPath:   "ErrInvalidKeyPath",
	ErrNoPrivateKey:     "ErrNoPrivateKey",
	ErrLocked:           "ErrLocked",
	ErrWrongPassphrase:  "ErrWrongPassphrase",
	ErrAccountNotFound:  "ErrAccountNotFound",
	ErrDuplicateAccount: "ErrDuplicateAccount",
	ErrUnknownAddrType:  "ErrUnknownAddrType",
	ErrScriptMismatch:   "ErrScriptMismatch",
	ErrInvalidMnemonic:  "ErrInvalidMnemonic",
	ErrCrypto:           "ErrCrypto",
	ErrWrongNet:         "ErrWrongNet",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}

	return "Unknown ErrorCode (" + strconv.Itoa(int(e)) + ")"
}

// ManagerError provides a single type for errors that can happen during key
// management operations. The caller can use type assertions or IsError to
// inspect the ErrorCode.
type ManagerError struct {
	// ErrorCode is the kind of error.
	ErrorCode ErrorCode

	// Description is a human-readable description of the error.
	Description string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface and prints human-readable errors.
func (e ManagerError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}

	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e ManagerError) Unwrap() error {
	return e.Err
}

// managerError creates a ManagerError given a set of arguments.
func managerError(c ErrorCode, desc string, err error) ManagerError {
	return ManagerError{ErrorCode: c, Description: desc, Err: err}
}

// managerErrorf creates a ManagerError with a formatted description.
func managerErrorf(c ErrorCode, format string, args ...any) ManagerError {
	return ManagerError{ErrorCode: c, Description: fmt.Sprintf(format,
		args...)}
}

// IsError returns whether the error is a ManagerError with a matching error
// code. Wrapped errors are unwrapped.
func IsError(err error, code ErrorCode) bool {
	var mErr ManagerError
	if !errors.As(err, &mErr) {
		return false
	}

	return mErr.ErrorCode == code
}
