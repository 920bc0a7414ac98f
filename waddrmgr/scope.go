// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

const (
	// ExternalBranch is the child number to use when performing BIP0044
	// style hierarchical deterministic key derivation for the external
	// branch.
	ExternalBranch uint32 = 0

	// InternalBranch is the child number to use when performing BIP0044
	// style hierarchical deterministic key derivation for the internal
	// (change) branch.
	InternalBranch uint32 = 1

	// MaxAccountNum is the maximum allowed account number. Account numbers
	// are hardened children so the top bit is reserved.
	MaxAccountNum = hdkeychain.HardenedKeyStart - 1

	// MaxAddressIndex is the maximum allowed address index on a branch.
	MaxAddressIndex = hdkeychain.HardenedKeyStart - 1

	// DefaultAccountNum is the number of the account created with every
	// new wallet.
	DefaultAccountNum uint32 = 0

	// DefaultAccountName is the name of the account created with every
	// new wallet.
	DefaultAccountName = "default"
)

// KeyScope represents a restricted key scope from the primary root key within
// the HD chain. The first two levels of a BIP-43 path, m/purpose'/coin', form
// the scope.
type KeyScope struct {
	// Purpose is the purpose of this key scope. This is the first child
	// of the master HD key.
	Purpose uint32

	// Coin is a value that represents the particular coin which is the
	// child of the purpose key.
	Coin uint32
}

// String returns a human readable version describing the keypath encapsulated
// by the target key scope.
func (k KeyScope) String() string {
	return fmt.Sprintf("m/%v'/%v'", k.Purpose, k.Coin)
}

// AccountID identifies a derivation subtree: a scope plus a hardened account
// number. Each subtree owns exactly one address type and one pair of branch
// cursors.
type AccountID struct {
	Scope   KeyScope
	Account uint32
}

// String returns the derivation path of the account node.
func (a AccountID) String() string {
	return fmt.Sprintf("%v/%v'", a.Scope, a.Account)
}

// KeyPath is the full derivation path of a single key:
// m/purpose'/coin'/account'/branch/index.
type KeyPath struct {
	Scope   KeyScope
	Account uint32
	Branch  uint32
	Index   uint32
}

// AccountID returns the account subtree the path belongs to.
func (p KeyPath) AccountID() AccountID {
	return AccountID{Scope: p.Scope, Account: p.Account}
}

// String returns the path in BIP-32 notation.
func (p KeyPath) String() string {
	return fmt.Sprintf("%v/%v'/%d/%d", p.Scope, p.Account, p.Branch,
		p.Index)
}

// Bip32Path returns the path as the list of child numbers used by BIP-174
// derivation records, hardened levels included.
func (p KeyPath) Bip32Path() []uint32 {
	return []uint32{
		p.Scope.Purpose + hdkeychain.HardenedKeyStart,
		p.Scope.Coin + hdkeychain.HardenedKeyStart,
		p.Account + hdkeychain.HardenedKeyStart,
		p.Branch,
		p.Index,
	}
}

// validate checks the parts of the path that do not depend on account state.
func (p KeyPath) validate() error {
	if p.Account > MaxAccountNum {
		return managerErrorf(ErrInvalidKeyPath, "account %d exceeds "+
			"max account number", p.Account)
	}

	if p.Branch != ExternalBranch && p.Branch != InternalBranch {
		return managerErrorf(ErrInvalidKeyPath, "invalid branch %d",
			p.Branch)
	}

	if p.Index > MaxAddressIndex {
		return managerErrorf(ErrInvalidKeyPath, "index %d is hardened",
			p.Index)
	}

	return nil
}
