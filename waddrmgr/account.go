// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// AccountProperties is the persisted view of an account subtree. It carries
// everything needed to rebuild the in-memory Account without the seed.
type AccountProperties struct {
	// ID is the scope and account number of the subtree.
	ID AccountID

	// Name is the user facing account name. Subtrees of different scopes
	// that share an account number share the name.
	Name string

	// AddrType is the script form this subtree derives.
	AddrType AddressType

	// AccountXPub is the serialized extended public key of the account
	// node.
	AccountXPub string

	// MasterFingerprint is the fingerprint of the master key, or zero for
	// watch-only accounts imported without origin information.
	MasterFingerprint uint32

	// WatchOnly is set when the wallet holds no private key material for
	// the subtree.
	WatchOnly bool

	// NextExternalIndex is the index the next external address will be
	// issued at.
	NextExternalIndex uint32

	// NextInternalIndex is the index the next change address will be
	// issued at.
	NextInternalIndex uint32
}

// Account is a derivation subtree held by the key ring. The issue cursors are
// guarded by the account's own mutex so that issuing on one account does not
// block another.
type Account struct {
	// props is the immutable part of the properties. The cursors in props
	// are only the values at load time; the live values are in
	// nextIndex.
	props AccountProperties

	// xpub is the parsed account extended public key.
	xpub *hdkeychain.ExtendedKey

	// branchKeys caches the neutered branch keys so deriving a child only
	// costs one public derivation.
	branchKeys [2]*hdkeychain.ExtendedKey

	// mtx guards nextIndex.
	mtx sync.Mutex

	// nextIndex holds the issue cursor of each branch.
	nextIndex [2]uint32
}

// newAccount builds an Account from its properties.
func newAccount(props AccountProperties,
	xpub *hdkeychain.ExtendedKey) (*Account, error) {

	acct := &Account{
		props: props,
		xpub:  xpub,
		nextIndex: [2]uint32{
			props.NextExternalIndex, props.NextInternalIndex,
		},
	}

	for _, branch := range []uint32{ExternalBranch, InternalBranch} {
		branchKey, err := xpub.Derive(branch)
		if err != nil {
			return nil, managerError(ErrInvalidKeyPath,
				"unable to derive branch key", err)
		}

		acct.branchKeys[branch] = branchKey
	}

	return acct, nil
}

// ID returns the account's scope and number.
func (a *Account) ID() AccountID {
	return a.props.ID
}

// Name returns the account name.
func (a *Account) Name() string {
	return a.props.Name
}

// AddrType returns the address type the account derives.
func (a *Account) AddrType() AddressType {
	return a.props.AddrType
}

// WatchOnly returns true if the account cannot sign.
func (a *Account) WatchOnly() bool {
	return a.props.WatchOnly
}

// NextIndex returns the issue cursor of the given branch.
func (a *Account) NextIndex(branch uint32) uint32 {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.nextIndex[branch]
}

// Properties returns a snapshot of the account's persisted properties with
// the live cursors.
func (a *Account) Properties() AccountProperties {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	props := a.props
	props.NextExternalIndex = a.nextIndex[ExternalBranch]
	props.NextInternalIndex = a.nextIndex[InternalBranch]

	return props
}

// deriveChild derives the public extended key at branch/index below the
// account node.
func (a *Account) deriveChild(branch, index uint32) (*hdkeychain.ExtendedKey,
	error) {

	if branch != ExternalBranch && branch != InternalBranch {
		return nil, managerErrorf(ErrInvalidKeyPath, "invalid branch %d",
			branch)
	}

	child, err := a.branchKeys[branch].Derive(index)
	if err != nil {
		return nil, managerError(ErrInvalidKeyPath,
			"unable to derive child key", err)
	}

	return child, nil
}
