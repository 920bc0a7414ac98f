// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// DerivedKey is a public key at a specific derivation path together with the
// script form the owning account uses for it.
type DerivedKey struct {
	// Path is the full derivation path of the key.
	Path KeyPath

	// AddrType is the script form of the owning account.
	AddrType AddressType

	// PubKey is the derived public key.
	PubKey *btcec.PublicKey
}

// Address returns the address paying to the key.
func (k *DerivedKey) Address(params *chaincfg.Params) (btcutil.Address,
	error) {

	return k.AddrType.Address(k.PubKey, params)
}

// KeyRing is the key hierarchy of a wallet. It owns the master key while
// unlocked and the account subtrees at all times. Private key material never
// leaves the ring; callers receive public keys and signatures only.
type KeyRing struct {
	params *chaincfg.Params

	// mtx guards the fields below. Signing holds the read lock for the
	// whole operation so Lock waits for in-flight signatures to finish.
	mtx sync.RWMutex

	// master is the BIP-32 root key. It is nil while locked.
	master *hdkeychain.ExtendedKey

	// fingerprint is the fingerprint of the master public key, known
	// even while locked once the wallet has been unlocked or loaded.
	fingerprint uint32

	// accounts holds every known account subtree.
	accounts map[AccountID]*Account
}

// NewKeyRing creates an empty, locked key ring for the given network.
func NewKeyRing(params *chaincfg.Params) *KeyRing {
	return &KeyRing{
		params:   params,
		accounts: make(map[AccountID]*Account),
	}
}

// Params returns the network the key ring derives for.
func (r *KeyRing) Params() *chaincfg.Params {
	return r.params
}

// Unlock loads the master key from the seed. If the ring already knows the
// master fingerprint, a seed producing a different fingerprint is rejected
// with ErrWrongPassphrase.
func (r *KeyRing) Unlock(seed []byte) error {
	master, err := hdkeychain.NewMaster(seed, r.params)
	if err != nil {
		return managerError(ErrCrypto, "unable to create master key",
			err)
	}

	fp, err := masterFingerprint(master)
	if err != nil {
		master.Zero()
		return err
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.fingerprint != 0 && r.fingerprint != fp {
		master.Zero()

		return managerError(ErrWrongPassphrase, "seed does not match "+
			"wallet fingerprint", nil)
	}

	if r.master != nil {
		r.master.Zero()
	}

	r.master = master
	r.fingerprint = fp

	log.Debugf("Key ring unlocked, master fingerprint %08x", fp)

	return nil
}

// Lock zeroes and drops the master key. It blocks until in-flight signing
// operations complete.
func (r *KeyRing) Lock() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.master != nil {
		r.master.Zero()
		r.master = nil
	}

	log.Debugf("Key ring locked")
}

// IsLocked returns true if the master key is not loaded.
func (r *KeyRing) IsLocked() bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	return r.master == nil
}

// SetFingerprint records the master fingerprint of a wallet loaded from disk
// so Unlock can detect a mismatched seed.
func (r *KeyRing) SetFingerprint(fp uint32) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.fingerprint = fp
}

// Fingerprint returns the master key fingerprint, or zero if it is unknown.
func (r *KeyRing) Fingerprint() uint32 {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	return r.fingerprint
}

// NewAccountProps derives the account node m/purpose'/coin'/account' from the
// master key and returns the properties of a fresh account. The account is
// not registered until LoadAccount is called with the result, which lets the
// caller persist it first.
func (r *KeyRing) NewAccountProps(name string, addrType AddressType,
	account uint32) (AccountProperties, error) {

	scope, err := addrType.Scope(r.params.HDCoinType)
	if err != nil {
		return AccountProperties{}, err
	}

	id := AccountID{Scope: scope, Account: account}
	if account > MaxAccountNum {
		return AccountProperties{}, managerErrorf(ErrInvalidKeyPath,
			"account %d exceeds max account number", account)
	}

	r.mtx.RLock()
	defer r.mtx.RUnlock()

	if _, ok := r.accounts[id]; ok {
		return AccountProperties{}, managerErrorf(ErrDuplicateAccount,
			"account %v already exists", id)
	}

	if r.master == nil {
		return AccountProperties{}, managerError(ErrLocked,
			"cannot derive account keys while locked", nil)
	}

	acctKey, err := deriveAccountKey(r.master, id)
	if err != nil {
		return AccountProperties{}, err
	}
	defer acctKey.Zero()

	xpub, err := acctKey.Neuter()
	if err != nil {
		return AccountProperties{}, managerError(ErrCrypto,
			"unable to neuter account key", err)
	}

	return AccountProperties{
		ID:                id,
		Name:              name,
		AddrType:          addrType,
		AccountXPub:       xpub.String(),
		MasterFingerprint: r.fingerprint,
	}, nil
}

// WatchOnlyAccountProps validates an account extended public key and returns
// the properties of a watch-only account built on it.
func (r *KeyRing) WatchOnlyAccountProps(name string, addrType AddressType,
	account uint32, accountXPub string,
	fingerprint uint32) (AccountProperties, error) {

	scope, err := addrType.Scope(r.params.HDCoinType)
	if err != nil {
		return AccountProperties{}, err
	}

	xpub, err := hdkeychain.NewKeyFromString(accountXPub)
	if err != nil {
		return AccountProperties{}, managerError(ErrCrypto,
			"invalid extended public key", err)
	}

	if xpub.IsPrivate() {
		return AccountProperties{}, managerError(ErrCrypto,
			"watch-only accounts take a public key", nil)
	}

	if !xpub.IsForNet(r.params) {
		return AccountProperties{}, managerErrorf(ErrWrongNet,
			"extended key is not for %v", r.params.Name)
	}

	return AccountProperties{
		ID:                AccountID{Scope: scope, Account: account},
		Name:              name,
		AddrType:          addrType,
		AccountXPub:       accountXPub,
		MasterFingerprint: fingerprint,
		WatchOnly:         true,
	}, nil
}

// LoadAccount registers an account subtree with the ring.
func (r *KeyRing) LoadAccount(props AccountProperties) (*Account, error) {
	xpub, err := hdkeychain.NewKeyFromString(props.AccountXPub)
	if err != nil {
		return nil, managerError(ErrCrypto, "invalid account xpub", err)
	}

	if xpub.IsPrivate() {
		return nil, managerError(ErrCrypto, "account key must be public",
			nil)
	}

	wantType, err := AddressTypeForScope(props.ID.Scope)
	if err != nil {
		return nil, err
	}
	if wantType != props.AddrType {
		return nil, managerErrorf(ErrUnknownAddrType, "scope %v does "+
			"not derive %v", props.ID.Scope, props.AddrType)
	}

	acct, err := newAccount(props, xpub)
	if err != nil {
		return nil, err
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, ok := r.accounts[props.ID]; ok {
		return nil, managerErrorf(ErrDuplicateAccount,
			"account %v already exists", props.ID)
	}

	r.accounts[props.ID] = acct

	return acct, nil
}

// Account returns the account subtree with the given id.
func (r *KeyRing) Account(id AccountID) (*Account, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	acct, ok := r.accounts[id]
	if !ok {
		return nil, managerErrorf(ErrAccountNotFound,
			"account %v not found", id)
	}

	return acct, nil
}

// Accounts returns every account subtree ordered by purpose, coin and
// account number.
func (r *KeyRing) Accounts() []*Account {
	r.mtx.RLock()
	accts := make([]*Account, 0, len(r.accounts))
	for _, acct := range r.accounts {
		accts = append(accts, acct)
	}
	r.mtx.RUnlock()

	sort.Slice(accts, func(i, j int) bool {
		a, b := accts[i].ID(), accts[j].ID()
		if a.Scope.Purpose != b.Scope.Purpose {
			return a.Scope.Purpose < b.Scope.Purpose
		}
		if a.Scope.Coin != b.Scope.Coin {
			return a.Scope.Coin < b.Scope.Coin
		}

		return a.Account < b.Account
	})

	return accts
}

// DeriveKey returns the public key at the given path. Derivation is
// deterministic: the same path always yields the same key.
func (r *KeyRing) DeriveKey(path KeyPath) (*DerivedKey, error) {
	if err := path.validate(); err != nil {
		return nil, err
	}

	acct, err := r.Account(path.AccountID())
	if err != nil {
		return nil, managerError(ErrInvalidKeyPath, "unknown account "+
			"in path "+path.String(), err)
	}

	return acct.derivedKey(path.Branch, path.Index)
}

// DeriveRange derives count consecutive keys on a branch starting at start.
// It is used to look ahead of the issue cursor during discovery and does not
// move the cursor.
func (r *KeyRing) DeriveRange(id AccountID, branch, start,
	count uint32) ([]*DerivedKey, error) {

	acct, err := r.Account(id)
	if err != nil {
		return nil, err
	}

	keys := make([]*DerivedKey, 0, count)
	for i := uint32(0); i < count; i++ {
		index := start + i
		if index > MaxAddressIndex {
			break
		}

		key, err := acct.derivedKey(branch, index)
		switch {
		// A child that is not a valid key is skipped, the same way
		// issuance skips it.
		case errors.Is(err, hdkeychain.ErrInvalidChild):
			continue

		case err != nil:
			return nil, err
		}

		keys = append(keys, key)
	}

	return keys, nil
}

// NextUnusedAddress issues the key at the branch cursor. The persist callback
// runs while the account cursor is held; the cursor only advances if it
// returns nil, so an index is issued at most once and is never handed out
// without being recorded.
func (r *KeyRing) NextUnusedAddress(id AccountID, branch uint32,
	persist func(*DerivedKey) error) (*DerivedKey, error) {

	acct, err := r.Account(id)
	if err != nil {
		return nil, err
	}

	if branch != ExternalBranch && branch != InternalBranch {
		return nil, managerErrorf(ErrInvalidKeyPath, "invalid branch %d",
			branch)
	}

	acct.mtx.Lock()
	defer acct.mtx.Unlock()

	index := acct.nextIndex[branch]
	for {
		if index > MaxAddressIndex {
			return nil, managerErrorf(ErrInvalidKeyPath,
				"branch %d of %v is exhausted", branch, id)
		}

		key, err := acct.derivedKey(branch, index)
		if errors.Is(err, hdkeychain.ErrInvalidChild) {
			index++
			continue
		}
		if err != nil {
			return nil, err
		}

		if err := persist(key); err != nil {
			return nil, err
		}

		acct.nextIndex[branch] = index + 1

		return key, nil
	}
}

// AdvanceCursor moves a branch cursor forward to at least next. It is used
// when discovery finds activity on a key beyond the cursor so that those
// indexes are never issued again. The cursor never moves backwards.
func (r *KeyRing) AdvanceCursor(id AccountID, branch, next uint32) error {
	acct, err := r.Account(id)
	if err != nil {
		return err
	}

	if branch != ExternalBranch && branch != InternalBranch {
		return managerErrorf(ErrInvalidKeyPath, "invalid branch %d",
			branch)
	}

	acct.mtx.Lock()
	defer acct.mtx.Unlock()

	if next > acct.nextIndex[branch] {
		acct.nextIndex[branch] = next
	}

	return nil
}

// ScriptFor returns the output script of a derived key.
func (r *KeyRing) ScriptFor(key *DerivedKey) ([]byte, error) {
	addr, err := key.Address(r.params)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}

// derivedKey derives the key at branch/index of the account.
func (a *Account) derivedKey(branch, index uint32) (*DerivedKey, error) {
	child, err := a.deriveChild(branch, index)
	if err != nil {
		return nil, err
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return nil, managerError(ErrInvalidKeyPath,
			"unable to get public key", err)
	}

	return &DerivedKey{
		Path: KeyPath{
			Scope:   a.props.ID.Scope,
			Account: a.props.ID.Account,
			Branch:  branch,
			Index:   index,
		},
		AddrType: a.props.AddrType,
		PubKey:   pubKey,
	}, nil
}

// deriveAccountKey derives the private account node for id from the master
// key. Intermediate private keys are zeroed.
func deriveAccountKey(master *hdkeychain.ExtendedKey,
	id AccountID) (*hdkeychain.ExtendedKey, error) {

	purpose, err := master.Derive(
		id.Scope.Purpose + hdkeychain.HardenedKeyStart,
	)
	if err != nil {
		return nil, managerError(ErrInvalidKeyPath,
			"unable to derive purpose key", err)
	}
	defer purpose.Zero()

	coin, err := purpose.Derive(id.Scope.Coin + hdkeychain.HardenedKeyStart)
	if err != nil {
		return nil, managerError(ErrInvalidKeyPath,
			"unable to derive coin key", err)
	}
	defer coin.Zero()

	acctKey, err := coin.Derive(id.Account + hdkeychain.HardenedKeyStart)
	if err != nil {
		return nil, managerError(ErrInvalidKeyPath,
			"unable to derive account key", err)
	}

	return acctKey, nil
}

// masterFingerprint returns the BIP-32 fingerprint of the master key as used
// in PSBT derivation records.
func masterFingerprint(master *hdkeychain.ExtendedKey) (uint32, error) {
	pubKey, err := master.ECPubKey()
	if err != nil {
		return 0, managerError(ErrCrypto, "unable to get master pubkey",
			err)
	}

	hash := btcutil.Hash160(pubKey.SerializeCompressed())

	return binary.LittleEndian.Uint32(hash[:4]), nil
}
