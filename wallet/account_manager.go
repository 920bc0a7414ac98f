// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
)

// AccountManager provides a high-level interface for managing wallet
// accounts.
//
// # Account Derivation
//
// Addresses are derived from a path with the following structure:
//
//	m / purpose' / coin_type' / account' / change / address_index
//
// The purpose is fixed by the address type: 44 for P2PKH, 49 for nested
// P2WPKH and 84 for native P2WPKH. An account name maps to one account
// number, and that number may carry a subtree for each address type, so a
// wallet can move an account from one script type to another without a new
// name.
type AccountManager interface {
	// AddAccount creates an account subtree of the given address type.
	// If the name is already used by another address type, the new
	// subtree shares its account number. The wallet must be unlocked.
	AddAccount(ctx context.Context, name string,
		addrType waddrmgr.AddressType) (*AccountInfo, error)

	// ImportAccount adds a watch-only account built on an account
	// extended public key. The master fingerprint is optional and only
	// used to annotate PSBTs.
	ImportAccount(ctx context.Context, name string, accountXPub string,
		masterFingerprint uint32,
		addrType waddrmgr.AddressType) (*AccountInfo, error)

	// ListAccounts returns every account subtree.
	ListAccounts(ctx context.Context) ([]AccountInfo, error)

	// AccountByName returns the subtree with the given name and address
	// type.
	AccountByName(ctx context.Context, name string,
		addrType waddrmgr.AddressType) (*AccountInfo, error)
}

// A compile time check to ensure that Wallet implements the interface.
var _ AccountManager = (*Wallet)(nil)

// AccountInfo describes an account subtree.
type AccountInfo struct {
	// ID is the scope and account number.
	ID waddrmgr.AccountID

	// Name is the account name.
	Name string

	// AddrType is the script form the subtree derives.
	AddrType waddrmgr.AddressType

	// WatchOnly is set when the wallet cannot sign for the subtree.
	WatchOnly bool

	// AccountXPub is the extended public key of the account node.
	AccountXPub string

	// MasterFingerprint is the fingerprint of the master key the account
	// descends from, if known.
	MasterFingerprint uint32

	// NextExternalIndex is the index the next receive address is issued
	// at.
	NextExternalIndex uint32

	// NextInternalIndex is the index the next change address is issued
	// at.
	NextInternalIndex uint32
}

// newAccountInfo converts account properties to the public form.
func newAccountInfo(props waddrmgr.AccountProperties) *AccountInfo {
	return &AccountInfo{
		ID:                props.ID,
		Name:              props.Name,
		AddrType:          props.AddrType,
		WatchOnly:         props.WatchOnly,
		AccountXPub:       props.AccountXPub,
		MasterFingerprint: props.MasterFingerprint,
		NextExternalIndex: props.NextExternalIndex,
		NextInternalIndex: props.NextInternalIndex,
	}
}

// AddAccount creates an account subtree of the given address type.
//
// This is part of the AccountManager interface.
func (w *Wallet) AddAccount(ctx context.Context, name string,
	addrType waddrmgr.AddressType) (*AccountInfo, error) {

	if err := w.state.canSign(); err != nil {
		return nil, err
	}

	return w.addAccount(ctx, name, func(number uint32) (
		waddrmgr.AccountProperties, error) {

		return w.keyRing.NewAccountProps(name, addrType, number)
	})
}

// ImportAccount adds a watch-only account built on an account xpub.
//
// This is part of the AccountManager interface.
func (w *Wallet) ImportAccount(ctx context.Context, name string,
	accountXPub string, masterFingerprint uint32,
	addrType waddrmgr.AddressType) (*AccountInfo, error) {

	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}

	return w.addAccount(ctx, name, func(number uint32) (
		waddrmgr.AccountProperties, error) {

		return w.keyRing.WatchOnlyAccountProps(
			name, addrType, number, accountXPub, masterFingerprint,
		)
	})
}

// addAccount picks the account number for name, builds the properties with
// newProps, persists them and registers the subtree.
func (w *Wallet) addAccount(ctx context.Context, name string,
	newProps func(number uint32) (waddrmgr.AccountProperties,
		error)) (*AccountInfo, error) {

	if name == "" {
		return nil, fmt.Errorf("%w: empty account name", ErrWalletParams)
	}

	w.newAddrMtx.Lock()
	defer w.newAddrMtx.Unlock()

	props, err := newProps(w.accountNumberFor(name))
	if err != nil {
		return nil, err
	}

	// The stored record carries the issue cursors, so it must not be
	// overwritten.
	if _, err := w.keyRing.Account(props.ID); err == nil {
		return nil, waddrmgr.ManagerError{
			ErrorCode: waddrmgr.ErrDuplicateAccount,
			Description: fmt.Sprintf("%v account %q already exists",
				props.AddrType, name),
		}
	}

	err = w.store.AtomicBatch(ctx, []db.Op{
		db.PutAccount{Props: props},
	})
	if err != nil {
		return nil, err
	}

	acct, err := w.keyRing.LoadAccount(props)
	if err != nil {
		return nil, err
	}

	err = w.trackAccount(acct, db.SyncCursor{Account: props.ID})
	if err != nil {
		return nil, err
	}

	log.Infof("Added account %q (%v, watch-only=%v)", name, props.ID,
		props.WatchOnly)

	return newAccountInfo(props), nil
}

// accountNumberFor returns the number of the account called name, or the
// next free account number if no subtree uses the name yet. The caller must
// hold newAddrMtx.
func (w *Wallet) accountNumberFor(name string) uint32 {
	var next uint32
	for _, acct := range w.keyRing.Accounts() {
		number := acct.ID().Account
		if acct.Name() == name {
			return number
		}

		next = max(next, number+1)
	}

	return next
}

// ListAccounts returns every account subtree ordered by purpose and account
// number.
//
// This is part of the AccountManager interface.
func (w *Wallet) ListAccounts(_ context.Context) ([]AccountInfo, error) {
	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}

	accts := w.keyRing.Accounts()
	infos := make([]AccountInfo, 0, len(accts))
	for _, acct := range accts {
		infos = append(infos, *newAccountInfo(acct.Properties()))
	}

	return infos, nil
}

// AccountByName returns the subtree with the given name and address type.
//
// This is part of the AccountManager interface.
func (w *Wallet) AccountByName(_ context.Context, name string,
	addrType waddrmgr.AddressType) (*AccountInfo, error) {

	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}

	acct, err := w.accountByName(name, addrType)
	if err != nil {
		return nil, err
	}

	return newAccountInfo(acct.Properties()), nil
}

// accountByName looks up a loaded subtree.
func (w *Wallet) accountByName(name string,
	addrType waddrmgr.AddressType) (*waddrmgr.Account, error) {

	for _, acct := range w.keyRing.Accounts() {
		if acct.Name() == name && acct.AddrType() == addrType {
			return acct, nil
		}
	}

	return nil, waddrmgr.ManagerError{
		ErrorCode: waddrmgr.ErrAccountNotFound,
		Description: fmt.Sprintf("no %v account named %q", addrType,
			name),
	}
}

// loadAccounts registers every persisted subtree with the key ring and tracks
// its issued and look-ahead scripts.
//
// The issue cursor of each branch is restored to the highest of the persisted
// account cursor, one past the highest issued address and the discovery
// watermark, so an index handed out before a crash is never issued again.
func (w *Wallet) loadAccounts(ctx context.Context) error {
	type loaded struct {
		props  waddrmgr.AccountProperties
		addrs  []db.AddressRecord
		cursor db.SyncCursor
	}

	var accts []loaded
	err := w.store.View(ctx, func(tx db.ReadTx) error {
		accts = nil

		propsList, err := tx.Accounts()
		if err != nil {
			return err
		}

		for _, props := range propsList {
			addrs, err := tx.AddressesByAccount(props.ID)
			if err != nil {
				return err
			}

			cursor := db.SyncCursor{Account: props.ID}
			stored, err := tx.Cursor(props.ID)
			switch {
			case errors.Is(err, db.ErrNotFound):

			case err != nil:
				return err

			default:
				cursor = *stored
			}

			accts = append(accts, loaded{
				props:  props,
				addrs:  addrs,
				cursor: cursor,
			})
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("unable to load accounts: %w", err)
	}

	for _, a := range accts {
		props := a.props
		next := [2]uint32{props.NextExternalIndex, props.NextInternalIndex}

		for _, addr := range a.addrs {
			if !addr.Issued {
				continue
			}

			branch := addr.Path.Branch
			next[branch] = max(next[branch], addr.Path.Index+1)
		}

		for branch := range next {
			next[branch] = max(next[branch], a.cursor.NextUnused[branch])
		}

		props.NextExternalIndex = next[waddrmgr.ExternalBranch]
		props.NextInternalIndex = next[waddrmgr.InternalBranch]

		acct, err := w.keyRing.LoadAccount(props)
		if err != nil {
			return err
		}

		if err := w.trackAccount(acct, a.cursor); err != nil {
			return err
		}

		log.Debugf("Loaded account %v (%q), cursors ext=%d int=%d",
			props.ID, props.Name, next[0], next[1])
	}

	log.Infof("Loaded %d account subtrees tracking %d scripts",
		len(accts), w.tracker.Len())

	return nil
}

// trackAccount tracks every script of the subtree below its discovery
// horizon on both branches.
func (w *Wallet) trackAccount(acct *waddrmgr.Account,
	cursor db.SyncCursor) error {

	for _, branch := range []uint32{
		waddrmgr.ExternalBranch, waddrmgr.InternalBranch,
	} {

		horizon := w.discoveryHorizon(acct, &cursor, branch)
		if _, err := w.trackRange(acct.ID(), branch, 0, horizon); err != nil {
			return err
		}
	}

	return nil
}
