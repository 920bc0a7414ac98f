// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
)

var (
	// ErrNotMine is returned when an address or script does not belong to
	// the wallet.
	ErrNotMine = errors.New("address does not belong to the wallet")
)

// AddressInfo describes an issued or discovered address.
type AddressInfo struct {
	// Address is the encoded address.
	Address btcutil.Address

	// Path is the derivation path of the key behind the address.
	Path waddrmgr.KeyPath

	// AddrType is the script form of the address.
	AddrType waddrmgr.AddressType

	// Issued is set when the address was handed out by NewAddress or used
	// as change, as opposed to found by discovery.
	Issued bool

	// FirstSeenHeight is the first height an output paying the address
	// was observed at, or zero if none has been.
	FirstSeenHeight uint32

	// Balance is the total value of the unspent outputs paying the
	// address, unconfirmed ones included.
	Balance btcutil.Amount
}

// AddressManager provides an interface for generating and inspecting wallet
// addresses.
type AddressManager interface {
	// NewAddress issues the next receive address of the account. An index
	// is never handed out twice.
	NewAddress(ctx context.Context, accountName string,
		addrType waddrmgr.AddressType) (btcutil.Address, error)

	// NewChangeAddress issues the next change address of the account.
	NewChangeAddress(ctx context.Context, accountName string,
		addrType waddrmgr.AddressType) (btcutil.Address, error)

	// ListAddresses returns every issued or discovered address of the
	// account ordered by branch and index.
	ListAddresses(ctx context.Context, accountName string,
		addrType waddrmgr.AddressType) ([]AddressInfo, error)

	// AddressInfo returns the details of a wallet address. It fails with
	// ErrNotMine for foreign addresses.
	AddressInfo(ctx context.Context, addr btcutil.Address) (*AddressInfo,
		error)
}

// A compile time check to ensure that Wallet implements the interface.
var _ AddressManager = (*Wallet)(nil)

// NewAddress issues the next receive address of the account.
//
// This is part of the AddressManager interface.
func (w *Wallet) NewAddress(ctx context.Context, accountName string,
	addrType waddrmgr.AddressType) (btcutil.Address, error) {

	return w.newAddress(ctx, accountName, addrType,
		waddrmgr.ExternalBranch)
}

// NewChangeAddress issues the next change address of the account.
//
// This is part of the AddressManager interface.
func (w *Wallet) NewChangeAddress(ctx context.Context, accountName string,
	addrType waddrmgr.AddressType) (btcutil.Address, error) {

	return w.newAddress(ctx, accountName, addrType,
		waddrmgr.InternalBranch)
}

// newAddress issues the next address on a branch of the named account.
func (w *Wallet) newAddress(ctx context.Context, accountName string,
	addrType waddrmgr.AddressType, branch uint32) (btcutil.Address, error) {

	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}

	acct, err := w.accountByName(accountName, addrType)
	if err != nil {
		return nil, err
	}

	w.newAddrMtx.Lock()
	defer w.newAddrMtx.Unlock()

	key, _, err := w.issueAddressLocked(ctx, acct, branch, nil, nil)
	if err != nil {
		return nil, err
	}

	addr, err := key.Address(w.cfg.ChainParams)
	if err != nil {
		return nil, err
	}

	log.Debugf("Issued address %v at %v", addr, key.Path)

	return addr, nil
}

// issueAddressLocked issues the key at the branch cursor and persists it
// together with the account cursor. If expect is set, the issued script must
// equal it or nothing is written. extra returns operations committed in the
// same batch. The caller must hold newAddrMtx.
func (w *Wallet) issueAddressLocked(ctx context.Context,
	acct *waddrmgr.Account, branch uint32, expect []byte,
	extra func(key *waddrmgr.DerivedKey) ([]db.Op, error)) (
	*waddrmgr.DerivedKey, []byte, error) {

	// Properties must be read before NextUnusedAddress takes the account
	// mutex.
	props := acct.Properties()

	var script []byte
	persist := func(key *waddrmgr.DerivedKey) error {
		var err error
		script, err = waddrmgr.ScriptFor(key, w.cfg.ChainParams)
		if err != nil {
			return err
		}

		if expect != nil && !bytes.Equal(script, expect) {
			return waddrmgr.ManagerError{
				ErrorCode: waddrmgr.ErrScriptMismatch,
				Description: fmt.Sprintf("issued script at %v "+
					"does not match the expected script",
					key.Path),
			}
		}

		rec, err := w.issuedRecord(ctx, key, script)
		if err != nil {
			return err
		}

		next := key.Path.Index + 1
		if branch == waddrmgr.ExternalBranch {
			props.NextExternalIndex = max(props.NextExternalIndex, next)
		} else {
			props.NextInternalIndex = max(props.NextInternalIndex, next)
		}

		ops := []db.Op{
			db.PutAddress{Record: *rec},
			db.PutAccount{Props: props},
		}

		if extra != nil {
			extraOps, err := extra(key)
			if err != nil {
				return err
			}
			ops = append(ops, extraOps...)
		}

		return w.store.AtomicBatch(ctx, ops)
	}

	key, err := w.keyRing.NextUnusedAddress(acct.ID(), branch, persist)
	if err != nil {
		return nil, nil, err
	}

	if _, err := w.tracker.Track(key); err != nil {
		return nil, nil, err
	}

	return key, script, nil
}

// issuedRecord returns the address record of an issued key. A record already
// written by discovery keeps its first-seen height.
func (w *Wallet) issuedRecord(ctx context.Context, key *waddrmgr.DerivedKey,
	script []byte) (*db.AddressRecord, error) {

	rec := newAddressRecord(key, script)
	rec.Issued = true

	err := w.store.View(ctx, func(tx db.ReadTx) error {
		stored, err := tx.Address(script)
		switch {
		case errors.Is(err, db.ErrNotFound):
			return nil

		case err != nil:
			return err
		}

		rec.FirstSeenHeight = stored.FirstSeenHeight

		return nil
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// newAddressRecord builds the persisted form of a derived key.
func newAddressRecord(key *waddrmgr.DerivedKey,
	script []byte) *db.AddressRecord {

	rec := &db.AddressRecord{
		Path:     key.Path,
		AddrType: key.AddrType,
		Script:   script,
	}
	copy(rec.PubKey[:], key.PubKey.SerializeCompressed())

	return rec
}

// peekAddress returns the key the next issue on the branch would return
// without moving the cursor.
func (w *Wallet) peekAddress(acct *waddrmgr.Account,
	branch uint32) (*waddrmgr.DerivedKey, []byte, error) {

	// Invalid children are skipped by DeriveRange, so asking for a few
	// keys always yields the next valid one.
	keys, err := w.keyRing.DeriveRange(
		acct.ID(), branch, acct.NextIndex(branch), 2,
	)
	if err != nil {
		return nil, nil, err
	}

	if len(keys) == 0 {
		return nil, nil, waddrmgr.ManagerError{
			ErrorCode: waddrmgr.ErrInvalidKeyPath,
			Description: fmt.Sprintf("branch %d of %v is exhausted",
				branch, acct.ID()),
		}
	}

	script, err := waddrmgr.ScriptFor(keys[0], w.cfg.ChainParams)
	if err != nil {
		return nil, nil, err
	}

	return keys[0], script, nil
}

// ListAddresses returns every issued or discovered address of the account.
//
// This is part of the AddressManager interface.
func (w *Wallet) ListAddresses(ctx context.Context, accountName string,
	addrType waddrmgr.AddressType) ([]AddressInfo, error) {

	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}

	acct, err := w.accountByName(accountName, addrType)
	if err != nil {
		return nil, err
	}

	var (
		records []db.AddressRecord
		utxos   []db.Utxo
	)
	err = w.store.View(ctx, func(tx db.ReadTx) error {
		var err error
		records, err = tx.AddressesByAccount(acct.ID())
		if err != nil {
			return err
		}

		utxos, err = tx.UtxosByAccount(acct.ID())

		return err
	})
	if err != nil {
		return nil, err
	}

	balances := make(map[string]btcutil.Amount)
	for _, utxo := range utxos {
		if utxo.SpentBy.IsSome() {
			continue
		}

		balances[string(utxo.PkScript)] += utxo.Value
	}

	infos := make([]AddressInfo, 0, len(records))
	for i := range records {
		info, err := w.addressInfo(&records[i])
		if err != nil {
			return nil, err
		}

		info.Balance = balances[string(records[i].Script)]
		infos = append(infos, *info)
	}

	return infos, nil
}

// AddressInfo returns the details of a wallet address.
//
// This is part of the AddressManager interface.
func (w *Wallet) AddressInfo(ctx context.Context,
	addr btcutil.Address) (*AddressInfo, error) {

	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotMine, err)
	}

	var (
		info    *AddressInfo
		balance btcutil.Amount
	)
	err = w.store.View(ctx, func(tx db.ReadTx) error {
		rec, err := tx.Address(script)
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrNotMine, addr)
		}
		if err != nil {
			return err
		}

		info, err = w.addressInfo(rec)
		if err != nil {
			return err
		}

		utxos, err := tx.UtxosByAccount(rec.Path.AccountID())
		if err != nil {
			return err
		}

		for _, utxo := range utxos {
			if utxo.SpentBy.IsNone() &&
				bytes.Equal(utxo.PkScript, script) {

				balance += utxo.Value
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	info.Balance = balance

	return info, nil
}

// addressInfo converts an address record to the public form.
func (w *Wallet) addressInfo(rec *db.AddressRecord) (*AddressInfo, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(
		rec.Script, w.cfg.ChainParams,
	)
	if err != nil {
		return nil, err
	}

	if len(addrs) != 1 {
		return nil, fmt.Errorf("%w: record at %v has a non standard "+
			"script", db.ErrCorrupt, rec.Path)
	}

	return &AddressInfo{
		Address:         addrs[0],
		Path:            rec.Path,
		AddrType:        rec.AddrType,
		Issued:          rec.Issued,
		FirstSeenHeight: rec.FirstSeenHeight,
	}, nil
}

// discoveryHorizon returns one past the highest index of a branch whose
// history is queried: the gap limit past the last used index, or the issue
// cursor if addresses were handed out beyond that.
func (w *Wallet) discoveryHorizon(acct *waddrmgr.Account,
	cursor *db.SyncCursor, branch uint32) uint32 {

	horizon := cursor.NextUnused[branch] + w.cfg.GapLimit
	horizon = max(horizon, acct.NextIndex(branch))

	return min(horizon, waddrmgr.MaxAddressIndex+1)
}

// trackRange derives and tracks the keys of a branch in [start, end).
func (w *Wallet) trackRange(id waddrmgr.AccountID, branch, start,
	end uint32) ([]waddrmgr.TrackedScript, error) {

	if end <= start {
		return nil, nil
	}

	keys, err := w.keyRing.DeriveRange(id, branch, start, end-start)
	if err != nil {
		return nil, err
	}

	tracked := make([]waddrmgr.TrackedScript, 0, len(keys))
	for _, key := range keys {
		script, err := w.tracker.Track(key)
		if err != nil {
			return nil, err
		}

		tracked = append(tracked, waddrmgr.TrackedScript{
			Key:    *key,
			Script: script,
		})
	}

	return tracked, nil
}
