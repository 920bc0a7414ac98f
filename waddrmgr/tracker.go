// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// TrackedScript is an output script the wallet watches together with the key
// that can spend it.
type TrackedScript struct {
	// Key is the derived key behind the script.
	Key DerivedKey

	// Script is the output script.
	Script []byte
}

// Tracker is the reverse index from output scripts to derived keys. It holds
// every issued key plus the look-ahead keys of the discovery horizon. Each
// account subtree is tracked independently, so an account number that spans
// several address types is matched on all of them.
type Tracker struct {
	params *chaincfg.Params

	mtx sync.RWMutex

	// byScript maps a raw output script to its tracked entry.
	byScript map[string]*TrackedScript

	// byAccount holds the scripts of each account subtree in the order
	// they were tracked.
	byAccount map[AccountID][]*TrackedScript
}

// NewTracker returns an empty tracker for the given network.
func NewTracker(params *chaincfg.Params) *Tracker {
	return &Tracker{
		params:    params,
		byScript:  make(map[string]*TrackedScript),
		byAccount: make(map[AccountID][]*TrackedScript),
	}
}

// ScriptFor returns the output script of the key's address type.
func ScriptFor(key *DerivedKey, params *chaincfg.Params) ([]byte, error) {
	addr, err := key.Address(params)
	if err != nil {
		return nil, err
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, managerError(ErrUnknownAddrType,
			"unable to build output script", err)
	}

	return script, nil
}

// Track adds a key to the index and returns its script. Tracking the same
// key twice is a no-op.
func (t *Tracker) Track(key *DerivedKey) ([]byte, error) {
	script, err := ScriptFor(key, t.params)
	if err != nil {
		return nil, err
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	if _, ok := t.byScript[string(script)]; ok {
		return script, nil
	}

	entry := &TrackedScript{Key: *key, Script: script}
	t.byScript[string(script)] = entry

	id := key.Path.AccountID()
	t.byAccount[id] = append(t.byAccount[id], entry)

	return script, nil
}

// IsOwned returns the key behind pkScript if the script is tracked.
func (t *Tracker) IsOwned(pkScript []byte) fn.Option[DerivedKey] {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	entry, ok := t.byScript[string(pkScript)]
	if !ok {
		return fn.None[DerivedKey]()
	}

	return fn.Some(entry.Key)
}

// Scripts returns the scripts tracked for an account subtree.
func (t *Tracker) Scripts(id AccountID) []TrackedScript {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	entries := t.byAccount[id]
	scripts := make([]TrackedScript, 0, len(entries))
	for _, entry := range entries {
		scripts = append(scripts, *entry)
	}

	return scripts
}

// Len returns the number of tracked scripts.
func (t *Tracker) Len() int {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	return len(t.byScript)
}
