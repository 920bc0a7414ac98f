// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"bytes"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SignRequest describes a single input to sign.
type SignRequest struct {
	// Path is the derivation path of the key that owns the previous
	// output.
	Path KeyPath

	// Tx is the spending transaction.
	Tx *wire.MsgTx

	// InputIndex is the index of the input within Tx.
	InputIndex int

	// PrevOut is the output being spent. Its script must match the key at
	// Path.
	PrevOut *wire.TxOut

	// SigHashes is the sighash midstate cache of Tx. It is required for
	// witness inputs.
	SigHashes *txscript.TxSigHashes

	// HashType is the signature hash type, usually SigHashAll.
	HashType txscript.SigHashType
}

// InputScript holds the unlocking data of a signed input.
type InputScript struct {
	// SigScript is the signature script of the input.
	SigScript []byte

	// Witness is the witness stack of the input.
	Witness wire.TxWitness
}

// SignInput produces the unlocking data for one input. The ring's read lock
// is held for the whole operation, so a concurrent Lock waits until the
// signature is complete and private key material is zeroed.
func (r *KeyRing) SignInput(req *SignRequest) (*InputScript, error) {
	if req.Tx == nil || req.PrevOut == nil {
		return nil, managerError(ErrScriptMismatch,
			"sign request is missing the transaction or prev out", nil)
	}

	if req.InputIndex < 0 || req.InputIndex >= len(req.Tx.TxIn) {
		return nil, managerErrorf(ErrScriptMismatch,
			"input index %d out of range", req.InputIndex)
	}

	key, err := r.DeriveKey(req.Path)
	if err != nil {
		return nil, err
	}

	script, err := r.ScriptFor(key)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(script, req.PrevOut.PkScript) {
		return nil, managerErrorf(ErrScriptMismatch, "output script "+
			"does not belong to %v", req.Path)
	}

	if key.AddrType.IsWitness() && req.SigHashes == nil {
		return nil, managerError(ErrScriptMismatch,
			"witness input requires sighash cache", nil)
	}

	r.mtx.RLock()
	defer r.mtx.RUnlock()

	privKey, err := r.privKey(req.Path)
	if err != nil {
		return nil, err
	}
	defer privKey.Zero()

	if !privKey.PubKey().IsEqual(key.PubKey) {
		return nil, managerError(ErrCrypto, "private key does not match "+
			"account public key", nil)
	}

	return signWithKey(req, key.AddrType, privKey, r.params)
}

// privKey derives the private key at path. The caller must hold the read
// lock.
func (r *KeyRing) privKey(path KeyPath) (*btcec.PrivateKey, error) {
	acct, ok := r.accounts[path.AccountID()]
	if !ok {
		return nil, managerErrorf(ErrAccountNotFound,
			"account %v not found", path.AccountID())
	}

	if acct.WatchOnly() {
		return nil, managerErrorf(ErrNoPrivateKey, "account %v is "+
			"watch-only", path.AccountID())
	}

	if r.master == nil {
		return nil, managerError(ErrLocked, "cannot sign while locked",
			nil)
	}

	acctKey, err := deriveAccountKey(r.master, path.AccountID())
	if err != nil {
		return nil, err
	}
	defer acctKey.Zero()

	branchKey, err := acctKey.Derive(path.Branch)
	if err != nil {
		return nil, managerError(ErrInvalidKeyPath,
			"unable to derive branch key", err)
	}
	defer branchKey.Zero()

	child, err := branchKey.Derive(path.Index)
	if err != nil {
		return nil, managerError(ErrInvalidKeyPath,
			"unable to derive child key", err)
	}
	defer child.Zero()

	privKey, err := child.ECPrivKey()
	if err != nil {
		return nil, managerError(ErrCrypto,
			"unable to get private key", err)
	}

	return privKey, nil
}

// signWithKey builds the unlocking data for the given address type.
func signWithKey(req *SignRequest, addrType AddressType,
	privKey *btcec.PrivateKey,
	params *chaincfg.Params) (*InputScript, error) {

	switch addrType {
	case PubKeyHash:
		sigScript, err := txscript.SignatureScript(
			req.Tx, req.InputIndex, req.PrevOut.PkScript,
			req.HashType, privKey, true,
		)
		if err != nil {
			return nil, managerError(ErrCrypto,
				"unable to sign p2pkh input", err)
		}

		return &InputScript{SigScript: sigScript}, nil

	case WitnessPubKey:
		witness, err := txscript.WitnessSignature(
			req.Tx, req.SigHashes, req.InputIndex,
			req.PrevOut.Value, req.PrevOut.PkScript, req.HashType,
			privKey, true,
		)
		if err != nil {
			return nil, managerError(ErrCrypto,
				"unable to sign p2wpkh input", err)
		}

		return &InputScript{Witness: witness}, nil

	case NestedWitnessPubKey:
		pkHash := btcutil.Hash160(
			privKey.PubKey().SerializeCompressed(),
		)
		redeemScript, err := nestedRedeemScript(pkHash, params)
		if err != nil {
			return nil, err
		}

		witness, err := txscript.WitnessSignature(
			req.Tx, req.SigHashes, req.InputIndex,
			req.PrevOut.Value, redeemScript, req.HashType,
			privKey, true,
		)
		if err != nil {
			return nil, managerError(ErrCrypto,
				"unable to sign np2wpkh input", err)
		}

		sigScript, err := txscript.NewScriptBuilder().
			AddData(redeemScript).Script()
		if err != nil {
			return nil, managerError(ErrCrypto,
				"unable to build np2wpkh sig script", err)
		}

		return &InputScript{SigScript: sigScript, Witness: witness}, nil

	default:
		return nil, managerErrorf(ErrUnknownAddrType,
			"unknown address type %d", addrType)
	}
}
