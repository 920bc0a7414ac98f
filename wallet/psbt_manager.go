// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
)

// PsbtManager funds BIP-174 packets for accounts the wallet may not be able
// to sign for.
type PsbtManager interface {
	// FundPsbt runs the same selection as BuildTransaction, reserves the
	// inputs and returns the unsigned packet. Watch-only subtrees are in
	// scope and the wallet may stay locked.
	FundPsbt(ctx context.Context, req *BuildRequest) (*FundedPsbt, error)
}

// A compile time check to ensure that Wallet implements the interface.
var _ PsbtManager = (*Wallet)(nil)

// FundedPsbt is an unsigned packet whose inputs are reserved.
type FundedPsbt struct {
	// Packet is the funded packet. Every input carries its utxo and key
	// derivation, and so does the change output.
	Packet *psbt.Packet

	// LockID is the reservation holding the inputs.
	LockID LockID

	// ChangeIndex is the index of the change output, or -1.
	ChangeIndex int32

	// Fee is the absolute fee the packet pays.
	Fee btcutil.Amount

	// Expiry is the time the reservation lapses.
	Expiry time.Time
}

// FundPsbt selects inputs for the request and returns them as an unsigned
// packet.
//
// This is part of the PsbtManager interface.
func (w *Wallet) FundPsbt(ctx context.Context,
	req *BuildRequest) (*FundedPsbt, error) {

	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}

	if err := req.validate(); err != nil {
		return nil, err
	}

	feeRate, err := w.resolveFeeRate(ctx, req.Fee)
	if err != nil {
		return nil, err
	}

	w.newAddrMtx.Lock()
	defer w.newAddrMtx.Unlock()

	authored, err := w.authorTx(ctx, req, feeRate, true)
	if err != nil {
		return nil, err
	}

	packet, err := w.newFundedPacket(ctx, authored)
	if err != nil {
		return nil, err
	}

	built, err := w.commitBuild(ctx, authored, false)
	if err != nil {
		return nil, err
	}

	log.Infof("Funded psbt %v with %d inputs, fee %v",
		packet.UnsignedTx.TxHash(), len(authored.inputs), authored.fee)

	return &FundedPsbt{
		Packet:      packet,
		LockID:      built.LockID,
		ChangeIndex: int32(authored.changeIndex),
		Fee:         authored.fee,
		Expiry:      built.Expiry,
	}, nil
}

// newFundedPacket wraps the authored tx and decorates its inputs and change
// output.
func (w *Wallet) newFundedPacket(ctx context.Context,
	authored *authoredTx) (*psbt.Packet, error) {

	packet, err := psbt.NewFromUnsignedTx(authored.tx)
	if err != nil {
		return nil, fmt.Errorf("unable to create psbt: %w", err)
	}

	err = w.store.View(ctx, func(tx db.ReadTx) error {
		for i := range authored.inputs {
			err := w.decorateInput(tx, &packet.Inputs[i],
				&authored.inputs[i])
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if authored.changeIndex >= 0 {
		key := authored.changeKey
		addrType := authored.changeAcct.AddrType()

		var redeemScript []byte
		if addrType == waddrmgr.NestedWitnessPubKey {
			redeemScript, err = p2wpkhScript(key.PubKey)
			if err != nil {
				return nil, err
			}
		}

		addOutputInfo(
			&packet.Outputs[authored.changeIndex], addrType,
			w.bip32Derivation(authored.changeAcct, key.Path,
				key.PubKey),
			redeemScript,
		)
	}

	if err := packet.SanityCheck(); err != nil {
		return nil, fmt.Errorf("funded psbt is invalid: %w", err)
	}

	return packet, nil
}

// decorateInput adds the spent output and key derivation of an input.
func (w *Wallet) decorateInput(tx db.ReadTx, in *psbt.PInput,
	utxo *db.Utxo) error {

	rec, err := tx.Address(utxo.PkScript)
	if err != nil {
		return err
	}

	pubKey, err := btcec.ParsePubKey(rec.PubKey[:])
	if err != nil {
		return db.NewCorruptError(
			fmt.Sprintf("addr/%v", utxo.Path), err,
		)
	}

	acct, err := w.keyRing.Account(utxo.Path.AccountID())
	if err != nil {
		return err
	}

	// Unknown types have no scope.
	if _, err := utxo.AddrType.Scope(0); err != nil {
		return err
	}

	// The funding tx is required for legacy inputs and attached to
	// segwit ones whenever the wallet has it.
	var prevTx *wire.MsgTx
	prev, err := tx.Tx(utxo.OutPoint.Hash)
	switch {
	case err == nil:
		prevTx, err = decodeTx(prev.Raw, fmt.Sprintf("tx/%v", prev.Hash))
		if err != nil {
			return err
		}

	case errors.Is(err, db.ErrNotFound) && utxo.AddrType.IsWitness():

	default:
		return fmt.Errorf("missing funding tx of %v: %w",
			utxo.OutPoint, err)
	}

	var redeemScript []byte
	if utxo.AddrType == waddrmgr.NestedWitnessPubKey {
		redeemScript, err = p2wpkhScript(pubKey)
		if err != nil {
			return err
		}
	}

	addInputInfo(
		in, utxo.AddrType, prevTx,
		wire.NewTxOut(int64(utxo.Value), utxo.PkScript),
		w.bip32Derivation(acct, utxo.Path, pubKey), redeemScript,
	)

	return nil
}

// bip32Derivation returns the derivation record of a key. The fingerprint of
// an imported account is the one it was imported with.
func (w *Wallet) bip32Derivation(acct *waddrmgr.Account,
	path waddrmgr.KeyPath, pubKey *btcec.PublicKey) *psbt.Bip32Derivation {

	fingerprint := acct.Properties().MasterFingerprint
	if fingerprint == 0 && !acct.WatchOnly() {
		fingerprint = w.keyRing.Fingerprint()
	}

	return &psbt.Bip32Derivation{
		PubKey:               pubKey.SerializeCompressed(),
		MasterKeyFingerprint: fingerprint,
		Bip32Path:            path.Bip32Path(),
	}
}

// p2wpkhScript returns the witness program a nested output commits to.
func p2wpkhScript(pubKey *btcec.PublicKey) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(pubKey.SerializeCompressed())).
		Script()
}
