// Copyright (c) 2020 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/waddrmgr"
)

// addInputInfo adds the spent output and BIP32 derivation of a wallet input.
// prevTx may be nil for segwit inputs whose funding tx is not stored.
func addInputInfo(in *psbt.PInput, addrType waddrmgr.AddressType,
	prevTx *wire.MsgTx, utxo *wire.TxOut,
	derivation *psbt.Bip32Derivation, redeemScript []byte) {

	// As a fix for CVE-2020-14199 the full non-witness UTXO is included
	// for segwit v0 inputs as well, whenever it is known.
	in.NonWitnessUtxo = prevTx

	// To make it more obvious that this is actually a witness output being
	// spent, we also add the same information as the witness UTXO.
	if addrType.IsWitness() {
		in.WitnessUtxo = &wire.TxOut{
			Value:    utxo.Value,
			PkScript: utxo.PkScript,
		}
	}
	in.SighashType = txscript.SigHashAll

	in.Bip32Derivation = []*psbt.Bip32Derivation{derivation}

	// For nested P2WKH we need to add the redeem script to the input,
	// otherwise an offline wallet won't be able to sign for it.
	if addrType == waddrmgr.NestedWitnessPubKey {
		in.RedeemScript = redeemScript
	}
}

// addOutputInfo adds the BIP32 derivation of a wallet output, so a signer can
// verify the change goes back to it.
func addOutputInfo(out *psbt.POutput, addrType waddrmgr.AddressType,
	derivation *psbt.Bip32Derivation, redeemScript []byte) {

	out.Bip32Derivation = []*psbt.Bip32Derivation{derivation}

	if addrType == waddrmgr.NestedWitnessPubKey {
		out.RedeemScript = redeemScript
	}
}

// PsbtPrevOutputFetcher returns a txscript.PrevOutFetcher built from the UTXO
// information in a PSBT packet.
func PsbtPrevOutputFetcher(packet *psbt.Packet) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, txIn := range packet.UnsignedTx.TxIn {
		in := packet.Inputs[idx]

		// Skip any input that has no UTXO.
		if in.WitnessUtxo == nil && in.NonWitnessUtxo == nil {
			continue
		}

		if in.NonWitnessUtxo != nil {
			prevIndex := txIn.PreviousOutPoint.Index
			fetcher.AddPrevOut(
				txIn.PreviousOutPoint,
				in.NonWitnessUtxo.TxOut[prevIndex],
			)

			continue
		}

		fetcher.AddPrevOut(txIn.PreviousOutPoint, in.WitnessUtxo)
	}

	return fetcher
}
