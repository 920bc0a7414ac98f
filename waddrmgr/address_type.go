// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/idxwallet/unit"
)

// AddressType is the closed set of single-key script forms the wallet can
// derive, watch and spend.
type AddressType uint8

const (
	// PubKeyHash is a legacy pay-to-pubkey-hash output (BIP-44).
	PubKeyHash AddressType = 1

	// NestedWitnessPubKey is a pay-to-witness-pubkey-hash output wrapped
	// in pay-to-script-hash (BIP-49).
	NestedWitnessPubKey AddressType = 2

	// WitnessPubKey is a native pay-to-witness-pubkey-hash output
	// (BIP-84).
	WitnessPubKey AddressType = 3
)

const (
	// purposeBIP0044 is the purpose of legacy P2PKH key scopes.
	purposeBIP0044 uint32 = 44

	// purposeBIP0049 is the purpose of nested segwit key scopes.
	purposeBIP0049 uint32 = 49

	// purposeBIP0084 is the purpose of native segwit key scopes.
	purposeBIP0084 uint32 = 84
)

// AllAddressTypes lists every supported address type.
var AllAddressTypes = []AddressType{
	PubKeyHash, NestedWitnessPubKey, WitnessPubKey,
}

// String returns a human readable name of the address type.
func (a AddressType) String() string {
	switch a {
	case PubKeyHash:
		return "p2pkh"

	case NestedWitnessPubKey:
		return "np2wpkh"

	case WitnessPubKey:
		return "p2wpkh"

	default:
		return "unknown"
	}
}

// ParseAddressType maps the names returned by String back to an address type.
func ParseAddressType(s string) (AddressType, error) {
	for _, t := range AllAddressTypes {
		if t.String() == s {
			return t, nil
		}
	}

	return 0, managerErrorf(ErrUnknownAddrType, "unknown address type %q",
		s)
}

// Scope returns the BIP-43 key scope that derives keys of this type for the
// given coin type.
func (a AddressType) Scope(coin uint32) (KeyScope, error) {
	switch a {
	case PubKeyHash:
		return KeyScope{Purpose: purposeBIP0044, Coin: coin}, nil

	case NestedWitnessPubKey:
		return KeyScope{Purpose: purposeBIP0049, Coin: coin}, nil

	case WitnessPubKey:
		return KeyScope{Purpose: purposeBIP0084, Coin: coin}, nil

	default:
		return KeyScope{}, managerErrorf(ErrUnknownAddrType,
			"unknown address type %d", a)
	}
}

// AddressTypeForScope returns the address type a key scope derives.
func AddressTypeForScope(scope KeyScope) (AddressType, error) {
	switch scope.Purpose {
	case purposeBIP0044:
		return PubKeyHash, nil

	case purposeBIP0049:
		return NestedWitnessPubKey, nil

	case purposeBIP0084:
		return WitnessPubKey, nil

	default:
		return 0, managerErrorf(ErrUnknownAddrType, "no address type "+
			"for scope %v", scope)
	}
}

// IsWitness returns true if spending an output of this type places the
// signature in the witness.
func (a AddressType) IsWitness() bool {
	switch a {
	case NestedWitnessPubKey, WitnessPubKey:
		return true

	default:
		return false
	}
}

// PkScriptSize returns the size in bytes of an output script of this type.
func (a AddressType) PkScriptSize() (int, error) {
	switch a {
	case PubKeyHash:
		return txsizes.P2PKHPkScriptSize, nil

	case NestedWitnessPubKey:
		return txsizes.NestedP2WPKHPkScriptSize, nil

	case WitnessPubKey:
		return txsizes.P2WPKHPkScriptSize, nil

	default:
		return 0, managerErrorf(ErrUnknownAddrType,
			"unknown address type %d", a)
	}
}

// InputWeight returns the worst-case weight an input spending this type adds
// to a transaction. Legacy inputs count every byte four times while witness
// bytes count once.
func (a AddressType) InputWeight() (unit.WeightUnit, error) {
	const scale = 4

	switch a {
	case PubKeyHash:
		return unit.WeightUnit(txsizes.RedeemP2PKHInputSize * scale), nil

	case NestedWitnessPubKey:
		return unit.WeightUnit(
			txsizes.RedeemNestedP2WPKHInputSize*scale +
				txsizes.RedeemP2WPKHInputWitnessWeight,
		), nil

	case WitnessPubKey:
		return unit.WeightUnit(
			txsizes.RedeemP2WPKHInputSize*scale +
				txsizes.RedeemP2WPKHInputWitnessWeight,
		), nil

	default:
		return 0, managerErrorf(ErrUnknownAddrType,
			"unknown address type %d", a)
	}
}

// Address returns the address of this type paying to the given public key.
func (a AddressType) Address(pubKey *btcec.PublicKey,
	params *chaincfg.Params) (btcutil.Address, error) {

	pkHash := btcutil.Hash160(pubKey.SerializeCompressed())

	switch a {
	case PubKeyHash:
		return btcutil.NewAddressPubKeyHash(pkHash, params)

	case NestedWitnessPubKey:
		redeemScript, err := nestedRedeemScript(pkHash, params)
		if err != nil {
			return nil, err
		}

		return btcutil.NewAddressScriptHash(redeemScript, params)

	case WitnessPubKey:
		return btcutil.NewAddressWitnessPubKeyHash(pkHash, params)

	default:
		return nil, managerErrorf(ErrUnknownAddrType,
			"unknown address type %d", a)
	}
}

// nestedRedeemScript returns the P2WPKH witness program that a nested
// address commits to in its script hash.
func nestedRedeemScript(pkHash []byte, params *chaincfg.Params) ([]byte,
	error) {

	witAddr, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, params)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(witAddr)
}
