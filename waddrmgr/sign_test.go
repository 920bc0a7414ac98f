package waddrmgr

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// spendFixture builds a one-input transaction spending an output that pays
// to key.
func spendFixture(t *testing.T, ring *KeyRing,
	key *DerivedKey) (*wire.MsgTx, *wire.TxOut,
	*txscript.MultiPrevOutFetcher) {

	t.Helper()

	script, err := ring.ScriptFor(key)
	require.NoError(t, err)

	prevOut := wire.NewTxOut(100_000, script)
	outPoint := wire.OutPoint{Hash: chainhash.Hash{0x01}, Index: 3}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&outPoint, nil, nil))
	tx.AddTxOut(wire.NewTxOut(90_000, script))

	fetcher := txscript.NewMultiPrevOutFetcher(
		map[wire.OutPoint]*wire.TxOut{outPoint: prevOut},
	)

	return tx, prevOut, fetcher
}

// sigHashes returns the sighash cache of tx.
func sigHashes(tx *wire.MsgTx,
	fetcher *txscript.MultiPrevOutFetcher) *txscript.TxSigHashes {

	return txscript.NewTxSigHashes(tx, fetcher)
}

// testXPrv returns a serialized private extended key.
func testXPrv(t *testing.T) string {
	t.Helper()

	seed, err := SeedFromMnemonic(testMnemonic, "")
	require.NoError(t, err)

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)

	return master.String()
}

// TestSignInput signs an input of every address type and runs the result
// through the script engine.
func TestSignInput(t *testing.T) {
	t.Parallel()

	ring := setupKeyRing(t)

	for _, addrType := range AllAddressTypes {
		t.Run(addrType.String(), func(t *testing.T) {
			t.Parallel()

			id := accountID(t, addrType)
			key, err := ring.DeriveKey(KeyPath{
				Scope:   id.Scope,
				Account: id.Account,
				Branch:  InternalBranch,
				Index:   4,
			})
			require.NoError(t, err)

			tx, prevOut, fetcher := spendFixture(t, ring, key)
			hashes := sigHashes(tx, fetcher)

			script, err := ring.SignInput(&SignRequest{
				Path:      key.Path,
				Tx:        tx,
				PrevOut:   prevOut,
				SigHashes: hashes,
				HashType:  txscript.SigHashAll,
			})
			require.NoError(t, err)

			require.Equal(t, addrType.IsWitness(),
				len(script.Witness) > 0)

			tx.TxIn[0].SignatureScript = script.SigScript
			tx.TxIn[0].Witness = script.Witness

			vm, err := txscript.NewEngine(
				prevOut.PkScript, tx, 0,
				txscript.StandardVerifyFlags, nil, hashes,
				prevOut.Value, fetcher,
			)
			require.NoError(t, err)
			require.NoError(t, vm.Execute())
		})
	}
}

// TestSignInputScriptMismatch checks that a key is never used to sign an
// output it does not own.
func TestSignInputScriptMismatch(t *testing.T) {
	t.Parallel()

	ring := setupKeyRing(t)
	id := accountID(t, WitnessPubKey)

	key, err := ring.DeriveKey(KeyPath{Scope: id.Scope, Index: 0})
	require.NoError(t, err)

	tx, prevOut, fetcher := spendFixture(t, ring, key)

	_, err = ring.SignInput(&SignRequest{
		Path:      KeyPath{Scope: id.Scope, Index: 1},
		Tx:        tx,
		PrevOut:   prevOut,
		SigHashes: sigHashes(tx, fetcher),
	})
	require.True(t, IsError(err, ErrScriptMismatch), err)

	_, err = ring.SignInput(&SignRequest{
		Path:       key.Path,
		Tx:         tx,
		InputIndex: 1,
		PrevOut:    prevOut,
	})
	require.True(t, IsError(err, ErrScriptMismatch), err)
}
