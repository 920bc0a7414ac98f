package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
)

// prevOutFetcher returns a fetcher over the spent outputs.
func prevOutFetcher(inputs []db.Utxo) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range inputs {
		fetcher.AddPrevOut(
			in.OutPoint, wire.NewTxOut(int64(in.Value), in.PkScript),
		)
	}

	return fetcher
}

// signTx signs every input of tx with SIGHASH_ALL and verifies the result
// with the script engine. inputs must be in input order. Nothing is returned
// half signed: on failure the scripts of tx are cleared.
func (w *Wallet) signTx(tx *wire.MsgTx, inputs []db.Utxo) error {
	if len(inputs) != len(tx.TxIn) {
		return fmt.Errorf("have %d prev outs for %d inputs", len(inputs),
			len(tx.TxIn))
	}

	fetcher := prevOutFetcher(inputs)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	err := w.signInputs(tx, inputs, sigHashes)
	if err == nil {
		err = verifyTx(tx, fetcher, sigHashes)
	}

	if err != nil {
		for _, txIn := range tx.TxIn {
			txIn.SignatureScript = nil
			txIn.Witness = nil
		}

		return err
	}

	return nil
}

// signInputs fills in the unlocking data of every input.
func (w *Wallet) signInputs(tx *wire.MsgTx, inputs []db.Utxo,
	sigHashes *txscript.TxSigHashes) error {

	for i := range tx.TxIn {
		prevOut := wire.NewTxOut(int64(inputs[i].Value), inputs[i].PkScript)

		script, err := w.keyRing.SignInput(&waddrmgr.SignRequest{
			Path:       inputs[i].Path,
			Tx:         tx,
			InputIndex: i,
			PrevOut:    prevOut,
			SigHashes:  sigHashes,
			HashType:   txscript.SigHashAll,
		})
		if err != nil {
			return fmt.Errorf("unable to sign input %d (%v): %w", i,
				inputs[i].OutPoint, err)
		}

		tx.TxIn[i].SignatureScript = script.SigScript
		tx.TxIn[i].Witness = script.Witness
	}

	return nil
}

// verifyTx runs the script engine over every input.
func verifyTx(tx *wire.MsgTx, fetcher *txscript.MultiPrevOutFetcher,
	sigHashes *txscript.TxSigHashes) error {

	for i, txIn := range tx.TxIn {
		prevOut := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		if prevOut == nil {
			return fmt.Errorf("missing prev out for input %d", i)
		}

		vm, err := txscript.NewEngine(
			prevOut.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, prevOut.Value, fetcher,
		)
		if err != nil {
			return fmt.Errorf("unable to create engine for input "+
				"%d: %w", i, err)
		}

		if err := vm.Execute(); err != nil {
			return fmt.Errorf("input %d fails verification: %w", i,
				err)
		}
	}

	return nil
}
