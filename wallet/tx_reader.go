// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/chain"
	"github.com/btcsuite/idxwallet/unit"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
)

var (
	// ErrTxNotFound is returned when a transaction is not found in the
	// store.
	ErrTxNotFound = errors.New("tx not found")
)

// TxReader provides an interface for querying tx history and the state of
// the wallet's own transactions.
type TxReader interface {
	// GetTx returns a detailed description of a tx given its tx hash.
	GetTx(ctx context.Context, txHash chainhash.Hash) (*TxDetail, error)

	// ListTxns returns every tx relevant to the wallet whose height is in
	// [startHeight, endHeight]. Unconfirmed txns are included when
	// endHeight is chain.UnconfirmedHeight.
	ListTxns(ctx context.Context, startHeight, endHeight uint32) (
		[]*TxDetail, error)

	// TxStatus returns the lifecycle state of a tx.
	TxStatus(ctx context.Context, txHash chainhash.Hash) (*TxStatusInfo,
		error)
}

// A compile-time assertion to ensure that Wallet implements the TxReader
// interface.
var _ TxReader = (*Wallet)(nil)

// Output contains details for a tx output.
type Output struct {
	// Type is the script class of the output.
	Type txscript.ScriptClass

	// Addresses are the addresses associated with the output script.
	Addresses []btcutil.Address

	// PkScript is the raw output script.
	PkScript []byte

	// Index is the index of the output in the tx.
	Index int

	// Amount is the value of the output.
	Amount btcutil.Amount

	// IsOurs is true if the output is controlled by the wallet.
	IsOurs bool
}

// PrevOut describes a tx input.
type PrevOut struct {
	// OutPoint is the unique reference to the output being spent.
	OutPoint wire.OutPoint

	// IsOurs is true if the input spends an output controlled by the
	// wallet.
	IsOurs bool

	// Amount is the value of the spent output. It is only known for our
	// own inputs.
	Amount btcutil.Amount
}

// TxDetail describes a tx relevant to a wallet.
type TxDetail struct {
	// Hash is the tx hash.
	Hash chainhash.Hash

	// RawTx is the serialized tx.
	RawTx []byte

	// Value is the net value of this tx from the wallet's point of view.
	Value btcutil.Amount

	// Fee is the total fee paid by this tx. It is only calculated if all
	// inputs are known to the wallet, otherwise it is zero.
	Fee btcutil.Amount

	// Weight is the tx's weight.
	Weight unit.WeightUnit

	// Height is the confirmation height, or chain.UnconfirmedHeight.
	Height uint32

	// BlockHash is the hash of the confirming block.
	BlockHash chainhash.Hash

	// Confirmations is the number of confirmations this tx has at the
	// last reconciled tip.
	Confirmations uint32

	// ReceivedTime is the time the tx was first seen by the wallet.
	ReceivedTime time.Time

	// Outputs contains data for each tx output.
	Outputs []Output

	// PrevOuts are the inputs for the tx.
	PrevOuts []PrevOut

	// Label is an optional tx label.
	Label string
}

// FeeRate returns the fee rate of the tx.
func (d *TxDetail) FeeRate() unit.SatPerKVByte {
	vsize := d.Weight.ToVB()
	if vsize == 0 {
		return 0
	}

	return unit.SatPerKVByte(d.Fee * 1000 / btcutil.Amount(vsize))
}

// TxState is the lifecycle state of a transaction.
type TxState uint8

const (
	// TxStateBuilt is a signed tx that was not handed to the network.
	TxStateBuilt TxState = iota

	// TxStateBroadcast is a locally built tx accepted by the network but
	// not yet confirmed.
	TxStateBroadcast

	// TxStateUnconfirmed is a tx observed in the mempool.
	TxStateUnconfirmed

	// TxStateConfirmed is a tx in a block of the reconciled chain.
	TxStateConfirmed
)

// String returns a human readable name of the state.
func (s TxState) String() string {
	switch s {
	case TxStateBuilt:
		return "built"

	case TxStateBroadcast:
		return "broadcast"

	case TxStateUnconfirmed:
		return "unconfirmed"

	case TxStateConfirmed:
		return "confirmed"

	default:
		return "unknown"
	}
}

// TxStatusInfo is the state of a transaction known to the wallet.
type TxStatusInfo struct {
	// Hash is the tx hash.
	Hash chainhash.Hash

	// State is the lifecycle state.
	State TxState

	// Height is the confirmation height, or chain.UnconfirmedHeight.
	Height uint32

	// Confirmations is the depth at the last reconciled tip.
	Confirmations uint32
}

// GetTx returns a detailed description of a tx given its tx hash.
//
// NOTE: This method is part of the TxReader interface.
func (w *Wallet) GetTx(ctx context.Context, txHash chainhash.Hash) (
	*TxDetail, error) {

	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}

	var detail *TxDetail
	err := w.store.View(ctx, func(tx db.ReadTx) error {
		rec, err := tx.Tx(txHash)
		if errors.Is(err, db.ErrNotFound) {
			return ErrTxNotFound
		}
		if err != nil {
			return err
		}

		tip, err := tipHeight(tx)
		if err != nil {
			return err
		}

		detail, err = w.buildTxDetail(tx, rec, tip)

		return err
	})
	if err != nil {
		return nil, err
	}

	return detail, nil
}

// ListTxns returns every tx relevant to the wallet in a height range.
//
// NOTE: This method is part of the TxReader interface.
func (w *Wallet) ListTxns(ctx context.Context, startHeight,
	endHeight uint32) ([]*TxDetail, error) {

	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}

	var details []*TxDetail
	err := w.store.View(ctx, func(tx db.ReadTx) error {
		details = nil

		tip, err := tipHeight(tx)
		if err != nil {
			return err
		}

		var recs []db.TxRecord
		if startHeight == 0 {
			recs, err = tx.Txs()
		} else {
			recs, err = tx.TxsAbove(startHeight - 1)
		}
		if err != nil {
			return err
		}

		for i := range recs {
			if recs[i].Height > endHeight {
				break
			}

			detail, err := w.buildTxDetail(tx, &recs[i], tip)
			if err != nil {
				return err
			}
			details = append(details, detail)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return details, nil
}

// TxStatus returns the lifecycle state of a tx. Locally built txns report
// their pending state until they confirm.
//
// NOTE: This method is part of the TxReader interface.
func (w *Wallet) TxStatus(ctx context.Context,
	txHash chainhash.Hash) (*TxStatusInfo, error) {

	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}

	status := &TxStatusInfo{
		Hash:   txHash,
		Height: chain.UnconfirmedHeight,
	}
	err := w.store.View(ctx, func(tx db.ReadTx) error {
		pending, err := tx.Pending(txHash)
		switch {
		case err == nil:
			status.State = TxStateBuilt
			if pending.State == db.PendingBroadcast {
				status.State = TxStateBroadcast
			}

			return nil

		case !errors.Is(err, db.ErrNotFound):
			return err
		}

		rec, err := tx.Tx(txHash)
		if errors.Is(err, db.ErrNotFound) {
			return ErrTxNotFound
		}
		if err != nil {
			return err
		}

		if rec.Height == db.UnconfirmedHeight {
			status.State = TxStateUnconfirmed
			return nil
		}

		tip, err := tipHeight(tx)
		if err != nil {
			return err
		}

		status.State = TxStateConfirmed
		status.Height = rec.Height
		status.Confirmations = confirmations(rec.Height, tip)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return status, nil
}

// buildTxDetail builds a TxDetail from a stored tx record. Ownership of
// inputs and outputs is read from the utxo records, which keep spent outputs.
func (w *Wallet) buildTxDetail(tx db.ReadTx, rec *db.TxRecord,
	tip uint32) (*TxDetail, error) {

	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(rec.Raw)); err != nil {
		return nil, db.NewCorruptError(
			fmt.Sprintf("tx/%v", rec.Hash), err,
		)
	}

	details := &TxDetail{
		Hash:         rec.Hash,
		RawTx:        rec.Raw,
		Label:        rec.Label,
		ReceivedTime: rec.Received,
		Height:       rec.Height,
		BlockHash:    rec.BlockHash,
		Weight: unit.WeightUnit(blockchain.GetTransactionWeight(
			btcutil.NewTx(&msgTx),
		)),
		Confirmations: confirmations(rec.Height, tip),
	}

	// The net value is the sum of all credits minus the sum of all
	// debits.
	var (
		balanceDelta btcutil.Amount
		totalInput   btcutil.Amount
		ourInputs    int
	)
	for _, txIn := range msgTx.TxIn {
		prevOut := PrevOut{OutPoint: txIn.PreviousOutPoint}

		utxo, err := tx.Utxo(txIn.PreviousOutPoint)
		switch {
		case err == nil:
			prevOut.IsOurs = true
			prevOut.Amount = utxo.Value
			balanceDelta -= utxo.Value
			totalInput += utxo.Value
			ourInputs++

		case !errors.Is(err, db.ErrNotFound):
			return nil, err
		}

		details.PrevOuts = append(details.PrevOuts, prevOut)
	}

	var totalOutput btcutil.Amount
	for i, txOut := range msgTx.TxOut {
		amount := btcutil.Amount(txOut.Value)
		totalOutput += amount

		_, err := tx.Utxo(wire.OutPoint{Hash: rec.Hash, Index: uint32(i)})
		isOurs := err == nil
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}

		if isOurs {
			balanceDelta += amount
		}

		sc, outAddresses, _, err := txscript.ExtractPkScriptAddrs(
			txOut.PkScript, w.cfg.ChainParams,
		)
		if err != nil {
			log.Warnf("Cannot extract addresses from pkScript for "+
				"tx %v, output %d: %v", rec.Hash, i, err)

			outAddresses = nil
		}

		details.Outputs = append(details.Outputs, Output{
			Type:      sc,
			Addresses: outAddresses,
			PkScript:  txOut.PkScript,
			Index:     i,
			Amount:    amount,
			IsOurs:    isOurs,
		})
	}
	details.Value = balanceDelta

	// The fee is only known if all inputs are ours.
	if ourInputs == len(msgTx.TxIn) && ourInputs > 0 {
		details.Fee = totalInput - totalOutput
	}

	return details, nil
}

// Balance is the split of an account's funds by confirmation state.
type Balance struct {
	// Confirmed is the value of unspent confirmed outputs.
	Confirmed btcutil.Amount

	// Unconfirmed is the value of unspent unconfirmed outputs.
	Unconfirmed btcutil.Amount

	// Reserved is the part of the above held by live reservations.
	Reserved btcutil.Amount
}

// Total returns the confirmed plus unconfirmed value.
func (b Balance) Total() btcutil.Amount {
	return b.Confirmed + b.Unconfirmed
}

// Utxo is an unspent output of the wallet.
type Utxo struct {
	// OutPoint identifies the output.
	OutPoint wire.OutPoint

	// Value is the output value.
	Value btcutil.Amount

	// PkScript is the output script.
	PkScript []byte

	// Address is the address the output pays.
	Address btcutil.Address

	// Path is the derivation path of the key owning the output.
	Path waddrmgr.KeyPath

	// AddrType is the script form of the owning key.
	AddrType waddrmgr.AddressType

	// Height is the confirmation height, or chain.UnconfirmedHeight.
	Height uint32

	// Confirmations is the depth at the last reconciled tip.
	Confirmations uint32

	// Reserved is set if a live reservation holds the output.
	Reserved bool
}

// UnspentQuery filters ListUnspent.
type UnspentQuery struct {
	// Account restricts the result to the subtrees with this name. All
	// accounts are listed when empty.
	Account string

	// MinConfs is the minimum depth. Zero includes unconfirmed outputs.
	MinConfs uint32

	// IncludeReserved lists outputs held by live reservations too.
	IncludeReserved bool
}

// Balance returns the funds of the accounts with the given name, or of the
// whole wallet if the name is empty.
func (w *Wallet) Balance(ctx context.Context,
	accountName string) (*Balance, error) {

	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}

	ids, err := w.accountIDs(accountName)
	if err != nil {
		return nil, err
	}

	now := w.cfg.Clock.Now()
	balance := &Balance{}
	err = w.store.View(ctx, func(tx db.ReadTx) error {
		*balance = Balance{}

		return forEachUnspent(tx, ids, func(utxo *db.Utxo) error {
			if utxo.Confirmed() {
				balance.Confirmed += utxo.Value
			} else {
				balance.Unconfirmed += utxo.Value
			}

			live, err := reservedAt(tx, utxo, now)
			if err != nil {
				return err
			}
			if live {
				balance.Reserved += utxo.Value
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return balance, nil
}

// ListUnspent returns the unspent outputs matching the query ordered by
// outpoint within each account.
func (w *Wallet) ListUnspent(ctx context.Context,
	query UnspentQuery) ([]Utxo, error) {

	if err := w.state.validateOpen(); err != nil {
		return nil, err
	}

	ids, err := w.accountIDs(query.Account)
	if err != nil {
		return nil, err
	}

	now := w.cfg.Clock.Now()

	var utxos []Utxo
	err = w.store.View(ctx, func(tx db.ReadTx) error {
		utxos = nil

		tip, err := tipHeight(tx)
		if err != nil {
			return err
		}

		return forEachUnspent(tx, ids, func(utxo *db.Utxo) error {
			confs := utxo.Confirmations(tip)
			if confs < query.MinConfs {
				return nil
			}

			reserved, err := reservedAt(tx, utxo, now)
			if err != nil {
				return err
			}
			if reserved && !query.IncludeReserved {
				return nil
			}

			_, addrs, _, err := txscript.ExtractPkScriptAddrs(
				utxo.PkScript, w.cfg.ChainParams,
			)
			if err != nil || len(addrs) != 1 {
				return db.NewCorruptError(
					fmt.Sprintf("utxo/%v", utxo.OutPoint),
					fmt.Errorf("non standard script: %w",
						err),
				)
			}

			utxos = append(utxos, Utxo{
				OutPoint:      utxo.OutPoint,
				Value:         utxo.Value,
				PkScript:      utxo.PkScript,
				Address:       addrs[0],
				Path:          utxo.Path,
				AddrType:      utxo.AddrType,
				Height:        utxo.Height,
				Confirmations: confs,
				Reserved:      reserved,
			})

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return utxos, nil
}

// accountIDs returns the subtrees with the given name, or every subtree if
// the name is empty.
func (w *Wallet) accountIDs(name string) ([]waddrmgr.AccountID, error) {
	var ids []waddrmgr.AccountID
	for _, acct := range w.keyRing.Accounts() {
		if name == "" || acct.Name() == name {
			ids = append(ids, acct.ID())
		}
	}

	if name != "" && len(ids) == 0 {
		return nil, waddrmgr.ManagerError{
			ErrorCode:   waddrmgr.ErrAccountNotFound,
			Description: fmt.Sprintf("no account named %q", name),
		}
	}

	return ids, nil
}

// forEachUnspent calls f for every unspent output of the subtrees.
func forEachUnspent(tx db.ReadTx, ids []waddrmgr.AccountID,
	f func(*db.Utxo) error) error {

	for _, id := range ids {
		utxos, err := tx.UtxosByAccount(id)
		if err != nil {
			return err
		}

		for i := range utxos {
			if utxos[i].SpentBy.IsSome() {
				continue
			}

			if err := f(&utxos[i]); err != nil {
				return err
			}
		}
	}

	return nil
}

// reservedAt returns true if a reservation live at now holds the output.
func reservedAt(tx db.ReadTx, utxo *db.Utxo, now time.Time) (bool, error) {
	if utxo.ReservedBy.IsNone() {
		return false, nil
	}

	res, err := tx.Reservation(utxo.ReservedBy.UnsafeFromSome())
	switch {
	// A dangling marker does not hold the output.
	case errors.Is(err, db.ErrNotFound):
		return false, nil

	case err != nil:
		return false, err
	}

	return res.Live(now), nil
}

// tipHeight returns the height of the last reconciled tip, or zero before
// the first sync.
func tipHeight(tx db.ReadTx) (uint32, error) {
	tip, err := tx.Tip()
	switch {
	case errors.Is(err, db.ErrNotFound):
		return 0, nil

	case err != nil:
		return 0, err
	}

	return tip.Height, nil
}

// confirmations returns the depth of a height at the tip.
func confirmations(height, tip uint32) uint32 {
	if height == db.UnconfirmedHeight || height > tip {
		return 0
	}

	return tip - height + 1
}
