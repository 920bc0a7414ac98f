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

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/idxwallet/unit"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrOutputsRequired is returned when a build request has no outputs.
	ErrOutputsRequired = errors.New("at least one output is required")

	// ErrDustOutput is returned when a requested output is below the dust
	// limit or otherwise not relayable.
	ErrDustOutput = errors.New("output is dust")

	// ErrFeeRateTooLarge is returned when the requested or estimated fee
	// rate exceeds the configured maximum.
	ErrFeeRateTooLarge = errors.New("fee rate too large")

	// ErrNoSpendableAccount is returned when no subtree of the requested
	// account can fund the build.
	ErrNoSpendableAccount = errors.New("no spendable account subtree")
)

// LockID identifies a reservation. It is returned with every build so the
// caller can release the inputs early.
type LockID = db.LockID

// TxCreator builds, signs and reserves transactions.
type TxCreator interface {
	// BuildTransaction selects inputs, adds change, signs every input
	// and reserves the inputs. The returned tx is not broadcast.
	BuildTransaction(ctx context.Context, req *BuildRequest) (*PendingTx,
		error)
}

// A compile time check to ensure that Wallet implements the interface.
var _ TxCreator = (*Wallet)(nil)

// FeePolicy picks the fee rate of a build.
type FeePolicy struct {
	// Rate is an explicit fee rate. If zero, the rate is estimated for
	// Target.
	Rate unit.SatPerKVByte

	// Target is the confirmation target used for estimation. If zero, the
	// wallet default is used.
	Target uint32
}

// BuildRequest describes a transaction to build.
//
// Inputs are drawn from every subtree of Account, whatever its address type,
// unless WitnessOnly restricts them to segwit subtrees. Change is paid to a
// fresh internal address of the subtree of Account with ChangeType.
type BuildRequest struct {
	// Outputs are the requested outputs. At least one is required.
	Outputs []*wire.TxOut

	// Account is the name of the funding account. The default account
	// is used when empty.
	Account string

	// ChangeType is the address type of the change output. Native
	// segwit is used when zero.
	ChangeType waddrmgr.AddressType

	// Fee picks the fee rate.
	Fee FeePolicy

	// MinConfs is the minimum depth of selected inputs. Zero allows
	// unconfirmed inputs.
	MinConfs uint32

	// WitnessOnly restricts inputs to nested and native segwit outputs.
	WitnessOnly bool

	// Inputs, if set, are spent as a whole instead of running coin
	// selection. They must belong to the account scope.
	Inputs []wire.OutPoint

	// Strategy orders the candidates of coin selection. Ascending depth
	// is used when nil.
	Strategy CoinSelectionStrategy
}

// validate checks the parts of the request that do not depend on wallet
// state.
func (r *BuildRequest) validate() error {
	if len(r.Outputs) == 0 {
		return ErrOutputsRequired
	}

	for i, out := range r.Outputs {
		if out == nil {
			return fmt.Errorf("%w: output %d is nil", ErrDustOutput, i)
		}

		err := txrules.CheckOutput(out, txrules.DefaultRelayFeePerKb)
		if err != nil {
			return fmt.Errorf("%w: output %d: %v", ErrDustOutput, i,
				err)
		}
	}

	return nil
}

// PendingTx is a signed transaction whose inputs are reserved.
type PendingTx struct {
	// Tx is the signed transaction.
	Tx *wire.MsgTx

	// Hash is the transaction id.
	Hash chainhash.Hash

	// LockID is the reservation holding the inputs.
	LockID LockID

	// Inputs are the spent outputs in input order.
	Inputs []wire.OutPoint

	// Fee is the absolute fee paid.
	Fee btcutil.Amount

	// FeeRate is the fee rate the build targeted.
	FeeRate unit.SatPerKVByte

	// ChangeIndex is the index of the change output, or -1 if the
	// leftover was given to the fee.
	ChangeIndex int

	// Expiry is the time the reservation lapses unless the tx is
	// broadcast.
	Expiry time.Time
}

// authoredTx is an unsigned, BIP-69 ordered transaction together with the
// wallet data needed to sign or annotate it.
type authoredTx struct {
	tx *wire.MsgTx

	// inputs are the spent outputs in input order.
	inputs []db.Utxo

	fee     btcutil.Amount
	feeRate unit.SatPerKVByte

	// changeIndex is -1 if there is no change output.
	changeIndex int

	// changeAcct is the subtree the change key comes from.
	changeAcct *waddrmgr.Account

	// changeKey is the key the next change issue returns. It is only
	// committed if changeIndex is not -1.
	changeKey    *waddrmgr.DerivedKey
	changeScript []byte
}

// outPoints returns the spent outpoints in input order.
func (a *authoredTx) outPoints() []wire.OutPoint {
	ops := make([]wire.OutPoint, 0, len(a.inputs))
	for _, in := range a.inputs {
		ops = append(ops, in.OutPoint)
	}

	return ops
}

// BuildTransaction selects inputs, adds change, signs every input and
// reserves the inputs in one batch with the pending tx record.
//
// This is part of the TxCreator interface.
func (w *Wallet) BuildTransaction(ctx context.Context,
	req *BuildRequest) (*PendingTx, error) {

	if err := w.state.canSign(); err != nil {
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

	authored, err := w.authorTx(ctx, req, feeRate, false)
	if err != nil {
		return nil, err
	}

	if err := w.signTx(authored.tx, authored.inputs); err != nil {
		return nil, err
	}

	pending, err := w.commitBuild(ctx, authored, true)
	if err != nil {
		return nil, err
	}

	log.Infof("Built tx %v spending %d inputs, fee %v (%v)", pending.Hash,
		len(pending.Inputs), pending.Fee, pending.FeeRate)
	log.Tracef("Built tx: %v", newLogClosure(func() string {
		return spewTx(pending.Tx)
	}))

	return pending, nil
}

// resolveFeeRate returns the fee rate of a build, floored at the relay fee
// and capped by the configured maximum.
func (w *Wallet) resolveFeeRate(ctx context.Context,
	policy FeePolicy) (unit.SatPerKVByte, error) {

	rate := policy.Rate
	if rate == 0 {
		target := policy.Target
		if target == 0 {
			target = w.cfg.FeeTarget
		}

		var err error
		rate, err = w.cfg.FeeEstimator.EstimateFeeRate(ctx, target)
		if err != nil {
			return 0, fmt.Errorf("unable to estimate fee: %w", err)
		}
	}

	rate = rate.Max(unit.SatPerKVByte(txrules.DefaultRelayFeePerKb))
	if rate > w.cfg.MaxFeeRate {
		return 0, fmt.Errorf("%w: %v exceeds %v", ErrFeeRateTooLarge,
			rate, w.cfg.MaxFeeRate)
	}

	return rate, nil
}

// fundingAccounts returns the subtrees a request may spend from.
func (w *Wallet) fundingAccounts(req *BuildRequest,
	allowWatchOnly bool) ([]*waddrmgr.Account, error) {

	name := req.Account
	if name == "" {
		name = waddrmgr.DefaultAccountName
	}

	var accts []*waddrmgr.Account
	for _, acct := range w.keyRing.Accounts() {
		switch {
		case acct.Name() != name:
			continue

		case acct.WatchOnly() && !allowWatchOnly:
			continue

		case req.WitnessOnly && !acct.AddrType().IsWitness():
			continue
		}

		accts = append(accts, acct)
	}

	if len(accts) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoSpendableAccount, name)
	}

	return accts, nil
}

// authorTx runs coin selection and lays out the unsigned tx. The caller must
// hold newAddrMtx so the peeked change key stays the next one issued.
func (w *Wallet) authorTx(ctx context.Context, req *BuildRequest,
	feeRate unit.SatPerKVByte, allowWatchOnly bool) (*authoredTx, error) {

	accts, err := w.fundingAccounts(req, allowWatchOnly)
	if err != nil {
		return nil, err
	}

	changeType := req.ChangeType
	if changeType == 0 {
		changeType = waddrmgr.WitnessPubKey
	}

	name := req.Account
	if name == "" {
		name = waddrmgr.DefaultAccountName
	}

	changeAcct, err := w.accountByName(name, changeType)
	if err != nil {
		return nil, err
	}

	changeKey, changeScript, err := w.peekAddress(
		changeAcct, waddrmgr.InternalBranch,
	)
	if err != nil {
		return nil, err
	}

	scriptSize, err := changeType.PkScriptSize()
	if err != nil {
		return nil, err
	}

	strategy := req.Strategy
	if strategy == nil {
		strategy = CoinSelectionAscendingDepth
	}

	var inputSource txauthor.InputSource
	err = w.store.View(ctx, func(tx db.ReadTx) error {
		tip, err := tipHeight(tx)
		if err != nil {
			return err
		}

		filter := &coinFilter{
			accounts: accts,
			minConfs: req.MinConfs,
			tip:      tip,
			now:      w.cfg.Clock.Now(),
		}

		if len(req.Inputs) > 0 {
			coins, err := explicitCoins(tx, filter, req.Inputs)
			if err != nil {
				return err
			}

			inputSource = constantInputSource(coins)

			return nil
		}

		coins, err := eligibleCoins(tx, filter)
		if err != nil {
			return err
		}

		log.Debugf("Coin selection over %d eligible outputs of %q",
			len(coins), name)

		inputSource = makeInputSource(
			strategy.ArrangeCoins(coins, feeRate.Val()),
		)

		return nil
	})
	if err != nil {
		return nil, err
	}

	changeSource := &txauthor.ChangeSource{
		NewScript: func() ([]byte, error) {
			return changeScript, nil
		},
		ScriptSize: scriptSize,
	}

	unsigned, err := txauthor.NewUnsignedTransaction(
		req.Outputs, feeRate.Val(), inputSource, changeSource,
	)
	if err != nil {
		return nil, err
	}

	return w.layoutTx(ctx, unsigned, feeRate, changeAcct, changeKey,
		changeScript)
}

// layoutTx drops change below the minimum, applies BIP-69 ordering and
// resolves the spent outputs in the final input order.
func (w *Wallet) layoutTx(ctx context.Context, unsigned *txauthor.AuthoredTx,
	feeRate unit.SatPerKVByte, changeAcct *waddrmgr.Account,
	changeKey *waddrmgr.DerivedKey, changeScript []byte) (*authoredTx,
	error) {

	tx := unsigned.Tx

	// Change below the minimum is given to the fee.
	if unsigned.ChangeIndex >= 0 {
		change := btcutil.Amount(tx.TxOut[unsigned.ChangeIndex].Value)
		if change < w.cfg.MinChangeValue {
			log.Debugf("Dropping change of %v below minimum %v",
				change, w.cfg.MinChangeValue)

			tx.TxOut = append(
				tx.TxOut[:unsigned.ChangeIndex],
				tx.TxOut[unsigned.ChangeIndex+1:]...,
			)
			unsigned.ChangeIndex = -1
		}
	}

	txsort.InPlaceSort(tx)

	changeIndex := -1
	if unsigned.ChangeIndex >= 0 {
		for i, out := range tx.TxOut {
			if bytes.Equal(out.PkScript, changeScript) {
				changeIndex = i
				break
			}
		}
	}

	var totalOut btcutil.Amount
	for _, out := range tx.TxOut {
		totalOut += btcutil.Amount(out.Value)
	}

	inputs := make([]db.Utxo, 0, len(tx.TxIn))
	err := w.store.View(ctx, func(dbTx db.ReadTx) error {
		inputs = inputs[:0]

		for _, txIn := range tx.TxIn {
			utxo, err := dbTx.Utxo(txIn.PreviousOutPoint)
			if err != nil {
				return err
			}

			inputs = append(inputs, *utxo)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &authoredTx{
		tx:           tx,
		inputs:       inputs,
		fee:          unsigned.TotalInput - totalOut,
		feeRate:      feeRate,
		changeIndex:  changeIndex,
		changeAcct:   changeAcct,
		changeKey:    changeKey,
		changeScript: changeScript,
	}, nil
}

// commitBuild reserves the inputs and, for signed txns, records the pending
// tx. The change key is issued in the same batch. Nothing is written if ctx
// is already done. The caller must hold newAddrMtx.
func (w *Wallet) commitBuild(ctx context.Context, authored *authoredTx,
	signed bool) (*PendingTx, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lockID, err := newLockID()
	if err != nil {
		return nil, err
	}

	now := w.cfg.Clock.Now()
	hash := authored.tx.TxHash()
	expiry := now.Add(w.cfg.ReservationTimeout)

	ops := []db.Op{db.ReserveOutputs{
		Reservation: db.Reservation{
			ID:        lockID,
			OutPoints: authored.outPoints(),
			Expiry:    expiry,
			TxHash:    fn.Some(hash),
		},
		Now: now,
	}}

	if signed {
		var raw bytes.Buffer
		if err := authored.tx.Serialize(&raw); err != nil {
			return nil, err
		}

		ops = append(ops, db.PutPending{Tx: db.PendingTx{
			Hash:        hash,
			Raw:         raw.Bytes(),
			Account:     authored.changeAcct.ID(),
			LockID:      lockID,
			Inputs:      authored.outPoints(),
			Fee:         authored.fee,
			ChangeIndex: int32(authored.changeIndex),
			State:       db.PendingBuilt,
			CreatedAt:   now,
		}})
	}

	if authored.changeIndex >= 0 {
		_, _, err = w.issueAddressLocked(
			ctx, authored.changeAcct, waddrmgr.InternalBranch,
			authored.changeScript,
			func(*waddrmgr.DerivedKey) ([]db.Op, error) {
				return ops, nil
			},
		)
	} else {
		err = w.store.AtomicBatch(ctx, ops)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to reserve inputs: %w", err)
	}

	return &PendingTx{
		Tx:          authored.tx,
		Hash:        hash,
		LockID:      lockID,
		Inputs:      authored.outPoints(),
		Fee:         authored.fee,
		FeeRate:     authored.feeRate,
		ChangeIndex: authored.changeIndex,
		Expiry:      expiry,
	}, nil
}
