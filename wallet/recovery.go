package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/chain"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// forkSearchBatch is the number of reconciled block hashes compared with the
// indexer per round while looking for a fork point. Most reorgs are a few
// blocks deep, so the first round almost always finds it.
const forkSearchBatch = 10

// branchRecoveryState tracks address discovery on one branch of an account
// during a sync step.
//
// The branch is queried up to its horizon: the gap limit past the last used
// index, or the issue cursor if addresses were handed out beyond that. Every
// used index found moves the watermark, which may push the horizon out and
// require another round of queries.
type branchRecoveryState struct {
	acct   *waddrmgr.Account
	branch uint32

	// cursor is the sync cursor of the account, shared by both branches.
	// Its NextUnused entry is the watermark of this branch.
	cursor *db.SyncCursor

	// horizon is one past the highest index queried in this step.
	horizon uint32
}

// newBranchRecoveryState starts discovery on a branch with nothing queried.
func newBranchRecoveryState(acct *waddrmgr.Account, branch uint32,
	cursor *db.SyncCursor) *branchRecoveryState {

	return &branchRecoveryState{
		acct:   acct,
		branch: branch,
		cursor: cursor,
	}
}

// reportFound records activity on index.
func (b *branchRecoveryState) reportFound(index uint32) {
	if index >= b.cursor.NextUnused[b.branch] {
		b.cursor.NextUnused[b.branch] = index + 1
	}
}

// extendHorizon tracks the scripts between the queried horizon and the
// current discovery horizon and returns them. Nothing is returned once the
// gap limit is covered.
func (w *Wallet) extendHorizon(
	b *branchRecoveryState) ([]waddrmgr.TrackedScript, error) {

	target := w.discoveryHorizon(b.acct, b.cursor, b.branch)
	if target <= b.horizon {
		return nil, nil
	}

	tracked, err := w.trackRange(b.acct.ID(), b.branch, b.horizon, target)
	if err != nil {
		return nil, err
	}

	b.horizon = target
	b.cursor.Scanned[b.branch] = max(b.cursor.Scanned[b.branch], target)

	return tracked, nil
}

// recoverReorg rolls the store back to the highest reconciled block still on
// the indexer's main chain.
func (s *syncer) recoverReorg(ctx context.Context,
	prev db.BlockStamp) (*ReorgEvent, error) {

	fork, err := s.findFork(ctx, prev.Height)
	if err != nil {
		return nil, err
	}

	event := &ReorgEvent{
		OldTip: chain.BlockStamp(prev),
		Fork:   chain.BlockStamp(fork),
		Err: fmt.Errorf("%w: fork at height %d", ErrReorgDetected,
			fork.Height),
	}

	log.Warnf("%v: rolling back from %d (%v) to %d (%v)", ErrReorgDetected,
		prev.Height, prev.Hash, fork.Height, fork.Hash)

	event.Reverted, err = s.revertAbove(ctx, fork)
	if err != nil {
		return nil, err
	}

	log.Infof("Rolled back %d txns above height %d", len(event.Reverted),
		fork.Height)

	return event, nil
}

// findFork walks the reconciled block hashes down from height and returns the
// highest one the indexer agrees with. The zero stamp is returned when none
// matches, which rolls back every confirmed record.
func (s *syncer) findFork(ctx context.Context,
	height uint32) (db.BlockStamp, error) {

	next := height
	for {
		var stamps []db.BlockStamp
		err := s.w.store.View(ctx, func(tx db.ReadTx) error {
			var err error
			stamps, err = tx.BlockHashesAtOrBelow(next, forkSearchBatch)

			return err
		})
		if err != nil {
			return db.BlockStamp{}, err
		}

		if len(stamps) == 0 {
			return db.BlockStamp{}, nil
		}

		for _, stamp := range stamps {
			remote, err := s.blockHash(ctx, stamp.Height)
			if err != nil {
				return db.BlockStamp{}, err
			}

			if remote == stamp.Hash {
				return stamp, nil
			}

			log.Debugf("Block %d: have %v, indexer has %v",
				stamp.Height, stamp.Hash, remote)
		}

		last := stamps[len(stamps)-1].Height
		if last == 0 {
			return db.BlockStamp{}, nil
		}
		next = last - 1
	}
}

// revertAbove undoes every confirmed record above the fork in one batch.
// Spends made by orphaned txns are reopened, and orphaned txns that spend
// only surviving wallet outputs go back to pending with their inputs held,
// so they are rebroadcast and cannot be double spent by a new build. The
// derivation watermarks are kept.
func (s *syncer) revertAbove(ctx context.Context,
	fork db.BlockStamp) ([]chainhash.Hash, error) {

	now := s.w.cfg.Clock.Now()

	var (
		ops      []db.Op
		reverted []chainhash.Hash
	)
	err := s.w.store.View(ctx, func(tx db.ReadTx) error {
		ops, reverted = nil, nil

		utxos, err := tx.UtxosAbove(fork.Height)
		if err != nil {
			return err
		}

		orphaned := fn.NewSet[wire.OutPoint]()
		for _, utxo := range utxos {
			if !utxo.Confirmed() {
				continue
			}

			orphaned.Add(utxo.OutPoint)
		}

		txs, err := tx.TxsAbove(fork.Height)
		if err != nil {
			return err
		}

		var repend []db.Op
		for _, rec := range txs {
			if rec.Height == db.UnconfirmedHeight {
				continue
			}

			msgTx, err := decodeTx(rec.Raw, fmt.Sprintf("tx/%v",
				rec.Hash))
			if err != nil {
				return err
			}

			reopen, err := reopenSpends(tx, msgTx, rec.Hash)
			if err != nil {
				return err
			}

			ops = append(ops, reopen...)
			ops = append(ops, db.DeleteTx{Hash: rec.Hash})
			reverted = append(reverted, rec.Hash)

			pendOps, err := s.repend(tx, msgTx, &rec, orphaned, now)
			if err != nil {
				return err
			}
			repend = append(repend, pendOps...)
		}

		for _, utxo := range utxos {
			if orphaned.Contains(utxo.OutPoint) {
				ops = append(ops, db.DeleteUtxo{
					OutPoint: utxo.OutPoint,
				})
			}
		}

		// Reservations check their outputs, so they go after the
		// spends are reopened.
		ops = append(ops, repend...)

		accts, err := tx.Accounts()
		if err != nil {
			return err
		}

		for _, props := range accts {
			cursor, err := readCursor(tx, props.ID)
			if err != nil {
				return err
			}

			cursor.Height = fork.Height
			cursor.Hash = fork.Hash
			ops = append(ops, db.PutCursor{Cursor: *cursor})
		}

		ops = append(ops,
			db.DeleteBlockHashesAbove{Height: fork.Height},
			db.PutTip{Tip: fork},
		)

		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.w.store.AtomicBatch(ctx, ops); err != nil {
		return nil, fmt.Errorf("unable to roll back: %w", err)
	}

	return reverted, nil
}

// reopenSpends clears the spend markers msgTx set on wallet outputs.
func reopenSpends(tx db.ReadTx, msgTx *wire.MsgTx,
	hash chainhash.Hash) ([]db.Op, error) {

	var ops []db.Op
	for _, txIn := range msgTx.TxIn {
		utxo, err := tx.Utxo(txIn.PreviousOutPoint)
		switch {
		case errors.Is(err, db.ErrNotFound):
			continue

		case err != nil:
			return nil, err
		}

		if utxo.SpentBy.UnwrapOr(chainhash.Hash{}) != hash {
			continue
		}

		ops = append(ops, db.SetSpentBy{
			OutPoint: txIn.PreviousOutPoint,
			SpentBy:  fn.None[chainhash.Hash](),
		})
	}

	return ops, nil
}

// repend returns the operations that make an orphaned own tx pending again.
// Nothing is returned for txns that spend outputs of other orphaned txns or
// that the wallet did not fund entirely.
func (s *syncer) repend(tx db.ReadTx, msgTx *wire.MsgTx, rec *db.TxRecord,
	orphaned fn.Set[wire.OutPoint], now time.Time) ([]db.Op, error) {

	inputs, own, err := ownsAllInputs(tx, msgTx)
	if err != nil || !own {
		return nil, err
	}

	var totalIn btcutil.Amount
	outPoints := make([]wire.OutPoint, 0, len(inputs))
	for _, in := range inputs {
		if orphaned.Contains(in.OutPoint) {
			return nil, nil
		}

		totalIn += in.Value
		outPoints = append(outPoints, in.OutPoint)
	}

	var totalOut btcutil.Amount
	changeIndex := int32(-1)
	for i, out := range msgTx.TxOut {
		totalOut += btcutil.Amount(out.Value)

		s.w.tracker.IsOwned(out.PkScript).WhenSome(
			func(key waddrmgr.DerivedKey) {
				if changeIndex == -1 &&
					key.Path.Branch == waddrmgr.InternalBranch {

					changeIndex = int32(i)
				}
			},
		)
	}

	lockID, err := newLockID()
	if err != nil {
		return nil, err
	}

	log.Infof("Tx %v was reorged out, returning it to pending", rec.Hash)

	return []db.Op{
		db.ReserveOutputs{
			Reservation: db.Reservation{
				ID:        lockID,
				OutPoints: outPoints,
				TxHash:    fn.Some(rec.Hash),
				Broadcast: true,
			},
			Now: now,
		},
		db.PutPending{Tx: db.PendingTx{
			Hash:        rec.Hash,
			Raw:         rec.Raw,
			Account:     inputs[0].Path.AccountID(),
			LockID:      lockID,
			Inputs:      outPoints,
			Fee:         totalIn - totalOut,
			ChangeIndex: changeIndex,
			State:       db.PendingBroadcast,
			CreatedAt:   now,
		}},
	}, nil
}
