// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/chain"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

// usedScript is a tracked script with on-chain or mempool activity.
type usedScript struct {
	key    waddrmgr.DerivedKey
	script []byte

	// firstSeen is the lowest height the script was used at. Mempool
	// activity counts as the height after the tip.
	firstSeen uint32
}

// scriptHistory is the outcome of the query phase of a sync step.
type scriptHistory struct {
	// refs holds the txns to reconcile, keyed by txid.
	refs map[chainhash.Hash]chain.TxRef

	// seen holds every txid the indexer reported, including those above
	// the tip that are left for the next step.
	seen fn.Set[chainhash.Hash]

	// used holds the scripts with activity, keyed by script.
	used map[string]*usedScript

	// cursors are the advanced cursors of every account.
	cursors map[waddrmgr.AccountID]*db.SyncCursor
}

// addRefs records the history of a tracked script.
func (h *scriptHistory) addRefs(ts *waddrmgr.TrackedScript,
	refs []chain.TxRef, tip chain.BlockStamp) {

	used, ok := h.used[string(ts.Script)]
	if !ok {
		used = &usedScript{
			key:       ts.Key,
			script:    ts.Script,
			firstSeen: db.UnconfirmedHeight,
		}
		h.used[string(ts.Script)] = used
	}

	for _, ref := range refs {
		h.seen.Add(ref.TxID)

		height := tip.Height + 1
		if ref.Confirmed() {
			// Mined after the tip was fetched.
			if ref.Height > tip.Height {
				continue
			}

			height = ref.Height
		}

		used.firstSeen = min(used.firstSeen, height)
		h.refs[ref.TxID] = ref
	}
}

// branchKey identifies a branch of an account subtree.
type branchKey struct {
	id     waddrmgr.AccountID
	branch uint32
}

// queryHistory fetches the history of every tracked script up to the
// discovery horizon, extending the horizon while used indexes are found. No
// store lock is held while the indexer is queried.
func (s *syncer) queryHistory(ctx context.Context,
	tip chain.BlockStamp) (*scriptHistory, error) {

	accts := s.w.keyRing.Accounts()

	hist := &scriptHistory{
		refs: make(map[chainhash.Hash]chain.TxRef),
		seen: fn.NewSet[chainhash.Hash](),
		used: make(map[string]*usedScript),
	}

	err := s.w.store.View(ctx, func(tx db.ReadTx) error {
		var err error
		hist.cursors, err = readCursors(tx, accts)

		return err
	})
	if err != nil {
		return nil, err
	}

	branches := make(map[branchKey]*branchRecoveryState, 2*len(accts))
	for _, acct := range accts {
		for _, branch := range []uint32{
			waddrmgr.ExternalBranch, waddrmgr.InternalBranch,
		} {

			key := branchKey{id: acct.ID(), branch: branch}
			branches[key] = newBranchRecoveryState(
				acct, branch, hist.cursors[acct.ID()],
			)
		}
	}

	for round := 1; ; round++ {
		var scripts []waddrmgr.TrackedScript
		for _, b := range branches {
			tracked, err := s.w.extendHorizon(b)
			if err != nil {
				return nil, err
			}

			scripts = append(scripts, tracked...)
		}

		if len(scripts) == 0 {
			break
		}

		log.Debugf("Querying %d scripts (round %d)", len(scripts), round)

		histories, err := s.fetchHistories(ctx, scripts)
		if err != nil {
			return nil, err
		}

		for i, refs := range histories {
			if len(refs) == 0 {
				continue
			}

			path := scripts[i].Key.Path
			b := branches[branchKey{
				id: path.AccountID(), branch: path.Branch,
			}]
			b.reportFound(path.Index)

			hist.addRefs(&scripts[i], refs, tip)
		}
	}

	return hist, nil
}

// fetchHistories queries the history of every script with bounded
// concurrency. The result is in script order.
func (s *syncer) fetchHistories(ctx context.Context,
	scripts []waddrmgr.TrackedScript) ([][]chain.TxRef, error) {

	histories := make([][]chain.TxRef, len(scripts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.w.cfg.QueryConcurrency)

	for i := range scripts {
		g.Go(func() error {
			refs, err := chain.Retry(
				gctx, s.w.cfg.Retry, "script history",
				func(ctx context.Context) ([]chain.TxRef, error) {
					return s.w.cfg.Indexer.ScriptHistory(
						ctx, scripts[i].Script,
					)
				},
			)
			if err != nil {
				return fmt.Errorf("history of %v: %w",
					scripts[i].Key.Path, err)
			}

			histories[i] = refs

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return histories, nil
}

// reconcileSnapshot is the stored state a reconcile pass compares the
// indexer's view with.
type reconcileSnapshot struct {
	txs          map[chainhash.Hash]db.TxRecord
	unconfirmed  []db.TxRecord
	pending      map[chainhash.Hash]db.PendingTx
	reservations map[db.LockID]db.Reservation

	// byTxHash maps the tx a reservation was made for to its id.
	byTxHash map[chainhash.Hash]db.LockID

	// addrs holds the stored address records of used scripts.
	addrs map[string]db.AddressRecord

	// conflicts maps the pending txns dropped in this pass to the
	// confirmed tx that spent their inputs.
	conflicts map[chainhash.Hash]chainhash.Hash
}

// loadSnapshot reads the records a reconcile pass needs.
func loadSnapshot(tx db.ReadTx, hist *scriptHistory) (*reconcileSnapshot,
	error) {

	snap := &reconcileSnapshot{
		txs:          make(map[chainhash.Hash]db.TxRecord),
		pending:      make(map[chainhash.Hash]db.PendingTx),
		reservations: make(map[db.LockID]db.Reservation),
		byTxHash:     make(map[chainhash.Hash]db.LockID),
		addrs:        make(map[string]db.AddressRecord),
		conflicts:    make(map[chainhash.Hash]chainhash.Hash),
	}

	txs, err := tx.Txs()
	if err != nil {
		return nil, err
	}
	for _, rec := range txs {
		snap.txs[rec.Hash] = rec
		if rec.Height == db.UnconfirmedHeight {
			snap.unconfirmed = append(snap.unconfirmed, rec)
		}
	}

	pending, err := tx.PendingTxs()
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		snap.pending[p.Hash] = p
	}

	reservations, err := tx.Reservations()
	if err != nil {
		return nil, err
	}
	for _, res := range reservations {
		snap.reservations[res.ID] = res
		res.TxHash.WhenSome(func(hash chainhash.Hash) {
			snap.byTxHash[hash] = res.ID
		})
	}

	for script := range hist.used {
		rec, err := tx.Address([]byte(script))
		switch {
		case errors.Is(err, db.ErrNotFound):
			continue

		case err != nil:
			return nil, err
		}

		snap.addrs[script] = *rec
	}

	return snap, nil
}

// fetchedTx is a tx to commit in a reconcile pass.
type fetchedTx struct {
	ref   chain.TxRef
	msgTx *wire.MsgTx
	raw   []byte
	proof *chain.MerkleProof
}

// reconcile verifies the fetched history and commits it one height at a time
// in ascending order, unconfirmed txns last. The tip and cursors are written
// by a final batch, so an interrupted pass is picked up by the next step.
func (s *syncer) reconcile(ctx context.Context, tip chain.BlockStamp,
	hist *scriptHistory, res *SyncResult) error {

	var snap *reconcileSnapshot
	err := s.w.store.View(ctx, func(tx db.ReadTx) error {
		var err error
		snap, err = loadSnapshot(tx, hist)

		return err
	})
	if err != nil {
		return err
	}

	changed := s.changedRefs(hist, snap)

	fetched, err := s.fetchTxns(ctx, changed)
	if err != nil {
		return err
	}

	verified, err := s.verifyTxns(ctx, fetched)
	if err != nil {
		return err
	}

	slices.SortFunc(verified, func(a, b *fetchedTx) int {
		return cmp.Or(
			cmp.Compare(a.ref.Height, b.ref.Height),
			bytes.Compare(a.ref.TxID[:], b.ref.TxID[:]),
		)
	})

	written := fn.NewSet[string]()
	for start := 0; start < len(verified); {
		height := verified[start].ref.Height

		end := start
		for end < len(verified) && verified[end].ref.Height == height {
			end++
		}

		ops := s.heightOps(verified[start:end], hist, snap, written, res)
		if err := s.w.store.AtomicBatch(ctx, ops); err != nil {
			return fmt.Errorf("unable to commit height %d: %w",
				height, err)
		}

		start = end
	}

	final, err := s.finalOps(ctx, tip, hist, snap, written, res)
	if err != nil {
		return err
	}

	if err := s.w.store.AtomicBatch(ctx, final); err != nil {
		return fmt.Errorf("unable to commit tip %d: %w", tip.Height, err)
	}

	for id, cursor := range hist.cursors {
		for branch, next := range cursor.NextUnused {
			err := s.w.keyRing.AdvanceCursor(id, uint32(branch), next)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// changedRefs returns the refs whose stored record is missing or out of date.
func (s *syncer) changedRefs(hist *scriptHistory,
	snap *reconcileSnapshot) []*fetchedTx {

	var changed []*fetchedTx
	for _, ref := range hist.refs {
		stored, ok := snap.txs[ref.TxID]
		if ok && stored.Height == ref.Height &&
			stored.BlockHash == ref.BlockHash {

			continue
		}

		f := &fetchedTx{ref: ref}
		if ok {
			f.raw = stored.Raw
		}

		changed = append(changed, f)
	}

	return changed
}

// fetchTxns downloads the raw txns and merkle proofs the changed refs need.
func (s *syncer) fetchTxns(ctx context.Context,
	changed []*fetchedTx) ([]*fetchedTx, error) {

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.w.cfg.QueryConcurrency)

	for _, f := range changed {
		g.Go(func() error {
			if f.raw == nil {
				msgTx, err := chain.Retry(
					gctx, s.w.cfg.Retry, "transaction",
					func(ctx context.Context) (*wire.MsgTx,
						error) {

						return s.w.cfg.Indexer.Transaction(
							ctx, f.ref.TxID,
						)
					},
				)
				if err != nil {
					return fmt.Errorf("tx %v: %w", f.ref.TxID,
						err)
				}

				if msgTx.TxHash() != f.ref.TxID {
					return fmt.Errorf("%w: indexer returned "+
						"tx %v for %v", chain.ErrInvalidProof,
						msgTx.TxHash(), f.ref.TxID)
				}

				f.msgTx = msgTx
				f.raw, err = encodeTx(msgTx)
				if err != nil {
					return err
				}
			} else {
				var err error
				f.msgTx, err = decodeTx(
					f.raw, fmt.Sprintf("tx/%v", f.ref.TxID),
				)
				if err != nil {
					return err
				}
			}

			if !f.ref.Confirmed() {
				return nil
			}

			proof, err := chain.Retry(
				gctx, s.w.cfg.Retry, "merkle proof",
				func(ctx context.Context) (*chain.MerkleProof,
					error) {

					return s.w.cfg.Indexer.MerkleProof(
						ctx, f.ref.TxID,
					)
				},
			)
			if err != nil {
				return fmt.Errorf("proof of %v: %w", f.ref.TxID,
					err)
			}
			f.proof = proof

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return changed, nil
}

// verifyTxns checks every confirmed tx against the main chain: its block must
// be the one the indexer reports at its height, and the merkle proof must
// commit the tx to that block's header. Txns whose block left the main chain
// since the history was fetched are left for the next step. A proof that does
// not verify fails the step.
func (s *syncer) verifyTxns(ctx context.Context,
	fetched []*fetchedTx) ([]*fetchedTx, error) {

	mainChain := make(map[uint32]chainhash.Hash)
	headers := make(map[chainhash.Hash]*wire.BlockHeader)

	verified := make([]*fetchedTx, 0, len(fetched))
	for _, f := range fetched {
		if !f.ref.Confirmed() {
			verified = append(verified, f)
			continue
		}

		hash, ok := mainChain[f.ref.Height]
		if !ok {
			var err error
			hash, err = s.blockHash(ctx, f.ref.Height)
			if err != nil {
				return nil, err
			}
			mainChain[f.ref.Height] = hash
		}

		if hash != f.ref.BlockHash || f.proof.BlockHeight != f.ref.Height {
			log.Debugf("Tx %v: block %v at %d is not on the main "+
				"chain, deferring", f.ref.TxID, f.ref.BlockHash,
				f.ref.Height)

			continue
		}

		header, ok := headers[hash]
		if !ok {
			var err error
			header, err = chain.Retry(
				ctx, s.w.cfg.Retry, "block header",
				func(ctx context.Context) (*wire.BlockHeader,
					error) {

					return s.w.cfg.Indexer.BlockHeader(ctx, hash)
				},
			)
			if err != nil {
				return nil, err
			}

			if header.BlockHash() != hash {
				return nil, fmt.Errorf("%w: header for %v hashes "+
					"to %v", chain.ErrInvalidProof, hash,
					header.BlockHash())
			}
			headers[hash] = header
		}

		err := chain.VerifyMerkleProof(f.ref.TxID, f.proof, header)
		if err != nil {
			return nil, fmt.Errorf("tx %v in block %v: %w",
				f.ref.TxID, hash, err)
		}

		verified = append(verified, f)
	}

	return verified, nil
}

// heightOps builds the batch committing the txns of one height. Outputs are
// written before spends so a tx spending another one of the same block finds
// its input.
func (s *syncer) heightOps(txns []*fetchedTx, hist *scriptHistory,
	snap *reconcileSnapshot, written fn.Set[string],
	res *SyncResult) []db.Op {

	now := s.w.cfg.Clock.Now()

	var ops []db.Op
	for _, f := range txns {
		for i, out := range f.msgTx.TxOut {
			owned := s.w.tracker.IsOwned(out.PkScript)
			if owned.IsNone() {
				continue
			}

			key := owned.UnwrapOr(waddrmgr.DerivedKey{})
			ops = append(ops, db.MergeUtxo{Utxo: db.Utxo{
				OutPoint: wire.OutPoint{
					Hash:  f.ref.TxID,
					Index: uint32(i),
				},
				Value:     btcutil.Amount(out.Value),
				PkScript:  out.PkScript,
				Path:      key.Path,
				AddrType:  key.AddrType,
				Height:    f.ref.Height,
				BlockHash: f.ref.BlockHash,
				FirstSeen: now,
			}})

			ops = append(ops, addressOp(
				out.PkScript, hist, snap, written,
			)...)
		}
	}

	for _, f := range txns {
		for _, txIn := range f.msgTx.TxIn {
			ops = append(ops, db.SetSpentBy{
				OutPoint: txIn.PreviousOutPoint,
				SpentBy:  fn.Some(f.ref.TxID),
			})
		}

		rec := db.TxRecord{
			Hash:      f.ref.TxID,
			Raw:       f.raw,
			Height:    f.ref.Height,
			BlockHash: f.ref.BlockHash,
			Received:  now,
		}

		stored, ok := snap.txs[f.ref.TxID]
		switch {
		case !ok:
			res.NewTxs = append(res.NewTxs, f.ref.TxID)

		case stored.Height == db.UnconfirmedHeight && f.ref.Confirmed():
			res.Confirmed = append(res.Confirmed, f.ref.TxID)
		}

		if ok {
			rec.Received = stored.Received
			rec.Label = stored.Label
		}

		ops = append(ops, db.PutTx{Tx: rec})
		ops = append(ops, s.promotePending(f, snap)...)

		if f.ref.Confirmed() {
			ops = append(ops, s.conflictOps(f, snap, res)...)
		}
	}

	if txns[0].ref.Confirmed() {
		ops = append(ops, db.PutBlockHash{Block: db.BlockStamp{
			Height: txns[0].ref.Height,
			Hash:   txns[0].ref.BlockHash,
		}})
	}

	return ops
}

// promotePending moves the local records of a tx forward once the indexer
// reports it. A confirmed tx no longer needs its pending record or its
// reservation, since its inputs are now marked spent. A tx seen in the
// mempool was broadcast, so its reservation stops expiring.
func (s *syncer) promotePending(f *fetchedTx,
	snap *reconcileSnapshot) []db.Op {

	var ops []db.Op

	p, isPending := snap.pending[f.ref.TxID]
	lockID, reserved := snap.byTxHash[f.ref.TxID]
	if isPending {
		lockID = p.LockID
		_, reserved = snap.reservations[lockID]
	}

	if f.ref.Confirmed() {
		if isPending {
			ops = append(ops, db.DeletePending{Hash: p.Hash})
			delete(snap.pending, p.Hash)
		}

		if reserved {
			ops = append(ops, db.ReleaseReservation{ID: lockID})
			delete(snap.reservations, lockID)
		}

		return ops
	}

	if isPending && p.State == db.PendingBuilt {
		p.State = db.PendingBroadcast
		ops = append(ops, db.PutPending{Tx: p})
		snap.pending[p.Hash] = p
	}

	if res, ok := snap.reservations[lockID]; reserved && ok &&
		!res.Broadcast {

		res.Broadcast = true
		ops = append(ops, db.PutReservation{Reservation: res})
		snap.reservations[lockID] = res
	}

	return ops
}

// conflictOps drops the pending txns that spend an input of the confirmed tx
// f. They can never confirm, so their records and reservations go and they
// are not rebroadcast.
func (s *syncer) conflictOps(f *fetchedTx, snap *reconcileSnapshot,
	res *SyncResult) []db.Op {

	spent := fn.NewSet[wire.OutPoint]()
	for _, txIn := range f.msgTx.TxIn {
		spent.Add(txIn.PreviousOutPoint)
	}

	var losers []db.PendingTx
	for hash, p := range snap.pending {
		if hash == f.ref.TxID {
			continue
		}

		if slices.ContainsFunc(p.Inputs, spent.Contains) {
			losers = append(losers, p)
		}
	}
	slices.SortFunc(losers, func(a, b db.PendingTx) int {
		return bytes.Compare(a.Hash[:], b.Hash[:])
	})

	var ops []db.Op
	for _, p := range losers {
		log.Warnf("Pending tx %v was double spent by confirmed tx %v, "+
			"dropping it", p.Hash, f.ref.TxID)

		ops = append(ops, dropPendingOps(p.Hash, snap)...)
		snap.conflicts[p.Hash] = f.ref.TxID
		res.Discarded = append(res.Discarded, p.Hash)
	}

	return ops
}

// dropPendingOps returns the writes that delete a pending tx and release its
// reservation, and removes both from the snapshot.
func dropPendingOps(hash chainhash.Hash, snap *reconcileSnapshot) []db.Op {
	var ops []db.Op

	lockID := snap.byTxHash[hash]
	if p, ok := snap.pending[hash]; ok {
		ops = append(ops, db.DeletePending{Hash: hash})
		delete(snap.pending, hash)

		lockID = p.LockID
	}

	if _, reserved := snap.reservations[lockID]; reserved {
		ops = append(ops, db.ReleaseReservation{ID: lockID})
		delete(snap.reservations, lockID)
	}
	delete(snap.byTxHash, hash)

	return ops
}

// addressOp returns the write that records a used script, unless the stored
// record is current or the script was written earlier in this pass.
func addressOp(script []byte, hist *scriptHistory, snap *reconcileSnapshot,
	written fn.Set[string]) []db.Op {

	if written.Contains(string(script)) {
		return nil
	}

	used, ok := hist.used[string(script)]
	if !ok || used.firstSeen == db.UnconfirmedHeight {
		return nil
	}
	written.Add(string(script))

	rec, stored := snap.addrs[string(script)]
	switch {
	case !stored:
		rec = *newAddressRecord(&used.key, used.script)
		rec.FirstSeenHeight = used.firstSeen

	case rec.FirstSeenHeight == 0 || used.firstSeen < rec.FirstSeenHeight:
		rec.FirstSeenHeight = used.firstSeen

	default:
		return nil
	}

	return []db.Op{db.PutAddress{Record: rec}}
}

// finalOps builds the batch that ends a reconcile pass: unconfirmed txns the
// indexer no longer reports are dropped, the remaining used scripts are
// recorded and the tip and cursors move forward.
func (s *syncer) finalOps(ctx context.Context, tip chain.BlockStamp,
	hist *scriptHistory, snap *reconcileSnapshot, written fn.Set[string],
	res *SyncResult) ([]db.Op, error) {

	var ops []db.Op
	for _, rec := range snap.unconfirmed {
		if hist.seen.Contains(rec.Hash) {
			continue
		}

		discard, spender, err := s.discardOps(ctx, &rec, snap)
		if err != nil {
			return nil, err
		}
		ops = append(ops, discard...)

		// A pending tx dropped by conflictOps is already reported.
		if _, ok := snap.conflicts[rec.Hash]; ok {
			continue
		}

		if spender.IsSome() {
			log.Warnf("Tx %v was double spent by %v, dropping it",
				rec.Hash, spender.UnwrapOr(chainhash.Hash{}))
		} else {
			log.Infof("Tx %v left the mempool, dropping it",
				rec.Hash)
		}

		res.Discarded = append(res.Discarded, rec.Hash)
	}

	scripts := make([]string, 0, len(hist.used))
	for script := range hist.used {
		scripts = append(scripts, script)
	}
	slices.Sort(scripts)

	for _, script := range scripts {
		ops = append(ops, addressOp(
			[]byte(script), hist, snap, written,
		)...)
	}

	stamp := db.BlockStamp(tip)
	for _, cursor := range hist.cursors {
		cursor.Height = tip.Height
		cursor.Hash = tip.Hash
		ops = append(ops, db.PutCursor{Cursor: *cursor})
	}

	ops = append(ops,
		db.PutBlockHash{Block: stamp},
		db.PutTip{Tip: stamp},
	)

	return ops, nil
}

// discardOps returns the writes that forget an unconfirmed tx: its outputs
// are deleted and the spends it made are reopened. If another tx spent one of
// its wallet inputs, that spender is returned and a pending record of the tx
// is dropped with its reservation.
func (s *syncer) discardOps(ctx context.Context, rec *db.TxRecord,
	snap *reconcileSnapshot) ([]db.Op, fn.Option[chainhash.Hash], error) {

	spender := fn.None[chainhash.Hash]()

	msgTx, err := decodeTx(rec.Raw, fmt.Sprintf("tx/%v", rec.Hash))
	if err != nil {
		return nil, spender, err
	}

	ops := make([]db.Op, 0, len(msgTx.TxIn)+len(msgTx.TxOut)+1)
	for i := range msgTx.TxOut {
		ops = append(ops, db.DeleteUtxo{OutPoint: wire.OutPoint{
			Hash:  rec.Hash,
			Index: uint32(i),
		}})
	}

	err = s.w.store.View(ctx, func(tx db.ReadTx) error {
		spender = fn.None[chainhash.Hash]()

		for _, txIn := range msgTx.TxIn {
			utxo, err := tx.Utxo(txIn.PreviousOutPoint)
			switch {
			case errors.Is(err, db.ErrNotFound):
				continue

			case err != nil:
				return err
			}

			by := utxo.SpentBy.UnwrapOr(rec.Hash)
			if by != rec.Hash {
				spender = fn.Some(by)
				break
			}
		}

		reopen, err := reopenSpends(tx, msgTx, rec.Hash)
		if err != nil {
			return err
		}
		ops = append(ops, reopen...)

		return nil
	})
	if err != nil {
		return nil, spender, err
	}

	if spender.IsSome() {
		ops = append(ops, dropPendingOps(rec.Hash, snap)...)
	}

	return append(ops, db.DeleteTx{Hash: rec.Hash}), spender, nil
}
