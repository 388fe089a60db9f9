package hotstuff

import (
	"context"
	"fmt"
	"time"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/eviction"
	"github.com/luxfi/dan-consensus/executor"
	"github.com/luxfi/dan-consensus/pledge"
	"github.com/luxfi/dan-consensus/statetree"
	"github.com/luxfi/dan-consensus/storage"
	"github.com/luxfi/dan-consensus/types"
	"github.com/luxfi/dan-consensus/wire"
)

// commitChain applies the 3-chain commit rule after processing block b:
// with b = B''', B'' is justified, B' becomes locked, and B commits when
// every link is a direct parent (spec.md §4.H Commit rule, GLOSSARY).
func (w *Worker) commitChain(ctx context.Context, wtx *storage.WriteTx, b block.Block) error {
	b1, ok, err := w.chainStep(wtx, b.JustifyQcID, b.Parent)
	if err != nil || !ok {
		return err
	}
	b2, ok, err := w.chainStep(wtx, b1.JustifyQcID, b1.Parent)
	if err != nil || !ok {
		return err
	}

	// Two-chain: b2 locks. Locked never decreases (spec.md §5).
	if b2.Height > w.locked.Height {
		prevLocked := w.locked
		w.locked = storage.BlockCursor{BlockID: b2.ID(), Height: b2.Height, Epoch: b2.Epoch}
		wtx.SetBlockCursor(storage.CursorLockedBlock, w.locked)
		if err := w.onLocked(wtx, prevLocked, b2); err != nil {
			return err
		}
	}

	b3, ok, err := w.chainStep(wtx, b2.JustifyQcID, b2.Parent)
	if err != nil || !ok {
		return err
	}

	// Three-chain: b3 and everything beneath it commits.
	return w.commitUpTo(ctx, wtx, b3)
}

// chainStep resolves one justify link: it returns the justified block if
// it is the direct parent (dummy gaps break the link, as required).
func (w *Worker) chainStep(wtx *storage.WriteTx, justifyID types.QcID, parent types.BlockID) (block.Block, bool, error) {
	qc, found, err := wtx.GetQC(justifyID)
	if err != nil || !found {
		return block.Block{}, false, err
	}
	if qc.BlockID != parent || qc.BlockID == (types.BlockID{}) {
		return block.Block{}, false, nil
	}
	blk, found, err := wtx.GetBlock(qc.BlockID)
	if err != nil || !found {
		return block.Block{}, false, err
	}
	return blk, true, nil
}

// onLocked runs the lock-time effects for blocks between the previous
// and the new locked cursor: finalized transactions leave the pool and
// sequenced foreign proposals confirm (spec.md §3 Lifecycles, §4.I).
func (w *Worker) onLocked(wtx *storage.WriteTx, prev storage.BlockCursor, newlyLocked block.Block) error {
	cur := newlyLocked
	for {
		for _, c := range cur.Commands {
			switch c.Kind {
			case block.KindLocalOnly, block.KindAllAccept, block.KindSomeAccept:
				w.pool.Remove(c.Atom.ID)
				wtx.DeletePoolStage(c.Atom.ID)
			case block.KindForeignProposal:
				if err := w.foreign.MarkConfirmed(wtx, w.epoch, c.ForeignProposal.BlockID); err != nil {
					w.log.Warn("confirming foreign proposal failed",
						"foreignBlockID", c.ForeignProposal.BlockID,
						"err", err,
					)
				}
			}
		}
		if cur.Parent == prev.BlockID || cur.IsGenesis() {
			return nil
		}
		parent, found, err := wtx.GetBlock(cur.Parent)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if parent.Height <= prev.Height {
			return nil
		}
		cur = parent
	}
}

// commitUpTo commits every not-yet-executed ancestor up to and including
// target, oldest first.
func (w *Worker) commitUpTo(ctx context.Context, wtx *storage.WriteTx, target block.Block) error {
	if target.Height <= w.lastExecuted.Height && w.lastExecuted.BlockID != (types.BlockID{}) {
		return nil
	}

	// Walk back to the last executed block collecting the chain.
	var chain []block.Block
	cur := target
	for {
		chain = append(chain, cur)
		if cur.Parent == w.lastExecuted.BlockID || cur.IsGenesis() {
			break
		}
		parent, found, err := wtx.GetBlock(cur.Parent)
		if err != nil {
			return err
		}
		if !found {
			return invariant("missing ancestor %s while committing %s", cur.Parent, target.ID())
		}
		if parent.Height <= w.lastExecuted.Height {
			break
		}
		cur = parent
	}

	for i := len(chain) - 1; i >= 0; i-- {
		if err := w.commitBlock(ctx, wtx, chain[i]); err != nil {
			return err
		}
	}
	w.lastExecuted = storage.BlockCursor{BlockID: target.ID(), Height: target.Height, Epoch: target.Epoch}
	wtx.SetBlockCursor(storage.CursorLastExecuted, w.lastExecuted)
	return nil
}

// commitBlock finalises one block: state-tree diffs and substate changes
// apply durably, fees credit, evictions take effect with their proofs
// built, and foreign proposals go out to the other involved groups
// (spec.md §4.H Commit rule, §4.I, §4.J).
func (w *Worker) commitBlock(ctx context.Context, wtx *storage.WriteTx, blk block.Block) error {
	blockID := blk.ID()
	w.blocksCommitted.Inc()
	if blk.Timestamp > 0 {
		w.commitLatency.Observe(float64(time.Since(time.Unix(int64(blk.Timestamp), 0))))
	}

	// State tree: commit this block's pending diffs and advance the
	// per-shard roots; re-commits are no-ops by content addressing.
	diffs, err := wtx.PendingTreeDiffs(blockID)
	if err != nil {
		return err
	}
	for shard, diff := range diffs {
		tree := statetree.New(wtx.TreeNodeStore(shard))
		if err := tree.CommitDiff(diff); err != nil {
			return err
		}
		wtx.SetShardRoot(shard, diff.Root)
		for _, stale := range diff.StaleNodes {
			wtx.PutStaleTreeNode(shard, stale)
		}
	}
	if err := wtx.DeletePendingTreeDiffs(blockID); err != nil {
		return err
	}

	for i, c := range blk.Commands {
		switch c.Kind {
		case block.KindLocalOnly, block.KindAllAccept:
			if err := w.commitAtom(wtx, blk, c.Atom); err != nil {
				return err
			}
		case block.KindEvictNode:
			if err := w.commitEviction(ctx, wtx, blk, i); err != nil {
				return err
			}
		case block.KindMintConfidentialOutput:
			wtx.DeleteBurntUTXO(c.MintCommitment)
		case block.KindEndEpoch:
			if err := w.commitEndEpoch(wtx); err != nil {
				return err
			}
		}
	}

	if !blk.IsDummy {
		w.fees.Credit(blk.Epoch, blk.ProposedBy, blk.TotalLeaderFee)
	}

	w.log.Info("block committed",
		"blockID", blockID,
		"height", uint64(blk.Height),
		"commands", len(blk.Commands),
	)
	return w.emitForeignProposals(ctx, wtx, blk)
}

// commitAtom applies a finalising commit decision: the stored execution
// diff's substate transitions become durable.
func (w *Worker) commitAtom(wtx *storage.WriteTx, blk block.Block, atom *block.TransactionAtom) error {
	if atom.Decision.IsAbort {
		return nil
	}
	exec, found, err := wtx.GetTransactionExecution(atom.ID)
	if err != nil {
		return err
	}
	if !found {
		// Replica that never executed locally; the diff travels with the
		// evidence outputs and will be fetched via sync if state lags.
		return nil
	}
	diff, err := executor.DecodeDiff(exec.ResultPayload)
	if err != nil {
		return err
	}
	if diff == nil {
		return nil
	}
	for _, change := range diff.Changes {
		if change.Up {
			wtx.PutSubstateUp(change.VersionedID.ID, change.VersionedID.Version, change.Value)
		} else {
			wtx.PutSubstateDown(change.VersionedID.ID, change.VersionedID.Version)
		}
	}
	return nil
}

// commitEviction marks the validator evicted and builds the inclusion
// proof submitted to the base layer (spec.md §4.J).
func (w *Worker) commitEviction(ctx context.Context, wtx *storage.WriteTx, blk block.Block, cmdIndex int) error {
	pk := blk.Commands[cmdIndex].EvictPublicKey
	if err := wtx.MarkEvicted(blk.Epoch, pk); err != nil {
		return err
	}

	proof, err := eviction.Build(w.store.ReadTx(), w.highQC, blk.ID(), blk.Commands, cmdIndex)
	if err != nil {
		// The chain proof needs the commit block reachable from the tip
		// QC; if the tip moved on before we built it, log and continue.
		w.log.Warn("eviction proof build failed",
			"validator", pk,
			"err", err,
		)
		return nil
	}
	if err := w.epochs.AddIntentToEvictValidator(ctx, proof); err != nil {
		return fmt.Errorf("hotstuff: submit eviction intent: %w", err)
	}
	w.log.Info("eviction proof submitted", "validator", pk)
	return nil
}

// commitEndEpoch writes the epoch checkpoint bundling the current shard
// roots (spec.md §3 State Tree "root tree ... at epoch boundaries").
func (w *Worker) commitEndEpoch(wtx *storage.WriteTx) error {
	cp := statetree.Checkpoint{Epoch: w.epoch, ShardRoots: make(map[types.Shard]statetree.Hash)}
	for shard := w.localGroup.Start; ; shard++ {
		root, found, err := wtx.GetShardRoot(shard)
		if err != nil {
			return err
		}
		if found {
			cp.ShardRoots[shard] = root
		}
		if shard == w.localGroup.End {
			break
		}
	}
	wtx.PutEpochCheckpoint(cp)
	w.log.Info("epoch checkpoint written", "epoch", uint64(w.epoch))
	return nil
}

// emitForeignProposals sends (block, justify_qc, block_pledge) to every
// other shard group involved in the block's multi-shard commands
// (spec.md §4.I).
func (w *Worker) emitForeignProposals(ctx context.Context, wtx *storage.WriteTx, blk block.Block) error {
	groups := make(map[types.ShardGroup]bool)
	var bp pledge.BlockPledge
	for _, c := range blk.Commands {
		switch c.Kind {
		case block.KindLocalPrepare, block.KindSomePrepare, block.KindLocalAccept:
		default:
			continue
		}
		for sg, sge := range c.Atom.Evidence {
			if sg == w.localGroup {
				// Pledge our locked inputs at their evidence versions.
				for _, in := range sge.Inputs {
					value := w.pledgeValue(wtx, in.VersionedID)
					bp.Pledges = append(bp.Pledges, pledge.SubstatePledge{
						Kind:        pledge.KindInput,
						VersionedID: in.VersionedID,
						IsWrite:     in.Lock == types.LockWrite,
						Value:       value,
					})
				}
				continue
			}
			groups[sg] = true
		}
	}
	if len(groups) == 0 {
		return nil
	}

	justify, found, err := wtx.GetQC(blk.JustifyQcID)
	if err != nil {
		return err
	}
	if !found {
		return invariant("justify qc %s missing for committed block %s", blk.JustifyQcID, blk.ID())
	}
	msg := &wire.ForeignProposal{Block: blk, JustifyQC: justify, Pledge: bp}
	for sg := range groups {
		if err := w.sender.SendToGroup(ctx, sg, msg); err != nil {
			w.log.Warn("foreign proposal send failed",
				"group", sg.String(),
				"err", err,
			)
		}
	}
	return nil
}

// pledgeValue reads the substate value pledged for a versioned id; a
// missing value pledges a one-byte zero placeholder (the receiving group fails
// satisfaction checks if it needed a real value).
func (w *Worker) pledgeValue(wtx *storage.WriteTx, vid types.VersionedSubstateId) []byte {
	rec, found, err := wtx.GetSubstate(vid.ID, vid.Version)
	if err != nil || !found || !rec.IsUp {
		return []byte{0}
	}
	if len(rec.Value) == 0 {
		return []byte{0}
	}
	return rec.Value
}
