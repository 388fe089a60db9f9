package hotstuff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/executor"
	"github.com/luxfi/dan-consensus/statetree"
	"github.com/luxfi/dan-consensus/storage"
	"github.com/luxfi/dan-consensus/substatestore"
	"github.com/luxfi/dan-consensus/txpool"
	"github.com/luxfi/dan-consensus/types"
	"github.com/luxfi/dan-consensus/wire"
)

// AdmitTransaction validates and admits a mempool transaction: it stores
// the payload durably, derives initial evidence from the configured
// preshard/committee layout, and inserts a New pool record. Readiness is
// granted immediately for transactions whose inputs are all local.
func (w *Worker) AdmitTransaction(ctx context.Context, tx executor.Transaction) error {
	ev, allLocal, err := w.deriveEvidence(ctx, tx)
	if err != nil {
		return err
	}
	rec, err := txpool.AdmitFromMempool(tx.ID, ev, tx.Fee)
	if err != nil {
		return err
	}
	rec.IsReady = allLocal
	if err := w.pool.InsertNew(rec); err != nil {
		return err
	}

	wtx := w.store.WriteTx()
	wtx.PutTransaction(tx.ID, executor.EncodeTransaction(tx))
	wtx.PutPoolStage(tx.ID, storage.PoolStageRecord{Stage: uint8(rec.Stage), IsReady: rec.IsReady})
	if err := wtx.Commit(); err != nil {
		return err
	}
	if rec.IsReady {
		w.pm.BeatNow()
	}
	return nil
}

// deriveEvidence maps a transaction's declared inputs onto the shard
// groups seated this epoch; allLocal reports whether every input falls
// in the local group.
func (w *Worker) deriveEvidence(ctx context.Context, tx executor.Transaction) (block.Evidence, bool, error) {
	ev := block.Evidence{}
	allLocal := true
	for _, in := range tx.Inputs {
		addr := types.ToSubstateAddress(in.ID, in.Version)
		committee, err := w.epochs.GetCommitteeForSubstate(ctx, w.epoch, addr)
		if err != nil {
			return nil, false, err
		}
		sge := ev[committee.ShardGroup]
		sge.Inputs = append(sge.Inputs, block.LockedInput{VersionedID: in, Lock: types.LockWrite})
		ev[committee.ShardGroup] = sge
		if committee.ShardGroup != w.localGroup {
			allLocal = false
		}
	}
	return ev, allLocal, nil
}

// maybePropose builds and broadcasts a block if this validator leads the
// next height. Forced beats propose even with an empty command set to
// keep the chain advancing.
func (w *Worker) maybePropose(ctx context.Context, forced bool) {
	height := w.leaf.Height + 1
	isLeader, err := w.isLeaderAt(height)
	if err != nil {
		w.log.Warn("leader lookup failed", "height", uint64(height), "err", err)
		return
	}
	if !isLeader {
		return
	}
	if w.lastProposed.Height >= height && w.lastProposed.Epoch == w.epoch {
		return
	}
	if err := w.propose(ctx, height, w.leaf.BlockID, w.highQC); err != nil {
		w.log.Error("block proposal failed", "height", uint64(height), "err", err)
	}
}

// propose assembles, signs, persists and broadcasts a block at height
// extending parent, justified by justify.
func (w *Worker) propose(ctx context.Context, height types.NodeHeight, parent types.BlockID, justify block.QC) error {
	wtx := w.store.WriteTx()

	commands, totalLeaderFee, diffsByShard, err := w.buildCommands(ctx, wtx)
	if err != nil {
		wtx.Abort()
		return err
	}
	block.SortCommands(commands)

	stateRoot, err := w.stateRootWith(wtx, diffsByShard)
	if err != nil {
		wtx.Abort()
		return err
	}

	b := block.Block{
		Parent:          parent,
		JustifyQcID:     justify.ID(),
		Network:         string(w.cfg.Network),
		Height:          height,
		Epoch:           w.epoch,
		ShardGroup:      w.localGroup,
		TotalLeaderFee:  totalLeaderFee,
		StateMerkleRoot: stateRoot,
		Timestamp:       uint64(time.Now().Unix()),
		Commands:        commands,
	}
	b.CommandMerkleRoot = b.RecomputeCommandMerkleRoot()
	b.Sign(w.signer)

	blockID := b.ID()
	if err := wtx.PutBlock(b); err != nil {
		wtx.Abort()
		return err
	}
	if _, err := wtx.PutQC(justify); err != nil {
		wtx.Abort()
		return err
	}
	for shard, diff := range diffsByShard {
		if err := wtx.PutPendingTreeDiff(blockID, shard, diff); err != nil {
			wtx.Abort()
			return err
		}
	}
	w.lastProposed = storage.BlockCursor{BlockID: blockID, Height: height, Epoch: w.epoch}
	wtx.SetBlockCursor(storage.CursorLastProposed, w.lastProposed)

	// Foreign proposals sequenced in this block move New -> Proposed.
	for _, c := range commands {
		if c.Kind == block.KindForeignProposal {
			if err := w.foreign.MarkProposed(wtx, w.epoch, c.ForeignProposal.BlockID, blockID); err != nil {
				wtx.Abort()
				return err
			}
		}
	}
	if err := wtx.Commit(); err != nil {
		return err
	}

	w.blocksProposed.Inc()
	w.log.Info("proposing block",
		"height", uint64(height),
		"blockID", blockID,
		"commands", len(commands),
	)
	if err := w.sender.Broadcast(ctx, &wire.Proposal{Block: b}); err != nil {
		w.log.Warn("proposal broadcast failed", "err", err)
	}
	// Process our own proposal through the same path replicas use.
	return w.processProposal(ctx, b, justify)
}

// buildCommands selects the commands for the next block: eviction
// candidates first, pending foreign proposals, then every ready
// transaction advanced one stage (spec.md §4.D, §4.H OnBeat).
func (w *Worker) buildCommands(ctx context.Context, wtx *storage.WriteTx) ([]block.Command, uint64, map[types.Shard]*statetree.Diff, error) {
	var commands []block.Command
	var totalLeaderFee uint64
	diffs := make(map[types.Shard]*statetree.Diff)

	// Eviction candidates: validators past the missed-proposal threshold.
	for _, member := range w.committee.Members {
		stats, found, err := wtx.GetValidatorStats(w.epoch, member.PublicKey)
		if err != nil {
			return nil, 0, nil, err
		}
		if !found || stats.MissedProposals < w.cfg.MissedProposalEvictionThreshold {
			continue
		}
		evicted, err := wtx.IsEvicted(w.epoch, member.PublicKey)
		if err != nil {
			return nil, 0, nil, err
		}
		if !evicted {
			commands = append(commands, block.NewEvictNodeCommand(member.PublicKey))
		}
	}

	// Pending foreign proposals.
	pending, err := w.foreign.PendingForProposal(w.store.ReadTx(), w.epoch)
	if err != nil {
		return nil, 0, nil, err
	}
	for _, rec := range pending {
		commands = append(commands, block.NewForeignProposalCommand(block.ForeignProposalRef{
			ShardGroup: rec.SourceGroup,
			BlockID:    rec.BlockID,
		}))
	}

	// Ready transactions, each advanced one stage.
	ready := w.pool.Ready()
	overlay := substatestore.New(wtx.CommittedReader())
	for _, rec := range ready {
		cmd, fee, err := w.commandFor(ctx, wtx, overlay, rec, diffs)
		if err != nil {
			return nil, 0, nil, err
		}
		if cmd != nil {
			commands = append(commands, *cmd)
			totalLeaderFee += fee
		}
	}
	return commands, totalLeaderFee, diffs, nil
}

// commandFor derives the next command for one pool record based on its
// stage and accumulated evidence. A nil command means the transaction
// cannot advance in this block.
func (w *Worker) commandFor(
	ctx context.Context,
	wtx *storage.WriteTx,
	overlay *substatestore.Store,
	rec txpool.Record,
	diffs map[types.Shard]*statetree.Diff,
) (*block.Command, uint64, error) {
	switch rec.Stage {
	case txpool.StageNew:
		return w.sequenceNew(ctx, wtx, overlay, rec, diffs)

	case txpool.StagePrepared:
		atom := atomFrom(rec, nil)
		cmd, err := block.NewAtomCommand(block.KindLocalPrepare, atom)
		if err != nil {
			return nil, 0, err
		}
		return &cmd, 0, nil

	case txpool.StageLocalPrepared:
		kind, decision, ok := w.foreignPhaseOutcome(rec, true)
		if !ok {
			return nil, 0, nil // still waiting on foreign groups
		}
		atom := atomFrom(rec, nil)
		atom.Decision = decision
		cmd, err := block.NewAtomCommand(kind, atom)
		if err != nil {
			return nil, 0, err
		}
		return &cmd, 0, nil

	case txpool.StageAllPrepared, txpool.StageSomePrepared:
		atom := atomFrom(rec, nil)
		if rec.Stage == txpool.StageSomePrepared {
			atom.Decision = block.AbortDecision(block.AbortReasonForeignShardGroupDecidedToAbort)
		}
		cmd, err := block.NewAtomCommand(block.KindLocalAccept, atom)
		if err != nil {
			return nil, 0, err
		}
		return &cmd, 0, nil

	case txpool.StageLocalAccepted:
		kind, decision, ok := w.foreignPhaseOutcome(rec, false)
		if !ok {
			return nil, 0, nil
		}
		var fee uint64
		atom := atomFrom(rec, nil)
		atom.Decision = decision
		if kind == block.KindAllAccept && !decision.IsAbort {
			fee = leaderFeeFor(rec.TransactionFee)
			atom.LeaderFee = &fee
		}
		cmd, err := block.NewAtomCommand(kind, atom)
		if err != nil {
			return nil, 0, err
		}
		return &cmd, fee, nil

	default:
		return nil, 0, nil
	}
}

// sequenceNew executes a New-stage transaction and produces its first
// command: LocalOnly for single-group transactions, Prepare otherwise.
// Lock conflicts and execution failures abort the transaction, never the
// block (spec.md §4.B, §7).
func (w *Worker) sequenceNew(
	ctx context.Context,
	wtx *storage.WriteTx,
	overlay *substatestore.Store,
	rec txpool.Record,
	diffs map[types.Shard]*statetree.Diff,
) (*block.Command, uint64, error) {
	kind := block.KindPrepare
	if !rec.IsGlobal {
		kind = block.KindLocalOnly
	}

	decision, diff, execTime, err := w.executeForProposal(ctx, wtx, overlay, rec)
	if err != nil {
		return nil, 0, err
	}
	wtx.PutTransactionExecution(rec.ID, storage.ExecutionRecord{
		ResultPayload:   executor.EncodeDiff(diff),
		ExecutionTimeNs: uint64(execTime),
	})

	atom := atomFrom(rec, nil)
	atom.Decision = decision
	var fee uint64
	if kind == block.KindLocalOnly && !decision.IsAbort {
		fee = leaderFeeFor(rec.TransactionFee)
		atom.LeaderFee = &fee
		if err := w.stageDiff(wtx, rec.ID, diff, diffs); err != nil {
			return nil, 0, err
		}
	}
	cmd, err := block.NewAtomCommand(kind, atom)
	if err != nil {
		return nil, 0, err
	}
	return &cmd, fee, nil
}

// executeForProposal locks the transaction's local inputs and runs the
// executor; the returned decision reflects lock conflicts and execution
// rejections.
func (w *Worker) executeForProposal(
	ctx context.Context,
	wtx *storage.WriteTx,
	overlay *substatestore.Store,
	rec txpool.Record,
) (block.Decision, *executor.Diff, time.Duration, error) {
	raw, found, err := wtx.GetTransaction(rec.ID)
	if err != nil {
		return block.Decision{}, nil, 0, err
	}
	if !found {
		return block.AbortDecision(block.AbortReasonInputNotFound), nil, 0, nil
	}
	tx, err := executor.DecodeTransaction(raw)
	if err != nil {
		return block.Decision{}, nil, 0, err
	}

	localOnly := !rec.IsGlobal
	for sg, sge := range rec.Evidence {
		if sg != w.localGroup {
			continue
		}
		for _, in := range sge.Inputs {
			if err := overlay.TryLock(rec.ID, in.VersionedID, in.Lock, localOnly); err != nil {
				var conflict *substatestore.LockConflictError
				if errors.As(err, &conflict) {
					w.log.Info("transaction aborted on lock conflict",
						"txID", rec.ID,
						"substate", conflict.VersionedID.String(),
					)
					return block.AbortDecision(block.AbortReasonLockConflict), nil, 0, nil
				}
				return block.Decision{}, nil, 0, err
			}
		}
	}

	start := time.Now()
	result, err := w.exec.Execute(ctx, tx, overlay, w.virtualSubstates())
	elapsed := time.Since(start)
	if err != nil {
		return block.Decision{}, nil, 0, err
	}
	if !result.Finalize.Accept {
		w.log.Info("transaction rejected by executor",
			"txID", rec.ID,
			"reason", result.Finalize.RejectReason,
		)
		return block.AbortDecision(block.AbortReasonExecutionFailure), nil, elapsed, nil
	}
	return block.CommitDecision(), result.Finalize.Diff, elapsed, nil
}

func (w *Worker) virtualSubstates() executor.VirtualSubstates {
	var epochBytes [8]byte
	for i := 0; i < 8; i++ {
		epochBytes[i] = byte(uint64(w.epoch) >> (8 * i))
	}
	return executor.VirtualSubstates{
		executor.VirtualSubstateCurrentEpoch: epochBytes[:],
	}
}

// stageDiff folds one transaction's substate changes into the per-shard
// tree diffs accumulated for this block.
func (w *Worker) stageDiff(wtx *storage.WriteTx, txID types.TransactionID, diff *executor.Diff, diffs map[types.Shard]*statetree.Diff) error {
	if diff == nil {
		return nil
	}
	byShard := make(map[types.Shard][]statetree.Change)
	for _, c := range diff.Changes {
		addr := types.ToSubstateAddress(c.VersionedID.ID, c.VersionedID.Version)
		shard := addr.ShardOf(w.cfg.NumPreshards)
		byShard[shard] = append(byShard[shard], statetree.Change{
			ID:      c.VersionedID.ID,
			Version: c.VersionedID.Version,
			Removed: !c.Up,
		})
	}
	r := w.store.ReadTx()
	for shard, changes := range byShard {
		base := statetree.EmptyRoot()
		if existing, ok := diffs[shard]; ok {
			base = existing.Root
		} else if root, found, err := r.GetShardRoot(shard); err != nil {
			return err
		} else if found {
			base = root
		}
		tree := statetree.New(wtx.TreeNodeStore(shard))
		_, d, err := tree.ComputeDiff(base, changes)
		if err != nil {
			return fmt.Errorf("hotstuff: state tree diff for tx %s: %w", txID, err)
		}
		if existing, ok := diffs[shard]; ok {
			for h, n := range d.NewNodes {
				existing.NewNodes[h] = n
			}
			existing.StaleNodes = append(existing.StaleNodes, d.StaleNodes...)
			existing.Root = d.Root
		} else {
			diffs[shard] = d
		}
	}
	return nil
}

// stateRootWith merges the block's accumulated per-shard diff roots with
// the latest committed roots of untouched shards (spec.md §4.A policy).
func (w *Worker) stateRootWith(wtx *storage.WriteTx, diffs map[types.Shard]*statetree.Diff) ([32]byte, error) {
	roots := make(map[types.Shard]statetree.Hash)
	r := w.store.ReadTx()
	for shard := w.localGroup.Start; shard <= w.localGroup.End; shard++ {
		if d, ok := diffs[shard]; ok {
			roots[shard] = d.Root
			continue
		}
		root, found, err := r.GetShardRoot(shard)
		if err != nil {
			return [32]byte{}, err
		}
		if found {
			roots[shard] = root
		}
		if shard == w.localGroup.End {
			break // Shard is unsigned; guard wrap-around at the top end.
		}
	}
	merged := statetree.RootOfRoots(roots)
	return [32]byte(merged), nil
}

// foreignPhaseOutcome inspects foreign evidence for the prepare
// (prepare=true) or accept phase: ok is false while any involved foreign
// group has not reported; otherwise the all/some kind and decision are
// returned.
func (w *Worker) foreignPhaseOutcome(rec txpool.Record, prepare bool) (block.CommandKind, block.Decision, bool) {
	anyAbort := false
	for sg, sge := range rec.Evidence {
		if sg == w.localGroup {
			continue
		}
		var d *block.Decision
		if prepare {
			d = sge.PrepareDecision
		} else {
			d = sge.AcceptDecision
		}
		if d == nil {
			return 0, block.Decision{}, false
		}
		if d.IsAbort {
			anyAbort = true
		}
	}
	if prepare {
		if anyAbort {
			return block.KindSomePrepare, block.AbortDecision(block.AbortReasonForeignShardGroupDecidedToAbort), true
		}
		return block.KindAllPrepare, block.CommitDecision(), true
	}
	if anyAbort || rec.CurrentDecision.IsAbort {
		return block.KindSomeAccept, block.AbortDecision(block.AbortReasonForeignShardGroupDecidedToAbort), true
	}
	return block.KindAllAccept, block.CommitDecision(), true
}

// atomFrom snapshots a pool record into a transaction atom.
func atomFrom(rec txpool.Record, leaderFee *uint64) block.TransactionAtom {
	return block.TransactionAtom{
		ID:             rec.ID,
		Decision:       rec.CurrentDecision,
		Evidence:       rec.Evidence,
		TransactionFee: rec.TransactionFee,
		LeaderFee:      leaderFee,
	}
}

// leaderFeeFor is the leader's cut of a transaction fee. The full fee
// model lives with the execution layer; consensus takes the flat cut
// recorded in the atom.
func leaderFeeFor(transactionFee uint64) uint64 {
	return transactionFee / 20
}
