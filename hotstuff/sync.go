package hotstuff

import (
	"context"
	"fmt"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/executor"
	"github.com/luxfi/dan-consensus/storage"
	"github.com/luxfi/dan-consensus/txpool"
	"github.com/luxfi/dan-consensus/types"
	"github.com/luxfi/dan-consensus/wire"
)

// onReceiveForeignProposal ingests a foreign group's committed block:
// validate, record, check pledges, and fold the foreign phase decisions
// into the local pool records they affect (spec.md §4.I).
func (w *Worker) onReceiveForeignProposal(ctx context.Context, msg *wire.ForeignProposal) error {
	if err := w.foreign.Validate(msg); err != nil {
		return err
	}

	wtx := w.store.WriteTx()
	if _, err := w.foreign.Record(wtx, msg); err != nil {
		wtx.Abort()
		return err
	}

	sourceGroup := msg.Block.ShardGroup
	anyReady := false
	for _, c := range msg.Block.Commands {
		id := c.TransactionID()
		if id == (types.TransactionID{}) {
			continue
		}
		rec, ok := w.pool.Get(id)
		if !ok {
			continue
		}

		// Fold the foreign group's phase decision into local evidence.
		switch c.Kind {
		case block.KindLocalPrepare, block.KindSomePrepare:
			d := c.Atom.Decision
			if err := w.pool.UpdateForeignObservation(id, sourceGroup, &d, nil); err != nil {
				wtx.Abort()
				return err
			}
		case block.KindLocalAccept, block.KindAllAccept, block.KindSomeAccept:
			d := c.Atom.Decision
			if err := w.pool.UpdateForeignObservation(id, sourceGroup, nil, &d); err != nil {
				wtx.Abort()
				return err
			}
		default:
			continue
		}

		// Pledge satisfaction gates readiness; a bad pledge aborts the
		// transaction locally (spec.md §4.I step 7).
		if reason, err := w.foreign.CheckPledges(msg.Pledge, rec.Evidence); err != nil {
			w.log.Warn("foreign pledge unsatisfied",
				"txID", id,
				"err", err,
			)
			if err := w.foreign.MarkInvalid(wtx, msg.JustifyQC.Epoch, msg.Block.ID()); err != nil {
				w.log.Warn("marking foreign proposal invalid failed", "err", err)
			}
			if err := w.pool.SetDecision(id, block.AbortDecision(reason)); err != nil {
				wtx.Abort()
				return err
			}
		} else if err := w.pool.SetReady(id, true); err != nil {
			wtx.Abort()
			return err
		} else {
			anyReady = true
		}
	}
	if err := wtx.Commit(); err != nil {
		return err
	}
	if anyReady {
		w.pm.BeatNow()
	}
	return nil
}

// onForeignProposalNotification pulls the announced proposal if we do
// not hold it yet (spec.md §4.I push/pull catch-up).
func (w *Worker) onForeignProposalNotification(ctx context.Context, msg *wire.ForeignProposalNotification) error {
	_, found, err := w.store.ReadTx().GetForeignProposal(msg.Epoch, msg.BlockID)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	blockID := msg.BlockID
	return w.sender.Broadcast(ctx, &wire.ForeignProposalRequest{
		Epoch:     msg.Epoch,
		ByBlockID: &blockID,
	})
}

// onForeignProposalRequest serves a stored foreign proposal by block id
// or by transaction id.
func (w *Worker) onForeignProposalRequest(ctx context.Context, msg *wire.ForeignProposalRequest) error {
	r := w.store.ReadTx()
	var rec storage.ForeignProposalRecord
	switch {
	case msg.ByBlockID != nil:
		found := false
		var err error
		rec, found, err = r.GetForeignProposal(msg.Epoch, *msg.ByBlockID)
		if err != nil || !found {
			return err
		}
	case msg.ByTransactionID != nil:
		all, err := r.ForeignProposalsByEpoch(msg.Epoch)
		if err != nil {
			return err
		}
		found := false
		for _, candidate := range all {
			fp, _, err := w.foreign.Get(r, msg.Epoch, candidate.BlockID)
			if err != nil {
				continue
			}
			for _, c := range fp.Block.Commands {
				if c.TransactionID() == *msg.ByTransactionID {
					rec = candidate
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return nil
		}
	default:
		return fmt.Errorf("hotstuff: foreign proposal request names neither block nor transaction")
	}

	fp, _, err := w.foreign.Get(r, msg.Epoch, rec.BlockID)
	if err != nil {
		return err
	}
	return w.sender.Broadcast(ctx, fp)
}

// onMissingTransactionsRequest serves raw transaction payloads from the
// durable transactions table.
func (w *Worker) onMissingTransactionsRequest(ctx context.Context, msg *wire.MissingTransactionsRequest) error {
	r := w.store.ReadTx()
	resp := &wire.MissingTransactionsResponse{Epoch: msg.Epoch, BlockID: msg.BlockID}
	for _, id := range msg.Transactions {
		raw, found, err := r.GetTransaction(id)
		if err != nil {
			return err
		}
		if found {
			resp.Transactions = append(resp.Transactions, raw)
		}
	}
	if len(resp.Transactions) == 0 {
		return nil
	}
	return w.sender.Broadcast(ctx, resp)
}

// onMissingTransactionsResponse admits fetched transactions so the
// blocked proposal can be re-processed on the proposer's next advance.
func (w *Worker) onMissingTransactionsResponse(ctx context.Context, msg *wire.MissingTransactionsResponse) error {
	for _, raw := range msg.Transactions {
		tx, err := executor.DecodeTransaction(raw)
		if err != nil {
			return err
		}
		if w.pool.Exists(tx.ID) {
			continue
		}
		if err := w.AdmitTransaction(ctx, tx); err != nil {
			w.log.Warn("admitting fetched transaction failed",
				"txID", tx.ID,
				"err", err,
			)
		}
	}
	return nil
}

// requestCatchUpSync asks the committee for blocks we are missing after
// observing a future epoch or view.
func (w *Worker) requestCatchUpSync(ctx context.Context, epoch types.Epoch) error {
	w.pm.SuspendLeaderFailure()
	w.log.Info("starting catch-up sync",
		"targetEpoch", uint64(epoch),
		"leafHeight", uint64(w.leaf.Height),
	)
	return w.sender.Broadcast(ctx, &wire.CatchUpSyncRequest{
		Epoch:      epoch,
		FromHeight: w.leaf.Height,
		HighQC:     w.highQC,
	})
}

// onCatchUpSyncRequest serves a run of blocks above the requested height
// with their justify QCs.
func (w *Worker) onCatchUpSyncRequest(ctx context.Context, msg *wire.CatchUpSyncRequest) error {
	const maxSyncBlocks = 100
	r := w.store.ReadTx()
	resp := &wire.SyncResponse{Epoch: w.epoch}
	for h := msg.FromHeight + 1; h <= w.leaf.Height && len(resp.Blocks) < maxSyncBlocks; h++ {
		ids, err := r.GetBlocksAtHeight(w.epoch, h)
		if err != nil {
			return err
		}
		for _, id := range ids {
			blk, found, err := r.GetBlock(id)
			if err != nil || !found {
				continue
			}
			resp.Blocks = append(resp.Blocks, blk)
			if qc, found, err := r.GetQC(blk.JustifyQcID); err == nil && found {
				resp.QCs = append(resp.QCs, qc)
			}
		}
	}
	if len(resp.Blocks) == 0 {
		return nil
	}
	return w.sender.Broadcast(ctx, resp)
}

// onSyncResponse replays fetched blocks through the normal proposal
// path, then resumes the pacemaker's leader-failure timer.
func (w *Worker) onSyncResponse(ctx context.Context, msg *wire.SyncResponse) error {
	qcs := make(map[types.QcID]block.QC, len(msg.QCs))
	for _, qc := range msg.QCs {
		qcs[qc.ID()] = qc
	}
	var firstErr error
	for _, blk := range msg.Blocks {
		justify, ok := qcs[blk.JustifyQcID]
		if !ok {
			var err error
			var found bool
			justify, found, err = w.store.ReadTx().GetQC(blk.JustifyQcID)
			if err != nil || !found {
				continue
			}
		}
		if blk.IsDummy {
			wtx := w.store.WriteTx()
			if err := wtx.PutBlock(blk); err != nil {
				wtx.Abort()
				continue
			}
			if err := wtx.Commit(); err != nil {
				continue
			}
			continue
		}
		if err := w.processProposal(ctx, blk, justify); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.pm.ResumeLeaderFailure()
	return firstErr
}

// RebuildPool restores the in-memory pool from the persisted pool-stage
// table for a set of transaction ids, used on restart before Run.
func (w *Worker) RebuildPool(txIDs []types.TransactionID) error {
	r := w.store.ReadTx()
	for _, id := range txIDs {
		stage, found, err := r.GetPoolStage(id)
		if err != nil {
			return err
		}
		if !found || txpool.Stage(stage.Stage) == txpool.StageFinalized {
			continue
		}
		rec := txpool.Record{
			ID:      id,
			Stage:   txpool.Stage(stage.Stage),
			IsReady: stage.IsReady,
		}
		if stage.IsAbort {
			rec.CurrentDecision = block.AbortDecision(block.AbortReason(stage.AbortReason))
		}
		if err := w.pool.InsertRecovered(rec); err != nil {
			return err
		}
	}
	return nil
}
