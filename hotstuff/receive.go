package hotstuff

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/luxfi/dan-consensus/block"
	dancrypto "github.com/luxfi/dan-consensus/crypto"
	"github.com/luxfi/dan-consensus/storage"
	"github.com/luxfi/dan-consensus/txpool"
	"github.com/luxfi/dan-consensus/types"
	"github.com/luxfi/dan-consensus/validation"
	"github.com/luxfi/dan-consensus/wire"
)

// onReceiveProposal validates a received proposal and, if it checks out,
// runs it through the shared processing path (spec.md §4.H
// OnReceiveProposal).
func (w *Worker) onReceiveProposal(ctx context.Context, msg *wire.Proposal) error {
	b := msg.Block
	justify, err := w.resolveJustify(b)
	if err != nil {
		w.recordNoVote(b, NoVoteJustifyBlockNotFound)
		return err
	}

	params := validation.Params{
		Config:         w.cfg,
		CurrentEpoch:   w.epoch,
		EpochTolerance: 1,
		Committee:      w.committee,
		IsEvicted:      w.isEvicted,
	}
	if err := validation.ValidateProposal(params, b, justify); err != nil {
		if errors.Is(err, validation.ErrFutureEpoch) {
			return w.requestCatchUpSync(ctx, b.Epoch)
		}
		w.recordNoVote(b, NoVoteProposalValidationFailed)
		return fmt.Errorf("hotstuff: proposal rejected: %w", err)
	}

	// Any transaction this block sequences that we have never seen must
	// be fetched before the block can be processed.
	if missing := w.missingTransactions(b); len(missing) > 0 {
		w.recordNoVote(b, NoVoteTransactionsMissing)
		return w.requestMissingTransactions(ctx, b, missing)
	}

	return w.processProposal(ctx, b, justify)
}

// resolveJustify loads the QC a proposal claims to be justified by,
// falling back to the genesis QC it references.
func (w *Worker) resolveJustify(b block.Block) (block.QC, error) {
	if qc, found, err := w.store.ReadTx().GetQC(b.JustifyQcID); err != nil {
		return block.QC{}, err
	} else if found {
		return qc, nil
	}
	if w.highQC.ID() == b.JustifyQcID {
		return w.highQC, nil
	}
	genesis := block.GenesisQC(b.Epoch, w.localGroup)
	if genesis.ID() == b.JustifyQcID {
		return genesis, nil
	}
	return block.QC{}, fmt.Errorf("hotstuff: justify qc %s not found", b.JustifyQcID)
}

// missingTransactions returns the sequenced transaction ids absent from
// the pool and the durable store.
func (w *Worker) missingTransactions(b block.Block) []types.TransactionID {
	var missing []types.TransactionID
	r := w.store.ReadTx()
	for _, c := range b.Commands {
		id := c.TransactionID()
		if id == (types.TransactionID{}) {
			continue
		}
		if w.pool.Exists(id) {
			continue
		}
		if _, found, err := r.GetTransaction(id); err == nil && found {
			continue
		}
		missing = append(missing, id)
		if uint32(len(missing)) >= w.cfg.MaxWantListLen {
			break
		}
	}
	return missing
}

func (w *Worker) requestMissingTransactions(ctx context.Context, b block.Block, missing []types.TransactionID) error {
	w.log.Info("requesting missing transactions",
		"blockID", b.ID(),
		"count", len(missing),
	)
	return w.sender.Send(ctx, b.ProposedBy, &wire.MissingTransactionsRequest{
		Epoch:        b.Epoch,
		BlockID:      b.ID(),
		Transactions: missing,
	})
}

// processProposal is the shared processing path for own and received
// proposals: apply pool transitions, persist, chain the QC, run the
// commit rule, and vote if the block is safe.
func (w *Worker) processProposal(ctx context.Context, b block.Block, justify block.QC) error {
	blockID := b.ID()
	wtx := w.store.WriteTx()

	// Advance the pool state machine for every atom command. A stage
	// skip is a protocol error that rejects the whole block (spec.md §5).
	if err := w.applyCommands(wtx, b); err != nil {
		wtx.Abort()
		if errors.Is(err, txpool.ErrProtocolStageSkip) {
			w.recordNoVote(b, NoVoteStageSkip)
		}
		return err
	}

	if err := wtx.PutBlock(b); err != nil {
		wtx.Abort()
		return err
	}
	if _, err := wtx.PutQC(justify); err != nil {
		wtx.Abort()
		return err
	}
	if _, err := w.updateHighQC(wtx, justify); err != nil {
		wtx.Abort()
		return err
	}

	if b.Height > w.leaf.Height {
		leaf := storage.BlockCursor{BlockID: blockID, Height: b.Height, Epoch: b.Epoch}
		wtx.SetBlockCursor(storage.CursorLeafBlock, leaf)
		w.setView(w.epoch, leaf)
	}

	// Commit rule: a 3-chain behind this block finalises its tail.
	if err := w.commitChain(ctx, wtx, b); err != nil {
		wtx.Abort()
		return err
	}

	// The proposer is live; clear its missed-proposal counter.
	if !b.IsDummy {
		wtx.PutValidatorStats(w.epoch, b.ProposedBy, storage.ValidatorStatsRecord{
			MissedProposals: 0,
			LastSeenHeight:  b.Height,
		})
	}

	vote, reason := w.decideVote(b)
	if vote {
		w.lastVoted = storage.BlockCursor{BlockID: blockID, Height: b.Height, Epoch: b.Epoch}
		wtx.SetBlockCursor(storage.CursorLastVoted, w.lastVoted)
	}
	if err := wtx.Commit(); err != nil {
		return err
	}

	w.pm.Reset(nil, w.leaf.Height, true)

	if !vote {
		if reason != NoVoteNone {
			w.recordNoVote(b, reason)
		}
		return nil
	}
	return w.sendVote(ctx, b)
}

// applyCommands drives the pool transitions a block's commands imply.
func (w *Worker) applyCommands(wtx *storage.WriteTx, b block.Block) error {
	for _, c := range b.Commands {
		switch c.Kind {
		case block.KindForeignProposal:
			// Replicas observe the foreign proposal being sequenced.
			if err := w.foreign.MarkProposed(wtx, w.epoch, c.ForeignProposal.BlockID, b.ID()); err != nil {
				w.log.Warn("foreign proposal not found while marking proposed",
					"foreignBlockID", c.ForeignProposal.BlockID,
				)
			}
		case block.KindEvictNode, block.KindMintConfidentialOutput, block.KindEndEpoch:
			// Effects apply at commit time.
		default:
			if err := w.pool.ApplyCommand(c.Kind, *c.Atom); err != nil {
				return err
			}
			wtx.PutPoolStage(c.Atom.ID, storage.PoolStageRecord{
				Stage:       poolStageAfter(c.Kind),
				IsAbort:     c.Atom.Decision.IsAbort,
				AbortReason: uint8(c.Atom.Decision.Reason),
			})
		}
	}
	return nil
}

// poolStageAfter mirrors the pool's transition table for persistence.
func poolStageAfter(kind block.CommandKind) uint8 {
	switch kind {
	case block.KindPrepare:
		return uint8(txpool.StagePrepared)
	case block.KindLocalPrepare:
		return uint8(txpool.StageLocalPrepared)
	case block.KindAllPrepare:
		return uint8(txpool.StageAllPrepared)
	case block.KindSomePrepare:
		return uint8(txpool.StageSomePrepared)
	case block.KindLocalAccept:
		return uint8(txpool.StageLocalAccepted)
	default:
		return uint8(txpool.StageFinalized)
	}
}

// decideVote applies the safety rule: vote only on strictly increasing
// heights, and only for blocks extending the locked block or justified
// above it (spec.md §4.H, GLOSSARY "Locked block").
func (w *Worker) decideVote(b block.Block) (bool, NoVoteReason) {
	if b.IsDummy {
		return false, NoVoteNone
	}
	if b.Height <= w.lastVoted.Height && w.lastVoted.BlockID != (types.BlockID{}) {
		return false, NoVoteAlreadyVotedAtHeight
	}
	if w.locked.BlockID != (types.BlockID{}) {
		extends, err := w.extendsBlock(b, w.locked.BlockID)
		if err != nil || (!extends && w.highQC.BlockHeight <= w.locked.Height) {
			return false, NoVoteNotSafeBlock
		}
	}
	return true, NoVoteNone
}

// extendsBlock walks parents from b looking for ancestor.
func (w *Worker) extendsBlock(b block.Block, ancestor types.BlockID) (bool, error) {
	r := w.store.ReadTx()
	cur := b.Parent
	for i := 0; i < 1024; i++ {
		if cur == ancestor {
			return true, nil
		}
		parent, found, err := r.GetBlock(cur)
		if err != nil || !found {
			return false, err
		}
		if parent.IsGenesis() {
			return false, nil
		}
		cur = parent.Parent
	}
	return false, nil
}

func (w *Worker) sendVote(ctx context.Context, b block.Block) error {
	msg := block.MakeVoteMessage(b.ID(), block.QcAccept)
	sig := w.signer.Sign(msg)
	vote := &wire.Vote{
		Epoch:       b.Epoch,
		BlockHeight: b.Height,
		BlockID:     b.ID(),
		Decision:    block.QcAccept,
		Signer:      w.localKey,
		Signature:   sig.Bytes(),
	}

	nextLeader, err := validation.Leader(w.committee, b.Height+1, w.isEvicted)
	if err != nil {
		return err
	}
	if nextLeader.PublicKey == w.localKey {
		return w.onReceiveVote(ctx, vote)
	}
	return w.sender.Send(ctx, nextLeader.PublicKey, vote)
}

func (w *Worker) recordNoVote(b block.Block, reason NoVoteReason) {
	w.log.Info("not voting on proposal",
		"blockID", b.ID(),
		"height", uint64(b.Height),
		"reason", reason.String(),
	)
}

// onReceiveVote collects vote signatures; once the quorum threshold is
// met a QC is assembled and chained (spec.md §4.H OnReceiveVote).
func (w *Worker) onReceiveVote(ctx context.Context, msg *wire.Vote) error {
	if !w.isCommitteeMember(msg.Signer) {
		return fmt.Errorf("hotstuff: vote from non-member %s", msg.Signer)
	}
	voteMsg := block.MakeVoteMessage(msg.BlockID, msg.Decision)
	pk := dancrypto.PublicKeyFromTypesKey(msg.Signer)
	if !dancrypto.Verify(pk, voteMsg, dancrypto.SignatureFromBytes(msg.Signature)) {
		return fmt.Errorf("hotstuff: invalid vote signature from %s", msg.Signer)
	}

	sigs := w.votes[msg.BlockID]
	if sigs == nil {
		sigs = make(map[types.PublicKey]block.VoteSignature)
		w.votes[msg.BlockID] = sigs
	}
	if _, ok := sigs[msg.Signer]; ok {
		return nil // duplicate vote, not counted twice
	}
	sigs[msg.Signer] = block.VoteSignature{PublicKey: msg.Signer, Sig: msg.Signature}

	if len(sigs) < w.committee.QuorumThreshold() {
		return nil
	}

	qc := block.QC{
		BlockID:     msg.BlockID,
		BlockHeight: msg.BlockHeight,
		Epoch:       msg.Epoch,
		ShardGroup:  w.localGroup,
		Decision:    msg.Decision,
	}
	for _, sig := range sigs {
		qc.Signatures = append(qc.Signatures, sig)
	}
	sort.Slice(qc.Signatures, func(i, j int) bool {
		a, b := qc.Signatures[i].PublicKey, qc.Signatures[j].PublicKey
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	delete(w.votes, msg.BlockID)

	wtx := w.store.WriteTx()
	advanced, err := w.updateHighQC(wtx, qc)
	if err != nil {
		wtx.Abort()
		return err
	}
	if err := wtx.Commit(); err != nil {
		return err
	}
	w.log.Info("quorum certificate formed",
		"blockID", msg.BlockID,
		"height", uint64(msg.BlockHeight),
		"signatures", len(qc.Signatures),
	)
	if advanced {
		w.maybePropose(ctx, false)
	}
	return nil
}

func (w *Worker) isCommitteeMember(pk types.PublicKey) bool {
	for _, m := range w.committee.Members {
		if m.PublicKey == pk {
			return true
		}
	}
	return false
}

// onLeaderTimeout charges the silent leader a missed proposal and emits
// a NewView carrying our high QC toward the next leader (spec.md §4.H
// OnLeaderTimeout).
func (w *Worker) onLeaderTimeout(ctx context.Context) {
	failedHeight := w.leaf.Height + 1
	if leader, err := validation.Leader(w.committee, failedHeight, w.isEvicted); err == nil {
		wtx := w.store.WriteTx()
		stats, _, err := wtx.GetValidatorStats(w.epoch, leader.PublicKey)
		if err == nil {
			stats.MissedProposals++
			wtx.PutValidatorStats(w.epoch, leader.PublicKey, stats)
			if err := wtx.Commit(); err != nil {
				w.log.Warn("persisting missed-proposal stats failed", "err", err)
			}
		} else {
			wtx.Abort()
		}
	}

	newHeight := failedHeight + 1
	nv := &wire.NewView{
		Epoch:     w.epoch,
		NewHeight: newHeight,
		HighQC:    w.highQC,
		Signer:    w.localKey,
	}
	nv.Signature = w.signer.Sign(newViewMessage(nv)).Bytes()

	w.log.Info("leader timeout, sending NewView",
		"failedHeight", uint64(failedHeight),
		"newHeight", uint64(newHeight),
	)
	leader, err := validation.Leader(w.committee, newHeight, w.isEvicted)
	if err != nil {
		w.log.Warn("no leader for new view", "err", err)
		return
	}
	if leader.PublicKey == w.localKey {
		if err := w.onReceiveNewView(ctx, nv); err != nil {
			w.log.Warn("own NewView handling failed", "err", err)
		}
		return
	}
	if err := w.sender.Send(ctx, leader.PublicKey, nv); err != nil {
		w.log.Warn("NewView send failed", "err", err)
	}
}

// newViewMessage is the canonical byte string a NewView signature covers.
func newViewMessage(nv *wire.NewView) []byte {
	qcID := nv.HighQC.ID()
	msg := make([]byte, 0, 8+8+32)
	for i := 0; i < 8; i++ {
		msg = append(msg, byte(uint64(nv.Epoch)>>(8*i)))
	}
	for i := 0; i < 8; i++ {
		msg = append(msg, byte(uint64(nv.NewHeight)>>(8*i)))
	}
	return append(msg, qcID[:]...)
}

// onReceiveNewView collects NewView messages; a supermajority forms a
// timeout certificate that lets the next leader propose at the raised
// height, bridging skipped heights with dummy blocks (spec.md §4.H).
func (w *Worker) onReceiveNewView(ctx context.Context, msg *wire.NewView) error {
	if !w.isCommitteeMember(msg.Signer) {
		return fmt.Errorf("hotstuff: NewView from non-member %s", msg.Signer)
	}
	pk := dancrypto.PublicKeyFromTypesKey(msg.Signer)
	if !dancrypto.Verify(pk, newViewMessage(msg), dancrypto.SignatureFromBytes(msg.Signature)) {
		return fmt.Errorf("hotstuff: invalid NewView signature from %s", msg.Signer)
	}
	if err := validation.ValidateQC(msg.HighQC, w.committee); err != nil {
		return fmt.Errorf("hotstuff: NewView carries invalid high QC: %w", err)
	}

	wtx := w.store.WriteTx()
	if _, err := w.updateHighQC(wtx, msg.HighQC); err != nil {
		wtx.Abort()
		return err
	}
	if err := wtx.Commit(); err != nil {
		return err
	}

	views := w.newViews[msg.NewHeight]
	if views == nil {
		views = make(map[types.PublicKey]*wire.NewView)
		w.newViews[msg.NewHeight] = views
	}
	views[msg.Signer] = msg
	if len(views) < w.committee.QuorumThreshold() {
		return nil
	}
	delete(w.newViews, msg.NewHeight)

	isLeader, err := w.isLeaderAt(msg.NewHeight)
	if err != nil || !isLeader {
		return err
	}
	return w.proposeWithDummies(ctx, msg.NewHeight)
}

// proposeWithDummies injects unsigned, empty dummy blocks for every
// height between the high QC's block and the raised proposal height,
// then proposes on top of the dummy chain.
func (w *Worker) proposeWithDummies(ctx context.Context, height types.NodeHeight) error {
	dummies := reconstructDummies(w.highQC, height, string(w.cfg.Network), w.localGroup)
	wtx := w.store.WriteTx()
	parent := w.highQC.BlockID
	for _, d := range dummies {
		if err := wtx.PutBlock(d); err != nil {
			wtx.Abort()
			return err
		}
		parent = d.ID()
	}
	if len(dummies) > 0 {
		last := dummies[len(dummies)-1]
		leaf := storage.BlockCursor{BlockID: last.ID(), Height: last.Height, Epoch: w.epoch}
		wtx.SetBlockCursor(storage.CursorLeafBlock, leaf)
		w.setView(w.epoch, leaf)
	}
	if err := wtx.Commit(); err != nil {
		return err
	}
	return w.propose(ctx, height, parent, w.highQC)
}

// reconstructDummies deterministically builds the dummy chain between a
// QC's block and a target height; every replica derives identical dummy
// ids (spec.md §4.H Dummy blocks).
func reconstructDummies(justify block.QC, targetHeight types.NodeHeight, network string, group types.ShardGroup) []block.Block {
	var out []block.Block
	parent := justify.BlockID
	justifyID := justify.ID()
	for h := justify.BlockHeight + 1; h < targetHeight; h++ {
		d := block.Block{
			Parent:      parent,
			JustifyQcID: justifyID,
			Network:     network,
			Height:      h,
			Epoch:       justify.Epoch,
			ShardGroup:  group,
			IsDummy:     true,
		}
		d.CommandMerkleRoot = block.ZeroCommandRoot
		out = append(out, d)
		parent = d.ID()
	}
	return out
}
