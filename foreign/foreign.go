// Package foreign implements cross-shard coordination on the receiving
// side: validating foreign proposals and their pledges, tracking their
// local lifecycle, and aborting transactions whose pledges turn out
// invalid (spec.md §4.I).
package foreign

import (
	"errors"
	"fmt"

	"github.com/luxfi/log"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/pledge"
	"github.com/luxfi/dan-consensus/storage"
	"github.com/luxfi/dan-consensus/types"
	"github.com/luxfi/dan-consensus/wire"
)

var (
	ErrJustifyMismatch    = errors.New("foreign: block id does not match justify qc")
	ErrOverlapsLocalGroup = errors.New("foreign: foreign shard group overlaps local shards")
	ErrOwnGroup           = errors.New("foreign: proposal from our own shard group")
	ErrBadPledge          = errors.New("foreign: malformed block pledge")
	ErrNotFound           = errors.New("foreign: proposal not found")
)

// Manager validates and tracks foreign proposals for one local shard
// group.
type Manager struct {
	log        log.Logger
	localGroup types.ShardGroup
}

func NewManager(logger log.Logger, localGroup types.ShardGroup) *Manager {
	return &Manager{log: logger, localGroup: localGroup}
}

// Validate runs the §4.I receive checks on a foreign-proposal message:
// the block id must match the justify QC, the source group must not
// overlap any local shard, and the pledge bundle must be well-formed.
func (m *Manager) Validate(msg *wire.ForeignProposal) error {
	blockID := msg.Block.ID()
	if msg.JustifyQC.BlockID != blockID {
		return fmt.Errorf("%w: block %s, qc refers to %s", ErrJustifyMismatch, blockID, msg.JustifyQC.BlockID)
	}
	if msg.Block.ShardGroup == m.localGroup {
		return fmt.Errorf("%w: %s", ErrOwnGroup, msg.Block.ShardGroup)
	}
	if msg.Block.ShardGroup.Overlaps(m.localGroup) {
		return fmt.Errorf("%w: foreign %s, local %s", ErrOverlapsLocalGroup, msg.Block.ShardGroup, m.localGroup)
	}
	if err := msg.Pledge.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPledge, err)
	}
	return nil
}

// Record stores a validated foreign proposal with status New, linked to
// no local block yet (spec.md §4.I step 5).
func (m *Manager) Record(w *storage.WriteTx, msg *wire.ForeignProposal) (storage.ForeignProposalRecord, error) {
	payload, err := wire.Encode(msg)
	if err != nil {
		return storage.ForeignProposalRecord{}, err
	}
	rec := storage.ForeignProposalRecord{
		Epoch:       msg.JustifyQC.Epoch,
		SourceGroup: msg.Block.ShardGroup,
		BlockID:     msg.Block.ID(),
		Status:      storage.ForeignProposalNew,
		Payload:     payload,
	}
	if err := w.PutForeignProposal(rec); err != nil {
		return storage.ForeignProposalRecord{}, err
	}
	m.log.Info("foreign proposal recorded",
		"blockID", rec.BlockID,
		"sourceGroup", rec.SourceGroup.String(),
		"epoch", uint64(rec.Epoch),
	)
	return rec, nil
}

// CheckPledges verifies the pledge bundle satisfies every foreign input
// a transaction's evidence requires, returning the abort reason to apply
// when it does not (spec.md §4.C, §4.I step 7).
func (m *Manager) CheckPledges(bp pledge.BlockPledge, ev block.Evidence) (block.AbortReason, error) {
	if err := bp.IsSatisfiedFor(ev, m.localGroup); err != nil {
		return block.AbortReasonForeignPledgeInputConflict, err
	}
	return block.AbortReasonNone, nil
}

func (m *Manager) setStatus(w *storage.WriteTx, epoch types.Epoch, blockID types.BlockID, status storage.ForeignProposalStatus, proposedIn types.BlockID) error {
	rec, found, err := w.GetForeignProposal(epoch, blockID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s epoch %d", ErrNotFound, blockID, epoch)
	}
	rec.Status = status
	if proposedIn != (types.BlockID{}) {
		rec.ProposedIn = proposedIn
	}
	return w.PutForeignProposal(rec)
}

// MarkProposed transitions New -> Proposed once a local block carries
// this foreign proposal as a ForeignProposal command.
func (m *Manager) MarkProposed(w *storage.WriteTx, epoch types.Epoch, blockID, localBlockID types.BlockID) error {
	return m.setStatus(w, epoch, blockID, storage.ForeignProposalProposed, localBlockID)
}

// MarkConfirmed transitions Proposed -> Confirmed once the carrying
// local block is locked.
func (m *Manager) MarkConfirmed(w *storage.WriteTx, epoch types.Epoch, blockID types.BlockID) error {
	return m.setStatus(w, epoch, blockID, storage.ForeignProposalConfirmed, types.BlockID{})
}

// MarkInvalid flags a foreign proposal whose pledges failed validation;
// dependent transactions are aborted by the caller with
// ForeignPledgeInputConflict.
func (m *Manager) MarkInvalid(w *storage.WriteTx, epoch types.Epoch, blockID types.BlockID) error {
	return m.setStatus(w, epoch, blockID, storage.ForeignProposalInvalid, types.BlockID{})
}

// PendingForProposal returns the foreign proposals still awaiting
// inclusion in a local block, the set a leader turns into
// ForeignProposal commands.
func (m *Manager) PendingForProposal(r *storage.ReadTx, epoch types.Epoch) ([]storage.ForeignProposalRecord, error) {
	all, err := r.ForeignProposalsByEpoch(epoch)
	if err != nil {
		return nil, err
	}
	var out []storage.ForeignProposalRecord
	for _, rec := range all {
		if rec.Status == storage.ForeignProposalNew {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Get decodes a stored foreign proposal's payload back into the wire
// message, for serving ForeignProposalRequest pulls (spec.md §4.I).
func (m *Manager) Get(r *storage.ReadTx, epoch types.Epoch, blockID types.BlockID) (*wire.ForeignProposal, storage.ForeignProposalStatus, error) {
	rec, found, err := r.GetForeignProposal(epoch, blockID)
	if err != nil {
		return nil, 0, err
	}
	if !found {
		return nil, 0, fmt.Errorf("%w: %s epoch %d", ErrNotFound, blockID, epoch)
	}
	msg, err := wire.Decode(rec.Payload)
	if err != nil {
		return nil, 0, err
	}
	fp, ok := msg.(*wire.ForeignProposal)
	if !ok {
		return nil, 0, fmt.Errorf("foreign: stored payload decodes to %s", msg.Kind())
	}
	return fp, rec.Status, nil
}
