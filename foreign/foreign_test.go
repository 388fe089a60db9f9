package foreign

import (
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/pledge"
	"github.com/luxfi/dan-consensus/storage"
	"github.com/luxfi/dan-consensus/types"
	"github.com/luxfi/dan-consensus/wire"
)

var (
	localGroup   = types.ShardGroup{Start: 0, End: 31}
	foreignGroup = types.ShardGroup{Start: 32, End: 63}
)

func validMessage() *wire.ForeignProposal {
	b := block.Block{
		Parent:     types.BlockID{1},
		Network:    "localnet",
		Height:     3,
		Epoch:      1,
		ShardGroup: foreignGroup,
	}
	var sid types.SubstateID
	sid[0] = 7
	msg := &wire.ForeignProposal{
		Block: b,
		JustifyQC: block.QC{
			BlockID:     b.ID(),
			BlockHeight: 3,
			Epoch:       1,
			ShardGroup:  foreignGroup,
		},
		Pledge: pledge.BlockPledge{Pledges: []pledge.SubstatePledge{{
			Kind:        pledge.KindInput,
			VersionedID: types.VersionedSubstateId{ID: sid, Version: 2},
			IsWrite:     true,
			Value:       []byte("v"),
		}}},
	}
	return msg
}

func TestValidateAccepts(t *testing.T) {
	m := NewManager(log.NewNoOpLogger(), localGroup)
	require.NoError(t, m.Validate(validMessage()))
}

func TestValidateJustifyMismatch(t *testing.T) {
	m := NewManager(log.NewNoOpLogger(), localGroup)
	msg := validMessage()
	msg.JustifyQC.BlockID = types.BlockID{9}
	require.ErrorIs(t, m.Validate(msg), ErrJustifyMismatch)
}

func TestValidateOverlapRejected(t *testing.T) {
	m := NewManager(log.NewNoOpLogger(), localGroup)
	msg := validMessage()
	msg.Block.ShardGroup = types.ShardGroup{Start: 16, End: 47}
	msg.JustifyQC.BlockID = msg.Block.ID()
	require.ErrorIs(t, m.Validate(msg), ErrOverlapsLocalGroup)

	msg.Block.ShardGroup = localGroup
	msg.JustifyQC.BlockID = msg.Block.ID()
	require.ErrorIs(t, m.Validate(msg), ErrOwnGroup)
}

func TestValidateBadPledge(t *testing.T) {
	m := NewManager(log.NewNoOpLogger(), localGroup)
	msg := validMessage()
	msg.Pledge.Pledges[0].Value = nil // input pledge must carry a value
	require.ErrorIs(t, m.Validate(msg), ErrBadPledge)
}

func TestLifecycle(t *testing.T) {
	s := storage.New(memdb.New())
	m := NewManager(log.NewNoOpLogger(), localGroup)
	msg := validMessage()
	blockID := msg.Block.ID()

	w := s.WriteTx()
	rec, err := m.Record(w, msg)
	require.NoError(t, err)
	require.Equal(t, storage.ForeignProposalNew, rec.Status)
	require.NoError(t, w.Commit())

	pending, err := m.PendingForProposal(s.ReadTx(), 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// The stored payload decodes back into the same message.
	got, status, err := m.Get(s.ReadTx(), 1, blockID)
	require.NoError(t, err)
	require.Equal(t, storage.ForeignProposalNew, status)
	require.Equal(t, blockID, got.Block.ID())
	require.Equal(t, msg.Pledge, got.Pledge)

	localBlock := types.BlockID{5}
	w = s.WriteTx()
	require.NoError(t, m.MarkProposed(w, 1, blockID, localBlock))
	require.NoError(t, w.Commit())

	_, status, err = m.Get(s.ReadTx(), 1, blockID)
	require.NoError(t, err)
	require.Equal(t, storage.ForeignProposalProposed, status)

	pending, err = m.PendingForProposal(s.ReadTx(), 1)
	require.NoError(t, err)
	require.Empty(t, pending)

	w = s.WriteTx()
	require.NoError(t, m.MarkConfirmed(w, 1, blockID))
	require.NoError(t, w.Commit())
	_, status, err = m.Get(s.ReadTx(), 1, blockID)
	require.NoError(t, err)
	require.Equal(t, storage.ForeignProposalConfirmed, status)
}

func TestCheckPledges(t *testing.T) {
	m := NewManager(log.NewNoOpLogger(), localGroup)
	msg := validMessage()

	var sid types.SubstateID
	sid[0] = 7
	ev := block.Evidence{
		foreignGroup: {
			Inputs: []block.LockedInput{{
				VersionedID: types.VersionedSubstateId{ID: sid, Version: 2},
				Lock:        types.LockWrite,
			}},
		},
	}
	reason, err := m.CheckPledges(msg.Pledge, ev)
	require.NoError(t, err)
	require.Equal(t, block.AbortReasonNone, reason)

	// A version mismatch fails with ForeignPledgeInputConflict.
	ev[foreignGroup].Inputs[0].VersionedID.Version = 3
	reason, err = m.CheckPledges(msg.Pledge, ev)
	require.Error(t, err)
	require.Equal(t, block.AbortReasonForeignPledgeInputConflict, reason)
}

func TestMarkUnknownProposal(t *testing.T) {
	s := storage.New(memdb.New())
	m := NewManager(log.NewNoOpLogger(), localGroup)
	w := s.WriteTx()
	require.ErrorIs(t, m.MarkConfirmed(w, 1, types.BlockID{9}), ErrNotFound)
}
