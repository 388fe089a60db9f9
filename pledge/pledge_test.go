package pledge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/types"
)

func vid(b byte, v uint32) types.VersionedSubstateId {
	var id types.SubstateID
	id[0] = b
	return types.VersionedSubstateId{ID: id, Version: v}
}

func TestBlockPledgeValidate(t *testing.T) {
	bp := BlockPledge{Pledges: []SubstatePledge{
		{Kind: KindInput, VersionedID: vid(1, 0), IsWrite: true, Value: []byte("x")},
		{Kind: KindOutput, VersionedID: vid(2, 0)},
	}}
	require.NoError(t, bp.Validate())
}

func TestBlockPledgeInputMissingValue(t *testing.T) {
	bp := BlockPledge{Pledges: []SubstatePledge{{Kind: KindInput, VersionedID: vid(1, 0)}}}
	require.ErrorIs(t, bp.Validate(), ErrInputMissingValue)
}

func TestBlockPledgeOutputWithValue(t *testing.T) {
	bp := BlockPledge{Pledges: []SubstatePledge{{Kind: KindOutput, VersionedID: vid(1, 0), Value: []byte("x")}}}
	require.ErrorIs(t, bp.Validate(), ErrOutputHasValue)
}

func TestBlockPledgeDuplicate(t *testing.T) {
	entry := SubstatePledge{Kind: KindInput, VersionedID: vid(1, 0), Value: []byte("x")}
	bp := BlockPledge{Pledges: []SubstatePledge{entry, entry}}
	require.ErrorIs(t, bp.Validate(), ErrDuplicatePledge)
}

func TestBlockPledgeInconsistentLockType(t *testing.T) {
	bp := BlockPledge{Pledges: []SubstatePledge{
		{Kind: KindInput, VersionedID: vid(1, 0), IsWrite: true, Value: []byte("x")},
		{Kind: KindInput, VersionedID: vid(1, 0), IsWrite: false, Value: []byte("y")},
	}}
	require.ErrorIs(t, bp.Validate(), ErrInconsistentLock)
}

func TestIsSatisfiedForForeignInputs(t *testing.T) {
	local := types.ShardGroup{Start: 0, End: 31}
	foreign := types.ShardGroup{Start: 32, End: 63}

	ev := block.Evidence{
		foreign: block.ShardGroupEvidence{
			Inputs: []block.LockedInput{{VersionedID: vid(9, 1), Lock: types.LockRead}},
		},
	}

	bp := BlockPledge{Pledges: []SubstatePledge{
		{Kind: KindInput, VersionedID: vid(9, 1), Value: []byte("v")},
	}}
	require.NoError(t, bp.IsSatisfiedFor(ev, local))

	empty := BlockPledge{}
	require.ErrorIs(t, empty.IsSatisfiedFor(ev, local), ErrMissingPledgedInput)
}
