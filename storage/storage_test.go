package storage

import (
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/statetree"
	"github.com/luxfi/dan-consensus/types"
)

func newTestStore() *Store {
	return New(memdb.New())
}

func testQC(height types.NodeHeight) block.QC {
	return block.QC{
		BlockID:     types.BlockID{byte(height)},
		BlockHeight: height,
		Epoch:       1,
		ShardGroup:  types.ShardGroup{Start: 0, End: 31},
		Signatures:  []block.VoteSignature{{PublicKey: types.PublicKey{1}, Sig: []byte{9}}},
	}
}

func TestBlockRoundTrip(t *testing.T) {
	s := newTestStore()

	qc := testQC(4)
	b := block.Block{
		Parent:      types.BlockID{1},
		JustifyQcID: qc.ID(),
		Network:     "localnet",
		Height:      5,
		Epoch:       1,
		ShardGroup:  types.ShardGroup{Start: 0, End: 31},
	}

	w := s.WriteTx()
	require.NoError(t, w.PutBlock(b))
	inserted, err := w.PutQC(qc)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, w.Commit())

	r := s.ReadTx()
	got, found, err := r.GetBlock(b.ID())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, b.ID(), got.ID())

	children, err := r.GetChildren(b.Parent)
	require.NoError(t, err)
	require.Equal(t, []types.BlockID{b.ID()}, children)

	atHeight, err := r.GetBlocksAtHeight(1, 5)
	require.NoError(t, err)
	require.Equal(t, []types.BlockID{b.ID()}, atHeight)
}

func TestPutQCIdempotent(t *testing.T) {
	s := newTestStore()
	qc := testQC(7)

	w := s.WriteTx()
	inserted, err := w.PutQC(qc)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, w.Commit())

	w2 := s.WriteTx()
	inserted, err = w2.PutQC(qc)
	require.NoError(t, err)
	require.False(t, inserted)
	require.NoError(t, w2.Commit())

	got, found, err := s.ReadTx().GetQC(qc.ID())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, qc, got)
}

func TestWriteTxReadsOwnWrites(t *testing.T) {
	s := newTestStore()
	var id types.SubstateID
	id[0] = 3

	w := s.WriteTx()
	w.PutSubstateUp(id, 0, []byte("v0"))
	version, isUp, ok, err := w.LatestSubstateVersion(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, isUp)
	require.Zero(t, version)

	// Not visible to readers until commit.
	_, _, ok, err = s.ReadTx().LatestSubstateVersion(id)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, w.Commit())
	version, isUp, ok, err = s.ReadTx().LatestSubstateVersion(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, isUp)
	require.Zero(t, version)
}

func TestAbortDropsWrites(t *testing.T) {
	s := newTestStore()
	var id types.SubstateID
	id[0] = 4

	w := s.WriteTx()
	w.PutSubstateUp(id, 0, []byte("x"))
	w.Abort()

	_, _, ok, err := s.ReadTx().LatestSubstateVersion(id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSubstateDownUpChain(t *testing.T) {
	s := newTestStore()
	var id types.SubstateID
	id[0] = 5

	w := s.WriteTx()
	w.PutSubstateUp(id, 0, []byte("v0"))
	w.PutSubstateDown(id, 0)
	w.PutSubstateUp(id, 1, []byte("v1"))
	require.NoError(t, w.Commit())

	r := s.ReadTx()
	version, isUp, ok, err := r.LatestSubstateVersion(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, isUp)
	require.Equal(t, uint32(1), version)

	rec, found, err := r.GetSubstate(id, 0)
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, rec.IsUp)

	// CommittedReader view matches.
	sub, found, err := r.CommittedReader().Get(id, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, sub.IsUp())
}

func TestForeignProposalLifecycle(t *testing.T) {
	s := newTestStore()
	rec := ForeignProposalRecord{
		Epoch:       2,
		SourceGroup: types.ShardGroup{Start: 32, End: 63},
		BlockID:     types.BlockID{8},
		Status:      ForeignProposalNew,
		Payload:     []byte{1, 2, 3},
	}

	w := s.WriteTx()
	require.NoError(t, w.PutForeignProposal(rec))
	require.NoError(t, w.Commit())

	got, found, err := s.ReadTx().GetForeignProposal(2, rec.BlockID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rec, got)

	all, err := s.ReadTx().ForeignProposalsByEpoch(2)
	require.NoError(t, err)
	require.Len(t, all, 1)

	w2 := s.WriteTx()
	require.NoError(t, w2.DeleteForeignProposalsByEpoch(2))
	require.NoError(t, w2.Commit())

	_, found, err = s.ReadTx().GetForeignProposal(2, rec.BlockID)
	require.NoError(t, err)
	require.False(t, found)
}

func TestTreeDiffPersistence(t *testing.T) {
	s := newTestStore()

	var sid types.SubstateID
	sid[0] = 6

	// Compute a diff against an empty tree and persist it as pending.
	w := s.WriteTx()
	tree := statetree.New(w.TreeNodeStore(3))
	root, diff, err := tree.ComputeDiff(statetree.EmptyRoot(), []statetree.Change{{ID: sid, Version: 0}})
	require.NoError(t, err)
	blockID := types.BlockID{9}
	require.NoError(t, w.PutPendingTreeDiff(blockID, 3, diff))
	require.NoError(t, w.Commit())

	diffs, err := s.ReadTx().PendingTreeDiffs(blockID)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	require.Equal(t, root, diffs[3].Root)

	// Commit the diff through the write-tx node store; re-committing the
	// same diff is a no-op since nodes are content-addressed.
	w2 := s.WriteTx()
	tree2 := statetree.New(w2.TreeNodeStore(3))
	require.NoError(t, tree2.CommitDiff(diffs[3]))
	require.NoError(t, tree2.CommitDiff(diffs[3]))
	w2.SetShardRoot(3, root)
	require.NoError(t, w2.DeletePendingTreeDiffs(blockID))
	require.NoError(t, w2.Commit())

	gotRoot, found, err := s.ReadTx().GetShardRoot(3)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, root, gotRoot)

	diffs, err = s.ReadTx().PendingTreeDiffs(blockID)
	require.NoError(t, err)
	require.Empty(t, diffs)
}

func TestCursors(t *testing.T) {
	s := newTestStore()

	qc := testQC(11)
	w := s.WriteTx()
	w.SetHighQC(qc)
	w.SetBlockCursor(CursorLockedBlock, BlockCursor{BlockID: types.BlockID{2}, Height: 9, Epoch: 1})
	w.SetBlockCursor(CursorLastVoted, BlockCursor{Height: 11, Epoch: 1})
	require.NoError(t, w.Commit())

	r := s.ReadTx()
	gotQC, found, err := r.GetHighQC()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, qc.ID(), gotQC.ID())

	locked, found, err := r.GetBlockCursor(CursorLockedBlock)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.NodeHeight(9), locked.Height)

	_, found, err = r.GetBlockCursor(CursorLeafBlock)
	require.NoError(t, err)
	require.False(t, found)
}

func TestEvictionBookkeeping(t *testing.T) {
	s := newTestStore()
	pk := types.PublicKey{7}

	w := s.WriteTx()
	require.NoError(t, w.MarkEvicted(3, pk))
	w.PutValidatorStats(3, pk, ValidatorStatsRecord{MissedProposals: 6, LastSeenHeight: 40})
	require.NoError(t, w.Commit())

	r := s.ReadTx()
	evicted, err := r.IsEvicted(3, pk)
	require.NoError(t, err)
	require.True(t, evicted)

	listed, err := r.EvictedNodes(3)
	require.NoError(t, err)
	require.Equal(t, []types.PublicKey{pk}, listed)

	stats, found, err := r.GetValidatorStats(3, pk)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(6), stats.MissedProposals)
}
