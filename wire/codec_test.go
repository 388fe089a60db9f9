package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/pledge"
	"github.com/luxfi/dan-consensus/types"
)

func testQC() block.QC {
	return block.QC{
		BlockID:     types.BlockID{1},
		BlockHeight: 4,
		Epoch:       2,
		ShardGroup:  types.ShardGroup{Start: 0, End: 31},
		Signatures:  []block.VoteSignature{{PublicKey: types.PublicKey{5}, Sig: []byte{6}}},
	}
}

func TestVoteRoundTrip(t *testing.T) {
	msg := &Vote{
		Epoch:       2,
		BlockHeight: 9,
		BlockID:     types.BlockID{3},
		Decision:    block.QcAccept,
		Signer:      types.PublicKey{4},
		Signature:   []byte{7, 8},
	}
	frame, err := Encode(msg)
	require.NoError(t, err)

	kind, epoch, height, err := PeekView(frame)
	require.NoError(t, err)
	require.Equal(t, KindVote, kind)
	require.Equal(t, types.Epoch(2), epoch)
	require.Equal(t, types.NodeHeight(9), height)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

func TestProposalRoundTrip(t *testing.T) {
	qc := testQC()
	msg := &Proposal{Block: block.Block{
		Parent:      types.BlockID{2},
		JustifyQcID: qc.ID(),
		Network:     "localnet",
		Height:      5,
		Epoch:       2,
		ShardGroup:  types.ShardGroup{Start: 0, End: 31},
	}}
	frame, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	prop, ok := decoded.(*Proposal)
	require.True(t, ok)
	require.Equal(t, msg.Block.ID(), prop.Block.ID())
}

func TestNewViewRoundTrip(t *testing.T) {
	msg := &NewView{
		Epoch:     2,
		NewHeight: 12,
		HighQC:    testQC(),
		Signer:    types.PublicKey{1},
		Signature: []byte{2},
	}
	frame, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(frame)
	require.NoError(t, err)
	nv, ok := decoded.(*NewView)
	require.True(t, ok)
	require.Equal(t, msg.HighQC.ID(), nv.HighQC.ID())
	require.Equal(t, msg.NewHeight, nv.NewHeight)
}

func TestForeignProposalRoundTrip(t *testing.T) {
	var sid types.SubstateID
	sid[0] = 9
	msg := &ForeignProposal{
		Block: block.Block{
			Network:    "localnet",
			Height:     3,
			Epoch:      2,
			ShardGroup: types.ShardGroup{Start: 32, End: 63},
			Parent:     types.BlockID{1},
		},
		JustifyQC: testQC(),
		Pledge: pledge.BlockPledge{Pledges: []pledge.SubstatePledge{{
			Kind:        pledge.KindInput,
			VersionedID: types.VersionedSubstateId{ID: sid, Version: 1},
			IsWrite:     true,
			Value:       []byte("pledged"),
		}}},
	}
	frame, err := Encode(msg)
	require.NoError(t, err)

	// Foreign proposals index at height 0 under the justify epoch.
	_, epoch, height, err := PeekView(frame)
	require.NoError(t, err)
	require.Equal(t, types.Epoch(2), epoch)
	require.Zero(t, height)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	fp, ok := decoded.(*ForeignProposal)
	require.True(t, ok)
	require.Equal(t, msg.Block.ID(), fp.Block.ID())
	require.Equal(t, msg.Pledge, fp.Pledge)
}

func TestRequestVariants(t *testing.T) {
	blockID := types.BlockID{4}
	msg := &ForeignProposalRequest{Epoch: 2, ByBlockID: &blockID}
	frame, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(frame)
	require.NoError(t, err)
	req, ok := decoded.(*ForeignProposalRequest)
	require.True(t, ok)
	require.NotNil(t, req.ByBlockID)
	require.Equal(t, blockID, *req.ByBlockID)
	require.Nil(t, req.ByTransactionID)

	want := &MissingTransactionsRequest{
		Epoch:        2,
		BlockID:      types.BlockID{5},
		Transactions: []types.TransactionID{{6}, {7}},
	}
	frame, err = Encode(want)
	require.NoError(t, err)
	decoded, err = Decode(frame)
	require.NoError(t, err)
	require.Equal(t, want, decoded)
}

func TestSyncResponseRoundTrip(t *testing.T) {
	msg := &SyncResponse{
		Epoch: 2,
		Blocks: []block.Block{
			{Network: "localnet", Height: 1, Epoch: 2, Parent: types.BlockID{1}},
			{Network: "localnet", Height: 2, Epoch: 2, Parent: types.BlockID{2}},
		},
		QCs: []block.QC{testQC()},
	}
	frame, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(frame)
	require.NoError(t, err)
	sr, ok := decoded.(*SyncResponse)
	require.True(t, ok)
	require.Len(t, sr.Blocks, 2)
	require.Len(t, sr.QCs, 1)
	require.Equal(t, msg.Blocks[0].ID(), sr.Blocks[0].ID())
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte{0xFF, 0xFF, 0xFF})
	require.Error(t, err)
	_, _, _, err = PeekView([]byte{})
	require.Error(t, err)
}
