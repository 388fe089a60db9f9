package eviction

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/types"
)

type fakeSource struct {
	blocks map[types.BlockID]block.Block
	qcs    map[types.QcID]block.QC
}

func newFakeSource() *fakeSource {
	return &fakeSource{blocks: map[types.BlockID]block.Block{}, qcs: map[types.QcID]block.QC{}}
}

func (f *fakeSource) GetBlock(id types.BlockID) (block.Block, bool, error) {
	b, ok := f.blocks[id]
	return b, ok, nil
}

func (f *fakeSource) GetQC(id types.QcID) (block.QC, bool, error) {
	qc, ok := f.qcs[id]
	return qc, ok, nil
}

func (f *fakeSource) add(b block.Block) types.BlockID {
	id := b.ID()
	f.blocks[id] = b
	return id
}

func (f *fakeSource) addQC(qc block.QC) types.QcID {
	id := qc.ID()
	f.qcs[id] = qc
	return id
}

func sg() types.ShardGroup { return types.ShardGroup{Start: 0, End: 15} }

func TestBuildSidechainProofDirectLink(t *testing.T) {
	src := newFakeSource()

	genesis := block.Block{Network: "test", Height: 0, ShardGroup: sg()}
	genesisID := src.add(genesis)

	genesisQC := block.QC{BlockID: genesisID, BlockHeight: 0, ShardGroup: sg(), Decision: block.QcAccept}
	genesisQCID := src.addQC(genesisQC)

	commitBlock := block.Block{Network: "test", Parent: genesisID, JustifyQcID: genesisQCID, Height: 1, ShardGroup: sg()}
	commitID := src.add(commitBlock)

	tipQC := block.QC{BlockID: commitID, BlockHeight: 1, ShardGroup: sg(), Decision: block.QcAccept}

	proof, err := BuildSidechainBlockCommitProof(src, tipQC, commitID)
	require.NoError(t, err)
	require.Len(t, proof.Elements, 1)
	require.NotNil(t, proof.Elements[0].QC)
	require.Equal(t, commitID, proof.Elements[0].QC.BlockID)
}

func TestBuildSidechainProofWithDummyGap(t *testing.T) {
	src := newFakeSource()

	genesis := block.Block{Network: "test", Height: 0, ShardGroup: sg()}
	genesisID := src.add(genesis)
	genesisQC := block.QC{BlockID: genesisID, BlockHeight: 0, ShardGroup: sg(), Decision: block.QcAccept}
	genesisQCID := src.addQC(genesisQC)

	commitBlock := block.Block{Network: "test", Parent: genesisID, JustifyQcID: genesisQCID, Height: 1, ShardGroup: sg()}
	commitID := src.add(commitBlock)

	dummy1 := block.Block{Network: "test", Parent: commitID, Height: 2, ShardGroup: sg(), IsDummy: true}
	dummy1ID := src.add(dummy1)
	dummy2 := block.Block{Network: "test", Parent: dummy1ID, Height: 3, ShardGroup: sg(), IsDummy: true}
	dummy2ID := src.add(dummy2)

	commitQC := block.QC{BlockID: commitID, BlockHeight: 1, ShardGroup: sg(), Decision: block.QcAccept}
	commitQCID := src.addQC(commitQC)

	tipBlock := block.Block{Network: "test", Parent: dummy2ID, JustifyQcID: commitQCID, Height: 4, ShardGroup: sg()}
	tipID := src.add(tipBlock)

	tipQC := block.QC{BlockID: tipID, BlockHeight: 4, ShardGroup: sg(), Decision: block.QcAccept}

	proof, err := BuildSidechainBlockCommitProof(src, tipQC, commitID)
	require.NoError(t, err)
	require.Len(t, proof.Elements, 3)
	require.NotNil(t, proof.Elements[0].QC)
	require.Equal(t, tipID, proof.Elements[0].QC.BlockID)
	require.Nil(t, proof.Elements[1].QC)
	require.Len(t, proof.Elements[1].DummyChain, 2)
	require.NotNil(t, proof.Elements[2].QC)
	require.Equal(t, commitID, proof.Elements[2].QC.BlockID)
}

func cmd(kind block.CommandKind, b byte) block.Command {
	var id types.TransactionID
	id[0] = b
	switch kind {
	case block.KindEvictNode:
		var pk types.PublicKey
		pk[0] = b
		return block.NewEvictNodeCommand(pk)
	default:
		c, err := block.NewAtomCommand(block.KindLocalOnly, block.TransactionAtom{ID: id, Decision: block.CommitDecision()})
		if err != nil {
			panic(err)
		}
		return c
	}
}

func TestCommandInclusionProofRoundTrip(t *testing.T) {
	cmds := []block.Command{
		cmd(block.KindLocalOnly, 1),
		cmd(block.KindLocalOnly, 2),
		cmd(block.KindLocalOnly, 3),
		cmd(block.KindEvictNode, 0),
	}
	root := block.CommandMerkleRoot(cmds)

	for i := range cmds {
		proof, err := BuildCommandInclusionProof(cmds, i)
		require.NoError(t, err)
		require.True(t, VerifyCommandInclusionProof(root, proof), "index %d", i)
	}
}

func TestCommandInclusionProofRejectsTamperedIndex(t *testing.T) {
	cmds := []block.Command{cmd(block.KindLocalOnly, 1), cmd(block.KindLocalOnly, 2)}
	root := block.CommandMerkleRoot(cmds)

	proof, err := BuildCommandInclusionProof(cmds, 0)
	require.NoError(t, err)
	proof.Index = 1
	require.False(t, VerifyCommandInclusionProof(root, proof))
}

func TestBuildRejectsNonEvictCommand(t *testing.T) {
	src := newFakeSource()
	cmds := []block.Command{cmd(block.KindLocalOnly, 1)}
	_, err := Build(src, block.QC{}, types.BlockID{}, cmds, 0)
	require.Error(t, err)
}

func TestQueueWriterSubmit(t *testing.T) {
	dir := t.TempDir()
	q, err := NewQueueWriter(dir)
	require.NoError(t, err)

	proof := Proof{
		CommitBlockID: types.BlockID{1},
		Command:       block.NewEvictNodeCommand(types.PublicKey{9}),
		CommandProof:  CommandInclusionProof{LeafHash: [32]byte{2}, Index: 0},
	}
	require.NoError(t, q.Submit(proof))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	var def LayerOneTransactionDef
	require.NoError(t, json.Unmarshal(data, &def))
	require.Equal(t, ProofTypeEvictionProof, def.ProofType)
	require.NotEmpty(t, def.Payload)
}
