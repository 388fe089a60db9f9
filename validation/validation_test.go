package validation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/config"
	dancrypto "github.com/luxfi/dan-consensus/crypto"
	"github.com/luxfi/dan-consensus/epochmgr"
	"github.com/luxfi/dan-consensus/types"
)

type testCommittee struct {
	keys []*dancrypto.SecretKey
	info epochmgr.CommitteeInfo
}

func newTestCommittee(t *testing.T, n int) testCommittee {
	t.Helper()
	tc := testCommittee{}
	tc.info = epochmgr.CommitteeInfo{
		Epoch:      1,
		ShardGroup: types.ShardGroup{Start: 0, End: 31},
	}
	for i := 0; i < n; i++ {
		sk, err := dancrypto.GenerateKey()
		require.NoError(t, err)
		tc.keys = append(tc.keys, sk)
		var addr types.SubstateID
		addr[0] = byte(i)
		tc.info.Members = append(tc.info.Members, epochmgr.ValidatorNode{
			Address:   addr,
			PublicKey: sk.PublicKey().ToTypesKey(),
		})
	}
	return tc
}

// qcFor builds a fully-signed QC over blockID at height.
func (tc testCommittee) qcFor(blockID types.BlockID, height types.NodeHeight) block.QC {
	qc := block.QC{
		BlockID:     blockID,
		BlockHeight: height,
		Epoch:       1,
		ShardGroup:  tc.info.ShardGroup,
		Decision:    block.QcAccept,
	}
	msg := block.MakeVoteMessage(blockID, block.QcAccept)
	for _, sk := range tc.keys {
		qc.Signatures = append(qc.Signatures, block.VoteSignature{
			PublicKey: sk.PublicKey().ToTypesKey(),
			Sig:       sk.Sign(msg).Bytes(),
		})
	}
	return qc
}

func (tc testCommittee) proposalAt(t *testing.T, height types.NodeHeight, justify block.QC) block.Block {
	t.Helper()
	b := block.Block{
		Parent:      types.BlockID{1},
		JustifyQcID: justify.ID(),
		Network:     "localnet",
		Height:      height,
		Epoch:       1,
		ShardGroup:  tc.info.ShardGroup,
	}
	b.CommandMerkleRoot = b.RecomputeCommandMerkleRoot()
	leader, err := Leader(tc.info, height, nil)
	require.NoError(t, err)
	for _, sk := range tc.keys {
		if sk.PublicKey().ToTypesKey() == leader.PublicKey {
			b.Sign(sk)
			return b
		}
	}
	t.Fatal("leader key not found")
	return b
}

func testParams(tc testCommittee) Params {
	cfg := config.Default()
	cfg.Network = "localnet"
	return Params{
		Config:         cfg,
		CurrentEpoch:   1,
		EpochTolerance: 2,
		Committee:      tc.info,
	}
}

func TestValidProposalPasses(t *testing.T) {
	tc := newTestCommittee(t, 4)
	justify := tc.qcFor(types.BlockID{2}, 4)
	b := tc.proposalAt(t, 5, justify)
	require.NoError(t, ValidateProposal(testParams(tc), b, justify))
}

func TestNetworkMismatchRejected(t *testing.T) {
	tc := newTestCommittee(t, 4)
	justify := tc.qcFor(types.BlockID{2}, 4)
	b := tc.proposalAt(t, 5, justify)

	p := testParams(tc)
	p.Config.Network = "mainnet"
	err := ValidateProposal(p, b, justify)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, KindNetworkMismatch, verr.Kind)
}

func TestWrongLeaderRejected(t *testing.T) {
	tc := newTestCommittee(t, 4)
	justify := tc.qcFor(types.BlockID{2}, 4)
	b := tc.proposalAt(t, 5, justify)

	// Sign with a non-leader key so proposed_by points elsewhere.
	wrongSigner := tc.keys[(int(b.Height)+1)%len(tc.keys)]
	b.Sign(wrongSigner)

	err := ValidateProposal(testParams(tc), b, justify)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, KindNotLeader, verr.Kind)
}

func TestEvictionSkipMovesLeader(t *testing.T) {
	tc := newTestCommittee(t, 4)
	height := types.NodeHeight(5)
	normal, err := Leader(tc.info, height, nil)
	require.NoError(t, err)

	skipped, err := Leader(tc.info, height, func(pk types.PublicKey) bool {
		return pk == normal.PublicKey
	})
	require.NoError(t, err)
	require.NotEqual(t, normal.PublicKey, skipped.PublicKey)

	next, err := Leader(tc.info, height+1, nil)
	require.NoError(t, err)
	require.Equal(t, next.PublicKey, skipped.PublicKey)
}

func TestAllEvictedFails(t *testing.T) {
	tc := newTestCommittee(t, 2)
	_, err := Leader(tc.info, 1, func(types.PublicKey) bool { return true })
	require.Error(t, err)
}

func TestBadSignatureRejected(t *testing.T) {
	tc := newTestCommittee(t, 4)
	justify := tc.qcFor(types.BlockID{2}, 4)
	b := tc.proposalAt(t, 5, justify)
	b.Signature[0] ^= 0xFF

	err := ValidateProposal(testParams(tc), b, justify)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, KindInvalidSignature, verr.Kind)
}

func TestNoProgressRejected(t *testing.T) {
	tc := newTestCommittee(t, 4)
	justify := tc.qcFor(types.BlockID{2}, 7)
	b := tc.proposalAt(t, 5, justify)

	err := ValidateProposal(testParams(tc), b, justify)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, KindNoProgress, verr.Kind)
}

func TestQCValidation(t *testing.T) {
	tc := newTestCommittee(t, 4)
	qc := tc.qcFor(types.BlockID{3}, 6)
	require.NoError(t, ValidateQC(qc, tc.info))

	t.Run("quorum threshold", func(t *testing.T) {
		short := qc
		// 4 = 3f+1 with f=1; threshold is ceil(8/3)+1 = 4.
		short.Signatures = qc.Signatures[:3]
		err := ValidateQC(short, tc.info)
		var verr *Error
		require.ErrorAs(t, err, &verr)
		require.Equal(t, KindQuorumNotReached, verr.Kind)
	})

	t.Run("duplicate signer", func(t *testing.T) {
		dup := qc
		dup.Signatures = append([]block.VoteSignature(nil), qc.Signatures[:3]...)
		dup.Signatures = append(dup.Signatures, qc.Signatures[0])
		err := ValidateQC(dup, tc.info)
		var verr *Error
		require.ErrorAs(t, err, &verr)
		require.Equal(t, KindQCDuplicateSigner, verr.Kind)
	})

	t.Run("foreign signer", func(t *testing.T) {
		outsider, err := dancrypto.GenerateKey()
		require.NoError(t, err)
		msg := block.MakeVoteMessage(qc.BlockID, qc.Decision)
		bad := qc
		bad.Signatures = append([]block.VoteSignature(nil), qc.Signatures[:3]...)
		bad.Signatures = append(bad.Signatures, block.VoteSignature{
			PublicKey: outsider.PublicKey().ToTypesKey(),
			Sig:       outsider.Sign(msg).Bytes(),
		})
		verr := &Error{}
		require.ErrorAs(t, ValidateQC(bad, tc.info), &verr)
		require.Equal(t, KindQCSignerNotInCommittee, verr.Kind)
	})

	t.Run("tampered signature", func(t *testing.T) {
		bad := qc
		bad.Signatures = append([]block.VoteSignature(nil), qc.Signatures...)
		bad.Signatures[1].Sig = append([]byte(nil), bad.Signatures[1].Sig...)
		bad.Signatures[1].Sig[0] ^= 0x01
		verr := &Error{}
		require.ErrorAs(t, ValidateQC(bad, tc.info), &verr)
		require.Equal(t, KindQCInvalidSignature, verr.Kind)
	})

	t.Run("genesis QC accepted", func(t *testing.T) {
		genesis := block.GenesisQC(1, tc.info.ShardGroup)
		require.NoError(t, ValidateQC(genesis, tc.info))
	})
}

func TestFutureEpochBufferedWithinTolerance(t *testing.T) {
	tc := newTestCommittee(t, 4)
	justify := tc.qcFor(types.BlockID{2}, 4)
	b := tc.proposalAt(t, 5, justify)
	b.Epoch = 2
	// Re-sign after the epoch change.
	leader, err := Leader(tc.info, b.Height, nil)
	require.NoError(t, err)
	for _, sk := range tc.keys {
		if sk.PublicKey().ToTypesKey() == leader.PublicKey {
			b.Sign(sk)
		}
	}

	require.ErrorIs(t, ValidateProposal(testParams(tc), b, justify), ErrFutureEpoch)

	b.Epoch = 9
	for _, sk := range tc.keys {
		if sk.PublicKey().ToTypesKey() == leader.PublicKey {
			b.Sign(sk)
		}
	}
	err = ValidateProposal(testParams(tc), b, justify)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, KindEpochTooFarAhead, verr.Kind)
}

func TestDummyBlockConstraints(t *testing.T) {
	tc := newTestCommittee(t, 4)
	justify := tc.qcFor(types.BlockID{2}, 4)
	dummy := block.Block{
		Parent:      types.BlockID{1},
		JustifyQcID: justify.ID(),
		Network:     "localnet",
		Height:      5,
		Epoch:       1,
		ShardGroup:  tc.info.ShardGroup,
		IsDummy:     true,
		Signature:   []byte{1},
	}
	dummy.CommandMerkleRoot = dummy.RecomputeCommandMerkleRoot()

	err := ValidateProposal(testParams(tc), dummy, justify)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, KindMalformedDummyBlock, verr.Kind)

	dummy.Signature = nil
	require.NoError(t, ValidateProposal(testParams(tc), dummy, justify))
}

func TestCheckSidechainID(t *testing.T) {
	sidechainID := []byte{0x51, 0x02, 0x03}
	genesis := block.GenesisBlock("localnet", 1, types.ShardGroup{Start: 0, End: 31}, sidechainID)

	t.Run("genesis with matching id passes", func(t *testing.T) {
		require.NoError(t, CheckSidechainID(genesis, sidechainID))
	})

	t.Run("genesis missing id rejected", func(t *testing.T) {
		bare := block.GenesisBlock("localnet", 1, types.ShardGroup{Start: 0, End: 31}, nil)
		err := CheckSidechainID(bare, sidechainID)
		var verr *Error
		require.ErrorAs(t, err, &verr)
		require.Equal(t, KindMissingSidechainID, verr.Kind)
	})

	t.Run("genesis with wrong id rejected", func(t *testing.T) {
		wrong := block.GenesisBlock("localnet", 1, types.ShardGroup{Start: 0, End: 31}, []byte{9, 9, 9})
		err := CheckSidechainID(wrong, sidechainID)
		var verr *Error
		require.ErrorAs(t, err, &verr)
		require.Equal(t, KindSidechainIDMismatch, verr.Kind)
	})

	t.Run("no configured id checks nothing", func(t *testing.T) {
		withExtra := block.GenesisBlock("localnet", 1, types.ShardGroup{Start: 0, End: 31}, []byte{1})
		require.NoError(t, CheckSidechainID(withExtra, nil))
	})

	t.Run("non-genesis is a no-op", func(t *testing.T) {
		b := block.Block{
			Parent:  types.BlockID{1},
			Network: "localnet",
			Height:  5,
			Epoch:   1,
		}
		require.NoError(t, CheckSidechainID(b, sidechainID))
	})
}
