// Package validation implements the proposal-validation pipeline run on
// every received block: structural, sidechain, leader, signature,
// progress, QC, and epoch checks, in that order (spec.md §4.F).
package validation

import (
	"bytes"
	"errors"
	"fmt"

	dancrypto "github.com/luxfi/dan-consensus/crypto"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/config"
	"github.com/luxfi/dan-consensus/epochmgr"
	"github.com/luxfi/dan-consensus/types"
)

// ErrorKind classifies proposal-validation failures (spec.md §4.F
// "ProposalValidationError taxonomy").
type ErrorKind uint8

const (
	KindNetworkMismatch ErrorKind = iota
	KindProposedGenesis
	KindMissingSidechainID
	KindSidechainIDMismatch
	KindMalformedDummyBlock
	KindNotLeader
	KindInvalidSignature
	KindNoProgress
	KindQuorumNotReached
	KindQCSignerNotInCommittee
	KindQCDuplicateSigner
	KindQCInvalidSignature
	KindQCShardGroupMismatch
	KindStaleEpoch
	KindEpochTooFarAhead
	KindMalformedBlock
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetworkMismatch:
		return "NetworkMismatch"
	case KindProposedGenesis:
		return "ProposedGenesis"
	case KindMissingSidechainID:
		return "MissingSidechainID"
	case KindSidechainIDMismatch:
		return "SidechainIDMismatch"
	case KindMalformedDummyBlock:
		return "MalformedDummyBlock"
	case KindNotLeader:
		return "NotLeader"
	case KindInvalidSignature:
		return "InvalidSignature"
	case KindNoProgress:
		return "NoProgress"
	case KindQuorumNotReached:
		return "QuorumNotReached"
	case KindQCSignerNotInCommittee:
		return "QCSignerNotInCommittee"
	case KindQCDuplicateSigner:
		return "QCDuplicateSigner"
	case KindQCInvalidSignature:
		return "QCInvalidSignature"
	case KindQCShardGroupMismatch:
		return "QCShardGroupMismatch"
	case KindStaleEpoch:
		return "StaleEpoch"
	case KindEpochTooFarAhead:
		return "EpochTooFarAhead"
	case KindMalformedBlock:
		return "MalformedBlock"
	default:
		return "Unknown"
	}
}

// Error is a classified proposal-validation failure.
type Error struct {
	Kind    ErrorKind
	BlockID types.BlockID
	Detail  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("proposal validation: %s: block %s: %s", e.Kind, e.BlockID, e.Detail)
}

func fail(kind ErrorKind, blockID types.BlockID, format string, args ...any) error {
	return &Error{Kind: kind, BlockID: blockID, Detail: fmt.Sprintf(format, args...)}
}

// ErrFutureEpoch marks a proposal from a future epoch whose QC checked
// out: the block must be buffered and catch-up sync started, not
// rejected (spec.md §4.F step 9).
var ErrFutureEpoch = errors.New("validation: proposal from future epoch, buffer and sync")

// CheckSidechainID enforces the sidechain-id invariant: the id is only
// required on a shard group's genesis block (spec.md §3, §4.F step 3).
// For non-genesis blocks this is a no-op. At genesis, a configured
// sidechain id must be present in extra_data and match; with no
// sidechain configured, nothing is checked.
func CheckSidechainID(b block.Block, sidechainID []byte) error {
	if !b.IsGenesis() {
		return nil
	}
	if len(sidechainID) == 0 {
		return nil
	}
	if len(b.ExtraData) == 0 {
		return fail(KindMissingSidechainID, b.ID(), "sidechain id not present in genesis extra_data")
	}
	if !bytes.Equal(b.ExtraData, sidechainID) {
		return fail(KindSidechainIDMismatch, b.ID(), "genesis extra_data %x does not match configured sidechain id %x", b.ExtraData, sidechainID)
	}
	return nil
}

// Leader returns the round-robin leader for a height within a committee,
// skipping evicted validators: if the leader at a height is evicted the
// height is incremented until a non-evicted leader is found (spec.md
// §4.F step 5).
func Leader(committee epochmgr.CommitteeInfo, height types.NodeHeight, isEvicted func(types.PublicKey) bool) (epochmgr.ValidatorNode, error) {
	n := len(committee.Members)
	if n == 0 {
		return epochmgr.ValidatorNode{}, fmt.Errorf("validation: empty committee for %s", committee.ShardGroup)
	}
	for skipped := 0; skipped <= n; skipped++ {
		candidate := committee.Members[(uint64(height)+uint64(skipped))%uint64(n)]
		if isEvicted == nil || !isEvicted(candidate.PublicKey) {
			return candidate, nil
		}
	}
	return epochmgr.ValidatorNode{}, fmt.Errorf("validation: every validator in %s is evicted", committee.ShardGroup)
}

// ValidateQC checks a quorum certificate against the committee seated
// for its (epoch, shard group) (spec.md §4.F step 8). The well-known
// genesis QC carries no signatures and is accepted as-is.
func ValidateQC(qc block.QC, committee epochmgr.CommitteeInfo) error {
	if qc.BlockID == (types.BlockID{}) && qc.BlockHeight == 0 {
		// Genesis QC.
		return nil
	}
	if qc.ShardGroup != committee.ShardGroup {
		return fail(KindQCShardGroupMismatch, qc.BlockID, "qc group %s, committee group %s", qc.ShardGroup, committee.ShardGroup)
	}
	threshold := committee.QuorumThreshold()
	if len(qc.Signatures) < threshold {
		return fail(KindQuorumNotReached, qc.BlockID, "%d signatures, need %d", len(qc.Signatures), threshold)
	}

	members := make(map[types.PublicKey]bool, len(committee.Members))
	for _, m := range committee.Members {
		members[m.PublicKey] = true
	}

	msg := block.MakeVoteMessage(qc.BlockID, qc.Decision)
	seen := make(map[types.PublicKey]bool, len(qc.Signatures))
	for _, sig := range qc.Signatures {
		if !members[sig.PublicKey] {
			return fail(KindQCSignerNotInCommittee, qc.BlockID, "signer %s", sig.PublicKey)
		}
		if seen[sig.PublicKey] {
			return fail(KindQCDuplicateSigner, qc.BlockID, "signer %s", sig.PublicKey)
		}
		seen[sig.PublicKey] = true
		pk := dancrypto.PublicKeyFromTypesKey(sig.PublicKey)
		if !dancrypto.Verify(pk, msg, dancrypto.SignatureFromBytes(sig.Sig)) {
			return fail(KindQCInvalidSignature, qc.BlockID, "signer %s", sig.PublicKey)
		}
	}
	return nil
}

// Params carries the context a proposal is validated against.
type Params struct {
	Config       config.Config
	CurrentEpoch types.Epoch
	// EpochTolerance bounds how far ahead a proposal's epoch may run
	// before it is rejected outright rather than buffered.
	EpochTolerance types.Epoch
	Committee      epochmgr.CommitteeInfo
	IsEvicted      func(types.PublicKey) bool
}

// ValidateProposal runs the §4.F pipeline over a received block and its
// justify QC, in order. On success the block is safe to process; an
// *Error return is a rejection; ErrFutureEpoch means buffer-and-sync.
func ValidateProposal(p Params, b block.Block, justify block.QC) error {
	id := b.ID()

	// 1. Network id.
	if b.Network != string(p.Config.Network) {
		return fail(KindNetworkMismatch, id, "block network %q, ours %q", b.Network, p.Config.Network)
	}

	// 2. A leader may not propose genesis.
	if b.IsGenesis() {
		return fail(KindProposedGenesis, id, "received proposal for genesis block")
	}

	// 3. Sidechain id: only required on the genesis block, so this is a
	// no-op for every block reaching this point; the check runs for real
	// when a shard group's genesis is constructed or loaded
	// (CheckSidechainID).
	if err := CheckSidechainID(b, p.Config.SidechainID); err != nil {
		return err
	}

	// 4. Dummy-block constraints, command ordering and command root.
	if err := b.ValidateStructure(); err != nil {
		if b.IsDummy {
			return fail(KindMalformedDummyBlock, id, "%v", err)
		}
		return fail(KindMalformedBlock, id, "%v", err)
	}

	// 5. Leader check with eviction-skip.
	if !b.IsDummy {
		leader, err := Leader(p.Committee, b.Height, p.IsEvicted)
		if err != nil {
			return fail(KindNotLeader, id, "%v", err)
		}
		if leader.PublicKey != b.ProposedBy {
			return fail(KindNotLeader, id, "proposed by %s, expected leader %s at height %d", b.ProposedBy, leader.PublicKey, b.Height)
		}
	}

	// 6. Schnorr signature (dummies carry none, genesis excluded above).
	if !b.IsDummy && !b.VerifySignature() {
		return fail(KindInvalidSignature, id, "header signature does not verify against proposed_by")
	}

	// 7. Progress: height must exceed the justify QC's height.
	if b.Height <= justify.BlockHeight {
		return fail(KindNoProgress, id, "height %d does not exceed justify height %d", b.Height, justify.BlockHeight)
	}

	// 8. QC validation.
	if err := ValidateQC(justify, p.Committee); err != nil {
		return err
	}

	// 9. Epoch: stale epochs are discarded, a bounded look-ahead is
	// buffered (the QC above already checked out), beyond it rejected.
	if b.Epoch < p.CurrentEpoch {
		return fail(KindStaleEpoch, id, "block epoch %d below current %d", b.Epoch, p.CurrentEpoch)
	}
	if b.Epoch > p.CurrentEpoch {
		if b.Epoch > p.CurrentEpoch+p.EpochTolerance {
			return fail(KindEpochTooFarAhead, id, "block epoch %d, current %d, tolerance %d", b.Epoch, p.CurrentEpoch, p.EpochTolerance)
		}
		return ErrFutureEpoch
	}
	return nil
}
