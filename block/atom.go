package block

import (
	"fmt"

	"github.com/luxfi/dan-consensus/types"
)

// AbortReason enumerates why a transaction atom carries an Abort decision.
// This is a closed sum, matched exhaustively rather than dispatched
// through an interface (spec.md §9 "Tagged variants over inheritance").
type AbortReason uint8

const (
	AbortReasonNone AbortReason = iota
	AbortReasonLockConflict
	AbortReasonExecutionFailure
	AbortReasonForeignShardGroupDecidedToAbort
	AbortReasonForeignPledgeInputConflict
	AbortReasonInputNotFound
	AbortReasonStageDisagreement
)

func (r AbortReason) String() string {
	switch r {
	case AbortReasonNone:
		return "None"
	case AbortReasonLockConflict:
		return "LockConflict"
	case AbortReasonExecutionFailure:
		return "ExecutionFailure"
	case AbortReasonForeignShardGroupDecidedToAbort:
		return "ForeignShardGroupDecidedToAbort"
	case AbortReasonForeignPledgeInputConflict:
		return "ForeignPledgeInputConflict"
	case AbortReasonInputNotFound:
		return "InputNotFound"
	case AbortReasonStageDisagreement:
		return "StageDisagreement"
	default:
		return "Unknown"
	}
}

// Decision is a transaction's Commit/Abort outcome, as observed or decided
// at a given phase.
type Decision struct {
	IsAbort bool
	Reason  AbortReason
}

func CommitDecision() Decision { return Decision{} }

func AbortDecision(reason AbortReason) Decision {
	return Decision{IsAbort: true, Reason: reason}
}

func (d Decision) String() string {
	if !d.IsAbort {
		return "Commit"
	}
	return fmt.Sprintf("Abort(%s)", d.Reason)
}

func (d Decision) encode(e *canonEncoder) {
	e.bool(d.IsAbort)
	e.u8(uint8(d.Reason))
}

// LockedInput is one input substate an evidence entry claims to have
// locked, together with the lock intent used.
type LockedInput struct {
	VersionedID types.VersionedSubstateId
	Lock        types.LockType
}

// ShardGroupEvidence is one shard group's contribution to a transaction's
// evidence: its locked inputs, its outputs, and the prepare/accept phase
// decisions it reported, plus the QC that justified its last report.
type ShardGroupEvidence struct {
	Inputs          []LockedInput
	Outputs         []types.VersionedSubstateId
	PrepareDecision *Decision
	AcceptDecision  *Decision
	JustifyQcID     types.QcID
}

// Involved reports whether this shard group contributed at least one
// locked input or output, the invariant required for it to legally appear
// in Evidence at all (spec.md §3 Evidence invariants).
func (e ShardGroupEvidence) Involved() bool {
	return len(e.Inputs) > 0 || len(e.Outputs) > 0
}

// Evidence accumulates, per shard group, what that group observed about a
// transaction across the prepare/accept phases.
type Evidence map[types.ShardGroup]ShardGroupEvidence

// Validate checks the evidence invariants from spec.md §3 and §4.C: every
// shard group present must be involved, and Abort evidence entries never
// carry a leader fee (that check is performed by TransactionAtom.Validate
// since the fee is atom-level, not per shard-group).
func (ev Evidence) Validate() error {
	for sg, sge := range ev {
		if !sge.Involved() {
			return fmt.Errorf("block: evidence for shard group %s has no locked input or output", sg)
		}
	}
	return nil
}

// shardGroupsSorted returns the shard groups present in ev, ordered for
// deterministic hashing.
func (ev Evidence) shardGroupsSorted() []types.ShardGroup {
	out := make([]types.ShardGroup, 0, len(ev))
	for sg := range ev {
		out = append(out, sg)
	}
	sortShardGroups(out)
	return out
}

func sortShardGroups(sgs []types.ShardGroup) {
	for i := 1; i < len(sgs); i++ {
		for j := i; j > 0 && sgs[j-1].Encode() > sgs[j].Encode(); j-- {
			sgs[j-1], sgs[j] = sgs[j], sgs[j-1]
		}
	}
}

func (ev Evidence) encode(e *canonEncoder) {
	sgs := ev.shardGroupsSorted()
	e.u32(uint32(len(sgs)))
	for _, sg := range sgs {
		sge := ev[sg]
		e.u32(sg.Encode())
		e.u32(uint32(len(sge.Inputs)))
		for _, in := range sge.Inputs {
			e.raw(in.VersionedID.ID[:])
			e.u32(in.VersionedID.Version)
			e.u8(uint8(in.Lock))
		}
		e.u32(uint32(len(sge.Outputs)))
		for _, out := range sge.Outputs {
			e.raw(out.ID[:])
			e.u32(out.Version)
		}
		e.bool(sge.PrepareDecision != nil)
		if sge.PrepareDecision != nil {
			sge.PrepareDecision.encode(e)
		}
		e.bool(sge.AcceptDecision != nil)
		if sge.AcceptDecision != nil {
			sge.AcceptDecision.encode(e)
		}
		e.raw(sge.JustifyQcID[:])
	}
}

// TransactionAtom is the payload carried by every stage-transition
// command (spec.md §3).
type TransactionAtom struct {
	ID             types.TransactionID
	Decision       Decision
	Evidence       Evidence
	TransactionFee uint64
	LeaderFee      *uint64
}

// leaderFeeAllowed reports whether `stage` may carry a leader fee: only a
// committed LocalOnly or AllAccept command does (spec.md §3).
func leaderFeeAllowed(kind CommandKind, d Decision) bool {
	if d.IsAbort {
		return false
	}
	return kind == KindLocalOnly || kind == KindAllAccept
}

// Validate checks the atom-level invariants: Abort evidence never carries
// a leader fee, and leader_fee is present only where the stage allows it.
func (a TransactionAtom) Validate(kind CommandKind) error {
	if err := a.Evidence.Validate(); err != nil {
		return err
	}
	if a.Decision.IsAbort && a.LeaderFee != nil {
		return fmt.Errorf("block: abort atom %s carries a leader fee", a.ID)
	}
	if a.LeaderFee != nil && !leaderFeeAllowed(kind, a.Decision) {
		return fmt.Errorf("block: atom %s carries a leader fee but stage/decision does not allow one", a.ID)
	}
	return nil
}

func (a TransactionAtom) encode(e *canonEncoder) {
	e.raw(a.ID[:])
	a.Decision.encode(e)
	a.Evidence.encode(e)
	e.u64(a.TransactionFee)
	e.bool(a.LeaderFee != nil)
	if a.LeaderFee != nil {
		e.u64(*a.LeaderFee)
	}
}
