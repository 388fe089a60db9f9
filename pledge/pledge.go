// Package pledge implements the cross-shard pledge bundle exchanged in
// foreign-proposal messages: substate values a committee promises to hold
// at specific versions on behalf of another shard group's transaction
// (spec.md §4.C).
package pledge

import (
	"errors"
	"fmt"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/types"
)

// Kind discriminates the two SubstatePledge variants.
type Kind uint8

const (
	KindInput Kind = iota
	KindOutput
)

// SubstatePledge is one entry in a BlockPledge: either an Input (which
// must carry the locked value) or an Output (which does not).
type SubstatePledge struct {
	Kind        Kind
	VersionedID types.VersionedSubstateId
	IsWrite     bool   // meaningful for Input only
	Value       []byte // required for Input, must be nil for Output
}

// Satisfies reports whether this pledge entry satisfies a lock intent:
// the lock type is compatible, and the versioned id matches exactly
// (spec.md §4.C "Pledges satisfy a lock intent iff (lock_type_allows,
// version_equals, id_equals)").
func (p SubstatePledge) Satisfies(vid types.VersionedSubstateId, lock types.LockType) bool {
	if p.VersionedID != vid {
		return false
	}
	switch lock {
	case types.LockOutput:
		return p.Kind == KindOutput
	case types.LockWrite:
		return p.Kind == KindInput && p.IsWrite
	case types.LockRead:
		return p.Kind == KindInput
	default:
		return false
	}
}

var (
	ErrInputMissingValue  = errors.New("pledge: input pledge missing value")
	ErrOutputHasValue     = errors.New("pledge: output pledge must not carry a value")
	ErrDuplicatePledge    = errors.New("pledge: duplicate pledge entry")
	ErrInconsistentLock   = errors.New("pledge: inconsistent lock type for same versioned id")
	ErrMissingPledgedInput = errors.New("pledge: block pledge omits a pledged input")
)

// BlockPledge is the bundle attached to a ForeignProposal message: every
// substate a committee locked during its prepare phase, for every
// transaction proposed in that block.
type BlockPledge struct {
	Pledges []SubstatePledge
}

// Validate checks the structural invariants from spec.md §4.C: every
// Input carries a value and every Output does not; no duplicate entries
// (by id+version+lock_type); and no two entries disagree on lock type for
// the same versioned id.
func (bp BlockPledge) Validate() error {
	type key struct {
		types.VersionedSubstateId
		kind    Kind
		isWrite bool
	}
	seen := make(map[key]bool)
	lockTypeByID := make(map[types.VersionedSubstateId]Kind)
	writeByID := make(map[types.VersionedSubstateId]bool)

	for _, p := range bp.Pledges {
		if p.Kind == KindInput && len(p.Value) == 0 {
			return fmt.Errorf("%w: %s", ErrInputMissingValue, p.VersionedID)
		}
		if p.Kind == KindOutput && len(p.Value) != 0 {
			return fmt.Errorf("%w: %s", ErrOutputHasValue, p.VersionedID)
		}
		k := key{p.VersionedID, p.Kind, p.IsWrite}
		if seen[k] {
			return fmt.Errorf("%w: %s", ErrDuplicatePledge, p.VersionedID)
		}
		seen[k] = true

		if prevKind, ok := lockTypeByID[p.VersionedID]; ok {
			if prevKind != p.Kind || (p.Kind == KindInput && writeByID[p.VersionedID] != p.IsWrite) {
				return fmt.Errorf("%w: %s", ErrInconsistentLock, p.VersionedID)
			}
		} else {
			lockTypeByID[p.VersionedID] = p.Kind
			writeByID[p.VersionedID] = p.IsWrite
		}
	}
	return nil
}

// find returns the pledge entry for vid, if any.
func (bp BlockPledge) find(vid types.VersionedSubstateId) (SubstatePledge, bool) {
	for _, p := range bp.Pledges {
		if p.VersionedID == vid {
			return p, true
		}
	}
	return SubstatePledge{}, false
}

// Value returns the pledged value for vid, if this bundle pledges it as
// an Input.
func (bp BlockPledge) Value(vid types.VersionedSubstateId) ([]byte, bool) {
	p, ok := bp.find(vid)
	if !ok || p.Kind != KindInput {
		return nil, false
	}
	return p.Value, true
}

// IsSatisfiedFor reports whether this pledge bundle satisfies every
// foreign input a transaction's evidence records for shard groups other
// than localGroup (spec.md §4.C): for each such input, the pledge must
// contain a substate whose version equals the evidence's version.
func (bp BlockPledge) IsSatisfiedFor(ev block.Evidence, localGroup types.ShardGroup) error {
	for sg, sge := range ev {
		if sg == localGroup {
			continue
		}
		for _, in := range sge.Inputs {
			p, ok := bp.find(in.VersionedID)
			if !ok {
				return fmt.Errorf("%w: %s (shard group %s)", ErrMissingPledgedInput, in.VersionedID, sg)
			}
			if !p.Satisfies(in.VersionedID, in.Lock) {
				return fmt.Errorf("pledge: entry for %s does not satisfy lock %s", in.VersionedID, in.Lock)
			}
		}
	}
	return nil
}
