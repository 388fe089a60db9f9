// Package substatestore implements the pending substate store: a
// transactional scratchpad layered over a read-only committed view plus a
// chain of pending (not-yet-committed) blocks, enforcing the lock
// protocol described in spec.md §4.B.
package substatestore

import (
	"errors"
	"fmt"

	"github.com/luxfi/dan-consensus/types"
)

// LockType is re-exported from types for callers that only import
// substatestore.
type LockType = types.LockType

const (
	LockRead   = types.LockRead
	LockWrite  = types.LockWrite
	LockOutput = types.LockOutput
)

// Substate is the versioned unit of state: it is "up" iff Value is non-nil.
type Substate struct {
	ID      types.SubstateID
	Version uint32
	Value   []byte // nil means the substate is Down
}

func (s Substate) IsUp() bool { return s.Value != nil }

// Change is a state transition applied through Put: either creating
// (Up) or destroying (Down) a substate version.
type Change struct {
	VersionedID types.VersionedSubstateId
	Up          bool
	Value       []byte // required iff Up
}

// Errors returned by the lock protocol and substate transitions. A lock
// failure never aborts the whole block (spec.md §4.B, §7); it aborts only
// the offending transaction, which callers (txpool/hotstuff) must handle.
var (
	ErrLockConflict        = errors.New("substatestore: lock conflict")
	ErrExpectedSubstateDown = errors.New("substatestore: expected substate down")
	ErrSubstateNotFound     = errors.New("substatestore: substate not found")
)

// LockConflictError carries the conflicting lock for diagnostics.
type LockConflictError struct {
	VersionedID types.VersionedSubstateId
	Requested   LockType
	HeldBy      types.TransactionID
	Held        LockType
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("lock conflict on %s: requested %s conflicts with %s held by %s",
		e.VersionedID, e.Requested, e.Held, e.HeldBy)
}

func (e *LockConflictError) Unwrap() error { return ErrLockConflict }

type heldLock struct {
	txID      types.TransactionID
	lockType  LockType
	localOnly bool
}

// CommittedReader is the read-only view of durably committed state that
// the pending store layers over.
type CommittedReader interface {
	// LatestVersion returns the highest version of id in committed state
	// and whether that version is Up, or ok=false if the id has never
	// existed.
	LatestVersion(id types.SubstateID) (version uint32, isUp bool, ok bool, err error)
	Get(id types.SubstateID, version uint32) (Substate, bool, error)
}

// Store is the pending substate scratchpad for one block-chain tip. It is
// created, mutated and either persisted or dropped together with its
// owning durable transaction (spec.md §3 Ownership).
type Store struct {
	committed CommittedReader

	// overlay holds Up/Down writes made by pending (not yet committed)
	// blocks in this chain, keyed by substate id.
	overlay map[types.SubstateID][]versionEntry

	// locks tracks every outstanding lock keyed by (substate id, version).
	locks map[lockKey][]heldLock
}

type versionEntry struct {
	version uint32
	up      bool
	value   []byte
}

type lockKey struct {
	id      types.SubstateID
	version uint32
}

// New creates a pending store layered over the given committed reader.
func New(committed CommittedReader) *Store {
	return &Store{
		committed: committed,
		overlay:   make(map[types.SubstateID][]versionEntry),
		locks:     make(map[lockKey][]heldLock),
	}
}

// latestInOverlay returns the most recent overlay entry for id, if any.
func (s *Store) latestInOverlay(id types.SubstateID) (versionEntry, bool) {
	entries := s.overlay[id]
	if len(entries) == 0 {
		return versionEntry{}, false
	}
	return entries[len(entries)-1], true
}

// LatestUp returns the latest Up version of id, considering pending
// overlays (spec.md §4.B "Reads are latest-version, considering pending
// overlays").
func (s *Store) LatestUp(id types.SubstateID) (Substate, bool, error) {
	if e, ok := s.latestInOverlay(id); ok {
		if !e.up {
			return Substate{}, false, nil
		}
		return Substate{ID: id, Version: e.version, Value: e.value}, true, nil
	}
	version, isUp, ok, err := s.committed.LatestVersion(id)
	if err != nil {
		return Substate{}, false, err
	}
	if !ok || !isUp {
		return Substate{}, false, nil
	}
	sub, found, err := s.committed.Get(id, version)
	if err != nil || !found {
		return Substate{}, false, err
	}
	return sub, true, nil
}

// isDownAt reports whether version `v` of id is Down, considering the
// overlay then committed state.
func (s *Store) isDownAt(id types.SubstateID, v uint32) (bool, error) {
	for i := len(s.overlay[id]) - 1; i >= 0; i-- {
		e := s.overlay[id][i]
		if e.version == v {
			return !e.up, nil
		}
	}
	sub, found, err := s.committed.Get(id, v)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return !sub.IsUp(), nil
}

// Put applies an Up or Down transition to the overlay, validating the
// substate-lifecycle invariant (spec.md §3, §4.B):
//   - Up requires either no prior version (v=0) or that v-1 exists and is
//     Down.
//   - Down requires the prior Up exists at the given version.
func (s *Store) Put(c Change) error {
	id := c.VersionedID.ID
	v := c.VersionedID.Version
	if c.Up {
		if v > 0 {
			down, err := s.isDownAt(id, v-1)
			if err != nil {
				return err
			}
			if !down {
				return fmt.Errorf("%w: %s v%d requires v%d to be down", ErrExpectedSubstateDown, id, v, v-1)
			}
		} else {
			// v == 0: must be the first version ever, i.e. no overlay
			// entries and nothing committed.
			if _, ok := s.latestInOverlay(id); ok {
				return fmt.Errorf("%w: %s v0 already has overlay history", ErrExpectedSubstateDown, id)
			}
			if _, _, ok, err := s.committed.LatestVersion(id); err != nil {
				return err
			} else if ok {
				return fmt.Errorf("%w: %s v0 already exists committed", ErrExpectedSubstateDown, id)
			}
		}
		s.overlay[id] = append(s.overlay[id], versionEntry{version: v, up: true, value: c.Value})
		return nil
	}

	// Down: the same version must currently be Up.
	latest, ok, err := s.LatestUp(id)
	if err != nil {
		return err
	}
	if !ok || latest.Version != v {
		return fmt.Errorf("substatestore: down of %s v%d but latest up is %v", id, v, latest)
	}
	s.overlay[id] = append(s.overlay[id], versionEntry{version: v, up: false})
	return nil
}

// compatible reports whether a new lock of type `want` may coexist with an
// existing lock of type `have` held by a different transaction.
func compatible(have, want LockType) bool {
	return have == LockRead && want == LockRead
}

// TryLock attempts to acquire a lock of the given type on a specific
// substate version for txID. Reads are shared; Write and Output are
// exclusive, except that a transaction may upgrade its own Read to Write
// and may additionally lock its own Outputs.
//
// is_local_only locks still bind within this group (so they still
// conflict locally) but are excluded from cross-shard pledge
// satisfaction checks — that exclusion is enforced by the pledge package,
// not here.
func (s *Store) TryLock(txID types.TransactionID, vid types.VersionedSubstateId, lockType LockType, isLocalOnly bool) error {
	key := lockKey{id: vid.ID, version: vid.Version}
	existing := s.locks[key]

	for _, h := range existing {
		if h.txID == txID {
			// Same tx: upgrading Read->Write or adding Output is allowed;
			// anything else is a harmless re-lock.
			continue
		}
		if !compatible(h.lockType, lockType) {
			return &LockConflictError{
				VersionedID: vid,
				Requested:   lockType,
				HeldBy:      h.txID,
				Held:        h.lockType,
			}
		}
	}

	// Replace this tx's existing entry (if any) with the new lock type so
	// that upgrades (Read -> Write) are reflected for subsequent conflict
	// checks against other transactions.
	out := existing[:0]
	replaced := false
	for _, h := range existing {
		if h.txID == txID {
			out = append(out, heldLock{txID: txID, lockType: lockType, localOnly: isLocalOnly})
			replaced = true
			continue
		}
		out = append(out, h)
	}
	if !replaced {
		out = append(out, heldLock{txID: txID, lockType: lockType, localOnly: isLocalOnly})
	}
	s.locks[key] = out
	return nil
}

// Unlock releases every lock held by txID across all versioned ids. Used
// when a transaction aborts or its containing block is dropped.
func (s *Store) Unlock(txID types.TransactionID) {
	for key, holders := range s.locks {
		out := holders[:0]
		for _, h := range holders {
			if h.txID != txID {
				out = append(out, h)
			}
		}
		if len(out) == 0 {
			delete(s.locks, key)
		} else {
			s.locks[key] = out
		}
	}
}

// Locks returns a snapshot of all locks currently held on a versioned id,
// for diagnostics and tests.
func (s *Store) Locks(vid types.VersionedSubstateId) []types.TransactionID {
	key := lockKey{id: vid.ID, version: vid.Version}
	var out []types.TransactionID
	for _, h := range s.locks[key] {
		out = append(out, h.txID)
	}
	return out
}
