// Package epochmgr defines the Epoch Manager interface the HotStuff
// worker consults for committee membership, shard-group assignment, and
// epoch lifecycle events (spec.md §4.K). It is the module boundary
// against the base-layer / registration contract, which stays
// out-of-scope; this package defines the contract and an in-memory
// reference implementation suitable for tests and single-process demos.
package epochmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/dan-consensus/eviction"
	"github.com/luxfi/dan-consensus/types"
)

// ValidatorNode is one committee member's registration record.
type ValidatorNode struct {
	Address     types.SubstateID
	PublicKey   types.PublicKey
	ShardGroup  types.ShardGroup
	Committee   types.ShardGroup
	FeeClaimKey types.PublicKey
}

// CommitteeInfo is the set of validators seated for a shard group in a
// given epoch (spec.md §4.K).
type CommitteeInfo struct {
	Epoch      types.Epoch
	ShardGroup types.ShardGroup
	Members    []ValidatorNode
}

// NumCommittee is the committee size.
func (c CommitteeInfo) NumCommittee() int { return len(c.Members) }

// QuorumThreshold is ⌈2n/3⌉+1 for this committee.
func (c CommitteeInfo) QuorumThreshold() int {
	return types.QuorumThreshold(len(c.Members))
}

// EpochChanged is the event delivered over Subscribe when the epoch
// manager observes a new epoch has become active.
type EpochChanged struct {
	Epoch types.Epoch
}

var (
	ErrEpochNotActive      = errors.New("epochmgr: epoch is not active")
	ErrValidatorNotFound   = errors.New("epochmgr: validator not registered for epoch")
	ErrNoCommitteeForShard = errors.New("epochmgr: no committee covers shard group")
	ErrNotRegistered       = errors.New("epochmgr: this node is not registered for epoch")
)

// Manager is the HotStuff worker's view of validator registration and
// epoch lifecycle (spec.md §4.K). Implementations must be safe for
// concurrent use; the worker calls these on its single goroutine but
// router and RPC-facing code may call them concurrently too.
type Manager interface {
	CurrentEpoch(ctx context.Context) (types.Epoch, error)
	WaitForInitialScanningToComplete(ctx context.Context) error

	GetCommitteeForSubstate(ctx context.Context, epoch types.Epoch, addr types.SubstateAddress) (CommitteeInfo, error)
	GetCommitteeByShardGroup(ctx context.Context, epoch types.Epoch, group types.ShardGroup, limit *int) (CommitteeInfo, error)
	GetLocalCommitteeInfo(ctx context.Context, epoch types.Epoch) (CommitteeInfo, error)

	GetValidatorNode(ctx context.Context, epoch types.Epoch, addr types.SubstateID) (ValidatorNode, error)
	GetValidatorNodeByPublicKey(ctx context.Context, epoch types.Epoch, pk types.PublicKey) (ValidatorNode, error)
	IsThisValidatorRegisteredForEpoch(ctx context.Context, epoch types.Epoch) (bool, error)

	IsEpochActive(ctx context.Context, epoch types.Epoch) (bool, error)
	GetNumCommittees(ctx context.Context, epoch types.Epoch) (uint32, error)
	GetCommittees(ctx context.Context, epoch types.Epoch) ([]CommitteeInfo, error)
	GetCommitteesOverlappingShardGroup(ctx context.Context, epoch types.Epoch, group types.ShardGroup) ([]CommitteeInfo, error)

	Subscribe(ctx context.Context) (<-chan EpochChanged, error)
	AddIntentToEvictValidator(ctx context.Context, proof eviction.Proof) error
}

// ValidatorStats tracks per-epoch liveness for the eviction path: missed
// proposal counters that, once a validator crosses a configured
// threshold, drive an EvictNode command (SPEC_FULL.md supplemented
// feature, original_source epoch_manager/base_layer/validator stats).
type ValidatorStats struct {
	MissedProposals uint32
	LastSeenHeight  types.NodeHeight
}

// InMemory is a reference epoch_manager.Manager backed by committee
// tables supplied by the caller (e.g. a test harness or single-process
// demo network); production deployments back Manager with the base-layer
// registration contract instead (spec.md §4.K, out of scope).
type InMemory struct {
	mu         sync.RWMutex
	local      types.PublicKey
	epoch      types.Epoch
	committees map[types.Epoch][]CommitteeInfo
	validators map[types.Epoch]map[types.SubstateID]ValidatorNode
	byPubKey   map[types.Epoch]map[types.PublicKey]ValidatorNode
	stats      map[types.Epoch]map[types.SubstateID]*ValidatorStats
	subs       []chan EpochChanged
	evictions  []eviction.Proof
	queue      *eviction.QueueWriter
}

func NewInMemory(local types.PublicKey) *InMemory {
	return &InMemory{
		local:      local,
		committees: make(map[types.Epoch][]CommitteeInfo),
		validators: make(map[types.Epoch]map[types.SubstateID]ValidatorNode),
		byPubKey:   make(map[types.Epoch]map[types.PublicKey]ValidatorNode),
		stats:      make(map[types.Epoch]map[types.SubstateID]*ValidatorStats),
	}
}

// SetEpochCommittees installs the committee set for an epoch and marks it
// active, notifying subscribers. Test/demo setup only.
func (m *InMemory) SetEpochCommittees(epoch types.Epoch, committees []CommitteeInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.committees[epoch] = committees
	m.validators[epoch] = make(map[types.SubstateID]ValidatorNode)
	m.byPubKey[epoch] = make(map[types.PublicKey]ValidatorNode)
	m.stats[epoch] = make(map[types.SubstateID]*ValidatorStats)
	for _, c := range committees {
		for _, v := range c.Members {
			m.validators[epoch][v.Address] = v
			m.byPubKey[epoch][v.PublicKey] = v
			m.stats[epoch][v.Address] = &ValidatorStats{}
		}
	}
	if epoch > m.epoch {
		m.epoch = epoch
	}
	for _, ch := range m.subs {
		select {
		case ch <- EpochChanged{Epoch: epoch}:
		default:
		}
	}
}

func (m *InMemory) CurrentEpoch(ctx context.Context) (types.Epoch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch, nil
}

func (m *InMemory) WaitForInitialScanningToComplete(ctx context.Context) error {
	return nil
}

// totalPreshards derives the network's preshard count from the union of
// an epoch's committee shard-group ranges (the highest End+1), since
// shard groups always partition the full [0, NumPreshards) space.
func (m *InMemory) totalPreshards(epoch types.Epoch) types.NumPreshards {
	var maxEnd types.Shard
	for _, c := range m.committees[epoch] {
		if c.ShardGroup.End > maxEnd {
			maxEnd = c.ShardGroup.End
		}
	}
	return types.NumPreshards(maxEnd + 1)
}

func (m *InMemory) GetCommitteeForSubstate(ctx context.Context, epoch types.Epoch, addr types.SubstateAddress) (CommitteeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := m.totalPreshards(epoch)
	shard := addr.ShardOf(n)
	for _, c := range m.committees[epoch] {
		if c.ShardGroup.Contains(shard) {
			return c, nil
		}
	}
	return CommitteeInfo{}, fmt.Errorf("%w: epoch %d addr %x", ErrNoCommitteeForShard, epoch, addr)
}

func (m *InMemory) GetCommitteeByShardGroup(ctx context.Context, epoch types.Epoch, group types.ShardGroup, limit *int) (CommitteeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.committees[epoch] {
		if c.ShardGroup == group {
			if limit != nil && *limit < len(c.Members) {
				cp := c
				cp.Members = append([]ValidatorNode(nil), c.Members[:*limit]...)
				return cp, nil
			}
			return c, nil
		}
	}
	return CommitteeInfo{}, fmt.Errorf("%w: epoch %d group %s", ErrNoCommitteeForShard, epoch, group)
}

func (m *InMemory) GetLocalCommitteeInfo(ctx context.Context, epoch types.Epoch) (CommitteeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.committees[epoch] {
		for _, v := range c.Members {
			if v.PublicKey == m.local {
				return c, nil
			}
		}
	}
	return CommitteeInfo{}, fmt.Errorf("%w: epoch %d", ErrNotRegistered, epoch)
}

func (m *InMemory) GetValidatorNode(ctx context.Context, epoch types.Epoch, addr types.SubstateID) (ValidatorNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.validators[epoch][addr]
	if !ok {
		return ValidatorNode{}, fmt.Errorf("%w: %x", ErrValidatorNotFound, addr)
	}
	return v, nil
}

func (m *InMemory) GetValidatorNodeByPublicKey(ctx context.Context, epoch types.Epoch, pk types.PublicKey) (ValidatorNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.byPubKey[epoch][pk]
	if !ok {
		return ValidatorNode{}, fmt.Errorf("%w: %x", ErrValidatorNotFound, pk)
	}
	return v, nil
}

func (m *InMemory) IsThisValidatorRegisteredForEpoch(ctx context.Context, epoch types.Epoch) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byPubKey[epoch][m.local]
	return ok, nil
}

func (m *InMemory) IsEpochActive(ctx context.Context, epoch types.Epoch) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.committees[epoch]
	return ok, nil
}

func (m *InMemory) GetNumCommittees(ctx context.Context, epoch types.Epoch) (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint32(len(m.committees[epoch])), nil
}

func (m *InMemory) GetCommittees(ctx context.Context, epoch types.Epoch) ([]CommitteeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]CommitteeInfo(nil), m.committees[epoch]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ShardGroup.Start < out[j].ShardGroup.Start })
	return out, nil
}

func (m *InMemory) GetCommitteesOverlappingShardGroup(ctx context.Context, epoch types.Epoch, group types.ShardGroup) ([]CommitteeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CommitteeInfo
	for _, c := range m.committees[epoch] {
		if c.ShardGroup.Overlaps(group) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *InMemory) Subscribe(ctx context.Context) (<-chan EpochChanged, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan EpochChanged, 4)
	m.subs = append(m.subs, ch)
	return ch, nil
}

// SetLayerOneQueue routes recorded eviction proofs into a durable
// layer-one submission queue consumed by the external watcher.
func (m *InMemory) SetLayerOneQueue(q *eviction.QueueWriter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = q
}

// AddIntentToEvictValidator records a completed EvictionProof and, when
// a layer-one queue is configured, publishes it for the watcher
// (spec.md §4.J step 3, §6 Layer-one transaction submission).
func (m *InMemory) AddIntentToEvictValidator(ctx context.Context, proof eviction.Proof) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions = append(m.evictions, proof)
	if m.queue != nil {
		if err := m.queue.Submit(proof); err != nil {
			return fmt.Errorf("epochmgr: submit eviction proof: %w", err)
		}
	}
	return nil
}

// Evictions returns every proof recorded so far. Test/demo inspection
// only.
func (m *InMemory) Evictions() []eviction.Proof {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]eviction.Proof(nil), m.evictions...)
}

// RecordProposal updates a validator's liveness stats after observing (or
// failing to observe) a proposal at height h, returning true once the
// validator has crossed missedThreshold consecutive misses (SPEC_FULL.md
// supplemented feature: missed-proposal eviction trigger).
func (m *InMemory) RecordProposal(epoch types.Epoch, addr types.SubstateID, proposed bool, h types.NodeHeight, missedThreshold uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[epoch][addr]
	if !ok {
		st = &ValidatorStats{}
		m.stats[epoch][addr] = st
	}
	if proposed {
		st.MissedProposals = 0
		st.LastSeenHeight = h
		return false
	}
	st.MissedProposals++
	return st.MissedProposals >= missedThreshold
}

// Stats returns a copy of a validator's current liveness stats.
func (m *InMemory) Stats(epoch types.Epoch, addr types.SubstateID) (ValidatorStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stats[epoch][addr]
	if !ok {
		return ValidatorStats{}, false
	}
	return *st, true
}
