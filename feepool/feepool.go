// Package feepool accumulates leader fees from committed blocks into a
// per-epoch pool read out by the (external) execution layer when fee
// claims are processed.
package feepool

import (
	"sync"

	"github.com/luxfi/dan-consensus/types"
)

// Tracker is the per-epoch leader-fee pool. The HotStuff worker credits
// it on every commit; readers take immutable snapshots.
type Tracker struct {
	mu     sync.RWMutex
	epochs map[types.Epoch]map[types.PublicKey]uint64
}

func NewTracker() *Tracker {
	return &Tracker{epochs: make(map[types.Epoch]map[types.PublicKey]uint64)}
}

// Credit adds a committed block's total leader fee to its proposer's
// balance for the epoch.
func (t *Tracker) Credit(epoch types.Epoch, proposer types.PublicKey, fee uint64) {
	if fee == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	pool := t.epochs[epoch]
	if pool == nil {
		pool = make(map[types.PublicKey]uint64)
		t.epochs[epoch] = pool
	}
	pool[proposer] += fee
}

// Balance returns one validator's accumulated fees for an epoch.
func (t *Tracker) Balance(epoch types.Epoch, proposer types.PublicKey) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epochs[epoch][proposer]
}

// EpochTotal sums every validator's fees for an epoch.
func (t *Tracker) EpochTotal(epoch types.Epoch) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total uint64
	for _, fee := range t.epochs[epoch] {
		total += fee
	}
	return total
}

// Drain removes and returns an epoch's pool, e.g. when fee claims are
// settled at an epoch boundary.
func (t *Tracker) Drain(epoch types.Epoch) map[types.PublicKey]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	pool := t.epochs[epoch]
	delete(t.epochs, epoch)
	return pool
}
