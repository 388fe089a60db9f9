// Package executor defines the transaction-executor contract the
// consensus core consumes (spec.md §6): a deterministic, side-effect
// free function from a transaction plus resolved inputs to an execute
// result. The WASM/manifest engine implementing it is out of scope.
package executor

import (
	"context"
	"time"

	"github.com/luxfi/dan-consensus/substatestore"
	"github.com/luxfi/dan-consensus/types"
)

// Transaction is the core's view of a mempool transaction: its id, the
// inputs it declares, its fee and the opaque payload the execution
// engine interprets.
type Transaction struct {
	ID      types.TransactionID
	Inputs  []types.VersionedSubstateId
	Fee     uint64
	Payload []byte
}

// StateReader is the read-only state view handed to the executor;
// reads are latest-version and consistent for the call's lifetime.
type StateReader interface {
	LatestUp(id types.SubstateID) (substatestore.Substate, bool, error)
}

// VirtualSubstateKey names a read-only substate synthesized at execution
// time rather than persisted.
type VirtualSubstateKey string

const (
	VirtualSubstateCurrentEpoch VirtualSubstateKey = "current_epoch"
)

// VirtualSubstates carries the synthesized read-only substates for one
// execution.
type VirtualSubstates map[VirtualSubstateKey][]byte

// Diff is the substate change set an accepted execution produces.
type Diff struct {
	Changes []substatestore.Change
}

// FeeReceipt itemises the fee charged by an execution.
type FeeReceipt struct {
	TotalFeeCharged uint64
	TotalFeePayment uint64
}

// FinalizeResult is the accept-or-reject outcome of one execution.
type FinalizeResult struct {
	Accept       bool
	Diff         *Diff
	RejectReason string
	FeeReceipt   FeeReceipt
}

// ExecuteResult bundles the finalize outcome with the measured execution
// time.
type ExecuteResult struct {
	Finalize      FinalizeResult
	ExecutionTime time.Duration
}

// Executor executes a transaction against a read-only state view. It
// must be deterministic for the same inputs and perform no I/O
// side-effects; a cancelled context aborts with no partial state.
type Executor interface {
	Execute(ctx context.Context, tx Transaction, state StateReader, virtual VirtualSubstates) (ExecuteResult, error)
}
