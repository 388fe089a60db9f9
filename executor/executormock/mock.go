// Package executormock provides a test double for the executor contract.
package executormock

import (
	"context"
	"testing"

	"github.com/luxfi/dan-consensus/executor"
)

// Ensure Executor implements executor.Executor
var _ executor.Executor = (*Executor)(nil)

// Executor is a mock implementation of executor.Executor
type Executor struct {
	T           *testing.T
	CantExecute bool

	ExecuteF func(context.Context, executor.Transaction, executor.StateReader, executor.VirtualSubstates) (executor.ExecuteResult, error)
}

func (e *Executor) Execute(ctx context.Context, tx executor.Transaction, state executor.StateReader, virtual executor.VirtualSubstates) (executor.ExecuteResult, error) {
	if e.ExecuteF != nil {
		return e.ExecuteF(ctx, tx, state, virtual)
	}
	if e.CantExecute && e.T != nil {
		e.T.Fatal("unexpected Execute")
	}
	return executor.ExecuteResult{Finalize: executor.FinalizeResult{Accept: true}}, nil
}
