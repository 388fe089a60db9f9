package feepool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/dan-consensus/types"
)

func TestCreditAndBalance(t *testing.T) {
	tr := NewTracker()
	v1 := types.PublicKey{1}
	v2 := types.PublicKey{2}

	tr.Credit(1, v1, 10)
	tr.Credit(1, v1, 5)
	tr.Credit(1, v2, 3)
	tr.Credit(2, v1, 100)

	require.Equal(t, uint64(15), tr.Balance(1, v1))
	require.Equal(t, uint64(3), tr.Balance(1, v2))
	require.Equal(t, uint64(18), tr.EpochTotal(1))
	require.Equal(t, uint64(100), tr.EpochTotal(2))
}

func TestZeroFeeIgnored(t *testing.T) {
	tr := NewTracker()
	tr.Credit(1, types.PublicKey{1}, 0)
	require.Zero(t, tr.EpochTotal(1))
}

func TestDrain(t *testing.T) {
	tr := NewTracker()
	v := types.PublicKey{1}
	tr.Credit(3, v, 42)

	pool := tr.Drain(3)
	require.Equal(t, uint64(42), pool[v])
	require.Zero(t, tr.Balance(3, v))
	require.Nil(t, tr.Drain(3))
}
