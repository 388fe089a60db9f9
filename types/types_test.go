package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuorumThresholdBoundaries(t *testing.T) {
	// ceil(2n/3)+1 at the committee sizes 3f+1.
	require.Equal(t, 2, QuorumThreshold(1))
	require.Equal(t, 4, QuorumThreshold(4))
	require.Equal(t, 6, QuorumThreshold(7))
	require.Equal(t, 8, QuorumThreshold(10))
	require.Equal(t, 1, QuorumThreshold(0))
}

func TestNumPreshardsValid(t *testing.T) {
	for _, n := range []NumPreshards{1, 2, 4, 8, 16, 32, 64, 128, 256} {
		require.True(t, n.Valid(), "expected %d to be valid", n)
	}
	for _, n := range []NumPreshards{0, 3, 5, 12, 100, 257, 512} {
		require.False(t, n.Valid(), "expected %d to be invalid", n)
	}
}

func TestShardGroupEncodeRoundTrip(t *testing.T) {
	g, err := NewShardGroup(3, 17)
	require.NoError(t, err)
	require.Equal(t, g, DecodeShardGroup(g.Encode()))
	require.Equal(t, uint32(15), g.NumShards())

	_, err = NewShardGroup(5, 2)
	require.Error(t, err)
}

func TestShardGroupOverlaps(t *testing.T) {
	a := ShardGroup{Start: 0, End: 31}
	b := ShardGroup{Start: 32, End: 63}
	c := ShardGroup{Start: 16, End: 47}
	require.False(t, a.Overlaps(b))
	require.True(t, a.Overlaps(c))
	require.True(t, b.Overlaps(c))
	require.True(t, a.Overlaps(a))
}

// Address ranges across all shards must cover [0, 2^256) without gaps or
// overlaps for any power-of-two preshard count.
func TestAddressRangeCoversWithoutGaps(t *testing.T) {
	for _, n := range []NumPreshards{1, 2, 4, 16, 256} {
		var prev SubstateAddress
		for s := Shard(0); s < Shard(n); s++ {
			low, high := s.ToSubstateAddressRange(n)
			if s == 0 {
				require.Equal(t, SubstateAddress{}, low, "first shard starts at zero for n=%d", n)
			} else {
				require.Equal(t, incrementAddress(prev), low, "no gap before shard %d for n=%d", s, n)
			}
			require.Equal(t, -1, compareAddr(low, high), "low < high for shard %d n=%d", s, n)
			prev = high
		}
		require.Equal(t, maxAddress(), prev, "last shard ends at max for n=%d", n)
	}
}

func TestShardOfMatchesRange(t *testing.T) {
	const n = NumPreshards(16)
	for s := Shard(0); s < 16; s++ {
		low, high := s.ToSubstateAddressRange(n)
		require.Equal(t, s, low.ShardOf(n))
		require.Equal(t, s, high.ShardOf(n))
	}
}

func TestSingleShardIsGlobalRange(t *testing.T) {
	low, high := GlobalShard.ToSubstateAddressRange(1)
	require.Equal(t, SubstateAddress{}, low)
	require.Equal(t, maxAddress(), high)
	require.Equal(t, GlobalShard, high.ShardOf(1))
}

func TestToSubstateAddressIsVersionSensitive(t *testing.T) {
	var id SubstateID
	id[0] = 9
	require.NotEqual(t, ToSubstateAddress(id, 0), ToSubstateAddress(id, 1))
	require.Equal(t, ToSubstateAddress(id, 3), ToSubstateAddress(id, 3))
}

func incrementAddress(a SubstateAddress) SubstateAddress {
	for i := len(a) - 1; i >= 0; i-- {
		a[i]++
		if a[i] != 0 {
			break
		}
	}
	return a
}

func compareAddr(a, b SubstateAddress) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
