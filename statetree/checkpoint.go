package statetree

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/luxfi/dan-consensus/types"
)

// Checkpoint is the epoch-boundary record bundling each shard's latest
// tree root and the root-of-roots computed over them. It backs the
// epoch_checkpoints table and is the "root tree" the spec reserves for
// epoch boundaries.
type Checkpoint struct {
	Epoch      types.Epoch
	ShardRoots map[types.Shard]Hash
}

// Root returns the checkpoint's merged root across its shard roots.
func (c Checkpoint) Root() Hash {
	return RootOfRoots(c.ShardRoots)
}

// Encode serializes the checkpoint with shards in ascending order.
func (c Checkpoint) Encode() []byte {
	shards := make([]types.Shard, 0, len(c.ShardRoots))
	for s := range c.ShardRoots {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })

	out := make([]byte, 0, 8+4+len(shards)*(4+32))
	var n8 [8]byte
	binary.LittleEndian.PutUint64(n8[:], uint64(c.Epoch))
	out = append(out, n8[:]...)
	var n4 [4]byte
	binary.LittleEndian.PutUint32(n4[:], uint32(len(shards)))
	out = append(out, n4[:]...)
	for _, s := range shards {
		binary.LittleEndian.PutUint32(n4[:], uint32(s))
		out = append(out, n4[:]...)
		r := c.ShardRoots[s]
		out = append(out, r[:]...)
	}
	return out
}

// DecodeCheckpoint reverses Checkpoint.Encode.
func DecodeCheckpoint(buf []byte) (Checkpoint, error) {
	if len(buf) < 12 {
		return Checkpoint{}, fmt.Errorf("statetree: short checkpoint encoding")
	}
	c := Checkpoint{
		Epoch:      types.Epoch(binary.LittleEndian.Uint64(buf)),
		ShardRoots: make(map[types.Shard]Hash),
	}
	n := int(binary.LittleEndian.Uint32(buf[8:]))
	off := 12
	for i := 0; i < n; i++ {
		if off+36 > len(buf) {
			return Checkpoint{}, fmt.Errorf("statetree: short checkpoint encoding at shard %d", i)
		}
		s := types.Shard(binary.LittleEndian.Uint32(buf[off:]))
		var h Hash
		copy(h[:], buf[off+4:])
		c.ShardRoots[s] = h
		off += 36
	}
	if off != len(buf) {
		return Checkpoint{}, fmt.Errorf("statetree: %d trailing bytes in checkpoint encoding", len(buf)-off)
	}
	return c, nil
}
