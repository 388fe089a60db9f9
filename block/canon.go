package block

import (
	"encoding/binary"
	"sort"

	"github.com/luxfi/crypto"

	"github.com/luxfi/dan-consensus/types"
)

// canonEncoder builds the byte-stable, small-endian, length-prefixed
// encoding used for every hashed field in the consensus core (spec.md
// §4.E: "Canonical serialization must be byte-stable across
// implementations for all hashed fields").
type canonEncoder struct {
	buf []byte
}

func newCanonEncoder() *canonEncoder { return &canonEncoder{} }

func (e *canonEncoder) bytes() []byte { return e.buf }

func (e *canonEncoder) u8(v uint8) *canonEncoder {
	e.buf = append(e.buf, v)
	return e
}

func (e *canonEncoder) u32(v uint32) *canonEncoder {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

func (e *canonEncoder) u64(v uint64) *canonEncoder {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

func (e *canonEncoder) bool(v bool) *canonEncoder {
	if v {
		return e.u8(1)
	}
	return e.u8(0)
}

// raw appends bytes with no length prefix; only safe for fixed-width
// fields (hashes, public keys).
func (e *canonEncoder) raw(b []byte) *canonEncoder {
	e.buf = append(e.buf, b...)
	return e
}

// bytesLP appends a length-prefixed byte slice.
func (e *canonEncoder) bytesLP(b []byte) *canonEncoder {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

// str appends a length-prefixed UTF-8 string.
func (e *canonEncoder) str(s string) *canonEncoder {
	return e.bytesLP([]byte(s))
}

// hash32 hashes its parts with Keccak-256, the hash primitive used
// throughout the example pack's crypto layer (github.com/luxfi/crypto,
// grounded on examples/op_stack_quantum_integration.go's
// crypto.Keccak256 usage).
func hash32(parts ...[]byte) [32]byte {
	var out [32]byte
	copy(out[:], crypto.Keccak256(parts...))
	return out
}

// hashForeignIndexes hashes a sorted map<Shard,uint64> deterministically.
func hashForeignIndexes(m map[types.Shard]uint64) [32]byte {
	shards := make([]types.Shard, 0, len(m))
	for s := range m {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })

	e := newCanonEncoder()
	e.u32(uint32(len(shards)))
	for _, s := range shards {
		e.u32(uint32(s))
		e.u64(m[s])
	}
	return hash32(e.bytes())
}
