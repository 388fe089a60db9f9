// Package types holds the scalar and identifier types shared across the
// consensus core: epochs, heights, shards, shard groups and the
// content-addressed identifiers used for blocks, transactions and QCs.
package types

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/luxfi/crypto"
	"github.com/luxfi/ids"
)

// Epoch is monotonically increasing; committee membership is fixed within
// an epoch.
type Epoch uint64

// NodeHeight is the view/height within an epoch.
type NodeHeight uint64

// Shard is a preshard index in [0, NumPreshards).
type Shard uint32

// GlobalShard is the shard reserved for global substates.
const GlobalShard Shard = 0

// NumPreshards is a power-of-two partition count of the 256-bit address
// space, in {1,2,...,256}.
type NumPreshards uint32

// Valid reports whether n is a supported power-of-two preshard count.
func (n NumPreshards) Valid() bool {
	return n >= 1 && n <= 256 && bits.OnesCount32(uint32(n)) == 1
}

// bitWidth returns log2(n), the number of leading address bits used to
// derive a shard id.
func (n NumPreshards) bitWidth() uint {
	return uint(bits.TrailingZeros32(uint32(n)))
}

// BlockID, TransactionID and QcID are 32-byte content-addressed hashes.
// They alias luxfi/ids.ID, the identifier type used throughout the
// example pack's consensus engines.
type (
	BlockID       = ids.ID
	TransactionID = ids.ID
	QcID          = ids.ID
	// NodeID is the committee-membership identity used by the consumed
	// epoch-manager contract (spec.md §4.K), aliasing luxfi/ids.NodeID as
	// the pack's validator-set packages do (see validators/types.go).
	NodeID = ids.NodeID
)

// PublicKey is a validator's Schnorr verification key, represented as
// fixed-width bytes (spec.md §3 "proposed_by (public key)"). It is
// distinct from NodeID: NodeID is the committee-membership identity the
// epoch manager indexes by, PublicKey is the cryptographic key used to
// verify block and vote signatures; epochmgr.CommitteeInfo maps one to
// the other.
type PublicKey [32]byte

func (p PublicKey) String() string { return fmt.Sprintf("%x", p[:4]) }

// ShardGroup is an inclusive [Start, End] range of shards assigned to one
// committee in an epoch. It packs into a single uint32 as (start<<16)|end.
type ShardGroup struct {
	Start Shard
	End   Shard
}

// NewShardGroup returns the shard group [start, end], validated to be
// non-empty and ordered.
func NewShardGroup(start, end Shard) (ShardGroup, error) {
	if start > end {
		return ShardGroup{}, fmt.Errorf("shard group: start %d > end %d", start, end)
	}
	return ShardGroup{Start: start, End: end}, nil
}

// Encode packs the shard group into a single uint32.
func (g ShardGroup) Encode() uint32 {
	return (uint32(g.Start) << 16) | uint32(g.End)
}

// DecodeShardGroup unpacks a shard group from its encoded form.
func DecodeShardGroup(v uint32) ShardGroup {
	return ShardGroup{Start: Shard(v >> 16), End: Shard(v & 0xFFFF)}
}

// Contains reports whether s falls within the group.
func (g ShardGroup) Contains(s Shard) bool {
	return s >= g.Start && s <= g.End
}

// Overlaps reports whether the two shard groups share any shard.
func (g ShardGroup) Overlaps(other ShardGroup) bool {
	return g.Start <= other.End && other.Start <= g.End
}

// NumShards returns the number of shards spanned by the group.
func (g ShardGroup) NumShards() uint32 {
	return uint32(g.End-g.Start) + 1
}

func (g ShardGroup) String() string {
	return fmt.Sprintf("[%d,%d]", g.Start, g.End)
}

// SubstateAddress is a 256-bit address derived from (substate_id, version);
// it maps onto exactly one Shard for a given preshard count.
type SubstateAddress [32]byte

// ToSubstateAddress derives the 256-bit address of a specific substate
// version.
func ToSubstateAddress(id SubstateID, version uint32) SubstateAddress {
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], version)
	var out SubstateAddress
	copy(out[:], crypto.Keccak256(id[:], v[:]))
	return out
}

// ShardOf returns the shard this address belongs to under the given
// preshard count. Shard 0 always owns the complete address range when
// numPreshards == 1 (the "global" shard, see ToSubstateAddressRange).
func (a SubstateAddress) ShardOf(n NumPreshards) Shard {
	if !n.Valid() {
		panic(fmt.Sprintf("invalid preshard count %d", n))
	}
	width := n.bitWidth()
	if width == 0 {
		return GlobalShard
	}
	// Shard = top `width` bits of the 256-bit address, read from the
	// most-significant byte down. This is equivalent to
	// floor(addr / (2^256/n)) because n is a power of two.
	var v uint32
	need := width
	for i := 0; i < len(a) && need > 0; i++ {
		take := need
		if take > 8 {
			take = 8
		}
		v = (v << take) | uint32(a[i])>>(8-take)
		need -= take
	}
	return Shard(v)
}

// ToSubstateAddressRange returns the inclusive [low, high] address range
// owned by shard s under the given preshard count. Shard 0 resolves to the
// full [0, 2^256) range when numPreshards == 1; for numPreshards > 1 shard
// 0 owns only its own slice like any other shard (numPreshards==1 is the
// "no sharding / all global" configuration).
func (s Shard) ToSubstateAddressRange(n NumPreshards) (low, high SubstateAddress) {
	if !n.Valid() {
		panic(fmt.Sprintf("invalid preshard count %d", n))
	}
	width := n.bitWidth()
	if width == 0 {
		high = maxAddress()
		return low, high
	}
	shiftBits := 256 - width
	low = addressFromTopBits(uint32(s), width, shiftBits)
	high = addressFromTopBits(uint32(s)+1, width, shiftBits)
	// high is exclusive upper bound of the next shard; subtract one ULP to
	// make it inclusive, saturating at the max address for the last shard.
	if s+1 == Shard(n) {
		high = maxAddress()
	} else {
		high = decrementAddress(high)
	}
	return low, high
}

func maxAddress() SubstateAddress {
	var a SubstateAddress
	for i := range a {
		a[i] = 0xFF
	}
	return a
}

func decrementAddress(a SubstateAddress) SubstateAddress {
	for i := len(a) - 1; i >= 0; i-- {
		if a[i] > 0 {
			a[i]--
			break
		}
		a[i] = 0xFF
	}
	return a
}

// addressFromTopBits places `value` (width bits) into the top `width` bits
// of a 256-bit address, zeroing the rest.
func addressFromTopBits(value uint32, width, shiftBits uint) SubstateAddress {
	var a SubstateAddress
	// value occupies bits [256-width, 256) of the big-endian address.
	// Walk from the most-significant byte, placing bits as we go.
	remaining := width
	v := value
	bitPos := 0 // offset of value's MSB, counted from the address's most-significant bit
	_ = shiftBits
	for remaining > 0 {
		byteIdx := bitPos / 8
		bitInByte := uint(bitPos % 8)
		take := 8 - bitInByte
		if take > remaining {
			take = remaining
		}
		shift := remaining - take
		chunk := byte((v >> shift) & ((1 << take) - 1))
		a[byteIdx] |= chunk << (8 - bitInByte - take)
		bitPos += int(take)
		remaining -= take
	}
	return a
}

// VersionedSubstateId identifies a specific version of a substate.
type VersionedSubstateId struct {
	ID      SubstateID
	Version uint32
}

func (v VersionedSubstateId) String() string {
	return fmt.Sprintf("%s:v%d", v.ID, v.Version)
}

// SubstateID is the logical (unversioned) identity of a substate.
type SubstateID [32]byte

func (s SubstateID) String() string {
	return fmt.Sprintf("%x", s[:4])
}

// LockType is the kind of intent held against a substate version: shared
// Read, exclusive Write, or exclusive Output (newly created substate).
type LockType int

const (
	LockRead LockType = iota
	LockWrite
	LockOutput
)

func (l LockType) String() string {
	switch l {
	case LockRead:
		return "Read"
	case LockWrite:
		return "Write"
	case LockOutput:
		return "Output"
	default:
		return "Unknown"
	}
}

// QuorumThreshold returns ceil(2n/3)+1, the number of distinct committee
// signatures required to form a QC for a committee of size n.
func QuorumThreshold(n int) int {
	if n <= 0 {
		return 1
	}
	return (2*n+2)/3 + 1
}
