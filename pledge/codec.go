package pledge

import (
	"encoding/binary"
	"fmt"
)

// Wire/storage serialization for pledge bundles. Foreign-proposal
// messages carry the full BlockPledge by value (spec.md §6), so the
// encoding must be byte-stable: entries are written in slice order and
// replicas never reorder them.

// Encode serializes the bundle.
func (bp BlockPledge) Encode() []byte {
	var out []byte
	var n4 [4]byte
	binary.LittleEndian.PutUint32(n4[:], uint32(len(bp.Pledges)))
	out = append(out, n4[:]...)
	for _, p := range bp.Pledges {
		out = append(out, byte(p.Kind))
		out = append(out, p.VersionedID.ID[:]...)
		binary.LittleEndian.PutUint32(n4[:], p.VersionedID.Version)
		out = append(out, n4[:]...)
		if p.IsWrite {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
		binary.LittleEndian.PutUint32(n4[:], uint32(len(p.Value)))
		out = append(out, n4[:]...)
		out = append(out, p.Value...)
	}
	return out
}

// DecodeBlockPledge reverses BlockPledge.Encode.
func DecodeBlockPledge(buf []byte) (BlockPledge, error) {
	if len(buf) < 4 {
		return BlockPledge{}, fmt.Errorf("pledge: short encoding")
	}
	n := int(binary.LittleEndian.Uint32(buf))
	off := 4
	bp := BlockPledge{}
	for i := 0; i < n; i++ {
		if off+42 > len(buf) {
			return BlockPledge{}, fmt.Errorf("pledge: short encoding at entry %d", i)
		}
		var p SubstatePledge
		p.Kind = Kind(buf[off])
		off++
		copy(p.VersionedID.ID[:], buf[off:])
		off += 32
		p.VersionedID.Version = binary.LittleEndian.Uint32(buf[off:])
		off += 4
		p.IsWrite = buf[off] == 1
		off++
		vlen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+vlen > len(buf) {
			return BlockPledge{}, fmt.Errorf("pledge: short value at entry %d", i)
		}
		if vlen > 0 {
			p.Value = append([]byte(nil), buf[off:off+vlen]...)
			off += vlen
		}
		bp.Pledges = append(bp.Pledges, p)
	}
	if off != len(buf) {
		return BlockPledge{}, fmt.Errorf("pledge: %d trailing bytes", len(buf)-off)
	}
	return bp, nil
}
