package statetree

import (
	"encoding/binary"
	"fmt"
)

// Node serialization for the durable node tables. Fixed layout: a leaf
// flag byte, then either (key, version) or (left, right).

const (
	nodeTagInternal = 0
	nodeTagLeaf     = 1

	encodedInternalLen = 1 + 32 + 32
	encodedLeafLen     = 1 + 32 + 4
)

// EncodeNode returns the fixed-layout serialization of a node.
func EncodeNode(n Node) []byte {
	if n.IsLeaf {
		out := make([]byte, encodedLeafLen)
		out[0] = nodeTagLeaf
		copy(out[1:33], n.Key[:])
		binary.LittleEndian.PutUint32(out[33:], n.Version)
		return out
	}
	out := make([]byte, encodedInternalLen)
	out[0] = nodeTagInternal
	copy(out[1:33], n.Left[:])
	copy(out[33:65], n.Right[:])
	return out
}

// DecodeNode reverses EncodeNode.
func DecodeNode(buf []byte) (Node, error) {
	if len(buf) == 0 {
		return Node{}, fmt.Errorf("statetree: empty node encoding")
	}
	switch buf[0] {
	case nodeTagLeaf:
		if len(buf) != encodedLeafLen {
			return Node{}, fmt.Errorf("statetree: leaf node encoding has %d bytes, want %d", len(buf), encodedLeafLen)
		}
		var n Node
		n.IsLeaf = true
		copy(n.Key[:], buf[1:33])
		n.Version = binary.LittleEndian.Uint32(buf[33:])
		return n, nil
	case nodeTagInternal:
		if len(buf) != encodedInternalLen {
			return Node{}, fmt.Errorf("statetree: internal node encoding has %d bytes, want %d", len(buf), encodedInternalLen)
		}
		var n Node
		copy(n.Left[:], buf[1:33])
		copy(n.Right[:], buf[33:65])
		return n, nil
	default:
		return Node{}, fmt.Errorf("statetree: unknown node tag %d", buf[0])
	}
}

// EncodeDiff serializes a diff for the pending_state_tree_diffs table.
// Node entries are sorted by hash so the encoding is deterministic.
func EncodeDiff(d *Diff) []byte {
	hashes := make([]Hash, 0, len(d.NewNodes))
	for h := range d.NewNodes {
		hashes = append(hashes, h)
	}
	sortHashes(hashes)

	var out []byte
	out = append(out, d.Root[:]...)
	var n4 [4]byte
	binary.LittleEndian.PutUint32(n4[:], uint32(len(hashes)))
	out = append(out, n4[:]...)
	for _, h := range hashes {
		enc := EncodeNode(d.NewNodes[h])
		out = append(out, h[:]...)
		binary.LittleEndian.PutUint32(n4[:], uint32(len(enc)))
		out = append(out, n4[:]...)
		out = append(out, enc...)
	}
	binary.LittleEndian.PutUint32(n4[:], uint32(len(d.StaleNodes)))
	out = append(out, n4[:]...)
	for _, h := range d.StaleNodes {
		out = append(out, h[:]...)
	}
	return out
}

// DecodeDiff reverses EncodeDiff.
func DecodeDiff(buf []byte) (*Diff, error) {
	d := &Diff{NewNodes: make(map[Hash]Node)}
	off := 0
	read32 := func() (Hash, error) {
		var h Hash
		if off+32 > len(buf) {
			return h, fmt.Errorf("statetree: short diff encoding at offset %d", off)
		}
		copy(h[:], buf[off:])
		off += 32
		return h, nil
	}
	readU32 := func() (uint32, error) {
		if off+4 > len(buf) {
			return 0, fmt.Errorf("statetree: short diff encoding at offset %d", off)
		}
		v := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		return v, nil
	}

	root, err := read32()
	if err != nil {
		return nil, err
	}
	d.Root = root

	nNodes, err := readU32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nNodes; i++ {
		h, err := read32()
		if err != nil {
			return nil, err
		}
		encLen, err := readU32()
		if err != nil {
			return nil, err
		}
		if off+int(encLen) > len(buf) {
			return nil, fmt.Errorf("statetree: short diff encoding at offset %d", off)
		}
		n, err := DecodeNode(buf[off : off+int(encLen)])
		if err != nil {
			return nil, err
		}
		off += int(encLen)
		d.NewNodes[h] = n
	}

	nStale, err := readU32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nStale; i++ {
		h, err := read32()
		if err != nil {
			return nil, err
		}
		d.StaleNodes = append(d.StaleNodes, h)
	}
	if off != len(buf) {
		return nil, fmt.Errorf("statetree: %d trailing bytes in diff encoding", len(buf)-off)
	}
	return d, nil
}

func sortHashes(hs []Hash) {
	for i := 1; i < len(hs); i++ {
		for j := i; j > 0 && lessHash(hs[j], hs[j-1]); j-- {
			hs[j-1], hs[j] = hs[j], hs[j-1]
		}
	}
}

func lessHash(a, b Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
