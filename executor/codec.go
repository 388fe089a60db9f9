package executor

import (
	"encoding/binary"
	"fmt"

	"github.com/luxfi/dan-consensus/substatestore"
	"github.com/luxfi/dan-consensus/types"
)

// EncodeTransaction serializes a transaction for the durable
// transactions table; the payload stays opaque.
func EncodeTransaction(tx Transaction) []byte {
	out := make([]byte, 0, 32+4+len(tx.Inputs)*36+8+4+len(tx.Payload))
	out = append(out, tx.ID[:]...)
	var n4 [4]byte
	binary.LittleEndian.PutUint32(n4[:], uint32(len(tx.Inputs)))
	out = append(out, n4[:]...)
	for _, in := range tx.Inputs {
		out = append(out, in.ID[:]...)
		binary.LittleEndian.PutUint32(n4[:], in.Version)
		out = append(out, n4[:]...)
	}
	var n8 [8]byte
	binary.LittleEndian.PutUint64(n8[:], tx.Fee)
	out = append(out, n8[:]...)
	binary.LittleEndian.PutUint32(n4[:], uint32(len(tx.Payload)))
	out = append(out, n4[:]...)
	out = append(out, tx.Payload...)
	return out
}

// DecodeTransaction reverses EncodeTransaction.
func DecodeTransaction(buf []byte) (Transaction, error) {
	if len(buf) < 48 {
		return Transaction{}, fmt.Errorf("executor: short transaction encoding")
	}
	var tx Transaction
	copy(tx.ID[:], buf)
	off := 32
	n := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	for i := 0; i < n; i++ {
		if off+36 > len(buf) {
			return Transaction{}, fmt.Errorf("executor: short input at %d", i)
		}
		var in types.VersionedSubstateId
		copy(in.ID[:], buf[off:])
		in.Version = binary.LittleEndian.Uint32(buf[off+32:])
		off += 36
		tx.Inputs = append(tx.Inputs, in)
	}
	if off+12 > len(buf) {
		return Transaction{}, fmt.Errorf("executor: short transaction trailer")
	}
	tx.Fee = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	plen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if off+plen != len(buf) {
		return Transaction{}, fmt.Errorf("executor: payload length mismatch")
	}
	if plen > 0 {
		tx.Payload = append([]byte(nil), buf[off:]...)
	}
	return tx, nil
}

// EncodeDiff serializes an execution diff's substate changes for the
// transaction_executions table, so commit can re-apply them without
// re-executing.
func EncodeDiff(d *Diff) []byte {
	if d == nil {
		return nil
	}
	var out []byte
	var n4 [4]byte
	binary.LittleEndian.PutUint32(n4[:], uint32(len(d.Changes)))
	out = append(out, n4[:]...)
	for _, c := range d.Changes {
		out = append(out, c.VersionedID.ID[:]...)
		binary.LittleEndian.PutUint32(n4[:], c.VersionedID.Version)
		out = append(out, n4[:]...)
		if c.Up {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
		binary.LittleEndian.PutUint32(n4[:], uint32(len(c.Value)))
		out = append(out, n4[:]...)
		out = append(out, c.Value...)
	}
	return out
}

// DecodeDiff reverses EncodeDiff; a nil/empty buffer decodes to nil.
func DecodeDiff(buf []byte) (*Diff, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("executor: short diff encoding")
	}
	n := int(binary.LittleEndian.Uint32(buf))
	off := 4
	d := &Diff{}
	for i := 0; i < n; i++ {
		if off+41 > len(buf) {
			return nil, fmt.Errorf("executor: short diff change at %d", i)
		}
		var c substatestore.Change
		copy(c.VersionedID.ID[:], buf[off:])
		c.VersionedID.Version = binary.LittleEndian.Uint32(buf[off+32:])
		c.Up = buf[off+36] == 1
		vlen := int(binary.LittleEndian.Uint32(buf[off+37:]))
		off += 41
		if off+vlen > len(buf) {
			return nil, fmt.Errorf("executor: short diff value at %d", i)
		}
		if vlen > 0 {
			c.Value = append([]byte(nil), buf[off:off+vlen]...)
			off += vlen
		}
		d.Changes = append(d.Changes, c)
	}
	if off != len(buf) {
		return nil, fmt.Errorf("executor: %d trailing bytes in diff encoding", len(buf)-off)
	}
	return d, nil
}
