package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/luxfi/dan-consensus/types"
)

// This file implements the full wire/storage codec for blocks and QCs:
// the same canonical byte-stable encoding the hash functions consume,
// extended with a decoder so that encode(block) -> decode -> re-hash
// reproduces the original block id.

var ErrShortBuffer = errors.New("block: short buffer while decoding")

type canonDecoder struct {
	buf []byte
	off int
	err error
}

func newCanonDecoder(b []byte) *canonDecoder { return &canonDecoder{buf: b} }

func (d *canonDecoder) fail() {
	if d.err == nil {
		d.err = fmt.Errorf("%w: offset %d of %d", ErrShortBuffer, d.off, len(d.buf))
	}
}

func (d *canonDecoder) u8() uint8 {
	if d.err != nil || d.off+1 > len(d.buf) {
		d.fail()
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *canonDecoder) u32() uint32 {
	if d.err != nil || d.off+4 > len(d.buf) {
		d.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *canonDecoder) u64() uint64 {
	if d.err != nil || d.off+8 > len(d.buf) {
		d.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *canonDecoder) bool() bool { return d.u8() != 0 }

func (d *canonDecoder) raw(n int) []byte {
	if d.err != nil || d.off+n > len(d.buf) {
		d.fail()
		return make([]byte, n)
	}
	v := d.buf[d.off : d.off+n]
	d.off += n
	return v
}

func (d *canonDecoder) raw32() [32]byte {
	var out [32]byte
	copy(out[:], d.raw(32))
	return out
}

func (d *canonDecoder) bytesLP() []byte {
	n := int(d.u32())
	if d.err != nil || d.off+n > len(d.buf) {
		d.fail()
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:])
	d.off += n
	return out
}

func (d *canonDecoder) str() string { return string(d.bytesLP()) }

func (d *canonDecoder) done() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.buf) {
		return fmt.Errorf("block: %d trailing bytes after decode", len(d.buf)-d.off)
	}
	return nil
}

func decodeDecision(d *canonDecoder) Decision {
	return Decision{IsAbort: d.bool(), Reason: AbortReason(d.u8())}
}

func decodeEvidence(d *canonDecoder) Evidence {
	n := int(d.u32())
	if n == 0 {
		return nil
	}
	ev := make(Evidence, n)
	for i := 0; i < n && d.err == nil; i++ {
		sg := types.DecodeShardGroup(d.u32())
		var sge ShardGroupEvidence
		nin := int(d.u32())
		for j := 0; j < nin && d.err == nil; j++ {
			var in LockedInput
			copy(in.VersionedID.ID[:], d.raw(32))
			in.VersionedID.Version = d.u32()
			in.Lock = types.LockType(d.u8())
			sge.Inputs = append(sge.Inputs, in)
		}
		nout := int(d.u32())
		for j := 0; j < nout && d.err == nil; j++ {
			var out types.VersionedSubstateId
			copy(out.ID[:], d.raw(32))
			out.Version = d.u32()
			sge.Outputs = append(sge.Outputs, out)
		}
		if d.bool() {
			dec := decodeDecision(d)
			sge.PrepareDecision = &dec
		}
		if d.bool() {
			dec := decodeDecision(d)
			sge.AcceptDecision = &dec
		}
		sge.JustifyQcID = d.raw32()
		ev[sg] = sge
	}
	return ev
}

func decodeAtom(d *canonDecoder) *TransactionAtom {
	a := &TransactionAtom{}
	copy(a.ID[:], d.raw(32))
	a.Decision = decodeDecision(d)
	a.Evidence = decodeEvidence(d)
	a.TransactionFee = d.u64()
	if d.bool() {
		fee := d.u64()
		a.LeaderFee = &fee
	}
	return a
}

func decodeCommand(d *canonDecoder) Command {
	kind := CommandKind(d.u8())
	c := Command{Kind: kind}
	switch kind {
	case KindForeignProposal:
		ref := ForeignProposalRef{ShardGroup: types.DecodeShardGroup(d.u32())}
		ref.BlockID = d.raw32()
		c.ForeignProposal = &ref
	case KindMintConfidentialOutput:
		c.MintCommitment = d.bytesLP()
	case KindEvictNode:
		copy(c.EvictPublicKey[:], d.raw(32))
	case KindEndEpoch:
	default:
		c.Atom = decodeAtom(d)
	}
	return c
}

// Encode returns the full canonical serialization of the block, suitable
// for storage and wire transfer; Decode reverses it exactly.
func (b Block) Encode() []byte {
	e := newCanonEncoder()
	e.raw(b.Parent[:])
	e.raw(b.JustifyQcID[:])
	e.str(b.Network)
	e.u64(uint64(b.Height))
	e.u64(uint64(b.Epoch))
	e.u32(b.ShardGroup.Encode())
	e.raw(b.ProposedBy[:])
	e.u64(b.TotalLeaderFee)
	e.raw(b.StateMerkleRoot[:])
	e.raw(b.CommandMerkleRoot[:])

	shards := make([]types.Shard, 0, len(b.ForeignIndexes))
	for s := range b.ForeignIndexes {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })
	e.u32(uint32(len(shards)))
	for _, s := range shards {
		e.u32(uint32(s))
		e.u64(b.ForeignIndexes[s])
	}

	e.bytesLP(b.Signature)
	e.u64(b.Timestamp)
	e.u64(b.BaseLayerHeight)
	e.raw(b.BaseLayerBlockHash[:])
	e.bytesLP(b.ExtraData)

	e.u32(uint32(len(b.Commands)))
	for _, c := range b.Commands {
		c.encode(e)
	}
	e.bool(b.IsDummy)
	return e.bytes()
}

// DecodeBlock reverses Block.Encode.
func DecodeBlock(buf []byte) (Block, error) {
	d := newCanonDecoder(buf)
	var b Block
	b.Parent = d.raw32()
	b.JustifyQcID = d.raw32()
	b.Network = d.str()
	b.Height = types.NodeHeight(d.u64())
	b.Epoch = types.Epoch(d.u64())
	b.ShardGroup = types.DecodeShardGroup(d.u32())
	copy(b.ProposedBy[:], d.raw(32))
	b.TotalLeaderFee = d.u64()
	b.StateMerkleRoot = d.raw32()
	b.CommandMerkleRoot = d.raw32()

	nIdx := int(d.u32())
	if nIdx > 0 {
		b.ForeignIndexes = make(map[types.Shard]uint64, nIdx)
		for i := 0; i < nIdx && d.err == nil; i++ {
			s := types.Shard(d.u32())
			b.ForeignIndexes[s] = d.u64()
		}
	}

	b.Signature = d.bytesLP()
	b.Timestamp = d.u64()
	b.BaseLayerHeight = d.u64()
	b.BaseLayerBlockHash = d.raw32()
	b.ExtraData = d.bytesLP()

	nCmd := int(d.u32())
	for i := 0; i < nCmd && d.err == nil; i++ {
		b.Commands = append(b.Commands, decodeCommand(d))
	}
	b.IsDummy = d.bool()
	if err := d.done(); err != nil {
		return Block{}, err
	}
	return b, nil
}

// Encode returns the QC's full canonical serialization; it hashes to the
// same QcID as QC.ID over the same field order.
func (qc QC) Encode() []byte {
	e := newCanonEncoder()
	e.raw(qc.BlockID[:])
	e.u64(uint64(qc.BlockHeight))
	e.u64(uint64(qc.Epoch))
	e.u32(qc.ShardGroup.Encode())
	e.u8(uint8(qc.Decision))
	e.u32(uint32(len(qc.Signatures)))
	for _, s := range qc.Signatures {
		e.raw(s.PublicKey[:])
		e.bytesLP(s.Sig)
	}
	return e.bytes()
}

// DecodeQC reverses QC.Encode.
func DecodeQC(buf []byte) (QC, error) {
	d := newCanonDecoder(buf)
	var qc QC
	qc.BlockID = d.raw32()
	qc.BlockHeight = types.NodeHeight(d.u64())
	qc.Epoch = types.Epoch(d.u64())
	qc.ShardGroup = types.DecodeShardGroup(d.u32())
	qc.Decision = QcDecision(d.u8())
	n := int(d.u32())
	for i := 0; i < n && d.err == nil; i++ {
		var sig VoteSignature
		copy(sig.PublicKey[:], d.raw(32))
		sig.Sig = d.bytesLP()
		qc.Signatures = append(qc.Signatures, sig)
	}
	if err := d.done(); err != nil {
		return QC{}, err
	}
	return qc, nil
}
