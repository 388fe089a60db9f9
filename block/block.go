// Package block implements the immutable block/command/QC data model:
// deterministic command ordering, two-level content-addressed hashing
// (header hash then block id), and the quorum-certificate shape voted on
// by the HotStuff worker (spec.md §3, §4.E).
package block

import (
	"errors"

	dancrypto "github.com/luxfi/dan-consensus/crypto"
	"github.com/luxfi/dan-consensus/types"
)

// QcDecision is the outcome a quorum certificate attests to for a block.
type QcDecision uint8

const (
	QcAccept QcDecision = iota
	QcReject
)

// VoteSignature is one committee member's signature over a QC's vote
// message.
type VoteSignature struct {
	PublicKey types.PublicKey
	Sig       []byte
}

// QC is a quorum certificate: quorum_threshold distinct, committee-member,
// unique-public-key signatures collected over (block_id, decision)
// (spec.md §3).
type QC struct {
	BlockID     types.BlockID
	BlockHeight types.NodeHeight
	Epoch       types.Epoch
	ShardGroup  types.ShardGroup
	Decision    QcDecision
	Signatures  []VoteSignature
}

// MakeVoteMessage is the canonical message every QC signature is made
// over: make_message(block_id, decision) (spec.md §4.F step 8).
func MakeVoteMessage(blockID types.BlockID, decision QcDecision) []byte {
	e := newCanonEncoder()
	e.raw(blockID[:])
	e.u8(uint8(decision))
	return e.bytes()
}

// ID is the content-addressed id of the QC (spec.md §9 "store QCs and
// blocks by hash id").
func (qc QC) ID() types.QcID {
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
	return hash32(e.bytes())
}

// GenesisQC returns the well-known QC that justifies every shard group's
// genesis block (spec.md §3 "is_genesis ⇒ ... justify = genesis_QC(epoch,
// all_shards)").
func GenesisQC(epoch types.Epoch, allShards types.ShardGroup) QC {
	return QC{
		BlockID:     types.BlockID{},
		BlockHeight: 0,
		Epoch:       epoch,
		ShardGroup:  allShards,
		Decision:    QcAccept,
	}
}

// Block is the immutable consensus block record (spec.md §3).
type Block struct {
	Parent             types.BlockID
	JustifyQcID        types.QcID
	Network            string
	Height             types.NodeHeight
	Epoch              types.Epoch
	ShardGroup         types.ShardGroup
	ProposedBy         types.PublicKey
	TotalLeaderFee     uint64
	StateMerkleRoot    [32]byte
	CommandMerkleRoot  [32]byte
	ForeignIndexes     map[types.Shard]uint64
	Signature          []byte
	Timestamp          uint64
	BaseLayerHeight    uint64
	BaseLayerBlockHash [32]byte
	ExtraData          []byte
	Commands           []Command
	IsDummy            bool
}

// IsGenesis reports whether this is a shard group's genesis block
// (height 0, zero parent).
func (b Block) IsGenesis() bool {
	return b.Height == 0 && b.Parent == (types.BlockID{})
}

// GenesisBlock constructs a shard group's genesis block: height 0, zero
// parent, justified by the well-known genesis QC, and carrying the
// network's sidechain id (when one is configured) in extra_data
// (spec.md §3 "Non-genesis blocks must carry a valid sidechain_id in
// extra_data iff the network configures one (checked on the genesis of
// each shard group)").
func GenesisBlock(network string, epoch types.Epoch, group types.ShardGroup, sidechainID []byte) Block {
	qc := GenesisQC(epoch, group)
	b := Block{
		JustifyQcID: qc.ID(),
		Network:     network,
		Epoch:       epoch,
		ShardGroup:  group,
	}
	if len(sidechainID) > 0 {
		b.ExtraData = append([]byte(nil), sidechainID...)
	}
	b.CommandMerkleRoot = ZeroCommandRoot
	return b
}

// HeaderHash computes the two-level header hash (spec.md §4.E):
//
//	H(net ‖ justify_id ‖ height ‖ total_leader_fee ‖ epoch ‖ shard_group ‖
//	  proposed_by ‖ state_root ‖ is_dummy ‖ command_root ‖
//	  H(foreign_indexes) ‖ timestamp ‖ base_height ‖ base_hash ‖
//	  H(extra_data))
func (b Block) HeaderHash() [32]byte {
	foreignHash := hashForeignIndexes(b.ForeignIndexes)
	extraHash := hash32(b.ExtraData)

	e := newCanonEncoder()
	e.str(b.Network)
	e.raw(b.JustifyQcID[:])
	e.u64(uint64(b.Height))
	e.u64(b.TotalLeaderFee)
	e.u64(uint64(b.Epoch))
	e.u32(b.ShardGroup.Encode())
	e.raw(b.ProposedBy[:])
	e.raw(b.StateMerkleRoot[:])
	e.bool(b.IsDummy)
	e.raw(b.CommandMerkleRoot[:])
	e.raw(foreignHash[:])
	e.u64(b.Timestamp)
	e.u64(b.BaseLayerHeight)
	e.raw(b.BaseLayerBlockHash[:])
	e.raw(extraHash[:])
	return hash32(e.bytes())
}

// ID computes the block id: H(parent_id ‖ header_hash). The explicit
// parent_id indirection makes short chain proofs two-hash per level
// (spec.md §4.E, used by the eviction-proof builder).
func (b Block) ID() types.BlockID {
	hh := b.HeaderHash()
	return hash32(b.Parent[:], hh[:])
}

// RecomputeCommandMerkleRoot recomputes the command root over b.Commands,
// which callers must have already sorted with SortCommands.
func (b Block) RecomputeCommandMerkleRoot() [32]byte {
	return CommandMerkleRoot(b.Commands)
}

var (
	ErrDummyMustBeUnsigned  = errors.New("block: dummy block must carry no signature")
	ErrDummyMustBeEmpty     = errors.New("block: dummy block must carry no commands")
	ErrGenesisHeightNonzero = errors.New("block: genesis block must have height 0")
	ErrGenesisParentNonzero = errors.New("block: genesis block must have zero parent")
	ErrCommandRootMismatch  = errors.New("block: command_merkle_root does not match recomputed root")
	ErrCommandsNotSorted    = errors.New("block: commands are not canonically ordered")
)

// ValidateStructure checks the invariants that can be verified without
// external context (no justify QC, committee, or epoch lookups; those are
// checked by the validation package): dummy/genesis shape and that
// command_merkle_root matches the recomputed root over canonically
// ordered commands (spec.md §3).
func (b Block) ValidateStructure() error {
	if b.IsDummy {
		if len(b.Signature) != 0 {
			return ErrDummyMustBeUnsigned
		}
		if len(b.Commands) != 0 {
			return ErrDummyMustBeEmpty
		}
	}
	if b.IsGenesis() {
		if b.Height != 0 {
			return ErrGenesisHeightNonzero
		}
		if b.Parent != (types.BlockID{}) {
			return ErrGenesisParentNonzero
		}
	}
	for i := 1; i < len(b.Commands); i++ {
		if b.Commands[i].Less(b.Commands[i-1]) {
			return ErrCommandsNotSorted
		}
	}
	if b.RecomputeCommandMerkleRoot() != b.CommandMerkleRoot {
		return ErrCommandRootMismatch
	}
	return nil
}

// Sign signs the block's header hash with sk, setting Signature and
// ProposedBy. Not valid for dummy or genesis blocks.
func (b *Block) Sign(sk *dancrypto.SecretKey) {
	pk := sk.PublicKey()
	b.ProposedBy = pk.ToTypesKey()
	hh := b.HeaderHash()
	sig := sk.Sign(hh[:])
	b.Signature = sig.Bytes()
}

// VerifySignature checks b.Signature against b.ProposedBy over the
// header hash.
func (b Block) VerifySignature() bool {
	if len(b.Signature) == 0 {
		return false
	}
	pk := dancrypto.PublicKeyFromTypesKey(b.ProposedBy)
	hh := b.HeaderHash()
	return dancrypto.Verify(pk, hh[:], dancrypto.SignatureFromBytes(b.Signature))
}
