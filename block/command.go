package block

import (
	"bytes"
	"fmt"

	"github.com/luxfi/dan-consensus/statetree"
	"github.com/luxfi/dan-consensus/types"
)

// CommandKind is the discriminant of the Command sum type (spec.md §3).
type CommandKind uint8

const (
	KindLocalOnly CommandKind = iota
	KindPrepare
	KindLocalPrepare
	KindAllPrepare
	KindSomePrepare
	KindLocalAccept
	KindAllAccept
	KindSomeAccept
	KindForeignProposal
	KindMintConfidentialOutput
	KindEvictNode
	KindEndEpoch
)

func (k CommandKind) String() string {
	switch k {
	case KindLocalOnly:
		return "LocalOnly"
	case KindPrepare:
		return "Prepare"
	case KindLocalPrepare:
		return "LocalPrepare"
	case KindAllPrepare:
		return "AllPrepare"
	case KindSomePrepare:
		return "SomePrepare"
	case KindLocalAccept:
		return "LocalAccept"
	case KindAllAccept:
		return "AllAccept"
	case KindSomeAccept:
		return "SomeAccept"
	case KindForeignProposal:
		return "ForeignProposal"
	case KindMintConfidentialOutput:
		return "MintConfidentialOutput"
	case KindEvictNode:
		return "EvictNode"
	case KindEndEpoch:
		return "EndEpoch"
	default:
		return "Unknown"
	}
}

func (k CommandKind) isAtom() bool {
	switch k {
	case KindLocalOnly, KindPrepare, KindLocalPrepare, KindAllPrepare, KindSomePrepare,
		KindLocalAccept, KindAllAccept, KindSomeAccept:
		return true
	default:
		return false
	}
}

// kindRank groups variants for total ordering (spec.md §3 Ordering):
// EvictNode < ForeignProposal < MintConfidentialOutput < TransactionId-bearing < EndEpoch.
func (k CommandKind) kindRank() int {
	switch k {
	case KindEvictNode:
		return 0
	case KindForeignProposal:
		return 1
	case KindMintConfidentialOutput:
		return 2
	case KindEndEpoch:
		return 4
	default:
		return 3 // every TransactionId-bearing (atom) variant
	}
}

// ForeignProposalRef is the payload of a ForeignProposal command: a
// reference to a committed block from another shard group.
type ForeignProposalRef struct {
	ShardGroup types.ShardGroup
	BlockID    types.BlockID
}

// Command is one entry in a block's ordered command set (spec.md §3). It
// is a closed sum of twelve variants discriminated by Kind; only the
// fields relevant to Kind are populated, matched exhaustively by callers
// instead of via interface dispatch (spec.md §9).
type Command struct {
	Kind CommandKind

	// KindLocalOnly .. KindSomeAccept
	Atom *TransactionAtom

	// KindForeignProposal
	ForeignProposal *ForeignProposalRef

	// KindMintConfidentialOutput
	MintCommitment []byte

	// KindEvictNode
	EvictPublicKey types.PublicKey
}

// NewAtomCommand builds an atom-carrying command of the given stage kind.
func NewAtomCommand(kind CommandKind, atom TransactionAtom) (Command, error) {
	if !kind.isAtom() {
		return Command{}, fmt.Errorf("block: %s is not an atom-carrying command kind", kind)
	}
	if err := atom.Validate(kind); err != nil {
		return Command{}, err
	}
	return Command{Kind: kind, Atom: &atom}, nil
}

func NewForeignProposalCommand(ref ForeignProposalRef) Command {
	return Command{Kind: KindForeignProposal, ForeignProposal: &ref}
}

func NewMintConfidentialOutputCommand(commitment []byte) Command {
	return Command{Kind: KindMintConfidentialOutput, MintCommitment: commitment}
}

func NewEvictNodeCommand(pk types.PublicKey) Command {
	return Command{Kind: KindEvictNode, EvictPublicKey: pk}
}

func NewEndEpochCommand() Command {
	return Command{Kind: KindEndEpoch}
}

// TransactionID returns the transaction id carried by an atom command, or
// the zero id for non-atom commands.
func (c Command) TransactionID() types.TransactionID {
	if c.Atom != nil {
		return c.Atom.ID
	}
	return types.TransactionID{}
}

// secondaryKey returns the variant-specific bytes used as the secondary
// sort key within a kind_rank bucket (spec.md §3 Ordering).
func (c Command) secondaryKey() []byte {
	switch c.Kind {
	case KindEvictNode:
		return c.EvictPublicKey[:]
	case KindForeignProposal:
		e := newCanonEncoder()
		e.u32(c.ForeignProposal.ShardGroup.Encode())
		e.raw(c.ForeignProposal.BlockID[:])
		return e.bytes()
	case KindMintConfidentialOutput:
		return c.MintCommitment
	case KindEndEpoch:
		return nil
	default:
		// TransactionId-bearing: the tx id alone suffices because at most
		// one command per transaction id can appear in a single block.
		id := c.TransactionID()
		return id[:]
	}
}

// Less implements the total command order: smallest-first by
// (kind_rank, secondary_key).
func (c Command) Less(other Command) bool {
	kr, okr := c.Kind.kindRank(), other.Kind.kindRank()
	if kr != okr {
		return kr < okr
	}
	return bytes.Compare(c.secondaryKey(), other.secondaryKey()) < 0
}

// SortCommands orders a command slice in place per the canonical total
// order (spec.md §3 Ordering), reproducible across implementations.
func SortCommands(cmds []Command) {
	// Insertion sort: command sets per block are small (bounded by
	// mempool batch size), and the comparator is not a strict weak order
	// across differently-sized secondary keys without a stable,
	// allocation-light sort; insertion sort keeps this simple and correct.
	for i := 1; i < len(cmds); i++ {
		for j := i; j > 0 && cmds[j].Less(cmds[j-1]); j-- {
			cmds[j-1], cmds[j] = cmds[j], cmds[j-1]
		}
	}
}

// encode writes the canonical byte-stable encoding of one command,
// including its Kind discriminant.
func (c Command) encode(e *canonEncoder) {
	e.u8(uint8(c.Kind))
	switch c.Kind {
	case KindForeignProposal:
		e.u32(c.ForeignProposal.ShardGroup.Encode())
		e.raw(c.ForeignProposal.BlockID[:])
	case KindMintConfidentialOutput:
		e.bytesLP(c.MintCommitment)
	case KindEvictNode:
		e.raw(c.EvictPublicKey[:])
	case KindEndEpoch:
		// no payload
	default:
		c.Atom.encode(e)
	}
}

// Hash returns the content hash of a single command, the leaf value
// hashed into the block's command_merkle_root.
func (c Command) Hash() [32]byte {
	e := newCanonEncoder()
	c.encode(e)
	return hash32(e.bytes())
}

// ZeroCommandRoot is the placeholder root for a block with no commands
// (spec.md §4.E).
var ZeroCommandRoot [32]byte

// CommandMerkleRoot computes the sparse Merkle root over the per-command
// hashes of an already canonically-ordered command slice: each command
// hash becomes a leaf of a fresh in-memory state tree, keyed by itself
// and carrying its position as the leaf value. An empty set yields the
// placeholder zero hash.
func CommandMerkleRoot(cmds []Command) [32]byte {
	if len(cmds) == 0 {
		return ZeroCommandRoot
	}
	hashes := make([]statetree.Hash, len(cmds))
	for i, c := range cmds {
		hashes[i] = statetree.Hash(c.Hash())
	}
	tree := statetree.New(statetree.NewMemNodeStore())
	root, err := tree.ComputeRootForHashes(hashes)
	if err != nil {
		// A fresh in-memory tree cannot miss nodes; reaching here means
		// corrupted process memory.
		panic(fmt.Sprintf("block: command merkle root: %v", err))
	}
	return [32]byte(root)
}
