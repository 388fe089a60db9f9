// Package eviction builds inclusion proofs for validator-eviction
// commands committed in locked blocks, submitted to the base layer via
// the out-of-scope layer-one transaction interface (spec.md §4.J, §6).
package eviction

import (
	"errors"
	"fmt"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/statetree"
	"github.com/luxfi/dan-consensus/types"
)

// DummyChainElement describes one dummy (unsigned, empty) block spanned
// while walking from a real block down to the next real, QC-justified
// ancestor.
type DummyChainElement struct {
	HeaderHash [32]byte
	ParentID   types.BlockID
}

// ProofElement is one step of a SidechainBlockCommitProof: either a
// direct QC justification, or a run of dummy blocks bridging two QCs.
type ProofElement struct {
	QC         *block.QC
	DummyChain []DummyChainElement
}

// SidechainBlockCommitProof is an ordered list of proof elements starting
// from the current tip QC and walking back to the commit block (spec.md
// §4.J step 1).
type SidechainBlockCommitProof struct {
	Elements []ProofElement
}

// BlockSource is the read-only lookup the proof builder needs; backed by
// the durable storage contract in production (spec.md §6 "get-block-by-id").
type BlockSource interface {
	GetBlock(id types.BlockID) (block.Block, bool, error)
	GetQC(id types.QcID) (block.QC, bool, error)
}

var (
	ErrBlockNotFound = errors.New("eviction: block not found")
	ErrQCNotFound    = errors.New("eviction: QC not found")
)

// BuildSidechainBlockCommitProof walks from tipQC back to commitBlockID,
// inserting a DummyChain element wherever intervening dummy blocks break
// the direct QC-to-parent relationship (spec.md §4.J step 1).
func BuildSidechainBlockCommitProof(source BlockSource, tipQC block.QC, commitBlockID types.BlockID) (SidechainBlockCommitProof, error) {
	var elements []ProofElement
	curQC := tipQC

	for {
		b, ok, err := source.GetBlock(curQC.BlockID)
		if err != nil {
			return SidechainBlockCommitProof{}, err
		}
		if !ok {
			return SidechainBlockCommitProof{}, fmt.Errorf("%w: %s", ErrBlockNotFound, curQC.BlockID)
		}
		qc := curQC
		elements = append(elements, ProofElement{QC: &qc})

		if curQC.BlockID == commitBlockID {
			return SidechainBlockCommitProof{Elements: elements}, nil
		}

		justifyQC, ok, err := source.GetQC(b.JustifyQcID)
		if err != nil {
			return SidechainBlockCommitProof{}, err
		}
		if !ok {
			return SidechainBlockCommitProof{}, fmt.Errorf("%w: %s", ErrQCNotFound, b.JustifyQcID)
		}

		if justifyQC.BlockID != b.Parent {
			var dummies []DummyChainElement
			cur := b.Parent
			for cur != justifyQC.BlockID {
				db, ok, err := source.GetBlock(cur)
				if err != nil {
					return SidechainBlockCommitProof{}, err
				}
				if !ok {
					return SidechainBlockCommitProof{}, fmt.Errorf("%w: %s", ErrBlockNotFound, cur)
				}
				dummies = append(dummies, DummyChainElement{HeaderHash: db.HeaderHash(), ParentID: db.Parent})
				cur = db.Parent
			}
			elements = append(elements, ProofElement{DummyChain: dummies})
		}

		curQC = justifyQC
	}
}

// CommandInclusionProof is a sparse-Merkle inclusion proof from a
// block's command_merkle_root down to one specific command (spec.md §4.J
// step 2), over the same tree construction block.CommandMerkleRoot uses:
// the command's hash is the leaf key and its canonical position the leaf
// value.
type CommandInclusionProof struct {
	LeafHash [32]byte
	Index    int
	Proof    statetree.Proof
}

// BuildCommandInclusionProof proves that cmds[index] is included under
// the root computed from cmds.
func BuildCommandInclusionProof(cmds []block.Command, index int) (CommandInclusionProof, error) {
	if index < 0 || index >= len(cmds) {
		return CommandInclusionProof{}, fmt.Errorf("eviction: command index %d out of range", index)
	}
	hashes := make([]statetree.Hash, len(cmds))
	for i, c := range cmds {
		hashes[i] = statetree.Hash(c.Hash())
	}
	tree := statetree.New(statetree.NewMemNodeStore())
	root, err := tree.ComputeRootForHashes(hashes)
	if err != nil {
		return CommandInclusionProof{}, fmt.Errorf("eviction: rebuild command tree: %w", err)
	}
	proof, err := tree.GetProofForKey(root, hashes[index])
	if err != nil {
		return CommandInclusionProof{}, fmt.Errorf("eviction: command proof: %w", err)
	}
	return CommandInclusionProof{
		LeafHash: cmds[index].Hash(),
		Index:    index,
		Proof:    proof,
	}, nil
}

// VerifyCommandInclusionProof checks the proof against a block's
// command_merkle_root: the leaf key must be the command's hash, the leaf
// value its canonical position, and the sibling path must fold back to
// the root.
func VerifyCommandInclusionProof(root [32]byte, proof CommandInclusionProof) bool {
	if proof.Proof.LeafKey != statetree.Hash(proof.LeafHash) {
		return false
	}
	if proof.Proof.Value == nil || *proof.Proof.Value != uint32(proof.Index) {
		return false
	}
	return statetree.VerifyProof(statetree.Hash(root), proof.Proof)
}

// Proof is the final artifact submitted to the base layer for one
// EvictNode command (spec.md §4.J step 3).
type Proof struct {
	CommitBlockID types.BlockID
	Command       block.Command
	ChainProof    SidechainBlockCommitProof
	CommandProof  CommandInclusionProof
}

// Build constructs the full eviction proof for an EvictNode command found
// at `cmdIndex` within the committed block `commitBlockID`.
func Build(source BlockSource, tipQC block.QC, commitBlockID types.BlockID, commands []block.Command, cmdIndex int) (Proof, error) {
	if commands[cmdIndex].Kind != block.KindEvictNode {
		return Proof{}, fmt.Errorf("eviction: command at index %d is not EvictNode", cmdIndex)
	}
	chainProof, err := BuildSidechainBlockCommitProof(source, tipQC, commitBlockID)
	if err != nil {
		return Proof{}, fmt.Errorf("eviction: chain proof: %w", err)
	}
	cmdProof, err := BuildCommandInclusionProof(commands, cmdIndex)
	if err != nil {
		return Proof{}, fmt.Errorf("eviction: command proof: %w", err)
	}
	return Proof{
		CommitBlockID: commitBlockID,
		Command:       commands[cmdIndex],
		ChainProof:    chainProof,
		CommandProof:  cmdProof,
	}, nil
}
