// Package wire defines the logical consensus messages exchanged between
// validators (spec.md §4.H, §6 "Message wire format") and their
// framing. Message payloads reuse the canonical block/QC
// serialization; the envelope is protobuf wire format assembled with
// encoding/protowire, so any protobuf-speaking peer or tool can parse
// the frame without a schema compile step.
package wire

import (
	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/pledge"
	"github.com/luxfi/dan-consensus/types"
)

// Kind discriminates the message envelope.
type Kind uint8

const (
	KindProposal Kind = iota + 1
	KindVote
	KindNewView
	KindForeignProposal
	KindForeignProposalNotification
	KindForeignProposalRequest
	KindMissingTransactionsRequest
	KindMissingTransactionsResponse
	KindCatchUpSyncRequest
	KindSyncResponse
)

func (k Kind) String() string {
	switch k {
	case KindProposal:
		return "Proposal"
	case KindVote:
		return "Vote"
	case KindNewView:
		return "NewView"
	case KindForeignProposal:
		return "ForeignProposal"
	case KindForeignProposalNotification:
		return "ForeignProposalNotification"
	case KindForeignProposalRequest:
		return "ForeignProposalRequest"
	case KindMissingTransactionsRequest:
		return "MissingTransactionsRequest"
	case KindMissingTransactionsResponse:
		return "MissingTransactionsResponse"
	case KindCatchUpSyncRequest:
		return "CatchUpSyncRequest"
	case KindSyncResponse:
		return "SyncResponse"
	default:
		return "Unknown"
	}
}

// Message is one logical consensus message. View returns the (epoch,
// height) the inbound router indexes by.
type Message interface {
	Kind() Kind
	View() (types.Epoch, types.NodeHeight)
}

// Proposal carries a leader's proposed block.
type Proposal struct {
	Block block.Block
}

func (m *Proposal) Kind() Kind { return KindProposal }
func (m *Proposal) View() (types.Epoch, types.NodeHeight) {
	return m.Block.Epoch, m.Block.Height
}

// Vote is one replica's signed vote over (block_id, decision).
type Vote struct {
	Epoch       types.Epoch
	BlockHeight types.NodeHeight
	BlockID     types.BlockID
	Decision    block.QcDecision
	Signer      types.PublicKey
	Signature   []byte
}

func (m *Vote) Kind() Kind                            { return KindVote }
func (m *Vote) View() (types.Epoch, types.NodeHeight) { return m.Epoch, m.BlockHeight }

// NewView is the leader-failure message: the sender's high QC plus the
// height it wants to move to.
type NewView struct {
	Epoch     types.Epoch
	NewHeight types.NodeHeight
	HighQC    block.QC
	Signer    types.PublicKey
	Signature []byte
}

func (m *NewView) Kind() Kind                            { return KindNewView }
func (m *NewView) View() (types.Epoch, types.NodeHeight) { return m.Epoch, m.NewHeight }

// ForeignProposal carries a committed foreign block, its justify QC and
// the full block pledge by value.
type ForeignProposal struct {
	Block     block.Block
	JustifyQC block.QC
	Pledge    pledge.BlockPledge
}

func (m *ForeignProposal) Kind() Kind { return KindForeignProposal }

// View indexes foreign proposals by the justify QC's epoch at height 0,
// so the router buffers future-epoch foreign proposals instead of
// discarding them (spec.md §4.L).
func (m *ForeignProposal) View() (types.Epoch, types.NodeHeight) {
	return m.JustifyQC.Epoch, 0
}

// ForeignProposalNotification announces that the sender holds a foreign
// proposal the receiver may want.
type ForeignProposalNotification struct {
	Epoch   types.Epoch
	BlockID types.BlockID
}

func (m *ForeignProposalNotification) Kind() Kind                            { return KindForeignProposalNotification }
func (m *ForeignProposalNotification) View() (types.Epoch, types.NodeHeight) { return m.Epoch, 0 }

// ForeignProposalRequest pulls a foreign proposal by block id or by
// transaction id (spec.md §4.I catch-up).
type ForeignProposalRequest struct {
	Epoch           types.Epoch
	ByBlockID       *types.BlockID
	ByTransactionID *types.TransactionID
}

func (m *ForeignProposalRequest) Kind() Kind                            { return KindForeignProposalRequest }
func (m *ForeignProposalRequest) View() (types.Epoch, types.NodeHeight) { return m.Epoch, 0 }

// MissingTransactionsRequest asks for transactions referenced by a block
// the sender cannot sequence yet.
type MissingTransactionsRequest struct {
	Epoch        types.Epoch
	BlockID      types.BlockID
	Transactions []types.TransactionID
}

func (m *MissingTransactionsRequest) Kind() Kind                            { return KindMissingTransactionsRequest }
func (m *MissingTransactionsRequest) View() (types.Epoch, types.NodeHeight) { return m.Epoch, 0 }

// MissingTransactionsResponse returns the raw transaction payloads.
type MissingTransactionsResponse struct {
	Epoch        types.Epoch
	BlockID      types.BlockID
	Transactions [][]byte
}

func (m *MissingTransactionsResponse) Kind() Kind                            { return KindMissingTransactionsResponse }
func (m *MissingTransactionsResponse) View() (types.Epoch, types.NodeHeight) { return m.Epoch, 0 }

// CatchUpSyncRequest asks a peer for blocks from a height onward.
type CatchUpSyncRequest struct {
	Epoch      types.Epoch
	FromHeight types.NodeHeight
	HighQC     block.QC
}

func (m *CatchUpSyncRequest) Kind() Kind                            { return KindCatchUpSyncRequest }
func (m *CatchUpSyncRequest) View() (types.Epoch, types.NodeHeight) { return m.Epoch, m.FromHeight }

// SyncResponse returns a run of blocks with their justify QCs.
type SyncResponse struct {
	Epoch  types.Epoch
	Blocks []block.Block
	QCs    []block.QC
}

func (m *SyncResponse) Kind() Kind                            { return KindSyncResponse }
func (m *SyncResponse) View() (types.Epoch, types.NodeHeight) { return m.Epoch, 0 }
