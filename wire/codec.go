package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/pledge"
	"github.com/luxfi/dan-consensus/types"
)

// Envelope field numbers.
const (
	fieldKind    = 1
	fieldEpoch   = 2
	fieldHeight  = 3
	fieldPayload = 4
)

var (
	ErrMalformedFrame = errors.New("wire: malformed frame")
	ErrUnknownKind    = errors.New("wire: unknown message kind")
)

// Encode frames a message: a protobuf-wire envelope carrying the kind,
// the router view (epoch, height) and the canonical payload bytes.
func Encode(m Message) ([]byte, error) {
	payload, err := encodePayload(m)
	if err != nil {
		return nil, err
	}
	epoch, height := m.View()
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind()))
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(epoch))
	b = protowire.AppendTag(b, fieldHeight, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(height))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b, nil
}

// PeekView reads only the envelope's (kind, epoch, height) without
// decoding the payload; the inbound router uses this to index and buffer
// frames cheaply.
func PeekView(frame []byte) (Kind, types.Epoch, types.NodeHeight, error) {
	var kind Kind
	var epoch types.Epoch
	var height types.NodeHeight
	err := scanFields(frame, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case fieldKind:
			kind = Kind(v)
		case fieldEpoch:
			epoch = types.Epoch(v)
		case fieldHeight:
			height = types.NodeHeight(v)
		}
		return nil
	})
	if err != nil {
		return 0, 0, 0, err
	}
	if kind == 0 {
		return 0, 0, 0, ErrUnknownKind
	}
	return kind, epoch, height, nil
}

// Decode parses a full frame back into its message.
func Decode(frame []byte) (Message, error) {
	var kind Kind
	var payload []byte
	err := scanFields(frame, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case fieldKind:
			kind = Kind(v)
		case fieldPayload:
			payload = raw
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodePayload(kind, payload)
}

// scanFields walks every top-level protobuf field in buf, handing varint
// values and bytes fields to fn.
func scanFields(buf []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("%w: bad tag", ErrMalformedFrame)
		}
		buf = buf[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fmt.Errorf("%w: bad varint", ErrMalformedFrame)
			}
			buf = buf[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fmt.Errorf("%w: bad bytes field", ErrMalformedFrame)
			}
			buf = buf[n:]
			if err := fn(num, 0, v); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unsupported wire type %d", ErrMalformedFrame, typ)
		}
	}
	return nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func encodePayload(m Message) ([]byte, error) {
	var b []byte
	switch msg := m.(type) {
	case *Proposal:
		b = appendBytesField(b, 1, msg.Block.Encode())
	case *Vote:
		b = appendVarintField(b, 1, uint64(msg.Epoch))
		b = appendVarintField(b, 2, uint64(msg.BlockHeight))
		b = appendBytesField(b, 3, msg.BlockID[:])
		b = appendVarintField(b, 4, uint64(msg.Decision))
		b = appendBytesField(b, 5, msg.Signer[:])
		b = appendBytesField(b, 6, msg.Signature)
	case *NewView:
		b = appendVarintField(b, 1, uint64(msg.Epoch))
		b = appendVarintField(b, 2, uint64(msg.NewHeight))
		b = appendBytesField(b, 3, msg.HighQC.Encode())
		b = appendBytesField(b, 4, msg.Signer[:])
		b = appendBytesField(b, 5, msg.Signature)
	case *ForeignProposal:
		b = appendBytesField(b, 1, msg.Block.Encode())
		b = appendBytesField(b, 2, msg.JustifyQC.Encode())
		b = appendBytesField(b, 3, msg.Pledge.Encode())
	case *ForeignProposalNotification:
		b = appendVarintField(b, 1, uint64(msg.Epoch))
		b = appendBytesField(b, 2, msg.BlockID[:])
	case *ForeignProposalRequest:
		b = appendVarintField(b, 1, uint64(msg.Epoch))
		if msg.ByBlockID != nil {
			b = appendBytesField(b, 2, msg.ByBlockID[:])
		}
		if msg.ByTransactionID != nil {
			b = appendBytesField(b, 3, msg.ByTransactionID[:])
		}
	case *MissingTransactionsRequest:
		b = appendVarintField(b, 1, uint64(msg.Epoch))
		b = appendBytesField(b, 2, msg.BlockID[:])
		for _, id := range msg.Transactions {
			b = appendBytesField(b, 3, id[:])
		}
	case *MissingTransactionsResponse:
		b = appendVarintField(b, 1, uint64(msg.Epoch))
		b = appendBytesField(b, 2, msg.BlockID[:])
		for _, tx := range msg.Transactions {
			b = appendBytesField(b, 3, tx)
		}
	case *CatchUpSyncRequest:
		b = appendVarintField(b, 1, uint64(msg.Epoch))
		b = appendVarintField(b, 2, uint64(msg.FromHeight))
		b = appendBytesField(b, 3, msg.HighQC.Encode())
	case *SyncResponse:
		b = appendVarintField(b, 1, uint64(msg.Epoch))
		for _, blk := range msg.Blocks {
			b = appendBytesField(b, 2, blk.Encode())
		}
		for _, qc := range msg.QCs {
			b = appendBytesField(b, 3, qc.Encode())
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, m)
	}
	return b, nil
}

func to32(raw []byte) ([32]byte, error) {
	var out [32]byte
	if len(raw) != 32 {
		return out, fmt.Errorf("%w: expected 32-byte field, got %d", ErrMalformedFrame, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func decodePayload(kind Kind, payload []byte) (Message, error) {
	switch kind {
	case KindProposal:
		msg := &Proposal{}
		err := scanFields(payload, func(num protowire.Number, v uint64, raw []byte) error {
			if num == 1 {
				blk, err := block.DecodeBlock(raw)
				if err != nil {
					return err
				}
				msg.Block = blk
			}
			return nil
		})
		return msg, err
	case KindVote:
		msg := &Vote{}
		err := scanFields(payload, func(num protowire.Number, v uint64, raw []byte) error {
			var err error
			switch num {
			case 1:
				msg.Epoch = types.Epoch(v)
			case 2:
				msg.BlockHeight = types.NodeHeight(v)
			case 3:
				msg.BlockID, err = to32(raw)
			case 4:
				msg.Decision = block.QcDecision(v)
			case 5:
				var pk [32]byte
				pk, err = to32(raw)
				msg.Signer = types.PublicKey(pk)
			case 6:
				msg.Signature = append([]byte(nil), raw...)
			}
			return err
		})
		return msg, err
	case KindNewView:
		msg := &NewView{}
		err := scanFields(payload, func(num protowire.Number, v uint64, raw []byte) error {
			var err error
			switch num {
			case 1:
				msg.Epoch = types.Epoch(v)
			case 2:
				msg.NewHeight = types.NodeHeight(v)
			case 3:
				msg.HighQC, err = block.DecodeQC(raw)
			case 4:
				var pk [32]byte
				pk, err = to32(raw)
				msg.Signer = types.PublicKey(pk)
			case 5:
				msg.Signature = append([]byte(nil), raw...)
			}
			return err
		})
		return msg, err
	case KindForeignProposal:
		msg := &ForeignProposal{}
		err := scanFields(payload, func(num protowire.Number, v uint64, raw []byte) error {
			var err error
			switch num {
			case 1:
				msg.Block, err = block.DecodeBlock(raw)
			case 2:
				msg.JustifyQC, err = block.DecodeQC(raw)
			case 3:
				msg.Pledge, err = pledge.DecodeBlockPledge(raw)
			}
			return err
		})
		return msg, err
	case KindForeignProposalNotification:
		msg := &ForeignProposalNotification{}
		err := scanFields(payload, func(num protowire.Number, v uint64, raw []byte) error {
			var err error
			switch num {
			case 1:
				msg.Epoch = types.Epoch(v)
			case 2:
				msg.BlockID, err = to32(raw)
			}
			return err
		})
		return msg, err
	case KindForeignProposalRequest:
		msg := &ForeignProposalRequest{}
		err := scanFields(payload, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				msg.Epoch = types.Epoch(v)
			case 2:
				id, err := to32(raw)
				if err != nil {
					return err
				}
				blockID := types.BlockID(id)
				msg.ByBlockID = &blockID
			case 3:
				id, err := to32(raw)
				if err != nil {
					return err
				}
				txID := types.TransactionID(id)
				msg.ByTransactionID = &txID
			}
			return nil
		})
		return msg, err
	case KindMissingTransactionsRequest:
		msg := &MissingTransactionsRequest{}
		err := scanFields(payload, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				msg.Epoch = types.Epoch(v)
			case 2:
				id, err := to32(raw)
				if err != nil {
					return err
				}
				msg.BlockID = id
			case 3:
				id, err := to32(raw)
				if err != nil {
					return err
				}
				msg.Transactions = append(msg.Transactions, types.TransactionID(id))
			}
			return nil
		})
		return msg, err
	case KindMissingTransactionsResponse:
		msg := &MissingTransactionsResponse{}
		err := scanFields(payload, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				msg.Epoch = types.Epoch(v)
			case 2:
				id, err := to32(raw)
				if err != nil {
					return err
				}
				msg.BlockID = id
			case 3:
				msg.Transactions = append(msg.Transactions, append([]byte(nil), raw...))
			}
			return nil
		})
		return msg, err
	case KindCatchUpSyncRequest:
		msg := &CatchUpSyncRequest{}
		err := scanFields(payload, func(num protowire.Number, v uint64, raw []byte) error {
			var err error
			switch num {
			case 1:
				msg.Epoch = types.Epoch(v)
			case 2:
				msg.FromHeight = types.NodeHeight(v)
			case 3:
				msg.HighQC, err = block.DecodeQC(raw)
			}
			return err
		})
		return msg, err
	case KindSyncResponse:
		msg := &SyncResponse{}
		err := scanFields(payload, func(num protowire.Number, v uint64, raw []byte) error {
			switch num {
			case 1:
				msg.Epoch = types.Epoch(v)
			case 2:
				blk, err := block.DecodeBlock(raw)
				if err != nil {
					return err
				}
				msg.Blocks = append(msg.Blocks, blk)
			case 3:
				qc, err := block.DecodeQC(raw)
				if err != nil {
					return err
				}
				msg.QCs = append(msg.QCs, qc)
			}
			return nil
		})
		return msg, err
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}
