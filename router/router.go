// Package router implements the inbound message router: a view-indexed
// buffer that keeps current-view messages hot, parks future-view
// messages, and discards stale ones (spec.md §4.L).
package router

import (
	"context"
	"errors"

	"github.com/luxfi/log"

	"github.com/luxfi/dan-consensus/types"
	"github.com/luxfi/dan-consensus/wire"
)

// Inbound is the transport stream the router consumes; Recv blocks until
// a message arrives, the stream closes, or ctx is cancelled.
type Inbound interface {
	Recv(ctx context.Context) (wire.Message, error)
}

// ErrStreamClosed is surfaced when the transport stream ends; the worker
// terminates this subtask and reconnects on the next epoch event
// (spec.md §7 Transport).
var ErrStreamClosed = errors.New("router: inbound stream closed")

type view struct {
	epoch  types.Epoch
	height types.NodeHeight
}

// Router buffers messages per (epoch, height).
type Router struct {
	log     log.Logger
	inbound Inbound
	buffer  map[view][]wire.Message
}

func New(logger log.Logger, inbound Inbound) *Router {
	return &Router{
		log:     logger,
		inbound: inbound,
		buffer:  make(map[view][]wire.Message),
	}
}

// hasView reports whether a message kind carries a real consensus view.
// View-less kinds (requests, notifications, responses) report height 0
// and are delivered whenever their epoch is current.
func hasView(k wire.Kind) bool {
	switch k {
	case wire.KindProposal, wire.KindVote, wire.KindNewView:
		return true
	default:
		return false
	}
}

// clearStale drops every buffered message below the current view:
// anything from a past epoch, and view-carrying messages at or below the
// current height. Height-0 buffers for the current epoch (foreign
// proposals parked while their epoch was in the future) survive and are
// served by Next.
func (r *Router) clearStale(currentEpoch types.Epoch, nextHeight types.NodeHeight) {
	for v := range r.buffer {
		if v.epoch < currentEpoch {
			delete(r.buffer, v)
			continue
		}
		if v.epoch == currentEpoch && v.height != 0 && v.height < nextHeight {
			delete(r.buffer, v)
		}
	}
}

// popBuffered returns a buffered message for the current view, if any:
// exact-height matches first, then height-0 messages parked for this
// epoch.
func (r *Router) popBuffered(currentEpoch types.Epoch, nextHeight types.NodeHeight) (wire.Message, bool) {
	for _, v := range []view{{currentEpoch, nextHeight}, {currentEpoch, 0}} {
		if msgs := r.buffer[v]; len(msgs) > 0 {
			msg := msgs[0]
			if len(msgs) == 1 {
				delete(r.buffer, v)
			} else {
				r.buffer[v] = msgs[1:]
			}
			return msg, true
		}
	}
	return nil, false
}

// Next returns the next message the worker should process for the
// current view. It first drains the buffer, then consumes the transport
// stream: stale messages are discarded, future-view messages buffered,
// and current-view messages returned. A future-epoch message that cannot
// be buffered (it is not a Vote and not a ForeignProposal) is returned
// as-is to kick the worker into catch-up sync (spec.md §4.L).
func (r *Router) Next(ctx context.Context, currentEpoch types.Epoch, currentHeight types.NodeHeight) (wire.Message, error) {
	nextHeight := currentHeight + 1
	r.clearStale(currentEpoch, nextHeight)
	if msg, ok := r.popBuffered(currentEpoch, nextHeight); ok {
		return msg, nil
	}

	for {
		msg, err := r.inbound.Recv(ctx)
		if err != nil {
			return nil, err
		}
		epoch, height := msg.View()

		switch {
		case epoch < currentEpoch,
			epoch == currentEpoch && hasView(msg.Kind()) && height < nextHeight:
			r.log.Debug("discarding stale message",
				"kind", msg.Kind().String(),
				"epoch", uint64(epoch),
				"height", uint64(height),
			)
			continue

		case epoch == currentEpoch && (!hasView(msg.Kind()) || height == nextHeight):
			return msg, nil

		case epoch == currentEpoch:
			// Future height within the current epoch.
			r.buffer[view{epoch, height}] = append(r.buffer[view{epoch, height}], msg)
			continue

		case msg.Kind() == wire.KindVote:
			// Future-epoch votes carry no QC to validate an epoch jump
			// with; buffer them until the epoch catches up.
			r.buffer[view{epoch, height}] = append(r.buffer[view{epoch, height}], msg)
			continue

		case msg.Kind() == wire.KindForeignProposal:
			// Foreign proposals from a future epoch park at height 0.
			r.buffer[view{epoch, 0}] = append(r.buffer[view{epoch, 0}], msg)
			continue

		default:
			// Future-epoch message with a QC: hand it back so the worker
			// notices it is behind and starts catch-up sync.
			r.log.Debug("future-epoch message, triggering catch-up",
				"kind", msg.Kind().String(),
				"epoch", uint64(epoch),
				"currentEpoch", uint64(currentEpoch),
			)
			return msg, nil
		}
	}
}

// BufferedLen reports how many messages are parked, for tests and
// diagnostics.
func (r *Router) BufferedLen() int {
	n := 0
	for _, msgs := range r.buffer {
		n += len(msgs)
	}
	return n
}
