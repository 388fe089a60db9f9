package router

import (
	"context"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/types"
	"github.com/luxfi/dan-consensus/wire"
)

type chanInbound struct {
	ch chan wire.Message
}

func (c *chanInbound) Recv(ctx context.Context) (wire.Message, error) {
	select {
	case msg, ok := <-c.ch:
		if !ok {
			return nil, ErrStreamClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func vote(epoch types.Epoch, height types.NodeHeight) *wire.Vote {
	return &wire.Vote{Epoch: epoch, BlockHeight: height, BlockID: types.BlockID{byte(height)}}
}

func proposal(epoch types.Epoch, height types.NodeHeight) *wire.Proposal {
	return &wire.Proposal{Block: block.Block{Epoch: epoch, Height: height, Parent: types.BlockID{1}}}
}

func newTestRouter(msgs ...wire.Message) *Router {
	in := &chanInbound{ch: make(chan wire.Message, 16)}
	for _, m := range msgs {
		in.ch <- m
	}
	return New(log.NewNoOpLogger(), in)
}

func TestCurrentViewReturned(t *testing.T) {
	r := newTestRouter(vote(1, 5))
	msg, err := r.Next(context.Background(), 1, 4)
	require.NoError(t, err)
	require.Equal(t, wire.KindVote, msg.Kind())
}

func TestStaleDiscardedThenCurrentReturned(t *testing.T) {
	r := newTestRouter(vote(1, 2), proposal(1, 3), vote(1, 5))
	msg, err := r.Next(context.Background(), 1, 4)
	require.NoError(t, err)
	require.Equal(t, wire.KindVote, msg.Kind())
	_, h := msg.View()
	require.Equal(t, types.NodeHeight(5), h)
}

func TestFutureHeightBuffered(t *testing.T) {
	r := newTestRouter(proposal(1, 7), proposal(1, 5))
	msg, err := r.Next(context.Background(), 1, 4)
	require.NoError(t, err)
	_, h := msg.View()
	require.Equal(t, types.NodeHeight(5), h)
	require.Equal(t, 1, r.BufferedLen())

	// Advancing to height 6 serves the buffered proposal at 7 without
	// touching the stream.
	msg, err = r.Next(context.Background(), 1, 6)
	require.NoError(t, err)
	_, h = msg.View()
	require.Equal(t, types.NodeHeight(7), h)
	require.Zero(t, r.BufferedLen())
}

func TestFutureEpochVoteBuffered(t *testing.T) {
	r := newTestRouter(vote(2, 1), vote(1, 5))
	msg, err := r.Next(context.Background(), 1, 4)
	require.NoError(t, err)
	e, _ := msg.View()
	require.Equal(t, types.Epoch(1), e)
	require.Equal(t, 1, r.BufferedLen())

	// When the epoch advances the buffered vote surfaces.
	msg, err = r.Next(context.Background(), 2, 0)
	require.NoError(t, err)
	e, h := msg.View()
	require.Equal(t, types.Epoch(2), e)
	require.Equal(t, types.NodeHeight(1), h)
}

func TestFutureEpochProposalKicksCatchUp(t *testing.T) {
	r := newTestRouter(proposal(3, 9))
	msg, err := r.Next(context.Background(), 1, 4)
	require.NoError(t, err)
	e, _ := msg.View()
	require.Equal(t, types.Epoch(3), e)
}

func TestForeignProposalFutureEpochParksAtZero(t *testing.T) {
	fp := &wire.ForeignProposal{
		Block:     block.Block{Epoch: 2, Height: 3, Parent: types.BlockID{2}},
		JustifyQC: block.QC{Epoch: 2, BlockHeight: 2},
	}
	r := newTestRouter(fp, vote(1, 5))

	msg, err := r.Next(context.Background(), 1, 4)
	require.NoError(t, err)
	require.Equal(t, wire.KindVote, msg.Kind())
	require.Equal(t, 1, r.BufferedLen())

	msg, err = r.Next(context.Background(), 2, 0)
	require.NoError(t, err)
	require.Equal(t, wire.KindForeignProposal, msg.Kind())
}

func TestViewlessKindsAlwaysCurrent(t *testing.T) {
	req := &wire.ForeignProposalRequest{Epoch: 1}
	r := newTestRouter(req)
	msg, err := r.Next(context.Background(), 1, 40)
	require.NoError(t, err)
	require.Equal(t, wire.KindForeignProposalRequest, msg.Kind())
}

func TestPastEpochDiscarded(t *testing.T) {
	r := newTestRouter(vote(1, 9), vote(2, 3))
	msg, err := r.Next(context.Background(), 2, 2)
	require.NoError(t, err)
	e, _ := msg.View()
	require.Equal(t, types.Epoch(2), e)
}
