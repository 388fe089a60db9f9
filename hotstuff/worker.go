// Package hotstuff implements the pipelined three-phase consensus
// worker: propose, vote, commit over a 3-chain, with leader rotation,
// dummy-block view filling and cross-shard command sequencing (spec.md
// §4.H).
package hotstuff

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/config"
	dancrypto "github.com/luxfi/dan-consensus/crypto"
	"github.com/luxfi/dan-consensus/epochmgr"
	"github.com/luxfi/dan-consensus/executor"
	"github.com/luxfi/dan-consensus/feepool"
	"github.com/luxfi/dan-consensus/foreign"
	"github.com/luxfi/dan-consensus/metrics"
	"github.com/luxfi/dan-consensus/pacemaker"
	"github.com/luxfi/dan-consensus/router"
	"github.com/luxfi/dan-consensus/storage"
	"github.com/luxfi/dan-consensus/txpool"
	"github.com/luxfi/dan-consensus/types"
	"github.com/luxfi/dan-consensus/validation"
	"github.com/luxfi/dan-consensus/wire"
)

// Sender is the outbound side of the peer transport; the concrete
// network layer is out of scope and injected by the host process.
type Sender interface {
	Broadcast(ctx context.Context, msg wire.Message) error
	Send(ctx context.Context, to types.PublicKey, msg wire.Message) error
	SendToGroup(ctx context.Context, group types.ShardGroup, msg wire.Message) error
}

// InvariantError marks a "BUG" condition: the worker aborts with a
// diagnostic and requires operator intervention (spec.md §7).
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string { return "BUG: " + e.Detail }

func invariant(format string, args ...any) error {
	return &InvariantError{Detail: fmt.Sprintf(format, args...)}
}

// Worker owns the tip-side mutable consensus state exclusively: leaf,
// locked, last-voted, high-QC, last-executed (spec.md §3 Ownership). All
// mutations happen on the Run goroutine.
type Worker struct {
	cfg      config.Config
	log      log.Logger
	store    *storage.Store
	pool     *txpool.Pool
	pm       *pacemaker.Pacemaker
	router   *router.Router
	epochs   epochmgr.Manager
	exec     executor.Executor
	foreign  *foreign.Manager
	fees     *feepool.Tracker
	sender   Sender
	signer   *dancrypto.SecretKey
	localKey types.PublicKey

	epoch      types.Epoch
	committee  epochmgr.CommitteeInfo
	localGroup types.ShardGroup

	highQC       block.QC
	leaf         storage.BlockCursor
	locked       storage.BlockCursor
	lastVoted    storage.BlockCursor
	lastExecuted storage.BlockCursor
	lastProposed storage.BlockCursor

	// votes collects vote signatures per proposed block until quorum.
	votes map[types.BlockID]map[types.PublicKey]block.VoteSignature
	// newViews collects NewView messages per target height.
	newViews map[types.NodeHeight]map[types.PublicKey]*wire.NewView

	// viewMu guards the (epoch, height) snapshot read by the inbox
	// goroutine; everything else is Run-goroutine-only.
	viewMu sync.RWMutex

	blocksProposed  prometheus.Counter
	blocksCommitted prometheus.Counter
	commitLatency   metrics.Averager
}

// New assembles a worker. The caller wires the collaborators; Run does
// the rest.
func New(
	cfg config.Config,
	logger log.Logger,
	store *storage.Store,
	pool *txpool.Pool,
	pm *pacemaker.Pacemaker,
	rt *router.Router,
	epochs epochmgr.Manager,
	exec executor.Executor,
	fm *foreign.Manager,
	fees *feepool.Tracker,
	sender Sender,
	signer *dancrypto.SecretKey,
	reg prometheus.Registerer,
) (*Worker, error) {
	blocksProposed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hotstuff_blocks_proposed",
		Help: "Number of blocks this validator proposed",
	})
	if err := reg.Register(blocksProposed); err != nil {
		return nil, fmt.Errorf("hotstuff: register proposed metric: %w", err)
	}
	blocksCommitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hotstuff_blocks_committed",
		Help: "Number of blocks committed",
	})
	if err := reg.Register(blocksCommitted); err != nil {
		return nil, fmt.Errorf("hotstuff: register committed metric: %w", err)
	}
	commitLatency, err := metrics.NewAverager(
		"hotstuff_commit_latency",
		"time (in ns) from proposal to commit",
		reg,
	)
	if err != nil {
		return nil, fmt.Errorf("hotstuff: register commit latency metric: %w", err)
	}
	return &Worker{
		cfg:             cfg,
		log:             logger,
		store:           store,
		pool:            pool,
		pm:              pm,
		router:          rt,
		epochs:          epochs,
		exec:            exec,
		foreign:         fm,
		fees:            fees,
		sender:          sender,
		signer:          signer,
		localKey:        signer.PublicKey().ToTypesKey(),
		votes:           make(map[types.BlockID]map[types.PublicKey]block.VoteSignature),
		newViews:        make(map[types.NodeHeight]map[types.PublicKey]*wire.NewView),
		blocksProposed:  blocksProposed,
		blocksCommitted: blocksCommitted,
		commitLatency:   commitLatency,
	}, nil
}

// view returns the snapshot the inbox goroutine polls with.
func (w *Worker) view() (types.Epoch, types.NodeHeight) {
	w.viewMu.RLock()
	defer w.viewMu.RUnlock()
	return w.epoch, w.leaf.Height
}

func (w *Worker) setView(epoch types.Epoch, leaf storage.BlockCursor) {
	w.viewMu.Lock()
	w.epoch = epoch
	w.leaf = leaf
	w.viewMu.Unlock()
}

// recoverState re-derives leaf, high-QC, locked, last-voted and last-executed
// from the persisted store; absent cursors bootstrap from the genesis QC
// (spec.md §5 Cancellation: idempotent recovery on restart).
func (w *Worker) recoverState(epoch types.Epoch) error {
	r := w.store.ReadTx()

	highQC, found, err := r.GetHighQC()
	if err != nil {
		return err
	}
	if !found {
		highQC = block.GenesisQC(epoch, w.localGroup)
	}
	w.highQC = highQC

	// Seed the shard group's genesis block on first start; its sidechain
	// id is checked before anything persists (spec.md §4.F step 3).
	genesis := block.GenesisBlock(string(w.cfg.Network), epoch, w.localGroup, w.cfg.SidechainID)
	if err := validation.CheckSidechainID(genesis, w.cfg.SidechainID); err != nil {
		return err
	}
	genesisID := genesis.ID()
	if stored, err := r.HasBlock(genesisID); err != nil {
		return err
	} else if !stored {
		wtx := w.store.WriteTx()
		if err := wtx.PutBlock(genesis); err != nil {
			wtx.Abort()
			return err
		}
		if _, err := wtx.PutQC(block.GenesisQC(epoch, w.localGroup)); err != nil {
			wtx.Abort()
			return err
		}
		if err := wtx.Commit(); err != nil {
			return err
		}
	}

	load := func(name string) (storage.BlockCursor, error) {
		c, found, err := r.GetBlockCursor(name)
		if err != nil || !found {
			return storage.BlockCursor{Epoch: epoch}, err
		}
		return c, nil
	}
	leaf, found, err := r.GetBlockCursor(storage.CursorLeafBlock)
	if err != nil {
		return err
	}
	if !found {
		leaf = storage.BlockCursor{BlockID: genesisID, Height: 0, Epoch: epoch}
	}
	if w.locked, err = load(storage.CursorLockedBlock); err != nil {
		return err
	}
	if w.lastVoted, err = load(storage.CursorLastVoted); err != nil {
		return err
	}
	if w.lastExecuted, err = load(storage.CursorLastExecuted); err != nil {
		return err
	}
	if w.lastProposed, err = load(storage.CursorLastProposed); err != nil {
		return err
	}
	w.setView(epoch, leaf)
	return nil
}

// Run drives the worker for one epoch registration: it recovers state,
// starts the pacemaker, and processes beats, timeouts and inbound
// messages until ctx is cancelled (spec.md §5 scheduling model: one
// task, all mutations serialised here).
func (w *Worker) Run(ctx context.Context) error {
	if err := w.epochs.WaitForInitialScanningToComplete(ctx); err != nil {
		return fmt.Errorf("hotstuff: initial scan: %w", err)
	}
	epoch, err := w.epochs.CurrentEpoch(ctx)
	if err != nil {
		return err
	}
	committee, err := w.epochs.GetLocalCommitteeInfo(ctx, epoch)
	if err != nil {
		return fmt.Errorf("hotstuff: not in a committee for epoch %d: %w", epoch, err)
	}
	w.committee = committee
	w.localGroup = committee.ShardGroup

	if err := w.recoverState(epoch); err != nil {
		return fmt.Errorf("hotstuff: recover: %w", err)
	}
	w.log.Info("consensus worker starting",
		"epoch", uint64(epoch),
		"shardGroup", w.localGroup.String(),
		"leafHeight", uint64(w.leaf.Height),
		"highQCHeight", uint64(w.highQC.BlockHeight),
	)

	w.pm.Start(w.highQC.BlockHeight, w.leaf.Height)
	defer w.pm.Stop()

	// Inbox subtask: polls the router with the current view and feeds
	// the main loop. It observes ctx at its next await and drains
	// (spec.md §5 Cancellation).
	msgCh := make(chan wire.Message)
	errCh := make(chan error, 1)
	go func() {
		for {
			epoch, height := w.view()
			msg, err := w.router.Next(ctx, epoch, height)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					errCh <- err
				}
				return
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-errCh:
			// Transport failure terminates the subtask; surface it so
			// the host reconnects on the next epoch event (spec.md §7).
			return fmt.Errorf("hotstuff: inbound stream: %w", err)

		case <-w.pm.OnBeat():
			w.maybePropose(ctx, false)

		case <-w.pm.OnForceBeat():
			w.maybePropose(ctx, true)

		case <-w.pm.OnLeaderTimeout():
			w.onLeaderTimeout(ctx)

		case msg := <-msgCh:
			if err := w.dispatch(ctx, msg); err != nil {
				var inv *InvariantError
				if errors.As(err, &inv) {
					w.log.Error("worker aborting", "bug", inv.Detail)
					return err
				}
				w.log.Warn("message handling failed",
					"kind", msg.Kind().String(),
					"err", err,
				)
			}
		}
	}
}

// dispatch routes one inbound message to its handler (grounded on the
// original on_inbound_message dispatch shape).
func (w *Worker) dispatch(ctx context.Context, msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.Proposal:
		return w.onReceiveProposal(ctx, m)
	case *wire.Vote:
		return w.onReceiveVote(ctx, m)
	case *wire.NewView:
		return w.onReceiveNewView(ctx, m)
	case *wire.ForeignProposal:
		return w.onReceiveForeignProposal(ctx, m)
	case *wire.ForeignProposalNotification:
		return w.onForeignProposalNotification(ctx, m)
	case *wire.ForeignProposalRequest:
		return w.onForeignProposalRequest(ctx, m)
	case *wire.MissingTransactionsRequest:
		return w.onMissingTransactionsRequest(ctx, m)
	case *wire.MissingTransactionsResponse:
		return w.onMissingTransactionsResponse(ctx, m)
	case *wire.CatchUpSyncRequest:
		return w.onCatchUpSyncRequest(ctx, m)
	case *wire.SyncResponse:
		return w.onSyncResponse(ctx, m)
	default:
		return fmt.Errorf("hotstuff: unhandled message kind %s", msg.Kind())
	}
}

// isLeaderAt reports whether this validator leads at a height, applying
// the eviction skip.
func (w *Worker) isLeaderAt(height types.NodeHeight) (bool, error) {
	leader, err := validation.Leader(w.committee, height, w.isEvicted)
	if err != nil {
		return false, err
	}
	return leader.PublicKey == w.localKey, nil
}

func (w *Worker) isEvicted(pk types.PublicKey) bool {
	evicted, err := w.store.ReadTx().IsEvicted(w.epoch, pk)
	if err != nil {
		w.log.Warn("eviction lookup failed", "err", err)
		return false
	}
	return evicted
}

// updateHighQC advances the high QC, which moves strictly forward on
// block height (spec.md §5 Ordering guarantees).
func (w *Worker) updateHighQC(tx *storage.WriteTx, qc block.QC) (bool, error) {
	if qc.BlockHeight <= w.highQC.BlockHeight && w.highQC.BlockID != (types.BlockID{}) {
		return false, nil
	}
	if _, err := tx.PutQC(qc); err != nil {
		return false, err
	}
	tx.SetHighQC(qc)
	w.highQC = qc
	w.pm.Reset(&qc.BlockHeight, w.leaf.Height, false)
	return true, nil
}
