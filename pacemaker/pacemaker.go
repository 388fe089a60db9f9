// Package pacemaker owns the per-view timers driving block production
// and leader-failure detection: a block timer that beats the leader into
// producing, and a leader timeout with exponential back-off while the
// chain is stalled (spec.md §4.G).
package pacemaker

import (
	"context"
	"fmt"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/dan-consensus/metrics"
	"github.com/luxfi/dan-consensus/types"
)

// forever parks a timer without stopping it (spec.md §4.G Stop: "parks
// both timers in the far future").
const forever = 1000000 * time.Hour

// blockTimerOffset is subtracted from block_time for the force-beat
// interval so a leader starts building slightly before the deadline.
const blockTimerOffset = 500 * time.Millisecond

type requestKind uint8

const (
	reqStart requestKind = iota
	reqReset
	reqSuspendLeaderFailure
	reqResumeLeaderFailure
	reqStop
)

type request struct {
	kind           requestKind
	highQCHeight   types.NodeHeight
	hasHighQC      bool
	currentHeight  types.NodeHeight
	hasHeight      bool
	resetBlockTime bool
}

// Pacemaker serialises all timer state on one goroutine; requests arrive
// on a single channel and effects are published on the beat/timeout
// signal channels the HotStuff worker consumes.
type Pacemaker struct {
	log         log.Logger
	blockTime   time.Duration
	maxDelta    time.Duration
	avgLatency  time.Duration

	requests chan request

	onBeat          chan struct{}
	onForceBeat     chan struct{}
	onLeaderTimeout chan struct{}

	timeouts  prometheus.Counter
	beats     prometheus.Counter
	viewDur   metrics.Averager
}

// New builds a pacemaker. blockTime and maxDelta come from the core
// config; avgLatency is the caller's network latency estimate added to
// the leader timeout.
func New(logger log.Logger, blockTime, maxDelta, avgLatency time.Duration, reg prometheus.Registerer) (*Pacemaker, error) {
	timeouts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pacemaker_leader_timeouts",
		Help: "Number of leader timeouts fired",
	})
	if err := reg.Register(timeouts); err != nil {
		return nil, fmt.Errorf("pacemaker: register timeouts metric: %w", err)
	}
	beats := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pacemaker_force_beats",
		Help: "Number of forced block-production beats",
	})
	if err := reg.Register(beats); err != nil {
		return nil, fmt.Errorf("pacemaker: register beats metric: %w", err)
	}
	viewDur, err := metrics.NewAverager(
		"pacemaker_view_duration",
		"time (in ns) between consecutive view resets",
		reg,
	)
	if err != nil {
		return nil, fmt.Errorf("pacemaker: register view duration metric: %w", err)
	}
	return &Pacemaker{
		log:             logger,
		blockTime:       blockTime,
		maxDelta:        maxDelta,
		avgLatency:      avgLatency,
		requests:        make(chan request, 16),
		onBeat:          make(chan struct{}, 1),
		onForceBeat:     make(chan struct{}, 1),
		onLeaderTimeout: make(chan struct{}, 1),
		timeouts:        timeouts,
		beats:           beats,
		viewDur:         viewDur,
	}, nil
}

// OnBeat delivers explicit beats requested via BeatNow.
func (p *Pacemaker) OnBeat() <-chan struct{} { return p.onBeat }

// OnForceBeat delivers the periodic block-timer beats.
func (p *Pacemaker) OnForceBeat() <-chan struct{} { return p.onForceBeat }

// OnLeaderTimeout delivers leader-failure timeouts.
func (p *Pacemaker) OnLeaderTimeout() <-chan struct{} { return p.onLeaderTimeout }

// BeatNow asks the worker to attempt block production immediately, e.g.
// when transactions become ready between force beats.
func (p *Pacemaker) BeatNow() {
	select {
	case p.onBeat <- struct{}{}:
	default:
	}
}

// Start arms both timers against the given high-QC height.
func (p *Pacemaker) Start(highQCHeight, currentHeight types.NodeHeight) {
	p.requests <- request{
		kind:          reqStart,
		highQCHeight:  highQCHeight,
		hasHighQC:     true,
		currentHeight: currentHeight,
		hasHeight:     true,
	}
}

// Reset re-arms the leader timeout for a new view; highQCHeight is
// optional (nil keeps the previous), and resetBlockTime also restarts
// the block timer.
func (p *Pacemaker) Reset(highQCHeight *types.NodeHeight, currentHeight types.NodeHeight, resetBlockTime bool) {
	r := request{
		kind:           reqReset,
		currentHeight:  currentHeight,
		hasHeight:      true,
		resetBlockTime: resetBlockTime,
	}
	if highQCHeight != nil {
		r.highQCHeight = *highQCHeight
		r.hasHighQC = true
	}
	p.requests <- r
}

// SuspendLeaderFailure gates the leader timeout; a timeout firing while
// suspended is delivered on resume (spec.md §4.G, §9 Open Question:
// asymmetric by design for pause-for-sync).
func (p *Pacemaker) SuspendLeaderFailure() {
	p.requests <- request{kind: reqSuspendLeaderFailure}
}

// ResumeLeaderFailure re-enables the leader timeout.
func (p *Pacemaker) ResumeLeaderFailure() {
	p.requests <- request{kind: reqResumeLeaderFailure}
}

// Stop parks both timers in the far future.
func (p *Pacemaker) Stop() {
	p.requests <- request{kind: reqStop}
}

// DeltaTime is the exponential leader-failure back-off: block_time * 2^k
// where k = max(1, current_height - high_qc_height), saturating at
// maxDelta. At current_height == high_qc_height this is 2*block_time.
func DeltaTime(blockTime, maxDelta time.Duration, currentHeight, highQCHeight types.NodeHeight) time.Duration {
	k := uint64(1)
	if currentHeight > highQCHeight {
		k = uint64(currentHeight - highQCHeight)
		if k < 1 {
			k = 1
		}
	}
	// Saturate the shift before it overflows the duration type.
	if k > 30 {
		return maxDelta
	}
	delta := blockTime << k
	if delta > maxDelta || delta < 0 {
		return maxDelta
	}
	return delta
}

// Run processes requests and timer expiries until ctx is cancelled. Call
// it on its own goroutine.
func (p *Pacemaker) Run(ctx context.Context) {
	blockTimer := time.NewTimer(forever)
	leaderTimer := time.NewTimer(forever)
	defer blockTimer.Stop()
	defer leaderTimer.Stop()

	var (
		highQCHeight   types.NodeHeight
		currentHeight  types.NodeHeight
		suspended      bool
		pendingTimeout bool
		started        bool
		lastReset      = time.Now()
	)

	rearmLeader := func() {
		d := p.blockTime + DeltaTime(p.blockTime, p.maxDelta, currentHeight, highQCHeight) + p.avgLatency
		if !leaderTimer.Stop() {
			select {
			case <-leaderTimer.C:
			default:
			}
		}
		leaderTimer.Reset(d)
	}
	rearmBlock := func() {
		d := p.blockTime - blockTimerOffset
		if d <= 0 {
			d = p.blockTime
		}
		if !blockTimer.Stop() {
			select {
			case <-blockTimer.C:
			default:
			}
		}
		blockTimer.Reset(d)
	}
	park := func(t *time.Timer) {
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(forever)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-p.requests:
			switch req.kind {
			case reqStart:
				highQCHeight = req.highQCHeight
				currentHeight = req.currentHeight
				started = true
				pendingTimeout = false
				lastReset = time.Now()
				rearmLeader()
				rearmBlock()
				p.log.Debug("pacemaker started",
					"highQCHeight", uint64(highQCHeight),
					"currentHeight", uint64(currentHeight),
				)

			case reqReset:
				if !started {
					continue
				}
				if req.hasHighQC {
					highQCHeight = req.highQCHeight
				}
				currentHeight = req.currentHeight
				p.viewDur.Observe(float64(time.Since(lastReset)))
				lastReset = time.Now()
				rearmLeader()
				if req.resetBlockTime {
					rearmBlock()
				}

			case reqSuspendLeaderFailure:
				suspended = true

			case reqResumeLeaderFailure:
				suspended = false
				if pendingTimeout {
					pendingTimeout = false
					p.fireTimeout()
				}

			case reqStop:
				started = false
				pendingTimeout = false
				park(blockTimer)
				park(leaderTimer)
				p.log.Debug("pacemaker stopped")
			}

		case <-blockTimer.C:
			if !started {
				blockTimer.Reset(forever)
				continue
			}
			p.beats.Inc()
			select {
			case p.onForceBeat <- struct{}{}:
			default:
			}
			rearmBlock()

		case <-leaderTimer.C:
			if !started {
				leaderTimer.Reset(forever)
				continue
			}
			if suspended {
				pendingTimeout = true
				leaderTimer.Reset(forever)
				continue
			}
			p.fireTimeout()
			rearmLeader()
		}
	}
}

func (p *Pacemaker) fireTimeout() {
	p.timeouts.Inc()
	p.log.Debug("leader timeout fired")
	select {
	case p.onLeaderTimeout <- struct{}{}:
	default:
	}
}
