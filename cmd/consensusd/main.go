// Command consensusd runs a local development network of consensus
// validators in one process: every node gets its own durable store,
// pacemaker, router and HotStuff worker, connected over an in-process
// message bus that round-trips every message through the wire codec.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/luxfi/dan-consensus/config"
	dancrypto "github.com/luxfi/dan-consensus/crypto"
	"github.com/luxfi/dan-consensus/epochmgr"
	"github.com/luxfi/dan-consensus/executor"
	"github.com/luxfi/dan-consensus/feepool"
	"github.com/luxfi/dan-consensus/foreign"
	"github.com/luxfi/dan-consensus/hotstuff"
	"github.com/luxfi/dan-consensus/pacemaker"
	"github.com/luxfi/dan-consensus/router"
	"github.com/luxfi/dan-consensus/storage"
	"github.com/luxfi/dan-consensus/txpool"
	"github.com/luxfi/dan-consensus/types"
	"github.com/luxfi/dan-consensus/wire"
)

func main() {
	root := rootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		numNodes     int
		blockTime    time.Duration
		numPreshards uint32
	)
	cmd := &cobra.Command{
		Use:   "consensusd",
		Short: "Run a local development network of consensus validators",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.BlockTime = blockTime
			cfg.NumPreshards = types.NumPreshards(numPreshards)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runDevNet(cmd.Context(), cfg, numNodes)
		},
	}
	cmd.Flags().IntVar(&numNodes, "nodes", 4, "number of in-process validators")
	cmd.Flags().DurationVar(&blockTime, "block-time", 2*time.Second, "target block interval")
	cmd.Flags().Uint32Var(&numPreshards, "num-preshards", 32, "preshard count (power of two)")
	return cmd
}

// bus is the in-process transport: per-node inboxes fed by encoded wire
// frames, so every message crosses the real codec.
type bus struct {
	mu      sync.RWMutex
	inboxes map[types.PublicKey]chan []byte
	members map[types.ShardGroup][]types.PublicKey
}

func newBus() *bus {
	return &bus{
		inboxes: make(map[types.PublicKey]chan []byte),
		members: make(map[types.ShardGroup][]types.PublicKey),
	}
}

func (b *bus) register(pk types.PublicKey, group types.ShardGroup) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inboxes[pk] = make(chan []byte, 256)
	b.members[group] = append(b.members[group], pk)
}

func (b *bus) deliver(to types.PublicKey, frame []byte) {
	b.mu.RLock()
	ch := b.inboxes[to]
	b.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- frame:
	default:
		// Inbox full: drop; consensus recovers via sync.
	}
}

type busSender struct {
	bus  *bus
	self types.PublicKey
}

func (s *busSender) Broadcast(ctx context.Context, msg wire.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	for pk := range s.bus.inboxes {
		if pk != s.self {
			go s.bus.deliver(pk, frame)
		}
	}
	return nil
}

func (s *busSender) Send(ctx context.Context, to types.PublicKey, msg wire.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	s.bus.deliver(to, frame)
	return nil
}

func (s *busSender) SendToGroup(ctx context.Context, group types.ShardGroup, msg wire.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	for _, pk := range s.bus.members[group] {
		if pk != s.self {
			go s.bus.deliver(pk, frame)
		}
	}
	return nil
}

type busInbound struct {
	ch <-chan []byte
}

func (in *busInbound) Recv(ctx context.Context) (wire.Message, error) {
	select {
	case frame := <-in.ch:
		return wire.Decode(frame)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// noopExecutor accepts every transaction without touching state; a real
// deployment plugs the WASM engine in here.
type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, tx executor.Transaction, state executor.StateReader, virtual executor.VirtualSubstates) (executor.ExecuteResult, error) {
	return executor.ExecuteResult{Finalize: executor.FinalizeResult{Accept: true}}, nil
}

func runDevNet(ctx context.Context, cfg config.Config, numNodes int) error {
	logger := log.New("name", "consensusd")
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group := types.ShardGroup{Start: 0, End: types.Shard(uint32(cfg.NumPreshards) - 1)}
	info := epochmgr.CommitteeInfo{Epoch: 1, ShardGroup: group}

	keys := make([]*dancrypto.SecretKey, numNodes)
	for i := range keys {
		sk, err := dancrypto.GenerateKey()
		if err != nil {
			return err
		}
		keys[i] = sk
		var addr types.SubstateID
		addr[0] = byte(i)
		info.Members = append(info.Members, epochmgr.ValidatorNode{
			Address:    addr,
			PublicKey:  sk.PublicKey().ToTypesKey(),
			ShardGroup: group,
		})
	}

	b := newBus()
	for _, sk := range keys {
		b.register(sk.PublicKey().ToTypesKey(), group)
	}

	var wg sync.WaitGroup
	for i, sk := range keys {
		pk := sk.PublicKey().ToTypesKey()
		nodeLog := log.New("name", fmt.Sprintf("node-%d", i))

		epochs := epochmgr.NewInMemory(pk)
		epochs.SetEpochCommittees(1, []epochmgr.CommitteeInfo{info})

		reg := prometheus.NewRegistry()
		pm, err := pacemaker.New(nodeLog, cfg.BlockTime, cfg.PacemakerMaxDelta, 100*time.Millisecond, reg)
		if err != nil {
			return err
		}

		b.mu.RLock()
		inbox := b.inboxes[pk]
		b.mu.RUnlock()
		rt := router.New(nodeLog, &busInbound{ch: inbox})

		worker, err := hotstuff.New(
			cfg,
			nodeLog,
			storage.New(memdb.New()),
			txpool.New(),
			pm,
			rt,
			epochs,
			noopExecutor{},
			foreign.NewManager(nodeLog, group),
			feepool.NewTracker(),
			&busSender{bus: b, self: pk},
			sk,
			reg,
		)
		if err != nil {
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			pm.Run(ctx)
		}()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("worker exited", "node", i, "err", err)
				cancel()
			}
		}(i)
	}

	logger.Info("devnet running",
		"nodes", numNodes,
		"blockTime", cfg.BlockTime.String(),
		"shardGroup", group.String(),
	)
	<-ctx.Done()
	wg.Wait()
	return nil
}
