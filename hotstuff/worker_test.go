package hotstuff

import (
	"context"
	"sync"
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/config"
	dancrypto "github.com/luxfi/dan-consensus/crypto"
	"github.com/luxfi/dan-consensus/epochmgr"
	"github.com/luxfi/dan-consensus/executor"
	"github.com/luxfi/dan-consensus/executor/executormock"
	"github.com/luxfi/dan-consensus/feepool"
	"github.com/luxfi/dan-consensus/foreign"
	"github.com/luxfi/dan-consensus/pacemaker"
	"github.com/luxfi/dan-consensus/router"
	"github.com/luxfi/dan-consensus/storage"
	"github.com/luxfi/dan-consensus/substatestore"
	"github.com/luxfi/dan-consensus/txpool"
	"github.com/luxfi/dan-consensus/types"
	"github.com/luxfi/dan-consensus/wire"
)

// recordingSender captures outbound messages.
type recordingSender struct {
	mu        sync.Mutex
	broadcast []wire.Message
	direct    []wire.Message
	group     []wire.Message
}

func (s *recordingSender) Broadcast(ctx context.Context, msg wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast = append(s.broadcast, msg)
	return nil
}

func (s *recordingSender) Send(ctx context.Context, to types.PublicKey, msg wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.direct = append(s.direct, msg)
	return nil
}

func (s *recordingSender) SendToGroup(ctx context.Context, group types.ShardGroup, msg wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.group = append(s.group, msg)
	return nil
}

type idleInbound struct{}

func (idleInbound) Recv(ctx context.Context) (wire.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type testHarness struct {
	worker *Worker
	keys   []*dancrypto.SecretKey
	info   epochmgr.CommitteeInfo
	store  *storage.Store
	sender *recordingSender
	epochs *epochmgr.InMemory
}

// newHarness builds a 4-member committee with the worker's key seated at
// index 1 (the round-robin leader for height 1).
func newHarness(t *testing.T, exec executor.Executor) *testHarness {
	t.Helper()

	group := types.ShardGroup{Start: 0, End: 31}
	var keys []*dancrypto.SecretKey
	info := epochmgr.CommitteeInfo{Epoch: 1, ShardGroup: group}
	for i := 0; i < 4; i++ {
		sk, err := dancrypto.GenerateKey()
		require.NoError(t, err)
		keys = append(keys, sk)
		var addr types.SubstateID
		addr[0] = byte(i)
		info.Members = append(info.Members, epochmgr.ValidatorNode{
			Address:    addr,
			PublicKey:  sk.PublicKey().ToTypesKey(),
			ShardGroup: group,
		})
	}

	workerKey := keys[1]
	epochs := epochmgr.NewInMemory(workerKey.PublicKey().ToTypesKey())
	epochs.SetEpochCommittees(1, []epochmgr.CommitteeInfo{info})

	cfg := config.Default()
	cfg.Network = "localnet"
	cfg.NumPreshards = 32

	store := storage.New(memdb.New())
	reg := prometheus.NewRegistry()
	pm, err := pacemaker.New(log.NewNoOpLogger(), cfg.BlockTime, cfg.PacemakerMaxDelta, 0, reg)
	require.NoError(t, err)
	rt := router.New(log.NewNoOpLogger(), idleInbound{})
	sender := &recordingSender{}
	fm := foreign.NewManager(log.NewNoOpLogger(), group)

	w, err := New(cfg, log.NewNoOpLogger(), store, txpool.New(), pm, rt,
		epochs, exec, fm, feepool.NewTracker(), sender, workerKey, reg)
	require.NoError(t, err)

	w.committee = info
	w.localGroup = group
	require.NoError(t, w.recoverState(1))

	return &testHarness{worker: w, keys: keys, info: info, store: store, sender: sender, epochs: epochs}
}

// qcOver builds a fully-signed QC over a block.
func (h *testHarness) qcOver(b block.Block) block.QC {
	qc := block.QC{
		BlockID:     b.ID(),
		BlockHeight: b.Height,
		Epoch:       b.Epoch,
		ShardGroup:  h.info.ShardGroup,
		Decision:    block.QcAccept,
	}
	msg := block.MakeVoteMessage(b.ID(), block.QcAccept)
	for _, sk := range h.keys {
		qc.Signatures = append(qc.Signatures, block.VoteSignature{
			PublicKey: sk.PublicKey().ToTypesKey(),
			Sig:       sk.Sign(msg).Bytes(),
		})
	}
	return qc
}

// extendChain builds and processes an empty block at the next height,
// justified by a QC over prev.
func (h *testHarness) extendChain(t *testing.T, prev block.Block) block.Block {
	t.Helper()
	qc := h.qcOver(prev)
	b := block.Block{
		Parent:      prev.ID(),
		JustifyQcID: qc.ID(),
		Network:     "localnet",
		Height:      prev.Height + 1,
		Epoch:       1,
		ShardGroup:  h.info.ShardGroup,
	}
	b.CommandMerkleRoot = b.RecomputeCommandMerkleRoot()
	leaderIdx := int(uint64(b.Height) % 4)
	b.Sign(h.keys[leaderIdx])

	wtx := h.store.WriteTx()
	_, err := wtx.PutQC(qc)
	require.NoError(t, err)
	require.NoError(t, wtx.Commit())
	require.NoError(t, h.worker.processProposal(context.Background(), b, qc))
	return b
}

func TestLocalOnlyCommitScenario(t *testing.T) {
	var c1 types.SubstateID
	c1[0] = 0xC1

	exec := &executormock.Executor{
		ExecuteF: func(ctx context.Context, tx executor.Transaction, state executor.StateReader, virtual executor.VirtualSubstates) (executor.ExecuteResult, error) {
			return executor.ExecuteResult{Finalize: executor.FinalizeResult{
				Accept: true,
				Diff: &executor.Diff{Changes: []substatestore.Change{
					{VersionedID: types.VersionedSubstateId{ID: c1, Version: 0}, Up: false},
					{VersionedID: types.VersionedSubstateId{ID: c1, Version: 1}, Up: true, Value: []byte("v1")},
				}},
			}}, nil
		},
	}
	h := newHarness(t, exec)
	ctx := context.Background()

	// Committed prior state: C1 exists at v0.
	wtx := h.store.WriteTx()
	wtx.PutSubstateUp(c1, 0, []byte("v0"))
	require.NoError(t, wtx.Commit())

	// Admit a single-group transaction reading C1 v0.
	tx := executor.Transaction{
		ID:     types.TransactionID{0xAA},
		Inputs: []types.VersionedSubstateId{{ID: c1, Version: 0}},
		Fee:    100,
	}
	require.NoError(t, h.worker.AdmitTransaction(ctx, tx))
	require.Equal(t, 1, h.worker.pool.Len())

	// The worker leads height 1 and proposes a LocalOnly commit.
	h.worker.maybePropose(ctx, false)
	b1, found, err := h.store.ReadTx().GetBlock(h.worker.lastProposed.BlockID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.NodeHeight(1), b1.Height)
	require.Len(t, b1.Commands, 1)
	require.Equal(t, block.KindLocalOnly, b1.Commands[0].Kind)
	require.False(t, b1.Commands[0].Atom.Decision.IsAbort)
	require.NotEqual(t, [32]byte{}, b1.StateMerkleRoot)

	// Three extending blocks lock then commit block 1.
	b2 := h.extendChain(t, b1)
	b3 := h.extendChain(t, b2)
	require.Equal(t, types.NodeHeight(1), h.worker.locked.Height)
	require.Zero(t, h.worker.pool.Len(), "finalized transaction leaves the pool at lock time")

	h.extendChain(t, b3)
	require.Equal(t, types.NodeHeight(1), h.worker.lastExecuted.Height)

	// Post-commit: latest(C1) is v1.
	version, isUp, ok, err := h.store.ReadTx().LatestSubstateVersion(c1)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, isUp)
	require.Equal(t, uint32(1), version)
}

func TestHighQCMonotonic(t *testing.T) {
	h := newHarness(t, &executormock.Executor{})

	b1 := block.Block{Network: "localnet", Height: 1, Epoch: 1, ShardGroup: h.info.ShardGroup, Parent: types.BlockID{1}}
	qc1 := h.qcOver(b1)
	b2 := block.Block{Network: "localnet", Height: 5, Epoch: 1, ShardGroup: h.info.ShardGroup, Parent: types.BlockID{2}}
	qc5 := h.qcOver(b2)

	wtx := h.store.WriteTx()
	advanced, err := h.worker.updateHighQC(wtx, qc5)
	require.NoError(t, err)
	require.True(t, advanced)

	advanced, err = h.worker.updateHighQC(wtx, qc1)
	require.NoError(t, err)
	require.False(t, advanced, "high QC must never move backwards")
	require.NoError(t, wtx.Commit())
	require.Equal(t, types.NodeHeight(5), h.worker.highQC.BlockHeight)
}

func TestVoteQuorumFormsQC(t *testing.T) {
	h := newHarness(t, &executormock.Executor{})
	ctx := context.Background()

	b := block.Block{Network: "localnet", Height: 1, Epoch: 1, ShardGroup: h.info.ShardGroup, Parent: types.BlockID{3}}
	blockID := b.ID()
	msg := block.MakeVoteMessage(blockID, block.QcAccept)

	// Quorum for n=4 is 4; after three votes no QC exists yet.
	for i := 0; i < 3; i++ {
		vote := &wire.Vote{
			Epoch:       1,
			BlockHeight: 1,
			BlockID:     blockID,
			Decision:    block.QcAccept,
			Signer:      h.keys[i].PublicKey().ToTypesKey(),
			Signature:   h.keys[i].Sign(msg).Bytes(),
		}
		require.NoError(t, h.worker.onReceiveVote(ctx, vote))
	}
	require.Equal(t, types.NodeHeight(0), h.worker.highQC.BlockHeight)

	// Duplicate vote does not count toward quorum.
	dup := &wire.Vote{
		Epoch: 1, BlockHeight: 1, BlockID: blockID, Decision: block.QcAccept,
		Signer:    h.keys[0].PublicKey().ToTypesKey(),
		Signature: h.keys[0].Sign(msg).Bytes(),
	}
	require.NoError(t, h.worker.onReceiveVote(ctx, dup))
	require.Equal(t, types.NodeHeight(0), h.worker.highQC.BlockHeight)

	final := &wire.Vote{
		Epoch: 1, BlockHeight: 1, BlockID: blockID, Decision: block.QcAccept,
		Signer:    h.keys[3].PublicKey().ToTypesKey(),
		Signature: h.keys[3].Sign(msg).Bytes(),
	}
	require.NoError(t, h.worker.onReceiveVote(ctx, final))
	require.Equal(t, types.NodeHeight(1), h.worker.highQC.BlockHeight)
	require.Len(t, h.worker.highQC.Signatures, 4)
}

func TestBadVoteRejected(t *testing.T) {
	h := newHarness(t, &executormock.Executor{})
	ctx := context.Background()

	outsider, err := dancrypto.GenerateKey()
	require.NoError(t, err)
	b := block.Block{Network: "localnet", Height: 1, Epoch: 1, ShardGroup: h.info.ShardGroup, Parent: types.BlockID{3}}
	msg := block.MakeVoteMessage(b.ID(), block.QcAccept)

	vote := &wire.Vote{
		Epoch: 1, BlockHeight: 1, BlockID: b.ID(), Decision: block.QcAccept,
		Signer:    outsider.PublicKey().ToTypesKey(),
		Signature: outsider.Sign(msg).Bytes(),
	}
	require.Error(t, h.worker.onReceiveVote(ctx, vote))

	tampered := &wire.Vote{
		Epoch: 1, BlockHeight: 1, BlockID: b.ID(), Decision: block.QcAccept,
		Signer:    h.keys[0].PublicKey().ToTypesKey(),
		Signature: []byte("bogus"),
	}
	require.Error(t, h.worker.onReceiveVote(ctx, tampered))
}

func TestReconstructDummies(t *testing.T) {
	group := types.ShardGroup{Start: 0, End: 31}
	justify := block.QC{
		BlockID:     types.BlockID{7},
		BlockHeight: 4,
		Epoch:       1,
		ShardGroup:  group,
	}

	dummies := reconstructDummies(justify, 7, "localnet", group)
	require.Len(t, dummies, 2) // heights 5 and 6

	require.Equal(t, types.NodeHeight(5), dummies[0].Height)
	require.Equal(t, justify.BlockID, dummies[0].Parent)
	require.True(t, dummies[0].IsDummy)
	require.Empty(t, dummies[0].Signature)
	require.Empty(t, dummies[0].Commands)

	require.Equal(t, types.NodeHeight(6), dummies[1].Height)
	require.Equal(t, dummies[0].ID(), dummies[1].Parent)

	// Deterministic: every replica derives identical ids.
	again := reconstructDummies(justify, 7, "localnet", group)
	require.Equal(t, dummies[1].ID(), again[1].ID())
}

func TestForeignPhaseOutcome(t *testing.T) {
	h := newHarness(t, &executormock.Executor{})
	foreignGroup := types.ShardGroup{Start: 32, End: 63}
	commit := block.CommitDecision()
	abort := block.AbortDecision(block.AbortReasonLockConflict)

	rec := txpool.Record{
		ID:    types.TransactionID{1},
		Stage: txpool.StageLocalPrepared,
		Evidence: block.Evidence{
			h.info.ShardGroup: {Inputs: []block.LockedInput{{}}},
			foreignGroup:      {Inputs: []block.LockedInput{{}}},
		},
	}

	// No foreign report yet: cannot advance.
	_, _, ok := h.worker.foreignPhaseOutcome(rec, true)
	require.False(t, ok)

	// Foreign prepared with commit: AllPrepare.
	sge := rec.Evidence[foreignGroup]
	sge.PrepareDecision = &commit
	rec.Evidence[foreignGroup] = sge
	kind, decision, ok := h.worker.foreignPhaseOutcome(rec, true)
	require.True(t, ok)
	require.Equal(t, block.KindAllPrepare, kind)
	require.False(t, decision.IsAbort)

	// Foreign aborted at prepare: SomePrepare.
	sge.PrepareDecision = &abort
	rec.Evidence[foreignGroup] = sge
	kind, decision, ok = h.worker.foreignPhaseOutcome(rec, true)
	require.True(t, ok)
	require.Equal(t, block.KindSomePrepare, kind)
	require.True(t, decision.IsAbort)
	require.Equal(t, block.AbortReasonForeignShardGroupDecidedToAbort, decision.Reason)

	// Accept phase mirrors.
	sge.AcceptDecision = &commit
	rec.Evidence[foreignGroup] = sge
	kind, decision, ok = h.worker.foreignPhaseOutcome(rec, false)
	require.True(t, ok)
	require.Equal(t, block.KindAllAccept, kind)
	require.False(t, decision.IsAbort)
}

func TestStageSkipRejectsBlock(t *testing.T) {
	h := newHarness(t, &executormock.Executor{})
	ctx := context.Background()

	// A transaction sitting at New may not jump straight to AllPrepare.
	rec := txpool.Record{
		ID:    types.TransactionID{0xBB},
		Stage: txpool.StageNew,
		Evidence: block.Evidence{
			h.info.ShardGroup: {Inputs: []block.LockedInput{{}}},
		},
		IsReady: true,
	}
	require.NoError(t, h.worker.pool.InsertNew(rec))

	atom := block.TransactionAtom{ID: rec.ID, Evidence: rec.Evidence}
	cmd, err := block.NewAtomCommand(block.KindAllPrepare, atom)
	require.NoError(t, err)

	genesis := block.GenesisQC(1, h.info.ShardGroup)
	b := block.Block{
		Parent:      types.BlockID{1},
		JustifyQcID: genesis.ID(),
		Network:     "localnet",
		Height:      1,
		Epoch:       1,
		ShardGroup:  h.info.ShardGroup,
		Commands:    []block.Command{cmd},
	}
	b.CommandMerkleRoot = b.RecomputeCommandMerkleRoot()
	b.Sign(h.keys[1])

	err = h.worker.processProposal(ctx, b, genesis)
	require.ErrorIs(t, err, txpool.ErrProtocolStageSkip)
}

func TestEvictionProofSubmittedOnCommit(t *testing.T) {
	h := newHarness(t, &executormock.Executor{})
	ctx := context.Background()

	evictee := h.info.Members[3].PublicKey

	// Mark the validator past the miss threshold so the proposer
	// includes EvictNode.
	wtx := h.store.WriteTx()
	wtx.PutValidatorStats(1, evictee, storage.ValidatorStatsRecord{MissedProposals: 10})
	require.NoError(t, wtx.Commit())

	h.worker.maybePropose(ctx, false)
	b1, found, err := h.store.ReadTx().GetBlock(h.worker.lastProposed.BlockID)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, b1.Commands, 1)
	require.Equal(t, block.KindEvictNode, b1.Commands[0].Kind)
	require.Equal(t, evictee, b1.Commands[0].EvictPublicKey)

	b2 := h.extendChain(t, b1)
	b3 := h.extendChain(t, b2)
	h.extendChain(t, b3)

	evicted, err := h.store.ReadTx().IsEvicted(1, evictee)
	require.NoError(t, err)
	require.True(t, evicted)

	// add_intent_to_evict_validator invoked exactly once.
	require.Len(t, h.epochs.Evictions(), 1)
}

func TestRecoverSeedsGenesis(t *testing.T) {
	h := newHarness(t, &executormock.Executor{})

	genesis := block.GenesisBlock("localnet", 1, h.info.ShardGroup, nil)
	stored, found, err := h.store.ReadTx().GetBlock(genesis.ID())
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, stored.IsGenesis())

	// The leaf bootstraps at the genesis block; recovery is idempotent.
	require.Equal(t, genesis.ID(), h.worker.leaf.BlockID)
	require.NoError(t, h.worker.recoverState(1))
	require.Equal(t, genesis.ID(), h.worker.leaf.BlockID)
}
