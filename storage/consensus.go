package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/statetree"
	"github.com/luxfi/dan-consensus/substatestore"
	"github.com/luxfi/dan-consensus/types"
)

// This file carries the consensus-facing tables: foreign proposals, state
// tree nodes and diffs, validator stats, evictions, burnt UTXOs, epoch
// checkpoints and the singleton cursors the HotStuff worker re-derives
// its state from on restart.

// --- foreign proposals ---

// ForeignProposalStatus tracks a foreign proposal through its local
// lifecycle (spec.md §4.I steps 5-7).
type ForeignProposalStatus uint8

const (
	ForeignProposalNew ForeignProposalStatus = iota
	ForeignProposalProposed
	ForeignProposalConfirmed
	ForeignProposalInvalid
)

func (s ForeignProposalStatus) String() string {
	switch s {
	case ForeignProposalNew:
		return "New"
	case ForeignProposalProposed:
		return "Proposed"
	case ForeignProposalConfirmed:
		return "Confirmed"
	case ForeignProposalInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// ForeignProposalRecord is one received foreign proposal: the source
// group, the foreign block id, its local lifecycle status, the local
// block that proposed it (zero until Proposed) and the encoded
// block+QC+pledge payload.
type ForeignProposalRecord struct {
	Epoch       types.Epoch
	SourceGroup types.ShardGroup
	BlockID     types.BlockID
	Status      ForeignProposalStatus
	ProposedIn  types.BlockID
	Payload     []byte
}

func (rec ForeignProposalRecord) encode() []byte {
	out := make([]byte, 0, 8+4+32+1+32+len(rec.Payload))
	out = append(out, u64be(uint64(rec.Epoch))...)
	out = append(out, u32be(rec.SourceGroup.Encode())...)
	out = append(out, rec.BlockID[:]...)
	out = append(out, byte(rec.Status))
	out = append(out, rec.ProposedIn[:]...)
	out = append(out, rec.Payload...)
	return out
}

func decodeForeignProposal(buf []byte) (ForeignProposalRecord, error) {
	if len(buf) < 77 {
		return ForeignProposalRecord{}, fmt.Errorf("storage: short foreign proposal record")
	}
	rec := ForeignProposalRecord{
		Epoch:       types.Epoch(binary.BigEndian.Uint64(buf)),
		SourceGroup: types.DecodeShardGroup(binary.BigEndian.Uint32(buf[8:])),
	}
	copy(rec.BlockID[:], buf[12:44])
	rec.Status = ForeignProposalStatus(buf[44])
	copy(rec.ProposedIn[:], buf[45:77])
	if len(buf) > 77 {
		rec.Payload = append([]byte(nil), buf[77:]...)
	}
	return rec, nil
}

// PutForeignProposal stores (or overwrites) a foreign proposal record and
// maintains the per-epoch index.
func (w *WriteTx) PutForeignProposal(rec ForeignProposalRecord) error {
	w.put(key(prefixForeignProposal, u64be(uint64(rec.Epoch)), rec.BlockID[:]), rec.encode())
	return w.appendToIDList(key(prefixForeignProposalsByEpoch, u64be(uint64(rec.Epoch))), rec.BlockID)
}

func (r *ReadTx) GetForeignProposal(epoch types.Epoch, blockID types.BlockID) (ForeignProposalRecord, bool, error) {
	buf, found, err := r.get(key(prefixForeignProposal, u64be(uint64(epoch)), blockID[:]))
	if err != nil || !found {
		return ForeignProposalRecord{}, false, err
	}
	rec, err := decodeForeignProposal(buf)
	if err != nil {
		return ForeignProposalRecord{}, false, err
	}
	return rec, true, nil
}

// ForeignProposalsByEpoch returns every foreign proposal recorded for an
// epoch.
func (r *ReadTx) ForeignProposalsByEpoch(epoch types.Epoch) ([]ForeignProposalRecord, error) {
	buf, found, err := r.get(key(prefixForeignProposalsByEpoch, u64be(uint64(epoch))))
	if err != nil || !found {
		return nil, err
	}
	idsIn, err := decodeIDList(buf)
	if err != nil {
		return nil, err
	}
	out := make([]ForeignProposalRecord, 0, len(idsIn))
	for _, id := range idsIn {
		rec, found, err := r.GetForeignProposal(epoch, id)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, rec)
		}
	}
	return out, nil
}

// DeleteForeignProposalsByEpoch drops every foreign proposal for an
// epoch; all foreign-proposal operations are epoch-scoped and deletable
// by epoch (spec.md §4.I).
func (w *WriteTx) DeleteForeignProposalsByEpoch(epoch types.Epoch) error {
	idxKey := key(prefixForeignProposalsByEpoch, u64be(uint64(epoch)))
	buf, found, err := w.reader().get(idxKey)
	if err != nil || !found {
		return err
	}
	idsIn, err := decodeIDList(buf)
	if err != nil {
		return err
	}
	for _, id := range idsIn {
		w.delete(key(prefixForeignProposal, u64be(uint64(epoch)), id[:]))
	}
	w.delete(idxKey)
	return nil
}

// --- state tree nodes and diffs ---

// treeNodeStore adapts a write transaction to statetree.NodeStore for one
// shard's tree, so statetree.CommitDiff persists through the same atomic
// transaction as everything else.
type treeNodeStore struct {
	w     *WriteTx
	shard types.Shard
}

func (s treeNodeStore) Get(h statetree.Hash) (bool, statetree.Node, error) {
	buf, found, err := s.w.reader().get(key(prefixTreeNode, u32be(uint32(s.shard)), h[:]))
	if err != nil || !found {
		return false, statetree.Node{}, err
	}
	n, err := statetree.DecodeNode(buf)
	if err != nil {
		return false, statetree.Node{}, err
	}
	return true, n, nil
}

func (s treeNodeStore) Put(h statetree.Hash, n statetree.Node) error {
	s.w.put(key(prefixTreeNode, u32be(uint32(s.shard)), h[:]), statetree.EncodeNode(n))
	return nil
}

// TreeNodeStore returns the per-shard node store view of this write
// transaction.
func (w *WriteTx) TreeNodeStore(shard types.Shard) statetree.NodeStore {
	return treeNodeStore{w: w, shard: shard}
}

// GetTreeNode reads one committed tree node.
func (r *ReadTx) GetTreeNode(shard types.Shard, h statetree.Hash) (statetree.Node, bool, error) {
	buf, found, err := r.get(key(prefixTreeNode, u32be(uint32(shard)), h[:]))
	if err != nil || !found {
		return statetree.Node{}, false, err
	}
	n, err := statetree.DecodeNode(buf)
	if err != nil {
		return statetree.Node{}, false, err
	}
	return n, true, nil
}

// PutPendingTreeDiff stores the diff a block accumulated for one shard,
// keyed by (block, shard), with a per-block shard index so commit can
// find every shard's diff.
func (w *WriteTx) PutPendingTreeDiff(blockID types.BlockID, shard types.Shard, diff *statetree.Diff) error {
	w.put(key(prefixPendingTreeDiff, blockID[:], u32be(uint32(shard))), statetree.EncodeDiff(diff))

	idxKey := key(prefixPendingTreeDiffShards, blockID[:])
	buf, found, err := w.reader().get(idxKey)
	if err != nil {
		return err
	}
	var shards []types.Shard
	if found {
		shards = decodeShardList(buf)
	}
	for _, s := range shards {
		if s == shard {
			return nil
		}
	}
	shards = append(shards, shard)
	w.put(idxKey, encodeShardList(shards))
	return nil
}

// PendingTreeDiffs returns every shard's pending diff for a block.
func (r *ReadTx) PendingTreeDiffs(blockID types.BlockID) (map[types.Shard]*statetree.Diff, error) {
	buf, found, err := r.get(key(prefixPendingTreeDiffShards, blockID[:]))
	if err != nil || !found {
		return nil, err
	}
	out := make(map[types.Shard]*statetree.Diff)
	for _, s := range decodeShardList(buf) {
		dbuf, found, err := r.get(key(prefixPendingTreeDiff, blockID[:], u32be(uint32(s))))
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		d, err := statetree.DecodeDiff(dbuf)
		if err != nil {
			return nil, err
		}
		out[s] = d
	}
	return out, nil
}

// DeletePendingTreeDiffs drops every pending diff for a block (after the
// diffs were committed, or the block was abandoned).
func (w *WriteTx) DeletePendingTreeDiffs(blockID types.BlockID) error {
	idxKey := key(prefixPendingTreeDiffShards, blockID[:])
	buf, found, err := w.reader().get(idxKey)
	if err != nil || !found {
		return err
	}
	for _, s := range decodeShardList(buf) {
		w.delete(key(prefixPendingTreeDiff, blockID[:], u32be(uint32(s))))
	}
	w.delete(idxKey)
	return nil
}

func encodeShardList(shards []types.Shard) []byte {
	out := make([]byte, 0, len(shards)*4)
	for _, s := range shards {
		out = append(out, u32be(uint32(s))...)
	}
	return out
}

func decodeShardList(buf []byte) []types.Shard {
	out := make([]types.Shard, 0, len(buf)/4)
	for off := 0; off+4 <= len(buf); off += 4 {
		out = append(out, types.Shard(binary.BigEndian.Uint32(buf[off:])))
	}
	return out
}

// PutStaleTreeNode records a superseded node hash for the
// stale_state_tree_nodes table. Stale nodes are never physically deleted
// here (no GC of old substate versions).
func (w *WriteTx) PutStaleTreeNode(shard types.Shard, h statetree.Hash) {
	w.put(key(prefixStaleTreeNode, u32be(uint32(shard)), h[:]), []byte{1})
}

// SetShardRoot records the latest committed tree root for a shard.
func (w *WriteTx) SetShardRoot(shard types.Shard, root statetree.Hash) {
	w.put(key(prefixShardRoot, u32be(uint32(shard))), root[:])
}

func (r *ReadTx) GetShardRoot(shard types.Shard) (statetree.Hash, bool, error) {
	buf, found, err := r.get(key(prefixShardRoot, u32be(uint32(shard))))
	if err != nil || !found {
		return statetree.Hash{}, false, err
	}
	var h statetree.Hash
	copy(h[:], buf)
	return h, true, nil
}

// --- validator stats, evictions ---

// ValidatorStatsRecord is one validator's liveness row for an epoch.
type ValidatorStatsRecord struct {
	MissedProposals uint32
	LastSeenHeight  types.NodeHeight
}

func (w *WriteTx) PutValidatorStats(epoch types.Epoch, pk types.PublicKey, rec ValidatorStatsRecord) {
	out := make([]byte, 0, 12)
	out = append(out, u32be(rec.MissedProposals)...)
	out = append(out, u64be(uint64(rec.LastSeenHeight))...)
	w.put(key(prefixValidatorStats, u64be(uint64(epoch)), pk[:]), out)
}

func (r *ReadTx) GetValidatorStats(epoch types.Epoch, pk types.PublicKey) (ValidatorStatsRecord, bool, error) {
	buf, found, err := r.get(key(prefixValidatorStats, u64be(uint64(epoch)), pk[:]))
	if err != nil || !found {
		return ValidatorStatsRecord{}, false, err
	}
	if len(buf) != 12 {
		return ValidatorStatsRecord{}, false, fmt.Errorf("storage: bad validator stats record")
	}
	return ValidatorStatsRecord{
		MissedProposals: binary.BigEndian.Uint32(buf),
		LastSeenHeight:  types.NodeHeight(binary.BigEndian.Uint64(buf[4:])),
	}, true, nil
}

// MarkEvicted records that pk was evicted in epoch (effective next
// epoch); the leader-selection eviction-skip consults this.
func (w *WriteTx) MarkEvicted(epoch types.Epoch, pk types.PublicKey) error {
	w.put(key(prefixEvictedNode, u64be(uint64(epoch)), pk[:]), []byte{1})
	var asID types.BlockID
	copy(asID[:], pk[:])
	return w.appendToIDList(key(prefixEvictedNodesByEpoch, u64be(uint64(epoch))), asID)
}

func (r *ReadTx) IsEvicted(epoch types.Epoch, pk types.PublicKey) (bool, error) {
	_, found, err := r.get(key(prefixEvictedNode, u64be(uint64(epoch)), pk[:]))
	return found, err
}

// EvictedNodes returns the public keys evicted in an epoch.
func (r *ReadTx) EvictedNodes(epoch types.Epoch) ([]types.PublicKey, error) {
	buf, found, err := r.get(key(prefixEvictedNodesByEpoch, u64be(uint64(epoch))))
	if err != nil || !found {
		return nil, err
	}
	idsIn, err := decodeIDList(buf)
	if err != nil {
		return nil, err
	}
	out := make([]types.PublicKey, 0, len(idsIn))
	for _, id := range idsIn {
		var pk types.PublicKey
		copy(pk[:], id[:])
		out = append(out, pk)
	}
	return out, nil
}

// --- burnt UTXOs ---

// PutBurntUTXO stores a base-layer burnt UTXO claim awaiting its
// MintConfidentialOutput command, keyed by commitment.
func (w *WriteTx) PutBurntUTXO(commitment []byte, payload []byte) {
	w.put(key(prefixBurntUTXO, commitment), payload)
}

func (r *ReadTx) GetBurntUTXO(commitment []byte) ([]byte, bool, error) {
	return r.get(key(prefixBurntUTXO, commitment))
}

func (w *WriteTx) DeleteBurntUTXO(commitment []byte) {
	w.delete(key(prefixBurntUTXO, commitment))
}

// --- epoch checkpoints ---

func (w *WriteTx) PutEpochCheckpoint(cp statetree.Checkpoint) {
	w.put(key(prefixEpochCheckpoint, u64be(uint64(cp.Epoch))), cp.Encode())
}

func (r *ReadTx) GetEpochCheckpoint(epoch types.Epoch) (statetree.Checkpoint, bool, error) {
	buf, found, err := r.get(key(prefixEpochCheckpoint, u64be(uint64(epoch))))
	if err != nil || !found {
		return statetree.Checkpoint{}, false, err
	}
	cp, err := statetree.DecodeCheckpoint(buf)
	if err != nil {
		return statetree.Checkpoint{}, false, err
	}
	return cp, true, nil
}

// --- consensus cursors ---

// BlockCursor is a singleton pointer to a block, persisted atomically
// with every state change of the HotStuff worker (spec.md §4.H).
type BlockCursor struct {
	BlockID types.BlockID
	Height  types.NodeHeight
	Epoch   types.Epoch
}

func (w *WriteTx) SetBlockCursor(name string, c BlockCursor) {
	out := make([]byte, 0, 48)
	out = append(out, c.BlockID[:]...)
	out = append(out, u64be(uint64(c.Height))...)
	out = append(out, u64be(uint64(c.Epoch))...)
	w.put(key(prefixCursor, []byte(name)), out)
}

func (r *ReadTx) GetBlockCursor(name string) (BlockCursor, bool, error) {
	buf, found, err := r.get(key(prefixCursor, []byte(name)))
	if err != nil || !found {
		return BlockCursor{}, false, err
	}
	if len(buf) != 48 {
		return BlockCursor{}, false, fmt.Errorf("storage: bad %s cursor", name)
	}
	var c BlockCursor
	copy(c.BlockID[:], buf)
	c.Height = types.NodeHeight(binary.BigEndian.Uint64(buf[32:]))
	c.Epoch = types.Epoch(binary.BigEndian.Uint64(buf[40:]))
	return c, true, nil
}

// SetHighQC persists the full high QC under the high_qc cursor.
func (w *WriteTx) SetHighQC(qc block.QC) {
	w.put(key(prefixCursor, []byte(CursorHighQC)), qc.Encode())
}

func (r *ReadTx) GetHighQC() (block.QC, bool, error) {
	buf, found, err := r.get(key(prefixCursor, []byte(CursorHighQC)))
	if err != nil || !found {
		return block.QC{}, false, err
	}
	qc, err := block.DecodeQC(buf)
	if err != nil {
		return block.QC{}, false, err
	}
	return qc, true, nil
}

// --- committed-state adapter ---

// committedReader adapts a read transaction to the pending substate
// store's view of durably committed state.
type committedReader struct {
	r *ReadTx
}

func (c committedReader) LatestVersion(id types.SubstateID) (uint32, bool, bool, error) {
	return c.r.LatestSubstateVersion(id)
}

func (c committedReader) Get(id types.SubstateID, version uint32) (substatestore.Substate, bool, error) {
	rec, found, err := c.r.GetSubstate(id, version)
	if err != nil || !found {
		return substatestore.Substate{}, false, err
	}
	sub := substatestore.Substate{ID: id, Version: version}
	if rec.IsUp {
		sub.Value = rec.Value
		if sub.Value == nil {
			sub.Value = []byte{}
		}
	}
	return sub, true, nil
}

// CommittedReader returns the substatestore view of this transaction.
func (r *ReadTx) CommittedReader() substatestore.CommittedReader {
	return committedReader{r: r}
}
