// Package storage implements the durable storage contract (spec.md §6):
// typed read and write transactions over a key-value database, with
// writes atomic across all logical tables in one transaction.
//
// The backing database is github.com/luxfi/database, the KV contract the
// teacher repo builds its engines' state on; tests and single-process
// demos use its memdb. Logical tables are single-byte key prefixes;
// secondary access paths (children of a block, blocks per height,
// foreign proposals per epoch) are maintained as explicit id-list index
// records rather than relying on range iteration.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/luxfi/database"

	"github.com/luxfi/dan-consensus/block"
	"github.com/luxfi/dan-consensus/types"
)

// Table prefixes. One byte each; every key in the database starts with
// exactly one of these.
const (
	prefixBlock byte = iota + 1
	prefixBlockChildren
	prefixBlocksAtHeight
	prefixQC
	prefixSubstate
	prefixSubstateLatest
	prefixSubstateLock
	prefixTransaction
	prefixTransactionExec
	prefixPoolStage
	prefixForeignProposal
	prefixForeignProposalsByEpoch
	prefixTreeNode
	prefixPendingTreeDiff
	prefixPendingTreeDiffShards
	prefixStaleTreeNode
	prefixShardRoot
	prefixValidatorStats
	prefixEvictedNode
	prefixEvictedNodesByEpoch
	prefixBurntUTXO
	prefixEpochCheckpoint
	prefixCursor
)

// Cursor names for the singleton consensus-state records (spec.md §4.H
// local variables plus last_proposed).
const (
	CursorHighQC       = "high_qc"
	CursorLockedBlock  = "locked_block"
	CursorLeafBlock    = "leaf_block"
	CursorLastVoted    = "last_voted"
	CursorLastExecuted = "last_executed"
	CursorLastProposed = "last_proposed"
)

var ErrNotFound = errors.New("storage: not found")

// Store wraps the backing database with the typed table surface.
type Store struct {
	db database.Database
}

func New(db database.Database) *Store {
	return &Store{db: db}
}

// ReadTx returns a read-only view over committed state. It is not a
// snapshot; it reads whatever the database holds at each call.
func (s *Store) ReadTx() *ReadTx {
	return &ReadTx{tx: tx{g: s.db}}
}

// WriteTx returns a write transaction. All puts and deletes are buffered
// and applied atomically on Commit via a database batch; reads within the
// transaction observe its own writes.
func (s *Store) WriteTx() *WriteTx {
	w := &WriteTx{
		db:      s.db,
		overlay: make(map[string][]byte),
		deleted: make(map[string]bool),
	}
	w.g = overlayGetter{w: w}
	return w
}

// getter is the minimal read surface shared by the database and the
// write-transaction overlay.
type getter interface {
	Get(key []byte) ([]byte, error)
}

type tx struct {
	g getter
}

func (t tx) get(key []byte) ([]byte, bool, error) {
	v, err := t.g.Get(key)
	if errors.Is(err, database.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: get: %w", err)
	}
	return v, true, nil
}

// ReadTx is the typed read-only transaction.
type ReadTx struct {
	tx
}

// WriteTx is the typed read-write transaction. It embeds the read surface
// over an overlay view so reads observe this transaction's own writes.
type WriteTx struct {
	ReadTx
	db      database.Database
	overlay map[string][]byte
	deleted map[string]bool
}

// overlayGetter reads through the write overlay into the database.
type overlayGetter struct {
	w *WriteTx
}

func (o overlayGetter) Get(key []byte) ([]byte, error) {
	k := string(key)
	if o.w.deleted[k] {
		return nil, database.ErrNotFound
	}
	if v, ok := o.w.overlay[k]; ok {
		return v, nil
	}
	return o.w.db.Get(key)
}

func (w *WriteTx) reader() tx {
	return w.tx
}

func (w *WriteTx) put(key, value []byte) {
	k := string(key)
	delete(w.deleted, k)
	w.overlay[k] = value
}

func (w *WriteTx) delete(key []byte) {
	k := string(key)
	delete(w.overlay, k)
	w.deleted[k] = true
}

// Commit applies every buffered write atomically.
func (w *WriteTx) Commit() error {
	batch := w.db.NewBatch()
	for k, v := range w.overlay {
		if err := batch.Put([]byte(k), v); err != nil {
			return fmt.Errorf("storage: batch put: %w", err)
		}
	}
	for k := range w.deleted {
		if err := batch.Delete([]byte(k)); err != nil {
			return fmt.Errorf("storage: batch delete: %w", err)
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("storage: batch write: %w", err)
	}
	return nil
}

// Abort drops every buffered write. The transaction must not be used
// afterwards.
func (w *WriteTx) Abort() {
	w.overlay = nil
	w.deleted = nil
}

// key assembles a prefixed key from parts.
func key(prefix byte, parts ...[]byte) []byte {
	n := 1
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	out = append(out, prefix)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func u64be(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func u32be(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// idList encodes a list of 32-byte ids as a flat concatenation.
func encodeIDList(idsIn []types.BlockID) []byte {
	out := make([]byte, 0, len(idsIn)*32)
	for _, id := range idsIn {
		out = append(out, id[:]...)
	}
	return out
}

func decodeIDList(buf []byte) ([]types.BlockID, error) {
	if len(buf)%32 != 0 {
		return nil, fmt.Errorf("storage: id list length %d is not a multiple of 32", len(buf))
	}
	out := make([]types.BlockID, 0, len(buf)/32)
	for off := 0; off < len(buf); off += 32 {
		var id types.BlockID
		copy(id[:], buf[off:])
		out = append(out, id)
	}
	return out, nil
}

// appendToIDList reads an id-list index record, appends id if absent, and
// writes it back.
func (w *WriteTx) appendToIDList(k []byte, id types.BlockID) error {
	buf, found, err := w.reader().get(k)
	if err != nil {
		return err
	}
	var list []types.BlockID
	if found {
		list, err = decodeIDList(buf)
		if err != nil {
			return err
		}
	}
	for _, existing := range list {
		if existing == id {
			return nil
		}
	}
	list = append(list, id)
	w.put(k, encodeIDList(list))
	return nil
}

// --- blocks ---

// PutBlock stores a block and maintains the children and per-height
// indexes.
func (w *WriteTx) PutBlock(b block.Block) error {
	id := b.ID()
	w.put(key(prefixBlock, id[:]), b.Encode())
	if !b.IsGenesis() {
		if err := w.appendToIDList(key(prefixBlockChildren, b.Parent[:]), id); err != nil {
			return err
		}
	}
	return w.appendToIDList(key(prefixBlocksAtHeight, u64be(uint64(b.Epoch)), u64be(uint64(b.Height))), id)
}

func (r *ReadTx) GetBlock(id types.BlockID) (block.Block, bool, error) {
	buf, found, err := r.get(key(prefixBlock, id[:]))
	if err != nil || !found {
		return block.Block{}, false, err
	}
	b, err := block.DecodeBlock(buf)
	if err != nil {
		return block.Block{}, false, err
	}
	return b, true, nil
}

func (r *ReadTx) HasBlock(id types.BlockID) (bool, error) {
	_, found, err := r.get(key(prefixBlock, id[:]))
	return found, err
}

// GetChildren returns the ids of every stored block whose parent is id.
func (r *ReadTx) GetChildren(id types.BlockID) ([]types.BlockID, error) {
	buf, found, err := r.get(key(prefixBlockChildren, id[:]))
	if err != nil || !found {
		return nil, err
	}
	return decodeIDList(buf)
}

// GetBlocksAtHeight returns the ids of every stored block at (epoch,
// height); more than one appears only during view changes.
func (r *ReadTx) GetBlocksAtHeight(epoch types.Epoch, height types.NodeHeight) ([]types.BlockID, error) {
	buf, found, err := r.get(key(prefixBlocksAtHeight, u64be(uint64(epoch)), u64be(uint64(height))))
	if err != nil || !found {
		return nil, err
	}
	return decodeIDList(buf)
}

// GetLastBlocksInEpoch walks back n heights from `from` and returns the
// block ids found, most recent first.
func (r *ReadTx) GetLastBlocksInEpoch(epoch types.Epoch, from types.NodeHeight, n int) ([]types.BlockID, error) {
	var out []types.BlockID
	for h := from; n > 0; h-- {
		idsAt, err := r.GetBlocksAtHeight(epoch, h)
		if err != nil {
			return nil, err
		}
		for _, id := range idsAt {
			if n == 0 {
				break
			}
			out = append(out, id)
			n--
		}
		if h == 0 {
			break
		}
	}
	return out, nil
}

// --- quorum certificates ---

// PutQC stores a QC content-addressed by its id. Re-inserting an
// already-present QC returns inserted=false without mutation.
func (w *WriteTx) PutQC(qc block.QC) (inserted bool, err error) {
	id := qc.ID()
	k := key(prefixQC, id[:])
	_, found, err := w.reader().get(k)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}
	w.put(k, qc.Encode())
	return true, nil
}

func (r *ReadTx) GetQC(id types.QcID) (block.QC, bool, error) {
	buf, found, err := r.get(key(prefixQC, id[:]))
	if err != nil || !found {
		return block.QC{}, false, err
	}
	qc, err := block.DecodeQC(buf)
	if err != nil {
		return block.QC{}, false, err
	}
	return qc, true, nil
}

// --- substates ---

// SubstateRecord is a stored substate version; Value is nil once the
// version is Down.
type SubstateRecord struct {
	ID      types.SubstateID
	Version uint32
	IsUp    bool
	Value   []byte
}

func encodeSubstate(rec SubstateRecord) []byte {
	out := make([]byte, 0, 1+4+len(rec.Value))
	if rec.IsUp {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, u32be(uint32(len(rec.Value)))...)
	out = append(out, rec.Value...)
	return out
}

func decodeSubstate(id types.SubstateID, version uint32, buf []byte) (SubstateRecord, error) {
	if len(buf) < 5 {
		return SubstateRecord{}, fmt.Errorf("storage: short substate encoding")
	}
	rec := SubstateRecord{ID: id, Version: version, IsUp: buf[0] == 1}
	n := int(binary.BigEndian.Uint32(buf[1:]))
	if len(buf) != 5+n {
		return SubstateRecord{}, fmt.Errorf("storage: substate encoding length mismatch")
	}
	if n > 0 {
		rec.Value = append([]byte(nil), buf[5:]...)
	}
	return rec, nil
}

// PutSubstateUp records a new Up version and advances the latest-version
// pointer.
func (w *WriteTx) PutSubstateUp(id types.SubstateID, version uint32, value []byte) {
	w.put(key(prefixSubstate, id[:], u32be(version)), encodeSubstate(SubstateRecord{IsUp: true, Value: value}))
	w.put(key(prefixSubstateLatest, id[:]), append(u32be(version), 1))
}

// PutSubstateDown marks version Down, replacing its stored value with the
// tombstone and updating the latest pointer.
func (w *WriteTx) PutSubstateDown(id types.SubstateID, version uint32) {
	w.put(key(prefixSubstate, id[:], u32be(version)), encodeSubstate(SubstateRecord{}))
	w.put(key(prefixSubstateLatest, id[:]), append(u32be(version), 0))
}

func (r *ReadTx) GetSubstate(id types.SubstateID, version uint32) (SubstateRecord, bool, error) {
	buf, found, err := r.get(key(prefixSubstate, id[:], u32be(version)))
	if err != nil || !found {
		return SubstateRecord{}, false, err
	}
	rec, err := decodeSubstate(id, version, buf)
	if err != nil {
		return SubstateRecord{}, false, err
	}
	return rec, true, nil
}

// LatestSubstateVersion returns the highest recorded version of id and
// whether that version is Up.
func (r *ReadTx) LatestSubstateVersion(id types.SubstateID) (version uint32, isUp bool, ok bool, err error) {
	buf, found, err := r.get(key(prefixSubstateLatest, id[:]))
	if err != nil || !found {
		return 0, false, false, err
	}
	if len(buf) != 5 {
		return 0, false, false, fmt.Errorf("storage: bad latest-version record")
	}
	return binary.BigEndian.Uint32(buf), buf[4] == 1, true, nil
}

// --- substate locks ---

// LockRecord is a persisted lock row from the substate_locks table.
type LockRecord struct {
	TxID      types.TransactionID
	Lock      types.LockType
	LocalOnly bool
}

// PutSubstateLocks replaces the lock rows for a versioned substate id.
func (w *WriteTx) PutSubstateLocks(vid types.VersionedSubstateId, locks []LockRecord) {
	out := make([]byte, 0, len(locks)*34)
	for _, l := range locks {
		out = append(out, l.TxID[:]...)
		out = append(out, byte(l.Lock))
		if l.LocalOnly {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
	}
	k := key(prefixSubstateLock, vid.ID[:], u32be(vid.Version))
	if len(out) == 0 {
		w.delete(k)
		return
	}
	w.put(k, out)
}

func (r *ReadTx) GetSubstateLocks(vid types.VersionedSubstateId) ([]LockRecord, error) {
	buf, found, err := r.get(key(prefixSubstateLock, vid.ID[:], u32be(vid.Version)))
	if err != nil || !found {
		return nil, err
	}
	if len(buf)%34 != 0 {
		return nil, fmt.Errorf("storage: bad lock record length %d", len(buf))
	}
	out := make([]LockRecord, 0, len(buf)/34)
	for off := 0; off < len(buf); off += 34 {
		var l LockRecord
		copy(l.TxID[:], buf[off:])
		l.Lock = types.LockType(buf[off+32])
		l.LocalOnly = buf[off+33] == 1
		out = append(out, l)
	}
	return out, nil
}

// --- transactions ---

// PutTransaction stores the raw transaction payload as received from the
// mempool; the core treats it as opaque (execution is external).
func (w *WriteTx) PutTransaction(id types.TransactionID, payload []byte) {
	w.put(key(prefixTransaction, id[:]), payload)
}

func (r *ReadTx) GetTransaction(id types.TransactionID) ([]byte, bool, error) {
	return r.get(key(prefixTransaction, id[:]))
}

// ExecutionRecord stores one transaction-execution outcome.
type ExecutionRecord struct {
	ResultPayload   []byte
	ExecutionTimeNs uint64
}

func (w *WriteTx) PutTransactionExecution(id types.TransactionID, rec ExecutionRecord) {
	out := make([]byte, 0, 8+len(rec.ResultPayload))
	out = append(out, u64be(rec.ExecutionTimeNs)...)
	out = append(out, rec.ResultPayload...)
	w.put(key(prefixTransactionExec, id[:]), out)
}

func (r *ReadTx) GetTransactionExecution(id types.TransactionID) (ExecutionRecord, bool, error) {
	buf, found, err := r.get(key(prefixTransactionExec, id[:]))
	if err != nil || !found {
		return ExecutionRecord{}, false, err
	}
	if len(buf) < 8 {
		return ExecutionRecord{}, false, fmt.Errorf("storage: short execution record")
	}
	rec := ExecutionRecord{ExecutionTimeNs: binary.BigEndian.Uint64(buf)}
	if len(buf) > 8 {
		rec.ResultPayload = append([]byte(nil), buf[8:]...)
	}
	return rec, true, nil
}

// --- transaction pool stages ---

// PoolStageRecord persists a transaction's pool stage so the worker can
// rebuild the pool after a restart.
type PoolStageRecord struct {
	Stage       uint8
	IsAbort     bool
	AbortReason uint8
	IsReady     bool
}

func (w *WriteTx) PutPoolStage(id types.TransactionID, rec PoolStageRecord) {
	out := []byte{rec.Stage, 0, rec.AbortReason, 0}
	if rec.IsAbort {
		out[1] = 1
	}
	if rec.IsReady {
		out[3] = 1
	}
	w.put(key(prefixPoolStage, id[:]), out)
}

func (r *ReadTx) GetPoolStage(id types.TransactionID) (PoolStageRecord, bool, error) {
	buf, found, err := r.get(key(prefixPoolStage, id[:]))
	if err != nil || !found {
		return PoolStageRecord{}, false, err
	}
	if len(buf) != 4 {
		return PoolStageRecord{}, false, fmt.Errorf("storage: bad pool stage record")
	}
	return PoolStageRecord{
		Stage:       buf[0],
		IsAbort:     buf[1] == 1,
		AbortReason: buf[2],
		IsReady:     buf[3] == 1,
	}, true, nil
}

func (w *WriteTx) DeletePoolStage(id types.TransactionID) {
	w.delete(key(prefixPoolStage, id[:]))
}
