// Package statetree implements the per-shard sparse Merkle tree (a
// Jellyfish-style content-addressed Merkle tree) over substate versions,
// and the root-of-roots tree used to compute a block's state_merkle_root.
//
// Nodes are content-addressed: a node's key is the hash of its encoded
// content, so committing an already-present diff is a no-op and two
// replicas that apply the same changes converge on the same hashes
// without coordination.
package statetree

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/luxfi/crypto"

	"github.com/luxfi/dan-consensus/types"
)

// Hash is a content-addressed node identifier.
type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:4]) }

var zeroHash Hash

// leafHashes[d] / the placeholder hash for an empty subtree rooted at
// depth d (0 = root, 256 = leaf level) is memoized lazily since it only
// depends on depth.
var placeholderCache = map[int]Hash{}

func placeholder(depth int) Hash {
	if h, ok := placeholderCache[depth]; ok {
		return h
	}
	var h Hash
	if depth == 256 {
		h = zeroHash
	} else {
		child := placeholder(depth + 1)
		h = hashInternal(child, child)
	}
	placeholderCache[depth] = h
	return h
}

func hashInternal(left, right Hash) Hash {
	var out Hash
	copy(out[:], crypto.Keccak256([]byte{'I'}, left[:], right[:]))
	return out
}

func hashLeaf(key Hash, version uint32) Hash {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], version)
	var out Hash
	copy(out[:], crypto.Keccak256([]byte{'L'}, key[:], v[:]))
	return out
}

// KeyOf derives the 256-bit tree key for a substate id (the unversioned
// identity — the tree's version dimension tracks which value is current).
func KeyOf(id types.SubstateID) Hash {
	var out Hash
	copy(out[:], crypto.Keccak256([]byte("substate-key:"), id[:]))
	return out
}

// Node is either an internal fork or a leaf; it is stored content-addressed
// by Hash() in a NodeStore.
type Node struct {
	IsLeaf bool
	// internal
	Left, Right Hash
	// leaf
	Key     Hash
	Version uint32
}

// Hash returns the node's content address.
func (n Node) Hash() Hash {
	if n.IsLeaf {
		return hashLeaf(n.Key, n.Version)
	}
	return hashInternal(n.Left, n.Right)
}

// NodeStore is the content-addressed persistent store for tree nodes,
// grounded on the durable storage contract's committed_state_tree_nodes /
// stale_state_tree_nodes tables (spec.md §6).
type NodeStore interface {
	Get(h Hash) (found bool, n Node, err error)
	Put(h Hash, n Node) error
}

// MemNodeStore is an in-memory NodeStore, used in tests and as the
// reference implementation until wired to durable storage.
type MemNodeStore struct {
	nodes map[Hash]Node
}

func NewMemNodeStore() *MemNodeStore {
	return &MemNodeStore{nodes: make(map[Hash]Node)}
}

func (s *MemNodeStore) Get(h Hash) (bool, Node, error) {
	n, ok := s.nodes[h]
	return ok, n, nil
}

func (s *MemNodeStore) Put(h Hash, n Node) error {
	s.nodes[h] = n
	return nil
}

// Change describes a single substate version becoming live or being
// retired within one shard's tree.
type Change struct {
	ID      types.SubstateID
	Version uint32
	Removed bool // true for a Down transition; the key's leaf is pruned
}

// Diff is the set of nodes touched by one compute_diff call: new content
// to persist, and the hashes of nodes it superseded (tracked for the
// stale_state_tree_nodes table; never physically deleted here, per
// spec.md §1 Non-goals: no GC of old substate versions).
type Diff struct {
	Root       Hash
	NewNodes   map[Hash]Node
	StaleNodes []Hash
}

// Tree is a per-shard sparse Merkle tree over substate versions.
type Tree struct {
	store NodeStore
}

func New(store NodeStore) *Tree {
	return &Tree{store: store}
}

// EmptyRoot is the root hash of a tree with no entries.
func EmptyRoot() Hash { return placeholder(0) }

// ComputeDiff applies changes (already deduplicated by caller) to the tree
// rooted at currentRoot and returns the new root plus the diff of touched
// nodes. It does not mutate the NodeStore; call CommitDiff to persist.
func (t *Tree) ComputeDiff(currentRoot Hash, changes []Change) (Hash, *Diff, error) {
	diff := &Diff{NewNodes: make(map[Hash]Node)}
	root := currentRoot
	for _, c := range changes {
		newRoot, err := t.applyOne(root, c, diff)
		if err != nil {
			return Hash{}, nil, err
		}
		root = newRoot
	}
	diff.Root = root
	return root, diff, nil
}

func bitAt(h Hash, i int) int {
	byteIdx := i / 8
	bitIdx := uint(7 - i%8)
	return int((h[byteIdx] >> bitIdx) & 1)
}

func (t *Tree) applyOne(root Hash, c Change, diff *Diff) (Hash, error) {
	key := KeyOf(c.ID)
	return t.recurse(root, key, 0, c, diff)
}

// recurse walks the path for `key` starting at `root` (depth `depth`),
// applying the change, returning the new subtree root.
func (t *Tree) recurse(root Hash, key Hash, depth int, c Change, diff *Diff) (Hash, error) {
	if depth == 256 {
		// Leaf level: root is either a leaf or the placeholder.
		if c.Removed {
			diff.StaleNodes = append(diff.StaleNodes, root)
			return placeholder(depth), nil
		}
		n := Node{IsLeaf: true, Key: key, Version: c.Version}
		h := n.Hash()
		diff.NewNodes[h] = n
		if root != placeholder(depth) {
			diff.StaleNodes = append(diff.StaleNodes, root)
		}
		return h, nil
	}

	var left, right Hash
	if root == placeholder(depth) {
		left, right = placeholder(depth+1), placeholder(depth+1)
	} else {
		found, n, err := t.lookup(root, diff)
		if err != nil {
			return Hash{}, err
		}
		if !found {
			return Hash{}, fmt.Errorf("statetree: missing node %s at depth %d", root, depth)
		}
		left, right = n.Left, n.Right
	}

	bit := bitAt(key, depth)
	var newLeft, newRight Hash
	var err error
	if bit == 0 {
		newLeft, err = t.recurse(left, key, depth+1, c, diff)
		newRight = right
	} else {
		newRight, err = t.recurse(right, key, depth+1, c, diff)
		newLeft = left
	}
	if err != nil {
		return Hash{}, err
	}

	if root != placeholder(depth) {
		diff.StaleNodes = append(diff.StaleNodes, root)
	}
	n := Node{IsLeaf: false, Left: newLeft, Right: newRight}
	h := n.Hash()
	diff.NewNodes[h] = n
	return h, nil
}

// lookup reads a node either from the in-progress diff (nodes created
// earlier in this same ComputeDiff call) or from the backing store.
func (t *Tree) lookup(h Hash, diff *Diff) (bool, Node, error) {
	if n, ok := diff.NewNodes[h]; ok {
		return true, n, nil
	}
	return t.store.Get(h)
}

// ComputeRootForHashes builds the sparse Merkle root over a set of
// pre-hashed 32-byte leaves: each leaf is keyed by its own hash and
// carries its position in the input as the leaf value. The nodes are
// committed into the tree's store so proofs can be built against the
// returned root. An empty input yields the placeholder root.
//
// This is the same construction a block's command_merkle_root uses: the
// root tree over command hashes is this tree, not a separate structure.
func (t *Tree) ComputeRootForHashes(hashes []Hash) (Hash, error) {
	root := placeholder(0)
	if len(hashes) == 0 {
		return root, nil
	}
	diff := &Diff{NewNodes: make(map[Hash]Node)}
	for i, h := range hashes {
		newRoot, err := t.recurse(root, h, 0, Change{Version: uint32(i)}, diff)
		if err != nil {
			return Hash{}, err
		}
		root = newRoot
	}
	diff.Root = root
	if err := t.CommitDiff(diff); err != nil {
		return Hash{}, err
	}
	return root, nil
}

// CommitDiff idempotently writes a diff's new nodes into the backing
// store. Re-committing the same diff is a no-op since nodes are
// content-addressed.
func (t *Tree) CommitDiff(diff *Diff) error {
	for h, n := range diff.NewNodes {
		if err := t.store.Put(h, n); err != nil {
			return fmt.Errorf("statetree: commit node %s: %w", h, err)
		}
	}
	return nil
}

// Proof is an inclusion or exclusion proof for a substate id against a
// tree root.
type Proof struct {
	LeafKey  Hash
	Value    *uint32 // nil for an exclusion proof
	Siblings []Hash  // root-to-leaf order
}

// GetProof returns a proof for substate id `sid` against `root`.
func (t *Tree) GetProof(root Hash, sid types.SubstateID) (Proof, error) {
	return t.GetProofForKey(root, KeyOf(sid))
}

// GetProofForKey returns a proof for a raw tree key against `root`,
// used for roots built over pre-hashed leaves (ComputeRootForHashes).
func (t *Tree) GetProofForKey(root Hash, key Hash) (Proof, error) {
	proof := Proof{LeafKey: key}
	cur := root
	for depth := 0; depth < 256; depth++ {
		if cur == placeholder(depth) {
			for d := depth; d < 256; d++ {
				proof.Siblings = append(proof.Siblings, placeholder(d+1))
			}
			return proof, nil
		}
		found, n, err := t.store.Get(cur)
		if !found || err != nil {
			return Proof{}, fmt.Errorf("statetree: missing node during proof at depth %d", depth)
		}
		if n.IsLeaf {
			if n.Key == key {
				v := n.Version
				proof.Value = &v
			}
			return proof, nil
		}
		bit := bitAt(key, depth)
		if bit == 0 {
			proof.Siblings = append(proof.Siblings, n.Right)
			cur = n.Left
		} else {
			proof.Siblings = append(proof.Siblings, n.Left)
			cur = n.Right
		}
	}

	// Leaf level. The walk above consumed every internal node; cur is
	// either the leaf for this key or the leaf-level placeholder.
	if cur == placeholder(256) {
		return proof, nil
	}
	found, n, err := t.store.Get(cur)
	if !found || err != nil {
		return Proof{}, fmt.Errorf("statetree: missing leaf node during proof")
	}
	if n.IsLeaf && n.Key == key {
		v := n.Version
		proof.Value = &v
	}
	return proof, nil
}

// VerifyProof recomputes the root implied by a proof and compares it
// against `root`, and checks value/absence accordingly.
func VerifyProof(root Hash, p Proof) bool {
	cur := placeholder(256)
	if p.Value != nil {
		cur = hashLeaf(p.LeafKey, *p.Value)
	}
	for i := len(p.Siblings) - 1; i >= 0; i-- {
		depth := i
		bit := bitAt(p.LeafKey, depth)
		if bit == 0 {
			cur = hashInternal(cur, p.Siblings[i])
		} else {
			cur = hashInternal(p.Siblings[i], cur)
		}
	}
	return cur == root
}

// RootOfRoots computes the merged root across shards: the Merkle root
// over {shard -> latest_root} ordered by shard id (spec.md §3, §4.A).
func RootOfRoots(shardRoots map[types.Shard]Hash) Hash {
	shards := make([]types.Shard, 0, len(shardRoots))
	for s := range shardRoots {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })

	var parts [][]byte
	for _, s := range shards {
		var sb [4]byte
		binary.BigEndian.PutUint32(sb[:], uint32(s))
		r := shardRoots[s]
		parts = append(parts, sb[:], r[:])
	}
	var out Hash
	copy(out[:], crypto.Keccak256(parts...))
	return out
}
