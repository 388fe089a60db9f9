package eviction

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ProofType discriminates layer-one transaction payloads; EvictionProof
// is currently the only variant.
type ProofType string

const ProofTypeEvictionProof ProofType = "EvictionProof"

// LayerOneTransactionDef is the JSON envelope handed to the base layer
// via the durable queue directory an external watcher consumes.
type LayerOneTransactionDef struct {
	ProofType ProofType       `json:"proof_type"`
	Payload   json.RawMessage `json:"payload"`
}

// QueueWriter persists layer-one transaction definitions as one JSON
// file per submission in a queue directory.
type QueueWriter struct {
	dir string
}

func NewQueueWriter(dir string) (*QueueWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eviction: create queue dir: %w", err)
	}
	return &QueueWriter{dir: dir}, nil
}

// Submit writes an eviction proof into the queue. The file lands under
// a temporary name and is renamed into place so the watcher never
// observes a partial write.
func (q *QueueWriter) Submit(proof Proof) error {
	payload, err := json.Marshal(proofJSONFrom(proof))
	if err != nil {
		return fmt.Errorf("eviction: marshal proof: %w", err)
	}
	def := LayerOneTransactionDef{
		ProofType: ProofTypeEvictionProof,
		Payload:   payload,
	}
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("eviction: marshal layer-one def: %w", err)
	}

	name := fmt.Sprintf("evict-%x-%x.json", proof.CommitBlockID[:8], proof.Command.EvictPublicKey[:8])
	tmp := filepath.Join(q.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("eviction: write queue file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(q.dir, name)); err != nil {
		return fmt.Errorf("eviction: publish queue file: %w", err)
	}
	return nil
}

// proofJSON is the wire-stable JSON shape of a Proof.
type proofJSON struct {
	CommitBlockID string         `json:"commit_block_id"`
	EvictedKey    string         `json:"evicted_public_key"`
	ChainLen      int            `json:"chain_proof_len"`
	CommandProof  cmdProofJSON   `json:"command_proof"`
	ChainElements []chainElement `json:"chain_elements"`
}

type cmdProofJSON struct {
	LeafHash string   `json:"leaf_hash"`
	Index    int      `json:"index"`
	LeafKey  string   `json:"leaf_key"`
	Siblings []string `json:"siblings"`
}

type chainElement struct {
	QCBlockID  string `json:"qc_block_id,omitempty"`
	DummyCount int    `json:"dummy_count,omitempty"`
}

func proofJSONFrom(p Proof) proofJSON {
	out := proofJSON{
		CommitBlockID: fmt.Sprintf("%x", p.CommitBlockID[:]),
		EvictedKey:    fmt.Sprintf("%x", p.Command.EvictPublicKey[:]),
		ChainLen:      len(p.ChainProof.Elements),
		CommandProof: cmdProofJSON{
			LeafHash: fmt.Sprintf("%x", p.CommandProof.LeafHash[:]),
			Index:    p.CommandProof.Index,
			LeafKey:  fmt.Sprintf("%x", p.CommandProof.Proof.LeafKey[:]),
		},
	}
	for _, s := range p.CommandProof.Proof.Siblings {
		out.CommandProof.Siblings = append(out.CommandProof.Siblings, fmt.Sprintf("%x", s[:]))
	}
	for _, e := range p.ChainProof.Elements {
		var el chainElement
		if e.QC != nil {
			el.QCBlockID = fmt.Sprintf("%x", e.QC.BlockID[:])
		}
		el.DummyCount = len(e.DummyChain)
		out.ChainElements = append(out.ChainElements, el)
	}
	return out
}
