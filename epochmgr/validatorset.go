package epochmgr

import (
	"github.com/luxfi/crypto"
	"github.com/luxfi/validators"

	"github.com/luxfi/dan-consensus/types"
)

// DeriveNodeID maps a validator's Schnorr public key onto its 20-byte
// transport NodeID, hashing then truncating the way the pack derives
// node ids from key material.
func DeriveNodeID(pk types.PublicKey) types.NodeID {
	hash := crypto.Keccak256(pk[:])
	var nodeID types.NodeID
	copy(nodeID[:], hash[:20])
	return nodeID
}

// ValidatorSet renders the committee in the validators.GetValidatorOutput
// shape the wider node tooling consumes, keyed by derived NodeID. Every
// member carries equal weight; stake-weighted committees are a base-layer
// concern outside this core.
func (c CommitteeInfo) ValidatorSet() map[types.NodeID]*validators.GetValidatorOutput {
	out := make(map[types.NodeID]*validators.GetValidatorOutput, len(c.Members))
	for _, m := range c.Members {
		pk := m.PublicKey
		out[DeriveNodeID(pk)] = &validators.GetValidatorOutput{
			NodeID:    DeriveNodeID(pk),
			PublicKey: pk[:],
		}
	}
	return out
}
