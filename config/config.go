// Package config holds the consensus core's recognised configuration
// options (spec.md §6 Configuration).
package config

import (
	"fmt"
	"time"

	"github.com/luxfi/dan-consensus/types"
)

// Network identifies which chain this validator participates in; blocks
// carry it and proposals from other networks are rejected outright.
type Network string

const (
	NetworkMainNet  Network = "mainnet"
	NetworkTestNet  Network = "testnet"
	NetworkLocalNet Network = "localnet"
)

// Config is the consensus core's configuration. The quorum-threshold
// formula is fixed (types.QuorumThreshold) and intentionally not a field.
type Config struct {
	Network      Network
	NumPreshards types.NumPreshards

	// BlockTime is the target interval between proposals; it drives both
	// pacemaker timers (spec.md §4.G).
	BlockTime time.Duration

	// MaxBaseLayerBlocksAhead bounds how far past the locally-scanned
	// base-layer height a proposal's base_layer_block_height may run.
	MaxBaseLayerBlocksAhead uint64

	// MaxWantListLen caps the number of transaction ids requested in one
	// MissingTransactionsRequest.
	MaxWantListLen uint32

	// MissedProposalEvictionThreshold is the number of consecutive missed
	// proposals after which a leader proposes EvictNode for a validator.
	MissedProposalEvictionThreshold uint32

	// SidechainID, when non-empty, must appear in the extra_data of every
	// shard group's genesis block (spec.md §3, §4.F step 3).
	SidechainID []byte

	// PacemakerMaxDelta caps the exponential leader-failure back-off
	// (spec.md §4.G).
	PacemakerMaxDelta time.Duration
}

// Default returns the configuration defaults, the way the teacher's
// parameter structs ship a DefaultParameters.
func Default() Config {
	return Config{
		Network:                         NetworkLocalNet,
		NumPreshards:                    256,
		BlockTime:                       10 * time.Second,
		MaxBaseLayerBlocksAhead:         100,
		MaxWantListLen:                  500,
		MissedProposalEvictionThreshold: 5,
		PacemakerMaxDelta:               300 * time.Second,
	}
}

// Validate checks the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Network == "" {
		return fmt.Errorf("config: network must be set")
	}
	if !c.NumPreshards.Valid() {
		return fmt.Errorf("config: num_preshards %d is not a power of two in [1,256]", c.NumPreshards)
	}
	if c.BlockTime <= 0 {
		return fmt.Errorf("config: block_time must be positive")
	}
	if c.PacemakerMaxDelta < c.BlockTime {
		return fmt.Errorf("config: pacemaker max delta %s is below block_time %s", c.PacemakerMaxDelta, c.BlockTime)
	}
	return nil
}
