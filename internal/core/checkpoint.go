package core

import (
	"encoding/hex"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"BatchVault/internal/batch"
	"BatchVault/internal/settlement"
)

// CheckpointState is a point-in-time dump of the core, written periodically
// and used on restart to verify that replay reproduced the same state.
type CheckpointState struct {
	Sequence   int64                  `json:"sequence"`
	StateHash  string                 `json:"state_hash"`
	Accounting batch.AccountingState  `json:"accounting"`
	Pool       batch.Snapshot         `json:"pool"`
	Settlement settlement.Snapshot    `json:"settlement"`
	Balances   map[string]sdkmath.Int `json:"balances"`
	Paused     bool                   `json:"paused"`
}

// Checkpoint captures the current state. Call it from the core goroutine
// (inside Read) while Run is active.
func (c *Core) Checkpoint() *CheckpointState {
	hash := c.hasher.GetPrevHash()
	cp := &CheckpointState{
		Sequence:   c.sequence,
		StateHash:  hex.EncodeToString(hash[:]),
		Accounting: c.pool.Accounting(),
		Pool:       c.pool.Snapshot(),
		Settlement: c.settlements.Snapshot(),
		Balances:   make(map[string]sdkmath.Int),
		Paused:     c.roles.IsPaused(),
	}
	for key, bal := range c.book.Snapshot() {
		if !bal.IsZero() {
			cp.Balances[key.AccountPath()] = bal
		}
	}
	return cp
}

// VerifyCheckpoint checks that the core sits exactly at cp: same sequence
// and same state hash.
func (c *Core) VerifyCheckpoint(cp *CheckpointState) error {
	if cp.Sequence != c.sequence {
		return fmt.Errorf("checkpoint at sequence %d, core at %d", cp.Sequence, c.sequence)
	}
	hash := c.hasher.GetPrevHash()
	if got := hex.EncodeToString(hash[:]); got != cp.StateHash {
		return fmt.Errorf("state hash mismatch at sequence %d: checkpoint %s, replay %s", cp.Sequence, cp.StateHash, got)
	}
	return nil
}
