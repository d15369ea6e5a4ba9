package ledger

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeStakeEscrow
	JournalTypeUnstakeLock
	JournalTypeShareMint
	JournalTypeShareBurn
	JournalTypeShareClaim
	JournalTypeEscrowFund
	JournalTypeEscrowPull
	JournalTypeEscrowRescue
	JournalTypeYield
	JournalTypeFeeCollect
	JournalTypeStrategyAllocation
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeStakeEscrow:
		return "stake_escrow"
	case JournalTypeUnstakeLock:
		return "unstake_lock"
	case JournalTypeShareMint:
		return "share_mint"
	case JournalTypeShareBurn:
		return "share_burn"
	case JournalTypeShareClaim:
		return "share_claim"
	case JournalTypeEscrowFund:
		return "escrow_fund"
	case JournalTypeEscrowPull:
		return "escrow_pull"
	case JournalTypeEscrowRescue:
		return "escrow_rescue"
	case JournalTypeYield:
		return "yield"
	case JournalTypeFeeCollect:
		return "fee_collect"
	case JournalTypeStrategyAllocation:
		return "strategy_allocation"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID
	EventRef      string      // Idempotency key of the source command
	Sequence      int64       // Global command sequence, stamped by the core
	DebitAccount  AccountKey  // balance increases
	CreditAccount AccountKey  // balance decreases
	Amount        sdkmath.Int // always positive
	JournalType   JournalType
}

// Batch is the set of journal entries produced by one command.
type Batch struct {
	EventRef string
	Sequence int64
	Journals []Journal
}

// Validate ensures the batch is well-formed. Each entry moves a single
// positive amount between two distinct accounts of the same asset, so the
// batch is balanced by construction.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount.IsNil() || !j.Amount.IsPositive() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Asset != j.CreditAccount.Asset {
			return fmt.Errorf("journal %s mixes assets %s and %s",
				j.JournalID, j.DebitAccount.Asset, j.CreditAccount.Asset)
		}
	}
	return nil
}

// journalNamespace seeds deterministic journal ids so a replayed command
// produces the same rows.
var journalNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("batchvault:journal:v1"))

// Stamp assigns the command reference, sequence and a deterministic id to
// every journal.
func (b *Batch) Stamp(eventRef string, sequence int64) {
	b.EventRef = eventRef
	b.Sequence = sequence
	for i := range b.Journals {
		b.Journals[i].EventRef = eventRef
		b.Journals[i].Sequence = sequence
		b.Journals[i].JournalID = uuid.NewSHA1(journalNamespace,
			[]byte(fmt.Sprintf("%s:%d:%d", eventRef, sequence, i)))
	}
}
