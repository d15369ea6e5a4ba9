package query

import (
	"time"

	"github.com/shopspring/decimal"
)

// Amount carries a base-unit integer and its rendering in whole units.
type Amount struct {
	Raw     string          `json:"raw"`
	Display decimal.Decimal `json:"display"`
}

// BalanceResponse is one holder balance read from the projections.
type BalanceResponse struct {
	Holder       string `json:"holder"`
	Asset        string `json:"asset"`
	Balance      Amount `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}

// HolderBalances lists every projected balance of a holder.
type HolderBalances struct {
	Holder       string            `json:"holder"`
	Balances     []BalanceResponse `json:"balances"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// BatchResponse is a batch row from the projections.
type BatchResponse struct {
	BatchID              int64           `json:"batch_id"`
	State                string          `json:"state"`
	SettlementSharePrice decimal.Decimal `json:"settlement_share_price"`
	Receiver             string          `json:"receiver,omitempty"`
	TotalStakeAssets     Amount          `json:"total_stake_assets"`
	TotalUnstakeShares   Amount          `json:"total_unstake_shares"`
	SharesMinted         Amount          `json:"shares_minted"`
	RedemptionAssets     Amount          `json:"redemption_assets"`
	Stakes               int             `json:"stakes"`
	Unstakes             int             `json:"unstakes"`
	Claimed              int             `json:"claimed"`
	CreatedAt            time.Time       `json:"created_at"`
	ClosedAt             *time.Time      `json:"closed_at,omitempty"`
	SettledAt            *time.Time      `json:"settled_at,omitempty"`
	AsOfSequence         int64           `json:"as_of_sequence"`
}

// RequestResponse is a stake or unstake request. Amount is in asset units
// for stakes and share units for unstakes.
type RequestResponse struct {
	RequestID   int64      `json:"request_id"`
	BatchID     int64      `json:"batch_id"`
	Kind        string     `json:"kind"`
	Beneficiary string     `json:"beneficiary"`
	Amount      Amount     `json:"amount"`
	State       string     `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
}

type OperationResponse struct {
	OperationID         int64      `json:"operation_id"`
	VaultType           string     `json:"vault_type"`
	TotalStrategyAssets Amount     `json:"total_strategy_assets"`
	TotalDeployedAssets Amount     `json:"total_deployed_assets"`
	Delta               Amount     `json:"delta"`
	Loss                bool       `json:"loss"`
	Executed            bool       `json:"executed"`
	CreatedAt           time.Time  `json:"created_at"`
	ExecutedAt          *time.Time `json:"executed_at,omitempty"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string    `json:"journal_id"`
	EventRef      string    `json:"event_ref"`
	Sequence      int64     `json:"sequence"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	Asset         string    `json:"asset"`
	Amount        Amount    `json:"amount"`
	JournalType   string    `json:"journal_type"`
	Timestamp     time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	CommandsChecked  int64             `json:"commands_checked"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	AsOfSequence     int64             `json:"as_of_sequence"`
}

// UnbalancedAsset represents an asset whose projected balances do not sum
// to zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}
