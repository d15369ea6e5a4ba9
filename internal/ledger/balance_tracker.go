package ledger

import (
	"sort"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
)

const codespace = "ledger"

var (
	ErrInsufficientBalance = errorsmod.Register(codespace, 2, "insufficient balance")
	ErrInvalidAmount       = errorsmod.Register(codespace, 3, "amount must be positive")
	ErrSelfTransfer        = errorsmod.Register(codespace, 4, "debit and credit account are the same")
	ErrZeroAddress         = errorsmod.Register(codespace, 5, "zero address")
)

// BalanceTracker maintains in-memory account balances and records every
// movement as a journal entry. Not thread-safe; owned by the core.
type BalanceTracker struct {
	balances map[AccountKey]sdkmath.Int
	pending  []Journal
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]sdkmath.Int),
	}
}

// Transfer moves amount of asset from one holder to another. Only issuer
// accounts may be overdrawn.
func (bt *BalanceTracker) Transfer(asset string, from, to Address, amount sdkmath.Int, kind JournalType) error {
	if amount.IsNil() || !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if from.IsZero() || to.IsZero() {
		return ErrZeroAddress
	}
	if from == to {
		return errorsmod.Wrapf(ErrSelfTransfer, "%s", from)
	}

	credit := NewAccountKey(from, asset)
	debit := NewAccountKey(to, asset)

	if !overdraftAllowed(from) {
		if have := bt.GetBalance(credit); have.LT(amount) {
			return errorsmod.Wrapf(ErrInsufficientBalance,
				"%s has %s %s, needs %s", from, have, asset, amount)
		}
	}

	bt.ApplyJournal(Journal{
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   kind,
	})
	return nil
}

// ApplyJournal applies a single journal entry to balances and queues it for
// the next DrainJournals call.
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] = bt.GetBalance(j.DebitAccount).Add(j.Amount)
	bt.balances[j.CreditAccount] = bt.GetBalance(j.CreditAccount).Sub(j.Amount)
	bt.pending = append(bt.pending, j)
}

// DrainJournals returns the journals recorded since the last drain.
func (bt *BalanceTracker) DrainJournals() *Batch {
	batch := &Batch{Journals: bt.pending}
	bt.pending = nil
	return batch
}

// DiscardJournals reverses every movement recorded since the last drain,
// newest first, and forgets them.
func (bt *BalanceTracker) DiscardJournals() {
	for i := len(bt.pending) - 1; i >= 0; i-- {
		j := bt.pending[i]
		bt.balances[j.DebitAccount] = bt.GetBalance(j.DebitAccount).Sub(j.Amount)
		bt.balances[j.CreditAccount] = bt.GetBalance(j.CreditAccount).Add(j.Amount)
	}
	bt.pending = nil
}

// BalanceOf returns the balance of holder in asset.
func (bt *BalanceTracker) BalanceOf(asset string, holder Address) sdkmath.Int {
	return bt.GetBalance(NewAccountKey(holder, asset))
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) sdkmath.Int {
	if v, ok := bt.balances[key]; ok {
		return v
	}
	return sdkmath.ZeroInt()
}

// SetBalance overwrites a balance without journaling. Test fixtures only.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance sdkmath.Int) {
	bt.balances[key] = balance
}

// ComputeGlobalBalance sums all account balances per asset (0 for a
// zero-sum ledger).
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]sdkmath.Int {
	totals := make(map[string]sdkmath.Int)
	for key, balance := range bt.balances {
		if cur, ok := totals[key.Asset]; ok {
			totals[key.Asset] = cur.Add(balance)
		} else {
			totals[key.Asset] = balance
		}
	}
	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if overdraftAllowed(key.Holder) {
		return nil
	}
	if balance := bt.GetBalance(key); balance.IsNegative() {
		return errorsmod.Wrapf(ErrInsufficientBalance, "account %s has negative balance %s", key.AccountPath(), balance)
	}
	return nil
}

// Keys returns all tracked accounts sorted by path.
func (bt *BalanceTracker) Keys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	return keys
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]sdkmath.Int {
	snapshot := make(map[AccountKey]sdkmath.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
