package ledger

import (
	sdkmath "cosmossdk.io/math"
)

// ShareToken is the pool share ledger backed by a BalanceTracker. Mints and
// burns are transfers against AccountShareIssuer, so the supply is the
// issuer's negated balance.
type ShareToken struct {
	book   *BalanceTracker
	symbol string
}

func NewShareToken(book *BalanceTracker, symbol string) *ShareToken {
	return &ShareToken{book: book, symbol: symbol}
}

// Symbol returns the share asset symbol.
func (s *ShareToken) Symbol() string {
	return s.symbol
}

// CreditShares mints amount shares to holder.
func (s *ShareToken) CreditShares(to Address, amount sdkmath.Int) error {
	return s.book.Transfer(s.symbol, AccountShareIssuer, to, amount, JournalTypeShareMint)
}

// DebitShares burns amount shares from holder.
func (s *ShareToken) DebitShares(from Address, amount sdkmath.Int) error {
	return s.book.Transfer(s.symbol, from, AccountShareIssuer, amount, JournalTypeShareBurn)
}

// TotalSupply returns the outstanding share supply.
func (s *ShareToken) TotalSupply() sdkmath.Int {
	return s.book.BalanceOf(s.symbol, AccountShareIssuer).Neg()
}

// BalanceOf returns the share balance of holder.
func (s *ShareToken) BalanceOf(holder Address) sdkmath.Int {
	return s.book.BalanceOf(s.symbol, holder)
}
