package batch

import (
	errorsmod "cosmossdk.io/errors"
)

const codespace = "batch"

// State-sequence violations.
var (
	ErrBatchNotFound          = errorsmod.Register(codespace, 2, "batch not found")
	ErrProposalNotFound       = errorsmod.Register(codespace, 3, "settlement proposal not found")
	ErrAlreadyClosed          = errorsmod.Register(codespace, 4, "batch already closed")
	ErrBatchNotClosed         = errorsmod.Register(codespace, 5, "batch not closed")
	ErrBatchIDAlreadyProposed = errorsmod.Register(codespace, 6, "batch id already proposed")
	ErrBatchNotSettled        = errorsmod.Register(codespace, 7, "batch not settled")
	ErrOpenBatchExists        = errorsmod.Register(codespace, 8, "a batch is already open")
	ErrNoOpenBatch            = errorsmod.Register(codespace, 9, "no open batch")
	ErrRequestNotFound        = errorsmod.Register(codespace, 10, "request not found")
	ErrRequestNotPending      = errorsmod.Register(codespace, 11, "request not pending")
)

// Input and authorization failures.
var (
	ErrZeroAmount       = errorsmod.Register(codespace, 20, "zero amount")
	ErrBelowMinimum     = errorsmod.Register(codespace, 21, "amount below minimum")
	ErrPaused           = errorsmod.Register(codespace, 22, "pool is paused")
	ErrUnauthorized     = errorsmod.Register(codespace, 23, "caller lacks required role")
	ErrNotBeneficiary   = errorsmod.Register(codespace, 24, "caller is not the request beneficiary")
	ErrWrongRequestKind = errorsmod.Register(codespace, 25, "request kind does not match claim")
	ErrZeroAddress      = errorsmod.Register(codespace, 26, "zero address")
)

// Economic-policy violations.
var (
	ErrSettlementMismatch    = errorsmod.Register(codespace, 30, "settlement figures do not match batch")
	ErrInsufficientLiquidity = errorsmod.Register(codespace, 31, "insufficient pool liquidity for redemptions")
	ErrZeroSharePrice        = errorsmod.Register(codespace, 32, "stakes cannot settle at a zero share price")
	ErrZeroShares            = errorsmod.Register(codespace, 33, "claim would mint zero shares")
)
