package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"BatchVault/internal/batch"
	"BatchVault/internal/core"
	"BatchVault/internal/escrow"
	"BatchVault/internal/fees"
	"BatchVault/internal/ingestion"
	"BatchVault/internal/ledger"
	"BatchVault/internal/query"
	"BatchVault/internal/settlement"
	"BatchVault/internal/state"
)

// errorCodes maps registered error kinds onto gRPC codes. Kinds are matched
// with errors.Is, so wrapped errors resolve to their registered kind.
var errorCodes = []struct {
	err  error
	code codes.Code
}{
	// Lookups.
	{batch.ErrBatchNotFound, codes.NotFound},
	{batch.ErrProposalNotFound, codes.NotFound},
	{batch.ErrRequestNotFound, codes.NotFound},
	{settlement.ErrOperationNotFound, codes.NotFound},
	{state.ErrUnknownAsset, codes.NotFound},
	{query.ErrNotFound, codes.NotFound},

	// Authorization.
	{batch.ErrUnauthorized, codes.PermissionDenied},
	{batch.ErrNotBeneficiary, codes.PermissionDenied},
	{settlement.ErrUnauthorized, codes.PermissionDenied},
	{settlement.ErrInvalidAuthorization, codes.PermissionDenied},
	{escrow.ErrOnlyController, codes.PermissionDenied},
	{state.ErrUnauthorized, codes.PermissionDenied},

	// Lifecycle sequencing and economic policy.
	{batch.ErrAlreadyClosed, codes.FailedPrecondition},
	{batch.ErrBatchNotClosed, codes.FailedPrecondition},
	{batch.ErrBatchIDAlreadyProposed, codes.FailedPrecondition},
	{batch.ErrBatchNotSettled, codes.FailedPrecondition},
	{batch.ErrOpenBatchExists, codes.FailedPrecondition},
	{batch.ErrNoOpenBatch, codes.FailedPrecondition},
	{batch.ErrRequestNotPending, codes.FailedPrecondition},
	{batch.ErrPaused, codes.FailedPrecondition},
	{batch.ErrSettlementMismatch, codes.FailedPrecondition},
	{batch.ErrInsufficientLiquidity, codes.FailedPrecondition},
	{batch.ErrZeroSharePrice, codes.FailedPrecondition},
	{batch.ErrZeroShares, codes.FailedPrecondition},
	{settlement.ErrNotValidated, codes.FailedPrecondition},
	{settlement.ErrAlreadyExecuted, codes.FailedPrecondition},
	{settlement.ErrInsufficientStrategyAssets, codes.FailedPrecondition},
	{settlement.ErrInsufficientFunds, codes.FailedPrecondition},
	{settlement.ErrSettlementTooEarly, codes.ResourceExhausted},
	{ledger.ErrInsufficientBalance, codes.FailedPrecondition},
	{escrow.ErrAlreadyInitialized, codes.FailedPrecondition},
	{escrow.ErrNotInitialized, codes.FailedPrecondition},
	{escrow.ErrTransferFailed, codes.FailedPrecondition},
	{fees.ErrFeeExceedsMaximum, codes.FailedPrecondition},
	{core.ErrLastAdmin, codes.FailedPrecondition},

	// Input validation.
	{batch.ErrZeroAmount, codes.InvalidArgument},
	{batch.ErrBelowMinimum, codes.InvalidArgument},
	{batch.ErrWrongRequestKind, codes.InvalidArgument},
	{batch.ErrZeroAddress, codes.InvalidArgument},
	{fees.ErrInvalidTimestamp, codes.InvalidArgument},
	{settlement.ErrInvalidSettlementOperation, codes.InvalidArgument},
	{settlement.ErrInvalidVaultType, codes.InvalidArgument},
	{ledger.ErrInvalidAmount, codes.InvalidArgument},
	{ledger.ErrSelfTransfer, codes.InvalidArgument},
	{ledger.ErrZeroAddress, codes.InvalidArgument},
	{escrow.ErrInvalidBatchID, codes.InvalidArgument},
	{escrow.ErrZeroAmount, codes.InvalidArgument},
	{escrow.ErrZeroAddress, codes.InvalidArgument},
	{state.ErrInvalidAssetParams, codes.InvalidArgument},
	{core.ErrUnknownCommand, codes.InvalidArgument},
	{core.ErrMissingIdempotencyKey, codes.InvalidArgument},
	{core.ErrInvalidCommand, codes.InvalidArgument},
	{ingestion.ErrMalformedCommand, codes.InvalidArgument},

	{core.ErrStopped, codes.Unavailable},
}

// CodeOf returns the gRPC code for err.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	for _, m := range errorCodes {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	// Registered kinds report Unknown through GRPCStatus; a real status
	// keeps its code.
	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		return s.Code()
	}
	return codes.Internal
}

// toStatus converts err into a gRPC status error carrying its mapped code.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := CodeOf(err)
	if s, ok := status.FromError(err); ok && s.Code() == code {
		return err
	}
	return status.Error(code, err.Error())
}
