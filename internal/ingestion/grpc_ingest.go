package ingestion

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"BatchVault/internal/command"
	"BatchVault/internal/ledger"
)

// GRPCIngestService provides admin/manual command injection. It is for
// operator actions (crediting an external deposit, pushing yield), not for
// high-throughput ingestion (use NATS for that).
type GRPCIngestService struct {
	submit SubmitFunc
}

func NewGRPCIngestService(submit SubmitFunc) *GRPCIngestService {
	return &GRPCIngestService{submit: submit}
}

// InjectDepositAssets credits assets that arrived from outside the pool to
// holder. An empty key gets a fresh one, which makes the call unsafe to
// retry; operators should pass the upstream transfer id.
func (s *GRPCIngestService) InjectDepositAssets(
	ctx context.Context,
	key string,
	caller ledger.Address,
	holder ledger.Address,
	asset string,
	amount sdkmath.Int,
) (string, error) {
	if amount.IsNil() || !amount.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive", ErrMalformedCommand)
	}
	return s.inject(ctx, key, caller, &command.DepositAssets{
		Holder: holder,
		Asset:  asset,
		Amount: amount,
	})
}

// InjectYield moves realized yield into pool custody.
func (s *GRPCIngestService) InjectYield(
	ctx context.Context,
	key string,
	caller ledger.Address,
	source ledger.Address,
	amount sdkmath.Int,
) (string, error) {
	if amount.IsNil() || !amount.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive", ErrMalformedCommand)
	}
	return s.inject(ctx, key, caller, &command.DepositYield{
		Source: source,
		Amount: amount,
	})
}

// InjectPause pauses or resumes request intake.
func (s *GRPCIngestService) InjectPause(ctx context.Context, key string, caller ledger.Address, paused bool) (string, error) {
	return s.inject(ctx, key, caller, &command.SetPaused{Paused: paused})
}

func (s *GRPCIngestService) inject(ctx context.Context, key string, caller ledger.Address, cmd command.Command) (string, error) {
	if caller.IsZero() {
		return "", fmt.Errorf("%w: caller is required", ErrMalformedCommand)
	}
	if key == "" {
		key = "admin-" + uuid.NewString()
	}
	err := s.submit(ctx, command.Envelope{
		IdempotencyKey: key,
		Caller:         caller,
		Command:        cmd,
	})
	return key, err
}
