package ingestion_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"BatchVault/internal/command"
	"BatchVault/internal/ingestion"
	"BatchVault/internal/ledger"
)

type ackCounts struct {
	acks, naks, terms atomic.Int32
}

func (c *ackCounts) raw(subject, data string, header nats.Header) ingestion.RawCommand {
	return ingestion.RawCommand{
		Subject:    subject,
		Data:       []byte(data),
		Header:     header,
		ReceivedAt: time.Now(),
		AckFunc:    func() { c.acks.Add(1) },
		NakFunc:    func() { c.naks.Add(1) },
		TermFunc:   func() { c.terms.Add(1) },
	}
}

var errStopped = errors.New("core stopped")

func runDispatcher(t *testing.T, submit ingestion.SubmitFunc, msgs ...ingestion.RawCommand) {
	t.Helper()
	in := make(chan ingestion.RawCommand, len(msgs))
	for _, m := range msgs {
		in <- m
	}
	close(in)

	d := ingestion.NewDispatcher(in, submit, nil).
		WithLogger(zerolog.Nop()).
		WithRetryable(func(err error) bool { return errors.Is(err, errStopped) })
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func keyedHeader(key string) nats.Header {
	h := nats.Header{}
	h.Set(ingestion.HeaderIdempotencyKey, key)
	h.Set(ingestion.HeaderCaller, "relayer")
	return h
}

func TestDispatcher_AcksAppliedAndRejected(t *testing.T) {
	var counts ackCounts
	var submitted []string

	submit := func(_ context.Context, env command.Envelope) error {
		submitted = append(submitted, env.IdempotencyKey)
		if env.IdempotencyKey == "bad" {
			return errors.New("amount below minimum")
		}
		return nil
	}

	subject := ingestion.CommandSubject(command.KindRequestStake)
	runDispatcher(t, submit,
		counts.raw(subject, `{"beneficiary":"alice","amount":"10"}`, keyedHeader("good")),
		counts.raw(subject, `{"beneficiary":"alice","amount":"1"}`, keyedHeader("bad")),
	)

	if len(submitted) != 2 || submitted[0] != "good" || submitted[1] != "bad" {
		t.Fatalf("submission order: %v", submitted)
	}
	if counts.acks.Load() != 2 {
		t.Errorf("acks: got %d, want 2 (rejections are final)", counts.acks.Load())
	}
	if counts.naks.Load() != 0 || counts.terms.Load() != 0 {
		t.Errorf("unexpected naks=%d terms=%d", counts.naks.Load(), counts.terms.Load())
	}
}

func TestDispatcher_NaksRetryable(t *testing.T) {
	var counts ackCounts
	submit := func(context.Context, command.Envelope) error { return errStopped }

	runDispatcher(t, submit,
		counts.raw(ingestion.CommandSubject(command.KindCreateBatch), `{}`, keyedHeader("k")))

	if counts.naks.Load() != 1 || counts.acks.Load() != 0 {
		t.Errorf("naks=%d acks=%d, want 1/0", counts.naks.Load(), counts.acks.Load())
	}
}

func TestDispatcher_NaksContextErrors(t *testing.T) {
	var counts ackCounts
	submit := func(context.Context, command.Envelope) error {
		return context.DeadlineExceeded
	}

	runDispatcher(t, submit,
		counts.raw(ingestion.CommandSubject(command.KindCreateBatch), `{}`, keyedHeader("k")))

	if counts.naks.Load() != 1 {
		t.Errorf("naks: got %d, want 1", counts.naks.Load())
	}
}

func TestDispatcher_TerminatesUndecodable(t *testing.T) {
	var counts ackCounts
	called := false
	submit := func(context.Context, command.Envelope) error {
		called = true
		return nil
	}

	runDispatcher(t, submit, counts.raw("batchvault.commands.Nope", `{}`, nil))

	if called {
		t.Error("undecodable command reached the core")
	}
	if counts.terms.Load() != 1 {
		t.Errorf("terms: got %d, want 1", counts.terms.Load())
	}
}

func TestGRPCIngest_InjectDepositAssets(t *testing.T) {
	var got command.Envelope
	svc := ingestion.NewGRPCIngestService(func(_ context.Context, env command.Envelope) error {
		got = env
		return nil
	})

	key, err := svc.InjectDepositAssets(context.Background(), "", "relayer", "alice", "USDC", sdkmath.NewInt(500))
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if key == "" || got.IdempotencyKey != key {
		t.Errorf("generated key %q not used (envelope key %q)", key, got.IdempotencyKey)
	}
	dep, ok := got.Command.(*command.DepositAssets)
	if !ok {
		t.Fatalf("expected *command.DepositAssets, got %T", got.Command)
	}
	if dep.Holder != ledger.Address("alice") || dep.Asset != "USDC" || !dep.Amount.Equal(sdkmath.NewInt(500)) {
		t.Errorf("unexpected payload %+v", dep)
	}

	if _, err := svc.InjectDepositAssets(context.Background(), "k", "relayer", "alice", "USDC", sdkmath.ZeroInt()); err == nil {
		t.Error("zero amount should be rejected before submit")
	}
	if _, err := svc.InjectYield(context.Background(), "k", "", "ext", sdkmath.NewInt(1)); err == nil {
		t.Error("missing caller should be rejected before submit")
	}
}
