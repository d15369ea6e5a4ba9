package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"BatchVault/internal/batch"
	"BatchVault/internal/command"
	"BatchVault/internal/core"
	"BatchVault/internal/event"
	"BatchVault/internal/ingestion"
	"BatchVault/internal/ledger"
	"BatchVault/internal/observability"
	"BatchVault/internal/persistence"
	"BatchVault/internal/projection"
	"BatchVault/internal/settlement"
)

// eventSink receives every applied event; the websocket hub implements it.
type eventSink interface {
	Publish(evt ingestion.PublishableEvent)
}

// bridge converts core outputs into the persistence, projection and
// publishing formats. It lives in the binary so that core stays free of
// those packages and they stay free of core.
type bridge struct {
	asset         string
	persistOut    chan<- persistence.CoreOutput
	projectionOut chan<- projection.ProjectionOutput
	publishOut    chan<- ingestion.PublishableEvent
	sink          eventSink
	metrics       *observability.Metrics
}

// run forwards outputs until ctx is cancelled or both inputs close.
// The persist path blocks so no applied command is lost; projection and
// publish paths drop when their workers are behind.
func (b *bridge) run(ctx context.Context, persistIn, projectionIn <-chan core.CoreOutput) {
	for persistIn != nil || projectionIn != nil {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			row, err := toPersistence(output)
			if err != nil {
				// The command is applied in memory; without its row a restart
				// cannot replay it.
				log.Printf("ERROR: convert sequence %d for persistence: %v", output.Envelope.Sequence, err)
				continue
			}
			select {
			case b.persistOut <- row:
			case <-ctx.Done():
				return
			}
			b.publish(output.Envelope)

		case output, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			b.project(toProjection(output, b.asset))
		}
	}
}

func (b *bridge) publish(env *event.CommandEnvelope) {
	for _, evt := range ingestion.EventsFromEnvelope(env) {
		if b.sink != nil {
			b.sink.Publish(evt)
		}
		if b.publishOut == nil {
			continue
		}
		select {
		case b.publishOut <- evt:
		default:
			if b.metrics != nil {
				b.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (b *bridge) project(out projection.ProjectionOutput) {
	select {
	case b.projectionOut <- out:
	default:
		if b.metrics != nil {
			b.metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
		}
	}
}

// envelopeJSON rebuilds the submitted envelope so replay can decode it.
func envelopeJSON(env *event.CommandEnvelope) ([]byte, error) {
	kind := command.Kind(env.CommandKind)
	cmd, err := command.DecodePayload(kind, env.Command)
	if err != nil {
		return nil, err
	}
	return json.Marshal(command.Envelope{
		IdempotencyKey: env.IdempotencyKey,
		Caller:         ledger.Address(env.Caller),
		ReceivedAt:     env.Timestamp,
		Command:        cmd,
	})
}

// toPersistence converts one core output into event-log rows.
func toPersistence(output core.CoreOutput) (persistence.CoreOutput, error) {
	env := output.Envelope
	if env == nil {
		return persistence.CoreOutput{}, fmt.Errorf("core output without envelope")
	}
	raw, err := envelopeJSON(env)
	if err != nil {
		return persistence.CoreOutput{}, fmt.Errorf("encode envelope: %w", err)
	}

	out := persistence.CoreOutput{
		Command: persistence.CommandRow{
			Sequence:       env.Sequence,
			Kind:           env.CommandKind,
			IdempotencyKey: env.IdempotencyKey,
			Caller:         env.Caller,
			Envelope:       raw,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			ReceivedAt:     env.Timestamp,
		},
		AppliedAt: time.Now(),
	}

	for _, rec := range env.Events {
		row := persistence.EventRow{
			EventIndex: int64(rec.Index),
			Sequence:   env.Sequence,
			EventType:  rec.TypeName,
			Payload:    persistence.MarshalPayload(rec.Event),
			Timestamp:  rec.Timestamp,
		}
		if rec.BatchID != nil {
			id := int64(*rec.BatchID)
			row.BatchID = &id
		}
		out.Events = append(out.Events, row)
	}

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			out.Journals = append(out.Journals, persistence.JournalRow{
				JournalID:     j.JournalID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         j.DebitAccount.Asset,
				Amount:        j.Amount.String(),
				JournalType:   j.JournalType.String(),
				Timestamp:     env.Timestamp,
			})
		}
	}
	return out, nil
}

// toProjection converts one core output into absolute read-model rows. An
// output without an idempotency key is a full refresh.
func toProjection(output core.CoreOutput, asset string) projection.ProjectionOutput {
	out := projection.ProjectionOutput{
		Asset:      asset,
		Accounting: persistence.MarshalPayload(output.Accounting),
	}
	if env := output.Envelope; env != nil {
		out.Sequence = env.Sequence
		out.StateHash = hex.EncodeToString(env.StateHash[:])
		out.Timestamp = env.Timestamp
		out.Full = env.IdempotencyKey == ""
	}

	keys := make([]ledger.AccountKey, 0, len(output.Balances))
	for key := range output.Balances {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].AccountPath() < keys[j].AccountPath() })
	for _, key := range keys {
		out.Balances = append(out.Balances, projection.BalanceRow{
			AccountPath: key.AccountPath(),
			Holder:      key.Holder.String(),
			Asset:       key.Asset,
			Balance:     output.Balances[key].String(),
		})
	}

	for _, b := range output.Batches {
		out.Batches = append(out.Batches, batchRow(b))
	}
	for _, r := range output.Requests {
		out.Requests = append(out.Requests, requestRow(r))
	}
	for _, op := range output.Operations {
		out.Operations = append(out.Operations, operationRow(op))
	}
	return out
}

func batchRow(b batch.Info) projection.BatchRow {
	return projection.BatchRow{
		BatchID:              int64(b.ID),
		State:                b.State.String(),
		SettlementSharePrice: b.SettlementSharePrice.String(),
		Receiver:             b.Receiver.String(),
		TotalStakeAssets:     b.TotalStakeAssets.String(),
		TotalUnstakeShares:   b.TotalUnstakeShares.String(),
		SharesMinted:         b.SharesMinted.String(),
		RedemptionAssets:     b.RedemptionAssets.String(),
		Stakes:               b.Stakes,
		Unstakes:             b.Unstakes,
		Claimed:              b.Claimed,
		CreatedAt:            b.CreatedAt,
		ClosedAt:             timePtr(b.ClosedAt),
		SettledAt:            timePtr(b.SettledAt),
	}
}

func requestRow(r batch.Request) projection.RequestRow {
	return projection.RequestRow{
		RequestID:   int64(r.ID),
		BatchID:     int64(r.BatchID),
		Kind:        r.Kind.String(),
		Beneficiary: r.Beneficiary.String(),
		Amount:      r.Amount.String(),
		State:       r.State.String(),
		CreatedAt:   r.CreatedAt,
		ClaimedAt:   timePtr(r.ClaimedAt),
	}
}

func operationRow(op settlement.Operation) projection.OperationRow {
	return projection.OperationRow{
		OperationID:         int64(op.ID),
		VaultType:           op.VaultType.String(),
		TotalStrategyAssets: op.TotalStrategyAssets.String(),
		TotalDeployedAssets: op.TotalDeployedAssets.String(),
		Delta:               op.Delta.String(),
		Loss:                op.Loss,
		Executed:            op.Executed,
		Detail:              persistence.MarshalPayload(op),
		CreatedAt:           op.CreatedAt,
		ExecutedAt:          timePtr(op.ExecutedAt),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
