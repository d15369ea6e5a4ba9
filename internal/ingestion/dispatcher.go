package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"BatchVault/internal/command"
	"BatchVault/internal/observability"
)

// SubmitFunc hands an envelope to the core and waits for it to be applied
// or rejected.
type SubmitFunc func(ctx context.Context, env command.Envelope) error

// Dispatcher decodes raw commands and submits them one at a time, in the
// order the subscriber delivered them. A message is acked once the core has
// decided on it, whether applied, acknowledged as a duplicate or rejected.
// Only retryable failures (the core not running, a cancelled context) are
// redelivered.
type Dispatcher struct {
	in        <-chan RawCommand
	submit    SubmitFunc
	retryable func(error) bool
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewDispatcher(in <-chan RawCommand, submit SubmitFunc, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		in:        in,
		submit:    submit,
		retryable: isContextError,
		metrics:   metrics,
		logger:    observability.NewLogger("ingestion"),
	}
}

// WithRetryable replaces the classification of retryable submit errors.
// Context errors are always retryable.
func (d *Dispatcher) WithRetryable(fn func(error) bool) *Dispatcher {
	d.retryable = func(err error) bool { return isContextError(err) || fn(err) }
	return d
}

// WithLogger replaces the component logger.
func (d *Dispatcher) WithLogger(l zerolog.Logger) *Dispatcher {
	d.logger = l
	return d
}

// Run dispatches until ctx ends or the input channel closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.in:
			if !ok {
				return nil
			}
			d.handle(ctx, raw)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, raw RawCommand) {
	if d.metrics != nil && !raw.PublishedAt.IsZero() && !raw.ReceivedAt.IsZero() {
		d.metrics.NATSPullLatency.WithLabelValues(raw.Subject).Observe(raw.ReceivedAt.Sub(raw.PublishedAt).Seconds())
	}

	env, err := ParseRawCommand(raw)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping undecodable command")
		call(raw.TermFunc)
		return
	}

	err = d.submit(ctx, env)
	switch {
	case err == nil:
		call(raw.AckFunc)
		if d.metrics != nil && !raw.ReceivedAt.IsZero() {
			d.metrics.IngestToApply.WithLabelValues(string(env.Kind())).Observe(time.Since(raw.ReceivedAt).Seconds())
		}
	case d.retryable(err):
		d.logger.Warn().Err(err).
			Str("kind", string(env.Kind())).
			Str("key", env.IdempotencyKey).
			Msg("submit failed, redelivering")
		call(raw.NakFunc)
	default:
		d.logger.Info().Err(err).
			Str("kind", string(env.Kind())).
			Str("key", env.IdempotencyKey).
			Str("caller", env.Caller.String()).
			Msg("command rejected")
		call(raw.AckFunc)
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
