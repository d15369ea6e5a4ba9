package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"BatchVault/internal/command"
	"BatchVault/internal/ledger"
)

// Header keys carried on inbound command messages. When the idempotency key
// header (or Nats-Msg-Id) is present the body is the bare payload;
// otherwise the body is a full JSON envelope.
const (
	HeaderIdempotencyKey = "Batchvault-Idempotency-Key"
	HeaderCaller         = "Batchvault-Caller"
)

// ErrMalformedCommand marks messages that can never be applied. They are
// terminated rather than redelivered.
var ErrMalformedCommand = errors.New("malformed command")

// ParseRawCommand decodes an inbound message into an envelope. The kind
// comes from the subject; a full-envelope body must agree with it.
// ReceivedAt is left zero so the core stamps its own clock.
func ParseRawCommand(raw RawCommand) (command.Envelope, error) {
	kind, ok := KindFromSubject(raw.Subject)
	if !ok {
		return command.Envelope{}, fmt.Errorf("%w: no command kind in subject %q", ErrMalformedCommand, raw.Subject)
	}

	if key := headerKey(raw.Header); key != "" {
		caller := strings.TrimSpace(raw.Header.Get(HeaderCaller))
		if caller == "" {
			return command.Envelope{}, fmt.Errorf("%w: %s header is required", ErrMalformedCommand, HeaderCaller)
		}
		cmd, err := command.DecodePayload(kind, raw.Data)
		if err != nil {
			return command.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
		}
		return command.Envelope{
			IdempotencyKey: key,
			Caller:         ledger.Address(caller),
			Command:        cmd,
		}, nil
	}

	return ParseEnvelope(kind, raw.Data)
}

// ParseEnvelope decodes a full JSON envelope. The body's kind, if any, must
// match expected up to case.
func ParseEnvelope(expected command.Kind, data []byte) (command.Envelope, error) {
	var probe struct {
		Kind command.Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return command.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if probe.Kind != "" && !strings.EqualFold(string(probe.Kind), string(expected)) {
		return command.Envelope{}, fmt.Errorf("%w: body kind %s on %s subject", ErrMalformedCommand, probe.Kind, expected)
	}
	data = withKind(data, expected)

	var env command.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return command.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if env.IdempotencyKey == "" {
		return command.Envelope{}, fmt.Errorf("%w: idempotency_key is required", ErrMalformedCommand)
	}
	if env.Caller.IsZero() {
		return command.Envelope{}, fmt.Errorf("%w: caller is required", ErrMalformedCommand)
	}
	env.ReceivedAt = time.Time{}
	return env, nil
}

func headerKey(h nats.Header) string {
	if h == nil {
		return ""
	}
	if k := strings.TrimSpace(h.Get(HeaderIdempotencyKey)); k != "" {
		return k
	}
	return strings.TrimSpace(h.Get(nats.MsgIdHdr))
}

// withKind sets "kind" on a JSON object.
func withKind(data []byte, kind command.Kind) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return data
	}
	k, _ := json.Marshal(kind)
	obj["kind"] = k
	out, err := json.Marshal(obj)
	if err != nil {
		return data
	}
	return out
}
