package core

import (
	"context"
	"time"

	sdkmath "cosmossdk.io/math"

	"BatchVault/internal/batch"
	"BatchVault/internal/command"
	"BatchVault/internal/event"
	"BatchVault/internal/fees"
	"BatchVault/internal/ledger"
	"BatchVault/internal/settlement"
	"BatchVault/internal/state"
)

// call is one unit of work for the core goroutine: a command to apply or a
// read to run against a consistent state.
type call struct {
	env   command.Envelope
	read  func(*View)
	reply chan reply
}

type reply struct {
	res Result
	err error
}

// Run applies submitted commands and reads one at a time until ctx ends.
func (c *Core) Run(ctx context.Context) error {
	c.logger.Info().Int64("sequence", c.sequence).Msg("core running")
	defer close(c.done)
	view := &View{c: c}
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Int64("sequence", c.sequence).Msg("core stopped")
			return ctx.Err()
		case cl := <-c.inbox:
			if cl.read != nil {
				cl.read(view)
				cl.reply <- reply{}
				continue
			}
			res, err := c.Apply(cl.env)
			if err != nil {
				c.logger.Debug().
					Err(err).
					Str("kind", string(cl.env.Kind())).
					Str("key", cl.env.IdempotencyKey).
					Msg("command rejected")
			}
			cl.reply <- reply{res: res, err: err}
		}
	}
}

// Submit hands a command to the running core and waits for its result. A
// zero ReceivedAt is stamped with the current time, truncated to the
// microsecond so the command log round-trips it exactly.
func (c *Core) Submit(ctx context.Context, env command.Envelope) (Result, error) {
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	r, err := c.call(ctx, call{env: env})
	if err != nil {
		return Result{}, err
	}
	if r.res.Duplicate {
		c.logger.Debug().
			Str("kind", string(env.Kind())).
			Str("key", env.IdempotencyKey).
			Msg("duplicate command acknowledged")
	}
	return r.res, r.err
}

// Read runs fn on the core goroutine, between commands. fn must not retain
// the view.
func (c *Core) Read(ctx context.Context, fn func(*View)) error {
	_, err := c.call(ctx, call{read: fn})
	return err
}

func (c *Core) call(ctx context.Context, cl call) (reply, error) {
	cl.reply = make(chan reply, 1)
	select {
	case c.inbox <- cl:
	case <-c.done:
		return reply{}, ErrStopped
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-cl.reply:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// View is the read-only surface of the core state. Obtain one through Read,
// or through Core.View when the caller already owns the core goroutine.
type View struct {
	c *Core
}

// View returns a view over the core. Not safe while Run is active.
func (c *Core) View() *View {
	return &View{c: c}
}

func (v *View) Sequence() int64     { return v.c.sequence }
func (v *View) StateHash() [32]byte { return v.c.hasher.GetPrevHash() }
func (v *View) Clock() time.Time    { return v.c.now }
func (v *View) Asset() string       { return v.c.cfg.Pool.Asset }
func (v *View) ShareSymbol() string { return v.c.shares.Symbol() }
func (v *View) Paused() bool        { return v.c.roles.IsPaused() }

func (v *View) GetBatchInfo(id uint64) (batch.Info, bool) { return v.c.pool.GetBatchInfo(id) }
func (v *View) GetBatchReceiver(id uint64) (ledger.Address, bool) {
	return v.c.pool.GetBatchReceiver(id)
}
func (v *View) GetRequest(id uint64) (batch.Request, bool) { return v.c.pool.GetRequest(id) }
func (v *View) ListBatches(after uint64, limit int) []batch.Info {
	return v.c.pool.ListBatches(after, limit)
}
func (v *View) OpenBatchID() (uint64, bool)            { return v.c.pool.OpenBatchID() }
func (v *View) Accounting() batch.AccountingState      { return v.c.pool.Accounting() }
func (v *View) ComputeLastBatchFees() fees.Result      { return v.c.pool.ComputeLastBatchFees() }
func (v *View) SharePrice() sdkmath.Int                { return v.c.pool.SharePrice() }
func (v *View) NetSharePrice() sdkmath.Int             { return v.c.pool.NetSharePrice() }
func (v *View) TotalNetAssets() sdkmath.Int            { return v.c.pool.TotalNetAssets() }
func (v *View) TotalSupply() sdkmath.Int               { return v.c.shares.TotalSupply() }
func (v *View) ShareBalance(h ledger.Address) sdkmath.Int { return v.c.shares.BalanceOf(h) }

// AssetBalance returns holder's balance of asset; an empty asset means the
// pool asset.
func (v *View) AssetBalance(asset string, holder ledger.Address) sdkmath.Int {
	if asset == "" {
		asset = v.c.cfg.Pool.Asset
	}
	return v.c.book.BalanceOf(asset, holder)
}

func (v *View) GetSettlementOperation(id uint64) (settlement.Operation, bool) {
	return v.c.settlements.GetSettlementOperation(id)
}
func (v *View) ListOperations(after uint64, limit int) []settlement.Operation {
	return v.c.settlements.ListOperations(after, limit)
}
func (v *View) NextNonce(approver ledger.Address) uint64 { return v.c.settlements.NextNonce(approver) }
func (v *View) LastSettlement() time.Time              { return v.c.settlements.LastSettlement() }

func (v *View) Events(f event.Filter) []event.Record { return v.c.events.Query(f) }

func (v *View) HasRole(role state.Role, addr ledger.Address) bool { return v.c.roles.Has(role, addr) }
func (v *View) AssetDecimals(asset string) (uint8, error)         { return v.c.registry.AssetDecimals(asset) }
func (v *View) HurdleRate(asset string) (uint32, error)           { return v.c.registry.HurdleRateFor(asset) }
