package core

import (
	"encoding/json"
	"fmt"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"BatchVault/internal/batch"
	"BatchVault/internal/command"
	"BatchVault/internal/event"
	"BatchVault/internal/ledger"
	fpmath "BatchVault/internal/math"
	"BatchVault/internal/observability"
	"BatchVault/internal/settlement"
	"BatchVault/internal/state"
)

const codespace = "core"

var (
	ErrUnknownCommand        = errorsmod.Register(codespace, 2, "unknown command")
	ErrMissingIdempotencyKey = errorsmod.Register(codespace, 3, "idempotency key is required")
	ErrInvalidCommand        = errorsmod.Register(codespace, 4, "invalid command")
	ErrLastAdmin             = errorsmod.Register(codespace, 5, "cannot revoke the last admin")
	ErrStopped               = errorsmod.Register(codespace, 6, "core is not running")
)

// Config configures the core and the engines it hosts. Everything here is
// part of the replay contract: a replica replaying the command log must be
// started with the same values.
type Config struct {
	Pool       batch.Config
	Settlement settlement.Config // Asset defaults to Pool.Asset

	ShareSymbol string

	// GenesisTime is the pool inception; fee accrual starts here. When zero,
	// accrual starts at the received-at time of the first applied command.
	GenesisTime time.Time

	// Roles are granted before the first command.
	Roles map[state.Role][]ledger.Address

	// Assets are added to the default asset registry.
	Assets []state.AssetParams

	LRUCapacity      int
	EventLogCapacity int

	// GlobalCheckEvery runs the zero-sum ledger check every N sequences.
	GlobalCheckEvery int64
}

// Core is the single-writer command processor. It owns the token ledger,
// the role and asset registries, the batch engine and the settlement
// validator, and applies one command at a time. Apply is not goroutine
// safe; concurrent callers go through Run/Submit/Read.
type Core struct {
	cfg Config

	sequence    int64 // last applied
	hasher      *StateHasher
	book        *ledger.BalanceTracker
	shares      *ledger.ShareToken
	validator   *ledger.InvariantValidator
	roles       *state.RoleRegistry
	registry    *state.AssetParamsManager
	events      *event.Log
	pool        *batch.Engine
	settlements *settlement.Validator
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger

	// now is the received-at time of the command being applied. Engines read
	// it as their clock; the core never consults the wall clock while applying.
	now time.Time
	// genesisPending defers the accrual start to the first applied command.
	genesisPending bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	inbox chan call
	done  chan struct{} // closed when Run returns
}

// CoreOutput is everything downstream workers need from one applied command.
type CoreOutput struct {
	Envelope   *event.CommandEnvelope
	Batch      *ledger.Batch
	Accounting batch.AccountingState
	Batches    []batch.Info                      // batches the command touched, post-state
	Requests   []batch.Request                   // requests the command touched, post-state
	Operations []settlement.Operation            // settlement operations the command touched
	Balances   map[ledger.AccountKey]sdkmath.Int // post-state of every account the journals moved
	StateDelta []byte
}

// Result is returned to the submitter of a command.
type Result struct {
	Sequence    int64                 `json:"sequence"`
	StateHash   string                `json:"state_hash,omitempty"`
	Duplicate   bool                  `json:"duplicate,omitempty"`
	BatchID     uint64                `json:"batch_id,omitempty"`
	RequestID   uint64                `json:"request_id,omitempty"`
	OperationID uint64                `json:"operation_id,omitempty"`
	Receiver    ledger.Address        `json:"receiver,omitempty"`
	Amount      sdkmath.Int           `json:"amount"`
	Settlement  *batch.SettleResult   `json:"settlement,omitempty"`
	Operation   *settlement.Operation `json:"operation,omitempty"`
	Events      []event.Record        `json:"events,omitempty"`
}

// NewCore wires a core with an empty pool. dbChecker and metrics may be nil;
// nil output channels disable that output.
func NewCore(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) (*Core, error) {
	if cfg.ShareSymbol == "" {
		cfg.ShareSymbol = "bv" + cfg.Pool.Asset
	}
	if cfg.Settlement.Asset == "" {
		cfg.Settlement.Asset = cfg.Pool.Asset
	}
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = 1_000_000
	}
	if cfg.EventLogCapacity <= 0 {
		cfg.EventLogCapacity = 100_000
	}
	if cfg.GlobalCheckEvery <= 0 {
		cfg.GlobalCheckEvery = 1000
	}
	genesisFromFirst := cfg.GenesisTime.IsZero()
	if genesisFromFirst {
		cfg.GenesisTime = time.Unix(0, 0).UTC()
	}

	c := &Core{
		cfg:            cfg,
		hasher:         NewStateHasher(),
		book:           ledger.NewBalanceTracker(),
		roles:          state.NewRoleRegistry(),
		registry:       state.NewAssetParamsManager(),
		events:         event.NewLog(cfg.EventLogCapacity),
		metrics:        metrics,
		logger:         observability.NewLogger("core"),
		now:            cfg.GenesisTime,
		genesisPending: genesisFromFirst,
		persistChan:    persistChan,
		projectionChan: projectionChan,
		inbox:          make(chan call),
		done:           make(chan struct{}),
	}
	c.shares = ledger.NewShareToken(c.book, cfg.ShareSymbol)
	c.validator = ledger.NewInvariantValidator(c.book)
	c.idempotency = NewIdempotencyChecker(cfg.LRUCapacity, dbChecker, metrics)

	for i := range cfg.Assets {
		if err := c.registry.UpdateAssetParams(&cfg.Assets[i]); err != nil {
			return nil, err
		}
	}
	for role, addrs := range cfg.Roles {
		for _, addr := range addrs {
			c.roles.Grant(role, addr)
		}
	}

	clock := func() time.Time { return c.now }

	pool, err := batch.NewEngine(cfg.Pool, batch.Deps{
		Permissions: c.roles,
		Shares:      c.shares,
		Assets:      c.book,
		Registry:    c.registry,
		Emitter:     c.events,
		Clock:       clock,
	})
	if err != nil {
		return nil, fmt.Errorf("batch engine: %w", err)
	}
	c.pool = pool

	c.settlements = settlement.NewValidator(cfg.Settlement, settlement.Deps{
		Permissions: c.roles,
		Assets:      c.book,
		Emitter:     c.events,
		Clock:       clock,
	})

	return c, nil
}

// WithLogger replaces the component logger.
func (c *Core) WithLogger(l zerolog.Logger) *Core {
	c.logger = l
	return c
}

// Apply runs the processing pipeline for one command and emits its output.
// Duplicates are acknowledged with Result.Duplicate and no error.
func (c *Core) Apply(env command.Envelope) (Result, error) {
	return c.process(env, true)
}

// Replay re-applies a command read back from the command log. It skips the
// duplicate check and emits nothing; the output is already durable.
func (c *Core) Replay(env command.Envelope) (Result, error) {
	return c.process(env, false)
}

func (c *Core) process(env command.Envelope, live bool) (Result, error) {
	start := time.Now()

	// Step 1: shape checks
	if env.Command == nil {
		return Result{}, errorsmod.Wrap(ErrUnknownCommand, "empty command")
	}
	kind := string(env.Kind())
	if env.IdempotencyKey == "" {
		return Result{}, ErrMissingIdempotencyKey
	}
	if env.ReceivedAt.IsZero() {
		return Result{}, errorsmod.Wrap(ErrInvalidCommand, "received_at is required")
	}

	// Step 2: idempotency check (two-tier)
	if live && c.idempotency.IsDuplicate(kind, env.IdempotencyKey) {
		if c.metrics != nil {
			c.metrics.CommandsRejected.WithLabelValues(kind, "duplicate").Inc()
		}
		return Result{Duplicate: true, Amount: sdkmath.ZeroInt()}, nil
	}

	payload, err := json.Marshal(env.Command)
	if err != nil {
		return Result{}, errorsmod.Wrapf(ErrInvalidCommand, "encode %s: %v", kind, err)
	}

	// Step 3: dispatch under the command's clock
	seq := c.sequence + 1
	if env.ReceivedAt.Before(c.now) {
		c.logger.Debug().
			Str("kind", kind).
			Time("received_at", env.ReceivedAt).
			Time("clock", c.now).
			Msg("command received before current clock")
	}
	prevNow := c.now
	c.now = env.ReceivedAt
	mark := c.events.Next()
	c.events.SetContext(seq, env.ReceivedAt)
	savepoint := c.settlements.Savepoint()

	res, err := c.dispatch(env)
	if err != nil {
		// Nothing of a failed command survives.
		c.events.Truncate(mark)
		c.book.DiscardJournals()
		c.settlements.Rollback(savepoint)
		c.now = prevNow
		if c.metrics != nil {
			c.metrics.CommandsRejected.WithLabelValues(kind, errorReason(err)).Inc()
		}
		return Result{}, err
	}

	// Step 4: validate journals
	journals := c.book.DrainJournals()
	if err := c.validator.ValidateBatchBalance(journals); err != nil {
		panic(fmt.Sprintf("FATAL: malformed journal batch at seq %d: %v", seq, err))
	}
	if err := c.validator.ValidateBatchAccounts(journals); err != nil {
		panic(fmt.Sprintf("FATAL: negative balance at seq %d: %v", seq, err))
	}
	journals.Stamp(env.IdempotencyKey, seq)

	// No settlement can precede the first command, so nothing has accrued yet.
	if seq == 1 && c.genesisPending {
		c.pool.StartAccrual(env.ReceivedAt)
	}

	// Step 5: state hash
	records := c.events.Since(mark)
	accounting := c.pool.Accounting()
	hashStart := time.Now()
	digest, err := stateDigest(c.book, journals, accounting, records)
	if err != nil {
		panic(fmt.Sprintf("FATAL: state digest at seq %d: %v", seq, err))
	}
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, digest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}
	c.sequence = seq

	// Step 6: post-checks
	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	envelope := &event.CommandEnvelope{
		Sequence:       seq,
		IdempotencyKey: env.IdempotencyKey,
		CommandKind:    kind,
		Caller:         env.Caller.String(),
		Timestamp:      env.ReceivedAt,
		Command:        payload,
		Events:         records,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	// Step 7: emit outputs
	if live {
		output := CoreOutput{
			Envelope:   envelope,
			Batch:      journals,
			Accounting: accounting,
			Balances:   c.touchedBalances(journals),
			StateDelta: digest,
		}
		c.attachTouched(&output, records)
		c.emit(output)
	}

	// Step 8: mark processed
	c.idempotency.MarkProcessed(kind, env.IdempotencyKey)

	c.recordMetrics(kind, start, journals, records, accounting)

	res.Sequence = seq
	res.StateHash = fmt.Sprintf("%x", stateHash)
	res.Events = records
	if res.Amount.IsNil() {
		res.Amount = sdkmath.ZeroInt()
	}
	return res, nil
}

// emit sends the output downstream. Persistence is a blocking send so no
// applied command is ever lost; projections drop on a full channel and
// catch up from the next full refresh.
func (c *Core) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

// attachTouched copies the post-command state of every batch, request and
// settlement operation referenced by the command's events.
func (c *Core) attachTouched(out *CoreOutput, records []event.Record) {
	batches := make(map[uint64]bool)
	requests := make(map[uint64]bool)
	ops := make(map[uint64]bool)
	var batchOrder, requestOrder, opOrder []uint64

	for _, rec := range records {
		if rec.BatchID != nil && !batches[*rec.BatchID] {
			batches[*rec.BatchID] = true
			batchOrder = append(batchOrder, *rec.BatchID)
		}
		var reqID, opID uint64
		switch e := rec.Event.(type) {
		case *event.StakeRequested:
			reqID = e.RequestID
		case *event.UnstakeRequested:
			reqID = e.RequestID
		case *event.StakingSharesClaimed:
			reqID = e.RequestID
		case *event.UnstakingAssetsClaimed:
			reqID = e.RequestID
		case *event.SettlementValidated:
			opID = e.OperationID
		case *event.SettlementExecuted:
			opID = e.OperationID
		}
		if reqID != 0 && !requests[reqID] {
			requests[reqID] = true
			requestOrder = append(requestOrder, reqID)
		}
		if opID != 0 && !ops[opID] {
			ops[opID] = true
			opOrder = append(opOrder, opID)
		}
	}

	for _, id := range batchOrder {
		if info, ok := c.pool.GetBatchInfo(id); ok {
			out.Batches = append(out.Batches, info)
		}
	}
	for _, id := range requestOrder {
		if req, ok := c.pool.GetRequest(id); ok {
			out.Requests = append(out.Requests, req)
		}
	}
	for _, id := range opOrder {
		if op, ok := c.settlements.GetSettlementOperation(id); ok {
			out.Operations = append(out.Operations, op)
		}
	}
}

func (c *Core) touchedBalances(journals *ledger.Batch) map[ledger.AccountKey]sdkmath.Int {
	out := make(map[ledger.AccountKey]sdkmath.Int, 2*len(journals.Journals))
	for _, j := range journals.Journals {
		out[j.DebitAccount] = c.book.GetBalance(j.DebitAccount)
		out[j.CreditAccount] = c.book.GetBalance(j.CreditAccount)
	}
	return out
}

// FullOutput is a projection output carrying the entire read-model state,
// used to refresh projections after replay.
func (c *Core) FullOutput() CoreOutput {
	out := CoreOutput{
		Envelope: &event.CommandEnvelope{
			Sequence:  c.sequence,
			Timestamp: c.now,
			StateHash: c.hasher.GetPrevHash(),
		},
		Accounting: c.pool.Accounting(),
		Batches:    c.pool.ListBatches(0, 0),
		Operations: c.settlements.ListOperations(0, 0),
		Balances:   c.book.Snapshot(),
	}
	snap := c.pool.Snapshot()
	out.Requests = snap.Requests
	return out
}

// postCheckInvariants runs the periodic zero-sum check over the whole book.
func (c *Core) postCheckInvariants() error {
	if c.sequence > 0 && c.sequence%c.cfg.GlobalCheckEvery == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("at seq %d: %w", c.sequence, err)
		}
	}
	return nil
}

func (c *Core) recordMetrics(kind string, start time.Time, journals *ledger.Batch, records []event.Record, acct batch.AccountingState) {
	if c.metrics == nil {
		return
	}
	m := c.metrics
	m.CommandsApplied.WithLabelValues(kind).Inc()
	m.CommandDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	m.CoreSequence.Set(float64(c.sequence))
	for _, j := range journals.Journals {
		m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	for _, rec := range records {
		m.CoreEvents.WithLabelValues(rec.TypeName).Inc()
		switch e := rec.Event.(type) {
		case *event.BatchSettled:
			m.BatchesSettled.Inc()
		case *event.ManagementFeesCharged:
			m.FeesCharged.WithLabelValues("management").Add(amountFloat(e.Amount))
		case *event.PerformanceFeesCharged:
			m.FeesCharged.WithLabelValues("performance").Add(amountFloat(e.Amount))
		case *event.StakeRequested:
			m.RequestsCreated.WithLabelValues("stake").Inc()
		case *event.UnstakeRequested:
			m.RequestsCreated.WithLabelValues("unstake").Inc()
		case *event.StakingSharesClaimed:
			m.ClaimsProcessed.WithLabelValues("stake").Inc()
		case *event.UnstakingAssetsClaimed:
			m.ClaimsProcessed.WithLabelValues("unstake").Inc()
		case *event.SettlementValidated:
			m.SettlementsTotal.WithLabelValues(e.VaultType, "validated").Inc()
		case *event.NegativeSettlementProcessed:
			m.SettlementsTotal.WithLabelValues(e.VaultType, "loss").Inc()
		case *event.SettlementExecuted:
			m.SettlementsTotal.WithLabelValues("", "executed").Inc()
		}
	}
	m.PoolTotalAssets.Set(amountFloat(acct.TotalAssets))
	m.PoolTotalSupply.Set(amountFloat(acct.TotalSupply))
	m.PoolWatermark.Set(fpmath.PriceToDecimal(acct.SharePriceWatermark).InexactFloat64())
	m.PoolSharePrice.Set(fpmath.PriceToDecimal(c.pool.SharePrice()).InexactFloat64())
	m.PoolAccruedFees.Set(amountFloat(acct.AccruedFees))
}

func amountFloat(v sdkmath.Int) float64 {
	return fpmath.ToDecimal(fpmath.OrZero(v), 0).InexactFloat64()
}

// errorReason labels a rejection by its registered codespace and code.
func errorReason(err error) string {
	space, code, _ := errorsmod.ABCIInfo(err, false)
	return fmt.Sprintf("%s/%d", space, code)
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *Core) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the last applied sequence.
func (c *Core) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *Core) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}
