package settlement

import (
	"sort"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/google/btree"

	"BatchVault/internal/event"
	"BatchVault/internal/ledger"
	fpmath "BatchVault/internal/math"
	"BatchVault/internal/state"
)

const codespace = "settlement"

var (
	ErrInvalidSettlementOperation = errorsmod.Register(codespace, 2, "invalid settlement operation")
	ErrInsufficientStrategyAssets = errorsmod.Register(codespace, 3, "strategy assets below deployed assets")
	ErrOperationNotFound          = errorsmod.Register(codespace, 4, "settlement operation not found")
	ErrNotValidated               = errorsmod.Register(codespace, 5, "settlement operation not validated")
	ErrAlreadyExecuted            = errorsmod.Register(codespace, 6, "settlement operation already executed")
	ErrSettlementTooEarly         = errorsmod.Register(codespace, 7, "settlement attempted too early")
	ErrInvalidAuthorization       = errorsmod.Register(codespace, 8, "invalid settlement authorization")
	ErrUnauthorized               = errorsmod.Register(codespace, 9, "caller lacks settler role")
	ErrInvalidVaultType           = errorsmod.Register(codespace, 10, "invalid vault type")
	ErrInsufficientFunds          = errorsmod.Register(codespace, 11, "strategy custody cannot cover allocation")
)

const btreeDegree = 32

// Request describes one strategy settlement.
type Request struct {
	VaultType           VaultType        `json:"vault_type"`
	TotalStrategyAssets sdkmath.Int      `json:"total_strategy_assets"`
	TotalDeployedAssets sdkmath.Int      `json:"total_deployed_assets"`
	Destinations        []ledger.Address `json:"destinations"`
	Amounts             []sdkmath.Int    `json:"amounts"`
	ReceiverIDs         []string         `json:"receiver_ids"`
	MemoTag             string           `json:"memo_tag,omitempty"`
}

// Operation is a validated settlement. Immutable once stored except for
// Executed, which is set at most once.
type Operation struct {
	ID                  uint64           `json:"id"`
	VaultType           VaultType        `json:"vault_type"`
	TotalStrategyAssets sdkmath.Int      `json:"total_strategy_assets"`
	TotalDeployedAssets sdkmath.Int      `json:"total_deployed_assets"`
	Destinations        []ledger.Address `json:"destinations"`
	Amounts             []sdkmath.Int    `json:"amounts"`
	ReceiverIDs         []string         `json:"receiver_ids"`
	MemoTag             string           `json:"memo_tag,omitempty"`

	// Delta is |strategy - deployed|; Loss tells the direction.
	Delta sdkmath.Int `json:"delta"`
	Loss  bool        `json:"loss"`

	Validated  bool      `json:"validated"`
	Executed   bool      `json:"executed"`
	CreatedAt  time.Time `json:"created_at"`
	ExecutedAt time.Time `json:"executed_at,omitempty"`
}

func (op *Operation) clone() Operation {
	out := *op
	out.Destinations = append([]ledger.Address(nil), op.Destinations...)
	out.Amounts = append([]sdkmath.Int(nil), op.Amounts...)
	out.ReceiverIDs = append([]string(nil), op.ReceiverIDs...)
	return out
}

// Authorization is the second signature SettleAndAllocate requires: an
// admin other than the caller approving one nonce before a deadline.
type Authorization struct {
	Approver ledger.Address `json:"approver"`
	Nonce    uint64         `json:"nonce"`
	Deadline time.Time      `json:"deadline"`
}

// AssetLedger moves strategy assets to their destinations.
type AssetLedger interface {
	Transfer(asset string, from, to ledger.Address, amount sdkmath.Int, kind ledger.JournalType) error
	BalanceOf(asset string, holder ledger.Address) sdkmath.Int
}

// Emitter receives the validator's events.
type Emitter interface {
	Emit(evt event.Event)
}

// Config holds the validator parameters.
type Config struct {
	Asset                 string
	MinSettlementInterval time.Duration
}

// Deps are the collaborators injected into the validator.
type Deps struct {
	Permissions state.Permissions
	Assets      AssetLedger
	Emitter     Emitter          // optional
	Clock       func() time.Time // defaults to time.Now
}

// operationItem orders operations by id in the btree index.
type operationItem struct {
	id uint64
	op *Operation
}

func (a *operationItem) Less(b btree.Item) bool {
	return a.id < b.(*operationItem).id
}

// Validator is the settlement operation ledger. Not thread-safe: the core
// serializes every call.
type Validator struct {
	cfg     Config
	perms   state.Permissions
	assets  AssetLedger
	emitter Emitter
	clock   func() time.Time

	ops    *btree.BTree
	nextID uint64

	lastSettlement time.Time
	nonces         map[ledger.Address]uint64 // last nonce consumed per approver
}

func NewValidator(cfg Config, deps Deps) *Validator {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Validator{
		cfg:     cfg,
		perms:   deps.Permissions,
		assets:  deps.Assets,
		emitter: deps.Emitter,
		clock:   deps.Clock,
		ops:     btree.New(btreeDegree),
		nextID:  1,
		nonces:  make(map[ledger.Address]uint64),
	}
}

// ValidateSettlement checks a settlement against the vault policy and stores
// it as a validated, unexecuted operation. Settler only.
func (v *Validator) ValidateSettlement(caller ledger.Address, req Request) (uint64, error) {
	if !v.perms.IsSettler(caller) {
		return 0, errorsmod.Wrapf(ErrUnauthorized, "%s", caller)
	}
	req, err := v.check(req)
	if err != nil {
		return 0, err
	}
	op := v.newOperation(req)
	v.record(op)
	return op.ID, nil
}

// check applies every rule of ValidateSettlement without side effects and
// returns req with its vault type in canonical form.
func (v *Validator) check(req Request) (Request, error) {
	vt, ok := ParseVaultType(string(req.VaultType))
	if !ok {
		return req, errorsmod.Wrapf(ErrInvalidVaultType, "%q", req.VaultType)
	}
	req.VaultType = vt

	n := len(req.Destinations)
	if len(req.Amounts) != n || len(req.ReceiverIDs) != n {
		return req, errorsmod.Wrapf(ErrInvalidSettlementOperation,
			"destinations=%d amounts=%d receivers=%d", n, len(req.Amounts), len(req.ReceiverIDs))
	}

	strategy := fpmath.OrZero(req.TotalStrategyAssets)
	deployed := fpmath.OrZero(req.TotalDeployedAssets)
	if strategy.IsNegative() || deployed.IsNegative() {
		return req, errorsmod.Wrap(ErrInvalidSettlementOperation, "negative asset total")
	}

	for i, dst := range req.Destinations {
		if dst.IsZero() {
			return req, errorsmod.Wrapf(ErrInvalidSettlementOperation, "destination %d is zero", i)
		}
		// Strategy returns may flow back to pool custody; no other system
		// account, strategy custody included, can receive an allocation.
		if dst.IsSystem() && dst != ledger.AccountPoolCustody {
			return req, errorsmod.Wrapf(ErrInvalidSettlementOperation, "destination %d is system account %s", i, dst)
		}
		if fpmath.OrZero(req.Amounts[i]).IsNegative() {
			return req, errorsmod.Wrapf(ErrInvalidSettlementOperation, "amount %d is negative", i)
		}
	}

	if strategy.LT(deployed) && !vt.AllowsLoss() {
		return req, errorsmod.Wrapf(ErrInsufficientStrategyAssets,
			"%s reports %s against %s deployed", vt, strategy, deployed)
	}
	return req, nil
}

// newOperation builds the operation req would store under the next id. It
// changes nothing until record is called.
func (v *Validator) newOperation(req Request) *Operation {
	strategy := fpmath.OrZero(req.TotalStrategyAssets)
	deployed := fpmath.OrZero(req.TotalDeployedAssets)

	op := &Operation{
		ID:                  v.nextID,
		VaultType:           req.VaultType,
		TotalStrategyAssets: strategy,
		TotalDeployedAssets: deployed,
		Destinations:        append([]ledger.Address(nil), req.Destinations...),
		Amounts:             make([]sdkmath.Int, len(req.Amounts)),
		ReceiverIDs:         append([]string(nil), req.ReceiverIDs...),
		MemoTag:             req.MemoTag,
		Loss:                strategy.LT(deployed),
		Validated:           true,
		CreatedAt:           v.clock(),
	}
	for i, amt := range req.Amounts {
		op.Amounts[i] = fpmath.OrZero(amt)
	}
	if op.Loss {
		op.Delta = deployed.Sub(strategy)
	} else {
		op.Delta = strategy.Sub(deployed)
	}
	return op
}

// record stores op, advances the id counter and emits the validation events.
func (v *Validator) record(op *Operation) {
	v.nextID++
	v.ops.ReplaceOrInsert(&operationItem{id: op.ID, op: op})

	v.emit(&event.SettlementValidated{
		OperationID:         op.ID,
		VaultType:           op.VaultType.String(),
		TotalStrategyAssets: op.TotalStrategyAssets,
		TotalDeployedAssets: op.TotalDeployedAssets,
		Destinations:        len(op.Destinations),
		MemoTag:             op.MemoTag,
	})
	switch {
	case op.Loss:
		v.emit(&event.NegativeSettlementProcessed{
			OperationID: op.ID,
			VaultType:   op.VaultType.String(),
			Deployed:    op.TotalDeployedAssets,
			Reported:    op.TotalStrategyAssets,
			Loss:        op.Delta,
		})
	case op.Delta.IsPositive():
		v.emit(&event.StrategyAssetsMismatch{
			OperationID: op.ID,
			VaultType:   op.VaultType.String(),
			Deployed:    op.TotalDeployedAssets,
			Reported:    op.TotalStrategyAssets,
			Profit:      op.Delta,
		})
	}
}

// GetSettlementOperation returns a copy of an operation, or false if the id
// was never assigned.
func (v *Validator) GetSettlementOperation(id uint64) (Operation, bool) {
	op, ok := v.operation(id)
	if !ok {
		return Operation{}, false
	}
	return op.clone(), true
}

// ListOperations returns up to limit operations with id > after, in id
// order.
func (v *Validator) ListOperations(after uint64, limit int) []Operation {
	var out []Operation
	v.ops.AscendGreaterOrEqual(&operationItem{id: after + 1}, func(item btree.Item) bool {
		out = append(out, item.(*operationItem).op.clone())
		return limit <= 0 || len(out) < limit
	})
	return out
}

// ExecuteSettlement moves the recorded amounts from strategy custody to the
// recorded destinations. Settler only; runs once per operation.
func (v *Validator) ExecuteSettlement(caller ledger.Address, id uint64) error {
	if !v.perms.IsSettler(caller) {
		return errorsmod.Wrapf(ErrUnauthorized, "%s", caller)
	}
	op, ok := v.operation(id)
	if !ok {
		return errorsmod.Wrapf(ErrOperationNotFound, "operation %d", id)
	}
	if !op.Validated {
		return errorsmod.Wrapf(ErrNotValidated, "operation %d", id)
	}
	if op.Executed {
		return errorsmod.Wrapf(ErrAlreadyExecuted, "operation %d", id)
	}
	order := make([]int, len(op.Destinations))
	for i := range order {
		order[i] = i
	}
	if err := v.checkFunds(op.Amounts); err != nil {
		return err
	}
	if err := v.transfer(op, order); err != nil {
		return err
	}
	v.markExecuted(op)
	return nil
}

// SettleAndAllocate validates a settlement and executes it in
// allocationOrder as one step. It refuses to run within
// MinSettlementInterval of the previous call and requires an approval from
// a second admin. The operation is recorded only once every transfer has
// gone through, so a failed call leaves the ledger untouched.
func (v *Validator) SettleAndAllocate(caller ledger.Address, req Request, allocationOrder []int, auth Authorization) (Operation, error) {
	if err := v.CheckSettleAndAllocate(caller, req, allocationOrder, auth); err != nil {
		return Operation{}, err
	}
	req, _ = v.check(req)

	now := v.clock()
	op := v.newOperation(req)
	if err := v.transfer(op, allocationOrder); err != nil {
		return Operation{}, err
	}
	v.record(op)
	v.markExecuted(op)
	v.nonces[auth.Approver] = auth.Nonce
	v.lastSettlement = now
	return op.clone(), nil
}

// CheckSettleAndAllocate runs every guard of SettleAndAllocate without
// side effects.
func (v *Validator) CheckSettleAndAllocate(caller ledger.Address, req Request, allocationOrder []int, auth Authorization) error {
	if !v.perms.IsSettler(caller) {
		return errorsmod.Wrapf(ErrUnauthorized, "%s", caller)
	}
	now := v.clock()
	if !v.lastSettlement.IsZero() {
		if next := v.lastSettlement.Add(v.cfg.MinSettlementInterval); now.Before(next) {
			return errorsmod.Wrapf(ErrSettlementTooEarly, "next settlement allowed at %s",
				next.UTC().Format(time.RFC3339))
		}
	}
	if err := v.checkAuthorization(caller, auth, now); err != nil {
		return err
	}
	if _, err := v.check(req); err != nil {
		return err
	}
	if err := checkPermutation(allocationOrder, len(req.Destinations)); err != nil {
		return err
	}
	return v.checkFunds(req.Amounts)
}

// NextNonce is the nonce approver must sign next.
func (v *Validator) NextNonce(approver ledger.Address) uint64 {
	return v.nonces[approver] + 1
}

// LastSettlement is the time of the last SettleAndAllocate, zero if none.
func (v *Validator) LastSettlement() time.Time {
	return v.lastSettlement
}

func (v *Validator) checkAuthorization(caller ledger.Address, auth Authorization, now time.Time) error {
	if auth.Approver.IsZero() || !v.perms.IsAdmin(auth.Approver) {
		return errorsmod.Wrapf(ErrInvalidAuthorization, "approver %q is not an admin", auth.Approver)
	}
	if auth.Approver == caller {
		return errorsmod.Wrap(ErrInvalidAuthorization, "approver must differ from caller")
	}
	if !auth.Deadline.IsZero() && now.After(auth.Deadline) {
		return errorsmod.Wrapf(ErrInvalidAuthorization, "expired at %s", auth.Deadline.UTC().Format(time.RFC3339))
	}
	if want := v.NextNonce(auth.Approver); auth.Nonce != want {
		return errorsmod.Wrapf(ErrInvalidAuthorization, "nonce %d, want %d", auth.Nonce, want)
	}
	return nil
}

func checkPermutation(order []int, n int) error {
	if len(order) != n {
		return errorsmod.Wrapf(ErrInvalidSettlementOperation, "allocation order has %d entries for %d destinations", len(order), n)
	}
	seen := make([]bool, n)
	for _, idx := range order {
		if idx < 0 || idx >= n || seen[idx] {
			return errorsmod.Wrapf(ErrInvalidSettlementOperation, "allocation order is not a permutation: %v", order)
		}
		seen[idx] = true
	}
	return nil
}

func (v *Validator) checkFunds(amounts []sdkmath.Int) error {
	total := sdkmath.ZeroInt()
	for _, amt := range amounts {
		total = total.Add(fpmath.OrZero(amt))
	}
	if have := v.assets.BalanceOf(v.cfg.Asset, ledger.AccountStrategy); have.LT(total) {
		return errorsmod.Wrapf(ErrInsufficientFunds, "need %s %s, strategy custody has %s", total, v.cfg.Asset, have)
	}
	return nil
}

// transfer moves every amount in order out of strategy custody. Callers
// have already checked that custody covers the total.
func (v *Validator) transfer(op *Operation, order []int) error {
	for _, i := range order {
		if !op.Amounts[i].IsPositive() {
			continue
		}
		if err := v.assets.Transfer(v.cfg.Asset, ledger.AccountStrategy, op.Destinations[i], op.Amounts[i], ledger.JournalTypeStrategyAllocation); err != nil {
			return err
		}
	}
	return nil
}

// markExecuted flags op executed and emits SettlementExecuted.
func (v *Validator) markExecuted(op *Operation) {
	op.Executed = true
	op.ExecutedAt = v.clock()

	v.emit(&event.SettlementExecuted{
		OperationID:  op.ID,
		Asset:        v.cfg.Asset,
		Destinations: append([]ledger.Address(nil), op.Destinations...),
		Amounts:      append([]sdkmath.Int(nil), op.Amounts...),
		ReceiverIDs:  append([]string(nil), op.ReceiverIDs...),
	})
}

func (v *Validator) operation(id uint64) (*Operation, bool) {
	if id == 0 {
		return nil, false
	}
	item := v.ops.Get(&operationItem{id: id})
	if item == nil {
		return nil, false
	}
	return item.(*operationItem).op, true
}

// Savepoint is the validator state a failed command restores.
type Savepoint struct {
	nextID         uint64
	lastSettlement time.Time
	nonces         map[ledger.Address]uint64
}

// Savepoint captures the current id counter, settlement time and nonces.
func (v *Validator) Savepoint() Savepoint {
	nonces := make(map[ledger.Address]uint64, len(v.nonces))
	for a, n := range v.nonces {
		nonces[a] = n
	}
	return Savepoint{nextID: v.nextID, lastSettlement: v.lastSettlement, nonces: nonces}
}

// Rollback drops every operation recorded since sp and restores its
// counters.
func (v *Validator) Rollback(sp Savepoint) {
	for id := sp.nextID; id < v.nextID; id++ {
		v.ops.Delete(&operationItem{id: id})
	}
	v.nextID = sp.nextID
	v.lastSettlement = sp.lastSettlement
	v.nonces = sp.nonces
}

func (v *Validator) emit(evt event.Event) {
	if v.emitter != nil {
		v.emitter.Emit(evt)
	}
}

// Snapshot is a deterministic dump of validator state for hashing and
// checkpoints.
type Snapshot struct {
	NextID         uint64        `json:"next_id"`
	LastSettlement time.Time     `json:"last_settlement"`
	Nonces         []NonceRecord `json:"nonces"`
	Operations     []Operation   `json:"operations"`
}

type NonceRecord struct {
	Approver ledger.Address `json:"approver"`
	Nonce    uint64         `json:"nonce"`
}

func (v *Validator) Snapshot() Snapshot {
	snap := Snapshot{
		NextID:         v.nextID,
		LastSettlement: v.lastSettlement,
		Operations:     v.ListOperations(0, 0),
	}
	for a, n := range v.nonces {
		snap.Nonces = append(snap.Nonces, NonceRecord{Approver: a, Nonce: n})
	}
	sort.Slice(snap.Nonces, func(i, j int) bool {
		return snap.Nonces[i].Approver < snap.Nonces[j].Approver
	})
	return snap
}
