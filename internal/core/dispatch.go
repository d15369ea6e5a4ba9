package core

import (
	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	"BatchVault/internal/batch"
	"BatchVault/internal/command"
	"BatchVault/internal/event"
	"BatchVault/internal/ledger"
	fpmath "BatchVault/internal/math"
	"BatchVault/internal/state"
)

// dispatch routes a command to its engine. Handlers either fail before the
// first mutation or succeed completely; the pipeline still discards journals
// and events of a failed command.
func (c *Core) dispatch(env command.Envelope) (Result, error) {
	caller := env.Caller

	switch cmd := env.Command.(type) {
	case *command.CreateBatch:
		id, err := c.pool.CreateNewBatch(caller)
		return Result{BatchID: id}, err

	case *command.CloseBatch:
		next, err := c.pool.CloseBatch(caller, cmd.BatchID, cmd.CreateNew)
		return Result{BatchID: next}, err

	case *command.SettleBatch:
		res, err := c.pool.SettleBatch(caller, batch.SettleParams{
			BatchID:        cmd.BatchID,
			NewTotalAssets: cmd.NewTotalAssets,
			Deposited:      cmd.Deposited,
			Withdrawn:      cmd.Withdrawn,
			IsProfit:       cmd.IsProfit,
			Timestamp:      cmd.Timestamp,
		})
		if err != nil {
			return Result{}, err
		}
		return Result{BatchID: res.BatchID, Receiver: res.Receiver, Settlement: &res}, nil

	case *command.CreateBatchReceiver:
		addr, err := c.pool.CreateBatchReceiver(caller, cmd.BatchID)
		return Result{BatchID: cmd.BatchID, Receiver: addr}, err

	case *command.RequestStake:
		id, err := c.pool.RequestStake(caller, cmd.Beneficiary, cmd.Amount)
		if err != nil {
			return Result{}, err
		}
		return c.requestResult(id), nil

	case *command.RequestUnstake:
		id, err := c.pool.RequestUnstake(caller, cmd.Beneficiary, cmd.Amount)
		if err != nil {
			return Result{}, err
		}
		return c.requestResult(id), nil

	case *command.ClaimStakedShares:
		shares, err := c.pool.ClaimStakedShares(caller, cmd.BatchID, cmd.RequestID)
		return Result{BatchID: cmd.BatchID, RequestID: cmd.RequestID, Amount: shares}, err

	case *command.ClaimUnstakedAssets:
		assets, err := c.pool.ClaimUnstakedAssets(caller, cmd.BatchID, cmd.RequestID)
		return Result{BatchID: cmd.BatchID, RequestID: cmd.RequestID, Amount: assets}, err

	case *command.ValidateSettlement:
		id, err := c.settlements.ValidateSettlement(caller, cmd.Request)
		if err != nil {
			return Result{}, err
		}
		return c.operationResult(id), nil

	case *command.ExecuteSettlement:
		if err := c.settlements.ExecuteSettlement(caller, cmd.OperationID); err != nil {
			return Result{}, err
		}
		return c.operationResult(cmd.OperationID), nil

	case *command.SettleAndAllocate:
		return c.settleAndAllocate(caller, cmd)

	case *command.DepositYield:
		err := c.pool.DepositYield(caller, cmd.Source, cmd.Amount)
		return Result{Amount: cmd.Amount}, err

	case *command.CollectFees:
		amount, err := c.pool.CollectFees(caller, cmd.Recipient)
		return Result{Amount: amount}, err

	case *command.SetRates:
		return Result{}, c.setRates(caller, cmd)

	case *command.RescueEscrow:
		amount, err := c.pool.RescueEscrow(caller, cmd.BatchID, cmd.Asset)
		return Result{BatchID: cmd.BatchID, Amount: amount}, err

	case *command.DepositAssets:
		return c.depositAssets(caller, cmd)

	case *command.GrantRole:
		return Result{}, c.grantRole(caller, cmd)

	case *command.RevokeRole:
		return Result{}, c.revokeRole(caller, cmd)

	case *command.SetPaused:
		if !c.roles.IsAdmin(caller) {
			return Result{}, errorsmod.Wrapf(state.ErrUnauthorized, "%s is not an admin", caller)
		}
		c.roles.SetPaused(cmd.Paused)
		c.events.Emit(&event.PauseChanged{Paused: cmd.Paused})
		return Result{}, nil

	default:
		return Result{}, errorsmod.Wrapf(ErrUnknownCommand, "%T", env.Command)
	}
}

func (c *Core) requestResult(id uint64) Result {
	req, _ := c.pool.GetRequest(id)
	return Result{BatchID: req.BatchID, RequestID: id, Amount: req.Amount}
}

func (c *Core) operationResult(id uint64) Result {
	op, _ := c.settlements.GetSettlementOperation(id)
	return Result{OperationID: id, Operation: &op}
}

// settleAndAllocate validates and executes a strategy settlement and, when
// a batch is named, settles that batch at the validated strategy total.
// Both halves are checked before either applies.
func (c *Core) settleAndAllocate(caller ledger.Address, cmd *command.SettleAndAllocate) (Result, error) {
	if err := c.settlements.CheckSettleAndAllocate(caller, cmd.Request, cmd.AllocationOrder, cmd.Authorization); err != nil {
		return Result{}, err
	}

	var params batch.SettleParams
	if cmd.BatchID != 0 {
		info, ok := c.pool.GetBatchInfo(cmd.BatchID)
		if !ok {
			return Result{}, errorsmod.Wrapf(batch.ErrProposalNotFound, "batch %d", cmd.BatchID)
		}
		total := fpmath.OrZero(cmd.Request.TotalStrategyAssets)
		params = batch.SettleParams{
			BatchID:        cmd.BatchID,
			NewTotalAssets: total,
			Deposited:      info.TotalStakeAssets,
			Withdrawn:      info.TotalUnstakeShares,
			IsProfit:       total.GTE(c.pool.Accounting().TotalAssets),
		}
		if err := c.pool.CheckSettleBatch(caller, params, custodyInflow(cmd)); err != nil {
			return Result{}, err
		}
	}

	op, err := c.settlements.SettleAndAllocate(caller, cmd.Request, cmd.AllocationOrder, cmd.Authorization)
	if err != nil {
		return Result{}, err
	}
	res := Result{OperationID: op.ID, Operation: &op}
	if cmd.BatchID == 0 {
		return res, nil
	}

	settled, err := c.pool.SettleBatch(caller, params)
	if err != nil {
		return Result{}, err
	}
	res.BatchID = settled.BatchID
	res.Receiver = settled.Receiver
	res.Settlement = &settled
	return res, nil
}

// custodyInflow is what the allocation pays into pool custody.
func custodyInflow(cmd *command.SettleAndAllocate) sdkmath.Int {
	total := sdkmath.ZeroInt()
	for i, dst := range cmd.Request.Destinations {
		if dst == ledger.AccountPoolCustody && i < len(cmd.Request.Amounts) {
			total = total.Add(fpmath.OrZero(cmd.Request.Amounts[i]))
		}
	}
	return total
}

// setRates updates the pool rates and keeps the registry hurdle for the
// pool asset in step, since settlement reads the hurdle from the registry.
func (c *Core) setRates(caller ledger.Address, cmd *command.SetRates) error {
	asset := c.cfg.Pool.Asset
	params, ok := c.registry.GetAssetParams(asset)
	if !ok {
		return errorsmod.Wrap(state.ErrUnknownAsset, asset)
	}
	updated := *params
	updated.HurdleRateBps = cmd.Rates.HurdleRateBps
	if err := state.ValidateAssetParams(&updated); err != nil {
		return err
	}
	if err := c.pool.SetRates(caller, cmd.Rates); err != nil {
		return err
	}
	return c.registry.UpdateAssetParams(&updated)
}

// depositAssets credits assets arriving from outside the pool to a holder
// or, for strategy returns awaiting allocation, to strategy custody.
// Relayer only.
func (c *Core) depositAssets(caller ledger.Address, cmd *command.DepositAssets) (Result, error) {
	if !c.roles.IsRelayer(caller) {
		return Result{}, errorsmod.Wrapf(state.ErrUnauthorized, "%s is not a relayer", caller)
	}
	if cmd.Holder.IsZero() || (cmd.Holder.IsSystem() && cmd.Holder != ledger.AccountStrategy) {
		return Result{}, errorsmod.Wrapf(ErrInvalidCommand, "holder %q", cmd.Holder)
	}
	asset := cmd.Asset
	if asset == "" {
		asset = c.cfg.Pool.Asset
	}
	if _, ok := c.registry.GetAssetParams(asset); !ok {
		return Result{}, errorsmod.Wrap(state.ErrUnknownAsset, asset)
	}
	if cmd.Amount.IsNil() || !cmd.Amount.IsPositive() {
		return Result{}, errorsmod.Wrap(ErrInvalidCommand, "amount must be positive")
	}
	if err := c.book.Transfer(asset, ledger.AccountExternal, cmd.Holder, cmd.Amount, ledger.JournalTypeDeposit); err != nil {
		return Result{}, err
	}
	c.events.Emit(&event.AssetsDeposited{Holder: cmd.Holder, Asset: asset, Amount: cmd.Amount})
	return Result{Amount: cmd.Amount}, nil
}

func (c *Core) grantRole(caller ledger.Address, cmd *command.GrantRole) error {
	role, err := c.checkRoleChange(caller, cmd.Role, cmd.Address)
	if err != nil {
		return err
	}
	c.roles.Grant(role, cmd.Address)
	c.events.Emit(&event.RoleGranted{Role: role.String(), Address: cmd.Address})
	return nil
}

func (c *Core) revokeRole(caller ledger.Address, cmd *command.RevokeRole) error {
	role, err := c.checkRoleChange(caller, cmd.Role, cmd.Address)
	if err != nil {
		return err
	}
	if role == state.RoleAdmin && c.roles.IsAdmin(cmd.Address) && len(c.roles.Members(state.RoleAdmin)) == 1 {
		return ErrLastAdmin
	}
	c.roles.Revoke(role, cmd.Address)
	c.events.Emit(&event.RoleRevoked{Role: role.String(), Address: cmd.Address})
	return nil
}

func (c *Core) checkRoleChange(caller ledger.Address, roleName string, addr ledger.Address) (state.Role, error) {
	if !c.roles.IsAdmin(caller) {
		return 0, errorsmod.Wrapf(state.ErrUnauthorized, "%s is not an admin", caller)
	}
	role, ok := state.ParseRole(roleName)
	if !ok {
		return 0, errorsmod.Wrapf(ErrInvalidCommand, "unknown role %q", roleName)
	}
	if addr.IsZero() || addr.IsSystem() {
		return 0, errorsmod.Wrapf(ErrInvalidCommand, "address %q", addr)
	}
	return role, nil
}
