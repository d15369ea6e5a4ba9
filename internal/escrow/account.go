package escrow

import (
	"fmt"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"BatchVault/internal/event"
	"BatchVault/internal/ledger"
)

const codespace = "escrow"

var (
	ErrOnlyController     = errorsmod.Register(codespace, 2, "caller is not the escrow controller")
	ErrInvalidBatchID     = errorsmod.Register(codespace, 3, "batch id does not match escrow")
	ErrZeroAmount         = errorsmod.Register(codespace, 4, "zero amount")
	ErrZeroAddress        = errorsmod.Register(codespace, 5, "zero address")
	ErrAlreadyInitialized = errorsmod.Register(codespace, 6, "escrow already initialized")
	ErrNotInitialized     = errorsmod.Register(codespace, 7, "escrow not initialized")
	ErrTransferFailed     = errorsmod.Register(codespace, 8, "escrow transfer failed")
)

// AssetMover moves assets between ledger holders.
type AssetMover interface {
	Transfer(asset string, from, to ledger.Address, amount sdkmath.Int, kind ledger.JournalType) error
	BalanceOf(asset string, holder ledger.Address) sdkmath.Int
}

// Emitter receives the events an escrow produces.
type Emitter interface {
	Emit(evt event.Event)
}

// Account is a per-batch holding account. Its controller and batch binding
// are fixed by a one-shot Initialize.
type Account struct {
	address     ledger.Address
	controller  ledger.Address
	batchID     uint64
	asset       string
	initialized bool

	mover   AssetMover
	emitter Emitter
}

// addressNamespace derives escrow addresses from batch ids.
var addressNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("batchvault:escrow:v1"))

// AddressFor returns the deterministic escrow address for a batch.
func AddressFor(batchID uint64) ledger.Address {
	id := uuid.NewSHA1(addressNamespace, []byte(fmt.Sprintf("batch:%d", batchID)))
	return ledger.Address("escrow:" + id.String())
}

// New creates an uninitialized escrow account at address.
func New(address ledger.Address, mover AssetMover, emitter Emitter) *Account {
	return &Account{address: address, mover: mover, emitter: emitter}
}

// Initialize binds the account to one controller, batch and asset. It can be
// called exactly once.
func (a *Account) Initialize(controller ledger.Address, batchID uint64, asset string) error {
	if a.initialized {
		return errorsmod.Wrapf(ErrAlreadyInitialized, "%s", a.address)
	}
	if controller.IsZero() {
		return errorsmod.Wrap(ErrZeroAddress, "controller")
	}
	if asset == "" {
		return errorsmod.Wrap(ErrZeroAddress, "asset")
	}

	a.controller = controller
	a.batchID = batchID
	a.asset = asset
	a.initialized = true
	return nil
}

func (a *Account) Address() ledger.Address    { return a.address }
func (a *Account) Controller() ledger.Address { return a.controller }
func (a *Account) BatchID() uint64            { return a.batchID }
func (a *Account) Asset() string              { return a.asset }
func (a *Account) Initialized() bool          { return a.initialized }

// Balance returns the account's holding of its bound asset.
func (a *Account) Balance() sdkmath.Int {
	if !a.initialized {
		return sdkmath.ZeroInt()
	}
	return a.mover.BalanceOf(a.asset, a.address)
}

// PullAssets transfers amount of the bound asset to recipient. Only the
// controller may pull, and only for the bound batch.
func (a *Account) PullAssets(caller, recipient ledger.Address, amount sdkmath.Int, batchID uint64) error {
	if !a.initialized {
		return errorsmod.Wrapf(ErrNotInitialized, "%s", a.address)
	}
	if caller != a.controller {
		return errorsmod.Wrapf(ErrOnlyController, "%s", caller)
	}
	if batchID != a.batchID {
		return errorsmod.Wrapf(ErrInvalidBatchID, "got %d, bound to %d", batchID, a.batchID)
	}
	if amount.IsNil() || amount.IsZero() {
		return ErrZeroAmount
	}
	if recipient.IsZero() {
		return errorsmod.Wrap(ErrZeroAddress, "recipient")
	}

	if err := a.mover.Transfer(a.asset, a.address, recipient, amount, ledger.JournalTypeEscrowPull); err != nil {
		return errorsmod.Wrap(ErrTransferFailed, err.Error())
	}

	a.emit(&event.EscrowAssetsPulled{
		BatchID:   a.batchID,
		Escrow:    a.address,
		Recipient: recipient,
		Asset:     a.asset,
		Amount:    amount,
	})
	return nil
}

// RescueAssets sweeps the account's whole balance of asset to the
// controller. A zero balance is a no-op.
func (a *Account) RescueAssets(caller ledger.Address, asset string) (sdkmath.Int, error) {
	return a.sweep(caller, asset, sdkmath.ZeroInt())
}

// RescueExcess sweeps the bound asset above reserved to the controller,
// leaving reserved in the account for pulls still to come.
func (a *Account) RescueExcess(caller ledger.Address, reserved sdkmath.Int) (sdkmath.Int, error) {
	if reserved.IsNil() || reserved.IsNegative() {
		reserved = sdkmath.ZeroInt()
	}
	return a.sweep(caller, a.asset, reserved)
}

func (a *Account) sweep(caller ledger.Address, asset string, reserved sdkmath.Int) (sdkmath.Int, error) {
	if !a.initialized {
		return sdkmath.ZeroInt(), errorsmod.Wrapf(ErrNotInitialized, "%s", a.address)
	}
	if caller != a.controller {
		return sdkmath.ZeroInt(), errorsmod.Wrapf(ErrOnlyController, "%s", caller)
	}
	if asset == "" {
		return sdkmath.ZeroInt(), errorsmod.Wrap(ErrZeroAddress, "asset")
	}

	amount := a.mover.BalanceOf(asset, a.address).Sub(reserved)
	if !amount.IsPositive() {
		return sdkmath.ZeroInt(), nil
	}
	if err := a.mover.Transfer(asset, a.address, a.controller, amount, ledger.JournalTypeEscrowRescue); err != nil {
		return sdkmath.ZeroInt(), errorsmod.Wrap(ErrTransferFailed, err.Error())
	}

	a.emit(&event.EscrowAssetsRescued{
		BatchID: a.batchID,
		Escrow:  a.address,
		Sink:    a.controller,
		Asset:   asset,
		Amount:  amount,
	})
	return amount, nil
}

func (a *Account) emit(evt event.Event) {
	if a.emitter != nil {
		a.emitter.Emit(evt)
	}
}
