package escrow_test

import (
	"errors"
	"testing"

	sdkmath "cosmossdk.io/math"

	"BatchVault/internal/escrow"
	"BatchVault/internal/event"
	"BatchVault/internal/ledger"
)

const (
	asset      = "USDC"
	controller = ledger.Address("authority")
	alice      = ledger.Address("alice")
)

func newFunded(t *testing.T, batchID uint64, balance int64) (*escrow.Account, *ledger.BalanceTracker, *event.Log) {
	t.Helper()
	book := ledger.NewBalanceTracker()
	log := event.NewLog(0)
	acct := escrow.New(escrow.AddressFor(batchID), book, log)
	if err := acct.Initialize(controller, batchID, asset); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if balance > 0 {
		if err := book.Transfer(asset, ledger.AccountExternal, acct.Address(), sdkmath.NewInt(balance), ledger.JournalTypeEscrowFund); err != nil {
			t.Fatalf("fund: %v", err)
		}
	}
	return acct, book, log
}

func TestAddressFor_DeterministicPerBatch(t *testing.T) {
	if escrow.AddressFor(1) != escrow.AddressFor(1) {
		t.Error("same batch should map to same address")
	}
	if escrow.AddressFor(1) == escrow.AddressFor(2) {
		t.Error("different batches should map to different addresses")
	}
}

func TestInitialize_OneShot(t *testing.T) {
	acct := escrow.New(escrow.AddressFor(1), ledger.NewBalanceTracker(), nil)

	if err := acct.Initialize(ledger.ZeroAddress, 1, asset); !errors.Is(err, escrow.ErrZeroAddress) {
		t.Errorf("zero controller: got %v", err)
	}
	if err := acct.Initialize(controller, 1, ""); !errors.Is(err, escrow.ErrZeroAddress) {
		t.Errorf("zero asset: got %v", err)
	}
	if err := acct.Initialize(controller, 1, asset); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := acct.Initialize(alice, 2, asset); !errors.Is(err, escrow.ErrAlreadyInitialized) {
		t.Errorf("second initialize: got %v", err)
	}
	if acct.Controller() != controller || acct.BatchID() != 1 {
		t.Error("binding must not change after a rejected initialize")
	}
}

func TestPullAssets_Guards(t *testing.T) {
	acct, _, _ := newFunded(t, 4, 100)

	tests := []struct {
		name      string
		caller    ledger.Address
		recipient ledger.Address
		amount    int64
		batchID   uint64
		want      error
	}{
		{"not controller", alice, alice, 10, 4, escrow.ErrOnlyController},
		{"wrong batch", controller, alice, 10, 5, escrow.ErrInvalidBatchID},
		{"zero amount", controller, alice, 0, 4, escrow.ErrZeroAmount},
		{"zero recipient", controller, ledger.ZeroAddress, 10, 4, escrow.ErrZeroAddress},
		{"insufficient balance", controller, alice, 101, 4, escrow.ErrTransferFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := acct.PullAssets(tt.caller, tt.recipient, sdkmath.NewInt(tt.amount), tt.batchID)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if !acct.Balance().Equal(sdkmath.NewInt(100)) {
		t.Errorf("rejected pulls moved funds: balance %s", acct.Balance())
	}
}

func TestPullAssets_PartialUntilExhausted(t *testing.T) {
	acct, book, log := newFunded(t, 4, 100)

	for i := 0; i < 4; i++ {
		if err := acct.PullAssets(controller, alice, sdkmath.NewInt(25), 4); err != nil {
			t.Fatalf("pull %d: %v", i, err)
		}
	}
	if !acct.Balance().IsZero() {
		t.Errorf("escrow balance: got %s, want 0", acct.Balance())
	}
	if got := book.BalanceOf(asset, alice); !got.Equal(sdkmath.NewInt(100)) {
		t.Errorf("recipient balance: got %s, want 100", got)
	}
	if err := acct.PullAssets(controller, alice, sdkmath.NewInt(1), 4); !errors.Is(err, escrow.ErrTransferFailed) {
		t.Errorf("pull from empty escrow: got %v", err)
	}
	if got := len(log.ByType(event.EventTypeEscrowAssetsPulled)); got != 4 {
		t.Errorf("pull events: got %d, want 4", got)
	}
}

func TestPullAssets_Uninitialized(t *testing.T) {
	acct := escrow.New(escrow.AddressFor(9), ledger.NewBalanceTracker(), nil)
	err := acct.PullAssets(controller, alice, sdkmath.NewInt(1), 9)
	if !errors.Is(err, escrow.ErrNotInitialized) {
		t.Errorf("got %v, want ErrNotInitialized", err)
	}
}

func TestRescueAssets(t *testing.T) {
	acct, book, log := newFunded(t, 2, 40)

	if _, err := acct.RescueAssets(alice, asset); !errors.Is(err, escrow.ErrOnlyController) {
		t.Errorf("non-controller rescue: got %v", err)
	}

	swept, err := acct.RescueAssets(controller, asset)
	if err != nil {
		t.Fatalf("rescue: %v", err)
	}
	if !swept.Equal(sdkmath.NewInt(40)) {
		t.Errorf("swept %s, want 40", swept)
	}
	if got := book.BalanceOf(asset, controller); !got.Equal(sdkmath.NewInt(40)) {
		t.Errorf("controller balance: got %s", got)
	}

	swept, err = acct.RescueAssets(controller, asset)
	if err != nil || !swept.IsZero() {
		t.Errorf("empty rescue: got %s, %v", swept, err)
	}
	if got := len(log.ByType(event.EventTypeEscrowAssetsRescued)); got != 1 {
		t.Errorf("rescue events: got %d, want 1", got)
	}
}

func TestRescueExcess_KeepsReserve(t *testing.T) {
	acct, book, log := newFunded(t, 3, 40)

	if _, err := acct.RescueExcess(alice, sdkmath.NewInt(25)); !errors.Is(err, escrow.ErrOnlyController) {
		t.Errorf("non-controller rescue: got %v", err)
	}

	swept, err := acct.RescueExcess(controller, sdkmath.NewInt(25))
	if err != nil {
		t.Fatalf("rescue: %v", err)
	}
	if !swept.Equal(sdkmath.NewInt(15)) {
		t.Errorf("swept %s, want 15", swept)
	}
	if got := acct.Balance(); !got.Equal(sdkmath.NewInt(25)) {
		t.Errorf("reserve left: got %s, want 25", got)
	}
	if got := book.BalanceOf(asset, controller); !got.Equal(sdkmath.NewInt(15)) {
		t.Errorf("controller balance: got %s", got)
	}

	// Reserve at or above the balance sweeps nothing.
	for _, reserved := range []int64{25, 60} {
		swept, err := acct.RescueExcess(controller, sdkmath.NewInt(reserved))
		if err != nil || !swept.IsZero() {
			t.Errorf("reserve %d: got %s, %v", reserved, swept, err)
		}
	}
	if got := len(log.ByType(event.EventTypeEscrowAssetsRescued)); got != 1 {
		t.Errorf("rescue events: got %d, want 1", got)
	}

	// A pull of the reserve still goes through.
	if err := acct.PullAssets(controller, alice, sdkmath.NewInt(25), 3); err != nil {
		t.Fatalf("pull reserve: %v", err)
	}
}
