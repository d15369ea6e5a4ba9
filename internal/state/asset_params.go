package state

import (
	"fmt"

	errorsmod "cosmossdk.io/errors"
)

const codespace = "state"

var (
	ErrUnknownAsset       = errorsmod.Register(codespace, 2, "unknown asset")
	ErrInvalidAssetParams = errorsmod.Register(codespace, 3, "invalid asset params")
	ErrUnauthorized       = errorsmod.Register(codespace, 4, "unauthorized")
)

// AssetRegistry is the read-only asset registry/oracle view consumed by fee
// computation.
type AssetRegistry interface {
	HurdleRateFor(asset string) (uint32, error)
	AssetDecimals(asset string) (uint8, error)
}

// AssetParams are the registry entries for one underlying asset.
type AssetParams struct {
	Asset         string
	Decimals      uint8
	HurdleRateBps uint32 // annual hurdle, basis points
}

var (
	// DefaultAssetParams seeds the registry.
	DefaultAssetParams = map[string]*AssetParams{
		"USDC": {Asset: "USDC", Decimals: 6, HurdleRateBps: 500},
		"USDT": {Asset: "USDT", Decimals: 6, HurdleRateBps: 500},
		"WBTC": {Asset: "WBTC", Decimals: 8, HurdleRateBps: 200},
		"WETH": {Asset: "WETH", Decimals: 18, HurdleRateBps: 300},
	}
)

// AssetParamsManager is the in-memory AssetRegistry.
type AssetParamsManager struct {
	params map[string]*AssetParams
}

func NewAssetParamsManager() *AssetParamsManager {
	params := make(map[string]*AssetParams, len(DefaultAssetParams))
	for k, v := range DefaultAssetParams {
		p := *v
		params[k] = &p
	}
	return &AssetParamsManager{params: params}
}

func (m *AssetParamsManager) GetAssetParams(asset string) (*AssetParams, bool) {
	p, ok := m.params[asset]
	return p, ok
}

func (m *AssetParamsManager) HurdleRateFor(asset string) (uint32, error) {
	p, ok := m.params[asset]
	if !ok {
		return 0, errorsmod.Wrap(ErrUnknownAsset, asset)
	}
	return p.HurdleRateBps, nil
}

func (m *AssetParamsManager) AssetDecimals(asset string) (uint8, error) {
	p, ok := m.params[asset]
	if !ok {
		return 0, errorsmod.Wrap(ErrUnknownAsset, asset)
	}
	return p.Decimals, nil
}

// ValidateAssetParams checks hurdle <= 100% and decimals <= 36.
func ValidateAssetParams(p *AssetParams) error {
	if p.Asset == "" {
		return errorsmod.Wrap(ErrInvalidAssetParams, "asset is required")
	}
	if p.HurdleRateBps > 10_000 {
		return errorsmod.Wrapf(ErrInvalidAssetParams, "hurdle_rate_bps must be <= 10000, got %d", p.HurdleRateBps)
	}
	if p.Decimals > 36 {
		return errorsmod.Wrapf(ErrInvalidAssetParams, "decimals must be <= 36, got %d", p.Decimals)
	}
	return nil
}

func (m *AssetParamsManager) UpdateAssetParams(p *AssetParams) error {
	if err := ValidateAssetParams(p); err != nil {
		return fmt.Errorf("invalid asset params for %s: %w", p.Asset, err)
	}
	cp := *p
	m.params[p.Asset] = &cp
	return nil
}
