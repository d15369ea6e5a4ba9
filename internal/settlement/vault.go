package settlement

import (
	"strings"
)

// VaultType selects the loss policy applied to a settlement.
type VaultType string

const (
	// VaultKMinter pools guarantee 1:1 redemption and never accept a loss.
	VaultKMinter VaultType = "KMINTER"
	// VaultKDNStaking is a delta-neutral staking pool; losses are passed on.
	VaultKDNStaking VaultType = "KDNSTAKING"
	// VaultKSStaking is a strategy staking pool; losses are passed on.
	VaultKSStaking VaultType = "KSSTAKING"
)

// ParseVaultType accepts the canonical names case-insensitively.
func ParseVaultType(s string) (VaultType, bool) {
	switch VaultType(strings.ToUpper(strings.TrimSpace(s))) {
	case VaultKMinter:
		return VaultKMinter, true
	case VaultKDNStaking:
		return VaultKDNStaking, true
	case VaultKSStaking:
		return VaultKSStaking, true
	default:
		return "", false
	}
}

// AllowsLoss reports whether strategy assets may settle below the deployed
// amount, down to and including zero.
func (v VaultType) AllowsLoss() bool {
	return v == VaultKDNStaking || v == VaultKSStaking
}

func (v VaultType) String() string {
	return string(v)
}
