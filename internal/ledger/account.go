package ledger

import (
	"fmt"
	"strings"
)

// Address identifies a holder in the token ledger: a user, an escrow account
// or one of the system accounts below.
type Address string

// ZeroAddress is the unset address.
const ZeroAddress Address = ""

const (
	// AccountExternal is the boundary account assets enter and leave through.
	// It is allowed to go negative.
	AccountExternal Address = "external:boundary"

	// AccountShareIssuer is the counter-account of every share mint and burn.
	// Its negated balance is the share supply.
	AccountShareIssuer Address = "system:share_issuer"

	// AccountPoolCustody holds staked assets, returned yield and accrued fees.
	AccountPoolCustody Address = "system:pool_custody"

	// AccountShareLock holds shares locked by unstake requests and shares
	// minted for stake requests until they are claimed.
	AccountShareLock Address = "system:share_lock"

	// AccountStrategy holds assets reported back by external strategies
	// pending settlement allocation.
	AccountStrategy Address = "system:strategy"
)

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return strings.TrimSpace(string(a)) == ""
}

func (a Address) String() string {
	return string(a)
}

// IsSystem reports whether the address is one of the built-in system accounts.
func (a Address) IsSystem() bool {
	return strings.HasPrefix(string(a), "system:") || strings.HasPrefix(string(a), "external:")
}

// overdraftAllowed lists the accounts that act as issuers and may hold a
// negative balance.
func overdraftAllowed(a Address) bool {
	return a == AccountExternal || a == AccountShareIssuer
}

// AccountKey is the in-memory key for balance tracking.
type AccountKey struct {
	Holder Address
	Asset  string
}

func NewAccountKey(holder Address, asset string) AccountKey {
	return AccountKey{Holder: holder, Asset: asset}
}

// AccountPath returns the string representation for storage/logging:
// "<holder>/<asset>".
func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("%s/%s", k.Holder, k.Asset)
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}
	return AccountKey{Holder: Address(path[:i]), Asset: path[i+1:]}, nil
}
