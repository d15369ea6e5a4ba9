package state

import (
	"BatchVault/internal/ledger"
)

// Role is a capability held by an address.
type Role int32

const (
	RoleRelayer Role = iota + 1
	RoleSettlementAuthority
	RoleSettler
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleRelayer:
		return "relayer"
	case RoleSettlementAuthority:
		return "settlement_authority"
	case RoleSettler:
		return "settler"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) (Role, bool) {
	for _, r := range []Role{RoleRelayer, RoleSettlementAuthority, RoleSettler, RoleAdmin} {
		if r.String() == s {
			return r, true
		}
	}
	return 0, false
}

// Permissions is the capability check queried by every mutating operation.
type Permissions interface {
	IsRelayer(caller ledger.Address) bool
	IsSettlementAuthority(caller ledger.Address) bool
	IsSettler(caller ledger.Address) bool
	IsAdmin(caller ledger.Address) bool
	IsPaused() bool
}

// RoleRegistry is the in-memory Permissions implementation. Not
// thread-safe; owned by the core.
type RoleRegistry struct {
	grants map[Role]map[ledger.Address]bool
	paused bool
}

func NewRoleRegistry() *RoleRegistry {
	return &RoleRegistry{grants: make(map[Role]map[ledger.Address]bool)}
}

// Grant gives role to addr.
func (r *RoleRegistry) Grant(role Role, addr ledger.Address) {
	if addr.IsZero() {
		return
	}
	m, ok := r.grants[role]
	if !ok {
		m = make(map[ledger.Address]bool)
		r.grants[role] = m
	}
	m[addr] = true
}

// Revoke removes role from addr.
func (r *RoleRegistry) Revoke(role Role, addr ledger.Address) {
	delete(r.grants[role], addr)
}

// Has reports whether addr holds role.
func (r *RoleRegistry) Has(role Role, addr ledger.Address) bool {
	return r.grants[role][addr]
}

// SetPaused toggles the pause switch.
func (r *RoleRegistry) SetPaused(paused bool) {
	r.paused = paused
}

func (r *RoleRegistry) IsRelayer(caller ledger.Address) bool {
	return r.Has(RoleRelayer, caller)
}

func (r *RoleRegistry) IsSettlementAuthority(caller ledger.Address) bool {
	return r.Has(RoleSettlementAuthority, caller)
}

func (r *RoleRegistry) IsSettler(caller ledger.Address) bool {
	return r.Has(RoleSettler, caller)
}

func (r *RoleRegistry) IsAdmin(caller ledger.Address) bool {
	return r.Has(RoleAdmin, caller)
}

func (r *RoleRegistry) IsPaused() bool {
	return r.paused
}

// Members returns the addresses holding role, unordered.
func (r *RoleRegistry) Members(role Role) []ledger.Address {
	out := make([]ledger.Address, 0, len(r.grants[role]))
	for a := range r.grants[role] {
		out = append(out, a)
	}
	return out
}
