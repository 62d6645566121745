// Package auth supplies the role registry consulted by every privileged
// operation. Callers are identified explicitly by address; there is no ambient
// caller state.
package auth

import (
	"errors"
	"strings"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// ErrUnauthorized indicates the caller lacks the role required by an operation.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Role names a capability grant.
type Role string

const (
	// RoleGovernor may mutate basket components and AMM parameters.
	RoleGovernor Role = "governor"
	// RoleOracleManager may configure price feeds and the staleness default.
	RoleOracleManager Role = "oracle-manager"
	// RolePauser may pause and unpause trading.
	RolePauser Role = "pauser"
)

// Registry answers role membership queries.
type Registry interface {
	HasRole(role Role, account ethcommon.Address) bool
}

// Require returns ErrUnauthorized unless the account holds the role. A nil
// registry denies everything.
func Require(reg Registry, role Role, account ethcommon.Address) error {
	if reg == nil || !reg.HasRole(role, account) {
		return ErrUnauthorized
	}
	return nil
}

// StaticRegistry is an immutable-by-convention role table, typically loaded
// from service configuration at startup.
type StaticRegistry struct {
	mu     sync.RWMutex
	grants map[Role]map[ethcommon.Address]struct{}
}

// NewStaticRegistry constructs an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{grants: make(map[Role]map[ethcommon.Address]struct{})}
}

// Grant adds the account to the role. Unknown role names are accepted so
// deployments can carry extra grants without code changes.
func (r *StaticRegistry) Grant(role Role, account ethcommon.Address) {
	if r == nil {
		return
	}
	key := Role(strings.ToLower(strings.TrimSpace(string(role))))
	if key == "" || account == (ethcommon.Address{}) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.grants[key]
	if !ok {
		members = make(map[ethcommon.Address]struct{})
		r.grants[key] = members
	}
	members[account] = struct{}{}
}

// HasRole implements Registry.
func (r *StaticRegistry) HasRole(role Role, account ethcommon.Address) bool {
	if r == nil {
		return false
	}
	key := Role(strings.ToLower(strings.TrimSpace(string(role))))
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.grants[key]
	if !ok {
		return false
	}
	_, ok = members[account]
	return ok
}
