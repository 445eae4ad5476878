package sandbox

import (
	"BackstopBootstrapper/internal/state"
	"context"
	"sync"
)

// Authorizer stands in for signature checks. Every address authorizes
// unless it has been denied, and each successful check is recorded.
type Authorizer struct {
	mu       sync.Mutex
	denied   map[state.Address]bool
	recorded []state.Address
}

func NewAuthorizer() *Authorizer {
	return &Authorizer{denied: make(map[state.Address]bool)}
}

// RequireAuth fails with Unauthorized for a denied address.
func (a *Authorizer) RequireAuth(_ context.Context, addr state.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.denied[addr] {
		return state.Errorf(state.CodeUnauthorized, "%s did not authorize", addr)
	}
	a.recorded = append(a.recorded, addr)
	return nil
}

// Deny makes every later RequireAuth for addr fail.
func (a *Authorizer) Deny(addr state.Address) {
	a.mu.Lock()
	a.denied[addr] = true
	a.mu.Unlock()
}

func (a *Authorizer) Allow(addr state.Address) {
	a.mu.Lock()
	delete(a.denied, addr)
	a.mu.Unlock()
}

// Recorded returns and clears the addresses that authorized since the last
// call.
func (a *Authorizer) Recorded() []state.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.recorded
	a.recorded = nil
	return out
}
