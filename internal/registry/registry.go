package registry

import (
	"sync"

	"github.com/escrowpay/escrowd/internal/domain"
)

// Authorizer decides whether a caller may perform administrative
// operations. The capability check itself lives outside the engine.
type Authorizer interface {
	IsAdmin(caller domain.Account) bool
}

// StaticAuthorizer admits a fixed set of owner identities.
type StaticAuthorizer struct {
	admins map[string]struct{}
}

func NewStaticAuthorizer(owners ...string) *StaticAuthorizer {
	a := &StaticAuthorizer{admins: make(map[string]struct{}, len(owners))}
	for _, o := range owners {
		a.admins[o] = struct{}{}
	}
	return a
}

func (a *StaticAuthorizer) IsAdmin(caller domain.Account) bool {
	_, ok := a.admins[caller.Owner]
	return ok
}

// Registry maps asset identifiers to their transfer rail and precision.
// Read-mostly; a single RWMutex suffices.
type Registry struct {
	mu     sync.RWMutex
	auth   Authorizer
	assets map[string]domain.LedgerInfo
}

func New(auth Authorizer) *Registry {
	return &Registry{
		auth:   auth,
		assets: make(map[string]domain.LedgerInfo),
	}
}

// Register upserts the ledger entry for asset. It is idempotent and
// fails with ErrUnauthorized unless the caller holds admin rights.
func (r *Registry) Register(caller domain.Account, asset string, info domain.LedgerInfo) error {
	if !r.auth.IsAdmin(caller) {
		return domain.ErrUnauthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets[asset] = info
	return nil
}

// Lookup returns the ledger entry for asset, if registered.
func (r *Registry) Lookup(asset string) (domain.LedgerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.assets[asset]
	return info, ok
}
