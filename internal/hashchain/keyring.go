package hashchain

import (
	"fmt"
	"sync"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
)

// KeyRing is the injected, keyed registry HashChain signs and verifies
// against. Adding a key marks the prior active key inactive but retained;
// losing an inactive kid that some event still references is data loss, so
// Remove is intentionally not exposed; keys are only ever added.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]*domain.AuditKey
	active string
}

// NewKeyRing builds a ring from the keys loaded at startup (AUDIT_KEYS_JSON
// or the single-key AUDIT_SECRET fallback, see infra/config.go). Exactly one
// of the given keys must be marked active.
func NewKeyRing(keys []domain.AuditKey) (*KeyRing, error) {
	r := &KeyRing{keys: make(map[string]*domain.AuditKey, len(keys))}
	activeCount := 0
	for i := range keys {
		k := keys[i]
		r.keys[k.KID] = &k
		if k.Active {
			activeCount++
			r.active = k.KID
		}
	}
	if activeCount != 1 {
		return nil, fmt.Errorf("hashchain: keyring must have exactly one active key, got %d", activeCount)
	}
	return r, nil
}

// Active returns the currently active key.
func (r *KeyRing) Active() (*domain.AuditKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[r.active]
	if !ok {
		return nil, fmt.Errorf("hashchain: no active key")
	}
	return k, nil
}

// Get retrieves a key by kid, active or inactive, for verification.
func (r *KeyRing) Get(kid string) (*domain.AuditKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[kid]
	if !ok {
		return nil, fmt.Errorf("hashchain: unknown key id %q: refusing to treat as silent data loss", kid)
	}
	return k, nil
}

// Rotate adds a new active key and demotes the previous active key to
// inactive. The previous key is retained, never dropped, so historical
// events signed under it remain verifiable.
func (r *KeyRing) Rotate(newKey domain.AuditKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.keys[r.active]; ok {
		demoted := *prev
		demoted.Active = false
		r.keys[r.active] = &demoted
	}
	k := newKey
	k.Active = true
	r.keys[k.KID] = &k
	r.active = k.KID
}

// All returns every key in the ring, active and inactive, for persistence.
func (r *KeyRing) All() []domain.AuditKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AuditKey, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, *k)
	}
	return out
}
