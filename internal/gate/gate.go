// Package gate guards submissions against duplicates. A claim atomically
// creates the idempotency key with a TTL; the key's value is immaterial,
// only its existence matters. A gate outage fails closed: on any store
// error the submission is rejected, never admitted unguarded.
package gate

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"spot-matching-core/internal/models"
)

// Gate claims idempotency keys. Claim returns true when the key was newly
// created, false when it already existed within its TTL.
type Gate interface {
	Claim(key string) (bool, error)
}

// MemoryGate is an in-process Gate on a TTL cache. Add is atomic under the
// cache's lock, which gives the compare-and-set the spec's claim needs.
type MemoryGate struct {
	ttl   time.Duration
	cache *gocache.Cache
}

// NewMemoryGate builds a gate whose keys expire after ttl.
func NewMemoryGate(ttl time.Duration) *MemoryGate {
	return &MemoryGate{
		ttl:   ttl,
		cache: gocache.New(ttl, 10*time.Minute),
	}
}

// Claim creates the key if absent and reports whether this call created it.
func (g *MemoryGate) Claim(key string) (bool, error) {
	if key == "" {
		return false, models.NewError(models.KindValidation, "idempotency key is required")
	}
	if err := g.cache.Add(key, struct{}{}, g.ttl); err != nil {
		return false, nil
	}
	return true, nil
}
