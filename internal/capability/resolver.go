package capability

import (
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/complyflow/model"
)

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver caches evaluator results per subject, tenant and role set.
type Resolver struct {
	evaluator Evaluator
	ttl       time.Duration
	mu        sync.RWMutex
	cache     map[string]cacheEntry
}

// NewResolver creates a Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator Evaluator, ttl time.Duration) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		cache:     make(map[string]cacheEntry),
	}
}

func cacheKey(rctx *model.RequestContext) string {
	return rctx.SubjectID + ":" + rctx.TenantID + ":" + strings.Join(rctx.Roles, ",")
}

// Resolve returns the capability set for the given context.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expires) {
		r.mu.RUnlock()
		return entry.caps, nil
	}
	r.mu.RUnlock()

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{caps: caps, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return caps, nil
}

// Invalidate clears cached capabilities for the given subject and tenant.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	prefix := subjectID + ":" + tenantID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}
