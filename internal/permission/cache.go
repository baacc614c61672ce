package permission

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/identity"
)

type requestCacheKey struct{}

type cacheEntryKey struct {
	identity identity.Identity
	tokenID  uuid.UUID
}

// requestCache memoizes effective permission sets for one request. A nil
// *requestCache is valid and caches nothing.
type requestCache struct {
	mu      sync.Mutex
	entries map[cacheEntryKey]*EffectivePermissions
}

// WithRequestCache returns a context whose permission evaluations are
// memoized until the context is discarded. Attach it per inbound request,
// never to a long-lived context, or revocations would go unnoticed.
func WithRequestCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, requestCacheKey{}, &requestCache{
		entries: make(map[cacheEntryKey]*EffectivePermissions),
	})
}

func requestCacheFrom(ctx context.Context) *requestCache {
	c, _ := ctx.Value(requestCacheKey{}).(*requestCache)
	return c
}

func entryKey(caller CallerContext) cacheEntryKey {
	k := cacheEntryKey{identity: caller.Identity}
	if caller.Token != nil {
		k.tokenID = caller.Token.ID
	}

	return k
}

func (c *requestCache) get(caller CallerContext) (*EffectivePermissions, bool) {
	if c == nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	eff, ok := c.entries[entryKey(caller)]

	return eff, ok
}

func (c *requestCache) put(caller CallerContext, eff *EffectivePermissions) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[entryKey(caller)] = eff
}
