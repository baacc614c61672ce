package perimeter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/keyring"
)

// DefaultKeyTTL is how long a fetched peer key is trusted before refetching.
const DefaultKeyTTL = 15 * time.Minute

// KeyFetcher fetches a peer's current public key.
type KeyFetcher interface {
	PublicKey(ctx context.Context, peer identity.Identity) (keyring.PublicKey, error)
}

type cachedKey struct {
	key     keyring.PublicKey
	expires time.Time
}

// KeyDirectory caches peers' public keys. Concurrent misses for the same
// peer share one fetch. A sender that learns the cached key is stale (the
// peer answered unknownRecipientKey) calls Invalidate.
type KeyDirectory struct {
	fetcher KeyFetcher
	ttl     time.Duration
	nowFunc func() time.Time

	group singleflight.Group

	mu   sync.Mutex
	keys map[identity.Identity]cachedKey
}

// NewKeyDirectory creates a KeyDirectory. A non-positive ttl uses
// DefaultKeyTTL.
func NewKeyDirectory(fetcher KeyFetcher, ttl time.Duration) *KeyDirectory {
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}

	return &KeyDirectory{
		fetcher: fetcher,
		ttl:     ttl,
		nowFunc: time.Now,
		keys:    make(map[identity.Identity]cachedKey),
	}
}

// Get returns peer's key, fetching it when absent or expired.
func (d *KeyDirectory) Get(ctx context.Context, peer identity.Identity) (keyring.PublicKey, error) {
	d.mu.Lock()
	c, ok := d.keys[peer]
	d.mu.Unlock()

	if ok && d.nowFunc().Before(c.expires) {
		return c.key, nil
	}

	v, err, _ := d.group.Do(peer.String(), func() (any, error) {
		key, err := d.fetcher.PublicKey(ctx, peer)
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.keys[peer] = cachedKey{key: key, expires: d.nowFunc().Add(d.ttl)}
		d.mu.Unlock()

		return key, nil
	})
	if err != nil {
		return keyring.PublicKey{}, err
	}

	return v.(keyring.PublicKey), nil
}

// Invalidate forgets peer's cached key.
func (d *KeyDirectory) Invalidate(peer identity.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.keys, peer)
}
