package perimeter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/keyring"
)

type countingFetcher struct {
	calls atomic.Int32
	gate  chan struct{}
	key   keyring.PublicKey
	err   error
}

func (f *countingFetcher) PublicKey(context.Context, identity.Identity) (keyring.PublicKey, error) {
	f.calls.Add(1)

	if f.gate != nil {
		<-f.gate
	}

	return f.key, f.err
}

func TestKeyDirectory_CachesUntilExpiry(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{key: keyring.PublicKey{KeyID: 1}}
	dir := NewKeyDirectory(fetcher, time.Minute)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dir.nowFunc = func() time.Time { return now }

	for range 3 {
		key, err := dir.Get(context.Background(), bob)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), key.KeyID)
	}

	assert.Equal(t, int32(1), fetcher.calls.Load())

	now = now.Add(2 * time.Minute)

	_, err := dir.Get(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestKeyDirectory_Invalidate(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{key: keyring.PublicKey{KeyID: 1}}
	dir := NewKeyDirectory(fetcher, 0)

	_, err := dir.Get(context.Background(), bob)
	require.NoError(t, err)

	fetcher.key = keyring.PublicKey{KeyID: 2}
	dir.Invalidate(bob)

	key, err := dir.Get(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), key.KeyID)
}

func TestKeyDirectory_SharesConcurrentFetches(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{key: keyring.PublicKey{KeyID: 9}, gate: make(chan struct{})}
	dir := NewKeyDirectory(fetcher, time.Minute)

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			key, err := dir.Get(context.Background(), alice)
			assert.NoError(t, err)
			assert.Equal(t, uint32(9), key.KeyID)
		}()
	}

	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(fetcher.gate)
	wg.Wait()

	assert.LessOrEqual(t, fetcher.calls.Load(), int32(2))
}

func TestKeyDirectory_ErrorsAreNotCached(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{err: errors.New("dns")}
	dir := NewKeyDirectory(fetcher, time.Minute)

	_, err := dir.Get(context.Background(), bob)
	require.Error(t, err)

	fetcher.err = nil
	fetcher.key = keyring.PublicKey{KeyID: 3}

	key, err := dir.Get(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), key.KeyID)
}
