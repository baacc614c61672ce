package events

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/store"
)

func TestBus_HandlersAndSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)

	var (
		mu  sync.Mutex
		got []Kind
	)

	bus.On(func(_ context.Context, e Event) {
		mu.Lock()
		got = append(got, e.Kind)
		mu.Unlock()
	})

	sub := bus.Subscribe(4)
	defer sub.Close()

	bus.Publish(context.Background(), Event{Kind: OutboxItemProcessed, VersionTag: "v1"})

	mu.Lock()
	assert.Equal(t, []Kind{OutboxItemProcessed}, got)
	mu.Unlock()

	select {
	case e := <-sub.C():
		assert.Equal(t, "v1", e.VersionTag)
		assert.False(t, e.OccurredAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("subscription did not receive event")
	}
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	sub := bus.Subscribe(1)

	for range 3 {
		bus.Publish(context.Background(), Event{Kind: InboxItemApplied})
	}

	assert.Equal(t, int64(2), bus.Dropped())

	sub.Close()
	sub.Close()

	_, open := <-sub.C()
	assert.True(t, open, "buffered event still readable")

	_, open = <-sub.C()
	assert.False(t, open)

	// Publishing after close neither panics nor counts drops.
	bus.Publish(context.Background(), Event{Kind: InboxItemApplied})
	assert.Equal(t, int64(2), bus.Dropped())
}

func TestJournal_RecordsJournaledKinds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "events.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	journal := NewJournal(db)
	bus := NewBus(nil)
	bus.On(journal.Handler(nil))

	peer := identity.MustNew("merry.example")
	fileID := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	bus.Publish(ctx, Event{Kind: InboxItemApplied, OccurredAt: base})
	bus.Publish(ctx, Event{Kind: OutboxDeliveryFailed, Peer: peer, FileID: fileID, Problem: "recipientNotAuthorized", OccurredAt: base.Add(time.Second)})
	bus.Publish(ctx, Event{Kind: InboxItemParked, OccurredAt: base.Add(2 * time.Second)})

	all, err := journal.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, InboxItemParked, all[0].Kind)
	assert.Equal(t, OutboxDeliveryFailed, all[1].Kind)
	assert.Equal(t, peer, all[1].Peer)
	assert.Equal(t, fileID, all[1].FileID)
	assert.NotZero(t, all[1].ID)

	failed, err := journal.List(ctx, Query{Kind: OutboxDeliveryFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "recipientNotAuthorized", failed[0].Problem)

	recent, err := journal.List(ctx, Query{Since: base.Add(2 * time.Second), Limit: 10})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, InboxItemParked, recent[0].Kind)
}
