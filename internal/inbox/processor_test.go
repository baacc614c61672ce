package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/events"
)

func TestProcessInbox_PriorityThenArrival(t *testing.T) {
	t.Parallel()

	applier := newScriptedApplier()
	f := newProcessorFixture(t, applier, Config{})

	low1 := f.enqueue(t, f.deleteItem(5))
	high1 := f.enqueue(t, f.deleteItem(1))
	low2 := f.enqueue(t, f.deleteItem(5))
	high2 := f.enqueue(t, f.deleteItem(1))

	res, err := f.proc.ProcessInbox(context.Background(), f.drive.Target, 10)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Applied)
	assert.Equal(t, 0, res.TotalItems)
	assert.Equal(t, []uuid.UUID{
		high1.GlobalTransitID, high2.GlobalTransitID, low1.GlobalTransitID, low2.GlobalTransitID,
	}, applier.order())
	assert.Len(t, f.log.ofKind(events.InboxItemReceived), 4)
	assert.Len(t, f.log.ofKind(events.InboxItemApplied), 4)
}

func TestProcessInbox_BatchSizeBoundsWork(t *testing.T) {
	t.Parallel()

	applier := newScriptedApplier()
	f := newProcessorFixture(t, applier, Config{})

	first := f.enqueue(t, f.deleteItem(1))
	f.enqueue(t, f.deleteItem(1))
	f.enqueue(t, f.deleteItem(1))

	res, err := f.proc.ProcessInbox(context.Background(), f.drive.Target, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 2, res.TotalItems)
	assert.Equal(t, 0, res.PoppedCount)
	assert.Equal(t, []uuid.UUID{first.GlobalTransitID}, applier.order())
	assert.False(t, res.OldestItemTimestamp.IsZero())
}

func TestProcessInbox_ZeroBatchUsesConfiguredSize(t *testing.T) {
	t.Parallel()

	applier := newScriptedApplier()
	f := newProcessorFixture(t, applier, Config{BatchSize: 2})

	for range 3 {
		f.enqueue(t, f.deleteItem(1))
	}

	res, err := f.proc.ProcessInbox(context.Background(), f.drive.Target, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, res.TotalItems)
}

func TestProcessInbox_FailureKeepsOrder(t *testing.T) {
	t.Parallel()

	applier := newScriptedApplier()
	f := newProcessorFixture(t, applier, Config{})
	ctx := context.Background()

	head := f.enqueue(t, f.deleteItem(1))
	next := f.enqueue(t, f.deleteItem(1))
	applier.fail[head.GlobalTransitID] = 1

	res, err := f.proc.ProcessInbox(ctx, f.drive.Target, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, 2, res.TotalItems)
	assert.Empty(t, applier.order(), "nothing may overtake a failed head")

	got, err := f.table.Get(ctx, head.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailureCount)
	assert.Equal(t, "disk on fire", got.LastError)
	assert.Equal(t, uuid.Nil, got.PopStamp)

	res, err = f.proc.ProcessInbox(ctx, f.drive.Target, 10)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, []uuid.UUID{head.GlobalTransitID, next.GlobalTransitID}, applier.order())
}

func TestProcessInbox_ParksAtThreshold(t *testing.T) {
	t.Parallel()

	applier := newScriptedApplier()
	f := newProcessorFixture(t, applier, Config{FailureThreshold: 2})
	ctx := context.Background()

	bad := f.enqueue(t, f.deleteItem(1))
	good := f.enqueue(t, f.deleteItem(1))
	applier.fail[bad.GlobalTransitID] = -1

	res, err := f.proc.ProcessInbox(ctx, f.drive.Target, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Parked)

	res, err = f.proc.ProcessInbox(ctx, f.drive.Target, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Parked)
	assert.Equal(t, 1, res.Applied, "a parked item stops blocking its drive")
	assert.Equal(t, 0, res.TotalItems)
	assert.Equal(t, 1, res.ParkedCount)
	assert.Equal(t, []uuid.UUID{good.GlobalTransitID}, applier.order())

	parkedEvents := f.log.ofKind(events.InboxItemParked)
	require.Len(t, parkedEvents, 1)
	assert.Equal(t, alice, parkedEvents[0].Peer)
	assert.Equal(t, 2, parkedEvents[0].Attempts)
	assert.Equal(t, "disk on fire", parkedEvents[0].Message)

	parked, err := f.proc.Parked(ctx, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, bad.ID, parked[0].ID)

	// Operator fixes the cause and unparks.
	delete(applier.fail, bad.GlobalTransitID)
	require.NoError(t, f.proc.Unpark(ctx, bad.ID))

	res, err = f.proc.ProcessInbox(ctx, f.drive.Target, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 0, res.ParkedCount)

	require.ErrorIs(t, f.proc.Unpark(ctx, bad.ID), ErrNotFound)
}

func TestProcessInbox_AppliedLedgerSkipsDuplicates(t *testing.T) {
	t.Parallel()

	applier := newScriptedApplier()
	f := newProcessorFixture(t, applier, Config{})
	ctx := context.Background()

	first := f.deleteItem(1)
	first.VersionTag = "v1"
	f.enqueue(t, first)

	// Same file and version, redelivered under a new marker.
	dup := *first
	dup.Marker = uuid.New()
	f.enqueue(t, &dup)

	// A newer version of the same file is applied again.
	newer := *first
	newer.Marker = uuid.New()
	newer.VersionTag = "v2"
	f.enqueue(t, &newer)

	res, err := f.proc.ProcessInbox(ctx, f.drive.Target, 10)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []uuid.UUID{first.GlobalTransitID, first.GlobalTransitID}, applier.order())
}

func TestEnqueue_DuplicateMarkerIsIgnored(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, newScriptedApplier(), Config{})
	ctx := context.Background()

	it := f.enqueue(t, f.deleteItem(1))

	again := *it
	again.ID = 0
	id, err := f.proc.Enqueue(ctx, &again)
	require.NoError(t, err)

	assert.Equal(t, it.ID, id)
	assert.Len(t, f.log.ofKind(events.InboxItemReceived), 1)

	st, err := f.proc.Status(ctx, f.drive.Target)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalItems)
}

func TestPopNext_LiveHeadBlocksDrive(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, newScriptedApplier(), Config{})
	ctx := context.Background()

	head := f.enqueue(t, f.deleteItem(1))
	f.enqueue(t, f.deleteItem(1))

	now := f.clock

	popped, err := f.table.PopNext(ctx, f.drive.ID, now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, head.ID, popped.ID)

	blocked, err := f.table.PopNext(ctx, f.drive.ID, now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, blocked, "the second item must not overtake a popped head")

	st, err := f.table.Status(ctx, f.drive.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 1, st.PoppedCount)

	// The stamp expires; a recovering processor pops the same head again.
	repopped, err := f.table.PopNext(ctx, f.drive.ID, now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, repopped)
	assert.Equal(t, head.ID, repopped.ID)
	assert.NotEqual(t, popped.PopStamp, repopped.PopStamp)

	require.ErrorIs(t, f.table.Complete(ctx, popped, now), ErrPopLost)
	require.NoError(t, f.table.Complete(ctx, repopped, now))
}

func TestRecoverExpired(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, newScriptedApplier(), Config{PopTimeout: time.Minute})
	ctx := context.Background()

	f.enqueue(t, f.deleteItem(1))

	_, err := f.table.PopNext(ctx, f.drive.ID, f.clock, time.Minute)
	require.NoError(t, err)

	n, err := f.proc.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock = f.clock.Add(2 * time.Minute)

	n, err = f.proc.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := f.proc.Status(ctx, f.drive.Target)
	require.NoError(t, err)
	assert.Equal(t, 0, st.PoppedCount)
}

func TestProcessInbox_CancellationReleasesItem(t *testing.T) {
	t.Parallel()

	applier := newScriptedApplier()
	applier.block = make(chan struct{})
	f := newProcessorFixture(t, applier, Config{})

	it := f.enqueue(t, f.deleteItem(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		_, err := f.proc.ProcessInbox(ctx, f.drive.Target, 1)
		done <- err
	}()

	require.Eventually(t, func() bool {
		st, err := f.table.Status(context.Background(), f.drive.ID, f.clock)
		return err == nil && st.PoppedCount == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	got, err := f.table.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, got.PopStamp)
	assert.Equal(t, 0, got.FailureCount)
}

func TestProcessInbox_UnknownDrive(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, newScriptedApplier(), Config{})

	_, err := f.proc.ProcessInbox(context.Background(), drive.TargetDrive{Alias: uuid.New(), Type: uuid.New()}, 1)
	require.ErrorIs(t, err, ErrUnknownDrive)
}

func TestProcessAll(t *testing.T) {
	t.Parallel()

	applier := newScriptedApplier()
	f := newProcessorFixture(t, applier, Config{})

	f.enqueue(t, f.deleteItem(1))

	// A second sender's item for the same drive.
	other := f.deleteItem(2)
	other.Sender = frank
	f.enqueue(t, other)

	results, err := f.proc.ProcessAll(context.Background())
	require.NoError(t, err)

	require.Contains(t, results, f.drive.ID)
	assert.Equal(t, 2, results[f.drive.ID].Applied)
}

func TestDiscard(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, newScriptedApplier(), Config{})
	ctx := context.Background()

	it := f.enqueue(t, f.deleteItem(1))

	require.NoError(t, f.proc.Discard(ctx, it.ID))
	require.ErrorIs(t, f.proc.Discard(ctx, it.ID), ErrNotFound)
}
