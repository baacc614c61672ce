package outbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/events"
	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/permission"
	"github.com/peerhost/transitd/internal/store"
)

// grantTable is an AccessEvaluator backed by a mutable map.
type grantTable struct {
	mu     sync.Mutex
	grants map[identity.Identity]permission.DrivePermission
}

func (g *grantTable) set(id identity.Identity, p permission.DrivePermission) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.grants[id] = p
}

func (g *grantTable) EvaluateAccess(_ context.Context, caller permission.CallerContext, pd permission.PermissionedDrive) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.grants[caller.Identity].Has(pd.Permission), nil
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// eventLog records published events.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handle(_ context.Context, e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, e)
}

func (l *eventLog) ofKind(k events.Kind) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []events.Event

	for _, e := range l.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}

	return out
}

type fixture struct {
	outbox *Outbox
	table  *Table
	grants *grantTable
	clock  *fakeClock
	log    *eventLog
	bus    *events.Bus
	drive  drive.Drive
}

var (
	bob   = identity.MustNew("bob.example")
	carol = identity.MustNew("carol.example")
	dave  = identity.MustNew("dave.example")
)

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "outbox.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d := drive.Drive{Name: "photos", Target: drive.TargetDrive{Alias: uuid.New(), Type: uuid.New()}}

	reg, err := drive.NewRegistry(d)
	require.NoError(t, err)

	d, err = reg.ByName("photos")
	require.NoError(t, err)

	grants := &grantTable{grants: map[identity.Identity]permission.DrivePermission{
		bob:  permission.PermissionReadWrite,
		dave: permission.PermissionRead,
	}}

	log := &eventLog{}
	bus := events.NewBus(nil)
	bus.On(log.handle)

	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	table := NewTable(db)

	o := New(table, grants, reg, NewPendingSenders(), bus, cfg, nil)
	o.nowFunc = clock.Now
	o.jitterFunc = func() float64 { return 0.5 }

	return &fixture{outbox: o, table: table, grants: grants, clock: clock, log: log, bus: bus, drive: d}
}

func (f *fixture) header() *drive.FileHeader {
	return &drive.FileHeader{
		FileID:            uuid.New(),
		DriveID:           f.drive.ID,
		GlobalTransitID:   uuid.New(),
		VersionTag:        "v-" + uuid.NewString()[:8],
		AllowDistribution: true,
	}
}

func (f *fixture) enqueue(t *testing.T, h *drive.FileHeader, priority int, recipients ...identity.Identity) []int64 {
	t.Helper()

	ids, err := f.outbox.Enqueue(context.Background(), h, recipients, priority, Options{})
	require.NoError(t, err)

	return ids
}
