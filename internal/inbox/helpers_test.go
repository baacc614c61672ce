package inbox

import (
	"context"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/envelope"
	"github.com/peerhost/transitd/internal/events"
	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/keyring"
	"github.com/peerhost/transitd/internal/store"
)

var (
	alice = identity.MustNew("alice.example")
	frank = identity.MustNew("frank.example")
)

// scriptedApplier records applied items and fails the ones listed in fail
// (by global transit id) the given number of times; a negative count fails
// forever.
type scriptedApplier struct {
	mu      sync.Mutex
	applied []uuid.UUID
	fail    map[uuid.UUID]int
	block   chan struct{}
}

func newScriptedApplier() *scriptedApplier {
	return &scriptedApplier{fail: make(map[uuid.UUID]int)}
}

func (a *scriptedApplier) Apply(ctx context.Context, it *Item) error {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if n, ok := a.fail[it.GlobalTransitID]; ok && n != 0 {
		if n > 0 {
			a.fail[it.GlobalTransitID] = n - 1
		}

		return errors.New("disk on fire")
	}

	a.applied = append(a.applied, it.GlobalTransitID)

	return nil
}

func (a *scriptedApplier) order() []uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]uuid.UUID(nil), a.applied...)
}

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
	proc  *Processor
	table *Table
	log   *eventLog
	drive drive.Drive
	clock time.Time
}

func newProcessorFixture(t *testing.T, applier Applier, cfg Config) *fixture {
	t.Helper()

	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "inbox.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg, err := drive.NewRegistry(drive.Drive{Name: "chat", Target: drive.TargetDrive{Alias: uuid.New(), Type: uuid.New()}})
	require.NoError(t, err)

	d, err := reg.ByName("chat")
	require.NoError(t, err)

	log := &eventLog{}
	bus := events.NewBus(nil)
	bus.On(log.handle)

	table := NewTable(db)
	proc := NewProcessor(table, applier, nil, reg, bus, cfg, nil)

	f := &fixture{proc: proc, table: table, log: log, drive: d, clock: time.Unix(1700000000, 0)}
	proc.nowFunc = func() time.Time { return f.clock }

	return f
}

// deleteItem is the smallest valid item: it needs no envelope or blobs.
func (f *fixture) deleteItem(priority int) *Item {
	gtid := uuid.New()

	return &Item{
		Sender:          alice,
		DriveID:         f.drive.ID,
		FileID:          IncomingFileID(f.drive.ID, gtid),
		GlobalTransitID: gtid,
		Type:            InstructionDelete,
		Priority:        priority,
		Marker:          uuid.New(),
	}
}

func (f *fixture) enqueue(t *testing.T, it *Item) *Item {
	t.Helper()

	f.clock = f.clock.Add(time.Second)

	id, err := f.proc.Enqueue(context.Background(), it)
	require.NoError(t, err)

	it.ID = id

	return it
}

// applyEnv is a real key ring, drive store, and StoreApplier.
type applyEnv struct {
	keys    *keyring.Keychain
	files   *drive.FileStore
	codec   *envelope.Codec
	applier *StoreApplier
	drive   drive.Drive
}

func newApplyEnv(t *testing.T) *applyEnv {
	t.Helper()

	ctx := context.Background()

	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "keys.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	master := make([]byte, keyring.MasterKeySize)
	_, err = rand.Read(master)
	require.NoError(t, err)

	kc, err := keyring.Open(ctx, db, master, 3, nil)
	require.NoError(t, err)

	files, err := drive.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	target := drive.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
	codec := envelope.NewCodec(kc, nil)

	return &applyEnv{
		keys:    kc,
		files:   files,
		codec:   codec,
		applier: NewStoreApplier(files, codec, kc, nil),
		drive:   drive.Drive{ID: target.DriveID(), Name: "chat", Target: target},
	}
}

// transfer stages a one-payload file addressed to the env's current key and
// returns its inbox item.
func (e *applyEnv) transfer(t *testing.T, kh envelope.KeyHeader, gtid uuid.UUID, content string, contents envelope.SendContents) *Item {
	t.Helper()

	blob, desc, err := envelope.PreparePayload(kh, "main", "text/plain", []byte(content), drive.CompressionNone)
	require.NoError(t, err)

	thumb, thDesc, err := envelope.PrepareThumbnail(kh, 4, 4, "image/png", []byte("tiny-"+content))
	require.NoError(t, err)

	desc.Thumbnails = []drive.ThumbnailDescriptor{thDesc}

	marker := uuid.New()
	staged, err := e.files.Stage(marker)
	require.NoError(t, err)

	if contents.Has(envelope.SendPayload) {
		require.NoError(t, staged.WritePayload("main", blob))
	}

	if contents.Has(envelope.SendThumbnails) {
		require.NoError(t, staged.WriteThumbnail(drive.ThumbnailKey{PayloadKey: "main", Width: 4, Height: 4}, thumb))
	}

	meta := drive.FileMetadata{ContentType: "text/plain", Payloads: []drive.PayloadDescriptor{desc}}
	tag, err := drive.NewVersionTag(meta)
	require.NoError(t, err)

	set, err := envelope.Encode(envelope.InstructionSet{
		TargetDrive:      e.drive.Target,
		TransferFileType: envelope.TransferFileNormal,
		FileSystemType:   envelope.FileSystemStandard,
		ContentsProvided: contents,
		GlobalTransitID:  gtid,
	}, kh, e.keys.Current().Public())
	require.NoError(t, err)

	return &Item{
		ID:              1,
		Sender:          alice,
		DriveID:         e.drive.ID,
		FileID:          IncomingFileID(e.drive.ID, gtid),
		GlobalTransitID: gtid,
		Type:            InstructionFile,
		Marker:          marker,
		FileSystemType:  envelope.FileSystemStandard,
		VersionTag:      tag,
		InstructionSet:  &set,
		Metadata:        &meta,
	}
}

func newKeyHeader(t *testing.T) envelope.KeyHeader {
	t.Helper()

	kh, err := envelope.NewKeyHeader()
	require.NoError(t, err)

	return kh
}
