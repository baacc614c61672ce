package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerhost/transitd/internal/drive"
)

// mockFsWatcher implements FsWatcher with injectable channels.
type mockFsWatcher struct {
	events chan fsnotify.Event
	errs   chan error
}

func newMockFsWatcher() *mockFsWatcher {
	return &mockFsWatcher{
		events: make(chan fsnotify.Event, 16),
		errs:   make(chan error, 1),
	}
}

func (m *mockFsWatcher) Add(string) error              { return nil }
func (m *mockFsWatcher) Close() error                  { return nil }
func (m *mockFsWatcher) Events() <-chan fsnotify.Event { return m.events }
func (m *mockFsWatcher) Errors() <-chan error          { return m.errs }

type recordingDistributor struct {
	mu   sync.Mutex
	refs []drive.FileRef
}

func (r *recordingDistributor) DistributeChanged(_ context.Context, ref drive.FileRef) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refs = append(r.refs, ref)

	return true, nil
}

func (r *recordingDistributor) calls() []drive.FileRef {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]drive.FileRef(nil), r.refs...)
}

func startWatcher(t *testing.T, dist Distributor, dirs map[uuid.UUID]string) *mockFsWatcher {
	t.Helper()

	fw := newMockFsWatcher()
	w := New(dist, dirs, 20*time.Millisecond, nil)
	w.newWatcher = func() (FsWatcher, error) { return fw, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- w.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	return fw
}

func TestWatcher_DebouncesBurstPerFile(t *testing.T) {
	t.Parallel()

	driveID := uuid.New()
	dir := t.TempDir()
	dist := &recordingDistributor{}
	fw := startWatcher(t, dist, map[uuid.UUID]string{driveID: dir})

	fileID := uuid.New()
	path := filepath.Join(dir, fileID.String())

	fw.events <- fsnotify.Event{Name: path, Op: fsnotify.Create}
	fw.events <- fsnotify.Event{Name: path, Op: fsnotify.Write}
	fw.events <- fsnotify.Event{Name: path, Op: fsnotify.Create}

	require.Eventually(t, func() bool { return len(dist.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// Nothing else arrives after the quiet period.
	time.Sleep(60 * time.Millisecond)

	calls := dist.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, drive.FileRef{DriveID: driveID, FileID: fileID}, calls[0])
}

func TestWatcher_IgnoresBookkeepingAndForeignEntries(t *testing.T) {
	t.Parallel()

	driveID := uuid.New()
	dir := t.TempDir()
	dist := &recordingDistributor{}
	fw := startWatcher(t, dist, map[uuid.UUID]string{driveID: dir})

	fileID := uuid.New()

	fw.events <- fsnotify.Event{Name: filepath.Join(dir, ".tmp-"+fileID.String()+"-1"), Op: fsnotify.Create}
	fw.events <- fsnotify.Event{Name: filepath.Join(dir, ".index"), Op: fsnotify.Create}
	fw.events <- fsnotify.Event{Name: filepath.Join(dir, "notes.txt"), Op: fsnotify.Create}
	fw.events <- fsnotify.Event{Name: filepath.Join(dir, fileID.String()), Op: fsnotify.Remove}
	fw.events <- fsnotify.Event{Name: filepath.Join(t.TempDir(), fileID.String()), Op: fsnotify.Create}

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, dist.calls())
}

func TestWatcher_SeparateFilesFireSeparately(t *testing.T) {
	t.Parallel()

	driveID := uuid.New()
	dir := t.TempDir()
	dist := &recordingDistributor{}
	fw := startWatcher(t, dist, map[uuid.UUID]string{driveID: dir})

	a, b := uuid.New(), uuid.New()

	fw.events <- fsnotify.Event{Name: filepath.Join(dir, a.String()), Op: fsnotify.Create}
	fw.events <- fsnotify.Event{Name: filepath.Join(dir, b.String()), Op: fsnotify.Create}

	require.Eventually(t, func() bool { return len(dist.calls()) == 2 }, 2*time.Second, 5*time.Millisecond)

	got := map[uuid.UUID]bool{}
	for _, ref := range dist.calls() {
		got[ref.FileID] = true
	}

	assert.True(t, got[a])
	assert.True(t, got[b])
}
