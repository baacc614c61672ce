// Package watcher turns changes in a tenant's drive directories into outbox
// work. A file directory that settles after a burst of filesystem events is
// handed to a Distributor, which queues the file when its header names
// recipients and allows distribution.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/drive"
)

// Timing constants.
const (
	DefaultDebounce = 500 * time.Millisecond

	watchErrInitBackoff = time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
	dirPerm             = 0o700
)

// FsWatcher is the part of *fsnotify.Watcher the Watcher uses. Tests
// substitute channels.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func (f fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: creating fsnotify watcher: %w", err)
	}

	return fsnotifyWatcher{w: w}, nil
}

// Distributor queues a stored file when its current version has not been
// queued yet.
type Distributor interface {
	DistributeChanged(ctx context.Context, ref drive.FileRef) (bool, error)
}

// Watcher observes drive directories.
type Watcher struct {
	dist     Distributor
	dirs     map[string]uuid.UUID // drive directory -> drive id
	debounce time.Duration
	logger   *slog.Logger

	newWatcher func() (FsWatcher, error)
	sleepFunc  func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	timers map[drive.FileRef]*time.Timer
	wg     sync.WaitGroup
}

// New creates a Watcher for the given drive directories, keyed by drive id.
// A non-positive debounce uses DefaultDebounce.
func New(dist Distributor, dirs map[uuid.UUID]string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	byDir := make(map[string]uuid.UUID, len(dirs))
	for id, dir := range dirs {
		byDir[filepath.Clean(dir)] = id
	}

	return &Watcher{
		dist:       dist,
		dirs:       byDir,
		debounce:   debounce,
		logger:     logger,
		newWatcher: newFsnotifyWatcher,
		sleepFunc:  timeSleep,
		timers:     make(map[drive.FileRef]*time.Timer),
	}
}

// Run watches until ctx is canceled. Pending debounced files are dropped
// on shutdown; the outbox resweep covers anything already queued.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := w.newWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	for dir := range w.dirs {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("watcher: creating %s: %w", dir, err)
		}

		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watcher: watching %s: %w", dir, err)
		}
	}

	w.logger.Info("watching drives", slog.Int("drives", len(w.dirs)))

	defer w.stopTimers()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events():
			if !ok {
				return nil
			}

			w.handle(ctx, ev)
			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-fw.Errors():
			if !ok {
				return nil
			}

			w.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if err := w.sleepFunc(ctx, errBackoff); err != nil {
				return nil
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)
		}
	}
}

// handle maps an event on "<drive dir>/<file id>" to a debounced file.
// Store bookkeeping entries and removals are ignored.
func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	name := filepath.Base(ev.Name)
	if drive.IsInternalName(name) {
		return
	}

	driveID, ok := w.dirs[filepath.Dir(ev.Name)]
	if !ok {
		return
	}

	fileID, err := uuid.Parse(name)
	if err != nil {
		w.logger.Debug("watch: ignoring foreign entry", slog.String("path", ev.Name))
		return
	}

	w.schedule(ctx, drive.FileRef{DriveID: driveID, FileID: fileID})
}

// schedule (re)starts ref's quiet-period timer.
func (w *Watcher) schedule(ctx context.Context, ref drive.FileRef) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[ref]; ok && t.Stop() {
		t.Reset(w.debounce)
		return
	}

	w.wg.Add(1)

	var t *time.Timer

	// t is read under w.mu, after this assignment.
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()

		w.mu.Lock()
		if w.timers[ref] == t {
			delete(w.timers, ref)
		}
		w.mu.Unlock()

		w.fire(ctx, ref)
	})
	w.timers[ref] = t
}

func (w *Watcher) fire(ctx context.Context, ref drive.FileRef) {
	if ctx.Err() != nil {
		return
	}

	queued, err := w.dist.DistributeChanged(ctx, ref)

	switch {
	case errors.Is(err, drive.ErrNotFound):
		// Removed before it settled.
	case err != nil:
		w.logger.Warn("distributing changed file",
			slog.String("file", ref.String()),
			slog.String("error", err.Error()),
		)
	case queued:
		w.logger.Info("changed file queued", slog.String("file", ref.String()))
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()

	for ref, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}

		delete(w.timers, ref)
	}

	w.mu.Unlock()

	w.wg.Wait()
}

func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
