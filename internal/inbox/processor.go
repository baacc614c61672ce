package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/envelope"
	"github.com/peerhost/transitd/internal/events"
)

// Defaults for Config fields left zero.
const (
	DefaultBatchSize        = 32
	DefaultFailureThreshold = 5
	DefaultPopTimeout       = 5 * time.Minute
	DefaultWorkers          = 4
)

// ErrUnknownDrive is returned when a target drive is not configured.
var ErrUnknownDrive = errors.New("inbox: unknown drive")

// Config tunes inbox processing.
type Config struct {
	BatchSize        int
	FailureThreshold int
	PopTimeout       time.Duration
	Workers          int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}

	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}

	if c.PopTimeout <= 0 {
		c.PopTimeout = DefaultPopTimeout
	}

	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}

	return c
}

// Processor applies inbox items to the drive store. Items of one drive are
// applied strictly one at a time, in priority then arrival order; different
// drives proceed independently.
type Processor struct {
	table   *Table
	applier Applier
	staging StagingDiscarder
	drives  *drive.Registry
	bus     *events.Bus
	cfg     Config
	logger  *slog.Logger
	nowFunc func() time.Time

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// StagingDiscarder drops the staging area of a finished transfer.
type StagingDiscarder interface {
	DiscardStaging(marker uuid.UUID) error
}

// NewProcessor creates a Processor. staging may be nil when the applier
// manages staging itself.
func NewProcessor(table *Table, applier Applier, staging StagingDiscarder, drives *drive.Registry,
	bus *events.Bus, cfg Config, logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{
		table:   table,
		applier: applier,
		staging: staging,
		drives:  drives,
		bus:     bus,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		nowFunc: time.Now,
		locks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

// Table returns the processor's table.
func (p *Processor) Table() *Table {
	return p.table
}

// Enqueue records a received item and announces it.
func (p *Processor) Enqueue(ctx context.Context, it *Item) (int64, error) {
	if it.AddedAt.IsZero() {
		it.AddedAt = p.nowFunc()
	}

	id, inserted, err := p.table.Insert(ctx, it)
	if err != nil {
		return 0, err
	}

	if !inserted {
		p.logger.Debug("duplicate inbox item ignored",
			slog.Int64("id", id),
			slog.String("marker", it.Marker.String()),
		)

		return id, nil
	}

	p.publish(ctx, events.InboxItemReceived, it, "")

	return id, nil
}

func (p *Processor) driveLock(id uuid.UUID) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[id]
	if !ok {
		l = &sync.Mutex{}
		p.locks[id] = l
	}

	return l
}

// ProcessInbox applies up to batchSize items of target's queue (at least
// one; zero uses the configured batch size). A failed item stays at the
// head with its failure count raised and ends the batch, so later items
// never overtake it; an item that reaches the failure threshold is parked
// and the batch moves on.
func (p *Processor) ProcessInbox(ctx context.Context, target drive.TargetDrive, batchSize int) (BatchResult, error) {
	d, err := p.drives.ByTarget(target)
	if err != nil {
		return BatchResult{}, fmt.Errorf("%w: %s", ErrUnknownDrive, target)
	}

	return p.processDrive(ctx, d.ID, batchSize)
}

func (p *Processor) processDrive(ctx context.Context, driveID uuid.UUID, batchSize int) (BatchResult, error) {
	if batchSize <= 0 {
		batchSize = p.cfg.BatchSize
	}

	lock := p.driveLock(driveID)
	lock.Lock()
	defer lock.Unlock()

	var res BatchResult

	for range batchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		it, err := p.table.PopNext(ctx, driveID, p.nowFunc(), p.cfg.PopTimeout)
		if err != nil {
			return res, err
		}

		if it == nil {
			break
		}

		stop, err := p.processItem(ctx, it, &res)
		if err != nil {
			return res, err
		}

		if stop {
			break
		}
	}

	st, err := p.table.Status(ctx, driveID, p.nowFunc())
	if err != nil {
		return res, err
	}

	res.InboxStatus = st

	return res, nil
}

// processItem applies one popped item. It reports whether the batch must
// stop.
func (p *Processor) processItem(ctx context.Context, it *Item, res *BatchResult) (bool, error) {
	settle := context.WithoutCancel(ctx)

	applied, err := p.table.WasApplied(ctx, it)
	if err != nil {
		return true, err
	}

	if applied {
		if err := p.table.Complete(settle, it, p.nowFunc()); err != nil {
			return true, err
		}

		p.discardStaging(it)
		res.Skipped++

		p.logger.Debug("inbox item already applied",
			slog.String("global_transit_id", it.GlobalTransitID.String()),
			slog.String("version_tag", it.VersionTag),
		)

		return false, nil
	}

	applyErr := p.applier.Apply(ctx, it)

	if applyErr != nil && ctx.Err() != nil {
		if err := p.table.Unpop(settle, it); err != nil {
			p.logger.Warn("releasing interrupted inbox item",
				slog.Int64("id", it.ID),
				slog.String("error", err.Error()),
			)
		}

		return true, ctx.Err()
	}

	if applyErr == nil {
		if err := p.table.Complete(settle, it, p.nowFunc()); err != nil {
			return true, err
		}

		p.discardStaging(it)
		res.Applied++

		p.logger.Info("inbox item applied",
			slog.String("sender", it.Sender.String()),
			slog.String("file", it.Ref().String()),
			slog.String("instruction", string(it.Type)),
		)
		p.publish(settle, events.InboxItemApplied, it, "")

		return false, nil
	}

	parked, err := p.table.MarkFailure(settle, it, applyErr.Error(), p.cfg.FailureThreshold)
	if err != nil {
		return true, err
	}

	res.Failed++

	attrs := []any{
		slog.Int64("id", it.ID),
		slog.String("file", it.Ref().String()),
		slog.Int("failures", it.FailureCount),
		slog.String("error", applyErr.Error()),
	}

	if !parked {
		p.logger.Warn("inbox item failed", attrs...)

		return true, nil
	}

	res.Parked++

	p.logger.Error("inbox item parked", attrs...)
	p.publish(settle, events.InboxItemParked, it, applyErr.Error())

	return false, nil
}

func (p *Processor) discardStaging(it *Item) {
	if p.staging == nil || it.Type != InstructionFile {
		return
	}

	if err := p.staging.DiscardStaging(it.Marker); err != nil {
		p.logger.Warn("discarding staging area",
			slog.String("marker", it.Marker.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Processor) publish(ctx context.Context, kind events.Kind, it *Item, msg string) {
	if p.bus == nil {
		return
	}

	p.bus.Publish(ctx, events.Event{
		Kind:       kind,
		Peer:       it.Sender,
		DriveID:    it.DriveID,
		FileID:     it.FileID,
		VersionTag: it.VersionTag,
		Message:    msg,
		Attempts:   it.FailureCount,
		OccurredAt: p.nowFunc(),
	})
}

// ProcessAll runs one batch for every drive with pending items, drives in
// parallel.
func (p *Processor) ProcessAll(ctx context.Context) (map[uuid.UUID]BatchResult, error) {
	ids, err := p.table.Drives(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		out = make(map[uuid.UUID]BatchResult, len(ids))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	for _, id := range ids {
		g.Go(func() error {
			res, err := p.processDrive(gctx, id, 0)

			mu.Lock()
			out[id] = res
			mu.Unlock()

			return err
		})
	}

	err = g.Wait()

	return out, err
}

// Status reports target's queue.
func (p *Processor) Status(ctx context.Context, target drive.TargetDrive) (InboxStatus, error) {
	d, err := p.drives.ByTarget(target)
	if err != nil {
		return InboxStatus{}, fmt.Errorf("%w: %s", ErrUnknownDrive, target)
	}

	return p.table.Status(ctx, d.ID, p.nowFunc())
}

// RecoverExpired returns items left popped by a crashed processor to the
// queue.
func (p *Processor) RecoverExpired(ctx context.Context) (int, error) {
	n, err := p.table.RecoverExpired(ctx, p.nowFunc())
	if err != nil {
		return 0, err
	}

	if n > 0 {
		p.logger.Info("recovered expired inbox pops", slog.Int("count", n))
	}

	return n, nil
}

// Parked lists parked items; a zero driveID lists every drive.
func (p *Processor) Parked(ctx context.Context, driveID uuid.UUID) ([]*Item, error) {
	return p.table.List(ctx, driveID, StatusParked)
}

// Unpark returns a parked item to its queue.
func (p *Processor) Unpark(ctx context.Context, id int64) error {
	return p.table.Unpark(ctx, id)
}

// Discard drops an item and its staging area.
func (p *Processor) Discard(ctx context.Context, id int64) error {
	it, err := p.table.Discard(ctx, id)
	if err != nil {
		return err
	}

	p.discardStaging(it)

	return nil
}

// EnvelopeUpgrader re-wraps envelopes to the current key.
type EnvelopeUpgrader interface {
	Upgrade(set *envelope.InstructionSet) (bool, error)
}

// UpgradeEnvelopes re-wraps the envelope of every queued item that was
// encrypted to a historical key, so the items stay decryptable after that
// key leaves the ring. It returns how many envelopes changed. Envelopes that
// cannot be opened are left for the processor to fail and park.
func (p *Processor) UpgradeEnvelopes(ctx context.Context, codec EnvelopeUpgrader) (int, error) {
	changed := 0

	for _, status := range []Status{StatusPending, StatusParked} {
		items, err := p.table.List(ctx, uuid.Nil, status)
		if err != nil {
			return changed, err
		}

		for _, it := range items {
			if it.InstructionSet == nil {
				continue
			}

			ok, err := codec.Upgrade(it.InstructionSet)
			if err != nil {
				p.logger.Warn("envelope upgrade skipped",
					slog.Int64("id", it.ID),
					slog.String("error", err.Error()),
				)

				continue
			}

			if !ok {
				continue
			}

			if err := p.table.ReplaceInstruction(ctx, it.ID, it.InstructionSet); err != nil {
				return changed, err
			}

			changed++
		}
	}

	return changed, nil
}
