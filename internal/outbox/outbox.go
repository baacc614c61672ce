package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/envelope"
	"github.com/peerhost/transitd/internal/events"
	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/permission"
)

// Defaults for Config fields left zero.
const (
	DefaultAttemptCeiling  = 5
	DefaultBaseBackoff     = 5 * time.Second
	DefaultMaxBackoff      = 10 * time.Minute
	DefaultLeaseTimeout    = 2 * time.Minute
	DefaultResweepInterval = 30 * time.Minute

	jitterFraction = 0.25
	failuresLimit  = 100
)

// defaultContents is what a transfer carries when Options leave it unset.
const defaultContents = envelope.SendAll

// Config tunes retry and lease behavior.
type Config struct {
	AttemptCeiling  int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	LeaseTimeout    time.Duration
	ResweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.AttemptCeiling <= 0 {
		c.AttemptCeiling = DefaultAttemptCeiling
	}

	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}

	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}

	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}

	if c.ResweepInterval <= 0 {
		c.ResweepInterval = DefaultResweepInterval
	}

	return c
}

// AccessEvaluator is the part of the permission resolver the outbox needs.
type AccessEvaluator interface {
	EvaluateAccess(ctx context.Context, caller permission.CallerContext, pd permission.PermissionedDrive) (bool, error)
}

// Outbox applies queue policy over a Table: recipient authorization on
// enqueue, backoff on transient failure, the unreachable escalation, and
// terminal-failure events.
type Outbox struct {
	table   *Table
	access  AccessEvaluator
	drives  *drive.Registry
	pending *PendingSenders
	bus     *events.Bus
	cfg     Config
	logger  *slog.Logger

	nowFunc    func() time.Time
	jitterFunc func() float64 // uniform in [0, 1)
}

// New creates an Outbox.
func New(table *Table, access AccessEvaluator, drives *drive.Registry, pending *PendingSenders, bus *events.Bus, cfg Config, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}

	return &Outbox{
		table:      table,
		access:     access,
		drives:     drives,
		pending:    pending,
		bus:        bus,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		nowFunc:    time.Now,
		jitterFunc: rand.Float64, //nolint:gosec // jitter does not need crypto rand
	}
}

// Pending returns the pending-senders set the outbox feeds.
func (o *Outbox) Pending() *PendingSenders {
	return o.pending
}

// Enqueue queues file for each recipient. Every recipient must hold Read on
// the file's drive; if any does not, nothing is queued and the returned error
// wraps permission.ErrForbidden.
func (o *Outbox) Enqueue(ctx context.Context, file *drive.FileHeader, recipients []identity.Identity, priority int, opts Options) ([]int64, error) {
	if opts.Contents == 0 {
		opts.Contents = defaultContents
	}

	if opts.GlobalTransitID == uuid.Nil {
		opts.GlobalTransitID = file.GlobalTransitID
	}

	return o.enqueue(ctx, file.Ref(), recipients, priority, uuid.Nil, opts)
}

// EnqueueDelete queues a delete instruction for a file that no longer
// exists locally. The file's global transit id travels in the options.
func (o *Outbox) EnqueueDelete(ctx context.Context, ref drive.FileRef, globalTransitID uuid.UUID, recipients []identity.Identity, priority int) ([]int64, error) {
	opts := Options{Delete: true, GlobalTransitID: globalTransitID}

	return o.enqueue(ctx, ref, recipients, priority, uuid.Nil, opts)
}

// EnqueueAfter is Enqueue with a dependency: the row is not leased while the
// same recipient still has dependsOn queued.
func (o *Outbox) EnqueueAfter(ctx context.Context, file *drive.FileHeader, recipients []identity.Identity, priority int, dependsOn uuid.UUID, opts Options) ([]int64, error) {
	if dependsOn == file.FileID {
		return nil, fmt.Errorf("outbox: file %s cannot depend on itself", file.FileID)
	}

	if opts.Contents == 0 {
		opts.Contents = defaultContents
	}

	if opts.GlobalTransitID == uuid.Nil {
		opts.GlobalTransitID = file.GlobalTransitID
	}

	return o.enqueue(ctx, file.Ref(), recipients, priority, dependsOn, opts)
}

func (o *Outbox) enqueue(
	ctx context.Context, ref drive.FileRef, recipients []identity.Identity,
	priority int, dependsOn uuid.UUID, opts Options,
) ([]int64, error) {
	if len(recipients) == 0 {
		return nil, nil
	}

	d, err := o.drives.ByID(ref.DriveID)
	if err != nil {
		return nil, fmt.Errorf("outbox: enqueue %s: %w", ref, err)
	}

	for _, r := range recipients {
		if err := o.authorize(ctx, r, d.Target); err != nil {
			return nil, err
		}
	}

	now := o.nowFunc().UTC()
	items := make([]Item, len(recipients))

	for i, r := range recipients {
		items[i] = Item{
			Recipient:        r,
			DriveID:          ref.DriveID,
			FileID:           ref.FileID,
			DependencyFileID: dependsOn,
			Priority:         priority,
			AddedAt:          now,
			NextRunAt:        now,
			Options:          opts,
		}
	}

	ids, err := o.table.UpsertAll(ctx, items)
	if err != nil {
		return nil, err
	}

	for _, r := range recipients {
		o.pending.Add(r)
	}

	o.logger.Info("outbox enqueued",
		slog.String("file", ref.String()),
		slog.Int("recipients", len(recipients)),
		slog.Int("priority", priority),
		slog.Bool("delete", opts.Delete),
	)

	return ids, nil
}

func (o *Outbox) authorize(ctx context.Context, recipient identity.Identity, target drive.TargetDrive) error {
	pd := permission.PermissionedDrive{Drive: target, Permission: permission.PermissionRead}

	ok, err := o.access.EvaluateAccess(ctx, permission.CallerContext{Identity: recipient}, pd)
	if err != nil {
		return fmt.Errorf("outbox: evaluating access for %s: %w", recipient, err)
	}

	if !ok {
		return &permission.ForbiddenError{Caller: recipient, Drive: target, Required: pd.Permission}
	}

	return nil
}

// CheckAccess re-evaluates a leased item's recipient against current grants.
func (o *Outbox) CheckAccess(ctx context.Context, item *Item) error {
	d, err := o.drives.ByID(item.DriveID)
	if err != nil {
		return err
	}

	return o.authorize(ctx, item.Recipient, d.Target)
}

// Dequeue leases the next eligible item for any recipient. It returns nil
// when nothing is eligible.
func (o *Outbox) Dequeue(ctx context.Context) (*Item, error) {
	return o.table.Lease(ctx, o.nowFunc(), o.cfg.LeaseTimeout, nil)
}

// DequeueFor leases the next eligible item for recipient.
func (o *Outbox) DequeueFor(ctx context.Context, recipient identity.Identity) (*Item, error) {
	return o.table.Lease(ctx, o.nowFunc(), o.cfg.LeaseTimeout, []identity.Identity{recipient})
}

// Ack records a successful delivery. The row is removed and the recipient's
// unreachable flag cleared.
func (o *Outbox) Ack(ctx context.Context, marker uuid.UUID) (*Item, error) {
	item, err := o.table.Ack(ctx, marker, o.nowFunc())
	if err != nil {
		return nil, err
	}

	o.logger.Debug("outbox item delivered",
		slog.Int64("id", item.ID),
		slog.String("recipient", item.Recipient.String()),
		slog.String("file", item.FileID.String()),
	)

	return item, nil
}

// Fail records a failed delivery. Transient failures back off exponentially
// until the attempt ceiling, after which the recipient is flagged unreachable
// and the item retries on the slower resweep interval. Permanent failures end
// the item in the failed state and publish OutboxDeliveryFailed.
func (o *Outbox) Fail(ctx context.Context, marker uuid.UUID, permanent bool, problem Problem, cause error) error {
	item, err := o.table.ByMarker(ctx, marker)
	if err != nil {
		return err
	}

	attempts := item.AttemptCount + 1
	now := o.nowFunc().UTC()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if permanent {
		if err := o.table.Terminal(ctx, marker, attempts, msg, problem); err != nil {
			return err
		}

		o.logger.Warn("outbox delivery failed permanently",
			slog.Int64("id", item.ID),
			slog.String("recipient", item.Recipient.String()),
			slog.String("file", item.FileID.String()),
			slog.String("problem", string(problem)),
			slog.String("error", msg),
		)

		o.publish(ctx, events.Event{
			Kind:     events.OutboxDeliveryFailed,
			Peer:     item.Recipient,
			DriveID:  item.DriveID,
			FileID:   item.FileID,
			Problem:  string(problem),
			Message:  msg,
			Attempts: attempts,
		})

		return nil
	}

	next := now.Add(o.backoff(attempts))

	if attempts >= o.cfg.AttemptCeiling {
		next = now.Add(o.cfg.ResweepInterval)

		fresh, err := o.table.MarkUnreachable(ctx, item.Recipient, now)
		if err != nil {
			return err
		}

		if fresh {
			o.logger.Warn("recipient unreachable, moving to resweep",
				slog.String("recipient", item.Recipient.String()),
				slog.Int("attempts", attempts),
				slog.Duration("resweep_interval", o.cfg.ResweepInterval),
			)

			o.publish(ctx, events.Event{
				Kind:     events.RecipientUnreachable,
				Peer:     item.Recipient,
				DriveID:  item.DriveID,
				FileID:   item.FileID,
				Problem:  string(problem),
				Message:  msg,
				Attempts: attempts,
			})
		}
	}

	if err := o.table.RetryLater(ctx, marker, attempts, next, msg, problem); err != nil {
		return err
	}

	o.logger.Info("outbox delivery will retry",
		slog.Int64("id", item.ID),
		slog.String("recipient", item.Recipient.String()),
		slog.Int("attempts", attempts),
		slog.Time("next_run", next),
		slog.String("error", msg),
	)

	return nil
}

// Release returns a lease without counting an attempt.
func (o *Outbox) Release(ctx context.Context, marker uuid.UUID) error {
	return o.table.Release(ctx, marker)
}

// ReclaimExpired returns abandoned leases to pending and re-adds every
// recipient with work to the pending-senders set.
func (o *Outbox) ReclaimExpired(ctx context.Context) (int, error) {
	n, err := o.table.ReclaimExpired(ctx, o.nowFunc())
	if err != nil {
		return 0, err
	}

	if n > 0 {
		o.logger.Info("reclaimed expired outbox leases", slog.Int("count", n))
	}

	recipients, err := o.table.Recipients(ctx)
	if err != nil {
		return n, err
	}

	for _, r := range recipients {
		o.pending.Add(r)
	}

	return n, nil
}

// HasDue reports whether recipient has a row eligible for lease now.
func (o *Outbox) HasDue(ctx context.Context, recipient identity.Identity) (bool, error) {
	return o.table.HasDue(ctx, recipient, o.nowFunc())
}

// Resweep adds every recipient whose backoff or resweep delay has passed to
// the pending-senders set. It returns how many were added.
func (o *Outbox) Resweep(ctx context.Context) (int, error) {
	recipients, err := o.table.DueRecipients(ctx, o.nowFunc())
	if err != nil {
		return 0, err
	}

	for _, r := range recipients {
		o.pending.Add(r)
	}

	return len(recipients), nil
}

// Status summarizes the queue.
func (o *Outbox) Status(ctx context.Context) (Stats, error) {
	return o.table.Stats(ctx)
}

// Failures lists terminal rows, newest first.
func (o *Outbox) Failures(ctx context.Context) ([]*Item, error) {
	return o.table.Failures(ctx, failuresLimit)
}

// Retry moves a failed row back to pending.
func (o *Outbox) Retry(ctx context.Context, id int64) error {
	item, err := o.table.Get(ctx, id)
	if err != nil {
		return err
	}

	if item.Status != StatusFailed {
		return fmt.Errorf("outbox: item %d is %s, not failed", id, item.Status)
	}

	if err := o.table.Requeue(ctx, id, o.nowFunc()); err != nil {
		return err
	}

	o.pending.Add(item.Recipient)

	return nil
}

// Item returns a row by id.
func (o *Outbox) Item(ctx context.Context, id int64) (*Item, error) {
	return o.table.Get(ctx, id)
}

func (o *Outbox) publish(ctx context.Context, e events.Event) {
	if o.bus != nil {
		o.bus.Publish(ctx, e)
	}
}

// backoff returns base·2^(attempts-1) with ±25% jitter, capped at MaxBackoff.
func (o *Outbox) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := float64(o.cfg.BaseBackoff) * math.Pow(2, float64(attempts-1))
	if d > float64(o.cfg.MaxBackoff) {
		d = float64(o.cfg.MaxBackoff)
	}

	d += d * jitterFraction * (o.jitterFunc()*2 - 1)

	return time.Duration(d)
}
