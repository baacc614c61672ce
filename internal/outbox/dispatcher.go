package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/peerhost/transitd/internal/events"
	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/permission"
)

// Dispatcher defaults.
const (
	DefaultWorkers          = 4
	DefaultDispatchInterval = 15 * time.Second
)

// Delivery is what a successful push reports back.
type Delivery struct {
	VersionTag string
	Code       string
}

// Deliverer builds the transfer for a leased item and pushes it to the
// recipient. Failures should be *DeliveryError; any other error is treated
// as transient.
type Deliverer interface {
	Deliver(ctx context.Context, item *Item) (Delivery, error)
}

// DeliveryError classifies a failed push.
type DeliveryError struct {
	Problem   Problem
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}

	return fmt.Sprintf("outbox: %s delivery failure (%s): %v", kind, e.Problem, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a permanent failure.
func Permanent(problem Problem, err error) error {
	return &DeliveryError{Problem: problem, Permanent: true, Err: err}
}

// Transient wraps err as a retryable failure.
func Transient(problem Problem, err error) error {
	return &DeliveryError{Problem: problem, Err: err}
}

// PassResult counts what one dispatch pass did.
type PassResult struct {
	Recipients int
	Delivered  int
	Retried    int
	Failed     int
}

// Dispatcher drains the outbox with a bounded pool of workers, one
// recipient per worker at a time.
type Dispatcher struct {
	outbox    *Outbox
	deliverer Deliverer
	bus       *events.Bus
	workers   int
	interval  time.Duration
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(o *Outbox, d Deliverer, bus *events.Bus, workers int, interval time.Duration, logger *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = DefaultWorkers
	}

	if interval <= 0 {
		interval = DefaultDispatchInterval
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		outbox:    o,
		deliverer: d,
		bus:       bus,
		workers:   workers,
		interval:  interval,
		logger:    logger,
	}
}

// Run dispatches until ctx is canceled: once at start, whenever a recipient
// is added to the pending set, and on every interval tick, which resweeps
// recipients whose backed-off items have come due.
func (d *Dispatcher) Run(ctx context.Context) error {
	if _, err := d.outbox.ReclaimExpired(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.ProcessOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			d.logger.Error("outbox dispatch pass failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-d.outbox.Pending().Wake():
		case <-ticker.C:
			if _, err := d.outbox.Resweep(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("outbox resweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ProcessOnce drains every pending recipient once.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (PassResult, error) {
	recipients := d.outbox.Pending().Drain()
	if len(recipients) == 0 {
		return PassResult{}, nil
	}

	var delivered, retried, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	for _, r := range recipients {
		g.Go(func() error {
			res, err := d.drainRecipient(gctx, r)
			delivered.Add(int64(res.Delivered))
			retried.Add(int64(res.Retried))
			failed.Add(int64(res.Failed))

			return err
		})
	}

	err := g.Wait()

	return PassResult{
		Recipients: len(recipients),
		Delivered:  int(delivered.Load()),
		Retried:    int(retried.Load()),
		Failed:     int(failed.Load()),
	}, err
}

// drainRecipient delivers recipient's eligible items in order until none is
// left or a transient failure says the peer needs a break.
func (d *Dispatcher) drainRecipient(ctx context.Context, recipient identity.Identity) (res PassResult, err error) {
	// Only work that is due right now keeps recipient pending. Backed-off
	// rows come back through Resweep on the next tick.
	defer func() {
		due, dueErr := d.outbox.HasDue(context.WithoutCancel(ctx), recipient)
		if dueErr != nil {
			d.logger.Warn("checking due outbox work",
				slog.String("recipient", recipient.String()),
				slog.String("error", dueErr.Error()),
			)
		}

		d.outbox.Pending().Ack(recipient, due)
	}()

	for {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		item, err := d.outbox.DequeueFor(ctx, recipient)
		if err != nil {
			return res, err
		}

		if item == nil {
			return res, nil
		}

		outcome, err := d.deliver(ctx, item)
		if err != nil {
			return res, err
		}

		switch outcome {
		case StatusDelivered:
			res.Delivered++
		case StatusFailed:
			res.Failed++
		default:
			res.Retried++
			return res, nil
		}
	}
}

// deliver pushes one leased item and settles its lease. The returned status
// says how it ended: delivered, failed, or pending for retry.
func (d *Dispatcher) deliver(ctx context.Context, item *Item) (Status, error) {
	// Settling uses a context that survives cancellation so the lease is
	// always released or recorded.
	settle := context.WithoutCancel(ctx)

	if err := d.outbox.CheckAccess(ctx, item); err != nil {
		if ctx.Err() != nil {
			return StatusPending, d.outbox.Release(settle, item.Marker)
		}

		if errors.Is(err, permission.ErrForbidden) {
			return StatusFailed, d.outbox.Fail(settle, item.Marker, true, ProblemRecipientNotAuthorized, err)
		}

		return StatusPending, d.outbox.Fail(settle, item.Marker, false, ProblemInternal, err)
	}

	delivery, err := d.deliverer.Deliver(ctx, item)
	if err != nil {
		if ctx.Err() != nil {
			d.logger.Info("delivery interrupted, releasing lease",
				slog.Int64("id", item.ID),
				slog.String("recipient", item.Recipient.String()),
			)

			return StatusPending, d.outbox.Release(settle, item.Marker)
		}

		var de *DeliveryError
		if !errors.As(err, &de) {
			de = &DeliveryError{Problem: ProblemInternal, Err: err}
		}

		if de.Permanent {
			return StatusFailed, d.outbox.Fail(settle, item.Marker, true, de.Problem, de.Err)
		}

		return StatusPending, d.outbox.Fail(settle, item.Marker, false, de.Problem, de.Err)
	}

	acked, err := d.outbox.Ack(settle, item.Marker)
	if err != nil {
		return StatusPending, err
	}

	if d.bus != nil {
		d.bus.Publish(settle, events.Event{
			Kind:       events.OutboxItemProcessed,
			Peer:       acked.Recipient,
			DriveID:    acked.DriveID,
			FileID:     acked.FileID,
			VersionTag: delivery.VersionTag,
			Attempts:   acked.AttemptCount + 1,
		})
	}

	d.logger.Info("outbox item delivered",
		slog.Int64("id", acked.ID),
		slog.String("recipient", acked.Recipient.String()),
		slog.String("file", acked.FileID.String()),
		slog.String("version_tag", delivery.VersionTag),
		slog.String("code", delivery.Code),
	)

	return StatusDelivered, nil
}
