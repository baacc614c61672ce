package quarantine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/identity"
)

// ErrNotHeld is returned for markers not in the table.
var ErrNotHeld = errors.New("quarantine: transfer not held")

// ErrNotPromotable is returned by Resolver.Promote for a transfer the chain
// accepts but that may no longer land, such as one whose sender lost write
// access while it was held. The transfer is dropped as if rejected.
var ErrNotPromotable = errors.New("quarantine: transfer no longer promotable")

// Held is a transfer the chain neither accepted nor rejected. Transfer is the
// caller's opaque encoding of the received parts.
type Held struct {
	Marker      uuid.UUID
	Sender      identity.Identity
	DriveID     uuid.UUID
	Transfer    []byte
	Reasons     []string
	ReceivedAt  time.Time
	EvaluatedAt time.Time
	Evaluations int
}

// HeldTable persists held transfers in the tenant database.
type HeldTable struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewHeldTable creates a HeldTable.
func NewHeldTable(db *sql.DB, logger *slog.Logger) *HeldTable {
	if logger == nil {
		logger = slog.Default()
	}

	return &HeldTable{db: db, logger: logger, nowFunc: time.Now}
}

// Hold stores h, or records another evaluation when the marker is held.
func (t *HeldTable) Hold(ctx context.Context, h Held) error {
	reasons, err := json.Marshal(h.Reasons)
	if err != nil {
		return fmt.Errorf("quarantine: encoding reasons: %w", err)
	}

	now := t.nowFunc().UnixNano()

	_, err = t.db.ExecContext(ctx,
		`INSERT INTO quarantine (marker, sender, drive_id, transfer, reasons, received_at, evaluated_at, evaluations)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (marker) DO UPDATE SET
			reasons = excluded.reasons,
			evaluated_at = excluded.evaluated_at,
			evaluations = quarantine.evaluations + 1`,
		h.Marker.String(), h.Sender, h.DriveID.String(), h.Transfer, string(reasons), now, now,
	)
	if err != nil {
		return fmt.Errorf("quarantine: holding transfer %s: %w", h.Marker, err)
	}

	return nil
}

// Get returns one held transfer.
func (t *HeldTable) Get(ctx context.Context, marker uuid.UUID) (*Held, error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT marker, sender, drive_id, transfer, reasons, received_at, evaluated_at, evaluations
		FROM quarantine WHERE marker = ?`, marker.String())

	h, err := scanHeld(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotHeld, marker)
	}

	return h, err
}

// List returns every held transfer, oldest first.
func (t *HeldTable) List(ctx context.Context) ([]*Held, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT marker, sender, drive_id, transfer, reasons, received_at, evaluated_at, evaluations
		FROM quarantine ORDER BY received_at, marker`)
	if err != nil {
		return nil, fmt.Errorf("quarantine: listing held transfers: %w", err)
	}
	defer rows.Close()

	var out []*Held

	for rows.Next() {
		h, err := scanHeld(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, h)
	}

	return out, rows.Err()
}

// Count returns the number of held transfers.
func (t *HeldTable) Count(ctx context.Context) (int, error) {
	var n int
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quarantine`).Scan(&n); err != nil {
		return 0, fmt.Errorf("quarantine: counting held transfers: %w", err)
	}

	return n, nil
}

// Remove drops a held transfer.
func (t *HeldTable) Remove(ctx context.Context, marker uuid.UUID) error {
	res, err := t.db.ExecContext(ctx, `DELETE FROM quarantine WHERE marker = ?`, marker.String())
	if err != nil {
		return fmt.Errorf("quarantine: removing %s: %w", marker, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, marker)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHeld(s rowScanner) (*Held, error) {
	var (
		h                     Held
		marker, driveID       string
		reasons               sql.NullString
		received, evaluatedAt int64
	)

	if err := s.Scan(&marker, &h.Sender, &driveID, &h.Transfer, &reasons, &received, &evaluatedAt, &h.Evaluations); err != nil {
		return nil, fmt.Errorf("quarantine: scanning held transfer: %w", err)
	}

	var err error

	if h.Marker, err = uuid.Parse(marker); err != nil {
		return nil, fmt.Errorf("quarantine: bad marker %q: %w", marker, err)
	}

	if h.DriveID, err = uuid.Parse(driveID); err != nil {
		return nil, fmt.Errorf("quarantine: bad drive id %q: %w", driveID, err)
	}

	if reasons.Valid && reasons.String != "" {
		if err := json.Unmarshal([]byte(reasons.String), &h.Reasons); err != nil {
			return nil, fmt.Errorf("quarantine: decoding reasons: %w", err)
		}
	}

	h.ReceivedAt = time.Unix(0, received).UTC()
	h.EvaluatedAt = time.Unix(0, evaluatedAt).UTC()

	return &h, nil
}

// Resolver decides what happens to a held transfer once re-evaluated.
type Resolver interface {
	// Rebuild reconstructs the filter input from a held transfer.
	Rebuild(ctx context.Context, h *Held) (*FilterContext, []PartData, error)
	// Promote moves an accepted transfer into the inbox. An error wrapping
	// ErrNotPromotable drops the transfer instead of failing the pass.
	Promote(ctx context.Context, h *Held) error
	// Discard drops a rejected transfer.
	Discard(ctx context.Context, h *Held, v Verdict) error
}

// Outcome counts what a re-evaluation pass did.
type Outcome struct {
	Promoted  int
	Discarded int
	StillHeld int
}

// Reevaluate runs every held transfer through chain again. Accepted ones are
// promoted and removed, rejected ones discarded and removed, the rest stay
// held with their evaluation count bumped.
func (t *HeldTable) Reevaluate(ctx context.Context, chain *Chain, r Resolver) (Outcome, error) {
	held, err := t.List(ctx)
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome

	for _, h := range held {
		fc, parts, err := r.Rebuild(ctx, h)
		if err != nil {
			t.logger.Warn("rebuilding held transfer failed",
				slog.String("marker", h.Marker.String()),
				slog.String("error", err.Error()),
			)

			out.StillHeld++

			continue
		}

		v, err := chain.Evaluate(ctx, fc, parts)
		if err != nil {
			return out, err
		}

		switch v.Recommendation {
		case Accept:
			err := r.Promote(ctx, h)

			switch {
			case errors.Is(err, ErrNotPromotable):
				t.logger.Info("held transfer dropped on promotion",
					slog.String("marker", h.Marker.String()),
					slog.String("error", err.Error()),
				)

				out.Discarded++
			case err != nil:
				return out, fmt.Errorf("quarantine: promoting %s: %w", h.Marker, err)
			default:
				out.Promoted++
			}
		case Reject:
			if err := r.Discard(ctx, h, v); err != nil {
				return out, fmt.Errorf("quarantine: discarding %s: %w", h.Marker, err)
			}

			out.Discarded++
		default:
			h.Reasons = v.Reasons()
			if err := t.Hold(ctx, *h); err != nil {
				return out, err
			}

			out.StillHeld++

			continue
		}

		if err := t.Remove(ctx, h.Marker); err != nil {
			return out, err
		}
	}

	return out, nil
}
