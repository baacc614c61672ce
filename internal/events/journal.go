package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// defaultListLimit caps journal queries that do not set a limit.
const defaultListLimit = 100

// Journal persists events to the tenant database.
type Journal struct {
	db *sql.DB
}

// NewJournal creates a Journal.
func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Record stores e and returns its id.
func (j *Journal) Record(ctx context.Context, e Event) (int64, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("events: encoding event: %w", err)
	}

	res, err := j.db.ExecContext(ctx,
		`INSERT INTO events (kind, peer, drive_id, file_id, payload, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(e.Kind), e.Peer, nullUUID(e.DriveID), nullUUID(e.FileID), string(payload), e.OccurredAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("events: recording %s: %w", e.Kind, err)
	}

	return res.LastInsertId()
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}

	return id.String()
}

// Handler returns a bus handler that records journaled kinds. Failures are
// logged: losing a journal row must not fail the transfer that caused it.
func (j *Journal) Handler(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, e Event) {
		if !e.Kind.Journaled() {
			return
		}

		if _, err := j.Record(context.WithoutCancel(ctx), e); err != nil {
			logger.Error("journaling event failed",
				slog.String("kind", string(e.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Query filters List. Zero fields match everything.
type Query struct {
	Kind  Kind
	Since time.Time
	Limit int
}

// List returns matching events, newest first.
func (j *Journal) List(ctx context.Context, q Query) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, payload FROM events
		WHERE (? = '' OR kind = ?) AND occurred_at >= ?
		ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		string(q.Kind), string(q.Kind), sinceNanos(q.Since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("events: listing journal: %w", err)
	}
	defer rows.Close()

	var out []Event

	for rows.Next() {
		var (
			id      int64
			payload string
		)

		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("events: scanning journal row: %w", err)
		}

		var e Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("events: decoding journal row %d: %w", id, err)
		}

		e.ID = id
		out = append(out, e)
	}

	return out, rows.Err()
}

func sinceNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}
