package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/envelope"
)

// ErrNotFound is returned for unknown row ids.
var ErrNotFound = errors.New("inbox: item not found")

// ErrPopLost is returned when an item's pop stamp no longer matches: its
// lease expired and it was popped again.
var ErrPopLost = errors.New("inbox: pop stamp lost")

const itemColumns = `id, sender, drive_id, file_id, global_transit_id, instruction_type,
	priority, marker, file_system_type, version_tag, instruction, metadata, added_at,
	status, pop_stamp, failure_count, last_error`

// Table is the inbox storage over the tenant database.
type Table struct {
	db *sql.DB
}

// NewTable creates a Table.
func NewTable(db *sql.DB) *Table {
	return &Table{db: db}
}

// Insert records a received item. Receiving the same (marker, file) twice
// keeps the first row and returns its id with inserted false.
func (t *Table) Insert(ctx context.Context, it *Item) (id int64, inserted bool, err error) {
	instruction, metadata, err := encodeParts(it)
	if err != nil {
		return 0, false, err
	}

	err = t.db.QueryRowContext(ctx,
		`INSERT INTO inbox (sender, drive_id, file_id, global_transit_id, instruction_type,
			priority, marker, file_system_type, version_tag, instruction, metadata, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (marker, file_id) DO NOTHING
		RETURNING id`,
		it.Sender, it.DriveID.String(), it.FileID.String(), it.GlobalTransitID.String(),
		string(it.Type), it.Priority, it.Marker.String(), int(it.FileSystemType), it.VersionTag,
		instruction, metadata, it.AddedAt.UnixNano(),
	).Scan(&id)

	switch {
	case err == nil:
		return id, true, nil
	case errors.Is(err, sql.ErrNoRows):
		err = t.db.QueryRowContext(ctx,
			`SELECT id FROM inbox WHERE marker = ? AND file_id = ?`,
			it.Marker.String(), it.FileID.String(),
		).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("inbox: looking up duplicate %s: %w", it.Marker, err)
		}

		return id, false, nil
	default:
		return 0, false, fmt.Errorf("inbox: inserting %s: %w", it.Marker, err)
	}
}

func encodeParts(it *Item) (instruction, metadata []byte, err error) {
	if it.InstructionSet != nil {
		instruction, err = envelope.MarshalInstruction(it.InstructionSet)
		if err != nil {
			return nil, nil, err
		}
	}

	if it.Metadata != nil {
		metadata, err = json.Marshal(it.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("inbox: encoding metadata: %w", err)
		}
	}

	return instruction, metadata, nil
}

// PopNext stamps and returns the head of driveID's queue. The head is the
// first pending row by priority then arrival; when the head is already
// popped under a live stamp PopNext returns nil rather than skipping past it,
// so a drive never applies out of order. Returns nil on an empty queue.
func (t *Table) PopNext(ctx context.Context, driveID uuid.UUID, now time.Time, popTimeout time.Duration) (*Item, error) {
	nowNs := now.UnixNano()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("inbox: beginning pop: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var (
		id      int64
		expires sql.NullInt64
	)

	err = tx.QueryRowContext(ctx,
		`SELECT id, pop_expires_at FROM inbox
		WHERE drive_id = ? AND status = 'pending'
		ORDER BY priority, id LIMIT 1`,
		driveID.String(),
	).Scan(&id, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("inbox: selecting head of %s: %w", driveID, err)
	}

	if expires.Valid && expires.Int64 > nowNs {
		return nil, nil
	}

	stamp, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("inbox: generating pop stamp: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE inbox SET pop_stamp = ?, pop_expires_at = ? WHERE id = ?`,
		stamp.String(), now.Add(popTimeout).UnixNano(), id,
	); err != nil {
		return nil, fmt.Errorf("inbox: popping %d: %w", id, err)
	}

	item, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM inbox WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("inbox: committing pop: %w", err)
	}

	return item, nil
}

// Complete removes a popped item and records it in the applied ledger in one
// transaction.
func (t *Table) Complete(ctx context.Context, it *Item, now time.Time) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("inbox: beginning complete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx,
		`DELETE FROM inbox WHERE id = ? AND pop_stamp = ?`, it.ID, it.PopStamp.String())
	if err != nil {
		return fmt.Errorf("inbox: deleting %d: %w", it.ID, err)
	}

	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: item %d", ErrPopLost, it.ID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO inbox_applied (global_transit_id, file_id, version_tag, applied_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (global_transit_id, file_id) DO UPDATE SET
			version_tag = excluded.version_tag,
			applied_at = excluded.applied_at`,
		it.GlobalTransitID.String(), it.FileID.String(), it.VersionTag, now.UnixNano(),
	); err != nil {
		return fmt.Errorf("inbox: recording %s as applied: %w", it.GlobalTransitID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("inbox: committing complete: %w", err)
	}

	return nil
}

// WasApplied reports whether the ledger's last applied state for the item's
// (global transit id, file id) is the item's version.
func (t *Table) WasApplied(ctx context.Context, it *Item) (bool, error) {
	var tag string

	err := t.db.QueryRowContext(ctx,
		`SELECT version_tag FROM inbox_applied WHERE global_transit_id = ? AND file_id = ?`,
		it.GlobalTransitID.String(), it.FileID.String(),
	).Scan(&tag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("inbox: reading applied ledger: %w", err)
	}

	return tag == it.VersionTag, nil
}

// MarkFailure records a failed apply, clears the pop stamp, and parks the
// row once failures reach threshold. It reports whether the row was parked.
func (t *Table) MarkFailure(ctx context.Context, it *Item, cause string, threshold int) (bool, error) {
	var status string

	err := t.db.QueryRowContext(ctx,
		`UPDATE inbox SET
			failure_count = failure_count + 1,
			last_error = ?,
			pop_stamp = NULL,
			pop_expires_at = NULL,
			status = CASE WHEN failure_count + 1 >= ? THEN 'parked' ELSE 'pending' END
		WHERE id = ? AND pop_stamp = ?
		RETURNING status`,
		cause, threshold, it.ID, it.PopStamp.String(),
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: item %d", ErrPopLost, it.ID)
	}

	if err != nil {
		return false, fmt.Errorf("inbox: recording failure of %d: %w", it.ID, err)
	}

	it.FailureCount++
	it.LastError = cause

	return Status(status) == StatusParked, nil
}

// Unpop clears an item's pop stamp without counting a failure.
func (t *Table) Unpop(ctx context.Context, it *Item) error {
	if _, err := t.db.ExecContext(ctx,
		`UPDATE inbox SET pop_stamp = NULL, pop_expires_at = NULL WHERE id = ? AND pop_stamp = ?`,
		it.ID, it.PopStamp.String(),
	); err != nil {
		return fmt.Errorf("inbox: releasing %d: %w", it.ID, err)
	}

	return nil
}

// RecoverExpired clears pop stamps whose lease ran out, for items left
// behind by a crashed processor.
func (t *Table) RecoverExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := t.db.ExecContext(ctx,
		`UPDATE inbox SET pop_stamp = NULL, pop_expires_at = NULL
		WHERE pop_stamp IS NOT NULL AND pop_expires_at <= ?`,
		now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("inbox: recovering expired pops: %w", err)
	}

	n, _ := res.RowsAffected()

	return int(n), nil
}

// Status summarizes driveID's queue.
func (t *Table) Status(ctx context.Context, driveID uuid.UUID, now time.Time) (InboxStatus, error) {
	var (
		st     InboxStatus
		oldest sql.NullInt64
	)

	err := t.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'pending' AND pop_stamp IS NOT NULL AND pop_expires_at > ?),
			MIN(added_at) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'parked')
		FROM inbox WHERE drive_id = ?`,
		now.UnixNano(), driveID.String(),
	).Scan(&st.TotalItems, &st.PoppedCount, &oldest, &st.ParkedCount)
	if err != nil {
		return InboxStatus{}, fmt.Errorf("inbox: reading status of %s: %w", driveID, err)
	}

	if oldest.Valid {
		st.OldestItemTimestamp = time.Unix(0, oldest.Int64)
	}

	return st, nil
}

// Drives returns the drives with pending rows.
func (t *Table) Drives(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT DISTINCT drive_id FROM inbox WHERE status = 'pending' ORDER BY drive_id`)
	if err != nil {
		return nil, fmt.Errorf("inbox: listing drives: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID

	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("inbox: scanning drive id: %w", err)
		}

		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("inbox: parsing drive id %q: %w", s, err)
		}

		out = append(out, id)
	}

	return out, rows.Err()
}

// Get returns a row by id.
func (t *Table) Get(ctx context.Context, id int64) (*Item, error) {
	item, err := scanItem(t.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM inbox WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	return item, err
}

// List returns rows with status, in processing order. A zero driveID lists
// every drive.
func (t *Table) List(ctx context.Context, driveID uuid.UUID, status Status) ([]*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM inbox WHERE status = ?`
	args := []any{string(status)}

	if driveID != uuid.Nil {
		query += ` AND drive_id = ?`
		args = append(args, driveID.String())
	}

	rows, err := t.db.QueryContext(ctx, query+` ORDER BY drive_id, priority, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("inbox: listing %s items: %w", status, err)
	}
	defer rows.Close()

	var out []*Item

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, item)
	}

	return out, rows.Err()
}

// Unpark returns a parked row to the queue with its failure count reset.
func (t *Table) Unpark(ctx context.Context, id int64) error {
	res, err := t.db.ExecContext(ctx,
		`UPDATE inbox SET status = 'pending', failure_count = 0, last_error = NULL
		WHERE id = ? AND status = 'parked'`, id)
	if err != nil {
		return fmt.Errorf("inbox: unparking %d: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: parked item %d", ErrNotFound, id)
	}

	return nil
}

// Discard removes a row outright, returning it so the caller can drop its
// staging area.
func (t *Table) Discard(ctx context.Context, id int64) (*Item, error) {
	item, err := scanItem(t.db.QueryRowContext(ctx,
		`DELETE FROM inbox WHERE id = ? RETURNING `+itemColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	return item, err
}

// ReplaceInstruction rewrites the stored envelope of a row.
func (t *Table) ReplaceInstruction(ctx context.Context, id int64, set *envelope.InstructionSet) error {
	data, err := envelope.MarshalInstruction(set)
	if err != nil {
		return err
	}

	if _, err := t.db.ExecContext(ctx, `UPDATE inbox SET instruction = ? WHERE id = ?`, data, id); err != nil {
		return fmt.Errorf("inbox: rewriting envelope of %d: %w", id, err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		it                                 Item
		driveID, fileID, gtid, marker, typ string
		status                             string
		fsType                             int
		instruction, metadata              []byte
		addedAt                            int64
		popStamp, lastError                sql.NullString
	)

	err := row.Scan(&it.ID, &it.Sender, &driveID, &fileID, &gtid, &typ,
		&it.Priority, &marker, &fsType, &it.VersionTag, &instruction, &metadata, &addedAt,
		&status, &popStamp, &it.FailureCount, &lastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("inbox: scanning item: %w", err)
	}

	ids := []struct {
		dst *uuid.UUID
		src string
	}{
		{&it.DriveID, driveID},
		{&it.FileID, fileID},
		{&it.GlobalTransitID, gtid},
		{&it.Marker, marker},
	}

	for _, p := range ids {
		if *p.dst, err = uuid.Parse(p.src); err != nil {
			return nil, fmt.Errorf("inbox: item %d: parsing %q: %w", it.ID, p.src, err)
		}
	}

	if popStamp.Valid {
		if it.PopStamp, err = uuid.Parse(popStamp.String); err != nil {
			return nil, fmt.Errorf("inbox: item %d: parsing pop stamp: %w", it.ID, err)
		}
	}

	if len(instruction) > 0 {
		if it.InstructionSet, err = envelope.UnmarshalInstruction(instruction); err != nil {
			return nil, fmt.Errorf("inbox: item %d: %w", it.ID, err)
		}
	}

	if len(metadata) > 0 {
		it.Metadata = new(drive.FileMetadata)
		if err := json.Unmarshal(metadata, it.Metadata); err != nil {
			return nil, fmt.Errorf("inbox: item %d: decoding metadata: %w", it.ID, err)
		}
	}

	it.Type = InstructionType(typ)
	it.FileSystemType = envelope.FileSystemType(fsType)
	it.AddedAt = time.Unix(0, addedAt)
	it.Status = Status(status)
	it.LastError = lastError.String

	return &it, nil
}
