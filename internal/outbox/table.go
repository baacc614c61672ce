package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/identity"
)

// ErrLeaseLost is returned when a marker no longer names an in-flight row:
// the lease expired and another worker reclaimed it, or it was acked.
var ErrLeaseLost = errors.New("outbox: lease lost")

// ErrNotFound is returned for unknown row ids.
var ErrNotFound = errors.New("outbox: item not found")

// ErrAlreadyQueued is returned when a failed row cannot be requeued because
// a newer row for the same recipient and file is still queued.
var ErrAlreadyQueued = errors.New("outbox: file already queued for recipient")

var optionsEnc cbor.EncMode

func init() {
	var err error

	optionsEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("outbox: cbor encoder initialization failed: " + err.Error())
	}
}

const itemColumns = `id, recipient, drive_id, file_id, dependency_file_id, priority, status,
	marker, attempt_count, added_at, next_run_at, lease_expires_at, last_attempt_at,
	last_error, problem, options`

// Table is the outbox's storage contract over the tenant database: upsert,
// lease, ack, fail, release, and listing. It holds no policy; the Outbox
// decides backoff and permissions.
type Table struct {
	db *sql.DB
}

// NewTable creates a Table.
func NewTable(db *sql.DB) *Table {
	return &Table{db: db}
}

// UpsertAll inserts items in one transaction. An item whose (recipient,
// file) already has a pending or in-flight row replaces that row's priority,
// options and schedule instead of adding a row. Replacing an in-flight row
// marks it requeued so its pending delivery is not lost by the running Ack.
func (t *Table) UpsertAll(ctx context.Context, items []Item) ([]int64, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("outbox: beginning enqueue: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	ids := make([]int64, 0, len(items))

	for i := range items {
		it := &items[i]

		opts, err := optionsEnc.Marshal(it.Options)
		if err != nil {
			return nil, fmt.Errorf("outbox: encoding options: %w", err)
		}

		var id int64

		err = tx.QueryRowContext(ctx,
			`INSERT INTO outbox (recipient, drive_id, file_id, dependency_file_id, priority,
				status, attempt_count, added_at, next_run_at, options)
			VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)
			ON CONFLICT (recipient, file_id) WHERE status IN ('pending', 'in_flight') DO UPDATE SET
				drive_id = excluded.drive_id,
				dependency_file_id = excluded.dependency_file_id,
				priority = excluded.priority,
				attempt_count = 0,
				next_run_at = excluded.next_run_at,
				last_error = NULL,
				problem = NULL,
				options = excluded.options,
				requeued = CASE WHEN outbox.status = 'in_flight' THEN 1 ELSE 0 END
			RETURNING id`,
			it.Recipient, it.DriveID.String(), it.FileID.String(), nullUUID(it.DependencyFileID),
			it.Priority, it.AddedAt.UnixNano(), it.NextRunAt.UnixNano(), opts,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("outbox: upserting %s for %s: %w", it.FileID, it.Recipient, err)
		}

		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("outbox: committing enqueue: %w", err)
	}

	return ids, nil
}

// eligibleAt selects rows of outbox o that a lease at ?1 may claim.
const eligibleAt = `((o.status = 'pending' AND o.next_run_at <= ?1)
		OR (o.status = 'in_flight' AND o.lease_expires_at <= ?1))
	AND NOT EXISTS (SELECT 1 FROM outbox x
		WHERE x.recipient = o.recipient AND x.id <> o.id
		AND x.status = 'in_flight' AND x.lease_expires_at > ?1)
	AND (o.dependency_file_id IS NULL OR NOT EXISTS (SELECT 1 FROM outbox d
		WHERE d.recipient = o.recipient AND d.file_id = o.dependency_file_id
		AND d.status IN ('pending', 'in_flight')))`

// Lease claims the next eligible row and stamps it with a fresh marker.
// Eligible means: pending and due, or in flight with an expired lease; the
// recipient has no other live lease; and the row's dependency (if any) is
// not still queued for the same recipient. Order is priority, then age.
// recipients, when non-empty, restricts the candidates. Returns nil when
// nothing is eligible.
func (t *Table) Lease(ctx context.Context, now time.Time, leaseTimeout time.Duration, recipients []identity.Identity) (*Item, error) {
	nowNs := now.UnixNano()

	query := `SELECT o.id FROM outbox o WHERE ` + eligibleAt

	args := []any{nowNs}

	if len(recipients) > 0 {
		query += ` AND o.recipient IN (?` + strings.Repeat(`, ?`, len(recipients)-1) + `)`

		for _, r := range recipients {
			args = append(args, r.String())
		}
	}

	query += ` ORDER BY o.priority, o.added_at, o.id LIMIT 1`

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("outbox: beginning lease: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var id int64

	err = tx.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("outbox: selecting lease candidate: %w", err)
	}

	marker, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("outbox: generating marker: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE outbox SET status = 'in_flight', marker = ?, lease_expires_at = ?, last_attempt_at = ?
		WHERE id = ? AND ((status = 'pending' AND next_run_at <= ?)
			OR (status = 'in_flight' AND lease_expires_at <= ?))`,
		marker.String(), now.Add(leaseTimeout).UnixNano(), nowNs, id, nowNs, nowNs,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: leasing row %d: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil
	}

	item, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM outbox WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("outbox: committing lease: %w", err)
	}

	return item, nil
}

// ByMarker returns the in-flight row holding marker.
func (t *Table) ByMarker(ctx context.Context, marker uuid.UUID) (*Item, error) {
	item, err := scanItem(t.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM outbox WHERE marker = ? AND status = 'in_flight'`, marker.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrLeaseLost, marker)
	}

	return item, err
}

// Get returns a row by id.
func (t *Table) Get(ctx context.Context, id int64) (*Item, error) {
	item, err := scanItem(t.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM outbox WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	return item, err
}

// Active returns the pending or in-flight row for (recipient, file).
func (t *Table) Active(ctx context.Context, recipient identity.Identity, fileID uuid.UUID) (*Item, error) {
	item, err := scanItem(t.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM outbox
		WHERE recipient = ? AND file_id = ? AND status IN ('pending', 'in_flight')`,
		recipient, fileID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s for %s", ErrNotFound, fileID, recipient)
	}

	return item, err
}

// Ack completes a delivery. The row is deleted unless it was requeued while
// in flight, in which case it goes back to pending for the newer change.
func (t *Table) Ack(ctx context.Context, marker uuid.UUID, now time.Time) (*Item, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("outbox: beginning ack: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	item, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM outbox WHERE marker = ? AND status = 'in_flight'`, marker.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrLeaseLost, marker)
	}

	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE outbox SET status = 'pending', marker = NULL, lease_expires_at = NULL,
			requeued = 0, attempt_count = 0, next_run_at = ?
		WHERE id = ? AND requeued = 1`, now.UnixNano(), item.ID)
	if err != nil {
		return nil, fmt.Errorf("outbox: requeueing row %d: %w", item.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ? AND requeued = 0 AND status = 'in_flight'`, item.ID); err != nil {
		return nil, fmt.Errorf("outbox: deleting row %d: %w", item.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox_recipients WHERE recipient = ?`, item.Recipient); err != nil {
		return nil, fmt.Errorf("outbox: clearing unreachable flag: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("outbox: committing ack: %w", err)
	}

	return item, nil
}

// RetryLater returns a leased row to pending with a new schedule.
func (t *Table) RetryLater(ctx context.Context, marker uuid.UUID, attempts int, next time.Time, lastErr string, problem Problem) error {
	return t.execLease(ctx, marker,
		`UPDATE outbox SET status = 'pending', marker = NULL, lease_expires_at = NULL,
			attempt_count = ?, next_run_at = ?, last_error = ?, problem = ?
		WHERE marker = ? AND status = 'in_flight'`,
		attempts, next.UnixNano(), lastErr, string(problem), marker.String())
}

// Terminal moves a leased row to failed. The row and its marker are kept.
func (t *Table) Terminal(ctx context.Context, marker uuid.UUID, attempts int, lastErr string, problem Problem) error {
	return t.execLease(ctx, marker,
		`UPDATE outbox SET status = 'failed', lease_expires_at = NULL, requeued = 0,
			attempt_count = ?, last_error = ?, problem = ?
		WHERE marker = ? AND status = 'in_flight'`,
		attempts, lastErr, string(problem), marker.String())
}

// Release returns a leased row to pending without counting an attempt.
func (t *Table) Release(ctx context.Context, marker uuid.UUID) error {
	return t.execLease(ctx, marker,
		`UPDATE outbox SET status = 'pending', marker = NULL, lease_expires_at = NULL
		WHERE marker = ? AND status = 'in_flight'`, marker.String())
}

func (t *Table) execLease(ctx context.Context, marker uuid.UUID, query string, args ...any) error {
	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("outbox: updating lease %s: %w", marker, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, marker)
	}

	return nil
}

// ReclaimExpired returns every expired lease to pending.
func (t *Table) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := t.db.ExecContext(ctx,
		`UPDATE outbox SET status = 'pending', marker = NULL, lease_expires_at = NULL
		WHERE status = 'in_flight' AND lease_expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("outbox: reclaiming expired leases: %w", err)
	}

	n, _ := res.RowsAffected()

	return int(n), nil
}

// Requeue moves a failed row back to pending with a fresh attempt budget.
// It returns ErrAlreadyQueued when another row for the same recipient and
// file is pending or in flight.
func (t *Table) Requeue(ctx context.Context, id int64, now time.Time) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("outbox: beginning requeue: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var activeID int64

	err = tx.QueryRowContext(ctx,
		`SELECT a.id FROM outbox f JOIN outbox a
			ON a.recipient = f.recipient AND a.file_id = f.file_id
		WHERE f.id = ? AND a.id <> f.id AND a.status IN ('pending', 'in_flight')`, id).Scan(&activeID)

	switch {
	case err == nil:
		return fmt.Errorf("%w: row %d supersedes failed row %d", ErrAlreadyQueued, activeID, id)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("outbox: checking active row for %d: %w", id, err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE outbox SET status = 'pending', marker = NULL, attempt_count = 0,
			next_run_at = ?, last_error = NULL, problem = NULL
		WHERE id = ? AND status = 'failed'`, now.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("outbox: requeueing row %d: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: failed row %d", ErrNotFound, id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("outbox: committing requeue: %w", err)
	}

	return nil
}

// HasDue reports whether recipient has a row a lease at now could claim.
// Backed-off rows and rows waiting on a dependency do not count.
func (t *Table) HasDue(ctx context.Context, recipient identity.Identity, now time.Time) (bool, error) {
	var due bool

	err := t.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM outbox o WHERE `+eligibleAt+` AND o.recipient = ?2)`,
		now.UnixNano(), recipient).Scan(&due)
	if err != nil {
		return false, fmt.Errorf("outbox: checking due work for %s: %w", recipient, err)
	}

	return due, nil
}

// DueRecipients returns every recipient with a row a lease at now could claim.
func (t *Table) DueRecipients(ctx context.Context, now time.Time) ([]identity.Identity, error) {
	return t.identities(ctx,
		`SELECT DISTINCT o.recipient FROM outbox o WHERE `+eligibleAt+` ORDER BY o.recipient`,
		now.UnixNano())
}

// Recipients returns every recipient with pending or in-flight rows.
func (t *Table) Recipients(ctx context.Context) ([]identity.Identity, error) {
	return t.identities(ctx,
		`SELECT DISTINCT recipient FROM outbox WHERE status IN ('pending', 'in_flight') ORDER BY recipient`)
}

// Failures returns terminal rows, newest attempt first.
func (t *Table) Failures(ctx context.Context, limit int) ([]*Item, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM outbox WHERE status = 'failed'
		ORDER BY last_attempt_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: listing failures: %w", err)
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

// MarkUnreachable flags recipient and reports whether it was newly flagged.
func (t *Table) MarkUnreachable(ctx context.Context, recipient identity.Identity, now time.Time) (bool, error) {
	res, err := t.db.ExecContext(ctx,
		`INSERT INTO outbox_recipients (recipient, unreachable_since) VALUES (?, ?)
		ON CONFLICT (recipient) DO NOTHING`, recipient, now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("outbox: flagging %s unreachable: %w", recipient, err)
	}

	n, _ := res.RowsAffected()

	return n == 1, nil
}

// IsUnreachable reports whether recipient is flagged.
func (t *Table) IsUnreachable(ctx context.Context, recipient identity.Identity) (bool, error) {
	var n int
	if err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_recipients WHERE recipient = ?`, recipient).Scan(&n); err != nil {
		return false, fmt.Errorf("outbox: reading unreachable flag: %w", err)
	}

	return n > 0, nil
}

// Stats summarizes the table.
func (t *Table) Stats(ctx context.Context) (Stats, error) {
	var (
		s                    Stats
		nextRun, oldestAdded sql.NullInt64
	)

	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(status = 'pending'), 0),
			COALESCE(SUM(status = 'in_flight'), 0),
			COALESCE(SUM(status = 'failed'), 0),
			MIN(CASE WHEN status = 'pending' THEN next_run_at END),
			MIN(CASE WHEN status IN ('pending', 'in_flight') THEN added_at END)
		FROM outbox`).Scan(&s.Total, &s.Pending, &s.InFlight, &s.Failed, &nextRun, &oldestAdded)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox: reading stats: %w", err)
	}

	if nextRun.Valid {
		s.NextRunAt = time.Unix(0, nextRun.Int64).UTC()
	}

	if oldestAdded.Valid {
		s.OldestAdded = time.Unix(0, oldestAdded.Int64).UTC()
	}

	s.Unreachable, err = t.identities(ctx, `SELECT recipient FROM outbox_recipients ORDER BY recipient`)
	if err != nil {
		return Stats{}, err
	}

	return s, nil
}

func (t *Table) identities(ctx context.Context, query string, args ...any) ([]identity.Identity, error) {
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox: listing recipients: %w", err)
	}
	defer rows.Close()

	var out []identity.Identity

	for rows.Next() {
		var id identity.Identity
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("outbox: scanning recipient: %w", err)
		}

		out = append(out, id)
	}

	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(s rowScanner) (*Item, error) {
	var (
		it                              Item
		driveID, fileID                 string
		depID, marker, lastErr, problem sql.NullString
		status                          string
		added, nextRun                  int64
		leaseExpires, lastAttempt       sql.NullInt64
		opts                            []byte
	)

	err := s.Scan(&it.ID, &it.Recipient, &driveID, &fileID, &depID, &it.Priority, &status,
		&marker, &it.AttemptCount, &added, &nextRun, &leaseExpires, &lastAttempt,
		&lastErr, &problem, &opts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("outbox: scanning row: %w", err)
	}

	if it.DriveID, err = uuid.Parse(driveID); err != nil {
		return nil, fmt.Errorf("outbox: row %d drive id: %w", it.ID, err)
	}

	if it.FileID, err = uuid.Parse(fileID); err != nil {
		return nil, fmt.Errorf("outbox: row %d file id: %w", it.ID, err)
	}

	if depID.Valid {
		if it.DependencyFileID, err = uuid.Parse(depID.String); err != nil {
			return nil, fmt.Errorf("outbox: row %d dependency id: %w", it.ID, err)
		}
	}

	if marker.Valid {
		if it.Marker, err = uuid.Parse(marker.String); err != nil {
			return nil, fmt.Errorf("outbox: row %d marker: %w", it.ID, err)
		}
	}

	if len(opts) > 0 {
		if err := cbor.Unmarshal(opts, &it.Options); err != nil {
			return nil, fmt.Errorf("outbox: row %d options: %w", it.ID, err)
		}
	}

	it.Status = Status(status)
	it.AddedAt = time.Unix(0, added).UTC()
	it.NextRunAt = time.Unix(0, nextRun).UTC()
	it.LastError = lastErr.String
	it.Problem = Problem(problem.String)

	if leaseExpires.Valid {
		it.LeaseExpiresAt = time.Unix(0, leaseExpires.Int64).UTC()
	}

	if lastAttempt.Valid {
		it.LastAttemptAt = time.Unix(0, lastAttempt.Int64).UTC()
	}

	return &it, nil
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}

	return id.String()
}
