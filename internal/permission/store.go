package permission

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

// Sealer protects secrets at rest.
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(sealed, aad []byte) ([]byte, error)
}

// StorageKeySource yields the storage key of a local drive.
type StorageKeySource interface {
	DriveKey(driveID uuid.UUID) ([]byte, error)
}

// outboundTokenAAD binds a sealed outbound token to its purpose.
var outboundTokenAAD = []byte("transitd.outbound-token")

// GrantStore persists circles, connections, and materialized circle grants in
// the tenant database. It implements GrantSource.
type GrantStore struct {
	db      *sql.DB
	sealer  Sealer
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewGrantStore creates a GrantStore sharing db.
func NewGrantStore(db *sql.DB, sealer Sealer, logger *slog.Logger) *GrantStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &GrantStore{db: db, sealer: sealer, logger: logger, nowFunc: time.Now}
}

// PutCircle creates or replaces a circle definition. Existing connections
// keep the grants materialized when they joined.
func (s *GrantStore) PutCircle(ctx context.Context, c Circle) error {
	if c.ID == uuid.Nil {
		return errors.New("permission: circle id is required")
	}

	def, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("permission: encoding circle %s: %w", c.Name, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO circles (id, name, disabled, definition, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, disabled = excluded.disabled,
		     definition = excluded.definition, updated_at = excluded.updated_at`,
		c.ID.String(), c.Name, c.Disabled, def, s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("permission: saving circle %s: %w", c.Name, err)
	}

	return nil
}

// Circle loads a circle by id.
func (s *GrantStore) Circle(ctx context.Context, id uuid.UUID) (*Circle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT disabled, definition FROM circles WHERE id = ?`, id.String())
	return scanCircle(row, id.String())
}

// CircleByName loads a circle by its unique name.
func (s *GrantStore) CircleByName(ctx context.Context, name string) (*Circle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT disabled, definition FROM circles WHERE name = ?`, name)
	return scanCircle(row, name)
}

func scanCircle(row *sql.Row, what string) (*Circle, error) {
	var (
		disabled bool
		def      []byte
	)

	if err := row.Scan(&disabled, &def); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: circle %s", ErrNotFound, what)
		}

		return nil, fmt.Errorf("permission: loading circle %s: %w", what, err)
	}

	var c Circle
	if err := json.Unmarshal(def, &c); err != nil {
		return nil, fmt.Errorf("permission: decoding circle %s: %w", what, err)
	}

	// The column is authoritative; SetCircleDisabled does not rewrite the blob.
	c.Disabled = disabled

	return &c, nil
}

// Circles lists every circle ordered by name.
func (s *GrantStore) Circles(ctx context.Context) ([]Circle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT disabled, definition FROM circles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("permission: listing circles: %w", err)
	}
	defer rows.Close()

	var out []Circle

	for rows.Next() {
		var (
			disabled bool
			def      []byte
			c        Circle
		)

		if err := rows.Scan(&disabled, &def); err != nil {
			return nil, fmt.Errorf("permission: scanning circle: %w", err)
		}

		if err := json.Unmarshal(def, &c); err != nil {
			return nil, fmt.Errorf("permission: decoding circle: %w", err)
		}

		c.Disabled = disabled
		out = append(out, c)
	}

	return out, rows.Err()
}

// SetCircleDisabled enables or disables a circle. Disabling takes effect on
// the next evaluation for every member.
func (s *GrantStore) SetCircleDisabled(ctx context.Context, id uuid.UUID, disabled bool) error {
	return s.execOne(ctx, "circle "+id.String(),
		`UPDATE circles SET disabled = ?, updated_at = ? WHERE id = ?`,
		disabled, s.nowFunc().UnixNano(), id.String())
}

// Connect establishes (or re-establishes) a connection with id, issues a
// fresh access registration, and materializes the grants of circleIDs. The
// returned token is the only copy of the shared secret outside the sealer.
func (s *GrantStore) Connect(
	ctx context.Context, id identity.Identity, circleIDs []uuid.UUID, keys StorageKeySource,
) (ClientAuthToken, error) {
	token, err := NewClientAuthToken()
	if err != nil {
		return ClientAuthToken{}, err
	}

	sealed, err := s.sealer.Seal(token.SharedSecret, token.ID[:])
	if err != nil {
		return ClientAuthToken{}, fmt.Errorf("permission: sealing shared secret: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ClientAuthToken{}, fmt.Errorf("permission: begin connect: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := s.nowFunc()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO connections (identity, status, registration_id, sealed_secret, revoked, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT (identity) DO UPDATE SET status = excluded.status,
		     registration_id = excluded.registration_id, sealed_secret = excluded.sealed_secret,
		     revoked = 0`,
		id.String(), string(StatusConnected), token.ID.String(), sealed, now.UnixNano())
	if err != nil {
		return ClientAuthToken{}, fmt.Errorf("permission: saving connection %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM circle_grants WHERE identity = ?`, id.String()); err != nil {
		return ClientAuthToken{}, fmt.Errorf("permission: clearing grants for %s: %w", id, err)
	}

	for _, circleID := range circleIDs {
		if err := s.insertGrant(ctx, tx, id, circleID, token.SharedSecret, keys, now); err != nil {
			return ClientAuthToken{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return ClientAuthToken{}, fmt.Errorf("permission: commit connect: %w", err)
	}

	s.logger.Info("connection established",
		slog.String("identity", id.String()),
		slog.Int("circles", len(circleIDs)),
	)

	return token, nil
}

// GrantCircle adds one circle's grants to an existing connection.
func (s *GrantStore) GrantCircle(ctx context.Context, id identity.Identity, circleID uuid.UUID, keys StorageKeySource) error {
	conn, err := s.Connection(ctx, id)
	if err != nil {
		return err
	}

	if conn.Registration == nil {
		return fmt.Errorf("permission: %s has no access registration", id)
	}

	secret, err := s.sealer.Open(conn.Registration.SealedSecret, conn.Registration.ID[:])
	if err != nil {
		return fmt.Errorf("permission: opening shared secret for %s: %w", id, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("permission: begin grant: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := s.insertGrant(ctx, tx, id, circleID, secret, keys, s.nowFunc()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("permission: commit grant: %w", err)
	}

	return nil
}

func (s *GrantStore) insertGrant(
	ctx context.Context, tx *sql.Tx, id identity.Identity, circleID uuid.UUID,
	secret []byte, keys StorageKeySource, now time.Time,
) error {
	var (
		disabled bool
		def      []byte
		circle   Circle
	)

	err := tx.QueryRowContext(ctx, `SELECT disabled, definition FROM circles WHERE id = ?`, circleID.String()).
		Scan(&disabled, &def)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: circle %s", ErrNotFound, circleID)
	}

	if err != nil {
		return fmt.Errorf("permission: loading circle %s: %w", circleID, err)
	}

	if err := json.Unmarshal(def, &circle); err != nil {
		return fmt.Errorf("permission: decoding circle %s: %w", circleID, err)
	}

	grant := CircleGrant{CircleID: circleID, Permissions: circle.Permissions, Created: now.UTC()}

	for _, pd := range circle.DriveGrants {
		driveID := pd.Drive.DriveID()

		storageKey, err := keys.DriveKey(driveID)
		if err != nil {
			return fmt.Errorf("permission: storage key for drive %s: %w", pd.Drive, err)
		}

		wrapped, err := WrapStorageKey(secret, storageKey, driveID)
		if err != nil {
			return err
		}

		grant.DriveGrants = append(grant.DriveGrants, DriveGrant{
			PermissionedDrive:              pd,
			KeyStoreKeyEncryptedStorageKey: wrapped,
		})
	}

	blob, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("permission: encoding circle grant: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO circle_grants (identity, circle_id, grant_blob, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (identity, circle_id) DO UPDATE SET grant_blob = excluded.grant_blob`,
		id.String(), circleID.String(), blob, now.UnixNano())
	if err != nil {
		return fmt.Errorf("permission: saving circle grant %s for %s: %w", circleID, id, err)
	}

	return nil
}

// RevokeCircleGrant removes one circle's grants from a connection.
func (s *GrantStore) RevokeCircleGrant(ctx context.Context, id identity.Identity, circleID uuid.UUID) error {
	return s.execOne(ctx, "circle grant "+circleID.String()+" for "+id.String(),
		`DELETE FROM circle_grants WHERE identity = ? AND circle_id = ?`, id.String(), circleID.String())
}

// Revoke voids the connection's access registration. Every permission derived
// from it disappears on the next evaluation.
func (s *GrantStore) Revoke(ctx context.Context, id identity.Identity) error {
	return s.execOne(ctx, "connection "+id.String(),
		`UPDATE connections SET revoked = 1 WHERE identity = ?`, id.String())
}

// Block marks the connection blocked without discarding its grants.
func (s *GrantStore) Block(ctx context.Context, id identity.Identity) error {
	return s.execOne(ctx, "connection "+id.String(),
		`UPDATE connections SET status = ? WHERE identity = ?`, string(StatusBlocked), id.String())
}

// Disconnect deletes the connection and its grants.
func (s *GrantStore) Disconnect(ctx context.Context, id identity.Identity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("permission: begin disconnect: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM circle_grants WHERE identity = ?`, id.String()); err != nil {
		return fmt.Errorf("permission: deleting grants for %s: %w", id, err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE identity = ?`, id.String())
	if err != nil {
		return fmt.Errorf("permission: deleting connection %s: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("permission: commit disconnect: %w", err)
	}

	s.logger.Info("connection removed", slog.String("identity", id.String()))

	return nil
}

// SetOutboundToken stores the token id issued to this tenant, used when
// calling id's perimeter.
func (s *GrantStore) SetOutboundToken(ctx context.Context, id identity.Identity, token ClientAuthToken) error {
	sealed, err := s.sealer.Seal([]byte(token.String()), outboundTokenAAD)
	if err != nil {
		return fmt.Errorf("permission: sealing outbound token: %w", err)
	}

	return s.execOne(ctx, "connection "+id.String(),
		`UPDATE connections SET outbound_token = ? WHERE identity = ?`, sealed, id.String())
}

// OutboundToken returns the token for calling id's perimeter.
func (s *GrantStore) OutboundToken(ctx context.Context, id identity.Identity) (ClientAuthToken, error) {
	var sealed []byte

	err := s.db.QueryRowContext(ctx, `SELECT outbound_token FROM connections WHERE identity = ?`, id.String()).
		Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && len(sealed) == 0) {
		return ClientAuthToken{}, fmt.Errorf("%w: outbound token for %s", ErrNotFound, id)
	}

	if err != nil {
		return ClientAuthToken{}, fmt.Errorf("permission: loading outbound token for %s: %w", id, err)
	}

	raw, err := s.sealer.Open(sealed, outboundTokenAAD)
	if err != nil {
		return ClientAuthToken{}, fmt.Errorf("permission: opening outbound token for %s: %w", id, err)
	}

	return ParseClientAuthToken(string(raw))
}

// Connection loads id's connection with its registration and grants.
func (s *GrantStore) Connection(ctx context.Context, id identity.Identity) (*Connection, error) {
	var (
		status  string
		regID   sql.NullString
		sealed  []byte
		revoked bool
		created int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT status, registration_id, sealed_secret, revoked, created_at FROM connections WHERE identity = ?`,
		id.String()).Scan(&status, &regID, &sealed, &revoked, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("permission: loading connection %s: %w", id, err)
	}

	conn := &Connection{Identity: id, Status: ConnectionStatus(status)}

	if regID.Valid {
		parsed, err := uuid.Parse(regID.String)
		if err != nil {
			return nil, fmt.Errorf("permission: corrupt registration id for %s: %w", id, err)
		}

		conn.Registration = &AccessRegistration{
			ID:           parsed,
			SealedSecret: sealed,
			Revoked:      revoked,
			Created:      time.Unix(0, created).UTC(),
		}
	}

	grants, err := s.loadGrants(ctx, id)
	if err != nil {
		return nil, err
	}

	conn.CircleGrants = grants

	return conn, nil
}

func (s *GrantStore) loadGrants(ctx context.Context, id identity.Identity) ([]CircleGrant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT grant_blob FROM circle_grants WHERE identity = ? ORDER BY created_at, circle_id`, id.String())
	if err != nil {
		return nil, fmt.Errorf("permission: listing grants for %s: %w", id, err)
	}
	defer rows.Close()

	var out []CircleGrant

	for rows.Next() {
		var (
			blob  []byte
			grant CircleGrant
		)

		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("permission: scanning grant: %w", err)
		}

		if err := json.Unmarshal(blob, &grant); err != nil {
			return nil, fmt.Errorf("permission: decoding grant: %w", err)
		}

		out = append(out, grant)
	}

	return out, rows.Err()
}

// Connections lists every connected or blocked identity.
func (s *GrantStore) Connections(ctx context.Context) ([]identity.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity FROM connections ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("permission: listing connections: %w", err)
	}
	defer rows.Close()

	var out []identity.Identity

	for rows.Next() {
		var id identity.Identity
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("permission: scanning connection: %w", err)
		}

		out = append(out, id)
	}

	return out, rows.Err()
}

func (s *GrantStore) execOne(ctx context.Context, what, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("permission: updating %s: %w", what, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("permission: updating %s rows affected: %w", what, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}

	return nil
}

var _ GrantSource = (*GrantStore)(nil)
