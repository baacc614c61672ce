package keyring

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Keychain is a tenant's persisted key ring plus its master key. It seals
// secrets at rest and derives per-drive storage keys.
type Keychain struct {
	db     *sql.DB
	master []byte
	logger *slog.Logger

	nowFunc func() time.Time

	mu   sync.RWMutex
	ring *Ring
}

// Open loads the key ring from db, generating the first key when the table
// is empty.
func Open(ctx context.Context, db *sql.DB, master []byte, capacity int, logger *slog.Logger) (*Keychain, error) {
	if len(master) != MasterKeySize {
		return nil, fmt.Errorf("keyring: master key is %d bytes, want %d", len(master), MasterKeySize)
	}

	if logger == nil {
		logger = slog.Default()
	}

	k := &Keychain{
		db:      db,
		master:  master,
		logger:  logger,
		nowFunc: time.Now,
		ring:    NewRing(capacity),
	}

	if err := k.load(ctx); err != nil {
		return nil, err
	}

	if _, ok := k.ring.Current(); !ok {
		if _, err := k.Rotate(ctx); err != nil {
			return nil, err
		}
	}

	return k, nil
}

func (k *Keychain) load(ctx context.Context) error {
	rows, err := k.db.QueryContext(ctx,
		`SELECT key_id, scheme, public_key, sealed_private_key, created_at
		FROM key_ring ORDER BY position`)
	if err != nil {
		return fmt.Errorf("keyring: loading keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			keyID   int64
			scheme  string
			pub     []byte
			sealed  []byte
			created int64
		)

		if err := rows.Scan(&keyID, &scheme, &pub, &sealed, &created); err != nil {
			return fmt.Errorf("keyring: scanning key: %w", err)
		}

		plain, err := open(k.master, sealed, keyAAD(uint32(keyID)))
		if err != nil {
			return fmt.Errorf("keyring: opening private key %d: %w", keyID, err)
		}

		priv, err := parsePrivate(Scheme(scheme), plain)
		if err != nil {
			return err
		}

		k.ring.Insert(&Record{
			KeyID:     uint32(keyID),
			Scheme:    Scheme(scheme),
			PublicKey: pub,
			Created:   time.Unix(0, created).UTC(),
			private:   priv,
		})
	}

	return rows.Err()
}

// Current returns the key new envelopes are encrypted to.
func (k *Keychain) Current() *Record {
	k.mu.RLock()
	defer k.mu.RUnlock()

	rec, _ := k.ring.Current()

	return rec
}

// Find returns the record with keyID.
func (k *Keychain) Find(keyID uint32) (*Record, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return k.ring.Find(keyID)
}

// Records returns all held records, current first.
func (k *Keychain) Records() []*Record {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return k.ring.Records()
}

// Rotate generates a new current key. The previous key stays available for
// decryption until it is evicted.
func (k *Keychain) Rotate(ctx context.Context) (*Record, error) {
	rec, err := GenerateRecord(k.nowFunc())
	if err != nil {
		return nil, err
	}

	if err := k.insert(ctx, rec); err != nil {
		return nil, err
	}

	k.logger.Info("transit key rotated",
		slog.Uint64("key_id", uint64(rec.KeyID)),
		slog.String("scheme", string(rec.Scheme)),
	)

	return rec, nil
}

// Import adds an existing record, typically a legacy RSA key.
func (k *Keychain) Import(ctx context.Context, rec *Record) error {
	if err := k.insert(ctx, rec); err != nil {
		return err
	}

	k.logger.Info("transit key imported",
		slog.Uint64("key_id", uint64(rec.KeyID)),
		slog.String("scheme", string(rec.Scheme)),
	)

	return nil
}

func (k *Keychain) insert(ctx context.Context, rec *Record) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	// The live ring changes only once the new one is stored.
	next := k.ring.Clone()
	evicted := next.Insert(rec)

	if err := k.persist(ctx, next); err != nil {
		return err
	}

	k.ring = next

	if evicted != nil {
		k.logger.Info("transit key evicted", slog.Uint64("key_id", uint64(evicted.KeyID)))
	}

	return nil
}

// persist rewrites the key_ring table from ring. Caller holds mu.
func (k *Keychain) persist(ctx context.Context, ring *Ring) error {
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("keyring: beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM key_ring`); err != nil {
		return fmt.Errorf("keyring: clearing keys: %w", err)
	}

	for pos, rec := range ring.Records() {
		plain, err := rec.private.marshal()
		if err != nil {
			return fmt.Errorf("keyring: encoding private key %d: %w", rec.KeyID, err)
		}

		sealed, err := seal(k.master, plain, keyAAD(rec.KeyID))
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO key_ring (key_id, position, scheme, public_key, sealed_private_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			int64(rec.KeyID), pos, string(rec.Scheme), rec.PublicKey, sealed, rec.Created.UnixNano(),
		); err != nil {
			return fmt.Errorf("keyring: storing key %d: %w", rec.KeyID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("keyring: committing keys: %w", err)
	}

	return nil
}

func keyAAD(keyID uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte("transitd.key-ring:"), keyID)
}

// Seal encrypts a secret at rest under the master key.
func (k *Keychain) Seal(plaintext, aad []byte) ([]byte, error) {
	return seal(k.master, plaintext, aad)
}

// Open decrypts a secret sealed by Seal.
func (k *Keychain) Open(sealed, aad []byte) ([]byte, error) {
	return open(k.master, sealed, aad)
}

// DriveKey returns the storage key for driveID.
func (k *Keychain) DriveKey(driveID uuid.UUID) ([]byte, error) {
	return deriveDriveKey(k.master, driveID.String())
}
