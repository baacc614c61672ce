package permission

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/store"
)

// prefixSealer is a reversible stand-in for the key ring's sealer.
type prefixSealer struct{}

func (prefixSealer) Seal(plaintext, aad []byte) ([]byte, error) {
	out := append([]byte{}, aad...)
	return append(out, plaintext...), nil
}

func (prefixSealer) Open(sealed, aad []byte) ([]byte, error) {
	if !bytes.HasPrefix(sealed, aad) {
		return nil, errors.New("aad mismatch")
	}

	return append([]byte{}, sealed[len(aad):]...), nil
}

// fixedKeys derives a fake storage key from the drive id.
type fixedKeys struct{}

func (fixedKeys) DriveKey(driveID uuid.UUID) ([]byte, error) {
	key := make([]byte, 32)
	copy(key, driveID[:])

	return key, nil
}

func newTestGrantStore(t *testing.T) *GrantStore {
	t.Helper()

	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "grants.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewGrantStore(db, prefixSealer{}, nil)
}

func newTarget() drive.TargetDrive {
	return drive.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
}

func putCircle(t *testing.T, s *GrantStore, name string, grants ...PermissionedDrive) Circle {
	t.Helper()

	c := Circle{ID: uuid.New(), Name: name, DriveGrants: grants}
	require.NoError(t, s.PutCircle(context.Background(), c))

	return c
}
