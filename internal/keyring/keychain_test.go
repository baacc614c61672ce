package keyring

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerhost/transitd/internal/store"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "keys.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func testMaster() []byte {
	key := make([]byte, MasterKeySize)
	for i := range key {
		key[i] = byte(i)
	}

	return key
}

func TestOpen_GeneratesFirstKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openDB(t)

	kc, err := Open(ctx, db, testMaster(), 3, nil)
	require.NoError(t, err)

	cur := kc.Current()
	require.NotNil(t, cur)
	assert.Equal(t, SchemeX25519, cur.Scheme)

	// Reopen loads the same key instead of generating another.
	again, err := Open(ctx, db, testMaster(), 3, nil)
	require.NoError(t, err)
	assert.Equal(t, cur.KeyID, again.Current().KeyID)
	assert.Len(t, again.Records(), 1)
}

func TestRotate_KeepsHistoricalUntilEvicted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openDB(t)

	kc, err := Open(ctx, db, testMaster(), 2, nil)
	require.NoError(t, err)

	clock := time.Now()
	kc.nowFunc = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	first := kc.Current()

	ct, err := first.Public().Encrypt([]byte("payload key"))
	require.NoError(t, err)

	second, err := kc.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.KeyID, kc.Current().KeyID)

	old, ok := kc.Find(first.KeyID)
	require.True(t, ok)

	pt, err := old.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "payload key", string(pt))

	_, err = kc.Rotate(ctx)
	require.NoError(t, err)

	_, ok = kc.Find(first.KeyID)
	assert.False(t, ok)

	reloaded, err := Open(ctx, db, testMaster(), 2, nil)
	require.NoError(t, err)
	assert.Len(t, reloaded.Records(), 2)
	assert.Equal(t, kc.Current().KeyID, reloaded.Current().KeyID)
}

func TestRotate_FailedPersistLeavesRingUnchanged(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openDB(t)

	kc, err := Open(ctx, db, testMaster(), 2, nil)
	require.NoError(t, err)

	clock := time.Now()
	kc.nowFunc = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	first := kc.Current()

	second, err := kc.Rotate(ctx)
	require.NoError(t, err)

	require.NoError(t, db.Close())

	// The ring is full, so a stored rotation would evict first.
	_, err = kc.Rotate(ctx)
	require.Error(t, err)

	assert.Equal(t, second.KeyID, kc.Current().KeyID)

	_, ok := kc.Find(first.KeyID)
	assert.True(t, ok)
	assert.Len(t, kc.Records(), 2)
}

func TestImport_LegacyPersists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openDB(t)

	kc, err := Open(ctx, db, testMaster(), 3, nil)
	require.NoError(t, err)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	legacy, err := NewRSARecord(rsaKey, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, kc.Import(ctx, legacy))

	reloaded, err := Open(ctx, db, testMaster(), 3, nil)
	require.NoError(t, err)

	got, ok := reloaded.Find(legacy.KeyID)
	require.True(t, ok)
	assert.Equal(t, SchemeRSA, got.Scheme)

	ct, err := EncryptRSA(got.Public(), []byte("k"))
	require.NoError(t, err)

	pt, err := got.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "k", string(pt))
}

func TestOpen_WrongMasterFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openDB(t)

	_, err := Open(ctx, db, testMaster(), 3, nil)
	require.NoError(t, err)

	other := make([]byte, MasterKeySize)
	_, err = Open(ctx, db, other, 3, nil)
	require.ErrorIs(t, err, ErrSealed)
}

func TestSealOpen(t *testing.T) {
	t.Parallel()

	kc, err := Open(context.Background(), openDB(t), testMaster(), 1, nil)
	require.NoError(t, err)

	sealed, err := kc.Seal([]byte("secret"), []byte("aad"))
	require.NoError(t, err)

	plain, err := kc.Open(sealed, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, "secret", string(plain))

	_, err = kc.Open(sealed, []byte("other"))
	require.ErrorIs(t, err, ErrSealed)
}

func TestDriveKey_DeterministicPerDrive(t *testing.T) {
	t.Parallel()

	kc, err := Open(context.Background(), openDB(t), testMaster(), 1, nil)
	require.NoError(t, err)

	a, b := uuid.New(), uuid.New()

	ka1, err := kc.DriveKey(a)
	require.NoError(t, err)
	ka2, err := kc.DriveKey(a)
	require.NoError(t, err)
	kb, err := kc.DriveKey(b)
	require.NoError(t, err)

	assert.Equal(t, ka1, ka2)
	assert.NotEqual(t, ka1, kb)
	assert.Len(t, ka1, 32)
}

func TestEnsureMasterKey(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tenant", "master.key")

	key, err := EnsureMasterKey(path)
	require.NoError(t, err)
	assert.Len(t, key, MasterKeySize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := EnsureMasterKey(path)
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestLoadMasterKey_BadLength(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "short.key")
	require.NoError(t, os.WriteFile(path, []byte("abcd\n"), 0o600))

	_, err := LoadMasterKey(path)
	assert.Error(t, err)
}
