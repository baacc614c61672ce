package inbox

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/envelope"
	"github.com/peerhost/transitd/internal/keyring"
	"github.com/peerhost/transitd/internal/store"
)

func (e *applyEnv) readContent(t *testing.T, it *Item) string {
	t.Helper()

	ctx := context.Background()

	header, err := e.files.GetHeader(ctx, it.Ref())
	require.NoError(t, err)

	driveKey, err := e.keys.DriveKey(it.DriveID)
	require.NoError(t, err)

	kh, err := envelope.OpenKeyHeader(driveKey, it.DriveID, header.SealedKeyHeader)
	require.NoError(t, err)

	desc, ok := header.Metadata.Payload("main")
	require.True(t, ok)

	blob, err := e.files.ReadPayload(ctx, it.Ref(), "main")
	require.NoError(t, err)

	plain, err := envelope.OpenPayload(kh, blob, desc)
	require.NoError(t, err)

	return string(plain)
}

func TestStoreApplier_FullTransfer(t *testing.T) {
	t.Parallel()

	env := newApplyEnv(t)
	ctx := context.Background()

	it := env.transfer(t, newKeyHeader(t), uuid.New(), "hello bob", envelope.SendAll)

	require.NoError(t, env.applier.Apply(ctx, it))
	assert.Equal(t, "hello bob", env.readContent(t, it))

	header, err := env.files.GetHeader(ctx, it.Ref())
	require.NoError(t, err)
	assert.Equal(t, alice, header.Sender)
	assert.Equal(t, it.VersionTag, header.VersionTag)
	assert.False(t, header.Distributable(), "received files are never redistributed")

	found, err := env.files.FindByGlobalTransitID(ctx, it.DriveID, it.GlobalTransitID)
	require.NoError(t, err)
	assert.Equal(t, it.FileID, found.FileID)

	// Replaying the same item yields the same state.
	require.NoError(t, env.applier.Apply(ctx, it))
	assert.Equal(t, "hello bob", env.readContent(t, it))
}

func TestStoreApplier_MissingBlobIsIncomplete(t *testing.T) {
	t.Parallel()

	env := newApplyEnv(t)

	it := env.transfer(t, newKeyHeader(t), uuid.New(), "hello", envelope.SendHeader|envelope.SendThumbnails)
	it.InstructionSet.ContentsProvided = envelope.SendAll

	err := env.applier.Apply(context.Background(), it)
	require.ErrorIs(t, err, ErrIncomplete)

	_, err = env.files.GetHeader(context.Background(), it.Ref())
	require.ErrorIs(t, err, drive.ErrNotFound)
}

func TestStoreApplier_TamperedBlob(t *testing.T) {
	t.Parallel()

	env := newApplyEnv(t)

	it := env.transfer(t, newKeyHeader(t), uuid.New(), "hello", envelope.SendAll)

	staged, err := env.files.OpenStaging(it.Marker)
	require.NoError(t, err)

	blob, err := staged.ReadPayload("main")
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xff
	require.NoError(t, staged.WritePayload("main", blob))

	err = env.applier.Apply(context.Background(), it)
	require.ErrorIs(t, err, envelope.ErrDecryption)
}

func TestStoreApplier_PayloadOnlyUpdate(t *testing.T) {
	t.Parallel()

	env := newApplyEnv(t)
	ctx := context.Background()

	kh := newKeyHeader(t)
	gtid := uuid.New()

	require.NoError(t, env.applier.Apply(ctx, env.transfer(t, kh, gtid, "v1", envelope.SendAll)))

	update := env.transfer(t, kh, gtid, "v2", envelope.SendPayload|envelope.SendThumbnails)
	require.NoError(t, env.applier.Apply(ctx, update))
	assert.Equal(t, "v2", env.readContent(t, update))

	// A payload update under another key cannot be reconciled.
	foreign := env.transfer(t, newKeyHeader(t), gtid, "v3", envelope.SendPayload|envelope.SendThumbnails)
	require.ErrorIs(t, env.applier.Apply(ctx, foreign), envelope.ErrDecryption)
	assert.Equal(t, "v2", env.readContent(t, update))
}

func TestStoreApplier_PayloadUpdateForMissingFile(t *testing.T) {
	t.Parallel()

	env := newApplyEnv(t)

	it := env.transfer(t, newKeyHeader(t), uuid.New(), "v1", envelope.SendPayload)
	require.ErrorIs(t, env.applier.Apply(context.Background(), it), drive.ErrNotFound)
}

func TestStoreApplier_HeaderOnlyBackfillsBlobs(t *testing.T) {
	t.Parallel()

	env := newApplyEnv(t)
	ctx := context.Background()

	kh := newKeyHeader(t)
	gtid := uuid.New()

	first := env.transfer(t, kh, gtid, "same bytes", envelope.SendAll)
	require.NoError(t, env.applier.Apply(ctx, first))

	headerOnly := env.transfer(t, kh, gtid, "same bytes", envelope.SendHeader)
	headerOnly.Metadata.AppData = `{"starred":true}`
	require.NoError(t, env.applier.Apply(ctx, headerOnly))

	header, err := env.files.GetHeader(ctx, headerOnly.Ref())
	require.NoError(t, err)
	assert.JSONEq(t, `{"starred":true}`, header.Metadata.AppData)
	assert.Equal(t, "same bytes", env.readContent(t, headerOnly))

	// Without a local copy there is nothing to backfill from.
	orphan := env.transfer(t, kh, uuid.New(), "x", envelope.SendHeader)
	require.ErrorIs(t, env.applier.Apply(ctx, orphan), ErrIncomplete)
}

func TestStoreApplier_Delete(t *testing.T) {
	t.Parallel()

	env := newApplyEnv(t)
	ctx := context.Background()

	it := env.transfer(t, newKeyHeader(t), uuid.New(), "bye", envelope.SendAll)
	require.NoError(t, env.applier.Apply(ctx, it))

	del := &Item{
		Sender:          alice,
		DriveID:         it.DriveID,
		FileID:          it.FileID,
		GlobalTransitID: it.GlobalTransitID,
		Type:            InstructionDelete,
		Marker:          uuid.New(),
	}

	require.NoError(t, env.applier.Apply(ctx, del))

	_, err := env.files.GetHeader(ctx, it.Ref())
	require.ErrorIs(t, err, drive.ErrNotFound)

	// Deleting what is already gone is success.
	require.NoError(t, env.applier.Apply(ctx, del))
}

func TestStoreApplier_EnvelopeForUnknownKey(t *testing.T) {
	t.Parallel()

	env := newApplyEnv(t)
	ctx := context.Background()

	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "other.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	master := make([]byte, keyring.MasterKeySize)
	_, err = rand.Read(master)
	require.NoError(t, err)

	stranger, err := keyring.Open(ctx, db, master, 1, nil)
	require.NoError(t, err)

	kh := newKeyHeader(t)
	it := env.transfer(t, kh, uuid.New(), "not for you", envelope.SendAll)

	set, err := envelope.Encode(*it.InstructionSet, kh, stranger.Current().Public())
	require.NoError(t, err)
	it.InstructionSet = &set

	require.ErrorIs(t, env.applier.Apply(ctx, it), envelope.ErrUnknownRecipientKey)
}

func TestUpgradeEnvelopes(t *testing.T) {
	t.Parallel()

	env := newApplyEnv(t)
	f := newProcessorFixture(t, env.applier, Config{})
	ctx := context.Background()

	it := env.transfer(t, newKeyHeader(t), uuid.New(), "queued", envelope.SendAll)
	it.DriveID = f.drive.ID
	it.ID = 0
	f.enqueue(t, it)

	_, err := env.keys.Rotate(ctx)
	require.NoError(t, err)

	n, err := f.proc.UpgradeEnvelopes(ctx, env.codec)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.table.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, env.keys.Current().KeyID, got.InstructionSet.SharedSecretEncryptedKeyHeader.RecipientKeyID)

	n, err = f.proc.UpgradeEnvelopes(ctx, env.codec)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
