package drive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()

	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	return s
}

func testHeader(driveID uuid.UUID, keys ...string) *FileHeader {
	meta := FileMetadata{ContentType: "application/octet-stream"}
	for _, k := range keys {
		meta.Payloads = append(meta.Payloads, PayloadDescriptor{
			Key:         k,
			Compression: CompressionNone,
			Thumbnails:  []ThumbnailDescriptor{{Width: 8, Height: 8}},
		})
	}

	tag, _ := NewVersionTag(meta)

	return &FileHeader{
		FileID:          uuid.New(),
		DriveID:         driveID,
		GlobalTransitID: uuid.New(),
		VersionTag:      tag,
		Metadata:        meta,
		Created:         time.Unix(1700000000, 0).UTC(),
		Modified:        time.Unix(1700000000, 0).UTC(),
	}
}

func TestSaveAndRead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	h := testHeader(uuid.New(), "main")

	err := s.SaveFile(ctx, h, Blobs{
		Payloads:   map[string][]byte{"main": []byte("cipher")},
		Thumbnails: map[ThumbnailKey][]byte{{PayloadKey: "main", Width: 8, Height: 8}: []byte("thumb")},
	})
	require.NoError(t, err)

	got, err := s.GetHeader(ctx, h.Ref())
	require.NoError(t, err)
	assert.Equal(t, h.VersionTag, got.VersionTag)

	byGTID, err := s.FindByGlobalTransitID(ctx, h.DriveID, h.GlobalTransitID)
	require.NoError(t, err)
	assert.Equal(t, h.FileID, byGTID.FileID)

	blob, err := s.ReadPayload(ctx, h.Ref(), "main")
	require.NoError(t, err)
	assert.Equal(t, []byte("cipher"), blob)

	thumb, err := s.ReadThumbnail(ctx, h.Ref(), "main", 8, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("thumb"), thumb)
}

func TestApplyIncomingFile_ReplacesAndKeepsStaging(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	h := testHeader(uuid.New(), "main")

	st, err := s.Stage(uuid.New())
	require.NoError(t, err)
	require.NoError(t, st.WritePayload("main", []byte("v1")))
	require.NoError(t, st.WriteThumbnail(ThumbnailKey{PayloadKey: "main", Width: 8, Height: 8}, []byte("t1")))

	require.NoError(t, s.ApplyIncomingFile(ctx, h, st))

	// Applying again is replace-or-create and yields the same state.
	require.NoError(t, s.ApplyIncomingFile(ctx, h, st))

	blob, err := s.ReadPayload(ctx, h.Ref(), "main")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), blob)

	_, err = s.OpenStaging(st.Marker)
	require.NoError(t, err)

	require.NoError(t, s.DiscardStaging(st.Marker))

	_, err = s.OpenStaging(st.Marker)
	require.ErrorIs(t, err, ErrNotFound)

	entries, err := os.ReadDir(s.DriveDir(h.DriveID))
	require.NoError(t, err)

	for _, e := range entries {
		if IsInternalName(e.Name()) {
			assert.Equal(t, indexDirName, e.Name(), "no temp or old directories left behind")
		}
	}
}

func TestApplyIncomingFile_MissingBlobLeavesNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	h := testHeader(uuid.New(), "main")

	st, err := s.Stage(uuid.New())
	require.NoError(t, err)

	err = s.ApplyIncomingFile(ctx, h, st)
	require.ErrorIs(t, err, ErrApply)

	_, err = s.GetHeader(ctx, h.Ref())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePayloads(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	h := testHeader(uuid.New(), "main", "extra")

	require.NoError(t, s.SaveFile(ctx, h, Blobs{
		Payloads: map[string][]byte{"main": []byte("old-main"), "extra": []byte("old-extra")},
		Thumbnails: map[ThumbnailKey][]byte{
			{PayloadKey: "main", Width: 8, Height: 8}:  []byte("old-t-main"),
			{PayloadKey: "extra", Width: 8, Height: 8}: []byte("old-t-extra"),
		},
	}))

	st, err := s.Stage(uuid.New())
	require.NoError(t, err)
	require.NoError(t, st.WritePayload("main", []byte("new-main")))

	update := []PayloadDescriptor{{Key: "main", Size: 8, Compression: CompressionNone, Hash: "h2"}}
	require.NoError(t, s.UpdatePayloads(ctx, st, h.Ref(), update))

	got, err := s.GetHeader(ctx, h.Ref())
	require.NoError(t, err)
	require.Len(t, got.Metadata.Payloads, 2)
	assert.Equal(t, "h2", got.Metadata.Payloads[0].Hash)
	assert.NotEqual(t, h.VersionTag, got.VersionTag)

	blob, err := s.ReadPayload(ctx, h.Ref(), "main")
	require.NoError(t, err)
	assert.Equal(t, []byte("new-main"), blob)

	blob, err = s.ReadPayload(ctx, h.Ref(), "extra")
	require.NoError(t, err)
	assert.Equal(t, []byte("old-extra"), blob)

	_, err = s.ReadThumbnail(ctx, h.Ref(), "main", 8, 8)
	require.ErrorIs(t, err, ErrNotFound, "replaced payload's old thumbnails are dropped")

	_, err = s.ReadThumbnail(ctx, h.Ref(), "extra", 8, 8)
	require.NoError(t, err)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	h := testHeader(uuid.New())

	require.NoError(t, s.SaveFile(ctx, h, Blobs{}))
	require.NoError(t, s.Delete(ctx, h.Ref()))

	_, err := s.GetHeader(ctx, h.Ref())
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.FindByGlobalTransitID(ctx, h.DriveID, h.GlobalTransitID)
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, s.Delete(ctx, h.Ref()), ErrNotFound)
}

func TestStaging_RefusesEscapingKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()

	s, err := NewFileStore(root, nil)
	require.NoError(t, err)

	st, err := s.Stage(uuid.New())
	require.NoError(t, err)

	for _, key := range []string{"../../../../escaped", "a/b", "", "UPPER", "x/../../y"} {
		require.ErrorIs(t, st.WritePayload(key, []byte("x")), ErrInvalidKey, key)

		_, err := st.ReadPayload(key)
		require.ErrorIs(t, err, ErrInvalidKey, key)

		_, err = s.ReadPayload(ctx, FileRef{DriveID: uuid.New(), FileID: uuid.New()}, key)
		require.ErrorIs(t, err, ErrInvalidKey, key)
	}

	err = st.WriteThumbnail(ThumbnailKey{PayloadKey: "../up", Width: 8, Height: 8}, []byte("x"))
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = os.Stat(filepath.Join(root, "escaped"))
	assert.True(t, os.IsNotExist(err))
}
