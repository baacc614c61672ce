package envelope

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerhost/transitd/internal/drive"
)

func TestPreparePayload_RoundTrip(t *testing.T) {
	t.Parallel()

	kh := newKeyHeader(t)
	content := bytes.Repeat([]byte("transit "), 512)

	for _, c := range []drive.Compression{drive.CompressionNone, drive.CompressionZstd, drive.CompressionLZ4} {
		blob, desc, err := PreparePayload(kh, "main", "text/plain", content, c)
		require.NoError(t, err, c)
		assert.Equal(t, int64(len(content)), desc.Size)
		assert.Equal(t, c, desc.Compression)
		assert.NotContains(t, string(blob), "transit ")

		got, err := OpenPayload(kh, blob, desc)
		require.NoError(t, err, c)
		assert.Equal(t, content, got)
	}
}

func TestOpenPayload_WrongKey(t *testing.T) {
	t.Parallel()

	blob, desc, err := PreparePayload(newKeyHeader(t), "main", "", []byte("x"), drive.CompressionNone)
	require.NoError(t, err)

	_, err = OpenPayload(newKeyHeader(t), blob, desc)
	require.ErrorIs(t, err, ErrDecryption)
}

func TestOpenPayload_HashMismatch(t *testing.T) {
	t.Parallel()

	kh := newKeyHeader(t)

	blob, desc, err := PreparePayload(kh, "main", "", []byte("hello"), drive.CompressionNone)
	require.NoError(t, err)

	desc.Hash = drive.ContentHash([]byte("other"))

	_, err = OpenPayload(kh, blob, desc)
	require.ErrorIs(t, err, ErrDecryption)
}

func TestThumbnail_RoundTrip(t *testing.T) {
	t.Parallel()

	kh := newKeyHeader(t)

	blob, desc, err := PrepareThumbnail(kh, 32, 16, "image/webp", []byte("pixels"))
	require.NoError(t, err)
	assert.Equal(t, 32, desc.Width)

	got, err := OpenThumbnail(kh, blob, desc)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(got))
}

func TestSealKeyHeader_BoundToDrive(t *testing.T) {
	t.Parallel()

	kh := newKeyHeader(t)
	driveKey := bytes.Repeat([]byte{7}, 32)
	driveID := uuid.New()

	sealed, err := SealKeyHeader(driveKey, driveID, kh)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, kh.AesKey[:]))

	got, err := OpenKeyHeader(driveKey, driveID, sealed)
	require.NoError(t, err)
	assert.Equal(t, kh, got)

	_, err = OpenKeyHeader(driveKey, uuid.New(), sealed)
	require.ErrorIs(t, err, ErrDecryption)
}
