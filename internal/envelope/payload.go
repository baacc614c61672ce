package envelope

import (
	"fmt"

	"github.com/peerhost/transitd/internal/drive"
)

// EncryptPayload encrypts plaintext with the file key. The KeyHeader Iv is
// bound as associated data so blobs cannot be swapped between files.
func EncryptPayload(kh KeyHeader, plaintext []byte) ([]byte, error) {
	return aeadSeal(kh.AesKey[:], plaintext, kh.Iv[:])
}

// DecryptPayload reverses EncryptPayload.
func DecryptPayload(kh KeyHeader, blob []byte) ([]byte, error) {
	return aeadOpen(kh.AesKey[:], blob, kh.Iv[:])
}

// PreparePayload compresses and encrypts content for the drive store and
// returns the blob with its descriptor.
func PreparePayload(kh KeyHeader, key, contentType string, content []byte, c drive.Compression) ([]byte, drive.PayloadDescriptor, error) {
	packed, used, err := drive.Compress(content, c)
	if err != nil {
		return nil, drive.PayloadDescriptor{}, err
	}

	blob, err := EncryptPayload(kh, packed)
	if err != nil {
		return nil, drive.PayloadDescriptor{}, err
	}

	return blob, drive.PayloadDescriptor{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(content)),
		Compression: used,
		Hash:        drive.ContentHash(content),
	}, nil
}

// PrepareThumbnail encrypts a thumbnail. Thumbnails are never compressed.
func PrepareThumbnail(kh KeyHeader, width, height int, contentType string, content []byte) ([]byte, drive.ThumbnailDescriptor, error) {
	blob, err := EncryptPayload(kh, content)
	if err != nil {
		return nil, drive.ThumbnailDescriptor{}, err
	}

	return blob, drive.ThumbnailDescriptor{
		Width:       width,
		Height:      height,
		ContentType: contentType,
		Size:        int64(len(content)),
		Hash:        drive.ContentHash(content),
	}, nil
}

// OpenPayload decrypts and decompresses a payload blob and verifies it
// against its descriptor.
func OpenPayload(kh KeyHeader, blob []byte, desc drive.PayloadDescriptor) ([]byte, error) {
	packed, err := DecryptPayload(kh, blob)
	if err != nil {
		return nil, fmt.Errorf("envelope: payload %q: %w", desc.Key, err)
	}

	content, err := drive.Decompress(packed, desc.Compression, desc.Size)
	if err != nil {
		return nil, fmt.Errorf("envelope: payload %q: %w", desc.Key, err)
	}

	if got := drive.ContentHash(content); got != desc.Hash {
		return nil, fmt.Errorf("%w: payload %q hash %s, want %s", ErrDecryption, desc.Key, got, desc.Hash)
	}

	return content, nil
}

// OpenThumbnail decrypts a thumbnail blob and verifies it.
func OpenThumbnail(kh KeyHeader, blob []byte, desc drive.ThumbnailDescriptor) ([]byte, error) {
	content, err := DecryptPayload(kh, blob)
	if err != nil {
		return nil, fmt.Errorf("envelope: thumbnail %dx%d: %w", desc.Width, desc.Height, err)
	}

	if got := drive.ContentHash(content); got != desc.Hash {
		return nil, fmt.Errorf("%w: thumbnail %dx%d hash mismatch", ErrDecryption, desc.Width, desc.Height)
	}

	return content, nil
}
