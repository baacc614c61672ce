package permission

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const wrapVersion byte = 0x01

var hkdfInfoDriveGrant = []byte("transitd.drive-grant.v1")

// WrapStorageKey encrypts a drive storage key for a grantee. The wrapping key
// is derived from the connection's shared secret and bound to the drive id.
func WrapStorageKey(sharedSecret, storageKey []byte, driveID uuid.UUID) ([]byte, error) {
	aead, err := grantAEAD(sharedSecret, driveID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("permission: generating nonce: %w", err)
	}

	out := make([]byte, 1, 1+len(nonce)+len(storageKey)+aead.Overhead())
	out[0] = wrapVersion
	out = append(out, nonce...)

	return aead.Seal(out, nonce, storageKey, driveID[:]), nil
}

// UnwrapStorageKey reverses WrapStorageKey.
func UnwrapStorageKey(sharedSecret, wrapped []byte, driveID uuid.UUID) ([]byte, error) {
	if len(wrapped) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("permission: wrapped storage key is %d bytes", len(wrapped))
	}

	if wrapped[0] != wrapVersion {
		return nil, fmt.Errorf("permission: wrapped storage key version %d is not supported", wrapped[0])
	}

	aead, err := grantAEAD(sharedSecret, driveID)
	if err != nil {
		return nil, err
	}

	nonce := wrapped[1 : 1+chacha20poly1305.NonceSizeX]

	key, err := aead.Open(nil, nonce, wrapped[1+chacha20poly1305.NonceSizeX:], driveID[:])
	if err != nil {
		return nil, fmt.Errorf("permission: unwrapping storage key: %w", err)
	}

	return key, nil
}

// StorageKey unwraps the drive storage key this grant carries using the
// grantee's token.
func (g DriveGrant) StorageKey(token ClientAuthToken) ([]byte, error) {
	return UnwrapStorageKey(token.SharedSecret, g.KeyStoreKeyEncryptedStorageKey, g.PermissionedDrive.Drive.DriveID())
}

func grantAEAD(sharedSecret []byte, driveID uuid.UUID) (cipher.AEAD, error) {
	info := make([]byte, 0, len(hkdfInfoDriveGrant)+len(driveID))
	info = append(info, hkdfInfoDriveGrant...)
	info = append(info, driveID[:]...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, info), key); err != nil {
		return nil, fmt.Errorf("permission: deriving grant key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("permission: creating grant cipher: %w", err)
	}

	return aead, nil
}
