package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MasterKeySize is the length of a tenant master key.
const MasterKeySize = 32

const (
	masterKeyFilePerm = 0o600
	masterKeyDirPerm  = 0o700
	driveKeyInfo      = "transitd.drive-storage.v1:"
	sealVersion       = 0x01
)

// ErrSealed is returned when sealed data fails to open.
var ErrSealed = errors.New("keyring: sealed data failed authentication")

// LoadMasterKey reads a hex-encoded master key file.
func LoadMasterKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keyring: reading master key: %w", err)
	}

	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("keyring: decoding master key %s: %w", path, err)
	}

	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("keyring: master key %s is %d bytes, want %d", path, len(key), MasterKeySize)
	}

	return key, nil
}

// EnsureMasterKey loads the key at path, generating it first when the file
// does not exist. An existing file is never overwritten.
func EnsureMasterKey(path string) ([]byte, error) {
	key, err := LoadMasterKey(path)
	if err == nil {
		return key, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), masterKeyDirPerm); err != nil {
		return nil, fmt.Errorf("keyring: creating master key directory: %w", err)
	}

	key = make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("keyring: generating master key: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, masterKeyFilePerm)
	if err != nil {
		return nil, fmt.Errorf("keyring: creating master key file: %w", err)
	}

	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		f.Close()
		return nil, fmt.Errorf("keyring: writing master key file: %w", err)
	}

	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("keyring: closing master key file: %w", err)
	}

	return key, nil
}

// seal encrypts plaintext under key with XChaCha20-Poly1305. Layout is
// version || nonce || ciphertext.
func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("keyring: creating cipher: %w", err)
	}

	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = sealVersion

	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return nil, fmt.Errorf("keyring: generating nonce: %w", err)
	}

	return aead.Seal(out, out[1:], plaintext, aad), nil
}

func open(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("keyring: creating cipher: %w", err)
	}

	if len(sealed) < 1+aead.NonceSize()+aead.Overhead() || sealed[0] != sealVersion {
		return nil, ErrSealed
	}

	nonce := sealed[1 : 1+aead.NonceSize()]

	plain, err := aead.Open(nil, nonce, sealed[1+aead.NonceSize():], aad)
	if err != nil {
		return nil, ErrSealed
	}

	return plain, nil
}

// deriveDriveKey derives the storage key for one drive from the master key.
func deriveDriveKey(master []byte, driveID string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(driveKeyInfo+driveID))

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("keyring: deriving drive key: %w", err)
	}

	return key, nil
}
