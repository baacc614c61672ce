// Package envelope implements the transfer envelope: the per-file symmetric
// KeyHeader, its per-recipient encrypted form, the instruction set that
// travels with a transfer, and encryption of payloads at rest.
//
// The plaintext KeyHeader only ever exists in memory. On the wire it is
// encrypted to the recipient's public key; in the drive store it is sealed
// under the drive storage key.
package envelope

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sizes of the KeyHeader halves.
const (
	IvSize     = 16
	AesKeySize = 32
)

// Sentinel errors. ErrInvalidInstructionSet and ErrDecryption are permanent:
// callers must not retry them.
var (
	ErrInvalidInstructionSet = errors.New("envelope: invalid instruction set")
	ErrDecryption            = errors.New("envelope: decryption failed")
	ErrUnknownRecipientKey   = errors.New("envelope: no local key matches the envelope")
)

// KeyHeader is the symmetric key protecting one file's payloads.
type KeyHeader struct {
	Iv     [IvSize]byte
	AesKey [AesKeySize]byte
}

// NewKeyHeader generates a fresh random KeyHeader.
func NewKeyHeader() (KeyHeader, error) {
	var kh KeyHeader

	if _, err := io.ReadFull(rand.Reader, kh.Iv[:]); err != nil {
		return KeyHeader{}, fmt.Errorf("envelope: generating iv: %w", err)
	}

	if _, err := io.ReadFull(rand.Reader, kh.AesKey[:]); err != nil {
		return KeyHeader{}, fmt.Errorf("envelope: generating key: %w", err)
	}

	return kh, nil
}

// IsZero reports whether kh was never populated.
func (kh *KeyHeader) IsZero() bool {
	return *kh == KeyHeader{}
}

// Wipe zeroes the key material.
func (kh *KeyHeader) Wipe() {
	*kh = KeyHeader{}
}

func (kh *KeyHeader) bytes() []byte {
	out := make([]byte, 0, IvSize+AesKeySize)
	out = append(out, kh.Iv[:]...)

	return append(out, kh.AesKey[:]...)
}

func parseKeyHeader(b []byte) (KeyHeader, error) {
	if len(b) != IvSize+AesKeySize {
		return KeyHeader{}, fmt.Errorf("envelope: key header is %d bytes, want %d", len(b), IvSize+AesKeySize)
	}

	var kh KeyHeader
	copy(kh.Iv[:], b[:IvSize])
	copy(kh.AesKey[:], b[IvSize:])

	return kh, nil
}

// SealKeyHeader seals kh under a drive storage key for storage in a file
// header. The drive id is bound as associated data.
func SealKeyHeader(driveKey []byte, driveID uuid.UUID, kh KeyHeader) ([]byte, error) {
	plain := kh.bytes()
	defer clear(plain)

	return aeadSeal(driveKey, plain, driveID[:])
}

// OpenKeyHeader reverses SealKeyHeader.
func OpenKeyHeader(driveKey []byte, driveID uuid.UUID, sealed []byte) (KeyHeader, error) {
	plain, err := aeadOpen(driveKey, sealed, driveID[:])
	if err != nil {
		return KeyHeader{}, err
	}
	defer clear(plain)

	return parseKeyHeader(plain)
}

// Sealed blobs are version || nonce || ciphertext.
const blobVersion = 0x01

func aeadSeal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: creating cipher: %w", err)
	}

	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = blobVersion

	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return nil, fmt.Errorf("envelope: generating nonce: %w", err)
	}

	return aead.Seal(out, out[1:], plaintext, aad), nil
}

func aeadOpen(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: creating cipher: %w", err)
	}

	headerLen := 1 + aead.NonceSize()
	if len(sealed) < headerLen+aead.Overhead() {
		return nil, fmt.Errorf("%w: sealed blob too short", ErrDecryption)
	}

	if sealed[0] != blobVersion {
		return nil, fmt.Errorf("%w: unknown blob version %d", ErrDecryption, sealed[0])
	}

	plain, err := aead.Open(nil, sealed[1:headerLen], sealed[headerLen:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}

	return plain, nil
}
