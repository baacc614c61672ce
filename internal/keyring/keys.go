// Package keyring holds a tenant's asymmetric transit keys: a bounded,
// newest-first ring with an explicit current key, persisted in the tenant
// database with private keys sealed under the tenant master key.
//
// Two schemes exist. age X25519 is the current scheme and the only one used
// to encrypt. RSA-OAEP is kept purely so envelopes built for an imported
// legacy key still decrypt.
package keyring

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"filippo.io/age"
)

// Scheme identifies an asymmetric algorithm family.
type Scheme string

const (
	SchemeX25519 Scheme = "age-x25519"
	SchemeRSA    Scheme = "rsa-oaep-sha256"
)

// Envelope versions carried on the wire.
const (
	VersionRSA    = 1
	VersionX25519 = 2
)

// Version returns the envelope version that uses s.
func (s Scheme) Version() int {
	switch s {
	case SchemeRSA:
		return VersionRSA
	case SchemeX25519:
		return VersionX25519
	default:
		return 0
	}
}

// SchemeForVersion maps an envelope version back to its scheme.
func SchemeForVersion(v int) (Scheme, error) {
	switch v {
	case VersionRSA:
		return SchemeRSA, nil
	case VersionX25519:
		return SchemeX25519, nil
	default:
		return "", fmt.Errorf("keyring: unknown envelope version %d", v)
	}
}

// Sentinel errors.
var (
	ErrLegacyScheme = errors.New("keyring: legacy scheme is decrypt-only")
	ErrUnknownKey   = errors.New("keyring: unknown key")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// KeyIDOf returns the CRC32-C of encoded public key bytes. Envelopes carry it
// so the recipient can pick the right private key without trial decryption.
func KeyIDOf(publicKey []byte) uint32 {
	return crc32.Checksum(publicKey, castagnoli)
}

// PublicKey is the publishable half of a Record.
type PublicKey struct {
	KeyID  uint32 `json:"keyId"`
	Scheme Scheme `json:"scheme"`
	Data   []byte `json:"publicKey"`
}

// Validate checks that KeyID matches Data.
func (p PublicKey) Validate() error {
	if len(p.Data) == 0 {
		return errors.New("keyring: empty public key")
	}

	if got := KeyIDOf(p.Data); got != p.KeyID {
		return fmt.Errorf("keyring: public key id %d does not match its data (%d)", p.KeyID, got)
	}

	return nil
}

// Encrypt encrypts plaintext to this key. Only the current scheme encrypts.
func (p PublicKey) Encrypt(plaintext []byte) ([]byte, error) {
	if p.Scheme != SchemeX25519 {
		return nil, fmt.Errorf("%w: %s", ErrLegacyScheme, p.Scheme)
	}

	recipient, err := age.ParseX25519Recipient(string(p.Data))
	if err != nil {
		return nil, fmt.Errorf("keyring: parsing recipient key: %w", err)
	}

	var buf bytes.Buffer

	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("keyring: creating age encryptor: %w", err)
	}

	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("keyring: writing plaintext: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("keyring: finalizing age encryption: %w", err)
	}

	return buf.Bytes(), nil
}

// privateKey is the scheme-specific secret half of a Record.
type privateKey interface {
	decrypt(ciphertext []byte) ([]byte, error)
	marshal() ([]byte, error)
}

type x25519Private struct {
	id *age.X25519Identity
}

func (k x25519Private) decrypt(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), k.id)
	if err != nil {
		return nil, err
	}

	return io.ReadAll(r)
}

func (k x25519Private) marshal() ([]byte, error) {
	return []byte(k.id.String()), nil
}

type rsaPrivate struct {
	key *rsa.PrivateKey
}

func (k rsaPrivate) decrypt(ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), nil, k.key, ciphertext, nil)
}

func (k rsaPrivate) marshal() ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(k.key)
}

func parsePrivate(scheme Scheme, data []byte) (privateKey, error) {
	switch scheme {
	case SchemeX25519:
		id, err := age.ParseX25519Identity(string(data))
		if err != nil {
			return nil, fmt.Errorf("keyring: parsing x25519 identity: %w", err)
		}

		return x25519Private{id: id}, nil
	case SchemeRSA:
		parsed, err := x509.ParsePKCS8PrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("keyring: parsing rsa key: %w", err)
		}

		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("keyring: PKCS#8 key is %T, not RSA", parsed)
		}

		return rsaPrivate{key: key}, nil
	default:
		return nil, fmt.Errorf("keyring: unknown scheme %q", scheme)
	}
}

// Record is one key pair in the ring.
type Record struct {
	KeyID     uint32
	Scheme    Scheme
	PublicKey []byte
	Created   time.Time

	private privateKey
}

// Public returns the publishable half.
func (r *Record) Public() PublicKey {
	return PublicKey{KeyID: r.KeyID, Scheme: r.Scheme, Data: r.PublicKey}
}

// Decrypt decrypts ciphertext produced for this record's public key.
func (r *Record) Decrypt(ciphertext []byte) ([]byte, error) {
	if r.private == nil {
		return nil, fmt.Errorf("keyring: key %d has no private half", r.KeyID)
	}

	out, err := r.private.decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("keyring: decrypting with key %d: %w", r.KeyID, err)
	}

	return out, nil
}

// GenerateRecord creates a new key in the current scheme.
func GenerateRecord(now time.Time) (*Record, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("keyring: generating x25519 identity: %w", err)
	}

	pub := []byte(id.Recipient().String())

	return &Record{
		KeyID:     KeyIDOf(pub),
		Scheme:    SchemeX25519,
		PublicKey: pub,
		Created:   now.UTC(),
		private:   x25519Private{id: id},
	}, nil
}

// NewRSARecord wraps an existing RSA key as a legacy, decrypt-only record.
func NewRSARecord(key *rsa.PrivateKey, created time.Time) (*Record, error) {
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("keyring: encoding rsa public key: %w", err)
	}

	return &Record{
		KeyID:     KeyIDOf(pub),
		Scheme:    SchemeRSA,
		PublicKey: pub,
		Created:   created.UTC(),
		private:   rsaPrivate{key: key},
	}, nil
}

// EncryptRSA encrypts to a legacy RSA public key. It exists only to produce
// legacy envelopes for compatibility checks; new envelopes use Encrypt.
func EncryptRSA(pub PublicKey, plaintext []byte) ([]byte, error) {
	if pub.Scheme != SchemeRSA {
		return nil, fmt.Errorf("keyring: key %d is %s, not rsa", pub.KeyID, pub.Scheme)
	}

	parsed, err := x509.ParsePKIXPublicKey(pub.Data)
	if err != nil {
		return nil, fmt.Errorf("keyring: parsing rsa public key: %w", err)
	}

	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("keyring: public key is %T, not RSA", parsed)
	}

	return rsa.EncryptOAEP(sha256.New(), rand.Reader, key, plaintext, nil)
}
