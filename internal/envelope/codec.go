package envelope

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/peerhost/transitd/internal/keyring"
)

// KeySource is the local key ring the codec decrypts with.
type KeySource interface {
	Current() *keyring.Record
	Records() []*keyring.Record
}

// EncryptKeyHeader encrypts kh for one recipient key. Only the current
// scheme is produced.
func EncryptKeyHeader(kh KeyHeader, recipient keyring.PublicKey) (SharedSecretEncryptedKeyHeader, error) {
	if err := recipient.Validate(); err != nil {
		return SharedSecretEncryptedKeyHeader{}, err
	}

	encrypted, err := recipient.Encrypt(kh.AesKey[:])
	if err != nil {
		return SharedSecretEncryptedKeyHeader{}, fmt.Errorf("envelope: encrypting key header: %w", err)
	}

	return SharedSecretEncryptedKeyHeader{
		EncryptionVersion: recipient.Scheme.Version(),
		RecipientKeyID:    recipient.KeyID,
		Iv:                append([]byte(nil), kh.Iv[:]...),
		EncryptedAesKey:   encrypted,
	}, nil
}

// Encode fills set's key header for recipient and validates the result.
func Encode(set InstructionSet, kh KeyHeader, recipient keyring.PublicKey) (InstructionSet, error) {
	header, err := EncryptKeyHeader(kh, recipient)
	if err != nil {
		return InstructionSet{}, err
	}

	set.SharedSecretEncryptedKeyHeader = header

	if err := set.Validate(); err != nil {
		return InstructionSet{}, err
	}

	return set, nil
}

// Codec decodes envelopes addressed to the local tenant.
type Codec struct {
	keys   KeySource
	logger *slog.Logger
}

// NewCodec creates a Codec over the tenant's key ring.
func NewCodec(keys KeySource, logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}

	return &Codec{keys: keys, logger: logger}
}

// Decoded is the result of a successful Decode.
type Decoded struct {
	KeyHeader KeyHeader
	Key       *keyring.Record // local key that opened the envelope
	Current   bool            // Key is the current key
}

// Decode validates set and decrypts its KeyHeader. Candidate keys are the
// ones whose id matches the envelope, current first then newest historical.
// Envelopes without a key id (id 0) try every key of the envelope's scheme.
func (c *Codec) Decode(set *InstructionSet) (Decoded, error) {
	if err := set.Validate(); err != nil {
		return Decoded{}, err
	}

	h := &set.SharedSecretEncryptedKeyHeader

	scheme, err := keyring.SchemeForVersion(h.EncryptionVersion)
	if err != nil {
		return Decoded{}, err
	}

	current := c.keys.Current()

	var lastErr error

	tried := 0

	for _, rec := range c.keys.Records() {
		if rec.Scheme != scheme {
			continue
		}

		if h.RecipientKeyID != 0 && rec.KeyID != h.RecipientKeyID {
			continue
		}

		tried++

		aesKey, err := rec.Decrypt(h.EncryptedAesKey)
		if err != nil {
			lastErr = err
			continue
		}

		raw := append(append(make([]byte, 0, IvSize+AesKeySize), h.Iv...), aesKey...)
		kh, err := parseKeyHeader(raw)
		clear(raw)
		clear(aesKey)

		if err != nil {
			return Decoded{}, fmt.Errorf("%w: %w", ErrDecryption, err)
		}

		isCurrent := current != nil && rec.KeyID == current.KeyID
		if !isCurrent {
			c.logger.Debug("envelope opened with historical key",
				slog.Uint64("key_id", uint64(rec.KeyID)),
				slog.String("scheme", string(rec.Scheme)),
			)
		}

		return Decoded{KeyHeader: kh, Key: rec, Current: isCurrent}, nil
	}

	if tried == 0 {
		return Decoded{}, fmt.Errorf("%w: key id %d (%s)", ErrUnknownRecipientKey, h.RecipientKeyID, scheme)
	}

	return Decoded{}, fmt.Errorf("%w: %w", ErrDecryption, lastErr)
}

// Upgrade re-encrypts an envelope that was opened with a historical or
// legacy key to the current key, so queued items survive the old key's
// eviction. It reports whether set changed.
func (c *Codec) Upgrade(set *InstructionSet) (bool, error) {
	decoded, err := c.Decode(set)
	if err != nil {
		return false, err
	}
	defer decoded.KeyHeader.Wipe()

	if decoded.Current {
		return false, nil
	}

	current := c.keys.Current()
	if current == nil {
		return false, errors.New("envelope: key ring has no current key")
	}

	header, err := EncryptKeyHeader(decoded.KeyHeader, current.Public())
	if err != nil {
		return false, err
	}

	c.logger.Info("envelope upgraded to current key",
		slog.Uint64("from_key_id", uint64(decoded.Key.KeyID)),
		slog.Uint64("to_key_id", uint64(current.KeyID)),
	)

	set.SharedSecretEncryptedKeyHeader = header

	return true, nil
}
