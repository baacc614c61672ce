package drive

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/peerhost/transitd/internal/identity"
)

// versionTagBytes is how much of the BLAKE3 digest a version tag keeps.
const versionTagBytes = 16

var payloadKeyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// ValidatePayloadKey reports whether key may name a payload: 1 to 32 of
// lowercase letters, digits, '_' and '-'.
func ValidatePayloadKey(key string) error {
	if !payloadKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	return nil
}

// FileHeader is everything the store keeps about a file besides its blobs.
type FileHeader struct {
	FileID          uuid.UUID    `json:"fileId"`
	DriveID         uuid.UUID    `json:"driveId"`
	GlobalTransitID uuid.UUID    `json:"globalTransitId"`
	VersionTag      string       `json:"versionTag"`
	Metadata        FileMetadata `json:"metadata"`

	// SealedKeyHeader is the file's KeyHeader sealed under the drive storage
	// key. The plaintext key never touches the store.
	SealedKeyHeader []byte `json:"sealedKeyHeader,omitempty"`

	// Recipients and AllowDistribution drive outbound distribution. Files
	// received from a peer record the Sender and are never redistributed.
	Recipients        []identity.Identity `json:"recipients,omitempty"`
	AllowDistribution bool                `json:"allowDistribution"`
	Sender            identity.Identity   `json:"sender"`

	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// Ref returns the header's file reference.
func (h *FileHeader) Ref() FileRef {
	return FileRef{DriveID: h.DriveID, FileID: h.FileID}
}

// Distributable reports whether the outbox may ship this file.
func (h *FileHeader) Distributable() bool {
	return h.AllowDistribution && h.Sender.IsZero()
}

// FileMetadata is the part of the header that travels to recipients.
type FileMetadata struct {
	FileType    int                 `json:"fileType"`
	DataType    int                 `json:"dataType"`
	ContentType string              `json:"contentType,omitempty"`
	AppData     string              `json:"appData,omitempty"`
	Payloads    []PayloadDescriptor `json:"payloads,omitempty"`
}

// Payload returns the descriptor for key.
func (m *FileMetadata) Payload(key string) (PayloadDescriptor, bool) {
	for _, p := range m.Payloads {
		if p.Key == key {
			return p, true
		}
	}

	return PayloadDescriptor{}, false
}

// Validate checks payload keys and thumbnail dimensions.
func (m *FileMetadata) Validate() error {
	seen := make(map[string]bool, len(m.Payloads))

	for _, p := range m.Payloads {
		if err := ValidatePayloadKey(p.Key); err != nil {
			return err
		}

		if seen[p.Key] {
			return fmt.Errorf("drive: duplicate payload key %q", p.Key)
		}

		seen[p.Key] = true

		for _, th := range p.Thumbnails {
			if th.Width <= 0 || th.Height <= 0 {
				return fmt.Errorf("drive: payload %q has a %dx%d thumbnail", p.Key, th.Width, th.Height)
			}
		}
	}

	return nil
}

// PayloadDescriptor describes one encrypted payload blob.
type PayloadDescriptor struct {
	Key         string                `json:"key"`
	ContentType string                `json:"contentType,omitempty"`
	Size        int64                 `json:"size"`
	Compression Compression           `json:"compression"`
	Hash        string                `json:"hash"`
	Thumbnails  []ThumbnailDescriptor `json:"thumbnails,omitempty"`
}

// ThumbnailDescriptor describes one encrypted thumbnail of a payload.
type ThumbnailDescriptor struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
	Hash        string `json:"hash"`
}

// ContentHash is the hex BLAKE3 digest of plaintext content.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewVersionTag derives a version tag from metadata. Identical metadata
// (including payload hashes) yields an identical tag on every tenant.
func NewVersionTag(meta FileMetadata) (string, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("drive: encoding metadata for version tag: %w", err)
	}

	sum := blake3.Sum256(data)

	return hex.EncodeToString(sum[:versionTagBytes]), nil
}
