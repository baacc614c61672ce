package envelope

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/keyring"
)

// SendContents flags which parts of a file a transfer carries.
type SendContents uint8

const (
	SendHeader     SendContents = 1 << iota // metadata and key header
	SendPayload                             // payload blobs
	SendThumbnails                          // thumbnail blobs

	SendAll = SendHeader | SendPayload | SendThumbnails
)

// Has reports whether every flag in want is set.
func (c SendContents) Has(want SendContents) bool {
	return c&want == want
}

// TransferFileType distinguishes ordinary files from command messages.
type TransferFileType string

const (
	TransferFileNormal  TransferFileType = "normal"
	TransferFileCommand TransferFileType = "command"
)

// FileSystemType selects the stream writer the receiver uses.
type FileSystemType int

const (
	FileSystemStandard FileSystemType = 128
	FileSystemComment  FileSystemType = 64
)

// AppNotificationOptions ask the recipient to notify its apps on arrival.
type AppNotificationOptions struct {
	AppID   uuid.UUID `json:"appId"`
	TypeID  uuid.UUID `json:"typeId"`
	TagID   uuid.UUID `json:"tagId,omitempty"`
	Silent  bool      `json:"silent"`
	Message string    `json:"unEncryptedMessage,omitempty"`
}

// SharedSecretEncryptedKeyHeader is a KeyHeader encrypted for exactly one
// recipient key. The Iv travels in the clear; only the AES key is encrypted.
type SharedSecretEncryptedKeyHeader struct {
	EncryptionVersion int    `json:"encryptionVersion"`
	RecipientKeyID    uint32 `json:"recipientKeyId"`
	Iv                []byte `json:"iv"`
	EncryptedAesKey   []byte `json:"encryptedAesKey"`
}

// Validate reports structural problems.
func (h *SharedSecretEncryptedKeyHeader) Validate() error {
	if _, err := keyring.SchemeForVersion(h.EncryptionVersion); err != nil {
		return &ValidationError{Field: "encryptionVersion", Reason: err.Error()}
	}

	if len(h.Iv) == 0 {
		return &ValidationError{Field: "iv", Reason: "empty"}
	}

	if len(h.Iv) != IvSize {
		return &ValidationError{Field: "iv", Reason: fmt.Sprintf("%d bytes, want %d", len(h.Iv), IvSize)}
	}

	if len(h.EncryptedAesKey) == 0 {
		return &ValidationError{Field: "encryptedAesKey", Reason: "empty"}
	}

	return nil
}

// InstructionSet is the EncryptedRecipientTransferInstructionSet: everything
// the recipient needs to accept one transfer besides the blobs themselves.
//
// A set carrying SendHeader writes the whole file. A set carrying payloads
// without the header replaces those payloads of the recipient's existing copy.
type InstructionSet struct {
	TargetDrive                    drive.TargetDrive              `json:"targetDrive"`
	TransferFileType               TransferFileType               `json:"transferFileType"`
	FileSystemType                 FileSystemType                 `json:"fileSystemType"`
	ContentsProvided               SendContents                   `json:"contentsProvided"`
	SharedSecretEncryptedKeyHeader SharedSecretEncryptedKeyHeader `json:"sharedSecretEncryptedKeyHeader"`
	AppNotificationOptions         *AppNotificationOptions        `json:"appNotificationOptions,omitempty"`
	SourceAppID                    uuid.UUID                      `json:"sourceAppId"`
	GlobalTransitID                uuid.UUID                      `json:"globalTransitId"`
}

// Validate rejects malformed sets before anything is queued.
func (s *InstructionSet) Validate() error {
	if !s.TargetDrive.IsValid() {
		return &ValidationError{Field: "targetDrive", Reason: "missing"}
	}

	if s.GlobalTransitID == uuid.Nil {
		return &ValidationError{Field: "globalTransitId", Reason: "missing"}
	}

	if s.ContentsProvided == 0 {
		return &ValidationError{Field: "contentsProvided", Reason: "no parts"}
	}

	switch s.TransferFileType {
	case TransferFileNormal, TransferFileCommand:
	default:
		return &ValidationError{Field: "transferFileType", Reason: fmt.Sprintf("unknown %q", s.TransferFileType)}
	}

	return s.SharedSecretEncryptedKeyHeader.Validate()
}

// ValidationError describes one malformed field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("envelope: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInstructionSet
}
