// Package perimeter is the HTTP boundary between tenants: the server that
// accepts transfers from peers and serves the owner's control endpoints,
// and the client the outbox uses to push transfers to peers.
package perimeter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/envelope"
)

// Endpoint paths.
const (
	PathTransit          = "/api/perimeter/transit"
	PathDeleteLinkedFile = "/api/perimeter/transit/deletelinkedfile"
	PathPublicKey        = "/api/perimeter/security/publickey"

	PathOutboxProcess = "/api/owner/v1/outbox/processor/process"
	PathInboxProcess  = "/api/owner/v1/transit/app/process"
	PathJournal       = "/api/owner/v1/events/journal"
	PathStream        = "/api/owner/v1/events/stream"
)

// Request headers.
const (
	HeaderSender = "X-Transit-Sender"
	HeaderMarker = "X-Transit-Marker"
)

// Multipart part names of a transfer.
const (
	PartInstructionSet = "instructionSet"
	PartMetadata       = "metadata"
	PartPayload        = "payload"
	PartThumbnail      = "thumbnail"
)

// ResponseCode is the outcome a peer reports for a transfer.
type ResponseCode string

const (
	CodeAccepted            ResponseCode = "accepted"
	CodeAcceptedIntoInbox   ResponseCode = "acceptedIntoInbox"
	CodeAcceptedDirectWrite ResponseCode = "acceptedDirectWrite"
	CodeRejected            ResponseCode = "rejected"
	CodeQuarantined         ResponseCode = "quarantinedPendingReview"
	CodeUnknownRecipientKey ResponseCode = "unknownRecipientKey"
	CodeError               ResponseCode = "error"
)

// Accepted reports whether the peer took the transfer, held or not.
func (c ResponseCode) Accepted() bool {
	switch c {
	case CodeAccepted, CodeAcceptedIntoInbox, CodeAcceptedDirectWrite, CodeQuarantined:
		return true
	default:
		return false
	}
}

// PeerResponse is the body of every perimeter response.
type PeerResponse struct {
	Code    ResponseCode `json:"code"`
	Message string       `json:"message,omitempty"`
}

// DeleteLinkedFileRequest asks a peer to delete its copy of a file it
// received from the caller.
type DeleteLinkedFileRequest struct {
	TargetDrive     drive.TargetDrive       `json:"targetDrive"`
	GlobalTransitID uuid.UUID               `json:"globalTransitId"`
	FileSystemType  envelope.FileSystemType `json:"fileSystemType"`
}

// Validate rejects requests that cannot address a file.
func (r *DeleteLinkedFileRequest) Validate() error {
	if !r.TargetDrive.IsValid() {
		return &envelope.ValidationError{Field: "targetDrive", Reason: "missing"}
	}

	if r.GlobalTransitID == uuid.Nil {
		return &envelope.ValidationError{Field: "globalTransitId", Reason: "missing"}
	}

	return nil
}

// InboxProcessRequest is the body of the inbox processing trigger.
type InboxProcessRequest struct {
	TargetDrive drive.TargetDrive `json:"targetDrive"`
	BatchSize   int               `json:"batchSize"`
}

// OutboxProcessResponse is the body of the outbox processing trigger.
type OutboxProcessResponse struct {
	Success bool `json:"success"`
}

// Transfer is one file transfer as it crosses the perimeter: the envelope,
// the metadata, and the encrypted blobs exactly as the sender stores them.
type Transfer struct {
	Marker         uuid.UUID
	InstructionSet envelope.InstructionSet
	Metadata       *drive.FileMetadata
	Payloads       map[string][]byte
	Thumbnails     map[drive.ThumbnailKey][]byte
}

// thumbnailPartName encodes a thumbnail key as a multipart filename.
func thumbnailPartName(k drive.ThumbnailKey) string {
	return fmt.Sprintf("%s.%dx%d", k.PayloadKey, k.Width, k.Height)
}

func parseThumbnailPartName(name string) (drive.ThumbnailKey, error) {
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 {
		return drive.ThumbnailKey{}, fmt.Errorf("perimeter: malformed thumbnail name %q", name)
	}

	w, h, ok := strings.Cut(name[dot+1:], "x")
	if !ok {
		return drive.ThumbnailKey{}, fmt.Errorf("perimeter: malformed thumbnail name %q", name)
	}

	width, werr := strconv.Atoi(w)
	height, herr := strconv.Atoi(h)

	if werr != nil || herr != nil || width <= 0 || height <= 0 {
		return drive.ThumbnailKey{}, fmt.Errorf("perimeter: malformed thumbnail size in %q", name)
	}

	return drive.ThumbnailKey{PayloadKey: name[:dot], Width: width, Height: height}, nil
}
