// Package inbox is the receiver-side landing queue. Accepted transfers are
// recorded here with their encrypted envelope and staged blobs, and a
// processor commits them into the drive store one drive at a time in
// priority then arrival order.
package inbox

import (
	"time"

	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/envelope"
	"github.com/peerhost/transitd/internal/identity"
)

// InstructionType says what applying an item does to the drive.
type InstructionType string

// Instruction types.
const (
	InstructionFile   InstructionType = "file"
	InstructionDelete InstructionType = "delete"
)

// Status of an inbox row.
type Status string

// Inbox statuses. Parked rows are skipped by the processor until an operator
// unparks them.
const (
	StatusPending Status = "pending"
	StatusParked  Status = "parked"
)

// Item is one received transfer waiting to be applied.
type Item struct {
	ID              int64
	Sender          identity.Identity
	DriveID         uuid.UUID
	FileID          uuid.UUID
	GlobalTransitID uuid.UUID
	Type            InstructionType
	Priority        int
	Marker          uuid.UUID
	FileSystemType  envelope.FileSystemType
	VersionTag      string

	// InstructionSet and Metadata are nil for delete instructions.
	InstructionSet *envelope.InstructionSet
	Metadata       *drive.FileMetadata

	AddedAt      time.Time
	Status       Status
	PopStamp     uuid.UUID
	FailureCount int
	LastError    string
}

// Ref returns the drive file the item applies to.
func (it *Item) Ref() drive.FileRef {
	return drive.FileRef{DriveID: it.DriveID, FileID: it.FileID}
}

// InboxStatus summarizes one drive's inbox.
type InboxStatus struct {
	TotalItems          int       `json:"totalItems"`
	PoppedCount         int       `json:"poppedCount"`
	OldestItemTimestamp time.Time `json:"oldestItemTimestamp,omitzero"`
	ParkedCount         int       `json:"parkedCount"`
}

// BatchResult is what one ProcessInbox pass did, plus the drive's state
// afterwards.
type BatchResult struct {
	InboxStatus

	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Parked  int `json:"parked"`
}

// IncomingFileID is the file id a received file gets on this drive when no
// local file carries its global transit id yet. It is derived from the pair
// so duplicate deliveries that race each other land on the same file.
func IncomingFileID(driveID, globalTransitID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(driveID, globalTransitID[:])
}
