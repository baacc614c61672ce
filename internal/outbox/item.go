// Package outbox is the sender-side delivery queue: one row per (recipient,
// file) change waiting to be pushed to a peer, leased by a bounded pool of
// dispatcher workers.
//
// Lifecycle of a row:
//
//	Enqueue → pending → Lease → in_flight → Ack (row removed)
//	                                      → Fail(transient) → pending, backed off
//	                                      → Fail(permanent) → failed (kept)
//	                                      → Release → pending
//
// At most one row per recipient is in flight at a time, and a lease that
// outlives its timeout may be reclaimed by another worker.
package outbox

import (
	"time"

	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/envelope"
	"github.com/peerhost/transitd/internal/identity"
)

// Status is the stored state of a row.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusFailed   Status = "failed"

	// StatusDelivered is never stored: delivered rows are deleted. It appears
	// in logs and events only.
	StatusDelivered Status = "delivered"
)

// Problem classifies why a delivery failed.
type Problem string

const (
	ProblemNone                   Problem = ""
	ProblemRecipientNotAuthorized Problem = "recipientNotAuthorized"
	ProblemRecipientRejected      Problem = "recipientRejected"
	ProblemRecipientQuarantined   Problem = "recipientQuarantined"
	ProblemInvalidEnvelope        Problem = "invalidEnvelope"
	ProblemUnknownRecipientKey    Problem = "unknownRecipientKey"
	ProblemFileGone               Problem = "fileNoLongerExists"
	ProblemNotDistributable       Problem = "fileNotDistributable"
	ProblemRecipientServerError   Problem = "recipientServerError"
	ProblemRecipientUnavailable   Problem = "recipientUnavailable"
	ProblemInternal               Problem = "internalError"
)

// Options shape the transfer built for a row. They are stored with the row.
type Options struct {
	SourceAppID     uuid.UUID                        `cbor:"1,keyasint,omitempty"`
	FileSystemType  envelope.FileSystemType          `cbor:"2,keyasint,omitempty"`
	Contents        envelope.SendContents            `cbor:"3,keyasint,omitempty"`
	Notification    *envelope.AppNotificationOptions `cbor:"4,keyasint,omitempty"`
	Delete          bool                             `cbor:"5,keyasint,omitempty"`
	GlobalTransitID uuid.UUID                        `cbor:"6,keyasint,omitempty"`
}

// Item is one outbox row.
type Item struct {
	ID               int64
	Recipient        identity.Identity
	DriveID          uuid.UUID
	FileID           uuid.UUID
	DependencyFileID uuid.UUID // Nil when the row has no dependency
	Priority         int
	Status           Status
	Marker           uuid.UUID // lease stamp, Nil unless leased or failed
	AttemptCount     int
	AddedAt          time.Time
	NextRunAt        time.Time
	LeaseExpiresAt   time.Time
	LastAttemptAt    time.Time
	LastError        string
	Problem          Problem
	Options          Options
}

// Stats summarizes the table.
type Stats struct {
	Total       int
	Pending     int
	InFlight    int
	Failed      int
	Unreachable []identity.Identity
	NextRunAt   time.Time // earliest pending next_run_at, zero when none
	OldestAdded time.Time // oldest outstanding row, zero when none
}
