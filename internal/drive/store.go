package drive

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors for store operations.
var (
	ErrNotFound   = errors.New("drive: file not found")
	ErrApply      = errors.New("drive: apply failed")
	ErrInvalidKey = errors.New("drive: invalid payload key")
)

// Store is the authoritative local file storage the outbox reads from and the
// inbox writes to. Every mutating call is replace-or-create: either the whole
// new state is visible afterwards or none of it is.
type Store interface {
	GetHeader(ctx context.Context, ref FileRef) (*FileHeader, error)
	FindByGlobalTransitID(ctx context.Context, driveID, globalTransitID uuid.UUID) (*FileHeader, error)
	ReadPayload(ctx context.Context, ref FileRef, key string) ([]byte, error)
	ReadThumbnail(ctx context.Context, ref FileRef, key string, width, height int) ([]byte, error)

	// SaveFile writes a locally authored file with in-memory blobs.
	SaveFile(ctx context.Context, header *FileHeader, blobs Blobs) error

	// ApplyIncomingFile writes header and the staged blobs as target.
	ApplyIncomingFile(ctx context.Context, header *FileHeader, staged *Staging) error

	// UpdatePayloads replaces the listed payloads (and their thumbnails) of an
	// existing file with the staged blobs, keeping every other payload.
	UpdatePayloads(ctx context.Context, staged *Staging, target FileRef, payloads []PayloadDescriptor) error

	Delete(ctx context.Context, ref FileRef) error
}

// Blobs holds encrypted payload and thumbnail bytes keyed like the store.
type Blobs struct {
	Payloads   map[string][]byte
	Thumbnails map[ThumbnailKey][]byte
}

// ThumbnailKey identifies one thumbnail of one payload.
type ThumbnailKey struct {
	PayloadKey string
	Width      int
	Height     int
}
