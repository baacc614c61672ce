package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/envelope"
	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/outbox"
)

// Upload is a locally authored file version.
type Upload struct {
	Drive  drive.TargetDrive
	FileID uuid.UUID // Nil creates a new file

	FileType    int
	DataType    int
	ContentType string
	AppData     string
	Payloads    []UploadPayload

	// Recipients get the file when AllowDistribution is set.
	Recipients        []identity.Identity
	AllowDistribution bool
	Priority          int
	Options           outbox.Options

	// After, when set, holds each delivery back until the same recipient
	// has no queued delivery of that file.
	After uuid.UUID
}

// UploadPayload is one plaintext payload of an Upload.
type UploadPayload struct {
	Key         string
	ContentType string
	Content     []byte
	Thumbnails  []UploadThumbnail
}

// UploadThumbnail is one plaintext thumbnail of a payload.
type UploadThumbnail struct {
	Width       int
	Height      int
	ContentType string
	Content     []byte
}

// SaveFile encrypts and stores up, then queues it for its recipients. An
// existing file keeps its key, global transit id, and creation time. When a
// recipient lacks Read on the drive the file is still saved but nothing is
// queued, and the error wraps permission.ErrForbidden.
func (t *Tenant) SaveFile(ctx context.Context, up Upload) (*drive.FileHeader, error) {
	d, err := t.drives.ByTarget(up.Drive)
	if err != nil {
		return nil, fmt.Errorf("tenant: save file: %w", err)
	}

	driveKey, err := t.keys.DriveKey(d.ID)
	if err != nil {
		return nil, err
	}
	defer clear(driveKey)

	now := t.nowFunc().UTC()
	header := &drive.FileHeader{
		FileID:            up.FileID,
		DriveID:           d.ID,
		GlobalTransitID:   uuid.New(),
		Recipients:        up.Recipients,
		AllowDistribution: up.AllowDistribution,
		Created:           now,
		Modified:          now,
	}

	var kh envelope.KeyHeader

	existing, err := t.existingHeader(ctx, d.ID, up.FileID)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		header.GlobalTransitID = existing.GlobalTransitID
		header.Created = existing.Created
		header.SealedKeyHeader = existing.SealedKeyHeader

		if kh, err = envelope.OpenKeyHeader(driveKey, d.ID, existing.SealedKeyHeader); err != nil {
			return nil, fmt.Errorf("tenant: opening key of %s: %w", existing.Ref(), err)
		}
	} else {
		if header.FileID == uuid.Nil {
			header.FileID = uuid.New()
		}

		if kh, err = envelope.NewKeyHeader(); err != nil {
			return nil, err
		}

		if header.SealedKeyHeader, err = envelope.SealKeyHeader(driveKey, d.ID, kh); err != nil {
			return nil, err
		}
	}
	defer kh.Wipe()

	blobs, meta, err := t.encryptUpload(kh, up)
	if err != nil {
		return nil, err
	}

	header.Metadata = meta

	if header.VersionTag, err = drive.NewVersionTag(meta); err != nil {
		return nil, err
	}

	if err := t.files.SaveFile(ctx, header, blobs); err != nil {
		return nil, err
	}

	t.logger.Info("file saved",
		slog.String("file", header.Ref().String()),
		slog.String("version_tag", header.VersionTag),
		slog.Int("recipients", len(header.Recipients)),
	)

	if err := t.distribute(ctx, header, up.Priority, up.After, up.Options); err != nil {
		return header, err
	}

	return header, nil
}

func (t *Tenant) existingHeader(ctx context.Context, driveID, fileID uuid.UUID) (*drive.FileHeader, error) {
	if fileID == uuid.Nil {
		return nil, nil
	}

	h, err := t.files.GetHeader(ctx, drive.FileRef{DriveID: driveID, FileID: fileID})
	if errors.Is(err, drive.ErrNotFound) {
		return nil, nil
	}

	return h, err
}

func (t *Tenant) encryptUpload(kh envelope.KeyHeader, up Upload) (drive.Blobs, drive.FileMetadata, error) {
	blobs := drive.Blobs{
		Payloads:   make(map[string][]byte, len(up.Payloads)),
		Thumbnails: make(map[drive.ThumbnailKey][]byte),
	}

	meta := drive.FileMetadata{
		FileType:    up.FileType,
		DataType:    up.DataType,
		ContentType: up.ContentType,
		AppData:     up.AppData,
	}

	for _, p := range up.Payloads {
		blob, desc, err := envelope.PreparePayload(kh, p.Key, p.ContentType, p.Content, t.cfg.Compression)
		if err != nil {
			return drive.Blobs{}, drive.FileMetadata{}, err
		}

		blobs.Payloads[p.Key] = blob

		for _, th := range p.Thumbnails {
			thumb, tdesc, err := envelope.PrepareThumbnail(kh, th.Width, th.Height, th.ContentType, th.Content)
			if err != nil {
				return drive.Blobs{}, drive.FileMetadata{}, err
			}

			blobs.Thumbnails[drive.ThumbnailKey{PayloadKey: p.Key, Width: th.Width, Height: th.Height}] = thumb
			desc.Thumbnails = append(desc.Thumbnails, tdesc)
		}

		meta.Payloads = append(meta.Payloads, desc)
	}

	return blobs, meta, nil
}

// Distribute queues header for its recipients when the file allows it.
func (t *Tenant) Distribute(ctx context.Context, header *drive.FileHeader, priority int, opts outbox.Options) error {
	return t.distribute(ctx, header, priority, uuid.Nil, opts)
}

func (t *Tenant) distribute(ctx context.Context, header *drive.FileHeader, priority int, after uuid.UUID, opts outbox.Options) error {
	if !header.Distributable() || len(header.Recipients) == 0 {
		return nil
	}

	var err error
	if after == uuid.Nil {
		_, err = t.outbox.Enqueue(ctx, header, header.Recipients, priority, opts)
	} else {
		_, err = t.outbox.EnqueueAfter(ctx, header, header.Recipients, priority, after, opts)
	}

	if err != nil {
		return fmt.Errorf("tenant: distributing %s: %w", header.Ref(), err)
	}

	t.distributed.Store(header.Ref(), header.VersionTag)

	return nil
}

// DistributeChanged queues the stored file ref for its recipients unless
// its current version was already queued. It reports whether it queued.
func (t *Tenant) DistributeChanged(ctx context.Context, ref drive.FileRef) (bool, error) {
	header, err := t.files.GetHeader(ctx, ref)
	if err != nil {
		return false, err
	}

	if tag, ok := t.distributed.Load(ref); ok && tag == header.VersionTag {
		return false, nil
	}

	if !header.Distributable() || len(header.Recipients) == 0 {
		return false, nil
	}

	if err := t.Distribute(ctx, header, 0, outbox.Options{}); err != nil {
		return false, err
	}

	return true, nil
}

// DeleteFile removes a local file and, when it was distributed, asks its
// recipients to delete their copies.
func (t *Tenant) DeleteFile(ctx context.Context, ref drive.FileRef, priority int) error {
	header, err := t.files.GetHeader(ctx, ref)
	if err != nil {
		return err
	}

	if err := t.files.Delete(ctx, ref); err != nil {
		return err
	}

	t.distributed.Delete(ref)

	if !header.Distributable() || len(header.Recipients) == 0 {
		return nil
	}

	if _, err := t.outbox.EnqueueDelete(ctx, ref, header.GlobalTransitID, header.Recipients, priority); err != nil {
		return fmt.Errorf("tenant: distributing delete of %s: %w", ref, err)
	}

	return nil
}

// ReadPayload returns the plaintext of one payload of a stored file.
func (t *Tenant) ReadPayload(ctx context.Context, ref drive.FileRef, key string) ([]byte, error) {
	header, err := t.files.GetHeader(ctx, ref)
	if err != nil {
		return nil, err
	}

	desc, ok := header.Metadata.Payload(key)
	if !ok {
		return nil, fmt.Errorf("%w: payload %q of %s", drive.ErrNotFound, key, ref)
	}

	blob, err := t.files.ReadPayload(ctx, ref, key)
	if err != nil {
		return nil, err
	}

	driveKey, err := t.keys.DriveKey(ref.DriveID)
	if err != nil {
		return nil, err
	}
	defer clear(driveKey)

	kh, err := envelope.OpenKeyHeader(driveKey, ref.DriveID, header.SealedKeyHeader)
	if err != nil {
		return nil, err
	}
	defer kh.Wipe()

	return envelope.OpenPayload(kh, blob, desc)
}
