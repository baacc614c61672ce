package inbox

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/envelope"
)

// ErrIncomplete is returned when a transfer's staged parts do not cover what
// its instruction set claims to provide.
var ErrIncomplete = errors.New("inbox: transfer incomplete")

// Applier commits one popped item into the drive store. Apply must be safe
// to repeat: a crash between Apply and the ledger write replays the item.
type Applier interface {
	Apply(ctx context.Context, it *Item) error
}

// FileStore is the drive store plus access to staged transfers.
type FileStore interface {
	drive.Store
	OpenStaging(marker uuid.UUID) (*drive.Staging, error)
	DiscardStaging(marker uuid.UUID) error
}

// Decoder opens transfer envelopes with the local key ring.
type Decoder interface {
	Decode(set *envelope.InstructionSet) (envelope.Decoded, error)
}

// DriveKeys supplies the per-drive storage key a received KeyHeader is
// re-sealed under.
type DriveKeys interface {
	DriveKey(driveID uuid.UUID) ([]byte, error)
}

// StoreApplier is the Applier over a FileStore. It decrypts the envelope,
// verifies every staged blob against its descriptor, re-seals the KeyHeader
// under the local drive key, and writes the result.
type StoreApplier struct {
	files   FileStore
	codec   Decoder
	keys    DriveKeys
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewStoreApplier creates a StoreApplier.
func NewStoreApplier(files FileStore, codec Decoder, keys DriveKeys, logger *slog.Logger) *StoreApplier {
	if logger == nil {
		logger = slog.Default()
	}

	return &StoreApplier{files: files, codec: codec, keys: keys, logger: logger, nowFunc: time.Now}
}

// Apply implements Applier.
func (a *StoreApplier) Apply(ctx context.Context, it *Item) error {
	switch it.Type {
	case InstructionDelete:
		return a.applyDelete(ctx, it)
	case InstructionFile:
		return a.applyFile(ctx, it)
	default:
		return fmt.Errorf("inbox: unknown instruction type %q", it.Type)
	}
}

func (a *StoreApplier) applyDelete(ctx context.Context, it *Item) error {
	existing, err := a.files.FindByGlobalTransitID(ctx, it.DriveID, it.GlobalTransitID)
	if errors.Is(err, drive.ErrNotFound) {
		a.logger.Debug("delete for absent file",
			slog.String("global_transit_id", it.GlobalTransitID.String()),
			slog.String("drive_id", it.DriveID.String()),
		)

		return nil
	}

	if err != nil {
		return fmt.Errorf("inbox: resolving %s: %w", it.GlobalTransitID, err)
	}

	if err := a.files.Delete(ctx, existing.Ref()); err != nil && !errors.Is(err, drive.ErrNotFound) {
		return fmt.Errorf("inbox: deleting %s: %w", existing.Ref(), err)
	}

	return nil
}

func (a *StoreApplier) applyFile(ctx context.Context, it *Item) error {
	if it.InstructionSet == nil || it.Metadata == nil {
		return fmt.Errorf("%w: item %d has no envelope or metadata", ErrIncomplete, it.ID)
	}

	decoded, err := a.codec.Decode(it.InstructionSet)
	if err != nil {
		return fmt.Errorf("inbox: opening envelope of %d: %w", it.ID, err)
	}

	kh := decoded.KeyHeader
	defer kh.Wipe()

	staged, err := a.files.OpenStaging(it.Marker)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIncomplete, err)
	}

	contents := it.InstructionSet.ContentsProvided

	driveKey, err := a.keys.DriveKey(it.DriveID)
	if err != nil {
		return fmt.Errorf("inbox: deriving drive key: %w", err)
	}
	defer clear(driveKey)

	existing, err := a.files.GetHeader(ctx, it.Ref())
	if err != nil && !errors.Is(err, drive.ErrNotFound) {
		return fmt.Errorf("inbox: reading %s: %w", it.Ref(), err)
	}

	if !contents.Has(envelope.SendHeader) {
		if err := verifyStaged(staged, kh, it.Metadata, contents); err != nil {
			return err
		}

		return a.updatePayloads(ctx, it, staged, existing, driveKey, kh)
	}

	if err := a.backfill(ctx, it, staged, existing, driveKey, kh); err != nil {
		return err
	}

	if err := verifyStaged(staged, kh, it.Metadata, envelope.SendAll); err != nil {
		return err
	}

	sealed, err := envelope.SealKeyHeader(driveKey, it.DriveID, kh)
	if err != nil {
		return err
	}

	now := a.nowFunc()
	header := &drive.FileHeader{
		FileID:          it.FileID,
		DriveID:         it.DriveID,
		GlobalTransitID: it.GlobalTransitID,
		VersionTag:      it.VersionTag,
		Metadata:        *it.Metadata,
		SealedKeyHeader: sealed,
		Sender:          it.Sender,
		Created:         now,
		Modified:        now,
	}

	if existing != nil {
		header.Created = existing.Created
	}

	if err := a.files.ApplyIncomingFile(ctx, header, staged); err != nil {
		return fmt.Errorf("inbox: applying %s: %w", it.Ref(), err)
	}

	return nil
}

// updatePayloads handles transfers that carry payloads without a header.
// The payloads are encrypted under the existing file's key, so the file must
// exist and its sealed KeyHeader must match the envelope's.
func (a *StoreApplier) updatePayloads(ctx context.Context, it *Item, staged *drive.Staging,
	existing *drive.FileHeader, driveKey []byte, kh envelope.KeyHeader,
) error {
	if existing == nil {
		return fmt.Errorf("inbox: payload update for missing file %s: %w", it.Ref(), drive.ErrNotFound)
	}

	current, err := envelope.OpenKeyHeader(driveKey, it.DriveID, existing.SealedKeyHeader)
	if err != nil {
		return fmt.Errorf("inbox: opening stored key of %s: %w", it.Ref(), err)
	}
	defer current.Wipe()

	if !keyHeadersEqual(current, kh) {
		return fmt.Errorf("inbox: payload update for %s uses a different key: %w", it.Ref(), envelope.ErrDecryption)
	}

	if err := a.files.UpdatePayloads(ctx, staged, it.Ref(), it.Metadata.Payloads); err != nil {
		return fmt.Errorf("inbox: updating payloads of %s: %w", it.Ref(), err)
	}

	return nil
}

func keyHeadersEqual(a, b envelope.KeyHeader) bool {
	return subtle.ConstantTimeCompare(a.Iv[:], b.Iv[:])&subtle.ConstantTimeCompare(a.AesKey[:], b.AesKey[:]) == 1
}

// backfill copies blobs the transfer did not carry from the existing file
// into the staging area, so a header-only transfer still commits a complete
// file. The existing file must be encrypted under the same key.
func (a *StoreApplier) backfill(ctx context.Context, it *Item, staged *drive.Staging,
	existing *drive.FileHeader, driveKey []byte, kh envelope.KeyHeader,
) error {
	contents := it.InstructionSet.ContentsProvided
	if contents.Has(envelope.SendPayload | envelope.SendThumbnails) {
		return nil
	}

	if existing == nil {
		return fmt.Errorf("%w: %s carries no payloads and has no local copy", ErrIncomplete, it.Ref())
	}

	current, err := envelope.OpenKeyHeader(driveKey, it.DriveID, existing.SealedKeyHeader)
	if err != nil {
		return fmt.Errorf("inbox: opening stored key of %s: %w", it.Ref(), err)
	}
	defer current.Wipe()

	if !keyHeadersEqual(current, kh) {
		return fmt.Errorf("%w: %s changed key without resending payloads", ErrIncomplete, it.Ref())
	}

	for _, p := range it.Metadata.Payloads {
		if !contents.Has(envelope.SendPayload) {
			blob, err := a.files.ReadPayload(ctx, existing.Ref(), p.Key)
			if err != nil {
				return fmt.Errorf("%w: payload %q: %w", ErrIncomplete, p.Key, err)
			}

			if err := staged.WritePayload(p.Key, blob); err != nil {
				return err
			}
		}

		if contents.Has(envelope.SendThumbnails) {
			continue
		}

		for _, th := range p.Thumbnails {
			blob, err := a.files.ReadThumbnail(ctx, existing.Ref(), p.Key, th.Width, th.Height)
			if err != nil {
				return fmt.Errorf("%w: thumbnail %s %dx%d: %w", ErrIncomplete, p.Key, th.Width, th.Height, err)
			}

			if err := staged.WriteThumbnail(drive.ThumbnailKey{PayloadKey: p.Key, Width: th.Width, Height: th.Height}, blob); err != nil {
				return err
			}
		}
	}

	return nil
}

// verifyStaged decrypts every staged blob the transfer claims to carry and
// checks it against its descriptor.
func verifyStaged(staged *drive.Staging, kh envelope.KeyHeader, meta *drive.FileMetadata, contents envelope.SendContents) error {
	for _, p := range meta.Payloads {
		if contents.Has(envelope.SendPayload) {
			blob, err := staged.ReadPayload(p.Key)
			if err != nil {
				return fmt.Errorf("%w: payload %q: %w", ErrIncomplete, p.Key, err)
			}

			if _, err := envelope.OpenPayload(kh, blob, p); err != nil {
				return fmt.Errorf("inbox: payload %q: %w", p.Key, err)
			}
		}

		if !contents.Has(envelope.SendThumbnails) {
			continue
		}

		for _, th := range p.Thumbnails {
			blob, err := staged.ReadThumbnail(drive.ThumbnailKey{PayloadKey: p.Key, Width: th.Width, Height: th.Height})
			if err != nil {
				return fmt.Errorf("%w: thumbnail %s %dx%d: %w", ErrIncomplete, p.Key, th.Width, th.Height, err)
			}

			if _, err := envelope.OpenThumbnail(kh, blob, th); err != nil {
				return fmt.Errorf("inbox: thumbnail %s %dx%d: %w", p.Key, th.Width, th.Height, err)
			}
		}
	}

	return nil
}
