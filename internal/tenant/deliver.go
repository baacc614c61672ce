package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/envelope"
	"github.com/peerhost/transitd/internal/outbox"
	"github.com/peerhost/transitd/internal/perimeter"
	"github.com/peerhost/transitd/internal/permission"
)

// keyRefreshes is how many times a delivery refetches the recipient's key
// after the recipient reports it stale.
const keyRefreshes = 2

// deliverer builds and pushes transfers for the tenant's outbox.
type deliverer struct {
	t *Tenant
}

// Deliver implements outbox.Deliverer.
func (d *deliverer) Deliver(ctx context.Context, item *outbox.Item) (outbox.Delivery, error) {
	token, err := d.t.grants.OutboundToken(ctx, item.Recipient)
	if errors.Is(err, permission.ErrNotFound) {
		return outbox.Delivery{}, outbox.Permanent(outbox.ProblemRecipientNotAuthorized, err)
	}

	if err != nil {
		return outbox.Delivery{}, outbox.Transient(outbox.ProblemInternal, err)
	}

	target, err := d.t.drives.ByID(item.DriveID)
	if err != nil {
		return outbox.Delivery{}, outbox.Permanent(outbox.ProblemFileGone, err)
	}

	if item.Options.Delete {
		return d.deliverDelete(ctx, item, target, token)
	}

	header, err := d.t.files.GetHeader(ctx, drive.FileRef{DriveID: item.DriveID, FileID: item.FileID})
	if errors.Is(err, drive.ErrNotFound) {
		return outbox.Delivery{}, outbox.Permanent(outbox.ProblemFileGone, err)
	}

	if err != nil {
		return outbox.Delivery{}, outbox.Transient(outbox.ProblemInternal, err)
	}

	if !header.Distributable() {
		return outbox.Delivery{}, outbox.Permanent(outbox.ProblemNotDistributable,
			fmt.Errorf("tenant: file %s does not allow distribution", header.Ref()))
	}

	tr, kh, err := d.prepare(ctx, item, target, header)
	if err != nil {
		return outbox.Delivery{}, err
	}
	defer kh.Wipe()

	var resp perimeter.PeerResponse

	for refresh := 0; ; refresh++ {
		key, err := d.t.peers.Get(ctx, item.Recipient)
		if err != nil {
			return outbox.Delivery{}, classifyPeerError(err)
		}

		set, err := envelope.Encode(tr.InstructionSet, kh, key)
		if err != nil {
			return outbox.Delivery{}, outbox.Permanent(outbox.ProblemInvalidEnvelope, err)
		}

		tr.InstructionSet = set

		resp, err = d.t.client.SendTransfer(ctx, item.Recipient, d.t.id, token, tr)
		if err == nil {
			break
		}

		if !errors.Is(err, perimeter.ErrUnknownRecipientKey) {
			return outbox.Delivery{}, classifyPeerError(err)
		}

		d.t.peers.Invalidate(item.Recipient)

		if refresh+1 >= keyRefreshes {
			return outbox.Delivery{}, outbox.Permanent(outbox.ProblemUnknownRecipientKey, err)
		}

		d.t.logger.Info("recipient key stale, refetching",
			slog.String("recipient", item.Recipient.String()),
			slog.Uint64("key_id", uint64(key.KeyID)),
		)
	}

	if resp.Code == perimeter.CodeQuarantined {
		return outbox.Delivery{}, outbox.Transient(outbox.ProblemRecipientQuarantined,
			fmt.Errorf("tenant: %s holds the transfer: %s", item.Recipient, resp.Message))
	}

	return outbox.Delivery{VersionTag: header.VersionTag, Code: string(resp.Code)}, nil
}

// prepare reads the blobs an item ships and opens the file's KeyHeader.
// The envelope itself is encoded per attempt against the recipient's key.
func (d *deliverer) prepare(ctx context.Context, item *outbox.Item, target drive.Drive,
	header *drive.FileHeader,
) (*perimeter.Transfer, envelope.KeyHeader, error) {
	opts := item.Options

	contents := opts.Contents
	if contents == 0 {
		contents = envelope.SendAll
	}

	fsType := opts.FileSystemType
	if fsType == 0 {
		fsType = envelope.FileSystemStandard
	}

	tr := &perimeter.Transfer{
		Marker: item.Marker,
		InstructionSet: envelope.InstructionSet{
			TargetDrive:            target.Target,
			TransferFileType:       envelope.TransferFileNormal,
			FileSystemType:         fsType,
			ContentsProvided:       contents,
			AppNotificationOptions: opts.Notification,
			SourceAppID:            opts.SourceAppID,
			GlobalTransitID:        header.GlobalTransitID,
		},
		Metadata:   &header.Metadata,
		Payloads:   make(map[string][]byte),
		Thumbnails: make(map[drive.ThumbnailKey][]byte),
	}

	ref := header.Ref()

	for _, p := range header.Metadata.Payloads {
		if contents.Has(envelope.SendPayload) {
			blob, err := d.t.files.ReadPayload(ctx, ref, p.Key)
			if err != nil {
				return nil, envelope.KeyHeader{}, readFailure(err)
			}

			tr.Payloads[p.Key] = blob
		}

		if !contents.Has(envelope.SendThumbnails) {
			continue
		}

		for _, th := range p.Thumbnails {
			blob, err := d.t.files.ReadThumbnail(ctx, ref, p.Key, th.Width, th.Height)
			if err != nil {
				return nil, envelope.KeyHeader{}, readFailure(err)
			}

			tr.Thumbnails[drive.ThumbnailKey{PayloadKey: p.Key, Width: th.Width, Height: th.Height}] = blob
		}
	}

	driveKey, err := d.t.keys.DriveKey(item.DriveID)
	if err != nil {
		return nil, envelope.KeyHeader{}, outbox.Transient(outbox.ProblemInternal, err)
	}
	defer clear(driveKey)

	kh, err := envelope.OpenKeyHeader(driveKey, item.DriveID, header.SealedKeyHeader)
	if err != nil {
		return nil, envelope.KeyHeader{}, outbox.Permanent(outbox.ProblemInternal, err)
	}

	return tr, kh, nil
}

func readFailure(err error) error {
	if errors.Is(err, drive.ErrNotFound) {
		return outbox.Permanent(outbox.ProblemFileGone, err)
	}

	return outbox.Transient(outbox.ProblemInternal, err)
}

func (d *deliverer) deliverDelete(ctx context.Context, item *outbox.Item, target drive.Drive,
	token permission.ClientAuthToken,
) (outbox.Delivery, error) {
	fsType := item.Options.FileSystemType
	if fsType == 0 {
		fsType = envelope.FileSystemStandard
	}

	req := perimeter.DeleteLinkedFileRequest{
		TargetDrive:     target.Target,
		GlobalTransitID: item.Options.GlobalTransitID,
		FileSystemType:  fsType,
	}

	resp, err := d.t.client.DeleteLinkedFile(ctx, item.Recipient, d.t.id, token, req)
	if err != nil {
		return outbox.Delivery{}, classifyPeerError(err)
	}

	return outbox.Delivery{Code: string(resp.Code)}, nil
}

// classifyPeerError maps a perimeter client error to a delivery outcome.
func classifyPeerError(err error) error {
	var pe *perimeter.PeerError

	switch {
	case errors.Is(err, perimeter.ErrUnreachable):
		return outbox.Transient(outbox.ProblemRecipientUnavailable, err)
	case !errors.As(err, &pe):
		return outbox.Transient(outbox.ProblemInternal, err)
	case errors.Is(err, perimeter.ErrForbidden), errors.Is(err, perimeter.ErrUnauthorized):
		return outbox.Permanent(outbox.ProblemRecipientRejected, err)
	case errors.Is(err, perimeter.ErrBadRequest), errors.Is(err, perimeter.ErrTooLarge):
		return outbox.Permanent(outbox.ProblemInvalidEnvelope, err)
	case errors.Is(err, perimeter.ErrNotFound):
		// The peer's host does not serve that identity (yet).
		return outbox.Transient(outbox.ProblemRecipientUnavailable, err)
	case pe.Retryable():
		return outbox.Transient(outbox.ProblemRecipientServerError, err)
	default:
		return outbox.Permanent(outbox.ProblemRecipientRejected, err)
	}
}
