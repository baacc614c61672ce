package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/envelope"
	"github.com/peerhost/transitd/internal/events"
	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/inbox"
	"github.com/peerhost/transitd/internal/perimeter"
	"github.com/peerhost/transitd/internal/permission"
	"github.com/peerhost/transitd/internal/quarantine"
)

// incomingPriority is the inbox priority of every received instruction.
// Files and deletes share it so a peer's changes apply in arrival order.
const incomingPriority = 100

// inboundSender is what the tenant establishes about the caller of a
// perimeter endpoint.
type inboundSender struct {
	id            identity.Identity
	caller        permission.CallerContext
	grantee       permission.Grantee
	authenticated bool
}

// identify authenticates caller. A token that does not match leaves the
// sender unauthenticated rather than failing, so the filter chain records
// the rejection. Configured data providers count as authenticated.
func (t *Tenant) identify(ctx context.Context, caller perimeter.Caller) (inboundSender, error) {
	s := inboundSender{id: caller.Identity, caller: permission.CallerContext{Identity: caller.Identity}}

	if caller.Identity.IsZero() {
		return s, nil
	}

	g, err := t.resolver.Resolve(ctx, caller.Identity)
	if err != nil {
		return s, err
	}

	s.grantee = g

	if caller.Token != nil {
		cc, err := t.resolver.Authenticate(ctx, caller.Identity, *caller.Token)

		switch {
		case err == nil:
			s.caller = cc
			s.authenticated = true
		case errors.Is(err, permission.ErrUnauthenticated):
			t.logger.Info("perimeter token rejected",
				slog.String("sender", caller.Identity.String()),
				slog.String("error", err.Error()),
			)
		default:
			return s, err
		}
	}

	if g.IsDataProvider {
		s.authenticated = true
	}

	return s, nil
}

// authorizeWrite requires Write on d. A data provider may push into drives
// that allow subscriptions without holding a grant.
func (t *Tenant) authorizeWrite(ctx context.Context, s inboundSender, d drive.Drive) error {
	if s.grantee.IsDataProvider && d.AllowSubscriptions {
		return nil
	}

	if !s.authenticated || s.caller.Token == nil {
		return &permission.ForbiddenError{Caller: s.id, Drive: d.Target, Required: permission.PermissionWrite}
	}

	pd := permission.PermissionedDrive{Drive: d.Target, Permission: permission.PermissionWrite}

	return t.resolver.AssertCallerHasPermission(ctx, s.caller, pd)
}

func (t *Tenant) targetDrive(target drive.TargetDrive) (drive.Drive, error) {
	d, err := t.drives.ByTarget(target)
	if err != nil {
		return drive.Drive{}, &envelope.ValidationError{Field: "targetDrive", Reason: "no such drive on " + t.id.String()}
	}

	return d, nil
}

// ReceiveTransfer implements perimeter.Tenant. The transfer is validated,
// passed through the quarantine chain, authorized against the target drive,
// and checked to be decryptable before it is held or queued.
func (t *Tenant) ReceiveTransfer(ctx context.Context, caller perimeter.Caller, tr *perimeter.Transfer) (perimeter.PeerResponse, error) {
	ctx = permission.WithRequestCache(ctx)

	set := &tr.InstructionSet
	if err := set.Validate(); err != nil {
		return perimeter.PeerResponse{}, err
	}

	if set.ContentsProvided.Has(envelope.SendHeader) && tr.Metadata == nil {
		return perimeter.PeerResponse{}, &envelope.ValidationError{Field: "metadata", Reason: "missing for a header transfer"}
	}

	if err := validateParts(tr); err != nil {
		return perimeter.PeerResponse{}, err
	}

	d, err := t.targetDrive(set.TargetDrive)
	if err != nil {
		return perimeter.PeerResponse{}, err
	}

	sender, err := t.identify(ctx, caller)
	if err != nil {
		return perimeter.PeerResponse{}, err
	}

	fc := &quarantine.FilterContext{
		Marker:         tr.Marker,
		Sender:         sender.id,
		Authenticated:  sender.authenticated,
		Grantee:        sender.grantee,
		InstructionSet: set,
	}

	parts, err := filterParts(tr)
	if err != nil {
		return perimeter.PeerResponse{}, err
	}

	verdict, err := t.chain.Evaluate(ctx, fc, parts)
	if err != nil {
		return perimeter.PeerResponse{}, err
	}

	if verdict.Recommendation == quarantine.Reject {
		return t.reject(ctx, sender.id, d, tr.Marker, verdict.Reasons()), nil
	}

	if err := t.authorizeWrite(ctx, sender, d); err != nil {
		return perimeter.PeerResponse{}, err
	}

	decoded, err := t.codec.Decode(set)
	if err != nil {
		return perimeter.PeerResponse{}, err
	}

	decoded.KeyHeader.Wipe()

	if verdict.Recommendation == quarantine.Quarantine {
		return t.hold(ctx, sender, d, tr, verdict.Reasons())
	}

	if err := t.accept(ctx, sender.id, d, tr); err != nil {
		return perimeter.PeerResponse{}, err
	}

	return perimeter.PeerResponse{Code: perimeter.CodeAcceptedIntoInbox}, nil
}

// validateParts checks the sender-supplied metadata and every payload and
// thumbnail key before any of them is used to name a staged blob.
func validateParts(tr *perimeter.Transfer) error {
	if tr.Metadata != nil {
		if err := tr.Metadata.Validate(); err != nil {
			return &envelope.ValidationError{Field: "metadata", Reason: err.Error()}
		}
	}

	for key := range tr.Payloads {
		if err := drive.ValidatePayloadKey(key); err != nil {
			return &envelope.ValidationError{Field: "payload", Reason: err.Error()}
		}
	}

	for k := range tr.Thumbnails {
		if err := drive.ValidatePayloadKey(k.PayloadKey); err != nil {
			return &envelope.ValidationError{Field: "thumbnail", Reason: err.Error()}
		}

		if k.Width <= 0 || k.Height <= 0 {
			return &envelope.ValidationError{Field: "thumbnail", Reason: fmt.Sprintf("bad dimensions %dx%d", k.Width, k.Height)}
		}
	}

	return nil
}

func (t *Tenant) reject(ctx context.Context, sender identity.Identity, d drive.Drive, marker uuid.UUID, reasons []string) perimeter.PeerResponse {
	msg := strings.Join(reasons, "; ")

	t.logger.Info("transfer rejected",
		slog.String("sender", sender.String()),
		slog.String("marker", marker.String()),
		slog.String("reasons", msg),
	)

	t.bus.Publish(ctx, events.Event{
		Kind:    events.TransferRejected,
		Peer:    sender,
		DriveID: d.ID,
		Message: msg,
	})

	return perimeter.PeerResponse{Code: perimeter.CodeRejected, Message: msg}
}

// accept stages the transfer's blobs and queues it in the inbox. The staging
// area is removed again unless the item is queued.
func (t *Tenant) accept(ctx context.Context, sender identity.Identity, d drive.Drive, tr *perimeter.Transfer) (err error) {
	set := tr.InstructionSet

	staged, err := t.files.Stage(tr.Marker)
	if err != nil {
		return err
	}

	defer func() {
		if err == nil {
			return
		}

		if discardErr := t.files.DiscardStaging(tr.Marker); discardErr != nil {
			t.logger.Warn("discarding staging area",
				slog.String("marker", tr.Marker.String()),
				slog.String("error", discardErr.Error()),
			)
		}
	}()

	for key, data := range tr.Payloads {
		if err := staged.WritePayload(key, data); err != nil {
			return err
		}
	}

	for k, data := range tr.Thumbnails {
		if err := staged.WriteThumbnail(k, data); err != nil {
			return err
		}
	}

	fileID, err := t.incomingFileID(ctx, d.ID, set.GlobalTransitID)
	if err != nil {
		return err
	}

	var versionTag string

	if tr.Metadata != nil {
		if versionTag, err = drive.NewVersionTag(*tr.Metadata); err != nil {
			return err
		}
	}

	it := &inbox.Item{
		Sender:          sender,
		DriveID:         d.ID,
		FileID:          fileID,
		GlobalTransitID: set.GlobalTransitID,
		Type:            inbox.InstructionFile,
		Priority:        incomingPriority,
		Marker:          tr.Marker,
		FileSystemType:  set.FileSystemType,
		VersionTag:      versionTag,
		InstructionSet:  &set,
		Metadata:        tr.Metadata,
	}

	if _, err := t.inbox.Enqueue(ctx, it); err != nil {
		return err
	}

	return nil
}

// incomingFileID is the local file a received global transit id lands on:
// the existing one when the drive already has it.
func (t *Tenant) incomingFileID(ctx context.Context, driveID, globalTransitID uuid.UUID) (uuid.UUID, error) {
	existing, err := t.files.FindByGlobalTransitID(ctx, driveID, globalTransitID)

	switch {
	case err == nil:
		return existing.FileID, nil
	case errors.Is(err, drive.ErrNotFound):
		return inbox.IncomingFileID(driveID, globalTransitID), nil
	default:
		return uuid.Nil, err
	}
}

// ReceiveDelete implements perimeter.Tenant. Only the identity a file was
// received from may delete it.
func (t *Tenant) ReceiveDelete(ctx context.Context, caller perimeter.Caller, req perimeter.DeleteLinkedFileRequest) (perimeter.PeerResponse, error) {
	ctx = permission.WithRequestCache(ctx)

	if err := req.Validate(); err != nil {
		return perimeter.PeerResponse{}, err
	}

	d, err := t.targetDrive(req.TargetDrive)
	if err != nil {
		return perimeter.PeerResponse{}, err
	}

	sender, err := t.identify(ctx, caller)
	if err != nil {
		return perimeter.PeerResponse{}, err
	}

	if err := t.authorizeWrite(ctx, sender, d); err != nil {
		return perimeter.PeerResponse{}, err
	}

	existing, err := t.files.FindByGlobalTransitID(ctx, d.ID, req.GlobalTransitID)
	if err != nil && !errors.Is(err, drive.ErrNotFound) {
		return perimeter.PeerResponse{}, err
	}

	fileID := inbox.IncomingFileID(d.ID, req.GlobalTransitID)

	if existing != nil {
		if !existing.Sender.Equal(sender.id) {
			return perimeter.PeerResponse{}, &permission.ForbiddenError{
				Caller:   sender.id,
				Drive:    d.Target,
				Required: permission.PermissionWrite,
			}
		}

		fileID = existing.FileID
	}

	marker, err := uuid.NewV7()
	if err != nil {
		return perimeter.PeerResponse{}, fmt.Errorf("tenant: generating marker: %w", err)
	}

	it := &inbox.Item{
		Sender:          sender.id,
		DriveID:         d.ID,
		FileID:          fileID,
		GlobalTransitID: req.GlobalTransitID,
		Type:            inbox.InstructionDelete,
		Priority:        incomingPriority,
		Marker:          marker,
		FileSystemType:  req.FileSystemType,
	}

	if _, err := t.inbox.Enqueue(ctx, it); err != nil {
		return perimeter.PeerResponse{}, err
	}

	return perimeter.PeerResponse{Code: perimeter.CodeAcceptedIntoInbox}, nil
}

// filterParts lists the transfer's parts in a stable order.
func filterParts(tr *perimeter.Transfer) ([]quarantine.PartData, error) {
	set, err := envelope.MarshalInstruction(&tr.InstructionSet)
	if err != nil {
		return nil, err
	}

	parts := []quarantine.PartData{{Part: quarantine.PartInstructionSet, Data: set}}

	if tr.Metadata != nil {
		meta, err := json.Marshal(tr.Metadata)
		if err != nil {
			return nil, fmt.Errorf("tenant: encoding metadata: %w", err)
		}

		parts = append(parts, quarantine.PartData{Part: quarantine.PartMetadata, Data: meta})
	}

	keys := make([]string, 0, len(tr.Payloads))
	for k := range tr.Payloads {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		parts = append(parts, quarantine.PartData{Part: quarantine.PartPayload, Name: k, Data: tr.Payloads[k]})
	}

	thumbs := make([]drive.ThumbnailKey, 0, len(tr.Thumbnails))
	for k := range tr.Thumbnails {
		thumbs = append(thumbs, k)
	}

	sort.Slice(thumbs, func(i, j int) bool { return thumbLess(thumbs[i], thumbs[j]) })

	for _, k := range thumbs {
		parts = append(parts, quarantine.PartData{
			Part: quarantine.PartThumbnail,
			Name: fmt.Sprintf("%s.%dx%d", k.PayloadKey, k.Width, k.Height),
			Data: tr.Thumbnails[k],
		})
	}

	return parts, nil
}

func thumbLess(a, b drive.ThumbnailKey) bool {
	if a.PayloadKey != b.PayloadKey {
		return a.PayloadKey < b.PayloadKey
	}

	if a.Width != b.Width {
		return a.Width < b.Width
	}

	return a.Height < b.Height
}

// heldTransfer is the at-rest form of a quarantined transfer.
type heldTransfer struct {
	Marker        uuid.UUID           `cbor:"1,keyasint"`
	Instruction   []byte              `cbor:"2,keyasint"`
	Metadata      *drive.FileMetadata `cbor:"3,keyasint,omitempty"`
	Payloads      map[string][]byte   `cbor:"4,keyasint,omitempty"`
	Thumbnails    []heldThumbnail     `cbor:"5,keyasint,omitempty"`
	Authenticated bool                `cbor:"6,keyasint"`
}

type heldThumbnail struct {
	Key  drive.ThumbnailKey `cbor:"1,keyasint"`
	Data []byte             `cbor:"2,keyasint"`
}

func encodeHeld(tr *perimeter.Transfer, authenticated bool) ([]byte, error) {
	set, err := envelope.MarshalInstruction(&tr.InstructionSet)
	if err != nil {
		return nil, err
	}

	h := heldTransfer{
		Marker:        tr.Marker,
		Instruction:   set,
		Metadata:      tr.Metadata,
		Payloads:      tr.Payloads,
		Authenticated: authenticated,
	}

	for k, data := range tr.Thumbnails {
		h.Thumbnails = append(h.Thumbnails, heldThumbnail{Key: k, Data: data})
	}

	sort.Slice(h.Thumbnails, func(i, j int) bool { return thumbLess(h.Thumbnails[i].Key, h.Thumbnails[j].Key) })

	data, err := cbor.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("tenant: encoding held transfer: %w", err)
	}

	return data, nil
}

func decodeHeld(data []byte) (*perimeter.Transfer, bool, error) {
	var h heldTransfer
	if err := cbor.Unmarshal(data, &h); err != nil {
		return nil, false, fmt.Errorf("tenant: decoding held transfer: %w", err)
	}

	set, err := envelope.UnmarshalInstruction(h.Instruction)
	if err != nil {
		return nil, false, err
	}

	tr := &perimeter.Transfer{
		Marker:         h.Marker,
		InstructionSet: *set,
		Metadata:       h.Metadata,
		Payloads:       h.Payloads,
		Thumbnails:     make(map[drive.ThumbnailKey][]byte, len(h.Thumbnails)),
	}

	if tr.Payloads == nil {
		tr.Payloads = make(map[string][]byte)
	}

	for _, th := range h.Thumbnails {
		tr.Thumbnails[th.Key] = th.Data
	}

	return tr, h.Authenticated, nil
}

func (t *Tenant) hold(ctx context.Context, s inboundSender, d drive.Drive, tr *perimeter.Transfer, reasons []string) (perimeter.PeerResponse, error) {
	data, err := encodeHeld(tr, s.authenticated)
	if err != nil {
		return perimeter.PeerResponse{}, err
	}

	err = t.held.Hold(ctx, quarantine.Held{
		Marker:   tr.Marker,
		Sender:   s.id,
		DriveID:  d.ID,
		Transfer: data,
		Reasons:  reasons,
	})
	if err != nil {
		return perimeter.PeerResponse{}, err
	}

	msg := strings.Join(reasons, "; ")

	t.logger.Info("transfer quarantined",
		slog.String("sender", s.id.String()),
		slog.String("marker", tr.Marker.String()),
		slog.String("reasons", msg),
	)

	t.bus.Publish(ctx, events.Event{
		Kind:    events.TransferQuarantined,
		Peer:    s.id,
		DriveID: d.ID,
		Message: msg,
	})

	return perimeter.PeerResponse{Code: perimeter.CodeQuarantined, Message: msg}, nil
}

// ReevaluateHeld runs every held transfer through the chain again.
func (t *Tenant) ReevaluateHeld(ctx context.Context) (quarantine.Outcome, error) {
	out, err := t.held.Reevaluate(permission.WithRequestCache(ctx), t.chain, heldResolver{t: t})
	if err != nil {
		return out, err
	}

	if out.Promoted > 0 || out.Discarded > 0 {
		t.logger.Info("held transfers re-evaluated",
			slog.Int("promoted", out.Promoted),
			slog.Int("discarded", out.Discarded),
			slog.Int("still_held", out.StillHeld),
		)
	}

	return out, nil
}

// heldResolver lets the quarantine table rebuild, promote, and discard the
// tenant's held transfers.
type heldResolver struct {
	t *Tenant
}

func (r heldResolver) Rebuild(ctx context.Context, h *quarantine.Held) (*quarantine.FilterContext, []quarantine.PartData, error) {
	tr, authenticated, err := decodeHeld(h.Transfer)
	if err != nil {
		return nil, nil, err
	}

	g, err := r.t.resolver.Resolve(ctx, h.Sender)
	if err != nil {
		return nil, nil, err
	}

	parts, err := filterParts(tr)
	if err != nil {
		return nil, nil, err
	}

	return &quarantine.FilterContext{
		Marker:         h.Marker,
		Sender:         h.Sender,
		Authenticated:  authenticated || g.IsDataProvider,
		Grantee:        g,
		InstructionSet: &tr.InstructionSet,
	}, parts, nil
}

// Promote re-checks Write against the sender's current grants before the
// transfer joins the inbox. Grants may have changed while it was held; the
// stored token is not kept, so the check runs on the sender's identity.
func (r heldResolver) Promote(ctx context.Context, h *quarantine.Held) error {
	tr, authenticated, err := decodeHeld(h.Transfer)
	if err != nil {
		return err
	}

	d, err := r.t.drives.ByID(h.DriveID)
	if err != nil {
		return err
	}

	if err := r.authorizeHeld(ctx, h.Sender, authenticated, d); err != nil {
		var forbidden *permission.ForbiddenError
		if !errors.As(err, &forbidden) {
			return err
		}

		r.t.reject(ctx, h.Sender, d, h.Marker, []string{err.Error()})

		return fmt.Errorf("%w: %w", quarantine.ErrNotPromotable, err)
	}

	return r.t.accept(ctx, h.Sender, d, tr)
}

func (r heldResolver) authorizeHeld(ctx context.Context, sender identity.Identity, authenticated bool, d drive.Drive) error {
	g, err := r.t.resolver.Resolve(ctx, sender)
	if err != nil {
		return err
	}

	if g.IsDataProvider && d.AllowSubscriptions {
		return nil
	}

	if !authenticated {
		return &permission.ForbiddenError{Caller: sender, Drive: d.Target, Required: permission.PermissionWrite}
	}

	pd := permission.PermissionedDrive{Drive: d.Target, Permission: permission.PermissionWrite}

	return r.t.resolver.AssertCallerHasPermission(ctx, permission.CallerContext{Identity: sender}, pd)
}

func (r heldResolver) Discard(ctx context.Context, h *quarantine.Held, v quarantine.Verdict) error {
	d, err := r.t.drives.ByID(h.DriveID)
	if err != nil {
		return err
	}

	r.t.reject(ctx, h.Sender, d, h.Marker, v.Reasons())

	return nil
}

var _ quarantine.Resolver = heldResolver{}
