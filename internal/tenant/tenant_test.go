package tenant

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/envelope"
	"github.com/peerhost/transitd/internal/events"
	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/keyring"
	"github.com/peerhost/transitd/internal/outbox"
	"github.com/peerhost/transitd/internal/perimeter"
	"github.com/peerhost/transitd/internal/permission"
	"github.com/peerhost/transitd/internal/quarantine"
)

var (
	alice = identity.MustNew("alice.example")
	bob   = identity.MustNew("bob.example")
	carol = identity.MustNew("carol.example")
)

// deadURL refuses connections.
const deadURL = "http://127.0.0.1:1"

type pair struct {
	alice, bob *Tenant
	target     drive.TargetDrive
	bobOffline atomic.Bool
}

type pairOptions struct {
	bobFilters       []string
	bobFilterOptions quarantine.Options
	bobKeyCapacity   int
	skipConnect      bool
}

func masterKey(t *testing.T) []byte {
	t.Helper()

	key := make([]byte, keyring.MasterKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	return key
}

// newPair hosts alice and bob behind one perimeter server. Both own a drive
// with the same target.
func newPair(t *testing.T, opts pairOptions) *pair {
	t.Helper()

	ctx := context.Background()
	p := &pair{target: drive.TargetDrive{Alias: uuid.New(), Type: uuid.New()}}

	var srv *httptest.Server

	client := perimeter.NewClient(nil, func(peer identity.Identity) string {
		if peer.Equal(bob) && p.bobOffline.Load() {
			return deadURL
		}

		return srv.URL
	}, "", nil)

	open := func(id identity.Identity, filters []string, fo quarantine.Options, capacity int) *Tenant {
		if filters == nil {
			filters = []string{quarantine.FilterConnectedSender}
		}

		tn, err := Open(ctx, Config{
			Identity:        id,
			DataDir:         t.TempDir(),
			MasterKey:       masterKey(t),
			Drives:          []drive.Drive{{Name: "chat", Target: p.target}},
			SystemToken:     "system-" + id.String(),
			KeyRingCapacity: capacity,
			Outbox: outbox.Config{
				AttemptCeiling:  3,
				BaseBackoff:     time.Millisecond,
				MaxBackoff:      2 * time.Millisecond,
				ResweepInterval: 50 * time.Millisecond,
			},
			Filters:       filters,
			FilterOptions: fo,
		}, client, nil)
		require.NoError(t, err)

		return tn
	}

	p.alice = open(alice, nil, quarantine.Options{}, 0)
	p.bob = open(bob, opts.bobFilters, opts.bobFilterOptions, opts.bobKeyCapacity)

	host, err := NewHost(p.alice, p.bob)
	require.NoError(t, err)

	srv = httptest.NewServer(perimeter.NewServer(host, perimeter.ServerConfig{}, nil).Handler())

	t.Cleanup(func() {
		srv.Close()
		assert.NoError(t, host.Close())
	})

	// alice lets bob read the drive, so alice may distribute to bob.
	readCircle := permission.Circle{
		ID:          uuid.New(),
		Name:        "readers",
		DriveGrants: []permission.PermissionedDrive{{Drive: p.target, Permission: permission.PermissionRead}},
	}
	require.NoError(t, p.alice.Grants().PutCircle(ctx, readCircle))

	tokenForBob, err := p.alice.Connect(ctx, bob, []uuid.UUID{readCircle.ID})
	require.NoError(t, err)

	if opts.skipConnect {
		return p
	}

	// bob lets alice write into the drive.
	writeCircle := permission.Circle{
		ID:          uuid.New(),
		Name:        "writers",
		DriveGrants: []permission.PermissionedDrive{{Drive: p.target, Permission: permission.PermissionReadWrite}},
	}
	require.NoError(t, p.bob.Grants().PutCircle(ctx, writeCircle))

	tokenForAlice, err := p.bob.Connect(ctx, alice, []uuid.UUID{writeCircle.ID})
	require.NoError(t, err)

	require.NoError(t, p.alice.SetOutboundToken(ctx, bob, tokenForAlice))
	require.NoError(t, p.bob.SetOutboundToken(ctx, alice, tokenForBob))

	return p
}

func (p *pair) upload(recipients ...identity.Identity) Upload {
	return Upload{
		Drive:       p.target,
		FileType:    100,
		ContentType: "application/json",
		AppData:     `{"subject":"lunch"}`,
		Payloads: []UploadPayload{{
			Key:         "pst_mdi0",
			ContentType: "text/plain",
			Content:     []byte("hello bob, lunch at noon?"),
			Thumbnails: []UploadThumbnail{{
				Width: 20, Height: 20, ContentType: "image/webp", Content: []byte("tiny-thumb"),
			}},
		}},
		Recipients:        recipients,
		AllowDistribution: true,
	}
}

// waitEvent pumps until an event of kind shows up on sub.
func waitEvent(t *testing.T, sub *events.Subscription, kind events.Kind, pump func()) events.Event {
	t.Helper()

	var found events.Event

	require.Eventually(t, func() bool {
		pump()

		for {
			select {
			case e := <-sub.C():
				if e.Kind == kind {
					found = e
					return true
				}
			default:
				return false
			}
		}
	}, 10*time.Second, 5*time.Millisecond)

	return found
}

func TestTransit_DeliversAfterRecipientComesBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPair(t, pairOptions{})

	// Warm the key cache, then take bob down.
	_, err := p.alice.peers.Get(ctx, bob)
	require.NoError(t, err)
	p.bobOffline.Store(true)

	sub := p.alice.Bus().Subscribe(64)
	defer sub.Close()

	header, err := p.alice.SaveFile(ctx, p.upload(bob))
	require.NoError(t, err)

	pump := func() { assert.NoError(t, p.alice.ProcessOutbox(ctx)) }

	unreachable := waitEvent(t, sub, events.RecipientUnreachable, pump)
	assert.Equal(t, bob, unreachable.Peer)
	assert.Equal(t, 3, unreachable.Attempts)
	assert.Equal(t, string(outbox.ProblemRecipientUnavailable), unreachable.Problem)

	stats, err := p.alice.Outbox().Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, []identity.Identity{bob}, stats.Unreachable)

	p.bobOffline.Store(false)

	processed := waitEvent(t, sub, events.OutboxItemProcessed, pump)
	assert.Equal(t, header.VersionTag, processed.VersionTag)
	assert.Equal(t, header.FileID, processed.FileID)
	assert.GreaterOrEqual(t, processed.Attempts, 4)

	stats, err = p.alice.Outbox().Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Empty(t, stats.Unreachable)

	res, err := p.bob.ProcessInbox(ctx, p.target, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Zero(t, res.TotalItems)

	received, err := p.bob.Files().FindByGlobalTransitID(ctx, p.target.DriveID(), header.GlobalTransitID)
	require.NoError(t, err)
	assert.Equal(t, header.VersionTag, received.VersionTag)
	assert.Equal(t, alice, received.Sender)
	assert.False(t, received.Distributable())

	content, err := p.bob.ReadPayload(ctx, received.Ref(), "pst_mdi0")
	require.NoError(t, err)
	assert.Equal(t, "hello bob, lunch at noon?", string(content))
}

func TestSaveFile_RecipientWithoutReadIsNotQueued(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPair(t, pairOptions{})

	header, err := p.alice.SaveFile(ctx, p.upload(carol))
	require.ErrorIs(t, err, permission.ErrForbidden)
	require.NotNil(t, header)

	stats, err := p.alice.Outbox().Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)

	// The file itself is saved.
	content, err := p.alice.ReadPayload(ctx, header.Ref(), "pst_mdi0")
	require.NoError(t, err)
	assert.Equal(t, "hello bob, lunch at noon?", string(content))
}

func TestSaveFile_AfterHoldsDeliveryBehindDependency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPair(t, pairOptions{})

	parentID := uuid.New()

	child := p.upload(bob)
	child.After = parentID

	childHeader, err := p.alice.SaveFile(ctx, child)
	require.NoError(t, err)

	parent := p.upload(bob)
	parent.FileID = parentID
	parent.Priority = 5

	_, err = p.alice.SaveFile(ctx, parent)
	require.NoError(t, err)

	// The child sorts first but waits for the parent.
	item, err := p.alice.Outbox().Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, parentID, item.FileID)

	_, err = p.alice.Outbox().Ack(ctx, item.Marker)
	require.NoError(t, err)

	item, err = p.alice.Outbox().Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, childHeader.FileID, item.FileID)
	assert.Equal(t, parentID, item.DependencyFileID)

	self := p.upload(bob)
	self.FileID = uuid.New()
	self.After = self.FileID

	_, err = p.alice.SaveFile(ctx, self)
	require.Error(t, err)
}

// wellFormedSet passes structural validation; it is never decrypted.
func wellFormedSet(target drive.TargetDrive) envelope.InstructionSet {
	return envelope.InstructionSet{
		TargetDrive:      target,
		GlobalTransitID:  uuid.New(),
		ContentsProvided: envelope.SendAll,
		TransferFileType: envelope.TransferFileNormal,
		FileSystemType:   envelope.FileSystemStandard,
		SharedSecretEncryptedKeyHeader: envelope.SharedSecretEncryptedKeyHeader{
			EncryptionVersion: keyring.VersionX25519,
			RecipientKeyID:    1,
			Iv:                make([]byte, envelope.IvSize),
			EncryptedAesKey:   []byte{1},
		},
	}
}

func TestReceiveTransfer_RefusesUnsafeKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPair(t, pairOptions{})

	tests := []struct {
		name  string
		field string
		edit  func(tr *perimeter.Transfer)
	}{
		{"metadata payload key", "metadata", func(tr *perimeter.Transfer) {
			tr.Metadata.Payloads = []drive.PayloadDescriptor{{Key: "../../../../escaped"}}
		}},
		{"payload part", "payload", func(tr *perimeter.Transfer) {
			tr.Payloads = map[string][]byte{"../../../../escaped": []byte("x")}
		}},
		{"thumbnail part", "thumbnail", func(tr *perimeter.Transfer) {
			tr.Thumbnails = map[drive.ThumbnailKey][]byte{{PayloadKey: "../up", Width: 8, Height: 8}: []byte("x")}
		}},
		{"thumbnail dimensions", "thumbnail", func(tr *perimeter.Transfer) {
			tr.Thumbnails = map[drive.ThumbnailKey][]byte{{PayloadKey: "pst_mdi0", Width: 0, Height: 8}: []byte("x")}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &perimeter.Transfer{
				Marker:         uuid.New(),
				InstructionSet: wellFormedSet(p.target),
				Metadata:       &drive.FileMetadata{ContentType: "application/json"},
			}
			tt.edit(tr)

			_, err := p.bob.ReceiveTransfer(ctx, perimeter.Caller{Identity: alice}, tr)
			require.ErrorIs(t, err, envelope.ErrInvalidInstructionSet)

			var ve *envelope.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)

			_, err = p.bob.Files().OpenStaging(tr.Marker)
			require.ErrorIs(t, err, drive.ErrNotFound)
		})
	}

	status, err := p.bob.Inbox().Status(ctx, p.target)
	require.NoError(t, err)
	assert.Zero(t, status.TotalItems)

	n, err := p.bob.Held().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAccept_DiscardsStagingOnWriteFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPair(t, pairOptions{})

	d, err := p.bob.Drives().ByTarget(p.target)
	require.NoError(t, err)

	tr := &perimeter.Transfer{
		Marker:         uuid.New(),
		InstructionSet: wellFormedSet(p.target),
		Payloads: map[string][]byte{
			"../escaped": []byte("never written"),
		},
	}

	err = p.bob.accept(ctx, alice, d, tr)
	require.ErrorIs(t, err, drive.ErrInvalidKey)

	_, err = p.bob.Files().OpenStaging(tr.Marker)
	require.ErrorIs(t, err, drive.ErrNotFound)

	status, err := p.bob.Inbox().Status(ctx, p.target)
	require.NoError(t, err)
	assert.Zero(t, status.TotalItems)
}

func TestTransit_UnconnectedSenderRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPair(t, pairOptions{skipConnect: true})

	// alice holds a token bob never issued.
	bogus, err := permission.NewClientAuthToken()
	require.NoError(t, err)
	require.NoError(t, p.alice.SetOutboundToken(ctx, bob, bogus))

	sub := p.alice.Bus().Subscribe(64)
	defer sub.Close()

	_, err = p.alice.SaveFile(ctx, p.upload(bob))
	require.NoError(t, err)

	failed := waitEvent(t, sub, events.OutboxDeliveryFailed, func() { assert.NoError(t, p.alice.ProcessOutbox(ctx)) })
	assert.Equal(t, string(outbox.ProblemRecipientRejected), failed.Problem)

	failures, err := p.alice.Outbox().Failures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, outbox.StatusFailed, failures[0].Status)

	status, err := p.bob.Inbox().Status(ctx, p.target)
	require.NoError(t, err)
	assert.Zero(t, status.TotalItems)

	rejected, err := p.bob.Journal(ctx, events.Query{Kind: events.TransferRejected})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, alice, rejected[0].Peer)
}

func TestTransit_NoOutboundTokenFailsPermanently(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPair(t, pairOptions{skipConnect: true})

	sub := p.alice.Bus().Subscribe(64)
	defer sub.Close()

	_, err := p.alice.SaveFile(ctx, p.upload(bob))
	require.NoError(t, err)

	failed := waitEvent(t, sub, events.OutboxDeliveryFailed, func() { assert.NoError(t, p.alice.ProcessOutbox(ctx)) })
	assert.Equal(t, string(outbox.ProblemRecipientNotAuthorized), failed.Problem)
}

func TestTransit_QuarantinedTransferIsHeld(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPair(t, pairOptions{
		bobFilters:       []string{quarantine.FilterConnectedSender, quarantine.FilterMaxPayloadSize},
		bobFilterOptions: quarantine.Options{MaxPayloadBytes: 8},
	})

	sub := p.alice.Bus().Subscribe(64)
	defer sub.Close()

	_, err := p.alice.SaveFile(ctx, p.upload(bob))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		assert.NoError(t, p.alice.ProcessOutbox(ctx))

		n, err := p.bob.Held().Count(ctx)
		return err == nil && n == 1
	}, 10*time.Second, 5*time.Millisecond)

	// The sender keeps the item and retries later.
	stats, err := p.alice.Outbox().Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Zero(t, stats.Failed)

	status, err := p.bob.Inbox().Status(ctx, p.target)
	require.NoError(t, err)
	assert.Zero(t, status.TotalItems)

	out, err := p.bob.ReevaluateHeld(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.StillHeld)

	held, err := p.bob.Journal(ctx, events.Query{Kind: events.TransferQuarantined})
	require.NoError(t, err)
	assert.NotEmpty(t, held)
}

func TestReevaluateHeld_RevokedWriteIsDiscarded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPair(t, pairOptions{
		bobFilters:       []string{quarantine.FilterConnectedSender, quarantine.FilterMaxPayloadSize},
		bobFilterOptions: quarantine.Options{MaxPayloadBytes: 8},
	})

	_, err := p.alice.SaveFile(ctx, p.upload(bob))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		assert.NoError(t, p.alice.ProcessOutbox(ctx))

		n, err := p.bob.Held().Count(ctx)
		return err == nil && n == 1
	}, 10*time.Second, 5*time.Millisecond)

	writers, err := p.bob.Grants().CircleByName(ctx, "writers")
	require.NoError(t, err)
	require.NoError(t, p.bob.Grants().RevokeCircleGrant(ctx, alice, writers.ID))

	// The size limit is lifted, so only the revoked grant stands in the way.
	p.bob.chain = quarantine.NewChain(nil, quarantine.ConnectedSender{})

	out, err := p.bob.ReevaluateHeld(ctx)
	require.NoError(t, err)
	assert.Zero(t, out.Promoted)
	assert.Equal(t, 1, out.Discarded)

	n, err := p.bob.Held().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	status, err := p.bob.Inbox().Status(ctx, p.target)
	require.NoError(t, err)
	assert.Zero(t, status.TotalItems)

	rejected, err := p.bob.Journal(ctx, events.Query{Kind: events.TransferRejected})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, alice, rejected[0].Peer)
}

func TestTransit_DeletePropagates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPair(t, pairOptions{})

	sub := p.alice.Bus().Subscribe(64)
	defer sub.Close()

	pump := func() { assert.NoError(t, p.alice.ProcessOutbox(ctx)) }

	header, err := p.alice.SaveFile(ctx, p.upload(bob))
	require.NoError(t, err)

	waitEvent(t, sub, events.OutboxItemProcessed, pump)

	_, err = p.bob.ProcessInbox(ctx, p.target, 0)
	require.NoError(t, err)

	_, err = p.bob.Files().FindByGlobalTransitID(ctx, p.target.DriveID(), header.GlobalTransitID)
	require.NoError(t, err)

	require.NoError(t, p.alice.DeleteFile(ctx, header.Ref(), 0))

	_, err = p.alice.Files().GetHeader(ctx, header.Ref())
	require.ErrorIs(t, err, drive.ErrNotFound)

	waitEvent(t, sub, events.OutboxItemProcessed, pump)

	res, err := p.bob.ProcessInbox(ctx, p.target, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	_, err = p.bob.Files().FindByGlobalTransitID(ctx, p.target.DriveID(), header.GlobalTransitID)
	require.ErrorIs(t, err, drive.ErrNotFound)
}

func TestTransit_UpdateKeepsFileIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPair(t, pairOptions{})

	sub := p.alice.Bus().Subscribe(64)
	defer sub.Close()

	pump := func() { assert.NoError(t, p.alice.ProcessOutbox(ctx)) }

	first, err := p.alice.SaveFile(ctx, p.upload(bob))
	require.NoError(t, err)

	waitEvent(t, sub, events.OutboxItemProcessed, pump)

	up := p.upload(bob)
	up.FileID = first.FileID
	up.Payloads[0].Content = []byte("make that one o'clock")

	second, err := p.alice.SaveFile(ctx, up)
	require.NoError(t, err)
	assert.Equal(t, first.GlobalTransitID, second.GlobalTransitID)
	assert.Equal(t, first.SealedKeyHeader, second.SealedKeyHeader)
	assert.NotEqual(t, first.VersionTag, second.VersionTag)

	waitEvent(t, sub, events.OutboxItemProcessed, pump)

	res, err := p.bob.ProcessInbox(ctx, p.target, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)

	received, err := p.bob.Files().FindByGlobalTransitID(ctx, p.target.DriveID(), first.GlobalTransitID)
	require.NoError(t, err)
	assert.Equal(t, second.VersionTag, received.VersionTag)

	content, err := p.bob.ReadPayload(ctx, received.Ref(), "pst_mdi0")
	require.NoError(t, err)
	assert.Equal(t, "make that one o'clock", string(content))
}

func TestTransit_StaleRecipientKeyIsRefetched(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPair(t, pairOptions{bobKeyCapacity: 1})

	stale, err := p.alice.peers.Get(ctx, bob)
	require.NoError(t, err)

	// With room for one key, rotating forgets the one alice cached.
	rotated, err := p.bob.RotateKey(ctx)
	require.NoError(t, err)
	require.NotEqual(t, stale.KeyID, rotated.KeyID)

	sub := p.alice.Bus().Subscribe(64)
	defer sub.Close()

	_, err = p.alice.SaveFile(ctx, p.upload(bob))
	require.NoError(t, err)

	processed := waitEvent(t, sub, events.OutboxItemProcessed, func() { assert.NoError(t, p.alice.ProcessOutbox(ctx)) })
	assert.Equal(t, 1, processed.Attempts)

	fresh, err := p.alice.peers.Get(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, rotated.KeyID, fresh.KeyID)

	res, err := p.bob.ProcessInbox(ctx, p.target, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
}

func TestNewHost_RejectsDuplicates(t *testing.T) {
	t.Parallel()

	tn := &Tenant{id: alice}

	_, err := NewHost(tn, &Tenant{id: alice})
	require.Error(t, err)

	h, err := NewHost(tn, &Tenant{id: bob})
	require.NoError(t, err)

	got, ok := h.TenantForHost("ALICE.example")
	require.True(t, ok)
	assert.Same(t, tn, got.(*Tenant))

	_, ok = h.TenantForHost("carol.example")
	assert.False(t, ok)

	tenants := h.Tenants()
	require.Len(t, tenants, 2)
	assert.Equal(t, alice, tenants[0].Identity())
}

func TestDistributeChanged_SkipsQueuedVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newPair(t, pairOptions{})

	header, err := p.alice.SaveFile(ctx, p.upload(bob))
	require.NoError(t, err)

	queued, err := p.alice.DistributeChanged(ctx, header.Ref())
	require.NoError(t, err)
	assert.False(t, queued)

	// A version written behind the tenant's back is queued once.
	p.alice.distributed.Store(header.Ref(), "older")

	queued, err = p.alice.DistributeChanged(ctx, header.Ref())
	require.NoError(t, err)
	assert.True(t, queued)

	_, err = p.alice.DistributeChanged(ctx, drive.FileRef{DriveID: header.DriveID, FileID: uuid.New()})
	require.ErrorIs(t, err, drive.ErrNotFound)
}
