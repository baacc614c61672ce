// Package tenant wires one identity's transit components together: key
// ring, grants, drive store, quarantine chain, outbox with its dispatcher,
// inbox processor, and the event bus and journal. A Host serves several
// tenants behind one perimeter listener.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/envelope"
	"github.com/peerhost/transitd/internal/events"
	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/inbox"
	"github.com/peerhost/transitd/internal/keyring"
	"github.com/peerhost/transitd/internal/outbox"
	"github.com/peerhost/transitd/internal/perimeter"
	"github.com/peerhost/transitd/internal/permission"
	"github.com/peerhost/transitd/internal/quarantine"
	"github.com/peerhost/transitd/internal/store"
)

const (
	dbFileName   = "transit.db"
	filesDirName = "files"
	dataDirPerm  = 0o700

	// DefaultMaintenanceInterval is how often Run reclaims expired inbox
	// pops, re-evaluates held transfers, and drains every inbox.
	DefaultMaintenanceInterval = time.Minute
)

// Config describes one tenant.
type Config struct {
	Identity  identity.Identity
	DataDir   string
	MasterKey []byte
	Drives    []drive.Drive

	// SystemToken authorizes the owner endpoints. Empty disables them.
	SystemToken string

	KeyRingCapacity int
	Compression     drive.Compression
	PublicKeyTTL    time.Duration

	Outbox           outbox.Config
	OutboxWorkers    int
	DispatchInterval time.Duration
	Inbox            inbox.Config

	Filters       []string
	FilterOptions quarantine.Options
	DataProviders []identity.Identity

	MaintenanceInterval time.Duration
}

// Tenant is one identity's transit host.
type Tenant struct {
	id     identity.Identity
	cfg    Config
	logger *slog.Logger

	db       *sql.DB
	keys     *keyring.Keychain
	codec    *envelope.Codec
	grants   *permission.GrantStore
	resolver *permission.Resolver
	drives   *drive.Registry
	files    *drive.FileStore
	bus      *events.Bus
	journal  *events.Journal

	outbox     *outbox.Outbox
	dispatcher *outbox.Dispatcher
	inbox      *inbox.Processor
	chain      *quarantine.Chain
	held       *quarantine.HeldTable

	client *perimeter.Client
	peers  *perimeter.KeyDirectory

	// distributed maps a drive.FileRef to the version tag last queued for
	// it, so the watcher does not queue a version twice.
	distributed sync.Map

	nowFunc func() time.Time
}

// Open opens (creating on first use) the tenant's database and file store
// under cfg.DataDir and wires every component. client is the peer HTTP
// client, usually shared by every tenant of a host.
func Open(ctx context.Context, cfg Config, client *perimeter.Client, logger *slog.Logger) (*Tenant, error) {
	if cfg.Identity.IsZero() {
		return nil, errors.New("tenant: identity is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(slog.String("tenant", cfg.Identity.String()))

	if err := os.MkdirAll(cfg.DataDir, dataDirPerm); err != nil {
		return nil, fmt.Errorf("tenant: creating data directory: %w", err)
	}

	drives, err := drive.NewRegistry(cfg.Drives...)
	if err != nil {
		return nil, fmt.Errorf("tenant: %s: %w", cfg.Identity, err)
	}

	filters, err := quarantine.NewRegistry().Filters(cfg.Filters, cfg.FilterOptions)
	if err != nil {
		return nil, fmt.Errorf("tenant: %s: %w", cfg.Identity, err)
	}

	files, err := drive.NewFileStore(filepath.Join(cfg.DataDir, filesDirName), logger)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(ctx, filepath.Join(cfg.DataDir, dbFileName), logger)
	if err != nil {
		return nil, err
	}

	keys, err := keyring.Open(ctx, db, cfg.MasterKey, cfg.KeyRingCapacity, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	t := &Tenant{
		id:      cfg.Identity,
		cfg:     cfg,
		logger:  logger,
		db:      db,
		keys:    keys,
		codec:   envelope.NewCodec(keys, logger),
		drives:  drives,
		files:   files,
		bus:     events.NewBus(logger),
		journal: events.NewJournal(db),
		chain:   quarantine.NewChain(logger, filters...),
		held:    quarantine.NewHeldTable(db, logger),
		client:  client,
		peers:   perimeter.NewKeyDirectory(client, cfg.PublicKeyTTL),
		nowFunc: time.Now,
	}

	t.grants = permission.NewGrantStore(db, keys, logger)
	t.resolver = permission.NewResolver(t.grants, keys, cfg.DataProviders, logger)
	t.bus.On(t.journal.Handler(logger))

	t.outbox = outbox.New(outbox.NewTable(db), t.resolver, drives, outbox.NewPendingSenders(), t.bus, cfg.Outbox, logger)
	t.dispatcher = outbox.NewDispatcher(t.outbox, &deliverer{t: t}, t.bus, cfg.OutboxWorkers, cfg.DispatchInterval, logger)

	applier := inbox.NewStoreApplier(files, t.codec, keys, logger)
	t.inbox = inbox.NewProcessor(inbox.NewTable(db), applier, files, drives, t.bus, cfg.Inbox, logger)

	logger.Info("tenant opened",
		slog.Int("drives", len(cfg.Drives)),
		slog.Any("filters", t.chain.Filters()),
		slog.Uint64("key_id", uint64(keys.Current().KeyID)),
	)

	return t, nil
}

// Close releases the tenant's database.
func (t *Tenant) Close() error {
	if err := t.db.Close(); err != nil {
		return fmt.Errorf("tenant: closing %s: %w", t.id, err)
	}

	return nil
}

// Identity returns the tenant's identity.
func (t *Tenant) Identity() identity.Identity { return t.id }

// Drives returns the tenant's drive registry.
func (t *Tenant) Drives() *drive.Registry { return t.drives }

// Files returns the tenant's drive store.
func (t *Tenant) Files() *drive.FileStore { return t.files }

// Grants returns the tenant's grant store.
func (t *Tenant) Grants() *permission.GrantStore { return t.grants }

// Keys returns the tenant's key ring.
func (t *Tenant) Keys() *keyring.Keychain { return t.keys }

// Outbox returns the tenant's outbox.
func (t *Tenant) Outbox() *outbox.Outbox { return t.outbox }

// Inbox returns the tenant's inbox processor.
func (t *Tenant) Inbox() *inbox.Processor { return t.inbox }

// Held returns the tenant's quarantine table.
func (t *Tenant) Held() *quarantine.HeldTable { return t.held }

// Bus returns the tenant's event bus.
func (t *Tenant) Bus() *events.Bus { return t.bus }

// Run dispatches the outbox and performs periodic maintenance until ctx is
// canceled.
func (t *Tenant) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return t.dispatcher.Run(gctx) })
	g.Go(func() error { return t.maintain(gctx) })

	return g.Wait()
}

func (t *Tenant) maintain(ctx context.Context) error {
	interval := t.cfg.MaintenanceInterval
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t.maintainOnce(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (t *Tenant) maintainOnce(ctx context.Context) {
	if _, err := t.inbox.RecoverExpired(ctx); err != nil && ctx.Err() == nil {
		t.logger.Error("recovering inbox pops failed", slog.String("error", err.Error()))
	}

	if n, _ := t.held.Count(ctx); n > 0 {
		if _, err := t.ReevaluateHeld(ctx); err != nil && ctx.Err() == nil {
			t.logger.Error("re-evaluating held transfers failed", slog.String("error", err.Error()))
		}
	}

	if _, err := t.inbox.ProcessAll(ctx); err != nil && ctx.Err() == nil {
		t.logger.Error("inbox processing failed", slog.String("error", err.Error()))
	}
}

// RotateKey makes a fresh key current. Queued envelopes addressed to older
// keys are rewrapped to the new key while the old one is still retained.
func (t *Tenant) RotateKey(ctx context.Context) (*keyring.Record, error) {
	rec, err := t.keys.Rotate(ctx)
	if err != nil {
		return nil, err
	}

	n, err := t.inbox.UpgradeEnvelopes(ctx, t.codec)
	if err != nil {
		return rec, err
	}

	t.logger.Info("key rotated",
		slog.Uint64("key_id", uint64(rec.KeyID)),
		slog.Int("envelopes_rewrapped", n),
	)

	return rec, nil
}

// Connect establishes a connection with peer in the given circles and
// returns the token peer must present when calling this tenant.
func (t *Tenant) Connect(ctx context.Context, peer identity.Identity, circleIDs []uuid.UUID) (permission.ClientAuthToken, error) {
	return t.grants.Connect(ctx, peer, circleIDs, t.keys)
}

// SetOutboundToken records the token peer issued to this tenant.
func (t *Tenant) SetOutboundToken(ctx context.Context, peer identity.Identity, token permission.ClientAuthToken) error {
	return t.grants.SetOutboundToken(ctx, peer, token)
}

// PublicKey implements perimeter.Tenant.
func (t *Tenant) PublicKey() keyring.PublicKey {
	return t.keys.Current().Public()
}

// CheckSystemToken implements perimeter.Tenant.
func (t *Tenant) CheckSystemToken(token string) bool {
	return t.cfg.SystemToken != "" && perimeter.ConstantTimeEqual(token, t.cfg.SystemToken)
}

// ProcessOutbox runs one dispatch pass over every recipient with queued
// work, including recipients waiting out a backoff whose time has come.
func (t *Tenant) ProcessOutbox(ctx context.Context) error {
	if _, err := t.outbox.ReclaimExpired(ctx); err != nil {
		return err
	}

	res, err := t.dispatcher.ProcessOnce(ctx)
	if err != nil {
		return err
	}

	t.logger.Debug("outbox pass",
		slog.Int("recipients", res.Recipients),
		slog.Int("delivered", res.Delivered),
		slog.Int("retried", res.Retried),
		slog.Int("failed", res.Failed),
	)

	return nil
}

// ProcessInbox implements perimeter.Tenant.
func (t *Tenant) ProcessInbox(ctx context.Context, target drive.TargetDrive, batchSize int) (inbox.BatchResult, error) {
	return t.inbox.ProcessInbox(ctx, target, batchSize)
}

// Journal implements perimeter.Tenant.
func (t *Tenant) Journal(ctx context.Context, q events.Query) ([]events.Event, error) {
	return t.journal.List(ctx, q)
}

// Subscribe implements perimeter.Tenant.
func (t *Tenant) Subscribe(buffer int) *events.Subscription {
	return t.bus.Subscribe(buffer)
}

var _ perimeter.Tenant = (*Tenant)(nil)
