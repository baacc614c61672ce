package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/peerhost/transitd/internal/config"
	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/inbox"
	"github.com/peerhost/transitd/internal/keyring"
	"github.com/peerhost/transitd/internal/outbox"
	"github.com/peerhost/transitd/internal/perimeter"
	"github.com/peerhost/transitd/internal/quarantine"
	"github.com/peerhost/transitd/internal/tenant"
	"github.com/peerhost/transitd/internal/tokenfile"
)

const systemTokenFileName = "system.token"

// errNoTenants is returned when the configuration hosts nobody.
var errNoTenants = errors.New("no [[tenant]] configured")

// selectTenant picks the tenant a command acts on: the one named by
// --tenant, or the only one configured.
func selectTenant(cc *CLIContext) (config.TenantConfig, error) {
	tenants := cc.Cfg.Tenants
	if len(tenants) == 0 {
		return config.TenantConfig{}, errNoTenants
	}

	if cc.Flags.Tenant == "" {
		if len(tenants) > 1 {
			names := make([]string, len(tenants))
			for i := range tenants {
				names[i] = tenants[i].Identity
			}

			return config.TenantConfig{}, fmt.Errorf("several tenants configured, pick one with --tenant (%s)",
				strings.Join(names, ", "))
		}

		return tenants[0], nil
	}

	want, err := identity.New(cc.Flags.Tenant)
	if err != nil {
		return config.TenantConfig{}, fmt.Errorf("--tenant: %w", err)
	}

	for i := range tenants {
		if id, err := identity.New(tenants[i].Identity); err == nil && id.Equal(want) {
			return tenants[i], nil
		}
	}

	return config.TenantConfig{}, fmt.Errorf("tenant %s is not configured", want)
}

// systemTokenPath is server.system_token_file when set, shared by every
// tenant, and a per-tenant file otherwise.
func systemTokenPath(cfg *config.Config, tc config.TenantConfig) string {
	if cfg.Server.SystemTokenFile != "" {
		return cfg.Server.SystemTokenFile
	}

	return filepath.Join(cfg.TenantDataDir(tc.Identity), systemTokenFileName)
}

// buildTenantConfig turns one [[tenant]] entry plus the shared sections
// into what tenant.Open takes. The master key and system token are
// created on first use.
func buildTenantConfig(cfg *config.Config, tc config.TenantConfig, now time.Time) (tenant.Config, error) {
	id, err := identity.New(tc.Identity)
	if err != nil {
		return tenant.Config{}, err
	}

	master, err := keyring.EnsureMasterKey(cfg.MasterKeyPath(tc))
	if err != nil {
		return tenant.Config{}, err
	}

	token, err := tokenfile.Ensure(systemTokenPath(cfg, tc), id.String(), now)
	if err != nil {
		return tenant.Config{}, err
	}

	drives, err := buildDrives(tc.Drives)
	if err != nil {
		return tenant.Config{}, fmt.Errorf("tenant %s: %w", id, err)
	}

	filterOpts, providers, err := buildQuarantine(&cfg.Quarantine)
	if err != nil {
		return tenant.Config{}, err
	}

	compression, err := drive.ParseCompression(cfg.Transit.PayloadCompression)
	if err != nil {
		return tenant.Config{}, err
	}

	tr := &cfg.Transit

	return tenant.Config{
		Identity:        id,
		DataDir:         cfg.TenantDataDir(id.String()),
		MasterKey:       master,
		Drives:          drives,
		SystemToken:     token,
		KeyRingCapacity: tr.KeyRingCapacity,
		Compression:     compression,
		PublicKeyTTL:    config.Duration(tr.PublicKeyCacheTTL),
		Outbox: outbox.Config{
			AttemptCeiling:  tr.AttemptCeiling,
			BaseBackoff:     config.Duration(tr.BaseBackoff),
			MaxBackoff:      config.Duration(tr.MaxBackoff),
			LeaseTimeout:    config.Duration(tr.LeaseTimeout),
			ResweepInterval: config.Duration(tr.ResweepInterval),
		},
		OutboxWorkers:    tr.OutboxWorkers,
		DispatchInterval: config.Duration(tr.DispatchInterval),
		Inbox: inbox.Config{
			BatchSize:        tr.InboxBatchSize,
			FailureThreshold: tr.InboxFailureThreshold,
			PopTimeout:       config.Duration(tr.InboxLeaseTimeout),
			Workers:          tr.InboxWorkers,
		},
		Filters:             cfg.Quarantine.Filters,
		FilterOptions:       filterOpts,
		DataProviders:       providers,
		MaintenanceInterval: config.Duration(tr.MaintenanceInterval),
	}, nil
}

func buildDrives(list []config.DriveConfig) ([]drive.Drive, error) {
	out := make([]drive.Drive, 0, len(list))

	for _, dc := range list {
		alias, err := uuid.Parse(dc.Alias)
		if err != nil {
			return nil, fmt.Errorf("drive %s alias: %w", dc.Name, err)
		}

		typ, err := uuid.Parse(dc.Type)
		if err != nil {
			return nil, fmt.Errorf("drive %s type: %w", dc.Name, err)
		}

		target := drive.TargetDrive{Alias: alias, Type: typ}

		out = append(out, drive.Drive{
			ID:                  target.DriveID(),
			Name:                dc.Name,
			Target:              target,
			AllowAnonymousReads: dc.AllowAnonymousReads,
			AllowSubscriptions:  dc.AllowSubscriptions,
		})
	}

	return out, nil
}

func buildQuarantine(q *config.QuarantineConfig) (quarantine.Options, []identity.Identity, error) {
	var opts quarantine.Options

	for _, raw := range q.AllowedApps {
		app, err := uuid.Parse(raw)
		if err != nil {
			return opts, nil, fmt.Errorf("allowed app %q: %w", raw, err)
		}

		opts.AllowedApps = append(opts.AllowedApps, app)
	}

	limit, err := config.ParseSize(q.MaxPayloadSize)
	if err != nil {
		return opts, nil, err
	}

	opts.MaxPayloadBytes = limit

	providers := make([]identity.Identity, 0, len(q.DataProviders))

	for _, raw := range q.DataProviders {
		id, err := identity.New(raw)
		if err != nil {
			return opts, nil, err
		}

		providers = append(providers, id)
	}

	return opts, providers, nil
}

// newPeerClient builds the HTTP client tenants use to reach peers.
// network.peer_overrides replaces the default https://<identity> address.
func newPeerClient(cfg *config.Config, logger *slog.Logger) *perimeter.Client {
	dialer := &net.Dialer{Timeout: config.Duration(cfg.Network.ConnectTimeout)}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = config.Duration(cfg.Network.ConnectTimeout)

	hc := &http.Client{
		Transport: transport,
		Timeout:   config.Duration(cfg.Network.DataTimeout),
	}

	return perimeter.NewClient(hc, peerURLFunc(cfg.Network.PeerOverrides), userAgent(cfg), logger)
}

func peerURLFunc(overrides map[string]string) perimeter.PeerURLFunc {
	normalized := make(map[string]string, len(overrides))

	for raw, u := range overrides {
		if id, err := identity.New(raw); err == nil {
			normalized[id.String()] = strings.TrimSuffix(u, "/")
		}
	}

	return func(peer identity.Identity) string {
		if u, ok := normalized[peer.String()]; ok {
			return u
		}

		return perimeter.DefaultPeerURL(peer)
	}
}

func userAgent(cfg *config.Config) string {
	if cfg.Network.UserAgent != "" {
		return cfg.Network.UserAgent
	}

	return "transitd/" + version
}

// openTenant opens the selected tenant directly against its data
// directory, for commands that do not need a running server.
func openTenant(ctx context.Context, cc *CLIContext) (*tenant.Tenant, error) {
	tc, err := selectTenant(cc)
	if err != nil {
		return nil, err
	}

	return openTenantConfig(ctx, cc, tc)
}

func openTenantConfig(ctx context.Context, cc *CLIContext, tc config.TenantConfig) (*tenant.Tenant, error) {
	tcfg, err := buildTenantConfig(cc.Cfg, tc, time.Now())
	if err != nil {
		return nil, err
	}

	return tenant.Open(ctx, tcfg, newPeerClient(cc.Cfg, cc.Logger), cc.Logger)
}

// ownerClient reaches the selected tenant's owner endpoints on the
// running server.
func ownerClient(cc *CLIContext, server string) (*perimeter.OwnerClient, error) {
	tc, err := selectTenant(cc)
	if err != nil {
		return nil, err
	}

	id, err := identity.New(tc.Identity)
	if err != nil {
		return nil, err
	}

	tok, _, err := tokenfile.Load(systemTokenPath(cc.Cfg, tc))
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, fmt.Errorf("no system token for %s yet; start the server once with \"transitd serve\"", id)
	}

	if server == "" {
		server = localServerURL(cc.Cfg)
	}

	return perimeter.NewOwnerClient(server, id, tok.AccessToken, config.Duration(cc.Cfg.Network.DataTimeout)), nil
}

// localServerURL derives the address of this host's own listener.
func localServerURL(cfg *config.Config) string {
	scheme := "http"
	if cfg.Server.TLSCertFile != "" {
		scheme = "https"
	}

	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return scheme + "://" + cfg.Server.Listen
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	return scheme + "://" + net.JoinHostPort(host, port)
}

// withTenant opens the selected tenant for the duration of fn.
func withTenant(cmd *cobra.Command, fn func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	t, err := openTenant(ctx, cc)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := t.Close(); cerr != nil {
			cc.Logger.Warn("closing tenant", slog.String("error", cerr.Error()))
		}
	}()

	return fn(ctx, cc, t)
}

// resolveDrive accepts a drive name from the config or its "alias/type"
// form.
func resolveDrive(t *tenant.Tenant, arg string) (drive.Drive, error) {
	return lookupDrive(t.Drives(), arg)
}

// configDrive is resolveDrive without opening the tenant.
func configDrive(cc *CLIContext, arg string) (drive.Drive, error) {
	tc, err := selectTenant(cc)
	if err != nil {
		return drive.Drive{}, err
	}

	drives, err := buildDrives(tc.Drives)
	if err != nil {
		return drive.Drive{}, err
	}

	reg, err := drive.NewRegistry(drives...)
	if err != nil {
		return drive.Drive{}, err
	}

	return lookupDrive(reg, arg)
}

func lookupDrive(reg *drive.Registry, arg string) (drive.Drive, error) {
	if d, err := reg.ByName(arg); err == nil {
		return d, nil
	}

	target, err := drive.ParseTargetDrive(arg)
	if err != nil {
		return drive.Drive{}, fmt.Errorf("no drive named %q", arg)
	}

	return reg.ByTarget(target)
}

// serverRunning reports whether a local "transitd serve" holds the data
// directory.
func serverRunning(cfg *config.Config) bool {
	return runningServer(pidFilePath(cfg)) != 0
}

func pidFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.Storage.DataDir, pidFileName)
}

// driveLabel names a target drive by its configured name when it has one.
func driveLabel(t *tenant.Tenant, target drive.TargetDrive) string {
	if d, err := t.Drives().ByTarget(target); err == nil {
		return d.Name
	}

	return target.String()
}
