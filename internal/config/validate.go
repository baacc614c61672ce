package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/quarantine"
)

// Validation range constants.
const (
	minWorkers          = 1
	maxWorkers          = 64
	minAttemptCeiling   = 1
	minBatchSize        = 1
	minKeyRingCapacity  = 1
	minShutdownTimeout  = 1 * time.Second
	minConnectTimeout   = 1 * time.Second
	minDataTimeout      = 5 * time.Second
	minBackoff          = 10 * time.Millisecond
	minLeaseTimeout     = 1 * time.Second
	minIntervalDuration = 1 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateTransit(&cfg.Transit)...)
	errs = append(errs, validateQuarantine(&cfg.Quarantine)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateTenants(cfg.Tenants)...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.Listen == "" {
		errs = append(errs, errors.New("server.listen: must not be empty"))
	}

	if (s.TLSCertFile == "") != (s.TLSKeyFile == "") {
		errs = append(errs, errors.New("server: tls_cert_file and tls_key_file must be set together"))
	}

	if _, err := ParseSize(s.MaxTransferSize); err != nil {
		errs = append(errs, fmt.Errorf("server.max_transfer_size: %w", err))
	}

	errs = append(errs, validateDurationMin("server.shutdown_timeout", s.ShutdownTimeout, minShutdownTimeout)...)

	return errs
}

func validateTransit(t *TransitConfig) []error {
	var errs []error

	errs = append(errs, validateRange("transit.outbox_workers", t.OutboxWorkers, minWorkers, maxWorkers)...)
	errs = append(errs, validateRange("transit.inbox_workers", t.InboxWorkers, minWorkers, maxWorkers)...)
	errs = append(errs, validateAtLeast("transit.attempt_ceiling", t.AttemptCeiling, minAttemptCeiling)...)
	errs = append(errs, validateAtLeast("transit.inbox_batch_size", t.InboxBatchSize, minBatchSize)...)
	errs = append(errs, validateAtLeast("transit.inbox_failure_threshold", t.InboxFailureThreshold, 1)...)
	errs = append(errs, validateAtLeast("transit.key_ring_capacity", t.KeyRingCapacity, minKeyRingCapacity)...)

	errs = append(errs, validateDurationMin("transit.base_backoff", t.BaseBackoff, minBackoff)...)
	errs = append(errs, validateDurationMin("transit.max_backoff", t.MaxBackoff, minBackoff)...)
	errs = append(errs, validateDurationMin("transit.lease_timeout", t.LeaseTimeout, minLeaseTimeout)...)
	errs = append(errs, validateDurationMin("transit.inbox_lease_timeout", t.InboxLeaseTimeout, minLeaseTimeout)...)
	errs = append(errs, validateDurationMin("transit.resweep_interval", t.ResweepInterval, minIntervalDuration)...)
	errs = append(errs, validateDurationMin("transit.dispatch_interval", t.DispatchInterval, minIntervalDuration)...)
	errs = append(errs, validateDurationMin("transit.maintenance_interval", t.MaintenanceInterval, minIntervalDuration)...)
	errs = append(errs, validateDurationNonNeg("transit.public_key_cache_ttl", t.PublicKeyCacheTTL)...)
	errs = append(errs, validateDurationNonNeg("transit.watch_debounce", t.WatchDebounce)...)

	if base, ceiling := Duration(t.BaseBackoff), Duration(t.MaxBackoff); base > 0 && ceiling > 0 && base > ceiling {
		errs = append(errs, fmt.Errorf("transit.base_backoff: %s exceeds max_backoff %s", base, ceiling))
	}

	if _, err := drive.ParseCompression(t.PayloadCompression); err != nil {
		errs = append(errs, fmt.Errorf("transit.payload_compression: %w", err))
	}

	return errs
}

func validateQuarantine(q *QuarantineConfig) []error {
	var errs []error

	known := quarantine.NewRegistry().Names()

	for _, name := range q.Filters {
		if !slices.Contains(known, name) {
			errs = append(errs, fmt.Errorf("quarantine.filters: unknown filter %q (known: %s)",
				name, strings.Join(known, ", ")))
		}
	}

	for _, app := range q.AllowedApps {
		if _, err := uuid.Parse(app); err != nil {
			errs = append(errs, fmt.Errorf("quarantine.allowed_apps: %q is not a UUID", app))
		}
	}

	for _, p := range q.DataProviders {
		if _, err := identity.New(p); err != nil {
			errs = append(errs, fmt.Errorf("quarantine.data_providers: %w", err))
		}
	}

	limit, err := ParseSize(q.MaxPayloadSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("quarantine.max_payload_size: %w", err))
	} else if limit == 0 && slices.Contains(q.Filters, quarantine.FilterMaxPayloadSize) {
		errs = append(errs, fmt.Errorf("quarantine.max_payload_size: required by the %s filter",
			quarantine.FilterMaxPayloadSize))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("network.connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("network.data_timeout", n.DataTimeout, minDataTimeout)...)

	for peer, raw := range n.PeerOverrides {
		if _, err := identity.New(peer); err != nil {
			errs = append(errs, fmt.Errorf("network.peer_overrides: %w", err))
		}

		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("network.peer_overrides.%s: %q is not an http(s) URL", peer, raw))
		}
	}

	return errs
}

func validateTenants(tenants []TenantConfig) []error {
	var errs []error

	seen := make(map[string]bool, len(tenants))

	for i := range tenants {
		t := &tenants[i]

		id, err := identity.New(t.Identity)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant[%d].identity: %w", i, err))
			continue
		}

		if seen[id.String()] {
			errs = append(errs, fmt.Errorf("tenant[%d]: identity %s configured twice", i, id))
		}

		seen[id.String()] = true
		errs = append(errs, validateDrives(id.String(), t.Drives)...)
	}

	return errs
}

func validateDrives(owner string, drives []DriveConfig) []error {
	var errs []error

	names := make(map[string]bool, len(drives))

	for i := range drives {
		d := &drives[i]
		field := fmt.Sprintf("tenant %s drive[%d]", owner, i)

		if d.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name must not be empty", field))
		} else if names[d.Name] {
			errs = append(errs, fmt.Errorf("%s: name %q used twice", field, d.Name))
		}

		names[d.Name] = true

		if _, err := uuid.Parse(d.Alias); err != nil {
			errs = append(errs, fmt.Errorf("%s.alias: %q is not a UUID", field, d.Alias))
		}

		if _, err := uuid.Parse(d.Type); err != nil {
			errs = append(errs, fmt.Errorf("%s.type: %q is not a UUID", field, d.Type))
		}
	}

	return errs
}

// Duration parses a validated duration field. Invalid values yield zero.
func Duration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}

	return d
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	return validateDurationMin(field, value, 0)
}

func validateRange(field string, v, lo, hi int) []error {
	if v < lo || v > hi {
		return []error{fmt.Errorf("%s: must be between %d and %d, got %d", field, lo, hi, v)}
	}

	return nil
}

func validateAtLeast(field string, v, lo int) []error {
	if v < lo {
		return []error{fmt.Errorf("%s: must be >= %d, got %d", field, lo, v)}
	}

	return nil
}
