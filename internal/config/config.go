// Package config implements TOML configuration loading and validation for
// transitd. Values are layered: defaults, then the config file, then
// environment variables, then CLI flags. One file describes every tenant a
// process hosts; transit, quarantine, and network settings are shared by
// all of them.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Storage    StorageConfig    `toml:"storage"`
	Transit    TransitConfig    `toml:"transit"`
	Quarantine QuarantineConfig `toml:"quarantine"`
	Logging    LoggingConfig    `toml:"logging"`
	Network    NetworkConfig    `toml:"network"`
	Tenants    []TenantConfig   `toml:"tenant"`
}

// ServerConfig controls the perimeter listener.
type ServerConfig struct {
	Listen          string `toml:"listen"`
	SystemTokenFile string `toml:"system_token_file"`
	TLSCertFile     string `toml:"tls_cert_file"`
	TLSKeyFile      string `toml:"tls_key_file"`
	MaxTransferSize string `toml:"max_transfer_size"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// StorageConfig locates tenant state. Each tenant gets a subdirectory named
// by its identity.
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

// TransitConfig tunes the outbox, inbox, and key handling.
type TransitConfig struct {
	OutboxWorkers         int    `toml:"outbox_workers"`
	AttemptCeiling        int    `toml:"attempt_ceiling"`
	BaseBackoff           string `toml:"base_backoff"`
	MaxBackoff            string `toml:"max_backoff"`
	LeaseTimeout          string `toml:"lease_timeout"`
	ResweepInterval       string `toml:"resweep_interval"`
	DispatchInterval      string `toml:"dispatch_interval"`
	InboxBatchSize        int    `toml:"inbox_batch_size"`
	InboxFailureThreshold int    `toml:"inbox_failure_threshold"`
	InboxLeaseTimeout     string `toml:"inbox_lease_timeout"`
	InboxWorkers          int    `toml:"inbox_workers"`
	MaintenanceInterval   string `toml:"maintenance_interval"`
	PayloadCompression    string `toml:"payload_compression"`
	KeyRingCapacity       int    `toml:"key_ring_capacity"`
	PublicKeyCacheTTL     string `toml:"public_key_cache_ttl"`
	Watch                 bool   `toml:"watch"`
	WatchDebounce         string `toml:"watch_debounce"`
}

// QuarantineConfig builds every tenant's filter chain.
type QuarantineConfig struct {
	Filters        []string `toml:"filters"`
	AllowedApps    []string `toml:"allowed_apps"`
	DataProviders  []string `toml:"data_providers"`
	MaxPayloadSize string   `toml:"max_payload_size"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls the peer HTTP client. PeerOverrides maps an
// identity to the base URL its perimeter is reached at, replacing
// https://<identity>.
type NetworkConfig struct {
	ConnectTimeout string            `toml:"connect_timeout"`
	DataTimeout    string            `toml:"data_timeout"`
	UserAgent      string            `toml:"user_agent"`
	PeerOverrides  map[string]string `toml:"peer_overrides"`
}

// TenantConfig describes one hosted identity.
type TenantConfig struct {
	Identity      string        `toml:"identity"`
	MasterKeyFile string        `toml:"master_key_file"`
	Drives        []DriveConfig `toml:"drive"`
}

// DriveConfig describes one drive of a tenant. Alias and Type are UUIDs.
type DriveConfig struct {
	Name                string `toml:"name"`
	Alias               string `toml:"alias"`
	Type                string `toml:"type"`
	AllowAnonymousReads bool   `toml:"allow_anonymous_reads"`
	AllowSubscriptions  bool   `toml:"allow_subscriptions"`
}
