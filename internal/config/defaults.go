package config

// Default values for configuration options, the first layer of the
// override chain.
const (
	defaultListen            = ":8443"
	defaultMaxTransferSize   = "256MiB"
	defaultShutdownTimeout   = "30s"
	defaultOutboxWorkers     = 4
	defaultAttemptCeiling    = 5
	defaultBaseBackoff       = "2s"
	defaultMaxBackoff        = "10m"
	defaultLeaseTimeout      = "5m"
	defaultResweepInterval   = "30m"
	defaultDispatchInterval  = "30s"
	defaultInboxBatchSize    = 100
	defaultInboxFailures     = 5
	defaultInboxLeaseTimeout = "5m"
	defaultInboxWorkers      = 4
	defaultMaintenance       = "1m"
	defaultCompression       = "zstd"
	defaultKeyRingCapacity   = 4
	defaultPublicKeyTTL      = "15m"
	defaultWatchDebounce     = "500ms"
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
	defaultConnectTimeout    = "10s"
	defaultDataTimeout       = "60s"

	// FilterConnectedSender is the default chain.
	defaultFilter = "connected-sender"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          defaultListen,
			MaxTransferSize: defaultMaxTransferSize,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Storage: StorageConfig{DataDir: DefaultDataDir()},
		Transit: TransitConfig{
			OutboxWorkers:         defaultOutboxWorkers,
			AttemptCeiling:        defaultAttemptCeiling,
			BaseBackoff:           defaultBaseBackoff,
			MaxBackoff:            defaultMaxBackoff,
			LeaseTimeout:          defaultLeaseTimeout,
			ResweepInterval:       defaultResweepInterval,
			DispatchInterval:      defaultDispatchInterval,
			InboxBatchSize:        defaultInboxBatchSize,
			InboxFailureThreshold: defaultInboxFailures,
			InboxLeaseTimeout:     defaultInboxLeaseTimeout,
			InboxWorkers:          defaultInboxWorkers,
			MaintenanceInterval:   defaultMaintenance,
			PayloadCompression:    defaultCompression,
			KeyRingCapacity:       defaultKeyRingCapacity,
			PublicKeyCacheTTL:     defaultPublicKeyTTL,
			WatchDebounce:         defaultWatchDebounce,
		},
		Quarantine: QuarantineConfig{Filters: []string{defaultFilter}},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
		},
	}
}
