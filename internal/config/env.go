package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig  = "TRANSITD_CONFIG"
	EnvDataDir = "TRANSITD_DATA_DIR"
	EnvListen  = "TRANSITD_LISTEN"
)

// EnvOverrides holds values read from the environment.
type EnvOverrides struct {
	ConfigPath string // TRANSITD_CONFIG
	DataDir    string // TRANSITD_DATA_DIR
	Listen     string // TRANSITD_LISTEN
}

// ReadEnvOverrides reads the environment. It does not modify any Config.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DataDir:    os.Getenv(EnvDataDir),
		Listen:     os.Getenv(EnvListen),
	}
}

// CLIOverrides holds values given as command-line flags.
type CLIOverrides struct {
	ConfigPath string
	DataDir    string
	Listen     string
	LogLevel   string
}
