package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/peerhost/transitd/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDataDir    string
	flagTenant     string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// exitUnhealthy is the exit status of "status" when something needs an
// operator's attention.
const exitUnhealthy = 2

// errUnhealthy makes main exit with exitUnhealthy without printing.
var errUnhealthy = errors.New("unhealthy")

// CLIContext carries what every subcommand needs after the root pre-run.
type CLIContext struct {
	Cfg     *config.Config
	CfgPath string
	Logger  *slog.Logger
	Flags   CLIFlags
	Out     io.Writer

	closeLog func() error
}

// CLIFlags is a snapshot of the persistent flags.
type CLIFlags struct {
	Tenant  string
	JSON    bool
	Verbose bool
	Quiet   bool
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the context installed by the root pre-run. Every
// subcommand runs after it, so a missing value is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("transitd: command ran without CLI context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "transitd",
		Short:   "Peer transit host",
		Long:    "Hosts one or more identities and moves encrypted files between them and their peers.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(cmd)
			if err != nil {
				return err
			}

			cmd.SetContext(withCLIContext(cmd.Context(), cc))

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext); ok && cc.closeLog != nil {
				return cc.closeLog()
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory holding tenant state")
	cmd.PersistentFlags().StringVar(&flagTenant, "tenant", "", "tenant identity (required when several are configured)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newOutboxCmd())
	cmd.AddCommand(newInboxCmd())
	cmd.AddCommand(newHeldCmd())
	cmd.AddCommand(newKeysCmd())
	cmd.AddCommand(newCircleCmd())
	cmd.AddCommand(newConnectionCmd())
	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newCatCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadCLIContext resolves the configuration through the override chain
// and builds the logger.
func loadCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
		DataDir:    flagDataDir,
	}

	cfg, cfgPath, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog, err := buildLogger(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}

	return &CLIContext{
		Cfg:     cfg,
		CfgPath: cfgPath,
		Logger:  logger,
		Flags: CLIFlags{
			Tenant:  flagTenant,
			JSON:    flagJSON,
			Verbose: flagVerbose,
			Quiet:   flagQuiet,
		},
		Out:      cmd.OutOrStdout(),
		closeLog: closeLog,
	}, nil
}

const logFilePerms = 0o600

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win. With log_format "auto",
// a terminal gets text and anything else gets JSON.
func buildLogger(cfg *config.Config, stderr *os.File) (*slog.Logger, func() error, error) {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	var (
		w        io.Writer = stderr
		closeLog           = func() error { return nil }
		format             = "auto"
		terminal           = isatty.IsTerminal(stderr.Fd()) || isatty.IsCygwinTerminal(stderr.Fd())
	)

	if cfg != nil {
		format = cfg.Logging.LogFormat

		if cfg.Logging.LogFile != "" {
			f, err := os.OpenFile(cfg.Logging.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerms)
			if err != nil {
				return nil, nil, fmt.Errorf("opening log file: %w", err)
			}

			w, closeLog, terminal = f, f.Close, false
		}
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" || (format == "auto" && !terminal) {
		return slog.New(slog.NewJSONHandler(w, opts)), closeLog, nil
	}

	return slog.New(slog.NewTextHandler(w, opts)), closeLog, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "%s %v\n", failMark(), err)
	os.Exit(1)
}
