package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/peerhost/transitd/internal/config"
	"github.com/peerhost/transitd/internal/perimeter"
	"github.com/peerhost/transitd/internal/tenant"
	"github.com/peerhost/transitd/internal/watcher"
)

const (
	pidFileName       = "transitd.pid"
	readHeaderTimeout = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve every configured tenant",
		Long: `Open every [[tenant]] in the config file, listen for peers on
server.listen, dispatch outboxes, and process inboxes until interrupted.

The first SIGINT or SIGTERM drains in-flight work; a second one exits
immediately.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	if len(cc.Cfg.Tenants) == 0 {
		return errNoTenants
	}

	releasePID, err := writePIDFile(pidFilePath(cc.Cfg))
	if err != nil {
		return err
	}
	defer releasePID()

	ctx := shutdownContext(cmd.Context(), logger)

	host, err := openHost(ctx, cc)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := host.Close(); cerr != nil {
			logger.Error("closing tenants", slog.String("error", cerr.Error()))
		}
	}()

	srv, err := newHTTPServer(cc.Cfg, host, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cc.Cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cc.Cfg.Server.Listen, err)
	}

	logger.Info("transitd serving",
		slog.String("listen", ln.Addr().String()),
		slog.Int("tenants", len(cc.Cfg.Tenants)),
		slog.String("version", version),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return host.Run(gctx) })
	g.Go(func() error { return serveListener(srv, ln) })
	g.Go(func() error {
		<-gctx.Done()
		return shutdownServer(srv, config.Duration(cc.Cfg.Server.ShutdownTimeout), logger)
	})

	if cc.Cfg.Transit.Watch {
		for _, t := range host.Tenants() {
			w := newTenantWatcher(t, config.Duration(cc.Cfg.Transit.WatchDebounce), logger)
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("transitd stopped")

	return nil
}

// openHost opens every configured tenant behind one shared peer client.
func openHost(ctx context.Context, cc *CLIContext) (*tenant.Host, error) {
	client := newPeerClient(cc.Cfg, cc.Logger)
	now := time.Now()

	opened := make([]*tenant.Tenant, 0, len(cc.Cfg.Tenants))

	closeOpened := func() {
		for _, t := range opened {
			t.Close()
		}
	}

	for _, tc := range cc.Cfg.Tenants {
		tcfg, err := buildTenantConfig(cc.Cfg, tc, now)
		if err != nil {
			closeOpened()
			return nil, err
		}

		t, err := tenant.Open(ctx, tcfg, client, cc.Logger)
		if err != nil {
			closeOpened()
			return nil, err
		}

		opened = append(opened, t)
	}

	host, err := tenant.NewHost(opened...)
	if err != nil {
		closeOpened()
		return nil, err
	}

	return host, nil
}

func newHTTPServer(cfg *config.Config, host *tenant.Host, logger *slog.Logger) (*http.Server, error) {
	maxTransfer, err := config.ParseSize(cfg.Server.MaxTransferSize)
	if err != nil {
		return nil, err
	}

	ps := perimeter.NewServer(host, perimeter.ServerConfig{MaxTransferBytes: maxTransfer}, logger)

	srv := &http.Server{
		Handler:           ps.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	if cfg.Server.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS key pair: %w", err)
		}

		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

func serveListener(srv *http.Server, ln net.Listener) error {
	var err error
	if srv.TLSConfig != nil {
		err = srv.ServeTLS(ln, "", "")
	} else {
		err = srv.Serve(ln)
	}

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return fmt.Errorf("serving: %w", err)
}

func shutdownServer(srv *http.Server, timeout time.Duration, logger *slog.Logger) error {
	logger.Info("draining perimeter connections", slog.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down listener: %w", err)
	}

	return nil
}

// newTenantWatcher watches every drive directory of t so files written
// there by other processes are distributed like SaveFile output.
func newTenantWatcher(t *tenant.Tenant, debounce time.Duration, logger *slog.Logger) *watcher.Watcher {
	dirs := make(map[uuid.UUID]string)
	for _, d := range t.Drives().All() {
		dirs[d.ID] = t.Files().DriveDir(d.ID)
	}

	return watcher.New(t, dirs, debounce, logger.With(slog.String("tenant", t.Identity().String())))
}
