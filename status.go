package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/peerhost/transitd/internal/config"
	"github.com/peerhost/transitd/internal/inbox"
	"github.com/peerhost/transitd/internal/outbox"
	"github.com/peerhost/transitd/internal/tenant"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queues, held transfers, and keys for each tenant",
		Long: `Display the state of every configured tenant, or only --tenant.

Exits with status 2 when a delivery failed permanently, a recipient is
unreachable, or an inbox item is parked.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

type statusReport struct {
	Server  serverStatus   `json:"server"`
	Tenants []statusTenant `json:"tenants"`
}

type serverStatus struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Listen  string `json:"listen"`
}

type statusTenant struct {
	Identity string        `json:"identity"`
	KeyID    uint32        `json:"keyId"`
	Outbox   outbox.Stats  `json:"outbox"`
	Held     int           `json:"held"`
	Drives   []statusDrive `json:"drives"`
}

type statusDrive struct {
	Name   string            `json:"name"`
	Target string            `json:"target"`
	Inbox  inbox.InboxStatus `json:"inbox"`
}

// healthy is false when something needs an operator.
func (s *statusTenant) healthy() bool {
	if s.Outbox.Failed > 0 || len(s.Outbox.Unreachable) > 0 {
		return false
	}

	for i := range s.Drives {
		if s.Drives[i].Inbox.ParkedCount > 0 {
			return false
		}
	}

	return true
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	tenants := cc.Cfg.Tenants
	if cc.Flags.Tenant != "" {
		tc, err := selectTenant(cc)
		if err != nil {
			return err
		}

		tenants = []config.TenantConfig{tc}
	}

	if len(tenants) == 0 {
		cc.Statusf("No tenants configured. Add a [[tenant]] table to %s.\n", cc.CfgPath)
		return nil
	}

	pid := runningServer(pidFilePath(cc.Cfg))
	report := statusReport{
		Server:  serverStatus{Running: pid != 0, PID: pid, Listen: cc.Cfg.Server.Listen},
		Tenants: make([]statusTenant, 0, len(tenants)),
	}

	for _, tc := range tenants {
		st, err := tenantStatus(ctx, cc, tc)
		if err != nil {
			return fmt.Errorf("tenant %s: %w", tc.Identity, err)
		}

		report.Tenants = append(report.Tenants, st)
	}

	if err := cc.emit(report, func(w io.Writer) { printStatusText(w, report, time.Now()) }); err != nil {
		return err
	}

	for i := range report.Tenants {
		if !report.Tenants[i].healthy() {
			return errUnhealthy
		}
	}

	return nil
}

func tenantStatus(ctx context.Context, cc *CLIContext, tc config.TenantConfig) (statusTenant, error) {
	t, err := openTenantConfig(ctx, cc, tc)
	if err != nil {
		return statusTenant{}, err
	}

	defer func() {
		if cerr := t.Close(); cerr != nil {
			cc.Logger.Warn("closing tenant", slog.String("error", cerr.Error()))
		}
	}()

	return collectStatus(ctx, t)
}

func collectStatus(ctx context.Context, t *tenant.Tenant) (statusTenant, error) {
	st := statusTenant{Identity: t.Identity().String(), KeyID: t.Keys().Current().KeyID}

	var err error
	if st.Outbox, err = t.Outbox().Status(ctx); err != nil {
		return st, err
	}

	if st.Held, err = t.Held().Count(ctx); err != nil {
		return st, err
	}

	for _, d := range t.Drives().All() {
		in, err := t.Inbox().Status(ctx, d.Target)
		if err != nil {
			return st, err
		}

		st.Drives = append(st.Drives, statusDrive{Name: d.Name, Target: d.Target.String(), Inbox: in})
	}

	return st, nil
}

func printStatusText(w io.Writer, r statusReport, now time.Time) {
	if r.Server.Running {
		fmt.Fprintf(w, "%s server running (pid %d) on %s\n", okMark(), r.Server.PID, r.Server.Listen)
	} else {
		fmt.Fprintf(w, "%s server not running\n", warnMark())
	}

	for _, t := range r.Tenants {
		fmt.Fprintln(w)

		mark := okMark()
		if !t.healthy() {
			mark = failMark()
		}

		fmt.Fprintf(w, "%s %s (key %d)\n", mark, t.Identity, t.KeyID)
		fmt.Fprintf(w, "  Outbox: %d queued, %d in flight, %d failed, oldest %s\n",
			t.Outbox.Pending, t.Outbox.InFlight, t.Outbox.Failed, formatAge(t.Outbox.OldestAdded, now))

		for _, peer := range t.Outbox.Unreachable {
			fmt.Fprintf(w, "  %s %s is unreachable\n", warnMark(), peer)
		}

		fmt.Fprintf(w, "  Held:   %d\n", t.Held)

		for _, d := range t.Drives {
			fmt.Fprintf(w, "  %-20s inbox %d (%d popped, %d parked), oldest %s\n",
				d.Name, d.Inbox.TotalItems, d.Inbox.PoppedCount, d.Inbox.ParkedCount,
				formatAge(d.Inbox.OldestItemTimestamp, now))
		}
	}
}
