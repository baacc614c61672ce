package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/peerhost/transitd/internal/outbox"
	"github.com/peerhost/transitd/internal/tenant"
)

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drive the outbound delivery queue",
	}

	cmd.AddCommand(newOutboxStatusCmd(), newOutboxFailuresCmd(), newOutboxRetryCmd(), newOutboxProcessCmd())

	return cmd
}

func newOutboxStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queued, in-flight, and failed deliveries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				st, err := t.Outbox().Status(ctx)
				if err != nil {
					return err
				}

				return cc.emit(st, func(w io.Writer) { printOutboxStats(w, st, time.Now()) })
			})
		},
	}
}

func printOutboxStats(w io.Writer, st outbox.Stats, now time.Time) {
	fmt.Fprintf(w, "Total:       %d\n", st.Total)
	fmt.Fprintf(w, "Pending:     %d\n", st.Pending)
	fmt.Fprintf(w, "In flight:   %d\n", st.InFlight)
	fmt.Fprintf(w, "Failed:      %d\n", st.Failed)
	fmt.Fprintf(w, "Oldest:      %s\n", formatAge(st.OldestAdded, now))
	fmt.Fprintf(w, "Next run:    %s\n", formatTime(st.NextRunAt))

	for _, peer := range st.Unreachable {
		fmt.Fprintf(w, "%s %s is unreachable\n", warnMark(), peer)
	}
}

func newOutboxFailuresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failures",
		Short: "List deliveries that failed permanently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				items, err := t.Outbox().Failures(ctx)
				if err != nil {
					return err
				}

				return cc.emit(items, func(w io.Writer) {
					if len(items) == 0 {
						fmt.Fprintf(w, "%s no failed deliveries\n", okMark())
						return
					}

					rows := make([][]string, 0, len(items))
					for _, it := range items {
						rows = append(rows, []string{
							strconv.FormatInt(it.ID, 10), it.Recipient.String(), it.FileID.String(),
							string(it.Problem), strconv.Itoa(it.AttemptCount), formatTime(it.LastAttemptAt),
						})
					}

					printTable(w, []string{"ID", "RECIPIENT", "FILE", "PROBLEM", "ATTEMPTS", "LAST ATTEMPT"}, rows)
				})
			})
		},
	}
}

func newOutboxRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry ID...",
		Short: "Requeue failed deliveries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))

			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid item id %q", a)
				}

				ids = append(ids, id)
			}

			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				for _, id := range ids {
					err := t.Outbox().Retry(ctx, id)
					if errors.Is(err, outbox.ErrAlreadyQueued) {
						cc.Statusf("%s %d not requeued: %v\n", warnMark(), id, err)
						continue
					}

					if err != nil {
						return fmt.Errorf("retrying %d: %w", id, err)
					}

					cc.Statusf("%s requeued %d\n", okMark(), id)
				}

				return nil
			})
		},
	}
}

func newOutboxProcessCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one delivery pass now",
		Long: `Run one delivery pass over every recipient with queued work.

When a local server is running, or --server is given, the pass runs inside
that server; otherwise it runs in this process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if server != "" || serverRunning(cc.Cfg) {
				oc, err := ownerClient(cc, server)
				if err != nil {
					return err
				}

				if err := oc.ProcessOutbox(cmd.Context()); err != nil {
					return err
				}

				cc.Statusf("%s outbox pass complete\n", okMark())

				return nil
			}

			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				if err := t.ProcessOutbox(ctx); err != nil {
					return err
				}

				cc.Statusf("%s outbox pass complete\n", okMark())

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "base URL of the server to run the pass on")

	return cmd
}
