package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/peerhost/transitd/internal/inbox"
	"github.com/peerhost/transitd/internal/tenant"
)

func newInboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Inspect and apply received transfers",
	}

	cmd.AddCommand(newInboxStatusCmd(), newInboxProcessCmd(), newInboxParkedCmd(),
		newInboxItemCmd("unpark", "Return a parked item to the queue", (*inbox.Processor).Unpark),
		newInboxItemCmd("discard", "Drop an inbox item and its staged files", (*inbox.Processor).Discard),
	)

	return cmd
}

func newInboxStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status DRIVE",
		Short: "Show a drive's inbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				d, err := resolveDrive(t, args[0])
				if err != nil {
					return err
				}

				st, err := t.Inbox().Status(ctx, d.Target)
				if err != nil {
					return err
				}

				return cc.emit(st, func(w io.Writer) {
					fmt.Fprintf(w, "Drive:    %s\n", d.Name)
					fmt.Fprintf(w, "Items:    %d\n", st.TotalItems)
					fmt.Fprintf(w, "Popped:   %d\n", st.PoppedCount)
					fmt.Fprintf(w, "Parked:   %d\n", st.ParkedCount)
					fmt.Fprintf(w, "Oldest:   %s\n", formatAge(st.OldestItemTimestamp, time.Now()))
				})
			})
		},
	}
}

func newInboxProcessCmd() *cobra.Command {
	var (
		batch  int
		server string
	)

	cmd := &cobra.Command{
		Use:   "process DRIVE",
		Short: "Apply queued items to a drive now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			if batch <= 0 {
				batch = cc.Cfg.Transit.InboxBatchSize
			}

			report := func(res inbox.BatchResult) error {
				return cc.emit(res, func(w io.Writer) {
					fmt.Fprintf(w, "%s applied %d, skipped %d, failed %d, parked %d; %d left\n",
						okMark(), res.Applied, res.Skipped, res.Failed, res.Parked, res.TotalItems)
				})
			}

			d, err := configDrive(cc, args[0])
			if err != nil {
				return err
			}

			if server != "" || serverRunning(cc.Cfg) {
				oc, err := ownerClient(cc, server)
				if err != nil {
					return err
				}

				res, err := oc.ProcessInbox(cmd.Context(), d.Target, batch)
				if err != nil {
					return err
				}

				return report(res)
			}

			return withTenant(cmd, func(ctx context.Context, _ *CLIContext, t *tenant.Tenant) error {
				res, err := t.ProcessInbox(ctx, d.Target, batch)
				if err != nil {
					return err
				}

				return report(res)
			})
		},
	}

	cmd.Flags().IntVar(&batch, "batch", 0, "maximum items to apply (default transit.inbox_batch_size)")
	cmd.Flags().StringVar(&server, "server", "", "base URL of the server to run the batch on")

	return cmd
}

func newInboxParkedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parked DRIVE",
		Short: "List items set aside after repeated failures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				d, err := resolveDrive(t, args[0])
				if err != nil {
					return err
				}

				items, err := t.Inbox().Parked(ctx, d.ID)
				if err != nil {
					return err
				}

				return cc.emit(items, func(w io.Writer) {
					rows := make([][]string, 0, len(items))
					for _, it := range items {
						rows = append(rows, []string{
							strconv.FormatInt(it.ID, 10), it.Sender.String(), string(it.Type),
							strconv.Itoa(it.FailureCount), it.LastError,
						})
					}

					printTable(w, []string{"ID", "SENDER", "TYPE", "FAILURES", "LAST ERROR"}, rows)
				})
			})
		},
	}
}

func newInboxItemCmd(use, short string, op func(*inbox.Processor, context.Context, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid item id %q", args[0])
			}

			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				if err := op(t.Inbox(), ctx, id); err != nil {
					return err
				}

				cc.Statusf("%s %s %d\n", okMark(), use, id)

				return nil
			})
		},
	}
}
