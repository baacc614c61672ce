package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/peerhost/transitd/internal/events"
	"github.com/peerhost/transitd/internal/tenant"
)

func newEventsCmd() *cobra.Command {
	var (
		kind   string
		since  string
		limit  int
		server string
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List journaled transit events, newest first",
		Long: `List journaled transit events, newest first.

--since takes an RFC 3339 time or a duration such as 2h.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := parseEventQuery(kind, since, limit, time.Now())
			if err != nil {
				return err
			}

			cc := mustCLIContext(cmd.Context())

			if server != "" || serverRunning(cc.Cfg) {
				oc, err := ownerClient(cc, server)
				if err != nil {
					return err
				}

				list, err := oc.Journal(cmd.Context(), q)
				if err != nil {
					return err
				}

				return cc.emit(list, func(w io.Writer) { printEvents(w, list) })
			}

			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				list, err := t.Journal(ctx, q)
				if err != nil {
					return err
				}

				return cc.emit(list, func(w io.Writer) { printEvents(w, list) })
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "only events of this kind")
	cmd.Flags().StringVar(&since, "since", "", "only events at or after this time")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to list")
	cmd.PersistentFlags().StringVar(&server, "server", "", "base URL of the server to ask")

	cmd.AddCommand(newEventsFollowCmd(&server))

	return cmd
}

func parseEventQuery(kind, since string, limit int, now time.Time) (events.Query, error) {
	q := events.Query{Kind: events.Kind(kind), Limit: limit}

	if since == "" {
		return q, nil
	}

	if d, err := time.ParseDuration(since); err == nil {
		q.Since = now.Add(-d)
		return q, nil
	}

	t, err := time.Parse(time.RFC3339, since)
	if err != nil {
		return q, fmt.Errorf("--since %q: want RFC 3339 or a duration", since)
	}

	q.Since = t

	return q, nil
}

func newEventsFollowCmd(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "follow",
		Short: "Stream live events from the running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if *server == "" && !serverRunning(cc.Cfg) {
				return errors.New("no server running; start one with \"transitd serve\" or pass --server")
			}

			oc, err := ownerClient(cc, *server)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return oc.Follow(ctx, func(e events.Event) error {
				if cc.Flags.JSON {
					return printJSON(cc.Out, e)
				}

				printEvent(cc.Out, e)

				return nil
			})
		},
	}
}

func printEvents(w io.Writer, list []events.Event) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no events")
		return
	}

	for _, e := range list {
		printEvent(w, e)
	}
}

func printEvent(w io.Writer, e events.Event) {
	fmt.Fprintf(w, "%s  %-30s %s", formatTime(e.OccurredAt), e.Kind, e.Peer)

	if e.Problem != "" {
		fmt.Fprintf(w, "  %s", e.Problem)
	}

	if e.Message != "" {
		fmt.Fprintf(w, "  %s", e.Message)
	}

	fmt.Fprintln(w)
}
