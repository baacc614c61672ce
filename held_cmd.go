package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/peerhost/transitd/internal/tenant"
)

func newHeldCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "held",
		Short: "Inspect transfers held by the inbound filters",
	}

	cmd.AddCommand(newHeldListCmd(), newHeldReevaluateCmd())

	return cmd
}

func newHeldListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List held transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				held, err := t.Held().List(ctx)
				if err != nil {
					return err
				}

				return cc.emit(held, func(w io.Writer) {
					if len(held) == 0 {
						fmt.Fprintf(w, "%s nothing held\n", okMark())
						return
					}

					now := time.Now()
					rows := make([][]string, 0, len(held))

					for _, h := range held {
						name := h.DriveID.String()
						if d, err := t.Drives().ByID(h.DriveID); err == nil {
							name = d.Name
						}

						rows = append(rows, []string{
							h.Marker.String(), h.Sender.String(), name,
							strings.Join(h.Reasons, "; "), formatAge(h.ReceivedAt, now), strconv.Itoa(h.Evaluations),
						})
					}

					printTable(w, []string{"MARKER", "SENDER", "DRIVE", "REASONS", "AGE", "EVALUATIONS"}, rows)
				})
			})
		},
	}
}

func newHeldReevaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reevaluate",
		Short: "Run every held transfer through the filters again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				out, err := t.ReevaluateHeld(ctx)
				if err != nil {
					return err
				}

				return cc.emit(out, func(w io.Writer) {
					fmt.Fprintf(w, "%s promoted %d, discarded %d, still held %d\n",
						okMark(), out.Promoted, out.Discarded, out.StillHeld)
				})
			})
		},
	}
}
