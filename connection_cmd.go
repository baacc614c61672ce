package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/permission"
	"github.com/peerhost/transitd/internal/tenant"
)

func newConnectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connection",
		Aliases: []string{"conn"},
		Short:   "Manage connections with other identities",
	}

	cmd.AddCommand(
		newConnectCmd(),
		newSetTokenCmd(),
		newConnectionGrantCmd(),
		newConnectionUngrantCmd(),
		newConnectionListCmd(),
		newConnectionStateCmd("revoke", "Void the connection's access token",
			func(ctx context.Context, s *permission.GrantStore, id identity.Identity) error { return s.Revoke(ctx, id) }),
		newConnectionStateCmd("block", "Block a connection without discarding its grants",
			func(ctx context.Context, s *permission.GrantStore, id identity.Identity) error { return s.Block(ctx, id) }),
		newConnectionStateCmd("disconnect", "Delete a connection and its grants",
			func(ctx context.Context, s *permission.GrantStore, id identity.Identity) error { return s.Disconnect(ctx, id) }),
	)

	return cmd
}

func parsePeer(arg string) (identity.Identity, error) {
	id, err := identity.New(arg)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("peer %q: %w", arg, err)
	}

	return id, nil
}

func circleIDs(ctx context.Context, t *tenant.Tenant, names []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(names))

	for _, n := range names {
		c, err := findCircle(ctx, t, n)
		if err != nil {
			return nil, err
		}

		ids = append(ids, c.ID)
	}

	return ids, nil
}

func newConnectCmd() *cobra.Command {
	var circles []string

	cmd := &cobra.Command{
		Use:   "connect PEER",
		Short: "Connect with PEER and print the token it must present",
		Long: `Connect with PEER in the given circles and print a fresh client auth token.
Hand the token to PEER's owner, who records it with "connection set-token".
Connecting again replaces the previous token and grants.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(args[0])
			if err != nil {
				return err
			}

			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				ids, err := circleIDs(ctx, t, circles)
				if err != nil {
					return err
				}

				token, err := t.Connect(ctx, peer, ids)
				if err != nil {
					return err
				}

				out := struct {
					Peer  identity.Identity `json:"peer"`
					Token string            `json:"token"`
				}{peer, token.String()}

				return cc.emit(out, func(w io.Writer) {
					fmt.Fprintln(w, out.Token)
				})
			})
		},
	}

	cmd.Flags().StringArrayVar(&circles, "circle", nil, "circle name or id to join (repeatable)")

	return cmd
}

func newSetTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-token PEER TOKEN",
		Short: "Record the token PEER issued to this tenant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(args[0])
			if err != nil {
				return err
			}

			token, err := permission.ParseClientAuthToken(strings.TrimSpace(args[1]))
			if err != nil {
				return err
			}

			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				if err := t.SetOutboundToken(ctx, peer, token); err != nil {
					return err
				}

				cc.Statusf("%s token for %s saved\n", okMark(), peer)

				return nil
			})
		},
	}
}

func newConnectionGrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant PEER CIRCLE",
		Short: "Add a circle's grants to an existing connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(args[0])
			if err != nil {
				return err
			}

			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				c, err := findCircle(ctx, t, args[1])
				if err != nil {
					return err
				}

				if err := t.Grants().GrantCircle(ctx, peer, c.ID, t.Keys()); err != nil {
					return err
				}

				cc.Statusf("%s %s joined %s\n", okMark(), peer, c.Name)

				return nil
			})
		},
	}
}

func newConnectionUngrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ungrant PEER CIRCLE",
		Short: "Remove a circle's grants from a connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(args[0])
			if err != nil {
				return err
			}

			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				c, err := findCircle(ctx, t, args[1])
				if err != nil {
					return err
				}

				if err := t.Grants().RevokeCircleGrant(ctx, peer, c.ID); err != nil {
					return err
				}

				cc.Statusf("%s %s left %s\n", okMark(), peer, c.Name)

				return nil
			})
		},
	}
}

type connectionView struct {
	Peer     identity.Identity           `json:"peer"`
	Status   permission.ConnectionStatus `json:"status"`
	Active   bool                        `json:"active"`
	Circles  []string                    `json:"circles"`
	TokenSet bool                        `json:"outboundTokenSet"`
}

func newConnectionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				views, err := listConnections(ctx, t)
				if err != nil {
					return err
				}

				return cc.emit(views, func(w io.Writer) {
					rows := make([][]string, 0, len(views))

					for _, v := range views {
						mark := okMark()
						if !v.Active {
							mark = failMark()
						}

						token := "no"
						if v.TokenSet {
							token = "yes"
						}

						rows = append(rows, []string{mark, v.Peer.String(), string(v.Status), strings.Join(v.Circles, ","), token})
					}

					printTable(w, []string{"", "PEER", "STATUS", "CIRCLES", "TOKEN"}, rows)
				})
			})
		},
	}
}

func listConnections(ctx context.Context, t *tenant.Tenant) ([]connectionView, error) {
	peers, err := t.Grants().Connections(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]connectionView, 0, len(peers))

	for _, p := range peers {
		conn, err := t.Grants().Connection(ctx, p)
		if err != nil {
			return nil, err
		}

		v := connectionView{Peer: p, Status: conn.Status, Active: conn.Active()}

		for _, g := range conn.CircleGrants {
			name := g.CircleID.String()
			if c, err := t.Grants().Circle(ctx, g.CircleID); err == nil {
				name = c.Name
			}

			v.Circles = append(v.Circles, name)
		}

		_, err = t.Grants().OutboundToken(ctx, p)
		switch {
		case err == nil:
			v.TokenSet = true
		case !errors.Is(err, permission.ErrNotFound):
			return nil, err
		}

		views = append(views, v)
	}

	return views, nil
}

func newConnectionStateCmd(
	use, short string, apply func(ctx context.Context, s *permission.GrantStore, id identity.Identity) error,
) *cobra.Command {
	return &cobra.Command{
		Use:   use + " PEER",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(args[0])
			if err != nil {
				return err
			}

			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				if err := apply(ctx, t.Grants(), peer); err != nil {
					return err
				}

				cc.Statusf("%s %s: %s\n", okMark(), use, peer)

				return nil
			})
		},
	}
}
