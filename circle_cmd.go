package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/peerhost/transitd/internal/permission"
	"github.com/peerhost/transitd/internal/tenant"
)

func newCircleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circle",
		Short: "Manage circles, the grant templates connections join",
	}

	cmd.AddCommand(
		newCircleAddCmd(),
		newCircleListCmd(),
		newCircleToggleCmd("disable", "Disable a circle; its grants stop counting", true),
		newCircleToggleCmd("enable", "Re-enable a disabled circle", false),
	)

	return cmd
}

func newCircleAddCmd() *cobra.Command {
	var (
		drives []string
		keys   []string
	)

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create or replace a circle",
		Long: `Create or replace a circle.

Each --drive is DRIVE:PERMISSIONS, where DRIVE is a configured drive name or
alias/type and PERMISSIONS is a comma list of read, write, react, comment.
Connections that already joined keep the grants they were given.`,
		Example: `  transitd circle add friends --drive photos:read,write --key send-on-my-behalf`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				c := permission.Circle{ID: uuid.New(), Name: args[0]}

				if existing, err := t.Grants().CircleByName(ctx, args[0]); err == nil {
					c.ID = existing.ID
					c.Disabled = existing.Disabled
				}

				for _, arg := range drives {
					pd, err := parseDriveGrant(t, arg)
					if err != nil {
						return err
					}

					c.DriveGrants = append(c.DriveGrants, pd)
				}

				set := make([]permission.PermissionKey, 0, len(keys))
				for _, k := range keys {
					key, err := permission.ParsePermissionKey(k)
					if err != nil {
						return err
					}

					set = append(set, key)
				}

				c.Permissions = permission.NewPermissionSet(set...)

				if err := t.Grants().PutCircle(ctx, c); err != nil {
					return err
				}

				cc.Statusf("%s circle %s saved (%s)\n", okMark(), c.Name, c.ID)

				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&drives, "drive", nil, "drive grant as DRIVE:PERMISSIONS (repeatable)")
	cmd.Flags().StringArrayVar(&keys, "key", nil, "permission key granted to members (repeatable)")

	return cmd
}

func parseDriveGrant(t *tenant.Tenant, grant string) (permission.PermissionedDrive, error) {
	i := strings.LastIndex(grant, ":")
	if i <= 0 {
		return permission.PermissionedDrive{}, fmt.Errorf("--drive %q: want DRIVE:PERMISSIONS", grant)
	}

	d, err := resolveDrive(t, grant[:i])
	if err != nil {
		return permission.PermissionedDrive{}, err
	}

	perm, err := permission.ParseDrivePermission(grant[i+1:])
	if err != nil {
		return permission.PermissionedDrive{}, err
	}

	return permission.PermissionedDrive{Drive: d.Target, Permission: perm}, nil
}

// findCircle accepts a circle name or id.
func findCircle(ctx context.Context, t *tenant.Tenant, arg string) (*permission.Circle, error) {
	if id, err := uuid.Parse(arg); err == nil {
		return t.Grants().Circle(ctx, id)
	}

	c, err := t.Grants().CircleByName(ctx, arg)
	if err != nil {
		return nil, fmt.Errorf("circle %q: %w", arg, err)
	}

	return c, nil
}

func newCircleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List circles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				circles, err := t.Grants().Circles(ctx)
				if err != nil {
					return err
				}

				return cc.emit(circles, func(w io.Writer) {
					rows := make([][]string, 0, len(circles))

					for i := range circles {
						c := &circles[i]

						state := "enabled"
						if c.Disabled {
							state = "disabled"
						}

						grants := make([]string, 0, len(c.DriveGrants))
						for _, g := range c.DriveGrants {
							grants = append(grants, driveLabel(t, g.Drive)+"="+g.Permission.String())
						}

						perms := make([]string, 0, len(c.Permissions.Keys))
						for _, k := range c.Permissions.Keys {
							perms = append(perms, k.String())
						}

						rows = append(rows, []string{
							c.Name, c.ID.String(), state, strings.Join(grants, " "), strings.Join(perms, ","),
						})
					}

					printTable(w, []string{"NAME", "ID", "STATE", "DRIVES", "KEYS"}, rows)
				})
			})
		},
	}
}

func newCircleToggleCmd(use, short string, disabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " CIRCLE",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				c, err := findCircle(ctx, t, args[0])
				if err != nil {
					return err
				}

				if err := t.Grants().SetCircleDisabled(ctx, c.ID, disabled); err != nil {
					return err
				}

				cc.Statusf("%s circle %s %sd\n", okMark(), c.Name, use)

				return nil
			})
		},
	}
}
