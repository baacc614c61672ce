package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/peerhost/transitd/internal/keyring"
	"github.com/peerhost/transitd/internal/tenant"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the tenant's transit key ring",
	}

	cmd.AddCommand(newKeysListCmd(), newKeysRotateCmd())

	return cmd
}

type keyView struct {
	KeyID     uint32         `json:"keyId"`
	Scheme    keyring.Scheme `json:"scheme"`
	PublicKey string         `json:"publicKey"`
	Created   string         `json:"created"`
	Current   bool           `json:"current"`
}

func newKeyView(rec, current *keyring.Record) keyView {
	return keyView{
		KeyID:     rec.KeyID,
		Scheme:    rec.Scheme,
		PublicKey: base64.StdEncoding.EncodeToString(rec.PublicKey),
		Created:   formatTime(rec.Created),
		Current:   current != nil && rec.KeyID == current.KeyID,
	}
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List retained key pairs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTenant(cmd, func(_ context.Context, cc *CLIContext, t *tenant.Tenant) error {
				current := t.Keys().Current()
				records := t.Keys().Records()

				views := make([]keyView, 0, len(records))
				for _, rec := range records {
					views = append(views, newKeyView(rec, current))
				}

				return cc.emit(views, func(w io.Writer) {
					rows := make([][]string, 0, len(views))

					for _, v := range views {
						mark := ""
						if v.Current {
							mark = okMark()
						}

						rows = append(rows, []string{mark, strconv.FormatUint(uint64(v.KeyID), 10), string(v.Scheme), v.Created})
					}

					printTable(w, []string{"", "KEY ID", "SCHEME", "CREATED"}, rows)
				})
			})
		},
	}
}

func newKeysRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Generate a new current key pair",
		Long: `Generate a new current key pair. Older pairs stay in the ring, up to
transit.key_ring_capacity, so envelopes sealed to them still open.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				rec, err := t.RotateKey(ctx)
				if err != nil {
					return err
				}

				v := newKeyView(rec, rec)

				return cc.emit(v, func(w io.Writer) {
					fmt.Fprintf(w, "%s rotated to key %d (%s)\n", okMark(), v.KeyID, v.Scheme)
				})
			})
		},
	}
}
