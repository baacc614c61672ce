package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/permission"
	"github.com/peerhost/transitd/internal/tenant"
)

const defaultPayloadKey = "main"

func newSendCmd() *cobra.Command {
	var (
		driveArg    string
		to          []string
		fileIDArg   string
		key         string
		contentType string
		appData     string
		priority    int
		afterArg    string
	)

	cmd := &cobra.Command{
		Use:   "send FILE",
		Short: "Store a local file in a drive and queue it for recipients",
		Long: `Encrypt FILE into a drive and queue it for every --to recipient.

Without --to the file is only stored. --file-id overwrites an existing file,
keeping its key and global transit id. --after holds each delivery back until
the recipient has received that other file.`,
		Example: `  transitd send report.pdf --drive shared --to frodo.example.com --to sam.example.com`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			recipients := make([]identity.Identity, 0, len(to))
			for _, r := range to {
				id, err := parsePeer(r)
				if err != nil {
					return err
				}

				recipients = append(recipients, id)
			}

			var fileID uuid.UUID
			if fileIDArg != "" {
				if fileID, err = uuid.Parse(fileIDArg); err != nil {
					return fmt.Errorf("--file-id: %w", err)
				}
			}

			var after uuid.UUID
			if afterArg != "" {
				if after, err = uuid.Parse(afterArg); err != nil {
					return fmt.Errorf("--after: %w", err)
				}
			}

			if contentType == "" {
				contentType = mime.TypeByExtension(filepath.Ext(args[0]))
			}

			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				d, err := resolveDrive(t, driveArg)
				if err != nil {
					return err
				}

				header, err := t.SaveFile(ctx, tenant.Upload{
					Drive:       d.Target,
					FileID:      fileID,
					ContentType: contentType,
					AppData:     appData,
					Payloads: []tenant.UploadPayload{{
						Key: key, ContentType: contentType, Content: content,
					}},
					Recipients:        recipients,
					AllowDistribution: len(recipients) > 0,
					Priority:          priority,
					After:             after,
				})
				if errors.Is(err, permission.ErrForbidden) && header != nil {
					cc.Statusf("%s saved %s but did not queue it: %v\n", warnMark(), header.Ref(), err)
					return nil
				}

				if err != nil {
					return err
				}

				return cc.emit(header, func(w io.Writer) {
					fmt.Fprintf(w, "%s saved %s (%s) for %d recipient(s)\n",
						okMark(), header.FileID, formatSize(int64(len(content))), len(recipients))
				})
			})
		},
	}

	cmd.Flags().StringVar(&driveArg, "drive", "", "drive name or alias/type (required)")
	cmd.Flags().StringArrayVar(&to, "to", nil, "recipient identity (repeatable)")
	cmd.Flags().StringVar(&fileIDArg, "file-id", "", "overwrite this existing file")
	cmd.Flags().StringVar(&key, "key", defaultPayloadKey, "payload key")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type (guessed from the extension)")
	cmd.Flags().StringVar(&appData, "app-data", "", "application data stored in the file metadata")
	cmd.Flags().IntVar(&priority, "priority", 0, "outbox priority; lower goes first")
	cmd.Flags().StringVar(&afterArg, "after", "", "deliver only after this file id has been delivered")

	if err := cmd.MarkFlagRequired("drive"); err != nil {
		panic(err)
	}

	return cmd
}

func parseFileRef(t *tenant.Tenant, driveArg, fileArg string) (drive.FileRef, error) {
	d, err := resolveDrive(t, driveArg)
	if err != nil {
		return drive.FileRef{}, err
	}

	fileID, err := uuid.Parse(fileArg)
	if err != nil {
		return drive.FileRef{}, fmt.Errorf("file id %q: %w", fileArg, err)
	}

	return drive.FileRef{DriveID: d.ID, FileID: fileID}, nil
}

func newDeleteCmd() *cobra.Command {
	var priority int

	cmd := &cobra.Command{
		Use:   "delete DRIVE FILE-ID",
		Short: "Delete a file and ask its recipients to delete their copies",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				ref, err := parseFileRef(t, args[0], args[1])
				if err != nil {
					return err
				}

				if err := t.DeleteFile(ctx, ref, priority); err != nil {
					return err
				}

				cc.Statusf("%s deleted %s\n", okMark(), ref.FileID)

				return nil
			})
		},
	}

	cmd.Flags().IntVar(&priority, "priority", 0, "outbox priority of the delete notices")

	return cmd
}

func newCatCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "cat DRIVE FILE-ID",
		Short: "Write a stored payload's plaintext to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd, func(ctx context.Context, cc *CLIContext, t *tenant.Tenant) error {
				ref, err := parseFileRef(t, args[0], args[1])
				if err != nil {
					return err
				}

				data, err := t.ReadPayload(ctx, ref, key)
				if err != nil {
					return err
				}

				_, err = cc.Out.Write(data)

				return err
			})
		},
	}

	cmd.Flags().StringVar(&key, "key", defaultPayloadKey, "payload key")

	return cmd
}
