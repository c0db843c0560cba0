package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/Veraticus/the-ledger-must-balance/internal/cli"
	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/Veraticus/the-ledger-must-balance/internal/storage"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage database snapshots",
		Long: `Create, list, restore, and delete database snapshots.

Snapshots save the whole ledger (payments, enrollments, statuses and batch
history) so a bad import or reprocessing run can be undone. Live --reprocess
runs and imports take one automatically.`,
		Example: `  # Snapshot before closing the books
  balance snapshot create --tag "pre-2024-close"

  # List all snapshots
  balance snapshot list

  # Roll back
  balance snapshot restore pre-2024-close`,
	}

	cmd.AddCommand(createSnapshotCmd())
	cmd.AddCommand(listSnapshotsCmd())
	cmd.AddCommand(restoreSnapshotCmd())
	cmd.AddCommand(deleteSnapshotCmd())

	return cmd
}

// withSnapshots opens storage and a snapshot manager for fn.
func withSnapshots(ctx context.Context, fn func(*storage.SnapshotManager) error) error {
	store, err := initStorage(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	manager, err := store.NewSnapshotManager()
	if err != nil {
		return fmt.Errorf("failed to create snapshot manager: %w", err)
	}
	return fn(manager)
}

func snapshotError(id string, err error) error {
	if errors.Is(err, storage.ErrSnapshotNotFound) {
		return common.NewUserError(fmt.Sprintf("No snapshot named %s", id), err)
	}
	return err
}

func createSnapshotCmd() *cobra.Command {
	var tag string
	var description string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withSnapshots(ctx, func(manager *storage.SnapshotManager) error {
				info, err := manager.Create(ctx, tag, description)
				if err != nil {
					return fmt.Errorf("failed to create snapshot: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s Created snapshot %s (%s)\n",
					cli.SuccessStyle.Render(cli.SuccessIcon),
					cli.InfoStyle.Render(info.ID),
					formatFileSize(info.FileSize))
				if info.Description != "" {
					fmt.Fprintf(out, "  Description: %s\n", info.Description)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&tag, "tag", "t", "", "Snapshot name (generated when omitted)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Description of the snapshot")

	return cmd
}

func listSnapshotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all snapshots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withSnapshots(ctx, func(manager *storage.SnapshotManager) error {
				snapshots, err := manager.List(ctx)
				if err != nil {
					return fmt.Errorf("failed to list snapshots: %w", err)
				}
				renderSnapshots(cmd.OutOrStdout(), snapshots)
				return nil
			})
		},
	}
}

func renderSnapshots(out io.Writer, snapshots []storage.SnapshotInfo) {
	if len(snapshots) == 0 {
		fmt.Fprintln(out, cli.SubtitleStyle.Render("No snapshots found."))
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("4"))
	fmt.Fprintln(w, strings.Join([]string{
		headerStyle.Render("NAME"),
		headerStyle.Render("CREATED"),
		headerStyle.Render("SIZE"),
		headerStyle.Render("PAYMENTS"),
		headerStyle.Render("STATUSES"),
		headerStyle.Render("BATCHES"),
		headerStyle.Render("TYPE"),
	}, "\t"))

	for _, s := range snapshots {
		typeLabel := "manual"
		if s.IsAuto {
			typeLabel = "auto"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			cli.InfoStyle.Render(s.ID),
			formatRelativeTime(s.CreatedAt),
			formatFileSize(s.FileSize),
			s.Payments(),
			s.Statuses(),
			s.Batches(),
			cli.SubtitleStyle.Render(typeLabel),
		)
	}

	_ = w.Flush()
}

func restoreSnapshotCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Restore the database from a snapshot",
		Long:  `Replace the current database with a snapshot. The snapshot is integrity-checked first.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]
			out := cmd.OutOrStdout()

			return withSnapshots(ctx, func(manager *storage.SnapshotManager) error {
				info, err := manager.Get(ctx, id)
				if err != nil {
					return snapshotError(id, err)
				}

				if !force {
					fmt.Fprintf(out, "%s This will replace your current database with snapshot %s.\n",
						cli.WarningStyle.Render(cli.WarningIcon),
						cli.InfoStyle.Render(id))
					fmt.Fprintf(out, "  Created: %s\n", info.CreatedAt.Format("2006-01-02 15:04:05"))
					if info.Description != "" {
						fmt.Fprintf(out, "  Description: %s\n", info.Description)
					}
					ok, err := cli.Confirm(ctx, cmd.InOrStdin(), out, "\nContinue?")
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(out, cli.SubtitleStyle.Render("Restore cancelled."))
						return nil
					}
				}

				// Restore closes the storage.
				if err := manager.Restore(ctx, id); err != nil {
					return snapshotError(id, err)
				}

				fmt.Fprintf(out, "%s Restored from snapshot %s\n",
					cli.SuccessStyle.Render(cli.SuccessIcon),
					cli.InfoStyle.Render(id))
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation prompt")

	return cmd
}

func deleteSnapshotCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <snapshot-id>",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]
			out := cmd.OutOrStdout()

			return withSnapshots(ctx, func(manager *storage.SnapshotManager) error {
				info, err := manager.Get(ctx, id)
				if err != nil {
					return snapshotError(id, err)
				}

				if !force {
					fmt.Fprintf(out, "%s This will permanently delete snapshot %s.\n",
						cli.WarningStyle.Render(cli.WarningIcon),
						cli.InfoStyle.Render(id))
					fmt.Fprintf(out, "  Created: %s\n", info.CreatedAt.Format("2006-01-02 15:04:05"))
					fmt.Fprintf(out, "  Size: %s\n", formatFileSize(info.FileSize))
					ok, err := cli.Confirm(ctx, cmd.InOrStdin(), out, "\nContinue?")
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(out, cli.SubtitleStyle.Render("Deletion cancelled."))
						return nil
					}
				}

				if err := manager.Delete(ctx, id); err != nil {
					return snapshotError(id, err)
				}

				fmt.Fprintf(out, "%s Deleted snapshot %s\n",
					cli.SuccessStyle.Render(cli.SuccessIcon),
					cli.InfoStyle.Render(id))
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation prompt")

	return cmd
}
