package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage lab snapshots",
		Long: `Snapshots archive a lab's definition and workspaces into a tar.gz file
under the archive directory, mirrored to object storage when configured.
Restoring a snapshot creates a new lab; the source lab is never modified.`,
	}

	cmd.AddCommand(newSnapshotCreateCommand())
	cmd.AddCommand(newSnapshotListCommand())
	cmd.AddCommand(newSnapshotRestoreCommand())
	cmd.AddCommand(newSnapshotRemoveCommand())
	cmd.AddCommand(newSnapshotPruneCommand())

	return cmd
}

func newSnapshotCreateCommand() *cobra.Command {
	var name, description string

	cmd := &cobra.Command{
		Use:   "create <lab>",
		Short: "Snapshot a lab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				d, err := a.labs.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if name == "" {
					name = fmt.Sprintf("%s-%s", d.Lab.Name, time.Now().Format("20060102-150405"))
				}
				snap, err := a.archiver.CreateSnapshot(ctx, d.Lab.ID, name, description)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(snap)
				}
				fmt.Printf("✓ Created snapshot %s (%s)\n", snap.Name, snap.ID)
				fmt.Printf("  archive: %s (%d bytes)\n", snap.Data.ArchivePath, snap.Data.Size)
				if snap.Data.MirrorURI != "" {
					fmt.Printf("  mirror:  %s\n", snap.Data.MirrorURI)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "snapshot name (default: <lab>-<timestamp>)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "snapshot description")

	return cmd
}

func newSnapshotListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <lab>",
		Short: "List a lab's snapshots, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				d, err := a.labs.Get(ctx, args[0])
				if err != nil {
					return err
				}
				snaps, err := a.archiver.History(ctx, d.Lab.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(snaps)
				}
				w := newTable("ID", "NAME", "CREATED", "SIZE", "VM SNAPSHOTS")
				for _, s := range snaps {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", s.ID, s.Name, formatTime(s.CreatedAt), s.Data.Size, len(s.Data.VMSnapshots))
				}
				return w.Flush()
			})
		},
	}
}

func newSnapshotRestoreCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Restore a snapshot as a new lab",
		Long: `Create a new stopped lab from a snapshot. Machines get fresh ids and no
addresses. The lab is named <name>_restored_<timestamp> unless --name is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				lab, err := a.archiver.RestoreSnapshot(ctx, args[0], name)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(lab)
				}
				fmt.Printf("✓ Restored %s\n", statusLine(lab))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "name of the restored lab")

	return cmd
}

func newSnapshotRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <snapshot-id>",
		Aliases: []string{"remove"},
		Short:   "Delete a snapshot and its archive",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				if err := a.archiver.DeleteSnapshot(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("✓ Deleted snapshot %s\n", args[0])
				return nil
			})
		},
	}
}

func newSnapshotPruneCommand() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune <lab>",
		Short: "Delete all but the newest snapshots of a lab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				d, err := a.labs.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if keep <= 0 {
					keep = a.cfg.Archive.Retention
				}
				removed, err := a.archiver.Prune(ctx, d.Lab.ID, keep)
				if err != nil {
					return err
				}
				fmt.Printf("✓ Removed %d snapshot(s), kept the newest %d\n", removed, keep)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&keep, "keep", "k", 0, "snapshots to keep (default: archive.retention)")

	return cmd
}
