package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newExportCommand() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "export <lab>",
		Short: "Export a lab to a portable archive",
		Long: `Write a lab's definition, snapshot records, referenced custom bundles and
workspaces to lab_<id>_export_<timestamp>.tar.gz.`,
		Example: `  labforge export webstack --out ./exports`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				d, err := a.labs.Get(ctx, args[0])
				if err != nil {
					return err
				}
				file, err := a.archiver.ExportLab(ctx, d.Lab.ID, outDir)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(file)
				}
				fmt.Printf("✓ Exported %s to %s (%d bytes)\n", d.Lab.Name, file.Path, file.Size)
				if file.MirrorURI != "" {
					fmt.Printf("  mirror: %s\n", file.MirrorURI)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (default: archive.dir)")

	return cmd
}

func newImportCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "import <archive>",
		Short: "Import a lab from an export archive",
		Long: `Create a new stopped lab from an export archive. Bundles that already
exist by name are reused; the others are created.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				lab, err := a.archiver.ImportLab(ctx, args[0], name)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(lab)
				}
				fmt.Printf("✓ Imported %s\n", statusLine(lab))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "name of the imported lab")

	return cmd
}
