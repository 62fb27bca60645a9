package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/labforge/pkg/labs"
	"github.com/spf13/cobra"
)

func newBundleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Manage custom task bundles",
		Long: `Custom task bundles are ansible task lists run on machines after their
software modules. Machines reference bundles by name or id.`,
	}

	cmd.AddCommand(newBundleAddCommand())
	cmd.AddCommand(newBundleListCommand())
	cmd.AddCommand(newBundleRemoveCommand())

	return cmd
}

func newBundleAddCommand() *cobra.Command {
	var (
		name        string
		description string
		tags        []string
		update      bool
	)

	cmd := &cobra.Command{
		Use:   "add <tasks.yml>",
		Short: "Add or replace a bundle from a task file",
		Example: `  labforge bundle add harden.yml --tag security
  labforge bundle add harden.yml --name harden --update`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read task file: %w", err)
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			in := labs.BundleInput{Name: name, Description: description, Content: string(content), Tags: tags}

			return withApp(cmd.Context(), func(a *app) error {
				ctx := cmd.Context()
				if update {
					b, err := a.labs.UpdateBundle(ctx, name, in)
					if err != nil {
						return err
					}
					fmt.Printf("✓ Updated bundle %s (%s)\n", b.Name, b.ID)
					return nil
				}
				b, err := a.labs.CreateBundle(ctx, in)
				if err != nil {
					return err
				}
				fmt.Printf("✓ Added bundle %s (%s)\n", b.Name, b.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "bundle name (default: file name)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "bundle description")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "bundle tag (repeatable)")
	cmd.Flags().BoolVar(&update, "update", false, "replace the existing bundle of that name")

	return cmd
}

func newBundleListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				bundles, err := a.labs.ListBundles(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(bundles)
				}
				w := newTable("ID", "NAME", "TAGS", "DESCRIPTION")
				for _, b := range bundles {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.ID, b.Name, orDash(strings.Join(b.Tags, ",")), orDash(b.Description))
				}
				return w.Flush()
			})
		},
	}
}

func newBundleRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <bundle>",
		Aliases: []string{"remove"},
		Short:   "Remove a bundle",
		Long: `Remove a bundle. Machines that reference it keep the id and skip it on
their next deploy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.labs.DeleteBundle(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Printf("✓ Removed bundle %s\n", args[0])
				return nil
			})
		},
	}
}
