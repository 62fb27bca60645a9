package commands

import (
	"fmt"
	"strings"

	"github.com/openfroyo/labforge/pkg/config"
	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/openfroyo/labforge/pkg/labs"
	"github.com/spf13/cobra"
)

func newLabCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lab",
		Short: "Manage labs",
		Long: `Create, inspect, update and remove labs.

Lab definitions are read from CUE, YAML or JSON files and validated
against the built-in #Lab schema before they are stored.`,
	}

	cmd.AddCommand(newLabCreateCommand())
	cmd.AddCommand(newLabListCommand())
	cmd.AddCommand(newLabShowCommand())
	cmd.AddCommand(newLabUpdateCommand())
	cmd.AddCommand(newLabDeleteCommand())
	cmd.AddCommand(newLabStatusCommand("start", "Mark a stopped lab as running"))
	cmd.AddCommand(newLabStatusCommand("stop", "Mark a running lab as stopped"))
	cmd.AddCommand(newLabRecoverCommand())

	return cmd
}

func newLabCreateCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lab from a definition file",
		Example: `  labforge lab create -f webstack.cue
  labforge lab create -f webstack.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := config.NewParser().LoadFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				d, err := a.labs.Create(cmd.Context(), def)
				if err != nil {
					return err
				}
				return printDetail(d)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "lab definition file (.cue, .yaml, .json)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newLabListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List labs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				list, err := a.labs.List(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(list)
				}
				w := newTable("ID", "NAME", "PROVIDER", "STATUS", "UPDATED")
				for _, lab := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", lab.ID, lab.Name, lab.Provider, lab.Status, formatTime(lab.UpdatedAt))
				}
				return w.Flush()
			})
		},
	}
}

func newLabShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <lab>",
		Short: "Show a lab and its machines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				d, err := a.labs.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printDetail(d)
			})
		},
	}
}

func newLabUpdateCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "update <lab>",
		Short: "Replace a lab's definition",
		Long: `Replace a lab's attributes and machines with a new definition.

Machines are recreated with fresh ids. The update is rejected while a
deploy or destroy is running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := config.NewParser().LoadFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				d, err := a.labs.Update(cmd.Context(), args[0], def)
				if err != nil {
					return err
				}
				return printDetail(d)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "lab definition file (.cue, .yaml, .json)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newLabDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <lab>",
		Short: "Delete a lab, its snapshots, logs and workspaces",
		Long: `Delete a lab record with its machines, snapshots and deployment logs, and
remove its workspaces. Live infrastructure is left untouched: run
"labforge destroy" first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.labs.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Printf("✓ Deleted lab %s\n", args[0])
				return nil
			})
		},
	}
}

func newLabStatusCommand(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <lab>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				change := a.labs.Start
				if verb == "stop" {
					change = a.labs.Stop
				}
				lab, err := change(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("✓ Lab %s is %s\n", lab.Name, lab.Status)
				return nil
			})
		},
	}
}

func newLabRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <lab>",
		Short: "Reset a lab left deploying or destroying by an interrupted run",
		Long: `Reset a lab whose deploy or destroy run was interrupted, for example by a
crash, and left it deploying or destroying. The lab moves to error and
the unfinished deployment log is closed. Deploy or destroy it again
afterwards.

Only recover a lab when no labforge process is still running it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				lab, err := a.labs.Recover(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("✓ Lab %s is %s\n", lab.Name, lab.Status)
				return nil
			})
		},
	}
}

func printDetail(d *labs.Detail) error {
	if jsonOutput {
		return printJSON(d)
	}

	lab := d.Lab
	fmt.Printf("Lab:         %s (%s)\n", lab.Name, lab.ID)
	fmt.Printf("Provider:    %s\n", lab.Provider)
	fmt.Printf("Status:      %s\n", lab.Status)
	if lab.Description != "" {
		fmt.Printf("Description: %s\n", lab.Description)
	}
	fmt.Println()

	w := newTable("NAME", "OS", "ROLE", "CPU", "RAM", "DISK", "ADDRESS", "SOFTWARE")
	for _, m := range d.Machines {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dG\t%dG\t%s\t%s\n",
			m.Name, m.OS, m.Role, m.Sizing.CPU, m.Sizing.RAMGB, m.Sizing.StorageGB,
			orDash(m.Address()), orDash(strings.Join(m.Software, ",")))
	}
	return w.Flush()
}

func statusLine(lab *engine.Lab) string {
	return fmt.Sprintf("%s (%s): %s", lab.Name, lab.ID, lab.Status)
}
