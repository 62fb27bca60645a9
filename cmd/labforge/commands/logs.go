package commands

import (
	"fmt"

	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/spf13/cobra"
)

func newLogsCommand() *cobra.Command {
	var (
		logID string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "logs <lab>",
		Short: "Show deployment logs",
		Long: `List a lab's deployment logs, newest first, or print one log in full
with --id.`,
		Example: `  labforge logs webstack
  labforge logs webstack --id 3f7c...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				if logID != "" {
					log, err := a.labs.GetLog(ctx, logID)
					if err != nil {
						return err
					}
					return printLog(log)
				}

				logs, err := a.labs.ListLogs(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(logs)
				}
				w := newTable("ID", "OPERATION", "STATUS", "STARTED", "COMPLETED")
				for _, l := range logs {
					completed := "-"
					if l.CompletedAt != nil {
						completed = formatTime(*l.CompletedAt)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", l.ID, l.Operation, l.Status, formatTime(l.StartedAt), completed)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&logID, "id", "", "print the log with this id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of logs to list (0 for all)")

	return cmd
}

func printLog(l *engine.DeploymentLog) error {
	if jsonOutput {
		return printJSON(l)
	}
	fmt.Printf("Log:       %s\n", l.ID)
	fmt.Printf("Operation: %s\n", l.Operation)
	fmt.Printf("Status:    %s\n", l.Status)
	fmt.Printf("Started:   %s\n", formatTime(l.StartedAt))
	if l.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", formatTime(*l.CompletedAt))
	}
	fmt.Println()
	fmt.Println(l.Body)
	return nil
}
