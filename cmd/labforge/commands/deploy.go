package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/openfroyo/labforge/pkg/pipeline"
	"github.com/openfroyo/labforge/pkg/telemetry"
	"github.com/spf13/cobra"
)

func newDeployCommand() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "deploy <lab>",
		Short: "Provision and configure a lab",
		Long: `Run the deploy pipeline for a lab:

  1. generate terraform files (after admission policies pass)
  2. terraform init, plan and apply
  3. resolve machine addresses from terraform outputs
  4. write the ansible inventory and verify connectivity
  5. run software modules and custom bundles per machine

The lab ends up running on success and in error otherwise. Every run is
recorded as a deployment log.`,
		Example: `  labforge deploy webstack --follow`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), args[0], follow, (*pipeline.Pipeline).Deploy, "deploy")
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print stage progress as it happens")

	return cmd
}

func newDestroyCommand() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "destroy <lab>",
		Short: "Tear down a lab's infrastructure",
		Long: `Run terraform destroy for a lab. On success the machines lose their
addresses, the lab returns to stopped and its workspaces are removed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), args[0], follow, (*pipeline.Pipeline).Destroy, "destroy")
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print stage progress as it happens")

	return cmd
}

type pipelineRun func(p *pipeline.Pipeline, ctx context.Context, labID string) (*pipeline.Result, error)

func runPipeline(ctx context.Context, labRef string, follow bool, run pipelineRun, op string) error {
	return withApp(ctx, func(a *app) error {
		d, err := a.labs.Get(ctx, labRef)
		if err != nil {
			return err
		}

		if follow {
			// Kept until close drains the publisher.
			labID := d.Lab.ID
			a.tel.Events.Subscribe(printEvent, func(e telemetry.Event) bool {
				return e.LabID == labID
			})
		}

		result, err := run(a.pipeline, ctx, d.Lab.ID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(result)
		}

		if !result.Success {
			return fmt.Errorf("%s failed at stage %s: %s (log %s)", op, result.Stage, result.Message, result.LogID)
		}
		d, err = a.labs.Get(ctx, d.Lab.ID)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s\n", statusLine(d.Lab))
		fmt.Printf("  log: %s\n", result.LogID)
		return nil
	})
}

func printEvent(e telemetry.Event) {
	marker := "•"
	switch e.Level {
	case telemetry.EventLevelError:
		marker = "✗"
	case telemetry.EventLevelWarning:
		marker = "!"
	}
	if e.Stage != "" {
		fmt.Fprintf(os.Stderr, "%s [%s] %s\n", marker, e.Stage, e.Message)
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", marker, e.Message)
}
