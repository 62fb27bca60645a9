package commands

import (
	"fmt"

	"github.com/openfroyo/labforge/pkg/policy"
	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect admission policies",
		Long: `Admission policies are Rego modules evaluated against a lab before it is
deployed. Built-in policies check the provider, machine names and sizing
limits; user policies are loaded from policy.paths.`,
	}

	cmd.AddCommand(newPolicyCheckCommand())
	cmd.AddCommand(newPolicyListCommand())

	return cmd
}

func newPolicyCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <lab>",
		Short: "Evaluate admission policies against a lab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				d, err := a.labs.Get(ctx, args[0])
				if err != nil {
					return err
				}
				result, err := a.policy.Evaluate(ctx, d.Lab, d.Machines)
				if err != nil {
					return err
				}
				if jsonOutput {
					if err := printJSON(result); err != nil {
						return err
					}
				} else {
					printPolicyResult(result)
				}
				if !result.Allowed {
					return fmt.Errorf("lab %s is not admitted: %d violation(s)", d.Lab.Name, len(result.Violations))
				}
				return nil
			})
		},
	}
}

func printPolicyResult(r *policy.Result) {
	for _, v := range r.Violations {
		fmt.Printf("✗ %s: %s\n", v.Policy, v.Message)
	}
	for _, w := range r.Warnings {
		fmt.Printf("! %s: %s\n", w.Policy, w.Message)
	}
	if r.Allowed {
		fmt.Printf("✓ Admitted (%d policies evaluated in %s)\n", len(r.EvaluatedPolicies), r.Duration)
	}
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				policies := a.policy.ListPolicies()
				if jsonOutput {
					return printJSON(policies)
				}
				w := newTable("NAME", "SEVERITY", "ENABLED", "SOURCE", "DESCRIPTION")
				for _, p := range policies {
					source := p.Source
					if p.Builtin {
						source = "builtin"
					}
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, orDash(source), orDash(p.Description))
				}
				return w.Flush()
			})
		},
	}
}
