package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stanza-tools/stanza/pkg/engine"
	"github.com/stanza-tools/stanza/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var (
		production bool
		list       bool
		show       string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the project configuration",
		Long: `Validate the project configuration against its schema and policies.

This command checks:
  - Configuration syntax and schema conformance
  - Bundle descriptors
  - Built-in and project policies (OPA/rego) in the policies directory

It fails when the configuration is invalid or violates an error policy.`,
		Example: `  # Validate the project in the current directory
  stanza validate

  # Validate another project and print JSON
  stanza validate -C ./app --json

  # List every policy, or print one of them
  stanza validate --list
  stanza validate --show peer-target

  # Skip a policy
  stanza validate --disable-policy entry-extension`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mode := engine.ModeDevelopment
			if production {
				mode = engine.ModeProduction
			}

			tel, err := newTelemetry(mode)
			if err != nil {
				return err
			}
			logger := tel.Logger.Zerolog()

			cfg, _, err := loadProject(ctx, logger)
			if err != nil {
				return err
			}

			policies, err := newPolicyEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case list:
				if jsonOutput {
					return printJSON(out, policies.ListPolicies())
				}
				printPolicies(cmd, policies.ListPolicies())
				return nil
			case show != "":
				p, err := policies.GetPolicy(show)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, p)
				}
				fmt.Fprint(out, p.Rego)
				return nil
			}

			result, err := policies.Evaluate(ctx, cfg, mode)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(out, result); err != nil {
					return err
				}
			} else {
				printViolations(cmd, cfg.Source, result)
			}

			if !result.Allowed {
				return fmt.Errorf("configuration violates %d error policy rule(s)", len(result.Errors()))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&production, "production", false, "evaluate policies for a production build")
	cmd.Flags().BoolVar(&list, "list", false, "list the loaded policies instead of evaluating them")
	cmd.Flags().StringVar(&show, "show", "", "print the rego source of a policy")
	cmd.MarkFlagsMutuallyExclusive("list", "show")

	return cmd
}

func printViolations(cmd *cobra.Command, source string, result *policy.Result) {
	out := cmd.OutOrStdout()
	if source == "" {
		source = "defaults"
	}

	if len(result.Violations) == 0 {
		fmt.Fprintf(out, "%s: ok (%d policies)\n", source, len(result.Evaluated))
		return
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEVERITY\tPOLICY\tBUNDLE\tMESSAGE")
	for _, v := range result.Violations {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.Severity, v.Policy, v.Bundle, v.Message)
	}
	_ = w.Flush()

	for _, failure := range result.Failures {
		fmt.Fprintln(out, failure)
	}
	fmt.Fprintf(out, "%s: %d error(s), %d warning(s)\n", source, len(result.Errors()), len(result.Warnings()))
}

func printPolicies(cmd *cobra.Command, policies []policy.Policy) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
	for _, p := range policies {
		source := p.Source
		if p.Builtin {
			source = "builtin"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, p.Description)
	}
	_ = w.Flush()
}
