package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/workgate/internal/policy"
	"github.com/steveyegge/workgate/internal/types"
)

var policyYAML bool

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the type policy table",
}

var policyShowCmd = &cobra.Command{
	Use:   "show [workitem|task <type>]",
	Short: "Show structural requirements and time-box ceilings",
	Long: `Show the type policy table, or the single rule for one type.

Examples:
  wg policy show                     # whole table
  wg policy show --yaml              # whole table as YAML
  wg policy show workitem feature    # required task types for features
  wg policy show task implementation # effort ceiling for implementation tasks`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return fmt.Errorf("expected no arguments or <kind> <type>")
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 2 {
			kind, err := parseKind(args[0])
			if err != nil {
				fatal(err)
			}
			rule, err := policy.Lookup(kind, args[1])
			if err != nil {
				fatal(types.NewTransitionError(types.KindInvalidInput, kind, "", "",
					types.Unmetf(types.CodeInvalidValue, "%v", err)))
			}
			if jsonOutput {
				outputJSON(rule)
				return
			}
			fmt.Println(rule.Describe())
			return
		}

		table := policy.CurrentTable()
		switch {
		case jsonOutput:
			outputJSON(table)
		case policyYAML:
			data, err := table.YAML()
			if err != nil {
				fatal(err)
			}
			fmt.Print(string(data))
		default:
			printPolicyTable(table)
		}
	},
}

func printPolicyTable(table policy.Table) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("%s %s\n\n", cyan("Policy table"), gray("v"+table.Version))
	fmt.Println(cyan("Structural requirements:"))
	for _, r := range table.Requirements {
		fmt.Printf("  %s\n", r.Describe())
	}
	fmt.Println()
	fmt.Println(cyan("Time-box ceilings:"))
	for _, c := range table.Ceilings {
		fmt.Printf("  %s\n", c.Describe())
	}
}

func init() {
	policyShowCmd.Flags().BoolVar(&policyYAML, "yaml", false, "Output the table as YAML")
	policyCmd.AddCommand(policyShowCmd)
	rootCmd.AddCommand(policyCmd)
}
