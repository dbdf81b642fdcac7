package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/workgate/internal/engine"
	"github.com/steveyegge/workgate/internal/types"
)

var (
	depType          string
	blockerOn        string
	blockerExternal  string
	blockerSeverity  string
	blockerResReason string
)

var depCmd = &cobra.Command{
	Use:   "dep",
	Short: "Manage dependencies between entities of the same kind",
}

var depAddCmd = &cobra.Command{
	Use:   "add <source-id> <target-id>",
	Short: "Record that source depends on target",
	Long: `Record that source depends on target. Both must be work items or both tasks.

A hard dependency keeps the source from starting until the target is completed
and is rejected if it would close a cycle. A soft dependency is informational.`,
	Args:        cobra.ExactArgs(2),
	Annotations: writes,
	Run: func(cmd *cobra.Command, args []string) {
		kind, err := kindFromID(args[0])
		if err != nil {
			fatal(err)
		}
		targetKind, err := kindFromID(args[1])
		if err != nil {
			fatal(err)
		}
		if targetKind != kind {
			fatal(fmt.Errorf("%s and %s are different kinds; dependencies link entities of the same kind", args[0], args[1]))
		}
		dt := types.DependencyType(depType)
		if err := api.AddDependency(rootCtx, kind, args[0], args[1], dt, getActor()); err != nil {
			fatal(err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"source_id": args[0], "target_id": args[1], "type": string(dt)})
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s %s now depends on %s (%s)\n", green("✓"), args[0], args[1], dt)
	},
}

var blockerCmd = &cobra.Command{
	Use:   "blocker",
	Short: "Manage blockers",
}

var blockerAddCmd = &cobra.Command{
	Use:   "add <owner-id>",
	Short: "Attach a blocker to a work item or task",
	Long: `Attach a blocker to a work item or task.

Use --on <id> for a blocker that clears when that entity completes, or
--external "<description>" for one that must be resolved by hand.`,
	Args:        cobra.ExactArgs(1),
	Annotations: writes,
	Run: func(cmd *cobra.Command, args []string) {
		kind, err := kindFromID(args[0])
		if err != nil {
			fatal(err)
		}
		source, err := blockerSource(blockerOn, blockerExternal)
		if err != nil {
			fatal(err)
		}
		id, err := api.AddBlocker(rootCtx, kind, args[0], source, types.BlockerSeverity(blockerSeverity), getActor())
		if err != nil {
			fatal(err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"blocker_id": id, "owner_id": args[0]})
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("%s Added %s blocker %s to %s\n", green("✓"), blockerSeverity, cyan(id), args[0])
	},
}

var blockerResolveCmd = &cobra.Command{
	Use:         "resolve <blocker-id>",
	Short:       "Resolve an open blocker",
	Args:        cobra.ExactArgs(1),
	Annotations: writes,
	Run: func(cmd *cobra.Command, args []string) {
		if err := api.ResolveBlocker(rootCtx, args[0], blockerResReason, getActor()); err != nil {
			fatal(err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"blocker_id": args[0], "status": string(types.BlockerResolved)})
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Resolved blocker %s\n", green("✓"), args[0])
	},
}

// blockerSource builds the blocker source from --on / --external; exactly one is required.
func blockerSource(on, external string) (engine.BlockerSource, error) {
	switch {
	case on != "" && external != "":
		return engine.BlockerSource{}, fmt.Errorf("use either --on or --external, not both")
	case on != "":
		kind, err := kindFromID(on)
		if err != nil {
			return engine.BlockerSource{}, err
		}
		return engine.InternalSource(kind, on), nil
	case external != "":
		return engine.ExternalSource(external), nil
	}
	return engine.BlockerSource{}, fmt.Errorf("one of --on or --external is required")
}

func init() {
	depAddCmd.Flags().StringVar(&depType, "type", string(types.DepHard), "Dependency type (hard|soft)")
	depCmd.AddCommand(depAddCmd)

	blockerAddCmd.Flags().StringVar(&blockerOn, "on", "", "Entity whose completion clears the blocker")
	blockerAddCmd.Flags().StringVar(&blockerExternal, "external", "", "Description of an external impediment")
	blockerAddCmd.Flags().StringVar(&blockerSeverity, "severity", string(types.SeverityBlocking), "Severity (blocking|advisory)")
	blockerResolveCmd.Flags().StringVar(&blockerResReason, "reason", "", "Resolution reason (required)")
	_ = blockerResolveCmd.MarkFlagRequired("reason")
	blockerCmd.AddCommand(blockerAddCmd)
	blockerCmd.AddCommand(blockerResolveCmd)

	rootCmd.AddCommand(depCmd)
	rootCmd.AddCommand(blockerCmd)
}
