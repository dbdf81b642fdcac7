package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/workgate/internal/types"
)

var (
	effortOverrideReason string

	qualityTestPlan       string
	qualityTestsPassing   bool
	qualityCoverage       float64
	qualityOverride       bool
	qualityScope          string
	qualityOverrideReason string
	qualityCriteria       []string
	qualityMarkMet        []int

	reviewReviewer string
	reviewOutcome  string

	clarifyClear bool
)

var effortCmd = &cobra.Command{
	Use:         "effort <task-id> <hours>",
	Short:       "Re-estimate a task's effort",
	Args:        cobra.ExactArgs(2),
	Annotations: writes,
	Run: func(cmd *cobra.Command, args []string) {
		var hours float64
		if _, err := fmt.Sscanf(args[1], "%g", &hours); err != nil {
			fatal(fmt.Errorf("invalid hours %q: %w", args[1], err))
		}
		task, err := api.UpdateTaskEffort(rootCtx, args[0], hours, effortOverrideReason, getActor())
		if err != nil {
			fatal(err)
		}
		if jsonOutput {
			outputJSON(task)
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s %s effort is now %gh\n", green("✓"), task.ID, task.EffortHours)
	},
}

var qualityCmd = &cobra.Command{
	Use:   "quality <id>",
	Short: "Update an entity's quality metadata",
	Long: `Update an entity's quality metadata. Only the flags given are changed.

Examples:
  wg quality tk-3 --test-plan "table tests for parser" --tests-passing
  wg quality tk-3 --criterion "handles empty input" --criterion "rejects bad utf-8"
  wg quality tk-3 --met 0 --met 1
  wg quality tk-3 --coverage-override --scope "generated code" --override-reason "no logic"`,
	Args:        cobra.ExactArgs(1),
	Annotations: writes,
	Run: func(cmd *cobra.Command, args []string) {
		kind, err := kindFromID(args[0])
		if err != nil {
			fatal(err)
		}
		patch := qualityPatchFromFlags(cmd)
		q, err := api.UpdateQuality(rootCtx, kind, args[0], patch, getActor())
		if err != nil {
			fatal(err)
		}
		if jsonOutput {
			outputJSON(q)
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s %s quality metadata now at v%d\n", green("✓"), args[0], q.Version)
		printQuality(q)
	},
}

// qualityPatchFromFlags includes only the flags the user actually set.
func qualityPatchFromFlags(cmd *cobra.Command) types.QualityPatch {
	var patch types.QualityPatch
	flags := cmd.Flags()
	if flags.Changed("test-plan") {
		patch.TestPlan = &qualityTestPlan
	}
	if flags.Changed("tests-passing") {
		patch.TestsPassing = &qualityTestsPassing
	}
	if flags.Changed("coverage") {
		patch.CoveragePercent = &qualityCoverage
	}
	if flags.Changed("coverage-override") {
		patch.CoverageOverride = &qualityOverride
	}
	if flags.Changed("scope") {
		patch.CoverageScope = &qualityScope
	}
	if flags.Changed("override-reason") {
		patch.OverrideReason = &qualityOverrideReason
	}
	if flags.Changed("criterion") {
		patch.AcceptanceCriteria = make([]types.AcceptanceCriterion, 0, len(qualityCriteria))
		for _, text := range qualityCriteria {
			patch.AcceptanceCriteria = append(patch.AcceptanceCriteria, types.AcceptanceCriterion{Text: text})
		}
	}
	if flags.Changed("met") {
		patch.MarkMet = qualityMarkMet
	}
	return patch
}

var reviewCmd = &cobra.Command{
	Use:         "review <id>",
	Short:       "Record a review outcome for an entity in review",
	Args:        cobra.ExactArgs(1),
	Annotations: writes,
	Run: func(cmd *cobra.Command, args []string) {
		kind, err := kindFromID(args[0])
		if err != nil {
			fatal(err)
		}
		reviewer := reviewReviewer
		if reviewer == "" {
			reviewer = getActor()
		}
		if err := api.RecordReview(rootCtx, kind, args[0], reviewer, types.ReviewOutcome(reviewOutcome)); err != nil {
			fatal(err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"id": args[0], "reviewer": reviewer, "outcome": reviewOutcome})
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s %s reviewed by %s: %s\n", green("✓"), args[0], reviewer, reviewOutcome)
	},
}

var coverageCmd = &cobra.Command{
	Use:   "coverage [category=percent ...]",
	Short: "Show or record codebase-wide coverage per category",
	Long: `With no arguments, show the latest coverage against the thresholds.
Otherwise record the given categories.

Categories: critical_paths, user_facing, data_layer, security, utilities.

Example:
  wg coverage critical_paths=91 security=100 utilities=64.5`,
	Annotations: writes,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) > 0 {
			report, err := parseCoverageArgs(args)
			if err != nil {
				fatal(err)
			}
			if err := api.RecordCoverage(rootCtx, report, getActor()); err != nil {
				fatal(err)
			}
		}
		report, err := api.Coverage(rootCtx)
		if err != nil {
			fatal(err)
		}
		if jsonOutput {
			outputJSON(report)
			return
		}
		printCoverage(report, cfg.CoverageThresholds)
	},
}

func printCoverage(report types.CoverageReport, thresholds map[types.CoverageCategory]float64) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	for _, c := range types.CoverageCategories {
		pct := report[c]
		mark := green("✓")
		if pct < thresholds[c] {
			mark = red("✗")
		}
		fmt.Printf("  %s %-15s %6.1f%% (min %g%%)\n", mark, c, pct, thresholds[c])
	}
}

var contextCmd = &cobra.Command{
	Use:         "context <work-item-id> <text>",
	Short:       "Set a work item's business context",
	Args:        cobra.ExactArgs(2),
	Annotations: writes,
	Run: func(cmd *cobra.Command, args []string) {
		if err := api.SetBusinessContext(rootCtx, args[0], args[1], getActor()); err != nil {
			fatal(err)
		}
		if !jsonOutput {
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s Business context set on %s\n", green("✓"), args[0])
		}
	},
}

var clarifyCmd = &cobra.Command{
	Use:   "clarify <id>",
	Short: "Flag an entity as needing clarification (blocks accept)",
	Long: `Flag an entity as needing clarification. While the flag is set the
entity cannot be accepted. Use --clear once the ambiguity is settled.`,
	Args:        cobra.ExactArgs(1),
	Annotations: writes,
	Run: func(cmd *cobra.Command, args []string) {
		kind, err := kindFromID(args[0])
		if err != nil {
			fatal(err)
		}
		if err := api.SetClarification(rootCtx, kind, args[0], !clarifyClear, getActor()); err != nil {
			fatal(err)
		}
		if !jsonOutput {
			green := color.New(color.FgGreen).SprintFunc()
			if clarifyClear {
				fmt.Printf("%s Cleared clarification flag on %s\n", green("✓"), args[0])
			} else {
				fmt.Printf("%s %s needs clarification\n", green("✓"), args[0])
			}
		}
	},
}

func printQuality(q *types.QualityMetadata) {
	gray := color.New(color.FgHiBlack).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	if q.HasTestPlan() {
		fmt.Printf("  test plan: %s\n", q.TestPlan)
	} else {
		fmt.Printf("  test plan: %s\n", gray("(none)"))
	}
	fmt.Printf("  tests passing: %t\n", q.TestsPassing)
	if q.CoveragePercent != nil {
		fmt.Printf("  coverage: %.1f%%\n", *q.CoveragePercent)
	}
	if q.CoverageOverride {
		fmt.Printf("  coverage override: %s (%s)\n", q.CoverageScope, q.OverrideReason)
	}
	for i, c := range q.AcceptanceCriteria {
		mark := "[ ]"
		if c.Met {
			mark = green("[x]")
		}
		fmt.Printf("  %d. %s %s\n", i, mark, c.Text)
	}
	if q.ReviewOutcome != types.ReviewUnset {
		fmt.Printf("  review: %s by %s\n", q.ReviewOutcome, q.Reviewer)
	}
}

func init() {
	effortCmd.Flags().StringVar(&effortOverrideReason, "override-reason", "", "Justification for exceeding a non-strict ceiling")

	f := qualityCmd.Flags()
	f.StringVar(&qualityTestPlan, "test-plan", "", "Test plan")
	f.BoolVar(&qualityTestsPassing, "tests-passing", false, "Whether the tests pass")
	f.Float64Var(&qualityCoverage, "coverage", 0, "Coverage percent for this unit")
	f.BoolVar(&qualityOverride, "coverage-override", false, "Exempt this unit from the coverage policy")
	f.StringVar(&qualityScope, "scope", "", "What the coverage override covers")
	f.StringVar(&qualityOverrideReason, "override-reason", "", "Why the coverage override is justified")
	f.StringArrayVar(&qualityCriteria, "criterion", nil, "Acceptance criterion (repeatable, replaces the list)")
	f.IntSliceVar(&qualityMarkMet, "met", nil, "Mark acceptance criteria met by index (repeatable)")

	reviewCmd.Flags().StringVar(&reviewReviewer, "reviewer", "", "Reviewer (default: actor)")
	reviewCmd.Flags().StringVar(&reviewOutcome, "outcome", "", "approved or changes_requested")
	_ = reviewCmd.MarkFlagRequired("outcome")

	clarifyCmd.Flags().BoolVar(&clarifyClear, "clear", false, "Clear the flag instead of setting it")

	rootCmd.AddCommand(effortCmd)
	rootCmd.AddCommand(qualityCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(coverageCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(clarifyCmd)
}
