package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/workgate/internal/engine"
	"github.com/steveyegge/workgate/internal/types"
)

var (
	transitionAgent           string
	transitionReason          string
	transitionExpectedVersion int64
)

var transitionCmd = &cobra.Command{
	Use:   "transition <id> <action>",
	Short: "Request a lifecycle transition",
	Long: `Request a lifecycle transition for a work item (wi-N) or task (tk-N).

Actions: validate, accept, start, submit_review, request_changes, approve,
cancel, next, advance.

A rejected transition changes nothing and lists every unmet criterion.

Examples:
  wg transition tk-3 validate
  wg transition tk-3 accept --agent alice
  wg transition wi-1 cancel --reason "superseded by wi-4"
  wg transition tk-3 approve --expected-version 7`,
	Args:        cobra.ExactArgs(2),
	Annotations: writes,
	Run: func(cmd *cobra.Command, args []string) {
		runTransition(args[0], types.Action(args[1]))
	},
}

var nextCmd = &cobra.Command{
	Use:   "next <id>",
	Short: "Apply the next forward action for the entity's current status",
	Long: `Apply the next forward action for the entity's current status.

proposed → validate, validated → accept (needs --agent), accepted → start,
in_progress → submit_review, review → approve. Terminal entities have no next action.`,
	Args:        cobra.ExactArgs(1),
	Annotations: writes,
	Run: func(cmd *cobra.Command, args []string) {
		runTransition(args[0], types.ActionNext)
	},
}

var advanceCmd = &cobra.Command{
	Use:         "advance <work-item-id>",
	Short:       "Advance a work item to its next phase",
	Args:        cobra.ExactArgs(1),
	Annotations: writes,
	Run: func(cmd *cobra.Command, args []string) {
		runTransition(args[0], types.ActionAdvance)
	},
}

func runTransition(id string, action types.Action) {
	kind, err := kindFromID(id)
	if err != nil {
		fatal(err)
	}
	params := engine.Params{
		Actor:           getActor(),
		Agent:           transitionAgent,
		Reason:          transitionReason,
		ExpectedVersion: transitionExpectedVersion,
	}

	var state *types.EntityState
	err = engine.Retry(rootCtx, engine.DefaultRetryAttempts, func() error {
		var terr error
		state, terr = api.Transition(rootCtx, kind, id, action, params)
		return terr
	})
	if err != nil {
		if action == types.ActionNext && types.KindOf(err) == types.KindAmbiguousTransition && !jsonOutput {
			printNextHint(kind, id)
		}
		fatal(err)
	}
	printState(state)
}

// printNextHint shows which action next would take so the caller can supply its parameters.
func printNextHint(kind types.EntityKind, id string) {
	var status types.Status
	switch kind {
	case types.KindWorkItem:
		item, err := api.GetWorkItem(rootCtx, id)
		if err != nil {
			return
		}
		status = item.Status
	case types.KindTask:
		task, err := api.GetTask(rootCtx, id)
		if err != nil {
			return
		}
		status = task.Status
	}
	step, ok := engine.NextStep(kind, status)
	if !ok {
		return
	}
	gray := color.New(color.FgHiBlack).SprintFunc()
	for _, p := range step.RequiredParams {
		fmt.Println(gray(fmt.Sprintf("hint: next resolves to %s; pass --%s", step.Action, p)))
	}
}

func init() {
	for _, c := range []*cobra.Command{transitionCmd, nextCmd} {
		c.Flags().StringVar(&transitionAgent, "agent", "", "Agent taking the work (required by accept)")
		c.Flags().StringVar(&transitionReason, "reason", "", "Reason (required by request_changes and cancel)")
		c.Flags().Int64Var(&transitionExpectedVersion, "expected-version", 0, "Fail unless the stored version matches")
	}
	advanceCmd.Flags().Int64Var(&transitionExpectedVersion, "expected-version", 0, "Fail unless the stored version matches")

	rootCmd.AddCommand(transitionCmd)
	rootCmd.AddCommand(nextCmd)
	rootCmd.AddCommand(advanceCmd)
}
