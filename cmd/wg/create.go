package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/workgate/internal/engine"
	"github.com/steveyegge/workgate/internal/types"
)

var (
	createType           string
	createDescription    string
	createContext        string
	createEffort         float64
	createOverrideReason string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a work item or task",
}

var createWorkItemCmd = &cobra.Command{
	Use:         "workitem <title>",
	Aliases:     []string{"wi"},
	Short:       "Create a work item in proposed status, discovery phase",
	Args:        cobra.ExactArgs(1),
	Annotations: writes,
	Run: func(cmd *cobra.Command, args []string) {
		item, err := api.CreateWorkItem(rootCtx, engine.CreateWorkItemRequest{
			Title:           args[0],
			Description:     createDescription,
			Type:            types.WorkItemType(createType),
			BusinessContext: createContext,
			Actor:           getActor(),
		})
		if err != nil {
			fatal(err)
		}
		if jsonOutput {
			outputJSON(item)
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("%s Created %s work item %s: %s\n", green("✓"), item.Type, cyan(item.ID), item.Title)
		if rule, err := api.GetPolicy(types.KindWorkItem, string(item.Type)); err == nil {
			fmt.Printf("  %s\n", rule.Describe())
		}
	},
}

var createTaskCmd = &cobra.Command{
	Use:   "task <work-item-id> <title>",
	Short: "Create a task under a work item",
	Long: `Create a task under a work item. Effort above the task type's ceiling is
rejected unless the ceiling allows overrides and --override-reason is given.`,
	Args:        cobra.ExactArgs(2),
	Annotations: writes,
	Run: func(cmd *cobra.Command, args []string) {
		task, err := api.CreateTask(rootCtx, engine.CreateTaskRequest{
			WorkItemID:     args[0],
			Title:          args[1],
			Description:    createDescription,
			Type:           types.TaskType(createType),
			EffortHours:    createEffort,
			OverrideReason: createOverrideReason,
			Actor:          getActor(),
		})
		if err != nil {
			fatal(err)
		}
		if jsonOutput {
			outputJSON(task)
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("%s Created %s task %s under %s: %s (%gh)\n",
			green("✓"), task.Type, cyan(task.ID), task.WorkItemID, task.Title, task.EffortHours)
		if task.EffortOverride != nil {
			fmt.Printf("  %s ceiling overridden: %s\n", yellow("!"), task.EffortOverride.Reason)
		}
	},
}

func init() {
	for _, c := range []*cobra.Command{createWorkItemCmd, createTaskCmd} {
		c.Flags().StringVarP(&createType, "type", "t", "", "Type (required)")
		c.Flags().StringVarP(&createDescription, "description", "d", "", "Description")
		_ = c.MarkFlagRequired("type")
	}
	createWorkItemCmd.Flags().StringVar(&createContext, "context", "", "Business context (required to leave discovery)")
	createTaskCmd.Flags().Float64VarP(&createEffort, "effort", "e", 0, "Estimated effort in hours")
	createTaskCmd.Flags().StringVar(&createOverrideReason, "override-reason", "", "Justification for exceeding a non-strict ceiling")

	createCmd.AddCommand(createWorkItemCmd)
	createCmd.AddCommand(createTaskCmd)
	rootCmd.AddCommand(createCmd)
}
