package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/workgate/internal/engine"
	"github.com/steveyegge/workgate/internal/storage"
	"github.com/steveyegge/workgate/internal/types"
)

var (
	showEvents int
	listStatus string
	listType   string
	listItem   string
)

type showResult struct {
	WorkItem     *types.WorkItem     `json:"work_item,omitempty"`
	Task         *types.Task         `json:"task,omitempty"`
	Tasks        []*types.Task       `json:"tasks,omitempty"`
	Dependencies []*types.Dependency `json:"dependencies,omitempty"`
	Blockers     []*types.Blocker    `json:"blockers,omitempty"`
	Events       []*types.Event      `json:"events,omitempty"`
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an entity with its dependencies, blockers and recent history",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		kind, err := kindFromID(id)
		if err != nil {
			fatal(err)
		}

		var res showResult
		var entity *types.Entity
		switch kind {
		case types.KindWorkItem:
			if res.WorkItem, err = api.GetWorkItem(rootCtx, id); err != nil {
				fatal(err)
			}
			entity = &res.WorkItem.Entity
			if res.Tasks, err = api.ListTasks(rootCtx, storage.TaskFilter{WorkItemID: id}); err != nil {
				fatal(err)
			}
		case types.KindTask:
			if res.Task, err = api.GetTask(rootCtx, id); err != nil {
				fatal(err)
			}
			entity = &res.Task.Entity
		}
		if res.Dependencies, err = api.Dependencies(rootCtx, kind, id); err != nil {
			fatal(err)
		}
		if res.Blockers, err = api.Blockers(rootCtx, kind, id); err != nil {
			fatal(err)
		}
		if showEvents > 0 {
			if res.Events, err = api.Events(rootCtx, kind, id, showEvents); err != nil {
				fatal(err)
			}
		}

		if jsonOutput {
			outputJSON(res)
			return
		}
		printEntity(entity, &res)
	},
}

func printEntity(entity *types.Entity, res *showResult) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s %s\n", cyan(entity.ID), entity.Title)
	fmt.Printf("  status: %s  version: %d\n", statusColor(entity.Status).Sprint(entity.Status), entity.Version)
	if res.WorkItem != nil {
		fmt.Printf("  type: %s  phase: %s\n", res.WorkItem.Type, res.WorkItem.Phase)
		if res.WorkItem.BusinessContext != "" {
			fmt.Printf("  context: %s\n", res.WorkItem.BusinessContext)
		}
	}
	if res.Task != nil {
		fmt.Printf("  type: %s  effort: %gh  work item: %s\n", res.Task.Type, res.Task.EffortHours, res.Task.WorkItemID)
		if res.Task.EffortOverride != nil {
			fmt.Printf("  %s ceiling overridden by %s: %s\n", yellow("!"), res.Task.EffortOverride.Actor, res.Task.EffortOverride.Reason)
		}
	}
	if entity.Assignee != "" {
		fmt.Printf("  assignee: %s\n", entity.Assignee)
	}
	if entity.NeedsClarification {
		fmt.Printf("  %s needs clarification\n", yellow("!"))
	}
	if entity.CloseReason != "" {
		fmt.Printf("  closed: %s\n", entity.CloseReason)
	}
	if entity.Description != "" {
		fmt.Printf("\n  %s\n", entity.Description)
	}

	fmt.Printf("\n%s\n", cyan("Quality"))
	printQuality(&entity.Quality)

	if len(res.Tasks) > 0 {
		fmt.Printf("\n%s\n", cyan("Tasks"))
		for _, t := range res.Tasks {
			fmt.Printf("  %s %-16s %-14s %gh  %s\n", t.ID, statusColor(t.Status).Sprint(t.Status), t.Type, t.EffortHours, t.Title)
		}
	}
	if len(res.Dependencies) > 0 {
		fmt.Printf("\n%s\n", cyan("Depends on"))
		for _, d := range res.Dependencies {
			fmt.Printf("  %s %s\n", d.TargetID, gray("("+string(d.Type)+")"))
		}
	}
	if len(res.Blockers) > 0 {
		fmt.Printf("\n%s\n", cyan("Blockers"))
		for _, b := range res.Blockers {
			fmt.Printf("  %s\n", formatBlocker(b))
		}
	}
	if len(res.Events) > 0 {
		fmt.Printf("\n%s\n", cyan("History"))
		for _, e := range res.Events {
			fmt.Printf("  %s\n", formatEvent(e))
		}
	}

	if step, ok := engine.NextStep(entity.Kind, entity.Status); ok {
		hint := "wg next " + entity.ID
		for _, p := range step.RequiredParams {
			hint += fmt.Sprintf(" --%s <%s>", p, p)
		}
		fmt.Printf("\n%s\n", gray(fmt.Sprintf("next: %s (%s)", step.Action, hint)))
	}
	fmt.Println()
}

func statusColor(s types.Status) *color.Color {
	switch s {
	case types.StatusCompleted:
		return color.New(color.FgGreen)
	case types.StatusCancelled:
		return color.New(color.FgHiBlack)
	case types.StatusChangesRequested:
		return color.New(color.FgRed)
	case types.StatusInProgress, types.StatusReview:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

// formatBlocker renders one blocker on a single line.
func formatBlocker(b *types.Blocker) string {
	what := b.Description
	if b.Source == types.BlockerInternal {
		what = "waits on " + b.RefID
	}
	line := fmt.Sprintf("%s [%s/%s] %s", b.ID, b.Severity, b.Status, what)
	if b.Status == types.BlockerResolved && b.ResolutionReason != "" {
		line += fmt.Sprintf(" (resolved by %s: %s)", b.ResolvedBy, b.ResolutionReason)
	}
	return line
}

// formatEvent renders one audit event on a single line.
func formatEvent(e *types.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", e.CreatedAt.Format("2006-01-02 15:04:05"), eventIcon(e.EventType), e.EventType)
	switch {
	case e.OldValue != nil && e.NewValue != nil:
		fmt.Fprintf(&b, " %s → %s", *e.OldValue, *e.NewValue)
	case e.NewValue != nil:
		fmt.Fprintf(&b, " %s", truncateString(*e.NewValue, 60))
	}
	if e.Actor != "" {
		fmt.Fprintf(&b, " by %s", e.Actor)
	}
	if e.Comment != nil && *e.Comment != "" {
		fmt.Fprintf(&b, ": %s", truncateString(*e.Comment, 80))
	}
	return b.String()
}

func eventIcon(t types.EventType) string {
	switch t {
	case types.EventCreated:
		return "+"
	case types.EventStatusChanged, types.EventPhaseChanged:
		return "→"
	case types.EventEffortOverride:
		return "!"
	case types.EventBlockerAdded:
		return "⊘"
	case types.EventBlockerResolved, types.EventDependencyReleased:
		return "✓"
	default:
		return "·"
	}
}

// truncateString truncates a string to maxLen characters, adding "..." if truncated
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

var listCmd = &cobra.Command{
	Use:   "list [workitems|tasks]",
	Short: "List work items (default) or tasks",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		what := "workitems"
		if len(args) == 1 {
			what = args[0]
		}
		var status *types.Status
		if listStatus != "" {
			s := types.Status(listStatus)
			status = &s
		}

		switch what {
		case "workitems", "workitem", "wi":
			filter := storage.WorkItemFilter{Status: status}
			if listType != "" {
				t := types.WorkItemType(listType)
				filter.Type = &t
			}
			items, err := api.ListWorkItems(rootCtx, filter)
			if err != nil {
				fatal(err)
			}
			if jsonOutput {
				outputJSON(items)
				return
			}
			for _, w := range items {
				fmt.Printf("%s %-16s %-14s %-14s %s\n", w.ID, statusColor(w.Status).Sprint(w.Status), w.Type, w.Phase, w.Title)
			}
		case "tasks", "task", "tk":
			filter := storage.TaskFilter{WorkItemID: listItem, Status: status}
			if listType != "" {
				t := types.TaskType(listType)
				filter.Type = &t
			}
			tasks, err := api.ListTasks(rootCtx, filter)
			if err != nil {
				fatal(err)
			}
			if jsonOutput {
				outputJSON(tasks)
				return
			}
			for _, t := range tasks {
				fmt.Printf("%s %-16s %-14s %5gh  %s  %s\n", t.ID, statusColor(t.Status).Sprint(t.Status), t.Type, t.EffortHours, t.WorkItemID, t.Title)
			}
		default:
			fatal(fmt.Errorf("unknown list target %q (want workitems or tasks)", what))
		}
	},
}

func init() {
	showCmd.Flags().IntVarP(&showEvents, "events", "n", 10, "Number of recent events to show (0 to hide)")
	listCmd.Flags().StringVarP(&listStatus, "status", "s", "", "Filter by status")
	listCmd.Flags().StringVarP(&listType, "type", "t", "", "Filter by type")
	listCmd.Flags().StringVar(&listItem, "work-item", "", "Only tasks of this work item")

	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)
}
