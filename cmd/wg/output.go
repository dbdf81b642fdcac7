package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/steveyegge/workgate/internal/types"
)

// outputJSON writes v to stdout as indented JSON.
func outputJSON(v interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

// fatal reports err and exits. Rejected transitions list every unmet
// criterion; with --json the error is written to stderr as JSON.
func fatal(err error) {
	closeProject()
	if jsonOutput {
		writeJSONError(os.Stderr, err)
	} else {
		writeError(os.Stderr, err)
	}
	os.Exit(1)
}

type jsonError struct {
	Error          string                 `json:"error"`
	Kind           types.ErrorKind        `json:"kind,omitempty"`
	Unmet          []types.UnmetCriterion `json:"unmet,omitempty"`
	Cycle          []string               `json:"cycle,omitempty"`
	CurrentVersion int64                  `json:"current_version,omitempty"`
}

func writeJSONError(w io.Writer, err error) {
	out := jsonError{Error: err.Error()}
	var te *types.TransitionError
	if errors.As(err, &te) {
		out.Kind = te.Kind
		out.Unmet = te.Unmet
		out.Cycle = te.Cycle
		out.CurrentVersion = te.CurrentVersion
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(out)
}

func writeError(w io.Writer, err error) {
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	var te *types.TransitionError
	if !errors.As(err, &te) {
		fmt.Fprintf(w, "%s %v\n", red("Error:"), err)
		return
	}

	subject := ""
	if te.EntityID != "" {
		subject = fmt.Sprintf(" %s %s", te.EntityKind, te.EntityID)
	}
	if te.Action != "" {
		fmt.Fprintf(w, "%s %s%s rejected: %s\n", red("✗"), te.Action, subject, te.Kind)
	} else {
		fmt.Fprintf(w, "%s%s rejected: %s\n", red("✗"), subject, te.Kind)
	}
	if len(te.Cycle) > 0 {
		fmt.Fprintf(w, "  cycle: %s\n", yellow(strings.Join(te.Cycle, " → ")))
	}
	for _, u := range te.Unmet {
		fmt.Fprintf(w, "  - %s %s\n", u.Message, gray("["+u.Code+"]"))
	}
	if te.Kind == types.KindConcurrentModification && te.CurrentVersion > 0 {
		fmt.Fprintf(w, "  current version: %d\n", te.CurrentVersion)
	}
}

// kindFromID infers the entity kind from an ID prefix (wi-N or tk-N).
func kindFromID(id string) (types.EntityKind, error) {
	switch {
	case strings.HasPrefix(id, "wi-"):
		return types.KindWorkItem, nil
	case strings.HasPrefix(id, "tk-"):
		return types.KindTask, nil
	}
	return "", fmt.Errorf("cannot tell the kind of %q: expected a wi- or tk- id", id)
}

// parseKind accepts the spellings users type for an entity kind.
func parseKind(s string) (types.EntityKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "workitem", "work_item", "work-item", "wi":
		return types.KindWorkItem, nil
	case "task", "tk":
		return types.KindTask, nil
	}
	return "", fmt.Errorf("unknown kind %q (want workitem or task)", s)
}

// parseCoverageArgs turns ["security=92", "utilities=60.5"] into a report.
func parseCoverageArgs(args []string) (types.CoverageReport, error) {
	report := types.CoverageReport{}
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("expected category=percent, got %q", arg)
		}
		category := types.CoverageCategory(strings.TrimSpace(name))
		if !category.IsValid() {
			return nil, fmt.Errorf("unknown coverage category %q", name)
		}
		pct, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(value), "%"), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid percent for %s: %w", category, err)
		}
		if _, dup := report[category]; dup {
			return nil, fmt.Errorf("%s given more than once", category)
		}
		report[category] = pct
	}
	if len(report) == 0 {
		return nil, fmt.Errorf("at least one category=percent is required")
	}
	return report, nil
}

// printState prints the post-state of a successful transition.
func printState(state *types.EntityState) {
	if jsonOutput {
		outputJSON(state)
		return
	}
	green := color.New(color.FgGreen).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Printf("%s %s %s → %s (v%d)\n", green("✓"), state.Action, cyan(state.ID), state.Status, state.Version)
	if state.Kind == types.KindWorkItem && state.Phase != "" {
		fmt.Printf("  phase: %s\n", state.Phase)
	}
	for _, w := range state.Warnings {
		fmt.Printf("  %s %s\n", yellow("!"), w)
	}
}
