package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/workgate/internal/types"
)

func init() {
	color.NoColor = true
}

func TestKindFromID(t *testing.T) {
	tests := []struct {
		id      string
		want    types.EntityKind
		wantErr bool
	}{
		{"wi-1", types.KindWorkItem, false},
		{"tk-42", types.KindTask, false},
		{"bl-3", "", true},
		{"", "", true},
		{"wi", "", true},
	}
	for _, tt := range tests {
		got, err := kindFromID(tt.id)
		if tt.wantErr {
			if err == nil {
				t.Errorf("kindFromID(%q) expected error, got %s", tt.id, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("kindFromID(%q) = %s, %v; want %s", tt.id, got, err, tt.want)
		}
	}
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"workitem", "work_item", "Work-Item", " wi "} {
		got, err := parseKind(s)
		require.NoError(t, err, s)
		assert.Equal(t, types.KindWorkItem, got)
	}
	got, err := parseKind("TASK")
	require.NoError(t, err)
	assert.Equal(t, types.KindTask, got)

	_, err = parseKind("epic")
	assert.ErrorContains(t, err, "unknown kind")
}

func TestParseCoverageArgs(t *testing.T) {
	report, err := parseCoverageArgs([]string{"security=92", "utilities=60.5%", " data_layer = 80 "})
	require.NoError(t, err)
	assert.Equal(t, types.CoverageReport{
		types.CoverageSecurity:  92,
		types.CoverageUtilities: 60.5,
		types.CoverageDataLayer: 80,
	}, report)

	tests := []struct {
		args []string
		want string
	}{
		{nil, "at least one"},
		{[]string{"security"}, "expected category=percent"},
		{[]string{"frontend=50"}, "unknown coverage category"},
		{[]string{"security=lots"}, "invalid percent"},
		{[]string{"security=1", "security=2"}, "more than once"},
	}
	for _, tt := range tests {
		_, err := parseCoverageArgs(tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("parseCoverageArgs(%v) error = %v, want containing %q", tt.args, err, tt.want)
		}
	}
}

func TestBlockerSource(t *testing.T) {
	src, err := blockerSource("tk-2", "")
	require.NoError(t, err)
	assert.Equal(t, types.KindTask, src.RefKind)
	assert.Equal(t, "tk-2", src.RefID)

	src, err = blockerSource("", "waiting on vendor API keys")
	require.NoError(t, err)
	assert.Equal(t, "waiting on vendor API keys", src.Description)
	assert.Empty(t, src.RefID)

	_, err = blockerSource("tk-2", "both")
	assert.ErrorContains(t, err, "not both")
	_, err = blockerSource("", "")
	assert.ErrorContains(t, err, "required")
	_, err = blockerSource("zz-1", "")
	assert.Error(t, err)
}

func TestWriteErrorListsUnmetCriteria(t *testing.T) {
	err := types.NewTransitionError(types.KindQualityGateFailure, types.KindTask, "tk-3", types.ActionApprove,
		types.Unmetf(types.CodeTestsNotPassing, "tests are not passing"),
		types.Unmetf(types.CodeReviewNotApproved, "review outcome is not approved"),
	)

	var buf bytes.Buffer
	writeError(&buf, err)
	out := buf.String()
	assert.Contains(t, out, "approve task tk-3 rejected: quality_gate_failure")
	assert.Contains(t, out, "  - tests are not passing [tests_not_passing]")
	assert.Contains(t, out, "  - review outcome is not approved [review_not_approved]")
	assert.Less(t, strings.Index(out, "tests are not passing"), strings.Index(out, "review outcome"))
}

func TestWriteErrorCycleAndVersion(t *testing.T) {
	cyc := types.NewTransitionError(types.KindCyclicDependency, types.KindTask, "tk-1", "")
	cyc.Cycle = []string{"tk-1", "tk-2", "tk-1"}
	var buf bytes.Buffer
	writeError(&buf, cyc)
	assert.Contains(t, buf.String(), "cycle: tk-1 → tk-2 → tk-1")

	conflict := types.NewTransitionError(types.KindConcurrentModification, types.KindTask, "tk-1", types.ActionStart,
		types.Unmetf(types.CodeVersionMismatch, "version 3 does not match 5"))
	conflict.CurrentVersion = 5
	buf.Reset()
	writeError(&buf, conflict)
	assert.Contains(t, buf.String(), "current version: 5")

	buf.Reset()
	writeError(&buf, errors.New("disk on fire"))
	assert.Equal(t, "Error: disk on fire\n", buf.String())
}

func TestWriteJSONError(t *testing.T) {
	err := types.NewTransitionError(types.KindMissingParameter, types.KindTask, "tk-9", types.ActionAccept,
		types.Unmetf(types.CodeParameterRequired, "accept requires an agent"))

	var buf bytes.Buffer
	writeJSONError(&buf, err)

	var got jsonError
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, types.KindMissingParameter, got.Kind)
	require.Len(t, got.Unmet, 1)
	assert.Equal(t, types.CodeParameterRequired, got.Unmet[0].Code)
	assert.Contains(t, got.Error, "accept requires an agent")
}

func TestFormatEvent(t *testing.T) {
	oldVal, newVal, comment := "in_progress", "review", "ready for eyes"
	e := &types.Event{
		EventType: types.EventStatusChanged,
		Actor:     "alice",
		OldValue:  &oldVal,
		NewValue:  &newVal,
		Comment:   &comment,
		CreatedAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
	assert.Equal(t, "2026-03-01 09:30:00 → status_changed in_progress → review by alice: ready for eyes", formatEvent(e))

	long := strings.Repeat("x", 100)
	e = &types.Event{EventType: types.EventQualityUpdated, NewValue: &long, CreatedAt: e.CreatedAt}
	assert.Equal(t, "2026-03-01 09:30:00 · quality_updated "+strings.Repeat("x", 57)+"...", formatEvent(e))
}

func TestFormatBlocker(t *testing.T) {
	b := &types.Blocker{ID: "bl-1", Source: types.BlockerInternal, RefID: "tk-4", Severity: types.SeverityBlocking, Status: types.BlockerOpen}
	assert.Equal(t, "bl-1 [blocking/open] waits on tk-4", formatBlocker(b))

	b = &types.Blocker{
		ID: "bl-2", Source: types.BlockerExternal, Description: "legal sign-off",
		Severity: types.SeverityAdvisory, Status: types.BlockerResolved,
		ResolvedBy: "bob", ResolutionReason: "approved by counsel",
	}
	assert.Equal(t, "bl-2 [advisory/resolved] legal sign-off (resolved by bob: approved by counsel)", formatBlocker(b))
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "abcdefg...", truncateString("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncateString("abcdef", 2))
}

func TestQualityPatchFromFlags(t *testing.T) {
	flags := qualityCmd.Flags()
	require.NoError(t, flags.Set("test-plan", "run the suite"))
	require.NoError(t, flags.Set("tests-passing", "true"))
	require.NoError(t, flags.Set("criterion", "parses input"))
	require.NoError(t, flags.Set("criterion", "rejects garbage"))

	patch := qualityPatchFromFlags(qualityCmd)
	require.NotNil(t, patch.TestPlan)
	assert.Equal(t, "run the suite", *patch.TestPlan)
	require.NotNil(t, patch.TestsPassing)
	assert.True(t, *patch.TestsPassing)
	assert.Equal(t, []types.AcceptanceCriterion{{Text: "parses input"}, {Text: "rejects garbage"}}, patch.AcceptanceCriteria)

	// Flags never given stay nil so the patch leaves them alone
	assert.Nil(t, patch.CoveragePercent)
	assert.Nil(t, patch.CoverageOverride)
	assert.Nil(t, patch.MarkMet)
}

func TestIsNoDbCommand(t *testing.T) {
	assert.True(t, isNoDbCommand(initCmd))
	assert.True(t, isNoDbCommand(versionCmd))
	assert.True(t, isNoDbCommand(policyShowCmd))
	assert.False(t, isNoDbCommand(transitionCmd))
	assert.False(t, isNoDbCommand(createTaskCmd))
}
