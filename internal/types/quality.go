package types

import (
	"strings"
	"time"
)

// ReviewOutcome is the reviewer's verdict. The zero value means no review yet.
type ReviewOutcome string

const (
	ReviewUnset            ReviewOutcome = ""
	ReviewApproved         ReviewOutcome = "approved"
	ReviewChangesRequested ReviewOutcome = "changes_requested"
)

// IsValid checks if the review outcome value is valid
func (r ReviewOutcome) IsValid() bool {
	switch r {
	case ReviewUnset, ReviewApproved, ReviewChangesRequested:
		return true
	}
	return false
}

// AcceptanceCriterion is one ordered entry of an entity's definition of done
type AcceptanceCriterion struct {
	Text string `json:"text" validate:"required,max=1000"`
	Met  bool   `json:"met"`
}

// QualityMetadata is the versioned quality attachment carried by every work item and task.
// Version is incremented on every update.
type QualityMetadata struct {
	Version            int64                 `json:"version"`
	TestPlan           string                `json:"test_plan,omitempty"`
	TestsPassing       bool                  `json:"tests_passing"`
	CoveragePercent    *float64              `json:"coverage_percent,omitempty" validate:"omitempty,gte=0,lte=100"`
	CoverageOverride   bool                  `json:"coverage_override,omitempty"`
	CoverageScope      string                `json:"coverage_scope,omitempty" validate:"max=500"`
	OverrideReason     string                `json:"override_reason,omitempty" validate:"max=2000"`
	AcceptanceCriteria []AcceptanceCriterion `json:"acceptance_criteria,omitempty" validate:"max=50,dive"`
	ReviewOutcome      ReviewOutcome         `json:"review_outcome,omitempty" validate:"omitempty,oneof=approved changes_requested"`
	Reviewer           string                `json:"reviewer,omitempty"`
	ReviewedAt         *time.Time            `json:"reviewed_at,omitempty"`
}

// Validate checks field constraints declared in struct tags.
func (q *QualityMetadata) Validate() error {
	return ValidateStruct(q)
}

// HasTestPlan reports whether a non-blank test plan is recorded.
func (q *QualityMetadata) HasTestPlan() bool {
	return strings.TrimSpace(q.TestPlan) != ""
}

// HasOverride reports whether the coverage escape hatch is fully specified:
// the flag together with a scope and a reason. The override is never inferred.
func (q *QualityMetadata) HasOverride() bool {
	return q.CoverageOverride &&
		strings.TrimSpace(q.CoverageScope) != "" &&
		strings.TrimSpace(q.OverrideReason) != ""
}

// UnmetAcceptanceCriteria returns the indexes of criteria not yet met.
func (q *QualityMetadata) UnmetAcceptanceCriteria() []int {
	var unmet []int
	for i, c := range q.AcceptanceCriteria {
		if !c.Met {
			unmet = append(unmet, i)
		}
	}
	return unmet
}

// QualityPatch is a partial update of quality metadata. Nil fields are left unchanged.
type QualityPatch struct {
	TestPlan           *string               `json:"test_plan,omitempty"`
	TestsPassing       *bool                 `json:"tests_passing,omitempty"`
	CoveragePercent    *float64              `json:"coverage_percent,omitempty" validate:"omitempty,gte=0,lte=100"`
	CoverageOverride   *bool                 `json:"coverage_override,omitempty"`
	CoverageScope      *string               `json:"coverage_scope,omitempty"`
	OverrideReason     *string               `json:"override_reason,omitempty"`
	AcceptanceCriteria []AcceptanceCriterion `json:"acceptance_criteria,omitempty" validate:"omitempty,max=50,dive"`
	// MarkMet flips the criteria at these indexes to met.
	MarkMet []int `json:"mark_met,omitempty" validate:"dive,gte=0"`
}

// IsEmpty reports whether the patch changes nothing.
func (p *QualityPatch) IsEmpty() bool {
	return p.TestPlan == nil && p.TestsPassing == nil && p.CoveragePercent == nil &&
		p.CoverageOverride == nil && p.CoverageScope == nil && p.OverrideReason == nil &&
		p.AcceptanceCriteria == nil && len(p.MarkMet) == 0
}

// Apply returns a copy of q with the patch applied and the version incremented.
// Review fields are not patchable; they change only through review actions.
func (p *QualityPatch) Apply(q QualityMetadata) (QualityMetadata, error) {
	out := q
	out.AcceptanceCriteria = append([]AcceptanceCriterion(nil), q.AcceptanceCriteria...)
	if p.TestPlan != nil {
		out.TestPlan = *p.TestPlan
	}
	if p.TestsPassing != nil {
		out.TestsPassing = *p.TestsPassing
	}
	if p.CoveragePercent != nil {
		v := *p.CoveragePercent
		out.CoveragePercent = &v
	}
	if p.CoverageOverride != nil {
		out.CoverageOverride = *p.CoverageOverride
	}
	if p.CoverageScope != nil {
		out.CoverageScope = *p.CoverageScope
	}
	if p.OverrideReason != nil {
		out.OverrideReason = *p.OverrideReason
	}
	if p.AcceptanceCriteria != nil {
		out.AcceptanceCriteria = append([]AcceptanceCriterion(nil), p.AcceptanceCriteria...)
	}
	for _, idx := range p.MarkMet {
		if idx < 0 || idx >= len(out.AcceptanceCriteria) {
			return q, &FieldError{Field: "mark_met", Message: "acceptance criterion index out of range"}
		}
		out.AcceptanceCriteria[idx].Met = true
	}
	out.Version = q.Version + 1
	return out, nil
}
