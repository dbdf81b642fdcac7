package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why a transition or mutation was rejected.
// Every kind is locally recoverable: the caller corrects its input and retries.
type ErrorKind string

const (
	KindStructuralViolation    ErrorKind = "structural_violation"
	KindTimeBoxViolation       ErrorKind = "time_box_violation"
	KindUnmetDependency        ErrorKind = "unmet_dependency"
	KindUnresolvedBlocker      ErrorKind = "unresolved_blocker"
	KindCyclicDependency       ErrorKind = "cyclic_dependency"
	KindMissingParameter       ErrorKind = "missing_parameter"
	KindQualityGateFailure     ErrorKind = "quality_gate_failure"
	KindConcurrentModification ErrorKind = "concurrent_modification"
	KindAmbiguousTransition    ErrorKind = "ambiguous_transition"
	KindInvalidTransition      ErrorKind = "invalid_transition"
	KindUnresolvedAmbiguity    ErrorKind = "unresolved_ambiguity"
	KindNotFound               ErrorKind = "not_found"
	KindInvalidInput           ErrorKind = "invalid_input"
)

// Sentinel errors, one per kind, for use with errors.Is.
var (
	ErrStructuralViolation    = errors.New("structural violation")
	ErrTimeBoxViolation       = errors.New("time-box violation")
	ErrUnmetDependency        = errors.New("unmet dependency")
	ErrUnresolvedBlocker      = errors.New("unresolved blocker")
	ErrCyclicDependency       = errors.New("cyclic dependency")
	ErrMissingParameter       = errors.New("missing parameter")
	ErrQualityGateFailure     = errors.New("quality gate failure")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrAmbiguousTransition    = errors.New("ambiguous transition")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrUnresolvedAmbiguity    = errors.New("unresolved ambiguity")
	ErrNotFound               = errors.New("not found")
	ErrInvalidInput           = errors.New("invalid input")
)

// Sentinel returns the sentinel error for the kind.
func (k ErrorKind) Sentinel() error {
	switch k {
	case KindStructuralViolation:
		return ErrStructuralViolation
	case KindTimeBoxViolation:
		return ErrTimeBoxViolation
	case KindUnmetDependency:
		return ErrUnmetDependency
	case KindUnresolvedBlocker:
		return ErrUnresolvedBlocker
	case KindCyclicDependency:
		return ErrCyclicDependency
	case KindMissingParameter:
		return ErrMissingParameter
	case KindQualityGateFailure:
		return ErrQualityGateFailure
	case KindConcurrentModification:
		return ErrConcurrentModification
	case KindAmbiguousTransition:
		return ErrAmbiguousTransition
	case KindInvalidTransition:
		return ErrInvalidTransition
	case KindUnresolvedAmbiguity:
		return ErrUnresolvedAmbiguity
	case KindNotFound:
		return ErrNotFound
	default:
		return ErrInvalidInput
	}
}

// UnmetCriterion is one specific precondition that did not hold.
// Code is stable and machine-readable; Message is for humans.
type UnmetCriterion struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Unmet criterion codes.
const (
	CodeMissingTaskType        = "missing_task_type"
	CodeEffortExceedsCeiling   = "effort_exceeds_ceiling"
	CodeOverrideNotPermitted   = "override_not_permitted"
	CodeEffortMissing          = "effort_missing"
	CodeDependencyIncomplete   = "dependency_incomplete"
	CodeDependencyCancelled    = "dependency_cancelled"
	CodeOpenBlocker            = "open_blocker"
	CodeTestPlanMissing        = "test_plan_missing"
	CodeTestsNotPassing        = "tests_not_passing"
	CodeAcceptanceCriterion    = "acceptance_criterion_unmet"
	CodeReviewNotApproved      = "review_not_approved"
	CodeCoverageBelowThreshold = "coverage_below_threshold"
	CodeOverrideIncomplete     = "coverage_override_incomplete"
	CodeParameterRequired      = "parameter_required"
	CodeWrongStatus            = "wrong_status"
	CodePhaseNotPermitted      = "phase_not_permitted"
	CodeBusinessContextMissing = "business_context_missing"
	CodeChildrenIncomplete     = "children_incomplete"
	CodeNeedsClarification     = "needs_clarification"
	CodeVersionMismatch        = "version_mismatch"
	CodeEntityBusy             = "entity_busy"
	CodeCycle                  = "cycle"
	CodeDuplicateDependency    = "duplicate_dependency"
	CodeNotFound               = "not_found"
	CodeInvalidValue           = "invalid_value"
	CodePolicyViolation        = "policy_violation"
)

// TransitionError is returned for every rejected transition or mutation.
// It carries each unmet precondition so callers can render actionable guidance.
type TransitionError struct {
	Kind       ErrorKind
	EntityKind EntityKind
	EntityID   string
	Action     Action
	Unmet      []UnmetCriterion
	// Cycle is the offending path for CyclicDependency, first node repeated last.
	Cycle []string
	// CurrentVersion is the stored version for ConcurrentModification.
	CurrentVersion int64
}

// NewTransitionError builds a TransitionError of the given kind.
func NewTransitionError(kind ErrorKind, entityKind EntityKind, id string, action Action, unmet ...UnmetCriterion) *TransitionError {
	return &TransitionError{
		Kind:       kind,
		EntityKind: entityKind,
		EntityID:   id,
		Action:     action,
		Unmet:      unmet,
	}
}

func (e *TransitionError) Error() string {
	var b strings.Builder
	if e.Action != "" {
		fmt.Fprintf(&b, "%s ", e.Action)
	}
	if e.EntityID != "" {
		fmt.Fprintf(&b, "%s %s: ", e.EntityKind, e.EntityID)
	}
	b.WriteString(e.Kind.Sentinel().Error())
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Cycle, " → "))
	}
	for i, u := range e.Unmet {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(u.Message)
	}
	return b.String()
}

// Unwrap exposes the kind's sentinel so errors.Is works per kind.
func (e *TransitionError) Unwrap() error {
	return e.Kind.Sentinel()
}

// Codes returns the unmet criterion codes in order.
func (e *TransitionError) Codes() []string {
	codes := make([]string, 0, len(e.Unmet))
	for _, u := range e.Unmet {
		codes = append(codes, u.Code)
	}
	return codes
}

// KindOf returns the error kind carried by err, or "" if err is not a TransitionError.
func KindOf(err error) ErrorKind {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// Unmetf builds an UnmetCriterion with a formatted message.
func Unmetf(code, format string, args ...interface{}) UnmetCriterion {
	return UnmetCriterion{Code: code, Message: fmt.Sprintf(format, args...)}
}
