package engine

import (
	"github.com/steveyegge/workgate/internal/types"
)

// Param names an input an action cannot run without
type Param string

const (
	ParamAgent  Param = "agent"
	ParamReason Param = "reason"
)

// Step is the single forward action available from a status
type Step struct {
	Action         types.Action
	RequiredParams []Param
}

// NextStep returns the forward action for an entity in the given status.
// ok is false for terminal statuses, which have no next action. Work items
// and tasks share the same status graph.
func NextStep(kind types.EntityKind, status types.Status) (step Step, ok bool) {
	switch status {
	case types.StatusProposed:
		return Step{Action: types.ActionValidate}, true
	case types.StatusValidated:
		return Step{Action: types.ActionAccept, RequiredParams: []Param{ParamAgent}}, true
	case types.StatusAccepted:
		return Step{Action: types.ActionStart}, true
	case types.StatusInProgress, types.StatusChangesRequested:
		return Step{Action: types.ActionSubmitReview}, true
	case types.StatusReview:
		return Step{Action: types.ActionApprove}, true
	default:
		return Step{}, false
	}
}

// Criterion names the entry condition of a phase
type Criterion string

const (
	CriterionBusinessContext   Criterion = "business_context"
	CriterionRequiredTaskTypes Criterion = "required_task_types"
	CriterionChildrenComplete  Criterion = "children_complete"
	CriterionStatusCompleted   Criterion = "status_completed"
)

// PhaseStep is the next phase and the criterion for entering it
type PhaseStep struct {
	To        types.Phase
	Criterion Criterion
}

// NextPhase returns the phase after p with its entry criterion. ok is false
// for done and unknown phases.
func NextPhase(p types.Phase) (step PhaseStep, ok bool) {
	next, ok := p.Next()
	if !ok {
		return PhaseStep{}, false
	}
	switch next {
	case types.PhasePlan:
		return PhaseStep{To: next, Criterion: CriterionBusinessContext}, true
	case types.PhaseImplementation:
		return PhaseStep{To: next, Criterion: CriterionRequiredTaskTypes}, true
	case types.PhaseReview:
		return PhaseStep{To: next, Criterion: CriterionChildrenComplete}, true
	case types.PhaseDone:
		return PhaseStep{To: next, Criterion: CriterionStatusCompleted}, true
	}
	return PhaseStep{}, false
}

// missingParams returns the required params that are blank in p.
func missingParams(required []Param, p Params) []Param {
	var missing []Param
	for _, name := range required {
		switch name {
		case ParamAgent:
			if blank(p.Agent) {
				missing = append(missing, name)
			}
		case ParamReason:
			if blank(p.Reason) {
				missing = append(missing, name)
			}
		}
	}
	return missing
}
