// Package policy holds the static, versioned type policy table: which task
// types a work item type requires among its children, and the effort ceiling
// for each task type.
package policy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/workgate/internal/types"
)

// Version identifies the current policy table. Bump it whenever a requirement
// or ceiling changes.
const Version = "2"

// Rule is a policy table entry. It is sealed: only StructuralRequirement and
// TimeBoxCeiling implement it.
type Rule interface {
	isRule()
	// Describe renders the rule for humans.
	Describe() string
}

// StructuralRequirement lists the task types that must exist among a work
// item's children before it can be validated.
type StructuralRequirement struct {
	WorkItemType types.WorkItemType `yaml:"work_item_type" json:"work_item_type"`
	Required     []types.TaskType   `yaml:"required" json:"required"`
}

func (StructuralRequirement) isRule() {}

// Describe renders the rule for humans.
func (r StructuralRequirement) Describe() string {
	names := make([]string, len(r.Required))
	for i, t := range r.Required {
		names[i] = string(t)
	}
	return fmt.Sprintf("%s requires task types: %s", r.WorkItemType, strings.Join(names, ", "))
}

// TimeBoxCeiling is the maximum effort estimate for a task type.
// Strict ceilings cannot be bypassed with an override.
type TimeBoxCeiling struct {
	TaskType types.TaskType `yaml:"task_type" json:"task_type"`
	MaxHours float64        `yaml:"max_hours" json:"max_hours"`
	Strict   bool           `yaml:"strict,omitempty" json:"strict,omitempty"`
}

func (TimeBoxCeiling) isRule() {}

// Describe renders the rule for humans.
func (c TimeBoxCeiling) Describe() string {
	s := fmt.Sprintf("%s tasks are capped at %gh", c.TaskType, c.MaxHours)
	if c.Strict {
		s += " (strict, no override)"
	}
	return s
}

// RequirementFor returns the structural requirement for a work item type.
// The switch is exhaustive over types.WorkItemTypes.
func RequirementFor(t types.WorkItemType) (StructuralRequirement, error) {
	var required []types.TaskType
	switch t {
	case types.WorkItemFeature:
		required = []types.TaskType{types.TaskDesign, types.TaskImplementation, types.TaskTesting, types.TaskDocumentation}
	case types.WorkItemEnhancement:
		required = []types.TaskType{types.TaskImplementation, types.TaskTesting}
	case types.WorkItemBugfix:
		required = []types.TaskType{types.TaskBugfix, types.TaskTesting}
	case types.WorkItemResearch:
		required = []types.TaskType{types.TaskAnalysis}
	case types.WorkItemPlanning:
		required = []types.TaskType{types.TaskAnalysis, types.TaskDocumentation}
	case types.WorkItemRefactoring:
		required = []types.TaskType{types.TaskRefactoring, types.TaskTesting}
	case types.WorkItemInfrastructure:
		required = []types.TaskType{types.TaskDeployment, types.TaskTesting, types.TaskDocumentation}
	default:
		return StructuralRequirement{}, fmt.Errorf("unknown work item type: %s", t)
	}
	return StructuralRequirement{WorkItemType: t, Required: required}, nil
}

// CeilingFor returns the time-box ceiling for a task type.
// The switch is exhaustive over types.TaskTypes.
func CeilingFor(t types.TaskType) (TimeBoxCeiling, error) {
	c := TimeBoxCeiling{TaskType: t}
	switch t {
	case types.TaskDesign:
		c.MaxHours = 8
	case types.TaskImplementation:
		c.MaxHours = 4
		c.Strict = true
	case types.TaskTesting:
		c.MaxHours = 6
	case types.TaskBugfix:
		c.MaxHours = 4
	case types.TaskRefactoring:
		c.MaxHours = 4
	case types.TaskDocumentation:
		c.MaxHours = 6
	case types.TaskDeployment:
		c.MaxHours = 4
	case types.TaskReview:
		c.MaxHours = 2
	case types.TaskAnalysis:
		c.MaxHours = 8
	case types.TaskSimple:
		c.MaxHours = 1
	default:
		return TimeBoxCeiling{}, fmt.Errorf("unknown task type: %s", t)
	}
	return c, nil
}

// Lookup resolves the rule for an entity kind and a type name: a
// StructuralRequirement for work items, a TimeBoxCeiling for tasks.
func Lookup(kind types.EntityKind, typ string) (Rule, error) {
	switch kind {
	case types.KindWorkItem:
		return RequirementFor(types.WorkItemType(typ))
	case types.KindTask:
		return CeilingFor(types.TaskType(typ))
	default:
		return nil, fmt.Errorf("unknown entity kind: %s", kind)
	}
}

// MissingTaskTypes returns each required task type absent from children, in
// requirement order. Cancelled children do not count toward the requirement.
func MissingTaskTypes(t types.WorkItemType, children []*types.Task) ([]types.TaskType, error) {
	req, err := RequirementFor(t)
	if err != nil {
		return nil, err
	}
	counts := make(map[types.TaskType]int, len(children))
	for _, child := range children {
		if child.Status == types.StatusCancelled {
			continue
		}
		counts[child.Type]++
	}
	return CheckStructure(req, counts), nil
}

// CheckStructure compares child counts by type against a requirement.
func CheckStructure(req StructuralRequirement, counts map[types.TaskType]int) []types.TaskType {
	var missing []types.TaskType
	for _, required := range req.Required {
		if counts[required] == 0 {
			missing = append(missing, required)
		}
	}
	return missing
}

// CheckTimeBox enforces the ceiling for a task type. Exactly at the ceiling
// passes. An override with a non-blank reason bypasses non-strict ceilings
// only. The returned error is a *types.TransitionError of kind TimeBoxViolation;
// callers fill in the entity identity.
func CheckTimeBox(t types.TaskType, hours float64, override *types.EffortOverride) error {
	ceiling, err := CeilingFor(t)
	if err != nil {
		return types.NewTransitionError(types.KindInvalidInput, types.KindTask, "", "",
			types.Unmetf(types.CodeInvalidValue, "%v", err))
	}
	if hours <= ceiling.MaxHours {
		return nil
	}
	if override == nil || strings.TrimSpace(override.Reason) == "" {
		return types.NewTransitionError(types.KindTimeBoxViolation, types.KindTask, "", "",
			types.Unmetf(types.CodeEffortExceedsCeiling,
				"%s effort %gh exceeds the %gh ceiling", t, hours, ceiling.MaxHours))
	}
	if ceiling.Strict {
		return types.NewTransitionError(types.KindTimeBoxViolation, types.KindTask, "", "",
			types.Unmetf(types.CodeOverrideNotPermitted,
				"%s effort %gh exceeds the strict %gh ceiling; overrides are not permitted", t, hours, ceiling.MaxHours))
	}
	return nil
}

// Table is the full policy table in a serializable form.
type Table struct {
	Version      string                  `yaml:"version" json:"version"`
	Requirements []StructuralRequirement `yaml:"structural_requirements" json:"structural_requirements"`
	Ceilings     []TimeBoxCeiling        `yaml:"time_box_ceilings" json:"time_box_ceilings"`
}

// CurrentTable renders every rule in declaration order.
func CurrentTable() Table {
	table := Table{Version: Version}
	for _, t := range types.WorkItemTypes {
		req, _ := RequirementFor(t)
		table.Requirements = append(table.Requirements, req)
	}
	for _, t := range types.TaskTypes {
		c, _ := CeilingFor(t)
		table.Ceilings = append(table.Ceilings, c)
	}
	return table
}

// YAML renders the table as a YAML document.
func (t Table) YAML() ([]byte, error) {
	data, err := yaml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy table: %w", err)
	}
	return data, nil
}
