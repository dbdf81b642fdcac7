package types

import (
	"fmt"
	"strings"
	"time"
)

// EntityKind distinguishes the two tracked entity families.
// Dependencies only connect entities of the same kind.
type EntityKind string

const (
	KindWorkItem EntityKind = "work_item"
	KindTask     EntityKind = "task"
)

// IsValid checks if the entity kind value is valid
func (k EntityKind) IsValid() bool {
	switch k {
	case KindWorkItem, KindTask:
		return true
	}
	return false
}

// Status represents the lifecycle state of a work item or task
type Status string

const (
	StatusProposed         Status = "proposed"
	StatusValidated        Status = "validated"
	StatusAccepted         Status = "accepted"
	StatusInProgress       Status = "in_progress"
	StatusReview           Status = "review"
	StatusChangesRequested Status = "changes_requested"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusProposed, StatusValidated, StatusAccepted, StatusInProgress,
		StatusReview, StatusChangesRequested, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ValidTransitions defines the status graph shared by work items and tasks.
//
//	proposed → validated → accepted → in_progress → review → completed
//	                                       ↑   changes_requested ↓
//	                                       └──────────────────────┘
//
// Every non-terminal status may also move to cancelled.
// changes_requested is never produced by the engine; it is accepted as an
// input state and leads back to review.
func (s Status) ValidTransitions() []Status {
	switch s {
	case StatusProposed:
		return []Status{StatusValidated, StatusCancelled}
	case StatusValidated:
		return []Status{StatusAccepted, StatusCancelled}
	case StatusAccepted:
		return []Status{StatusInProgress, StatusCancelled}
	case StatusInProgress:
		return []Status{StatusReview, StatusCancelled}
	case StatusChangesRequested:
		return []Status{StatusReview, StatusCancelled}
	case StatusReview:
		return []Status{StatusInProgress, StatusCompleted, StatusCancelled}
	default:
		return []Status{} // Terminal or unknown
	}
}

// CanTransitionTo checks if a transition from this status to the target status is valid
func (s Status) CanTransitionTo(target Status) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// Phase is the coarse-grained stage of a work item, tracked separately from status.
type Phase string

const (
	PhaseDiscovery      Phase = "discovery"
	PhasePlan           Phase = "plan"
	PhaseImplementation Phase = "implementation"
	PhaseReview         Phase = "review"
	PhaseDone           Phase = "done"
)

var phaseOrder = []Phase{PhaseDiscovery, PhasePlan, PhaseImplementation, PhaseReview, PhaseDone}

// IsValid checks if the phase value is valid
func (p Phase) IsValid() bool {
	return p.Rank() >= 0
}

// Rank returns the position of the phase in the fixed progression, or -1.
func (p Phase) Rank() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Next returns the phase that follows p. ok is false for done and unknown phases.
func (p Phase) Next() (next Phase, ok bool) {
	r := p.Rank()
	if r < 0 || r == len(phaseOrder)-1 {
		return "", false
	}
	return phaseOrder[r+1], true
}

// MaxPhaseFor returns the furthest phase a work item may occupy while in the
// given status. frozen is true for cancelled work items, whose phase never moves.
func MaxPhaseFor(s Status) (max Phase, frozen bool) {
	switch s {
	case StatusProposed, StatusValidated:
		return PhasePlan, false
	case StatusAccepted:
		return PhaseImplementation, false
	case StatusInProgress, StatusChangesRequested, StatusReview:
		return PhaseReview, false
	case StatusCompleted:
		return PhaseDone, false
	default:
		return "", true
	}
}

// PhasePermitted reports whether a work item with status s may occupy phase p.
func PhasePermitted(s Status, p Phase) bool {
	max, frozen := MaxPhaseFor(s)
	if frozen {
		return false
	}
	return p.Rank() >= 0 && p.Rank() <= max.Rank()
}

// WorkItemType categorizes a strategic deliverable. The type decides which
// task types must exist among its children before it can be validated.
type WorkItemType string

const (
	WorkItemFeature        WorkItemType = "feature"
	WorkItemEnhancement    WorkItemType = "enhancement"
	WorkItemBugfix         WorkItemType = "bugfix"
	WorkItemResearch       WorkItemType = "research"
	WorkItemPlanning       WorkItemType = "planning"
	WorkItemRefactoring    WorkItemType = "refactoring"
	WorkItemInfrastructure WorkItemType = "infrastructure"
)

// WorkItemTypes lists every work item type in declaration order.
var WorkItemTypes = []WorkItemType{
	WorkItemFeature, WorkItemEnhancement, WorkItemBugfix, WorkItemResearch,
	WorkItemPlanning, WorkItemRefactoring, WorkItemInfrastructure,
}

// IsValid checks if the work item type value is valid
func (t WorkItemType) IsValid() bool {
	switch t {
	case WorkItemFeature, WorkItemEnhancement, WorkItemBugfix, WorkItemResearch,
		WorkItemPlanning, WorkItemRefactoring, WorkItemInfrastructure:
		return true
	}
	return false
}

// TaskType categorizes a tactical unit and decides its time-box ceiling.
type TaskType string

const (
	TaskDesign         TaskType = "design"
	TaskImplementation TaskType = "implementation"
	TaskTesting        TaskType = "testing"
	TaskBugfix         TaskType = "bugfix"
	TaskRefactoring    TaskType = "refactoring"
	TaskDocumentation  TaskType = "documentation"
	TaskDeployment     TaskType = "deployment"
	TaskReview         TaskType = "review"
	TaskAnalysis       TaskType = "analysis"
	TaskSimple         TaskType = "simple"
)

// TaskTypes lists every task type in declaration order.
var TaskTypes = []TaskType{
	TaskDesign, TaskImplementation, TaskTesting, TaskBugfix, TaskRefactoring,
	TaskDocumentation, TaskDeployment, TaskReview, TaskAnalysis, TaskSimple,
}

// IsValid checks if the task type value is valid
func (t TaskType) IsValid() bool {
	switch t {
	case TaskDesign, TaskImplementation, TaskTesting, TaskBugfix, TaskRefactoring,
		TaskDocumentation, TaskDeployment, TaskReview, TaskAnalysis, TaskSimple:
		return true
	}
	return false
}

// Entity holds the fields shared by work items and tasks.
type Entity struct {
	ID                 string          `json:"id"`
	Kind               EntityKind      `json:"kind"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	Status             Status          `json:"status"`
	Assignee           string          `json:"assignee,omitempty"`
	NeedsClarification bool            `json:"needs_clarification,omitempty"` // blocks accept while set
	Quality            QualityMetadata `json:"quality"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	ClosedAt           *time.Time      `json:"closed_at,omitempty"`
	CloseReason        string          `json:"close_reason,omitempty"`
}

func (e *Entity) validateCommon() error {
	if len(strings.TrimSpace(e.Title)) == 0 {
		return fmt.Errorf("title is required")
	}
	if len(e.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(e.Title))
	}
	if !e.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", e.Status)
	}
	if err := e.Quality.Validate(); err != nil {
		return fmt.Errorf("invalid quality metadata: %w", err)
	}
	return nil
}

// WorkItem represents a strategic deliverable
type WorkItem struct {
	Entity
	Type            WorkItemType `json:"type"`
	Phase           Phase        `json:"phase"`
	BusinessContext string       `json:"business_context,omitempty"` // required to leave discovery
}

// Validate checks if the work item has valid field values
func (w *WorkItem) Validate() error {
	if err := w.validateCommon(); err != nil {
		return err
	}
	if !w.Type.IsValid() {
		return fmt.Errorf("invalid work item type: %s", w.Type)
	}
	if !w.Phase.IsValid() {
		return fmt.Errorf("invalid phase: %s", w.Phase)
	}
	if w.Status != StatusCancelled && !PhasePermitted(w.Status, w.Phase) {
		return fmt.Errorf("phase %s is not permitted while status is %s", w.Phase, w.Status)
	}
	return nil
}

// Task represents a tactical unit owned by exactly one work item
type Task struct {
	Entity
	WorkItemID     string          `json:"work_item_id"`
	Type           TaskType        `json:"type"`
	EffortHours    float64         `json:"effort_hours"`
	EffortOverride *EffortOverride `json:"effort_override,omitempty"`
}

// Validate checks if the task has valid field values.
// Time-box ceilings are a policy concern and are not checked here.
func (t *Task) Validate() error {
	if err := t.validateCommon(); err != nil {
		return err
	}
	if t.WorkItemID == "" {
		return fmt.Errorf("work_item_id is required")
	}
	if !t.Type.IsValid() {
		return fmt.Errorf("invalid task type: %s", t.Type)
	}
	if err := CheckEffortHours(t.EffortHours); err != nil {
		return err
	}
	if t.EffortOverride != nil && strings.TrimSpace(t.EffortOverride.Reason) == "" {
		return fmt.Errorf("effort override requires a reason")
	}
	return nil
}

// EffortOverride records an explicit, auditable bypass of a non-strict time-box ceiling.
type EffortOverride struct {
	Reason string    `json:"reason"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

// DependencyType categorizes an edge between two entities of the same kind
type DependencyType string

const (
	// DepHard blocks the dependent's start until the target is completed
	DepHard DependencyType = "hard"
	// DepSoft is informational only
	DepSoft DependencyType = "soft"
)

// IsValid checks if the dependency type value is valid
func (d DependencyType) IsValid() bool {
	return d == DepHard || d == DepSoft
}

// Dependency is a directed edge: SourceID depends on TargetID.
type Dependency struct {
	Kind      EntityKind     `json:"kind"`
	SourceID  string         `json:"source_id"`
	TargetID  string         `json:"target_id"`
	Type      DependencyType `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	CreatedBy string         `json:"created_by"`
}

// BlockerSource says where a blocker comes from
type BlockerSource string

const (
	BlockerInternal BlockerSource = "internal" // references another entity
	BlockerExternal BlockerSource = "external" // free-text description
)

// BlockerSeverity decides whether an open blocker prevents completion
type BlockerSeverity string

const (
	SeverityBlocking BlockerSeverity = "blocking"
	SeverityAdvisory BlockerSeverity = "advisory"
)

// IsValid checks if the severity value is valid
func (s BlockerSeverity) IsValid() bool {
	return s == SeverityBlocking || s == SeverityAdvisory
}

// BlockerStatus is open or resolved
type BlockerStatus string

const (
	BlockerOpen     BlockerStatus = "open"
	BlockerResolved BlockerStatus = "resolved"
)

// ResolvedByCascade is recorded as ResolvedBy when a blocker is flipped by the
// completion of its internal referent.
const ResolvedByCascade = "auto"

// Blocker is an impediment attached to one entity
type Blocker struct {
	ID               string          `json:"id"`
	OwnerKind        EntityKind      `json:"owner_kind"`
	OwnerID          string          `json:"owner_id"`
	Source           BlockerSource   `json:"source"`
	RefKind          EntityKind      `json:"ref_kind,omitempty"`
	RefID            string          `json:"ref_id,omitempty"`
	Description      string          `json:"description,omitempty"`
	Severity         BlockerSeverity `json:"severity"`
	Status           BlockerStatus   `json:"status"`
	ResolutionReason string          `json:"resolution_reason,omitempty"`
	ResolvedBy       string          `json:"resolved_by,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
}

// Validate checks if the blocker has valid field values
func (b *Blocker) Validate() error {
	if !b.OwnerKind.IsValid() {
		return fmt.Errorf("invalid owner kind: %s", b.OwnerKind)
	}
	if b.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if !b.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %s", b.Severity)
	}
	switch b.Source {
	case BlockerInternal:
		if !b.RefKind.IsValid() || b.RefID == "" {
			return fmt.Errorf("internal blocker requires ref_kind and ref_id")
		}
		if b.RefKind == b.OwnerKind && b.RefID == b.OwnerID {
			return fmt.Errorf("blocker cannot reference its own owner")
		}
	case BlockerExternal:
		if strings.TrimSpace(b.Description) == "" {
			return fmt.Errorf("external blocker requires a description")
		}
	default:
		return fmt.Errorf("invalid blocker source: %s", b.Source)
	}
	return nil
}

// IsBlocking reports whether the blocker currently prevents completion of its owner.
func (b *Blocker) IsBlocking() bool {
	return b.Status == BlockerOpen && b.Severity == SeverityBlocking
}

// Event represents an audit trail entry
type Event struct {
	ID         int64      `json:"id"`
	EntityKind EntityKind `json:"entity_kind"`
	EntityID   string     `json:"entity_id"`
	EventType  EventType  `json:"event_type"`
	Actor      string     `json:"actor"`
	OldValue   *string    `json:"old_value,omitempty"`
	NewValue   *string    `json:"new_value,omitempty"`
	Comment    *string    `json:"comment,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// EventType categorizes audit trail events
type EventType string

const (
	EventCreated            EventType = "created"
	EventStatusChanged      EventType = "status_changed"
	EventPhaseChanged       EventType = "phase_changed"
	EventEffortChanged      EventType = "effort_changed"
	EventEffortOverride     EventType = "effort_override"
	EventQualityUpdated     EventType = "quality_updated"
	EventReviewRecorded     EventType = "review_recorded"
	EventDependencyAdded    EventType = "dependency_added"
	EventBlockerAdded       EventType = "blocker_added"
	EventBlockerResolved    EventType = "blocker_resolved"
	EventDependencyReleased EventType = "dependency_released"
	EventUpdated            EventType = "updated"
)

// Action names a transition request
type Action string

const (
	ActionValidate       Action = "validate"
	ActionAccept         Action = "accept"
	ActionStart          Action = "start"
	ActionSubmitReview   Action = "submit_review"
	ActionRequestChanges Action = "request_changes"
	ActionApprove        Action = "approve"
	ActionCancel         Action = "cancel"
	ActionNext           Action = "next"
	ActionAdvance        Action = "advance" // work item phase advancement
)

// IsValid checks if the action value is valid
func (a Action) IsValid() bool {
	switch a {
	case ActionValidate, ActionAccept, ActionStart, ActionSubmitReview,
		ActionRequestChanges, ActionApprove, ActionCancel, ActionNext, ActionAdvance:
		return true
	}
	return false
}

// EntityState is the post-state returned by a successful transition
type EntityState struct {
	Kind     EntityKind `json:"kind"`
	ID       string     `json:"id"`
	Action   Action     `json:"action"` // the action actually applied (resolved for next)
	Status   Status     `json:"status"`
	Phase    Phase      `json:"phase,omitempty"`
	Version  int64      `json:"version"`
	Warnings []string   `json:"warnings,omitempty"`
}

// CoverageCategory partitions the codebase for the coverage policy
type CoverageCategory string

const (
	CoverageCriticalPaths CoverageCategory = "critical_paths"
	CoverageUserFacing    CoverageCategory = "user_facing"
	CoverageDataLayer     CoverageCategory = "data_layer"
	CoverageSecurity      CoverageCategory = "security"
	CoverageUtilities     CoverageCategory = "utilities"
)

// CoverageCategories lists every category in declaration order.
var CoverageCategories = []CoverageCategory{
	CoverageCriticalPaths, CoverageUserFacing, CoverageDataLayer, CoverageSecurity, CoverageUtilities,
}

// IsValid checks if the coverage category value is valid
func (c CoverageCategory) IsValid() bool {
	switch c {
	case CoverageCriticalPaths, CoverageUserFacing, CoverageDataLayer, CoverageSecurity, CoverageUtilities:
		return true
	}
	return false
}

// CoverageReport is the most recent codebase-wide coverage per category.
// Categories that were never recorded count as 0%.
type CoverageReport map[CoverageCategory]float64
