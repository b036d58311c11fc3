package repository

import "time"

// ── Stage templates ──────────────────────────────────────────────────────────

// WorkflowStage is one ordered phase of an organization's workflow.
type WorkflowStage struct {
	ID                string        `json:"id"`
	OrganizationID    string        `json:"organization_id"`
	Name              string        `json:"name"`
	Order             int           `json:"order"`
	ResponsibleRoles  []string      `json:"responsible_roles"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	IsActive          bool          `json:"is_active"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// WorkflowSubStage is a task inside a stage.
type WorkflowSubStage struct {
	ID                string        `json:"id"`
	StageID           string        `json:"stage_id"`
	Name              string        `json:"name"`
	Order             int           `json:"order"`
	IsRequired        bool          `json:"is_required"`
	CanSkip           bool          `json:"can_skip"`
	AutoAdvance       bool          `json:"auto_advance"`
	ApprovalRoles     []string      `json:"approval_roles"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// WorkflowDefinition is a named, versioned override set for an organization.
type WorkflowDefinition struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Version        int       `json:"version"`
	IsDefault      bool      `json:"is_default"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StageOverride replaces base values of one stage or sub-stage within a
// definition. Nil fields keep the base value.
type StageOverride struct {
	DefinitionID      string         `json:"definition_id"`
	StageID           string         `json:"stage_id"`
	SubStageID        *string        `json:"sub_stage_id,omitempty"` // set when the override targets a sub-stage
	IsIncluded        bool           `json:"is_included"`
	Order             *int           `json:"order,omitempty"`
	ResponsibleRoles  []string       `json:"responsible_roles"` // nil keeps base roles
	EstimatedDuration *time.Duration `json:"estimated_duration,omitempty"`
}

// TargetsSubStage reports whether the override applies to a sub-stage row.
func (o *StageOverride) TargetsSubStage() bool { return o.SubStageID != nil }

// ── Projects ─────────────────────────────────────────────────────────────────

// ProjectStatus is the coarse lifecycle of a project.
type ProjectStatus string

const (
	ProjectStatusActive    ProjectStatus = "active"
	ProjectStatusOnHold    ProjectStatus = "on_hold"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusCancelled ProjectStatus = "cancelled"
)

// Project is the workflow-relevant slice of a manufacturing project.
type Project struct {
	ID                   string        `json:"id"`
	OrganizationID       string        `json:"organization_id"`
	Name                 string        `json:"name"`
	Status               ProjectStatus `json:"status"`
	CurrentStageID       *string       `json:"current_stage_id,omitempty"`
	StageEnteredAt       *time.Time    `json:"stage_entered_at,omitempty"`
	WorkflowDefinitionID *string       `json:"workflow_definition_id,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// ProgressStatus tracks a sub-stage within a project.
type ProgressStatus string

const (
	ProgressPending    ProgressStatus = "pending"
	ProgressInProgress ProgressStatus = "in_progress"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressSkipped    ProgressStatus = "skipped"
)

// IsDone reports whether the sub-stage no longer blocks its stage.
func (s ProgressStatus) IsDone() bool {
	return s == ProgressCompleted || s == ProgressSkipped
}

// SubStageProgress is one (project, sub-stage) row.
type SubStageProgress struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	SubStageID  string         `json:"sub_stage_id"`
	Status      ProgressStatus `json:"status"`
	AssignedTo  *string        `json:"assigned_to,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Notes       *string        `json:"notes,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// StageAdvance is the atomic unit applied when a project changes stage.
type StageAdvance struct {
	ProjectID     string
	FromStageID   *string // compare-and-set guard; nil means "not started"
	ToStageID     string
	EnteredAt     time.Time
	SubStageIDs   []string               // progress rows to create for the new stage
	HistoryRecord *StageTransitionRecord // written in the same unit when non-nil
}

// ── Stage history ────────────────────────────────────────────────────────────

// StageTransitionRecord is one append-only ledger row.
type StageTransitionRecord struct {
	ID                string         `json:"id"`
	ProjectID         string         `json:"project_id"`
	FromStageID       *string        `json:"from_stage_id,omitempty"`
	ToStageID         string         `json:"to_stage_id"`
	ActorID           string         `json:"actor_id"`
	Reason            *string        `json:"reason,omitempty"`
	BypassUsed        bool           `json:"bypass_used"`
	BypassReason      *string        `json:"bypass_reason,omitempty"`
	EstimatedDuration *time.Duration `json:"estimated_duration,omitempty"`
	RecordedAt        time.Time      `json:"recorded_at"`
}

// ── Directory ────────────────────────────────────────────────────────────────

// RosterMember is one user holding a role in an organization.
type RosterMember struct {
	OrganizationID    string `json:"organization_id"`
	Role              string `json:"role"`
	UserID            string `json:"user_id"`
	IsCurrentApprover bool   `json:"is_current_approver"`
}
