package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
)

// StageStore reads stage templates and workflow definitions.
type StageStore interface {
	ListStages(ctx context.Context, organizationID string) ([]*repository.WorkflowStage, error)
	GetStage(ctx context.Context, stageID string) (*repository.WorkflowStage, error)
	ListSubStages(ctx context.Context, stageID string) ([]*repository.WorkflowSubStage, error)
	GetDefinition(ctx context.Context, definitionID string) (*repository.WorkflowDefinition, error)
	// GetDefaultDefinition returns nil, nil when the organization has none.
	GetDefaultDefinition(ctx context.Context, organizationID string) (*repository.WorkflowDefinition, error)
	ListOverrides(ctx context.Context, definitionID string) ([]*repository.StageOverride, error)
}

// ProjectStore owns the project stage pointer and sub-stage progress.
type ProjectStore interface {
	GetProject(ctx context.Context, projectID string) (*repository.Project, error)
	// AdvanceStage applies adv atomically and returns repository.ErrStaleWrite
	// when the project is no longer in adv.FromStageID.
	AdvanceStage(ctx context.Context, adv *repository.StageAdvance) (*repository.Project, error)
	ListProgress(ctx context.Context, projectID string, subStageIDs []string) ([]*repository.SubStageProgress, error)
	GetProgress(ctx context.Context, projectID, subStageID string) (*repository.SubStageProgress, error)
	// UpdateProgress writes p only while the stored status equals expected.
	UpdateProgress(ctx context.Context, p *repository.SubStageProgress, expected repository.ProgressStatus) error
}

// ApprovalStore persists approvals, their history and auto-approval rules.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a *repository.Approval, h *repository.ApprovalHistory) error
	GetApproval(ctx context.Context, approvalID string) (*repository.Approval, error)
	ListApprovals(ctx context.Context, filter repository.ApprovalFilter) ([]*repository.Approval, error)
	// CompareAndSetStatus writes a and appends h while the stored status still
	// equals expected, returning repository.ErrStaleWrite otherwise.
	CompareAndSetStatus(ctx context.Context, a *repository.Approval, expected repository.ApprovalStatus, h *repository.ApprovalHistory) error
	ListHistory(ctx context.Context, approvalID string) ([]*repository.ApprovalHistory, error)
	ListAutoApprovalRules(ctx context.Context, organizationID string) ([]*repository.AutoApprovalRule, error)
}

// DelegationStore persists approval delegations.
type DelegationStore interface {
	// CreateDelegation returns a conflict error when an active delegation for
	// the same delegator and scope overlaps the new range.
	CreateDelegation(ctx context.Context, d *repository.ApprovalDelegation) error
	GetDelegation(ctx context.Context, delegationID string) (*repository.ApprovalDelegation, error)
	ListActiveDelegationsFrom(ctx context.Context, delegatorID string) ([]*repository.ApprovalDelegation, error)
	ListActiveDelegationsTo(ctx context.Context, delegateID string) ([]*repository.ApprovalDelegation, error)
	UpdateDelegationStatus(ctx context.Context, delegationID string, from, to repository.DelegationStatus) error
	ExpireDelegations(ctx context.Context, asOf time.Time) (int64, error)
}

// HistoryStore is the durable stage transition ledger.
type HistoryStore interface {
	AppendTransition(ctx context.Context, rec *repository.StageTransitionRecord) error
	ListTransitions(ctx context.Context, projectID string) ([]*repository.StageTransitionRecord, error)
}

// Directory resolves people, roles and permissions. Authentication lives
// outside this service; the directory is read-only here.
type Directory interface {
	// CurrentApprover returns the roster member designated as current
	// approver for role, or a not-found error.
	CurrentApprover(ctx context.Context, organizationID, role string) (string, error)
	UserRoles(ctx context.Context, organizationID, userID string) ([]string, error)
	HasPermission(ctx context.Context, organizationID, userID, resource, action string) (bool, error)
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Permission resources and actions checked by the engine.
const (
	ResourceWorkflow = "workflow"
	ResourceApproval = "approval"
	ActionBypass     = "bypass"
	ActionCancel     = "cancel"
	ActionAssign     = "assign"
	ActionAdmin      = "admin"
)
