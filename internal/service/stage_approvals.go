package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
)

// Stage approval approval_type and the metadata key carrying the required
// role, which survives escalation changing the routed role.
const (
	StageTransitionApprovalType = "stage_transition"
	metaRequiredRole            = "required_role"
	metaProjectID               = "project_id"
)

// Overall stage approval states.
const (
	StageApprovalApproved = "approved"
	StageApprovalRejected = "rejected"
	StageApprovalPending  = "pending"
)

// StageApprovalSummary is the per-role approval state of a project stage.
type StageApprovalSummary struct {
	ProjectID  string   `json:"project_id"`
	StageID    string   `json:"stage_id"`
	Required   []string `json:"required"`
	Approved   []string `json:"approved"`
	Rejected   []string `json:"rejected"`
	Pending    []string `json:"pending"`
	IsComplete bool     `json:"is_complete"`
	Status     string   `json:"status"`
}

// RequiredRoles lists the roles that must approve leaving stageID: the
// stage's responsible roles followed by sub-stage approval roles, without
// duplicates.
func (e *ApprovalEngine) RequiredRoles(ctx context.Context, project *repository.Project, stageID string) ([]string, error) {
	defID := definitionOf(project)
	stage, err := e.graph.FindStage(ctx, project.OrganizationID, defID, stageID)
	if err != nil {
		return nil, err
	}
	subs, err := e.graph.ResolveSubStages(ctx, stageID, defID)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var roles []string
	add := func(rs []string) {
		for _, r := range rs {
			if r != "" && !seen[r] {
				seen[r] = true
				roles = append(roles, r)
			}
		}
	}
	add(stage.ResponsibleRoles)
	for _, s := range subs {
		add(s.ApprovalRoles)
	}
	return roles, nil
}

// RequestStageApprovals creates one stage_transition approval per required
// role of the stage, numbered as steps 1..n. Roles that already have an open
// or granted approval are skipped.
func (e *ApprovalEngine) RequestStageApprovals(ctx context.Context, projectID, stageID, requestedBy string) ([]*repository.Approval, error) {
	project, err := e.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	stage, err := e.graph.FindStage(ctx, project.OrganizationID, definitionOf(project), stageID)
	if err != nil {
		return nil, err
	}
	roles, err := e.RequiredRoles(ctx, project, stageID)
	if err != nil {
		return nil, err
	}
	latest, err := e.latestStageApprovals(ctx, project, stageID)
	if err != nil {
		return nil, err
	}

	created := make([]*repository.Approval, 0, len(roles))
	for i, role := range roles {
		if prev, ok := latest[role]; ok && (!prev.Status.IsTerminal() || prev.Status.IsSatisfied()) {
			continue
		}
		sid := stage.ID
		a, err := e.CreateApproval(ctx, &CreateApprovalRequest{
			OrganizationID: project.OrganizationID,
			ApprovalType:   StageTransitionApprovalType,
			Entity:         repository.EntityRef{Kind: repository.EntityStageTransition, ID: project.ID},
			Title:          fmt.Sprintf("%s: approve stage %s (%s)", project.Name, stage.Name, role),
			Description:    fmt.Sprintf("Sign-off from %s is required for stage %s.", role, stage.Name),
			ApproverRole:   &role,
			RequestedBy:    requestedBy,
			StageID:        &sid,
			StepNumber:     i + 1,
			TotalSteps:     len(roles),
			RequestMetadata: map[string]any{
				metaRequiredRole: role,
				metaProjectID:    project.ID,
				"stage_name":     stage.Name,
			},
		})
		if err != nil {
			return created, err
		}
		created = append(created, a)
	}

	if len(created) > 0 {
		e.log.Info().
			Str("project_id", project.ID).
			Str("stage_id", stageID).
			Int("requested", len(created)).
			Msg("Stage approvals requested")
	}
	return created, nil
}

// StageApprovalStatus classifies each required role by its latest approval.
// Expired, cancelled and missing approvals count as pending.
func (e *ApprovalEngine) StageApprovalStatus(ctx context.Context, projectID, stageID string) (*StageApprovalSummary, error) {
	project, err := e.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return e.stageApprovalStatus(ctx, project, stageID)
}

func (e *ApprovalEngine) stageApprovalStatus(ctx context.Context, project *repository.Project, stageID string) (*StageApprovalSummary, error) {
	roles, err := e.RequiredRoles(ctx, project, stageID)
	if err != nil {
		return nil, err
	}
	latest, err := e.latestStageApprovals(ctx, project, stageID)
	if err != nil {
		return nil, err
	}

	sum := &StageApprovalSummary{
		ProjectID: project.ID,
		StageID:   stageID,
		Required:  roles,
		Approved:  []string{},
		Rejected:  []string{},
		Pending:   []string{},
	}
	if sum.Required == nil {
		sum.Required = []string{}
	}
	for _, role := range roles {
		a, ok := latest[role]
		switch {
		case ok && a.Status.IsSatisfied():
			sum.Approved = append(sum.Approved, role)
		case ok && a.Status == repository.ApprovalStatusRejected:
			sum.Rejected = append(sum.Rejected, role)
		default:
			sum.Pending = append(sum.Pending, role)
		}
	}

	sum.IsComplete = len(sum.Approved) == len(roles)
	switch {
	case len(sum.Rejected) > 0:
		sum.Status = StageApprovalRejected
	case sum.IsComplete:
		sum.Status = StageApprovalApproved
	default:
		sum.Status = StageApprovalPending
	}
	return sum, nil
}

// latestStageApprovals maps each required role to its most recent approval
// for the project stage.
func (e *ApprovalEngine) latestStageApprovals(ctx context.Context, project *repository.Project, stageID string) (map[string]*repository.Approval, error) {
	all, err := e.approvals.ListApprovals(ctx, repository.ApprovalFilter{
		OrganizationID: project.OrganizationID,
		Entity:         &repository.EntityRef{Kind: repository.EntityStageTransition, ID: project.ID},
		StageIDs:       []string{stageID},
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	latest := make(map[string]*repository.Approval, len(all))
	for _, a := range all {
		if role := requiredRoleOf(a); role != "" {
			latest[role] = a
		}
	}
	return latest, nil
}

func requiredRoleOf(a *repository.Approval) string {
	if v, ok := a.RequestMetadata[metaRequiredRole].(string); ok && v != "" {
		return v
	}
	if a.CurrentApproverRole != nil {
		return *a.CurrentApproverRole
	}
	return ""
}

func definitionOf(p *repository.Project) string {
	if p.WorkflowDefinitionID == nil {
		return ""
	}
	return *p.WorkflowDefinitionID
}

// CancelStageApprovals withdraws the pending approvals of a stage the
// project has left. Approvals already in review stay with their approver
// until decided or expired.
func (e *ApprovalEngine) CancelStageApprovals(ctx context.Context, project *repository.Project, stageID, actorID, reason string) (int, error) {
	open, err := e.approvals.ListApprovals(ctx, repository.ApprovalFilter{
		OrganizationID: project.OrganizationID,
		Entity:         &repository.EntityRef{Kind: repository.EntityStageTransition, ID: project.ID},
		StageIDs:       []string{stageID},
		Statuses:       []repository.ApprovalStatus{repository.ApprovalStatusPending},
	})
	if err != nil {
		return 0, err
	}

	var (
		count int
		errs  []error
	)
	for _, a := range open {
		cancelled, err := e.transition(ctx, a, repository.ApprovalStatusCancelled, stepInput{actor: actorID, reason: reason})
		if err != nil {
			if isLostRace(err) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		count++
		e.notifyApprover(ctx, cancelled, NotifyApprovalCancelled,
			"Approval cancelled: "+cancelled.Title,
			fmt.Sprintf("%s moved the project out of the stage before this approval was decided.", actorID))
	}
	if count > 0 {
		e.log.Info().
			Str("project_id", project.ID).
			Str("stage_id", stageID).
			Int("cancelled", count).
			Msg("Stage approvals withdrawn")
	}
	return count, stderrors.Join(errs...)
}
