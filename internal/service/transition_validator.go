package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
)

// ValidationResult describes whether a project may move to a target stage.
type ValidationResult struct {
	CanProceed       bool     `json:"can_proceed"`
	RequiresApproval bool     `json:"requires_approval"`
	RequiresBypass   bool     `json:"requires_bypass"`
	IsNoop           bool     `json:"is_noop"`
	Errors           []string `json:"errors"`
	Warnings         []string `json:"warnings"`
}

// Blocked reports whether any blocking condition was found.
func (r *ValidationResult) Blocked() bool { return len(r.Errors) > 0 }

// TransitionValidator decides whether a stage transition is permitted.
type TransitionValidator struct {
	graph     *StageGraph
	projects  ProjectStore
	approvals ApprovalStore
	engine    *ApprovalEngine
	directory Directory
	log       *logger.Logger
}

// NewTransitionValidator creates a TransitionValidator.
func NewTransitionValidator(graph *StageGraph, projects ProjectStore, approvals ApprovalStore, engine *ApprovalEngine, directory Directory, log *logger.Logger) *TransitionValidator {
	return &TransitionValidator{
		graph:     graph,
		projects:  projects,
		approvals: approvals,
		engine:    engine,
		directory: directory,
		log:       log,
	}
}

// Validate checks sub-stage completion of the current stage, that every
// required role approved it, and outstanding stage approvals for the current
// and target stages. When blocked and the
// actor holds the workflow bypass permission, RequiresBypass is set; the
// caller must then supply a bypass reason to proceed.
func (v *TransitionValidator) Validate(ctx context.Context, project *repository.Project, targetStageID, actorID string) (*ValidationResult, error) {
	res := &ValidationResult{Errors: []string{}, Warnings: []string{}}
	defID := definitionOf(project)

	target, err := v.graph.FindStage(ctx, project.OrganizationID, defID, targetStageID)
	if err != nil {
		return nil, err
	}

	if project.CurrentStageID != nil && *project.CurrentStageID == target.ID {
		res.CanProceed = true
		res.IsNoop = true
		res.Warnings = append(res.Warnings, fmt.Sprintf("project is already in stage %s", target.Name))
		return res, nil
	}

	stageIDs := []string{target.ID}
	var unmet []string
	if project.CurrentStageID != nil {
		current := *project.CurrentStageID
		stageIDs = append(stageIDs, current)

		if err := v.checkSubStages(ctx, project, current, defID, res); err != nil {
			return nil, err
		}
		summary, err := v.engine.stageApprovalStatus(ctx, project, current)
		if err != nil {
			return nil, err
		}
		for _, role := range summary.Rejected {
			res.RequiresApproval = true
			res.Errors = append(res.Errors, fmt.Sprintf("required role %s rejected the current stage", role))
		}
		unmet = summary.Pending
	}

	open, err := v.approvals.ListApprovals(ctx, repository.ApprovalFilter{
		OrganizationID: project.OrganizationID,
		Entity:         &repository.EntityRef{Kind: repository.EntityStageTransition, ID: project.ID},
		StageIDs:       stageIDs,
		Statuses:       repository.NonTerminalApprovalStatuses,
	})
	if err != nil {
		return nil, err
	}
	awaiting := map[string]bool{}
	for _, a := range open {
		res.RequiresApproval = true
		res.Errors = append(res.Errors, fmt.Sprintf("approval %q is still %s (%s)", a.Title, a.Status, a.ApproverLabel()))
		if project.CurrentStageID != nil && a.StageID != nil && *a.StageID == *project.CurrentStageID {
			awaiting[requiredRoleOf(a)] = true
		}
	}
	// Expired, cancelled and never-requested role approvals block like
	// rejections; open ones were reported above.
	for _, role := range unmet {
		if awaiting[role] {
			continue
		}
		res.RequiresApproval = true
		res.Errors = append(res.Errors, fmt.Sprintf("required role %s has not approved the current stage", role))
	}

	if !res.Blocked() {
		res.CanProceed = true
		return res, nil
	}

	ok, err := v.directory.HasPermission(ctx, project.OrganizationID, actorID, ResourceWorkflow, ActionBypass)
	if err != nil {
		return nil, err
	}
	if ok {
		res.RequiresBypass = true
		res.Warnings = append(res.Warnings, "transition is blocked; a bypass reason is required to proceed")
	}
	return res, nil
}

func (v *TransitionValidator) checkSubStages(ctx context.Context, project *repository.Project, stageID, defID string, res *ValidationResult) error {
	subs, err := v.graph.ResolveSubStages(ctx, stageID, defID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}
	ids := make([]string, len(subs))
	for i, s := range subs {
		ids[i] = s.ID
	}
	progress, err := v.projects.ListProgress(ctx, project.ID, ids)
	if err != nil {
		return err
	}
	status := make(map[string]repository.ProgressStatus, len(progress))
	for _, p := range progress {
		status[p.SubStageID] = p.Status
	}

	for _, s := range subs {
		st, ok := status[s.ID]
		if !ok {
			st = repository.ProgressPending
		}
		if st.IsDone() {
			continue
		}
		if s.IsRequired {
			res.Errors = append(res.Errors, fmt.Sprintf("required sub-stage %s is %s", s.Name, st))
		} else {
			res.Warnings = append(res.Warnings, fmt.Sprintf("optional sub-stage %s is %s", s.Name, st))
		}
	}
	return nil
}
