package service

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
)

// StageCompletion reports which required sub-stages still block a stage.
type StageCompletion struct {
	ProjectID  string   `json:"project_id"`
	StageID    string   `json:"stage_id"`
	Required   []string `json:"required"`
	Done       []string `json:"done"`
	Missing    []string `json:"missing"`
	IsComplete bool     `json:"is_complete"`
}

// StageCompletion evaluates the required sub-stages of stageID for a project.
func (s *TransitionService) StageCompletion(ctx context.Context, projectID, stageID string) (*StageCompletion, error) {
	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	subs, err := s.graph.ResolveSubStages(ctx, stageID, definitionOf(project))
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(subs))
	for i, sub := range subs {
		ids[i] = sub.ID
	}
	progress, err := s.projects.ListProgress(ctx, project.ID, ids)
	if err != nil {
		return nil, err
	}
	status := make(map[string]repository.ProgressStatus, len(progress))
	for _, p := range progress {
		status[p.SubStageID] = p.Status
	}

	out := &StageCompletion{ProjectID: project.ID, StageID: stageID, Required: []string{}, Done: []string{}, Missing: []string{}}
	for _, sub := range subs {
		if !sub.IsRequired {
			continue
		}
		out.Required = append(out.Required, sub.ID)
		if status[sub.ID].IsDone() {
			out.Done = append(out.Done, sub.ID)
		} else {
			out.Missing = append(out.Missing, sub.ID)
		}
	}
	out.IsComplete = len(out.Missing) == 0
	return out, nil
}

// StartSubStage moves a pending sub-stage of the project's current stage to
// in_progress, assigning it to the actor when unassigned.
func (s *TransitionService) StartSubStage(ctx context.Context, projectID, subStageID, actorID string) (*repository.SubStageProgress, error) {
	_, p, err := s.currentSubStage(ctx, projectID, subStageID)
	if err != nil {
		return nil, err
	}
	if p.Status != repository.ProgressPending {
		return nil, errors.Conflict(fmt.Sprintf("sub-stage is %s, not pending", p.Status))
	}
	now := s.now()
	next := *p
	next.Status = repository.ProgressInProgress
	next.StartedAt = &now
	next.UpdatedAt = now
	if next.AssignedTo == nil && actorID != "" {
		next.AssignedTo = &actorID
	}
	return s.saveProgress(ctx, &next, p.Status)
}

// CompleteSubStage marks a sub-stage completed. When the sub-stage is
// auto_advance, the next pending sub-stage of the stage is started.
func (s *TransitionService) CompleteSubStage(ctx context.Context, projectID, subStageID, actorID string, notes *string) (*repository.SubStageProgress, error) {
	sub, p, err := s.currentSubStage(ctx, projectID, subStageID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsDone() {
		return nil, errors.Conflict(fmt.Sprintf("sub-stage is already %s", p.Status))
	}
	now := s.now()
	next := *p
	next.Status = repository.ProgressCompleted
	next.CompletedAt = &now
	next.UpdatedAt = now
	if next.StartedAt == nil {
		next.StartedAt = &now
	}
	if notes != nil {
		next.Notes = notes
	}
	done, err := s.saveProgress(ctx, &next, p.Status)
	if err != nil {
		return nil, err
	}

	if sub.AutoAdvance {
		s.advanceAfter(ctx, projectID, sub, actorID)
	}
	return done, nil
}

// SkipSubStage marks a skippable sub-stage as skipped.
func (s *TransitionService) SkipSubStage(ctx context.Context, projectID, subStageID, actorID string, reason *string) (*repository.SubStageProgress, error) {
	sub, p, err := s.currentSubStage(ctx, projectID, subStageID)
	if err != nil {
		return nil, err
	}
	if !sub.CanSkip {
		return nil, errors.InvalidInput("sub_stage_id", fmt.Sprintf("sub-stage %s cannot be skipped", sub.Name))
	}
	if p.Status.IsDone() {
		return nil, errors.Conflict(fmt.Sprintf("sub-stage is already %s", p.Status))
	}
	now := s.now()
	next := *p
	next.Status = repository.ProgressSkipped
	next.CompletedAt = &now
	next.UpdatedAt = now
	if reason != nil {
		next.Notes = reason
	}
	skipped, err := s.saveProgress(ctx, &next, p.Status)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("project_id", projectID).Str("sub_stage_id", subStageID).Str("actor_id", actorID).Msg("Sub-stage skipped")

	if sub.AutoAdvance {
		s.advanceAfter(ctx, projectID, sub, actorID)
	}
	return skipped, nil
}

// AssignSubStage sets the assignee of an open sub-stage. The actor needs the
// workflow assign permission.
func (s *TransitionService) AssignSubStage(ctx context.Context, projectID, subStageID, actorID, assigneeID string) (*repository.SubStageProgress, error) {
	if assigneeID == "" {
		return nil, errors.InvalidInput("assigned_to", "is required")
	}
	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := requirePermission(ctx, s.validator.directory, project.OrganizationID, actorID, ResourceWorkflow, ActionAssign); err != nil {
		return nil, err
	}
	_, p, err := s.currentSubStage(ctx, projectID, subStageID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsDone() {
		return nil, errors.Conflict(fmt.Sprintf("sub-stage is already %s", p.Status))
	}
	next := *p
	next.AssignedTo = &assigneeID
	next.UpdatedAt = s.now()
	return s.saveProgress(ctx, &next, p.Status)
}

// advanceAfter starts the first pending sub-stage ordered after sub. Failure
// is logged; the completion that triggered it stands.
func (s *TransitionService) advanceAfter(ctx context.Context, projectID string, sub *repository.WorkflowSubStage, actorID string) {
	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		s.log.Warn().Err(err).Str("project_id", projectID).Msg("Auto-advance skipped")
		return
	}
	subs, err := s.graph.ResolveSubStages(ctx, sub.StageID, definitionOf(project))
	if err != nil {
		s.log.Warn().Err(err).Str("project_id", projectID).Msg("Auto-advance skipped")
		return
	}
	passed := false
	for _, candidate := range subs {
		if candidate.ID == sub.ID {
			passed = true
			continue
		}
		if !passed {
			continue
		}
		p, err := s.projects.GetProgress(ctx, projectID, candidate.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("project_id", projectID).Str("sub_stage_id", candidate.ID).Msg("Auto-advance skipped")
			return
		}
		if p.Status != repository.ProgressPending {
			continue
		}
		if _, err := s.StartSubStage(ctx, projectID, candidate.ID, actorID); err != nil {
			s.log.Warn().Err(err).Str("project_id", projectID).Str("sub_stage_id", candidate.ID).Msg("Auto-advance failed")
			return
		}
		s.log.Info().Str("project_id", projectID).Str("sub_stage_id", candidate.ID).Msg("Sub-stage auto-advanced")
		return
	}
}

// currentSubStage loads a sub-stage of the project's current stage with its
// progress row.
func (s *TransitionService) currentSubStage(ctx context.Context, projectID, subStageID string) (*repository.WorkflowSubStage, *repository.SubStageProgress, error) {
	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	if project.CurrentStageID == nil {
		return nil, nil, errors.InvalidInput("project", "project has not entered a stage")
	}
	subs, err := s.graph.ResolveSubStages(ctx, *project.CurrentStageID, definitionOf(project))
	if err != nil {
		return nil, nil, err
	}
	var sub *repository.WorkflowSubStage
	for i := range subs {
		if subs[i].ID == subStageID {
			sub = &subs[i]
			break
		}
	}
	if sub == nil {
		return nil, nil, errors.InvalidInput("sub_stage_id", "sub-stage is not part of the current stage")
	}
	p, err := s.projects.GetProgress(ctx, projectID, subStageID)
	if err != nil {
		return nil, nil, err
	}
	return sub, p, nil
}

func (s *TransitionService) saveProgress(ctx context.Context, next *repository.SubStageProgress, expected repository.ProgressStatus) (*repository.SubStageProgress, error) {
	if err := s.projects.UpdateProgress(ctx, next, expected); err != nil {
		if stderrors.Is(err, repository.ErrStaleWrite) {
			return nil, errors.Conflict("sub-stage progress changed concurrently")
		}
		return nil, err
	}
	return next, nil
}
