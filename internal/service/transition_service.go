package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
	"github.com/pesio-ai/be-mfg-workflow/internal/telemetry"
)

// TransitionService moves projects between stages and tracks sub-stage
// progress.
type TransitionService struct {
	graph     *StageGraph
	projects  ProjectStore
	validator *TransitionValidator
	engine    *ApprovalEngine
	recorder  *StageHistoryRecorder
	metrics   *telemetry.Metrics
	now       func() time.Time
	log       *logger.Logger
}

// NewTransitionService creates a TransitionService.
func NewTransitionService(
	graph *StageGraph,
	projects ProjectStore,
	validator *TransitionValidator,
	engine *ApprovalEngine,
	recorder *StageHistoryRecorder,
	metrics *telemetry.Metrics,
	log *logger.Logger,
) *TransitionService {
	return &TransitionService{
		graph:     graph,
		projects:  projects,
		validator: validator,
		engine:    engine,
		recorder:  recorder,
		metrics:   metrics,
		now:       time.Now,
		log:       log,
	}
}

// WithClock overrides the time source. Used by tests.
func (s *TransitionService) WithClock(now func() time.Time) *TransitionService {
	s.now = now
	return s
}

// TransitionRequest asks to move a project to TargetStageID.
type TransitionRequest struct {
	ProjectID         string
	TargetStageID     string
	ActorID           string
	Reason            *string
	EstimatedDuration *time.Duration
	BypassReason      *string
}

// TransitionResult is the outcome of a transition request. A blocked
// transition is reported with Success=false and a nil error.
type TransitionResult struct {
	Success    bool                `json:"success"`
	Message    string              `json:"message"`
	Project    *repository.Project `json:"project,omitempty"`
	BypassUsed bool                `json:"bypass_used"`
	Validation *ValidationResult   `json:"validation,omitempty"`
	Warnings   []string            `json:"warnings,omitempty"`
}

// TransitionStage validates and applies a stage transition. The stage
// pointer is compare-and-set against the stage read at validation time, so
// of two concurrent requests for the same project at most one succeeds.
func (s *TransitionService) TransitionStage(ctx context.Context, req *TransitionRequest) (_ *TransitionResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "workflow.transition_stage",
		attribute.String("project_id", req.ProjectID),
		attribute.String("target_stage_id", req.TargetStageID),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if req.ProjectID == "" {
		return nil, errors.InvalidInput("project_id", "is required")
	}
	if req.TargetStageID == "" {
		return nil, errors.InvalidInput("target_stage_id", "is required")
	}
	if req.ActorID == "" {
		return nil, errors.InvalidInput("actor_id", "is required")
	}
	if req.EstimatedDuration != nil && *req.EstimatedDuration < 0 {
		return nil, errors.InvalidInput("estimated_duration", "must not be negative")
	}

	project, err := s.projects.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.Status != repository.ProjectStatusActive {
		return nil, errors.InvalidInput("project", fmt.Sprintf("project is %s", project.Status))
	}

	validation, err := s.validator.Validate(ctx, project, req.TargetStageID, req.ActorID)
	if err != nil {
		return nil, err
	}
	if validation.IsNoop {
		return &TransitionResult{
			Success:    true,
			Message:    "project is already in the requested stage",
			Project:    project,
			Validation: validation,
		}, nil
	}

	bypassUsed := false
	if validation.Blocked() {
		switch {
		case !validation.RequiresBypass:
			return &TransitionResult{
				Message:    "transition blocked: " + strings.Join(validation.Errors, "; "),
				Validation: validation,
			}, nil
		case req.BypassReason == nil || strings.TrimSpace(*req.BypassReason) == "":
			return &TransitionResult{
				Message:    "transition blocked: a bypass reason is required",
				Validation: validation,
			}, nil
		}
		bypassUsed = true
	}

	target, err := s.graph.FindStage(ctx, project.OrganizationID, definitionOf(project), req.TargetStageID)
	if err != nil {
		return nil, err
	}
	subs, err := s.graph.ResolveSubStages(ctx, target.ID, definitionOf(project))
	if err != nil {
		return nil, err
	}
	subIDs := make([]string, len(subs))
	for i, sub := range subs {
		subIDs[i] = sub.ID
	}

	now := s.now()
	estimate := req.EstimatedDuration
	if estimate == nil && target.EstimatedDuration > 0 {
		d := target.EstimatedDuration
		estimate = &d
	}
	rec := &repository.StageTransitionRecord{
		ProjectID:         project.ID,
		FromStageID:       project.CurrentStageID,
		ToStageID:         target.ID,
		ActorID:           req.ActorID,
		Reason:            req.Reason,
		BypassUsed:        bypassUsed,
		EstimatedDuration: estimate,
		RecordedAt:        now,
	}
	if bypassUsed {
		reason := strings.TrimSpace(*req.BypassReason)
		rec.BypassReason = &reason
	}
	adv := &repository.StageAdvance{
		ProjectID:   project.ID,
		FromStageID: project.CurrentStageID,
		ToStageID:   target.ID,
		EnteredAt:   now,
		SubStageIDs: subIDs,
	}

	updated, warnings, err := s.recorder.Advance(ctx, adv, rec)
	if err != nil {
		if stderrors.Is(err, repository.ErrStaleWrite) {
			return nil, errors.Conflict("project stage changed concurrently; reload and retry")
		}
		return nil, err
	}
	s.metrics.Transition(ctx, bypassUsed)

	l := s.log.Info().
		Str("project_id", project.ID).
		Str("to_stage_id", target.ID).
		Str("actor_id", req.ActorID).
		Bool("bypass_used", bypassUsed)
	if project.CurrentStageID != nil {
		l = l.Str("from_stage_id", *project.CurrentStageID)
	}
	l.Msg("Stage transition applied")

	if project.CurrentStageID != nil {
		if _, err := s.engine.CancelStageApprovals(ctx, project, *project.CurrentStageID, req.ActorID, "project left the stage"); err != nil {
			s.log.Warn().Err(err).Str("project_id", project.ID).Str("stage_id", *project.CurrentStageID).Msg("Failed to withdraw stage approvals")
			warnings = append(warnings, fmt.Sprintf("open approvals of the previous stage were not withdrawn: %v", err))
		}
	}
	if _, err := s.engine.RequestStageApprovals(ctx, project.ID, target.ID, req.ActorID); err != nil {
		s.log.Warn().Err(err).Str("project_id", project.ID).Str("stage_id", target.ID).Msg("Failed to request stage approvals")
		warnings = append(warnings, fmt.Sprintf("approvals for stage %s were not requested: %v", target.Name, err))
	}
	warnings = append(append([]string{}, validation.Warnings...), warnings...)

	msg := fmt.Sprintf("project moved to stage %s", target.Name)
	if bypassUsed {
		msg += " (bypass)"
	}
	return &TransitionResult{
		Success:    true,
		Message:    msg,
		Project:    updated,
		BypassUsed: bypassUsed,
		Validation: validation,
		Warnings:   warnings,
	}, nil
}

// ValidateTransition runs the validator without applying anything.
func (s *TransitionService) ValidateTransition(ctx context.Context, projectID, targetStageID, actorID string) (*ValidationResult, error) {
	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.validator.Validate(ctx, project, targetStageID, actorID)
}

// NextStage is one entry of NextPossibleStages.
type NextStage struct {
	StageID   string `json:"stage_id"`
	Name      string `json:"name"`
	Order     int    `json:"order"`
	IsCurrent bool   `json:"is_current"`
}

// NextPossibleStages lists the project's stages ascending by order. The
// current stage is included as a no-op entry.
func (s *TransitionService) NextPossibleStages(ctx context.Context, projectID string) ([]NextStage, error) {
	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	stages, err := s.graph.ResolveStages(ctx, project.OrganizationID, definitionOf(project))
	if err != nil {
		return nil, err
	}
	out := make([]NextStage, 0, len(stages))
	for _, st := range stages {
		out = append(out, NextStage{
			StageID:   st.ID,
			Name:      st.Name,
			Order:     st.Order,
			IsCurrent: project.CurrentStageID != nil && *project.CurrentStageID == st.ID,
		})
	}
	return out, nil
}

// StageHistory returns the project's transition ledger.
func (s *TransitionService) StageHistory(ctx context.Context, projectID string) ([]*repository.StageTransitionRecord, error) {
	if _, err := s.projects.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.recorder.List(ctx, projectID)
}
