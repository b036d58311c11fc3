package handler

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
	"github.com/pesio-ai/be-mfg-workflow/internal/service"
)

// Identity headers. Authentication happens upstream; the gateway forwards
// the caller's id and organization.
const (
	HeaderUserID         = "X-User-ID"
	HeaderOrganizationID = "X-Organization-ID"
)

// HTTPHandler serves the workflow REST API.
type HTTPHandler struct {
	engine      *service.ApprovalEngine
	delegations *service.DelegationRegistry
	transitions *service.TransitionService
	catalog     *service.StageCatalog
	log         *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(engine *service.ApprovalEngine, delegations *service.DelegationRegistry, transitions *service.TransitionService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine:      engine,
		delegations: delegations,
		transitions: transitions,
		log:         log.Component("http"),
	}
}

// WithCatalog enables the stage template and workflow definition routes.
func (h *HTTPHandler) WithCatalog(catalog *service.StageCatalog) *HTTPHandler {
	h.catalog = catalog
	return h
}

// Register mounts every route on e.
func (h *HTTPHandler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)

	api := e.Group("/api/v1")

	api.POST("/approvals", h.CreateApproval)
	api.POST("/approvals/expire", h.ExpireOverdue)
	api.POST("/approvals/escalate", h.EscalateStale)
	api.GET("/approvals/:id", h.GetApproval)
	api.GET("/approvals/:id/history", h.GetApprovalHistory)
	api.POST("/approvals/:id/decision", h.SubmitDecision)
	api.POST("/approvals/:id/review", h.MarkInReview)
	api.POST("/approvals/:id/delegate", h.DelegateApproval)
	api.POST("/approvals/:id/escalate", h.EscalateApproval)
	api.POST("/approvals/:id/cancel", h.CancelApproval)
	api.GET("/users/:id/pending-approvals", h.PendingApprovals)

	api.POST("/delegations", h.CreateDelegation)
	api.DELETE("/delegations/:id", h.RevokeDelegation)

	api.POST("/projects/:id/transition", h.TransitionStage)
	api.GET("/projects/:id/transition/validate", h.ValidateTransition)
	api.GET("/projects/:id/next-stages", h.NextStages)
	api.GET("/projects/:id/history", h.StageHistory)
	api.GET("/projects/:id/stages/:stage_id/approval-status", h.StageApprovalStatus)
	api.GET("/projects/:id/stages/:stage_id/completion", h.StageCompletion)
	api.POST("/projects/:id/substages/:sub_stage_id/start", h.StartSubStage)
	api.POST("/projects/:id/substages/:sub_stage_id/complete", h.CompleteSubStage)
	api.POST("/projects/:id/substages/:sub_stage_id/skip", h.SkipSubStage)
	api.POST("/projects/:id/substages/:sub_stage_id/assign", h.AssignSubStage)

	if h.catalog != nil {
		api.POST("/stage-templates", h.ImportStageTemplate)
		api.POST("/workflow-definitions", h.CreateDefinition)
		api.PUT("/workflow-definitions/:id/overrides", h.PutOverride)
	}
}

// Health reports liveness.
func (h *HTTPHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ── Approvals ────────────────────────────────────────────────────────────────

type createApprovalBody struct {
	OrganizationID  string         `json:"organization_id"`
	ApprovalType    string         `json:"approval_type"`
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	ApproverID      *string        `json:"approver_id"`
	ApproverRole    *string        `json:"approver_role"`
	Priority        string         `json:"priority"`
	DueDate         *time.Time     `json:"due_date"`
	RequestReason   *string        `json:"request_reason"`
	RequestMetadata map[string]any `json:"request_metadata"`
	StageID         *string        `json:"stage_id"`
	StepNumber      int            `json:"step_number"`
	TotalSteps      int            `json:"total_steps"`
}

// CreateApproval handles POST /approvals.
func (h *HTTPHandler) CreateApproval(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var body createApprovalBody
	if err := c.Bind(&body); err != nil {
		return badRequest(err)
	}
	org := body.OrganizationID
	if org == "" {
		org = c.Request().Header.Get(HeaderOrganizationID)
	}

	a, err := h.engine.CreateApproval(c.Request().Context(), &service.CreateApprovalRequest{
		OrganizationID:  org,
		ApprovalType:    body.ApprovalType,
		Entity:          repository.EntityRef{Kind: repository.EntityKind(body.EntityType), ID: body.EntityID},
		Title:           body.Title,
		Description:     body.Description,
		ApproverID:      body.ApproverID,
		ApproverRole:    body.ApproverRole,
		Priority:        body.Priority,
		DueDate:         body.DueDate,
		RequestedBy:     actor,
		RequestReason:   body.RequestReason,
		RequestMetadata: body.RequestMetadata,
		StageID:         body.StageID,
		StepNumber:      body.StepNumber,
		TotalSteps:      body.TotalSteps,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

// GetApproval handles GET /approvals/:id.
func (h *HTTPHandler) GetApproval(c echo.Context) error {
	a, err := h.engine.GetApproval(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

// GetApprovalHistory handles GET /approvals/:id/history.
func (h *HTTPHandler) GetApprovalHistory(c echo.Context) error {
	history, err := h.engine.ListHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"history": history})
}

type decisionBody struct {
	Decision string         `json:"decision"`
	Comments string         `json:"comments"`
	Reason   *string        `json:"reason"`
	Metadata map[string]any `json:"metadata"`
}

// SubmitDecision handles POST /approvals/:id/decision.
func (h *HTTPHandler) SubmitDecision(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var body decisionBody
	if err := c.Bind(&body); err != nil {
		return badRequest(err)
	}

	a, err := h.engine.SubmitDecision(c.Request().Context(), &service.DecisionRequest{
		ApprovalID: c.Param("id"),
		ActorID:    actor,
		Decision:   repository.Decision(strings.ToLower(body.Decision)),
		Comments:   body.Comments,
		Reason:     body.Reason,
		Metadata:   body.Metadata,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "approval": a})
}

// MarkInReview handles POST /approvals/:id/review.
func (h *HTTPHandler) MarkInReview(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	a, err := h.engine.MarkInReview(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

type routeBody struct {
	DelegateTo string  `json:"delegate_to"`
	TargetRole string  `json:"target_role"`
	Reason     *string `json:"reason"`
}

// DelegateApproval handles POST /approvals/:id/delegate.
func (h *HTTPHandler) DelegateApproval(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var body routeBody
	if err := c.Bind(&body); err != nil {
		return badRequest(err)
	}
	a, err := h.engine.DelegateApproval(c.Request().Context(), c.Param("id"), actor, body.DelegateTo, body.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

// EscalateApproval handles POST /approvals/:id/escalate.
func (h *HTTPHandler) EscalateApproval(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var body routeBody
	if err := c.Bind(&body); err != nil {
		return badRequest(err)
	}
	a, err := h.engine.EscalateApproval(c.Request().Context(), c.Param("id"), actor, body.TargetRole, body.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

// CancelApproval handles POST /approvals/:id/cancel.
func (h *HTTPHandler) CancelApproval(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var body routeBody
	if err := c.Bind(&body); err != nil {
		return badRequest(err)
	}
	a, err := h.engine.CancelApproval(c.Request().Context(), c.Param("id"), actor, body.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

// ExpireOverdue handles POST /approvals/expire for external schedulers. The
// caller needs the workflow admin permission.
func (h *HTTPHandler) ExpireOverdue(c echo.Context) error {
	if err := h.requireAdmin(c); err != nil {
		return err
	}
	n, err := h.engine.AutoExpireOverdueApprovals(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"expired": n})
}

// EscalateStale handles POST /approvals/escalate for external schedulers.
func (h *HTTPHandler) EscalateStale(c echo.Context) error {
	if err := h.requireAdmin(c); err != nil {
		return err
	}
	n, err := h.engine.EscalateStaleApprovals(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"escalated": n})
}

// PendingApprovals handles GET /users/:id/pending-approvals. Users read
// their own inbox; anyone else needs the workflow admin permission.
func (h *HTTPHandler) PendingApprovals(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	org := c.QueryParam("organization_id")
	if org == "" {
		org = c.Request().Header.Get(HeaderOrganizationID)
	}
	items, err := h.engine.PendingApprovalsFor(c.Request().Context(), org, actor, c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	if items == nil {
		items = []*service.PendingApproval{}
	}
	return c.JSON(http.StatusOK, map[string]any{"approvals": items, "total": len(items)})
}

// ── Delegations ──────────────────────────────────────────────────────────────

type delegationBody struct {
	OrganizationID  string    `json:"organization_id"`
	DelegateID      string    `json:"delegate_id"`
	EntityTypeScope string    `json:"entity_type_scope"`
	StartDate       time.Time `json:"start_date"`
	EndDate         time.Time `json:"end_date"`
	Reason          *string   `json:"reason"`
}

// CreateDelegation handles POST /delegations. The caller is the delegator.
func (h *HTTPHandler) CreateDelegation(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var body delegationBody
	if err := c.Bind(&body); err != nil {
		return badRequest(err)
	}
	org := body.OrganizationID
	if org == "" {
		org = c.Request().Header.Get(HeaderOrganizationID)
	}
	d, err := h.delegations.CreateDelegation(c.Request().Context(), &service.CreateDelegationRequest{
		OrganizationID:  org,
		DelegatorID:     actor,
		DelegateID:      body.DelegateID,
		EntityTypeScope: body.EntityTypeScope,
		StartDate:       body.StartDate,
		EndDate:         body.EndDate,
		Reason:          body.Reason,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, d)
}

// RevokeDelegation handles DELETE /delegations/:id.
func (h *HTTPHandler) RevokeDelegation(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	if err := h.delegations.RevokeDelegation(c.Request().Context(), c.Param("id"), actor); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ── Projects ─────────────────────────────────────────────────────────────────

type transitionBody struct {
	TargetStageID     string  `json:"target_stage_id"`
	Reason            *string `json:"reason"`
	EstimatedDuration string  `json:"estimated_duration"` // Go duration, e.g. "72h"
	BypassReason      *string `json:"bypass_reason"`
}

// TransitionStage handles POST /projects/:id/transition. A blocked transition
// answers 422 with the validation result.
func (h *HTTPHandler) TransitionStage(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var body transitionBody
	if err := c.Bind(&body); err != nil {
		return badRequest(err)
	}
	req := &service.TransitionRequest{
		ProjectID:     c.Param("id"),
		TargetStageID: body.TargetStageID,
		ActorID:       actor,
		Reason:        body.Reason,
		BypassReason:  body.BypassReason,
	}
	if body.EstimatedDuration != "" {
		d, err := time.ParseDuration(body.EstimatedDuration)
		if err != nil || d <= 0 {
			return h.fail(c, errors.InvalidInput("estimated_duration", "must be a positive duration such as 72h"))
		}
		req.EstimatedDuration = &d
	}

	result, err := h.transitions.TransitionStage(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	if !result.Success {
		return c.JSON(http.StatusUnprocessableEntity, result)
	}
	return c.JSON(http.StatusOK, result)
}

// ValidateTransition handles GET /projects/:id/transition/validate and
// reports what a transition to ?target_stage_id would need without applying it.
func (h *HTTPHandler) ValidateTransition(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	result, err := h.transitions.ValidateTransition(c.Request().Context(), c.Param("id"), c.QueryParam("target_stage_id"), actor)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// NextStages handles GET /projects/:id/next-stages.
func (h *HTTPHandler) NextStages(c echo.Context) error {
	stages, err := h.transitions.NextPossibleStages(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"stages": stages})
}

// StageHistory handles GET /projects/:id/history.
func (h *HTTPHandler) StageHistory(c echo.Context) error {
	history, err := h.transitions.StageHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"history": history})
}

// StageApprovalStatus handles GET /projects/:id/stages/:stage_id/approval-status.
func (h *HTTPHandler) StageApprovalStatus(c echo.Context) error {
	summary, err := h.engine.StageApprovalStatus(c.Request().Context(), c.Param("id"), c.Param("stage_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// StageCompletion handles GET /projects/:id/stages/:stage_id/completion.
func (h *HTTPHandler) StageCompletion(c echo.Context) error {
	report, err := h.transitions.StageCompletion(c.Request().Context(), c.Param("id"), c.Param("stage_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

type subStageBody struct {
	Notes      *string `json:"notes"`
	Reason     *string `json:"reason"`
	AssigneeID string  `json:"assignee_id"`
}

// StartSubStage handles POST /projects/:id/substages/:sub_stage_id/start.
func (h *HTTPHandler) StartSubStage(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	p, err := h.transitions.StartSubStage(c.Request().Context(), c.Param("id"), c.Param("sub_stage_id"), actor)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// CompleteSubStage handles POST /projects/:id/substages/:sub_stage_id/complete.
func (h *HTTPHandler) CompleteSubStage(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var body subStageBody
	if err := c.Bind(&body); err != nil {
		return badRequest(err)
	}
	p, err := h.transitions.CompleteSubStage(c.Request().Context(), c.Param("id"), c.Param("sub_stage_id"), actor, body.Notes)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// SkipSubStage handles POST /projects/:id/substages/:sub_stage_id/skip.
func (h *HTTPHandler) SkipSubStage(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var body subStageBody
	if err := c.Bind(&body); err != nil {
		return badRequest(err)
	}
	p, err := h.transitions.SkipSubStage(c.Request().Context(), c.Param("id"), c.Param("sub_stage_id"), actor, body.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// AssignSubStage handles POST /projects/:id/substages/:sub_stage_id/assign.
func (h *HTTPHandler) AssignSubStage(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var body subStageBody
	if err := c.Bind(&body); err != nil {
		return badRequest(err)
	}
	p, err := h.transitions.AssignSubStage(c.Request().Context(), c.Param("id"), c.Param("sub_stage_id"), actor, body.AssigneeID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// ── Stage catalog ────────────────────────────────────────────────────────────

const maxTemplateBytes = 1 << 20

// ImportStageTemplate upserts the TOML stage template in the request body.
func (h *HTTPHandler) ImportStageTemplate(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	tpl, err := service.LoadStageTemplate(io.LimitReader(c.Request().Body, maxTemplateBytes))
	if err != nil {
		return h.fail(c, errors.InvalidInput("template", err.Error()))
	}
	n, err := h.catalog.ImportTemplate(c.Request().Context(), actor, tpl)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"rows": n})
}

type definitionBody struct {
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Version        int    `json:"version"`
	IsDefault      bool   `json:"is_default"`
}

// CreateDefinition stores a new, active workflow definition.
func (h *HTTPHandler) CreateDefinition(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var body definitionBody
	if err := c.Bind(&body); err != nil {
		return badRequest(err)
	}
	def := &repository.WorkflowDefinition{
		OrganizationID: body.OrganizationID,
		Name:           body.Name,
		Version:        body.Version,
		IsDefault:      body.IsDefault,
		IsActive:       true,
	}
	if err := h.catalog.CreateDefinition(c.Request().Context(), actor, def); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, def)
}

type overrideBody struct {
	StageID           string   `json:"stage_id"`
	SubStageID        *string  `json:"sub_stage_id"`
	IsIncluded        bool     `json:"is_included"`
	Order             *int     `json:"order"`
	ResponsibleRoles  []string `json:"responsible_roles"`
	EstimatedDuration string   `json:"estimated_duration"`
}

// PutOverride inserts or replaces one override of a workflow definition.
func (h *HTTPHandler) PutOverride(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var body overrideBody
	if err := c.Bind(&body); err != nil {
		return badRequest(err)
	}
	o := &repository.StageOverride{
		DefinitionID:     c.Param("id"),
		StageID:          body.StageID,
		SubStageID:       body.SubStageID,
		IsIncluded:       body.IsIncluded,
		Order:            body.Order,
		ResponsibleRoles: body.ResponsibleRoles,
	}
	if body.EstimatedDuration != "" {
		d, err := time.ParseDuration(body.EstimatedDuration)
		if err != nil {
			return h.fail(c, errors.InvalidInput("estimated_duration", "must be a duration such as 72h"))
		}
		o.EstimatedDuration = &d
	}
	if err := h.catalog.PutOverride(c.Request().Context(), actor, o); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

// ── helpers ──────────────────────────────────────────────────────────────────

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

func (h *HTTPHandler) requireAdmin(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	org := c.Request().Header.Get(HeaderOrganizationID)
	if err := h.engine.RequirePermission(c.Request().Context(), org, actor, service.ResourceWorkflow, service.ActionAdmin); err != nil {
		return h.fail(c, err)
	}
	return nil
}

func actorID(c echo.Context) (string, error) {
	id := strings.TrimSpace(c.Request().Header.Get(HeaderUserID))
	if id == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, errorBody{
			Code:    errors.ErrCodeUnauthorized,
			Message: HeaderUserID + " header is required",
		})
	}
	return id, nil
}

func badRequest(err error) error {
	return echo.NewHTTPError(http.StatusBadRequest, errorBody{
		Code:    errors.ErrCodeInvalidInput,
		Message: "invalid request body: " + err.Error(),
	})
}

// fail maps a service error onto an HTTP error response. Internal errors are
// logged and their detail withheld.
func (h *HTTPHandler) fail(c echo.Context, err error) error {
	code := errors.CodeOf(err)
	status := httpStatus(code)
	body := errorBody{Code: code, Message: err.Error()}
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Field = appErr.Field
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Msg("Request failed")
		if code == errors.ErrCodeInternal {
			body.Message = "internal error"
		}
	}
	return echo.NewHTTPError(status, body)
}

func httpStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeUnauthorized, errors.ErrCodeForbidden:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
