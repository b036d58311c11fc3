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

// EscalationPolicy drives the stale-approval escalation sweep.
type EscalationPolicy struct {
	Enabled     bool
	After       time.Duration
	MaxLevel    int
	Roles       map[string]string // current role -> escalation role
	DefaultRole string
}

// TargetFor returns the escalation role for role, or "" when none applies.
func (p EscalationPolicy) TargetFor(role string) string {
	if target, ok := p.Roles[role]; ok && target != "" {
		return target
	}
	if p.DefaultRole != role {
		return p.DefaultRole
	}
	return ""
}

// EngineConfig holds ApprovalEngine tunables.
type EngineConfig struct {
	MinCommentLength int
	DefaultDueIn     time.Duration
	Escalation       EscalationPolicy

	// NotifyTimeout bounds one notification send; NotifyConcurrency bounds
	// the sends in flight. Zero values select the defaults.
	NotifyTimeout     time.Duration
	NotifyConcurrency int
}

// ApprovalEngine creates, routes and decides approval requests.
type ApprovalEngine struct {
	approvals ApprovalStore
	projects  ProjectStore
	graph     *StageGraph
	registry  *DelegationRegistry
	directory Directory
	notifier  *dispatcher
	metrics   *telemetry.Metrics
	cfg       EngineConfig
	now       func() time.Time
	log       *logger.Logger
}

// NewApprovalEngine creates an ApprovalEngine. notifier and metrics may be nil.
func NewApprovalEngine(
	approvals ApprovalStore,
	projects ProjectStore,
	graph *StageGraph,
	registry *DelegationRegistry,
	directory Directory,
	notifier Notifier,
	metrics *telemetry.Metrics,
	cfg EngineConfig,
	log *logger.Logger,
) *ApprovalEngine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if cfg.MinCommentLength < 1 {
		cfg.MinCommentLength = 1
	}
	return &ApprovalEngine{
		approvals: approvals,
		projects:  projects,
		graph:     graph,
		registry:  registry,
		directory: directory,
		notifier:  newDispatcher(notifier, cfg.NotifyTimeout, cfg.NotifyConcurrency, metrics, log),
		metrics:   metrics,
		cfg:       cfg,
		now:       time.Now,
		log:       log,
	}
}

// FlushNotifications waits for notification sends still in flight.
func (e *ApprovalEngine) FlushNotifications(ctx context.Context) error {
	return e.notifier.flush(ctx)
}

// WithClock overrides the time source. Used by tests.
func (e *ApprovalEngine) WithClock(now func() time.Time) *ApprovalEngine {
	e.now = now
	return e
}

// ── Creation ─────────────────────────────────────────────────────────────────

// CreateApprovalRequest is the input to CreateApproval.
type CreateApprovalRequest struct {
	OrganizationID  string
	ApprovalType    string
	Entity          repository.EntityRef
	Title           string
	Description     string
	ApproverID      *string
	ApproverRole    *string
	Priority        string
	DueDate         *time.Time
	RequestedBy     string
	RequestReason   *string
	RequestMetadata map[string]any
	StageID         *string
	StepNumber      int
	TotalSteps      int
}

func (r *CreateApprovalRequest) validate(now time.Time) (repository.ApprovalPriority, error) {
	if r.OrganizationID == "" {
		return "", errors.InvalidInput("organization_id", "is required")
	}
	if r.ApprovalType == "" {
		return "", errors.InvalidInput("approval_type", "is required")
	}
	if err := r.Entity.Validate(); err != nil {
		return "", errors.InvalidInput("entity", err.Error())
	}
	if r.RequestedBy == "" {
		return "", errors.InvalidInput("requested_by", "is required")
	}
	hasID := r.ApproverID != nil && *r.ApproverID != ""
	hasRole := r.ApproverRole != nil && *r.ApproverRole != ""
	if hasID == hasRole {
		return "", errors.InvalidInput("current_approver", "exactly one of approver id or approver role must be set")
	}
	if r.Entity.Kind == repository.EntityStageTransition && (r.StageID == nil || *r.StageID == "") {
		return "", errors.InvalidInput("stage_id", "is required for stage_transition approvals")
	}
	if r.DueDate != nil && !r.DueDate.After(now) {
		return "", errors.InvalidInput("due_date", "must be in the future")
	}
	if r.StepNumber < 0 || r.TotalSteps < 0 || (r.TotalSteps > 0 && r.StepNumber > r.TotalSteps) {
		return "", errors.InvalidInput("step_number", "must be between 1 and total_steps")
	}
	priority, err := repository.ParseApprovalPriority(r.Priority)
	if err != nil {
		return "", errors.InvalidInput("priority", err.Error())
	}
	return priority, nil
}

// CreateApproval stores a new approval. When an active auto-approval rule
// matches the request metadata the approval is created as auto_approved.
func (e *ApprovalEngine) CreateApproval(ctx context.Context, req *CreateApprovalRequest) (*repository.Approval, error) {
	now := e.now()
	priority, err := req.validate(now)
	if err != nil {
		return nil, err
	}

	a := &repository.Approval{
		OrganizationID:      req.OrganizationID,
		Entity:              req.Entity,
		ApprovalType:        req.ApprovalType,
		Title:               req.Title,
		Description:         req.Description,
		Status:              repository.ApprovalStatusPending,
		Priority:            priority,
		RequestedBy:         req.RequestedBy,
		CurrentApproverID:   nonEmpty(req.ApproverID),
		CurrentApproverRole: nonEmpty(req.ApproverRole),
		StepNumber:          max(req.StepNumber, 1),
		TotalSteps:          max(req.TotalSteps, 1),
		StageID:             req.StageID,
		DueDate:             req.DueDate,
		RequestReason:       req.RequestReason,
		RequestMetadata:     req.RequestMetadata,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if a.Title == "" {
		a.Title = fmt.Sprintf("%s approval for %s", req.ApprovalType, req.Entity)
	}
	if a.DueDate == nil && e.cfg.DefaultDueIn > 0 {
		due := now.Add(e.cfg.DefaultDueIn)
		a.DueDate = &due
	}

	rules, err := e.approvals.ListAutoApprovalRules(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	h := &repository.ApprovalHistory{
		NewStatus: repository.ApprovalStatusPending,
		ActorID:   &req.RequestedBy,
		Reason:    req.RequestReason,
		CreatedAt: now,
	}
	if rule := MatchAutoApprovalRule(rules, req.ApprovalType, req.Entity.Kind, req.RequestMetadata); rule != nil {
		reason := rule.Reason
		a.Status = repository.ApprovalStatusAutoApproved
		a.AutoApprovalReason = &reason
		a.DecidedAt = &now
		h.NewStatus = repository.ApprovalStatusAutoApproved
		h.Reason = &reason
		h.Metadata = map[string]any{"rule_id": rule.ID, "rule_name": rule.Name}
	}

	if err := e.approvals.CreateApproval(ctx, a, h); err != nil {
		return nil, err
	}
	e.metrics.ApprovalCreated(ctx, string(a.Status))

	e.log.Info().
		Str("approval_id", a.ID).
		Str("entity", a.Entity.String()).
		Str("status", string(a.Status)).
		Str("approver", a.ApproverLabel()).
		Msg("Approval created")

	if a.Status == repository.ApprovalStatusPending {
		e.notifyApprover(ctx, a, NotifyApprovalRequested,
			"Approval requested: "+a.Title,
			fmt.Sprintf("%s requested your approval for %s.", req.RequestedBy, a.Entity))
	}
	return a, nil
}

// ── Decisions ────────────────────────────────────────────────────────────────

// DecisionRequest is the input to SubmitDecision.
type DecisionRequest struct {
	ApprovalID string
	ActorID    string
	Decision   repository.Decision
	Comments   string
	Reason     *string
	Metadata   map[string]any
}

// SubmitDecision approves or rejects an approval on behalf of ActorID. A
// pending approval is moved through in_review first so both steps appear in
// its history.
func (e *ApprovalEngine) SubmitDecision(ctx context.Context, req *DecisionRequest) (_ *repository.Approval, err error) {
	ctx, span := telemetry.StartSpan(ctx, "workflow.submit_decision",
		attribute.String("approval_id", req.ApprovalID),
		attribute.String("decision", string(req.Decision)),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	target, ok := req.Decision.Status()
	if !ok {
		return nil, errors.InvalidInput("decision", "must be approved or rejected")
	}
	comments := strings.TrimSpace(req.Comments)
	if len([]rune(comments)) < e.cfg.MinCommentLength {
		return nil, errors.InvalidInput("comments", fmt.Sprintf("must be at least %d characters", e.cfg.MinCommentLength))
	}
	if req.ActorID == "" {
		return nil, errors.InvalidInput("actor_id", "is required")
	}

	a, err := e.loadActionable(ctx, req.ApprovalID)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeDecider(ctx, a, req.ActorID); err != nil {
		return nil, err
	}

	if a.Status == repository.ApprovalStatusPending {
		a, err = e.transition(ctx, a, repository.ApprovalStatusInReview, stepInput{
			actor:  req.ActorID,
			reason: "opened for decision",
		})
		if err != nil {
			return nil, err
		}
	}
	if a.Status != repository.ApprovalStatusInReview {
		return nil, errors.Conflict(fmt.Sprintf("approval %s is %s and cannot be decided", a.ID, a.Status))
	}

	now := e.now()
	decided, err := e.transition(ctx, a, target, stepInput{
		actor:    req.ActorID,
		comments: &comments,
		reasonP:  req.Reason,
		metadata: req.Metadata,
		mutate: func(next *repository.Approval) {
			next.DecidedBy = &req.ActorID
			next.DecidedAt = &now
			next.DecisionComments = &comments
			next.DecisionReason = req.Reason
		},
	})
	if err != nil {
		return nil, err
	}
	e.metrics.Decision(ctx, string(req.Decision))

	e.log.Info().
		Str("approval_id", decided.ID).
		Str("decided_by", req.ActorID).
		Str("decision", string(req.Decision)).
		Msg("Approval decided")

	e.notify(ctx, decided.RequestedBy, decided, NotifyApprovalDecided,
		fmt.Sprintf("Approval %s: %s", req.Decision, decided.Title),
		fmt.Sprintf("%s %s the request: %s", req.ActorID, req.Decision, comments))
	return decided, nil
}

// MarkInReview moves a pending approval to in_review for its approver.
func (e *ApprovalEngine) MarkInReview(ctx context.Context, approvalID, actorID string) (*repository.Approval, error) {
	a, err := e.loadActionable(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeDecider(ctx, a, actorID); err != nil {
		return nil, err
	}
	if a.Status != repository.ApprovalStatusPending {
		return nil, errors.Conflict(fmt.Sprintf("approval %s is %s, not pending", a.ID, a.Status))
	}
	return e.transition(ctx, a, repository.ApprovalStatusInReview, stepInput{actor: actorID, reason: "marked in review"})
}

// DelegateApproval hands an open approval to another user. The approval
// passes through delegated and is re-armed as pending for the delegate.
func (e *ApprovalEngine) DelegateApproval(ctx context.Context, approvalID, actorID, delegateTo string, reason *string) (*repository.Approval, error) {
	if delegateTo == "" {
		return nil, errors.InvalidInput("delegate_to", "is required")
	}
	a, err := e.loadActionable(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != repository.ApprovalStatusPending && a.Status != repository.ApprovalStatusInReview {
		return nil, errors.Conflict(fmt.Sprintf("approval %s is %s and cannot be delegated", a.ID, a.Status))
	}
	if err := e.authorizeDecider(ctx, a, actorID); err != nil {
		return nil, err
	}
	if delegateTo == actorID {
		return nil, errors.InvalidInput("delegate_to", "cannot delegate to yourself")
	}

	from := actorID
	delegated, err := e.transition(ctx, a, repository.ApprovalStatusDelegated, stepInput{
		actor:   actorID,
		reasonP: reason,
		mutate: func(next *repository.Approval) {
			next.DelegatedFrom = &from
			next.DelegatedTo = &delegateTo
		},
	})
	if err != nil {
		return nil, err
	}
	rearmed, err := e.transition(ctx, delegated, repository.ApprovalStatusPending, stepInput{
		actor:  actorID,
		reason: "re-armed for delegate " + delegateTo,
		mutate: func(next *repository.Approval) {
			next.CurrentApproverID = &delegateTo
			next.CurrentApproverRole = nil
		},
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("approval_id", a.ID).
		Str("delegated_from", from).
		Str("delegated_to", delegateTo).
		Msg("Approval delegated")
	e.notify(ctx, delegateTo, rearmed, NotifyApprovalDelegated,
		"Approval delegated to you: "+rearmed.Title,
		fmt.Sprintf("%s delegated this approval to you.", from))
	return rearmed, nil
}

// EscalateApproval moves a pending approval to targetRole, or to the
// configured escalation role when targetRole is empty.
func (e *ApprovalEngine) EscalateApproval(ctx context.Context, approvalID, actorID, targetRole string, reason *string) (*repository.Approval, error) {
	a, err := e.loadActionable(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if actorID != a.RequestedBy {
		if err := e.authorizeDecider(ctx, a, actorID); err != nil {
			return nil, err
		}
	}
	return e.escalate(ctx, a, &actorID, targetRole, reason, "manual")
}

func (e *ApprovalEngine) escalate(ctx context.Context, a *repository.Approval, actorID *string, targetRole string, reason *string, source string) (*repository.Approval, error) {
	if a.Status != repository.ApprovalStatusPending {
		return nil, errors.Conflict(fmt.Sprintf("approval %s is %s, only pending approvals escalate", a.ID, a.Status))
	}
	currentRole := ""
	if a.CurrentApproverRole != nil {
		currentRole = *a.CurrentApproverRole
	}
	if targetRole == "" {
		targetRole = e.cfg.Escalation.TargetFor(currentRole)
	}
	if targetRole == "" {
		return nil, errors.InvalidInput("target_role", "no escalation role configured")
	}
	if targetRole == currentRole {
		return nil, errors.InvalidInput("target_role", "approval is already routed to "+targetRole)
	}

	escalatedFrom := strings.TrimPrefix(strings.TrimPrefix(a.ApproverLabel(), "role:"), "user:")
	step := stepInput{
		actorP:  actorID,
		reasonP: reason,
		mutate: func(next *repository.Approval) {
			next.EscalatedFrom = &escalatedFrom
			next.EscalatedTo = &targetRole
			next.EscalationLevel++
		},
	}
	escalated, err := e.transition(ctx, a, repository.ApprovalStatusEscalated, step)
	if err != nil {
		return nil, err
	}
	rearmed, err := e.transition(ctx, escalated, repository.ApprovalStatusPending, stepInput{
		actorP: actorID,
		reason: "re-armed for role " + targetRole,
		mutate: func(next *repository.Approval) {
			next.CurrentApproverRole = &targetRole
			next.CurrentApproverID = nil
		},
	})
	if err != nil {
		return nil, err
	}
	e.metrics.Escalated(ctx, source)

	e.log.Info().
		Str("approval_id", a.ID).
		Str("escalated_from", escalatedFrom).
		Str("escalated_to", targetRole).
		Int("level", rearmed.EscalationLevel).
		Str("source", source).
		Msg("Approval escalated")
	e.notifyApprover(ctx, rearmed, NotifyApprovalEscalated,
		"Approval escalated: "+rearmed.Title,
		fmt.Sprintf("This approval was escalated from %s.", escalatedFrom))
	return rearmed, nil
}

// CancelApproval withdraws a pending approval. Only the requester or a holder
// of the approval cancel permission may cancel.
func (e *ApprovalEngine) CancelApproval(ctx context.Context, approvalID, actorID string, reason *string) (*repository.Approval, error) {
	a, err := e.loadActionable(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != repository.ApprovalStatusPending {
		return nil, errors.Conflict(fmt.Sprintf("approval %s is %s, only pending approvals can be cancelled", a.ID, a.Status))
	}
	if actorID != a.RequestedBy {
		ok, err := e.directory.HasPermission(ctx, a.OrganizationID, actorID, ResourceApproval, ActionCancel)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Forbidden("only the requester or a user with cancel permission can cancel")
		}
	}

	cancelled, err := e.transition(ctx, a, repository.ApprovalStatusCancelled, stepInput{actor: actorID, reasonP: reason})
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("approval_id", a.ID).Str("cancelled_by", actorID).Msg("Approval cancelled")
	e.notifyApprover(ctx, cancelled, NotifyApprovalCancelled,
		"Approval cancelled: "+cancelled.Title,
		fmt.Sprintf("%s withdrew this request.", actorID))
	return cancelled, nil
}

// RequirePermission fails with Forbidden unless actorID holds action on
// resource in organizationID.
func (e *ApprovalEngine) RequirePermission(ctx context.Context, organizationID, actorID, resource, action string) error {
	return requirePermission(ctx, e.directory, organizationID, actorID, resource, action)
}

// GetApproval returns one approval.
func (e *ApprovalEngine) GetApproval(ctx context.Context, approvalID string) (*repository.Approval, error) {
	return e.approvals.GetApproval(ctx, approvalID)
}

// ListHistory returns an approval's status history, oldest first.
func (e *ApprovalEngine) ListHistory(ctx context.Context, approvalID string) ([]*repository.ApprovalHistory, error) {
	if _, err := e.approvals.GetApproval(ctx, approvalID); err != nil {
		return nil, err
	}
	return e.approvals.ListHistory(ctx, approvalID)
}

// ── Internals ────────────────────────────────────────────────────────────────

// ResolveApprover returns the user currently entitled to decide a. On a
// delegation resolution failure the undelegated approver is used.
func (e *ApprovalEngine) ResolveApprover(ctx context.Context, a *repository.Approval) (string, error) {
	now := e.now()
	var (
		resolved string
		err      error
	)
	switch {
	case a.CurrentApproverID != nil:
		resolved, err = e.registry.ResolveUser(ctx, *a.CurrentApproverID, a.Entity.Kind, now)
	case a.CurrentApproverRole != nil:
		resolved, err = e.registry.ResolveEffectiveApprover(ctx, a.OrganizationID, *a.CurrentApproverRole, a.Entity.Kind, now)
	default:
		return "", nil
	}
	var resErr *DelegationResolutionError
	if errors.As(err, &resErr) {
		return resolved, nil
	}
	if errors.Is(err, errors.ErrCodeNotFound) {
		return "", nil
	}
	return resolved, err
}

// loadActionable fetches an approval and rejects terminal ones. An approval
// past its due date that the sweep has not reached yet is expired here, so
// no action lands after the deadline.
func (e *ApprovalEngine) loadActionable(ctx context.Context, approvalID string) (*repository.Approval, error) {
	a, err := e.approvals.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status.IsTerminal() {
		e.metrics.Stale(ctx)
		return nil, &StaleApprovalError{ApprovalID: a.ID, Status: a.Status}
	}
	if a.DueDate != nil && e.now().After(*a.DueDate) {
		if _, err := e.expire(ctx, a); err != nil {
			return nil, err
		}
		e.metrics.Expired(ctx, 1)
		e.metrics.Stale(ctx)
		return nil, &StaleApprovalError{ApprovalID: a.ID, Status: repository.ApprovalStatusExpired}
	}
	return a, nil
}

// expire moves an overdue approval to expired and tells the requester.
func (e *ApprovalEngine) expire(ctx context.Context, a *repository.Approval) (*repository.Approval, error) {
	expired, err := e.transition(ctx, a, repository.ApprovalStatusExpired, stepInput{reason: "due date passed"})
	if err != nil {
		return nil, err
	}
	e.notify(ctx, expired.RequestedBy, expired, NotifyApprovalExpired,
		"Approval expired: "+expired.Title,
		"The approval was not decided before its due date.")
	return expired, nil
}

func (e *ApprovalEngine) authorizeDecider(ctx context.Context, a *repository.Approval, actorID string) error {
	resolved, err := e.ResolveApprover(ctx, a)
	if err != nil {
		return err
	}
	if resolved != "" && resolved == actorID {
		return nil
	}
	ok, err := e.directory.HasPermission(ctx, a.OrganizationID, actorID, ResourceApproval, ActionBypass)
	if err != nil {
		return err
	}
	if ok {
		e.log.Warn().
			Str("approval_id", a.ID).
			Str("actor_id", actorID).
			Str("resolved_approver", resolved).
			Msg("Approver bypass used")
		return nil
	}
	return &UnauthorizedDeciderError{ApprovalID: a.ID, ActorID: actorID, ResolvedApprover: resolved}
}

type stepInput struct {
	actor    string
	actorP   *string
	comments *string
	reason   string
	reasonP  *string
	metadata map[string]any
	mutate   func(next *repository.Approval)
}

// transition compare-and-sets a onto status to and appends one history row.
// Losing the race yields StaleApprovalError when the winner made the approval
// terminal and a conflict otherwise.
func (e *ApprovalEngine) transition(ctx context.Context, a *repository.Approval, to repository.ApprovalStatus, in stepInput) (*repository.Approval, error) {
	if !a.Status.CanTransitionTo(to) {
		return nil, errors.Conflict(fmt.Sprintf("approval %s cannot move from %s to %s", a.ID, a.Status, to))
	}
	now := e.now()
	next := a.Clone()
	next.Status = to
	next.UpdatedAt = now
	if in.mutate != nil {
		in.mutate(next)
	}

	from := a.Status
	h := &repository.ApprovalHistory{
		ApprovalID: a.ID,
		OldStatus:  &from,
		NewStatus:  to,
		ActorID:    in.actorP,
		Comments:   in.comments,
		Reason:     in.reasonP,
		Metadata:   in.metadata,
		CreatedAt:  now,
	}
	if in.actor != "" {
		h.ActorID = &in.actor
	}
	if h.Reason == nil && in.reason != "" {
		h.Reason = &in.reason
	}

	if err := e.approvals.CompareAndSetStatus(ctx, next, from, h); err != nil {
		if stderrors.Is(err, repository.ErrStaleWrite) {
			return nil, e.lostRace(ctx, a.ID)
		}
		return nil, err
	}
	return next, nil
}

func (e *ApprovalEngine) lostRace(ctx context.Context, approvalID string) error {
	current, err := e.approvals.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		e.metrics.Stale(ctx)
		return &StaleApprovalError{ApprovalID: approvalID, Status: current.Status}
	}
	return errors.Conflict(fmt.Sprintf("approval %s was modified concurrently (now %s)", approvalID, current.Status))
}

func (e *ApprovalEngine) notifyApprover(ctx context.Context, a *repository.Approval, kind, subject, message string) {
	recipient, err := e.ResolveApprover(ctx, a)
	if err != nil {
		e.log.Warn().Err(err).Str("approval_id", a.ID).Msg("Could not resolve notification recipient")
		return
	}
	if recipient == "" {
		e.log.Warn().Str("approval_id", a.ID).Str("approver", a.ApproverLabel()).Msg("No current approver to notify")
		return
	}
	e.notify(ctx, recipient, a, kind, subject, message)
}

func (e *ApprovalEngine) notify(ctx context.Context, recipient string, a *repository.Approval, kind, subject, message string) {
	e.notifier.send(ctx, Notification{
		RecipientID:      recipient,
		ApprovalID:       a.ID,
		NotificationType: kind,
		Subject:          subject,
		Message:          message,
	})
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	v := *s
	return &v
}
