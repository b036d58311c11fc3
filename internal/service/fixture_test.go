package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository/memory"
	"github.com/pesio-ai/be-mfg-workflow/internal/telemetry"
)

var (
	_ StageStore      = (*memory.Store)(nil)
	_ ProjectStore    = (*memory.Store)(nil)
	_ ApprovalStore   = (*memory.Store)(nil)
	_ DelegationStore = (*memory.Store)(nil)
	_ HistoryStore    = (*memory.Store)(nil)
	_ Directory       = (*memory.Store)(nil)
	_ TemplateStore   = (*memory.Store)(nil)
	_ RuleStore       = (*memory.Store)(nil)
)

const testOrg = "org-1"

var day1 = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []Notification
	err   error
	flush func()
}

func (n *recordingNotifier) Notify(_ context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

// ofType waits for sends in flight and returns the delivered notifications
// of one kind.
func (n *recordingNotifier) ofType(kind string) []Notification {
	if n.flush != nil {
		n.flush()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, m := range n.sent {
		if m.NotificationType == kind {
			out = append(out, m)
		}
	}
	return out
}

type sliceSpool struct {
	mu      sync.Mutex
	records []*repository.StageTransitionRecord
	done    map[string]bool
}

func (s *sliceSpool) Append(_ context.Context, rec *repository.StageTransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	s.records = append(s.records, &c)
	return nil
}

func (s *sliceSpool) Pending(_ context.Context, limit int) ([]*repository.StageTransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.StageTransitionRecord
	for _, r := range s.records {
		if !s.done[r.ID] && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *sliceSpool) MarkDone(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = map[string]bool{}
	}
	s.done[id] = true
	return nil
}

type fixtureOptions struct {
	bestEffort bool
	engine     EngineConfig
	hopLimit   int
	notifier   Notifier
	metrics    *telemetry.Metrics
}

type fixture struct {
	t           *testing.T
	ctx         context.Context
	store       *memory.Store
	clock       *fakeClock
	notifier    *recordingNotifier
	spool       *sliceSpool
	graph       *StageGraph
	registry    *DelegationRegistry
	engine      *ApprovalEngine
	validator   *TransitionValidator
	recorder    *StageHistoryRecorder
	transitions *TransitionService
}

func newFixture(t *testing.T, opts ...func(*fixtureOptions)) *fixture {
	t.Helper()
	o := fixtureOptions{
		bestEffort: true,
		engine: EngineConfig{
			MinCommentLength:  3,
			DefaultDueIn:      72 * time.Hour,
			NotifyConcurrency: 1024,
			Escalation: EscalationPolicy{
				Enabled:     true,
				After:       48 * time.Hour,
				MaxLevel:    2,
				Roles:       map[string]string{"engineering": "engineering_lead", "engineering_lead": "operations_manager"},
				DefaultRole: "operations_manager",
			},
		},
	}
	for _, fn := range opts {
		fn(&o)
	}

	log := logger.Nop()
	store := memory.New()
	clock := &fakeClock{now: day1}
	notifier := &recordingNotifier{}
	spool := &sliceSpool{}

	graph := NewStageGraph(store, time.Minute, log).WithClock(clock.Now)
	registry := NewDelegationRegistry(store, store, o.hopLimit, log).WithClock(clock.Now)
	var sink Notifier = notifier
	if o.notifier != nil {
		sink = o.notifier
	}
	engine := NewApprovalEngine(store, store, graph, registry, store, sink, o.metrics, o.engine, log).WithClock(clock.Now)
	notifier.flush = func() { _ = engine.FlushNotifications(context.Background()) }
	validator := NewTransitionValidator(graph, store, store, engine, store, log)
	recorder := NewStageHistoryRecorder(store, store, spool, HistoryPolicy{BestEffort: o.bestEffort}, nil, log)
	transitions := NewTransitionService(graph, store, validator, engine, recorder, nil, log).WithClock(clock.Now)

	return &fixture{
		t:           t,
		ctx:         context.Background(),
		store:       store,
		clock:       clock,
		notifier:    notifier,
		spool:       spool,
		graph:       graph,
		registry:    registry,
		engine:      engine,
		validator:   validator,
		recorder:    recorder,
		transitions: transitions,
	}
}

func (f *fixture) addStage(id, name string, order int, roles ...string) *repository.WorkflowStage {
	f.t.Helper()
	st := &repository.WorkflowStage{
		ID:               id,
		OrganizationID:   testOrg,
		Name:             name,
		Order:            order,
		ResponsibleRoles: roles,
		IsActive:         true,
	}
	require.NoError(f.t, f.store.UpsertStage(f.ctx, st))
	return st
}

type subStageOpt func(*repository.WorkflowSubStage)

func required(s *repository.WorkflowSubStage)    { s.IsRequired = true }
func skippable(s *repository.WorkflowSubStage)   { s.CanSkip = true }
func autoAdvance(s *repository.WorkflowSubStage) { s.AutoAdvance = true }
func approvalRoles(roles ...string) subStageOpt {
	return func(s *repository.WorkflowSubStage) { s.ApprovalRoles = roles }
}

func (f *fixture) addSubStage(id, stageID, name string, order int, opts ...subStageOpt) *repository.WorkflowSubStage {
	f.t.Helper()
	sub := &repository.WorkflowSubStage{ID: id, StageID: stageID, Name: name, Order: order}
	for _, o := range opts {
		o(sub)
	}
	require.NoError(f.t, f.store.UpsertSubStage(f.ctx, sub))
	return sub
}

func (f *fixture) addProject(id string, currentStage *string) *repository.Project {
	p := &repository.Project{
		ID:             id,
		OrganizationID: testOrg,
		Name:           "Bracket " + id,
		Status:         repository.ProjectStatusActive,
		CurrentStageID: currentStage,
		CreatedAt:      f.clock.Now(),
		UpdatedAt:      f.clock.Now(),
	}
	if currentStage != nil {
		entered := f.clock.Now()
		p.StageEnteredAt = &entered
	}
	f.store.AddProject(p)
	return p
}

// enterStage puts a project into stageID through the normal transition path.
func (f *fixture) enterStage(projectID, stageID string) {
	f.t.Helper()
	res, err := f.transitions.TransitionStage(f.ctx, &TransitionRequest{
		ProjectID:     projectID,
		TargetStageID: stageID,
		ActorID:       "planner",
	})
	require.NoError(f.t, err)
	require.True(f.t, res.Success, res.Message)
}

func (f *fixture) roster(role, userID string, current bool) {
	f.store.AddRosterMember(repository.RosterMember{
		OrganizationID:    testOrg,
		Role:              role,
		UserID:            userID,
		IsCurrentApprover: current,
	})
}

func (f *fixture) createDirect(approverID string, due *time.Time) *repository.Approval {
	f.t.Helper()
	a, err := f.engine.CreateApproval(f.ctx, &CreateApprovalRequest{
		OrganizationID: testOrg,
		ApprovalType:   "document_release",
		Entity:         repository.EntityRef{Kind: repository.EntityDocument, ID: "doc-1"},
		ApproverID:     &approverID,
		RequestedBy:    "requester",
		DueDate:        due,
	})
	require.NoError(f.t, err)
	return a
}

func (f *fixture) createForRole(role string) *repository.Approval {
	f.t.Helper()
	a, err := f.engine.CreateApproval(f.ctx, &CreateApprovalRequest{
		OrganizationID: testOrg,
		ApprovalType:   "rfq_award",
		Entity:         repository.EntityRef{Kind: repository.EntityRFQ, ID: "rfq-1"},
		ApproverRole:   &role,
		RequestedBy:    "requester",
	})
	require.NoError(f.t, err)
	return a
}

func (f *fixture) decide(approvalID, actor string, d repository.Decision) (*repository.Approval, error) {
	return f.engine.SubmitDecision(f.ctx, &DecisionRequest{
		ApprovalID: approvalID,
		ActorID:    actor,
		Decision:   d,
		Comments:   "looks right to me",
	})
}

func (f *fixture) history(approvalID string) []repository.ApprovalStatus {
	f.t.Helper()
	rows, err := f.store.ListHistory(f.ctx, approvalID)
	require.NoError(f.t, err)
	out := make([]repository.ApprovalStatus, len(rows))
	for i, h := range rows {
		out[i] = h.NewStatus
	}
	return out
}

func ptr[T any](v T) *T { return &v }
