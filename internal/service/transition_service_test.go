package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository/memory"
)

func threeStages(f *fixture) {
	f.addStage("design", "Design", 1)
	f.addStage("review", "Review", 2)
	f.addStage("production", "Production", 3)
}

func (f *fixture) currentStage(projectID string) *string {
	f.t.Helper()
	p, err := f.store.GetProject(f.ctx, projectID)
	require.NoError(f.t, err)
	return p.CurrentStageID
}

func (f *fixture) transition(projectID, target, actor string, bypassReason *string) *TransitionResult {
	f.t.Helper()
	res, err := f.transitions.TransitionStage(f.ctx, &TransitionRequest{
		ProjectID:     projectID,
		TargetStageID: target,
		ActorID:       actor,
		BypassReason:  bypassReason,
	})
	require.NoError(f.t, err)
	return res
}

func TestTransitionStage_NoSubStagesNoApprovals(t *testing.T) {
	f := newFixture(t)
	threeStages(f)
	f.addProject("p-1", nil)

	res := f.transition("p-1", "design", "planner", nil)
	assert.True(t, res.Success)
	assert.False(t, res.BypassUsed)
	assert.Equal(t, "design", *res.Project.CurrentStageID)
	assert.Equal(t, day1, *res.Project.StageEnteredAt)

	res = f.transition("p-1", "review", "planner", nil)
	require.True(t, res.Success, res.Message)

	recs, err := f.transitions.StageHistory(f.ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Nil(t, recs[0].FromStageID)
	assert.Equal(t, "design", *recs[1].FromStageID)
	assert.Equal(t, "review", recs[1].ToStageID)
	assert.Equal(t, "planner", recs[1].ActorID)
}

func TestTransitionStage_InputValidation(t *testing.T) {
	f := newFixture(t)
	threeStages(f)
	f.addProject("p-1", nil)
	held := f.addProject("p-held", nil)
	held.Status = repository.ProjectStatusOnHold
	f.store.AddProject(held)

	tests := []struct {
		name string
		req  TransitionRequest
		code errors.Code
	}{
		{"missing project", TransitionRequest{TargetStageID: "design", ActorID: "planner"}, errors.ErrCodeInvalidInput},
		{"missing target", TransitionRequest{ProjectID: "p-1", ActorID: "planner"}, errors.ErrCodeInvalidInput},
		{"missing actor", TransitionRequest{ProjectID: "p-1", TargetStageID: "design"}, errors.ErrCodeInvalidInput},
		{"negative estimate", TransitionRequest{ProjectID: "p-1", TargetStageID: "design", ActorID: "planner", EstimatedDuration: ptr(-time.Hour)}, errors.ErrCodeInvalidInput},
		{"unknown project", TransitionRequest{ProjectID: "p-404", TargetStageID: "design", ActorID: "planner"}, errors.ErrCodeNotFound},
		{"unknown stage", TransitionRequest{ProjectID: "p-1", TargetStageID: "ghost", ActorID: "planner"}, errors.ErrCodeNotFound},
		{"project on hold", TransitionRequest{ProjectID: "p-held", TargetStageID: "design", ActorID: "planner"}, errors.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.transitions.TransitionStage(f.ctx, &tt.req)
			assert.True(t, errors.Is(err, tt.code), "got %v", err)
		})
	}
}

func TestTransitionStage_SameStageIsNoop(t *testing.T) {
	f := newFixture(t)
	threeStages(f)
	f.addProject("p-1", nil)
	f.enterStage("p-1", "design")

	res := f.transition("p-1", "design", "planner", nil)
	assert.True(t, res.Success)
	assert.True(t, res.Validation.IsNoop)

	recs, err := f.transitions.StageHistory(f.ctx, "p-1")
	require.NoError(t, err)
	assert.Len(t, recs, 1, "no-op writes no history")
}

func TestTransitionStage_RequiredSubStageBlocks(t *testing.T) {
	f := newFixture(t)
	threeStages(f)
	f.addSubStage("drawings", "design", "Drawings", 1, required)
	f.addSubStage("render", "design", "Render", 2)
	f.addProject("p-1", nil)
	f.enterStage("p-1", "design")

	res := f.transition("p-1", "review", "planner", nil)
	assert.False(t, res.Success)
	assert.False(t, res.Validation.RequiresBypass)
	assert.Contains(t, res.Validation.Errors, "required sub-stage Drawings is pending")
	assert.Equal(t, "design", *f.currentStage("p-1"))

	_, err := f.transitions.CompleteSubStage(f.ctx, "p-1", "drawings", "drafter", nil)
	require.NoError(t, err)

	res = f.transition("p-1", "review", "planner", nil)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, []string{"optional sub-stage Render is pending"}, res.Warnings)
}

func TestTransitionStage_BypassWithReason(t *testing.T) {
	f := newFixture(t)
	threeStages(f)
	f.addSubStage("drawings", "design", "Drawings", 1, required)
	f.addProject("p-1", nil)
	f.enterStage("p-1", "design")
	_, err := f.transitions.StartSubStage(f.ctx, "p-1", "drawings", "drafter")
	require.NoError(t, err)
	f.store.Grant(testOrg, "manager", ResourceWorkflow, ActionBypass)

	res := f.transition("p-1", "review", "manager", nil)
	assert.False(t, res.Success)
	assert.True(t, res.Validation.RequiresBypass)
	assert.Contains(t, res.Validation.Errors, "required sub-stage Drawings is in_progress")

	res = f.transition("p-1", "review", "manager", ptr("   "))
	assert.False(t, res.Success, "blank reason is not a reason")

	res = f.transition("p-1", "review", "manager", ptr("urgent customer deadline"))
	require.True(t, res.Success, res.Message)
	assert.True(t, res.BypassUsed)
	assert.Equal(t, "review", *res.Project.CurrentStageID)

	recs, err := f.transitions.StageHistory(f.ctx, "p-1")
	require.NoError(t, err)
	last := recs[len(recs)-1]
	assert.True(t, last.BypassUsed)
	assert.Equal(t, "urgent customer deadline", *last.BypassReason)
	assert.Equal(t, "manager", last.ActorID)
}

func TestTransitionStage_BypassIgnoredWithoutPermission(t *testing.T) {
	f := newFixture(t)
	threeStages(f)
	f.addSubStage("drawings", "design", "Drawings", 1, required)
	f.addProject("p-1", nil)
	f.enterStage("p-1", "design")

	res := f.transition("p-1", "review", "planner", ptr("urgent customer deadline"))
	assert.False(t, res.Success)
	assert.False(t, res.BypassUsed)
	assert.Equal(t, "design", *f.currentStage("p-1"))
}

func TestTransitionStage_RequestsTargetStageApprovals(t *testing.T) {
	f := newFixture(t)
	f.addStage("design", "Design", 1)
	f.addStage("review", "Review", 2, "engineering", "qa")
	f.addStage("production", "Production", 3)
	f.roster("engineering", "eng-1", true)
	f.roster("qa", "qa-1", true)
	f.addProject("p-1", nil)
	f.enterStage("p-1", "design")
	f.enterStage("p-1", "review")

	open, err := f.store.ListApprovals(f.ctx, repository.ApprovalFilter{
		OrganizationID: testOrg,
		StageIDs:       []string{"review"},
		Statuses:       []repository.ApprovalStatus{repository.ApprovalStatusPending},
	})
	require.NoError(t, err)
	require.Len(t, open, 2)

	res := f.transition("p-1", "production", "planner", nil)
	assert.False(t, res.Success)
	assert.True(t, res.Validation.RequiresApproval)
	assert.Len(t, res.Validation.Errors, 2)

	_, err = f.decide(open[0].ID, "eng-1", repository.DecisionApproved)
	require.NoError(t, err)
	_, err = f.decide(open[1].ID, "qa-1", repository.DecisionApproved)
	require.NoError(t, err)

	res = f.transition("p-1", "production", "planner", nil)
	require.True(t, res.Success, res.Message)
}

func TestTransitionStage_RejectedRoleBlocks(t *testing.T) {
	f := reviewFixture(t)
	created, err := f.engine.RequestStageApprovals(f.ctx, "p-1", "review", "planner")
	require.NoError(t, err)
	_, err = f.decide(created[0].ID, "eng-1", repository.DecisionApproved)
	require.NoError(t, err)
	_, err = f.decide(created[1].ID, "qa-1", repository.DecisionRejected)
	require.NoError(t, err)

	res := f.transition("p-1", "production", "planner", nil)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"required role qa rejected the current stage"}, res.Validation.Errors)
}

func TestTransitionStage_ExpiredStageApprovalsBlock(t *testing.T) {
	f := newFixture(t)
	f.addStage("design", "Design", 1)
	f.addStage("review", "Review", 2, "engineering", "qa")
	f.addStage("production", "Production", 3)
	f.roster("engineering", "eng-1", true)
	f.roster("qa", "qa-1", true)
	f.addProject("p-1", nil)
	f.enterStage("p-1", "design")
	f.enterStage("p-1", "review")

	f.clock.Advance(73 * time.Hour)
	n, err := f.engine.AutoExpireOverdueApprovals(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	summary, err := f.engine.StageApprovalStatus(f.ctx, "p-1", "review")
	require.NoError(t, err)
	assert.False(t, summary.IsComplete)

	res := f.transition("p-1", "production", "planner", nil)
	assert.False(t, res.Success)
	assert.False(t, res.BypassUsed)
	assert.True(t, res.Validation.RequiresApproval)
	assert.False(t, res.Validation.RequiresBypass)
	assert.ElementsMatch(t, []string{
		"required role engineering has not approved the current stage",
		"required role qa has not approved the current stage",
	}, res.Validation.Errors)
	assert.Equal(t, "review", *f.currentStage("p-1"))

	f.store.Grant(testOrg, "manager", ResourceWorkflow, ActionBypass)
	res = f.transition("p-1", "production", "manager", nil)
	assert.False(t, res.Success)
	assert.True(t, res.Validation.RequiresBypass)

	res = f.transition("p-1", "production", "manager", ptr("sign-off waived by customer"))
	require.True(t, res.Success, res.Message)
	assert.True(t, res.BypassUsed)
}

func TestTransitionStage_MissingStageApprovalsBlock(t *testing.T) {
	f := reviewFixture(t)

	res := f.transition("p-1", "production", "planner", nil)
	assert.False(t, res.Success)
	assert.Equal(t, []string{
		"required role engineering has not approved the current stage",
		"required role qa has not approved the current stage",
	}, res.Validation.Errors)

	v, err := f.transitions.ValidateTransition(f.ctx, "p-1", "production", "planner")
	require.NoError(t, err)
	assert.False(t, v.CanProceed)
}

func TestTransitionStage_BypassWithdrawsPendingStageApprovals(t *testing.T) {
	f := newFixture(t)
	f.addStage("design", "Design", 1)
	f.addStage("review", "Review", 2, "engineering", "qa")
	f.addStage("production", "Production", 3)
	f.roster("engineering", "eng-1", true)
	f.roster("qa", "qa-1", true)
	f.store.Grant(testOrg, "manager", ResourceWorkflow, ActionBypass)
	f.addProject("p-1", nil)
	f.enterStage("p-1", "design")
	f.enterStage("p-1", "review")

	created, err := f.store.ListApprovals(f.ctx, repository.ApprovalFilter{
		OrganizationID: testOrg,
		StageIDs:       []string{"review"},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	byRole := map[string]*repository.Approval{}
	for _, a := range created {
		byRole[requiredRoleOf(a)] = a
	}
	_, err = f.engine.MarkInReview(f.ctx, byRole["qa"].ID, "qa-1")
	require.NoError(t, err)

	res := f.transition("p-1", "production", "manager", ptr("line down, ship the fix"))
	require.True(t, res.Success, res.Message)

	eng, err := f.store.GetApproval(f.ctx, byRole["engineering"].ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalStatusCancelled, eng.Status)
	qa, err := f.store.GetApproval(f.ctx, byRole["qa"].ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalStatusInReview, qa.Status, "in-review approvals stay with their reviewer")

	inbox, err := f.engine.GetPendingApprovalsForUser(f.ctx, testOrg, "eng-1")
	require.NoError(t, err)
	assert.Empty(t, inbox)
	assert.Len(t, f.notifier.ofType(NotifyApprovalCancelled), 1)
}

func TestTransitionStage_BackwardAllowed(t *testing.T) {
	f := newFixture(t)
	threeStages(f)
	f.addProject("p-1", nil)
	f.enterStage("p-1", "review")

	res := f.transition("p-1", "design", "planner", nil)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "design", *res.Project.CurrentStageID)
}

func TestTransitionStage_EstimateDefaultsToStage(t *testing.T) {
	f := newFixture(t)
	st := f.addStage("design", "Design", 1)
	st.EstimatedDuration = 96 * time.Hour
	require.NoError(t, f.store.UpsertStage(f.ctx, st))
	f.addProject("p-1", nil)
	f.enterStage("p-1", "design")

	recs, err := f.transitions.StageHistory(f.ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].EstimatedDuration)
	assert.Equal(t, st.EstimatedDuration, *recs[0].EstimatedDuration)
}

// racingProjects lets a competing advance land between validation and the
// compare-and-set of the stage pointer.
type racingProjects struct {
	*memory.Store
	once      sync.Once
	competing *repository.StageAdvance
}

func (r *racingProjects) AdvanceStage(ctx context.Context, adv *repository.StageAdvance) (*repository.Project, error) {
	r.once.Do(func() { _, _ = r.Store.AdvanceStage(ctx, r.competing) })
	return r.Store.AdvanceStage(ctx, adv)
}

func TestTransitionStage_LostRaceIsConflict(t *testing.T) {
	f := newFixture(t)
	threeStages(f)
	f.addProject("p-1", nil)
	f.enterStage("p-1", "design")

	racer := &racingProjects{
		Store: f.store,
		competing: &repository.StageAdvance{
			ProjectID:   "p-1",
			FromStageID: ptr("design"),
			ToStageID:   "production",
			EnteredAt:   day1,
		},
	}
	log := logger.Nop()
	recorder := NewStageHistoryRecorder(f.store, racer, f.spool, HistoryPolicy{BestEffort: true}, nil, log)
	svc := NewTransitionService(f.graph, racer, f.validator, f.engine, recorder, nil, log).WithClock(f.clock.Now)

	_, err := svc.TransitionStage(f.ctx, &TransitionRequest{ProjectID: "p-1", TargetStageID: "review", ActorID: "planner"})
	assert.True(t, errors.Is(err, errors.ErrCodeConflict), "got %v", err)
	assert.Equal(t, "production", *f.currentStage("p-1"))
}

func TestTransitionStage_ConcurrentRequestsRecordOnce(t *testing.T) {
	f := newFixture(t)
	threeStages(f)
	f.addProject("p-1", nil)
	f.enterStage("p-1", "design")

	var wg sync.WaitGroup
	results := make([]*TransitionResult, 8)
	errs := make([]error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.transitions.TransitionStage(f.ctx, &TransitionRequest{
				ProjectID: "p-1", TargetStageID: "review", ActorID: "planner",
			})
		}()
	}
	wg.Wait()

	for i := range 8 {
		if errs[i] != nil {
			assert.True(t, errors.Is(errs[i], errors.ErrCodeConflict), "got %v", errs[i])
			continue
		}
		assert.True(t, results[i].Success)
	}
	recs, err := f.transitions.StageHistory(f.ctx, "p-1")
	require.NoError(t, err)
	assert.Len(t, recs, 2, "design entry plus exactly one review entry")
}

func TestTransitionStage_BestEffortHistorySpoolsAndReplays(t *testing.T) {
	f := newFixture(t)
	threeStages(f)
	f.addProject("p-1", nil)

	f.store.FailHistoryWrites(assert.AnError)
	res := f.transition("p-1", "design", "planner", nil)
	require.True(t, res.Success, res.Message)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "queued for replay")
	assert.Equal(t, "design", *f.currentStage("p-1"))

	recs, err := f.transitions.StageHistory(f.ctx, "p-1")
	require.NoError(t, err)
	assert.Empty(t, recs)
	require.Len(t, f.spool.records, 1)

	n, err := f.recorder.Replay(f.ctx)
	assert.Error(t, err, "store still failing")
	assert.Zero(t, n)

	f.store.FailHistoryWrites(nil)
	n, err = f.recorder.Replay(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recs, err = f.transitions.StageHistory(f.ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, f.spool.records[0].ID, recs[0].ID)

	n, err = f.recorder.Replay(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTransitionStage_StrictHistoryAborts(t *testing.T) {
	f := newFixture(t, func(o *fixtureOptions) { o.bestEffort = false })
	threeStages(f)
	f.addProject("p-1", nil)

	f.store.FailHistoryWrites(assert.AnError)
	_, err := f.transitions.TransitionStage(f.ctx, &TransitionRequest{ProjectID: "p-1", TargetStageID: "design", ActorID: "planner"})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Nil(t, f.currentStage("p-1"))
	assert.Empty(t, f.spool.records)

	f.store.FailHistoryWrites(nil)
	res := f.transition("p-1", "design", "planner", nil)
	require.True(t, res.Success)
	assert.Empty(t, res.Warnings)
	recs, err := f.transitions.StageHistory(f.ctx, "p-1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestNextPossibleStages(t *testing.T) {
	f := newFixture(t)
	threeStages(f)
	f.addProject("p-1", nil)
	f.enterStage("p-1", "review")

	next, err := f.transitions.NextPossibleStages(f.ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, NextStage{StageID: "design", Name: "Design", Order: 1}, next[0])
	assert.True(t, next[1].IsCurrent)
	assert.False(t, next[2].IsCurrent)
}

func TestValidateTransition_DoesNotApply(t *testing.T) {
	f := newFixture(t)
	threeStages(f)
	f.addProject("p-1", nil)
	f.enterStage("p-1", "design")

	v, err := f.transitions.ValidateTransition(f.ctx, "p-1", "production", "planner")
	require.NoError(t, err)
	assert.True(t, v.CanProceed)
	assert.Equal(t, "design", *f.currentStage("p-1"))
}

func TestGetPendingApprovalsForUser_Routes(t *testing.T) {
	f := newFixture(t)
	f.roster("engineering", "user-a", true)
	f.roster("qa", "user-c", true)
	f.store.SetDisplayName("requester", "Rita Requester")
	f.delegate("user-c", "user-a", "*", day(1), day(10))

	direct := f.createDirect("user-a", nil)
	byRole := f.createForRole("engineering")
	viaDelegator := f.createDirect("user-c", nil)
	viaDelegatorRole := f.createForRole("qa")
	other := f.createDirect("user-z", nil)

	items, err := f.engine.GetPendingApprovalsForUser(f.ctx, testOrg, "user-a")
	require.NoError(t, err)

	routes := map[string]string{}
	for _, it := range items {
		routes[it.ApprovalID] = it.RoutedVia
		assert.Equal(t, "Rita Requester", it.RequestedByName)
	}
	assert.Equal(t, map[string]string{
		direct.ID:           "direct",
		byRole.ID:           "role",
		viaDelegator.ID:     "delegation",
		viaDelegatorRole.ID: "delegation",
	}, routes)
	assert.NotContains(t, routes, other.ID)

	mine, err := f.engine.GetPendingApprovalsForUser(f.ctx, testOrg, "user-c")
	require.NoError(t, err)
	assert.Empty(t, mine, "approvals follow the delegation out of the delegator's inbox")
}

func TestGetPendingApprovalsForUser_RoleNeedsDecider(t *testing.T) {
	f := newFixture(t)
	f.roster("engineering", "eng-1", true)
	f.roster("engineering", "eng-2", false)
	a := f.createForRole("engineering")

	items, err := f.engine.GetPendingApprovalsForUser(f.ctx, testOrg, "eng-2")
	require.NoError(t, err)
	assert.Empty(t, items, "not the current approver of the role")

	_, err = f.decide(a.ID, "eng-2", repository.DecisionApproved)
	var unauthorized *UnauthorizedDeciderError
	require.ErrorAs(t, err, &unauthorized)

	f.store.Grant(testOrg, "eng-2", ResourceApproval, ActionBypass)
	items, err = f.engine.GetPendingApprovalsForUser(f.ctx, testOrg, "eng-2")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, a.ID, items[0].ApprovalID)
	assert.Equal(t, "role", items[0].RoutedVia)

	items, err = f.engine.GetPendingApprovalsForUser(f.ctx, testOrg, "eng-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestGetPendingApprovalsForUser_Ordering(t *testing.T) {
	f := newFixture(t)
	mk := func(priority string, dueInDays int) string {
		req := &CreateApprovalRequest{
			OrganizationID: testOrg,
			ApprovalType:   "document_release",
			Entity:         repository.EntityRef{Kind: repository.EntityDocument, ID: "doc-1"},
			ApproverID:     ptr("user-a"),
			RequestedBy:    "requester",
			Priority:       priority,
			DueDate:        ptr(day(1 + dueInDays)),
		}
		a, err := f.engine.CreateApproval(f.ctx, req)
		require.NoError(t, err)
		return a.ID
	}
	lowSoon := mk("low", 1)
	urgentLate := mk("urgent", 9)
	urgentSoon := mk("urgent", 2)
	normal := mk("normal", 3)

	f.clock.Set(day(5))
	items, err := f.engine.GetPendingApprovalsForUser(f.ctx, testOrg, "user-a")
	require.NoError(t, err)

	got := make([]string, len(items))
	for i, it := range items {
		got[i] = it.ApprovalID
	}
	assert.Equal(t, []string{urgentSoon, urgentLate, normal, lowSoon}, got)
	assert.Equal(t, 2, items[0].DaysOverdue)
	assert.Zero(t, items[1].DaysOverdue)
}
