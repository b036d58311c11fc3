package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
)

func designWithSubStages(t *testing.T) *fixture {
	f := newFixture(t)
	f.addStage("design", "Design", 1)
	f.addStage("review", "Review", 2)
	f.addSubStage("drawings", "design", "Drawings", 1, required, autoAdvance)
	f.addSubStage("bom", "design", "Bill of materials", 2, required)
	f.addSubStage("render", "design", "Render", 3, skippable)
	f.addSubStage("checklist", "review", "Checklist", 1, required)
	f.addProject("p-1", nil)
	f.enterStage("p-1", "design")
	return f
}

func (f *fixture) progress(subStageID string) *repository.SubStageProgress {
	f.t.Helper()
	p, err := f.store.GetProgress(f.ctx, "p-1", subStageID)
	require.NoError(f.t, err)
	return p
}

func TestEnterStageCreatesPendingProgress(t *testing.T) {
	f := designWithSubStages(t)
	for _, id := range []string{"drawings", "bom", "render"} {
		assert.Equal(t, repository.ProgressPending, f.progress(id).Status)
	}
	_, err := f.store.GetProgress(f.ctx, "p-1", "checklist")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound), "rows appear when the stage is entered")
}

func TestStartSubStage(t *testing.T) {
	f := designWithSubStages(t)
	f.clock.Advance(time.Hour)

	p, err := f.transitions.StartSubStage(f.ctx, "p-1", "bom", "buyer")
	require.NoError(t, err)
	assert.Equal(t, repository.ProgressInProgress, p.Status)
	assert.Equal(t, "buyer", *p.AssignedTo)
	assert.Equal(t, day1.Add(time.Hour), *p.StartedAt)

	_, err = f.transitions.StartSubStage(f.ctx, "p-1", "bom", "buyer")
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))

	_, err = f.transitions.StartSubStage(f.ctx, "p-1", "checklist", "buyer")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "not part of the current stage")
}

func TestCompleteSubStage_AutoAdvanceStartsNext(t *testing.T) {
	f := designWithSubStages(t)

	done, err := f.transitions.CompleteSubStage(f.ctx, "p-1", "drawings", "drafter", ptr("rev B released"))
	require.NoError(t, err)
	assert.Equal(t, repository.ProgressCompleted, done.Status)
	assert.Equal(t, "rev B released", *done.Notes)
	require.NotNil(t, done.StartedAt)

	next := f.progress("bom")
	assert.Equal(t, repository.ProgressInProgress, next.Status)
	assert.Equal(t, "drafter", *next.AssignedTo)
	assert.Equal(t, repository.ProgressPending, f.progress("render").Status)

	_, err = f.transitions.CompleteSubStage(f.ctx, "p-1", "drawings", "drafter", nil)
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))
}

func TestCompleteSubStage_NoAutoAdvance(t *testing.T) {
	f := designWithSubStages(t)
	_, err := f.transitions.CompleteSubStage(f.ctx, "p-1", "bom", "buyer", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.ProgressPending, f.progress("render").Status)
}

func TestSkipSubStage(t *testing.T) {
	f := designWithSubStages(t)

	_, err := f.transitions.SkipSubStage(f.ctx, "p-1", "bom", "buyer", nil)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "bom cannot be skipped")

	p, err := f.transitions.SkipSubStage(f.ctx, "p-1", "render", "buyer", ptr("customer supplied renders"))
	require.NoError(t, err)
	assert.Equal(t, repository.ProgressSkipped, p.Status)
	assert.True(t, p.Status.IsDone())
}

func TestAssignSubStage(t *testing.T) {
	f := designWithSubStages(t)

	f.store.Grant(testOrg, "lead", ResourceWorkflow, ActionAssign)

	_, err := f.transitions.AssignSubStage(f.ctx, "p-1", "bom", "lead", "")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = f.transitions.AssignSubStage(f.ctx, "p-1", "bom", "buyer", "buyer-2")
	assert.True(t, errors.Is(err, errors.ErrCodeForbidden), "got %v", err)

	p, err := f.transitions.AssignSubStage(f.ctx, "p-1", "bom", "lead", "buyer-2")
	require.NoError(t, err)
	assert.Equal(t, "buyer-2", *p.AssignedTo)
	assert.Equal(t, repository.ProgressPending, p.Status)

	started, err := f.transitions.StartSubStage(f.ctx, "p-1", "bom", "someone-else")
	require.NoError(t, err)
	assert.Equal(t, "buyer-2", *started.AssignedTo, "existing assignee is kept")
}

func TestStageCompletion(t *testing.T) {
	f := designWithSubStages(t)

	c, err := f.transitions.StageCompletion(f.ctx, "p-1", "design")
	require.NoError(t, err)
	assert.Equal(t, []string{"drawings", "bom"}, c.Required)
	assert.Equal(t, []string{"drawings", "bom"}, c.Missing)
	assert.False(t, c.IsComplete)

	_, err = f.transitions.CompleteSubStage(f.ctx, "p-1", "drawings", "drafter", nil)
	require.NoError(t, err)
	_, err = f.transitions.CompleteSubStage(f.ctx, "p-1", "bom", "buyer", nil)
	require.NoError(t, err)

	c, err = f.transitions.StageCompletion(f.ctx, "p-1", "design")
	require.NoError(t, err)
	assert.Equal(t, []string{"drawings", "bom"}, c.Done)
	assert.Empty(t, c.Missing)
	assert.True(t, c.IsComplete)

	res := f.transition("p-1", "review", "planner", nil)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, []string{"optional sub-stage Render is pending"}, res.Warnings)
}

func TestSubStageOnProjectWithoutStage(t *testing.T) {
	f := newFixture(t)
	f.addStage("design", "Design", 1)
	f.addProject("p-2", nil)

	_, err := f.transitions.StartSubStage(f.ctx, "p-2", "drawings", "drafter")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}
