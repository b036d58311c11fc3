package repository

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/database"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository/migrations"
)

func startPostgres(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("workflow"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	db := database.FromPool(pool)
	applied, err := db.Migrate(ctx, migrations.FS)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.sql"}, applied)

	again, err := db.Migrate(ctx, migrations.FS)
	require.NoError(t, err)
	assert.Empty(t, again, "migrations are recorded")
	return db
}

func TestPostgresRepositories(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	now := time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

	stages := NewStageRepository(db)
	projects := NewProjectRepository(db)
	approvals := NewApprovalRepository(db)
	delegations := NewDelegationRepository(db)
	transitions := NewTransitionRepository(db)
	directory := NewDirectoryRepository(db)

	design := &WorkflowStage{ID: "design", OrganizationID: "org-1", Name: "Design", Order: 1,
		ResponsibleRoles: []string{"engineer"}, EstimatedDuration: 72 * time.Hour, IsActive: true, UpdatedAt: now}
	review := &WorkflowStage{ID: "review", OrganizationID: "org-1", Name: "Review", Order: 2,
		ResponsibleRoles: []string{"quality"}, IsActive: true, UpdatedAt: now}
	require.NoError(t, stages.UpsertStage(ctx, design))
	require.NoError(t, stages.UpsertStage(ctx, review))
	require.NoError(t, stages.UpsertSubStage(ctx, &WorkflowSubStage{
		ID: "drawings", StageID: "design", Name: "Drawings", Order: 1, IsRequired: true, UpdatedAt: now,
	}))
	require.NoError(t, stages.UpsertSubStage(ctx, &WorkflowSubStage{
		ID: "bom", StageID: "design", Name: "BOM", Order: 2, CanSkip: true, UpdatedAt: now,
	}))

	t.Run("stage templates", func(t *testing.T) {
		list, err := stages.ListStages(ctx, "org-1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "design", list[0].ID)
		assert.Equal(t, 72*time.Hour, list[0].EstimatedDuration)
		assert.Equal(t, []string{"engineer"}, list[0].ResponsibleRoles)
		assert.Zero(t, list[1].EstimatedDuration)

		subs, err := stages.ListSubStages(ctx, "design")
		require.NoError(t, err)
		require.Len(t, subs, 2)
		assert.Equal(t, "drawings", subs[0].ID)
		assert.True(t, subs[1].CanSkip)

		dup := &WorkflowStage{ID: "other", OrganizationID: "org-1", Name: "Other", Order: 1, IsActive: true, UpdatedAt: now}
		assert.True(t, errors.Is(stages.UpsertStage(ctx, dup), errors.ErrCodeConflict))

		_, err = stages.GetStage(ctx, "missing")
		assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
	})

	t.Run("definitions and overrides", func(t *testing.T) {
		none, err := stages.GetDefaultDefinition(ctx, "org-1")
		require.NoError(t, err)
		assert.Nil(t, none)

		def := &WorkflowDefinition{OrganizationID: "org-1", Name: "fast", IsDefault: true, IsActive: true}
		require.NoError(t, stages.CreateDefinition(ctx, def))
		order := 5
		require.NoError(t, stages.PutOverride(ctx, &StageOverride{
			DefinitionID: def.ID, StageID: "review", IsIncluded: true, Order: &order,
		}))
		sub := "bom"
		require.NoError(t, stages.PutOverride(ctx, &StageOverride{
			DefinitionID: def.ID, StageID: "design", SubStageID: &sub, IsIncluded: false,
		}))
		// Same target again replaces the row.
		require.NoError(t, stages.PutOverride(ctx, &StageOverride{
			DefinitionID: def.ID, StageID: "review", IsIncluded: false,
		}))

		got, err := stages.GetDefaultDefinition(ctx, "org-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, def.ID, got.ID)
		assert.Equal(t, 1, got.Version)

		overrides, err := stages.ListOverrides(ctx, def.ID)
		require.NoError(t, err)
		require.Len(t, overrides, 2)
		assert.Equal(t, "design", overrides[0].StageID)
		assert.Equal(t, "bom", *overrides[0].SubStageID)
		assert.Equal(t, "review", overrides[1].StageID)
		assert.False(t, overrides[1].IsIncluded)
		assert.Nil(t, overrides[1].Order)
	})

	t.Run("project advance and progress", func(t *testing.T) {
		p := &Project{ID: "p-1", OrganizationID: "org-1", Name: "Bracket"}
		require.NoError(t, projects.CreateProject(ctx, p))

		rec := &StageTransitionRecord{
			ID: "t-1", ProjectID: "p-1", ToStageID: "design", ActorID: "planner", RecordedAt: now,
		}
		moved, err := projects.AdvanceStage(ctx, &StageAdvance{
			ProjectID:     "p-1",
			ToStageID:     "design",
			EnteredAt:     now,
			SubStageIDs:   []string{"drawings", "bom"},
			HistoryRecord: rec,
		})
		require.NoError(t, err)
		assert.Equal(t, "design", *moved.CurrentStageID)
		assert.True(t, moved.StageEnteredAt.Equal(now))

		_, err = projects.AdvanceStage(ctx, &StageAdvance{ProjectID: "p-1", ToStageID: "review", EnteredAt: now})
		assert.True(t, stderrors.Is(err, ErrStaleWrite), "pointer moved since nil was read")

		_, err = projects.AdvanceStage(ctx, &StageAdvance{ProjectID: "nope", ToStageID: "review", EnteredAt: now})
		assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

		progress, err := projects.ListProgress(ctx, "p-1", []string{"drawings", "bom"})
		require.NoError(t, err)
		require.Len(t, progress, 2)
		for _, row := range progress {
			assert.Equal(t, ProgressPending, row.Status)
		}

		row, err := projects.GetProgress(ctx, "p-1", "drawings")
		require.NoError(t, err)
		started := now.Add(time.Hour)
		row.Status = ProgressInProgress
		row.StartedAt = &started
		row.UpdatedAt = started
		require.NoError(t, projects.UpdateProgress(ctx, row, ProgressPending))
		assert.True(t, stderrors.Is(projects.UpdateProgress(ctx, row, ProgressPending), ErrStaleWrite))

		history, err := transitions.ListTransitions(ctx, "p-1")
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Nil(t, history[0].FromStageID)

		// Replays of a known record are ignored.
		require.NoError(t, transitions.AppendTransition(ctx, rec))
		history, err = transitions.ListTransitions(ctx, "p-1")
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("approvals", func(t *testing.T) {
		role := "quality"
		a := &Approval{
			OrganizationID:      "org-1",
			Entity:              EntityRef{Kind: EntityDocument, ID: "doc-1"},
			ApprovalType:        "drawing_release",
			Title:               "Release drawing",
			Status:              ApprovalStatusPending,
			Priority:            PriorityHigh,
			RequestedBy:         "planner",
			CurrentApproverRole: &role,
			StepNumber:          1,
			TotalSteps:          1,
			RequestMetadata:     map[string]any{"amount": 1200.0},
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		require.NoError(t, approvals.CreateApproval(ctx, a, &ApprovalHistory{NewStatus: ApprovalStatusPending, CreatedAt: now}))
		require.NotEmpty(t, a.ID)

		got, err := approvals.GetApproval(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, EntityDocument, got.Entity.Kind)
		assert.Equal(t, PriorityHigh, got.Priority)
		assert.Equal(t, 1200.0, got.RequestMetadata["amount"])

		next := got.Clone()
		next.Status = ApprovalStatusInReview
		next.UpdatedAt = now.Add(time.Minute)
		old := ApprovalStatusPending
		require.NoError(t, approvals.CompareAndSetStatus(ctx, next, ApprovalStatusPending,
			&ApprovalHistory{OldStatus: &old, NewStatus: ApprovalStatusInReview, CreatedAt: next.UpdatedAt}))
		err = approvals.CompareAndSetStatus(ctx, next, ApprovalStatusPending, nil)
		assert.True(t, stderrors.Is(err, ErrStaleWrite))

		history, err := approvals.ListHistory(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Nil(t, history[0].OldStatus)
		assert.Equal(t, ApprovalStatusInReview, history[1].NewStatus)

		byRole, err := approvals.ListApprovals(ctx, ApprovalFilter{
			OrganizationID: "org-1",
			Statuses:       []ApprovalStatus{ApprovalStatusInReview},
			ApproverIDs:    []string{"someone"},
			ApproverRoles:  []string{"quality"},
		})
		require.NoError(t, err)
		require.Len(t, byRole, 1)

		none, err := approvals.ListApprovals(ctx, ApprovalFilter{Statuses: []ApprovalStatus{ApprovalStatusPending}})
		require.NoError(t, err)
		assert.Empty(t, none)

		bad := &Approval{
			OrganizationID: "org-1",
			Entity:         EntityRef{Kind: EntityDocument, ID: "doc-2"},
			ApprovalType:   "x", Title: "x", Status: ApprovalStatusPending, Priority: PriorityNormal,
			RequestedBy: "planner", StepNumber: 1, TotalSteps: 1, CreatedAt: now, UpdatedAt: now,
		}
		assert.True(t, errors.Is(approvals.CreateApproval(ctx, bad, nil), errors.ErrCodeInvalidInput),
			"an approval needs exactly one approver target")
	})

	t.Run("auto-approval rules", func(t *testing.T) {
		kind := EntityRFQ
		rule := &AutoApprovalRule{
			OrganizationID: "org-1",
			Name:           "small-rfq",
			EntityType:     &kind,
			Conditions:     []RuleCondition{{Field: "amount", Operator: "lt", Value: 1000.0}},
			Reason:         "below threshold",
			Priority:       10,
			IsActive:       true,
		}
		require.NoError(t, approvals.UpsertAutoApprovalRule(ctx, rule))
		rule.Priority = 5
		require.NoError(t, approvals.UpsertAutoApprovalRule(ctx, rule))

		rules, err := approvals.ListAutoApprovalRules(ctx, "org-1")
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, 5, rules[0].Priority)
		assert.Equal(t, EntityRFQ, *rules[0].EntityType)
		require.Len(t, rules[0].Conditions, 1)
		assert.Equal(t, "lt", rules[0].Conditions[0].Operator)
	})

	t.Run("delegations", func(t *testing.T) {
		d := &ApprovalDelegation{
			OrganizationID: "org-1", DelegatorID: "alice", DelegateID: "bob",
			StartDate: now, EndDate: now.Add(48 * time.Hour), Status: DelegationActive, CreatedAt: now,
		}
		require.NoError(t, delegations.CreateDelegation(ctx, d))
		assert.Equal(t, DelegationScopeAll, d.EntityTypeScope)

		overlap := &ApprovalDelegation{
			OrganizationID: "org-1", DelegatorID: "alice", DelegateID: "carol",
			StartDate: now.Add(24 * time.Hour), EndDate: now.Add(72 * time.Hour), Status: DelegationActive, CreatedAt: now,
		}
		assert.True(t, errors.Is(delegations.CreateDelegation(ctx, overlap), errors.ErrCodeConflict))

		to, err := delegations.ListActiveDelegationsTo(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, to, 1)

		n, err := delegations.ExpireDelegations(ctx, now.Add(49*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		err = delegations.UpdateDelegationStatus(ctx, d.ID, DelegationActive, DelegationRevoked)
		assert.True(t, stderrors.Is(err, ErrStaleWrite))

		from, err := delegations.ListActiveDelegationsFrom(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, from)
	})

	t.Run("directory", func(t *testing.T) {
		require.NoError(t, directory.PutUser(ctx, "qa-1", "Quinn"))
		require.NoError(t, directory.PutRosterMember(ctx, RosterMember{OrganizationID: "org-1", Role: "quality", UserID: "qa-1", IsCurrentApprover: true}))
		require.NoError(t, directory.PutRosterMember(ctx, RosterMember{OrganizationID: "org-1", Role: "quality", UserID: "qa-2", IsCurrentApprover: true}))
		require.NoError(t, directory.Grant(ctx, "org-1", "qa-1", "workflow", "bypass"))

		current, err := directory.CurrentApprover(ctx, "org-1", "quality")
		require.NoError(t, err)
		assert.Equal(t, "qa-2", current)

		roles, err := directory.UserRoles(ctx, "", "qa-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"quality"}, roles)

		ok, err := directory.HasPermission(ctx, "org-1", "qa-1", "workflow", "bypass")
		require.NoError(t, err)
		assert.True(t, ok)

		name, err := directory.DisplayName(ctx, "qa-1")
		require.NoError(t, err)
		assert.Equal(t, "Quinn", name)

		_, err = directory.CurrentApprover(ctx, "org-1", "finance")
		assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
	})
}
