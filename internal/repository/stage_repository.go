package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/database"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
)

// StageRepository reads and seeds stage templates, workflow definitions and
// their overrides.
type StageRepository struct {
	db *database.DB
}

// NewStageRepository creates a new StageRepository.
func NewStageRepository(db *database.DB) *StageRepository {
	return &StageRepository{db: db}
}

const stageColumns = `
	id, organization_id, name, stage_order, responsible_roles,
	estimated_duration, is_active, created_at, updated_at`

const subStageColumns = `
	id, stage_id, name, sub_stage_order, is_required, can_skip, auto_advance,
	approval_roles, estimated_duration, created_at, updated_at`

// ListStages returns the organization's active base stages ordered by
// stage_order.
func (r *StageRepository) ListStages(ctx context.Context, organizationID string) ([]*WorkflowStage, error) {
	query := `SELECT ` + stageColumns + `
		FROM workflow_stages
		WHERE organization_id = $1 AND is_active
		ORDER BY stage_order, id`

	rows, err := r.db.Query(ctx, query, organizationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stages")
	}
	defer rows.Close()

	var stages []*WorkflowStage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stage")
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

// GetStage retrieves a base stage by id.
func (r *StageRepository) GetStage(ctx context.Context, stageID string) (*WorkflowStage, error) {
	query := `SELECT ` + stageColumns + ` FROM workflow_stages WHERE id = $1`

	st, err := scanStage(r.db.QueryRow(ctx, query, stageID))
	if isNoRows(err) {
		return nil, errors.NotFound("stage", stageID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get stage")
	}
	return st, nil
}

// ListSubStages returns a stage's base sub-stages ordered by sub_stage_order.
func (r *StageRepository) ListSubStages(ctx context.Context, stageID string) ([]*WorkflowSubStage, error) {
	query := `SELECT ` + subStageColumns + `
		FROM workflow_sub_stages
		WHERE stage_id = $1
		ORDER BY sub_stage_order, id`

	rows, err := r.db.Query(ctx, query, stageID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list sub-stages")
	}
	defer rows.Close()

	var subs []*WorkflowSubStage
	for rows.Next() {
		s, err := scanSubStage(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan sub-stage")
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// GetDefinition retrieves a workflow definition by id.
func (r *StageRepository) GetDefinition(ctx context.Context, definitionID string) (*WorkflowDefinition, error) {
	query := `
		SELECT id, organization_id, name, version, is_default, is_active, created_at, updated_at
		FROM workflow_definitions
		WHERE id = $1`

	def, err := scanDefinition(r.db.QueryRow(ctx, query, definitionID))
	if isNoRows(err) {
		return nil, errors.NotFound("workflow_definition", definitionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow definition")
	}
	return def, nil
}

// GetDefaultDefinition returns the organization's active default definition,
// or nil when none is flagged.
func (r *StageRepository) GetDefaultDefinition(ctx context.Context, organizationID string) (*WorkflowDefinition, error) {
	query := `
		SELECT id, organization_id, name, version, is_default, is_active, created_at, updated_at
		FROM workflow_definitions
		WHERE organization_id = $1 AND is_default AND is_active`

	def, err := scanDefinition(r.db.QueryRow(ctx, query, organizationID))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get default workflow definition")
	}
	return def, nil
}

// ListOverrides returns every override row of a definition.
func (r *StageRepository) ListOverrides(ctx context.Context, definitionID string) ([]*StageOverride, error) {
	query := `
		SELECT definition_id, stage_id, sub_stage_id, is_included,
		       stage_order_override, responsible_roles_override, duration_override
		FROM workflow_definition_overrides
		WHERE definition_id = $1
		ORDER BY stage_id, sub_stage_id NULLS FIRST`

	rows, err := r.db.Query(ctx, query, definitionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list overrides")
	}
	defer rows.Close()

	var out []*StageOverride
	for rows.Next() {
		o := &StageOverride{}
		var est pgtype.Interval
		if err := rows.Scan(
			&o.DefinitionID,
			&o.StageID,
			&o.SubStageID,
			&o.IsIncluded,
			&o.Order,
			&o.ResponsibleRoles,
			&est,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan override")
		}
		o.EstimatedDuration = durationPtr(est)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ── Seeding ──────────────────────────────────────────────────────────────────

// UpsertStage inserts or updates a base stage keyed by id.
func (r *StageRepository) UpsertStage(ctx context.Context, s *WorkflowStage) error {
	query := `
		INSERT INTO workflow_stages
		    (id, organization_id, name, stage_order, responsible_roles,
		     estimated_duration, is_active, created_at, updated_at)
		VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4, $5,
		        $6, $7, $8, $8)
		ON CONFLICT (id) DO UPDATE
		SET name               = EXCLUDED.name,
		    stage_order        = EXCLUDED.stage_order,
		    responsible_roles  = EXCLUDED.responsible_roles,
		    estimated_duration = EXCLUDED.estimated_duration,
		    is_active          = EXCLUDED.is_active,
		    updated_at         = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		s.ID,
		s.OrganizationID,
		s.Name,
		s.Order,
		stringsOrEmpty(s.ResponsibleRoles),
		interval(s.EstimatedDuration),
		s.IsActive,
		s.UpdatedAt,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	return mapWriteError(err, "failed to upsert stage")
}

// UpsertSubStage inserts or updates a base sub-stage keyed by id.
func (r *StageRepository) UpsertSubStage(ctx context.Context, s *WorkflowSubStage) error {
	query := `
		INSERT INTO workflow_sub_stages
		    (id, stage_id, name, sub_stage_order, is_required, can_skip, auto_advance,
		     approval_roles, estimated_duration, created_at, updated_at)
		VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4, $5, $6, $7,
		        $8, $9, $10, $10)
		ON CONFLICT (id) DO UPDATE
		SET name               = EXCLUDED.name,
		    sub_stage_order    = EXCLUDED.sub_stage_order,
		    is_required        = EXCLUDED.is_required,
		    can_skip           = EXCLUDED.can_skip,
		    auto_advance       = EXCLUDED.auto_advance,
		    approval_roles     = EXCLUDED.approval_roles,
		    estimated_duration = EXCLUDED.estimated_duration,
		    updated_at         = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		s.ID,
		s.StageID,
		s.Name,
		s.Order,
		s.IsRequired,
		s.CanSkip,
		s.AutoAdvance,
		stringsOrEmpty(s.ApprovalRoles),
		interval(s.EstimatedDuration),
		s.UpdatedAt,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	return mapWriteError(err, "failed to upsert sub-stage")
}

// CreateDefinition inserts a workflow definition.
func (r *StageRepository) CreateDefinition(ctx context.Context, def *WorkflowDefinition) error {
	query := `
		INSERT INTO workflow_definitions (organization_id, name, version, is_default, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		def.OrganizationID,
		def.Name,
		max(def.Version, 1),
		def.IsDefault,
		def.IsActive,
	).Scan(&def.ID, &def.CreatedAt, &def.UpdatedAt)
	return mapWriteError(err, "failed to create workflow definition")
}

// PutOverride inserts or replaces the override of one stage or sub-stage.
func (r *StageRepository) PutOverride(ctx context.Context, o *StageOverride) error {
	query := `
		INSERT INTO workflow_definition_overrides
		    (definition_id, stage_id, sub_stage_id, is_included,
		     stage_order_override, responsible_roles_override, duration_override)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (definition_id, stage_id, COALESCE(sub_stage_id, '')) DO UPDATE
		SET is_included                = EXCLUDED.is_included,
		    stage_order_override       = EXCLUDED.stage_order_override,
		    responsible_roles_override = EXCLUDED.responsible_roles_override,
		    duration_override          = EXCLUDED.duration_override`

	_, err := r.db.Exec(ctx, query,
		o.DefinitionID,
		o.StageID,
		o.SubStageID,
		o.IsIncluded,
		o.Order,
		o.ResponsibleRoles,
		intervalPtr(o.EstimatedDuration),
	)
	return mapWriteError(err, "failed to put override")
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanStage(row rowScanner) (*WorkflowStage, error) {
	st := &WorkflowStage{}
	var est pgtype.Interval
	err := row.Scan(
		&st.ID,
		&st.OrganizationID,
		&st.Name,
		&st.Order,
		&st.ResponsibleRoles,
		&est,
		&st.IsActive,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	st.EstimatedDuration = duration(est)
	return st, nil
}

func scanSubStage(row rowScanner) (*WorkflowSubStage, error) {
	s := &WorkflowSubStage{}
	var est pgtype.Interval
	err := row.Scan(
		&s.ID,
		&s.StageID,
		&s.Name,
		&s.Order,
		&s.IsRequired,
		&s.CanSkip,
		&s.AutoAdvance,
		&s.ApprovalRoles,
		&est,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.EstimatedDuration = duration(est)
	return s, nil
}

func scanDefinition(row rowScanner) (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{}
	err := row.Scan(
		&def.ID,
		&def.OrganizationID,
		&def.Name,
		&def.Version,
		&def.IsDefault,
		&def.IsActive,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return def, nil
}
