package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/database"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
)

// ProjectRepository owns the project stage pointer and sub-stage progress.
// A stage change, its progress rows and its ledger entry are written in one
// transaction.
type ProjectRepository struct {
	db *database.DB
}

// NewProjectRepository creates a new ProjectRepository.
func NewProjectRepository(db *database.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

const projectColumns = `
	id, organization_id, name, status, current_stage_id, stage_entered_at,
	workflow_definition_id, created_at, updated_at`

const progressColumns = `
	id, project_id, sub_stage_id, status, assigned_to, started_at,
	completed_at, notes, created_at, updated_at`

// CreateProject inserts a project. Used by seeding and tests; projects are
// otherwise owned by the project service.
func (r *ProjectRepository) CreateProject(ctx context.Context, p *Project) error {
	query := `
		INSERT INTO projects (id, organization_id, name, status, workflow_definition_id)
		VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4::project_status, $5)
		RETURNING id, created_at, updated_at`

	status := p.Status
	if status == "" {
		status = ProjectStatusActive
	}
	err := r.db.QueryRow(ctx, query,
		p.ID,
		p.OrganizationID,
		p.Name,
		status,
		p.WorkflowDefinitionID,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return mapWriteError(err, "failed to create project")
	}
	p.Status = status
	return nil
}

// GetProject retrieves a project by id.
func (r *ProjectRepository) GetProject(ctx context.Context, projectID string) (*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`

	p, err := scanProject(r.db.QueryRow(ctx, query, projectID))
	if isNoRows(err) {
		return nil, errors.NotFound("project", projectID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get project")
	}
	return p, nil
}

// AdvanceStage moves the project pointer while it still equals
// adv.FromStageID, creates the new stage's progress rows and appends the
// ledger entry when one is supplied.
func (r *ProjectRepository) AdvanceStage(ctx context.Context, adv *StageAdvance) (*Project, error) {
	var out *Project
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE projects
			SET current_stage_id = $3,
			    stage_entered_at = $4,
			    updated_at       = $4
			WHERE id = $1 AND current_stage_id IS NOT DISTINCT FROM $2
			RETURNING ` + projectColumns

		p, err := scanProject(tx.QueryRow(ctx, query,
			adv.ProjectID,
			adv.FromStageID,
			adv.ToStageID,
			adv.EnteredAt,
		))
		if isNoRows(err) {
			// Distinguish a missing project from a moved one.
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1)`, adv.ProjectID).Scan(&exists); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to check project")
			}
			if !exists {
				return errors.NotFound("project", adv.ProjectID)
			}
			return ErrStaleWrite
		}
		if err != nil {
			return mapWriteError(err, "failed to advance project stage")
		}

		progressQuery := `
			INSERT INTO project_sub_stage_progress
			    (project_id, sub_stage_id, status, created_at, updated_at)
			VALUES ($1, $2, 'pending', $3, $3)
			ON CONFLICT (project_id, sub_stage_id) DO NOTHING`
		for _, subID := range adv.SubStageIDs {
			if _, err := tx.Exec(ctx, progressQuery, adv.ProjectID, subID, adv.EnteredAt); err != nil {
				return mapWriteError(err, "failed to create sub-stage progress")
			}
		}

		if adv.HistoryRecord != nil {
			if err := insertTransition(ctx, tx, adv.HistoryRecord); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListProgress returns the project's progress rows for the given sub-stages.
func (r *ProjectRepository) ListProgress(ctx context.Context, projectID string, subStageIDs []string) ([]*SubStageProgress, error) {
	if len(subStageIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + progressColumns + `
		FROM project_sub_stage_progress
		WHERE project_id = $1 AND sub_stage_id = ANY($2)
		ORDER BY created_at, sub_stage_id`

	rows, err := r.db.Query(ctx, query, projectID, subStageIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list sub-stage progress")
	}
	defer rows.Close()

	var out []*SubStageProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan sub-stage progress")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProgress retrieves one (project, sub-stage) row.
func (r *ProjectRepository) GetProgress(ctx context.Context, projectID, subStageID string) (*SubStageProgress, error) {
	query := `SELECT ` + progressColumns + `
		FROM project_sub_stage_progress
		WHERE project_id = $1 AND sub_stage_id = $2`

	p, err := scanProgress(r.db.QueryRow(ctx, query, projectID, subStageID))
	if isNoRows(err) {
		return nil, errors.NotFound("sub-stage progress", subStageID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get sub-stage progress")
	}
	return p, nil
}

// UpdateProgress writes p while the stored status still equals expected.
func (r *ProjectRepository) UpdateProgress(ctx context.Context, p *SubStageProgress, expected ProgressStatus) error {
	query := `
		UPDATE project_sub_stage_progress
		SET status       = $3::sub_stage_status,
		    assigned_to  = $4,
		    started_at   = $5,
		    completed_at = $6,
		    notes        = $7,
		    updated_at   = $8
		WHERE project_id = $1 AND sub_stage_id = $2
		  AND status = $9::sub_stage_status`

	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	tag, err := r.db.Exec(ctx, query,
		p.ProjectID,
		p.SubStageID,
		p.Status,
		p.AssignedTo,
		p.StartedAt,
		p.CompletedAt,
		p.Notes,
		updatedAt,
		expected,
	)
	if err != nil {
		return mapWriteError(err, "failed to update sub-stage progress")
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetProgress(ctx, p.ProjectID, p.SubStageID); err != nil {
			return err
		}
		return ErrStaleWrite
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanProject(row rowScanner) (*Project, error) {
	p := &Project{}
	err := row.Scan(
		&p.ID,
		&p.OrganizationID,
		&p.Name,
		&p.Status,
		&p.CurrentStageID,
		&p.StageEnteredAt,
		&p.WorkflowDefinitionID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func scanProgress(row rowScanner) (*SubStageProgress, error) {
	p := &SubStageProgress{}
	err := row.Scan(
		&p.ID,
		&p.ProjectID,
		&p.SubStageID,
		&p.Status,
		&p.AssignedTo,
		&p.StartedAt,
		&p.CompletedAt,
		&p.Notes,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
