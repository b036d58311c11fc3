package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/database"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
)

// TransitionRepository is the append-only stage transition ledger.
type TransitionRepository struct {
	db *database.DB
}

// NewTransitionRepository creates a new TransitionRepository.
func NewTransitionRepository(db *database.DB) *TransitionRepository {
	return &TransitionRepository{db: db}
}

// AppendTransition inserts rec. Replaying a record with a known id is a no-op,
// which lets the history spool redeliver safely.
func (r *TransitionRepository) AppendTransition(ctx context.Context, rec *StageTransitionRecord) error {
	return insertTransition(ctx, r.db, rec)
}

// ListTransitions returns a project's ledger, oldest first.
func (r *TransitionRepository) ListTransitions(ctx context.Context, projectID string) ([]*StageTransitionRecord, error) {
	query := `
		SELECT id, project_id, from_stage_id, to_stage_id, actor_id, reason,
		       bypass_used, bypass_reason, estimated_duration, recorded_at
		FROM stage_transitions
		WHERE project_id = $1
		ORDER BY recorded_at, id`

	rows, err := r.db.Query(ctx, query, projectID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stage transitions")
	}
	defer rows.Close()

	var out []*StageTransitionRecord
	for rows.Next() {
		rec := &StageTransitionRecord{}
		var est pgtype.Interval
		if err := rows.Scan(
			&rec.ID,
			&rec.ProjectID,
			&rec.FromStageID,
			&rec.ToStageID,
			&rec.ActorID,
			&rec.Reason,
			&rec.BypassUsed,
			&rec.BypassReason,
			&est,
			&rec.RecordedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stage transition")
		}
		rec.EstimatedDuration = durationPtr(est)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func insertTransition(ctx context.Context, q database.Querier, rec *StageTransitionRecord) error {
	if rec.ID == "" {
		return errors.InvalidInput("id", "stage transition record requires an id")
	}
	query := `
		INSERT INTO stage_transitions
		    (id, project_id, from_stage_id, to_stage_id, actor_id, reason,
		     bypass_used, bypass_reason, estimated_duration, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	_, err := q.Exec(ctx, query,
		rec.ID,
		rec.ProjectID,
		rec.FromStageID,
		rec.ToStageID,
		rec.ActorID,
		rec.Reason,
		rec.BypassUsed,
		rec.BypassReason,
		intervalPtr(rec.EstimatedDuration),
		rec.RecordedAt,
	)
	return mapWriteError(err, "failed to record stage transition")
}
