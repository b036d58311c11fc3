package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/database"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
)

// DelegationRepository persists approval delegations. Overlapping active
// delegations are rejected by the approval_delegations_no_overlap exclusion
// constraint.
type DelegationRepository struct {
	db *database.DB
}

// NewDelegationRepository creates a new DelegationRepository.
func NewDelegationRepository(db *database.DB) *DelegationRepository {
	return &DelegationRepository{db: db}
}

const delegationColumns = `
	id, organization_id, delegator_id, delegate_id, entity_type_scope,
	start_date, end_date, status, reason, created_at, updated_at`

// CreateDelegation inserts d.
func (r *DelegationRepository) CreateDelegation(ctx context.Context, d *ApprovalDelegation) error {
	query := `
		INSERT INTO approval_delegations
		    (id, organization_id, delegator_id, delegate_id, entity_type_scope,
		     start_date, end_date, status, reason, created_at, updated_at)
		VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4, $5,
		        $6, $7, $8::delegation_status, $9, $10, $10)
		RETURNING id`

	scope := d.EntityTypeScope
	if scope == "" {
		scope = DelegationScopeAll
	}
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	err := r.db.QueryRow(ctx, query,
		d.ID,
		d.OrganizationID,
		d.DelegatorID,
		d.DelegateID,
		scope,
		d.StartDate,
		d.EndDate,
		d.Status,
		d.Reason,
		createdAt,
	).Scan(&d.ID)
	if err != nil {
		return mapWriteError(err, "failed to create delegation")
	}
	d.EntityTypeScope = scope
	return nil
}

// GetDelegation retrieves a delegation by id.
func (r *DelegationRepository) GetDelegation(ctx context.Context, delegationID string) (*ApprovalDelegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM approval_delegations WHERE id = $1`

	d, err := scanDelegation(r.db.QueryRow(ctx, query, delegationID))
	if isNoRows(err) {
		return nil, errors.NotFound("delegation", delegationID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get delegation")
	}
	return d, nil
}

// ListActiveDelegationsFrom returns the active delegations a user has handed out.
func (r *DelegationRepository) ListActiveDelegationsFrom(ctx context.Context, delegatorID string) ([]*ApprovalDelegation, error) {
	return r.listActive(ctx, "delegator_id", delegatorID)
}

// ListActiveDelegationsTo returns the active delegations a user has received.
func (r *DelegationRepository) ListActiveDelegationsTo(ctx context.Context, delegateID string) ([]*ApprovalDelegation, error) {
	return r.listActive(ctx, "delegate_id", delegateID)
}

func (r *DelegationRepository) listActive(ctx context.Context, column, userID string) ([]*ApprovalDelegation, error) {
	query := `SELECT ` + delegationColumns + `
		FROM approval_delegations
		WHERE ` + column + ` = $1 AND status = 'active'
		ORDER BY start_date, id`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list delegations")
	}
	defer rows.Close()

	var out []*ApprovalDelegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delegation")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDelegationStatus moves a delegation from one status to another,
// returning ErrStaleWrite when it is no longer in from.
func (r *DelegationRepository) UpdateDelegationStatus(ctx context.Context, delegationID string, from, to DelegationStatus) error {
	query := `
		UPDATE approval_delegations
		SET status = $3::delegation_status, updated_at = NOW()
		WHERE id = $1 AND status = $2::delegation_status`

	tag, err := r.db.Exec(ctx, query, delegationID, from, to)
	if err != nil {
		return mapWriteError(err, "failed to update delegation status")
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetDelegation(ctx, delegationID); err != nil {
			return err
		}
		return ErrStaleWrite
	}
	return nil
}

// ExpireDelegations marks every active delegation that ended before asOf as
// expired and returns how many changed.
func (r *DelegationRepository) ExpireDelegations(ctx context.Context, asOf time.Time) (int64, error) {
	query := `
		UPDATE approval_delegations
		SET status = 'expired', updated_at = $1
		WHERE status = 'active' AND end_date < $1`

	tag, err := r.db.Exec(ctx, query, asOf)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to expire delegations")
	}
	return tag.RowsAffected(), nil
}

func scanDelegation(row rowScanner) (*ApprovalDelegation, error) {
	d := &ApprovalDelegation{}
	err := row.Scan(
		&d.ID,
		&d.OrganizationID,
		&d.DelegatorID,
		&d.DelegateID,
		&d.EntityTypeScope,
		&d.StartDate,
		&d.EndDate,
		&d.Status,
		&d.Reason,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}
