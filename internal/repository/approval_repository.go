package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/database"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
)

// ApprovalRepository persists approvals, their status history and the
// auto-approval rule table. Every status write carries its history row in the
// same transaction.
type ApprovalRepository struct {
	db *database.DB
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *database.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

const approvalColumns = `
	id, organization_id, entity_type, entity_id, approval_type, title,
	description, status, priority, requested_by, current_approver_id,
	current_approver_role, step_number, total_steps, stage_id, due_date,
	delegated_from, delegated_to, escalated_from, escalated_to,
	escalation_level, decided_by, decided_at, decision_comments,
	decision_reason, request_reason, request_metadata, auto_approval_reason,
	created_at, updated_at`

// CreateApproval inserts a and, when h is non-nil, its first history row.
func (r *ApprovalRepository) CreateApproval(ctx context.Context, a *Approval, h *ApprovalHistory) error {
	metadata, err := marshalJSON(a.RequestMetadata)
	if err != nil {
		return err
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approvals
			    (id, organization_id, entity_type, entity_id, approval_type, title,
			     description, status, priority, requested_by, current_approver_id,
			     current_approver_role, step_number, total_steps, stage_id, due_date,
			     delegated_from, delegated_to, escalated_from, escalated_to,
			     escalation_level, decided_by, decided_at, decision_comments,
			     decision_reason, request_reason, request_metadata, auto_approval_reason,
			     created_at, updated_at)
			VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4, $5, $6,
			        $7, $8::approval_status, $9::approval_priority, $10, $11,
			        $12, $13, $14, $15, $16,
			        $17, $18, $19, $20,
			        $21, $22, $23, $24,
			        $25, $26, $27, $28,
			        $29, $30)
			RETURNING id`

		err := tx.QueryRow(ctx, query,
			a.ID,
			a.OrganizationID,
			a.Entity.Kind,
			a.Entity.ID,
			a.ApprovalType,
			a.Title,
			a.Description,
			a.Status,
			a.Priority,
			a.RequestedBy,
			a.CurrentApproverID,
			a.CurrentApproverRole,
			a.StepNumber,
			a.TotalSteps,
			a.StageID,
			a.DueDate,
			a.DelegatedFrom,
			a.DelegatedTo,
			a.EscalatedFrom,
			a.EscalatedTo,
			a.EscalationLevel,
			a.DecidedBy,
			a.DecidedAt,
			a.DecisionComments,
			a.DecisionReason,
			a.RequestReason,
			metadata,
			a.AutoApprovalReason,
			a.CreatedAt,
			a.UpdatedAt,
		).Scan(&a.ID)
		if err != nil {
			return mapWriteError(err, "failed to create approval")
		}

		if h == nil {
			return nil
		}
		h.ApprovalID = a.ID
		return insertApprovalHistory(ctx, tx, h)
	})
}

// GetApproval retrieves an approval by id.
func (r *ApprovalRepository) GetApproval(ctx context.Context, approvalID string) (*Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE id = $1`

	a, err := scanApproval(r.db.QueryRow(ctx, query, approvalID))
	if isNoRows(err) {
		return nil, errors.NotFound("approval", approvalID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval")
	}
	return a, nil
}

// ListApprovals returns approvals matching filter, oldest first. Approver ids
// and roles combine with OR; every other field narrows with AND.
func (r *ApprovalRepository) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE TRUE`
	args := []any{}
	argCount := 0
	next := func(v any) int {
		args = append(args, v)
		argCount++
		return argCount
	}

	if filter.OrganizationID != "" {
		query += fmt.Sprintf(" AND organization_id = $%d", next(filter.OrganizationID))
	}
	if filter.Entity != nil {
		query += fmt.Sprintf(" AND entity_type = $%d", next(filter.Entity.Kind))
		query += fmt.Sprintf(" AND entity_id = $%d", next(filter.Entity.ID))
	}
	if len(filter.StageIDs) > 0 {
		query += fmt.Sprintf(" AND stage_id = ANY($%d)", next(filter.StageIDs))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		query += fmt.Sprintf(" AND status::text = ANY($%d)", next(statuses))
	}
	if len(filter.ApproverIDs) > 0 || len(filter.ApproverRoles) > 0 {
		var routes []string
		if len(filter.ApproverIDs) > 0 {
			routes = append(routes, fmt.Sprintf("current_approver_id = ANY($%d)", next(filter.ApproverIDs)))
		}
		if len(filter.ApproverRoles) > 0 {
			routes = append(routes, fmt.Sprintf("current_approver_role = ANY($%d)", next(filter.ApproverRoles)))
		}
		query += " AND (" + strings.Join(routes, " OR ") + ")"
	}
	if filter.DueBefore != nil {
		query += fmt.Sprintf(" AND due_date < $%d", next(*filter.DueBefore))
	}
	if filter.UpdatedBefore != nil {
		query += fmt.Sprintf(" AND updated_at < $%d", next(*filter.UpdatedBefore))
	}
	query += " ORDER BY created_at, id"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approvals")
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CompareAndSetStatus writes the mutable columns of a and appends h while the
// stored status still equals expected.
func (r *ApprovalRepository) CompareAndSetStatus(ctx context.Context, a *Approval, expected ApprovalStatus, h *ApprovalHistory) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approvals
			SET status                = $3::approval_status,
			    current_approver_id   = $4,
			    current_approver_role = $5,
			    step_number           = $6,
			    due_date              = $7,
			    delegated_from        = $8,
			    delegated_to          = $9,
			    escalated_from        = $10,
			    escalated_to          = $11,
			    escalation_level      = $12,
			    decided_by            = $13,
			    decided_at            = $14,
			    decision_comments     = $15,
			    decision_reason       = $16,
			    auto_approval_reason  = $17,
			    updated_at            = $18
			WHERE id = $1 AND status = $2::approval_status`

		tag, err := tx.Exec(ctx, query,
			a.ID,
			expected,
			a.Status,
			a.CurrentApproverID,
			a.CurrentApproverRole,
			a.StepNumber,
			a.DueDate,
			a.DelegatedFrom,
			a.DelegatedTo,
			a.EscalatedFrom,
			a.EscalatedTo,
			a.EscalationLevel,
			a.DecidedBy,
			a.DecidedAt,
			a.DecisionComments,
			a.DecisionReason,
			a.AutoApprovalReason,
			a.UpdatedAt,
		)
		if err != nil {
			return mapWriteError(err, "failed to update approval status")
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approvals WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to check approval")
			}
			if !exists {
				return errors.NotFound("approval", a.ID)
			}
			return ErrStaleWrite
		}

		if h == nil {
			return nil
		}
		h.ApprovalID = a.ID
		return insertApprovalHistory(ctx, tx, h)
	})
}

// ListHistory returns an approval's status changes, oldest first.
func (r *ApprovalRepository) ListHistory(ctx context.Context, approvalID string) ([]*ApprovalHistory, error) {
	query := `
		SELECT id, approval_id, old_status, new_status, actor_id, comments,
		       reason, metadata, created_at
		FROM approval_history
		WHERE approval_id = $1
		ORDER BY created_at, id`

	rows, err := r.db.Query(ctx, query, approvalID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval history")
	}
	defer rows.Close()

	var out []*ApprovalHistory
	for rows.Next() {
		h := &ApprovalHistory{}
		var metadata []byte
		if err := rows.Scan(
			&h.ID,
			&h.ApprovalID,
			&h.OldStatus,
			&h.NewStatus,
			&h.ActorID,
			&h.Comments,
			&h.Reason,
			&metadata,
			&h.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval history")
		}
		if err := unmarshalJSON(metadata, &h.Metadata); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ── Auto-approval rules ──────────────────────────────────────────────────────

// ListAutoApprovalRules returns an organization's rules, lowest priority
// value first. Inactive rules are included; the evaluator skips them.
func (r *ApprovalRepository) ListAutoApprovalRules(ctx context.Context, organizationID string) ([]*AutoApprovalRule, error) {
	query := `
		SELECT id, organization_id, name, approval_type, entity_type, conditions,
		       reason, priority, is_active, created_at, updated_at
		FROM auto_approval_rules
		WHERE organization_id = $1
		ORDER BY priority, name`

	rows, err := r.db.Query(ctx, query, organizationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list auto-approval rules")
	}
	defer rows.Close()

	var out []*AutoApprovalRule
	for rows.Next() {
		rule := &AutoApprovalRule{}
		var (
			entityType *string
			conditions []byte
		)
		if err := rows.Scan(
			&rule.ID,
			&rule.OrganizationID,
			&rule.Name,
			&rule.ApprovalType,
			&entityType,
			&conditions,
			&rule.Reason,
			&rule.Priority,
			&rule.IsActive,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan auto-approval rule")
		}
		if entityType != nil {
			kind, err := ParseEntityKind(*entityType)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeDataIntegrity, "auto-approval rule "+rule.Name)
			}
			rule.EntityType = &kind
		}
		if err := unmarshalJSON(conditions, &rule.Conditions); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// UpsertAutoApprovalRule inserts or replaces a rule keyed by organization and
// name.
func (r *ApprovalRepository) UpsertAutoApprovalRule(ctx context.Context, rule *AutoApprovalRule) error {
	conditions := rule.Conditions
	if conditions == nil {
		conditions = []RuleCondition{}
	}
	body, err := marshalJSON(conditions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO auto_approval_rules
		    (id, organization_id, name, approval_type, entity_type, conditions,
		     reason, priority, is_active)
		VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4, $5, $6,
		        $7, $8, $9)
		ON CONFLICT (organization_id, name) DO UPDATE
		SET approval_type = EXCLUDED.approval_type,
		    entity_type   = EXCLUDED.entity_type,
		    conditions    = EXCLUDED.conditions,
		    reason        = EXCLUDED.reason,
		    priority      = EXCLUDED.priority,
		    is_active     = EXCLUDED.is_active,
		    updated_at    = NOW()
		RETURNING id, created_at, updated_at`

	err = r.db.QueryRow(ctx, query,
		rule.ID,
		rule.OrganizationID,
		rule.Name,
		rule.ApprovalType,
		rule.EntityType,
		body,
		rule.Reason,
		rule.Priority,
		rule.IsActive,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	return mapWriteError(err, "failed to upsert auto-approval rule")
}

// ── helpers ──────────────────────────────────────────────────────────────────

func insertApprovalHistory(ctx context.Context, q database.Querier, h *ApprovalHistory) error {
	metadata, err := marshalJSON(h.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO approval_history
		    (approval_id, old_status, new_status, actor_id, comments, reason, metadata, created_at)
		VALUES ($1, $2::approval_status, $3::approval_status, $4, $5, $6, $7,
		        COALESCE($8, NOW()))
		RETURNING id, created_at`

	var createdAt any
	if !h.CreatedAt.IsZero() {
		createdAt = h.CreatedAt
	}
	err = q.QueryRow(ctx, query,
		h.ApprovalID,
		h.OldStatus,
		h.NewStatus,
		h.ActorID,
		h.Comments,
		h.Reason,
		metadata,
		createdAt,
	).Scan(&h.ID, &h.CreatedAt)
	return mapWriteError(err, "failed to record approval history")
}

func scanApproval(row rowScanner) (*Approval, error) {
	a := &Approval{}
	var metadata []byte
	err := row.Scan(
		&a.ID,
		&a.OrganizationID,
		&a.Entity.Kind,
		&a.Entity.ID,
		&a.ApprovalType,
		&a.Title,
		&a.Description,
		&a.Status,
		&a.Priority,
		&a.RequestedBy,
		&a.CurrentApproverID,
		&a.CurrentApproverRole,
		&a.StepNumber,
		&a.TotalSteps,
		&a.StageID,
		&a.DueDate,
		&a.DelegatedFrom,
		&a.DelegatedTo,
		&a.EscalatedFrom,
		&a.EscalatedTo,
		&a.EscalationLevel,
		&a.DecidedBy,
		&a.DecidedAt,
		&a.DecisionComments,
		&a.DecisionReason,
		&a.RequestReason,
		&metadata,
		&a.AutoApprovalReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &a.RequestMetadata); err != nil {
		return nil, err
	}
	return a, nil
}
