package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/database"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
)

// DirectoryRepository reads users, role rosters and permission grants. The
// tables are maintained by the identity service; this service only reads them
// apart from seeding.
type DirectoryRepository struct {
	db *database.DB
}

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(db *database.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// CurrentApprover returns the user flagged as current approver for role.
func (r *DirectoryRepository) CurrentApprover(ctx context.Context, organizationID, role string) (string, error) {
	query := `
		SELECT user_id FROM role_roster
		WHERE organization_id = $1 AND role = $2 AND is_current_approver`

	var userID string
	err := r.db.QueryRow(ctx, query, organizationID, role).Scan(&userID)
	if isNoRows(err) {
		return "", errors.NotFound("current approver for role", role)
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve current approver")
	}
	return userID, nil
}

// UserRoles lists the distinct roles a user holds. An empty organizationID
// searches every organization.
func (r *DirectoryRepository) UserRoles(ctx context.Context, organizationID, userID string) ([]string, error) {
	query := `
		SELECT DISTINCT role FROM role_roster
		WHERE user_id = $1 AND ($2 = '' OR organization_id = $2)
		ORDER BY role`

	rows, err := r.db.Query(ctx, query, userID, organizationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list user roles")
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan role")
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// HasPermission reports whether the user holds resource:action in the
// organization.
func (r *DirectoryRepository) HasPermission(ctx context.Context, organizationID, userID, resource, action string) (bool, error) {
	query := `
		SELECT EXISTS (
		    SELECT 1 FROM user_permissions
		    WHERE organization_id = $1 AND user_id = $2 AND resource = $3 AND action = $4
		)`

	var ok bool
	if err := r.db.QueryRow(ctx, query, organizationID, userID, resource, action).Scan(&ok); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check permission")
	}
	return ok, nil
}

// DisplayName returns the user's display name.
func (r *DirectoryRepository) DisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := r.db.QueryRow(ctx, `SELECT display_name FROM users WHERE id = $1`, userID).Scan(&name)
	if isNoRows(err) {
		return "", errors.NotFound("user", userID)
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return name, nil
}

// ── Seeding ──────────────────────────────────────────────────────────────────

// PutUser inserts or renames a user.
func (r *DirectoryRepository) PutUser(ctx context.Context, userID, displayName string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO users (id, display_name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name`,
		userID, displayName)
	return mapWriteError(err, "failed to put user")
}

// PutRosterMember adds a role holder. Flagging a member as current approver
// clears the flag on the role's previous holder.
func (r *DirectoryRepository) PutRosterMember(ctx context.Context, m RosterMember) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if m.IsCurrentApprover {
			if _, err := tx.Exec(ctx, `
				UPDATE role_roster SET is_current_approver = FALSE
				WHERE organization_id = $1 AND role = $2 AND user_id <> $3`,
				m.OrganizationID, m.Role, m.UserID); err != nil {
				return mapWriteError(err, "failed to clear current approver")
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO role_roster (organization_id, role, user_id, is_current_approver)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (organization_id, role, user_id)
			DO UPDATE SET is_current_approver = EXCLUDED.is_current_approver`,
			m.OrganizationID, m.Role, m.UserID, m.IsCurrentApprover)
		return mapWriteError(err, "failed to put roster member")
	})
}

// Grant records a permission.
func (r *DirectoryRepository) Grant(ctx context.Context, organizationID, userID, resource, action string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO user_permissions (organization_id, user_id, resource, action)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`,
		organizationID, userID, resource, action)
	return mapWriteError(err, "failed to grant permission")
}
