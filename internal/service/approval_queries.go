package service

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
)

// PendingApproval is one item in a user's approval inbox.
type PendingApproval struct {
	ApprovalID      string                      `json:"approval_id"`
	ApprovalType    string                      `json:"approval_type"`
	Title           string                      `json:"title"`
	Description     string                      `json:"description"`
	Status          repository.ApprovalStatus   `json:"status"`
	Entity          string                      `json:"entity"`
	DueDate         *time.Time                  `json:"due_date,omitempty"`
	DaysOverdue     int                         `json:"days_overdue"`
	Priority        repository.ApprovalPriority `json:"priority"`
	RequestedBy     string                      `json:"requested_by"`
	RequestedByName string                      `json:"requested_by_name"`
	RoutedVia       string                      `json:"routed_via"` // direct | role | delegation
}

// PendingApprovalsFor returns userID's inbox on behalf of actorID, who must be
// that user or hold the workflow admin permission.
func (e *ApprovalEngine) PendingApprovalsFor(ctx context.Context, organizationID, actorID, userID string) ([]*PendingApproval, error) {
	if actorID != userID {
		if err := requirePermission(ctx, e.directory, organizationID, actorID, ResourceWorkflow, ActionAdmin); err != nil {
			return nil, err
		}
	}
	return e.GetPendingApprovalsForUser(ctx, organizationID, userID)
}

// GetPendingApprovalsForUser lists open approvals the user can decide:
// routed to them directly, to a role they hold and currently act for (or
// may bypass), or to someone whose approvals currently flow to them through
// active delegations.
func (e *ApprovalEngine) GetPendingApprovalsForUser(ctx context.Context, organizationID, userID string) ([]*PendingApproval, error) {
	if userID == "" {
		return nil, errors.InvalidInput("user_id", "is required")
	}
	now := e.now()

	roles, err := e.directory.UserRoles(ctx, organizationID, userID)
	if err != nil {
		return nil, err
	}
	delegators, err := e.registry.DelegatorsOf(ctx, userID, "", now)
	if err != nil {
		return nil, err
	}

	canBypass, err := e.directory.HasPermission(ctx, organizationID, userID, ResourceApproval, ActionBypass)
	if err != nil {
		return nil, err
	}

	heldRole := make(map[string]bool, len(roles))
	for _, r := range roles {
		heldRole[r] = true
	}
	approverIDs := append([]string{userID}, delegators...)
	candidateRoles := append([]string(nil), roles...)
	for _, d := range delegators {
		dr, err := e.directory.UserRoles(ctx, organizationID, d)
		if err != nil {
			return nil, err
		}
		candidateRoles = append(candidateRoles, dr...)
	}

	open, err := e.approvals.ListApprovals(ctx, repository.ApprovalFilter{
		OrganizationID: organizationID,
		Statuses:       []repository.ApprovalStatus{repository.ApprovalStatusPending, repository.ApprovalStatusInReview},
		ApproverIDs:    approverIDs,
		ApproverRoles:  candidateRoles,
	})
	if err != nil {
		return nil, err
	}

	names := map[string]string{}
	out := make([]*PendingApproval, 0, len(open))
	for _, a := range open {
		resolved, _ := e.ResolveApprover(ctx, a)
		via := ""
		switch {
		case a.CurrentApproverID != nil && *a.CurrentApproverID == userID:
			if resolved == userID {
				via = "direct"
			}
		case a.CurrentApproverRole != nil && heldRole[*a.CurrentApproverRole]:
			// Same rule as authorizeDecider: the resolved approver, or a
			// holder of the approval bypass permission.
			if resolved == userID || canBypass {
				via = "role"
			}
		}
		if via == "" && resolved == userID {
			via = "delegation"
		}
		if via == "" {
			continue
		}

		name, ok := names[a.RequestedBy]
		if !ok {
			name = a.RequestedBy
			if n, err := e.directory.DisplayName(ctx, a.RequestedBy); err == nil && n != "" {
				name = n
			}
			names[a.RequestedBy] = name
		}

		out = append(out, &PendingApproval{
			ApprovalID:      a.ID,
			ApprovalType:    a.ApprovalType,
			Title:           a.Title,
			Description:     a.Description,
			Status:          a.Status,
			Entity:          a.Entity.String(),
			DueDate:         a.DueDate,
			DaysOverdue:     daysOverdue(a.DueDate, now),
			Priority:        a.Priority,
			RequestedBy:     a.RequestedBy,
			RequestedByName: name,
			RoutedVia:       via,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		di, dj := out[i].DueDate, out[j].DueDate
		switch {
		case di == nil && dj == nil:
			return false
		case di == nil:
			return false
		case dj == nil:
			return true
		}
		return di.Before(*dj)
	})
	return out, nil
}

// daysOverdue counts whole days past due; zero when not yet due.
func daysOverdue(due *time.Time, now time.Time) int {
	if due == nil || !now.After(*due) {
		return 0
	}
	return int(now.Sub(*due) / (24 * time.Hour))
}
