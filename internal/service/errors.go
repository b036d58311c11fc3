package service

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
)

// StaleApprovalError is returned when acting on an approval that has already
// reached a terminal status. Callers must re-fetch; it is never retried.
type StaleApprovalError struct {
	ApprovalID string
	Status     repository.ApprovalStatus
}

func (e *StaleApprovalError) Error() string {
	return fmt.Sprintf("approval %s is already %s", e.ApprovalID, e.Status)
}

func (e *StaleApprovalError) ErrorCode() apperrors.Code { return apperrors.ErrCodeConflict }

// UnauthorizedDeciderError is returned when the actor is not the resolved
// approver and holds no bypass permission.
type UnauthorizedDeciderError struct {
	ApprovalID       string
	ActorID          string
	ResolvedApprover string
}

func (e *UnauthorizedDeciderError) Error() string {
	if e.ResolvedApprover == "" {
		return fmt.Sprintf("user %s may not decide approval %s", e.ActorID, e.ApprovalID)
	}
	return fmt.Sprintf("user %s may not decide approval %s (current approver is %s)", e.ActorID, e.ApprovalID, e.ResolvedApprover)
}

func (e *UnauthorizedDeciderError) ErrorCode() apperrors.Code { return apperrors.ErrCodeUnauthorized }

// DelegationResolutionError reports a delegation chain that loops or exceeds
// the hop limit. Routing falls back to the undelegated approver.
type DelegationResolutionError struct {
	Origin   string
	Chain    []string
	Cycle    bool
	HopLimit int
}

func (e *DelegationResolutionError) Error() string {
	if e.Cycle {
		return fmt.Sprintf("delegation cycle from %s: %s", e.Origin, strings.Join(e.Chain, " -> "))
	}
	return fmt.Sprintf("delegation chain from %s exceeds %d hops: %s", e.Origin, e.HopLimit, strings.Join(e.Chain, " -> "))
}

func (e *DelegationResolutionError) ErrorCode() apperrors.Code { return apperrors.ErrCodeConflict }

// DataIntegrityError reports stored workflow configuration that cannot be
// resolved, such as an override pointing at a missing base stage.
type DataIntegrityError struct {
	DefinitionID string
	TargetID     string
	Detail       string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("workflow definition %s: %s (%s)", e.DefinitionID, e.Detail, e.TargetID)
}

func (e *DataIntegrityError) ErrorCode() apperrors.Code { return apperrors.ErrCodeDataIntegrity }

func isConflict(err error) bool {
	return apperrors.Is(err, apperrors.ErrCodeConflict)
}

// requirePermission fails with Forbidden unless actorID holds action on
// resource in organizationID.
func requirePermission(ctx context.Context, dir Directory, organizationID, actorID, resource, action string) error {
	if actorID == "" {
		return apperrors.InvalidInput("actor_id", "is required")
	}
	ok, err := dir.HasPermission(ctx, organizationID, actorID, resource, action)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Forbidden(fmt.Sprintf("%s/%s permission required", resource, action))
	}
	return nil
}
