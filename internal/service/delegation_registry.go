package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
)

// DefaultDelegationHopLimit bounds delegation chain walks.
const DefaultDelegationHopLimit = 5

// DelegationRegistry owns time-bounded delegate-for-delegator mappings and
// resolves who should act on an approval at a given instant.
type DelegationRegistry struct {
	delegations DelegationStore
	directory   Directory
	hopLimit    int
	now         func() time.Time
	log         *logger.Logger
}

// NewDelegationRegistry creates a registry. A non-positive hopLimit uses
// DefaultDelegationHopLimit.
func NewDelegationRegistry(delegations DelegationStore, directory Directory, hopLimit int, log *logger.Logger) *DelegationRegistry {
	if hopLimit <= 0 {
		hopLimit = DefaultDelegationHopLimit
	}
	return &DelegationRegistry{
		delegations: delegations,
		directory:   directory,
		hopLimit:    hopLimit,
		now:         time.Now,
		log:         log,
	}
}

// WithClock overrides the time source. Used by tests.
func (r *DelegationRegistry) WithClock(now func() time.Time) *DelegationRegistry {
	r.now = now
	return r
}

// ResolveEffectiveApprover returns the user who should act for role at asOf:
// the role's current roster approver, followed through active delegations.
// On a cycle or an exhausted hop limit the undelegated approver is returned
// together with a *DelegationResolutionError.
func (r *DelegationRegistry) ResolveEffectiveApprover(ctx context.Context, organizationID, role string, entityType repository.EntityKind, asOf time.Time) (string, error) {
	base, err := r.directory.CurrentApprover(ctx, organizationID, role)
	if err != nil {
		return "", err
	}
	return r.ResolveUser(ctx, base, entityType, asOf)
}

// ResolveUser follows userID's active delegations for entityType at asOf.
func (r *DelegationRegistry) ResolveUser(ctx context.Context, userID string, entityType repository.EntityKind, asOf time.Time) (string, error) {
	current := userID
	visited := map[string]bool{userID: true}
	chain := []string{userID}

	for hops := 0; ; hops++ {
		next, err := r.activeDelegate(ctx, current, entityType, asOf)
		if err != nil {
			return userID, err
		}
		if next == "" {
			return current, nil
		}
		chain = append(chain, next)
		if visited[next] {
			r.log.Warn().Str("user_id", userID).Strs("chain", chain).Msg("Delegation cycle detected, using undelegated approver")
			return userID, &DelegationResolutionError{Origin: userID, Chain: chain, Cycle: true, HopLimit: r.hopLimit}
		}
		if hops+1 > r.hopLimit {
			r.log.Warn().Str("user_id", userID).Strs("chain", chain).Msg("Delegation hop limit exceeded, using undelegated approver")
			return userID, &DelegationResolutionError{Origin: userID, Chain: chain, HopLimit: r.hopLimit}
		}
		visited[next] = true
		current = next
	}
}

// activeDelegate returns the delegate covering userID, preferring a scope
// that names entityType over the wildcard. Empty means no delegation.
func (r *DelegationRegistry) activeDelegate(ctx context.Context, userID string, entityType repository.EntityKind, asOf time.Time) (string, error) {
	ds, err := r.delegations.ListActiveDelegationsFrom(ctx, userID)
	if err != nil {
		return "", err
	}
	var wildcard string
	for _, d := range ds {
		if !d.Covers(string(entityType), asOf) {
			continue
		}
		if d.EntityTypeScope == string(entityType) {
			return d.DelegateID, nil
		}
		if wildcard == "" {
			wildcard = d.DelegateID
		}
	}
	return wildcard, nil
}

// DelegatorsOf returns every user whose approvals currently flow to userID
// through active delegations, walking backwards up to the hop limit.
func (r *DelegationRegistry) DelegatorsOf(ctx context.Context, userID string, entityType repository.EntityKind, asOf time.Time) ([]string, error) {
	seen := map[string]bool{userID: true}
	frontier := []string{userID}
	var out []string

	for depth := 0; depth < r.hopLimit && len(frontier) > 0; depth++ {
		var next []string
		for _, delegate := range frontier {
			ds, err := r.delegations.ListActiveDelegationsTo(ctx, delegate)
			if err != nil {
				return nil, err
			}
			for _, d := range ds {
				if entityType != "" && !d.Covers(string(entityType), asOf) {
					continue
				}
				if entityType == "" && (asOf.Before(d.StartDate) || asOf.After(d.EndDate)) {
					continue
				}
				if seen[d.DelegatorID] {
					continue
				}
				seen[d.DelegatorID] = true
				out = append(out, d.DelegatorID)
				next = append(next, d.DelegatorID)
			}
		}
		frontier = next
	}
	return out, nil
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// CreateDelegationRequest describes a new delegation.
type CreateDelegationRequest struct {
	OrganizationID  string
	DelegatorID     string
	DelegateID      string
	EntityTypeScope string // entity kind or "*"; empty means "*"
	StartDate       time.Time
	EndDate         time.Time
	Reason          *string
}

// CreateDelegation validates and stores an active delegation.
func (r *DelegationRegistry) CreateDelegation(ctx context.Context, req *CreateDelegationRequest) (*repository.ApprovalDelegation, error) {
	if req.DelegatorID == "" {
		return nil, errors.InvalidInput("delegator_id", "is required")
	}
	if req.DelegateID == "" {
		return nil, errors.InvalidInput("delegate_id", "is required")
	}
	if req.DelegatorID == req.DelegateID {
		return nil, errors.InvalidInput("delegate_id", "cannot delegate to yourself")
	}
	if req.StartDate.IsZero() || req.EndDate.IsZero() {
		return nil, errors.InvalidInput("start_date", "start and end dates are required")
	}
	if !req.EndDate.After(req.StartDate) {
		return nil, errors.InvalidInput("end_date", "must be after start_date")
	}
	scope := req.EntityTypeScope
	if scope == "" {
		scope = repository.DelegationScopeAll
	}
	if scope != repository.DelegationScopeAll {
		if _, err := repository.ParseEntityKind(scope); err != nil {
			return nil, errors.InvalidInput("entity_type_scope", err.Error())
		}
	}

	existing, err := r.delegations.ListActiveDelegationsFrom(ctx, req.DelegatorID)
	if err != nil {
		return nil, err
	}
	for _, d := range existing {
		if d.EntityTypeScope == scope && d.Overlaps(req.StartDate, req.EndDate) {
			return nil, errors.Conflict("overlaps active delegation " + d.ID)
		}
	}

	now := r.now()
	d := &repository.ApprovalDelegation{
		OrganizationID:  req.OrganizationID,
		DelegatorID:     req.DelegatorID,
		DelegateID:      req.DelegateID,
		EntityTypeScope: scope,
		StartDate:       req.StartDate,
		EndDate:         req.EndDate,
		Status:          repository.DelegationActive,
		Reason:          req.Reason,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.delegations.CreateDelegation(ctx, d); err != nil {
		return nil, err
	}

	r.log.Info().
		Str("delegation_id", d.ID).
		Str("delegator_id", d.DelegatorID).
		Str("delegate_id", d.DelegateID).
		Str("scope", scope).
		Msg("Delegation created")
	return d, nil
}

// RevokeDelegation ends an active delegation. Only the delegator may revoke.
func (r *DelegationRegistry) RevokeDelegation(ctx context.Context, delegationID, actorID string) error {
	d, err := r.delegations.GetDelegation(ctx, delegationID)
	if err != nil {
		return err
	}
	if d.DelegatorID != actorID {
		return errors.Forbidden("only the delegator can revoke a delegation")
	}
	if d.Status != repository.DelegationActive {
		return errors.Conflict("delegation is already " + string(d.Status))
	}
	if err := r.delegations.UpdateDelegationStatus(ctx, delegationID, repository.DelegationActive, repository.DelegationRevoked); err != nil {
		return err
	}
	r.log.Info().Str("delegation_id", delegationID).Msg("Delegation revoked")
	return nil
}

// ExpireDelegations marks active delegations whose end date passed before
// asOf as expired and returns how many changed.
func (r *DelegationRegistry) ExpireDelegations(ctx context.Context, asOf time.Time) (int64, error) {
	n, err := r.delegations.ExpireDelegations(ctx, asOf)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info().Int64("count", n).Msg("Delegations expired")
	}
	return n, nil
}
