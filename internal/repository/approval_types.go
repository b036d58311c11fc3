package repository

import (
	"fmt"
	"time"
)

// ── Approval status machine ──────────────────────────────────────────────────

// ApprovalStatus is the persisted approval_status enum.
type ApprovalStatus string

const (
	ApprovalStatusPending      ApprovalStatus = "pending"
	ApprovalStatusInReview     ApprovalStatus = "in_review"
	ApprovalStatusApproved     ApprovalStatus = "approved"
	ApprovalStatusRejected     ApprovalStatus = "rejected"
	ApprovalStatusDelegated    ApprovalStatus = "delegated"
	ApprovalStatusExpired      ApprovalStatus = "expired"
	ApprovalStatusCancelled    ApprovalStatus = "cancelled"
	ApprovalStatusAutoApproved ApprovalStatus = "auto_approved"
	ApprovalStatusEscalated    ApprovalStatus = "escalated"
)

// AllApprovalStatuses lists every status in enum declaration order.
var AllApprovalStatuses = []ApprovalStatus{
	ApprovalStatusPending,
	ApprovalStatusInReview,
	ApprovalStatusApproved,
	ApprovalStatusRejected,
	ApprovalStatusDelegated,
	ApprovalStatusExpired,
	ApprovalStatusCancelled,
	ApprovalStatusAutoApproved,
	ApprovalStatusEscalated,
}

var approvalTransitions = map[ApprovalStatus][]ApprovalStatus{
	ApprovalStatusPending: {
		ApprovalStatusInReview,
		ApprovalStatusDelegated,
		ApprovalStatusEscalated,
		ApprovalStatusAutoApproved,
		ApprovalStatusCancelled,
		ApprovalStatusExpired,
	},
	ApprovalStatusInReview: {
		ApprovalStatusApproved,
		ApprovalStatusRejected,
		ApprovalStatusDelegated,
		ApprovalStatusExpired,
	},
	ApprovalStatusDelegated: {ApprovalStatusPending, ApprovalStatusExpired},
	ApprovalStatusEscalated: {ApprovalStatusPending, ApprovalStatusExpired},
}

// NonTerminalApprovalStatuses are the statuses a sweep may still act on.
var NonTerminalApprovalStatuses = []ApprovalStatus{
	ApprovalStatusPending,
	ApprovalStatusInReview,
	ApprovalStatusDelegated,
	ApprovalStatusEscalated,
}

// IsTerminal reports whether no further transition is allowed.
func (s ApprovalStatus) IsTerminal() bool {
	switch s {
	case ApprovalStatusApproved, ApprovalStatusRejected, ApprovalStatusExpired,
		ApprovalStatusCancelled, ApprovalStatusAutoApproved:
		return true
	}
	return false
}

// IsValid reports whether s is a known enum value.
func (s ApprovalStatus) IsValid() bool {
	for _, known := range AllApprovalStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsSatisfied reports whether the approval counts as granted.
func (s ApprovalStatus) IsSatisfied() bool {
	return s == ApprovalStatusApproved || s == ApprovalStatusAutoApproved
}

// CanTransitionTo reports whether from → to is an edge of the status machine.
func (s ApprovalStatus) CanTransitionTo(to ApprovalStatus) bool {
	for _, next := range approvalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseApprovalStatus validates a persisted value.
func ParseApprovalStatus(v string) (ApprovalStatus, error) {
	s := ApprovalStatus(v)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown approval status %q", v)
	}
	return s, nil
}

// ── Priority ─────────────────────────────────────────────────────────────────

// ApprovalPriority is the persisted approval_priority enum.
type ApprovalPriority string

const (
	PriorityLow      ApprovalPriority = "low"
	PriorityNormal   ApprovalPriority = "normal"
	PriorityHigh     ApprovalPriority = "high"
	PriorityUrgent   ApprovalPriority = "urgent"
	PriorityCritical ApprovalPriority = "critical"
)

var priorityRank = map[ApprovalPriority]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityUrgent:   3,
	PriorityCritical: 4,
}

// Rank orders priorities; higher is more pressing. Unknown values rank -1.
func (p ApprovalPriority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return -1
}

// ParseApprovalPriority validates a priority, defaulting empty to normal.
func ParseApprovalPriority(v string) (ApprovalPriority, error) {
	if v == "" {
		return PriorityNormal, nil
	}
	p := ApprovalPriority(v)
	if p.Rank() < 0 {
		return "", fmt.Errorf("unknown approval priority %q", v)
	}
	return p, nil
}

// ── Entity reference ─────────────────────────────────────────────────────────

// EntityKind is the closed set of things an approval can gate.
type EntityKind string

const (
	EntityDocument        EntityKind = "document"
	EntityRFQ             EntityKind = "rfq"
	EntityStageTransition EntityKind = "stage_transition"
)

// ParseEntityKind maps the persisted entity_type column onto EntityKind.
func ParseEntityKind(v string) (EntityKind, error) {
	switch k := EntityKind(v); k {
	case EntityDocument, EntityRFQ, EntityStageTransition:
		return k, nil
	}
	return "", fmt.Errorf("unknown entity type %q", v)
}

// EntityRef points an approval at the entity it gates.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// Validate checks the kind is known and the id is set.
func (r EntityRef) Validate() error {
	if _, err := ParseEntityKind(string(r.Kind)); err != nil {
		return err
	}
	if r.ID == "" {
		return fmt.Errorf("entity id is required for %s", r.Kind)
	}
	return nil
}

func (r EntityRef) String() string { return string(r.Kind) + "/" + r.ID }

// ── Approval records ─────────────────────────────────────────────────────────

// Decision is the outcome a human approver submits.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Status maps a decision onto the terminal approval status it produces.
func (d Decision) Status() (ApprovalStatus, bool) {
	switch d {
	case DecisionApproved:
		return ApprovalStatusApproved, true
	case DecisionRejected:
		return ApprovalStatusRejected, true
	}
	return "", false
}

// Approval is one routed decision request.
type Approval struct {
	ID                  string           `json:"id"`
	OrganizationID      string           `json:"organization_id"`
	Entity              EntityRef        `json:"entity"`
	ApprovalType        string           `json:"approval_type"`
	Title               string           `json:"title"`
	Description         string           `json:"description"`
	Status              ApprovalStatus   `json:"status"`
	Priority            ApprovalPriority `json:"priority"`
	RequestedBy         string           `json:"requested_by"`
	CurrentApproverID   *string          `json:"current_approver_id,omitempty"`
	CurrentApproverRole *string          `json:"current_approver_role,omitempty"`
	StepNumber          int              `json:"step_number"`
	TotalSteps          int              `json:"total_steps"`
	StageID             *string          `json:"stage_id,omitempty"` // set for stage_transition approvals
	DueDate             *time.Time       `json:"due_date,omitempty"`
	DelegatedFrom       *string          `json:"delegated_from,omitempty"`
	DelegatedTo         *string          `json:"delegated_to,omitempty"`
	EscalatedFrom       *string          `json:"escalated_from,omitempty"`
	EscalatedTo         *string          `json:"escalated_to,omitempty"`
	EscalationLevel     int              `json:"escalation_level"`
	DecidedBy           *string          `json:"decided_by,omitempty"`
	DecidedAt           *time.Time       `json:"decided_at,omitempty"`
	DecisionComments    *string          `json:"decision_comments,omitempty"`
	DecisionReason      *string          `json:"decision_reason,omitempty"`
	RequestReason       *string          `json:"request_reason,omitempty"`
	RequestMetadata     map[string]any   `json:"request_metadata,omitempty"`
	AutoApprovalReason  *string          `json:"auto_approval_reason,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Clone returns a copy that can be mutated before a compare-and-set.
func (a *Approval) Clone() *Approval {
	c := *a
	if a.RequestMetadata != nil {
		c.RequestMetadata = make(map[string]any, len(a.RequestMetadata))
		for k, v := range a.RequestMetadata {
			c.RequestMetadata[k] = v
		}
	}
	return &c
}

// ApproverLabel describes the current approver for logs and messages.
func (a *Approval) ApproverLabel() string {
	if a.CurrentApproverID != nil {
		return "user:" + *a.CurrentApproverID
	}
	if a.CurrentApproverRole != nil {
		return "role:" + *a.CurrentApproverRole
	}
	return "unassigned"
}

// ApprovalHistory is one immutable status change of an approval.
type ApprovalHistory struct {
	ID         string          `json:"id"`
	ApprovalID string          `json:"approval_id"`
	OldStatus  *ApprovalStatus `json:"old_status,omitempty"`
	NewStatus  ApprovalStatus  `json:"new_status"`
	ActorID    *string         `json:"actor_id,omitempty"`
	Comments   *string         `json:"comments,omitempty"`
	Reason     *string         `json:"reason,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ApprovalFilter narrows approval listings.
type ApprovalFilter struct {
	OrganizationID string
	Entity         *EntityRef
	StageIDs       []string
	Statuses       []ApprovalStatus
	ApproverIDs    []string
	ApproverRoles  []string
	DueBefore      *time.Time
	UpdatedBefore  *time.Time
}

// ── Auto-approval rules ──────────────────────────────────────────────────────

// RuleCondition is one predicate over request metadata.
type RuleCondition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"` // eq | neq | lt | lte | gt | gte | in | exists
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// AutoApprovalRule grants an approval at creation time when every condition
// holds against the request metadata.
type AutoApprovalRule struct {
	ID             string          `yaml:"-"`
	OrganizationID string          `yaml:"organization_id"`
	Name           string          `yaml:"name"`
	ApprovalType   *string         `yaml:"approval_type,omitempty"`
	EntityType     *EntityKind     `yaml:"entity_type,omitempty"`
	Conditions     []RuleCondition `yaml:"conditions"`
	Reason         string          `yaml:"reason"`
	Priority       int             `yaml:"priority"` // lower = evaluated first
	IsActive       bool            `yaml:"is_active"`
	CreatedAt      time.Time       `yaml:"-"`
	UpdatedAt      time.Time       `yaml:"-"`
}

// ── Delegations ──────────────────────────────────────────────────────────────

// DelegationStatus is the lifecycle of a delegation.
type DelegationStatus string

const (
	DelegationActive  DelegationStatus = "active"
	DelegationExpired DelegationStatus = "expired"
	DelegationRevoked DelegationStatus = "revoked"
)

// DelegationScopeAll matches every entity type.
const DelegationScopeAll = "*"

// ApprovalDelegation hands a delegator's approvals to a delegate for a window.
type ApprovalDelegation struct {
	ID              string           `json:"id"`
	OrganizationID  string           `json:"organization_id"`
	DelegatorID     string           `json:"delegator_id"`
	DelegateID      string           `json:"delegate_id"`
	EntityTypeScope string           `json:"entity_type_scope"`
	StartDate       time.Time        `json:"start_date"`
	EndDate         time.Time        `json:"end_date"`
	Status          DelegationStatus `json:"status"`
	Reason          *string          `json:"reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Covers reports whether the delegation applies to entityType at asOf.
func (d *ApprovalDelegation) Covers(entityType string, asOf time.Time) bool {
	if d.Status != DelegationActive {
		return false
	}
	if d.EntityTypeScope != DelegationScopeAll && d.EntityTypeScope != entityType {
		return false
	}
	return !asOf.Before(d.StartDate) && !asOf.After(d.EndDate)
}

// Overlaps reports whether two ranges share at least one instant.
func (d *ApprovalDelegation) Overlaps(start, end time.Time) bool {
	return !start.After(d.EndDate) && !end.Before(d.StartDate)
}
