// Package memory is an in-process implementation of the workflow stores and
// directory, used by tests and local tooling.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
)

// Store keeps every workflow table in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	stages      map[string]*repository.WorkflowStage
	subStages   map[string]*repository.WorkflowSubStage
	definitions map[string]*repository.WorkflowDefinition
	overrides   []*repository.StageOverride

	projects map[string]*repository.Project
	progress map[string]*repository.SubStageProgress // projectID/subStageID

	approvals     map[string]*repository.Approval
	approvalOrder []string
	history       map[string][]*repository.ApprovalHistory
	rules         map[string]*repository.AutoApprovalRule

	delegations map[string]*repository.ApprovalDelegation

	transitions []*repository.StageTransitionRecord
	historyErr  error

	roster      []repository.RosterMember
	permissions map[string]bool
	names       map[string]string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		stages:      map[string]*repository.WorkflowStage{},
		subStages:   map[string]*repository.WorkflowSubStage{},
		definitions: map[string]*repository.WorkflowDefinition{},
		projects:    map[string]*repository.Project{},
		progress:    map[string]*repository.SubStageProgress{},
		approvals:   map[string]*repository.Approval{},
		history:     map[string][]*repository.ApprovalHistory{},
		rules:       map[string]*repository.AutoApprovalRule{},
		delegations: map[string]*repository.ApprovalDelegation{},
		permissions: map[string]bool{},
		names:       map[string]string{},
	}
}

// FailHistoryWrites makes every stage history write fail with err until it
// is called again with nil.
func (s *Store) FailHistoryWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyErr = err
}

// ── Stage templates ──────────────────────────────────────────────────────────

func (s *Store) UpsertStage(_ context.Context, st *repository.WorkflowStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.stages {
		if other.ID != st.ID && other.OrganizationID == st.OrganizationID && other.Order == st.Order {
			return errors.Conflict("stage order already used in organization")
		}
	}
	c := *st
	if c.ID == "" {
		c.ID = uuid.NewString()
		st.ID = c.ID
	}
	s.stages[c.ID] = &c
	return nil
}

func (s *Store) UpsertSubStage(_ context.Context, sub *repository.WorkflowSubStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stages[sub.StageID]; !ok {
		return errors.NotFound("stage", sub.StageID)
	}
	for _, other := range s.subStages {
		if other.ID != sub.ID && other.StageID == sub.StageID && other.Order == sub.Order {
			return errors.Conflict("sub-stage order already used in stage")
		}
	}
	c := *sub
	if c.ID == "" {
		c.ID = uuid.NewString()
		sub.ID = c.ID
	}
	s.subStages[c.ID] = &c
	return nil
}

// AddDefinition stores a workflow definition.
func (s *Store) AddDefinition(def *repository.WorkflowDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *def
	if c.ID == "" {
		c.ID = uuid.NewString()
		def.ID = c.ID
	}
	s.definitions[c.ID] = &c
}

// AddOverride stores a definition override.
func (s *Store) AddOverride(o *repository.StageOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *o
	s.overrides = append(s.overrides, &c)
}

func (s *Store) CreateDefinition(_ context.Context, def *repository.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *def
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, dup := s.definitions[c.ID]; dup {
		return errors.Conflict("workflow definition already exists")
	}
	c.Version = max(c.Version, 1)
	s.definitions[c.ID] = &c
	*def = c
	return nil
}

func (s *Store) PutOverride(_ context.Context, o *repository.StageOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[o.DefinitionID]; !ok {
		return errors.NotFound("workflow definition", o.DefinitionID)
	}
	c := *o
	for i, existing := range s.overrides {
		if existing.DefinitionID == o.DefinitionID && existing.StageID == o.StageID &&
			ptrEqual(existing.SubStageID, o.SubStageID) {
			s.overrides[i] = &c
			return nil
		}
	}
	s.overrides = append(s.overrides, &c)
	return nil
}

func ptrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *Store) ListStages(_ context.Context, organizationID string) ([]*repository.WorkflowStage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.WorkflowStage
	for _, st := range s.stages {
		if st.OrganizationID == organizationID && st.IsActive {
			c := *st
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s *Store) GetStage(_ context.Context, stageID string) (*repository.WorkflowStage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stages[stageID]
	if !ok {
		return nil, errors.NotFound("stage", stageID)
	}
	c := *st
	return &c, nil
}

func (s *Store) ListSubStages(_ context.Context, stageID string) ([]*repository.WorkflowSubStage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.WorkflowSubStage
	for _, sub := range s.subStages {
		if sub.StageID == stageID {
			c := *sub
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s *Store) GetDefinition(_ context.Context, definitionID string) (*repository.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[definitionID]
	if !ok {
		return nil, errors.NotFound("workflow definition", definitionID)
	}
	c := *def
	return &c, nil
}

func (s *Store) GetDefaultDefinition(_ context.Context, organizationID string) (*repository.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, def := range s.definitions {
		if def.OrganizationID == organizationID && def.IsDefault && def.IsActive {
			c := *def
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Store) ListOverrides(_ context.Context, definitionID string) ([]*repository.StageOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.StageOverride
	for _, o := range s.overrides {
		if o.DefinitionID == definitionID {
			c := *o
			out = append(out, &c)
		}
	}
	return out, nil
}

// ── Projects ─────────────────────────────────────────────────────────────────

// AddProject stores a project.
func (s *Store) AddProject(p *repository.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	if c.ID == "" {
		c.ID = uuid.NewString()
		p.ID = c.ID
	}
	s.projects[c.ID] = &c
}

func (s *Store) GetProject(_ context.Context, projectID string) (*repository.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, errors.NotFound("project", projectID)
	}
	c := *p
	return &c, nil
}

func (s *Store) AdvanceStage(_ context.Context, adv *repository.StageAdvance) (*repository.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[adv.ProjectID]
	if !ok {
		return nil, errors.NotFound("project", adv.ProjectID)
	}
	if !sameStage(p.CurrentStageID, adv.FromStageID) {
		return nil, repository.ErrStaleWrite
	}
	if adv.HistoryRecord != nil && s.historyErr != nil {
		return nil, s.historyErr
	}

	to := adv.ToStageID
	entered := adv.EnteredAt
	p.CurrentStageID = &to
	p.StageEnteredAt = &entered
	p.UpdatedAt = adv.EnteredAt
	for _, subID := range adv.SubStageIDs {
		key := progressKey(adv.ProjectID, subID)
		if _, exists := s.progress[key]; exists {
			continue
		}
		s.progress[key] = &repository.SubStageProgress{
			ID:         uuid.NewString(),
			ProjectID:  adv.ProjectID,
			SubStageID: subID,
			Status:     repository.ProgressPending,
			CreatedAt:  adv.EnteredAt,
			UpdatedAt:  adv.EnteredAt,
		}
	}
	if adv.HistoryRecord != nil {
		s.appendTransitionLocked(adv.HistoryRecord)
	}
	c := *p
	return &c, nil
}

func (s *Store) ListProgress(_ context.Context, projectID string, subStageIDs []string) ([]*repository.SubStageProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.SubStageProgress
	for _, id := range subStageIDs {
		if p, ok := s.progress[progressKey(projectID, id)]; ok {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) GetProgress(_ context.Context, projectID, subStageID string) (*repository.SubStageProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[progressKey(projectID, subStageID)]
	if !ok {
		return nil, errors.NotFound("sub-stage progress", subStageID)
	}
	c := *p
	return &c, nil
}

func (s *Store) UpdateProgress(_ context.Context, p *repository.SubStageProgress, expected repository.ProgressStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := progressKey(p.ProjectID, p.SubStageID)
	cur, ok := s.progress[key]
	if !ok {
		return errors.NotFound("sub-stage progress", p.SubStageID)
	}
	if cur.Status != expected {
		return repository.ErrStaleWrite
	}
	c := *p
	s.progress[key] = &c
	return nil
}

// SetProgress overwrites a progress row. Used to arrange test fixtures.
func (s *Store) SetProgress(p *repository.SubStageProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.progress[progressKey(p.ProjectID, p.SubStageID)] = &c
}

func progressKey(projectID, subStageID string) string { return projectID + "/" + subStageID }

func sameStage(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ── Approvals ────────────────────────────────────────────────────────────────

func (s *Store) CreateApproval(_ context.Context, a *repository.Approval, h *repository.ApprovalHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, exists := s.approvals[a.ID]; exists {
		return errors.Conflict("approval already exists")
	}
	s.approvals[a.ID] = a.Clone()
	s.approvalOrder = append(s.approvalOrder, a.ID)
	if h != nil {
		h.ApprovalID = a.ID
		s.appendHistoryLocked(h)
	}
	return nil
}

func (s *Store) GetApproval(_ context.Context, approvalID string) (*repository.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, errors.NotFound("approval", approvalID)
	}
	return a.Clone(), nil
}

func (s *Store) ListApprovals(_ context.Context, f repository.ApprovalFilter) ([]*repository.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Approval
	for _, id := range s.approvalOrder {
		a := s.approvals[id]
		if matches(a, f) {
			out = append(out, a.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func matches(a *repository.Approval, f repository.ApprovalFilter) bool {
	if f.OrganizationID != "" && a.OrganizationID != f.OrganizationID {
		return false
	}
	if f.Entity != nil && a.Entity != *f.Entity {
		return false
	}
	if len(f.StageIDs) > 0 && (a.StageID == nil || !slices.Contains(f.StageIDs, *a.StageID)) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
		return false
	}
	if len(f.ApproverIDs) > 0 || len(f.ApproverRoles) > 0 {
		byID := a.CurrentApproverID != nil && slices.Contains(f.ApproverIDs, *a.CurrentApproverID)
		byRole := a.CurrentApproverRole != nil && slices.Contains(f.ApproverRoles, *a.CurrentApproverRole)
		if !byID && !byRole {
			return false
		}
	}
	if f.DueBefore != nil && (a.DueDate == nil || !a.DueDate.Before(*f.DueBefore)) {
		return false
	}
	if f.UpdatedBefore != nil && !a.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	return true
}

func (s *Store) CompareAndSetStatus(_ context.Context, a *repository.Approval, expected repository.ApprovalStatus, h *repository.ApprovalHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.approvals[a.ID]
	if !ok {
		return errors.NotFound("approval", a.ID)
	}
	if cur.Status != expected {
		return repository.ErrStaleWrite
	}
	s.approvals[a.ID] = a.Clone()
	if h != nil {
		h.ApprovalID = a.ID
		s.appendHistoryLocked(h)
	}
	return nil
}

func (s *Store) appendHistoryLocked(h *repository.ApprovalHistory) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	c := *h
	s.history[h.ApprovalID] = append(s.history[h.ApprovalID], &c)
}

func (s *Store) ListHistory(_ context.Context, approvalID string) ([]*repository.ApprovalHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.history[approvalID]
	out := make([]*repository.ApprovalHistory, len(rows))
	for i, h := range rows {
		c := *h
		out[i] = &c
	}
	return out, nil
}

func (s *Store) UpsertAutoApprovalRule(_ context.Context, rule *repository.AutoApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	c := *rule
	s.rules[c.ID] = &c
	return nil
}

func (s *Store) ListAutoApprovalRules(_ context.Context, organizationID string) ([]*repository.AutoApprovalRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.AutoApprovalRule
	for _, r := range s.rules {
		if r.OrganizationID == organizationID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// ── Delegations ──────────────────────────────────────────────────────────────

func (s *Store) CreateDelegation(_ context.Context, d *repository.ApprovalDelegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.delegations {
		if other.Status == repository.DelegationActive &&
			other.DelegatorID == d.DelegatorID &&
			other.EntityTypeScope == d.EntityTypeScope &&
			other.Overlaps(d.StartDate, d.EndDate) {
			return errors.Conflict("delegation overlaps an active delegation")
		}
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	c := *d
	s.delegations[c.ID] = &c
	return nil
}

func (s *Store) GetDelegation(_ context.Context, delegationID string) (*repository.ApprovalDelegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.delegations[delegationID]
	if !ok {
		return nil, errors.NotFound("delegation", delegationID)
	}
	c := *d
	return &c, nil
}

func (s *Store) ListActiveDelegationsFrom(_ context.Context, delegatorID string) ([]*repository.ApprovalDelegation, error) {
	return s.listDelegations(func(d *repository.ApprovalDelegation) bool { return d.DelegatorID == delegatorID }), nil
}

func (s *Store) ListActiveDelegationsTo(_ context.Context, delegateID string) ([]*repository.ApprovalDelegation, error) {
	return s.listDelegations(func(d *repository.ApprovalDelegation) bool { return d.DelegateID == delegateID }), nil
}

func (s *Store) listDelegations(keep func(*repository.ApprovalDelegation) bool) []*repository.ApprovalDelegation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ApprovalDelegation
	for _, d := range s.delegations {
		if d.Status == repository.DelegationActive && keep(d) {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out
}

func (s *Store) UpdateDelegationStatus(_ context.Context, delegationID string, from, to repository.DelegationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.delegations[delegationID]
	if !ok {
		return errors.NotFound("delegation", delegationID)
	}
	if d.Status != from {
		return repository.ErrStaleWrite
	}
	d.Status = to
	return nil
}

func (s *Store) ExpireDelegations(_ context.Context, asOf time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.delegations {
		if d.Status == repository.DelegationActive && d.EndDate.Before(asOf) {
			d.Status = repository.DelegationExpired
			d.UpdatedAt = asOf
			n++
		}
	}
	return n, nil
}

// ── Stage history ────────────────────────────────────────────────────────────

func (s *Store) AppendTransition(_ context.Context, rec *repository.StageTransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyErr != nil {
		return s.historyErr
	}
	s.appendTransitionLocked(rec)
	return nil
}

func (s *Store) appendTransitionLocked(rec *repository.StageTransitionRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	for _, existing := range s.transitions {
		if existing.ID == rec.ID {
			return
		}
	}
	c := *rec
	s.transitions = append(s.transitions, &c)
}

func (s *Store) ListTransitions(_ context.Context, projectID string) ([]*repository.StageTransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.StageTransitionRecord
	for _, rec := range s.transitions {
		if rec.ProjectID == projectID {
			c := *rec
			out = append(out, &c)
		}
	}
	return out, nil
}

// ── Directory ────────────────────────────────────────────────────────────────

// AddRosterMember puts userID on role's roster.
func (s *Store) AddRosterMember(m repository.RosterMember) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster = append(s.roster, m)
}

// Grant gives userID permission for action on resource.
func (s *Store) Grant(organizationID, userID, resource, action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions[permKey(organizationID, userID, resource, action)] = true
}

// SetDisplayName records a user's display name.
func (s *Store) SetDisplayName(userID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[userID] = name
}

func (s *Store) CurrentApprover(_ context.Context, organizationID, role string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.roster {
		if m.OrganizationID == organizationID && m.Role == role && m.IsCurrentApprover {
			return m.UserID, nil
		}
	}
	return "", errors.NotFound("current approver for role", role)
}

func (s *Store) UserRoles(_ context.Context, organizationID, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var roles []string
	for _, m := range s.roster {
		if m.UserID == userID && (organizationID == "" || m.OrganizationID == organizationID) && !slices.Contains(roles, m.Role) {
			roles = append(roles, m.Role)
		}
	}
	return roles, nil
}

func (s *Store) HasPermission(_ context.Context, organizationID, userID, resource, action string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissions[permKey(organizationID, userID, resource, action)], nil
}

func (s *Store) DisplayName(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.names[userID]; ok {
		return n, nil
	}
	return "", errors.NotFound("user", userID)
}

func permKey(parts ...string) string {
	k := ""
	for _, p := range parts {
		k += p + "\x00"
	}
	return k
}
