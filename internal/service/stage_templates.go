package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
)

// StageTemplate is the TOML document describing an organization's base
// stages.
type StageTemplate struct {
	OrganizationID string              `toml:"organization_id"`
	Stages         []StageTemplateItem `toml:"stages"`
}

// StageTemplateItem is one stage in a template.
type StageTemplateItem struct {
	ID                string                 `toml:"id"`
	Name              string                 `toml:"name"`
	Order             int                    `toml:"order"`
	ResponsibleRoles  []string               `toml:"responsible_roles"`
	EstimatedDuration string                 `toml:"estimated_duration"`
	SubStages         []SubStageTemplateItem `toml:"sub_stages"`
}

// SubStageTemplateItem is one sub-stage in a template.
type SubStageTemplateItem struct {
	ID                string   `toml:"id"`
	Name              string   `toml:"name"`
	Order             int      `toml:"order"`
	IsRequired        bool     `toml:"is_required"`
	CanSkip           bool     `toml:"can_skip"`
	AutoAdvance       bool     `toml:"auto_advance"`
	ApprovalRoles     []string `toml:"approval_roles"`
	EstimatedDuration string   `toml:"estimated_duration"`
}

// LoadStageTemplate decodes and validates a stage template.
func LoadStageTemplate(r io.Reader) (*StageTemplate, error) {
	var tpl StageTemplate
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tpl); err != nil {
		return nil, fmt.Errorf("parse stage template: %w", err)
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// Validate checks names, orders and durations.
func (t *StageTemplate) Validate() error {
	if t.OrganizationID == "" {
		return fmt.Errorf("stage template: organization_id is required")
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("stage template: at least one stage is required")
	}
	stageOrders := map[int]string{}
	for _, st := range t.Stages {
		if st.Name == "" {
			return fmt.Errorf("stage template: stage name is required")
		}
		if st.Order < 1 {
			return fmt.Errorf("stage %q: order must be positive", st.Name)
		}
		if other, dup := stageOrders[st.Order]; dup {
			return fmt.Errorf("stage %q: order %d already used by %q", st.Name, st.Order, other)
		}
		stageOrders[st.Order] = st.Name
		if _, err := parseTemplateDuration(st.EstimatedDuration); err != nil {
			return fmt.Errorf("stage %q: %w", st.Name, err)
		}

		subOrders := map[int]string{}
		for _, sub := range st.SubStages {
			if sub.Name == "" {
				return fmt.Errorf("stage %q: sub-stage name is required", st.Name)
			}
			if sub.Order < 1 {
				return fmt.Errorf("sub-stage %q: order must be positive", sub.Name)
			}
			if other, dup := subOrders[sub.Order]; dup {
				return fmt.Errorf("sub-stage %q: order %d already used by %q", sub.Name, sub.Order, other)
			}
			subOrders[sub.Order] = sub.Name
			if _, err := parseTemplateDuration(sub.EstimatedDuration); err != nil {
				return fmt.Errorf("sub-stage %q: %w", sub.Name, err)
			}
		}
	}
	return nil
}

// Build converts the template into stage rows. Missing ids are derived from
// the organization and names so re-seeding the same template is stable.
func (t *StageTemplate) Build(now time.Time) ([]*repository.WorkflowStage, []*repository.WorkflowSubStage) {
	var (
		stages []*repository.WorkflowStage
		subs   []*repository.WorkflowSubStage
	)
	for _, st := range t.Stages {
		id := st.ID
		if id == "" {
			id = stableID(t.OrganizationID, st.Name)
		}
		d, _ := parseTemplateDuration(st.EstimatedDuration)
		stages = append(stages, &repository.WorkflowStage{
			ID:                id,
			OrganizationID:    t.OrganizationID,
			Name:              st.Name,
			Order:             st.Order,
			ResponsibleRoles:  st.ResponsibleRoles,
			EstimatedDuration: d,
			IsActive:          true,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
		for _, sub := range st.SubStages {
			subID := sub.ID
			if subID == "" {
				subID = stableID(t.OrganizationID, st.Name, sub.Name)
			}
			sd, _ := parseTemplateDuration(sub.EstimatedDuration)
			subs = append(subs, &repository.WorkflowSubStage{
				ID:                subID,
				StageID:           id,
				Name:              sub.Name,
				Order:             sub.Order,
				IsRequired:        sub.IsRequired,
				CanSkip:           sub.CanSkip,
				AutoAdvance:       sub.AutoAdvance,
				ApprovalRoles:     sub.ApprovalRoles,
				EstimatedDuration: sd,
				CreatedAt:         now,
				UpdatedAt:         now,
			})
		}
	}
	return stages, subs
}

// TemplateStore receives seeded stage rows.
type TemplateStore interface {
	UpsertStage(ctx context.Context, s *repository.WorkflowStage) error
	UpsertSubStage(ctx context.Context, s *repository.WorkflowSubStage) error
}

// SeedStageTemplate writes every stage and sub-stage of tpl and returns the
// number of rows written.
func SeedStageTemplate(ctx context.Context, store TemplateStore, tpl *StageTemplate, now time.Time) (int, error) {
	stages, subs := tpl.Build(now)
	for _, s := range stages {
		if err := store.UpsertStage(ctx, s); err != nil {
			return 0, fmt.Errorf("seed stage %q: %w", s.Name, err)
		}
	}
	for _, s := range subs {
		if err := store.UpsertSubStage(ctx, s); err != nil {
			return 0, fmt.Errorf("seed sub-stage %q: %w", s.Name, err)
		}
	}
	return len(stages) + len(subs), nil
}

func parseTemplateDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("estimated_duration: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("estimated_duration must not be negative")
	}
	return d, nil
}

func stableID(parts ...string) string {
	name := ""
	for i, p := range parts {
		if i > 0 {
			name += "/"
		}
		name += p
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("mfgworkflow:"+name)).String()
}
