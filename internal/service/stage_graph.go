package service

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/cache"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
)

// StageGraph resolves an organization's ordered stages and sub-stages by
// merging base templates with workflow-definition overrides.
type StageGraph struct {
	stages    StageStore
	stageMemo *cache.TTL[[]repository.WorkflowStage]
	subMemo   *cache.TTL[[]repository.WorkflowSubStage]
	log       *logger.Logger
}

// NewStageGraph creates a StageGraph whose resolutions live for ttl.
func NewStageGraph(stages StageStore, ttl time.Duration, log *logger.Logger) *StageGraph {
	return &StageGraph{
		stages:    stages,
		stageMemo: cache.NewTTL[[]repository.WorkflowStage](ttl),
		subMemo:   cache.NewTTL[[]repository.WorkflowSubStage](ttl),
		log:       log,
	}
}

// WithClock overrides the cache clock. Used by tests.
func (g *StageGraph) WithClock(now func() time.Time) *StageGraph {
	g.stageMemo.WithClock(now)
	g.subMemo.WithClock(now)
	return g
}

// Invalidate drops cached resolutions for an organization, or everything
// when organizationID is empty.
func (g *StageGraph) Invalidate(organizationID string) {
	g.stageMemo.Invalidate(organizationID)
	g.subMemo.Invalidate(organizationID)
}

// ResolveStages returns the organization's stages in effective order. An
// empty definitionID selects the organization's default definition, if any.
func (g *StageGraph) ResolveStages(ctx context.Context, organizationID, definitionID string) ([]repository.WorkflowStage, error) {
	def, err := g.definitionFor(ctx, organizationID, definitionID)
	if err != nil {
		return nil, err
	}

	key := organizationID + ":stages:" + definitionKey(def)
	resolved, err := g.stageMemo.GetOrLoad(ctx, key, func(ctx context.Context) ([]repository.WorkflowStage, error) {
		return g.loadStages(ctx, organizationID, def)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(resolved), nil
}

// ResolveSubStages returns a stage's sub-stages in effective order under the
// given definition (or the organization default when empty).
func (g *StageGraph) ResolveSubStages(ctx context.Context, stageID, definitionID string) ([]repository.WorkflowSubStage, error) {
	stage, err := g.stages.GetStage(ctx, stageID)
	if err != nil {
		return nil, err
	}
	def, err := g.definitionFor(ctx, stage.OrganizationID, definitionID)
	if err != nil {
		return nil, err
	}

	key := stage.OrganizationID + ":sub:" + stageID + ":" + definitionKey(def)
	resolved, err := g.subMemo.GetOrLoad(ctx, key, func(ctx context.Context) ([]repository.WorkflowSubStage, error) {
		return g.loadSubStages(ctx, stageID, def)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(resolved), nil
}

// FindStage returns the resolved stage with the given id, or a not-found
// error when the definition excludes it.
func (g *StageGraph) FindStage(ctx context.Context, organizationID, definitionID, stageID string) (*repository.WorkflowStage, error) {
	stages, err := g.ResolveStages(ctx, organizationID, definitionID)
	if err != nil {
		return nil, err
	}
	for i := range stages {
		if stages[i].ID == stageID {
			return &stages[i], nil
		}
	}
	return nil, errors.NotFound("stage", stageID)
}

func (g *StageGraph) definitionFor(ctx context.Context, organizationID, definitionID string) (*repository.WorkflowDefinition, error) {
	if definitionID == "" {
		return g.stages.GetDefaultDefinition(ctx, organizationID)
	}
	def, err := g.stages.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if def.OrganizationID != organizationID {
		return nil, errors.InvalidInput("workflow_definition_id", "definition belongs to another organization")
	}
	return def, nil
}

func definitionKey(def *repository.WorkflowDefinition) string {
	if def == nil {
		return "base"
	}
	return def.ID
}

// ── Merge ────────────────────────────────────────────────────────────────────

func (g *StageGraph) loadStages(ctx context.Context, organizationID string, def *repository.WorkflowDefinition) ([]repository.WorkflowStage, error) {
	base, err := g.stages.ListStages(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(base, func(i, j int) bool { return base[i].Order < base[j].Order })

	overrides := map[string]*repository.StageOverride{}
	if def != nil {
		all, err := g.stages.ListOverrides(ctx, def.ID)
		if err != nil {
			return nil, err
		}
		known := make(map[string]bool, len(base))
		for _, s := range base {
			known[s.ID] = true
		}
		for _, o := range all {
			if o.TargetsSubStage() {
				continue
			}
			if !known[o.StageID] {
				g.log.Error().
					Str("definition_id", def.ID).
					Str("stage_id", o.StageID).
					Msg("Override references missing base stage")
				return nil, &DataIntegrityError{DefinitionID: def.ID, TargetID: o.StageID, Detail: "override references missing stage"}
			}
			overrides[o.StageID] = o
		}
	}

	out := make([]repository.WorkflowStage, 0, len(base))
	for _, s := range base {
		merged := *s
		if o, ok := overrides[s.ID]; ok {
			if !o.IsIncluded {
				continue
			}
			if o.Order != nil {
				merged.Order = *o.Order
			}
			if o.ResponsibleRoles != nil {
				merged.ResponsibleRoles = o.ResponsibleRoles
			}
			if o.EstimatedDuration != nil {
				merged.EstimatedDuration = *o.EstimatedDuration
			}
		}
		out = append(out, merged)
	}
	// base order is already the secondary key
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (g *StageGraph) loadSubStages(ctx context.Context, stageID string, def *repository.WorkflowDefinition) ([]repository.WorkflowSubStage, error) {
	base, err := g.stages.ListSubStages(ctx, stageID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(base, func(i, j int) bool { return base[i].Order < base[j].Order })

	overrides := map[string]*repository.StageOverride{}
	if def != nil {
		all, err := g.stages.ListOverrides(ctx, def.ID)
		if err != nil {
			return nil, err
		}
		known := make(map[string]bool, len(base))
		for _, s := range base {
			known[s.ID] = true
		}
		for _, o := range all {
			if !o.TargetsSubStage() || o.StageID != stageID {
				continue
			}
			if !known[*o.SubStageID] {
				g.log.Error().
					Str("definition_id", def.ID).
					Str("sub_stage_id", *o.SubStageID).
					Msg("Override references missing base sub-stage")
				return nil, &DataIntegrityError{DefinitionID: def.ID, TargetID: *o.SubStageID, Detail: "override references missing sub-stage"}
			}
			overrides[*o.SubStageID] = o
		}
	}

	out := make([]repository.WorkflowSubStage, 0, len(base))
	for _, s := range base {
		merged := *s
		if o, ok := overrides[s.ID]; ok {
			if !o.IsIncluded {
				continue
			}
			if o.Order != nil {
				merged.Order = *o.Order
			}
			if o.ResponsibleRoles != nil {
				merged.ApprovalRoles = o.ResponsibleRoles
			}
			if o.EstimatedDuration != nil {
				merged.EstimatedDuration = *o.EstimatedDuration
			}
		}
		out = append(out, merged)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}
