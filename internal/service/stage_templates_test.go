package service

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bracketTemplate = `
organization_id = "org-1"

[[stages]]
name = "Design"
order = 1
responsible_roles = ["engineering"]
estimated_duration = "72h"

  [[stages.sub_stages]]
  name = "Drawings"
  order = 1
  is_required = true

  [[stages.sub_stages]]
  name = "Render"
  order = 2
  can_skip = true
  auto_advance = true

[[stages]]
id = "stage-review"
name = "Review"
order = 2
responsible_roles = ["engineering", "qa"]
`

func TestLoadStageTemplate(t *testing.T) {
	tpl, err := LoadStageTemplate(strings.NewReader(bracketTemplate))
	require.NoError(t, err)
	require.Len(t, tpl.Stages, 2)
	assert.Equal(t, "org-1", tpl.OrganizationID)
	require.Len(t, tpl.Stages[0].SubStages, 2)
	assert.True(t, tpl.Stages[0].SubStages[1].AutoAdvance)

	stages, subs := tpl.Build(day1)
	require.Len(t, stages, 2)
	require.Len(t, subs, 2)
	assert.Equal(t, 72*time.Hour, stages[0].EstimatedDuration)
	assert.Equal(t, "stage-review", stages[1].ID)
	assert.Equal(t, stableID("org-1", "Design"), stages[0].ID)
	assert.Equal(t, stages[0].ID, subs[0].StageID)
	assert.True(t, subs[0].IsRequired)

	again, _ := tpl.Build(day1.Add(time.Hour))
	assert.Equal(t, stages[0].ID, again[0].ID, "ids are stable across builds")
}

func TestLoadStageTemplate_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no org", "[[stages]]\nname = \"A\"\norder = 1\n"},
		{"no stages", "organization_id = \"org-1\"\n"},
		{"unknown key", "organization_id = \"org-1\"\n[[stages]]\nname = \"A\"\norder = 1\ncolour = \"red\"\n"},
		{"duplicate order", "organization_id = \"org-1\"\n[[stages]]\nname = \"A\"\norder = 1\n[[stages]]\nname = \"B\"\norder = 1\n"},
		{"zero order", "organization_id = \"org-1\"\n[[stages]]\nname = \"A\"\norder = 0\n"},
		{"bad duration", "organization_id = \"org-1\"\n[[stages]]\nname = \"A\"\norder = 1\nestimated_duration = \"3 days\"\n"},
		{"negative duration", "organization_id = \"org-1\"\n[[stages]]\nname = \"A\"\norder = 1\nestimated_duration = \"-1h\"\n"},
		{"unnamed sub-stage", "organization_id = \"org-1\"\n[[stages]]\nname = \"A\"\norder = 1\n[[stages.sub_stages]]\norder = 1\n"},
		{"duplicate sub order", "organization_id = \"org-1\"\n[[stages]]\nname = \"A\"\norder = 1\n[[stages.sub_stages]]\nname = \"x\"\norder = 1\n[[stages.sub_stages]]\nname = \"y\"\norder = 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadStageTemplate(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestSeedStageTemplate_Resolvable(t *testing.T) {
	f := newFixture(t)
	tpl, err := LoadStageTemplate(strings.NewReader(bracketTemplate))
	require.NoError(t, err)

	n, err := SeedStageTemplate(f.ctx, f.store, tpl, day1)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = SeedStageTemplate(f.ctx, f.store, tpl, day1)
	require.NoError(t, err, "re-seeding the same template is an upsert")
	assert.Equal(t, 4, n)

	stages, err := f.graph.ResolveStages(f.ctx, testOrg, "")
	require.NoError(t, err)
	assert.Equal(t, []string{stableID(testOrg, "Design"), "stage-review"}, stageIDs(stages))

	subs, err := f.graph.ResolveSubStages(f.ctx, stages[0].ID, "")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "Drawings", subs[0].Name)
}
