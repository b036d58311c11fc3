package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
)

func openTemp(t *testing.T) *Spool {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "spool", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(id string) *repository.StageTransitionRecord {
	from := "design"
	est := 48 * time.Hour
	return &repository.StageTransitionRecord{
		ID:                id,
		ProjectID:         "p-1",
		FromStageID:       &from,
		ToStageID:         "review",
		ActorID:           "planner",
		BypassUsed:        true,
		BypassReason:      &from,
		EstimatedDuration: &est,
		RecordedAt:        time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestSpoolAppendPendingMarkDone(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	require.NoError(t, s.Append(ctx, record("r-1")))
	require.NoError(t, s.Append(ctx, record("r-2")))
	require.NoError(t, s.Append(ctx, record("r-1")), "duplicate ids are ignored")

	pending, err := s.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "r-1", pending[0].ID)
	assert.Equal(t, "r-2", pending[1].ID)
	assert.Equal(t, "design", *pending[0].FromStageID)
	assert.Equal(t, 48*time.Hour, *pending[0].EstimatedDuration)
	assert.True(t, pending[0].RecordedAt.Equal(record("r-1").RecordedAt))
	assert.True(t, pending[0].BypassUsed)

	limited, err := s.Pending(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, s.MarkDone(ctx, "r-1"))
	require.NoError(t, s.MarkDone(ctx, "unknown"))

	pending, err = s.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r-2", pending[0].ID)

	p, d, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p)
	assert.Equal(t, 1, d)
}

func TestSpoolSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, record("r-1")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	pending, err := s.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r-1", pending[0].ID)
}

func TestSpoolPurge(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Append(ctx, record("r-1")))
	require.NoError(t, s.Append(ctx, record("r-2")))
	require.NoError(t, s.MarkDone(ctx, "r-1"))

	n, err := s.Purge(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only delivered rows are purged")

	pending, err := s.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSpoolRejectsRecordWithoutID(t *testing.T) {
	s := openTemp(t)
	assert.Error(t, s.Append(context.Background(), record("")))
}
