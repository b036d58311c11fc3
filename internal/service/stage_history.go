package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
	"github.com/pesio-ai/be-mfg-workflow/internal/telemetry"
)

// Spool is a local outbox for transition records that could not be written
// to the history store.
type Spool interface {
	Append(ctx context.Context, rec *repository.StageTransitionRecord) error
	Pending(ctx context.Context, limit int) ([]*repository.StageTransitionRecord, error)
	MarkDone(ctx context.Context, recordID string) error
}

// HistoryPolicy names how a stage transition treats its history record.
type HistoryPolicy struct {
	// BestEffort writes the record after the stage pointer commits. A failed
	// write leaves the transition in place, returns a warning and spools the
	// record for replay. When false the record is written in the same unit
	// of work as the stage pointer and a failure aborts the transition.
	BestEffort bool
}

const replayBatch = 100

// StageHistoryRecorder is the append-only ledger of stage transitions.
type StageHistoryRecorder struct {
	history  HistoryStore
	projects ProjectStore
	spool    Spool
	policy   HistoryPolicy
	metrics  *telemetry.Metrics
	log      *logger.Logger
}

// NewStageHistoryRecorder creates a recorder. spool may be nil, in which case
// best-effort failures are only logged.
func NewStageHistoryRecorder(history HistoryStore, projects ProjectStore, spool Spool, policy HistoryPolicy, metrics *telemetry.Metrics, log *logger.Logger) *StageHistoryRecorder {
	return &StageHistoryRecorder{
		history:  history,
		projects: projects,
		spool:    spool,
		policy:   policy,
		metrics:  metrics,
		log:      log,
	}
}

// Policy returns the recorder's history policy.
func (r *StageHistoryRecorder) Policy() HistoryPolicy { return r.policy }

// Record appends rec to the ledger.
func (r *StageHistoryRecorder) Record(ctx context.Context, rec *repository.StageTransitionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	return r.history.AppendTransition(ctx, rec)
}

// Advance moves the project pointer and records rec according to the policy.
// Warnings describe non-fatal recording failures.
func (r *StageHistoryRecorder) Advance(ctx context.Context, adv *repository.StageAdvance, rec *repository.StageTransitionRecord) (*repository.Project, []string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if !r.policy.BestEffort {
		adv.HistoryRecord = rec
		project, err := r.projects.AdvanceStage(ctx, adv)
		if err != nil {
			return nil, nil, err
		}
		return project, nil, nil
	}

	adv.HistoryRecord = nil
	project, err := r.projects.AdvanceStage(ctx, adv)
	if err != nil {
		return nil, nil, err
	}
	if err := r.Record(ctx, rec); err != nil {
		r.metrics.HistoryFailure(ctx)
		warning := fmt.Sprintf("stage history was not recorded: %v", err)
		l := r.log.Warn().Err(err).Str("project_id", rec.ProjectID).Str("record_id", rec.ID)
		if r.spool != nil {
			if serr := r.spool.Append(ctx, rec); serr != nil {
				r.log.Error().Err(serr).Str("record_id", rec.ID).Msg("Failed to spool stage history record")
				warning += "; spooling also failed"
			} else {
				warning += "; queued for replay"
			}
		}
		l.Msg("Stage history write failed, transition kept")
		return project, []string{warning}, nil
	}
	return project, nil, nil
}

// Replay writes spooled records to the history store and returns how many
// were delivered. Records keep their ids, so a replayed record the store
// already holds is not duplicated.
func (r *StageHistoryRecorder) Replay(ctx context.Context) (int, error) {
	if r.spool == nil {
		return 0, nil
	}
	pending, err := r.spool.Pending(ctx, replayBatch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, rec := range pending {
		if err := r.history.AppendTransition(ctx, rec); err != nil {
			return delivered, err
		}
		if err := r.spool.MarkDone(ctx, rec.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	if delivered > 0 {
		r.log.Info().Int("count", delivered).Msg("Replayed spooled stage history")
	}
	return delivered, nil
}

// List returns a project's transitions, oldest first.
func (r *StageHistoryRecorder) List(ctx context.Context, projectID string) ([]*repository.StageTransitionRecord, error) {
	return r.history.ListTransitions(ctx, projectID)
}
