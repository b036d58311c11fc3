package service

import (
	"context"
	stderrors "errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
	"github.com/pesio-ai/be-mfg-workflow/internal/telemetry"
)

// AutoExpireOverdueApprovals expires every non-terminal approval whose due
// date has passed and returns how many this call expired. Rows another
// instance already moved are skipped, so repeated or concurrent runs expire
// each approval once.
func (e *ApprovalEngine) AutoExpireOverdueApprovals(ctx context.Context) (int, error) {
	now := e.now()
	overdue, err := e.approvals.ListApprovals(ctx, repository.ApprovalFilter{
		Statuses:  repository.NonTerminalApprovalStatuses,
		DueBefore: &now,
	})
	if err != nil {
		return 0, err
	}

	var (
		count int
		errs  []error
	)
	for _, a := range overdue {
		if a.DueDate == nil || !now.After(*a.DueDate) {
			continue
		}
		if _, err := e.expire(ctx, a); err != nil {
			if isLostRace(err) {
				continue
			}
			e.log.Error().Err(err).Str("approval_id", a.ID).Msg("Failed to expire approval")
			errs = append(errs, err)
			continue
		}
		count++
	}
	e.metrics.Expired(ctx, count)

	if count > 0 {
		e.log.Info().Int("count", count).Msg("Overdue approvals expired")
	}
	return count, stderrors.Join(errs...)
}

// EscalateStaleApprovals escalates pending approvals that have been idle
// longer than the escalation window and are below the maximum level.
func (e *ApprovalEngine) EscalateStaleApprovals(ctx context.Context) (int, error) {
	policy := e.cfg.Escalation
	if !policy.Enabled || policy.After <= 0 {
		return 0, nil
	}
	cutoff := e.now().Add(-policy.After)
	stale, err := e.approvals.ListApprovals(ctx, repository.ApprovalFilter{
		Statuses:      []repository.ApprovalStatus{repository.ApprovalStatusPending},
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		return 0, err
	}

	var (
		count int
		errs  []error
	)
	for _, a := range stale {
		if a.EscalationLevel >= policy.MaxLevel || !a.UpdatedAt.Before(cutoff) {
			continue
		}
		role := ""
		if a.CurrentApproverRole != nil {
			role = *a.CurrentApproverRole
		}
		target := policy.TargetFor(role)
		if target == "" {
			continue
		}
		reason := "idle longer than " + policy.After.String()
		if _, err := e.escalate(ctx, a, nil, target, &reason, "sweep"); err != nil {
			if isLostRace(err) {
				continue
			}
			e.log.Error().Err(err).Str("approval_id", a.ID).Msg("Failed to escalate approval")
			errs = append(errs, err)
			continue
		}
		count++
	}
	return count, stderrors.Join(errs...)
}

func isLostRace(err error) bool {
	var stale *StaleApprovalError
	if stderrors.As(err, &stale) {
		return true
	}
	return stderrors.Is(err, repository.ErrStaleWrite) || isConflict(err)
}

// ── Sweeper ──────────────────────────────────────────────────────────────────

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Expired            int
	Escalated          int
	DelegationsExpired int64
	HistoryReplayed    int
}

// Sweeper runs the periodic expiry, escalation and replay jobs.
type Sweeper struct {
	engine   *ApprovalEngine
	registry *DelegationRegistry
	recorder *StageHistoryRecorder
	interval time.Duration
	log      *logger.Logger
}

// NewSweeper creates a Sweeper. recorder may be nil.
func NewSweeper(engine *ApprovalEngine, registry *DelegationRegistry, recorder *StageHistoryRecorder, interval time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{engine: engine, registry: registry, recorder: recorder, interval: interval, log: log}
}

// RunOnce performs a single pass. Every job runs even when an earlier one
// fails; the failures are joined.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "workflow.sweep")
	var (
		res  SweepResult
		errs []error
		err  error
	)
	if res.Expired, err = s.engine.AutoExpireOverdueApprovals(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.Escalated, err = s.engine.EscalateStaleApprovals(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.DelegationsExpired, err = s.registry.ExpireDelegations(ctx, s.engine.now()); err != nil {
		errs = append(errs, err)
	}
	if s.recorder != nil {
		if res.HistoryReplayed, err = s.recorder.Replay(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	err = stderrors.Join(errs...)
	span.SetAttributes(
		attribute.Int("expired", res.Expired),
		attribute.Int("escalated", res.Escalated),
	)
	telemetry.EndSpan(span, err)
	return res, err
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("Sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Sweeper stopped")
			return nil
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("Sweep pass failed")
			}
			s.log.Debug().
				Int("expired", res.Expired).
				Int("escalated", res.Escalated).
				Int64("delegations_expired", res.DelegationsExpired).
				Int("history_replayed", res.HistoryReplayed).
				Msg("Sweep pass complete")
		}
	}
}
