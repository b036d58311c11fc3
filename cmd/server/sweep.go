package main

import (
	"fmt"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry, escalation and history replay pass",
		Long: "Run a single sweep pass for external schedulers. A host-wide lock file " +
			"keeps overlapping invocations from running concurrently.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := ctx.cfg, ctx.log

			lock := flock.New(cfg.Workflow.SweepLockFile)
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire sweep lock: %w", err)
			}
			if !ok {
				log.Info().Str("lock", lock.Path()).Msg("Another sweep is running; skipping")
				return nil
			}
			defer func() {
				if err := lock.Unlock(); err != nil {
					log.Warn().Err(err).Msg("Failed to release sweep lock")
				}
			}()

			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.sweeper.RunOnce(cmd.Context())
			log.Info().
				Int("expired", res.Expired).
				Int("escalated", res.Escalated).
				Int64("delegations_expired", res.DelegationsExpired).
				Int("history_replayed", res.HistoryReplayed).
				Msg("Sweep complete")
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d escalated=%d delegations_expired=%d history_replayed=%d\n",
				res.Expired, res.Escalated, res.DelegationsExpired, res.HistoryReplayed)
			return err
		},
	}
}
