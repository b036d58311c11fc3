package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
	"github.com/pesio-ai/be-mfg-workflow/internal/service"
)

func newSeedCommand(ctx *commandContext) *cobra.Command {
	var stagesFile, rulesFile string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load base stage templates (TOML) and auto-approval rules (YAML)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rulesFile == "" {
				rulesFile = ctx.cfg.Workflow.AutoApprovalRulesFile
			}
			if stagesFile == "" && rulesFile == "" {
				return errors.New("nothing to seed: pass --stages and/or --rules")
			}

			db, err := openDatabase(cmd.Context(), ctx.cfg)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()

			if stagesFile != "" {
				n, err := seedStages(cmd.Context(), repository.NewStageRepository(db), stagesFile)
				if err != nil {
					return err
				}
				ctx.log.Info().Str("file", stagesFile).Int("rows", n).Msg("Stage template seeded")
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d stage row(s) from %s\n", n, stagesFile)
			}
			if rulesFile != "" {
				n, err := seedRules(cmd.Context(), repository.NewApprovalRepository(db), rulesFile)
				if err != nil {
					return err
				}
				ctx.log.Info().Str("file", rulesFile).Int("rules", n).Msg("Auto-approval rules seeded")
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d auto-approval rule(s) from %s\n", n, rulesFile)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stagesFile, "stages", "", "Stage template TOML file")
	cmd.Flags().StringVar(&rulesFile, "rules", "", "Auto-approval rules YAML file (defaults to workflow.auto_approval_rules_file)")
	return cmd
}

func seedStages(ctx context.Context, store service.TemplateStore, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	tpl, err := service.LoadStageTemplate(f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return service.SeedStageTemplate(ctx, store, tpl, time.Now().UTC())
}

func seedRules(ctx context.Context, store service.RuleStore, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	rules, err := service.LoadAutoApprovalRules(f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return service.SeedAutoApprovalRules(ctx, store, rules)
}
