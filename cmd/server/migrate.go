package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-mfg-workflow/internal/repository/migrations"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(cmd.Context(), ctx.cfg)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()

			applied, err := db.Migrate(cmd.Context(), migrations.FS)
			if err != nil {
				return err
			}
			for _, name := range applied {
				ctx.log.Info().Str("migration", name).Msg("Migration applied")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d migration(s) applied\n", len(applied))
			return nil
		},
	}
}
