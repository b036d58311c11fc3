package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-mfg-workflow/internal/service"
)

func newPendingCommand(ctx *commandContext) *cobra.Command {
	var orgID, userID string

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List a user's pending approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), ctx.cfg, ctx.log)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.engine.GetPendingApprovalsForUser(cmd.Context(), orgID, userID)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending approvals")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderPending(items))
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "Organization id")
	cmd.Flags().StringVar(&userID, "user", "", "User id")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func renderPending(items []*service.PendingApproval) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "Type", "Title", "Entity", "Priority", "Due", "Overdue", "Via", "Requested By"})

	for _, it := range items {
		due := "-"
		if it.DueDate != nil {
			due = it.DueDate.UTC().Format(time.DateOnly)
		}
		overdue := ""
		if it.DaysOverdue > 0 {
			overdue = strconv.Itoa(it.DaysOverdue) + "d"
		}
		requestedBy := it.RequestedByName
		if requestedBy == "" {
			requestedBy = it.RequestedBy
		}
		tw.AppendRow(table.Row{
			it.ApprovalID,
			it.ApprovalType,
			it.Title,
			it.Entity,
			string(it.Priority),
			due,
			overdue,
			it.RoutedVia,
			requestedBy,
		})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 7, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}
