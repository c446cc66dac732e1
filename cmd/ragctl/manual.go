package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bull/ragdesk/internal/app"
	"github.com/bull/ragdesk/internal/manualqa"
)

var manualCategory string

var manualCmd = &cobra.Command{
	Use:   "manual-qa",
	Short: "Manage manual answers that override generated ones",
}

var manualAddCmd = &cobra.Command{
	Use:   "add <question> <answer>",
	Short: "Add a manual answer",
	Args:  cobra.ExactArgs(2),
	RunE:  runManualAdd,
}

var manualListCmd = &cobra.Command{
	Use:   "list",
	Short: "List manual answers with their match counts",
	Args:  cobra.NoArgs,
	RunE:  runManualList,
}

var manualDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a manual answer",
	Args:  cobra.ExactArgs(1),
	RunE:  runManualDelete,
}

func init() {
	manualAddCmd.Flags().StringVar(&manualCategory, "category", "", "optional category label")
	manualCmd.AddCommand(manualAddCmd, manualListCmd, manualDeleteCmd)
}

func runManualAdd(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		e, err := a.Manual.Create(ctx, tenantID, manualqa.Input{
			Question: args[0],
			Answer:   args[1],
			Category: manualCategory,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", e.ID)
		return nil
	})
}

func runManualList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		entries, err := a.Manual.List(ctx, tenantID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, "No manual answers.")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s  [%d]  %s\n", e.ID, e.Frequency, e.Question)
			fmt.Fprintf(out, "    %s\n", e.Answer)
		}
		return nil
	})
}

func runManualDelete(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if err := a.Manual.Delete(ctx, tenantID, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	})
}
