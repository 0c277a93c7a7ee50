package cmd

import (
	"context"
	"fmt"
	"time"

	"wa_broadcast/internal/server"

	"github.com/spf13/cobra"
)

var campaignsCmd = &cobra.Command{
	Use:   "campaigns",
	Short: "Campaign maintenance commands",
}

var failOrphanedCmd = &cobra.Command{
	Use:   "fail-orphaned",
	Short: "Mark campaigns left sending by a crashed process as failed",
	Long: `Campaigns whose process died mid-run stay "sending" forever. This marks them
failed and their pending recipients as interrupted. Run it while the server is stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		app, err := server.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()

		n, err := app.Campaigns().FailOrphaned(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d campaign(s) marked failed\n", n)
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished campaigns older than BROADCAST_CLEANUP_DAYS",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		app, err := server.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer app.Close()

		n, err := app.Campaigns().Cleanup(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d campaign(s) deleted\n", n)
		return nil
	},
}

func init() {
	campaignsCmd.AddCommand(failOrphanedCmd)
	campaignsCmd.AddCommand(cleanupCmd)
}
