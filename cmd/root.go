package cmd

import (
	"wa_broadcast/internal/config"
	"wa_broadcast/internal/logger"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	cfg *config.Config
	log zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "wa-broadcast",
	Short: "WhatsApp multi-session broadcast service",
	Long:  `HTTP + WebSocket API for WhatsApp sessions and broadcast campaigns. Commands: serve, migrate, campaigns.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		log = logger.New(logger.Options{
			Level:   cfg.LogLevel,
			File:    cfg.LogFile,
			Console: cfg.AppEnv != "production",
		})
		return nil
	},
	RunE:          runServe, // default: same as "wa-broadcast serve"
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(campaignsCmd)
}

// Execute runs the root command and returns the error (for main to log.Fatal).
func Execute() error {
	return rootCmd.Execute()
}
