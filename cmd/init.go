package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/svatoshgpt/gemini-bot-discord/geminibot"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the audit database",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" || cfg.DatabaseType == "none" {
			log.Fatal(
				"Environment variable GB_DATABASE_TYPE not set " +
					"(must be one of: sqlite, postgres)",
			)
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable GB_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		// Run database migrations
		db, err := geminibot.OpenDatabase(ctx, cfg)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "Migrated %s database: %s\n", cfg.DatabaseType, cfg.Database)
		_, _ = fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
