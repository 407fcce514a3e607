package cmd

import (
	"fmt"
	"github.com/spf13/cobra"
	"github.com/svatoshgpt/gemini-bot-discord/geminibot"
	"text/tabwriter"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models which can be selected with /model",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		catalog := geminibot.DefaultModelCatalog()
		if cfg.Gemini.ModelCatalog != "" {
			c, err := geminibot.LoadModelCatalogFile(cfg.Gemini.ModelCatalog)
			if err != nil {
				return err
			}
			catalog = c
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "GROUP\tID\tLABEL\tVISION")
		for _, g := range catalog.Groups() {
			for _, m := range g.Models {
				marker := ""
				if m.ID == cfg.Gemini.DefaultModel {
					marker = " (default)"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s%s\t%s\t%t\n", g.Name, m.ID, marker, m.Label, m.Vision)
			}
		}
		return w.Flush()
	},
}

var registerCommandsCmd = &cobra.Command{
	Use:   "register-commands",
	Short: "Overwrite the bot's slash commands, without starting the bot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, err := geminibot.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		created, err := bot.RegisterSlashCommands()
		if err != nil {
			return err
		}
		for _, c := range created {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "registered /%s (%s)\n", c.Name, c.ID)
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(registerCommandsCmd)
}
