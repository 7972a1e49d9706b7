package main

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	envFile      string
	dbPath       string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "manuscript",
	Short: "Queue-driven book drafting and revision",
	Long: `Manuscript drafts books chapter by chapter through a durable job queue,
keeps every draft as a named version, and runs word-count revisions where
each condensed chapter is approved or rejected before it replaces the text.

The same operations are exposed as MCP tools by "manuscript serve".`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "manuscript.yaml", "config file (missing file means defaults)",
	)
	rootCmd.PersistentFlags().StringVar(
		&envFile, "env", ".env", "dotenv file loaded before the config",
	)
	rootCmd.PersistentFlags().StringVar(
		&dbPath, "db", "", "database path (overrides db_path)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "json", "output format: json or yaml",
	)
}
