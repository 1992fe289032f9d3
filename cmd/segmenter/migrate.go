package main

import (
	"github.com/spf13/cobra"

	"github.com/flybeeper/segment-pipeline/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the MySQL schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger(cmd)

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.RequireMySQL(); err != nil {
			return err
		}

		repo, err := openMySQL(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer repo.Close()
		return repo.Migrate(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
