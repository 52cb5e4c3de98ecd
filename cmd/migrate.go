package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ledger tables and indexes if they do not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		pool, repo, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		log.Info().Str("component", "bootstrap").Msg("schema applied")
		return nil
	},
}
