package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/transfa/credit-service/internal/app"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().Int("batch-size", 0, "Grants per batch (defaults to EXPIRY_SWEEP_BATCH_SIZE)")
	sweepCmd.Flags().Duration("timeout", 10*time.Minute, "Abort the sweep after this long")
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire bonus grants past their expiry once and exit",
	Long: `Run a single bonus expiry sweep. Each grant is retired in its own transaction,
so an interrupted run can simply be repeated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		if batchSize <= 0 {
			batchSize = cfg.ExpirySweepBatchSize
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		pool, repo, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		svc := app.NewService(repo, nil, nil, app.ServiceConfig{
			CreditEventsExchange: cfg.CreditEventsExchange,
			InitialBalance:       cfg.InitialCreditBalance,
		})
		result, err := svc.ExpirySweeper(batchSize).Sweep(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}
