package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	processLimit       int
	processConcurrency int
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run pending reports and retry failed ones",
	Long:  "Starts up to --limit pending reports and retries up to --limit failed reports that still have attempts left.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		concurrency := processConcurrency
		if concurrency <= 0 {
			concurrency = cfg.Batch.MaxConcurrentReports
		}

		res, err := env.Pipeline.ProcessPending(ctx, processLimit, concurrency)
		if res != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(res)
		}
		if err != nil {
			return eris.Wrap(err, "process reports")
		}
		return nil
	},
}

func init() {
	processCmd.Flags().IntVar(&processLimit, "limit", 100, "max number of reports of each kind to process")
	processCmd.Flags().IntVar(&processConcurrency, "concurrency", 0, "parallel report runs (default from config)")
	rootCmd.AddCommand(processCmd)
}
