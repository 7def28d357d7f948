package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/claims-cli/internal/pipeline"
)

var workerCount int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the claim processing worker pool",
	Long:  "Polls the job store for pending claims and drives each through fusion, routing, and submission until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		count := workerCount
		if count == 0 {
			count = cfg.Worker.Count
		}
		poll := time.Duration(cfg.Worker.PollIntervalSecs) * time.Second

		w := pipeline.NewWorker(env.Store, env.Controller, count, poll)
		if err := w.Run(ctx); err != nil {
			return err
		}

		zap.L().Info("worker pool stopped")
		return nil
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerCount, "workers", 0, "number of workers (default from config)")
	rootCmd.AddCommand(workerCmd)
}
