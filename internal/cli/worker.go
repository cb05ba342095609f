package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keepsake/keepsake/internal/engine"
)

var workerOnce bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background job worker",
	Long: "Drains the durable job queue: extraction, memory updates, consolidation,\n" +
		"decay, and cleanup. Safe to restart at any time; interrupted jobs are\n" +
		"retried with backoff.",
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "process one batch and exit")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	eng := buildEngine(cfg, db)
	w := engine.NewWorker(eng, cfg.Worker.BatchSize,
		time.Duration(cfg.Worker.BackoffCapSecs)*time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if workerOnce {
		n, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "processed %d jobs\n", n)
		return nil
	}

	interval := time.Duration(cfg.Worker.IntervalSecs) * time.Second
	fmt.Fprintf(os.Stderr, "keepsake worker polling every %s (batch %d)\n", interval, cfg.Worker.BatchSize)
	if err := w.Run(ctx, interval); err != nil && err != context.Canceled {
		return err
	}
	fmt.Fprintln(os.Stderr, "worker stopped")
	return nil
}
