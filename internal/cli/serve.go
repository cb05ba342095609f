package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keepsake/keepsake/internal/server"
	"github.com/keepsake/keepsake/internal/watch"
)

var watchDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&watchDir, "watch", "", "drop directory to watch for journal entries")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	eng := buildEngine(cfg, db)
	eng.StartDecayTimer()
	defer eng.Stop()
	embedMissingAsync(eng)

	if watchDir != "" {
		watcher, err := watch.New(db, watchDir, watch.Options{
			SampleEvery: cfg.Extraction.SampleEvery,
			MaxAttempts: cfg.Worker.MaxAttempts,
		})
		if err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		defer watcher.Close()
		go watcher.Run()
		fmt.Fprintf(os.Stderr, "  watching: %s\n", watchDir)
	}

	srv := server.New(db, eng, cfg, VersionString())
	defer srv.Close()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: srv,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "keepsake serving on %s\n", httpServer.Addr)
		fmt.Fprintf(os.Stderr, "  db: %s\n", db.Path)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}
