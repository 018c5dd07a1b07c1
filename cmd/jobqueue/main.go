// Command jobqueue runs the job queue API server and workers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bissquit/jobqueue/internal/app"
	"github.com/bissquit/jobqueue/internal/config"
	"github.com/bissquit/jobqueue/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (overrides JOBQUEUE_CONFIG)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	if err := run(*configPath); err != nil {
		slog.Error("jobqueue exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		return err
	}
	slog.Info("jobqueue stopped")
	return nil
}
