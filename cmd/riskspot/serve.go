package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/riskspot/riskspot/pkg/github"
	"github.com/riskspot/riskspot/pkg/ingest"
	"github.com/riskspot/riskspot/pkg/predictor"
	"github.com/riskspot/riskspot/pkg/riskstore"
	"github.com/riskspot/riskspot/pkg/scheduler"
	"github.com/riskspot/riskspot/pkg/scoring"
	"github.com/riskspot/riskspot/pkg/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and reconciliation scheduler",
	Long: `Serve GitHub webhook deliveries and run the periodic
reconciliation scheduler that applies model predictions to tracked
files.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	store := riskstore.NewStore(log, &cfg.Database)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	gh := github.NewClient(log, &cfg.GitHub, &cfg.Fetch)
	pred := predictor.NewHTTPClient(log, &cfg.Predictor)

	svc := ingest.NewService(
		log, store, gh, pred, scoring.NewEngine(log),
		cfg.Fetch.RepoBatchSize,
	)

	srv := webhook.NewServer(
		log, &cfg.Server, cfg.GitHub.WebhookSecret, svc, gh,
	)
	sched := scheduler.NewScheduler(log, &cfg.Scheduler, store, pred)

	// Provision the predictor datasource in the background; webhook
	// serving must not wait on a slow or unreachable predictor.
	go func() {
		if err := pred.EnsureDatasource(ctx); err != nil {
			log.WithError(err).Error("Failed to provision datasource")
		}
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting webhook server: %w", err)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := sched.Stop(); err != nil {
		log.WithError(err).Warn("Scheduler stop error")
	}

	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("Webhook server stop error")
	}

	if err := store.Stop(); err != nil {
		return fmt.Errorf("stopping store: %w", err)
	}

	return nil
}
