package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/riskspot/riskspot/pkg/github"
	"github.com/riskspot/riskspot/pkg/ingest"
	"github.com/riskspot/riskspot/pkg/predictor"
	"github.com/riskspot/riskspot/pkg/riskstore"
	"github.com/riskspot/riskspot/pkg/scoring"
)

var (
	ingestInstallationID int64
	ingestOwner          string
	ingestRepos          []string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Backfill repositories by hand",
	Long: `Backfill one or more repositories as if an installation webhook
had been delivered: score every eligible file and create its record,
training snapshot, and reconciliation job.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().Int64Var(&ingestInstallationID, "installation-id", 0,
		"installation id to record files under")
	ingestCmd.Flags().StringVar(&ingestOwner, "owner", "",
		"repository owner")
	ingestCmd.Flags().StringSliceVar(&ingestRepos, "repos", nil,
		"repository names (comma separated)")

	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestOwner == "" || len(ingestRepos) == 0 {
		return fmt.Errorf("--owner and --repos are required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	store := riskstore.NewStore(log, &cfg.Database)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Store stop error")
		}
	}()

	gh := github.NewClient(log, &cfg.GitHub, &cfg.Fetch)
	pred := predictor.NewHTTPClient(log, &cfg.Predictor)

	svc := ingest.NewService(
		log, store, gh, pred, scoring.NewEngine(log),
		cfg.Fetch.RepoBatchSize,
	)

	repos := make([]ingest.Repo, 0, len(ingestRepos))
	for _, name := range ingestRepos {
		repos = append(repos, ingest.Repo{Owner: ingestOwner, Name: name})
	}

	if err := svc.ProcessInstallation(
		ctx, ingestInstallationID, repos,
	); err != nil {
		return fmt.Errorf("ingesting repositories: %w", err)
	}

	log.WithField("repos", len(repos)).Info("Ingestion complete")

	return nil
}
