package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/riskspot/riskspot/pkg/predictor"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Provision the predictor and (re)train the model",
	RunE:  runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	pred := predictor.NewHTTPClient(log, &cfg.Predictor)

	if err := pred.EnsureDatasource(ctx); err != nil {
		return fmt.Errorf("provisioning datasource: %w", err)
	}

	status, err := pred.GetModelStatus(ctx)
	if err != nil {
		return fmt.Errorf("checking model status: %w", err)
	}

	switch {
	case status == predictor.StatusMissing:
		if err := pred.Train(ctx); err != nil {
			return fmt.Errorf("training model: %w", err)
		}
	case status.Terminal():
		if err := pred.Retrain(ctx); err != nil {
			return fmt.Errorf("retraining model: %w", err)
		}
	default:
		log.WithField("status", status).
			Info("Training already in flight, nothing to do")

		return nil
	}

	status, err = pred.GetModelStatus(ctx)
	if err != nil {
		return fmt.Errorf("checking model status: %w", err)
	}

	log.WithField("status", status).Info("Training started")

	return nil
}
