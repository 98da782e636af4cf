// Package predictor talks to the external risk prediction service.
// The service trains a model over the training record table and
// answers per-file risk forecasts.
package predictor

import (
	"context"

	"github.com/riskspot/riskspot/pkg/riskstore"
)

// ModelStatus is the lifecycle state of the prediction model as
// reported by the service.
type ModelStatus string

// Model status values.
const (
	StatusMissing    ModelStatus = "missing"
	StatusGenerating ModelStatus = "generating"
	StatusTraining   ModelStatus = "training"
	StatusComplete   ModelStatus = "complete"
	StatusError      ModelStatus = "error"
)

// Terminal reports whether the model has finished (re)training, in
// success or in failure. Non-terminal states mean a training run is
// still in flight and queries would be answered by a stale or absent
// model.
func (s ModelStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Result is a single prediction for a file.
type Result struct {
	Key riskstore.FileKey

	// RiskScore is the locally computed score the model trained
	// against, echoed back by the service.
	RiskScore float64

	// PredictedRiskScore is the model's forecast.
	PredictedRiskScore float64
}

// Client is the prediction service interface.
type Client interface {
	// EnsureDatasource provisions the database the model trains from.
	// It is a no-op when datasource connection parameters are not
	// configured.
	EnsureDatasource(ctx context.Context) error

	// Train creates the model if it does not exist yet.
	Train(ctx context.Context) error

	// Retrain starts a retraining run over the current training
	// records.
	Retrain(ctx context.Context) error

	// GetModelStatus returns the model's current lifecycle state,
	// StatusMissing when the model has never been created.
	GetModelStatus(ctx context.Context) (ModelStatus, error)

	// QueryOne returns the prediction for a single file, or nil when
	// the model has no answer for it yet.
	QueryOne(ctx context.Context, key riskstore.FileKey) (*Result, error)

	// QueryBatch returns the latest predictions for an installation's
	// files, capped at limit rows.
	QueryBatch(
		ctx context.Context, installationID int64, limit int,
	) ([]Result, error)
}
