package predictor_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskspot/riskspot/pkg/config"
	"github.com/riskspot/riskspot/pkg/predictor"
	"github.com/riskspot/riskspot/pkg/riskstore"
)

// newSQLServer answers each query with the next canned response and
// records the received statements.
func newSQLServer(
	t *testing.T, queries *[]string, responses ...map[string]any,
) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/sql/query", r.URL.Path)

			var payload struct {
				Query string `json:"query"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			*queries = append(*queries, payload.Query)

			resp := responses[0]
			if len(responses) > 1 {
				responses = responses[1:]
			}

			w.Header().Set("Content-Type", "application/json")
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		},
	))
}

func newTestClient(t *testing.T, baseURL string) predictor.Client {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return predictor.NewHTTPClient(log, &config.PredictorConfig{
		BaseURL:         baseURL,
		Project:         "mindsdb",
		Model:           "riskscore_predictor",
		Target:          "riskScore",
		TrainingWindow:  100,
		TrainingHorizon: 10,
		Datasource: config.DatasourceConfig{
			Name:     "riskspot_db",
			Engine:   "postgres",
			Host:     "db.internal",
			Port:     5432,
			User:     "riskspot",
			Password: "secret",
			Database: "riskspot",
		},
	})
}

func TestGetModelStatus(t *testing.T) {
	var queries []string

	srv := newSQLServer(t, &queries, map[string]any{
		"type":         "table",
		"column_names": []string{"STATUS"},
		"data":         [][]any{{"training"}},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	status, err := client.GetModelStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, predictor.StatusTraining, status)
	assert.False(t, status.Terminal())

	require.Len(t, queries, 1)
	assert.Contains(t, queries[0], "riskscore_predictor")
}

func TestGetModelStatusMissing(t *testing.T) {
	var queries []string

	srv := newSQLServer(t, &queries, map[string]any{
		"type":         "table",
		"column_names": []string{"status"},
		"data":         [][]any{},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	status, err := client.GetModelStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, predictor.StatusMissing, status)
}

func TestQueryOne(t *testing.T) {
	var queries []string

	srv := newSQLServer(t, &queries, map[string]any{
		"type":         "table",
		"column_names": []string{"riskScore", "risk_score"},
		"data":         [][]any{{"0.7231", 0.65}},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	key := riskstore.FileKey{
		InstallationID: 42,
		Owner:          "acme",
		RepoName:       "widgets",
		FilePath:       "pkg/a.go",
	}

	result, err := client.QueryOne(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, key, result.Key)
	assert.InDelta(t, 0.7231, result.PredictedRiskScore, 1e-9)
	assert.InDelta(t, 0.65, result.RiskScore, 1e-9)

	require.Len(t, queries, 1)
	assert.Contains(t, queries[0], "t.installation_id = 42")
	assert.Contains(t, queries[0], "t.file_path = 'pkg/a.go'")
}

func TestQueryOneNoPrediction(t *testing.T) {
	var queries []string

	srv := newSQLServer(t, &queries, map[string]any{
		"type":         "table",
		"column_names": []string{"riskScore", "risk_score"},
		"data":         [][]any{},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	result, err := client.QueryOne(
		context.Background(), riskstore.FileKey{InstallationID: 1},
	)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestQueryBatch(t *testing.T) {
	var queries []string

	srv := newSQLServer(t, &queries, map[string]any{
		"type": "table",
		"column_names": []string{
			"installation_id", "owner", "repo_name", "file_path",
			"risk_score", "riskScore",
		},
		"data": [][]any{
			{float64(42), "acme", "widgets", "pkg/a.go", 0.3, 0.8},
			{float64(42), "acme", "widgets", "pkg/b.go", "0.1", "0.2"},
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	results, err := client.QueryBatch(context.Background(), 42, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, riskstore.FileKey{
		InstallationID: 42,
		Owner:          "acme",
		RepoName:       "widgets",
		FilePath:       "pkg/a.go",
	}, results[0].Key)
	assert.InDelta(t, 0.8, results[0].PredictedRiskScore, 1e-9)
	assert.InDelta(t, 0.3, results[0].RiskScore, 1e-9)

	// String-typed numbers are coerced too.
	assert.InDelta(t, 0.2, results[1].PredictedRiskScore, 1e-9)

	require.Len(t, queries, 1)
	assert.Contains(t, queries[0], "WHERE t.installation_id = 42 LIMIT 10")
}

func TestQueryErrorResponse(t *testing.T) {
	var queries []string

	srv := newSQLServer(t, &queries, map[string]any{
		"type":          "error",
		"error_message": "model not found",
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.GetModelStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestTrainBuildsCreateModel(t *testing.T) {
	var queries []string

	srv := newSQLServer(t, &queries, map[string]any{"type": "ok"})
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	require.NoError(t, client.Train(context.Background()))

	require.Len(t, queries, 1)
	assert.Contains(
		t, queries[0],
		"CREATE MODEL IF NOT EXISTS mindsdb.riskscore_predictor",
	)
	assert.Contains(t, queries[0], "FROM riskspot_db")
	assert.Contains(t, queries[0], "PREDICT riskScore")
	assert.Contains(t, queries[0], "WINDOW 100 HORIZON 10")
}

func TestEnsureDatasourceSkipsWhenUnconfigured(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	// No server: provisioning must not attempt any request.
	client := predictor.NewHTTPClient(log, &config.PredictorConfig{
		BaseURL: "http://127.0.0.1:0",
		Project: "mindsdb",
		Model:   "riskscore_predictor",
		Target:  "riskScore",
	})

	assert.NoError(t, client.EnsureDatasource(context.Background()))
}
