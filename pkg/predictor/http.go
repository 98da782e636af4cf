package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/riskspot/riskspot/pkg/config"
	"github.com/riskspot/riskspot/pkg/riskstore"
)

const (
	httpTimeout = 30 * time.Second

	// trainingTable is the table the model trains from, as exposed
	// through the provisioned datasource.
	trainingTable = "training_records"
)

// httpClient implements Client against a MindsDB-compatible
// SQL-over-HTTP endpoint (POST /api/sql/query).
type httpClient struct {
	log    logrus.FieldLogger
	client *http.Client
	cfg    config.PredictorConfig
}

// Compile-time interface check.
var _ Client = (*httpClient)(nil)

// NewHTTPClient creates a prediction service client.
func NewHTTPClient(
	log logrus.FieldLogger, cfg *config.PredictorConfig,
) Client {
	return &httpClient{
		log:    log.WithField("component", "predictor"),
		client: &http.Client{Timeout: httpTimeout},
		cfg:    *cfg,
	}
}

// sqlResponse is the service's wire format: a typed payload with
// column names and positional rows.
type sqlResponse struct {
	Type         string   `json:"type"`
	ColumnNames  []string `json:"column_names"`
	Data         [][]any  `json:"data"`
	ErrorMessage string   `json:"error_message"`
}

func (c *httpClient) EnsureDatasource(ctx context.Context) error {
	ds := c.cfg.Datasource
	if ds.Name == "" || ds.Host == "" {
		c.log.Info(
			"Datasource parameters not configured, skipping provisioning",
		)

		return nil
	}

	params, err := json.Marshal(map[string]any{
		"host":     ds.Host,
		"port":     ds.Port,
		"user":     ds.User,
		"password": ds.Password,
		"database": ds.Database,
	})
	if err != nil {
		return fmt.Errorf("encoding datasource parameters: %w", err)
	}

	query := fmt.Sprintf(
		"CREATE DATABASE IF NOT EXISTS %s WITH ENGINE = '%s', PARAMETERS = %s",
		ds.Name, ds.Engine, params,
	)

	if _, err := c.run(ctx, query); err != nil {
		return fmt.Errorf("provisioning datasource: %w", err)
	}

	c.log.WithField("datasource", ds.Name).Info("Datasource provisioned")

	return nil
}

func (c *httpClient) Train(ctx context.Context) error {
	query := fmt.Sprintf(
		"CREATE MODEL IF NOT EXISTS %s.%s FROM %s (SELECT * FROM %s) "+
			"PREDICT %s ORDER BY created_at "+
			"GROUP BY installation_id, owner, repo_name, file_path "+
			"WINDOW %d HORIZON %d",
		c.cfg.Project, c.cfg.Model,
		c.cfg.Datasource.Name, trainingTable,
		c.cfg.Target,
		c.cfg.TrainingWindow, c.cfg.TrainingHorizon,
	)

	if _, err := c.run(ctx, query); err != nil {
		return fmt.Errorf("training model: %w", err)
	}

	c.log.WithField("model", c.cfg.Model).Info("Model training started")

	return nil
}

func (c *httpClient) Retrain(ctx context.Context) error {
	query := fmt.Sprintf("RETRAIN %s.%s", c.cfg.Project, c.cfg.Model)

	if _, err := c.run(ctx, query); err != nil {
		return fmt.Errorf("retraining model: %w", err)
	}

	c.log.WithField("model", c.cfg.Model).Info("Model retraining started")

	return nil
}

func (c *httpClient) GetModelStatus(
	ctx context.Context,
) (ModelStatus, error) {
	query := fmt.Sprintf(
		"SELECT status FROM %s.models WHERE name = '%s'",
		c.cfg.Project, c.cfg.Model,
	)

	resp, err := c.run(ctx, query)
	if err != nil {
		return "", fmt.Errorf("querying model status: %w", err)
	}

	if len(resp.Data) == 0 {
		return StatusMissing, nil
	}

	row, err := resp.rowMap(0)
	if err != nil {
		return "", err
	}

	status, _ := row["status"].(string)

	return ModelStatus(status), nil
}

func (c *httpClient) QueryOne(
	ctx context.Context, key riskstore.FileKey,
) (*Result, error) {
	query := fmt.Sprintf(
		"SELECT m.%s, t.risk_score FROM %s.%s AS t JOIN %s.%s AS m "+
			"WHERE t.installation_id = %d AND t.owner = '%s' "+
			"AND t.repo_name = '%s' AND t.file_path = '%s' LIMIT 1",
		c.cfg.Target,
		c.cfg.Datasource.Name, trainingTable,
		c.cfg.Project, c.cfg.Model,
		key.InstallationID,
		escapeSQLString(key.Owner),
		escapeSQLString(key.RepoName),
		escapeSQLString(key.FilePath),
	)

	resp, err := c.run(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying prediction: %w", err)
	}

	if len(resp.Data) == 0 {
		return nil, nil
	}

	row, err := resp.rowMap(0)
	if err != nil {
		return nil, err
	}

	predicted, err := toFloat(row[strings.ToLower(c.cfg.Target)])
	if err != nil {
		return nil, fmt.Errorf("parsing predicted score: %w", err)
	}

	original, err := toFloat(row["risk_score"])
	if err != nil {
		return nil, fmt.Errorf("parsing original score: %w", err)
	}

	return &Result{
		Key:                key,
		RiskScore:          original,
		PredictedRiskScore: predicted,
	}, nil
}

func (c *httpClient) QueryBatch(
	ctx context.Context, installationID int64, limit int,
) ([]Result, error) {
	query := fmt.Sprintf(
		"SELECT t.installation_id, t.owner, t.repo_name, t.file_path, "+
			"t.risk_score, m.%s FROM %s.%s AS t JOIN %s.%s AS m "+
			"WHERE t.installation_id = %d LIMIT %d",
		c.cfg.Target,
		c.cfg.Datasource.Name, trainingTable,
		c.cfg.Project, c.cfg.Model,
		installationID, limit,
	)

	resp, err := c.run(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying prediction batch: %w", err)
	}

	results := make([]Result, 0, len(resp.Data))

	for i := range resp.Data {
		row, err := resp.rowMap(i)
		if err != nil {
			return nil, err
		}

		result, err := c.parseResult(row)
		if err != nil {
			return nil, err
		}

		results = append(results, *result)
	}

	return results, nil
}

// parseResult maps a joined prediction row to a Result.
func (c *httpClient) parseResult(row map[string]any) (*Result, error) {
	installationID, err := toFloat(row["installation_id"])
	if err != nil {
		return nil, fmt.Errorf("parsing installation id: %w", err)
	}

	owner, _ := row["owner"].(string)
	repoName, _ := row["repo_name"].(string)
	filePath, _ := row["file_path"].(string)

	predicted, err := toFloat(row[strings.ToLower(c.cfg.Target)])
	if err != nil {
		return nil, fmt.Errorf("parsing predicted score: %w", err)
	}

	original, err := toFloat(row["risk_score"])
	if err != nil {
		return nil, fmt.Errorf("parsing original score: %w", err)
	}

	return &Result{
		Key: riskstore.FileKey{
			InstallationID: int64(installationID),
			Owner:          owner,
			RepoName:       repoName,
			FilePath:       filePath,
		},
		RiskScore:          original,
		PredictedRiskScore: predicted,
	}, nil
}

// run submits a SQL statement and returns the tabular response.
func (c *httpClient) run(
	ctx context.Context, query string,
) (*sqlResponse, error) {
	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.cfg.BaseURL+"/api/sql/query",
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return nil, fmt.Errorf(
			"executing query: unexpected status %d: %s",
			resp.StatusCode, bytes.TrimSpace(respBody),
		)
	}

	var out sqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding query response: %w", err)
	}

	if out.Type == "error" {
		return nil, fmt.Errorf("query failed: %s", out.ErrorMessage)
	}

	return &out, nil
}

// rowMap folds one positional row into a map keyed by lowercased
// column name.
func (r *sqlResponse) rowMap(i int) (map[string]any, error) {
	if len(r.Data[i]) != len(r.ColumnNames) {
		return nil, fmt.Errorf(
			"row has %d values for %d columns",
			len(r.Data[i]), len(r.ColumnNames),
		)
	}

	row := make(map[string]any, len(r.ColumnNames))
	for j, name := range r.ColumnNames {
		row[strings.ToLower(name)] = r.Data[i][j]
	}

	return row, nil
}

// toFloat coerces a response cell to float64. The service returns
// numbers as JSON numbers or as strings depending on the backend.
func toFloat(v any) (float64, error) {
	switch value := v.(type) {
	case float64:
		return value, nil
	case string:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %q as float: %w", value, err)
		}

		return f, nil
	case nil:
		return 0, fmt.Errorf("missing numeric value")
	default:
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
