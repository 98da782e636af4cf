// Package config loads and validates riskspot configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default webhook server listen address.
	DefaultListen = ":8080"

	// DefaultGitHubBaseURL is the GitHub REST API base URL.
	DefaultGitHubBaseURL = "https://api.github.com"

	// DefaultIntervalMinutes is the default reconciliation cycle
	// interval.
	DefaultIntervalMinutes = 5

	// DefaultBatchSize is the default number of jobs drained per job
	// kind per reconciliation cycle.
	DefaultBatchSize = 50

	// DefaultThrottleDelayMS is the default minimum spacing between
	// outbound predictor queries.
	DefaultThrottleDelayMS = 1000

	// DefaultCommitAgeInMonths is the default commit lookback window.
	DefaultCommitAgeInMonths = 6

	// DefaultPageSize is the default commit pagination size.
	DefaultPageSize = 100

	// DefaultCommitArrayLimit caps the commits fetched per file before
	// the file is treated as unscoreable.
	DefaultCommitArrayLimit = 500

	// DefaultFileArrayLimit caps the files processed per repository.
	DefaultFileArrayLimit = 1000

	// DefaultRepoBatchSize is the default number of repositories
	// ingested concurrently per batch.
	DefaultRepoBatchSize = 4

	// DefaultPredictorProject is the default predictor project name.
	DefaultPredictorProject = "mindsdb"

	// DefaultPredictorModel is the default predictor model name.
	DefaultPredictorModel = "riskscore_predictor"

	// DefaultPredictorTarget is the default prediction target field.
	DefaultPredictorTarget = "riskScore"

	// DefaultTrainingWindow is how many rows in the past the predictor
	// uses when forecasting.
	DefaultTrainingWindow = 100

	// DefaultTrainingHorizon is how many rows in the future the
	// predictor forecasts.
	DefaultTrainingHorizon = 10
)

// Config is the root configuration for riskspot.
type Config struct {
	Global    GlobalConfig    `yaml:"global"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	GitHub    GitHubConfig    `yaml:"github"`
	Predictor PredictorConfig `yaml:"predictor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Fetch     FetchConfig     `yaml:"fetch"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ServerConfig contains webhook HTTP server settings.
type ServerConfig struct {
	Listen      string   `yaml:"listen"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// GitHubConfig contains GitHub API access settings.
type GitHubConfig struct {
	BaseURL       string `yaml:"base_url,omitempty"`
	Token         string `yaml:"token"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// PredictorConfig contains external predictor service settings.
type PredictorConfig struct {
	BaseURL         string           `yaml:"base_url"`
	Project         string           `yaml:"project,omitempty"`
	Model           string           `yaml:"model,omitempty"`
	Target          string           `yaml:"target,omitempty"`
	TrainingWindow  int              `yaml:"training_window,omitempty"`
	TrainingHorizon int              `yaml:"training_horizon,omitempty"`
	Datasource      DatasourceConfig `yaml:"datasource,omitempty"`
}

// DatasourceConfig describes the database the predictor trains from.
// The predictor provisions it on first training; provisioning is
// skipped when connection parameters are missing.
type DatasourceConfig struct {
	Name     string `yaml:"name,omitempty"`
	Engine   string `yaml:"engine,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	Database string `yaml:"database,omitempty"`
}

// SchedulerConfig contains reconciliation scheduler settings.
type SchedulerConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
	BatchSize       int `yaml:"batch_size"`
	ThrottleDelayMS int `yaml:"throttle_delay_ms"`
}

// FetchConfig contains commit and file fetch settings.
type FetchConfig struct {
	CommitAgeInMonths int `yaml:"commit_age_in_months"`
	PageSize          int `yaml:"page_size"`
	CommitArrayLimit  int `yaml:"commit_array_limit"`
	FileArrayLimit    int `yaml:"file_array_limit"`
	RepoBatchSize     int `yaml:"repo_batch_size"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration
// options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.GitHub.BaseURL == "" {
		c.GitHub.BaseURL = DefaultGitHubBaseURL
	}

	if c.Predictor.Project == "" {
		c.Predictor.Project = DefaultPredictorProject
	}

	if c.Predictor.Model == "" {
		c.Predictor.Model = DefaultPredictorModel
	}

	if c.Predictor.Target == "" {
		c.Predictor.Target = DefaultPredictorTarget
	}

	if c.Predictor.TrainingWindow == 0 {
		c.Predictor.TrainingWindow = DefaultTrainingWindow
	}

	if c.Predictor.TrainingHorizon == 0 {
		c.Predictor.TrainingHorizon = DefaultTrainingHorizon
	}

	if c.Scheduler.IntervalMinutes == 0 {
		c.Scheduler.IntervalMinutes = DefaultIntervalMinutes
	}

	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = DefaultBatchSize
	}

	if c.Scheduler.ThrottleDelayMS == 0 {
		c.Scheduler.ThrottleDelayMS = DefaultThrottleDelayMS
	}

	if c.Fetch.CommitAgeInMonths == 0 {
		c.Fetch.CommitAgeInMonths = DefaultCommitAgeInMonths
	}

	if c.Fetch.PageSize == 0 {
		c.Fetch.PageSize = DefaultPageSize
	}

	if c.Fetch.CommitArrayLimit == 0 {
		c.Fetch.CommitArrayLimit = DefaultCommitArrayLimit
	}

	if c.Fetch.FileArrayLimit == 0 {
		c.Fetch.FileArrayLimit = DefaultFileArrayLimit
	}

	if c.Fetch.RepoBatchSize == 0 {
		c.Fetch.RepoBatchSize = DefaultRepoBatchSize
	}
}

// applyEnvOverrides lets secrets come from the environment instead of
// the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RISKSPOT_GITHUB_TOKEN"); v != "" {
		c.GitHub.Token = v
	}

	if v := os.Getenv("RISKSPOT_GITHUB_WEBHOOK_SECRET"); v != "" {
		c.GitHub.WebhookSecret = v
	}

	if v := os.Getenv("RISKSPOT_POSTGRES_PASSWORD"); v != "" {
		c.Database.Postgres.Password = v
	}

	if v := os.Getenv("RISKSPOT_DATASOURCE_PASSWORD"); v != "" {
		c.Predictor.Datasource.Password = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf(
			"unsupported database driver: %q", c.Database.Driver,
		)
	}

	if c.Scheduler.IntervalMinutes < 0 {
		return fmt.Errorf("scheduler.interval_minutes must not be negative")
	}

	if c.Scheduler.BatchSize < 0 {
		return fmt.Errorf("scheduler.batch_size must not be negative")
	}

	if c.Fetch.PageSize < 0 || c.Fetch.PageSize > 100 {
		return fmt.Errorf("fetch.page_size must be between 1 and 100")
	}

	return nil
}
