// Package riskstore provides persistence for file risk records,
// training snapshots, and reconciliation jobs.
package riskstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/riskspot/riskspot/pkg/config"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("record not found")

// Store provides persistence for file records, training records, and
// reconciliation jobs.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// File records.
	CreateFile(ctx context.Context, file *FileRecord) error
	CreateFiles(ctx context.Context, files []*FileRecord) error
	GetFile(ctx context.Context, key FileKey) (*FileRecord, error)
	ListTopFiles(ctx context.Context, limit int) ([]FileRecord, error)
	UpdateFileHistory(
		ctx context.Context, key FileKey, commitsJSON string, riskScore float64,
	) error
	UpdatePredictedScore(
		ctx context.Context, key FileKey, predicted float64,
	) error
	DeleteFile(ctx context.Context, key FileKey) error

	// Training records (append-only).
	CreateTrainingRecord(ctx context.Context, rec *TrainingRecord) error
	CreateTrainingRecords(ctx context.Context, recs []*TrainingRecord) error
	DeleteTrainingRecords(ctx context.Context, key FileKey) error

	// Jobs.
	CreateJob(ctx context.Context, job *Job) error
	CreateJobs(ctx context.Context, jobs []*Job) error
	FindIncompleteJobs(
		ctx context.Context, jobName string, limit int,
	) ([]Job, error)
	FindJobByParameters(ctx context.Context, key FileKey) (*Job, error)
	CompleteJobs(ctx context.Context, key FileKey) (int64, error)
	DeleteJobs(ctx context.Context, key FileKey) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "riskstore"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&FileRecord{},
		&TrainingRecord{},
		&Job{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// keyScope narrows a query to a natural key.
func keyScope(key FileKey) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(
			"installation_id = ? AND owner = ? AND repo_name = ? AND file_path = ?",
			key.InstallationID, key.Owner, key.RepoName, key.FilePath,
		)
	}
}

// --- File records ---

func (s *store) CreateFile(ctx context.Context, file *FileRecord) error {
	if err := s.db.WithContext(ctx).Create(file).Error; err != nil {
		return fmt.Errorf("creating file record: %w", err)
	}

	return nil
}

func (s *store) CreateFiles(
	ctx context.Context, files []*FileRecord,
) error {
	if len(files) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Create(files).Error; err != nil {
		return fmt.Errorf("creating file records: %w", err)
	}

	return nil
}

func (s *store) GetFile(
	ctx context.Context, key FileKey,
) (*FileRecord, error) {
	var file FileRecord
	if err := s.db.WithContext(ctx).
		Scopes(keyScope(key)).
		First(&file).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting file record: %w", err)
	}

	return &file, nil
}

func (s *store) ListTopFiles(
	ctx context.Context, limit int,
) ([]FileRecord, error) {
	var files []FileRecord
	if err := s.db.WithContext(ctx).
		Order("risk_score DESC").
		Limit(limit).
		Find(&files).Error; err != nil {
		return nil, fmt.Errorf("listing top files: %w", err)
	}

	return files, nil
}

// UpdateFileHistory replaces a file's commit history and locally
// computed risk score. The predicted score is reset to 0 until the
// reconciliation pipeline supplies a fresh prediction.
func (s *store) UpdateFileHistory(
	ctx context.Context, key FileKey, commitsJSON string, riskScore float64,
) error {
	if err := s.db.WithContext(ctx).
		Model(&FileRecord{}).
		Scopes(keyScope(key)).
		Updates(map[string]any{
			"commits_json":         commitsJSON,
			"risk_score":           riskScore,
			"predicted_risk_score": 0,
			"updated_at":           time.Now().UTC(),
		}).Error; err != nil {
		return fmt.Errorf("updating file history: %w", err)
	}

	return nil
}

// UpdatePredictedScore writes a predicted risk score. Only the
// reconciliation pipeline calls this; commit history and the locally
// computed risk score are never touched here. Matching no rows is not
// an error: the file may have been deleted since its job was created.
func (s *store) UpdatePredictedScore(
	ctx context.Context, key FileKey, predicted float64,
) error {
	result := s.db.WithContext(ctx).
		Model(&FileRecord{}).
		Scopes(keyScope(key)).
		Updates(map[string]any{
			"predicted_risk_score": predicted,
			"updated_at":           time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("updating predicted score: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		s.log.WithFields(logrus.Fields{
			"installation_id": key.InstallationID,
			"owner":           key.Owner,
			"repo":            key.RepoName,
			"file_path":       key.FilePath,
		}).Debug("Predicted score update matched no file record")
	}

	return nil
}

func (s *store) DeleteFile(ctx context.Context, key FileKey) error {
	if err := s.db.WithContext(ctx).
		Scopes(keyScope(key)).
		Delete(&FileRecord{}).Error; err != nil {
		return fmt.Errorf("deleting file record: %w", err)
	}

	return nil
}

// --- Training records ---

func (s *store) CreateTrainingRecord(
	ctx context.Context, rec *TrainingRecord,
) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("creating training record: %w", err)
	}

	return nil
}

func (s *store) CreateTrainingRecords(
	ctx context.Context, recs []*TrainingRecord,
) error {
	if len(recs) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Create(recs).Error; err != nil {
		return fmt.Errorf("creating training records: %w", err)
	}

	return nil
}

func (s *store) DeleteTrainingRecords(
	ctx context.Context, key FileKey,
) error {
	if err := s.db.WithContext(ctx).
		Scopes(keyScope(key)).
		Delete(&TrainingRecord{}).Error; err != nil {
		return fmt.Errorf("deleting training records: %w", err)
	}

	return nil
}

// --- Jobs ---

func (s *store) CreateJob(ctx context.Context, job *Job) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("creating job: %w", err)
	}

	return nil
}

func (s *store) CreateJobs(ctx context.Context, jobs []*Job) error {
	if len(jobs) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Create(jobs).Error; err != nil {
		return fmt.Errorf("creating jobs: %w", err)
	}

	return nil
}

func (s *store) FindIncompleteJobs(
	ctx context.Context, jobName string, limit int,
) ([]Job, error) {
	var jobs []Job
	if err := s.db.WithContext(ctx).
		Where("job_name = ? AND status = ?", jobName, JobStatusIncomplete).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("finding incomplete jobs: %w", err)
	}

	return jobs, nil
}

// FindJobByParameters returns the first job matching the key, or nil
// when none exists. It is a status probe only: parameter tuples are
// not unique and the caller must not assume a single matching row.
func (s *store) FindJobByParameters(
	ctx context.Context, key FileKey,
) (*Job, error) {
	var job Job
	if err := s.db.WithContext(ctx).
		Scopes(keyScope(key)).
		First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("finding job by parameters: %w", err)
	}

	return &job, nil
}

// CompleteJobs marks every job matching the key as complete. Jobs
// sharing parameters (same or different job name) must all be
// resolved together, otherwise stale duplicates would be reprocessed.
func (s *store) CompleteJobs(
	ctx context.Context, key FileKey,
) (int64, error) {
	now := time.Now().UTC()

	result := s.db.WithContext(ctx).
		Model(&Job{}).
		Scopes(keyScope(key)).
		Where("status = ?", JobStatusIncomplete).
		Updates(map[string]any{
			"status":       JobStatusComplete,
			"completed_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("completing jobs: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func (s *store) DeleteJobs(ctx context.Context, key FileKey) error {
	if err := s.db.WithContext(ctx).
		Scopes(keyScope(key)).
		Delete(&Job{}).Error; err != nil {
		return fmt.Errorf("deleting jobs: %w", err)
	}

	return nil
}
