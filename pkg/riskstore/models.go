package riskstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/riskspot/riskspot/pkg/scoring"
)

// Job name constants. Job kinds are fixed; there is no dependency
// graph or priority between them.
const (
	JobInstallationBackfill = "installation-backfill"
	JobFileUpdate           = "file-update"
)

// Job status constants.
const (
	JobStatusIncomplete = "incomplete"
	JobStatusComplete   = "complete"
)

// FileKey is the natural key identifying a file's record across all
// stores.
type FileKey struct {
	InstallationID int64
	Owner          string
	RepoName       string
	FilePath       string
}

// FileRecord holds the current risk state for a single file.
// RiskScore is recomputed locally on content-changing events;
// PredictedRiskScore is only written by the reconciliation pipeline
// and stays 0 until the first prediction lands.
type FileRecord struct {
	ID             uint   `gorm:"primaryKey"`
	InstallationID int64  `gorm:"not null;index:idx_files_key"`
	Owner          string `gorm:"not null;index:idx_files_key"`
	RepoName       string `gorm:"not null;index:idx_files_key"`
	FilePath       string `gorm:"not null;index:idx_files_key"`

	// Bug-fix commit history serialized as JSON.
	CommitsJSON string `gorm:"type:text"`

	RiskScore          float64
	PredictedRiskScore float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the record's natural key.
func (f *FileRecord) Key() FileKey {
	return FileKey{
		InstallationID: f.InstallationID,
		Owner:          f.Owner,
		RepoName:       f.RepoName,
		FilePath:       f.FilePath,
	}
}

// SetCommits serializes commits into the record.
func (f *FileRecord) SetCommits(commits []scoring.Commit) error {
	data, err := json.Marshal(commits)
	if err != nil {
		return fmt.Errorf("marshalling commits: %w", err)
	}

	f.CommitsJSON = string(data)

	return nil
}

// Commits deserializes the record's commit history.
func (f *FileRecord) Commits() ([]scoring.Commit, error) {
	if f.CommitsJSON == "" {
		return nil, nil
	}

	var commits []scoring.Commit
	if err := json.Unmarshal([]byte(f.CommitsJSON), &commits); err != nil {
		return nil, fmt.Errorf("unmarshalling commits: %w", err)
	}

	return commits, nil
}

// TrainingRecord is an append-only denormalized snapshot of a file's
// risk state used as a training feature row. A new record is written
// per content change; the scoring path never reads these back.
type TrainingRecord struct {
	ID             uint   `gorm:"primaryKey"`
	InstallationID int64  `gorm:"not null;index:idx_training_key"`
	Owner          string `gorm:"not null;index:idx_training_key"`
	RepoName       string `gorm:"not null;index:idx_training_key"`
	FilePath       string `gorm:"not null;index:idx_training_key"`

	NumberOfCommits int
	RiskScore       float64

	CreatedAt time.Time
}

// Job is a durable reconciliation work item. Its identity for
// matching is the parameter tuple, not the row id: multiple jobs may
// carry identical parameters (same or different job names) and are
// always resolved together by CompleteJobs.
type Job struct {
	ID      uint   `gorm:"primaryKey"`
	JobName string `gorm:"not null;index"`

	InstallationID int64  `gorm:"not null;index:idx_jobs_params"`
	Owner          string `gorm:"not null;index:idx_jobs_params"`
	RepoName       string `gorm:"not null;index:idx_jobs_params"`
	FilePath       string `gorm:"not null;index:idx_jobs_params"`

	Status      string `gorm:"not null;index"`
	ScheduledAt time.Time
	CompletedAt *time.Time
}

// Parameters returns the job's target natural key.
func (j *Job) Parameters() FileKey {
	return FileKey{
		InstallationID: j.InstallationID,
		Owner:          j.Owner,
		RepoName:       j.RepoName,
		FilePath:       j.FilePath,
	}
}

// NewJob builds an incomplete job targeting the given file.
func NewJob(jobName string, key FileKey) *Job {
	return &Job{
		JobName:        jobName,
		InstallationID: key.InstallationID,
		Owner:          key.Owner,
		RepoName:       key.RepoName,
		FilePath:       key.FilePath,
		Status:         JobStatusIncomplete,
		ScheduledAt:    time.Now().UTC(),
	}
}
