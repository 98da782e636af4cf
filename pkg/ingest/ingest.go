// Package ingest turns GitHub repository state into file risk
// records, training snapshots, and reconciliation jobs.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/riskspot/riskspot/pkg/github"
	"github.com/riskspot/riskspot/pkg/predictor"
	"github.com/riskspot/riskspot/pkg/riskstore"
	"github.com/riskspot/riskspot/pkg/scoring"
)

// fileScoresLimit caps how many files a pull request report covers.
const fileScoresLimit = 10

// GitHubClient is the subset of the GitHub API the ingestion service
// depends on.
type GitHubClient interface {
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
	ListFiles(
		ctx context.Context, owner, repo, branch string,
	) ([]string, error)
	BugFixCommits(
		ctx context.Context, owner, repo, branch, filePath string,
	) ([]scoring.Commit, error)
	PullRequestFiles(
		ctx context.Context, owner, repo string, number int,
	) ([]github.PullRequestFile, error)
}

// Compile-time interface check.
var _ GitHubClient = (*github.Client)(nil)

// Repo identifies a repository within an installation.
type Repo struct {
	Owner string
	Name  string
}

// FileScore is one row of a pull request risk report.
type FileScore struct {
	FilePath           string
	RiskScore          float64
	PredictedRiskScore float64
}

// Service ingests repository and pull request events into the store
// and keeps the prediction model fed.
type Service struct {
	log           logrus.FieldLogger
	store         riskstore.Store
	gh            GitHubClient
	predictor     predictor.Client
	engine        *scoring.Engine
	repoBatchSize int
}

// NewService creates a new ingestion service.
func NewService(
	log logrus.FieldLogger,
	store riskstore.Store,
	gh GitHubClient,
	pred predictor.Client,
	engine *scoring.Engine,
	repoBatchSize int,
) *Service {
	if repoBatchSize <= 0 {
		repoBatchSize = 1
	}

	return &Service{
		log:           log.WithField("component", "ingest"),
		store:         store,
		gh:            gh,
		predictor:     pred,
		engine:        engine,
		repoBatchSize: repoBatchSize,
	}
}

// ProcessInstallation backfills every repository of a new
// installation: each eligible file gets a scored record, a training
// snapshot, and a backfill job. Repositories are processed in small
// concurrent batches; a failing repository fails the installation so
// the caller can retry it whole.
func (s *Service) ProcessInstallation(
	ctx context.Context, installationID int64, repos []Repo,
) error {
	s.log.WithFields(logrus.Fields{
		"installation_id": installationID,
		"repos":           len(repos),
	}).Info("Processing installation")

	for start := 0; start < len(repos); start += s.repoBatchSize {
		end := start + s.repoBatchSize
		if end > len(repos) {
			end = len(repos)
		}

		g, gctx := errgroup.WithContext(ctx)

		for _, repo := range repos[start:end] {
			g.Go(func() error {
				return s.processRepo(gctx, installationID, repo)
			})
		}

		if err := g.Wait(); err != nil {
			return fmt.Errorf("processing installation repos: %w", err)
		}
	}

	s.retrainAsync()

	return nil
}

// processRepo scores every eligible file of one repository and writes
// the record, training snapshot, and backfill job for each.
func (s *Service) processRepo(
	ctx context.Context, installationID int64, repo Repo,
) error {
	branch, err := s.gh.DefaultBranch(ctx, repo.Owner, repo.Name)
	if err != nil {
		return fmt.Errorf("resolving default branch: %w", err)
	}

	paths, err := s.gh.ListFiles(ctx, repo.Owner, repo.Name, branch)
	if err != nil {
		return fmt.Errorf("listing repository files: %w", err)
	}

	files := make([]*riskstore.FileRecord, 0, len(paths))
	training := make([]*riskstore.TrainingRecord, 0, len(paths))
	jobs := make([]*riskstore.Job, 0, len(paths))

	for _, path := range paths {
		commits, err := s.gh.BugFixCommits(
			ctx, repo.Owner, repo.Name, branch, path,
		)
		if err != nil {
			return fmt.Errorf("fetching commit history: %w", err)
		}

		key := riskstore.FileKey{
			InstallationID: installationID,
			Owner:          repo.Owner,
			RepoName:       repo.Name,
			FilePath:       path,
		}

		file, rec, err := s.buildRecords(key, commits)
		if err != nil {
			return err
		}

		files = append(files, file)
		training = append(training, rec)
		jobs = append(jobs, riskstore.NewJob(
			riskstore.JobInstallationBackfill, key,
		))
	}

	if err := s.store.CreateFiles(ctx, files); err != nil {
		return err
	}

	if err := s.store.CreateTrainingRecords(ctx, training); err != nil {
		return err
	}

	if err := s.store.CreateJobs(ctx, jobs); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"owner": repo.Owner,
		"repo":  repo.Name,
		"files": len(files),
	}).Info("Repository backfilled")

	return nil
}

// HandlePullRequestClosed applies a merged pull request's file
// changes to the store. Unmerged closes carry no content change and
// are ignored.
func (s *Service) HandlePullRequestClosed(
	ctx context.Context,
	installationID int64,
	owner, repo string,
	number int,
	merged bool,
) error {
	if !merged {
		return nil
	}

	branch, err := s.gh.DefaultBranch(ctx, owner, repo)
	if err != nil {
		return fmt.Errorf("resolving default branch: %w", err)
	}

	prFiles, err := s.gh.PullRequestFiles(ctx, owner, repo, number)
	if err != nil {
		return fmt.Errorf("listing pull request files: %w", err)
	}

	for _, f := range prFiles {
		key := riskstore.FileKey{
			InstallationID: installationID,
			Owner:          owner,
			RepoName:       repo,
			FilePath:       f.FilePath,
		}

		switch f.Status {
		case github.FileStatusModified, github.FileStatusChanged:
			err = s.rescoreFile(ctx, key, branch)
		case github.FileStatusAdded, github.FileStatusCopied:
			err = s.trackFile(ctx, key, branch)
		case github.FileStatusRenamed:
			if err = s.trackFile(ctx, key, branch); err != nil {
				break
			}

			if f.PreviousFileName != "" {
				old := key
				old.FilePath = f.PreviousFileName
				err = s.untrackFile(ctx, old)
			}
		case github.FileStatusRemoved:
			err = s.untrackFile(ctx, key)
		}

		if err != nil {
			return fmt.Errorf(
				"applying change to %s: %w", f.FilePath, err,
			)
		}
	}

	s.retrainAsync()

	return nil
}

// FileScores builds the risk report for a pull request: current
// scores for each changed file, highest locally computed risk first,
// capped at fileScoresLimit rows. Files not yet tracked report zero
// scores.
func (s *Service) FileScores(
	ctx context.Context,
	installationID int64,
	owner, repo string,
	number int,
) ([]FileScore, error) {
	prFiles, err := s.gh.PullRequestFiles(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("listing pull request files: %w", err)
	}

	scores := make([]FileScore, 0, len(prFiles))

	for _, f := range prFiles {
		if !github.ScoreablePath(f.FilePath) {
			continue
		}

		score := FileScore{FilePath: f.FilePath}

		rec, err := s.store.GetFile(ctx, riskstore.FileKey{
			InstallationID: installationID,
			Owner:          owner,
			RepoName:       repo,
			FilePath:       f.FilePath,
		})

		switch {
		case err == nil:
			score.RiskScore = rec.RiskScore
			score.PredictedRiskScore = rec.PredictedRiskScore
		case errors.Is(err, riskstore.ErrNotFound):
			// Untracked files report zeros.
		default:
			return nil, fmt.Errorf("looking up file record: %w", err)
		}

		scores = append(scores, score)
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].RiskScore > scores[j].RiskScore
	})

	if len(scores) > fileScoresLimit {
		scores = scores[:fileScoresLimit]
	}

	return scores, nil
}

// rescoreFile refreshes an existing record's history and score, and
// falls back to tracking when the file was never seen before.
func (s *Service) rescoreFile(
	ctx context.Context, key riskstore.FileKey, branch string,
) error {
	if !github.ScoreablePath(key.FilePath) {
		return nil
	}

	if _, err := s.store.GetFile(ctx, key); err != nil {
		if errors.Is(err, riskstore.ErrNotFound) {
			return s.trackFile(ctx, key, branch)
		}

		return err
	}

	commits, err := s.gh.BugFixCommits(
		ctx, key.Owner, key.RepoName, branch, key.FilePath,
	)
	if err != nil {
		return fmt.Errorf("fetching commit history: %w", err)
	}

	file, rec, err := s.buildRecords(key, commits)
	if err != nil {
		return err
	}

	if err := s.store.UpdateFileHistory(
		ctx, key, file.CommitsJSON, file.RiskScore,
	); err != nil {
		return err
	}

	if err := s.store.CreateTrainingRecord(ctx, rec); err != nil {
		return err
	}

	return s.store.CreateJob(
		ctx, riskstore.NewJob(riskstore.JobFileUpdate, key),
	)
}

// trackFile starts tracking a new file.
func (s *Service) trackFile(
	ctx context.Context, key riskstore.FileKey, branch string,
) error {
	if !github.ScoreablePath(key.FilePath) {
		return nil
	}

	commits, err := s.gh.BugFixCommits(
		ctx, key.Owner, key.RepoName, branch, key.FilePath,
	)
	if err != nil {
		return fmt.Errorf("fetching commit history: %w", err)
	}

	file, rec, err := s.buildRecords(key, commits)
	if err != nil {
		return err
	}

	if err := s.store.CreateFile(ctx, file); err != nil {
		return err
	}

	if err := s.store.CreateTrainingRecord(ctx, rec); err != nil {
		return err
	}

	return s.store.CreateJob(
		ctx, riskstore.NewJob(riskstore.JobFileUpdate, key),
	)
}

// untrackFile drops every trace of a deleted or renamed-away file.
func (s *Service) untrackFile(
	ctx context.Context, key riskstore.FileKey,
) error {
	if err := s.store.DeleteFile(ctx, key); err != nil {
		return err
	}

	if err := s.store.DeleteTrainingRecords(ctx, key); err != nil {
		return err
	}

	return s.store.DeleteJobs(ctx, key)
}

// buildRecords scores a commit history and materializes the file
// record and training snapshot.
func (s *Service) buildRecords(
	key riskstore.FileKey, commits []scoring.Commit,
) (*riskstore.FileRecord, *riskstore.TrainingRecord, error) {
	score := s.engine.Score(commits)

	file := &riskstore.FileRecord{
		InstallationID: key.InstallationID,
		Owner:          key.Owner,
		RepoName:       key.RepoName,
		FilePath:       key.FilePath,
		RiskScore:      score,
	}

	if err := file.SetCommits(commits); err != nil {
		return nil, nil, err
	}

	rec := &riskstore.TrainingRecord{
		InstallationID:  key.InstallationID,
		Owner:           key.Owner,
		RepoName:        key.RepoName,
		FilePath:        key.FilePath,
		NumberOfCommits: len(commits),
		RiskScore:       score,
	}

	return file, rec, nil
}

// retrainAsync kicks off a model (re)training run without blocking
// the caller. The run outlives the triggering request, so it gets a
// fresh context. A run already in flight is left alone.
func (s *Service) retrainAsync() {
	go func() {
		ctx := context.Background()

		status, err := s.predictor.GetModelStatus(ctx)
		if err != nil {
			s.log.WithError(err).Error("Failed to check model status")

			return
		}

		switch {
		case status == predictor.StatusMissing:
			err = s.predictor.Train(ctx)
		case status.Terminal():
			err = s.predictor.Retrain(ctx)
		default:
			s.log.WithField("status", status).
				Debug("Training already in flight, skipping retrain")

			return
		}

		if err != nil {
			s.log.WithError(err).Error("Failed to start model training")
		}
	}()
}
