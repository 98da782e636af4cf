package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskspot/riskspot/pkg/config"
	"github.com/riskspot/riskspot/pkg/predictor"
	"github.com/riskspot/riskspot/pkg/riskstore"
	"github.com/riskspot/riskspot/pkg/scheduler"
)

// fakePredictor is an in-memory predictor.Client with per-key canned
// results and failures.
type fakePredictor struct {
	mu      sync.Mutex
	status  predictor.ModelStatus
	results map[riskstore.FileKey]float64
	failing map[riskstore.FileKey]bool
	queries []riskstore.FileKey
}

var _ predictor.Client = (*fakePredictor)(nil)

func newFakePredictor() *fakePredictor {
	return &fakePredictor{
		status:  predictor.StatusComplete,
		results: map[riskstore.FileKey]float64{},
		failing: map[riskstore.FileKey]bool{},
	}
}

func (f *fakePredictor) EnsureDatasource(context.Context) error { return nil }
func (f *fakePredictor) Train(context.Context) error            { return nil }
func (f *fakePredictor) Retrain(context.Context) error          { return nil }

func (f *fakePredictor) GetModelStatus(
	context.Context,
) (predictor.ModelStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.status, nil
}

func (f *fakePredictor) QueryOne(
	_ context.Context, key riskstore.FileKey,
) (*predictor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries = append(f.queries, key)

	if f.failing[key] {
		return nil, errors.New("predictor unavailable")
	}

	score, ok := f.results[key]
	if !ok {
		return nil, nil
	}

	return &predictor.Result{Key: key, PredictedRiskScore: score}, nil
}

func (f *fakePredictor) QueryBatch(
	context.Context, int64, int,
) ([]predictor.Result, error) {
	return nil, nil
}

func (f *fakePredictor) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.queries)
}

func newTestStore(t *testing.T) riskstore.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	store := riskstore.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{
			Path: filepath.Join(t.TempDir(), "riskspot.db"),
		},
	})

	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, store.Stop()) })

	return store
}

func newTestScheduler(
	t *testing.T,
	store riskstore.Store,
	pred predictor.Client,
	batchSize int,
) *scheduler.Scheduler {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return scheduler.NewScheduler(log, &config.SchedulerConfig{
		IntervalMinutes: 5,
		BatchSize:       batchSize,
	}, store, pred)
}

func testKey(filePath string) riskstore.FileKey {
	return riskstore.FileKey{
		InstallationID: 42,
		Owner:          "acme",
		RepoName:       "widgets",
		FilePath:       filePath,
	}
}

func seedFile(
	t *testing.T, store riskstore.Store, key riskstore.FileKey,
) {
	t.Helper()

	require.NoError(t, store.CreateFile(
		context.Background(), &riskstore.FileRecord{
			InstallationID: key.InstallationID,
			Owner:          key.Owner,
			RepoName:       key.RepoName,
			FilePath:       key.FilePath,
			RiskScore:      0.3,
		},
	))
}

func incompleteJobs(
	t *testing.T, store riskstore.Store, jobName string,
) []riskstore.Job {
	t.Helper()

	jobs, err := store.FindIncompleteJobs(
		context.Background(), jobName, 1000,
	)
	require.NoError(t, err)

	return jobs
}

func TestRunCycleAppliesPredictions(t *testing.T) {
	store := newTestStore(t)
	pred := newFakePredictor()
	ctx := context.Background()

	keyA := testKey("pkg/a.go")
	keyB := testKey("pkg/b.go")
	seedFile(t, store, keyA)
	seedFile(t, store, keyB)

	require.NoError(t, store.CreateJobs(ctx, []*riskstore.Job{
		riskstore.NewJob(riskstore.JobInstallationBackfill, keyA),
		riskstore.NewJob(riskstore.JobFileUpdate, keyB),
	}))

	pred.results[keyA] = 0.81
	pred.results[keyB] = 0.42

	s := newTestScheduler(t, store, pred, 50)
	s.RunCycle(ctx)

	fileA, err := store.GetFile(ctx, keyA)
	require.NoError(t, err)
	assert.InDelta(t, 0.81, fileA.PredictedRiskScore, 1e-9)

	fileB, err := store.GetFile(ctx, keyB)
	require.NoError(t, err)
	assert.InDelta(t, 0.42, fileB.PredictedRiskScore, 1e-9)

	assert.Empty(t, incompleteJobs(t, store, riskstore.JobInstallationBackfill))
	assert.Empty(t, incompleteJobs(t, store, riskstore.JobFileUpdate))
}

func TestRunCycleRespectsBatchSize(t *testing.T) {
	store := newTestStore(t)
	pred := newFakePredictor()
	ctx := context.Background()

	const total = 7

	for i := range total {
		key := testKey(fmt.Sprintf("pkg/file%d.go", i))
		seedFile(t, store, key)
		pred.results[key] = 0.5

		require.NoError(t, store.CreateJob(
			ctx, riskstore.NewJob(riskstore.JobFileUpdate, key),
		))
	}

	s := newTestScheduler(t, store, pred, 3)

	// 3 + 3 + 1, no job skipped and none processed twice.
	s.RunCycle(ctx)
	assert.Len(t, incompleteJobs(t, store, riskstore.JobFileUpdate), 4)

	s.RunCycle(ctx)
	assert.Len(t, incompleteJobs(t, store, riskstore.JobFileUpdate), 1)

	s.RunCycle(ctx)
	assert.Empty(t, incompleteJobs(t, store, riskstore.JobFileUpdate))

	assert.Equal(t, total, pred.queryCount())
}

func TestRunCycleResolvesDuplicatesTogether(t *testing.T) {
	store := newTestStore(t)
	pred := newFakePredictor()
	ctx := context.Background()

	key := testKey("pkg/a.go")
	seedFile(t, store, key)
	pred.results[key] = 0.6

	// Same parameters under both job kinds.
	require.NoError(t, store.CreateJobs(ctx, []*riskstore.Job{
		riskstore.NewJob(riskstore.JobInstallationBackfill, key),
		riskstore.NewJob(riskstore.JobFileUpdate, key),
	}))

	s := newTestScheduler(t, store, pred, 50)
	s.RunCycle(ctx)

	assert.Empty(t, incompleteJobs(t, store, riskstore.JobInstallationBackfill))
	assert.Empty(t, incompleteJobs(t, store, riskstore.JobFileUpdate))
}

func TestRunCycleIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	pred := newFakePredictor()
	ctx := context.Background()

	key := testKey("pkg/a.go")
	seedFile(t, store, key)
	pred.results[key] = 0.6

	require.NoError(t, store.CreateJob(
		ctx, riskstore.NewJob(riskstore.JobFileUpdate, key),
	))

	s := newTestScheduler(t, store, pred, 50)
	s.RunCycle(ctx)
	s.RunCycle(ctx)

	// The second cycle found nothing to do.
	assert.Equal(t, 1, pred.queryCount())
}

func TestRunCycleIsolatesJobFailures(t *testing.T) {
	store := newTestStore(t)
	pred := newFakePredictor()
	ctx := context.Background()

	good := testKey("pkg/good.go")
	bad := testKey("pkg/bad.go")
	seedFile(t, store, good)
	seedFile(t, store, bad)

	pred.results[good] = 0.9
	pred.failing[bad] = true

	require.NoError(t, store.CreateJobs(ctx, []*riskstore.Job{
		riskstore.NewJob(riskstore.JobFileUpdate, bad),
		riskstore.NewJob(riskstore.JobFileUpdate, good),
	}))

	s := newTestScheduler(t, store, pred, 50)
	s.RunCycle(ctx)

	// The good job completed despite the failure.
	file, err := store.GetFile(ctx, good)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, file.PredictedRiskScore, 1e-9)

	// The failed job stays incomplete for a later cycle.
	remaining := incompleteJobs(t, store, riskstore.JobFileUpdate)
	require.Len(t, remaining, 1)
	assert.Equal(t, bad, remaining[0].Parameters())
}

func TestRunCycleLeavesUnpredictedJobsIncomplete(t *testing.T) {
	store := newTestStore(t)
	pred := newFakePredictor()
	ctx := context.Background()

	key := testKey("pkg/a.go")
	seedFile(t, store, key)
	// No canned result: the model has no answer for this file yet.

	require.NoError(t, store.CreateJob(
		ctx, riskstore.NewJob(riskstore.JobFileUpdate, key),
	))

	s := newTestScheduler(t, store, pred, 50)
	s.RunCycle(ctx)

	assert.Len(t, incompleteJobs(t, store, riskstore.JobFileUpdate), 1)

	file, err := store.GetFile(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, file.PredictedRiskScore)
}

func TestRunCycleDefersWhenModelMissing(t *testing.T) {
	store := newTestStore(t)
	pred := newFakePredictor()
	pred.status = predictor.StatusMissing
	ctx := context.Background()

	key := testKey("pkg/a.go")
	seedFile(t, store, key)
	pred.results[key] = 0.5

	require.NoError(t, store.CreateJob(
		ctx, riskstore.NewJob(riskstore.JobFileUpdate, key),
	))

	s := newTestScheduler(t, store, pred, 50)
	s.RunCycle(ctx)

	assert.Zero(t, pred.queryCount())
	assert.Len(t, incompleteJobs(t, store, riskstore.JobFileUpdate), 1)
}

func TestRunCycleToleratesDeletedFile(t *testing.T) {
	store := newTestStore(t)
	pred := newFakePredictor()
	ctx := context.Background()

	key := testKey("pkg/gone.go")
	pred.results[key] = 0.5

	// Job exists but its file record was deleted in the meantime.
	require.NoError(t, store.CreateJob(
		ctx, riskstore.NewJob(riskstore.JobFileUpdate, key),
	))

	s := newTestScheduler(t, store, pred, 50)
	s.RunCycle(ctx)

	assert.Empty(t, incompleteJobs(t, store, riskstore.JobFileUpdate))
}
