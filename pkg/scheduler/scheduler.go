// Package scheduler drains reconciliation jobs against the prediction
// service on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/riskspot/riskspot/pkg/config"
	"github.com/riskspot/riskspot/pkg/predictor"
	"github.com/riskspot/riskspot/pkg/riskstore"
)

// modelPollInterval is the backoff between model status probes while
// a training run is in flight.
const modelPollInterval = 5 * time.Second

// jobNames lists the drained job kinds. There is no priority between
// them; each gets its own batch every cycle.
var jobNames = []string{
	riskstore.JobInstallationBackfill,
	riskstore.JobFileUpdate,
}

// Scheduler periodically reconciles incomplete jobs by querying the
// prediction service and applying the results to file records. Cycles
// never overlap: each runs to completion inside a single goroutine,
// and a tick that fires mid-cycle is dropped rather than queued.
type Scheduler struct {
	log       logrus.FieldLogger
	cfg       *config.SchedulerConfig
	store     riskstore.Store
	predictor predictor.Client
	limiter   *rate.Limiter

	done chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler creates a new reconciliation scheduler.
func NewScheduler(
	log logrus.FieldLogger,
	cfg *config.SchedulerConfig,
	store riskstore.Store,
	pred predictor.Client,
) *Scheduler {
	limit := rate.Inf
	if cfg.ThrottleDelayMS > 0 {
		limit = rate.Every(
			time.Duration(cfg.ThrottleDelayMS) * time.Millisecond,
		)
	}

	return &Scheduler{
		log:       log.WithField("component", "scheduler"),
		cfg:       cfg,
		store:     store,
		predictor: pred,
		limiter:   rate.NewLimiter(limit, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the reconciliation loop. The first cycle runs
// immediately, subsequent cycles on the configured interval.
func (s *Scheduler) Start(ctx context.Context) error {
	interval := time.Duration(s.cfg.IntervalMinutes) * time.Minute

	s.log.WithField("interval", interval).Info("Scheduler started")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.RunCycle(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunCycle(ctx)

				// Drop a tick that fired while the cycle ran, so an
				// overrunning cycle skips its slot instead of firing
				// back to back.
				select {
				case <-ticker.C:
				default:
				}
			}
		}
	}()

	return nil
}

// Stop halts the reconciliation loop and waits for an in-flight cycle
// to finish.
func (s *Scheduler) Stop() error {
	close(s.done)
	s.wg.Wait()

	s.log.Info("Scheduler stopped")

	return nil
}

// RunCycle drains one batch per job kind. Individual job failures are
// logged and left incomplete for a later cycle; they never abort the
// batch or the cycle.
func (s *Scheduler) RunCycle(ctx context.Context) {
	for _, jobName := range jobNames {
		if err := s.drainJobs(ctx, jobName); err != nil {
			s.log.WithError(err).
				WithField("job_name", jobName).
				Error("Failed to drain job batch")
		}
	}
}

// drainJobs processes up to batchSize incomplete jobs of one kind.
func (s *Scheduler) drainJobs(ctx context.Context, jobName string) error {
	jobs, err := s.store.FindIncompleteJobs(
		ctx, jobName, s.cfg.BatchSize,
	)
	if err != nil {
		return fmt.Errorf("finding incomplete jobs: %w", err)
	}

	if len(jobs) == 0 {
		return nil
	}

	log := s.log.WithFields(logrus.Fields{
		"job_name": jobName,
		"jobs":     len(jobs),
	})

	ready, err := s.waitForModel(ctx)
	if err != nil {
		return fmt.Errorf("waiting for model: %w", err)
	}

	if !ready {
		log.Warn("Model unavailable, deferring batch")

		return nil
	}

	log.Info("Draining job batch")

	g, gctx := errgroup.WithContext(ctx)

	for _, job := range jobs {
		g.Go(func() error {
			if err := s.processJob(gctx, &job); err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"job_name":  job.JobName,
					"owner":     job.Owner,
					"repo":      job.RepoName,
					"file_path": job.FilePath,
				}).Error("Job failed, leaving incomplete")
			}

			return nil
		})
	}

	return g.Wait()
}

// waitForModel blocks until the model reaches a terminal state. It
// returns false when the model does not exist yet, so the batch can
// be deferred rather than failed.
func (s *Scheduler) waitForModel(ctx context.Context) (bool, error) {
	for {
		status, err := s.predictor.GetModelStatus(ctx)
		if err != nil {
			return false, err
		}

		switch {
		case status == predictor.StatusMissing:
			return false, nil
		case status.Terminal():
			return true, nil
		}

		s.log.WithField("status", status).
			Debug("Model not ready, waiting")

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(modelPollInterval):
		}
	}
}

// processJob resolves a single job: query a prediction, apply it, and
// complete every job sharing the parameters.
func (s *Scheduler) processJob(
	ctx context.Context, job *riskstore.Job,
) error {
	key := job.Parameters()

	// A duplicate earlier in the batch may have resolved this job
	// already.
	probe, err := s.store.FindJobByParameters(ctx, key)
	if err != nil {
		return fmt.Errorf("probing job status: %w", err)
	}

	if probe == nil || probe.Status == riskstore.JobStatusComplete {
		return nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttling prediction query: %w", err)
	}

	result, err := s.predictor.QueryOne(ctx, key)
	if err != nil {
		return fmt.Errorf("querying prediction: %w", err)
	}

	if result == nil {
		s.log.WithFields(logrus.Fields{
			"owner":     key.Owner,
			"repo":      key.RepoName,
			"file_path": key.FilePath,
		}).Warn("No prediction available yet, retrying next cycle")

		return nil
	}

	if err := s.store.UpdatePredictedScore(
		ctx, key, result.PredictedRiskScore,
	); err != nil {
		return fmt.Errorf("applying prediction: %w", err)
	}

	completed, err := s.store.CompleteJobs(ctx, key)
	if err != nil {
		return fmt.Errorf("completing jobs: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"owner":     key.Owner,
		"repo":      key.RepoName,
		"file_path": key.FilePath,
		"completed": completed,
	}).Debug("Job resolved")

	return nil
}
