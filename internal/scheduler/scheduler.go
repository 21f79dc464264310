// Package scheduler drives the transcode queue: a worker pool claims entries,
// runs the pipeline, and applies the retry and stale-entry policies.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vodforge/internal/events"
	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/pipeline"
	"vodforge/internal/storage"
)

// Runner executes one claimed queue entry. *pipeline.Pipeline satisfies it.
type Runner interface {
	Process(ctx context.Context, entry models.QueueEntry) error
}

// Config tunes the scheduler. Zero values fall back to defaults.
type Config struct {
	// Workers is the number of concurrent pipeline runs.
	Workers int
	// PollInterval bounds how long a queued entry waits for an idle worker
	// when no enqueue nudge arrives.
	PollInterval time.Duration
	// RetryBackoffBase is the delay before the first retry; each further
	// retry doubles it.
	RetryBackoffBase time.Duration
	// StaleThreshold is how long a processing entry may go without
	// completing before the reaper fails it.
	StaleThreshold time.Duration
	// ReapInterval is how often the reaper sweeps.
	ReapInterval time.Duration
	// WorkerIDPrefix namespaces worker ids; defaults to the hostname.
	WorkerIDPrefix string

	Logger   *slog.Logger
	Recorder *metrics.Recorder
	Events   events.Publisher
	Clock    func() time.Time
}

const (
	defaultWorkers          = 2
	defaultPollInterval     = 5 * time.Second
	defaultRetryBackoffBase = time.Minute
	defaultStaleThreshold   = 2 * time.Hour
	defaultReapInterval     = 10 * time.Minute
)

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = defaultRetryBackoffBase
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = defaultStaleThreshold
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = defaultReapInterval
	}
	if strings.TrimSpace(c.WorkerIDPrefix) == "" {
		host, err := os.Hostname()
		if err != nil || strings.TrimSpace(host) == "" {
			host = "worker"
		}
		c.WorkerIDPrefix = host
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Recorder == nil {
		c.Recorder = metrics.Default()
	}
	if c.Events == nil {
		c.Events = events.NoopPublisher{}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Scheduler owns the worker pool and the reaper. Start it once; Shutdown
// waits for in-flight pipeline runs to finish.
type Scheduler struct {
	repo   storage.Repository
	runner Runner
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	nudge  chan struct{}

	mu      sync.Mutex
	started bool
}

// New assembles a Scheduler. Call Start to begin claiming work.
func New(repo storage.Repository, runner Runner, cfg Config) *Scheduler {
	cfg = cfg.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	return &Scheduler{
		repo:   repo,
		runner: runner,
		cfg:    cfg,
		ctx:    groupCtx,
		cancel: cancel,
		group:  group,
		nudge:  make(chan struct{}, 1),
	}
}

// Start launches the worker pool and the stale-entry reaper. It is a no-op on
// a scheduler that is already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", s.cfg.WorkerIDPrefix, i+1)
		s.group.Go(func() error {
			s.workerLoop(workerID)
			return nil
		})
	}
	s.group.Go(func() error {
		s.reaperLoop()
		return nil
	})
	s.cfg.Logger.Info("scheduler started", "workers", s.cfg.Workers, "stale_threshold", s.cfg.StaleThreshold)
}

// Shutdown stops claiming and waits for running pipelines to finish, bounded
// by ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Nudge wakes an idle worker. Callers invoke it after enqueueing so new work
// does not wait out a poll interval.
func (s *Scheduler) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

func (s *Scheduler) workerLoop(workerID string) {
	logger := s.cfg.Logger.With("worker_id", workerID)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		claimed := s.claimAndRun(logger, workerID)
		if claimed {
			// Drain the queue before going back to sleep.
			continue
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.nudge:
		}
	}
}

func (s *Scheduler) claimAndRun(logger *slog.Logger, workerID string) bool {
	entry, claimed, err := s.repo.ClaimNextEntry(workerID)
	if err != nil {
		logger.Error("claim queue entry", "error", err)
		return false
	}
	if !claimed {
		return false
	}
	s.publishQueueDepth()
	s.runEntry(logger, workerID, entry)
	s.publishQueueDepth()
	return true
}

func (s *Scheduler) runEntry(logger *slog.Logger, workerID string, entry models.QueueEntry) {
	logger = logger.With("entry_id", entry.ID, "asset_id", entry.AssetID, "attempt", entry.RetryCount+1)
	logger.Info("transcode started", "priority", string(entry.Priority))
	s.cfg.Recorder.RunStarted()
	s.publish(events.Event{Type: events.TypeProcessing, AssetID: entry.AssetID, EntryID: entry.ID})

	err := s.runner.Process(s.ctx, entry)
	switch {
	case err == nil:
		s.completeEntry(logger, entry)
	case errors.Is(err, context.Canceled) && s.ctx.Err() != nil:
		s.requeueForShutdown(logger, entry)
	default:
		s.handleFailure(logger, entry, err)
	}
}

func (s *Scheduler) completeEntry(logger *slog.Logger, entry models.QueueEntry) {
	status := models.EntryCompleted
	completed := s.cfg.Clock().UTC()
	progress := 100
	step := "completed"
	if _, err := s.repo.UpdateQueueEntry(entry.ID, storage.QueueEntryUpdate{
		Status:             &status,
		CompletedAt:        &completed,
		ProgressPercentage: &progress,
		CurrentStep:        &step,
		ClearNextAttempt:   true,
	}); err != nil {
		logger.Error("mark entry completed", "error", err)
	}
	s.cfg.Recorder.RunFinished("completed")
	s.publish(events.Event{Type: events.TypeReady, AssetID: entry.AssetID, EntryID: entry.ID})
	logger.Info("transcode completed")
}

// requeueForShutdown puts an interrupted entry back at the front of its
// priority band without burning a retry. The asset returns to uploaded so the
// next claim starts clean.
func (s *Scheduler) requeueForShutdown(logger *slog.Logger, entry models.QueueEntry) {
	status := models.EntryQueued
	worker := ""
	step := "requeued"
	progress := 0
	if _, err := s.repo.UpdateQueueEntry(entry.ID, storage.QueueEntryUpdate{
		Status:             &status,
		WorkerID:           &worker,
		CurrentStep:        &step,
		ProgressPercentage: &progress,
		ClearNextAttempt:   true,
	}); err != nil {
		logger.Error("requeue entry on shutdown", "error", err)
		return
	}
	uploaded := models.AssetUploaded
	if _, err := s.repo.UpdateAsset(entry.AssetID, storage.AssetUpdate{Status: &uploaded}); err != nil {
		logger.Error("reset asset on shutdown", "error", err)
	}
	s.cfg.Recorder.RunFinished("requeued")
	logger.Info("transcode interrupted by shutdown, entry requeued")
}

func (s *Scheduler) handleFailure(logger *slog.Logger, entry models.QueueEntry, cause error) {
	message := strings.TrimSpace(cause.Error())
	if pipeline.IsFatal(cause) || entry.RetryCount >= entry.MaxRetries {
		s.failPermanently(logger, entry, message, pipeline.IsFatal(cause))
		return
	}

	// Exponential backoff: the first retry waits the base delay, each
	// further retry doubles it.
	delay := s.cfg.RetryBackoffBase << uint(entry.RetryCount)
	next := s.cfg.Clock().UTC().Add(delay)
	retries := entry.RetryCount + 1
	status := models.EntryQueued
	worker := ""
	step := "retry-wait"
	progress := 0
	if _, err := s.repo.UpdateQueueEntry(entry.ID, storage.QueueEntryUpdate{
		Status:             &status,
		WorkerID:           &worker,
		CurrentStep:        &step,
		ProgressPercentage: &progress,
		NextAttemptAt:      &next,
		RetryCount:         &retries,
		ErrorMessage:       &message,
	}); err != nil {
		logger.Error("schedule retry", "error", err)
		return
	}
	uploaded := models.AssetUploaded
	if _, err := s.repo.UpdateAsset(entry.AssetID, storage.AssetUpdate{
		Status:          &uploaded,
		ProcessingError: &message,
	}); err != nil {
		logger.Error("reset asset for retry", "error", err)
	}
	s.cfg.Recorder.RunFinished("retried")
	s.publish(events.Event{
		Type:    events.TypeRetrying,
		AssetID: entry.AssetID,
		EntryID: entry.ID,
		Detail:  fmt.Sprintf("attempt %d of %d in %s: %s", retries+1, entry.MaxRetries+1, delay, message),
	})
	logger.Warn("transcode failed, retry scheduled", "error", message, "retry_count", retries, "next_attempt_in", delay)
}

func (s *Scheduler) failPermanently(logger *slog.Logger, entry models.QueueEntry, message string, fatal bool) {
	status := models.EntryFailed
	completed := s.cfg.Clock().UTC()
	if _, err := s.repo.UpdateQueueEntry(entry.ID, storage.QueueEntryUpdate{
		Status:           &status,
		CompletedAt:      &completed,
		ErrorMessage:     &message,
		ClearNextAttempt: true,
	}); err != nil {
		logger.Error("mark entry failed", "error", err)
	}
	failed := models.AssetFailed
	if _, err := s.repo.UpdateAsset(entry.AssetID, storage.AssetUpdate{
		Status:          &failed,
		ProcessingError: &message,
	}); err != nil {
		logger.Error("mark asset failed", "error", err)
	}
	s.cfg.Recorder.RunFinished("failed")
	s.publish(events.Event{Type: events.TypeFailed, AssetID: entry.AssetID, EntryID: entry.ID, Detail: message})
	logger.Error("transcode failed permanently", "error", message, "fatal", fatal, "retry_count", entry.RetryCount)
}

func (s *Scheduler) reaperLoop() {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce()
		}
	}
}

// reapOnce fails entries whose worker went silent and marks their assets
// failed so operators see the stall instead of a forever-processing record.
func (s *Scheduler) reapOnce() {
	reaped, err := s.repo.ReapStale(s.cfg.StaleThreshold)
	if err != nil {
		s.cfg.Logger.Error("reap stale entries", "error", err)
		return
	}
	if len(reaped) == 0 {
		return
	}
	failed := models.AssetFailed
	for _, entry := range reaped {
		message := entry.ErrorMessage
		if _, err := s.repo.UpdateAsset(entry.AssetID, storage.AssetUpdate{
			Status:          &failed,
			ProcessingError: &message,
		}); err != nil {
			s.cfg.Logger.Error("fail asset for reaped entry", "entry_id", entry.ID, "asset_id", entry.AssetID, "error", err)
		}
		s.publish(events.Event{Type: events.TypeFailed, AssetID: entry.AssetID, EntryID: entry.ID, Detail: message})
		s.cfg.Logger.Warn("reaped stale queue entry", "entry_id", entry.ID, "asset_id", entry.AssetID, "worker_id", entry.WorkerID)
	}
	s.cfg.Recorder.EntriesReaped(len(reaped))
	s.publishQueueDepth()
}

func (s *Scheduler) publishQueueDepth() {
	queued := len(s.repo.ListQueueEntries(storage.QueueFilter{Status: models.EntryQueued}))
	processing := len(s.repo.ListQueueEntries(storage.QueueFilter{Status: models.EntryProcessing}))
	s.cfg.Recorder.SetQueueDepth(queued, processing)
}

// publish emits a lifecycle event without letting a slow broker stall the
// worker. Failures are logged and dropped.
func (s *Scheduler) publish(evt events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events.LogPublishError(s.cfg.Logger, evt, s.cfg.Events.Publish(ctx, evt))
}
