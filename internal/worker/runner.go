// Package worker contains the time-driven scheduler loop that discovers due
// broadcast jobs, claims them, and drives dispatching to a terminal outcome.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Cunhov/evodash-v2-sub000/internal/dispatch"
	"github.com/Cunhov/evodash-v2-sub000/internal/models"
	"github.com/Cunhov/evodash-v2-sub000/internal/provider"
	"github.com/Cunhov/evodash-v2-sub000/internal/store"
)

// Default configuration constants
const (
	// DefaultPollInterval is how often the loop looks for due jobs.
	DefaultPollInterval = 5 * time.Second
	// DefaultMaxConcurrent bounds how many jobs dispatch simultaneously.
	DefaultMaxConcurrent = 4
	// DefaultStuckAfter is how long a processing job may sit untouched before
	// the reconciliation sweep requeues it.
	DefaultStuckAfter = 10 * time.Minute
	// maxPollBackoff caps the poll backoff applied while the store is unreachable.
	maxPollBackoff = time.Minute
)

// Opts holds configuration options for the Runner.
type Opts struct {
	PollInterval  time.Duration
	MaxConcurrent int
	StuckAfter    time.Duration
}

// Option defines a configuration option for the Runner.
type Option func(*Opts)

// WithPollInterval sets how often the loop polls for due jobs.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.PollInterval = d
	}
}

// WithMaxConcurrent bounds the number of jobs dispatched simultaneously.
func WithMaxConcurrent(n int) Option {
	return func(o *Opts) {
		o.MaxConcurrent = n
	}
}

// WithStuckAfter sets the processing-age threshold for the reconciliation
// sweep. Zero disables the sweep entirely.
func WithStuckAfter(d time.Duration) Option {
	return func(o *Opts) {
		o.StuckAfter = d
	}
}

// Runner is the scheduler loop. Several Runner processes may poll the same
// store concurrently; the store's atomic claim guarantees each job still runs
// exactly once, so no in-process locking is involved in coordination.
type Runner struct {
	store      store.JobStore
	directory  provider.Directory
	dispatcher *dispatch.Dispatcher

	pollInterval time.Duration
	stuckAfter   time.Duration
	sem          chan struct{}
	wg           sync.WaitGroup
}

// NewRunner creates a Runner with the given collaborators and options.
func NewRunner(jobStore store.JobStore, directory provider.Directory, dispatcher *dispatch.Dispatcher, opts ...Option) *Runner {
	cfg := Opts{
		PollInterval:  DefaultPollInterval,
		MaxConcurrent: DefaultMaxConcurrent,
		StuckAfter:    DefaultStuckAfter,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Runner{
		store:        jobStore,
		directory:    directory,
		dispatcher:   dispatcher,
		pollInterval: cfg.PollInterval,
		stuckAfter:   cfg.StuckAfter,
		sem:          make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Run starts the polling loop. It blocks until the context is cancelled,
// then waits for in-flight dispatches to finish before returning. A store
// failure while polling backs the next poll off exponentially (capped)
// instead of crashing the process.
func (r *Runner) Run(ctx context.Context) {
	slog.Info("Runner.Run: starting scheduler loop", "pollInterval", r.pollInterval, "maxConcurrent", cap(r.sem))

	if _, err := r.RecoverStuckJobs(); err != nil {
		slog.Error("Runner.Run: startup stuck-job recovery failed", "error", err)
	}

	delay := r.pollInterval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Runner.Run: stopping, waiting for in-flight jobs")
			r.wg.Wait()
			slog.Info("Runner.Run: stopped")
			return
		case <-timer.C:
			if err := r.poll(ctx); err != nil {
				delay = min(delay*2, maxPollBackoff)
				slog.Error("Runner.Run: poll failed, backing off", "error", err, "nextPoll", delay)
			} else {
				delay = r.pollInterval
			}
			timer.Reset(delay)
		}
	}
}

// poll claims every due job it can and hands each one to a worker slot.
// Losing a claim race to another worker instance is a silent skip.
func (r *Runner) poll(ctx context.Context) error {
	now := time.Now()
	jobs, err := r.store.FetchDueJobs(now)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		won, err := r.store.TryClaim(job.ID)
		if err != nil {
			slog.Error("Runner.poll: claim failed", "id", job.ID, "error", err)
			continue
		}
		if !won {
			slog.Debug("Runner.poll: claim lost to another worker", "id", job.ID)
			continue
		}

		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			// Claimed but shutting down before a slot freed: run it inline so
			// the claim is not abandoned in processing.
			r.process(ctx, job)
			return ctx.Err()
		}
		r.wg.Add(1)
		go func(job models.Job) {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			r.process(ctx, job)
		}(job)
	}
	return nil
}

// process resolves recipients and dispatches one claimed job to its terminal
// outcome. A claimed job always runs to completion: the dispatch context is
// detached from loop cancellation.
func (r *Runner) process(ctx context.Context, job models.Job) {
	dispatchCtx := context.WithoutCancel(ctx)
	start := time.Now()
	slog.Info("Runner.process: job started", "id", job.ID, "instance", job.Instance, "kind", job.Spec.Kind)

	groups, err := r.directory.ListGroups(dispatchCtx, job.Instance)
	if err != nil {
		slog.Error("Runner.process: group directory unavailable", "id", job.ID, "error", err)
		r.recordOutcome(job.ID, models.JobStatusFailed, models.Summary{
			Detail: "group directory unavailable: " + err.Error(),
		})
		return
	}

	recipients := dispatch.ResolveRecipients(job.Targeting, groups)
	status, summary := r.dispatcher.Dispatch(dispatchCtx, job, recipients)
	r.recordOutcome(job.ID, status, summary)

	slog.Info("Runner.process: job finished", "id", job.ID, "status", status,
		"succeeded", summary.Succeeded, "failed", summary.Failed, "dur", time.Since(start))
}

// recordOutcome persists the terminal state. Failure here is the one
// bookkeeping error that can strand a job in processing, so it is logged
// loudly; the reconciliation sweep is the safety net.
func (r *Runner) recordOutcome(id string, status models.JobStatus, summary models.Summary) {
	if err := r.store.RecordOutcome(id, status, summary, time.Now()); err != nil {
		slog.Error("Runner.recordOutcome: TERMINAL WRITE FAILED, job may stay in processing until the sweep requeues it",
			"id", id, "status", status, "error", err)
	}
}

// RecoverStuckJobs requeues processing jobs whose last update is older than
// the configured threshold. Called once at startup and periodically by the
// sweep scheduler. Returns the number of jobs requeued; a zero threshold
// disables recovery.
func (r *Runner) RecoverStuckJobs() (int, error) {
	if r.stuckAfter <= 0 {
		return 0, nil
	}
	staleBefore := time.Now().Add(-r.stuckAfter)
	n, err := r.store.RequeueStuckJobs(staleBefore)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("Runner.RecoverStuckJobs: requeued stuck jobs", "count", n)
	}
	return n, nil
}
