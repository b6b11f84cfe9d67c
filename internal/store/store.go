// Package store provides storage backends for broadcast jobs.
//
// It includes Postgres and SQLite implementations of the JobStore interface,
// plus an in-memory store used by tests and single-process development setups.
package store

import (
	"strings"
	"time"

	"github.com/Cunhov/evodash-v2-sub000/internal/models"
)

// JobStore is the persistence contract the scheduler core depends on.
// Any store offering atomic conditional row updates and a queryable
// status+due-time index can implement it.
type JobStore interface {
	// CreateJob inserts a new job. If the job carries no ID one is generated;
	// if it carries no status it is stored as pending.
	CreateJob(job *models.Job) error

	// GetJob retrieves a single job by ID. Returns (nil, nil) when absent.
	GetJob(id string) (*models.Job, error)

	// FetchDueJobs returns all jobs with status=pending and dueAt <= now,
	// ordered by due time then ID for deterministic processing.
	FetchDueJobs(now time.Time) ([]models.Job, error)

	// TryClaim atomically sets status=processing iff the job is still pending.
	// Returns whether this caller won the claim. Must be a single conditional
	// update with no read-then-write gap, so concurrent worker instances
	// racing on the same row produce exactly one winner.
	TryClaim(id string) (bool, error)

	// RecordOutcome writes the terminal status and tally for a job.
	// Idempotent: calling it twice with the same terminal status is a no-op,
	// and a conflicting terminal status never overwrites the first.
	RecordOutcome(id string, status models.JobStatus, summary models.Summary, sentAt time.Time) error

	// RecordFailure appends one per-recipient delivery failure record.
	// Best effort from the dispatcher's viewpoint: errors are logged, not fatal.
	RecordFailure(jobID, groupID, detail string) error

	// ListFailures returns the delivery failure records for a job,
	// ordered by failure time.
	ListFailures(jobID string) ([]models.DeliveryFailure, error)

	// CancelJob marks a draft or pending job as cancelled. Jobs that were
	// already claimed or finished are left untouched and an error is returned.
	CancelJob(id string) error

	// RequeueStuckJobs resets processing jobs whose last update is older than
	// staleBefore back to pending (crash recovery sweep). Returns the number
	// of jobs requeued.
	RequeueStuckJobs(staleBefore time.Time) (int, error)

	// Close releases the underlying resources.
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for URL-style Postgres connection strings
// and "sqlite" for anything that looks like a file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
