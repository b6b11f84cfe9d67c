// Package store provides storage backends for broadcast jobs.
//
// This file implements the PostgreSQL-backed job store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/Cunhov/evodash-v2-sub000/internal/models"
	"github.com/Cunhov/evodash-v2-sub000/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

const jobColumns = `id, status, due_at, instance, spec_json, targeting_json,
	mention_everyone, batch_id, chunk_index, total_chunks,
	succeeded, failed, summary_detail, sent_at, created_at, updated_at`

// Compile-time check that PostgresStore implements JobStore.
var _ JobStore = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateJob(job *models.Job) error {
	if job.ID == "" {
		job.ID = util.GenerateJobID()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	specJSON, targetingJSON, err := encodeJob(job)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO broadcast_jobs (id, status, due_at, instance, spec_json, targeting_json,
		    mention_everyone, batch_id, chunk_index, total_chunks,
		    succeeded, failed, summary_detail, sent_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, 0, NULL, NULL, $11, $12)`,
		job.ID, job.Status, job.DueAt, job.Instance, specJSON, targetingJSON,
		job.MentionEveryone, nilIfEmpty(job.BatchID), job.ChunkIndex, job.TotalChunks,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("create job failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateJob", "id", job.ID, "dueAt", job.DueAt, "instance", job.Instance)
	return nil
}

func (s *PostgresStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(
		`SELECT `+jobColumns+` FROM broadcast_jobs WHERE id = $1`, id,
	)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) FetchDueJobs(now time.Time) ([]models.Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM broadcast_jobs
		 WHERE status = 'pending' AND due_at <= $1
		 ORDER BY due_at ASC, id ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch due jobs failed: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch due jobs iteration failed: %w", err)
	}
	return jobs, nil
}

// TryClaim is a single conditional update: exactly one racing caller observes
// the pending row and flips it to processing.
func (s *PostgresStore) TryClaim(id string) (bool, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE broadcast_jobs SET status = 'processing', updated_at = $1
		 WHERE id = $2 AND status = 'pending'`,
		now, id,
	)
	if err != nil {
		return false, fmt.Errorf("claim job failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job rows affected failed: %w", err)
	}
	return n == 1, nil
}

// RecordOutcome only moves jobs out of processing, or rewrites an identical
// terminal status. A crashed retry calling it twice leaves a single
// consistent terminal state.
func (s *PostgresStore) RecordOutcome(id string, status models.JobStatus, summary models.Summary, sentAt time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("record outcome requires a terminal status, got %q", status)
	}
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE broadcast_jobs
		 SET status = $1, succeeded = $2, failed = $3, summary_detail = $4, sent_at = $5, updated_at = $6
		 WHERE id = $7 AND status IN ('processing', $1)`,
		status, summary.Succeeded, summary.Failed, nilIfEmpty(summary.Detail), sentAt, now, id,
	)
	if err != nil {
		return fmt.Errorf("record outcome failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordFailure(jobID, groupID, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO delivery_failures (job_id, group_id, detail, failed_at) VALUES ($1, $2, $3, $4)`,
		jobID, groupID, detail, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("record delivery failure failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFailures(jobID string) ([]models.DeliveryFailure, error) {
	rows, err := s.db.Query(
		`SELECT job_id, group_id, detail, failed_at FROM delivery_failures
		 WHERE job_id = $1 ORDER BY failed_at ASC, id ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list delivery failures failed: %w", err)
	}
	defer rows.Close()

	var failures []models.DeliveryFailure
	for rows.Next() {
		var f models.DeliveryFailure
		if err := rows.Scan(&f.JobID, &f.GroupID, &f.Detail, &f.FailedAt); err != nil {
			return nil, fmt.Errorf("scan delivery failure failed: %w", err)
		}
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list delivery failures iteration failed: %w", err)
	}
	return failures, nil
}

func (s *PostgresStore) CancelJob(id string) error {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE broadcast_jobs SET status = 'cancelled', updated_at = $1
		 WHERE id = $2 AND status IN ('draft', 'pending')`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s cannot be cancelled (already claimed, finished, or missing)", id)
	}
	return nil
}

func (s *PostgresStore) RequeueStuckJobs(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE broadcast_jobs SET status = 'pending', updated_at = $1
		 WHERE status = 'processing' AND updated_at < $2`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStuckJobs", "requeued", n)
	}
	return int(n), nil
}
