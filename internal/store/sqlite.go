// Package store provides storage backends for broadcast jobs.
//
// This file implements the SQLite-backed job store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/Cunhov/evodash-v2-sub000/internal/models"
	"github.com/Cunhov/evodash-v2-sub000/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements JobStore.
var _ JobStore = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(job *models.Job) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, NULL, NULL, ?, ?)`,
		job.ID, job.Status, job.DueAt, job.Instance, specJSON, targetingJSON,
		job.MentionEveryone, nilIfEmpty(job.BatchID), job.ChunkIndex, job.TotalChunks,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("create job failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateJob", "id", job.ID, "dueAt", job.DueAt, "instance", job.Instance)
	return nil
}

func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(
		`SELECT `+jobColumns+` FROM broadcast_jobs WHERE id = ?`, id,
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

func (s *SQLiteStore) FetchDueJobs(now time.Time) ([]models.Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM broadcast_jobs
		 WHERE status = 'pending' AND due_at <= ?
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
func (s *SQLiteStore) TryClaim(id string) (bool, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE broadcast_jobs SET status = 'processing', updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
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
func (s *SQLiteStore) RecordOutcome(id string, status models.JobStatus, summary models.Summary, sentAt time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("record outcome requires a terminal status, got %q", status)
	}
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE broadcast_jobs
		 SET status = ?, succeeded = ?, failed = ?, summary_detail = ?, sent_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ('processing', ?)`,
		status, summary.Succeeded, summary.Failed, nilIfEmpty(summary.Detail), sentAt, now, id, status,
	)
	if err != nil {
		return fmt.Errorf("record outcome failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordFailure(jobID, groupID, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO delivery_failures (job_id, group_id, detail, failed_at) VALUES (?, ?, ?, ?)`,
		jobID, groupID, detail, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("record delivery failure failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListFailures(jobID string) ([]models.DeliveryFailure, error) {
	rows, err := s.db.Query(
		`SELECT job_id, group_id, detail, failed_at FROM delivery_failures
		 WHERE job_id = ? ORDER BY failed_at ASC, id ASC`,
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

func (s *SQLiteStore) CancelJob(id string) error {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE broadcast_jobs SET status = 'cancelled', updated_at = ?
		 WHERE id = ? AND status IN ('draft', 'pending')`,
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

func (s *SQLiteStore) RequeueStuckJobs(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE broadcast_jobs SET status = 'pending', updated_at = ?
		 WHERE status = 'processing' AND updated_at < ?`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStuckJobs", "requeued", n)
	}
	return int(n), nil
}
