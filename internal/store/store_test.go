package store

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Cunhov/evodash-v2-sub000/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "evodash_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends runs a subtest against every store implementation that can be
// exercised without external services.
func backends(t *testing.T, fn func(t *testing.T, s JobStore)) {
	t.Helper()
	t.Run("SQLite", func(t *testing.T) {
		fn(t, newTestSQLiteStore(t))
	})
	t.Run("InMemory", func(t *testing.T) {
		fn(t, NewInMemoryStore())
	})
}

func newPendingJob(dueAt time.Time) *models.Job {
	return &models.Job{
		Status:   models.JobStatusPending,
		DueAt:    dueAt,
		Instance: "main",
		Spec: models.MessageSpec{
			Kind: models.MessageKindText,
			Text: &models.TextSpec{Body: "hello"},
		},
		Targeting: models.TargetingRule{GroupIDs: []string{"g1", "g2"}},
	}
}

func TestCreateAndGetJob(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		job := newPendingJob(time.Now().Add(time.Hour))
		job.MentionEveryone = true
		job.BatchID = "batch_1"
		job.ChunkIndex = 2
		job.TotalChunks = 3
		if err := s.CreateJob(job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if job.ID == "" {
			t.Fatal("CreateJob did not assign an ID")
		}

		got, err := s.GetJob(job.ID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if got == nil {
			t.Fatal("GetJob returned nil")
		}
		if got.Status != models.JobStatusPending {
			t.Errorf("status = %s, want pending", got.Status)
		}
		if got.Spec.Kind != models.MessageKindText || got.Spec.Text == nil || got.Spec.Text.Body != "hello" {
			t.Errorf("spec round-trip failed: %+v", got.Spec)
		}
		if len(got.Targeting.GroupIDs) != 2 {
			t.Errorf("targeting round-trip failed: %+v", got.Targeting)
		}
		if !got.MentionEveryone || got.BatchID != "batch_1" || got.ChunkIndex != 2 || got.TotalChunks != 3 {
			t.Errorf("batch fields round-trip failed: %+v", got)
		}
	})
}

func TestGetJobMissing(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		got, err := s.GetJob("bc_missing")
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil for missing job, got %+v", got)
		}
	})
}

func TestFetchDueJobsBoundary(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		now := time.Now()

		due := newPendingJob(now)
		if err := s.CreateJob(due); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		future := newPendingJob(now.Add(time.Second))
		if err := s.CreateJob(future); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		draft := newPendingJob(now.Add(-time.Hour))
		draft.Status = models.JobStatusDraft
		if err := s.CreateJob(draft); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}

		jobs, err := s.FetchDueJobs(now)
		if err != nil {
			t.Fatalf("FetchDueJobs failed: %v", err)
		}
		if len(jobs) != 1 {
			t.Fatalf("due jobs = %d, want exactly the dueAt==now job", len(jobs))
		}
		if jobs[0].ID != due.ID {
			t.Errorf("due job = %s, want %s", jobs[0].ID, due.ID)
		}
	})
}

func TestFetchDueJobsOrdering(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		now := time.Now()
		later := newPendingJob(now.Add(-time.Minute))
		if err := s.CreateJob(later); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		earlier := newPendingJob(now.Add(-2 * time.Hour))
		if err := s.CreateJob(earlier); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}

		jobs, err := s.FetchDueJobs(now)
		if err != nil {
			t.Fatalf("FetchDueJobs failed: %v", err)
		}
		if len(jobs) != 2 {
			t.Fatalf("due jobs = %d, want 2", len(jobs))
		}
		if jobs[0].ID != earlier.ID || jobs[1].ID != later.ID {
			t.Errorf("order = [%s %s], want earliest due first", jobs[0].ID, jobs[1].ID)
		}
	})
}

func TestTryClaimAtMostOnce(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		job := newPendingJob(time.Now().Add(-time.Minute))
		if err := s.CreateJob(job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}

		const attempts = 10
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				won, err := s.TryClaim(job.ID)
				if err != nil {
					t.Errorf("TryClaim failed: %v", err)
					return
				}
				if won {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Errorf("claim wins = %d, want exactly 1", wins.Load())
		}
		got, _ := s.GetJob(job.ID)
		if got.Status != models.JobStatusProcessing {
			t.Errorf("status = %s, want processing", got.Status)
		}
	})
}

func TestTryClaimSkipsNonPending(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		job := newPendingJob(time.Now())
		job.Status = models.JobStatusCancelled
		if err := s.CreateJob(job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		won, err := s.TryClaim(job.ID)
		if err != nil {
			t.Fatalf("TryClaim failed: %v", err)
		}
		if won {
			t.Error("claimed a cancelled job")
		}
	})
}

func TestRecordOutcomeIdempotent(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		job := newPendingJob(time.Now())
		if err := s.CreateJob(job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if won, _ := s.TryClaim(job.ID); !won {
			t.Fatal("claim failed")
		}

		summary := models.Summary{Succeeded: 2, Detail: "2/2 sent"}
		sentAt := time.Now()
		if err := s.RecordOutcome(job.ID, models.JobStatusSent, summary, sentAt); err != nil {
			t.Fatalf("RecordOutcome failed: %v", err)
		}
		// Second identical write is a no-op, not an error.
		if err := s.RecordOutcome(job.ID, models.JobStatusSent, summary, sentAt); err != nil {
			t.Fatalf("repeated RecordOutcome failed: %v", err)
		}
		// A conflicting terminal status never overwrites the first.
		if err := s.RecordOutcome(job.ID, models.JobStatusFailed, models.Summary{Failed: 9}, time.Now()); err != nil {
			t.Fatalf("conflicting RecordOutcome failed: %v", err)
		}

		got, _ := s.GetJob(job.ID)
		if got.Status != models.JobStatusSent {
			t.Errorf("status = %s, want sent", got.Status)
		}
		if got.Summary.Succeeded != 2 || got.Summary.Detail != "2/2 sent" {
			t.Errorf("summary = %+v, want the first terminal write", got.Summary)
		}
		if got.SentAt == nil {
			t.Error("sentAt not recorded")
		}
	})
}

func TestRecordOutcomeRejectsNonTerminal(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		job := newPendingJob(time.Now())
		if err := s.CreateJob(job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if err := s.RecordOutcome(job.ID, models.JobStatusPending, models.Summary{}, time.Now()); err == nil {
			t.Error("expected error for non-terminal status")
		}
	})
}

func TestRecordAndListFailures(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		job := newPendingJob(time.Now())
		if err := s.CreateJob(job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if err := s.RecordFailure(job.ID, "g1", "timeout"); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
		if err := s.RecordFailure(job.ID, "g2", "connection refused"); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}

		failures, err := s.ListFailures(job.ID)
		if err != nil {
			t.Fatalf("ListFailures failed: %v", err)
		}
		if len(failures) != 2 {
			t.Fatalf("failures = %d, want 2", len(failures))
		}
		if failures[0].GroupID != "g1" || failures[1].GroupID != "g2" {
			t.Errorf("failure order = [%s %s], want insertion order", failures[0].GroupID, failures[1].GroupID)
		}
		if failures[0].Detail != "timeout" {
			t.Errorf("detail = %q, want %q", failures[0].Detail, "timeout")
		}
	})
}

func TestCancelJob(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		job := newPendingJob(time.Now().Add(time.Hour))
		if err := s.CreateJob(job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if err := s.CancelJob(job.ID); err != nil {
			t.Fatalf("CancelJob failed: %v", err)
		}
		got, _ := s.GetJob(job.ID)
		if got.Status != models.JobStatusCancelled {
			t.Errorf("status = %s, want cancelled", got.Status)
		}

		// A claimed job is out of reach for cancellation.
		claimed := newPendingJob(time.Now())
		if err := s.CreateJob(claimed); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if won, _ := s.TryClaim(claimed.ID); !won {
			t.Fatal("claim failed")
		}
		if err := s.CancelJob(claimed.ID); err == nil {
			t.Error("expected error cancelling a processing job")
		}
	})
}

func TestRequeueStuckJobs(t *testing.T) {
	backends(t, func(t *testing.T, s JobStore) {
		job := newPendingJob(time.Now().Add(-time.Hour))
		if err := s.CreateJob(job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if won, _ := s.TryClaim(job.ID); !won {
			t.Fatal("claim failed")
		}

		// Nothing is stale yet: the claim just happened.
		n, err := s.RequeueStuckJobs(time.Now().Add(-time.Minute))
		if err != nil {
			t.Fatalf("RequeueStuckJobs failed: %v", err)
		}
		if n != 0 {
			t.Errorf("requeued %d fresh jobs, want 0", n)
		}

		// With a future cutoff the processing row counts as stuck.
		n, err = s.RequeueStuckJobs(time.Now().Add(time.Minute))
		if err != nil {
			t.Fatalf("RequeueStuckJobs failed: %v", err)
		}
		if n != 1 {
			t.Fatalf("requeued = %d, want 1", n)
		}
		got, _ := s.GetJob(job.ID)
		if got.Status != models.JobStatusPending {
			t.Errorf("status = %s, want pending after requeue", got.Status)
		}
	})
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":   "postgres",
		"postgresql://u:p@localhost/db": "postgres",
		"host=localhost dbname=evodash": "postgres",
		"/var/lib/evodash/evodash.db":   "sqlite",
		"evodash.db":                    "sqlite",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}
