package worker

import (
	"testing"
	"time"

	"github.com/Cunhov/evodash-v2-sub000/internal/models"
	"github.com/Cunhov/evodash-v2-sub000/internal/store"
)

func createFailedJob(t *testing.T, s store.JobStore) *models.Job {
	t.Helper()
	job := createPendingJob(t, s, time.Now().Add(-time.Minute))
	if won, _ := s.TryClaim(job.ID); !won {
		t.Fatal("claim failed")
	}
	if err := s.RecordFailure(job.ID, "g2", "timeout"); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	summary := models.Summary{Succeeded: 1, Failed: 1, Detail: "1/2 sent, 1 failed"}
	if err := s.RecordOutcome(job.ID, models.JobStatusFailed, summary, time.Now()); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	return job
}

func TestBuildRetryJob(t *testing.T) {
	s := store.NewInMemoryStore()
	original := createFailedJob(t, s)

	dueAt := time.Now().Add(time.Minute)
	retry, err := BuildRetryJob(s, original.ID, dueAt)
	if err != nil {
		t.Fatalf("BuildRetryJob failed: %v", err)
	}

	if retry.ID == original.ID {
		t.Error("retry job must get a fresh ID")
	}
	if retry.Status != models.JobStatusPending {
		t.Errorf("status = %s, want pending", retry.Status)
	}
	if len(retry.Targeting.GroupIDs) != 1 || retry.Targeting.GroupIDs[0] != "g2" {
		t.Errorf("targeting = %v, want exactly the failed group [g2]", retry.Targeting.GroupIDs)
	}
	if retry.Instance != original.Instance || retry.Spec.Kind != original.Spec.Kind {
		t.Error("retry job must reuse the original instance and message spec")
	}

	stored, err := s.GetJob(retry.ID)
	if err != nil || stored == nil {
		t.Fatalf("retry job not persisted: %v", err)
	}
}

func TestBuildRetryJobDeduplicatesGroups(t *testing.T) {
	s := store.NewInMemoryStore()
	original := createPendingJob(t, s, time.Now().Add(-time.Minute))
	if won, _ := s.TryClaim(original.ID); !won {
		t.Fatal("claim failed")
	}
	// Two chunk failures for the same group produce a single retry target
	// when the dispatcher's per-recipient dedupe is bypassed.
	s.RecordFailure(original.ID, "g1", "timeout")
	s.RecordFailure(original.ID, "g1", "timeout again")
	s.RecordFailure(original.ID, "g2", "refused")
	s.RecordOutcome(original.ID, models.JobStatusFailed, models.Summary{Failed: 3}, time.Now())

	retry, err := BuildRetryJob(s, original.ID, time.Now())
	if err != nil {
		t.Fatalf("BuildRetryJob failed: %v", err)
	}
	if len(retry.Targeting.GroupIDs) != 2 {
		t.Errorf("targeting = %v, want deduplicated [g1 g2]", retry.Targeting.GroupIDs)
	}
}

func TestBuildRetryJobRejectsNonFailed(t *testing.T) {
	s := store.NewInMemoryStore()
	job := createPendingJob(t, s, time.Now())

	if _, err := BuildRetryJob(s, job.ID, time.Now()); err == nil {
		t.Error("expected error retrying a pending job")
	}
	if _, err := BuildRetryJob(s, "bc_missing", time.Now()); err == nil {
		t.Error("expected error retrying a missing job")
	}
}

func TestBuildRetryJobRequiresFailureRecords(t *testing.T) {
	s := store.NewInMemoryStore()
	job := createPendingJob(t, s, time.Now())
	if won, _ := s.TryClaim(job.ID); !won {
		t.Fatal("claim failed")
	}
	// Failed terminally but without per-recipient records (e.g. directory outage).
	s.RecordOutcome(job.ID, models.JobStatusFailed, models.Summary{Detail: "group directory unavailable"}, time.Now())

	if _, err := BuildRetryJob(s, job.ID, time.Now()); err == nil {
		t.Error("expected error when no failure records exist")
	}
}
