package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Cunhov/evodash-v2-sub000/internal/models"
	"github.com/Cunhov/evodash-v2-sub000/internal/util"
)

// Compile-time check that InMemoryStore implements JobStore.
var _ JobStore = (*InMemoryStore)(nil)

// InMemoryStore is a mutex-guarded in-memory job store. It is used by tests
// and by single-process development setups where persistence is not needed.
// It honors the same claim atomicity as the SQL stores: the check-and-set
// in TryClaim happens under one lock acquisition.
type InMemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	failures map[string][]models.DeliveryFailure
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:     make(map[string]*models.Job),
		failures: make(map[string][]models.DeliveryFailure),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = util.GenerateJobID()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	stored := *job
	s.jobs[job.ID] = &stored
	return nil
}

func (s *InMemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *InMemoryStore) FetchDueJobs(now time.Time) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobStatusPending && !j.DueAt.After(now) {
			due = append(due, *j)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if !due[a].DueAt.Equal(due[b].DueAt) {
			return due[a].DueAt.Before(due[b].DueAt)
		}
		return due[a].ID < due[b].ID
	})
	return due, nil
}

func (s *InMemoryStore) TryClaim(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusPending {
		return false, nil
	}
	j.Status = models.JobStatusProcessing
	j.UpdatedAt = time.Now()
	return true, nil
}

func (s *InMemoryStore) RecordOutcome(id string, status models.JobStatus, summary models.Summary, sentAt time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("record outcome requires a terminal status, got %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if j.Status != models.JobStatusProcessing && j.Status != status {
		return nil
	}
	j.Status = status
	j.Summary = summary
	t := sentAt
	j.SentAt = &t
	j.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) RecordFailure(jobID, groupID, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[jobID] = append(s.failures[jobID], models.DeliveryFailure{
		JobID:    jobID,
		GroupID:  groupID,
		Detail:   detail,
		FailedAt: time.Now(),
	})
	return nil
}

func (s *InMemoryStore) ListFailures(jobID string) ([]models.DeliveryFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failures := make([]models.DeliveryFailure, len(s.failures[jobID]))
	copy(failures, s.failures[jobID])
	return failures, nil
}

func (s *InMemoryStore) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || (j.Status != models.JobStatusDraft && j.Status != models.JobStatusPending) {
		return fmt.Errorf("job %s cannot be cancelled (already claimed, finished, or missing)", id)
	}
	j.Status = models.JobStatusCancelled
	j.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) RequeueStuckJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.Status == models.JobStatusProcessing && j.UpdatedAt.Before(staleBefore) {
			j.Status = models.JobStatusPending
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}
