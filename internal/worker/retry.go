package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Cunhov/evodash-v2-sub000/internal/models"
	"github.com/Cunhov/evodash-v2-sub000/internal/store"
)

// BuildRetryJob creates a new pending job that re-targets exactly the groups
// recorded as delivery failures of an earlier job. Recipients that already
// succeeded are not contacted again. The original job is left untouched.
func BuildRetryJob(jobStore store.JobStore, originalID string, dueAt time.Time) (*models.Job, error) {
	original, err := jobStore.GetJob(originalID)
	if err != nil {
		return nil, fmt.Errorf("load original job failed: %w", err)
	}
	if original == nil {
		return nil, fmt.Errorf("job %s not found", originalID)
	}
	if original.Status != models.JobStatusFailed {
		return nil, fmt.Errorf("job %s is %s, only failed jobs can be retried", originalID, original.Status)
	}

	failures, err := jobStore.ListFailures(originalID)
	if err != nil {
		return nil, fmt.Errorf("load delivery failures failed: %w", err)
	}
	if len(failures) == 0 {
		return nil, fmt.Errorf("job %s has no delivery failure records to retry", originalID)
	}

	seen := make(map[string]bool, len(failures))
	var groupIDs []string
	for _, f := range failures {
		if !seen[f.GroupID] {
			seen[f.GroupID] = true
			groupIDs = append(groupIDs, f.GroupID)
		}
	}

	retry := &models.Job{
		Status:          models.JobStatusPending,
		DueAt:           dueAt,
		Instance:        original.Instance,
		Spec:            original.Spec,
		Targeting:       models.TargetingRule{GroupIDs: groupIDs},
		MentionEveryone: original.MentionEveryone,
	}
	if err := jobStore.CreateJob(retry); err != nil {
		return nil, fmt.Errorf("create retry job failed: %w", err)
	}
	slog.Info("BuildRetryJob: retry job created", "original", originalID, "retry", retry.ID, "recipients", len(groupIDs))
	return retry, nil
}
