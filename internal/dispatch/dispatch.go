package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Cunhov/evodash-v2-sub000/internal/models"
	"github.com/Cunhov/evodash-v2-sub000/internal/provider"
	"github.com/Cunhov/evodash-v2-sub000/internal/store"
)

// DefaultSendDelay is the fixed pause between successive provider calls
// within one job. A plain fixed delay, not a token bucket: recipient counts
// per job are bounded and cross-job concurrency is the real parallelism lever.
const DefaultSendDelay = 2 * time.Second

// Dispatcher executes one claimed job against a resolved recipient list.
type Dispatcher struct {
	sender provider.Sender
	store  store.JobStore
	delay  time.Duration
}

// NewDispatcher creates a Dispatcher. A non-positive delay uses DefaultSendDelay.
func NewDispatcher(sender provider.Sender, jobStore store.JobStore, delay time.Duration) *Dispatcher {
	if delay <= 0 {
		delay = DefaultSendDelay
	}
	return &Dispatcher{sender: sender, store: jobStore, delay: delay}
}

// Chunks expands a message spec into the independent pieces dispatched per
// recipient. A text spec with SplitByLines yields one chunk per non-blank
// line; every other kind is a single chunk.
func Chunks(spec models.MessageSpec) []models.MessageSpec {
	if spec.Kind != models.MessageKindText || spec.Text == nil || !spec.Text.SplitByLines {
		return []models.MessageSpec{spec}
	}
	var chunks []models.MessageSpec
	for _, line := range strings.Split(spec.Text.Body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		chunks = append(chunks, models.MessageSpec{
			Kind: models.MessageKindText,
			Text: &models.TextSpec{Body: line},
		})
	}
	if len(chunks) == 0 {
		return []models.MessageSpec{spec}
	}
	return chunks
}

// Dispatch attempts every (recipient, chunk) pair for the job and returns the
// terminal status plus its summary. One recipient's failure never aborts the
// job; each failure is tallied, recorded as a delivery failure row, and the
// loop moves on. The caller persists the returned outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, job models.Job, recipients []models.Group) (models.JobStatus, models.Summary) {
	if err := job.Validate(); err != nil {
		slog.Warn("Dispatcher.Dispatch: malformed job rejected", "id", job.ID, "error", err)
		return models.JobStatusFailed, models.Summary{Detail: "invalid message: " + err.Error()}
	}

	if len(recipients) == 0 {
		slog.Info("Dispatcher.Dispatch: no recipients resolved", "id", job.ID)
		return models.JobStatusSent, models.Summary{Detail: "0 recipients"}
	}

	chunks := Chunks(job.Spec)
	total := len(recipients) * len(chunks)
	var succeeded, failed int
	failedGroups := make(map[string]bool)
	first := true

	for _, recipient := range recipients {
		for ci, chunk := range chunks {
			if !first {
				if err := d.pause(ctx); err != nil {
					slog.Warn("Dispatcher.Dispatch: interrupted mid-job", "id", job.ID, "error", err)
					return models.JobStatusFailed, models.Summary{
						Succeeded: succeeded,
						Failed:    failed,
						Detail:    fmt.Sprintf("interrupted after %d/%d attempts: %v", succeeded+failed, total, err),
					}
				}
			}
			first = false

			err := d.sender.SendMessage(ctx, job.Instance, recipient.ID, chunk, job.MentionEveryone)
			if err != nil {
				failed++
				slog.Warn("Dispatcher.Dispatch: send failed", "id", job.ID, "group", recipient.ID, "chunk", ci, "error", err)
				// One failure row per recipient keeps retry targeting clean
				// even when several chunks fail for the same group.
				if !failedGroups[recipient.ID] {
					failedGroups[recipient.ID] = true
					if rerr := d.store.RecordFailure(job.ID, recipient.ID, err.Error()); rerr != nil {
						slog.Error("Dispatcher.Dispatch: record failure error", "id", job.ID, "group", recipient.ID, "error", rerr)
					}
				}
				continue
			}
			succeeded++
			slog.Debug("Dispatcher.Dispatch: send succeeded", "id", job.ID, "group", recipient.ID, "chunk", ci)
		}
	}

	summary := models.Summary{Succeeded: succeeded, Failed: failed}
	if failed > 0 {
		summary.Detail = fmt.Sprintf("%d/%d sent, %d failed", succeeded, total, failed)
		return models.JobStatusFailed, summary
	}
	summary.Detail = fmt.Sprintf("%d/%d sent", succeeded, total)
	return models.JobStatusSent, summary
}

// pause blocks for the inter-call delay; a cancellable wait, not a busy sleep.
func (d *Dispatcher) pause(ctx context.Context) error {
	timer := time.NewTimer(d.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
