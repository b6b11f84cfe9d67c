package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Cunhov/evodash-v2-sub000/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner abstracts sql.Row and sql.Rows for the shared scan logic.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans a Job from a jobs row; spec and targeting are stored as JSON.
func scanJob(sc rowScanner) (models.Job, error) {
	var j models.Job
	var specJSON, targetingJSON string
	var batchID, detail sql.NullString
	var sentAt sql.NullTime
	err := sc.Scan(
		&j.ID, &j.Status, &j.DueAt, &j.Instance, &specJSON, &targetingJSON,
		&j.MentionEveryone, &batchID, &j.ChunkIndex, &j.TotalChunks,
		&j.Summary.Succeeded, &j.Summary.Failed, &detail, &sentAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	if err := json.Unmarshal([]byte(specJSON), &j.Spec); err != nil {
		return j, fmt.Errorf("decode job spec failed: %w", err)
	}
	if err := json.Unmarshal([]byte(targetingJSON), &j.Targeting); err != nil {
		return j, fmt.Errorf("decode job targeting failed: %w", err)
	}
	j.BatchID = batchID.String
	j.Summary.Detail = detail.String
	if sentAt.Valid {
		t := sentAt.Time
		j.SentAt = &t
	}
	return j, nil
}

// encodeJob serializes the spec and targeting columns of a job.
func encodeJob(j *models.Job) (specJSON, targetingJSON string, err error) {
	sb, err := json.Marshal(j.Spec)
	if err != nil {
		return "", "", fmt.Errorf("encode job spec failed: %w", err)
	}
	tb, err := json.Marshal(j.Targeting)
	if err != nil {
		return "", "", fmt.Errorf("encode job targeting failed: %w", err)
	}
	return string(sb), string(tb), nil
}
