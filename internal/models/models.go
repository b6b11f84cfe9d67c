// Package models defines the core data structures for the evodash worker.
//
// It includes the broadcast job record, the message specification variants,
// targeting rules, and per-recipient delivery failure records shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a broadcast job.
type JobStatus string

const (
	// JobStatusDraft is a job still being authored; never picked up by the worker.
	JobStatusDraft JobStatus = "draft"
	// JobStatusPending is a job waiting for its due time.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing is a job claimed by a worker instance.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusSent is a terminal state: every delivery attempt succeeded.
	JobStatusSent JobStatus = "sent"
	// JobStatusFailed is a terminal state: at least one delivery failed,
	// or the job never got as far as dispatching.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled is a terminal state set externally before claiming.
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further processing will occur for this status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSent, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// MessageKind identifies the variant carried by a MessageSpec.
type MessageKind string

const (
	MessageKindText     MessageKind = "text"
	MessageKindMedia    MessageKind = "media"
	MessageKindAudio    MessageKind = "audio"
	MessageKindPoll     MessageKind = "poll"
	MessageKindPix      MessageKind = "pix"
	MessageKindContact  MessageKind = "contact"
	MessageKindLocation MessageKind = "location"
)

// Validation constants.
const (
	// MaxTextBodyLength is the maximum allowed length for a text message body.
	MaxTextBodyLength = 4096
	// MinPollOptions is the minimum number of options a poll must carry.
	MinPollOptions = 2
	// MaxPollOptions is the maximum number of options a poll may carry.
	MaxPollOptions = 12
)

// Error variables for validation failures, kept as sentinels for testability.
var (
	ErrInvalidMessageKind = errors.New("invalid message kind")
	ErrEmptyBody          = errors.New("body is required for text messages")
	ErrBodyTooLong        = errors.New("text body exceeds maximum length")
	ErrMissingMediaURL    = errors.New("media URL is required")
	ErrInvalidMediaURL    = errors.New("media URL must be an http(s) URL")
	ErrMissingAudioURL    = errors.New("audio URL is required")
	ErrMissingQuestion    = errors.New("poll question is required")
	ErrTooFewPollOptions  = errors.New("poll requires at least two options")
	ErrTooManyPollOptions = errors.New("poll has too many options")
	ErrMissingPixKey      = errors.New("pix key is required")
	ErrInvalidPixKeyType  = errors.New("invalid pix key type")
	ErrMissingContact     = errors.New("contact display name and phone are required")
	ErrMissingCoordinates = errors.New("location latitude and longitude are required")
	ErrEmptyInstance      = errors.New("instance cannot be empty")
	ErrNoTargeting        = errors.New("targeting rule selects nothing")
)

// IsValidMessageKind checks if the given message kind is supported.
func IsValidMessageKind(k MessageKind) bool {
	switch k {
	case MessageKindText, MessageKindMedia, MessageKindAudio, MessageKindPoll,
		MessageKindPix, MessageKindContact, MessageKindLocation:
		return true
	default:
		return false
	}
}

// PixKeyType enumerates the accepted PIX key formats.
type PixKeyType string

const (
	PixKeyCPF    PixKeyType = "cpf"
	PixKeyCNPJ   PixKeyType = "cnpj"
	PixKeyPhone  PixKeyType = "phone"
	PixKeyEmail  PixKeyType = "email"
	PixKeyRandom PixKeyType = "random"
)

// IsValidPixKeyType checks if the given PIX key type is supported.
func IsValidPixKeyType(t PixKeyType) bool {
	switch t {
	case PixKeyCPF, PixKeyCNPJ, PixKeyPhone, PixKeyEmail, PixKeyRandom:
		return true
	default:
		return false
	}
}

// TextSpec carries a plain text body. When SplitByLines is set the dispatcher
// expands the body into one chunk per non-blank line.
type TextSpec struct {
	Body         string `json:"body"`
	SplitByLines bool   `json:"split_by_lines,omitempty"`
}

// MediaSpec carries a pre-resolved, provider-fetchable media URL.
// Raw file bytes are never placed in a job; uploads happen before scheduling.
type MediaSpec struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// AudioSpec carries a pre-resolved audio URL, delivered as a voice note.
type AudioSpec struct {
	URL string `json:"url"`
}

// PollSpec carries a poll question and its selectable options.
type PollSpec struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	MaxSelections int      `json:"max_selections,omitempty"`
}

// PixSpec carries a PIX payment button specification.
type PixSpec struct {
	KeyType      PixKeyType `json:"key_type"`
	Key          string     `json:"key"`
	ReceiverName string     `json:"receiver_name,omitempty"`
}

// ContactSpec carries a shared contact card.
type ContactSpec struct {
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone"`
}

// LocationSpec carries a shared map pin.
type LocationSpec struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// MessageSpec is a tagged union: Kind selects which variant pointer is set.
// Exactly one variant should be populated for a given kind.
type MessageSpec struct {
	Kind     MessageKind   `json:"kind"`
	Text     *TextSpec     `json:"text,omitempty"`
	Media    *MediaSpec    `json:"media,omitempty"`
	Audio    *AudioSpec    `json:"audio,omitempty"`
	Poll     *PollSpec     `json:"poll,omitempty"`
	Pix      *PixSpec      `json:"pix,omitempty"`
	Contact  *ContactSpec  `json:"contact,omitempty"`
	Location *LocationSpec `json:"location,omitempty"`
}

// Validate checks the spec before any provider call is attempted.
// A malformed spec fails the whole job up front; it is never partially dispatched.
func (m MessageSpec) Validate() error {
	switch m.Kind {
	case MessageKindText:
		if m.Text == nil || strings.TrimSpace(m.Text.Body) == "" {
			return ErrEmptyBody
		}
		if len(m.Text.Body) > MaxTextBodyLength {
			return ErrBodyTooLong
		}
	case MessageKindMedia:
		if m.Media == nil || m.Media.URL == "" {
			return ErrMissingMediaURL
		}
		if !isHTTPURL(m.Media.URL) {
			return ErrInvalidMediaURL
		}
	case MessageKindAudio:
		if m.Audio == nil || m.Audio.URL == "" {
			return ErrMissingAudioURL
		}
		if !isHTTPURL(m.Audio.URL) {
			return ErrInvalidMediaURL
		}
	case MessageKindPoll:
		if m.Poll == nil || strings.TrimSpace(m.Poll.Question) == "" {
			return ErrMissingQuestion
		}
		if len(m.Poll.Options) < MinPollOptions {
			return ErrTooFewPollOptions
		}
		if len(m.Poll.Options) > MaxPollOptions {
			return ErrTooManyPollOptions
		}
	case MessageKindPix:
		if m.Pix == nil || m.Pix.Key == "" {
			return ErrMissingPixKey
		}
		if !IsValidPixKeyType(m.Pix.KeyType) {
			return ErrInvalidPixKeyType
		}
	case MessageKindContact:
		if m.Contact == nil || m.Contact.DisplayName == "" || m.Contact.Phone == "" {
			return ErrMissingContact
		}
	case MessageKindLocation:
		if m.Location == nil || (m.Location.Latitude == 0 && m.Location.Longitude == 0) {
			return ErrMissingCoordinates
		}
	default:
		return ErrInvalidMessageKind
	}
	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// TargetingRule resolves to a concrete recipient set against the live group
// directory. When GroupIDs is non-empty the explicit form wins; otherwise the
// predicate form (MinSize plus optional case-insensitive subject substring)
// applies.
type TargetingRule struct {
	GroupIDs     []string `json:"group_ids,omitempty"`
	MinSize      int      `json:"min_size,omitempty"`
	NameContains string   `json:"name_contains,omitempty"`
}

// IsExplicit reports whether the rule names its recipient groups directly.
func (r TargetingRule) IsExplicit() bool {
	return len(r.GroupIDs) > 0
}

// Group is one entry of the group directory for a messaging instance.
type Group struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Size    int    `json:"size"`
}

// Summary records the tally of a terminal job.
type Summary struct {
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Detail    string `json:"detail,omitempty"`
}

// Job is the unit of schedulable work: one message broadcast to the groups
// selected by its targeting rule, executed at or after DueAt.
type Job struct {
	ID              string        `json:"id"`
	Status          JobStatus     `json:"status"`
	DueAt           time.Time     `json:"due_at"`
	Instance        string        `json:"instance"`
	Spec            MessageSpec   `json:"spec"`
	Targeting       TargetingRule `json:"targeting"`
	MentionEveryone bool          `json:"mention_everyone,omitempty"`
	BatchID         string        `json:"batch_id,omitempty"`
	ChunkIndex      int           `json:"chunk_index,omitempty"`
	TotalChunks     int           `json:"total_chunks,omitempty"`
	Summary         Summary       `json:"summary"`
	SentAt          *time.Time    `json:"sent_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Validate checks the fields the worker depends on before dispatching.
func (j Job) Validate() error {
	if j.Instance == "" {
		return ErrEmptyInstance
	}
	return j.Spec.Validate()
}

// DeliveryFailure is one per-recipient failure row within a job, enabling
// selective retry without re-sending to recipients that already succeeded.
type DeliveryFailure struct {
	JobID    string    `json:"job_id"`
	GroupID  string    `json:"group_id"`
	Detail   string    `json:"detail"`
	FailedAt time.Time `json:"failed_at"`
}
