// Package provider defines the outbound messaging contracts the worker
// depends on, plus the Evolution-style HTTP API client implementation.
package provider

import (
	"context"
	"errors"

	"github.com/Cunhov/evodash-v2-sub000/internal/models"
)

// Sender delivers one message to one recipient group through a messaging
// provider account identified by instance. Implementations own their own
// authentication and endpoint scheme.
type Sender interface {
	SendMessage(ctx context.Context, instance, to string, spec models.MessageSpec, mentionEveryone bool) error
}

// Directory supplies the current member-group list for an instance. Results
// may be served from a cache and can be stale; the worker never invalidates it.
type Directory interface {
	ListGroups(ctx context.Context, instance string) ([]models.Group, error)
}

// ErrUnsupportedKind is returned by backends that cannot deliver a given
// message kind (e.g. the native WhatsApp backend for URL-based media).
var ErrUnsupportedKind = errors.New("message kind not supported by this backend")
