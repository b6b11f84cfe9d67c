package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Cunhov/evodash-v2-sub000/internal/models"
)

// DefaultDirectoryTTL is how long a cached group list stays fresh.
const DefaultDirectoryTTL = 5 * time.Minute

// CachedDirectory wraps a Directory with a per-instance TTL cache.
// Staleness is acceptable: a group the bot just left is dropped at dispatch
// time anyway, and a brand-new group simply waits one refresh.
type CachedDirectory struct {
	inner Directory
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]directoryEntry
}

type directoryEntry struct {
	groups    []models.Group
	fetchedAt time.Time
}

// NewCachedDirectory wraps inner with a TTL cache. A non-positive ttl uses
// DefaultDirectoryTTL.
func NewCachedDirectory(inner Directory, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = DefaultDirectoryTTL
	}
	return &CachedDirectory{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]directoryEntry),
	}
}

// ListGroups returns the cached group list for the instance, refreshing it
// from the inner directory when the entry is missing or expired. A refresh
// failure falls back to the stale entry when one exists.
func (d *CachedDirectory) ListGroups(ctx context.Context, instance string) ([]models.Group, error) {
	d.mu.Lock()
	entry, ok := d.entries[instance]
	d.mu.Unlock()

	if ok && time.Since(entry.fetchedAt) < d.ttl {
		return entry.groups, nil
	}

	groups, err := d.inner.ListGroups(ctx, instance)
	if err != nil {
		if ok {
			slog.Warn("CachedDirectory.ListGroups: refresh failed, serving stale entry", "instance", instance, "age", time.Since(entry.fetchedAt), "error", err)
			return entry.groups, nil
		}
		return nil, err
	}

	d.mu.Lock()
	d.entries[instance] = directoryEntry{groups: groups, fetchedAt: time.Now()}
	d.mu.Unlock()
	return groups, nil
}
