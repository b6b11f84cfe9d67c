// Package dispatch turns one claimed broadcast job into a paced sequence of
// provider calls: it resolves the targeting rule against the group directory,
// expands message chunks, and tallies per-recipient outcomes.
package dispatch

import (
	"sort"
	"strings"

	"github.com/Cunhov/evodash-v2-sub000/internal/models"
)

// ResolveRecipients evaluates a job's targeting rule against the current
// group directory and returns the concrete recipient set, sorted by
// descending size (ties keep directory order). Larger groups go first so
// that if a rate limit or quota cuts a job short, the highest-value
// deliveries have already completed.
//
// An explicit ID set is intersected with the live directory: a group the
// directory no longer knows (e.g. the bot left it) is silently dropped.
// An empty result is not an error.
func ResolveRecipients(rule models.TargetingRule, groups []models.Group) []models.Group {
	var recipients []models.Group

	if rule.IsExplicit() {
		wanted := make(map[string]bool, len(rule.GroupIDs))
		for _, id := range rule.GroupIDs {
			wanted[id] = true
		}
		for _, g := range groups {
			if wanted[g.ID] {
				recipients = append(recipients, g)
			}
		}
	} else {
		filter := strings.ToLower(rule.NameContains)
		for _, g := range groups {
			if g.Size < rule.MinSize {
				continue
			}
			if filter != "" && !strings.Contains(strings.ToLower(g.Subject), filter) {
				continue
			}
			recipients = append(recipients, g)
		}
	}

	sort.SliceStable(recipients, func(a, b int) bool {
		return recipients[a].Size > recipients[b].Size
	})
	return recipients
}
