package queue

import (
	"time"

	"github.com/Sternrassler/link-enricher/pkg/catalog"
)

// DefaultErrorRetryGrace is how long an errored item with a usable
// description waits before it is retried automatically.
const DefaultErrorRetryGrace = 5 * time.Minute

// IsEligible reports whether it is a candidate for the next dispatch.
// Pending and queued items always are; errored items only when they have no
// usable description or their last failure is older than grace.
func IsEligible(it catalog.Item, now time.Time, grace time.Duration) bool {
	switch it.Status {
	case catalog.StatusPending, catalog.StatusQueued:
		return true
	case catalog.StatusError:
		if !it.HasUsableDescription() {
			return true
		}
		return now.Sub(it.LastErrorAt) > grace
	default:
		return false
	}
}

// SelectEligible filters items in their listing order.
func SelectEligible(items []catalog.Item, now time.Time, grace time.Duration) []catalog.Item {
	var out []catalog.Item
	for _, it := range items {
		if IsEligible(it, now, grace) {
			out = append(out, it)
		}
	}
	return out
}
