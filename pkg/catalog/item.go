// Package catalog holds the link catalog: items, their enrichment status and
// the stores that persist them.
package catalog

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the enrichment state of an item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusDone, StatusError:
		return true
	}
	return false
}

const (
	// DefaultCategory is assigned to items nobody has classified yet.
	DefaultCategory = "Uncategorized"

	// AwaitingDescription is the placeholder description of a fresh item.
	AwaitingDescription = "Awaiting analysis"

	// MinDescriptionLen is the length a description must exceed to count
	// as usable or to replace a stored one.
	MinDescriptionLen = 5
)

// placeholderCategories never overwrite a real category.
var placeholderCategories = []string{
	DefaultCategory,
	"Non categorizzato",
}

// Item is one catalog entry.
type Item struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Tags        []string  `json:"tags"`
	AddedAt     time.Time `json:"added_at"`
	Status      Status    `json:"status"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// NewID returns a fresh opaque item identifier.
func NewID() string {
	return uuid.NewString()
}

// HasUsableDescription reports whether the item carries a real description
// rather than empty or placeholder text.
func (it Item) HasUsableDescription() bool {
	return IsUsableDescription(it.Description)
}

// IsUsableDescription reports whether d is more than placeholder text.
func IsUsableDescription(d string) bool {
	d = strings.TrimSpace(d)
	if len(d) <= MinDescriptionLen {
		return false
	}
	if strings.EqualFold(d, AwaitingDescription) {
		return false
	}
	return !strings.Contains(strings.ToLower(d), "analisi")
}

// IsPlaceholderCategory reports whether c is empty or a generic default.
func IsPlaceholderCategory(c string) bool {
	c = strings.TrimSpace(c)
	if c == "" {
		return true
	}
	for _, p := range placeholderCategories {
		if strings.EqualFold(c, p) {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with it.
func (it Item) Clone() Item {
	if it.Tags != nil {
		it.Tags = append([]string(nil), it.Tags...)
	}
	return it
}

// normalize fills defaults for a newly added item.
func normalize(it Item, now time.Time) Item {
	it = it.Clone()
	if it.ID == "" {
		it.ID = NewID()
	}
	if it.Status == "" {
		it.Status = StatusPending
	}
	if it.Category == "" {
		it.Category = DefaultCategory
	}
	if it.Tags == nil {
		it.Tags = []string{}
	}
	if it.AddedAt.IsZero() {
		it.AddedAt = now
	}
	return it
}
