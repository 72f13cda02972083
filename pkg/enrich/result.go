package enrich

import "strings"

// Result status values reported by the provider.
const (
	StatusOK      = "ok"
	StatusUnknown = "unknown"
)

// BatchItem is one link submitted for enrichment.
type BatchItem struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"currentDescription,omitempty"`
}

// Result is the enrichment proposed for one item. Empty fields mean
// "keep the existing value".
type Result struct {
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Status      string   `json:"status,omitempty"`
}

// IsSoftFailure reports whether the provider answered but could not classify
// the item. A structured status decides when present; otherwise the legacy
// phrase heuristic applies.
func IsSoftFailure(r Result) bool {
	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case StatusUnknown, "error":
		return true
	case StatusOK:
		return false
	}

	desc := strings.ToLower(r.Description)
	if strings.Contains(desc, "non disponibile") || strings.Contains(desc, "unavailable") {
		return true
	}
	category := strings.ToLower(strings.TrimSpace(r.Category))
	return strings.Contains(category, "errore") || category == "error"
}

// Authoritative reports whether r may overwrite stored data.
func (r Result) Authoritative() bool {
	return !IsSoftFailure(r)
}
