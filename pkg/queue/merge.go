package queue

import (
	"strings"

	"github.com/Sternrassler/link-enricher/pkg/catalog"
	"github.com/Sternrassler/link-enricher/pkg/enrich"
)

// MergeResult applies r to it and marks it done. A soft failure changes
// nothing but the status. Otherwise each field is replaced only by a
// meaningful value, so a degenerate answer never erases stored data.
func MergeResult(it catalog.Item, r enrich.Result) catalog.Item {
	it = it.Clone()
	it.Status = catalog.StatusDone

	if enrich.IsSoftFailure(r) {
		return it
	}

	if desc := strings.TrimSpace(r.Description); len(desc) > catalog.MinDescriptionLen {
		it.Description = desc
	}
	if !catalog.IsPlaceholderCategory(r.Category) {
		it.Category = strings.TrimSpace(r.Category)
	}
	if len(r.Tags) > 0 {
		it.Tags = append([]string(nil), r.Tags...)
	}
	return it
}
