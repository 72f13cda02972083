package queue

import (
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/link-enricher/pkg/catalog"
	"github.com/Sternrassler/link-enricher/pkg/enrich"
)

func TestIsEligible(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	grace := 5 * time.Minute

	tests := []struct {
		name string
		item catalog.Item
		want bool
	}{
		{"pending", catalog.Item{Status: catalog.StatusPending}, true},
		{"queued", catalog.Item{Status: catalog.StatusQueued}, true},
		{"processing", catalog.Item{Status: catalog.StatusProcessing}, false},
		{"done", catalog.Item{Status: catalog.StatusDone}, false},
		{"error without description", catalog.Item{Status: catalog.StatusError, LastErrorAt: now.Add(-time.Second)}, true},
		{"error with placeholder description", catalog.Item{Status: catalog.StatusError, Description: catalog.AwaitingDescription, LastErrorAt: now}, true},
		{"error with description, recent", catalog.Item{Status: catalog.StatusError, Description: "Packet capture toolkit", LastErrorAt: now.Add(-time.Minute)}, false},
		{"error with description, old", catalog.Item{Status: catalog.StatusError, Description: "Packet capture toolkit", LastErrorAt: now.Add(-10 * time.Minute)}, true},
		{"error with description, never stamped", catalog.Item{Status: catalog.StatusError, Description: "Packet capture toolkit"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsEligible(tt.item, now, grace); got != tt.want {
				t.Errorf("IsEligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectEligible_Scenario(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	items := []catalog.Item{
		{ID: "A", Status: catalog.StatusPending},
		{ID: "B", Status: catalog.StatusError, LastErrorAt: now.Add(-10 * time.Minute)},
		{ID: "C", Status: catalog.StatusError, Description: "Subdomain enumeration tool", LastErrorAt: now.Add(-time.Minute)},
	}

	got := SelectEligible(items, now, DefaultErrorRetryGrace)
	if len(got) != 2 || got[0].ID != "A" || got[1].ID != "B" {
		t.Fatalf("SelectEligible() = %v, want [A B]", ids(got))
	}
}

func TestMergeResult(t *testing.T) {
	base := catalog.Item{
		ID:          "1",
		Name:        "nmap",
		URL:         "https://nmap.org",
		Description: "Network scanner",
		Category:    "Recon",
		Tags:        []string{"scanner"},
		Status:      catalog.StatusProcessing,
	}

	tests := []struct {
		name     string
		result   enrich.Result
		wantDesc string
		wantCat  string
		wantTags []string
	}{
		{
			name:     "full replacement",
			result:   enrich.Result{Description: "Port and service scanner", Category: "Network", Tags: []string{"ports"}, Status: enrich.StatusOK},
			wantDesc: "Port and service scanner",
			wantCat:  "Network",
			wantTags: []string{"ports"},
		},
		{
			name:     "soft failure keeps everything",
			result:   enrich.Result{Description: "Descrizione non disponibile", Category: "Errore"},
			wantDesc: "Network scanner",
			wantCat:  "Recon",
			wantTags: []string{"scanner"},
		},
		{
			name:     "structured unknown keeps everything",
			result:   enrich.Result{Description: "Something else entirely", Category: "Other", Tags: []string{"x"}, Status: enrich.StatusUnknown},
			wantDesc: "Network scanner",
			wantCat:  "Recon",
			wantTags: []string{"scanner"},
		},
		{
			name:     "short description ignored",
			result:   enrich.Result{Description: " ok ", Category: "Network", Status: enrich.StatusOK},
			wantDesc: "Network scanner",
			wantCat:  "Network",
			wantTags: []string{"scanner"},
		},
		{
			name:     "placeholder category ignored",
			result:   enrich.Result{Description: "Port and service scanner", Category: "Non categorizzato", Status: enrich.StatusOK},
			wantDesc: "Port and service scanner",
			wantCat:  "Recon",
			wantTags: []string{"scanner"},
		},
		{
			name:     "empty tags ignored",
			result:   enrich.Result{Description: "Port and service scanner", Category: catalog.DefaultCategory, Status: enrich.StatusOK},
			wantDesc: "Port and service scanner",
			wantCat:  "Recon",
			wantTags: []string{"scanner"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeResult(base, tt.result)

			if got.Status != catalog.StatusDone {
				t.Errorf("Status = %q, want done", got.Status)
			}
			if got.Description != tt.wantDesc {
				t.Errorf("Description = %q, want %q", got.Description, tt.wantDesc)
			}
			if got.Category != tt.wantCat {
				t.Errorf("Category = %q, want %q", got.Category, tt.wantCat)
			}
			if len(got.Tags) != len(tt.wantTags) || (len(got.Tags) > 0 && got.Tags[0] != tt.wantTags[0]) {
				t.Errorf("Tags = %v, want %v", got.Tags, tt.wantTags)
			}
		})
	}

	if base.Status != catalog.StatusProcessing || base.Tags[0] != "scanner" {
		t.Error("MergeResult modified its input")
	}
}

func TestBackoff_Bounds(t *testing.T) {
	b := NewBackoff(6*time.Second, 4*time.Second, 60*time.Second)

	want := []time.Duration{12 * time.Second, 24 * time.Second, 48 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, w := range want {
		if got := b.Failure(); got != w {
			t.Errorf("Failure #%d = %v, want %v", i+1, got, w)
		}
	}

	want = []time.Duration{30 * time.Second, 15 * time.Second, 7500 * time.Millisecond, 4 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := b.Success(); got != w {
			t.Errorf("Success #%d = %v, want %v", i+1, got, w)
		}
	}

	if got := b.Current(); got != 4*time.Second {
		t.Errorf("Current() = %v, want floor 4s", got)
	}
}

func TestNewBackoff_ClampsInitial(t *testing.T) {
	if got := NewBackoff(time.Second, 4*time.Second, 60*time.Second).Current(); got != 4*time.Second {
		t.Errorf("initial below floor = %v, want 4s", got)
	}
	if got := NewBackoff(time.Hour, 4*time.Second, 60*time.Second).Current(); got != 60*time.Second {
		t.Errorf("initial above ceiling = %v, want 60s", got)
	}
}

func TestSummarize(t *testing.T) {
	items := []catalog.Item{
		{Status: catalog.StatusPending},
		{Status: catalog.StatusPending},
		{Status: catalog.StatusQueued},
		{Status: catalog.StatusProcessing},
		{Status: catalog.StatusDone},
		{Status: catalog.StatusError},
	}

	got := Summarize(items)
	want := Summary{Total: 6, Pending: 2, Queued: 1, Processing: 1, Done: 1, Error: 1}
	if got != want {
		t.Errorf("Summarize() = %+v, want %+v", got, want)
	}
	if got.Remaining() != 5 {
		t.Errorf("Remaining() = %d, want 5", got.Remaining())
	}
}

func ids(items []catalog.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestMergeResult_DescriptionThresholdMatchesCatalog(t *testing.T) {
	short := strings.Repeat("x", catalog.MinDescriptionLen)
	long := short + "y"

	for _, desc := range []string{short, long} {
		it := catalog.Item{ID: "a", Description: catalog.AwaitingDescription, Status: catalog.StatusQueued}
		got := MergeResult(it, enrich.Result{Description: desc, Category: "OSINT", Tags: []string{"t"}, Status: enrich.StatusOK})

		replaced := got.Description == desc
		if replaced != catalog.IsUsableDescription(desc) {
			t.Errorf("description %q: replaced=%v, usable=%v", desc, replaced, catalog.IsUsableDescription(desc))
		}
	}
}
