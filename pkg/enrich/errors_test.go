package enrich

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/Sternrassler/link-enricher/pkg/provider"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ""},
		{"http 429", &provider.StatusError{StatusCode: 429, Status: "429 Too Many Requests"}, ErrorClassQuota},
		{"wrapped 429", fmt.Errorf("call: %w", &provider.StatusError{StatusCode: 429}), ErrorClassQuota},
		{"http 500", &provider.StatusError{StatusCode: 500, Status: "500 Internal Server Error"}, ErrorClassProvider},
		{"text 429", errors.New("anthropic: status 429"), ErrorClassQuota},
		{"text rate limit", errors.New("Rate limit reached for requests"), ErrorClassQuota},
		{"text quota", errors.New("You exceeded your current quota"), ErrorClassQuota},
		{"resource exhausted", errors.New("RESOURCE_EXHAUSTED"), ErrorClassQuota},
		{"generate is not rate", errors.New("failed to generate content"), ErrorClassProvider},
		{"malformed", fmt.Errorf("%w: eof", ErrMalformedResponse), ErrorClassMalformed},
		{"cancelled", context.Canceled, ErrorClassCancelled},
		{"deadline", context.DeadlineExceeded, ErrorClassNetwork},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, ErrorClassNetwork},
		{"classified", &EnrichError{Class: ErrorClassMalformed, Err: errors.New("429 in text")}, ErrorClassMalformed},
		{"exhausted keeps quota", fmt.Errorf("%w: %w", ErrModelsExhausted, &EnrichError{Class: ErrorClassQuota}), ErrorClassQuota},
		{"plain", errors.New("boom"), ErrorClassProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestEnrichError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	err := &EnrichError{Class: ErrorClassProvider, Model: "m1", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("EnrichError should unwrap to inner error")
	}
	if err.Error() != "enrich provider error (model m1): inner" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestIsSoftFailure(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		want   bool
	}{
		{"structured ok", Result{Description: "Descrizione non disponibile", Status: "ok"}, false},
		{"structured unknown", Result{Description: "Real text here", Status: "unknown"}, true},
		{"structured error", Result{Status: "ERROR"}, true},
		{"legacy italian description", Result{Description: "Descrizione non disponibile."}, true},
		{"legacy english description", Result{Description: "Description unavailable"}, true},
		{"legacy error category", Result{Category: "Errore IA"}, true},
		{"error category exact", Result{Category: "Error"}, true},
		{"error tracking is a real category", Result{Category: "Error Tracking"}, false},
		{"normal", Result{Description: "Wireless network mapping", Category: "Wireless"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSoftFailure(tt.result); got != tt.want {
				t.Errorf("IsSoftFailure() = %v, want %v", got, tt.want)
			}
			if tt.result.Authoritative() == tt.want {
				t.Errorf("Authoritative() should be the inverse of IsSoftFailure")
			}
		})
	}
}

func TestBudget_MaxBatch(t *testing.T) {
	tests := []struct {
		name   string
		budget Budget
		model  string
		want   int
	}{
		{"default budget hits practical cap", DefaultBudget(), "gemini-2.5-flash", 10},
		{"unknown model default ceiling", Budget{TokensPerItem: 600, Margin: 0.7, MaxPracticalBatch: 100}, "x", 36},
		{"override ceiling", Budget{TokensPerItem: 600, Margin: 0.7, MaxPracticalBatch: 10, Ceilings: map[string]int{"x": 3000}}, "x", 2},
		{"never below one", Budget{TokensPerItem: 600, Margin: 0.7, MaxPracticalBatch: 10, Ceilings: map[string]int{"x": 100}}, "x", 1},
		{"invalid margin falls back", Budget{TokensPerItem: 600, Margin: 5, MaxPracticalBatch: 100}, "x", 36},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.budget.MaxBatch(tt.model); got != tt.want {
				t.Errorf("MaxBatch(%q) = %d, want %d", tt.model, got, tt.want)
			}
		})
	}
}
