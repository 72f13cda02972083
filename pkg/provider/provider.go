// Package provider talks to the text-generation backends that classify
// catalog links. It knows nothing about batches or items: a Generator takes
// a prompt and an optional response schema for one model and returns the raw
// text the model produced.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for provider calls.
var (
	providerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkhub_provider_requests_total",
		Help: "Total provider requests by backend, model and status",
	}, []string{"backend", "model", "status"})

	providerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "linkhub_provider_request_duration_seconds",
		Help:    "Provider request duration in seconds by backend",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"backend"})
)

var (
	// ErrEmptyResponse is returned when the backend answered without any text.
	ErrEmptyResponse = errors.New("empty provider response")

	// ErrMissingAPIKey is returned when a client is built without credentials.
	ErrMissingAPIKey = errors.New("provider api key is required")
)

// Generator produces text from a prompt using a named model.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	// Backend names the service, e.g. "gemini".
	Backend() string
}

// Request is a single generation call.
type Request struct {
	Model  string
	System string
	Prompt string
	// Schema constrains the response to JSON of this shape. Nil asks for
	// free-form JSON.
	Schema *Schema
}

// StatusError is returned when the backend answers with an HTTP error status.
type StatusError struct {
	StatusCode int
	Status     string
	Model      string
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("provider error %s (model %s): %s", e.Status, e.Model, e.Body)
	}
	return fmt.Sprintf("provider error %s (model %s)", e.Status, e.Model)
}

// IsRateLimited reports whether the backend refused the call for quota.
func (e *StatusError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// Schema is a minimal JSON schema that renders to both the Gemini
// responseSchema dialect and standard JSON Schema.
type Schema struct {
	Type        string // "object", "array", "string", "integer", "number", "boolean"
	Description string
	Properties  map[string]*Schema
	Items       *Schema
	Required    []string
	Enum        []string
}

// Object builds an object schema with every property required.
func Object(props map[string]*Schema) *Schema {
	required := make([]string, 0, len(props))
	for name := range props {
		required = append(required, name)
	}
	sort.Strings(required)
	return &Schema{Type: "object", Properties: props, Required: required}
}

// ArrayOf builds an array schema.
func ArrayOf(items *Schema) *Schema {
	return &Schema{Type: "array", Items: items}
}

// String builds a string schema, optionally restricted to enum values.
func String(enum ...string) *Schema {
	return &Schema{Type: "string", Enum: enum}
}

// Gemini renders the schema in the uppercase-type form generateContent expects.
func (s *Schema) Gemini() map[string]any {
	return s.render(strings.ToUpper, false)
}

// JSONSchema renders the schema as a standard JSON Schema document.
func (s *Schema) JSONSchema() string {
	data, err := json.Marshal(s.render(strings.ToLower, true))
	if err != nil {
		return "{}"
	}
	return string(data)
}

func (s *Schema) render(typeCase func(string) string, strict bool) map[string]any {
	if s == nil {
		return nil
	}
	out := map[string]any{"type": typeCase(s.Type)}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	if s.Items != nil {
		out["items"] = s.Items.render(typeCase, strict)
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for name, p := range s.Properties {
			props[name] = p.render(typeCase, strict)
		}
		out["properties"] = props
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	if strict && strings.EqualFold(s.Type, "object") {
		out["additionalProperties"] = false
	}
	return out
}

// observe records the outcome of one backend call.
func observe(backend, model string, err error, seconds float64) {
	providerRequestDuration.WithLabelValues(backend).Observe(seconds)
	providerRequestsTotal.WithLabelValues(backend, model, statusLabel(err)).Inc()
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var se *StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("%d", se.StatusCode)
	}
	if errors.Is(err, ErrEmptyResponse) {
		return "empty"
	}
	return "error"
}
