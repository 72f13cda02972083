// Package testutil provides testing utilities for the link enricher.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockGeminiResponse defines the behavior for one mocked generateContent call.
type MockGeminiResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// MockGemini is a configurable mock of the generateContent endpoint.
// Responses are configured per model; a model with a queue of responses
// consumes them in order and repeats the last one.
type MockGemini struct {
	server    *httptest.Server
	mu        sync.Mutex
	queues    map[string][]MockGeminiResponse
	responder func(model, prompt string) MockGeminiResponse

	// Tracking
	RequestCount  int
	ModelCalls    map[string]int
	LastAPIKey    string
	LastPrompt    string
	LastSchema    json.RawMessage
	LastModelPath string
}

// NewMockGemini creates a new mock server. Models without queued responses
// go to the responder when one is set, otherwise they answer with an empty
// result list.
func NewMockGemini() *MockGemini {
	mock := &MockGemini{
		queues:     make(map[string][]MockGeminiResponse),
		ModelCalls: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		model, ok := modelFromPath(r.URL.Path)
		if !ok || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}

		body, _ := io.ReadAll(r.Body)
		var req struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
			GenerationConfig struct {
				ResponseSchema json.RawMessage `json:"responseSchema"`
			} `json:"generationConfig"`
		}
		_ = json.Unmarshal(body, &req)

		mock.mu.Lock()
		mock.RequestCount++
		mock.ModelCalls[model]++
		mock.LastAPIKey = r.Header.Get("x-goog-api-key")
		mock.LastModelPath = model
		mock.LastSchema = req.GenerationConfig.ResponseSchema
		if len(req.Contents) > 0 && len(req.Contents[0].Parts) > 0 {
			mock.LastPrompt = req.Contents[0].Parts[0].Text
		}
		var resp MockGeminiResponse
		if mock.responder != nil && len(mock.queues[model]) == 0 {
			resp = mock.responder(model, mock.LastPrompt)
		} else {
			resp = mock.next(model)
		}
		mock.mu.Unlock()

		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	}))

	return mock
}

// next pops the response queued for model. Caller holds mu.
func (m *MockGemini) next(model string) MockGeminiResponse {
	queue := m.queues[model]
	if len(queue) == 0 {
		return NewTextResponse(`{"results":[]}`)
	}
	resp := queue[0]
	if len(queue) > 1 {
		m.queues[model] = queue[1:]
	}
	return resp
}

func modelFromPath(path string) (string, bool) {
	const prefix = "/models/"
	const suffix = ":generateContent"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix), true
}

// URL returns the mock server URL, usable as the Gemini endpoint.
func (m *MockGemini) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockGemini) Close() {
	m.server.Close()
}

// Reset clears configured responses and tracking counters.
func (m *MockGemini) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = make(map[string][]MockGeminiResponse)
	m.responder = nil
	m.ModelCalls = make(map[string]int)
	m.RequestCount = 0
	m.LastAPIKey = ""
	m.LastPrompt = ""
	m.LastSchema = nil
	m.LastModelPath = ""
}

// SetResponses queues responses for model, replacing earlier ones.
func (m *MockGemini) SetResponses(model string, responses ...MockGeminiResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[model] = responses
}

// SetResponder answers every model without queued responses through fn.
func (m *MockGemini) SetResponder(fn func(model, prompt string) MockGeminiResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = fn
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockGemini) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// GetModelCalls returns how often model was called.
func (m *MockGemini) GetModelCalls(model string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ModelCalls[model]
}

// GetLastPrompt returns the user prompt of the most recent request.
func (m *MockGemini) GetLastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastPrompt
}

// NewTextResponse wraps text as the single candidate part of a 200 response.
func NewTextResponse(text string) MockGeminiResponse {
	body, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]string{{"text": text}},
			},
			"finishReason": "STOP",
		}},
	})
	return MockGeminiResponse{StatusCode: http.StatusOK, Body: string(body)}
}

// NewEmptyResponse creates a 200 response without candidates.
func NewEmptyResponse() MockGeminiResponse {
	return MockGeminiResponse{StatusCode: http.StatusOK, Body: `{"candidates":[]}`}
}

// NewRateLimitResponse creates a 429 RESOURCE_EXHAUSTED response.
func NewRateLimitResponse() MockGeminiResponse {
	return MockGeminiResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`,
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockGeminiResponse {
	return MockGeminiResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error":{"code":500,"message":"Internal error encountered.","status":"INTERNAL"}}`,
	}
}

// EchoBatch answers a batch enrichment prompt with a result for every
// submitted id. Descriptions are derived from the item names.
func EchoBatch(model, prompt string) MockGeminiResponse {
	tools := strings.Index(prompt, "Tools:")
	if tools < 0 {
		return NewTextResponse(`{"results":[]}`)
	}
	start := strings.Index(prompt[tools:], "[")
	end := strings.LastIndex(prompt, "]")
	if start < 0 {
		return NewTextResponse(`{"results":[]}`)
	}
	start += tools
	if end < start {
		return NewTextResponse(`{"results":[]}`)
	}

	var items []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(prompt[start:end+1]), &items); err != nil {
		return NewTextResponse(`{"results":[]}`)
	}

	results := make([]map[string]any, 0, len(items))
	for _, it := range items {
		results = append(results, map[string]any{
			"id":          it.ID,
			"description": "Security tool " + it.Name,
			"category":    "OSINT",
			"tags":        []string{"osint", "recon"},
			"status":      "ok",
		})
	}
	text, _ := json.Marshal(map[string]any{"results": results})
	return NewTextResponse(string(text))
}
