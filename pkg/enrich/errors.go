package enrich

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/Sternrassler/link-enricher/pkg/provider"
)

// ErrorClass represents a classification of enrichment failures.
type ErrorClass string

const (
	// ErrorClassQuota means the provider refused the call for rate or quota
	// reasons. Only this class rotates to the next model.
	ErrorClassQuota ErrorClass = "quota"

	// ErrorClassMalformed means the provider answered with unusable JSON.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassProvider covers any other provider-side failure.
	ErrorClassProvider ErrorClass = "provider"

	// ErrorClassNetwork represents transport failures and timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassCancelled means the caller's context was cancelled.
	ErrorClassCancelled ErrorClass = "cancelled"
)

var (
	// ErrMalformedResponse is returned when the provider output is not the
	// expected JSON document.
	ErrMalformedResponse = errors.New("malformed provider response")

	// ErrModelsExhausted is returned when every configured model failed on quota.
	ErrModelsExhausted = errors.New("all models exhausted")

	// ErrNoModels is returned when the client is configured without models.
	ErrNoModels = errors.New("no models configured")

	// ErrMissingResult is returned by EnrichOne when the provider omitted the item.
	ErrMissingResult = errors.New("provider returned no result for item")
)

// quotaMarkers are matched case-insensitively against error text when the
// error carries no HTTP status.
var quotaMarkers = []string{
	"429",
	"rate limit",
	"rate_limit",
	"ratelimit",
	"rate-limit",
	"too many requests",
	"quota",
	"resource_exhausted",
}

// EnrichError is a classified failure of one model attempt.
type EnrichError struct {
	Class ErrorClass
	Model string
	Err   error
}

// Error implements the error interface.
func (e *EnrichError) Error() string {
	return fmt.Sprintf("enrich %s error (model %s): %v", e.Class, e.Model, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *EnrichError) Unwrap() error {
	return e.Err
}

// ClassifyError maps any error from the enrichment path to an ErrorClass.
// It is the only place that decides whether a failure is quota-related.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var ee *EnrichError
	if errors.As(err, &ee) && ee.Class != "" {
		return ee.Class
	}

	var se *provider.StatusError
	if errors.As(err, &se) && se.IsRateLimited() {
		return ErrorClassQuota
	}

	if errors.Is(err, ErrMalformedResponse) {
		return ErrorClassMalformed
	}

	if errors.Is(err, context.Canceled) {
		return ErrorClassCancelled
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range quotaMarkers {
		if strings.Contains(msg, marker) {
			return ErrorClassQuota
		}
	}

	if se != nil {
		return ErrorClassProvider
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return ErrorClassNetwork
	}

	return ErrorClassProvider
}

// IsQuota reports whether err is a quota-class failure.
func IsQuota(err error) bool {
	return ClassifyError(err) == ErrorClassQuota
}
