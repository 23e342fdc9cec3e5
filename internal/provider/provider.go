// Package provider implements the pipeline's Cleaner, Researcher and
// SemanticValidator contracts on top of Anthropic and Perplexity, plus
// offline stand-ins for runs without API keys.
package provider

import (
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-pipeline/internal/resilience"
	"github.com/sells-group/supplier-pipeline/pkg/perplexity"
)

// ErrMalformedResponse is returned when a provider answer cannot be parsed.
var ErrMalformedResponse = eris.New("provider: malformed response")

// Policy is the retry and circuit breaker setup around provider calls. A nil
// Breaker disables circuit breaking.
type Policy struct {
	Retry   resilience.RetryConfig
	Breaker *resilience.Breaker
}

// classify marks retryable HTTP failures from either SDK as transient so the
// retry policy can tell them from permanent request errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
		return resilience.NewTransientError(err, apiErr.StatusCode)
	}
	var pErr *perplexity.APIError
	if errors.As(err, &pErr) && resilience.IsTransientHTTPStatus(pErr.StatusCode) {
		return resilience.NewTransientError(err, pErr.StatusCode)
	}
	return err
}
