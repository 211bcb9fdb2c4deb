package reliability

import (
	"context"
	"net/http"
	"time"
)

// Outcome classifies a single upstream attempt.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeTransport   Outcome = "transport_error"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeAPIError    Outcome = "api_error"
	OutcomeMalformed   Outcome = "malformed_response"
	OutcomeEmpty       Outcome = "empty_response"
)

// ClassifyHTTPStatus maps a non-2xx status to an outcome. 2xx statuses
// report success; the body still has to be checked.
func ClassifyHTTPStatus(code int) Outcome {
	switch {
	case code == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case code >= 200 && code < 300:
		return OutcomeSuccess
	default:
		return OutcomeAPIError
	}
}

// RetryWait is the pause before the next attempt: twice the base delay
// after a rate limit, the base delay after any other failure.
func RetryWait(outcome Outcome, delay time.Duration) time.Duration {
	switch outcome {
	case OutcomeSuccess:
		return 0
	case OutcomeRateLimited:
		return 2 * delay
	default:
		return delay
	}
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
