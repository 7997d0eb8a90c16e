package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/harun/concierge/internal/tracing"
	"github.com/openai/openai-go"
	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds retries of one provider call.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns 3 attempts with 1s, 2s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 8 * time.Second}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

// statusCode extracts the HTTP status of an SDK error, or 0.
func statusCode(err error) int {
	var aerr *anthropic.Error
	if errors.As(err, &aerr) {
		return aerr.StatusCode
	}
	var oerr *openai.Error
	if errors.As(err, &oerr) {
		return oerr.StatusCode
	}
	return 0
}

// IsRetryable reports whether err is a transient provider failure: rate
// limits, server errors, network errors and per-attempt timeouts.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if code := statusCode(err); code != 0 {
		return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// CallWithRetry calls provider, retrying transient failures with
// exponential backoff. It gives up early when ctx is done.
func CallWithRetry(ctx context.Context, provider Provider, request Request, policy RetryPolicy) (*Response, error) {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := provider.Call(ctx, request)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == attempts-1 {
			break
		}

		delay := policy.delay(attempt)
		logger.Info().
			Str("provider", provider.Name()).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying model call after error")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return nil, lastErr
}
