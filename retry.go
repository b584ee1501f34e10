package truffle

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// retryClassifier wraps a Classifier and automatically retries transient
// HTTP errors (status 429 Too Many Requests and 503 Service Unavailable)
// with exponential backoff.
type retryClassifier struct {
	inner       Classifier
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures a retryClassifier.
type RetryOption func(*retryClassifier)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryClassifier) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryClassifier) { r.baseDelay = d }
}

// RetryLogger sets the structured logger for retry events. When set,
// retries log at WARN and final failures at ERROR. If not set, a no-op
// logger is used.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryClassifier) { r.logger = l }
}

// WithRetry wraps c with automatic retry on transient HTTP errors
// (429, 503). When the error carries a Retry-After duration the delay is
// at least that long; otherwise exponential backoff applies. Compose
// with any Classifier:
//
//	llm = truffle.WithRetry(openaicompat.New(apiKey, model))
//	llm = truffle.WithRetry(openaicompat.New(apiKey, model), truffle.RetryMaxAttempts(5))
func WithRetry(c Classifier, opts ...RetryOption) Classifier {
	r := &retryClassifier{
		inner:       c,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Name delegates to the inner classifier.
func (r *retryClassifier) Name() string { return r.inner.Name() }

// Classify implements Classifier with retry.
func (r *retryClassifier) Classify(ctx context.Context, c Candidate) ([]Evaluation, error) {
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		results, err := r.inner.Classify(ctx, c)
		if err == nil || !isTransient(err) {
			return results, err
		}
		last = err
		r.logger.Warn("retrying transient error",
			"classifier", r.inner.Name(),
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			if err := sleepContext(ctx, retryDelay(r.baseDelay, i, err)); err != nil {
				return nil, err
			}
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"classifier", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", last)
	return nil, last
}

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i: exponential
// backoff base * 2^i, but never less than the server's Retry-After hint
// plus a one-second buffer.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := base * (1 << i)
	if ra := retryAfterOf(err); ra > 0 && ra+time.Second > backoff {
		return ra + time.Second
	}
	return backoff
}

// sleepContext sleeps for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
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

// compile-time check
var _ Classifier = (*retryClassifier)(nil)
