package truffle

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stubClassifier returns pre-configured results in call order.
type stubClassifier struct {
	calls   int
	results []stubResult
}

type stubResult struct {
	evals []Evaluation
	err   error
}

func (s *stubClassifier) Name() string { return "stub" }

func (s *stubClassifier) Classify(_ context.Context, _ Candidate) ([]Evaluation, error) {
	i := s.calls
	s.calls++
	if i < len(s.results) {
		return s.results[i].evals, s.results[i].err
	}
	return nil, nil
}

var _ Classifier = (*stubClassifier)(nil)

func TestWithRetry_SucceedsFirstAttempt(t *testing.T) {
	stub := &stubClassifier{results: []stubResult{
		{evals: []Evaluation{{SkillKey: "golang", Label: LabelPositive, Confidence: 0.9}}},
	}}
	c := WithRetry(stub, RetryBaseDelay(0))

	evals, err := c.Classify(context.Background(), Candidate{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(evals) != 1 || evals[0].SkillKey != "golang" {
		t.Errorf("unexpected evals: %+v", evals)
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1", stub.calls)
	}
}

func TestWithRetry_RetriesOn429(t *testing.T) {
	stub := &stubClassifier{results: []stubResult{
		{err: &ErrHTTP{Status: 429, Body: "rate limited"}},
		{evals: []Evaluation{{SkillKey: "python"}}},
	}}
	c := WithRetry(stub, RetryBaseDelay(0))

	evals, err := c.Classify(context.Background(), Candidate{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(evals) != 1 {
		t.Fatalf("got %d evals, want 1", len(evals))
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_DoesNotRetryPermanentErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"http 400", &ErrHTTP{Status: 400, Body: "bad request"}},
		{"llm error", &ErrLLM{Provider: "stub", Message: "malformed"}},
		{"config error", &ErrConfig{Name: "OPENAI_API_KEY"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubClassifier{results: []stubResult{{err: tc.err}}}
			c := WithRetry(stub, RetryBaseDelay(0))

			_, err := c.Classify(context.Background(), Candidate{})
			if !errors.Is(err, tc.err) {
				t.Errorf("got %v, want %v", err, tc.err)
			}
			if stub.calls != 1 {
				t.Errorf("got %d calls, want 1", stub.calls)
			}
		})
	}
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	transient := &ErrHTTP{Status: 503, Body: "unavailable"}
	stub := &stubClassifier{results: []stubResult{
		{err: transient}, {err: transient}, {err: transient}, {err: transient},
	}}
	c := WithRetry(stub, RetryBaseDelay(0))

	_, err := c.Classify(context.Background(), Candidate{})
	if !errors.Is(err, transient) {
		t.Fatalf("got %v, want last transient error", err)
	}
	if stub.calls != 3 {
		t.Errorf("got %d calls, want 3", stub.calls)
	}
}

func TestRetryDelay(t *testing.T) {
	plain := &ErrHTTP{Status: 429}
	hinted := &ErrHTTP{Status: 429, RetryAfter: 10 * time.Second}

	tests := []struct {
		name string
		base time.Duration
		i    int
		err  error
		want time.Duration
	}{
		{"first backoff", time.Second, 0, plain, time.Second},
		{"doubles", time.Second, 1, plain, 2 * time.Second},
		{"doubles again", time.Second, 2, plain, 4 * time.Second},
		{"retry-after wins", time.Second, 0, hinted, 11 * time.Second},
		{"backoff wins over small hint", 30 * time.Second, 0, hinted, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryDelay(tt.base, tt.i, tt.err); got != tt.want {
				t.Errorf("retryDelay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithRetry_ContextCancelledDuringBackoff(t *testing.T) {
	stub := &stubClassifier{results: []stubResult{
		{err: &ErrHTTP{Status: 503}},
	}}
	c := WithRetry(stub, RetryBaseDelay(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.Classify(ctx, Candidate{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
