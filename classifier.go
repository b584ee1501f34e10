package truffle

import "context"

// Classifier judges whether a message demonstrates expertise in each of
// the candidate's skills. Implementations live in classifier/; compose
// with WithRetry for transient-error handling.
type Classifier interface {
	// Name identifies the implementation for logging and error messages.
	Name() string

	// Classify evaluates one candidate and returns a verdict per skill
	// key. A malformed model completion yields an empty slice, not an
	// error; errors are reserved for transport and credential failures.
	Classify(ctx context.Context, c Candidate) ([]Evaluation, error)
}
