package truffle

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrConfig reports a missing or invalid configuration value, such as an
// absent API credential.
type ErrConfig struct {
	Name string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("config: %s is not set", e.Name)
}

// ErrLLM reports a classifier provider failure that is not an HTTP error
// (marshalling, decoding, malformed completion).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP reports a non-2xx response from an upstream API. RetryAfter is
// populated from the Retry-After header when the server sent one, so retry
// middleware can honor it.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value: either delay seconds
// or an HTTP date. Returns 0 when the value is absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
