package aggregator

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest is returned for non-positive targets, budgets or quotas
var ErrInvalidRequest = errors.New("invalid aggregation request")

// UpstreamError is a feed failure that survived the adapter's retries
type UpstreamError struct {
	Op       string // Source name
	Cursor   string
	Attempts int
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s failed after %d attempt(s) at cursor %q: %v", e.Op, e.Attempts, e.Cursor, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
