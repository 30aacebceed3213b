package forward

import (
	"errors"
	"fmt"
)

// ErrBreakerOpen is returned when the ingestion circuit breaker rejects
// a request without an HTTP call.
var ErrBreakerOpen = errors.New("ingestion circuit breaker open")

// IngestionError is a terminal downstream failure: a non-2xx response
// after the single permitted expired-token retry. It carries the status
// code and response body for diagnostics.
type IngestionError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion request failed: status %d", e.StatusCode)
}

// Is checks if the error matches the target.
func (e *IngestionError) Is(target error) bool {
	_, ok := target.(*IngestionError)
	return ok
}
