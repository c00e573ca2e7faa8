package esi

import "fmt"

// Error is the failure type surfaced to callers of the facade.
// RetryAfter is in seconds and only set for rate-limit and health-gate
// failures.
type Error struct {
	Message    string
	Status     int
	RetryAfter int
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("esi: %s (status %d)", e.Message, e.Status)
	}
	return "esi: " + e.Message
}

// asError coerces any pipeline failure into *Error for the facade boundary.
func asError(err error) *Error {
	if err == nil {
		return nil
	}
	if esiErr, ok := err.(*Error); ok {
		return esiErr
	}
	return &Error{Message: err.Error()}
}
