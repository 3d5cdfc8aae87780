package legacy

import (
	"errors"
	"fmt"
)

// ErrorClass partitions legacy platform failures by how the caller must react
type ErrorClass int

const (
	// ClassTransient covers network failures, timeouts and 5xx responses.
	// Safe to retry with backoff.
	ClassTransient ErrorClass = iota
	// ClassConflict means the platform is already in the desired state.
	// Treated as success; this is what absorbs duplicate delivery.
	ClassConflict
	// ClassPermanent covers 4xx validation failures. Retrying cannot succeed.
	ClassPermanent
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassConflict:
		return "conflict"
	case ClassPermanent:
		return "permanent"
	}
	return "unknown"
}

// Error is a classified legacy platform failure
type Error struct {
	Class  ErrorClass
	Status int    // HTTP status, 0 for network errors
	Op     string // operation that failed, e.g. "upsert device/dev-1"
	Body   string // truncated response body for diagnosis
	Err    error  // underlying error, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("legacy %s failed (%s): %v", e.Op, e.Class, e.Err)
	}
	return fmt.Sprintf("legacy %s failed (%s, status %d): %s", e.Op, e.Class, e.Status, e.Body)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify returns the error class for any error returned by the client.
// Unknown errors default to transient so the dispatcher retries rather than
// silently dropping an event.
func Classify(err error) ErrorClass {
	var le *Error
	if errors.As(err, &le) {
		return le.Class
	}
	return ClassTransient
}

// classifyStatus maps an HTTP status code to an error class
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 409:
		return ClassConflict
	case status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassPermanent
	}
	return ClassTransient
}
