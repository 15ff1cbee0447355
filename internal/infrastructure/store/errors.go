package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrThrottled         = errors.New("storage throttled")
	ErrVersionConflict   = errors.New("aggregate version conflict")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrSchemaValidation  = errors.New("schema validation failed")
	ErrInvalidBatch      = errors.New("invalid event batch")
	ErrInvalidRange      = errors.New("invalid query range")
	ErrInvalidSnapshot   = errors.New("invalid snapshot")
)

// SchemaValidationError reports the event that was rejected by the schema gate.
type SchemaValidationError struct {
	EventID   string
	EventType string
	Errors    []string
}

func (e *SchemaValidationError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("schema validation failed for %s event %s", e.EventType, e.EventID)
	}
	return fmt.Sprintf("schema validation failed for %s event %s: %s",
		e.EventType, e.EventID, strings.Join(e.Errors, "; "))
}

// Is lets callers match any schema failure with errors.Is(err, ErrSchemaValidation).
func (e *SchemaValidationError) Is(target error) bool {
	return target == ErrSchemaValidation
}

// Throttled marks err as a throttling-class storage error.
func Throttled(err error) error {
	return fmt.Errorf("%w: %w", ErrThrottled, err)
}

// Conflict marks err as an optimistic concurrency failure.
func Conflict(err error) error {
	return fmt.Errorf("%w: %w", ErrVersionConflict, err)
}
