package command

import (
	"context"
	"errors"

	"github.com/example/ec-eventsourcing/internal/domain/aggregate"
	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
)

// Code classifies a failed command.
type Code string

const (
	CodeCommandValidation    Code = "COMMAND_VALIDATION"
	CodeStateConflict        Code = "STATE_CONFLICT"
	CodeSchemaValidation     Code = "SCHEMA_VALIDATION"
	CodePersistenceThrottled Code = "PERSISTENCE_THROTTLED"
	CodeVersionConflict      Code = "VERSION_CONFLICT"
	CodeTimeout              Code = "TIMEOUT"
	CodeInternal             Code = "INTERNAL"
)

// Result is the outcome of one Handle call.
type Result struct {
	Success     bool     `json:"success"`
	AggregateID string   `json:"aggregateId"`
	Version     int      `json:"version"`
	EventIDs    []string `json:"eventIds"`
	Error       string   `json:"error,omitempty"`
	Code        Code     `json:"code,omitempty"`
}

func codeOf(err error) Code {
	switch {
	case errors.Is(err, aggregate.ErrCommandValidation):
		return CodeCommandValidation
	case errors.Is(err, aggregate.ErrStateConflict):
		return CodeStateConflict
	case errors.Is(err, store.ErrSchemaValidation):
		return CodeSchemaValidation
	case errors.Is(err, store.ErrThrottled):
		return CodePersistenceThrottled
	case errors.Is(err, store.ErrVersionConflict):
		return CodeVersionConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

func failure(aggregateID string, version int, err error) Result {
	return Result{
		AggregateID: aggregateID,
		Version:     version,
		EventIDs:    []string{},
		Error:       err.Error(),
		Code:        codeOf(err),
	}
}
