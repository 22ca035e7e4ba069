package catalog

import (
	"context"
	"errors"
)

// Outcome is the closed taxonomy of tool execution results. Every execution
// maps to exactly one Outcome; raw handler faults never propagate to callers.
type Outcome string

const (
	// OutcomeSuccess means the handler completed and returned a result.
	OutcomeSuccess Outcome = "success"

	// OutcomeValidationError means the handler rejected its arguments.
	OutcomeValidationError Outcome = "validation_error"

	// OutcomeUnavailable means the tool's backing service could not be reached.
	OutcomeUnavailable Outcome = "unavailable"

	// OutcomeRateLimited means the tool's backing service refused due to quota.
	OutcomeRateLimited Outcome = "rate_limited"

	// OutcomeTimeout means the call was cancelled or its deadline expired.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeException wraps any other handler fault, including panics.
	OutcomeException Outcome = "exception"

	// OutcomeInvalidName means the requested tool is not callable: either it
	// does not exist in the catalog, or the model proposed a tool outside the
	// exposed set (the engine must never execute an unexposed tool).
	OutcomeInvalidName Outcome = "invalid_name"
)

// String returns the wire/metric label for the outcome.
func (o Outcome) String() string { return string(o) }

// Sentinel errors that tool handlers wrap to signal a specific outcome.
// Any handler error not matching one of these classifies as OutcomeException.
var (
	// ErrValidation marks handler errors caused by bad arguments.
	ErrValidation = errors.New("invalid tool arguments")

	// ErrUnavailable marks handler errors caused by an unreachable backend.
	ErrUnavailable = errors.New("tool backend unavailable")

	// ErrRateLimited marks handler errors caused by quota exhaustion.
	ErrRateLimited = errors.New("tool rate limited")
)

// ErrUnknownTool is returned by Execute when no handler is registered under
// the requested name.
var ErrUnknownTool = errors.New("unknown tool")

// ErrDuplicateTool is returned by Register when the name is already taken and
// not listed in the override table.
var ErrDuplicateTool = errors.New("duplicate tool name")

// classify maps a handler error to its Outcome. ctx is the execution context;
// a cancelled or expired context always classifies as timeout, regardless of
// what error the handler surfaced it as.
func classify(ctx context.Context, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case ctx.Err() != nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, ErrValidation):
		return OutcomeValidationError
	case errors.Is(err, ErrUnavailable):
		return OutcomeUnavailable
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	default:
		return OutcomeException
	}
}
