package engine

import "errors"

var (
	// ErrMissingField is returned by SanitizeInput for an absent required field.
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidAction is returned when a step names an unknown action.
	ErrInvalidAction = errors.New("invalid action")

	// ErrInvalidActionType is returned for action operations other than api.
	ErrInvalidActionType = errors.New("invalid action type")

	// ErrInvalidTriggerType is returned for trigger operations other than polling.
	ErrInvalidTriggerType = errors.New("invalid trigger type")

	// ErrTriggerNotFound is returned when the trigger connector lacks the operation.
	ErrTriggerNotFound = errors.New("trigger not found")

	// ErrNotImplemented is returned for hook triggers.
	ErrNotImplemented = errors.New("not implemented")

	// ErrInvalidPayload rejects a signal without a payload.
	ErrInvalidPayload = errors.New("invalid payload")

	errStale = errors.New("trigger setup superseded")
)
