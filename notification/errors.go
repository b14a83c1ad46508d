package notification

import "errors"

var (
	// ErrInvalidPayload is returned for payloads that are not a payment event
	ErrInvalidPayload = errors.New("notification: invalid payload")
	// ErrSimulatedFailure is the failure produced for events flagged with fail
	ErrSimulatedFailure = errors.New("simulated notification failure")
	// ErrUnknownKind is returned by ParseKind
	ErrUnknownKind = errors.New("notification: unknown event kind")
)
