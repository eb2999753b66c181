package queuehub

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectivity is returned when the backing store or broker cannot be reached
	ErrConnectivity = errors.New("queue backend unreachable")

	// ErrNotFound is returned when a message or queue lookup misses
	ErrNotFound = errors.New("not found")

	// ErrMessageNotFound is returned when a message with the given ID is not found
	ErrMessageNotFound = fmt.Errorf("message %w", ErrNotFound)

	// ErrInvalidState is returned when an operation is not legal for the message's current status
	ErrInvalidState = errors.New("invalid message state")

	// ErrProviderRejected is returned when the backend refuses to enqueue, ack or nack a message
	ErrProviderRejected = errors.New("provider rejected the request")

	// ErrInvalidArgument is returned when a caller supplies an unusable value
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrProviderClosed is returned when trying to use a closed provider
	ErrProviderClosed = errors.New("provider is closed")

	// ErrNotInitialized is returned when a provider or service is used before Initialize/Start
	ErrNotInitialized = errors.New("queue provider not initialized")

	// ErrHandlerAlreadyRegistered is returned when trying to subscribe to a queue that already has a handler
	ErrHandlerAlreadyRegistered = errors.New("handler already registered for this queue")

	// ErrUnsupportedProvider is returned when the configured provider type is unknown
	ErrUnsupportedProvider = errors.New("unsupported queue provider")
)

// connectivityError tags err as a connectivity failure while keeping it inspectable.
func connectivityError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnectivity, op, err)
}

// rejectedError tags err as a provider refusal.
func rejectedError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrProviderRejected, op, err)
}

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
