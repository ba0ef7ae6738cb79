package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPrompt indicates the prompt was empty.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrRunActive indicates a run is already in flight.
	ErrRunActive = errors.New("run is active")
	// ErrInvalidMessage indicates a frame payload could not be decoded.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrObjectNotFound indicates a canvas object id does not resolve.
	ErrObjectNotFound = errors.New("canvas object not found")
	// ErrTransportUnavailable indicates no transport is configured.
	ErrTransportUnavailable = errors.New("transport not configured")
)

// TransportError reports a network or HTTP failure opening or reading the agent stream.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "transport error"
	}
	if e.StatusCode != 0 && e.Err != nil {
		return fmt.Sprintf("transport error: status %d: %v", e.StatusCode, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error: status %d", e.StatusCode)
	}
	if e.Err == nil {
		return "transport error"
	}
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
