package service

import (
	"errors"
	"fmt"
)

// ValidationError reports a bad or missing input field. Never retried;
// surfaces as a 4xx.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrInvalidSignature rejects a webhook whose signature did not verify.
// The event is logged and never processed.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ErrUnknownReference is returned when no local transaction exists for a
// reference.
var ErrUnknownReference = errors.New("unknown payment reference")

// ErrCaptureUnsupported is returned when an explicit capture is requested
// for a provider whose flow has no capture step.
var ErrCaptureUnsupported = errors.New("provider does not support explicit capture")
