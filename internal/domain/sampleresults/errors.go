package sampleresults

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration means the result concept has no mappings at all.
	ErrConfiguration = errors.New("concept has no external system mappings")
	// ErrMappingGap means mappings exist but none belong to the configured source.
	ErrMappingGap = errors.New("result is not mapped for the configured mapping source")

	ErrConfirmationRequired   = errors.New("confirmation required")
	ErrParseContext           = errors.New("external system context is not valid JSON")
	ErrInvalidTransition      = errors.New("invalid sample status transition")
	ErrMissingExternalContext = errors.New("sample has no external system context")
	ErrNoResult               = errors.New("sample has no coded result for the reference test")
	ErrDispatchInFlight       = errors.New("external dispatch already in progress for sample")
	ErrSampleNotFound         = errors.New("sample not found")
	ErrIntentNotFound         = errors.New("dispatch intent not found")
	ErrUnknownAction          = errors.New("unknown sample action")
)

// TransportError wraps a failed remote call to a collaborator.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is, or wraps, a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
