package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition is returned when a flow is asked to move to a status
	// its current status does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrFlowNotFound is returned by flow stores for unknown IDs.
	ErrFlowNotFound = errors.New("flow not found")
	// ErrNotConnected means the requested protocol transport has no session.
	ErrNotConnected = errors.New("transport not connected")
	// ErrUnknownDealType is wrapped by ParseDealType.
	ErrUnknownDealType = errors.New("invalid deal type")
	ErrNoRequest       = errors.New("no deal request provided")
	ErrNoProduct       = errors.New("no product selected")
)

// ValidationError reports a malformed or incomplete campaign brief. It is the
// only error that aborts a booking flow.
type ValidationError struct {
	Fields []string // Missing or invalid fields, in brief order.
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) > 0 && e.Reason == "" {
		return "missing required fields: " + strings.Join(e.Fields, ", ")
	}
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Fields, ", "))
	}
	return e.Reason
}

// AdvisoryFailure wraps an error from the external advisory capability.
// Flows recover from it with default allocations or empty recommendations.
type AdvisoryFailure struct {
	Stage string // allocate, research or select
	Err   error
}

func (e *AdvisoryFailure) Error() string {
	return fmt.Sprintf("advisor %s failed: %v", e.Stage, e.Err)
}

func (e *AdvisoryFailure) Unwrap() error { return e.Err }

// TransportError is a protocol or timeout failure on one transport.
type TransportError struct {
	Transport string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Transport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TierViolation rejects an operation attempted below the required access tier.
type TierViolation struct {
	Tier     AccessTier
	Required []AccessTier
}

func (e *TierViolation) Error() string {
	names := make([]string, len(e.Required))
	for i, t := range e.Required {
		names[i] = tierTitle(t)
	}
	return fmt.Sprintf("Price negotiation requires %s tier (current: %s)", strings.Join(names, " or "), e.Tier)
}

// MissingRequiredField fails a single request that lacks a mandatory value.
type MissingRequiredField struct {
	Field   string
	Context string
}

func (e *MissingRequiredField) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("missing required field %q", e.Field)
	}
	return fmt.Sprintf("%s requires %s", e.Context, e.Field)
}

func tierTitle(t AccessTier) string {
	s := string(t)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
