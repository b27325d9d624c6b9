package model

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable identifier for an externally visible failure
type ErrorCode string

const (
	CodeVersionConflict   ErrorCode = "VERSION_CONFLICT"
	CodeGridLocked        ErrorCode = "GRID_LOCKED"
	CodeAlreadyResolved   ErrorCode = "DECISION_ALREADY_RESOLVED"
	CodeExtractionFailure ErrorCode = "EXTRACTION_FAILURE"
	CodeInvariant         ErrorCode = "INVARIANT_VIOLATION"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeAwaitingDecision  ErrorCode = "FRAGMENT_AWAITING_DECISION"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is matching
var (
	ErrVersionConflict   = errors.New("version conflict")
	ErrGridLocked        = errors.New("grid locked")
	ErrAlreadyResolved   = errors.New("decision already resolved")
	ErrExtractionFailure = errors.New("extraction failure")
	ErrInvariant         = errors.New("invariant violation")
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAwaitingDecision  = errors.New("fragment awaiting decision")
)

// VersionConflictError is returned when an expected version does not match the stored one
type VersionConflictError struct {
	Entity   string
	ID       string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s %s: expected version %d, stored version %d", e.Entity, e.ID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// Code returns the stable error code
func (e *VersionConflictError) Code() ErrorCode { return CodeVersionConflict }

// GridLockedError is returned when a write targets a grid whose dependency is below threshold
type GridLockedError struct {
	GridID         string
	BlockingGridID string
	BlockingHealth float64
	Threshold      float64
}

func (e *GridLockedError) Error() string {
	return fmt.Sprintf("grid %s is locked: dependency %s health %.2f is below threshold %.2f (record an override to proceed)",
		e.GridID, e.BlockingGridID, e.BlockingHealth, e.Threshold)
}

func (e *GridLockedError) Is(target error) bool { return target == ErrGridLocked }

// Code returns the stable error code
func (e *GridLockedError) Code() ErrorCode { return CodeGridLocked }

// DecisionAlreadyResolvedError is returned when a resolved decision is resolved with a different choice
type DecisionAlreadyResolvedError struct {
	DecisionID string
	Status     DecisionStatus
	Recorded   *Resolution
}

func (e *DecisionAlreadyResolvedError) Error() string {
	if e.Recorded != nil && e.Recorded.InterpretationID != "" {
		return fmt.Sprintf("decision %s already %s with interpretation %s", e.DecisionID, e.Status, e.Recorded.InterpretationID)
	}
	return fmt.Sprintf("decision %s already %s", e.DecisionID, e.Status)
}

func (e *DecisionAlreadyResolvedError) Is(target error) bool { return target == ErrAlreadyResolved }

// Code returns the stable error code
func (e *DecisionAlreadyResolvedError) Code() ErrorCode { return CodeAlreadyResolved }

// ExtractionFailureError wraps a collaborator failure after retries are exhausted
type ExtractionFailureError struct {
	Collaborator string
	Attempts     int
	Cause        error
}

func (e *ExtractionFailureError) Error() string {
	return fmt.Sprintf("%s collaborator failed after %d attempt(s): %v", e.Collaborator, e.Attempts, e.Cause)
}

func (e *ExtractionFailureError) Unwrap() error { return e.Cause }

func (e *ExtractionFailureError) Is(target error) bool { return target == ErrExtractionFailure }

// Code returns the stable error code
func (e *ExtractionFailureError) Code() ErrorCode { return CodeExtractionFailure }

// InvariantViolationError marks an internal defect. The affected item is routed to manual review.
type InvariantViolationError struct {
	Invariant string
	EntityID  string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant %q violated by %s: %s", e.Invariant, e.EntityID, e.Detail)
}

func (e *InvariantViolationError) Is(target error) bool { return target == ErrInvariant }

// Code returns the stable error code
func (e *InvariantViolationError) Code() ErrorCode { return CodeInvariant }

// NotFoundError is returned for missing entities
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Code returns the stable error code
func (e *NotFoundError) Code() ErrorCode { return CodeNotFound }

// InvalidTransitionError is returned for illegal predicament state changes
type InvalidTransitionError struct {
	PredicamentID string
	From          PredicamentState
	To            PredicamentState
	Reason        string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("predicament %s: cannot transition %s -> %s: %s", e.PredicamentID, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("predicament %s: cannot transition %s -> %s", e.PredicamentID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Code returns the stable error code
func (e *InvalidTransitionError) Code() ErrorCode { return CodeInvalidTransition }

// FragmentAwaitingDecisionError is returned when a fragment that belongs to an
// open decision is changed outside that decision
type FragmentAwaitingDecisionError struct {
	FragmentID string
	DecisionID string
}

func (e *FragmentAwaitingDecisionError) Error() string {
	return fmt.Sprintf("fragment %s awaits decision %s: resolve or skip the decision instead", e.FragmentID, e.DecisionID)
}

func (e *FragmentAwaitingDecisionError) Is(target error) bool { return target == ErrAwaitingDecision }

// Code returns the stable error code
func (e *FragmentAwaitingDecisionError) Code() ErrorCode { return CodeAwaitingDecision }

// InvalidInput builds an input validation error
func InvalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

type coded interface {
	Code() ErrorCode
}

// CodeOf returns the stable code of err, or CodeInternal
func CodeOf(err error) ErrorCode {
	var c coded
	if errors.As(err, &c) {
		return c.Code()
	}
	if errors.Is(err, ErrInvalidInput) {
		return CodeInvalidInput
	}
	return CodeInternal
}
