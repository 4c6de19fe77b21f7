// Package shared holds the player id, grant source, error kinds and domain
// events used by every layer of the progression service.
package shared

import (
	"errors"
	"fmt"
)

// Error kinds. Concrete errors below carry one of these as Kind.
var (
	ErrNotFound = errors.New("not found")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")

	ErrClosed = errors.New("already closed")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// External service errors
	ErrExternalService    = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// DomainError is an error of some Kind raised by Op in Domain
// ("progression", "session" or "ledger"). Err is the optional cause.
type DomainError struct {
	Domain  string
	Op      string
	Kind    error
	Message string
	Err     error
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is matches the kind as well as the cause, so a wrapped driver error still
// answers errors.Is for both ErrTimeout and context.DeadlineExceeded.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError attaches domain context to err. The result still matches err.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Progression domain errors
var (
	ErrInvalidGrant    = NewDomainError("progression", "GrantXP", ErrNegativeValue, "xp grant must be a non-negative amount")
	ErrInvalidPlayerID = NewDomainError("progression", "Validate", ErrInvalidID, "invalid player ID")
	ErrInvalidReason   = NewDomainError("progression", "Validate", ErrEmptyValue, "grant reason is required")
	ErrInvalidSource   = NewDomainError("progression", "Validate", ErrInvalidInput, "unknown grant source")
)

// Session errors
var (
	ErrSessionNotFound = NewDomainError("session", "Find", ErrNotFound, "no live session for player")
	ErrSessionClosed   = NewDomainError("session", "Start", ErrClosed, "session registry is closed")
)

// Ledger errors
var (
	ErrPlayerNotFound     = NewDomainError("ledger", "Find", ErrNotFound, "player not found in ledger")
	ErrRemoteReportFailed = NewDomainError("ledger", "ReportDelta", ErrExternalService, "failed to report xp delta")
	ErrLedgerUnavailable  = NewDomainError("ledger", "Request", ErrServiceUnavailable, "ledger is unavailable")
	ErrLedgerTimeout      = NewDomainError("ledger", "Request", ErrTimeout, "ledger request timeout")
)

// IsNotFound reports a missing player or session.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports bad caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsUnauthorized checks if the error is an authorization failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}

// IsExternalService reports a ledger or cache failure.
func IsExternalService(err error) bool {
	return errors.Is(err, ErrExternalService) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// IsRetryable reports transient ledger failures worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}
