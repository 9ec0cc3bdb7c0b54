// Package errors provides centralized error definitions and error handling utilities
// for the autowriter coordinator. It defines domain-specific errors, semantic error
// types, error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent failures of a coordinator component:
//   - SessionError: errors related to session lifecycle and persistence
//   - StageError: a stage invocation that failed (transient, schema or upstream)
//   - TransitionError: a result the session state machine refused to apply
//   - TransportError: a realtime subscriber channel that broke or gave up
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - AlreadyExistsError: resource already exists
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewStageError("generation returned no JSON", errors.ErrSchemaValidation).
//		WithStage("planning").WithAttempt(2)
//
//	err := errors.NewNotFoundError("session", "abc123")
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrInvalidTransition) { ... }
//
//	var stageErr *errors.StageError
//	if errors.As(err, &stageErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
//
// # Error Classification
//
// Errors can be classified by severity and behavior:
//   - Retryable: transient errors that may succeed on retry
//   - UserFacing: errors safe to display to users (vs internal errors)
//   - Severity: Debug, Info, Warning, Error, Critical
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a session could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrSessionLocked indicates that the storage root is locked by another process.
	ErrSessionLocked = New("session store is locked")
	// ErrSessionCorrupted indicates that persisted session data is corrupted.
	ErrSessionCorrupted = New("session data corrupted")
	// ErrSessionTerminal indicates that a session already reached completed or failed.
	ErrSessionTerminal = New("session is terminal")
	// ErrNotPaused indicates a resume request for a session that is not paused.
	ErrNotPaused = New("session is not paused")
)

// Stage-related sentinel errors
var (
	// ErrStageTimeout indicates that a stage invocation exceeded its time budget.
	ErrStageTimeout = New("stage timed out")
	// ErrSchemaValidation indicates that stage output did not match the stage schema.
	ErrSchemaValidation = New("stage output failed schema validation")
	// ErrUpstream indicates that the generation capability rejected the request.
	ErrUpstream = New("generation capability failed")
	// ErrStagePanic indicates that a stage invocation panicked.
	ErrStagePanic = New("stage panicked")
	// ErrPaused indicates that a stage stopped at a checkpoint because the session was paused.
	ErrPaused = New("session paused")
)

// State machine sentinel errors
var (
	// ErrInvalidTransition indicates a result that does not match the session's
	// current phase, such as a duplicate or stale result.
	ErrInvalidTransition = New("invalid transition")
	// ErrDependencyMissing indicates that a stage's upstream output is not available.
	ErrDependencyMissing = New("stage dependency missing")
)

// Transport-related sentinel errors
var (
	// ErrTransportDisconnect indicates that a subscriber channel broke.
	ErrTransportDisconnect = New("transport disconnected")
	// ErrSubscriptionAbandoned indicates that a subscriber exhausted its reconnect attempts.
	ErrSubscriptionAbandoned = New("subscription abandoned")
	// ErrSubscriptionOverflow indicates that a subscriber fell too far behind.
	ErrSubscriptionOverflow = New("subscription buffer overflow")
	// ErrSubscriptionClosed indicates use of a closed subscription.
	ErrSubscriptionClosed = New("subscription closed")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrOperationFailed indicates a general operation failure.
	ErrOperationFailed = New("operation failed")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// CoordinatorError is the base interface for all autowriter errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type CoordinatorError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// Message returns the error message without cause or context.
func (e *baseError) Message() string {
	return e.message
}

// formatWithContext renders "<kind> [k=v, ...]: message: cause".
func formatWithContext(kind string, parts []string, message string, cause error) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// SessionError represents errors related to session management.
//
// Example:
//
//	err := errors.NewSessionError("failed to load session", errors.ErrSessionNotFound)
//	err = err.WithSessionID("abc123")
//	fmt.Println(err) // "session error [session=abc123]: failed to load session: session not found"
type SessionError struct {
	baseError
	SessionID string
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithSeverity sets the error severity.
func (e *SessionError) WithSeverity(s Severity) *SessionError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	return formatWithContext("session error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// Stage failure classes carried by StageError. They mirror the failure
// classes recorded on stage results.
const (
	ClassTransient = "transient"
	ClassSchema    = "schema"
	ClassUpstream  = "upstream"
	ClassCanceled  = "canceled"
)

// StageError represents a failed stage invocation. Transient failures
// (timeouts, panics, retryable upstream errors) are retryable; schema
// failures never are, since re-running the same prompt is not expected to
// repair a malformed output.
//
// Example:
//
//	err := errors.NewStageError("no JSON object in output", errors.ErrSchemaValidation).
//		WithStage("structure").WithAttempt(1)
//	fmt.Println(err) // "stage error [stage=structure, attempt=1, class=schema]: no JSON object in output: ..."
type StageError struct {
	baseError
	Stage   string
	Attempt int
	Class   string
}

// NewStageError creates a new StageError. The failure class is derived from
// the cause: ErrSchemaValidation yields a schema failure, ErrStageTimeout,
// ErrStagePanic and retryable causes yield a transient failure, ErrCanceled
// yields a canceled failure and anything else an upstream failure.
func NewStageError(message string, cause error) *StageError {
	class := ClassUpstream
	retryable := false
	switch {
	case errors.Is(cause, ErrSchemaValidation):
		class = ClassSchema
	case errors.Is(cause, ErrCanceled):
		class = ClassCanceled
	case errors.Is(cause, ErrStageTimeout), errors.Is(cause, ErrStagePanic), IsRetryable(cause):
		class = ClassTransient
		retryable = true
	}
	return &StageError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  retryable,
			userFacing: true,
		},
		Class: class,
	}
}

// WithStage adds the stage name to the error context.
func (e *StageError) WithStage(stage string) *StageError {
	e.Stage = stage
	return e
}

// WithAttempt adds the attempt number to the error context.
func (e *StageError) WithAttempt(attempt int) *StageError {
	e.Attempt = attempt
	return e
}

// WithClass overrides the derived failure class.
func (e *StageError) WithClass(class string) *StageError {
	e.Class = class
	e.retryable = class == ClassTransient
	return e
}

// Error returns the formatted error message.
func (e *StageError) Error() string {
	var parts []string
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.Stage))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	if e.Class != "" {
		parts = append(parts, fmt.Sprintf("class=%s", e.Class))
	}
	return formatWithContext("stage error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *StageError) Is(target error) bool {
	if _, ok := target.(*StageError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TransitionError is returned when the state machine refuses a result or a
// control request. It always wraps ErrInvalidTransition so callers can log
// and drop it without inspecting the details.
//
// Example:
//
//	err := errors.NewTransitionError("result for stage research in phase planning").
//		WithSessionID("abc").WithPhase("planning").WithStage("research")
type TransitionError struct {
	baseError
	SessionID string
	Phase     string
	Stage     string
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(message string) *TransitionError {
	return &TransitionError{
		baseError: baseError{
			message:    message,
			cause:      ErrInvalidTransition,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *TransitionError) WithSessionID(id string) *TransitionError {
	e.SessionID = id
	return e
}

// WithPhase adds the session's current phase to the error context.
func (e *TransitionError) WithPhase(phase string) *TransitionError {
	e.Phase = phase
	return e
}

// WithStage adds the offending stage to the error context.
func (e *TransitionError) WithStage(stage string) *TransitionError {
	e.Stage = stage
	return e
}

// Error returns the formatted error message.
func (e *TransitionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("phase=%s", e.Phase))
	}
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.Stage))
	}
	return formatWithContext("transition error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *TransitionError) Is(target error) bool {
	if _, ok := target.(*TransitionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TransportError represents a broken or abandoned subscriber channel.
// Disconnects are retryable until the reconnect budget is spent.
type TransportError struct {
	baseError
	SessionID    string
	SubscriberID string
	Attempt      int
}

// NewTransportError creates a new TransportError.
func NewTransportError(message string, cause error) *TransportError {
	return &TransportError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  !errors.Is(cause, ErrSubscriptionAbandoned),
			userFacing: true,
		},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *TransportError) WithSessionID(id string) *TransportError {
	e.SessionID = id
	return e
}

// WithSubscriberID adds a subscriber ID to the error context.
func (e *TransportError) WithSubscriberID(id string) *TransportError {
	e.SubscriberID = id
	return e
}

// WithAttempt adds the reconnect attempt number to the error context.
func (e *TransportError) WithAttempt(attempt int) *TransportError {
	e.Attempt = attempt
	return e
}

// Error returns the formatted error message.
func (e *TransportError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.SubscriberID != "" {
		parts = append(parts, fmt.Sprintf("subscriber=%s", e.SubscriberID))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	return formatWithContext("transport error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *TransportError) Is(target error) bool {
	if _, ok := target.(*TransportError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("session", "abc123")
//	fmt.Println(err) // "session 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// AlreadyExistsError represents a resource that already exists.
type AlreadyExistsError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(resourceType, resourceID string) *AlreadyExistsError {
	return &AlreadyExistsError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' already exists", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// Error returns the formatted error message.
func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s '%s' already exists", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	if _, ok := target.(*AlreadyExistsError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("objective cannot be empty")
//	err = err.WithField("objective").WithValue("")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatWithContext("validation error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("stage research", 30*time.Second)
//	fmt.Println(err) // "timeout error: stage research (timeout: 30s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing CoordinatorError with IsRetryable() returning true
//   - Errors wrapping ErrTimeout or ErrStageTimeout
//   - Errors exposing a Temporary() or Timeout() method returning true
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var coordErr CoordinatorError
	if As(err, &coordErr) {
		return coordErr.IsRetryable()
	}

	if Is(err, ErrTimeout) || Is(err, ErrStageTimeout) {
		return true
	}

	// net.Error and friends
	var temporary interface{ Temporary() bool }
	if As(err, &temporary) && temporary.Temporary() {
		return true
	}
	var timeout interface{ Timeout() bool }
	if As(err, &timeout) && timeout.Timeout() {
		return true
	}

	return false
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var coordErr CoordinatorError
	if As(err, &coordErr) {
		return coordErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement CoordinatorError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var coordErr CoordinatorError
	if As(err, &coordErr) {
		return coordErr.Severity()
	}
	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike fmt.Errorf with %w, this returns nil for a nil error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
