package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// -----------------------------------------------------------------------------
// Severity Tests
// -----------------------------------------------------------------------------

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.severity.String())
		})
	}
}

// -----------------------------------------------------------------------------
// SessionError Tests
// -----------------------------------------------------------------------------

func TestSessionError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *SessionError
		want string
	}{
		{
			name: "without context",
			err:  NewSessionError("failed to load", nil),
			want: "session error: failed to load",
		},
		{
			name: "with session and cause",
			err:  NewSessionError("failed to load", ErrSessionNotFound).WithSessionID("abc"),
			want: "session error [session=abc]: failed to load: session not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestSessionError_Is(t *testing.T) {
	err := NewSessionError("failed", ErrSessionNotFound)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, err, &SessionError{})
	assert.NotErrorIs(t, err, ErrSessionTerminal)
}

// -----------------------------------------------------------------------------
// StageError Tests
// -----------------------------------------------------------------------------

func TestNewStageError_Classification(t *testing.T) {
	tests := []struct {
		name          string
		cause         error
		wantClass     string
		wantRetryable bool
	}{
		{"schema", ErrSchemaValidation, ClassSchema, false},
		{"wrapped schema", fmt.Errorf("decode: %w", ErrSchemaValidation), ClassSchema, false},
		{"timeout", ErrStageTimeout, ClassTransient, true},
		{"panic", ErrStagePanic, ClassTransient, true},
		{"deadline exceeded", context.DeadlineExceeded, ClassTransient, true},
		{"timeout error", NewTimeoutError("stage research", time.Second), ClassTransient, true},
		{"canceled", ErrCanceled, ClassCanceled, false},
		{"upstream", errors.New("401 unauthorized"), ClassUpstream, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewStageError("stage failed", tt.cause)
			assert.Equal(t, tt.wantClass, err.Class)
			assert.Equal(t, tt.wantRetryable, IsRetryable(err))
		})
	}
}

func TestStageError_Error(t *testing.T) {
	err := NewStageError("no JSON object", ErrSchemaValidation).WithStage("structure").WithAttempt(2)
	want := "stage error [stage=structure, attempt=2, class=schema]: no JSON object: stage output failed schema validation"
	assert.Equal(t, want, err.Error())
}

func TestStageError_WithClass(t *testing.T) {
	err := NewStageError("boom", errors.New("x")).WithClass(ClassTransient)
	assert.True(t, err.IsRetryable(), "after WithClass(transient)")
	err = err.WithClass(ClassSchema)
	assert.False(t, err.IsRetryable(), "after WithClass(schema)")
}

// -----------------------------------------------------------------------------
// TransitionError Tests
// -----------------------------------------------------------------------------

func TestTransitionError(t *testing.T) {
	err := NewTransitionError("duplicate result").WithSessionID("s1").WithPhase("planning").WithStage("research")

	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "transition error [session=s1, phase=planning, stage=research]: duplicate result: invalid transition", err.Error())
	assert.False(t, err.IsRetryable())
	assert.Equal(t, SeverityWarning, GetSeverity(err))
}

// -----------------------------------------------------------------------------
// TransportError Tests
// -----------------------------------------------------------------------------

func TestTransportError_Retryable(t *testing.T) {
	disconnect := NewTransportError("read failed", ErrTransportDisconnect).WithSubscriberID("sub").WithAttempt(1)
	assert.True(t, disconnect.IsRetryable())

	abandoned := NewTransportError("giving up", ErrSubscriptionAbandoned)
	assert.False(t, abandoned.IsRetryable())
	assert.ErrorIs(t, abandoned, ErrSubscriptionAbandoned)
}

// -----------------------------------------------------------------------------
// Semantic Error Tests
// -----------------------------------------------------------------------------

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("session", "abc")
	assert.Equal(t, "session 'abc' not found", err.Error())
	wrapped := NewNotFoundError("session", "abc").WithCause(ErrSessionNotFound)
	assert.ErrorIs(t, wrapped, ErrSessionNotFound)
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("must not be empty").WithField("objective").WithValue("")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, "validation error [field=objective, value=]: must not be empty", err.Error())
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("stage drafting", 30*time.Second)
	assert.Equal(t, "timeout error: stage drafting (timeout: 30s)", err.Error())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsRetryable(err))
}

// -----------------------------------------------------------------------------
// Classification Helper Tests
// -----------------------------------------------------------------------------

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("x"), false},
		{"timeout sentinel", ErrTimeout, true},
		{"wrapped stage timeout", fmt.Errorf("invoke: %w", ErrStageTimeout), true},
		{"wrapped coordinator error", Wrap(NewTimeoutError("op", time.Second), "ctx"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsUserFacing(t *testing.T) {
	assert.True(t, IsUserFacing(NewSessionError("x", nil)))
	assert.False(t, IsUserFacing(errors.New("internal")))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "x"))
	assert.NoError(t, Wrapf(nil, "x %d", 1))
	err := Wrapf(ErrSessionNotFound, "loading %s", "abc")
	assert.EqualError(t, err, "loading abc: session not found")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
