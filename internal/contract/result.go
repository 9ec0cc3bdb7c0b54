package contract

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Iron-Ham/autowriter/internal/errors"
)

// Status is the outcome of a stage invocation.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// FailureClass classifies a failed stage result.
type FailureClass string

const (
	FailureTransient FailureClass = errors.ClassTransient
	FailureSchema    FailureClass = errors.ClassSchema
	FailureUpstream  FailureClass = errors.ClassUpstream
	FailureCanceled  FailureClass = errors.ClassCanceled
)

// Failure describes why a stage failed.
type Failure struct {
	Class   FailureClass `json:"class"`
	Message string       `json:"message"`
}

// StageResult is the outcome of one stage invocation. It echoes the
// invocation's Sequence so the state machine can reject stale or duplicate
// results. Once published it is never mutated.
type StageResult struct {
	SessionID   string    `json:"session_id"`
	Stage       StageID   `json:"stage"`
	Status      Status    `json:"status"`
	Payload     Payload   `json:"-"`
	Failure     *Failure  `json:"failure,omitempty"`
	Attempt     int       `json:"attempt"`
	Sequence    uint64    `json:"sequence"`
	CompletedAt time.Time `json:"completed_at"`
}

// OK reports whether the result carries a payload.
func (r StageResult) OK() bool {
	return r.Status == StatusOK
}

// Transient reports whether the result is a failure worth retrying.
func (r StageResult) Transient() bool {
	return r.Status == StatusFailed && r.Failure != nil && r.Failure.Class == FailureTransient
}

// Succeeded builds an ok result for inv.
func Succeeded(inv StageInvocation, payload Payload, at time.Time) StageResult {
	return StageResult{
		SessionID:   inv.SessionID,
		Stage:       inv.Stage,
		Status:      StatusOK,
		Payload:     payload,
		Attempt:     inv.Attempt,
		Sequence:    inv.Sequence,
		CompletedAt: at,
	}
}

// Failed builds a failed result for inv, classifying err.
func Failed(inv StageInvocation, err error, at time.Time) StageResult {
	class := FailureUpstream
	var stageErr *errors.StageError
	switch {
	case errors.As(err, &stageErr):
		class = FailureClass(stageErr.Class)
	case errors.Is(err, errors.ErrSchemaValidation):
		class = FailureSchema
	case errors.IsRetryable(err):
		class = FailureTransient
	}
	return StageResult{
		SessionID:   inv.SessionID,
		Stage:       inv.Stage,
		Status:      StatusFailed,
		Failure:     &Failure{Class: class, Message: err.Error()},
		Attempt:     inv.Attempt,
		Sequence:    inv.Sequence,
		CompletedAt: at,
	}
}

type stageResultJSON struct {
	SessionID   string          `json:"session_id"`
	Stage       StageID         `json:"stage"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Failure     *Failure        `json:"failure,omitempty"`
	Attempt     int             `json:"attempt"`
	Sequence    uint64          `json:"sequence"`
	CompletedAt time.Time       `json:"completed_at"`
}

// MarshalJSON encodes the payload inline under "payload".
func (r StageResult) MarshalJSON() ([]byte, error) {
	out := stageResultJSON{
		SessionID:   r.SessionID,
		Stage:       r.Stage,
		Status:      r.Status,
		Failure:     r.Failure,
		Attempt:     r.Attempt,
		Sequence:    r.Sequence,
		CompletedAt: r.CompletedAt,
	}
	if r.Payload != nil {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", r.Stage, err)
		}
		out.Payload = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the payload into the type matching Stage.
func (r *StageResult) UnmarshalJSON(data []byte) error {
	var in stageResultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = StageResult{
		SessionID:   in.SessionID,
		Stage:       in.Stage,
		Status:      in.Status,
		Failure:     in.Failure,
		Attempt:     in.Attempt,
		Sequence:    in.Sequence,
		CompletedAt: in.CompletedAt,
	}
	if in.Status == StatusOK && len(in.Payload) > 0 && string(in.Payload) != "null" {
		p, err := DecodePayload(in.Stage, in.Payload)
		if err != nil {
			return err
		}
		r.Payload = p
	}
	return nil
}
