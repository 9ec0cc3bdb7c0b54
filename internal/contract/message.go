package contract

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the closed set of bus message kinds.
type Kind string

const (
	KindStageStarted     Kind = "stage_started"
	KindStageCompleted   Kind = "stage_completed"
	KindStageFailed      Kind = "stage_failed"
	KindDocumentUpdated  Kind = "document_updated"
	KindUserIntervention Kind = "user_intervention"
	KindConnectionAck    Kind = "connection_ack"
	KindWorkflowStatus   Kind = "workflow_status"
	// KindStreamGap is never published on the bus. Subscriptions synthesize
	// it when their overflow policy drops messages.
	KindStreamGap Kind = "stream_gap"
)

// Kinds returns every publishable kind.
func Kinds() []Kind {
	return []Kind{
		KindStageStarted, KindStageCompleted, KindStageFailed,
		KindDocumentUpdated, KindUserIntervention, KindConnectionAck,
		KindWorkflowStatus,
	}
}

// Valid reports whether k is a publishable kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Message is the bus envelope. Sequence is strictly increasing per
// (session, kind); Offset is the gap-free position of the message in the
// session's stream across all kinds. Both are assigned by the bus.
type Message struct {
	SessionID string          `json:"session_id"`
	Kind      Kind            `json:"kind"`
	Sequence  uint64          `json:"sequence"`
	Offset    uint64          `json:"offset"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage encodes payload into an unsequenced message.
func NewMessage(sessionID string, kind Kind, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Message{SessionID: sessionID, Kind: kind, Payload: raw}, nil
}

// MustMessage is NewMessage for payload types that always encode.
func MustMessage(sessionID string, kind Kind, payload any) Message {
	m, err := NewMessage(sessionID, kind, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// Result decodes a stage_completed or stage_failed payload.
func (m Message) Result() (StageResult, error) {
	if m.Kind != KindStageCompleted && m.Kind != KindStageFailed {
		return StageResult{}, fmt.Errorf("message kind %s carries no stage result", m.Kind)
	}
	var r StageResult
	err := m.Decode(&r)
	return r, err
}

// StageStarted is the payload of stage_started.
type StageStarted struct {
	Stage    StageID `json:"stage"`
	Attempt  int     `json:"attempt"`
	Sequence uint64  `json:"sequence"`
}

// UserIntervention is the payload of user_intervention.
type UserIntervention struct {
	Content string `json:"content"`
	// Stage is the stage whose invocation is expected to read the
	// intervention.
	Stage StageID `json:"stage,omitempty"`
}

// ConnectionAck is the payload of connection_ack, sent to a subscriber
// when its channel opens.
type ConnectionAck struct {
	SubscriberID string `json:"subscriber_id"`
	Phase        string `json:"phase"`
	HeadOffset   uint64 `json:"head_offset"`
	Replayed     int    `json:"replayed"`
}

// WorkflowStatus is the payload of workflow_status. It is emitted on every
// phase change. When a session fails, Cause names the failing stage and
// Detail carries the failure message.
type WorkflowStatus struct {
	Phase         string  `json:"phase"`
	PreviousPhase string  `json:"previous_phase,omitempty"`
	Stage         StageID `json:"stage,omitempty"`
	Progress      int     `json:"progress"`
	Cause         string  `json:"cause,omitempty"`
	Detail        string  `json:"detail,omitempty"`
	FailureClass  string  `json:"failure_class,omitempty"`
	Attempt       int     `json:"attempt,omitempty"`
}

// DocumentUpdate is the payload of document_updated.
type DocumentUpdate struct {
	Version  uint64    `json:"version"`
	Appended Section   `json:"appended"`
	Document *Document `json:"document"`
}

// StreamGap is the payload of a stream_gap marker: messages with offsets in
// [FromOffset, ToOffset] were dropped for this subscriber.
type StreamGap struct {
	FromOffset uint64 `json:"from_offset"`
	ToOffset   uint64 `json:"to_offset"`
	Dropped    uint64 `json:"dropped"`
}
