package contract

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire frame types written to realtime subscribers.
const (
	WireAgentMessage          = "agent_message"
	WireUserIntervention      = "user_intervention"
	WireReportUpdate          = "report_update"
	WireWorkflowStatus        = "workflow_status"
	WireConnectionEstablished = "connection_established"
	WireStreamGap             = "stream_gap"
)

// Client control frame types read from realtime subscribers.
const (
	ClientUserIntervention = "user_intervention"
	ClientUserMessage      = "user_message"
	ClientPauseWorkflow    = "pause_workflow"
	ClientResumeWorkflow   = "resume_workflow"
)

var kindToWire = map[Kind]string{
	KindStageStarted:     WireAgentMessage,
	KindStageCompleted:   WireAgentMessage,
	KindStageFailed:      WireAgentMessage,
	KindDocumentUpdated:  WireReportUpdate,
	KindUserIntervention: WireUserIntervention,
	KindConnectionAck:    WireConnectionEstablished,
	KindWorkflowStatus:   WireWorkflowStatus,
	KindStreamGap:        WireStreamGap,
}

// WireType returns the wire frame type for a message kind. Unknown kinds
// map to themselves.
func WireType(k Kind) string {
	if t, ok := kindToWire[k]; ok {
		return t
	}
	return string(k)
}

// Envelope is the JSON frame exchanged with realtime subscribers:
//
//	{"type":..., "session_id":..., "content":..., "timestamp":..., "sequence":..., "offset":...}
//
// Kind disambiguates agent_message frames. Frames of a type this package
// does not know are kept verbatim in raw and re-encoded unmodified.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Content   json.RawMessage `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      Kind            `json:"kind,omitempty"`
	Sequence  *uint64         `json:"sequence,omitempty"`
	Offset    *uint64         `json:"offset,omitempty"`

	raw json.RawMessage
}

type envelopeJSON struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Content   json.RawMessage `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      Kind            `json:"kind,omitempty"`
	Sequence  *uint64         `json:"sequence,omitempty"`
	Offset    *uint64         `json:"offset,omitempty"`
}

// ToEnvelope renders a bus message as a wire frame.
func ToEnvelope(m Message) Envelope {
	seq, off := m.Sequence, m.Offset
	e := Envelope{
		Type:      WireType(m.Kind),
		SessionID: m.SessionID,
		Content:   m.Payload,
		Timestamp: m.Timestamp,
		Kind:      m.Kind,
		Sequence:  &seq,
		Offset:    &off,
	}
	if m.Kind == KindStreamGap {
		e.Sequence, e.Offset = nil, nil
	}
	return e
}

// Known reports whether the frame type is one this package defines.
func (e Envelope) Known() bool {
	switch e.Type {
	case WireAgentMessage, WireUserIntervention, WireReportUpdate,
		WireWorkflowStatus, WireConnectionEstablished, WireStreamGap:
		return true
	}
	return false
}

// Message converts a known frame back to a bus message. ok is false for
// unknown frame types.
func (e Envelope) Message() (Message, bool) {
	if !e.Known() {
		return Message{}, false
	}
	m := Message{
		SessionID: e.SessionID,
		Kind:      e.Kind,
		Payload:   e.Content,
		Timestamp: e.Timestamp,
	}
	if m.Kind == "" {
		for k, t := range kindToWire {
			if t == e.Type && t != WireAgentMessage {
				m.Kind = k
				break
			}
		}
	}
	if e.Sequence != nil {
		m.Sequence = *e.Sequence
	}
	if e.Offset != nil {
		m.Offset = *e.Offset
	}
	return m, true
}

// Raw returns the original bytes of a parsed frame, if any.
func (e Envelope) Raw() json.RawMessage {
	return e.raw
}

// MarshalJSON re-emits unknown frames exactly as received.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if !e.Known() && len(e.raw) > 0 {
		return e.raw, nil
	}
	content := e.Content
	if len(content) == 0 {
		content = json.RawMessage("null")
	}
	return json.Marshal(envelopeJSON{
		Type:      e.Type,
		SessionID: e.SessionID,
		Content:   content,
		Timestamp: e.Timestamp,
		Kind:      e.Kind,
		Sequence:  e.Sequence,
		Offset:    e.Offset,
	})
}

// UnmarshalJSON parses a frame and keeps the original bytes.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var in envelopeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("parse frame: %w", err)
	}
	*e = Envelope{
		Type:      in.Type,
		SessionID: in.SessionID,
		Content:   in.Content,
		Timestamp: in.Timestamp,
		Kind:      in.Kind,
		Sequence:  in.Sequence,
		Offset:    in.Offset,
		raw:       append(json.RawMessage(nil), data...),
	}
	return nil
}

// ClientFrame is a control frame sent by a realtime subscriber.
type ClientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}
