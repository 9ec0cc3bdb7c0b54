// Package contract defines the typed messages exchanged between the
// coordinator's components and its realtime subscribers.
//
// It owns four vocabularies:
//
//   - Stages and their payloads: the fixed research, structure, planning and
//     drafting pipeline, each with a schema-checked output type.
//   - StageResult: the outcome of one stage invocation, immutable once
//     published.
//   - Message: the bus envelope. Every message has a closed Kind, a
//     per-(session, kind) Sequence and a per-session Offset.
//   - Envelope: the JSON frame written to WebSocket subscribers.
//
// Decoding of model output lives here as well, since it is where untrusted
// text becomes a typed payload.
package contract
