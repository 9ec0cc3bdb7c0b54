package machine

import (
	"time"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
	"github.com/Iron-Ham/autowriter/internal/retry"
)

// Checkpoint is the persisted form of a session's machine state. Together
// with the session's Meta and its accepted StageResults it is enough to
// rebuild the session after a restart.
type Checkpoint struct {
	SessionID     string                        `json:"session_id"`
	Phase         Phase                         `json:"phase"`
	PausedFrom    Phase                         `json:"paused_from,omitempty"`
	FailedStage   contract.StageID              `json:"failed_stage,omitempty"`
	Failure       *contract.Failure             `json:"failure,omitempty"`
	Sequence      uint64                        `json:"sequence"`
	Inflight      *contract.StageInvocation     `json:"inflight,omitempty"`
	LastApplied   map[contract.StageID]uint64   `json:"last_applied,omitempty"`
	Attempts      map[string]retry.AttemptState `json:"attempts,omitempty"`
	Interventions []string                      `json:"interventions,omitempty"`
	PartialDrafts []contract.SectionDraft       `json:"partial_drafts,omitempty"`
	UpdatedAt     time.Time                     `json:"updated_at"`
}

// Checkpoint captures the session's state for persistence.
func (m *Machine) Checkpoint(id string) (Checkpoint, error) {
	s, err := m.get(id)
	if err != nil {
		return Checkpoint{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := Checkpoint{
		SessionID:   id,
		Phase:       s.phase,
		PausedFrom:  s.pausedFrom,
		FailedStage: s.failedStage,
		Failure:     s.failure,
		Sequence:    s.sequence,
		LastApplied: make(map[contract.StageID]uint64, len(s.lastApplied)),
		Attempts:    s.attempts.Snapshot(),
		UpdatedAt:   s.updatedAt,
	}
	if s.inflight != nil {
		inv := *s.inflight
		cp.Inflight = &inv
	}
	for k, v := range s.lastApplied {
		cp.LastApplied[k] = v
	}
	if len(s.interventions) > 0 {
		cp.Interventions = append([]string(nil), s.interventions...)
	}
	if len(s.partial) > 0 {
		cp.PartialDrafts = append([]contract.SectionDraft(nil), s.partial...)
	}
	return cp, nil
}

// Restore rebuilds a session from its checkpoint and result history.
// Only results the checkpoint records as applied are adopted, so stages
// that already completed are never re-run. A stage that was in flight when
// the checkpoint was taken is re-issued with a fresh sequence; the
// returned invocation is nil when no stage should run.
func (m *Machine) Restore(meta Meta, cp Checkpoint, history []contract.StageResult) (*contract.StageInvocation, error) {
	if cp.SessionID != "" && cp.SessionID != meta.ID {
		return nil, errors.NewSessionError("checkpoint belongs to another session", errors.ErrSessionCorrupted).
			WithSessionID(meta.ID)
	}
	if cp.Phase == "" {
		cp.Phase = PhaseCreated
	}

	s := m.newSession(meta)
	s.phase = cp.Phase
	s.pausedFrom = cp.PausedFrom
	s.failedStage = cp.FailedStage
	s.failure = cp.Failure
	s.sequence = cp.Sequence
	s.interventions = append([]string(nil), cp.Interventions...)
	s.partial = append([]contract.SectionDraft(nil), cp.PartialDrafts...)
	s.attempts.Load(cp.Attempts)
	if !cp.UpdatedAt.IsZero() {
		s.updatedAt = cp.UpdatedAt
	}
	for k, v := range cp.LastApplied {
		s.lastApplied[k] = v
	}
	for _, r := range history {
		if r.OK() && r.SessionID == meta.ID && s.lastApplied[r.Stage] == r.Sequence {
			s.results[r.Stage] = r
		}
	}

	var next *contract.StageInvocation
	if stage, active := s.phase.Stage(); active {
		if cp.Inflight != nil && cp.Inflight.Stage == stage {
			s.attempts.Abandon(string(stage))
		}
		inv, err := m.issue(s, stage)
		if err != nil {
			return nil, errors.NewSessionError("restore "+string(stage), err).WithSessionID(meta.ID)
		}
		next = inv
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[meta.ID]; exists {
		return nil, errors.NewAlreadyExistsError("session", meta.ID)
	}
	m.sessions[meta.ID] = s
	return next, nil
}
