// Package machine implements the per-session workflow state machine.
//
// A Machine owns every live session's phase and accepted stage results. It
// is the only place that decides which stage runs next: callers feed it
// StageResults through Advance and receive a Transition naming the next
// StageInvocation, if any. Results that do not match the invocation the
// session is waiting on are rejected with a TransitionError and leave the
// session untouched, so duplicate or stale deliveries are harmless.
package machine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
	"github.com/Iron-Ham/autowriter/internal/retry"
)

// Policy controls stage retries.
type Policy struct {
	// MaxAttempts is the total number of attempts allowed per stage,
	// counting the first.
	MaxAttempts int
	// Retryable lists the stages whose transient failures are retried.
	Retryable map[contract.StageID]bool
}

// DefaultPolicy retries every stage up to three attempts.
func DefaultPolicy() Policy {
	p := Policy{MaxAttempts: 3, Retryable: make(map[contract.StageID]bool)}
	for _, s := range contract.Stages() {
		p.Retryable[s] = true
	}
	return p
}

// Meta is the immutable description of a session.
type Meta struct {
	ID                string    `json:"id" yaml:"id"`
	Objective         string    `json:"objective" yaml:"objective"`
	ReferenceMaterial string    `json:"reference_material,omitempty" yaml:"reference_material,omitempty"`
	CreatedAt         time.Time `json:"created_at" yaml:"created_at"`
}

// Transition describes one accepted state change.
type Transition struct {
	SessionID string
	From      Phase
	To        Phase
	// Stage is the stage the new phase concerns: the stage about to run,
	// the stage that failed, or the last stage on completion.
	Stage contract.StageID
	// Next is the invocation to execute, nil when no stage should run.
	Next    *contract.StageInvocation
	Retry   bool
	Failure *contract.Failure
	Attempt int
}

// Changed reports whether the transition moved the session to a new phase.
// Retries re-enter the same phase and are not changes.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Status builds the workflow_status payload announcing the transition.
func (t Transition) Status() contract.WorkflowStatus {
	ws := contract.WorkflowStatus{
		Phase:         string(t.To),
		PreviousPhase: string(t.From),
		Stage:         t.Stage,
		Progress:      t.To.Progress(),
		Attempt:       t.Attempt,
	}
	if t.To == PhasePaused || t.To == PhaseFailed {
		ws.Progress = PhaseOf(t.Stage).Progress()
	}
	if t.Failure != nil {
		ws.Cause = string(t.Stage)
		ws.Detail = t.Failure.Message
		ws.FailureClass = string(t.Failure.Class)
	}
	return ws
}

// Snapshot is a point-in-time copy of a session's state.
type Snapshot struct {
	Meta
	Phase         Phase                                     `json:"phase"`
	PausedFrom    Phase                                     `json:"paused_from,omitempty"`
	FailedStage   contract.StageID                          `json:"failed_stage,omitempty"`
	Failure       *contract.Failure                         `json:"failure,omitempty"`
	Progress      int                                       `json:"progress"`
	Inflight      *contract.StageInvocation                 `json:"inflight,omitempty"`
	Results       map[contract.StageID]contract.StageResult `json:"results,omitempty"`
	Attempts      map[string]retry.AttemptState             `json:"attempts,omitempty"`
	Interventions []string                                  `json:"interventions,omitempty"`
	UpdatedAt     time.Time                                 `json:"updated_at"`
}

type session struct {
	mu sync.Mutex

	meta          Meta
	phase         Phase
	pausedFrom    Phase
	failedStage   contract.StageID
	failure       *contract.Failure
	inflight      *contract.StageInvocation
	results       map[contract.StageID]contract.StageResult
	lastApplied   map[contract.StageID]uint64
	sequence      uint64
	attempts      *retry.Manager
	interventions []string
	// partial holds drafting sections kept across a pause.
	partial       []contract.SectionDraft
	updatedAt     time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine is the session arena. It is safe for concurrent use; operations
// on one session are serialized by that session's lock.
type Machine struct {
	mu       sync.RWMutex
	sessions map[string]*session
	policy   Policy
	now      func() time.Time
}

// New creates a Machine with the given retry policy.
func New(policy Policy, opts ...Option) *Machine {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	m := &Machine{
		sessions: make(map[string]*session),
		policy:   policy,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) newSession(meta Meta) *session {
	return &session{
		meta:        meta,
		phase:       PhaseCreated,
		results:     make(map[contract.StageID]contract.StageResult),
		lastApplied: make(map[contract.StageID]uint64),
		attempts:    retry.NewManager(m.policy.MaxAttempts),
		updatedAt:   m.now(),
	}
}

func (m *Machine) get(id string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFoundError("session", id).WithCause(errors.ErrSessionNotFound)
	}
	return s, nil
}

// Create registers a new session in the created phase.
func (m *Machine) Create(meta Meta) error {
	if meta.ID == "" {
		return errors.NewValidationError("session id is required").WithField("id")
	}
	if strings.TrimSpace(meta.Objective) == "" {
		return errors.NewValidationError("objective cannot be empty").WithField("objective")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[meta.ID]; exists {
		return errors.NewAlreadyExistsError("session", meta.ID)
	}
	m.sessions[meta.ID] = m.newSession(meta)
	return nil
}

// Remove forgets a session. In-flight results for it will be rejected.
func (m *Machine) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Start moves a created session into researching and issues the first
// invocation.
func (m *Machine) Start(id string) (Transition, error) {
	s, err := m.get(id)
	if err != nil {
		return Transition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseCreated {
		return Transition{}, m.refuse(s, "", "session already started")
	}
	return m.enter(s, contract.StageResearch, false)
}

// Advance applies a stage result. The result must echo the stage and
// sequence of the invocation the session is waiting on; anything else is
// refused with a TransitionError and changes nothing.
func (m *Machine) Advance(res contract.StageResult) (Transition, error) {
	s, err := m.get(res.SessionID)
	if err != nil {
		return Transition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inv := s.inflight
	switch {
	case s.phase == PhasePaused:
		return Transition{}, m.refuse(s, res.Stage, "session is paused")
	case s.phase.IsTerminal():
		return Transition{}, m.refuse(s, res.Stage, "session is "+string(s.phase))
	case inv == nil:
		return Transition{}, m.refuse(s, res.Stage, "no stage is in flight")
	case res.Stage != inv.Stage:
		return Transition{}, m.refuse(s, res.Stage,
			fmt.Sprintf("result for %s while waiting on %s", res.Stage, inv.Stage))
	case res.Sequence != inv.Sequence:
		return Transition{}, m.refuse(s, res.Stage,
			fmt.Sprintf("stale result sequence %d, waiting on %d", res.Sequence, inv.Sequence))
	}

	s.inflight = nil
	s.lastApplied[res.Stage] = res.Sequence
	key := string(res.Stage)

	if res.OK() {
		s.results[res.Stage] = res
		if res.Stage == contract.StageDrafting {
			s.partial = nil
		}
		s.attempts.RecordSuccess(key)
		to := next(res.Stage)
		if to == PhaseCompleted {
			from := s.phase
			s.phase = PhaseCompleted
			s.touch(m.now())
			return Transition{SessionID: s.meta.ID, From: from, To: to, Stage: res.Stage}, nil
		}
		nextStage, _ := to.Stage()
		return m.enter(s, nextStage, false)
	}

	failure := res.Failure
	if failure == nil {
		failure = &contract.Failure{Class: contract.FailureUpstream, Message: "stage failed without detail"}
	}
	s.attempts.RecordFailure(key, string(failure.Class), failure.Message)

	if res.Transient() && m.policy.Retryable[res.Stage] && s.attempts.ShouldRetry(key) {
		return m.enter(s, res.Stage, true)
	}
	return m.fail(s, res.Stage, failure, res.Attempt), nil
}

// enter issues an invocation for stage and moves the session into its
// phase. Must be called with s.mu held.
func (m *Machine) enter(s *session, stage contract.StageID, isRetry bool) (Transition, error) {
	from := s.phase
	inv, err := m.issue(s, stage)
	if err != nil {
		return m.fail(s, stage, &contract.Failure{Class: contract.FailureUpstream, Message: err.Error()}, 0), nil
	}
	s.phase = PhaseOf(stage)
	s.touch(m.now())
	return Transition{
		SessionID: s.meta.ID,
		From:      from,
		To:        s.phase,
		Stage:     stage,
		Next:      inv,
		Retry:     isRetry,
		Attempt:   inv.Attempt,
	}, nil
}

// issue builds the next invocation for stage, consuming pending
// interventions. Must be called with s.mu held.
func (m *Machine) issue(s *session, stage contract.StageID) (*contract.StageInvocation, error) {
	input, err := buildInput(s, stage, s.interventions)
	if err != nil {
		return nil, err
	}
	s.interventions = nil
	s.sequence++
	inv := &contract.StageInvocation{
		SessionID: s.meta.ID,
		Stage:     stage,
		Attempt:   s.attempts.Begin(string(stage)),
		Sequence:  s.sequence,
		Input:     input,
	}
	s.inflight = inv
	copied := *inv
	return &copied, nil
}

// fail moves the session into failed. Must be called with s.mu held.
func (m *Machine) fail(s *session, stage contract.StageID, failure *contract.Failure, attempt int) Transition {
	from := s.phase
	s.phase = PhaseFailed
	s.failedStage = stage
	s.failure = failure
	s.inflight = nil
	s.touch(m.now())
	return Transition{
		SessionID: s.meta.ID,
		From:      from,
		To:        PhaseFailed,
		Stage:     stage,
		Failure:   failure,
		Attempt:   attempt,
	}
}

func (m *Machine) refuse(s *session, stage contract.StageID, msg string) error {
	return errors.NewTransitionError(msg).
		WithSessionID(s.meta.ID).
		WithPhase(string(s.phase)).
		WithStage(string(stage))
}

func (s *session) touch(now time.Time) {
	s.updatedAt = now
}

// Pause holds the session in its current phase. Any in-flight invocation
// is withdrawn without consuming an attempt; its result will be refused
// when it arrives.
func (m *Machine) Pause(id string) (Transition, error) {
	s, err := m.get(id)
	if err != nil {
		return Transition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.IsTerminal() {
		return Transition{}, errors.NewSessionError("cannot pause", errors.ErrSessionTerminal).WithSessionID(id)
	}
	if s.phase == PhasePaused {
		return Transition{}, m.refuse(s, "", "session already paused")
	}

	from := s.phase
	stage, _ := from.Stage()
	if s.inflight != nil {
		s.attempts.Abandon(string(s.inflight.Stage))
		s.inflight = nil
	}
	s.pausedFrom = from
	s.phase = PhasePaused
	s.touch(m.now())
	return Transition{SessionID: id, From: from, To: PhasePaused, Stage: stage}, nil
}

// Resume returns a paused session to the phase it paused from and
// re-issues that phase's stage. Resuming a failed session restarts it.
func (m *Machine) Resume(id string) (Transition, error) {
	s, err := m.get(id)
	if err != nil {
		return Transition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseFailed:
		return m.restart(s)
	case PhasePaused:
	default:
		return Transition{}, errors.NewSessionError("cannot resume", errors.ErrNotPaused).WithSessionID(id)
	}

	target := s.pausedFrom
	s.pausedFrom = ""
	stage, active := target.Stage()
	if !active {
		s.phase = target
		s.touch(m.now())
		return Transition{SessionID: id, From: PhasePaused, To: target}, nil
	}
	return m.enter(s, stage, false)
}

// Restart re-enters researching from failed, discarding every accepted
// result and attempt count.
func (m *Machine) Restart(id string) (Transition, error) {
	s, err := m.get(id)
	if err != nil {
		return Transition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseFailed {
		return Transition{}, m.refuse(s, "", "only failed sessions can be restarted")
	}
	return m.restart(s)
}

func (m *Machine) restart(s *session) (Transition, error) {
	s.results = make(map[contract.StageID]contract.StageResult)
	s.lastApplied = make(map[contract.StageID]uint64)
	s.attempts.ResetAll()
	s.failedStage = ""
	s.failure = nil
	s.partial = nil
	return m.enter(s, contract.StageResearch, false)
}

// Intervene queues user guidance for the session. Single-call stages read
// it in their next invocation; a running drafting stage picks it up at its
// next checkpoint. It returns the stage expected to consume the guidance.
func (m *Machine) Intervene(id, content string) (contract.StageID, error) {
	if strings.TrimSpace(content) == "" {
		return "", errors.NewValidationError("intervention cannot be empty").WithField("content")
	}
	s, err := m.get(id)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.IsTerminal() {
		return "", errors.NewSessionError("cannot intervene", errors.ErrSessionTerminal).WithSessionID(id)
	}

	s.interventions = append(s.interventions, content)
	s.touch(m.now())
	return consumer(s), nil
}

// consumer returns the stage whose invocation will read guidance queued
// now. A transient retry of the running stage reads it first, which is not
// known until that stage fails. Must be called with s.mu held.
func consumer(s *session) contract.StageID {
	if s.phase == PhasePaused {
		// Resume re-issues the paused stage.
		if stage, ok := s.pausedFrom.Stage(); ok {
			return stage
		}
		return contract.StageResearch
	}
	stage, ok := s.phase.Stage()
	if !ok {
		return contract.StageResearch
	}
	if stage == contract.StageDrafting || s.inflight == nil {
		return stage
	}
	if following, ok := next(stage).Stage(); ok {
		return following
	}
	return stage
}

// KeepDrafts records the sections a drafting invocation finished before it
// stopped at a pause. They are ignored unless the session is still paused
// from that invocation.
func (m *Machine) KeepDrafts(id string, sequence uint64, drafts []contract.SectionDraft) {
	s, err := m.get(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhasePaused || s.pausedFrom != PhaseDrafting || s.sequence != sequence {
		return
	}
	s.partial = append([]contract.SectionDraft(nil), drafts...)
	s.touch(m.now())
}

// TakeInterventions drains the guidance queued since the last invocation.
func (m *Machine) TakeInterventions(id string) []string {
	s, err := m.get(id)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.interventions
	s.interventions = nil
	return out
}

// Pending returns the invocation the session is waiting on.
func (m *Machine) Pending(id string) (contract.StageInvocation, bool) {
	s, err := m.get(id)
	if err != nil {
		return contract.StageInvocation{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight == nil {
		return contract.StageInvocation{}, false
	}
	return *s.inflight, true
}

// IsCurrent reports whether inv is still the invocation its session is
// waiting on.
func (m *Machine) IsCurrent(inv contract.StageInvocation) bool {
	cur, ok := m.Pending(inv.SessionID)
	return ok && cur.Sequence == inv.Sequence && cur.Stage == inv.Stage
}

// IsPaused reports whether the session is paused. Unknown sessions read as
// paused so that running stages stop.
func (m *Machine) IsPaused(id string) bool {
	phase, err := m.Phase(id)
	return err != nil || phase == PhasePaused
}

// Phase returns the session's current phase.
func (m *Machine) Phase(id string) (Phase, error) {
	s, err := m.get(id)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase, nil
}

// Get returns a snapshot of one session.
func (m *Machine) Get(id string) (Snapshot, error) {
	s, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// List returns snapshots of every session, oldest first.
func (m *Machine) List() []Snapshot {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, s.snapshot())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		Meta:        s.meta,
		Phase:       s.phase,
		PausedFrom:  s.pausedFrom,
		FailedStage: s.failedStage,
		Failure:     s.failure,
		Results:     make(map[contract.StageID]contract.StageResult, len(s.results)),
		Attempts:    s.attempts.Snapshot(),
		UpdatedAt:   s.updatedAt,
	}
	switch s.phase {
	case PhasePaused:
		snap.Progress = s.pausedFrom.Progress()
	case PhaseFailed:
		snap.Progress = PhaseOf(s.failedStage).Progress()
	default:
		snap.Progress = s.phase.Progress()
	}
	if s.inflight != nil {
		inv := *s.inflight
		snap.Inflight = &inv
	}
	for k, v := range s.results {
		snap.Results[k] = v
	}
	if len(s.interventions) > 0 {
		snap.Interventions = append([]string(nil), s.interventions...)
	}
	return snap
}
