// Package retry tracks stage attempts and computes retry and reconnect
// backoff.
//
// Manager records attempts per key (a stage name within one session) and
// decides whether another attempt is allowed. Backoff computes capped
// exponential delays for both stage retries and subscriber reconnects.
package retry

import (
	"sync"
)

// AttemptState tracks attempts for one key.
type AttemptState struct {
	Key         string `json:"key"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
	LastClass   string `json:"last_class,omitempty"`
	Succeeded   bool   `json:"succeeded,omitempty"`
}

// Exhausted reports whether no further attempt is allowed.
func (s AttemptState) Exhausted() bool {
	return s.Attempts >= s.MaxAttempts
}

// Manager manages attempt state per key.
// It is safe for concurrent use.
type Manager struct {
	mu          sync.RWMutex
	maxAttempts int
	states      map[string]*AttemptState
}

// NewManager creates a Manager whose keys allow maxAttempts attempts in
// total, counting the first. Values below 1 are treated as 1.
func NewManager(maxAttempts int) *Manager {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Manager{
		maxAttempts: maxAttempts,
		states:      make(map[string]*AttemptState),
	}
}

// MaxAttempts returns the per-key attempt budget.
func (m *Manager) MaxAttempts() int {
	return m.maxAttempts
}

func (m *Manager) getOrCreate(key string) *AttemptState {
	state, ok := m.states[key]
	if !ok {
		state = &AttemptState{Key: key, MaxAttempts: m.maxAttempts}
		m.states[key] = state
	}
	return state
}

// Begin records the start of a new attempt for key and returns its
// 1-based attempt number.
func (m *Manager) Begin(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getOrCreate(key)
	state.Attempts++
	state.Succeeded = false
	return state.Attempts
}

// Attempts returns how many attempts key has started.
func (m *Manager) Attempts(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if state, ok := m.states[key]; ok {
		return state.Attempts
	}
	return 0
}

// ShouldRetry reports whether key may be attempted again: it has not
// succeeded and has attempts left.
func (m *Manager) ShouldRetry(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[key]
	if !ok {
		return true
	}
	return !state.Succeeded && !state.Exhausted()
}

// Abandon withdraws the most recent attempt for key when it ended without
// an outcome, such as an invocation interrupted by a pause.
func (m *Manager) Abandon(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.states[key]; ok && state.Attempts > 0 {
		state.Attempts--
	}
}

// RecordFailure stores the last failure for key.
func (m *Manager) RecordFailure(key, class, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getOrCreate(key)
	state.LastClass = class
	state.LastError = errMsg
}

// RecordSuccess marks key as succeeded.
func (m *Manager) RecordSuccess(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreate(key).Succeeded = true
}

// State returns a copy of the state for key.
func (m *Manager) State(key string) (AttemptState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[key]
	if !ok {
		return AttemptState{}, false
	}
	return *state, true
}

// Reset clears the state for key.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
}

// ResetAll clears all state.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[string]*AttemptState)
}

// Snapshot returns a copy of all states, for persistence.
func (m *Manager) Snapshot() map[string]AttemptState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]AttemptState, len(m.states))
	for k, v := range m.states {
		out[k] = *v
	}
	return out
}

// Load replaces all state with states, for restoring from persistence.
// Restored states adopt the manager's current attempt budget.
func (m *Manager) Load(states map[string]AttemptState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states = make(map[string]*AttemptState, len(states))
	for k, v := range states {
		s := v
		s.Key = k
		s.MaxAttempts = m.maxAttempts
		m.states[k] = &s
	}
}
