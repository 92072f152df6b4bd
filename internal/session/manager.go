package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stagecue/rehearsal-gateway/internal/observability"
)

// Manager owns the session state and is the only mutation path for it.
// Subscribers are notified synchronously in registration order on whichever
// goroutine applied the transition, so they must not do long-running work
// inline.
type Manager struct {
	// applyMu serializes transitions so notifications arrive in the order
	// transitions were applied. mu alone cannot give that guarantee because
	// it is released before subscribers run.
	applyMu sync.Mutex
	mu      sync.RWMutex
	data    StateData
	subs    []subscriber
	nextID  uint64
	logger  zerolog.Logger
}

type subscriber struct {
	id uint64
	fn func(StateData)
}

// NewManager creates a manager in UNINITIALIZED.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		data: StateData{
			State:   StateUninitialized,
			Context: map[string]any{},
		},
		logger: logger.With().Str("component", "session").Logger(),
	}
}

// State returns an independent copy of the current snapshot.
func (m *Manager) State() StateData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.clone()
}

// Subscribe registers a listener for applied transitions and returns its
// unsubscribe function. Rejected transitions are never announced.
func (m *Manager) Subscribe(fn func(StateData)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// Transition applies an event with an optional context patch. When the table
// has no entry for the current pair, the call is a logged no-op: state,
// error, and context stay untouched and no subscriber runs. Returns whether
// the transition was applied.
func (m *Manager) Transition(event Event, patch map[string]any) bool {
	return m.apply(event, patch, nil)
}

// StartRecording transitions READY to RECORDING and opens a recording span
// with a fresh ID.
func (m *Manager) StartRecording(sampleRate, bufferSize int) bool {
	return m.apply(EventRecordingStart, nil, func(d *StateData) {
		d.Session = &RecordingSession{
			ID:         uuid.New().String(),
			StartedAt:  time.Now(),
			SampleRate: sampleRate,
			BufferSize: bufferSize,
		}
	})
}

// StopRecording transitions RECORDING back to READY and closes the span.
func (m *Manager) StopRecording() bool {
	return m.apply(EventRecordingStop, nil, nil)
}

// Fail transitions to ERROR and records the details. From states with no
// ERROR entry the call is a no-op and the details are discarded.
func (m *Manager) Fail(details ErrorDetails) bool {
	return m.apply(EventError, nil, func(d *StateData) {
		det := details
		d.Error = &det
	})
}

// Cleanup returns the session to UNINITIALIZED, dropping error, recording
// span, and context. Accepted from every state.
func (m *Manager) Cleanup() bool {
	return m.apply(EventCleanup, nil, nil)
}

func (m *Manager) apply(event Event, patch map[string]any, mutate func(*StateData)) bool {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	from := m.data.State
	to, ok := Lookup(from, event)
	if !ok {
		m.mu.Unlock()
		evt := m.logger.Warn()
		if event == EventVADUpdate {
			// arrives per frame; outside RECORDING it is routine, not a fault
			evt = m.logger.Debug()
		}
		evt.Str("state", string(from)).
			Str("event", string(event)).
			Msg("Ignoring transition not in table")
		observability.RecordTransitionRejected(string(from), string(event))
		return false
	}

	m.data.State = to
	switch event {
	case EventCleanup:
		m.data.Error = nil
		m.data.Session = nil
		m.data.Context = map[string]any{}
	case EventInitialize:
		m.data.Error = nil
	case EventRecordingStop:
		m.data.Session = nil
	}
	if len(patch) > 0 {
		if m.data.Context == nil {
			m.data.Context = make(map[string]any, len(patch))
		}
		for k, v := range patch {
			m.data.Context[k] = v
		}
	}
	if mutate != nil {
		mutate(&m.data)
	}

	snapshot := m.data.clone()
	subs := make([]subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	logEvent := m.logger.Info()
	if event == EventVADUpdate {
		logEvent = m.logger.Debug()
	}
	logEvent.Str("from", string(from)).
		Str("event", string(event)).
		Str("to", string(to)).
		Msg("Session state transition")
	observability.RecordStateTransition(string(from), string(event), string(to))

	for _, s := range subs {
		s.fn(snapshot)
	}
	return true
}
