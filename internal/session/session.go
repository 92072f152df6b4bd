// Package session implements the audio session lifecycle: a fixed transition
// table over five states that the rest of the gateway consults before any
// capture operation. There is one manager per process, constructed at startup
// and handed to every consumer.
package session

import (
	"time"
)

// State is the audio session lifecycle state.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateInitializing  State = "INITIALIZING"
	StateReady         State = "READY"
	StateRecording     State = "RECORDING"
	StateError         State = "ERROR"
)

// Event drives state transitions.
type Event string

const (
	EventInitialize     Event = "INITIALIZE"
	EventInitialized    Event = "INITIALIZED"
	EventRecordingStart Event = "RECORDING_START"
	EventRecordingStop  Event = "RECORDING_STOP"
	EventVADUpdate      Event = "VAD_UPDATE"
	EventError          Event = "ERROR"
	EventCleanup        Event = "CLEANUP"
)

// transitions is the complete table. Pairs absent here are rejected, never
// coerced. CLEANUP is accepted from every state and always lands in
// UNINITIALIZED. VAD_UPDATE is a RECORDING self loop carrying detection
// context and is meaningless anywhere else.
var transitions = map[State]map[Event]State{
	StateUninitialized: {
		EventInitialize: StateInitializing,
		EventCleanup:    StateUninitialized,
	},
	StateInitializing: {
		EventInitialized: StateReady,
		EventError:       StateError,
		EventCleanup:     StateUninitialized,
	},
	StateReady: {
		EventRecordingStart: StateRecording,
		EventError:          StateError,
		EventCleanup:        StateUninitialized,
	},
	StateRecording: {
		EventRecordingStop: StateReady,
		EventVADUpdate:     StateRecording,
		EventError:         StateError,
		EventCleanup:       StateUninitialized,
	},
	StateError: {
		EventInitialize: StateInitializing,
		EventCleanup:    StateUninitialized,
	},
}

// Lookup returns the target state for a (state, event) pair when the table
// defines one.
func Lookup(from State, event Event) (State, bool) {
	row, ok := transitions[from]
	if !ok {
		return "", false
	}
	to, ok := row[event]
	return to, ok
}

// RecordingSession identifies one recording span within a session.
type RecordingSession struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"startedAt"`
	SampleRate int       `json:"sampleRate"`
	BufferSize int       `json:"bufferSize"`
}

// StateData is the authoritative session snapshot handed to subscribers and
// returned by reads. Every snapshot is an independent copy; mutating one
// never affects the manager.
type StateData struct {
	State   State             `json:"state"`
	Error   *ErrorDetails     `json:"error,omitempty"`
	Context map[string]any    `json:"context,omitempty"`
	Session *RecordingSession `json:"session,omitempty"`
}

func (d StateData) clone() StateData {
	out := d
	if d.Context != nil {
		out.Context = make(map[string]any, len(d.Context))
		for k, v := range d.Context {
			out.Context[k] = v
		}
	}
	if d.Error != nil {
		e := *d.Error
		out.Error = &e
	}
	if d.Session != nil {
		s := *d.Session
		out.Session = &s
	}
	return out
}
