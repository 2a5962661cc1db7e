// Package eventlog implements the typed execution event bus: a single
// sum-type Event published on the EXECUTION topic, replacing ad hoc
// notification broadcasting with explicit subscribe/unsubscribe.
package eventlog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Actor identifies which subsystem produced an event.
type Actor string

const (
	ActorSystem    Actor = "SYSTEM"
	ActorNavigator Actor = "NAVIGATOR"
	ActorPlanner   Actor = "PLANNER"
	ActorValidator Actor = "VALIDATOR"
)

// State is the event's state tag within its actor's own vocabulary.
type State string

const (
	TaskStart  State = "TASK_START"
	TaskOK     State = "TASK_OK"
	TaskFail   State = "TASK_FAIL"
	TaskCancel State = "TASK_CANCEL"
	TaskPause  State = "TASK_PAUSE"

	ActStart State = "ACT_START"
	ActOK    State = "ACT_OK"
	ActFail  State = "ACT_FAIL"
)

// Event is the single tagged sum type crossing the EXECUTION topic.
type Event struct {
	ID       string         `json:"id"`
	Seq      uint64         `json:"seq"`
	Actor    Actor          `json:"actor"`
	State    State          `json:"state"`
	Intent   string         `json:"intent,omitempty"`
	Err      string         `json:"error,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	Occurred time.Time      `json:"occurred"`
}

// Manager dispatches events to registered subscribers. A broken subscriber
// (panic) never affects execution: Publish recovers per-subscriber and logs
// at Warn.
type Manager struct {
	mu   sync.RWMutex
	subs map[string]func(Event)
	seq  atomic.Uint64
	log  zerolog.Logger
}

func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{subs: make(map[string]func(Event)), log: logger}
}

// Subscribe registers callback and returns a token usable with Unsubscribe.
func (m *Manager) Subscribe(cb func(Event)) string {
	token := uuid.NewString()
	m.mu.Lock()
	m.subs[token] = cb
	m.mu.Unlock()
	return token
}

func (m *Manager) Unsubscribe(token string) {
	m.mu.Lock()
	delete(m.subs, token)
	m.mu.Unlock()
}

// Clear removes all subscribers, used by the CLI/host's clearExecutionEvents.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.subs = make(map[string]func(Event))
	m.mu.Unlock()
}

// Publish fans an event out to a snapshot of current subscribers.
func (m *Manager) Publish(actor Actor, state State, intent string, err error, payload map[string]any) Event {
	ev := Event{
		ID:       uuid.NewString(),
		Seq:      m.seq.Add(1),
		Actor:    actor,
		State:    state,
		Intent:   intent,
		Payload:  payload,
		Occurred: time.Now(),
	}
	if err != nil {
		ev.Err = err.Error()
	}

	m.mu.RLock()
	callbacks := make([]func(Event), 0, len(m.subs))
	for _, cb := range m.subs {
		callbacks = append(callbacks, cb)
	}
	m.mu.RUnlock()

	for _, cb := range callbacks {
		m.dispatch(cb, ev)
	}
	return ev
}

func (m *Manager) dispatch(cb func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn().Interface("panic", r).Str("event_id", ev.ID).Msg("event subscriber panicked, ignoring")
		}
	}()
	cb(ev)
}
