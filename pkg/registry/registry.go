// Package registry implements the in-memory call registry: a concurrency-safe
// CallID -> CallRecord map that serialises per-call state transitions and
// emits a totally-ordered event stream to subscribers.
//
// All state is in memory and reconstructed on restart. One RWMutex per
// record serialises per-call operations; a single mutex guards the
// top-level map, so cross-call operations run independently.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxbridge/callmedia/pkg/apperr"
)

// State is a CallRecord's position in the call lifecycle state machine.
type State string

const (
	StateInitiating State = "initiating"
	StateRinging    State = "ringing"
	StateAnswered   State = "answered"
	StateReady      State = "ready"
	StatePlaying    State = "playing"
	StateSpeaking   State = "speaking"
	StateRecording  State = "recording"
	StateBridged    State = "bridged"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

// Terminal reports whether state is one from which no further transition
// (other than delayed removal) is possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Direction is the call's originating direction.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// CallRecord is one active or recently-ended call.
type CallRecord struct {
	CallID       string    `json:"callID"`
	ChannelID    string    `json:"channelID"`
	Direction    Direction `json:"direction"`
	CallerNumber string    `json:"callerNumber"`
	CalleeNumber string    `json:"calleeNumber"`

	CreatedAt  time.Time  `json:"createdAt"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`

	HangupCause string `json:"hangupCause,omitempty"`
	State       State  `json:"state"`

	CaptureHandle  interface{} `json:"captureHandle,omitempty"`
	PlaybackHandle interface{} `json:"playbackHandle,omitempty"`
	AsrSession     interface{} `json:"asrSession,omitempty"`
	BridgeID       string      `json:"bridgeID,omitempty"`
}

// snapshot returns a value copy safe to hand to callers outside the lock.
func (r *CallRecord) snapshot() CallRecord {
	cp := *r
	return cp
}

// entry wraps a CallRecord with the mutex that serialises operations on it.
type entry struct {
	mu     sync.RWMutex
	record CallRecord
}

// Event is a transient record emitted by the registry on every state change
// and lifecycle milestone. Subscribers see a totally-ordered stream.
type Event struct {
	Type      string
	CallID    string
	Timestamp time.Time
	Data      map[string]interface{}
}

// Registry is the concurrency-safe CallID -> CallRecord store.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int

	timers *TimerSet
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		entries:     make(map[string]*entry),
		subscribers: make(map[int]chan Event),
		timers:      NewTimerSet(),
	}
}

// Timers exposes the registry's TimerSet so the orchestrator can schedule
// ring delays and other per-call timers that must be drained on shutdown.
func (r *Registry) Timers() *TimerSet { return r.timers }

// Create inserts a new CallRecord in the given initial state and emits
// call.created, whose data carries that state. No call.state_changed is
// emitted for the initial state.
func (r *Registry) Create(callID, channelID string, direction Direction, caller, callee string, initial State, now time.Time) *CallRecord {
	rec := CallRecord{
		CallID:       callID,
		ChannelID:    channelID,
		Direction:    direction,
		CallerNumber: caller,
		CalleeNumber: callee,
		CreatedAt:    now,
		State:        initial,
	}

	r.mu.Lock()
	r.entries[callID] = &entry{record: rec}
	r.mu.Unlock()

	r.publish(Event{Type: "call.created", CallID: callID, Timestamp: now, Data: map[string]interface{}{"state": string(initial)}})
	return &rec
}

// NewCallID mints a fresh opaque call identifier.
func NewCallID() string { return uuid.NewString() }

func (r *Registry) lookup(callID string) (*entry, bool) {
	r.mu.Lock()
	e, ok := r.entries[callID]
	r.mu.Unlock()
	return e, ok
}

// Get returns a snapshot copy of the CallRecord for callID.
func (r *Registry) Get(callID string) (CallRecord, error) {
	e, ok := r.lookup(callID)
	if !ok {
		return CallRecord{}, apperr.New(apperr.NotFound, "call not found: "+callID)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.record.snapshot(), nil
}

// GetByChannelID returns a snapshot of the CallRecord whose switch channel
// matches channelID, used by event dispatch to route switch-native events
// back to the call they concern.
func (r *Registry) GetByChannelID(channelID string) (CallRecord, error) {
	r.mu.Lock()
	var found *entry
	for _, e := range r.entries {
		e.mu.RLock()
		match := e.record.ChannelID == channelID
		e.mu.RUnlock()
		if match {
			found = e
			break
		}
	}
	r.mu.Unlock()

	if found == nil {
		return CallRecord{}, apperr.New(apperr.NotFound, "no call for channel: "+channelID)
	}
	found.mu.RLock()
	defer found.mu.RUnlock()
	return found.record.snapshot(), nil
}

// Snapshot returns a copy of every active CallRecord, used for the event
// stream's initial-connect snapshot.
func (r *Registry) Snapshot() []CallRecord {
	r.mu.Lock()
	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	r.mu.Unlock()

	out := make([]CallRecord, 0, len(es))
	for _, e := range es {
		e.mu.RLock()
		out = append(out, e.record.snapshot())
		e.mu.RUnlock()
	}
	return out
}

// Mutate serialises fn against concurrent operations on callID's record,
// passing a pointer the callback may freely modify. Returns NotFound if the
// call does not exist (or has already been removed by delayed GC).
func (r *Registry) Mutate(callID string, fn func(rec *CallRecord) error) error {
	e, ok := r.lookup(callID)
	if !ok {
		return apperr.New(apperr.NotFound, "call not found: "+callID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(&e.record)
}

// allowedTransitions is the permitted-transition table for non-terminal
// targets. The terminal states (ended, failed) are reachable from any
// non-terminal state and are not listed.
var allowedTransitions = map[State]map[State]bool{
	StateInitiating: {StateRinging: true},
	StateRinging:    {StateAnswered: true},
	StateAnswered:   {StateReady: true, StatePlaying: true, StateSpeaking: true, StateRecording: true, StateBridged: true},
	StateReady:      {StatePlaying: true, StateSpeaking: true, StateRecording: true, StateBridged: true},
	StatePlaying:    {StateAnswered: true, StateReady: true},
	StateSpeaking:   {StateAnswered: true, StateReady: true},
	StateRecording:  {StateAnswered: true, StateReady: true},
	StateBridged:    {StateAnswered: true, StateReady: true},
}

func transitionAllowed(from, to State) bool {
	if to == StateEnded || to == StateFailed {
		return true
	}
	return allowedTransitions[from][to]
}

// Transition moves callID to newState, validating the move against the
// permitted-transition table, stamping timestamps per the record invariants
// (answeredAt <= endedAt, no mutation once ended except by
// ScheduleDelayedRemoval) and emitting call.state_changed.
func (r *Registry) Transition(callID string, newState State, now time.Time) error {
	var prev State
	err := r.Mutate(callID, func(rec *CallRecord) error {
		if rec.State.Terminal() {
			return apperr.New(apperr.Validation, "call already terminal: "+callID)
		}
		if !transitionAllowed(rec.State, newState) {
			return apperr.New(apperr.Validation, "illegal transition "+string(rec.State)+" -> "+string(newState)+": "+callID)
		}
		prev = rec.State
		rec.State = newState
		switch newState {
		case StateAnswered:
			if rec.AnsweredAt == nil {
				t := now
				rec.AnsweredAt = &t
			}
		case StateEnded, StateFailed:
			t := now
			rec.EndedAt = &t
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.publish(Event{
		Type:      "call.state_changed",
		CallID:    callID,
		Timestamp: now,
		Data:      map[string]interface{}{"from": string(prev), "to": string(newState)},
	})
	if newState == StateEnded || newState == StateFailed {
		r.publish(Event{Type: "call.ended", CallID: callID, Timestamp: now, Data: map[string]interface{}{"state": string(newState)}})
	}
	return nil
}

// Remove deletes callID's record outright; ScheduleDelayedRemoval calls it
// when its timer fires.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	delete(r.entries, callID)
	r.mu.Unlock()
}

// ScheduleDelayedRemoval arms a TimerSet timer that removes callID's record
// after delay, giving admin clients a grace window to read post-hangup state.
func (r *Registry) ScheduleDelayedRemoval(callID string, delay time.Duration) {
	r.timers.After(delay, func() {
		r.Remove(callID)
	})
}

// Publish emits an arbitrary CallEvent onto the same ordered stream, used by
// the orchestrator for the events the registry does not raise itself
// (capture, transcription, playback and bridge events).
func (r *Registry) Publish(event Event) {
	r.publish(event)
}

func (r *Registry) publish(event Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
			// Slow subscriber: drop rather than block the publisher: the
			// event stream is best-effort broadcast, not a delivery queue.
		}
	}
}

// Subscribe registers a new listener and returns its channel plus an unsubscribe
// function. The channel is buffered; a slow reader drops events rather than
// stalling other subscribers or the publisher.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	r.subMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = ch
	r.subMu.Unlock()

	unsubscribe := func() {
		r.subMu.Lock()
		delete(r.subscribers, id)
		r.subMu.Unlock()
		close(ch)
	}
	return ch, unsubscribe
}

// Shutdown drains all pending timers so a graceful shutdown does not keep
// the process alive for the delayed-removal window.
func (r *Registry) Shutdown() {
	r.timers.Shutdown()
}
