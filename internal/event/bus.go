// Package event carries the one-way stream of things the presentation layer
// renders: log lines, ramp progress, run summaries, actuator state and live
// pressure. The core publishes; subscribers only read.
package event

import (
	"fmt"
	"sync"
	"time"
)

// Type discriminates events on the bus.
type Type string

const (
	TypeLog           Type = "log"
	TypeProgress      Type = "progress"
	TypeSummary       Type = "summary"
	TypeActuatorState Type = "actuator"
	TypePressure      Type = "pressure"
)

// Event is a single bus message. Only the fields relevant to Kind are set.
type Event struct {
	Kind  Type      `json:"kind"`
	Stamp time.Time `json:"stamp"`

	// TypeLog
	Text string `json:"text,omitempty"`

	// TypeProgress / TypePressure
	StepIndex int     `json:"stepIndex,omitempty"`
	Pressure  float64 `json:"pressure,omitempty"`

	// TypeSummary
	OpenPressure  float64 `json:"openPressure,omitempty"`
	ClosePressure float64 `json:"closePressure,omitempty"`

	// TypeActuatorState
	Actuator string `json:"actuator,omitempty"`
	On       bool   `json:"on,omitempty"`
}

// Bus fans events out to any number of subscribers. Publishing never blocks:
// a subscriber that cannot keep up loses events rather than stalling the
// serial side.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a buffered channel of events and a cancel func that
// closes it. After cancel returns the channel will receive no more sends.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber, stamping it if unstamped.
func (b *Bus) Publish(ev Event) {
	if ev.Stamp.IsZero() {
		ev.Stamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber too slow, skip
		}
	}
}

// Logf publishes a formatted TypeLog event.
func (b *Bus) Logf(format string, args ...interface{}) {
	b.Publish(Event{Kind: TypeLog, Text: fmt.Sprintf(format, args...)})
}

// Progress publishes a TypeProgress event for one ramp step.
func (b *Bus) Progress(step int, pressure float64) {
	b.Publish(Event{Kind: TypeProgress, StepIndex: step, Pressure: pressure})
}

// Summary publishes the end-of-run open/close pressures.
func (b *Bus) Summary(open, close float64) {
	b.Publish(Event{Kind: TypeSummary, OpenPressure: open, ClosePressure: close})
}

// ActuatorState publishes an actuator on/off transition.
func (b *Bus) ActuatorState(name string, on bool) {
	b.Publish(Event{Kind: TypeActuatorState, Actuator: name, On: on})
}
