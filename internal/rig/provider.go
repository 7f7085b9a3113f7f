package rig

import (
	"errors"
	"time"
)

// Provider is the interface all rig backends implement. Controller drives
// the real DCON hardware; Demo simulates one for development and tests.
type Provider interface {
	// Name returns the human-readable name of this rig backend.
	Name() string
	// Connect opens the serial link. Idempotent: connecting while already
	// open is a no-op.
	Connect() error
	// Close shuts the link down. Safe to call when already closed.
	Close() error
	// IsConnected reports whether the link is currently open.
	IsConnected() bool

	// SetActuator switches one output on or off and records the new state.
	SetActuator(a Actuator, on bool) error
	// Pulse models a momentary-contact relay: on, hold, off.
	Pulse(a Actuator, hold time.Duration) error
	// ReadPressure performs one analog read round trip and returns a
	// calibrated sample. Callers treat an error as a missed sample, not a
	// fault: log it and carry on.
	ReadPressure() (PressureSample, error)

	// ActuatorStates returns a snapshot of the boolean state model.
	ActuatorStates() map[Actuator]bool
}

// PressureSample is one calibrated pressure reading. StepIndex is -1 for
// live polling reads; the sequencer sets it when a sample belongs to a ramp
// step.
type PressureSample struct {
	StepIndex int       `json:"stepIndex"`
	Value     float64   `json:"value"`
	Stamp     time.Time `json:"stamp"`
}

var (
	// ErrNotConnected means the link is closed and the lazy reconnect
	// attempt failed too.
	ErrNotConnected = errors.New("rig: not connected")
	// ErrWriteFailed means the frame could not be written to the port.
	ErrWriteFailed = errors.New("rig: write failed")
	// ErrReadTimeout means no complete response line arrived in time.
	ErrReadTimeout = errors.New("rig: read timed out")
	// ErrUnknownActuator means the actuator name is not in the channel map.
	ErrUnknownActuator = errors.New("rig: unknown actuator")
)
