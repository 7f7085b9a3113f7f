// Package sequencer drives the automated ramp-and-sample test: put the rig
// in a known-safe baseline, open the profile's flow path, start the pump,
// then repeatedly nudge the pump frequency up and record pressure until the
// step budget runs out or the operator cancels.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/okulov/pumprig/internal/event"
	"github.com/okulov/pumprig/internal/rig"
)

// Profile selects a test variant.
type Profile string

const (
	ProfileForward Profile = "forward"
	ProfileReverse Profile = "reverse"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	// ErrAlreadyRunning rejects a start while a run is in progress.
	ErrAlreadyRunning = errors.New("sequencer: a test is already running")
	// ErrNoSamples marks a run that finished without a single pressure
	// sample.
	ErrNoSamples = errors.New("sequencer: no pressure samples collected")
	// ErrProfileNotSupported rejects profiles that have no registered
	// actuator set and ramp logic.
	ErrProfileNotSupported = errors.New("sequencer: profile not supported")
)

// Timing holds every delay and step budget of the ramp. All runtime
// constants of the procedure live here so they can be set before a run.
type Timing struct {
	// PulseHold is how long a frequency trim pulse stays high.
	PulseHold time.Duration `yaml:"pulse_hold" json:"pulseHold"`
	// PlusStepInterval is the wait between ramp-up iterations (the ramp rate).
	PlusStepInterval time.Duration `yaml:"plus_step_interval" json:"plusStepInterval"`
	// MinusStepInterval is the wait between ramp-down iterations.
	MinusStepInterval time.Duration `yaml:"minus_step_interval" json:"minusStepInterval"`
	// PlusSteps is the ramp-up iteration budget.
	PlusSteps int `yaml:"plus_steps" json:"plusSteps"`
	// MinusSteps is the ramp-down iteration budget.
	MinusSteps int `yaml:"minus_steps" json:"minusSteps"`
	// PreRampDelay is the settle period between opening the flow path and
	// the first sample.
	PreRampDelay time.Duration `yaml:"pre_ramp_delay" json:"preRampDelay"`
}

// DefaultTiming returns the reference rig's procedure timings.
func DefaultTiming() Timing {
	return Timing{
		PulseHold:         100 * time.Millisecond,
		PlusStepInterval:  time.Second,
		MinusStepInterval: time.Second,
		PlusSteps:         80,
		MinusSteps:        40,
		PreRampDelay:      time.Second,
	}
}

// Rig is the slice of the rig the sequencer needs.
type Rig interface {
	SetActuator(a rig.Actuator, on bool) error
	Pulse(a rig.Actuator, hold time.Duration) error
	ReadPressure() (rig.PressureSample, error)
}

// Run is an immutable snapshot of a test run. The sequencer goroutine owns
// the live state; everyone else sees copies of this.
type Run struct {
	Profile         Profile              `json:"profile"`
	Status          Status               `json:"status"`
	StepCount       int                  `json:"stepCount"`
	StepIndex       int                  `json:"stepIndex"`
	Samples         []rig.PressureSample `json:"samples"`
	FixedOpen       float64              `json:"fixedOpenPressure"`
	FixedClose      float64              `json:"fixedClosePressure"`
	CancelRequested bool                 `json:"cancelRequested"`
	Error           string               `json:"error,omitempty"`
}

// Handle lets the caller cancel a run and wait for it to finish.
// Cancellation is cooperative: it is observed at iteration boundaries and
// never aborts a write in flight.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel requests cooperative cancellation. Safe to call repeatedly and
// from any goroutine.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed once the run reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// profileDef names the actuators a profile ramps through. Forward and
// reverse use mirrored valve pairs; only forward has ramp logic today, so
// only forward is registered.
type profileDef struct {
	inlet  rig.Actuator
	outlet rig.Actuator
}

var profileDefs = map[Profile]profileDef{
	ProfileForward: {inlet: rig.Valve1, outlet: rig.Valve3},
	// ProfileReverse would be {inlet: rig.Valve2, outlet: rig.Valve4} once
	// close-pressure detection exists.
}

// Sequencer runs at most one test at a time against a shared rig.
type Sequencer struct {
	rig    Rig
	bus    *event.Bus
	timing Timing

	mu        sync.Mutex
	active    *Handle
	snap      Run
	lastClose float64 // recorded by the reverse profile; zero until it runs
}

// New creates a Sequencer. bus may be nil when nothing listens.
func New(r Rig, timing Timing, bus *event.Bus) *Sequencer {
	if bus == nil {
		bus = event.NewBus()
	}
	return &Sequencer{
		rig:    r,
		bus:    bus,
		timing: timing,
		snap:   Run{Status: StatusIdle},
	}
}

// Start begins a run of the given profile on its own goroutine. It fails
// synchronously with ErrAlreadyRunning while another run is active, leaving
// that run untouched, and with ErrProfileNotSupported for profiles that
// have no registered logic.
func (s *Sequencer) Start(profile Profile) (*Handle, error) {
	def, ok := profileDefs[profile]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProfileNotSupported, profile)
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	s.active = h

	st := &runState{
		profile:   profile,
		def:       def,
		timing:    s.timing, // a run keeps the timings it started with
		stepCount: s.timing.PlusSteps,
		samples:   make([]rig.PressureSample, s.timing.PlusSteps+1),
		obtained:  make([]bool, s.timing.PlusSteps+1),
	}
	s.snap = st.snapshot(StatusRunning, nil)
	s.mu.Unlock()

	go s.run(ctx, h, st)
	return h, nil
}

// Snapshot returns the current (or most recent) run state.
func (s *Sequencer) Snapshot() Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// SetTiming replaces the procedure timings for subsequent runs. A run
// already in progress keeps the timings it started with.
func (s *Sequencer) SetTiming(t Timing) {
	s.mu.Lock()
	s.timing = t
	s.mu.Unlock()
}

// runState is owned exclusively by the run goroutine.
type runState struct {
	profile   Profile
	def       profileDef
	timing    Timing
	stepCount int
	stepIndex int
	samples   []rig.PressureSample
	obtained  []bool
	cancelled bool
	fixedOpen float64
}

func (st *runState) snapshot(status Status, err error) Run {
	r := Run{
		Profile:         st.profile,
		Status:          status,
		StepCount:       st.stepCount,
		StepIndex:       st.stepIndex,
		Samples:         append([]rig.PressureSample(nil), st.samples...),
		FixedOpen:       st.fixedOpen,
		CancelRequested: st.cancelled,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func (s *Sequencer) publish(st *runState, status Status, err error) {
	s.mu.Lock()
	snap := st.snapshot(status, err)
	snap.FixedClose = s.lastClose
	s.snap = snap
	s.mu.Unlock()
}

func (s *Sequencer) run(ctx context.Context, h *Handle, st *runState) {
	s.bus.Logf("starting %s test", st.profile)
	log.Printf("[sequencer] %s test started (%d steps)", st.profile, st.stepCount)

	var runErr error

	// The shutdown procedure and the terminal transition always execute,
	// whatever happened during the ramp.
	defer func() {
		s.shutdown()

		status := StatusCompleted
		if runErr != nil {
			status = StatusFailed
		}
		s.publish(st, status, runErr)

		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()

		s.bus.Logf("%s test %s", st.profile, status)
		log.Printf("[sequencer] %s test %s", st.profile, status)
		close(h.done)
	}()

	// Known-safe baseline. Individual write failures are logged and pushed
	// through, never retried.
	s.baseline()

	// Open the profile's flow path and start the pump.
	s.set(rig.PumpStart, true)
	s.set(st.def.inlet, true)
	s.set(st.def.outlet, true)

	sleepCtx(ctx, st.timing.PreRampDelay)

	for step := 0; step < st.stepCount; step++ {
		// Cancellation checkpoint: once per iteration, never mid-write.
		if ctx.Err() != nil {
			st.cancelled = true
			s.publish(st, StatusCancelling, nil)
			s.bus.Logf("%s test cancelled at step %d", st.profile, step)
			break
		}
		st.stepIndex = step

		if sample, err := s.rig.ReadPressure(); err != nil {
			s.bus.Logf("step %d: pressure read failed: %v", step, err)
		} else {
			sample.StepIndex = step
			st.samples[step] = sample
			st.obtained[step] = true
			s.bus.Progress(step, sample.Value)
			s.bus.Logf("step %d: pressure %.2f", step, sample.Value)
		}
		s.publish(st, StatusRunning, nil)

		if err := s.rig.Pulse(rig.PumpPlus, st.timing.PulseHold); err != nil {
			s.bus.Logf("step %d: frequency pulse failed: %v", step, err)
		}

		sleepCtx(ctx, st.timing.PlusStepInterval)
	}

	// Aggregate whatever was collected, cancelled or not.
	var open float64
	n := 0
	for i, ok := range st.obtained {
		if !ok {
			continue
		}
		n++
		if st.samples[i].Value > open {
			open = st.samples[i].Value
		}
	}
	if n == 0 {
		st.fixedOpen = 0
		runErr = ErrNoSamples
		s.bus.Logf("%s test produced no pressure samples", st.profile)
		return
	}
	st.fixedOpen = open

	s.mu.Lock()
	lastClose := s.lastClose
	s.mu.Unlock()
	s.bus.Summary(open, lastClose)
	s.bus.Logf("recorded opening pressure: %.2f, closing pressure: %.2f", open, lastClose)
}

// baseline forces every output off so the ramp starts from a known state.
func (s *Sequencer) baseline() {
	for _, a := range []rig.Actuator{
		rig.PumpMinus, rig.PumpPlus, rig.Valve1, rig.Valve2, rig.Valve3, rig.Valve4, rig.PumpStart,
	} {
		s.set(a, false)
	}
}

// shutdown forces valves and pump off and holds the trim-down output on so
// the drive winds its frequency back.
func (s *Sequencer) shutdown() {
	for _, a := range []rig.Actuator{
		rig.Valve1, rig.Valve2, rig.Valve3, rig.Valve4, rig.PumpStart,
	} {
		s.set(a, false)
	}
	s.set(rig.PumpMinus, true)
	s.bus.Logf("all outputs stopped")
}

// set issues one actuator write, logging a failure instead of propagating
// it: baseline and shutdown sequences push through individual step failures.
func (s *Sequencer) set(a rig.Actuator, on bool) {
	if err := s.rig.SetActuator(a, on); err != nil {
		s.bus.Logf("%s write failed: %v", a, err)
		log.Printf("[sequencer] %s write failed: %v", a, err)
	}
}

// sleepCtx waits for d or until the context is cancelled, whichever comes
// first. The cancellation itself is acted on at the next iteration boundary.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
