package sequencer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okulov/pumprig/internal/event"
	"github.com/okulov/pumprig/internal/rig"
)

// fakeRig scripts pressure reads and records every actuator write.
type fakeRig struct {
	mu       sync.Mutex
	states   map[rig.Actuator]bool
	sets     []string
	pulses   int
	readings []float64 // one per ReadPressure call; NaN-free, <0 means fail
	reads    int
	failAll  bool
}

func newFakeRig(readings ...float64) *fakeRig {
	return &fakeRig{states: make(map[rig.Actuator]bool), readings: readings}
}

func (f *fakeRig) SetActuator(a rig.Actuator, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[a] = on
	s := string(a) + "=off"
	if on {
		s = string(a) + "=on"
	}
	f.sets = append(f.sets, s)
	return nil
}

func (f *fakeRig) Pulse(a rig.Actuator, hold time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulses++
	return nil
}

func (f *fakeRig) ReadPressure() (rig.PressureSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.reads
	f.reads++
	if f.failAll || i >= len(f.readings) || f.readings[i] < 0 {
		return rig.PressureSample{}, rig.ErrReadTimeout
	}
	return rig.PressureSample{StepIndex: -1, Value: f.readings[i], Stamp: time.Now()}, nil
}

func (f *fakeRig) state(a rig.Actuator) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[a]
}

func fastTiming(steps int) Timing {
	return Timing{
		PulseHold:         time.Millisecond,
		PlusStepInterval:  time.Millisecond,
		MinusStepInterval: time.Millisecond,
		PlusSteps:         steps,
		MinusSteps:        steps,
		PreRampDelay:      time.Millisecond,
	}
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not reach a terminal state")
	}
}

func TestForwardRun_Completes(t *testing.T) {
	fr := newFakeRig(1.5, -1, 4.0) // step 1 read fails
	s := New(fr, fastTiming(3), event.NewBus())

	h, err := s.Start(ProfileForward)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, h)

	run := s.Snapshot()
	if run.Status != StatusCompleted {
		t.Errorf("status = %q, want %q (error %q)", run.Status, StatusCompleted, run.Error)
	}
	if run.FixedOpen != 4.0 {
		t.Errorf("fixed open pressure = %v, want 4.0", run.FixedOpen)
	}
	if run.FixedClose != 0 {
		t.Errorf("fixed close pressure = %v, want 0 (reverse never ran)", run.FixedClose)
	}
	if run.Samples[0].Value != 1.5 || run.Samples[2].Value != 4.0 {
		t.Errorf("samples = %v", run.Samples[:3])
	}
	if run.Samples[1].Value != 0 {
		t.Errorf("missed sample slot mutated: %v", run.Samples[1])
	}
	if run.Samples[0].StepIndex != 0 || run.Samples[2].StepIndex != 2 {
		t.Errorf("sample step indexes = %d, %d", run.Samples[0].StepIndex, run.Samples[2].StepIndex)
	}
	if fr.pulses != 3 {
		t.Errorf("pulses = %d, want 3", fr.pulses)
	}
}

func TestForwardRun_NoSamples(t *testing.T) {
	fr := newFakeRig()
	fr.failAll = true
	s := New(fr, fastTiming(3), event.NewBus())

	h, err := s.Start(ProfileForward)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, h)

	run := s.Snapshot()
	if run.Status != StatusFailed {
		t.Errorf("status = %q, want %q", run.Status, StatusFailed)
	}
	if run.FixedOpen != 0 {
		t.Errorf("fixed open pressure = %v, want 0", run.FixedOpen)
	}
	if run.Error != ErrNoSamples.Error() {
		t.Errorf("error = %q, want %q", run.Error, ErrNoSamples.Error())
	}
}

func TestStart_RejectsWhileRunning(t *testing.T) {
	fr := newFakeRig(1.0, 2.0, 3.0)
	timing := fastTiming(200)
	timing.PlusStepInterval = 20 * time.Millisecond
	s := New(fr, timing, event.NewBus())

	h, err := s.Start(ProfileForward)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := s.Start(ProfileForward); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start error = %v, want ErrAlreadyRunning", err)
	}
	if got := s.Snapshot().Status; got != StatusRunning && got != StatusCancelling {
		t.Errorf("first run disturbed: status %q", got)
	}

	h.Cancel()
	waitDone(t, h)

	// a new run is accepted once the previous one is terminal
	h2, err := s.Start(ProfileForward)
	if err != nil {
		t.Fatalf("Start after completion failed: %v", err)
	}
	h2.Cancel()
	waitDone(t, h2)
}

func TestCancel_TerminatesWithinOneIteration(t *testing.T) {
	fr := newFakeRig(1.0, 1.1, 1.2, 1.3, 1.4, 1.5, 1.6, 1.7, 1.8, 1.9)
	timing := fastTiming(1000)
	timing.PlusStepInterval = 10 * time.Millisecond
	bus := event.NewBus()
	events, unsub := bus.Subscribe()
	defer unsub()
	s := New(fr, timing, bus)

	h, err := s.Start(ProfileForward)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// wait for the second progress event, then cancel mid-ramp
	seen := 0
	for seen < 2 {
		select {
		case ev := <-events:
			if ev.Kind == event.TypeProgress {
				seen++
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no ramp progress observed")
		}
	}
	h.Cancel()
	h.Cancel() // repeated cancel is fine
	waitDone(t, h)

	run := s.Snapshot()
	if !run.CancelRequested {
		t.Error("cancel not recorded on the run")
	}
	if run.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", run.Status, StatusCompleted)
	}
	if run.StepIndex >= 999 {
		t.Errorf("run went to completion despite cancel (step %d)", run.StepIndex)
	}
	// samples collected before the cancel survive aggregation
	if run.Samples[0].Value != 1.0 || run.Samples[1].Value != 1.1 {
		t.Errorf("early samples disturbed: %v", run.Samples[:2])
	}
	if run.FixedOpen == 0 {
		t.Error("fixed open pressure not aggregated for a cancelled run")
	}
}

func TestStart_ReverseProfileNotSupported(t *testing.T) {
	s := New(newFakeRig(), DefaultTiming(), event.NewBus())
	if _, err := s.Start(ProfileReverse); !errors.Is(err, ErrProfileNotSupported) {
		t.Errorf("Start(reverse) error = %v, want ErrProfileNotSupported", err)
	}
	if _, err := s.Start(Profile("sideways")); !errors.Is(err, ErrProfileNotSupported) {
		t.Errorf("Start(sideways) error = %v, want ErrProfileNotSupported", err)
	}
}

func TestRun_ShutdownAlwaysExecutes(t *testing.T) {
	tests := []struct {
		name string
		rig  *fakeRig
	}{
		{"after completion", newFakeRig(2.0, 2.5)},
		{"after failure", func() *fakeRig { f := newFakeRig(); f.failAll = true; return f }()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.rig, fastTiming(2), event.NewBus())
			h, err := s.Start(ProfileForward)
			if err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			waitDone(t, h)

			for _, a := range []rig.Actuator{rig.Valve1, rig.Valve2, rig.Valve3, rig.Valve4, rig.PumpStart} {
				if tt.rig.state(a) {
					t.Errorf("%s left on after shutdown", a)
				}
			}
			if !tt.rig.state(rig.PumpMinus) {
				t.Error("trim-down output not held on after shutdown")
			}
		})
	}
}

func TestRun_BaselineBeforeRamp(t *testing.T) {
	fr := newFakeRig(1.0)
	s := New(fr, fastTiming(1), event.NewBus())
	h, err := s.Start(ProfileForward)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, h)

	fr.mu.Lock()
	defer fr.mu.Unlock()
	wantPrefix := []string{
		"pumpMinus=off", "pumpPlus=off", "valve1=off", "valve2=off", "valve3=off", "valve4=off", "pumpStart=off",
		"pumpStart=on", "valve1=on", "valve3=on",
	}
	if len(fr.sets) < len(wantPrefix) {
		t.Fatalf("too few actuator writes: %v", fr.sets)
	}
	for i, want := range wantPrefix {
		if fr.sets[i] != want {
			t.Errorf("write %d = %q, want %q", i, fr.sets[i], want)
		}
	}
}
