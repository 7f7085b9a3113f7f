package rig

import (
	"math/rand"
	"sync"
	"time"

	"github.com/okulov/pumprig/internal/event"
)

// Demo simulates a rig for development and testing: pressure builds while
// the pump runs with an open flow path and bleeds off otherwise, with the
// pump frequency tracked from plus/minus pulses.
type Demo struct {
	mu        sync.Mutex
	connected bool
	states    map[Actuator]bool
	freq      int     // accumulated trim pulses
	pressure  float64 // current simulated pressure
	cal       Calibration
	bus       *event.Bus
}

// NewDemo creates a simulated rig.
func NewDemo(cal Calibration, bus *event.Bus) *Demo {
	if bus == nil {
		bus = event.NewBus()
	}
	return &Demo{
		states: make(map[Actuator]bool),
		cal:    cal,
		bus:    bus,
	}
}

func (d *Demo) Name() string { return "Demo (Simulated)" }

func (d *Demo) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *Demo) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *Demo) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Demo) SetActuator(a Actuator, on bool) error {
	d.mu.Lock()
	d.states[a] = on
	if a == PumpStart && !on {
		d.freq = 0
	}
	d.mu.Unlock()
	d.bus.ActuatorState(string(a), on)
	return nil
}

func (d *Demo) Pulse(a Actuator, hold time.Duration) error {
	time.Sleep(hold)
	d.mu.Lock()
	defer d.mu.Unlock()
	switch a {
	case PumpPlus:
		d.freq++
	case PumpMinus:
		if d.freq > 0 {
			d.freq--
		}
	}
	return nil
}

func (d *Demo) ReadPressure() (PressureSample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return PressureSample{}, ErrNotConnected
	}

	flowOpen := d.states[Valve1] && d.states[Valve3] ||
		d.states[Valve2] && d.states[Valve4]
	if d.states[PumpStart] && flowOpen {
		target := float64(d.freq) * 0.06 * d.cal.MaxPressure / 6
		if target > d.cal.MaxPressure {
			target = d.cal.MaxPressure
		}
		d.pressure += (target - d.pressure) * 0.5
	} else {
		d.pressure *= 0.7 // bleed off
	}

	v := d.pressure + rand.Float64()*0.02
	if v < 0 {
		v = 0
	}
	return PressureSample{
		StepIndex: -1,
		Value:     float64(int(v*100)) / 100,
		Stamp:     time.Now(),
	}, nil
}

func (d *Demo) ActuatorStates() map[Actuator]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[Actuator]bool, len(d.states))
	for a, on := range d.states {
		out[a] = on
	}
	return out
}
