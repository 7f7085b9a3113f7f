package rig

import (
	"fmt"
	"math"
)

// Actuator names a physical output on the rig.
type Actuator string

const (
	Valve1    Actuator = "valve1" // inlet, forward path
	Valve2    Actuator = "valve2" // inlet, reverse path
	Valve3    Actuator = "valve3" // outlet, forward path
	Valve4    Actuator = "valve4" // outlet, reverse path
	PumpStart Actuator = "pumpStart"
	PumpPlus  Actuator = "pumpPlus"  // momentary: raise pump frequency
	PumpMinus Actuator = "pumpMinus" // momentary: lower pump frequency
)

// Actuators lists every output in display order.
var Actuators = []Actuator{Valve1, Valve2, Valve3, Valve4, PumpStart, PumpPlus, PumpMinus}

// ChannelMap fixes the bus addressing of the rig: which device address and
// output channel each actuator lives on, and where the pressure value sits
// in the analog module's response. Immutable for the life of the process.
type ChannelMap struct {
	DOModuleID int `yaml:"do_module_id" json:"doModuleId"` // digital-output unit command ID
	AIModuleID int `yaml:"ai_module_id" json:"aiModuleId"` // analog-input unit command ID
	DOAddress  int `yaml:"do_address" json:"doAddress"`
	AIAddress  int `yaml:"ai_address" json:"aiAddress"`

	Valve1    int `yaml:"valve1" json:"valve1"`
	Valve2    int `yaml:"valve2" json:"valve2"`
	Valve3    int `yaml:"valve3" json:"valve3"`
	Valve4    int `yaml:"valve4" json:"valve4"`
	PumpStart int `yaml:"pump_start" json:"pumpStart"`
	PumpPlus  int `yaml:"pump_plus" json:"pumpPlus"`
	PumpMinus int `yaml:"pump_minus" json:"pumpMinus"`

	// PressureIndex is the whitespace-token position of the pressure value
	// in the analog read response.
	PressureIndex int `yaml:"pressure_index" json:"pressureIndex"`
}

// DefaultChannelMap returns the wiring of the reference rig.
func DefaultChannelMap() ChannelMap {
	return ChannelMap{
		DOModuleID:    0x7050,
		AIModuleID:    0x7017,
		DOAddress:     1,
		AIAddress:     2,
		Valve1:        1,
		Valve2:        4,
		Valve3:        3,
		Valve4:        2,
		PumpStart:     5,
		PumpPlus:      6,
		PumpMinus:     7,
		PressureIndex: 5,
	}
}

// Output returns the DO channel for an actuator.
func (m ChannelMap) Output(a Actuator) (int, error) {
	switch a {
	case Valve1:
		return m.Valve1, nil
	case Valve2:
		return m.Valve2, nil
	case Valve3:
		return m.Valve3, nil
	case Valve4:
		return m.Valve4, nil
	case PumpStart:
		return m.PumpStart, nil
	case PumpPlus:
		return m.PumpPlus, nil
	case PumpMinus:
		return m.PumpMinus, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownActuator, a)
}

// Calibration defines the linear map from the raw current-loop reading to
// pressure units.
type Calibration struct {
	MinCurrentMA float64 `yaml:"min_current_ma" json:"minCurrentMa"`
	MaxCurrentMA float64 `yaml:"max_current_ma" json:"maxCurrentMa"`
	MinPressure  float64 `yaml:"min_pressure" json:"minPressure"`
	MaxPressure  float64 `yaml:"max_pressure" json:"maxPressure"`
}

// DefaultCalibration returns the reference sensor's calibration.
func DefaultCalibration() Calibration {
	return Calibration{
		MinCurrentMA: 3.86,
		MaxCurrentMA: 19.368,
		MinPressure:  0,
		MaxPressure:  6,
	}
}

// Validate rejects a calibration with a degenerate current span.
func (c Calibration) Validate() error {
	if c.MaxCurrentMA <= c.MinCurrentMA {
		return fmt.Errorf("rig: calibration max current %.3f must exceed min %.3f",
			c.MaxCurrentMA, c.MinCurrentMA)
	}
	return nil
}

// Pressure converts a raw current-loop reading to engineering units, rounded
// to 2 decimal places. The absolute value tolerates readings slightly below
// the calibrated minimum (instrument noise) without going negative.
func (c Calibration) Pressure(raw float64) float64 {
	p := math.Abs(raw-c.MinCurrentMA) * (c.MaxPressure - c.MinPressure) / (c.MaxCurrentMA - c.MinCurrentMA)
	return math.Round(p*100) / 100
}
