package rig

import "testing"

func TestCalibration_Pressure(t *testing.T) {
	cal := Calibration{MinCurrentMA: 3.86, MaxCurrentMA: 19.368, MinPressure: 0, MaxPressure: 6}

	tests := []struct {
		name string
		raw  float64
		want float64
	}{
		{"mid-scale reference point", 11.614, 3.00},
		{"at minimum current", 3.86, 0},
		{"at maximum current", 19.368, 6},
		{"slightly below minimum stays non-negative", 3.80, 0.02},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cal.Pressure(tt.raw)
			if got != tt.want {
				t.Errorf("Pressure(%v) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestCalibration_Monotonic(t *testing.T) {
	cal := DefaultCalibration()

	prev := cal.Pressure(cal.MinCurrentMA)
	for raw := cal.MinCurrentMA; raw <= cal.MaxCurrentMA; raw += 0.25 {
		p := cal.Pressure(raw)
		if p < prev {
			t.Fatalf("Pressure not monotonic: %v at raw %v after %v", p, raw, prev)
		}
		prev = p
	}
}

func TestCalibration_Validate(t *testing.T) {
	bad := Calibration{MinCurrentMA: 4, MaxCurrentMA: 4, MinPressure: 0, MaxPressure: 6}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for degenerate current span")
	}
	if err := DefaultCalibration().Validate(); err != nil {
		t.Errorf("default calibration rejected: %v", err)
	}
}
