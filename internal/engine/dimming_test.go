package engine

import (
	"testing"

	"github.com/verdant-labs/hlpd/internal/hlp"
)

func TestIntensityToVoltage_Linear(t *testing.T) {
	cfg := &hlp.DimmingConfig{Curve: hlp.CurveLinear, VoltageMin: 1, VoltageMax: 10}

	cases := []struct {
		intensity float64
		want      float64
	}{
		{0, 1},
		{50, 5.5},
		{100, 10},
		{-10, 1},  // clamped input
		{150, 10}, // clamped input
	}
	for _, tc := range cases {
		if got := IntensityToVoltage(cfg, tc.intensity); !almostEqual(got, tc.want) {
			t.Errorf("linear(%v) = %v, want %v", tc.intensity, got, tc.want)
		}
	}
}

func TestIntensityToVoltage_InverseLogic(t *testing.T) {
	cfg := &hlp.DimmingConfig{
		Curve: hlp.CurveLinear, VoltageMin: 1, VoltageMax: 10, InverseLogic: true,
	}
	if got := IntensityToVoltage(cfg, 100); !almostEqual(got, 1) {
		t.Errorf("inverse(100) = %v, want 1", got)
	}
	if got := IntensityToVoltage(cfg, 0); !almostEqual(got, 10) {
		t.Errorf("inverse(0) = %v, want 10", got)
	}
}

func TestIntensityToVoltage_Monotonic(t *testing.T) {
	curves := []hlp.CurveType{hlp.CurveLinear, hlp.CurveLogarithmic, hlp.CurveSquare, hlp.CurveCustom}
	points := []hlp.CurvePoint{
		{Intensity: 0, Voltage: 1},
		{Intensity: 40, Voltage: 3},
		{Intensity: 80, Voltage: 8},
		{Intensity: 100, Voltage: 10},
	}

	for _, curve := range curves {
		for _, inverse := range []bool{false, true} {
			cfg := &hlp.DimmingConfig{
				Curve: curve, VoltageMin: 1, VoltageMax: 10,
				InverseLogic: inverse, CustomPoints: points,
			}
			prev := IntensityToVoltage(cfg, 0)
			for i := 1; i <= 100; i++ {
				v := IntensityToVoltage(cfg, float64(i))
				if v < cfg.VoltageMin || v > cfg.VoltageMax {
					t.Fatalf("%s inverse=%v: voltage %v at %d escapes clamp", curve, inverse, v, i)
				}
				if !inverse && v < prev {
					t.Fatalf("%s: voltage decreased at %d (%v -> %v)", curve, i, prev, v)
				}
				if inverse && v > prev {
					t.Fatalf("%s inverse: voltage increased at %d (%v -> %v)", curve, i, prev, v)
				}
				prev = v
			}
		}
	}
}

func TestIntensityToVoltage_LogEndpoints(t *testing.T) {
	cfg := &hlp.DimmingConfig{Curve: hlp.CurveLogarithmic, VoltageMin: 0, VoltageMax: 10}
	if got := IntensityToVoltage(cfg, 0); !almostEqual(got, 0) {
		t.Errorf("log(0) = %v, want 0", got)
	}
	if got := IntensityToVoltage(cfg, 100); !almostEqual(got, 10) {
		t.Errorf("log(100) = %v, want 10", got)
	}
	// Perceptual: midpoint intensity yields more than half the span.
	if got := IntensityToVoltage(cfg, 50); got <= 5 {
		t.Errorf("log(50) = %v, want > 5", got)
	}
}

func TestIntensityToVoltage_CustomCurve(t *testing.T) {
	cfg := &hlp.DimmingConfig{
		Curve: hlp.CurveCustom, VoltageMin: 1, VoltageMax: 10,
		CustomPoints: []hlp.CurvePoint{
			{Intensity: 20, Voltage: 2},
			{Intensity: 60, Voltage: 8},
		},
	}
	// Between control points: linear interpolation.
	if got := IntensityToVoltage(cfg, 40); !almostEqual(got, 5) {
		t.Errorf("custom(40) = %v, want 5", got)
	}
	// Below the first and above the last point, endpoints hold.
	if got := IntensityToVoltage(cfg, 5); !almostEqual(got, 2) {
		t.Errorf("custom(5) = %v, want 2", got)
	}
	if got := IntensityToVoltage(cfg, 90); !almostEqual(got, 8) {
		t.Errorf("custom(90) = %v, want 8", got)
	}
}

func TestIntensityToVoltage_CustomCurveClamped(t *testing.T) {
	// Control points escaping the voltage range are clamped on output.
	cfg := &hlp.DimmingConfig{
		Curve: hlp.CurveCustom, VoltageMin: 2, VoltageMax: 9,
		CustomPoints: []hlp.CurvePoint{
			{Intensity: 0, Voltage: 0},
			{Intensity: 100, Voltage: 12},
		},
	}
	if got := IntensityToVoltage(cfg, 0); !almostEqual(got, 2) {
		t.Errorf("clamped low = %v, want 2", got)
	}
	if got := IntensityToVoltage(cfg, 100); !almostEqual(got, 9) {
		t.Errorf("clamped high = %v, want 9", got)
	}
}
