package engine

import (
	"math"
	"sort"

	"github.com/verdant-labs/hlpd/internal/hlp"
)

// IntensityToVoltage maps a 0-100 intensity onto the configured drive
// voltage. With InverseLogic set, 0 intensity drives full voltage and 100
// drives minimum (some ballasts dim that way round). Output is always
// clamped to [VoltageMin, VoltageMax].
func IntensityToVoltage(cfg *hlp.DimmingConfig, intensity float64) float64 {
	i := clamp(intensity, 0, 100)
	if cfg.InverseLogic {
		i = 100 - i
	}

	span := cfg.VoltageMax - cfg.VoltageMin
	var v float64
	switch cfg.Curve {
	case hlp.CurveLogarithmic:
		// Perceptual curve: log10 over a decade, so 100% lands on max.
		v = cfg.VoltageMin + span*math.Log10(1+9*i/100)
	case hlp.CurveSquare:
		v = cfg.VoltageMin + span*(i/100)*(i/100)
	case hlp.CurveCustom:
		v = customCurve(cfg.CustomPoints, i)
	default:
		v = cfg.VoltageMin + span*i/100
	}

	return clamp(v, cfg.VoltageMin, cfg.VoltageMax)
}

// customCurve linearly interpolates between the two control points
// bracketing the intensity. Outside the defined range, the nearest
// endpoint's voltage holds.
func customCurve(points []hlp.CurvePoint, intensity float64) float64 {
	if len(points) == 0 {
		return 0
	}
	sorted := make([]hlp.CurvePoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(a, b int) bool {
		return sorted[a].Intensity < sorted[b].Intensity
	})

	if intensity <= sorted[0].Intensity {
		return sorted[0].Voltage
	}
	last := sorted[len(sorted)-1]
	if intensity >= last.Intensity {
		return last.Voltage
	}
	for i := 1; i < len(sorted); i++ {
		if intensity <= sorted[i].Intensity {
			lo, hi := sorted[i-1], sorted[i]
			p := (intensity - lo.Intensity) / (hi.Intensity - lo.Intensity)
			return lerp(lo.Voltage, hi.Voltage, p)
		}
	}
	return last.Voltage
}
