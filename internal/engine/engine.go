// Package engine computes the instantaneous target state of a lighting
// schedule. Evaluate is a pure function of (schedule, instant); it holds no
// timers and no state. A caller polls it periodically and pushes the result
// to devices over the command transport.
package engine

import (
	"math"
	"time"

	"github.com/verdant-labs/hlpd/internal/hlp"
)

// Execution is the engine's instantaneous output for one schedule.
type Execution struct {
	ActiveSetpoint int                         // index into Schedule.Setpoints
	ActiveName     string                      // name of the active setpoint
	Transitioning  bool                        // inside a transition window
	Progress       float64                     // transition progress, 0-1
	Spectrum       map[hlp.ChannelType]float64 // 0-100 per band
	Intensity      float64                     // 0-100 master
	ActiveEvent    hlp.EventType               // overlay in effect, "" for none
	NextTime       hlp.TimeOfDay               // time of the upcoming setpoint
	NextName       string
	// Voltages maps each band's effective output through the schedule's
	// dimming config. Nil when the schedule has none.
	Voltages map[hlp.ChannelType]float64
}

// minuteOfDay converts a wall-clock instant to fractional minutes since
// midnight in its own location.
func minuteOfDay(at time.Time) float64 {
	return float64(at.Hour()*60+at.Minute()) + float64(at.Second())/60 +
		float64(at.Nanosecond())/float64(time.Minute)
}

// cyclicMinutes returns the forward distance from a to b on the 24h dial.
func cyclicMinutes(from, to float64) float64 {
	d := math.Mod(to-from, hlp.MinutesPerDay)
	if d < 0 {
		d += hlp.MinutesPerDay
	}
	return d
}

// Evaluate computes the target output of a schedule at the given instant.
// It returns nil when the schedule is disabled, has no setpoints, or does
// not repeat on the instant's weekday.
func Evaluate(schedule *hlp.Schedule, at time.Time) *Execution {
	if schedule == nil || !schedule.Enabled || len(schedule.Setpoints) == 0 {
		return nil
	}
	if !schedule.ActiveOn(at.Weekday()) {
		return nil
	}

	now := minuteOfDay(at)
	activeIdx := activeSetpoint(schedule.Setpoints, now)
	nextIdx := (activeIdx + 1) % len(schedule.Setpoints)
	active := schedule.Setpoints[activeIdx]
	next := schedule.Setpoints[nextIdx]

	exec := &Execution{
		ActiveSetpoint: activeIdx,
		ActiveName:     active.Name,
		NextTime:       next.Time,
		NextName:       next.Name,
	}

	// The transition window is the TransitionMinutes interval ending at the
	// next setpoint's time. Inside it, output is a linear cross-fade from
	// the active setpoint to the next; outside, the active setpoint holds
	// flat. At the instant the window closes the next setpoint becomes
	// active with identical values, so output is continuous.
	untilNext := cyclicMinutes(now, float64(next.Time))
	trans := float64(next.TransitionMinutes)
	if trans > 0 && untilNext > 0 && untilNext <= trans {
		exec.Transitioning = true
		exec.Progress = clamp((trans-untilNext)/trans, 0, 1)
		exec.Spectrum = lerpSpectrum(active.Spectrum, next.Spectrum, exec.Progress)
		exec.Intensity = lerp(active.Intensity, next.Intensity, exec.Progress)
	} else {
		exec.Spectrum = copySpectrum(active.Spectrum)
		exec.Intensity = active.Intensity
	}

	applyEvents(schedule.Events, now, exec)

	if schedule.Dimming != nil {
		exec.Voltages = make(map[hlp.ChannelType]float64, len(exec.Spectrum))
		for band, value := range exec.Spectrum {
			effective := value * exec.Intensity / 100
			exec.Voltages[band] = IntensityToVoltage(schedule.Dimming, effective)
		}
	}

	return exec
}

// activeSetpoint finds the latest setpoint whose time is <= now. Before the
// first setpoint of the day, the last one (still running from the previous
// day) is active.
func activeSetpoint(setpoints []hlp.Setpoint, now float64) int {
	active := len(setpoints) - 1
	for i, sp := range setpoints {
		if float64(sp.Time) <= now {
			active = i
		} else {
			break
		}
	}
	return active
}

// eventPriority orders overlays; the highest-priority event whose window
// contains the instant wins outright.
var eventPriority = map[hlp.EventType]int{
	hlp.EventSunrise:           1,
	hlp.EventSunset:            2,
	hlp.EventEODFarRed:         3,
	hlp.EventNightInterruption: 4,
}

// applyEvents overlays special events onto the base interpolation. Exactly
// one event applies at a time: the active one with the highest priority.
// Bands the event's spectrum names are replaced; unnamed bands pass through.
func applyEvents(events []hlp.SpecialEvent, now float64, exec *Execution) {
	var winner *hlp.SpecialEvent
	var winnerElapsed float64
	for i := range events {
		ev := &events[i]
		if ev.DurationMinutes <= 0 {
			continue
		}
		elapsed := cyclicMinutes(float64(ev.Start), now)
		if elapsed >= float64(ev.DurationMinutes) {
			continue
		}
		if winner == nil || eventPriority[ev.Type] > eventPriority[winner.Type] {
			winner = ev
			winnerElapsed = elapsed
		}
	}
	if winner == nil {
		return
	}

	exec.ActiveEvent = winner.Type
	frac := winnerElapsed / float64(winner.DurationMinutes)

	switch winner.Type {
	case hlp.EventSunrise:
		// Ramp up from dark to the event intensity across the window.
		exec.Intensity = winner.Intensity * frac
	case hlp.EventSunset:
		// Ramp down to dark across the window.
		exec.Intensity = winner.Intensity * (1 - frac)
	default:
		exec.Intensity = winner.Intensity
	}

	spectrum := winner.Spectrum
	if len(spectrum) == 0 && winner.Type == hlp.EventEODFarRed {
		spectrum = map[hlp.ChannelType]float64{hlp.ChannelFarRed: 100}
	}
	if len(spectrum) > 0 {
		out := make(map[hlp.ChannelType]float64, len(exec.Spectrum)+len(spectrum))
		for band, v := range exec.Spectrum {
			out[band] = v
		}
		for band, v := range spectrum {
			out[band] = v
		}
		exec.Spectrum = out
	}
}

// lerpSpectrum interpolates two spectra band by band. A band present on
// only one side counts as 0 on the other.
func lerpSpectrum(from, to map[hlp.ChannelType]float64, p float64) map[hlp.ChannelType]float64 {
	out := make(map[hlp.ChannelType]float64, len(from)+len(to))
	for band, a := range from {
		out[band] = lerp(a, to[band], p)
	}
	for band, b := range to {
		if _, seen := from[band]; !seen {
			out[band] = lerp(0, b, p)
		}
	}
	return out
}

func copySpectrum(in map[hlp.ChannelType]float64) map[hlp.ChannelType]float64 {
	out := make(map[hlp.ChannelType]float64, len(in))
	for band, v := range in {
		out[band] = v
	}
	return out
}

func lerp(a, b, p float64) float64 {
	return a + (b-a)*p
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
