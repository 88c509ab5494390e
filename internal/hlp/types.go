// Package hlp defines the Horticulture Lighting Protocol data model and the
// shared wire codec used by both the client and the device simulator.
package hlp

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Well-known ports. Discovery runs over UDP, commands over TCP.
const (
	DefaultDiscoveryPort = 50000
	DefaultCommandPort   = 50001
	DefaultMulticastAddr = "239.255.255.250"
)

// ChannelType identifies the spectral band a channel drives.
type ChannelType string

const (
	ChannelRed       ChannelType = "RED"
	ChannelBlue      ChannelType = "BLUE"
	ChannelGreen     ChannelType = "GREEN"
	ChannelFarRed    ChannelType = "FAR_RED"
	ChannelUV        ChannelType = "UV"
	ChannelWhite     ChannelType = "WHITE"
	ChannelWarmWhite ChannelType = "WARM_WHITE"
	ChannelCoolWhite ChannelType = "COOL_WHITE"
)

// ChannelTypes lists all known spectral bands.
var ChannelTypes = []ChannelType{
	ChannelRed, ChannelBlue, ChannelGreen, ChannelFarRed,
	ChannelUV, ChannelWhite, ChannelWarmWhite, ChannelCoolWhite,
}

// Valid reports whether t is a known channel type.
func (t ChannelType) Valid() bool {
	for _, known := range ChannelTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Channel is one independently dimmable output of a fixture.
// ActualPower lags TargetPower while a ramp is in flight.
type Channel struct {
	ID          int         `json:"channel_id" yaml:"channel_id"`
	Type        ChannelType `json:"type" yaml:"type"`
	Intensity   float64     `json:"intensity" yaml:"intensity"` // 0-100
	TargetPower float64     `json:"target_power" yaml:"target_power"`
	ActualPower float64     `json:"actual_power" yaml:"actual_power"`
	MaxPower    float64     `json:"max_power" yaml:"max_power"` // watts at 100%
}

// DeviceStatus is the coarse health state of a device.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
	StatusError   DeviceStatus = "error"
)

// Capabilities advertises what a fixture supports.
type Capabilities struct {
	MaxChannels  int           `json:"max_channels" yaml:"max_channels"`
	ChannelTypes []ChannelType `json:"channel_types" yaml:"channel_types"`
	Dimming      bool          `json:"dimming" yaml:"dimming"`
	Scheduling   bool          `json:"scheduling" yaml:"scheduling"`
	Grouping     bool          `json:"grouping" yaml:"grouping"`
	MaxGroups    int           `json:"max_groups" yaml:"max_groups"`
	MaxSchedules int           `json:"max_schedules" yaml:"max_schedules"`
}

// Device is a discovered or provisioned lighting endpoint.
type Device struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Manufacturer string       `json:"manufacturer"`
	Model        string       `json:"model"`
	Serial       string       `json:"serial"`
	Firmware     string       `json:"firmware"`
	Address      string       `json:"address"`
	CommandPort  int          `json:"command_port"`
	Status       DeviceStatus `json:"status"`
	Capabilities Capabilities `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Channels     []Channel    `json:"channels"`
}

// TimeOfDay is minutes since midnight. It marshals as "HH:MM" so schedules
// stay readable in YAML and on the wire.
type TimeOfDay int

// MinutesPerDay is the modulus for all time-of-day arithmetic.
const MinutesPerDay = 24 * 60

// ParseTimeOfDay parses "HH:MM" into minutes since midnight.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	return TimeOfDay(h*60 + m), nil
}

// String renders the time as "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// MarshalText implements encoding.TextMarshaler.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler; the yaml package does not consult
// encoding.TextMarshaler.
func (t TimeOfDay) MarshalYAML() (any, error) {
	return t.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *TimeOfDay) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return t.UnmarshalText([]byte(s))
}

// Setpoint is one scheduled target within a daily program.
type Setpoint struct {
	Time              TimeOfDay               `json:"time" yaml:"time"`
	Name              string                  `json:"name,omitempty" yaml:"name,omitempty"`
	Spectrum          map[ChannelType]float64 `json:"spectrum" yaml:"spectrum"`   // 0-100 per band
	Intensity         float64                 `json:"intensity" yaml:"intensity"` // 0-100 master
	TransitionMinutes int                     `json:"transition_minutes" yaml:"transition_minutes"`
}

// EventType names a schedule overlay.
type EventType string

const (
	EventSunrise           EventType = "sunrise"
	EventSunset            EventType = "sunset"
	EventEODFarRed         EventType = "eod_far_red"
	EventNightInterruption EventType = "night_interruption"
)

// SpecialEvent is a time-windowed overlay applied on top of the base
// setpoint interpolation. When overlays overlap, the highest-priority
// active one wins: night_interruption > eod_far_red > sunset > sunrise.
type SpecialEvent struct {
	Type            EventType               `json:"type" yaml:"type"`
	Start           TimeOfDay               `json:"start" yaml:"start"`
	DurationMinutes int                     `json:"duration_minutes" yaml:"duration_minutes"`
	Intensity       float64                 `json:"intensity" yaml:"intensity"`
	Spectrum        map[ChannelType]float64 `json:"spectrum,omitempty" yaml:"spectrum,omitempty"`
}

// CurveType selects the dimming transfer function.
type CurveType string

const (
	CurveLinear      CurveType = "linear"
	CurveLogarithmic CurveType = "logarithmic"
	CurveSquare      CurveType = "square"
	CurveCustom      CurveType = "custom"
)

// CurvePoint is one control point of a custom dimming curve.
type CurvePoint struct {
	Intensity float64 `json:"intensity" yaml:"intensity"`
	Voltage   float64 `json:"voltage" yaml:"voltage"`
}

// DimmingConfig maps a 0-100 intensity onto a physical drive voltage.
type DimmingConfig struct {
	Curve        CurveType    `json:"curve" yaml:"curve"`
	VoltageMin   float64      `json:"voltage_min" yaml:"voltage_min"`
	VoltageMax   float64      `json:"voltage_max" yaml:"voltage_max"`
	InverseLogic bool         `json:"inverse_logic" yaml:"inverse_logic"`
	CustomPoints []CurvePoint `json:"custom_points,omitempty" yaml:"custom_points,omitempty"`
}

// Schedule is a named daily lighting program. Setpoints must be ordered by
// time of day; the last setpoint transitions into the first one of the next
// day.
type Schedule struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Enabled    bool           `json:"enabled" yaml:"enabled"`
	Setpoints  []Setpoint     `json:"setpoints" yaml:"setpoints"`
	RepeatDays []time.Weekday `json:"repeat_days,omitempty" yaml:"repeat_days,omitempty"` // empty = every day
	Events     []SpecialEvent `json:"events,omitempty" yaml:"events,omitempty"`
	Dimming    *DimmingConfig `json:"dimming,omitempty" yaml:"dimming,omitempty"`
}

// ActiveOn reports whether the schedule runs on the given weekday.
func (s *Schedule) ActiveOn(day time.Weekday) bool {
	if len(s.RepeatDays) == 0 {
		return true
	}
	for _, d := range s.RepeatDays {
		if d == day {
			return true
		}
	}
	return false
}

// Group is a named set of devices with target per-band intensities.
type Group struct {
	ID          string                  `json:"id" yaml:"id"`
	Name        string                  `json:"name" yaml:"name"`
	DeviceIDs   []string                `json:"device_ids" yaml:"device_ids"`
	Intensities map[ChannelType]float64 `json:"intensities" yaml:"intensities"`
}
