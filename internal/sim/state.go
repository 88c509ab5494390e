package sim

import (
	"sync"
	"time"

	"github.com/verdant-labs/hlpd/internal/hlp"
)

// state is the authoritative per-device channel/schedule/group state.
// Ramp completion runs on timers, so every access goes through the mutex.
type state struct {
	mu        sync.Mutex
	channels  []hlp.Channel
	ramps     map[int]*time.Timer // channel id -> pending ramp completion
	schedules map[string]hlp.Schedule
	groups    map[string]hlp.Group
}

func newState(channels []hlp.Channel) *state {
	return &state{
		channels:  channels,
		ramps:     make(map[int]*time.Timer),
		schedules: make(map[string]hlp.Schedule),
		groups:    make(map[string]hlp.Group),
	}
}

// setIntensity applies a new intensity to one channel. TargetPower moves
// immediately; ActualPower follows after the ramp delay. A second update
// during an in-flight ramp stops the pending timer and supersedes it, so
// the last write always wins. Returns false for an unknown channel id.
func (s *state) setIntensity(channelID int, intensity, rampSeconds float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.channels {
		if s.channels[i].ID == channelID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	if intensity < 0 {
		intensity = 0
	} else if intensity > 100 {
		intensity = 100
	}

	ch := &s.channels[idx]
	ch.Intensity = intensity
	ch.TargetPower = intensity / 100 * ch.MaxPower

	if pending, ok := s.ramps[channelID]; ok {
		pending.Stop()
		delete(s.ramps, channelID)
	}

	if rampSeconds <= 0 {
		ch.ActualPower = ch.TargetPower
		return true
	}

	var timer *time.Timer
	timer = time.AfterFunc(time.Duration(rampSeconds*float64(time.Second)), func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// Only the still-registered timer may complete; a superseded ramp
		// that fired while waiting on the lock must not touch the channel.
		if s.ramps[channelID] != timer {
			return
		}
		delete(s.ramps, channelID)
		s.channels[idx].ActualPower = s.channels[idx].TargetPower
	})
	s.ramps[channelID] = timer
	return true
}

// setSpectrum applies per-band values, addressing channels by type. An
// optional master intensity scales every band.
func (s *state) setSpectrum(spectrum map[hlp.ChannelType]float64, master *float64, rampSeconds float64) {
	s.mu.Lock()
	ids := make(map[int]float64)
	for i := range s.channels {
		value, ok := spectrum[s.channels[i].Type]
		if !ok {
			continue
		}
		if master != nil {
			value = value * *master / 100
		}
		ids[s.channels[i].ID] = value
	}
	s.mu.Unlock()

	for id, value := range ids {
		s.setIntensity(id, value, rampSeconds)
	}
}

// snapshot copies the channel list for a status reply.
func (s *state) snapshot() (channels []hlp.Channel, totalPower float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels = make([]hlp.Channel, len(s.channels))
	copy(channels, s.channels)
	for i := range channels {
		totalPower += channels[i].ActualPower
	}
	return channels, totalPower
}

func (s *state) upsertSchedule(sched hlp.Schedule) {
	s.mu.Lock()
	s.schedules[sched.ID] = sched
	s.mu.Unlock()
}

func (s *state) upsertGroup(group hlp.Group) {
	s.mu.Lock()
	s.groups[group.ID] = group
	s.mu.Unlock()
}

func (s *state) counts() (schedules, groups int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.schedules), len(s.groups)
}

// stopRamps cancels every pending ramp timer; used on shutdown.
func (s *state) stopRamps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.ramps {
		timer.Stop()
		delete(s.ramps, id)
	}
}
