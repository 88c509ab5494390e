// Package runner drives schedules: it periodically evaluates the
// interpolation engine and pushes the resulting spectrum to every assigned
// device through the client. The engine itself holds no timers; this is
// the caller that polls it.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/verdant-labs/hlpd/internal/client"
	"github.com/verdant-labs/hlpd/internal/config"
	"github.com/verdant-labs/hlpd/internal/engine"
	"github.com/verdant-labs/hlpd/internal/hlp"
)

// Runner evaluates configured schedules on a fixed interval.
type Runner struct {
	cfg       config.RunnerConfig
	client    *client.Client
	limiter   *rate.Limiter
	schedules map[string]*hlp.Schedule
}

// New creates a runner over the given client.
func New(cfg config.RunnerConfig, cl *client.Client) *Runner {
	schedules := make(map[string]*hlp.Schedule, len(cfg.Schedules))
	for i := range cfg.Schedules {
		schedules[cfg.Schedules[i].ID] = &cfg.Schedules[i]
	}
	return &Runner{
		cfg:       cfg,
		client:    cl,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), int(cfg.RateLimitRPS)),
		schedules: schedules,
	}
}

// Run executes the evaluation loop until the context is cancelled. The
// first pass runs immediately so fixtures reach their target state right
// after startup instead of one interval later.
func (r *Runner) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", r.cfg.Interval.Duration()).
		Int("schedules", len(r.schedules)).
		Int("assignments", len(r.cfg.Assignments)).
		Msg("Schedule runner started")

	r.tick(ctx, time.Now())

	ticker := time.NewTicker(r.cfg.Interval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Schedule runner stopping")
			return nil
		case now := <-ticker.C:
			r.tick(ctx, now)
		}
	}
}

// tick evaluates every assignment once and pushes the results.
func (r *Runner) tick(ctx context.Context, now time.Time) {
	for _, assignment := range r.cfg.Assignments {
		sched := r.schedules[assignment.ScheduleID]
		exec := engine.Evaluate(sched, now)
		if exec == nil {
			continue
		}

		log.Debug().
			Str("schedule", assignment.ScheduleID).
			Str("setpoint", exec.ActiveName).
			Bool("transitioning", exec.Transitioning).
			Float64("intensity", exec.Intensity).
			Msg("Schedule evaluated")

		for _, deviceID := range assignment.DeviceIDs {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
			r.push(deviceID, assignment.ScheduleID, exec)
		}
	}
}

// push sends one evaluation result to one device. Failures are logged and
// swallowed: the next tick retries naturally, and a device that is not
// discovered yet is simply not pushable.
func (r *Runner) push(deviceID, scheduleID string, exec *engine.Execution) {
	intensity := exec.Intensity
	err := r.client.SetSpectrum(deviceID, exec.Spectrum, &intensity, 0)
	if err == nil {
		return
	}
	if errors.Is(err, client.ErrUnknownDevice) {
		log.Debug().Str("device_id", deviceID).Str("schedule", scheduleID).Msg("Device not discovered yet, skipping push")
		return
	}
	log.Warn().Err(err).Str("device_id", deviceID).Str("schedule", scheduleID).Msg("Failed to push schedule state")
}
