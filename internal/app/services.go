package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/verdant-labs/hlpd/internal/client"
	"github.com/verdant-labs/hlpd/internal/config"
	"github.com/verdant-labs/hlpd/internal/eventbus"
	"github.com/verdant-labs/hlpd/internal/runner"
	"github.com/verdant-labs/hlpd/internal/sim"
)

// Services is a container for all application services. It manages
// initialization order and dependencies.
type Services struct {
	cfg *config.Config

	Bus    *eventbus.Bus
	Client *client.Client

	// Simulator side (optional)
	Store     *sim.Store
	Sims      []*sim.Simulator
	Responder *sim.Responder

	// Schedule runner (optional)
	Runner *runner.Runner

	Health *HealthService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	s.Client = client.New(cfg.Discovery, cfg.Command, s.Bus)

	if cfg.Simulator.Enabled {
		if cfg.Simulator.StatePath != "" {
			store, err := sim.OpenStore(cfg.Simulator.StatePath)
			if err != nil {
				s.Close()
				return nil, err
			}
			s.Store = store
		}
		for _, dev := range cfg.Simulator.Devices {
			s.Sims = append(s.Sims, sim.New(dev, s.Store))
		}
		s.Responder = sim.NewResponder(cfg.Discovery, s.Sims)
	}

	if cfg.Runner.Enabled {
		s.Runner = runner.New(cfg.Runner, s.Client)
	}

	s.Health = NewHealthService(cfg, s.Client)

	return s, nil
}

// Start starts all services in dependency order: simulated devices before
// the client, so the first discovery probe already finds them.
func (s *Services) Start(ctx context.Context) error {
	for _, device := range s.Sims {
		if err := device.Start(ctx); err != nil {
			return err
		}
	}
	if s.Responder != nil {
		if err := s.Responder.Start(ctx); err != nil {
			return err
		}
	}

	if err := s.Client.Start(ctx); err != nil {
		return err
	}

	if s.Runner != nil {
		go func() {
			if err := s.Runner.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Schedule runner exited with error")
			}
		}()
	}

	s.Health.Start(ctx)
	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources in reverse start order.
func (s *Services) Close() {
	if s.Client != nil {
		s.Client.Stop()
	}
	if s.Responder != nil {
		s.Responder.Stop()
	}
	for _, device := range s.Sims {
		device.Stop()
	}
	if s.Store != nil {
		s.Store.Close()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		defer cancel()
		s.Bus.Close(ctx)
	}
}
