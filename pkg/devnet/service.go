package devnet

import (
	"github.com/rs/zerolog"

	"github.com/gridworks/gridbox/pkg/devcfg"
	"github.com/gridworks/gridbox/pkg/events"
	"github.com/gridworks/gridbox/pkg/hal"
	"github.com/gridworks/gridbox/pkg/log"
)

// Factory builds the runtime implementation for a coordinator id.
type Factory func(cid string, registry *hal.Registry, bus *events.Bus, opts Options) Runtime

// GenericFactory builds the default coordinator runtime, suitable when
// the device drivers handle the communications with the equipments on
// their own.
func GenericFactory(cid string, registry *hal.Registry, bus *events.Bus, opts Options) Runtime {
	return NewCoordinator(cid, registry, bus, opts)
}

// Service is the device network service: the container of the
// coordinator runtimes built from the devices network configuration.
//
// It can be created for a restricted set of coordinator types, giving
// the ability to run independent sub-networks: only the coordinators
// whose type has a registered factory are taken in account, which lets
// each sub-system pick the equipments it knows how to handle.
type Service struct {
	name      string
	bus       *events.Bus
	registry  *hal.Registry
	opts      Options
	factories map[string]Factory
	logger    zerolog.Logger

	runtimes []Runtime
	loaded   bool
}

// NewService creates the service container. The factories map
// associates each supported coordinator type with the runtime
// implementation to use for it.
func NewService(name string, bus *events.Bus, registry *hal.Registry, opts Options, factories map[string]Factory) *Service {
	return &Service{
		name:      name,
		bus:       bus,
		registry:  registry,
		opts:      opts,
		factories: factories,
		logger:    log.WithComponent(name),
	}
}

// Name returns the service name, as reported on the framework channel.
func (s *Service) Name() string {
	return s.name
}

// Runtimes returns the loaded coordinator runtimes.
func (s *Service) Runtimes() []Runtime {
	return s.runtimes
}

// LoadConfiguration creates a runtime for each coordinator of the
// configuration we have an implementation for, and loads its devices.
// It can only be called once. A coordinator failing to load is logged
// and skipped without bringing down its siblings.
func (s *Service) LoadConfiguration(cfg *devcfg.Config) error {
	if s.loaded {
		return networkError("service %s configuration already loaded", s.name)
	}

	for _, cid := range cfg.Coordinators() {
		coord, err := cfg.Coordinator(cid)
		if err != nil {
			continue
		}
		factory, ok := s.factories[coord.Type]
		if !ok {
			continue
		}

		runtime := factory(cid, s.registry, s.bus, s.opts)
		if err := runtime.LoadConfiguration(coord); err != nil {
			s.logger.Error().Err(err).Str("coordinator", cid).
				Msg("cannot load coordinator configuration, skipped")
			continue
		}
		s.runtimes = append(s.runtimes, runtime)
	}

	if len(s.runtimes) == 0 {
		s.logger.Warn().Msg("no matching coordinator found in configuration data")
	}
	s.loaded = true
	return nil
}

// Start starts every coordinator runtime, reporting the service state
// transitions on the framework channel. A coordinator failing to start
// does not prevent its siblings from running.
func (s *Service) Start() error {
	events.EmitServiceState(s.bus, s.name, events.SvcStarting)

	started := 0
	for _, runtime := range s.runtimes {
		if err := runtime.Start(); err != nil {
			s.logger.Error().Err(err).Str("coordinator", runtime.ID()).
				Msg("coordinator failed to start")
			continue
		}
		started++
	}

	if started == 0 && len(s.runtimes) > 0 {
		events.EmitServiceState(s.bus, s.name, events.SvcAborting)
		return networkError("service %s: no coordinator could be started", s.name)
	}

	events.EmitServiceState(s.bus, s.name, events.SvcRunning)
	s.logger.Info().Int("coordinators", started).Msg("service started")
	return nil
}

// Stop stops every coordinator runtime.
func (s *Service) Stop() {
	events.EmitServiceState(s.bus, s.name, events.SvcStopping)

	for _, runtime := range s.runtimes {
		runtime.Stop()
	}

	events.EmitServiceState(s.bus, s.name, events.SvcStopped)
	s.logger.Info().Msg("service stopped")
}
