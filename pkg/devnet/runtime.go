package devnet

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridworks/gridbox/pkg/devcfg"
	"github.com/gridworks/gridbox/pkg/events"
	"github.com/gridworks/gridbox/pkg/hal"
	"github.com/gridworks/gridbox/pkg/log"
	"github.com/gridworks/gridbox/pkg/metrics"
	"github.com/gridworks/gridbox/pkg/period"
)

// DefaultPollPeriod is the polling period applied when a device does
// not configure one, or configures an unparsable one.
const DefaultPollPeriod = 1 * time.Second

// DefaultTaskTriggerCheckingPeriod is the pace at which the polling
// worker checks the schedule queue for due tasks.
const DefaultTaskTriggerCheckingPeriod = 1 * time.Second

// Options tunes a coordinator runtime.
type Options struct {
	// StatsDir is the directory receiving the polling statistics
	// checkpoints. Empty disables persistence.
	StatsDir string

	// TaskTriggerCheckingPeriod overrides the schedule checking pace.
	TaskTriggerCheckingPeriod time.Duration
}

func (o Options) checkingPeriod() time.Duration {
	if o.TaskTriggerCheckingPeriod > 0 {
		return o.TaskTriggerCheckingPeriod
	}
	return DefaultTaskTriggerCheckingPeriod
}

// Runtime is the common lifecycle of a coordinator runtime, as driven
// by the device network service. The lifecycle is two-phase: the
// configuration is loaded once, then the runtime is started once and
// stopped once. A stopped runtime is not restartable; the supervisor
// re-spawns the whole service instead.
type Runtime interface {
	ID() string
	LoadConfiguration(cfg *devcfg.Coordinator) error
	Start() error
	Stop()
}

// deviceEntry gathers everything related to one loaded device.
type deviceEntry struct {
	id     string
	cfg    *devcfg.Device
	driver hal.Driver
}

// Coordinator is the runtime in charge of one sub-network coordinator.
//
// It provides the generic scheduling of the device polls; coordinator
// families needing centralized communications embed it and add their
// transport handling (see SerialCoordinator).
type Coordinator struct {
	cid      string
	registry *hal.Registry
	bus      *events.Bus
	opts     Options
	logger   zerolog.Logger

	cfg     *devcfg.Coordinator
	devices map[string]*deviceEntry

	sensor  *events.Channel
	worker  *pollWorker
	loaded  bool
	started bool

	stopping atomic.Bool
}

// NewCoordinator creates the runtime for a coordinator id.
func NewCoordinator(cid string, registry *hal.Registry, bus *events.Bus, opts Options) *Coordinator {
	return &Coordinator{
		cid:      cid,
		registry: registry,
		bus:      bus,
		opts:     opts,
		logger:   log.WithCoordinator(cid),
		devices:  make(map[string]*deviceEntry),
	}
}

// ID returns the coordinator id.
func (c *Coordinator) ID() string {
	return c.cid
}

// Config returns the loaded coordinator configuration.
func (c *Coordinator) Config() *devcfg.Coordinator {
	return c.cfg
}

// LoadConfiguration processes the configuration of the coordinator and
// instantiates the drivers of its enabled devices. It can only be
// called once.
func (c *Coordinator) LoadConfiguration(cfg *devcfg.Coordinator) error {
	if c.loaded {
		return networkError("coordinator %s configuration already loaded", c.cid)
	}
	if cfg == nil {
		return networkError("coordinator %s: configuration cannot be nil", c.cid)
	}

	c.logger.Info().Msg("loading configuration...")
	c.cfg = cfg
	c.configureDevices()
	c.loaded = true
	c.logger.Info().Int("devices", len(c.devices)).Msg("configuration loaded")
	return nil
}

// configureDevices builds a driver instance for each enabled device. A
// device whose driver cannot be found or constructed is skipped with a
// logged error; the runtime continues with the others.
func (c *Coordinator) configureDevices() {
	for _, dev := range c.cfg.Devices() {
		if !dev.Enabled {
			continue
		}
		id := dev.UID()
		c.logger.Info().Str("device", id).Str("device_type", dev.Type).
			Msg("loading device configuration")

		desc, ok := c.registry.Lookup(dev.Type)
		if !ok {
			c.logger.Error().Str("device", id).Str("device_type", dev.Type).
				Msg("no driver found for device type")
			continue
		}

		driver, err := desc.New(c.cfg, dev, desc)
		if err != nil {
			c.logger.Error().Err(err).Str("device", id).
				Msg("cannot create device driver, device skipped")
			continue
		}
		c.devices[id] = &deviceEntry{id: id, cfg: dev, driver: driver}
	}
	metrics.DevicesConfigured.WithLabelValues(c.cid).Set(float64(len(c.devices)))
}

// Devices returns the ids of the loaded devices.
func (c *Coordinator) Devices() []string {
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// durationSetting parses a period setting of a device, falling back to
// the given default on absent or invalid values.
func (c *Coordinator) durationSetting(devID, name, value string, dflt time.Duration) time.Duration {
	if value == "" {
		c.logger.Info().Str("device", devID).Str("setting", name).
			Dur("default", dflt).Msg("no setting found, defaulted")
		return dflt
	}
	d, err := period.Duration(value)
	if err != nil {
		c.logger.Error().Str("device", devID).Str("setting", name).Str("value", value).
			Dur("default", dflt).Msg("invalid setting value, defaulted")
		return dflt
	}
	return d
}

// buildPollTasks derives the polling task list from the loaded devices,
// sorted by increasing period.
func (c *Coordinator) buildPollTasks() []*pollTask {
	var tasks []*pollTask

	ids := c.Devices()
	for _, id := range ids {
		entry := c.devices[id]
		pollable, ok := entry.driver.(hal.Pollable)
		if !ok {
			c.logger.Info().Str("device", id).Msg("not a polled device")
			continue
		}

		p := c.durationSetting(id, devcfg.PollPeriodAttr, entry.cfg.Polling, DefaultPollPeriod)
		if p < time.Second {
			p = DefaultPollPeriod
		}
		pause := c.durationSetting(id, devcfg.PollPauseAttr, entry.cfg.Pause, 0)

		tasks = append(tasks, &pollTask{entry: entry, driver: pollable, period: p, pause: pause})
	}

	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].period < tasks[j].period })
	return tasks
}

// Start connects to the sensor channel, builds the polling task list
// and spawns the polling worker.
func (c *Coordinator) Start() error {
	if !c.loaded {
		return networkError("coordinator %s not configured", c.cid)
	}
	if c.started {
		c.logger.Warn().Msg("already started")
		return nil
	}

	c.logger.Info().Msg("connecting to event bus...")
	if c.bus == nil {
		return networkError("coordinator %s: event bus not available", c.cid)
	}
	sensor, err := c.bus.Channel(events.SensorChannel)
	if err != nil {
		return networkError("coordinator %s: %v", c.cid, err)
	}
	c.sensor = sensor

	tasks := c.buildPollTasks()
	if len(tasks) == 0 {
		c.logger.Info().Msg("no device to be scheduled")
	} else {
		pollDelay := c.pollReqInterval()
		statsPath := ""
		if c.opts.StatsDir != "" {
			statsPath = StatsFilePath(c.opts.StatsDir, c.cid)
		}
		c.worker = newPollWorker(c, tasks, c.opts.checkingPeriod(), pollDelay, statsPath)
		go c.worker.run()
	}

	c.started = true
	c.logger.Info().Msg("started")
	return nil
}

// pollReqInterval returns the configured delay between successive
// device polls of this coordinator.
func (c *Coordinator) pollReqInterval() time.Duration {
	setting := c.cfg.PollReqInterval()
	if setting == "" {
		c.logger.Warn().Msg("no polling pace delay")
		return 0
	}
	delay, err := period.Duration(setting)
	if err != nil {
		c.logger.Error().Str("value", setting).Msg("invalid polling pace delay, ignored")
		return 0
	}
	c.logger.Info().Dur("delay", delay).Msg("polling pace delay set")
	return delay
}

// Stop terminates the polling worker and releases the bus channel.
// After it returns, no further event from this coordinator is emitted.
func (c *Coordinator) Stop() {
	if !c.started {
		c.logger.Warn().Msg("not started")
		return
	}
	c.stopping.Store(true)

	if c.worker != nil {
		c.worker.terminate()
	}
	for _, entry := range c.devices {
		if pollable, ok := entry.driver.(hal.Pollable); ok {
			pollable.Terminate()
		}
	}
	if c.worker != nil {
		c.worker.join(2 * c.opts.checkingPeriod())
		c.worker = nil
	}

	c.sensor = nil
	c.started = false
	c.logger.Info().Msg("stopped")
}

// emitEvents publishes driver events on the sensor channel. Bus errors
// are logged and swallowed, unless a termination has been requested in
// which case they are ignored entirely.
func (c *Coordinator) emitEvents(evts []events.Event, cancelled func() bool) {
	sensor := c.sensor
	if sensor == nil {
		return
	}
	for _, evt := range evts {
		if cancelled != nil && cancelled() {
			return
		}
		c.logger.Debug().Str("var_type", evt.VarType).Str("var_name", evt.VarName).
			Msg("emitting")
		if _, err := sensor.EmitTimed(evt); err != nil {
			if !c.stopping.Load() {
				c.logger.Error().Err(err).Msg("cannot emit event")
			}
		}
	}
}
