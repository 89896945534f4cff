package hal

import (
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridworks/gridbox/pkg/devcfg"
	"github.com/gridworks/gridbox/pkg/events"
	"github.com/gridworks/gridbox/pkg/log"
	"github.com/gridworks/gridbox/pkg/period"
)

// EventDataDef describes the data conveyed by the notification events of
// one device output: the semantic type of the variable and its units.
type EventDataDef struct {
	VarType string
	Units   string
}

// Driver is the minimal surface of a device abstraction instance.
type Driver interface {
	// DeviceConfig returns the configuration the driver was built from.
	DeviceConfig() *devcfg.Device
}

// Pollable is implemented by drivers whose equipment works by polling.
// Poll performs one request/reply round trip and returns the events
// reflecting the received values. Errors are reported as
// *CommunicationError or *FramingError when classifiable.
type Pollable interface {
	Driver
	Poll() ([]events.Event, error)
	// Terminate signals the driver that it must gently stop any
	// multi-step sub-poll in progress.
	Terminate()
}

// IsPollable tells if a driver can be polled.
func IsPollable(d Driver) bool {
	_, ok := d.(Pollable)
	return ok
}

// Readings is a set of raw per-output values produced by one poll.
// Outputs set to nil (or absent) are silently ignored.
type Readings map[string]any

// Device is the base of all device abstractions. It owns the generic
// mechanism turning collected output values into events, filtering
// redundant notifications based on the device settings.
type Device struct {
	coord *devcfg.Coordinator
	cfg   *devcfg.Device

	outputsToEvents map[string]EventDataDef
	eventsTTL       time.Duration

	prevValues     map[string]any
	lastEventTimes map[string]time.Time

	logger zerolog.Logger
	now    func() time.Time
}

// NewDevice builds the device abstraction base from the parent
// coordinator configuration, the device configuration and the output to
// event definition mapping of the driver descriptor.
//
// The events TTL is taken from the device settings, defaulting to
// events.DefaultEventTTL when absent, unparsable or null.
func NewDevice(coord *devcfg.Coordinator, cfg *devcfg.Device, outputs map[string]EventDataDef) *Device {
	d := &Device{
		coord:           coord,
		cfg:             cfg,
		outputsToEvents: outputs,
		eventsTTL:       events.DefaultEventTTL,
		prevValues:      make(map[string]any),
		lastEventTimes:  make(map[string]time.Time),
		logger:          log.WithDevice(cfg.UID()),
		now:             time.Now,
	}

	if cfg.EventsTTL != "" {
		ttl, err := period.Duration(cfg.EventsTTL)
		switch {
		case err != nil:
			d.logger.Error().Str("events_ttl", cfg.EventsTTL).
				Msg("invalid events_ttl, using default")
		case ttl > 0:
			d.eventsTTL = ttl
		}
	}
	d.logger.Info().Dur("events_ttl", d.eventsTTL).Msg("device configured")

	return d
}

// DeviceConfig returns the device configuration.
func (d *Device) DeviceConfig() *devcfg.Device {
	return d.cfg
}

// CoordinatorConfig returns the parent coordinator configuration.
func (d *Device) CoordinatorConfig() *devcfg.Coordinator {
	return d.coord
}

// EventsTTL returns the effective time to live of this device's events.
func (d *Device) EventsTTL() time.Duration {
	return d.eventsTTL
}

// OutputDataDef returns the variable type and units associated to an
// output.
func (d *Device) OutputDataDef(output string) (EventDataDef, bool) {
	def, ok := d.outputsToEvents[output]
	return def, ok
}

// Round keeps prec decimal places of a value.
func Round(value float64, prec int) float64 {
	p := math.Pow10(prec)
	return math.Round(value*p) / p
}

// CreateEvents turns the collected output values into the ordered list
// of events to be emitted, handling the redundancy filtering.
//
// For every enabled output carrying a value, the raw reading is rounded
// to the configured precision. When a minimal variation threshold is
// set and the rounded value is within the threshold of the previously
// notified one, the working value is replaced by the previous value
// (not simply dropped), so that the time to live refresh still sees an
// unchanged variable. An event is produced when the value differs from
// the previous one, or when the last notification for the variable is
// older than the events TTL.
func (d *Device) CreateEvents(values Readings) []events.Event {
	names := make([]string, 0, len(d.cfg.Outputs))
	for name := range d.cfg.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	now := d.now()
	var evts []events.Event

	for _, name := range names {
		outCfg := d.cfg.Outputs[name]
		if !outCfg.Enabled {
			continue
		}

		raw, present := values[name]
		if !present || raw == nil {
			continue
		}

		value := raw
		if f, isNum := asFloat(raw); isNum {
			value = Round(f, outCfg.Prec)
		}

		def, ok := d.outputsToEvents[name]
		if !ok {
			d.logger.Error().Str("output", name).Msg("no event definition for output")
			continue
		}
		if outCfg.VarName == "" {
			d.logger.Warn().Str("output", name).Msg("output has no varname, value dropped")
			continue
		}

		prev, hasPrev := d.prevValues[name]

		// Small variations filtering. When the variation is under the
		// threshold we act as if the exact same value as previously had
		// been received, rather than simply ignoring the new one, so
		// that the TTL mechanism is not altered by the filtering.
		if outCfg.DeltaMin != nil && hasPrev {
			if v, okV := asFloat(value); okV {
				if p, okP := asFloat(prev); okP && math.Abs(v-p) <= *outCfg.DeltaMin {
					value = prev
				}
			}
		}

		var age time.Duration
		if last, ok := d.lastEventTimes[outCfg.VarName]; ok {
			age = now.Sub(last)
		} else {
			age = d.eventsTTL // never notified: always due
		}

		if !hasPrev || value != prev || age >= d.eventsTTL {
			evts = append(evts, events.New(def.VarType, outCfg.VarName, events.MakeData(value, def.Units)))
			d.prevValues[name] = value
			d.lastEventTimes[outCfg.VarName] = now
		}
	}

	return evts
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// HWDevice is the low-level interface a polled driver talks to. It
// returns the raw output readings of one poll round trip.
type HWDevice interface {
	Poll() (Readings, error)
}

// PolledDevice is the base of drivers whose equipment works by polling
// instead of spontaneous notification. Concrete drivers must attach the
// low-level interface with SetHW during construction; this is checked
// at first poll time and the device is tagged invalid (and no more
// polled) if not compliant.
type PolledDevice struct {
	Device

	hw      HWDevice
	checked bool
	valid   bool

	terminated atomic.Bool
}

// NewPolledDevice builds the polled driver base.
func NewPolledDevice(coord *devcfg.Coordinator, cfg *devcfg.Device, outputs map[string]EventDataDef) *PolledDevice {
	return &PolledDevice{Device: *NewDevice(coord, cfg, outputs)}
}

// SetHW attaches the low-level equipment interface.
func (p *PolledDevice) SetHW(hw HWDevice) {
	p.hw = hw
}

// Poll queries the equipment and returns the corresponding events.
func (p *PolledDevice) Poll() ([]events.Event, error) {
	if !p.checked {
		p.checked = true
		if p.hw == nil {
			p.logger.Error().Msg("no HW device attached, device invalidated")
		} else {
			p.valid = true
		}
	}
	if !p.valid {
		return nil, nil
	}

	values, err := p.hw.Poll()
	if err != nil {
		return nil, err
	}
	p.logger.Debug().Interface("outputs", values).Msg("polled")

	if len(values) == 0 {
		return nil, nil
	}
	return p.CreateEvents(values), nil
}

// Terminate signals the equipment interface that it must gently stop.
func (p *PolledDevice) Terminate() {
	p.terminated.Store(true)
}

// Terminated tells if a termination request was received.
func (p *PolledDevice) Terminated() bool {
	return p.terminated.Load()
}
