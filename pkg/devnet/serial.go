package devnet

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/gridworks/gridbox/pkg/devcfg"
	"github.com/gridworks/gridbox/pkg/events"
	"github.com/gridworks/gridbox/pkg/hal"
	"github.com/gridworks/gridbox/pkg/period"
)

// Serial transport defaults.
const (
	DefaultBaudrate    = 4800
	DefaultByteSize    = 8
	DefaultParity      = "none"
	DefaultStopBits    = 1
	DefaultReadTimeout = 100 * time.Millisecond
)

// SerialConfig is the serial port configuration of a coordinator.
type SerialConfig struct {
	Port        string
	Baudrate    int
	ByteSize    int
	Parity      string
	StopBits    int
	ReadTimeout time.Duration
}

// NewSerialConfig returns the configuration for a port with the
// commonly used default settings.
func NewSerialConfig(port string) SerialConfig {
	return SerialConfig{
		Port:        port,
		Baudrate:    DefaultBaudrate,
		ByteSize:    DefaultByteSize,
		Parity:      DefaultParity,
		StopBits:    DefaultStopBits,
		ReadTimeout: DefaultReadTimeout,
	}
}

// update overrides the settings explicitly present in the coordinator
// configuration.
func (s *SerialConfig) update(cfg *devcfg.Coordinator) {
	if port, ok := cfg.StringProp(devcfg.PortAttr); ok {
		s.Port = port
	}
	if baud, ok := cfg.IntProp("baudrate"); ok {
		s.Baudrate = baud
	}
	if bits, ok := cfg.IntProp("bytesize"); ok {
		s.ByteSize = bits
	}
	if parity, ok := cfg.StringProp("parity"); ok {
		s.Parity = parity
	}
	if stop, ok := cfg.IntProp("stopbits"); ok {
		s.StopBits = stop
	}
	if timeout, ok := cfg.StringProp("timeout"); ok {
		if d, err := period.Duration(timeout); err == nil && d > 0 {
			s.ReadTimeout = d
		}
	}
}

func (s SerialConfig) String() string {
	return fmt.Sprintf("port=%s baudrate=%d bytesize=%d parity=%s stopbits=%d",
		s.Port, s.Baudrate, s.ByteSize, s.Parity, s.StopBits)
}

// Transport is the byte stream owned by a serial coordinator. Reads
// return zero bytes on timeout so that the receiver can check for a
// termination request.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	ResetInputBuffer() error
}

// OpenTransportFunc opens the transport of a serial coordinator.
type OpenTransportFunc func(SerialConfig) (Transport, error)

// openSerialTransport opens a physical serial port.
func openSerialTransport(cfg SerialConfig) (Transport, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baudrate,
		DataBits: cfg.ByteSize,
	}

	switch cfg.Parity {
	case "", "none", "N":
		mode.Parity = serial.NoParity
	case "even", "E":
		mode.Parity = serial.EvenParity
	case "odd", "O":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("invalid parity setting (%s)", cfg.Parity)
	}

	switch cfg.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid stopbits setting (%d)", cfg.StopBits)
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// DispatchFunc routes a received data chunk to the addressed device
// driver and returns the events to be emitted, if any. It is protocol
// dependent and must be provided by the concrete coordinator family.
type DispatchFunc func(data []byte) []events.Event

// SerialCoordinator is a coordinator runtime whose sub-network
// communicates through a single serial line owned by the coordinator.
//
// On top of the generic polling scheduler, it runs a receiver worker
// looping on the port: every non-empty chunk is handed to the dispatch
// hook, and the resulting events are emitted on the sensor channel.
// Outbound commands are serialized by a transport lock so that a write
// and its expected-reply handling are atomic from the bus point of view.
type SerialCoordinator struct {
	*Coordinator

	serialCfg SerialConfig
	open      OpenTransportFunc
	dispatch  DispatchFunc

	transport Transport
	sendMu    sync.Mutex

	rxStop chan struct{}
	rxDone chan struct{}
}

// NewSerialCoordinator creates the runtime for a serial line
// coordinator. A nil dispatch drops received data with a logged error.
func NewSerialCoordinator(cid string, registry *hal.Registry, bus *events.Bus, opts Options, dispatch DispatchFunc) *SerialCoordinator {
	return &SerialCoordinator{
		Coordinator: NewCoordinator(cid, registry, bus, opts),
		open:        openSerialTransport,
		dispatch:    dispatch,
	}
}

// SetDispatch installs the received data dispatch hook. It must be
// called before Start.
func (c *SerialCoordinator) SetDispatch(dispatch DispatchFunc) {
	c.dispatch = dispatch
}

// SetOpenTransport overrides how the transport is opened. It must be
// called before Start.
func (c *SerialCoordinator) SetOpenTransport(open OpenTransportFunc) {
	c.open = open
}

// SerialConfig returns the effective serial port configuration.
func (c *SerialCoordinator) SerialConfig() SerialConfig {
	return c.serialCfg
}

// LoadConfiguration processes the coordinator configuration, deriving
// the serial port settings from its transport properties.
func (c *SerialCoordinator) LoadConfiguration(cfg *devcfg.Coordinator) error {
	if err := c.Coordinator.LoadConfiguration(cfg); err != nil {
		return err
	}

	c.serialCfg = NewSerialConfig("")
	c.serialCfg.update(cfg)
	if c.serialCfg.Port == "" {
		return networkError("coordinator %s has no serial port configured", c.cid)
	}
	c.logger.Info().Str("serial", c.serialCfg.String()).Msg("serial port configuration")
	return nil
}

// Start opens the serial port, starts the receiver worker and the
// generic polling scheduler.
func (c *SerialCoordinator) Start() error {
	if c.transport != nil {
		c.logger.Warn().Msg("already started")
		return nil
	}

	if err := c.Coordinator.Start(); err != nil {
		return err
	}

	c.logger.Info().Msg("initializing serial port...")
	transport, err := c.open(c.serialCfg)
	if err != nil {
		c.Coordinator.Stop()
		return networkError("coordinator %s: cannot open serial port: %v", c.cid, err)
	}
	if err := transport.ResetInputBuffer(); err != nil {
		c.logger.Warn().Err(err).Msg("cannot flush serial input")
	}
	c.transport = transport

	c.rxStop = make(chan struct{})
	c.rxDone = make(chan struct{})
	go c.receiveLoop()

	return nil
}

// receiveLoop waits for incoming data and dispatches it. It exits when
// a termination is requested or on a transport failure.
func (c *SerialCoordinator) receiveLoop() {
	defer close(c.rxDone)

	c.logger.Info().Msg("starting serial port listener...")
	buf := make([]byte, 256)
	for {
		select {
		case <-c.rxStop:
			c.logger.Info().Msg("serial listener terminated")
			return
		default:
		}

		n, err := c.transport.Read(buf)
		if err != nil {
			select {
			case <-c.rxStop:
			default:
				c.logger.Error().Err(err).Msg("serial read failed, listener exiting")
			}
			return
		}
		if n == 0 {
			// read timeout: loop to check the termination flag
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		c.dataReceived(data)
	}
}

// dataReceived hands a received chunk to the dispatch hook and emits
// the returned events.
func (c *SerialCoordinator) dataReceived(data []byte) {
	if c.dispatch == nil {
		c.logger.Error().Int("len", len(data)).Msg("no dispatch hook, received data dropped")
		return
	}
	evts := c.dispatch(data)
	c.emitEvents(evts, nil)
}

// SendCommand writes an outbound command on the transport, holding the
// transport lock for the write and the optional callback so that the
// write and its expected-reply handling are atomic.
func (c *SerialCoordinator) SendCommand(command []byte, callback func() error) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.transport == nil {
		return networkError("coordinator %s not started", c.cid)
	}
	if _, err := c.transport.Write(command); err != nil {
		return err
	}
	if callback != nil {
		return callback()
	}
	return nil
}

// Stop terminates the receiver worker, closes the serial port and stops
// the generic runtime.
func (c *SerialCoordinator) Stop() {
	if c.transport == nil {
		c.logger.Warn().Msg("not started")
		return
	}

	close(c.rxStop)
	select {
	case <-c.rxDone:
	case <-time.After(2*c.serialCfg.ReadTimeout + time.Second):
		c.logger.Warn().Msg("serial listener did not stop in time")
	}

	c.sendMu.Lock()
	c.transport.Close()
	c.transport = nil
	c.sendMu.Unlock()

	c.Coordinator.Stop()
}
