package devnet

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/gridbox/pkg/devcfg"
	"github.com/gridworks/gridbox/pkg/events"
)

// fakeTransport simulates a serial port with timeout reads.
type fakeTransport struct {
	mu      sync.Mutex
	rx      [][]byte
	written [][]byte
	flushed bool
	closed  bool
}

func (f *fakeTransport) inject(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rx = append(f.rx, data)
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if len(f.rx) > 0 {
		chunk := f.rx[0]
		f.rx = f.rx[1:]
		f.mu.Unlock()
		return copy(p, chunk), nil
	}
	f.mu.Unlock()

	// emulate the read timeout of a real port
	time.Sleep(5 * time.Millisecond)
	return 0, nil
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	f.written = append(f.written, buf)
	return len(p), nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func serialCoordFixture(t *testing.T, h *testHarness, dispatch DispatchFunc) (*SerialCoordinator, *fakeTransport) {
	t.Helper()

	transport := &fakeTransport{}
	c := NewSerialCoordinator("c1", h.registry, h.bus,
		Options{TaskTriggerCheckingPeriod: 20 * time.Millisecond}, dispatch)
	c.SetOpenTransport(func(SerialConfig) (Transport, error) {
		return transport, nil
	})

	cfg := devcfg.NewCoordinator("c1", "test", map[string]any{
		"port": "/dev/ttyUSB0", "baudrate": 9600, "timeout": "1s",
	})
	require.NoError(t, c.LoadConfiguration(cfg))
	return c, transport
}

func TestSerialConfigFromCoordinator(t *testing.T) {
	h := newTestHarness(t)
	c, _ := serialCoordFixture(t, h, nil)

	scfg := c.SerialConfig()
	assert.Equal(t, "/dev/ttyUSB0", scfg.Port)
	assert.Equal(t, 9600, scfg.Baudrate)
	assert.Equal(t, DefaultByteSize, scfg.ByteSize)
	assert.Equal(t, DefaultParity, scfg.Parity)
	assert.Equal(t, DefaultStopBits, scfg.StopBits)
	assert.Equal(t, time.Second, scfg.ReadTimeout)
}

func TestSerialCoordinatorRequiresPort(t *testing.T) {
	h := newTestHarness(t)
	c := NewSerialCoordinator("c1", h.registry, h.bus, Options{}, nil)

	cfg := devcfg.NewCoordinator("c1", "test", nil)
	var netErr *DeviceNetworkError
	assert.ErrorAs(t, c.LoadConfiguration(cfg), &netErr)
}

func TestSerialReceiveDispatch(t *testing.T) {
	h := newTestHarness(t)

	var mu sync.Mutex
	var chunks [][]byte
	dispatch := func(data []byte) []events.Event {
		mu.Lock()
		chunks = append(chunks, data)
		mu.Unlock()
		return []events.Event{measureEvent("rx1", 1)}
	}

	c, transport := serialCoordFixture(t, h, dispatch)
	require.NoError(t, c.Start())
	defer c.Stop()

	assert.True(t, transport.flushed)

	transport.inject([]byte{0x01, 0x02})
	require.Eventually(t, func() bool { return h.eventCount() >= 1 },
		time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte{0x01, 0x02}, chunks[0])
	mu.Unlock()

	h.mu.Lock()
	assert.Equal(t, "rx1", h.received[0].VarName)
	h.mu.Unlock()
}

func TestSerialSendCommand(t *testing.T) {
	h := newTestHarness(t)
	c, transport := serialCoordFixture(t, h, nil)
	require.NoError(t, c.Start())
	defer c.Stop()

	callbackRan := false
	err := c.SendCommand([]byte("CMD"), func() error {
		callbackRan = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, callbackRan)

	transport.mu.Lock()
	require.Len(t, transport.written, 1)
	assert.Equal(t, []byte("CMD"), transport.written[0])
	transport.mu.Unlock()
}

func TestSerialSendCommandBeforeStart(t *testing.T) {
	h := newTestHarness(t)
	c, _ := serialCoordFixture(t, h, nil)

	var netErr *DeviceNetworkError
	assert.ErrorAs(t, c.SendCommand([]byte("CMD"), nil), &netErr)
}

func TestSerialStopClosesTransport(t *testing.T) {
	h := newTestHarness(t)
	c, transport := serialCoordFixture(t, h, nil)
	require.NoError(t, c.Start())

	c.Stop()
	assert.True(t, transport.isClosed())

	// no dispatch after stop
	transport.inject([]byte{0xff})
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.eventCount())
}

func TestSerialStartFailureStopsRuntime(t *testing.T) {
	h := newTestHarness(t)
	c := NewSerialCoordinator("c1", h.registry, h.bus,
		Options{TaskTriggerCheckingPeriod: 20 * time.Millisecond}, nil)
	c.SetOpenTransport(func(SerialConfig) (Transport, error) {
		return nil, io.ErrUnexpectedEOF
	})

	cfg := devcfg.NewCoordinator("c1", "test", map[string]any{"port": "/dev/ttyUSB0"})
	require.NoError(t, c.LoadConfiguration(cfg))

	var netErr *DeviceNetworkError
	assert.ErrorAs(t, c.Start(), &netErr)
}

func TestSerialPollingStillRuns(t *testing.T) {
	h := newTestHarness(t)
	h.addDevice(t, "d1", &fakeDriver{script: []pollStep{
		{evts: []events.Event{measureEvent("v1", 1)}},
		{},
	}}, nil)

	transport := &fakeTransport{}
	c := NewSerialCoordinator("c1", h.registry, h.bus,
		Options{TaskTriggerCheckingPeriod: 20 * time.Millisecond}, nil)
	c.SetOpenTransport(func(SerialConfig) (Transport, error) { return transport, nil })
	h.coordCfg.Props["port"] = "/dev/ttyUSB0"
	require.NoError(t, c.LoadConfiguration(h.coordCfg))

	require.NoError(t, c.Start())
	defer c.Stop()

	require.Eventually(t, func() bool { return h.eventCount() >= 1 },
		time.Second, 10*time.Millisecond)
}

func TestOpenSerialTransportRejectsBadSettings(t *testing.T) {
	cfg := NewSerialConfig("/dev/null")
	cfg.Parity = "sometimes"
	_, err := openSerialTransport(cfg)
	assert.Error(t, err)

	cfg = NewSerialConfig("/dev/null")
	cfg.StopBits = 7
	_, err = openSerialTransport(cfg)
	assert.Error(t, err)
}
