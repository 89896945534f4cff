package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusChannels(t *testing.T) {
	bus := NewBus()

	for _, name := range AllChannels {
		ch, err := bus.Channel(name)
		require.NoError(t, err)
		assert.Equal(t, name, ch.Name())
	}

	_, err := bus.Channel("nonsense")
	assert.Error(t, err)
}

func TestEmitAssignsTimestamp(t *testing.T) {
	bus := NewBus()
	ch, err := bus.Channel(SensorChannel)
	require.NoError(t, err)

	var got BusEvent
	ch.Subscribe(func(evt BusEvent) { got = evt })

	before := uint64(time.Now().UnixMilli())
	ok := ch.Emit("temperature", "room1", `{"value":21.5,"unit":"degC"}`)
	after := uint64(time.Now().UnixMilli())

	assert.True(t, ok)
	assert.Equal(t, "temperature", got.VarType)
	assert.Equal(t, "room1", got.VarName)
	assert.GreaterOrEqual(t, got.Timestamp, before)
	assert.LessOrEqual(t, got.Timestamp, after)

	data, err := got.Decode()
	require.NoError(t, err)
	assert.Equal(t, 21.5, data[ValueKey])
	assert.Equal(t, "degC", data[UnitKey])
}

func TestEmitFullKeepsTimestamp(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Channel(SensorChannel)

	var got BusEvent
	ch.Subscribe(func(evt BusEvent) { got = evt })

	ch.EmitFull(12345, "temperature", "room1", `{}`)
	assert.Equal(t, uint64(12345), got.Timestamp)
}

func TestEmitTimedDiscardsEmbeddedTimestamp(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Channel(SensorChannel)

	var got BusEvent
	ch.Subscribe(func(evt BusEvent) { got = evt })

	// An outdated timestamp must not survive on the bus.
	evt := NewTimed(42, "temperature", "room1", MakeData(20.0, "degC"))
	ok, err := ch.EmitTimed(evt)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEqual(t, uint64(42), got.Timestamp)
	assert.Greater(t, got.Timestamp, uint64(42))
}

func TestEmitSerializedPerChannel(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Channel(SensorChannel)

	var mu sync.Mutex
	var order []string
	ch.Subscribe(func(evt BusEvent) {
		mu.Lock()
		order = append(order, evt.VarName)
		mu.Unlock()
	})

	const emitters = 8
	const perEmitter = 50

	var wg sync.WaitGroup
	for i := 0; i < emitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perEmitter; j++ {
				ch.Emit("counter", fmt.Sprintf("e%d-%d", i, j), `{}`)
			}
		}(i)
	}
	wg.Wait()

	// Every emission was delivered exactly once, with no interleaving
	// inside a single delivery.
	assert.Len(t, order, emitters*perEmitter)
	seen := make(map[string]bool, len(order))
	for _, name := range order {
		assert.False(t, seen[name], "duplicate delivery of %s", name)
		seen[name] = true
	}
}

func TestEmitOrderingFollowsEmitReturns(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Channel(ControlChannel)

	var order []string
	ch.Subscribe(func(evt BusEvent) { order = append(order, evt.VarName) })

	ch.Emit("switch", "A", `{}`)
	ch.Emit("switch", "B", `{}`)

	assert.Equal(t, []string{"A", "B"}, order)
}

func TestSubscriberFailureDoesNotBlockEmit(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Channel(SensorChannel)

	ch.Subscribe(func(BusEvent) { panic("subscriber bug") })

	delivered := false
	ch.Subscribe(func(BusEvent) { delivered = true })

	ok := ch.Emit("temperature", "room1", `{}`)
	assert.True(t, ok)
	assert.True(t, delivered)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Channel(SysmonChannel)

	count := 0
	id := ch.Subscribe(func(BusEvent) { count++ })
	assert.Equal(t, 1, ch.SubscriberCount())

	ch.Emit("load", "cpu", `{}`)
	ch.Unsubscribe(id)
	ch.Emit("load", "cpu", `{}`)

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, ch.SubscriberCount())
}

func TestSubscribeChanDropsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Channel(SensorChannel)

	sub, id := ch.SubscribeChan(1)
	defer ch.Unsubscribe(id)

	ch.Emit("temperature", "a", `{}`)
	ch.Emit("temperature", "b", `{}`) // buffer full, dropped

	evt := <-sub
	assert.Equal(t, "a", evt.VarName)
	select {
	case extra := <-sub:
		t.Fatalf("unexpected event %v", extra)
	default:
	}
}

func TestMakeData(t *testing.T) {
	assert.Equal(t, Data{"value": 1.5, "unit": "V"}, MakeData(1.5, "V"))
	assert.Equal(t, Data{"value": true}, MakeData(true, ""))
	// notification events carry no value
	assert.Equal(t, Data{}, MakeData(nil, ""))
}

func TestServiceStateEvent(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Channel(FrameworkChannel)

	var got BusEvent
	ch.Subscribe(func(evt BusEvent) { got = evt })

	ok := EmitServiceState(bus, "devnetd", SvcRunning)
	assert.True(t, ok)
	assert.Equal(t, ServiceEventVarType, got.VarType)
	assert.Equal(t, "devnetd", got.VarName)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(got.Data), &payload))
	assert.Equal(t, float64(SvcRunning), payload["state"])
	assert.Equal(t, "running", payload["state_str"])

	// no state events for the bus itself
	assert.False(t, EmitServiceState(bus, BusServiceName, SvcRunning))
	// invalid states are rejected
	assert.False(t, EmitServiceState(bus, "devnetd", ServiceState(99)))
}
