package devnet

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/gridbox/pkg/devcfg"
	"github.com/gridworks/gridbox/pkg/events"
	"github.com/gridworks/gridbox/pkg/hal"
)

func serviceConfig(t *testing.T) *devcfg.Config {
	t.Helper()
	cfg := devcfg.NewConfig()

	c1 := devcfg.NewCoordinator("c1", "test", nil)
	d, err := devcfg.NewDevice("d1", map[string]any{
		"type": "test:fake", "address": "1", "location": "x", "enabled": true,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, c1.AddDevice(d))
	require.NoError(t, cfg.AddCoordinator(c1))

	// a coordinator of a family nobody implements here
	require.NoError(t, cfg.AddCoordinator(devcfg.NewCoordinator("alien1", "alien", nil)))
	return cfg
}

func frameworkStates(t *testing.T, bus *events.Bus) (*[]string, func()) {
	t.Helper()
	framework, err := bus.Channel(events.FrameworkChannel)
	require.NoError(t, err)

	states := &[]string{}
	id := framework.Subscribe(func(evt events.BusEvent) {
		if evt.VarType != events.ServiceEventVarType {
			return
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(evt.Data), &payload))
		*states = append(*states, payload["state_str"].(string))
	})
	return states, func() { framework.Unsubscribe(id) }
}

func TestServiceLoadFiltersCoordinatorTypes(t *testing.T) {
	h := newTestHarness(t)
	h.drivers["d1"] = &fakeDriver{}

	svc := NewService("devnetd", h.bus, h.registry,
		Options{TaskTriggerCheckingPeriod: 20 * time.Millisecond},
		map[string]Factory{"test": GenericFactory})

	require.NoError(t, svc.LoadConfiguration(serviceConfig(t)))
	require.Len(t, svc.Runtimes(), 1)
	assert.Equal(t, "c1", svc.Runtimes()[0].ID())
}

func TestServiceLifecycleEmitsStateEvents(t *testing.T) {
	h := newTestHarness(t)
	h.drivers["d1"] = &fakeDriver{}
	states, unsub := frameworkStates(t, h.bus)
	defer unsub()

	svc := NewService("devnetd", h.bus, h.registry,
		Options{TaskTriggerCheckingPeriod: 20 * time.Millisecond},
		map[string]Factory{"test": GenericFactory})
	require.NoError(t, svc.LoadConfiguration(serviceConfig(t)))

	require.NoError(t, svc.Start())
	svc.Stop()

	assert.Equal(t, []string{"starting", "running", "stopping", "stopped"}, *states)
}

func TestServiceLoadOnlyOnce(t *testing.T) {
	h := newTestHarness(t)
	svc := NewService("devnetd", h.bus, h.registry, Options{},
		map[string]Factory{"test": GenericFactory})

	require.NoError(t, svc.LoadConfiguration(devcfg.NewConfig()))
	var netErr *DeviceNetworkError
	assert.ErrorAs(t, svc.LoadConfiguration(devcfg.NewConfig()), &netErr)
}

// failingRuntime always refuses to start.
type failingRuntime struct {
	id string
}

func (f *failingRuntime) ID() string                                    { return f.id }
func (f *failingRuntime) LoadConfiguration(*devcfg.Coordinator) error   { return nil }
func (f *failingRuntime) Start() error                                  { return networkError("broken") }
func (f *failingRuntime) Stop()                                         {}

func TestServiceSiblingIsolation(t *testing.T) {
	h := newTestHarness(t)
	h.drivers["d1"] = &fakeDriver{script: []pollStep{
		{evts: []events.Event{measureEvent("v1", 1)}},
		{},
	}}

	factories := map[string]Factory{
		"test": GenericFactory,
		"alien": func(cid string, registry *hal.Registry, bus *events.Bus, opts Options) Runtime {
			return &failingRuntime{id: cid}
		},
	}

	svc := NewService("devnetd", h.bus, h.registry,
		Options{TaskTriggerCheckingPeriod: 20 * time.Millisecond}, factories)
	require.NoError(t, svc.LoadConfiguration(serviceConfig(t)))
	require.Len(t, svc.Runtimes(), 2)

	// the failing coordinator does not bring down its sibling
	require.NoError(t, svc.Start())
	require.Eventually(t, func() bool { return h.eventCount() >= 1 },
		time.Second, 10*time.Millisecond)
	svc.Stop()
}

func TestServiceAbortsWhenNothingStarts(t *testing.T) {
	h := newTestHarness(t)
	states, unsub := frameworkStates(t, h.bus)
	defer unsub()

	factories := map[string]Factory{
		"test": func(cid string, registry *hal.Registry, bus *events.Bus, opts Options) Runtime {
			return &failingRuntime{id: cid}
		},
	}
	svc := NewService("devnetd", h.bus, h.registry, Options{}, factories)

	cfg := devcfg.NewConfig()
	require.NoError(t, cfg.AddCoordinator(devcfg.NewCoordinator("c1", "test", nil)))
	require.NoError(t, svc.LoadConfiguration(cfg))

	assert.Error(t, svc.Start())
	assert.Equal(t, []string{"starting", "aborting"}, *states)
}
