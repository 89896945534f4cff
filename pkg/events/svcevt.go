package events

import (
	"encoding/json"

	"github.com/gridworks/gridbox/pkg/log"
)

// ServiceEventVarType is the variable type of service state events,
// carried on the framework channel with the service name as variable
// name.
const ServiceEventVarType = "svcevt"

// BusServiceName identifies the event bus itself. No state event is
// emitted for it, since there would be nobody to carry it yet.
const BusServiceName = "eventbus"

// ServiceState enumerates the lifecycle states of a Gridbox service.
type ServiceState int

const (
	SvcUnknown ServiceState = iota
	SvcStopped
	SvcStarting
	SvcRunning
	SvcStopping
	SvcAborting
)

var svcStateNames = map[ServiceState]string{
	SvcUnknown:  "unknown",
	SvcStopped:  "stopped",
	SvcStarting: "starting",
	SvcRunning:  "running",
	SvcStopping: "stopping",
	SvcAborting: "aborting",
}

func (s ServiceState) String() string {
	if name, ok := svcStateNames[s]; ok {
		return name
	}
	return svcStateNames[SvcUnknown]
}

// Valid tells if the state is one of the defined lifecycle states.
func (s ServiceState) Valid() bool {
	_, ok := svcStateNames[s]
	return ok
}

// EmitServiceState notifies a service lifecycle transition on the
// framework channel. The payload carries both the numeric state and its
// name, e.g. {"state":3,"state_str":"running"}.
func EmitServiceState(bus *Bus, svcName string, state ServiceState) bool {
	if bus == nil || svcName == BusServiceName {
		return false
	}
	if !state.Valid() {
		l := log.WithComponent("svcevt")
		l.Error().
			Int("state", int(state)).
			Str("service", svcName).
			Msg("invalid service state, event not emitted")
		return false
	}

	ch, err := bus.Channel(FrameworkChannel)
	if err != nil {
		return false
	}

	data, _ := json.Marshal(map[string]any{
		"state":     int(state),
		"state_str": state.String(),
	})
	return ch.Emit(ServiceEventVarType, svcName, string(data))
}
