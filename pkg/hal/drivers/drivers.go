package drivers

import (
	"github.com/gridworks/gridbox/pkg/devcfg"
	"github.com/gridworks/gridbox/pkg/hal"
	"github.com/gridworks/gridbox/pkg/log"
)

type driverEntry struct {
	coordinatorType string
	deviceType      string
	ctor            hal.Constructor
}

// driverList enumerates the built-in drivers. Entries are registered in
// order, so a later entry for the same device type deliberately shadows
// an earlier one.
var driverList = []driverEntry{
	{"sgbus", "rht", newRHT},
	{"sgbus", "pulse", newPulse},
}

// RegisterAll registers every built-in driver with the registry.
func RegisterAll(reg *hal.Registry, md *devcfg.Metadata) {
	logger := log.WithComponent("drivers")
	for _, e := range driverList {
		desc, err := hal.NewDescriptor(md, e.coordinatorType, e.deviceType, e.ctor)
		if err != nil {
			logger.Error().Err(err).
				Str("device_type", e.coordinatorType+":"+e.deviceType).
				Msg("driver rejected")
			continue
		}
		reg.Register(desc)
	}
}
