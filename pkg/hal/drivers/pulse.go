package drivers

import (
	"fmt"
	"strconv"

	"github.com/gridworks/gridbox/pkg/devcfg"
	"github.com/gridworks/gridbox/pkg/hal"
)

// pulseDriver models the pulse counting energy meter. The reply carries
// the raw pulse count; the configured scale converts it to the meter
// units.
type pulseDriver struct {
	*hal.PolledDevice
	client lineExchanger
}

// Terminate releases the bus client on top of the generic termination.
func (d *pulseDriver) Terminate() {
	d.PolledDevice.Terminate()
	d.client.Close()
}

func newPulse(coord *devcfg.Coordinator, cfg *devcfg.Device, desc hal.Descriptor) (hal.Driver, error) {
	client, err := newSgbusClient(coord)
	if err != nil {
		return nil, err
	}

	scale := 1.0
	if raw, ok := cfg.Props["scale"]; ok {
		s, err := strconv.ParseFloat(fmt.Sprintf("%v", raw), 64)
		if err != nil || s <= 0 {
			return nil, &hal.HalError{Reason: fmt.Sprintf("invalid scale on device %s", cfg.UID())}
		}
		scale = s
	}

	d := &pulseDriver{
		PolledDevice: hal.NewPolledDevice(coord, cfg, desc.OutputsToEvents),
		client:       client,
	}
	d.SetHW(&pulseMeter{client: client, address: cfg.Address, deviceID: cfg.UID(), scale: scale})
	return d, nil
}

type pulseMeter struct {
	client   lineExchanger
	address  string
	deviceID string
	scale    float64
}

func (m *pulseMeter) Poll() (hal.Readings, error) {
	reply, err := m.client.Exchange(sgbusRequest(m.address))
	if err != nil {
		return nil, &hal.CommunicationError{DeviceID: m.deviceID, Err: err}
	}

	fields, err := parseSgbusReply(m.deviceID, reply)
	if err != nil {
		return nil, err
	}
	if len(fields) != 1 {
		return nil, &hal.FramingError{
			DeviceID: m.deviceID,
			Reason:   fmt.Sprintf("expected 1 field, got %d", len(fields)),
		}
	}

	count, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, &hal.FramingError{DeviceID: m.deviceID, Reason: "invalid count field"}
	}

	return hal.Readings{
		"index": float64(count) * m.scale,
	}, nil
}
