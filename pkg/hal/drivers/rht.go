package drivers

import (
	"fmt"
	"strconv"

	"github.com/gridworks/gridbox/pkg/devcfg"
	"github.com/gridworks/gridbox/pkg/hal"
)

// rhtDriver models the RHT temperature and relative humidity probe. The
// probe answers a poll request with its two measures in a single reply:
//
//	=<temperature>;<humidity>*<checksum>
type rhtDriver struct {
	*hal.PolledDevice
	client lineExchanger
}

func newRHT(coord *devcfg.Coordinator, cfg *devcfg.Device, desc hal.Descriptor) (hal.Driver, error) {
	client, err := newSgbusClient(coord)
	if err != nil {
		return nil, err
	}

	d := &rhtDriver{
		PolledDevice: hal.NewPolledDevice(coord, cfg, desc.OutputsToEvents),
		client:       client,
	}
	d.SetHW(&rhtProbe{client: client, address: cfg.Address, deviceID: cfg.UID()})
	return d, nil
}

// Terminate releases the bus client on top of the generic termination.
func (d *rhtDriver) Terminate() {
	d.PolledDevice.Terminate()
	d.client.Close()
}

type rhtProbe struct {
	client   lineExchanger
	address  string
	deviceID string
}

func (p *rhtProbe) Poll() (hal.Readings, error) {
	reply, err := p.client.Exchange(sgbusRequest(p.address))
	if err != nil {
		return nil, &hal.CommunicationError{DeviceID: p.deviceID, Err: err}
	}

	fields, err := parseSgbusReply(p.deviceID, reply)
	if err != nil {
		return nil, err
	}
	if len(fields) != 2 {
		return nil, &hal.FramingError{
			DeviceID: p.deviceID,
			Reason:   fmt.Sprintf("expected 2 fields, got %d", len(fields)),
		}
	}

	temperature, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil, &hal.FramingError{DeviceID: p.deviceID, Reason: "invalid temperature field"}
	}
	humidity, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return nil, &hal.FramingError{DeviceID: p.deviceID, Reason: "invalid humidity field"}
	}

	return hal.Readings{
		"temperature": temperature,
		"humidity":    humidity,
	}, nil
}
