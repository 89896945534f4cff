package devcfg

import (
	"fmt"
	"sort"
)

// Coordinator is the model of a network coordinator: a logical node
// owning one physical transport and the devices reachable through it.
type Coordinator struct {
	uid string

	// Type identifies the coordinator family in the metadata registry.
	Type string

	// Props holds the transport parameters (port, baudrate, ...) and
	// any custom coordinator property.
	Props map[string]any

	devices map[string]*Device
}

// NewCoordinator creates a coordinator. The props map is kept by
// reference; pass nil for none.
func NewCoordinator(uid, ctype string, props map[string]any) *Coordinator {
	if props == nil {
		props = make(map[string]any)
	}
	return &Coordinator{
		uid:     uid,
		Type:    ctype,
		Props:   props,
		devices: make(map[string]*Device),
	}
}

// UID returns the coordinator id.
func (c *Coordinator) UID() string {
	return c.uid
}

func (c *Coordinator) String() string {
	return fmt.Sprintf("%s(%s)", c.uid, c.Type)
}

// Check verifies that all required attributes are defined.
func (c *Coordinator) Check() error {
	if c.uid == "" {
		return &MissingAttributeError{UID: c.uid, Attr: "uid"}
	}
	if c.Type == "" {
		return &MissingAttributeError{UID: c.uid, Attr: TypeAttr}
	}
	return nil
}

// DeviceIDs returns the sorted local ids of the attached devices.
func (c *Coordinator) DeviceIDs() []string {
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Devices returns the attached devices, ordered by local id.
func (c *Coordinator) Devices() []*Device {
	ids := c.DeviceIDs()
	devices := make([]*Device, 0, len(ids))
	for _, id := range ids {
		devices = append(devices, c.devices[id])
	}
	return devices
}

// Device returns a device by its local id.
func (c *Coordinator) Device(id string) (*Device, error) {
	d, ok := c.devices[id]
	if !ok {
		return nil, &NotFoundError{Kind: "device", UID: MakeUID(c.uid, id)}
	}
	return d, nil
}

// AddDevice attaches a device to the coordinator.
func (c *Coordinator) AddDevice(d *Device) error {
	if err := d.Check(); err != nil {
		return err
	}
	if _, exists := c.devices[d.uid]; exists {
		return &DuplicateDeviceError{UID: MakeUID(c.uid, d.uid)}
	}
	c.devices[d.uid] = d
	return nil
}

// DelDevice detaches a device given its local id.
func (c *Coordinator) DelDevice(id string) error {
	if _, ok := c.devices[id]; !ok {
		return &NotFoundError{Kind: "device", UID: MakeUID(c.uid, id)}
	}
	delete(c.devices, id)
	return nil
}

// StringProp returns a coordinator property coerced to a string.
func (c *Coordinator) StringProp(key string) (string, bool) {
	v, ok := c.Props[key]
	if !ok {
		return "", false
	}
	return toString(v), true
}

// IntProp returns a coordinator property coerced to an integer.
func (c *Coordinator) IntProp(key string) (int, bool) {
	v, ok := c.Props[key]
	if !ok {
		return 0, false
	}
	n, err := toInt(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// PollReqInterval returns the configured pause between successive device
// polls, in period syntax. Empty when not configured.
func (c *Coordinator) PollReqInterval() string {
	s, _ := c.StringProp(PollReqIntervalAttr)
	return s
}

// OwnProps returns the coordinator own properties, devices excluded.
// This is the projection served by the configuration broker for
// coordinator queries.
func (c *Coordinator) OwnProps() map[string]any {
	tree := map[string]any{TypeAttr: c.Type}
	for k, v := range c.Props {
		tree[k] = v
	}
	return tree
}

func (c *Coordinator) jsDict() map[string]any {
	tree := c.OwnProps()
	devices := make(map[string]any, len(c.devices))
	for id, d := range c.devices {
		devices[id] = d.jsDict()
	}
	tree[DevicesSection] = devices
	return tree
}
