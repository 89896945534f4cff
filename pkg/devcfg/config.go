package devcfg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DefaultPath is the default location of the devices network
// configuration file.
const DefaultPath = "/etc/gridbox/devices.cfg"

// Config is the in-memory representation of the devices network
// configuration: the collection of the coordinators and their attached
// devices, with safe manipulation methods.
type Config struct {
	coordinators map[string]*Coordinator

	// Extra holds the configuration level custom properties, i.e.
	// every top level key other than "coordinators".
	Extra map[string]any
}

// NewConfig returns an empty configuration.
func NewConfig() *Config {
	return &Config{
		coordinators: make(map[string]*Coordinator),
		Extra:        make(map[string]any),
	}
}

// Load reads and validates the configuration from a file.
func Load(path string, md *Metadata) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &InvalidConfigurationError{Reason: path, Err: err}
	}
	return LoadBytes(b, md)
}

// LoadBytes parses and validates the configuration from its JSON
// serialization.
func LoadBytes(b []byte, md *Metadata) (*Config, error) {
	var tree map[string]any
	if err := json.Unmarshal(b, &tree); err != nil {
		return nil, &InvalidConfigurationError{Reason: "data must be a valid mapping", Err: err}
	}
	return LoadTree(tree, md)
}

// LoadTree builds and validates the configuration from an in-memory
// tree, conforming to the structure below where every level is a
// mapping and optional parts are bracketed:
//
//	coordinators/
//	    <coord_uid>/
//	        type
//	        [custom props if required]
//	        devices/
//	            <device_uid>/
//	                type
//	                address
//	                location
//	                [custom props if required]
//	[configuration level custom props]
func LoadTree(tree map[string]any, md *Metadata) (*Config, error) {
	cfg := NewConfig()

	rawCoords, ok := tree[CoordinatorsSection]
	if !ok {
		return nil, invalidConfiguration("missing %q section", CoordinatorsSection)
	}
	coords, ok := rawCoords.(map[string]any)
	if !ok {
		return nil, invalidConfiguration("%q section is not a mapping", CoordinatorsSection)
	}

	for k, v := range tree {
		if k != CoordinatorsSection {
			cfg.Extra[k] = v
		}
	}

	for cid, rawCoord := range coords {
		cdata, ok := rawCoord.(map[string]any)
		if !ok {
			return nil, invalidConfiguration("coordinator %s is not a mapping", cid)
		}

		props := make(map[string]any)
		ctype := ""
		var rawDevices any
		for k, v := range cdata {
			switch k {
			case TypeAttr:
				ctype = toString(v)
			case DevicesSection:
				rawDevices = v
			default:
				props[k] = v
			}
		}

		coord := NewCoordinator(cid, ctype, props)
		if err := coord.Check(); err != nil {
			return nil, &InvalidConfigurationError{Reason: "coordinator " + cid, Err: err}
		}
		if md != nil {
			if _, err := md.Coordinator(ctype); err != nil {
				return nil, &InvalidConfigurationError{Reason: "coordinator " + cid, Err: err}
			}
		}

		devices, ok := rawDevices.(map[string]any)
		if !ok {
			return nil, invalidConfiguration("missing devices section on coordinator %s", cid)
		}
		for did, rawDev := range devices {
			ddata, ok := rawDev.(map[string]any)
			if !ok {
				return nil, invalidConfiguration("device %s is not a mapping", MakeUID(cid, did))
			}
			d, err := NewDevice(did, ddata, md)
			if err != nil {
				return nil, &InvalidConfigurationError{Reason: "device " + MakeUID(cid, did), Err: err}
			}
			if err := d.Check(); err != nil {
				return nil, &InvalidConfigurationError{Reason: "device " + MakeUID(cid, did), Err: err}
			}
			if err := coord.AddDevice(d); err != nil {
				return nil, err
			}
		}

		if err := cfg.AddCoordinator(coord); err != nil {
			return nil, err
		}
	}

	if md != nil {
		if err := cfg.checkVariableIdentities(md); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// checkVariableIdentities enforces that a variable name is used at most
// once within a variable type across the whole system, considering the
// enabled outputs of enabled devices.
func (c *Config) checkVariableIdentities(md *Metadata) error {
	seen := make(map[string]string) // (var_type, var_name) -> device uid
	for _, cid := range c.Coordinators() {
		coord := c.coordinators[cid]
		for _, d := range coord.Devices() {
			if !d.Enabled {
				continue
			}
			meta, err := md.Device(d.Type)
			if err != nil {
				return &InvalidConfigurationError{Reason: "device " + MakeUID(cid, d.uid), Err: err}
			}
			for name, out := range d.Outputs {
				if !out.Enabled || out.VarName == "" {
					continue
				}
				varType, _, ok := meta.PDefs.OutputEventDef(name)
				if !ok {
					continue
				}
				key := varType + "/" + out.VarName
				uid := MakeUID(cid, d.uid)
				if other, dup := seen[key]; dup {
					return invalidConfiguration(
						"variable %s:%s defined by both %s and %s",
						varType, out.VarName, other, uid)
				}
				seen[key] = uid
			}
		}
	}
	return nil
}

// Coordinators returns the sorted ids of the coordinators.
func (c *Config) Coordinators() []string {
	ids := make([]string, 0, len(c.coordinators))
	for id := range c.coordinators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Coordinator returns a coordinator by its id.
func (c *Config) Coordinator(cid string) (*Coordinator, error) {
	coord, ok := c.coordinators[cid]
	if !ok {
		return nil, &NotFoundError{Kind: "coordinator", UID: cid}
	}
	return coord, nil
}

// AddCoordinator adds a coordinator to the configuration.
func (c *Config) AddCoordinator(coord *Coordinator) error {
	if err := coord.Check(); err != nil {
		return err
	}
	if _, exists := c.coordinators[coord.uid]; exists {
		return &DuplicateCoordinatorError{UID: coord.uid}
	}
	c.coordinators[coord.uid] = coord
	return nil
}

// DelCoordinator deletes a coordinator and its devices.
func (c *Config) DelCoordinator(cid string) error {
	if _, ok := c.coordinators[cid]; !ok {
		return &NotFoundError{Kind: "coordinator", UID: cid}
	}
	delete(c.coordinators, cid)
	return nil
}

// AddDevice adds a device to a coordinator given its id.
func (c *Config) AddDevice(cid string, d *Device) error {
	coord, err := c.Coordinator(cid)
	if err != nil {
		return err
	}
	return coord.AddDevice(d)
}

// Device returns a device knowing its parent coordinator id and its
// local id.
func (c *Config) Device(cid, did string) (*Device, error) {
	coord, err := c.Coordinator(cid)
	if err != nil {
		return nil, err
	}
	return coord.Device(did)
}

// DeviceByUID returns a device knowing its unique id
// ("<coord_id>/<dev_id>").
func (c *Config) DeviceByUID(uid string) (*Device, error) {
	cid, did, err := SplitUID(uid)
	if err != nil {
		return nil, err
	}
	return c.Device(cid, did)
}

// DelDevice removes a device from its coordinator.
func (c *Config) DelDevice(cid, did string) error {
	coord, err := c.Coordinator(cid)
	if err != nil {
		return err
	}
	return coord.DelDevice(did)
}

// DelDeviceByUID removes a device given its unique id.
func (c *Config) DelDeviceByUID(uid string) error {
	cid, did, err := SplitUID(uid)
	if err != nil {
		return err
	}
	return c.DelDevice(cid, did)
}

// RenameDevice changes the local id of a device, keeping its
// configuration.
func (c *Config) RenameDevice(uid, newID string) error {
	cid, did, err := SplitUID(uid)
	if err != nil {
		return err
	}
	coord, err := c.Coordinator(cid)
	if err != nil {
		return err
	}
	if _, exists := coord.devices[newID]; exists {
		return &DuplicateDeviceError{UID: MakeUID(cid, newID)}
	}
	d, err := coord.Device(did)
	if err != nil {
		return err
	}
	delete(coord.devices, did)
	d.uid = newID
	coord.devices[newID] = d
	return nil
}

// AsTree returns the {coordinator id -> [device ids]} projection of the
// configuration. Device ids are sorted when requested.
func (c *Config) AsTree(sorted bool) map[string][]string {
	tree := make(map[string][]string, len(c.coordinators))
	for cid, coord := range c.coordinators {
		ids := make([]string, 0, len(coord.devices))
		for did := range coord.devices {
			ids = append(ids, did)
		}
		if sorted {
			sort.Strings(ids)
		}
		tree[cid] = ids
	}
	return tree
}

func (c *Config) jsTree() map[string]any {
	coords := make(map[string]any, len(c.coordinators))
	for cid, coord := range c.coordinators {
		coords[cid] = coord.jsDict()
	}

	tree := make(map[string]any, len(c.Extra)+1)
	for k, v := range c.Extra {
		tree[k] = v
	}
	tree[CoordinatorsSection] = coords
	return tree
}

// AsJSON returns the canonical serialization of the configuration, as
// exchanged by the configuration broker.
func (c *Config) AsJSON() ([]byte, error) {
	return json.Marshal(c.jsTree())
}

// Store writes the formatted serialization to a file, atomically
// replacing any previous content.
func (c *Config) Store(path string) error {
	b, err := json.MarshalIndent(c.jsTree(), "", "    ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".devices-*.cfg")
	if err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("storing configuration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
