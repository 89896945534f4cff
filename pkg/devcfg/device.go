package devcfg

import (
	"fmt"
	"strconv"
	"strings"
)

// Names of the attributes used in the configuration file.
const (
	CoordinatorsSection = "coordinators"
	DevicesSection      = "devices"

	TypeAttr             = "type"
	AddressAttr          = "address"
	LocationAttr         = "location"
	EnabledAttr          = "enabled"
	EventsTTLAttr        = "events_ttl"
	PollPeriodAttr       = "polling"
	PollPauseAttr        = "pause"
	PollReqIntervalAttr  = "poll_req_interval"
	VarNameAttr          = "varname"
	PrecisionAttr        = "prec"
	DeltaMinAttr         = "delta_min"
	PortAttr             = "port"
)

// DefaultPrecision is the number of decimal places applied to notified
// values when the output configuration does not override it.
const DefaultPrecision = 3

// MakeUID builds the global unique id of a device from the id of its
// coordinator and its local id.
func MakeUID(cid, did string) string {
	return cid + "/" + did
}

// SplitUID splits a device unique id into its coordinator and local
// device parts.
func SplitUID(uid string) (cid, did string, err error) {
	cid, did, ok := strings.Cut(uid, "/")
	if !ok || cid == "" || did == "" {
		return "", "", fmt.Errorf("invalid device uid (%s)", uid)
	}
	return cid, did, nil
}

// OutputConfig is the configuration of one device output.
type OutputConfig struct {
	// Enabled tells if value changes on this output are notified.
	Enabled bool
	// VarName is the name of the variable carried by the events
	// produced for this output.
	VarName string
	// Prec is the number of decimal places kept on notified values.
	Prec int
	// DeltaMin, when set, is the absolute variation from the previously
	// notified value up to which (inclusive) a change is not notified.
	DeltaMin *float64
	// Extra holds the driver-specific keys.
	Extra map[string]any
}

func parseOutputConfig(tree map[string]any) OutputConfig {
	cfg := OutputConfig{Prec: DefaultPrecision, Extra: make(map[string]any)}
	for k, v := range tree {
		switch k {
		case EnabledAttr:
			cfg.Enabled = toBool(v)
		case VarNameAttr:
			cfg.VarName = toString(v)
		case PrecisionAttr:
			if n, err := toInt(v); err == nil {
				cfg.Prec = n
			}
		case DeltaMinAttr:
			if f, err := toFloat(v); err == nil {
				cfg.DeltaMin = &f
			}
		default:
			cfg.Extra[k] = v
		}
	}
	return cfg
}

func (o OutputConfig) jsDict() map[string]any {
	tree := map[string]any{
		EnabledAttr:   o.Enabled,
		PrecisionAttr: o.Prec,
	}
	if o.VarName != "" {
		tree[VarNameAttr] = o.VarName
	}
	if o.DeltaMin != nil {
		tree[DeltaMinAttr] = *o.DeltaMin
	}
	for k, v := range o.Extra {
		tree[k] = v
	}
	return tree
}

// Device is the model of one addressable endpoint of a coordinator.
type Device struct {
	uid string

	// Type is the fully qualified device type ("<ctype>:<dtype>").
	Type string
	// Address is the device address on the coordinator transport.
	Address string
	// Location is the human readable placement of the device.
	Location string
	// Enabled tells if the device takes part in the runtime.
	Enabled bool

	// EventsTTL is the maximum age of the last notification for a
	// variable before a refresh event is forced, in period syntax.
	// Empty means the system default.
	EventsTTL string
	// Polling is the polling period in period syntax.
	Polling string
	// Pause is an optional pause after each poll of this device, in
	// period syntax.
	Pause string

	// Props holds the remaining root properties, metadata defaults
	// included.
	Props map[string]any

	// Outputs and Controls are the endpoint sections, pre-populated
	// from the metadata declarations.
	Outputs  map[string]OutputConfig
	Controls map[string]map[string]any
}

// NewDevice builds a device from its configuration subtree.
//
// When the subtree carries a type, the properties and endpoints declared
// in the corresponding device metadata are applied first: every root
// property is set to its declared default (empty string if none), and
// each declared endpoint gets an empty configuration. The explicitly
// passed attributes then override these defaults. Annotation keys
// (double underscore prefix) are never materialized.
func NewDevice(uid string, tree map[string]any, md *Metadata) (*Device, error) {
	if uid == "" {
		return nil, invalidConfiguration("device uid is mandatory")
	}

	d := &Device{
		uid:      uid,
		Props:    make(map[string]any),
		Outputs:  make(map[string]OutputConfig),
		Controls: make(map[string]map[string]any),
	}

	merged := make(map[string]any)

	if rawType, ok := tree[TypeAttr]; ok && md != nil {
		devType := toString(rawType)
		meta, err := md.Device(devType)
		if err != nil {
			return nil, err
		}

		for _, prop := range meta.PDefs.RootProperties() {
			merged[prop] = meta.PDefs.DefaultValue(prop)
		}
		for _, name := range meta.PDefs.OutputNames() {
			d.Outputs[name] = OutputConfig{Prec: DefaultPrecision, Extra: make(map[string]any)}
		}
		for _, name := range meta.PDefs.ControlNames() {
			d.Controls[name] = make(map[string]any)
		}
	}

	for k, v := range tree {
		if isAnnotation(k) {
			continue
		}
		merged[k] = v
	}

	for k, v := range merged {
		switch k {
		case TypeAttr:
			d.Type = toString(v)
		case AddressAttr:
			d.Address = toString(v)
		case LocationAttr:
			d.Location = toString(v)
		case EnabledAttr:
			d.Enabled = toBool(v)
		case EventsTTLAttr:
			d.EventsTTL = toString(v)
		case PollPeriodAttr:
			d.Polling = toString(v)
		case PollPauseAttr:
			d.Pause = toString(v)
		case OutputsSection:
			section, ok := v.(map[string]any)
			if !ok {
				return nil, invalidConfiguration("outputs section of device %s is not a mapping", uid)
			}
			for name, sub := range section {
				if isAnnotation(name) {
					continue
				}
				outTree, ok := sub.(map[string]any)
				if !ok {
					return nil, invalidConfiguration("output %s of device %s is not a mapping", name, uid)
				}
				d.Outputs[name] = parseOutputConfig(outTree)
			}
		case ControlsSection:
			section, ok := v.(map[string]any)
			if !ok {
				return nil, invalidConfiguration("controls section of device %s is not a mapping", uid)
			}
			for name, sub := range section {
				if isAnnotation(name) {
					continue
				}
				ctlTree, ok := sub.(map[string]any)
				if !ok {
					return nil, invalidConfiguration("control %s of device %s is not a mapping", name, uid)
				}
				d.Controls[name] = ctlTree
			}
		default:
			d.Props[k] = v
		}
	}

	return d, nil
}

// UID returns the local id of the device within its coordinator.
func (d *Device) UID() string {
	return d.uid
}

func (d *Device) String() string {
	return fmt.Sprintf("%s(%s)", d.uid, d.Type)
}

// Check verifies that all required attributes are defined.
func (d *Device) Check() error {
	if d.uid == "" {
		return &MissingAttributeError{UID: d.uid, Attr: "uid"}
	}
	for attr, value := range map[string]string{
		TypeAttr:     d.Type,
		AddressAttr:  d.Address,
		LocationAttr: d.Location,
	} {
		if value == "" {
			return &MissingAttributeError{UID: d.uid, Attr: attr}
		}
	}
	return nil
}

// Output returns the configuration of one output.
func (d *Device) Output(name string) (OutputConfig, bool) {
	cfg, ok := d.Outputs[name]
	return cfg, ok
}

// AsMap returns the serializable form of the device, endpoint sections
// included. This is the projection served by the configuration broker
// for device queries.
func (d *Device) AsMap() map[string]any {
	return d.jsDict()
}

func (d *Device) jsDict() map[string]any {
	tree := map[string]any{
		TypeAttr:     d.Type,
		AddressAttr:  d.Address,
		LocationAttr: d.Location,
		EnabledAttr:  d.Enabled,
	}
	if d.EventsTTL != "" {
		tree[EventsTTLAttr] = d.EventsTTL
	}
	if d.Polling != "" {
		tree[PollPeriodAttr] = d.Polling
	}
	if d.Pause != "" {
		tree[PollPauseAttr] = d.Pause
	}
	for k, v := range d.Props {
		tree[k] = v
	}

	outputs := make(map[string]any, len(d.Outputs))
	for name, cfg := range d.Outputs {
		outputs[name] = cfg.jsDict()
	}
	tree[OutputsSection] = outputs

	controls := make(map[string]any, len(d.Controls))
	for name, cfg := range d.Controls {
		controls[name] = cfg
	}
	tree[ControlsSection] = controls

	return tree
}

// Scalar coercion helpers. The configuration file is hand-edited JSON,
// so scalar attributes show up as strings, numbers or booleans
// depending on the author.

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(t) {
		case "true", "t", "yes", "y", "1":
			return true
		}
	case float64:
		return t != 0
	}
	return false
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	case int:
		return t, nil
	}
	return 0, fmt.Errorf("not an integer value (%v)", v)
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case string:
		return strconv.ParseFloat(t, 64)
	case int:
		return float64(t), nil
	}
	return 0, fmt.Errorf("not a numeric value (%v)", v)
}
