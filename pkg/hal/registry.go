package hal

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/gridworks/gridbox/pkg/devcfg"
	"github.com/gridworks/gridbox/pkg/log"
)

// Constructor builds a driver instance from the parent coordinator
// configuration and the device configuration. The descriptor carries
// the metadata-derived output mapping.
type Constructor func(coord *devcfg.Coordinator, cfg *devcfg.Device, desc Descriptor) (Driver, error)

// Descriptor declares an implementation class for a device type.
type Descriptor struct {
	// CoordinatorType and DeviceType form the fully qualified device
	// type the descriptor implements.
	CoordinatorType string
	DeviceType      string

	// OutputsToEvents maps each output name to the definition of the
	// events it produces, derived from the device metadata.
	OutputsToEvents map[string]EventDataDef

	// New constructs the driver.
	New Constructor
}

// FQDT returns the fully qualified device type of the descriptor.
func (d Descriptor) FQDT() string {
	return d.CoordinatorType + ":" + d.DeviceType
}

// OutputsFromMetadata derives the output to event definition mapping of
// a device type from its metadata, annotation keys filtered out.
func OutputsFromMetadata(meta *devcfg.DeviceMetadata) map[string]EventDataDef {
	outputs := make(map[string]EventDataDef)
	for _, name := range meta.PDefs.OutputNames() {
		varType, units, ok := meta.PDefs.OutputEventDef(name)
		if !ok {
			continue
		}
		outputs[name] = EventDataDef{VarType: varType, Units: units}
	}
	return outputs
}

// NewDescriptor builds a registrable descriptor for a device type,
// pulling the output mapping from the metadata registry.
func NewDescriptor(md *devcfg.Metadata, ctype, dtype string, ctor Constructor) (Descriptor, error) {
	meta, err := md.DeviceTyped(devcfg.FQDT{CoordinatorType: ctype, DeviceType: dtype})
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		CoordinatorType: ctype,
		DeviceType:      dtype,
		OutputsToEvents: OutputsFromMetadata(meta),
		New:             ctor,
	}, nil
}

// Registry is the table of known driver implementations, keyed by fully
// qualified device type. One instance is built in main from the
// compiled driver list and shared by all coordinator runtimes.
type Registry struct {
	classes map[string]Descriptor
	logger  zerolog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		classes: make(map[string]Descriptor),
		logger:  log.WithComponent("hal"),
	}
}

// Register adds a descriptor to the registry. A later registration of
// the same device type replaces the earlier one with a logged warning,
// which lets an extension deliberately shadow a stock driver.
func (r *Registry) Register(desc Descriptor) {
	fqdt := desc.FQDT()
	if _, exists := r.classes[fqdt]; exists {
		r.logger.Warn().Str("device_type", fqdt).
			Msg("device type already registered, previous driver replaced")
	}
	r.classes[fqdt] = desc
	r.logger.Info().Str("device_type", fqdt).Msg("driver registered")
}

// Lookup returns the descriptor for a fully qualified device type.
func (r *Registry) Lookup(fqdt string) (Descriptor, bool) {
	desc, ok := r.classes[fqdt]
	return desc, ok
}

// DeviceTypes returns the sorted fully qualified device types known to
// the registry.
func (r *Registry) DeviceTypes() []string {
	types := make([]string, 0, len(r.classes))
	for fqdt := range r.classes {
		types = append(types, fqdt)
	}
	sort.Strings(types)
	return types
}
