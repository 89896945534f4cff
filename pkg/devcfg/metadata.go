package devcfg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Names of the sections and annotations used in metadata files.
const (
	PropertyDefsSection = "pdefs"
	RootSection         = "root"
	OutputsSection      = "outputs"
	ControlsSection     = "controls"

	DefaultValueKey = "defvalue"
	VarTypeKey      = "__vartype__"
	VarUnitsKey     = "__varunits__"

	annotationPrefix = "__"
	metadataDirExt   = ".d"
)

// FQDT is a fully qualified device type: the coordinator type and the
// device type joined by a colon (ex: "sgbus:rht").
type FQDT struct {
	CoordinatorType string
	DeviceType      string
}

// ParseFQDT splits the string form of a fully qualified device type.
func ParseFQDT(s string) (FQDT, error) {
	ctype, dtype, ok := strings.Cut(s, ":")
	if !ok || ctype == "" || dtype == "" {
		return FQDT{}, fmt.Errorf("invalid fully qualified device type (%s)", s)
	}
	return FQDT{CoordinatorType: ctype, DeviceType: dtype}, nil
}

func (f FQDT) String() string {
	return f.CoordinatorType + ":" + f.DeviceType
}

// DeviceMetadata is the parsed content of a device descriptor file. Raw
// keeps the whole document for clients needing the untyped form.
type DeviceMetadata struct {
	PDefs PropertyDefs
	Raw   map[string]any
}

// PropertyDefs is the "pdefs" object of a device descriptor: the device
// root properties and its endpoint declarations. Keys starting with a
// double underscore are annotations, not properties.
type PropertyDefs struct {
	Root     map[string]map[string]any
	Outputs  map[string]map[string]any
	Controls map[string]map[string]any
}

func isAnnotation(key string) bool {
	return strings.HasPrefix(key, annotationPrefix)
}

func sectionNames(section map[string]map[string]any) []string {
	names := make([]string, 0, len(section))
	for k := range section {
		if !isAnnotation(k) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// RootProperties returns the declared root property names, annotations
// filtered out.
func (p PropertyDefs) RootProperties() []string {
	return sectionNames(p.Root)
}

// OutputNames returns the declared output names, annotations filtered out.
func (p PropertyDefs) OutputNames() []string {
	return sectionNames(p.Outputs)
}

// ControlNames returns the declared control names, annotations filtered out.
func (p PropertyDefs) ControlNames() []string {
	return sectionNames(p.Controls)
}

// DefaultValue returns the default value of a root property, or the
// empty string when none is declared.
func (p PropertyDefs) DefaultValue(name string) any {
	def, ok := p.Root[name]
	if !ok {
		return ""
	}
	if v, ok := def[DefaultValueKey]; ok {
		return v
	}
	return ""
}

// OutputEventDef returns the variable type and units declared for an
// output through the __vartype__ and __varunits__ annotations.
func (p PropertyDefs) OutputEventDef(name string) (varType, units string, ok bool) {
	def, found := p.Outputs[name]
	if !found {
		return "", "", false
	}
	vt, found := def[VarTypeKey].(string)
	if !found {
		return "", "", false
	}
	units, _ = def[VarUnitsKey].(string)
	return vt, units, true
}

// Metadata is the device metadata registry. The on-disk layout under the
// root directory is one JSON file per coordinator type, plus one
// directory "<ctype>.d" containing one JSON file per device type:
//
//	<root>/<coord_type>
//	<root>/<coord_type>.d/<device_type>
//
// Hidden entries (names beginning with a dot) are skipped.
type Metadata struct {
	root string
}

// NewMetadata creates a registry reading descriptors under root.
func NewMetadata(root string) *Metadata {
	return &Metadata{root: root}
}

// Root returns the registry root directory.
func (m *Metadata) Root() string {
	return m.root
}

func (m *Metadata) coordinatorDir(ctype string) string {
	return filepath.Join(m.root, ctype+metadataDirExt)
}

// CoordinatorTypes returns the list of known coordinator types.
func (m *Metadata) CoordinatorTypes() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("reading metadata root: %w", err)
	}

	var types []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || e.IsDir() {
			continue
		}
		types = append(types, name)
	}
	sort.Strings(types)
	return types, nil
}

// Coordinator returns the raw metadata for a coordinator type.
func (m *Metadata) Coordinator(ctype string) (map[string]any, error) {
	path := filepath.Join(m.root, ctype)
	if _, err := os.Stat(path); err != nil {
		return nil, &DeviceTypeNotFoundError{Type: ctype}
	}
	return readJSONFile(path)
}

// DeviceTypes returns the fully qualified device types supported by a
// coordinator type. The list may be empty.
func (m *Metadata) DeviceTypes(ctype string) ([]string, error) {
	dir := m.coordinatorDir(ctype)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &DeviceTypeNotFoundError{Type: ctype}
	}

	var types []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || e.IsDir() {
			continue
		}
		types = append(types, ctype+":"+name)
	}
	sort.Strings(types)
	return types, nil
}

// Device returns the parsed metadata for a fully qualified device type
// given in its string form. DeviceTyped takes an already split one.
func (m *Metadata) Device(fqdt string) (*DeviceMetadata, error) {
	f, err := ParseFQDT(fqdt)
	if err != nil {
		return nil, err
	}
	return m.DeviceTyped(f)
}

// DeviceTyped is Device for an already parsed FQDT.
func (m *Metadata) DeviceTyped(f FQDT) (*DeviceMetadata, error) {
	path := filepath.Join(m.coordinatorDir(f.CoordinatorType), f.DeviceType)
	if _, err := os.Stat(path); err != nil {
		return nil, &DeviceTypeNotFoundError{Type: f.String()}
	}

	raw, err := readJSONFile(path)
	if err != nil {
		return nil, err
	}

	md := &DeviceMetadata{Raw: raw}
	pdefs, _ := raw[PropertyDefsSection].(map[string]any)
	md.PDefs = PropertyDefs{
		Root:     asSection(pdefs[RootSection]),
		Outputs:  asSection(pdefs[OutputsSection]),
		Controls: asSection(pdefs[ControlsSection]),
	}
	return md, nil
}

// DeviceRaw returns the untyped metadata document of a device type, as
// served by the configuration broker.
func (m *Metadata) DeviceRaw(fqdt string) (map[string]any, error) {
	md, err := m.Device(fqdt)
	if err != nil {
		return nil, err
	}
	return md.Raw, nil
}

func asSection(v any) map[string]map[string]any {
	section := make(map[string]map[string]any)
	tree, ok := v.(map[string]any)
	if !ok {
		return section
	}
	for k, sub := range tree {
		if def, ok := sub.(map[string]any); ok {
			section[k] = def
		}
	}
	return section
}

func readJSONFile(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &InvalidMetadataFileError{Path: path, Reason: err}
	}

	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, &InvalidMetadataFileError{Path: path, Reason: err}
	}
	return doc, nil
}
