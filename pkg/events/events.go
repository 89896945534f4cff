package events

import (
	"encoding/json"
	"time"
)

// Predefined event channels.
const (
	SensorChannel    = "sensor"
	ControlChannel   = "control"
	SysmonChannel    = "sysmon"
	FrameworkChannel = "framework"
)

// AllChannels lists the channels managed by the bus.
var AllChannels = []string{SensorChannel, ControlChannel, SysmonChannel, FrameworkChannel}

// Common data keys.
const (
	ValueKey = "value"
	UnitKey  = "unit"
)

// DefaultEventTTL is the default time to live of variable value events.
//
// The TTL is the maximum delay after which the last notification for a
// variable is considered obsolete. Past it, an event is sent even if the
// observed value has not changed, acting as a life sign so that the rest
// of the system knows the producer is still up and running.
const DefaultEventTTL = 2 * time.Hour

// Data is the payload of an event. The "value" and "unit" keys are
// optional; other keys are producer-defined. A notification event
// (e.g. motion detected) carries no value at all.
type Data map[string]any

// MakeData builds an event payload, handling the common value and unit
// items when provided.
func MakeData(value any, unit string) Data {
	data := Data{}
	if value != nil {
		data[ValueKey] = value
	}
	if unit != "" {
		data[UnitKey] = unit
	}
	return data
}

// Event is a variable change notification. Timestamp is the number of
// milliseconds elapsed since the Epoch; it is zero unless the producer
// supplied one explicitly. The bus never writes it: Channel.EmitTimed
// ignores it and stamps the emitted BusEvent itself.
type Event struct {
	Timestamp uint64
	VarType   string
	VarName   string
	Data      Data
}

// New returns an event without timestamp, to be stamped by the bus.
func New(varType, varName string, data Data) Event {
	return Event{VarType: varType, VarName: varName, Data: data}
}

// NewTimed returns an event carrying an explicit timestamp.
func NewTimed(timestamp uint64, varType, varName string, data Data) Event {
	return Event{Timestamp: timestamp, VarType: varType, VarName: varName, Data: data}
}

// EncodeData renders the event payload as its JSON wire form.
func (e Event) EncodeData() (string, error) {
	b, err := json.Marshal(e.Data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// BusEvent is the content of an event as it circulates on the bus: the
// payload is carried as a JSON-encoded string.
type BusEvent struct {
	Timestamp uint64 `json:"timestamp"`
	VarType   string `json:"var_type"`
	VarName   string `json:"var_name"`
	Data      string `json:"data"`
}

// Decode parses the JSON payload of a bus event.
func (e BusEvent) Decode() (Data, error) {
	var data Data
	if err := json.Unmarshal([]byte(e.Data), &data); err != nil {
		return nil, err
	}
	return data, nil
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
