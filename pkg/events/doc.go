// Package events defines the Gridbox event model and the in-process
// event bus distributing value-change notifications between components.
//
// The instrumented environment is represented by a set of state and
// control variables. An event notifies a change of one variable and is
// identified by a variable type (its semantic kind, e.g. "temperature")
// and a variable name. Events are exchanged on a fixed set of channels
// so that consumers can subscribe to a family of events without any
// content matching: "sensor" for measurements, "control" for actuator
// set points, "sysmon" for system monitoring and "framework" for
// service lifecycle notifications.
//
// Variable names must be unique within a type: the association
// (type, name) identifies a time-series on the bus.
package events
