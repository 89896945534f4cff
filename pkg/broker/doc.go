// Package broker implements the device configuration broker.
//
// The broker keeps the current devices network configuration in memory
// and serves its items to the other processes of the application over a
// small HTTP request/reply API. Configuration changes are notified to
// in-process subscribers, to the framework channel of the event bus and
// to remote consumers through a change feed.
//
// Only a single broker is supposed to exist in the system; ensuring
// this is the responsibility of the application integrator.
package broker
