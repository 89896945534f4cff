// Package devnet implements the device network runtime.
//
// A coordinator runtime owns the physical transport to a family of
// devices and the driver instances abstracting them. It drives a
// periodic polling scheduler against the pollable devices, with bounded
// retry on communication failures, and publishes the resulting value
// change notifications on the sensor channel of the event bus.
//
// The DeviceNetworkService is the top level container: it instantiates
// one coordinator runtime per configured coordinator and manages their
// common lifecycle, reporting its own state transitions on the
// framework channel.
package devnet
