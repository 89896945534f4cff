// Package devcfg provides access to the devices network configuration.
//
// The configuration describes the device graph as coordinators owning
// devices, each device exposing outputs and controls. It is stored as a
// single JSON file, by default /etc/gridbox/devices.cfg.
//
// The package also exposes the device metadata registry: a read-only
// catalog of the known coordinator and device types, loaded from JSON
// descriptor files. Device construction expands the defaults declared
// in the metadata before applying user-supplied attributes.
package devcfg
