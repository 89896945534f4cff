// Package hal is the hardware abstraction layer of the device network
// runtime.
//
// Device drivers bridge the physical equipments and the event layer:
// they translate raw per-output readings into value change events,
// applying the generic filtering rules (precision rounding, minimal
// variation threshold, time to live refresh). The driver registry maps
// fully qualified device types to driver constructors; it is populated
// explicitly from the compiled driver list (see the drivers
// sub-package), never by import side effects.
package hal
