// Package drivers is the compiled list of the built-in device drivers.
//
// Each driver declares the fully qualified device type it implements
// and a constructor; RegisterAll feeds the whole list to a hal.Registry,
// attaching to every descriptor the output to event mapping derived
// from the device metadata. A driver whose metadata cannot be loaded is
// rejected with a logged error without aborting the registration of the
// others.
package drivers
