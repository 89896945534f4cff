// Package log provides structured logging for Gridbox components.
//
// It wraps zerolog with a global logger instance and helpers for creating
// child loggers scoped to a component, a coordinator or a device.
package log
