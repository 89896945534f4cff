// Package period parses and formats durations expressed in the compact
// configuration syntax used across device settings: a non-negative integer
// followed by an optional unit suffix (s, m or h), defaulting to seconds.
package period
