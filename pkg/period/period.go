package period

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var periodRe = regexp.MustCompile(`^(\d+)([smh]?)$`)

// Parse converts a period string to its duration in seconds.
//
// The accepted format is <nn>[s|m|h] where <nn> is a non-negative integer.
// The suffix selects the unit (seconds, minutes or hours) and defaults
// to seconds when absent. An empty string parses to 0.
func Parse(s string) (int, error) {
	if s == "" {
		return 0, nil
	}

	m := periodRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid period value (%s)", s)
	}

	value, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid period value (%s)", s)
	}

	switch m[2] {
	case "", "s":
		return value, nil
	case "m":
		return value * 60, nil
	default: // "h"
		return value * 3600, nil
	}
}

// Format renders a number of seconds in the most compact period syntax
// that Parse maps back to the same value.
func Format(secs int) string {
	switch {
	case secs >= 3600 && secs%3600 == 0:
		return strconv.Itoa(secs/3600) + "h"
	case secs >= 60 && secs%60 == 0:
		return strconv.Itoa(secs/60) + "m"
	default:
		return strconv.Itoa(secs) + "s"
	}
}

// Duration is a convenience wrapper around Parse returning a time.Duration.
func Duration(s string) (time.Duration, error) {
	secs, err := Parse(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}
