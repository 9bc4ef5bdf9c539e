package reconcile

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timingLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseEventTiming parses the instant an event reading was captured. It
// accepts RFC 3339 timestamps, zone-less timestamps (read as UTC) and integer
// epoch milliseconds.
func ParseEventTiming(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty event timing")
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}

	for _, layout := range timingLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized event timing %q", s)
}
