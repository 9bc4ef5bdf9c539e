// Package timefmt converts between match clock strings ("MM:SS", "HH:MM:SS")
// and elapsed seconds.
package timefmt

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxClockSeconds is the largest clock value ParseClock accepts.
const MaxClockSeconds = math.MaxInt32

var errOutOfRange = errors.New("out of range")

// FormatError reports a clock string whose minutes or hours field is not a number.
type FormatError struct {
	Field string
	Value string
	Err   error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s %q in clock: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("invalid %s %q in clock", e.Field, e.Value)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Formatter renders elapsed seconds as a clock string.
type Formatter func(seconds int) string

// FormatterFor returns FormatClockHours when hourAware is set, FormatClock otherwise.
func FormatterFor(hourAware bool) Formatter {
	if hourAware {
		return FormatClockHours
	}
	return FormatClock
}

// ParseClock parses "M", "MM:SS" or "HH:MM:SS" into seconds.
//
// The seconds field is lenient: a missing, malformed, negative or out of range
// value counts as zero. Minutes and hours must be numeric and may be
// fractional; the total is truncated to whole seconds and may not exceed
// MaxClockSeconds.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")

	var hoursField, minutesField, secondsField string
	switch len(parts) {
	case 1:
		// A bare number is a minute count.
		minutesField = parts[0]
	case 2:
		minutesField, secondsField = parts[0], parts[1]
	case 3:
		hoursField, minutesField, secondsField = parts[0], parts[1], parts[2]
	default:
		return 0, &FormatError{Field: "clock", Value: s, Err: fmt.Errorf("expected at most 3 fields, got %d", len(parts))}
	}

	hours, err := parseField("hours", hoursField, 3600)
	if err != nil {
		return 0, err
	}
	minutes, err := parseField("minutes", minutesField, 60)
	if err != nil {
		return 0, err
	}

	// Both fields are already in seconds and each is at most MaxClockSeconds.
	total := int64(hours+minutes) + int64(parseSeconds(secondsField))
	if total > MaxClockSeconds {
		return 0, &FormatError{Field: "clock", Value: s, Err: errOutOfRange}
	}
	return int(total), nil
}

// parseField returns raw scaled to seconds. Fractions survive until the
// caller truncates the sum.
func parseField(name, raw string, scale float64) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &FormatError{Field: name, Value: raw, Err: err}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, &FormatError{Field: name, Value: raw}
	}
	if v*scale > MaxClockSeconds {
		return 0, &FormatError{Field: name, Value: raw, Err: errOutOfRange}
	}
	return v * scale, nil
}

func parseSeconds(raw string) int {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > MaxClockSeconds {
		return 0
	}
	return int(v)
}

// FormatClock renders seconds as "MM:SS". Minutes are not wrapped into hours.
func FormatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// FormatClockHours renders seconds as "HH:MM:SS" once an hour has elapsed and
// as "MM:SS" before that.
func FormatClockHours(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := seconds / 3600
	if hours == 0 {
		return FormatClock(seconds)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, (seconds%3600)/60, seconds%60)
}
