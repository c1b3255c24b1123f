package logbuffer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SinceKind tags the variant held by a Since value.
type SinceKind int

const (
	// SinceAll starts at the oldest retained entry.
	SinceAll SinceKind = iota
	// SinceCursor starts after the calling client's cursor.
	SinceCursor
	// SinceDuration starts after now minus a window.
	SinceDuration
	// SinceTime starts after an absolute instant.
	SinceTime
)

func (k SinceKind) String() string {
	switch k {
	case SinceCursor:
		return "cursor"
	case SinceDuration:
		return "duration"
	case SinceTime:
		return "time"
	default:
		return "all"
	}
}

// Since is the resolved form of a "since" query parameter.
type Since struct {
	Kind   SinceKind
	Window time.Duration
	At     time.Time
}

func SinceStart() Since { return Since{Kind: SinceAll} }
func SinceLast() Since { return Since{Kind: SinceCursor} }
func SinceWindow(d time.Duration) Since { return Since{Kind: SinceDuration, Window: d} }
func SinceInstant(t time.Time) Since { return Since{Kind: SinceTime, At: t} }

// Cutoff returns the instant entries must be strictly after. Only
// meaningful for SinceDuration and SinceTime.
func (s Since) Cutoff(now time.Time) time.Time {
	if s.Kind == SinceDuration {
		return now.Add(-s.Window)
	}
	return s.At
}

func (s Since) String() string {
	switch s.Kind {
	case SinceCursor:
		return "last"
	case SinceDuration:
		return s.Window.String()
	case SinceTime:
		return s.At.Format(time.RFC3339Nano)
	default:
		return "all"
	}
}

var humanDuration = regexp.MustCompile(`^(?:last\s+)?(\d+(?:\.\d+)?)\s*([a-z]+)$`)

var durationUnits = map[string]time.Duration{
	"ms": time.Millisecond, "msec": time.Millisecond, "millisecond": time.Millisecond, "milliseconds": time.Millisecond,
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
}

// ParseSince resolves a user supplied since value. Accepted forms:
//
//	""  "all"  "start"                    everything retained
//	"last"                                after the caller's cursor
//	"30s"  "1h30m"  "last 5 minutes"      relative window
//	RFC 3339 timestamp, unix milliseconds absolute instant
func ParseSince(raw string) (Since, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "", "all", "start", "beginning":
		return SinceStart(), nil
	case "last", "cursor", "new":
		return SinceLast(), nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return SinceStart(), fmt.Errorf("since window must be positive: %q", raw)
		}
		return SinceWindow(d), nil
	}

	if m := humanDuration.FindStringSubmatch(s); m != nil {
		unit, ok := durationUnits[m[2]]
		if !ok {
			return SinceStart(), fmt.Errorf("unknown since unit %q", m[2])
		}
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil || n <= 0 {
			return SinceStart(), fmt.Errorf("invalid since window %q", raw)
		}
		return SinceWindow(time.Duration(n * float64(unit))), nil
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, strings.TrimSpace(raw)); err == nil {
			return SinceInstant(t), nil
		}
	}

	if len(s) >= 12 {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return SinceInstant(time.UnixMilli(ms)), nil
		}
	}

	return SinceStart(), fmt.Errorf("unrecognised since value %q", raw)
}
