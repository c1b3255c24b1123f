// Package models contains domain types shared by the BLE bridge packages.
package models

import (
	"strings"
	"time"
)

// Direction tells which way a frame crossed the bridge.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// ParseDirection maps user supplied filter names onto a Direction.
// The second return value is false for anything that is not a direction,
// including "all" and the empty string.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sent", "tx", "write", "out", "outbound":
		return DirectionSent, true
	case "received", "rx", "notify", "notification", "in", "inbound":
		return DirectionReceived, true
	default:
		return "", false
	}
}

// LogEntry is one frame recorded by the log buffer. Entries are immutable
// once appended; callers must not modify Payload.
type LogEntry struct {
	SequenceID uint64    `json:"sequenceId"`
	Timestamp  time.Time `json:"timestamp"`
	Direction  Direction `json:"direction"`
	Payload    []byte    `json:"-"`
	Length     int       `json:"length"`
}

// Record converts the entry to its wire representation.
func (e *LogEntry) Record() LogRecord {
	return LogRecord{
		SequenceID: e.SequenceID,
		Timestamp:  e.Timestamp,
		Direction:  e.Direction,
		Hex:        FormatHex(e.Payload),
		Length:     e.Length,
	}
}

// LogRecord is the shape returned by get_logs and search_packets.
type LogRecord struct {
	SequenceID uint64    `json:"sequenceId" msgpack:"sequenceId"`
	Timestamp  time.Time `json:"timestamp" msgpack:"timestamp"`
	Direction  Direction `json:"direction" msgpack:"direction"`
	Hex        string    `json:"hex" msgpack:"hex"`
	Length     int       `json:"length" msgpack:"length"`
}

// FormatHex renders bytes as uppercase, space separated pairs ("A7 B3 01").
func FormatHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	const digits = "0123456789ABCDEF"
	out := make([]byte, 0, len(b)*3-1)
	for i, v := range b {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, digits[v>>4], digits[v&0x0f])
	}
	return string(out)
}
