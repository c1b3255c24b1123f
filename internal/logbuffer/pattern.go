package logbuffer

import (
	"encoding/hex"
	"strings"
)

// hexPattern is a normalized search pattern: upper-case hex digits with no
// separators.
type hexPattern string

// NormalizePattern strips separators ("A7 B3", "a7:b3", "0xA7B3") and
// upper-cases the digits. ok is false if the result is empty or contains a
// non hex character.
func NormalizePattern(p string) (string, bool) {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(strings.TrimPrefix(p, "0x"), "0X")
	var sb strings.Builder
	for _, r := range p {
		switch {
		case r == ' ' || r == ':' || r == '-' || r == ',' || r == '\t':
			continue
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
			sb.WriteRune(r)
		default:
			return "", false
		}
	}
	if sb.Len() == 0 {
		return "", false
	}
	return strings.ToUpper(sb.String()), true
}

func compilePattern(p string) (hexPattern, bool) {
	norm, ok := NormalizePattern(p)
	return hexPattern(norm), ok
}

// match reports whether the payload, rendered as contiguous hex digits,
// contains the pattern. Matches may start on a nibble boundary.
func (p hexPattern) match(payload []byte) bool {
	return strings.Contains(strings.ToUpper(hex.EncodeToString(payload)), string(p))
}
