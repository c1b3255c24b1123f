package logbuffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSince(t *testing.T) {
	tests := []struct {
		input  string
		kind   SinceKind
		window time.Duration
	}{
		{"", SinceAll, 0},
		{"all", SinceAll, 0},
		{"last", SinceCursor, 0},
		{"LAST", SinceCursor, 0},
		{"30s", SinceDuration, 30 * time.Second},
		{"5m", SinceDuration, 5 * time.Minute},
		{"1h", SinceDuration, time.Hour},
		{"1h30m", SinceDuration, 90 * time.Minute},
		{"last 30 seconds", SinceDuration, 30 * time.Second},
		{"last 5 minutes", SinceDuration, 5 * time.Minute},
		{"last 1 hour", SinceDuration, time.Hour},
		{"2 mins", SinceDuration, 2 * time.Minute},
		{"500ms", SinceDuration, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSince(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.window, got.Window)
		})
	}
}

func TestParseSinceAbsolute(t *testing.T) {
	got, err := ParseSince("2025-03-01T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, SinceTime, got.Kind)
	assert.True(t, got.At.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))

	got, err = ParseSince("1740830400000")
	require.NoError(t, err)
	assert.Equal(t, SinceTime, got.Kind)
	assert.Equal(t, int64(1740830400000), got.At.UnixMilli())
}

func TestParseSinceInvalidFallsBackToStart(t *testing.T) {
	for _, input := range []string{"yesterday", "-5m", "0s", "last 3 fortnights", "12"} {
		got, err := ParseSince(input)
		assert.Error(t, err, input)
		assert.Equal(t, SinceAll, got.Kind, input)
	}
}

func TestSinceCutoff(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(-30*time.Second), SinceWindow(30*time.Second).Cutoff(now))

	at := now.Add(-time.Hour)
	assert.Equal(t, at, SinceInstant(at).Cutoff(now))
}
