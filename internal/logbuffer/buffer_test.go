package logbuffer

import (
	"sync"
	"testing"
	"time"

	"github.com/ble-bridge/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock hands out instants under test control.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBuffer(capacity int) (*Buffer, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := New(capacity)
	b.now = clock.Now
	return b, clock
}

func seqs(entries []*models.LogEntry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.SequenceID
	}
	return out
}

func TestClampCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, ClampCapacity(0))
	assert.Equal(t, DefaultCapacity, ClampCapacity(-5))
	assert.Equal(t, MinCapacity, ClampCapacity(1))
	assert.Equal(t, MaxCapacity, ClampCapacity(5_000_000))
	assert.Equal(t, 2500, ClampCapacity(2500))

	assert.Equal(t, MinCapacity, New(3).Capacity())
}

func TestAppendRetainsLastEntries(t *testing.T) {
	b := New(10000)
	for i := 0; i < 15000; i++ {
		b.Append(models.DirectionSent, []byte{byte(i)})
	}

	assert.Equal(t, 10000, b.Len())
	assert.Equal(t, uint64(15000), b.LastSequence())
	require.NotNil(t, b.Oldest())
	assert.Equal(t, uint64(5001), b.Oldest().SequenceID)

	snap := b.Snapshot()
	require.Len(t, snap, 10000)
	for i, e := range snap {
		assert.Equal(t, uint64(5001+i), e.SequenceID)
	}
}

func TestAppendCopiesPayload(t *testing.T) {
	b := New(100)
	payload := []byte{0x01, 0x02}
	b.Append(models.DirectionReceived, payload)
	payload[0] = 0xFF

	e := b.Oldest()
	assert.Equal(t, []byte{0x01, 0x02}, e.Payload)
	assert.Equal(t, 2, e.Length)
	assert.Equal(t, models.DirectionReceived, e.Direction)
}

func TestQueryAfterCursor(t *testing.T) {
	b, _ := newTestBuffer(100)
	for i := 0; i < 10; i++ {
		b.Append(models.DirectionSent, []byte{byte(i)})
	}

	b.AdvanceCursor("client-a", 4)
	res := b.Query(Query{Since: SinceLast(), ClientID: "client-a", Limit: 100})
	assert.Equal(t, []uint64{5, 6, 7, 8, 9, 10}, seqs(res.Entries))
	assert.False(t, res.Truncated)

	// Another client starts from the beginning.
	res = b.Query(Query{Since: SinceLast(), ClientID: "client-b", Limit: 100})
	assert.Len(t, res.Entries, 10)
}

func TestQueryCursorBeforeEvictionClamps(t *testing.T) {
	b, _ := newTestBuffer(100)
	for i := 0; i < 250; i++ {
		b.Append(models.DirectionSent, []byte{byte(i)})
	}
	b.AdvanceCursor("slow", 10)

	res := b.Query(Query{Since: SinceLast(), ClientID: "slow", Limit: 1000})
	require.Len(t, res.Entries, 100)
	assert.Equal(t, uint64(151), res.Entries[0].SequenceID)
}

func TestQueryWindowIsStrictlyAfterCutoff(t *testing.T) {
	b, clock := newTestBuffer(100)
	for i := 0; i < 6; i++ {
		b.Append(models.DirectionSent, []byte{byte(i)})
		clock.Advance(10 * time.Second)
	}
	// Entries sit at +0s .. +50s, now is +60s; the cutoff is +30s.
	res := b.Query(Query{Since: SinceWindow(30 * time.Second), Limit: 100})
	assert.Equal(t, []uint64{5, 6}, seqs(res.Entries))

	// A window that predates every entry returns everything.
	res = b.Query(Query{Since: SinceWindow(time.Hour), Limit: 100})
	assert.Len(t, res.Entries, 6)

	// Once the whole history is older than the window, nothing is returned.
	clock.Advance(5 * time.Minute)
	res = b.Query(Query{Since: SinceWindow(30 * time.Second), Limit: 100})
	assert.Empty(t, res.Entries)
}

func TestQueryAbsoluteTime(t *testing.T) {
	b, clock := newTestBuffer(100)
	start := clock.Now()
	for i := 0; i < 3; i++ {
		b.Append(models.DirectionReceived, []byte{byte(i)})
		clock.Advance(time.Second)
	}

	res := b.Query(Query{Since: SinceInstant(start), Limit: 10})
	assert.Equal(t, []uint64{2, 3}, seqs(res.Entries))

	res = b.Query(Query{Since: SinceInstant(start.Add(-time.Hour)), Limit: 10})
	assert.Equal(t, []uint64{1, 2, 3}, seqs(res.Entries))

	res = b.Query(Query{Since: SinceInstant(start.Add(24 * time.Hour)), Limit: 10})
	assert.Empty(t, res.Entries)
	assert.False(t, res.Truncated)
}

func TestQueryLimitTruncatesNewest(t *testing.T) {
	b, _ := newTestBuffer(100)
	for i := 0; i < 20; i++ {
		b.Append(models.DirectionSent, []byte{byte(i)})
	}

	res := b.Query(Query{Limit: 5})
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs(res.Entries))
	assert.True(t, res.Truncated)

	res = b.Query(Query{Limit: 20})
	assert.Len(t, res.Entries, 20)
	assert.False(t, res.Truncated)
}

func TestQueryDirectionFilter(t *testing.T) {
	b, _ := newTestBuffer(100)
	b.Append(models.DirectionSent, []byte{0x01})
	b.Append(models.DirectionReceived, []byte{0x02})
	b.Append(models.DirectionSent, []byte{0x03})

	res := b.Query(Query{Direction: models.DirectionSent})
	assert.Equal(t, []uint64{1, 3}, seqs(res.Entries))

	res = b.Query(Query{Direction: models.DirectionReceived})
	assert.Equal(t, []uint64{2}, seqs(res.Entries))
}

func TestSearchHexPattern(t *testing.T) {
	b, _ := newTestBuffer(100)
	b.Append(models.DirectionReceived, []byte{0xA7, 0xB3, 0x01})
	b.Append(models.DirectionReceived, []byte{0x1A, 0x7B, 0x30})
	b.Append(models.DirectionSent, []byte{0x00, 0xA7, 0xB3})
	b.Append(models.DirectionSent, []byte{0x01, 0x23})

	tests := []struct {
		name    string
		pattern string
		want    []uint64
	}{
		{"contiguous digits", "A7B3", []uint64{1, 2, 3}},
		{"lower case", "a7b3", []uint64{1, 2, 3}},
		{"spaced pairs", "A7 B3", []uint64{1, 2, 3}},
		{"prefixed", "0xa7b301", []uint64{1}},
		{"across byte boundary", "123", []uint64{4}},
		{"odd digits", "7B3", []uint64{1, 2, 3}},
		{"single nibble", "1", []uint64{1, 2, 4}},
		{"no match", "FFFF", []uint64{}},
		{"invalid", "zz", []uint64{}},
		{"empty", "", []uint64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := b.Search(tt.pattern, 100)
			assert.Equal(t, tt.want, seqs(res.Entries))
		})
	}
}

func TestSearchLimitAndEmptyBuffer(t *testing.T) {
	b, _ := newTestBuffer(100)
	res := b.Search("A7", 10)
	assert.Empty(t, res.Entries)

	for i := 0; i < 5; i++ {
		b.Append(models.DirectionSent, []byte{0xA7, byte(i)})
	}
	res = b.Search("A7", 2)
	assert.Equal(t, []uint64{1, 2}, seqs(res.Entries))
	assert.True(t, res.Truncated)
}

func TestCursorLifecycle(t *testing.T) {
	b := New(100)
	assert.Equal(t, uint64(0), b.CursorFor("unknown"))

	b.AdvanceCursor("a", 7)
	b.AdvanceCursor("a", 3)
	assert.Equal(t, uint64(7), b.CursorFor("a"))

	b.AdvanceCursor("b", 1)
	assert.Equal(t, 2, b.CursorCount())

	b.ReleaseCursor("a")
	assert.Equal(t, uint64(0), b.CursorFor("a"))
	assert.Equal(t, uint64(1), b.CursorFor("b"))
	assert.Equal(t, 1, b.CursorCount())
}

func TestChangedClosesOnAppend(t *testing.T) {
	b := New(100)
	ch := b.Changed()

	select {
	case <-ch:
		t.Fatal("changed closed before append")
	default:
	}

	b.Append(models.DirectionSent, []byte{0x01})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("changed not closed after append")
	}
	assert.NotEqual(t, ch, b.Changed())
}

func TestConcurrentAppendAndQuery(t *testing.T) {
	b := New(500)
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b.Append(models.DirectionSent, []byte{byte(i)})
			}
		}()
	}

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				res := b.Query(Query{Limit: MaxLimit})
				for j := 1; j < len(res.Entries); j++ {
					if res.Entries[j].SequenceID != res.Entries[j-1].SequenceID+1 {
						t.Errorf("non contiguous result at %d: %d after %d",
							j, res.Entries[j].SequenceID, res.Entries[j-1].SequenceID)
						return
					}
				}
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, uint64(4000), b.LastSequence())
	assert.Equal(t, 500, b.Len())
}
