// Package logbuffer records every frame that crosses the bridge in a fixed
// capacity ring and answers range, cursor and content queries over it.
//
// Sequence numbers are assigned on append, start at 1 and are never reused
// for the lifetime of the process, even after the entry carrying them has
// been evicted. Queries never fail: out of range positions are clamped and
// oversized results are truncated.
//
// Readers take a snapshot of the entry pointers under a read lock and do all
// filtering afterwards, so an append that happens mid-query is not visible to
// that query and only waits for the pointer copy.
package logbuffer

import (
	"sort"
	"sync"
	"time"

	"github.com/ble-bridge/backend/internal/models"
)

const (
	DefaultCapacity = 10000
	MinCapacity     = 100
	MaxCapacity     = 1000000

	DefaultLimit = 100
	MaxLimit     = 1000
)

// ClampCapacity maps a requested capacity into [MinCapacity, MaxCapacity].
// Zero or negative values select DefaultCapacity.
func ClampCapacity(n int) int {
	switch {
	case n <= 0:
		return DefaultCapacity
	case n < MinCapacity:
		return MinCapacity
	case n > MaxCapacity:
		return MaxCapacity
	}
	return n
}

// ClampLimit maps a requested result limit into [1, MaxLimit]. Zero or
// negative values select DefaultLimit.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

// Buffer is the shared frame log. The zero value is not usable; use New.
type Buffer struct {
	mu      sync.RWMutex
	ring    []*models.LogEntry
	head    int // index of the oldest retained entry
	size    int
	lastSeq uint64
	lastTS  time.Time
	changed chan struct{}

	cursors sync.Map // client id -> uint64

	now func() time.Time
}

// New creates a buffer holding at most ClampCapacity(capacity) entries.
func New(capacity int) *Buffer {
	return &Buffer{
		ring:    make([]*models.LogEntry, ClampCapacity(capacity)),
		changed: make(chan struct{}),
		now:     time.Now,
	}
}

// Append records a frame and returns its sequence number. The payload is
// copied. When the buffer is full the oldest entry is dropped.
func (b *Buffer) Append(dir models.Direction, payload []byte) uint64 {
	data := make([]byte, len(payload))
	copy(data, payload)

	b.mu.Lock()
	ts := b.now()
	// Range queries binary search on timestamps; keep them non-decreasing
	// even if the wall clock steps backwards.
	if ts.Before(b.lastTS) {
		ts = b.lastTS
	}
	b.lastTS = ts
	b.lastSeq++
	entry := &models.LogEntry{
		SequenceID: b.lastSeq,
		Timestamp:  ts,
		Direction:  dir,
		Payload:    data,
		Length:     len(data),
	}

	if b.size < len(b.ring) {
		b.ring[(b.head+b.size)%len(b.ring)] = entry
		b.size++
	} else {
		b.ring[b.head] = entry
		b.head = (b.head + 1) % len(b.ring)
	}

	changed := b.changed
	b.changed = make(chan struct{})
	seq := b.lastSeq
	b.mu.Unlock()

	close(changed)
	return seq
}

// Changed returns a channel that is closed by the next Append.
func (b *Buffer) Changed() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.changed
}

// Len returns the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Capacity returns the maximum number of retained entries.
func (b *Buffer) Capacity() int {
	return len(b.ring)
}

// LastSequence returns the sequence number of the newest entry ever
// appended, or 0 if nothing has been appended yet.
func (b *Buffer) LastSequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSeq
}

// Oldest returns the oldest retained entry, or nil when empty.
func (b *Buffer) Oldest() *models.LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return nil
	}
	return b.ring[b.head]
}

func (b *Buffer) at(i int) *models.LogEntry {
	return b.ring[(b.head+i)%len(b.ring)]
}

// snapshotFrom copies the entry pointers from logical index start to the
// newest entry. The caller must hold at least a read lock.
func (b *Buffer) snapshotFrom(start int) []*models.LogEntry {
	if start < 0 {
		start = 0
	}
	if start >= b.size {
		return nil
	}
	out := make([]*models.LogEntry, 0, b.size-start)
	for i := start; i < b.size; i++ {
		out = append(out, b.at(i))
	}
	return out
}

// Snapshot returns every retained entry in ascending order.
func (b *Buffer) Snapshot() []*models.LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotFrom(0)
}

// indexAfterSeq returns the logical index of the first entry whose sequence
// number is greater than seq. Caller holds the lock.
func (b *Buffer) indexAfterSeq(seq uint64) int {
	if b.size == 0 {
		return 0
	}
	oldest := b.ring[b.head].SequenceID
	if seq < oldest {
		return 0
	}
	// Retained sequence numbers are contiguous.
	idx := int(seq - oldest + 1)
	if idx > b.size {
		return b.size
	}
	return idx
}

// indexAfterTime returns the logical index of the first entry whose
// timestamp is strictly after cutoff. Caller holds the lock.
func (b *Buffer) indexAfterTime(cutoff time.Time) int {
	return sort.Search(b.size, func(i int) bool {
		return b.at(i).Timestamp.After(cutoff)
	})
}

// Query selects entries for a range request.
type Query struct {
	Since     Since
	ClientID  string           // required when Since is a cursor reference
	Direction models.Direction // empty selects both directions
	Limit     int              // clamped with ClampLimit
}

// Result is an ordered (ascending sequence) slice of entries. Truncated
// reports that more entries matched than the limit allowed; the newest ones
// were dropped.
type Result struct {
	Entries   []*models.LogEntry
	Truncated bool
}

// Query returns the entries selected by q in ascending order.
func (b *Buffer) Query(q Query) Result {
	limit := ClampLimit(q.Limit)

	var cursor uint64
	if q.Since.Kind == SinceCursor {
		cursor = b.CursorFor(q.ClientID)
	}

	b.mu.RLock()
	var start int
	switch q.Since.Kind {
	case SinceCursor:
		start = b.indexAfterSeq(cursor)
	case SinceDuration, SinceTime:
		start = b.indexAfterTime(q.Since.Cutoff(b.now()))
	}
	snap := b.snapshotFrom(start)
	b.mu.RUnlock()

	return collect(snap, limit, func(e *models.LogEntry) bool {
		return q.Direction == "" || e.Direction == q.Direction
	})
}

// Search returns entries whose payload, written as contiguous hex digits,
// contains pattern as a substring. Case and separators in pattern are
// ignored. An invalid or empty pattern matches nothing.
func (b *Buffer) Search(pattern string, limit int) Result {
	m, ok := compilePattern(pattern)
	if !ok {
		return Result{Entries: []*models.LogEntry{}}
	}

	b.mu.RLock()
	snap := b.snapshotFrom(0)
	b.mu.RUnlock()

	return collect(snap, ClampLimit(limit), func(e *models.LogEntry) bool {
		return m.match(e.Payload)
	})
}

func collect(snap []*models.LogEntry, limit int, keep func(*models.LogEntry) bool) Result {
	res := Result{Entries: make([]*models.LogEntry, 0, min(limit, len(snap)))}
	for _, e := range snap {
		if !keep(e) {
			continue
		}
		if len(res.Entries) == limit {
			res.Truncated = true
			break
		}
		res.Entries = append(res.Entries, e)
	}
	return res
}

// CursorFor returns the last sequence number the client has consumed.
// Unknown clients are at position 0, the start of history.
func (b *Buffer) CursorFor(clientID string) uint64 {
	if v, ok := b.cursors.Load(clientID); ok {
		return v.(uint64)
	}
	return 0
}

// AdvanceCursor moves the client's cursor to seq. Cursors only move
// forward; a smaller seq is ignored.
func (b *Buffer) AdvanceCursor(clientID string, seq uint64) {
	for {
		cur, loaded := b.cursors.LoadOrStore(clientID, seq)
		if !loaded {
			return
		}
		if cur.(uint64) >= seq {
			return
		}
		if b.cursors.CompareAndSwap(clientID, cur, seq) {
			return
		}
	}
}

// ReleaseCursor forgets the client's cursor.
func (b *Buffer) ReleaseCursor(clientID string) {
	b.cursors.Delete(clientID)
}

// CursorCount returns the number of tracked client cursors.
func (b *Buffer) CursorCount() int {
	n := 0
	b.cursors.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
