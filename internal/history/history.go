// Package history keeps the last few request cycles of a session for
// auditing and display.
package history

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/google/uuid"

	"github.com/shortontech/gorhc/internal/entropy"
	"github.com/shortontech/gorhc/internal/rhc"
)

// DefaultCapacity is the number of entries kept when none is configured.
const DefaultCapacity = 5

// Entry is one completed request cycle.
type Entry struct {
	Seq         int           `json:"seq"`
	ID          string        `json:"id"`
	Time        time.Time     `json:"time"`
	Level       rhc.Level     `json:"level"`
	Status      int           `json:"status"`
	Sent        rhc.Pool      `json:"sent"`
	Accepted    bool          `json:"accepted"`
	Message     string        `json:"message,omitempty"`
	Chart       entropy.Chart `json:"chart"`
	Fingerprint string        `json:"fingerprint"`
}

// Buffer is a fixed-capacity FIFO. Entries are returned newest first and
// the oldest entry is evicted once the buffer is full. It is safe for
// concurrent use.
type Buffer struct {
	mu      sync.Mutex
	cap     int
	seq     int
	entries []Entry // newest first
	now     func() time.Time
}

func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Buffer{cap: capacity, entries: make([]Entry, 0, capacity), now: time.Now}
}

// Add records e, filling Seq, ID, Time and Fingerprint when unset, and
// returns the stored entry.
func (b *Buffer) Add(e Entry) Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	if e.Seq == 0 {
		e.Seq = b.seq
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	if e.Fingerprint == "" {
		e.Fingerprint = Fingerprint(e.Sent.Headers())
	}

	if len(b.entries) == b.cap {
		b.entries = b.entries[:b.cap-1]
	}
	b.entries = append(b.entries, Entry{})
	copy(b.entries[1:], b.entries)
	b.entries[0] = e
	return e
}

// Entries returns a copy, newest first.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

func (b *Buffer) Latest() (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return Entry{}, false
	}
	return b.entries[0], true
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *Buffer) Cap() int { return b.cap }

// Total is the number of entries ever added, evicted ones included.
func (b *Buffer) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Fingerprint hashes the order of the header names a request carried, so
// repeated wire shapes can be spotted. Values are not part of it.
func Fingerprint(headers []string) string {
	names := make([]string, len(headers))
	for i, h := range headers {
		names[i] = strings.ToLower(strings.TrimSpace(h))
	}
	sum := xxhash.ChecksumString64(strings.Join(names, "|"))
	return strconv.FormatUint(sum, 16)
}
