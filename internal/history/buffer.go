// Package history keeps the most recent readings in a fixed-capacity ring.
package history

import (
	"sync"

	"meterlink/internal/model"
)

// DefaultCapacity is the number of readings kept for charts.
const DefaultCapacity = 50

// Buffer is a ring of readings, oldest evicted first. It is safe for
// concurrent use.
type Buffer struct {
	mu   sync.RWMutex
	buf  []model.Reading
	head int // index of the oldest entry
	n    int
}

// New returns an empty buffer holding at most capacity readings.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{buf: make([]model.Reading, capacity)}
}

// Push appends r, evicting the oldest reading when full.
func (b *Buffer) Push(r model.Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n < len(b.buf) {
		b.buf[(b.head+b.n)%len(b.buf)] = r
		b.n++
		return
	}
	b.buf[b.head] = r
	b.head = (b.head + 1) % len(b.buf)
}

// Snapshot returns a copy of the buffer, oldest first.
func (b *Buffer) Snapshot() []model.Reading {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Reading, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.buf[(b.head+i)%len(b.buf)]
	}
	return out
}

// Latest returns the newest reading, if any.
func (b *Buffer) Latest() (model.Reading, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.n == 0 {
		return model.Reading{}, false
	}
	return b.buf[(b.head+b.n-1)%len(b.buf)], true
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.n
}

func (b *Buffer) Cap() int { return len(b.buf) }

// Reset drops every reading.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.buf {
		b.buf[i] = model.Reading{}
	}
	b.head, b.n = 0, 0
}
