package stream

import (
	"sync"
)

// TraceBuffer is a fixed-capacity ring of the most recent raw lines seen by
// a decoder. It exists purely for diagnostics: when a stream fails, the last
// lines give enough context to reproduce without re-running the agent.
type TraceBuffer struct {
	lines []string
	head  int // next write position
	full  bool
	mu    sync.RWMutex
}

// NewTraceBuffer creates a trace buffer holding up to capacity lines.
// Default capacity is 256 lines.
func NewTraceBuffer(capacity int) *TraceBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &TraceBuffer{
		lines: make([]string, 0, capacity),
	}
}

// Add records a raw line, overwriting the oldest entry once full.
func (b *TraceBuffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.lines) < cap(b.lines) {
		b.lines = append(b.lines, line)
		return
	}
	b.lines[b.head] = line
	b.head = (b.head + 1) % cap(b.lines)
	b.full = true
}

// Lines returns the recorded lines oldest-first, regardless of wraparound.
func (b *TraceBuffer) Lines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.full {
		out := make([]string, len(b.lines))
		copy(out, b.lines)
		return out
	}

	out := make([]string, 0, cap(b.lines))
	out = append(out, b.lines[b.head:]...)
	out = append(out, b.lines[:b.head]...)
	return out
}

// Len returns the number of lines currently held.
func (b *TraceBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines)
}

// Capacity returns the maximum number of lines the buffer retains.
func (b *TraceBuffer) Capacity() int {
	return cap(b.lines)
}

// Reset clears the buffer.
func (b *TraceBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = b.lines[:0]
	b.head = 0
	b.full = false
}
