package process

import (
	"sync"
)

// tailBuffer keeps the last max bytes written to it. The agent's stderr is
// diagnostic text we only ever need the tail of, so unbounded capture would
// just risk memory exhaustion on a chatty process.
type tailBuffer struct {
	max  int
	buf  []byte
	mu   sync.Mutex
	trim bool
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 16 * 1024
	}
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
		b.trim = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.trim {
		return "..." + string(b.buf)
	}
	return string(b.buf)
}
