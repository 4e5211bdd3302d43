// Package stream decodes the agent CLI's NDJSON output into typed domain
// messages, one per line.
package stream

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/agentpilot/agentpilot/internal/domain"
)

// DecodePolicy controls what happens when a line fails to decode.
type DecodePolicy string

const (
	// PolicyAbort terminates the stream on the first malformed line. The
	// caller must restart the stream after handling the error.
	PolicyAbort DecodePolicy = "abort"
	// PolicySkip logs and skips malformed lines, continuing with the next.
	PolicySkip DecodePolicy = "skip"
)

// DecodeError reports a line that could not be decoded, either invalid JSON
// or a record missing required fields. Line carries the offending raw input.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode stream line: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Large tool results can produce long lines; match the CLI's own limit.
const maxLineSize = 10 * 1024 * 1024

// Decoder turns a byte stream into a lazy sequence of domain messages.
// Blank lines are skipped silently. Not safe for concurrent use; one decoder
// reads one stream.
type Decoder struct {
	scanner *bufio.Scanner
	policy  DecodePolicy
	trace   *TraceBuffer
	count   int
	done    bool
}

// NewDecoder wraps r, typically a subprocess's stdout. traceCapacity bounds
// the diagnostic ring of recent raw lines.
func NewDecoder(r io.Reader, policy DecodePolicy, traceCapacity int) *Decoder {
	if policy == "" {
		policy = PolicyAbort
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Decoder{
		scanner: scanner,
		policy:  policy,
		trace:   NewTraceBuffer(traceCapacity),
	}
}

// Next returns the next decoded message. It returns io.EOF once the stream
// ends cleanly. Under PolicyAbort a malformed line returns a *DecodeError
// and terminates the sequence; subsequent calls keep returning the same
// terminal condition semantics (io.EOF).
func (d *Decoder) Next() (*domain.Message, error) {
	if d.done {
		return nil, io.EOF
	}

	for d.scanner.Scan() {
		line := d.scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		d.trace.Add(line)

		msg, err := domain.ParseMessage([]byte(line))
		if err != nil {
			if d.policy == PolicySkip {
				slog.Warn("Skipping malformed stream line", "error", err)
				continue
			}
			d.done = true
			return nil, &DecodeError{Line: line, Err: err}
		}

		d.count++
		return msg, nil
	}

	d.done = true
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return nil, io.EOF
}

// Count returns the number of successfully decoded messages so far.
func (d *Decoder) Count() int {
	return d.count
}

// Trace returns the recent raw lines seen, oldest first.
func (d *Decoder) Trace() []string {
	return d.trace.Lines()
}
