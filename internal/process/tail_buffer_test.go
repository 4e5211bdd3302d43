package process

import (
	"strings"
	"testing"
)

func TestTailBufferKeepsEverythingUnderMax(t *testing.T) {
	b := newTailBuffer(32)
	b.Write([]byte("hello "))
	b.Write([]byte("world"))

	if got := b.String(); got != "hello world" {
		t.Errorf("Expected full contents, got %q", got)
	}
}

func TestTailBufferTrimsToTail(t *testing.T) {
	b := newTailBuffer(8)
	b.Write([]byte("0123456789abcdef"))

	got := b.String()
	if !strings.HasPrefix(got, "...") {
		t.Errorf("Expected trim marker prefix, got %q", got)
	}
	if !strings.HasSuffix(got, "89abcdef") {
		t.Errorf("Expected last 8 bytes kept, got %q", got)
	}
}
