package cgi

import (
	"sync"
)

// DefaultMaxStderrBytes bounds how much child stderr is retained for logs.
const DefaultMaxStderrBytes = 64 << 10

// stderrBuffer keeps the first max bytes written and counts the rest.
type stderrBuffer struct {
	mu      sync.Mutex
	max     int
	buf     []byte
	dropped int64
}

func newStderrBuffer(max int) *stderrBuffer {
	if max <= 0 {
		max = DefaultMaxStderrBytes
	}
	return &stderrBuffer{max: max}
}

func (b *stderrBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - len(b.buf)
	if room > len(p) {
		room = len(p)
	}
	if room > 0 {
		b.buf = append(b.buf, p[:room]...)
	}
	b.dropped += int64(len(p) - room)
	return len(p), nil
}

// Snapshot returns the retained bytes and whether anything was dropped.
func (b *stderrBuffer) Snapshot() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out, b.dropped > 0
}
