package sandbox

import (
	"bytes"
	"sync"
)

const (
	maxStdoutBytes = 1 << 20    // 1MB
	maxStderrBytes = 256 * 1024 // 256KB

	truncationMarker = "\n... [output truncated]"
)

// capBuffer captures process output incrementally up to a cap. Writes
// past the cap are counted but discarded, so a program spraying output
// cannot exhaust the coordinator's memory.
type capBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	cap     int
	dropped int64
}

func newCapBuffer(capBytes int) *capBuffer {
	return &capBuffer{cap: capBytes}
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	remaining := b.cap - b.buf.Len()
	if remaining <= 0 {
		b.dropped += int64(n)
		return n, nil // swallow, never backpressure the pipe
	}
	if n > remaining {
		b.dropped += int64(n - remaining)
		p = p[:remaining]
	}
	b.buf.Write(p)
	return n, nil
}

// String returns the captured output, with a truncation marker when
// anything was dropped.
func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dropped > 0 {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}

// Truncated reports whether output was dropped at the cap.
func (b *capBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}
