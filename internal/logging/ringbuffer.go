package logging

import (
	"os"
	"sync"
)

// RingBuffer keeps the most recent writes in a fixed-size circular byte
// store. It implements io.Writer; older data is overwritten once capacity is
// reached. The crash-dump path reads it back in write order.
type RingBuffer struct {
	mu      sync.Mutex
	buf     []byte
	written int64 // total bytes ever written
}

// NewRingBuffer creates a ring buffer holding up to capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 4 * 1024 * 1024
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write implements io.Writer and never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	size := len(rb.buf)

	// Only the last size bytes of an oversized write can survive anyway.
	if n > size {
		rb.written += int64(n - size)
		p = p[n-size:]
	}

	for len(p) > 0 {
		at := int(rb.written % int64(size))
		c := copy(rb.buf[at:], p)
		rb.written += int64(c)
		p = p[c:]
	}
	return n, nil
}

// Bytes returns the retained data in write order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	size := int64(len(rb.buf))
	if rb.written <= size {
		out := make([]byte, rb.written)
		copy(out, rb.buf[:rb.written])
		return out
	}

	at := int(rb.written % size)
	out := make([]byte, size)
	copy(out, rb.buf[at:])
	copy(out[int(size)-at:], rb.buf[:at])
	return out
}

// DumpToFile writes the retained data to path.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o644)
}
