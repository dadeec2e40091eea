package worker

import (
	"os"
	"sync"
)

// OutputBuffer keeps the most recent output bytes of a worker plus a
// monotonically increasing byte offset that survives buffer trimming.
// Optionally mirrors every chunk to an append-only file. Not persisted.
type OutputBuffer struct {
	mu     sync.Mutex
	buf    []byte
	limit  int
	offset int64
	mirror *os.File
}

// NewOutputBuffer creates a buffer capped at limit bytes. mirrorPath may be
// empty; mirror open failures are silently ignored (the side-channel is
// best-effort).
func NewOutputBuffer(limit int, mirrorPath string) *OutputBuffer {
	if limit <= 0 {
		limit = 256 * 1024
	}
	b := &OutputBuffer{limit: limit}
	if mirrorPath != "" {
		f, err := os.OpenFile(mirrorPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			b.mirror = f
		}
	}
	return b
}

// Append adds a chunk, dropping the oldest bytes once over the cap, and
// returns the stream offset after the chunk (total bytes ever produced).
func (b *OutputBuffer) Append(p []byte) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.offset += int64(len(p))
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	if b.mirror != nil {
		_, _ = b.mirror.Write(p)
	}
	return b.offset
}

// Snapshot returns a copy of the buffered history and the current end
// offset. The history covers the offset range [offset-len(history), offset).
func (b *OutputBuffer) Snapshot() ([]byte, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out, b.offset
}

// Close releases the mirror file if any. The in-memory buffer stays usable.
func (b *OutputBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mirror != nil {
		_ = b.mirror.Close()
		b.mirror = nil
	}
}
