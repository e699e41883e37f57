package logging

import (
	"os"
	"sync"
)

// RingBuffer is a thread-safe circular byte buffer.
// It implements io.Writer and silently overwrites the oldest data when full.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int // index of the oldest byte
	n     int // bytes currently stored
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1024 * 1024 // 1MB default
	}
	return &RingBuffer{
		buf: make([]byte, size),
	}
}

// Write implements io.Writer. Data wraps around when the buffer is full.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := len(p)
	size := len(rb.buf)
	if written >= size {
		// Data larger than the buffer: keep only the last size bytes
		copy(rb.buf, p[written-size:])
		rb.start = 0
		rb.n = size
		return written, nil
	}

	// Write position is start+n, wrapping
	pos := (rb.start + rb.n) % size
	tail := size - pos
	if len(p) <= tail {
		copy(rb.buf[pos:], p)
	} else {
		copy(rb.buf[pos:], p[:tail])
		copy(rb.buf, p[tail:])
	}

	rb.n += len(p)
	if rb.n > size {
		// Overwrote the oldest bytes; advance start past them
		rb.start = (rb.start + rb.n - size) % size
		rb.n = size
	}

	return written, nil
}

// Bytes returns the buffer contents in chronological order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, rb.n)
	size := len(rb.buf)
	tail := size - rb.start
	if rb.n <= tail {
		copy(out, rb.buf[rb.start:rb.start+rb.n])
	} else {
		copy(out, rb.buf[rb.start:])
		copy(out[tail:], rb.buf[:rb.n-tail])
	}
	return out
}

// DumpToFile writes the ring buffer contents to a file in chronological order.
func (rb *RingBuffer) DumpToFile(path string) error {
	data := rb.Bytes()
	return os.WriteFile(path, data, 0o644)
}
