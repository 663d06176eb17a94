package ptydrv

import (
	"bytes"
	"sync"
)

// ringBuffer keeps the most recent limit bytes written to it. After an
// eviction the partial first line is dropped, so the head never starts in
// the middle of a rune or escape sequence, unless the whole buffer is one
// line.
type ringBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newRingBuffer(limit int) *ringBuffer {
	return &ringBuffer{limit: limit, buf: make([]byte, 0, min(limit, 4096))}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(p)
	if n >= r.limit {
		r.buf = append(r.buf[:0], p[n-r.limit:]...)
		r.trimHead()
		return n, nil
	}
	over := len(r.buf) + n - r.limit
	if over > 0 {
		r.buf = append(r.buf[:0], r.buf[over:]...)
	}
	r.buf = append(r.buf, p...)
	if over > 0 {
		r.trimHead()
	}
	return n, nil
}

func (r *ringBuffer) trimHead() {
	if i := bytes.IndexByte(r.buf, '\n'); i >= 0 && i < len(r.buf)-1 {
		r.buf = append(r.buf[:0], r.buf[i+1:]...)
	}
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}
