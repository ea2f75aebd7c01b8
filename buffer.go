package pipeline

import (
	"bytes"
	"sync"
	"sync/atomic"
)

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Buffer is a pooled, reference-counted byte buffer. A handler that returns
// a *Buffer hands its reference to the pipeline, which releases it as soon
// as the response has been written.
type Buffer struct {
	buf  *bytes.Buffer
	refs atomic.Int32
}

// NewBuffer takes a buffer from the pool with a reference count of one.
func NewBuffer() *Buffer {
	b := &Buffer{buf: bufferPool.Get().(*bytes.Buffer)}
	b.buf.Reset()
	b.refs.Store(1)
	return b
}

// Write appends p to the buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

// WriteString appends s to the buffer.
func (b *Buffer) WriteString(s string) (int, error) {
	return b.buf.WriteString(s)
}

// Bytes returns the buffered bytes. The slice is only valid until the last
// reference is released.
func (b *Buffer) Bytes() []byte {
	if b.buf == nil {
		return nil
	}
	return b.buf.Bytes()
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	if b.buf == nil {
		return 0
	}
	return b.buf.Len()
}

// Retain adds a reference.
func (b *Buffer) Retain() *Buffer {
	b.refs.Add(1)
	return b
}

// RefCount returns the current reference count.
func (b *Buffer) RefCount() int {
	return int(b.refs.Load())
}

// Release drops a reference and returns the memory to the pool when the
// count reaches zero. It reports whether the buffer was freed.
func (b *Buffer) Release() bool {
	n := b.refs.Add(-1)
	if n > 0 {
		return false
	}
	if n < 0 {
		b.refs.Store(0)
		return false
	}
	buf := b.buf
	b.buf = nil
	buf.Reset()
	bufferPool.Put(buf)
	return true
}

// Close releases one reference so a Buffer can be registered as a
// disposable resource on a Sink.
func (b *Buffer) Close() error {
	b.Release()
	return nil
}
