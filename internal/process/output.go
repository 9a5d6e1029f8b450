package process

import (
	"bytes"
	"sync"
)

// maxLineBytes caps a buffered partial line; longer lines are emitted in pieces.
const maxLineBytes = 64 << 10

// lineWriter splits a byte stream into lines and hands each one to fn.
type lineWriter struct {
	mu     sync.Mutex
	stream string
	fn     func(stream, line string)
	buf    []byte
}

func newLineWriter(stream string, fn func(stream, line string)) *lineWriter {
	return &lineWriter{stream: stream, fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fn == nil {
		return len(p), nil
	}

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) > maxLineBytes {
		w.emit(w.buf[:maxLineBytes])
		w.buf = w.buf[maxLineBytes:]
	}
	// Compact so the backing array does not grow without bound.
	w.buf = append([]byte(nil), w.buf...)
	return len(p), nil
}

// Flush emits a trailing line that had no newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 && w.fn != nil {
		w.emit(w.buf)
	}
	w.buf = nil
}

func (w *lineWriter) emit(b []byte) {
	w.fn(w.stream, string(bytes.TrimSuffix(b, []byte("\r"))))
}
