package worker

import "sync"

// capWriter keeps the first cap bytes written and discards the rest,
// recording that truncation happened. Subprocess output is surfaced to
// callers, so the head of the stream is the part worth keeping.
type capWriter struct {
	mu        sync.Mutex
	buf       []byte
	cap       int
	truncated bool
}

func newCapWriter(cap int) *capWriter {
	return &capWriter{cap: cap}
}

func (w *capWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	room := w.cap - len(w.buf)
	if room > 0 {
		if len(p) <= room {
			w.buf = append(w.buf, p...)
		} else {
			w.buf = append(w.buf, p[:room]...)
			w.truncated = true
		}
	} else if len(p) > 0 {
		w.truncated = true
	}
	// Report full consumption so the subprocess never sees a write error.
	return len(p), nil
}

func (w *capWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}

func (w *capWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}
