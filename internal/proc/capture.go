package proc

import (
	"bytes"
	"io"
	"sync"
)

// Capture accumulates everything a child writes to one stream. It is handed
// to exec.Cmd as the stream's writer, so the runtime drains the pipe for us
// and a full pipe buffer can never deadlock the child. Wait-condition
// watchers poll Bytes without consuming; tee mode forwards each chunk to the
// live writer as it arrives.
type Capture struct {
	mu  sync.Mutex
	buf bytes.Buffer
	tee io.Writer
}

// NewCapture returns a capture; tee may be nil when live forwarding is off.
func NewCapture(tee io.Writer) *Capture {
	return &Capture{tee: tee}
}

func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.buf.Write(p)
	c.mu.Unlock()
	if c.tee != nil {
		// Tee failures must not break capture; the report still works.
		_, _ = c.tee.Write(p)
	}
	return len(p), nil
}

// Bytes returns a copy of everything captured so far.
func (c *Capture) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}
