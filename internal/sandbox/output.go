package sandbox

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
)

const (
	defaultMaxStdout = 1 << 20    // 1MB
	defaultMaxStderr = 256 * 1024 // 256KB
	maxSourceBytes   = 1 << 20

	truncationMarker = "\n... [output truncated]"
)

func outputCaps(stdout, stderr int) (int, int) {
	if stdout <= 0 {
		stdout = defaultMaxStdout
	}
	if stderr <= 0 {
		stderr = defaultMaxStderr
	}
	return stdout, stderr
}

// captureWriter keeps the first limit bytes of a stream and mirrors them to
// an optional live writer. Bytes past the limit are dropped, never blocked
// on, so a chatty child cannot stall on a full pipe.
type captureWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	live      io.Writer
	limit     int
	truncated bool
}

func newCaptureWriter(limit int, live io.Writer) *captureWriter {
	return &captureWriter{limit: limit, live: live}
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(p)
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = c.truncated || n > 0
		return n, nil
	}
	if len(p) > room {
		p = p[:room]
		c.truncated = true
	}
	c.buf.Write(p)
	if c.live != nil {
		// A failing live consumer (a disconnected client) must not kill the child.
		_, _ = c.live.Write(p)
	}
	return n, nil
}

func (c *captureWriter) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.buf.String() + truncationMarker
	}
	return c.buf.String()
}

func (c *captureWriter) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

func codeHash(source string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(source)))
}

func validateRequest(req ExecutionRequest) error {
	if req.Source == "" {
		return fmt.Errorf("%w: source is empty", ErrInvalidRequest)
	}
	if len(req.Source) > maxSourceBytes {
		return fmt.Errorf("%w: source exceeds 1MB limit", ErrInvalidRequest)
	}
	return req.Policy.Validate()
}
