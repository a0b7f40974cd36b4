package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// sseStream is one Server-Sent Events response. Its writers share a lock so
// stdout and stderr events never interleave mid-frame.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// newSSEStream returns nil if the ResponseWriter does not support flushing.
func newSSEStream(w http.ResponseWriter) *sseStream {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &sseStream{w: w, flusher: flusher}
}

// Send writes one event and flushes immediately.
func (s *sseStream) Send(event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeEvent(s.w, event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Writer returns an io.Writer that sends each write as an event.
func (s *sseStream) Writer(event string) *SSEWriter {
	return &SSEWriter{stream: s, event: event}
}

// SSEWriter implements io.Writer over an event stream.
type SSEWriter struct {
	stream *sseStream
	event  string
}

func (s *SSEWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.stream.Send(s.event, string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// writeEvent frames data with one "data:" line per input line, so output
// containing blank lines cannot end the event early or forge another one.
func writeEvent(w io.Writer, event, data string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}
