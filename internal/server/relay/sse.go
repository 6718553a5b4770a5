package relay

import (
	"bytes"
	"errors"
	"net/http"
)

// SSEWriter writes frames as server-sent events and flushes each one.
type SSEWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

// NewSSEWriter prepares w for an event stream. Headers are written with the
// first frame so a failure before it can still produce a normal error reply.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	return &SSEWriter{w: w, rc: http.NewResponseController(w)}
}

// Started reports whether any frame has been written.
func (s *SSEWriter) Started() bool { return s.started }

func (s *SSEWriter) Send(payload []byte) error {
	if bytes.ContainsAny(payload, "\r\n") {
		return errors.New("sse payload must be a single line")
	}
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, payload...)
	buf = append(buf, '\n', '\n')
	if _, err := s.w.Write(buf); err != nil {
		return err
	}
	return s.rc.Flush()
}
