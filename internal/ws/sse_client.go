package ws

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// sseRetryMillis is advertised to browsers as the reconnect delay.
const sseRetryMillis = 3000

// SSEClient streams events as text/event-stream frames. Each frame carries a
// monotonically increasing id.
type SSEClient struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	log     *slog.Logger
	seq     uint64
	closed  bool
}

// NewSSEClient writes the stream preamble and returns the client. The caller
// must already have set the event-stream headers.
func NewSSEClient(w io.Writer, flusher http.Flusher, logger *slog.Logger) (*SSEClient, error) {
	c := &SSEClient{w: w, flusher: flusher, log: logger}
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", sseRetryMillis); err != nil {
		return nil, err
	}
	flusher.Flush()
	return c, nil
}

// Send writes payload as one data frame, splitting embedded newlines into
// continuation lines.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	c.seq++
	var frame bytes.Buffer
	fmt.Fprintf(&frame, "id: %d\n", c.seq)
	for _, line := range bytes.Split(payload, []byte("\n")) {
		frame.WriteString("data: ")
		frame.Write(line)
		frame.WriteByte('\n')
	}
	frame.WriteByte('\n')
	return c.write(frame.Bytes())
}

// Heartbeat writes a comment frame.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	return c.write([]byte(": ping\n\n"))
}

func (c *SSEClient) write(b []byte) error {
	if _, err := c.w.Write(b); err != nil {
		c.closed = true
		c.log.Warn("sse write failed", "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the stream closed; the handler returning ends the response.
func (c *SSEClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
