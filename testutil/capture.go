package testutil

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// LogCapture collects the JSON records of a slog logger so tests can wait
// for a specific message. Records arriving while the buffer is full are
// dropped.
type LogCapture struct {
	mu      sync.Mutex
	partial []byte
	records chan map[string]any
}

// NewLogCapture returns a capture and a debug-level logger writing to it.
func NewLogCapture() (*LogCapture, *slog.Logger) {
	c := &LogCapture{records: make(chan map[string]any, 256)}
	return c, slog.New(slog.NewJSONHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Write implements io.Writer. Lines that are not JSON objects are skipped.
func (c *LogCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partial = append(c.partial, p...)
	for {
		idx := bytes.IndexByte(c.partial, '\n')
		if idx < 0 {
			return len(p), nil
		}
		line := c.partial[:idx]
		c.partial = c.partial[idx+1:]

		var rec map[string]any
		if json.Unmarshal(line, &rec) != nil {
			continue
		}
		select {
		case c.records <- rec:
		default:
		}
	}
}

// WaitFor returns the first record whose msg equals msg, discarding the
// records before it. It fails the test after timeout.
func (c *LogCapture) WaitFor(t *testing.T, msg string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case rec := <-c.records:
			if rec["msg"] == msg {
				return rec
			}
		case <-deadline:
			t.Fatalf("no %q log record within %s", msg, timeout)
			return nil
		}
	}
}
