// Package metrics provides lightweight, lock-free counters for the
// runtime statistics of a sercon process: sessions, bytes moved over
// the serial link, lost connections and errors.
//
// All methods are safe for concurrent use. A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for the console.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	sessionsActive  atomic.Int64
	sessionsTotal   atomic.Int64
	openFailures    atomic.Int64
	connectionsLost atomic.Int64
	bytesIn         atomic.Int64
	bytesOut        atomic.Int64
	teardownFaults  atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastOpen     time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments both the active and total counters.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
	c.mu.Lock()
	c.lastOpen = time.Now()
	c.mu.Unlock()
}

// SessionClosed decrements the active session counter.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// OpenFailed records a connect attempt that produced no session.
func (c *Collector) OpenFailed() {
	if c == nil {
		return
	}
	c.openFailures.Add(1)
}

// ConnectionLost records a device-initiated disconnect.
func (c *Collector) ConnectionLost() {
	if c == nil {
		return
	}
	c.connectionsLost.Add(1)
}

// ActiveSessions returns the number of live sessions (0 or 1).
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// OpenFailures returns the number of failed connect attempts.
func (c *Collector) OpenFailures() int64 {
	if c == nil {
		return 0
	}
	return c.openFailures.Load()
}

// ConnectionsLost returns the number of device-initiated disconnects.
func (c *Collector) ConnectionsLost() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsLost.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from the device.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to the device.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// TeardownFault records a teardown step that failed and was absorbed.
func (c *Collector) TeardownFault() {
	if c == nil {
		return
	}
	c.teardownFaults.Add(1)
}

// TeardownFaults returns the number of absorbed teardown step failures.
func (c *Collector) TeardownFaults() int64 {
	if c == nil {
		return 0
	}
	return c.teardownFaults.Load()
}

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	SessionsActive   int64  `json:"sessions_active"`
	SessionsTotal    int64  `json:"sessions_total"`
	OpenFailures     int64  `json:"open_failures"`
	ConnectionsLost  int64  `json:"connections_lost"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	TeardownFaults   int64  `json:"teardown_faults"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastOpen         string `json:"last_open,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive:  c.sessionsActive.Load(),
		SessionsTotal:   c.sessionsTotal.Load(),
		OpenFailures:    c.openFailures.Load(),
		ConnectionsLost: c.connectionsLost.Load(),
		BytesIn:         c.bytesIn.Load(),
		BytesOut:        c.bytesOut.Load(),
		TeardownFaults:  c.teardownFaults.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
	}
	if !c.lastOpen.IsZero() {
		s.LastOpen = c.lastOpen.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
