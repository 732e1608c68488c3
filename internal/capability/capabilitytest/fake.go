// Package capabilitytest provides an in-memory Capability and Port for
// exercising sessions and controllers without hardware.
package capabilitytest

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"sercon/internal/capability"
	"sercon/internal/errors"
)

// PollInterval is how long a fake Read waits before returning (0, nil),
// the way a serial port with a read timeout does.
const PollInterval = 10 * time.Millisecond

// Port is a fake device. Bytes passed to Feed are read back by the
// host; bytes the host writes are collected for Written.
type Port struct {
	// CloseErr is returned by Close; PanicOnClose makes Close panic.
	CloseErr     error
	PanicOnClose bool
	// OnClose runs at the start of Close.
	OnClose func()

	in      chan []byte
	failc   chan error
	closed  chan struct{}
	hangup  sync.Once
	closeMu sync.Once

	mu       sync.Mutex
	pending  []byte
	written  bytes.Buffer
	writeErr error
}

// NewPort returns an open fake port.
func NewPort() *Port {
	return &Port{
		in:     make(chan []byte),
		failc:  make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// Feed delivers one chunk to the host. It blocks until the host reads
// it and reports false if the port is closed first.
func (p *Port) Feed(s string) bool {
	select {
	case p.in <- []byte(s):
		return true
	case <-p.closed:
		return false
	}
}

// Hangup ends the stream from the device side.
func (p *Port) Hangup() {
	p.hangup.Do(func() { close(p.in) })
}

// FailRead makes the next read fail with err.
func (p *Port) FailRead(err error) {
	p.failc <- err
}

// FailWrites makes every later write fail with err.
func (p *Port) FailWrites(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// Written returns everything the host has written.
func (p *Port) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// IsClosed reports whether Close has been called.
func (p *Port) IsClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	t := time.NewTimer(PollInterval)
	defer t.Stop()
	select {
	case chunk, ok := <-p.in:
		if !ok {
			return 0, io.EOF
		}
		n := copy(b, chunk)
		if n < len(chunk) {
			p.mu.Lock()
			p.pending = append(p.pending, chunk[n:]...)
			p.mu.Unlock()
		}
		return n, nil
	case err := <-p.failc:
		return 0, err
	case <-p.closed:
		return 0, errors.ErrPortClosed
	case <-t.C:
		return 0, nil
	}
}

func (p *Port) Write(b []byte) (int, error) {
	if p.IsClosed() {
		return 0, errors.ErrPortClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.written.Write(b)
}

func (p *Port) Close() error {
	if p.OnClose != nil {
		p.OnClose()
	}
	first := false
	p.closeMu.Do(func() {
		close(p.closed)
		first = true
	})
	if p.PanicOnClose {
		panic("port close exploded")
	}
	if !first {
		return errors.ErrPortClosed
	}
	return p.CloseErr
}

// Capability is a scripted capability.Capability.
type Capability struct {
	// Unavailable makes Available report false.
	Unavailable bool
	// Device is what RequestDevice selects.
	Device capability.Info
	// SelectErr and OpenErr make the matching call fail.
	SelectErr error
	OpenErr   error
	// Gate, when set, holds RequestDevice until it receives or closes,
	// the way a user pondering a device chooser would.
	Gate chan struct{}
	// BeforeOpen runs at the start of Open.
	BeforeOpen func()

	events chan capability.Event

	mu       sync.Mutex
	requests int
	opens    int
	lastBaud int
	ports    []*Port
}

// New returns a capability that selects dev.
func New(dev capability.Info) *Capability {
	return &Capability{
		Device: dev,
		events: make(chan capability.Event, 8),
	}
}

func (c *Capability) Available() bool { return !c.Unavailable }

func (c *Capability) RequestDevice(ctx context.Context) (capability.Info, error) {
	c.mu.Lock()
	c.requests++
	c.mu.Unlock()

	if c.Gate != nil {
		select {
		case <-c.Gate:
		case <-ctx.Done():
			return capability.Info{}, ctx.Err()
		}
	}
	if c.SelectErr != nil {
		return capability.Info{}, c.SelectErr
	}
	return c.Device, nil
}

func (c *Capability) Open(_ context.Context, dev capability.Info, baud int) (capability.Port, error) {
	if c.BeforeOpen != nil {
		c.BeforeOpen()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	c.lastBaud = baud
	if c.OpenErr != nil {
		return nil, errors.WrapOpen("open", dev.Path, baud, c.OpenErr, false)
	}
	p := NewPort()
	c.ports = append(c.ports, p)
	return p, nil
}

func (c *Capability) Events() <-chan capability.Event { return c.events }

// Emit queues a hot-plug event.
func (c *Capability) Emit(kind capability.EventKind, path string) {
	c.events <- capability.Event{Kind: kind, Path: path}
}

// Requests returns how many times RequestDevice ran.
func (c *Capability) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

// Opens returns how many times Open ran.
func (c *Capability) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// LastBaud returns the rate of the latest Open.
func (c *Capability) LastBaud() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBaud
}

// Port returns the most recently opened port, or nil.
func (c *Capability) Port() *Port {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ports) == 0 {
		return nil
	}
	return c.ports[len(c.ports)-1]
}
