// Package controller drives the connection state machine. One event
// loop goroutine (Run) owns the session and applies every transition:
// user requests, open results, read-loop endings and hot-plug events
// all arrive as messages, so none of them re-enter another.
package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"sercon/config"
	"sercon/internal/buffer"
	"sercon/internal/capability"
	"sercon/internal/codec"
	"sercon/internal/errors"
	"sercon/internal/metrics"
	"sercon/internal/session"
	"sercon/util"
)

// Controller is the UI-facing surface of the console.
type Controller struct {
	cap        capability.Capability
	sessOpts   session.Options
	terminator string
	available  bool

	out     *buffer.Output
	history *buffer.History
	logger  *util.Logger
	metrics *metrics.Collector

	msgs    chan func()
	stopped chan struct{}
	running atomic.Bool
	changes chan struct{}

	// Guarded by mu; written only on the loop.
	mu    sync.RWMutex
	phase Phase
	baud  int
	dev   capability.Info
	input string

	// Loop-only.
	runCtx     context.Context
	sess       *session.Session
	attempt    uint64
	cancelOpen context.CancelFunc
}

// New builds a controller for cfg. Run must be started before any
// request is served.
func New(c capability.Capability, cfg *config.Config, logger *util.Logger, m *metrics.Collector) (*Controller, error) {
	enc, err := codec.Lookup(cfg.Charset)
	if err != nil {
		return nil, err
	}
	baud := cfg.BaudRate
	if baud == 0 {
		baud = config.DefaultBaudRate
	}
	ctrl := &Controller{
		cap:       c,
		available: c.Available(),
		sessOpts: session.Options{
			Encoding:      enc,
			TeardownGrace: cfg.TeardownGrace,
			Metrics:       m,
			Logger:        logger.Named("session"),
		},
		terminator: cfg.Terminator(),
		out:        buffer.NewOutput(cfg.MaxLines),
		history:    buffer.NewHistory(),
		logger:     logger,
		metrics:    m,
		msgs:       make(chan func()),
		stopped:    make(chan struct{}),
		changes:    make(chan struct{}, 1),
		baud:       baud,
	}
	if cfg.FaultPolicy == config.FaultReport {
		ctrl.sessOpts.ReadFaults = ctrl.onReadFault
	}
	return ctrl, nil
}

// Run processes requests and events until ctx is done. A live session
// is torn down on the way out.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("controller already running")
	}
	c.runCtx = ctx
	defer close(c.stopped)
	defer c.shutdown()

	events := c.cap.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.msgs:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.onDevice(ev)
		}
	}
}

func (c *Controller) shutdown() {
	if c.cancelOpen != nil {
		c.cancelOpen()
		c.cancelOpen = nil
	}
	if c.sess != nil {
		c.sess.Stop()
		c.teardown()
	}
}

// post queues fn on the loop. It reports false once Run has returned.
func (c *Controller) post(fn func()) bool {
	select {
	case c.msgs <- fn:
		return true
	case <-c.stopped:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (c *Controller) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.msgs <- func() { reply <- fn() }:
	case <-c.stopped:
		return errors.ErrControllerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Requests ─────────────────────────────────────────────────────────

// Connect starts a connection attempt: device selection, then open at
// the configured baud rate. It returns once the attempt is under way;
// progress shows up in the output and in State. Connecting while a
// session exists or an attempt is pending does nothing, and so does
// connecting without a serial capability.
func (c *Controller) Connect(ctx context.Context) error {
	return c.call(ctx, c.connect)
}

// Disconnect ends the live session, or abandons a pending attempt.
// With nothing to disconnect it does nothing.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.call(ctx, c.disconnect)
}

// Send writes text plus the configured line ending to the device and
// records text in the history. Without a live session the call is a
// no-op. A write failure is reported in the output and returned; the
// session stays up.
func (c *Controller) Send(ctx context.Context, text string) error {
	return c.call(ctx, func() error { return c.send(text) })
}

// Clear empties the output.
func (c *Controller) Clear() {
	c.out.Clear()
}

// ClearInput resets the pending input.
func (c *Controller) ClearInput() {
	c.SetInput("")
}

// SetInput stores the text the user is composing.
func (c *Controller) SetInput(s string) {
	c.mu.Lock()
	c.input = s
	c.mu.Unlock()
	c.changed()
}

// SetBaudRate selects the rate for the next connection. Only standard
// rates are accepted, and not while a session is live or opening.
func (c *Controller) SetBaudRate(rate int) error {
	if !config.IsStandardBaud(rate) {
		return fmt.Errorf("%w: %d", errors.ErrInvalidBaudRate, rate)
	}
	c.mu.Lock()
	if c.phase != Idle {
		c.mu.Unlock()
		return errors.ErrSessionLive
	}
	c.baud = rate
	c.mu.Unlock()
	c.changed()
	return nil
}

// SetMaxLines changes the output bound, dropping the oldest chunks.
func (c *Controller) SetMaxLines(n int) {
	c.out.SetMaxLines(n)
	c.changed()
}

// State returns a snapshot of the observable state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return State{
		Phase:           c.phase,
		Connected:       c.phase == Connected,
		DeviceAvailable: c.available,
		BaudRate:        c.baud,
		MaxLines:        c.out.MaxLines(),
		VendorID:        c.dev.VendorID,
		ProductID:       c.dev.ProductID,
		Device:          c.dev.Path,
		Input:           c.input,
	}
}

// Changes signals after state changes. Signals coalesce; read State
// for the current values.
func (c *Controller) Changes() <-chan struct{} { return c.changes }

// Render returns the output as one string.
func (c *Controller) Render() string { return c.out.Render() }

// Output exposes the output buffer for incremental readers.
func (c *Controller) Output() *buffer.Output { return c.out }

// History exposes the sent-command history.
func (c *Controller) History() *buffer.History { return c.history }

// Done is closed when Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.stopped }

func (c *Controller) changed() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) currentPhase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

func (c *Controller) currentBaud() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baud
}

// report appends an error line. It only touches the output and the
// metrics, so the read pump may call it directly.
func (c *Controller) report(err error) {
	c.out.Append(fmt.Sprintf(msgErrorFmt, err))
	c.metrics.RecordError(err.Error())
}

// onReadFault runs on the read pump, off the loop, for faults the
// session survives.
func (c *Controller) onReadFault(err *errors.StreamError) {
	c.logger.Warn("read fault on %s, session kept: %v", err.Device, err.Err)
	c.report(err.Err)
}
