// Package session owns one live connection to a device: the port, its
// decode and encode pipes, and the exclusive reader and writer on them.
//
// A Session is either fully constructed (returned by Open) or absent;
// there is no partially open state visible to callers. Teardown is the
// only way out and always completes.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"sercon/internal/capability"
	"sercon/internal/codec"
	"sercon/internal/errors"
	"sercon/internal/metrics"
	"sercon/util"
)

// DefaultTeardownGrace bounds each pipe-completion wait in Teardown.
const DefaultTeardownGrace = 2 * time.Second

// Options tunes a session. The zero value is usable.
type Options struct {
	Encoding      encoding.Encoding // nil means UTF-8
	TeardownGrace time.Duration
	Metrics       *metrics.Collector
	Logger        *util.Logger

	// ReadFaults, when set, receives read errors that leave the device
	// usable (framing, parity, overrun) and the read loop keeps going.
	// Errors that mean the device is gone still end the loop with Fault.
	ReadFaults func(err *errors.StreamError)
}

// Sink receives decoded chunks in arrival order.
type Sink interface {
	Append(text string)
}

// Session is a live connection. All methods are safe for concurrent
// use; the read loop, Send, and Teardown may race.
type Session struct {
	dev  capability.Info
	baud int
	opts Options

	mu       sync.Mutex
	port     capability.Port
	inbound  *codec.Inbound
	outbound *codec.Outbound
	reader   *codec.Reader
	writer   *codec.Writer
	torn     bool

	keepAlive atomic.Bool
	started   atomic.Bool
	released  chan struct{}
}

// Open asks c for a device, opens it at baud, and builds both pipes.
// A declined selection returns errors.ErrSelectionCancelled; any other
// failure is an *errors.OpenError. Resources acquired before a
// failure are released in reverse order.
func Open(ctx context.Context, c capability.Capability, baud int, opts Options) (*Session, error) {
	if opts.Encoding == nil {
		opts.Encoding = unicode.UTF8
	}
	if opts.TeardownGrace <= 0 {
		opts.TeardownGrace = DefaultTeardownGrace
	}

	if !c.Available() {
		return nil, errors.ErrUnavailable
	}

	dev, err := c.RequestDevice(ctx)
	if err != nil {
		if errors.IsCancelled(err) || ctx.Err() != nil {
			return nil, err
		}
		return nil, errors.WrapOpen("select", "", baud, err, false)
	}

	port, err := c.Open(ctx, dev, baud)
	if err != nil {
		var oe *errors.OpenError
		if errors.As(err, &oe) {
			return nil, err
		}
		return nil, errors.WrapOpen("open", dev.Path, baud, err, false)
	}

	var undo []func() error
	unwind := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}
	undo = append(undo, port.Close)

	var inOpts []codec.InboundOption
	if opts.ReadFaults != nil {
		report := opts.ReadFaults
		inOpts = append(inOpts, codec.OnFault(func(err error) bool {
			if capability.IsDisconnect(err) {
				return false
			}
			report(errors.WrapStream("read", dev.Path, err))
			return true
		}))
	}
	in := codec.NewInbound(port, opts.Encoding, opts.Metrics, inOpts...)
	undo = append(undo, func() error { in.Stop(); return nil })
	reader := in.Reader()
	undo = append(undo, reader.Cancel)

	out := codec.NewOutbound(port, opts.Encoding, opts.Metrics)
	writer := out.Writer()
	undo = append(undo, writer.Close)

	// The selection or open may have outlived the caller.
	if err := ctx.Err(); err != nil {
		unwind()
		return nil, errors.WrapOpen("pipes", dev.Path, baud, err, false)
	}

	s := &Session{
		dev:      dev,
		baud:     baud,
		opts:     opts,
		port:     port,
		inbound:  in,
		outbound: out,
		reader:   reader,
		writer:   writer,
		released: make(chan struct{}),
	}
	s.keepAlive.Store(true)
	opts.Metrics.SessionOpened()
	opts.Logger.Verbose("session open: %s @%d", dev.Path, baud)
	return s, nil
}

// Device returns the handle the session was opened on.
func (s *Session) Device() capability.Info { return s.dev }

// Baud returns the rate the port was opened at.
func (s *Session) Baud() int { return s.baud }

// Alive reports the keepAlive flag.
func (s *Session) Alive() bool { return s.keepAlive.Load() }

// Stop asks the read loop to finish after its current chunk. It does
// not interrupt a pending read; Teardown does that.
func (s *Session) Stop() { s.keepAlive.Store(false) }

// Released is closed when ReadLoop has returned.
func (s *Session) Released() <-chan struct{} { return s.released }

// Outcome is how a read loop ended.
type Outcome int

const (
	EndOfStream Outcome = iota // device closed the stream
	Stopped                    // keepAlive cleared or session torn down
	Cancelled                  // reader cancelled while a read was pending
	Fault                      // byte source failed
	Rejected                   // a read loop already ran on this session
)

func (o Outcome) String() string {
	switch o {
	case EndOfStream:
		return "end of stream"
	case Stopped:
		return "stopped"
	case Cancelled:
		return "cancelled"
	case Fault:
		return "fault"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is returned by ReadLoop. Err is set for Fault and Rejected.
type Result struct {
	Outcome Outcome
	Err     error
}

// ReadLoop forwards decoded chunks to sink, each before awaiting the
// next, until the stream ends, keepAlive is cleared, the reader is
// cancelled, or ctx is done. It runs at most once per session.
func (s *Session) ReadLoop(ctx context.Context, sink Sink) Result {
	if !s.started.CompareAndSwap(false, true) {
		return Result{Outcome: Rejected, Err: errors.ErrReadLoopActive}
	}
	defer close(s.released)

	s.mu.Lock()
	reader, torn := s.reader, s.torn
	s.mu.Unlock()
	if torn || reader == nil {
		return Result{Outcome: Stopped}
	}

	release := context.AfterFunc(ctx, func() {
		s.Stop()
		reader.Cancel()
	})
	defer release()

	for s.keepAlive.Load() {
		chunk, err := reader.Read()
		if err != nil {
			switch {
			case err == io.EOF:
				s.keepAlive.Store(false)
				return Result{Outcome: EndOfStream}
			case errors.Is(err, errors.ErrReaderCancelled):
				return Result{Outcome: Cancelled}
			default:
				return Result{Outcome: Fault, Err: errors.WrapStream("read", s.dev.Path, err)}
			}
		}
		sink.Append(chunk)
	}
	return Result{Outcome: Stopped}
}

// Send writes text to the device. Concurrent sends are serialized.
// A session that is torn down returns errors.ErrNotConnected.
func (s *Session) Send(text string) error {
	s.mu.Lock()
	w := s.writer
	torn := s.torn
	s.mu.Unlock()
	if torn || w == nil {
		return errors.ErrNotConnected
	}
	if err := w.Write(text); err != nil {
		return errors.WrapStream("write", s.dev.Path, err)
	}
	return nil
}

// Teardown releases everything in a fixed order. Each step runs even
// if an earlier one failed, and step failures are logged and counted
// but never returned. It reports whether this call did the work;
// later calls are no-ops.
func (s *Session) Teardown(ctx context.Context) bool {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return false
	}
	s.torn = true
	reader, writer := s.reader, s.writer
	in, out, port := s.inbound, s.outbound, s.port
	s.mu.Unlock()

	s.keepAlive.Store(false)
	waitCtx := context.WithoutCancel(ctx)

	steps := []struct {
		name string
		run  func() error
	}{
		{"cancel reader", func() error {
			err := reader.Cancel()
			if s.started.Load() {
				// No chunk may reach the sink after teardown returns.
				werr := s.await(waitCtx, s.released)
				return util.FirstError(err, werr)
			}
			return err
		}},
		{"close writer", writer.Close},
		{"await inbound", func() error {
			return s.await(waitCtx, in.Done())
		}},
		{"await outbound", func() error {
			return s.await(waitCtx, out.Done())
		}},
		{"close port", port.Close},
		{"clear", func() error {
			s.mu.Lock()
			s.reader, s.writer = nil, nil
			s.inbound, s.outbound = nil, nil
			s.port = nil
			s.mu.Unlock()
			return nil
		}},
	}
	for _, step := range steps {
		s.runStep(step.name, step.run)
	}

	s.opts.Metrics.SessionClosed()
	s.opts.Logger.Verbose("session closed: %s", s.dev.Path)
	return true
}

// await waits for done within the teardown grace. The pipe's own
// outcome is not of interest here, only that it finished.
func (s *Session) await(ctx context.Context, done <-chan struct{}) error {
	t := time.NewTimer(s.opts.TeardownGrace)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return fmt.Errorf("not finished after %s", s.opts.TeardownGrace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) runStep(name string, fn func() error) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn()
	}()
	if err == nil || util.IsHarmless(err) {
		return
	}
	terr := &errors.TeardownError{Step: name, Err: err}
	s.opts.Logger.Verbose("%v", terr)
	s.opts.Metrics.TeardownFault()
}
