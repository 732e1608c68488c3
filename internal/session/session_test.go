package session

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sercon/internal/buffer"
	"sercon/internal/capability"
	"sercon/internal/capability/capabilitytest"
	"sercon/internal/errors"
	"sercon/internal/metrics"
)

var testDev = capability.Info{Path: "/dev/ttyUSB0", USB: true, VendorID: "0403", ProductID: "6001"}

func openTest(t *testing.T, opts Options) (*Session, *capabilitytest.Capability) {
	t.Helper()
	fake := capabilitytest.New(testDev)
	s, err := Open(context.Background(), fake, 9600, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Teardown(context.Background()) })
	return s, fake
}

func runLoop(s *Session, sink Sink) <-chan Result {
	done := make(chan Result, 1)
	go func() { done <- s.ReadLoop(context.Background(), sink) }()
	return done
}

func result(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("read loop did not finish")
		return Result{}
	}
}

func TestOpen_Unavailable(t *testing.T) {
	fake := capabilitytest.New(testDev)
	fake.Unavailable = true

	s, err := Open(context.Background(), fake, 9600, Options{})
	require.ErrorIs(t, err, errors.ErrUnavailable)
	require.Nil(t, s)
	require.Zero(t, fake.Requests())
	require.Zero(t, fake.Opens())
}

func TestOpen_SelectionCancelled(t *testing.T) {
	fake := capabilitytest.New(testDev)
	fake.SelectErr = errors.ErrSelectionCancelled

	_, err := Open(context.Background(), fake, 9600, Options{})
	require.ErrorIs(t, err, errors.ErrSelectionCancelled)
	require.Zero(t, fake.Opens())
}

func TestOpen_Rejected(t *testing.T) {
	fake := capabilitytest.New(testDev)
	fake.OpenErr = errors.New("invalid speed")

	_, err := Open(context.Background(), fake, 1500000, Options{})
	var oe *errors.OpenError
	require.True(t, errors.As(err, &oe))
	require.Equal(t, 1500000, oe.Baud)
	require.Contains(t, err.Error(), "invalid speed")
}

func TestOpen_UnwindsWhenCallerGoesAway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := capabilitytest.New(testDev)
	fake.BeforeOpen = cancel

	s, err := Open(ctx, fake, 9600, Options{})
	require.Nil(t, s)
	var oe *errors.OpenError
	require.True(t, errors.As(err, &oe))
	require.Equal(t, "pipes", oe.Stage)
	require.True(t, fake.Port().IsClosed(), "port must be released on unwind")
}

func TestOpen_CarriesDevice(t *testing.T) {
	m := metrics.New()
	s, fake := openTest(t, Options{Metrics: m})

	require.Equal(t, 9600, fake.LastBaud())
	require.Equal(t, 9600, s.Baud())
	require.Equal(t, "0403", s.Device().VendorID)
	require.Equal(t, "6001", s.Device().ProductID)
	require.True(t, s.Alive())
	require.Equal(t, int64(1), m.ActiveSessions())
}

func TestReadLoop_ForwardsChunksInOrder(t *testing.T) {
	s, fake := openTest(t, Options{})
	out := buffer.NewOutput(10)
	done := runLoop(s, out)

	require.True(t, fake.Port().Feed("A"))
	require.True(t, fake.Port().Feed("B"))
	require.Eventually(t, func() bool { return out.Render() == "AB" },
		2*time.Second, 5*time.Millisecond)

	require.True(t, s.Teardown(context.Background()))
	require.Equal(t, Cancelled, result(t, done).Outcome)
	require.Equal(t, "AB", out.Render())
}

func TestReadLoop_EndOfStream(t *testing.T) {
	s, fake := openTest(t, Options{})
	out := buffer.NewOutput(10)
	done := runLoop(s, out)

	require.True(t, fake.Port().Feed("bye"))
	fake.Port().Hangup()

	r := result(t, done)
	require.Equal(t, EndOfStream, r.Outcome)
	require.NoError(t, r.Err)
	require.False(t, s.Alive())
	require.Equal(t, "bye", out.Render())
}

func TestReadLoop_Fault(t *testing.T) {
	s, fake := openTest(t, Options{})
	done := runLoop(s, buffer.NewOutput(10))

	boom := errors.New("input/output error")
	fake.Port().FailRead(boom)

	r := result(t, done)
	require.Equal(t, Fault, r.Outcome)
	require.ErrorIs(t, r.Err, boom)
	var se *errors.StreamError
	require.True(t, errors.As(r.Err, &se))
	require.Equal(t, "read", se.Dir)
}

func TestReadLoop_ReadFaultsKeepSessionAlive(t *testing.T) {
	var (
		mu     sync.Mutex
		faults []*errors.StreamError
	)
	s, fake := openTest(t, Options{ReadFaults: func(err *errors.StreamError) {
		mu.Lock()
		faults = append(faults, err)
		mu.Unlock()
	}})
	out := buffer.NewOutput(10)
	done := runLoop(s, out)
	port := fake.Port()

	port.FailRead(errors.New("parity error"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(faults) == 1
	}, time.Second, 2*time.Millisecond)

	require.True(t, port.Feed("still here"))
	require.Eventually(t, func() bool { return out.Render() == "still here" },
		time.Second, 2*time.Millisecond)

	mu.Lock()
	require.Len(t, faults, 1)
	require.Equal(t, "read", faults[0].Dir)
	require.Equal(t, testDev.Path, faults[0].Device)
	require.EqualError(t, faults[0].Err, "parity error")
	mu.Unlock()

	// A fault that means the device is gone still ends the loop.
	port.FailRead(fmt.Errorf("read: %w", syscall.EIO))
	r := result(t, done)
	require.Equal(t, Fault, r.Outcome)
	require.ErrorIs(t, r.Err, syscall.EIO)
}

func TestReadLoop_RunsOnce(t *testing.T) {
	s, _ := openTest(t, Options{})
	done := runLoop(s, buffer.NewOutput(10))

	require.Eventually(t, s.started.Load, time.Second, time.Millisecond)
	r := s.ReadLoop(context.Background(), buffer.NewOutput(10))
	require.Equal(t, Rejected, r.Outcome)
	require.ErrorIs(t, r.Err, errors.ErrReadLoopActive)

	s.Teardown(context.Background())
	result(t, done)
}

func TestReadLoop_StopIsCooperative(t *testing.T) {
	s, fake := openTest(t, Options{})
	out := buffer.NewOutput(10)
	done := runLoop(s, out)

	require.Eventually(t, s.started.Load, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond) // let the loop block in its read

	s.Stop()
	select {
	case r := <-done:
		t.Fatalf("Stop interrupted a pending read: %v", r.Outcome)
	case <-time.After(50 * time.Millisecond):
	}

	// The loop notices the flag after forwarding the chunk in flight.
	require.True(t, fake.Port().Feed("last"))
	require.Equal(t, Stopped, result(t, done).Outcome)
	require.Equal(t, "last", out.Render())
}

func TestReadLoop_ContextCancels(t *testing.T) {
	s, _ := openTest(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- s.ReadLoop(ctx, buffer.NewOutput(10)) }()

	cancel()
	require.Equal(t, Cancelled, result(t, done).Outcome)
	require.False(t, s.Alive())
}

func TestSend(t *testing.T) {
	m := metrics.New()
	s, fake := openTest(t, Options{Metrics: m})

	require.NoError(t, s.Send("AT\r\n"))
	require.NoError(t, s.Send("ATI\r\n"))
	require.Eventually(t, func() bool { return fake.Port().Written() == "AT\r\nATI\r\n" },
		time.Second, 5*time.Millisecond)

	s.Teardown(context.Background())
	require.ErrorIs(t, s.Send("late"), errors.ErrNotConnected)
	require.Equal(t, int64(9), m.TotalBytesOut())
}

func TestSend_WriteFault(t *testing.T) {
	s, fake := openTest(t, Options{})
	boom := errors.New("write: broken pipe")
	fake.Port().FailWrites(boom)

	require.NoError(t, s.Send("one"))
	err := s.Send("two")
	require.ErrorIs(t, err, boom)
	var se *errors.StreamError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "write", se.Dir)
}

func TestTeardown_OrderAndIdempotence(t *testing.T) {
	m := metrics.New()
	s, fake := openTest(t, Options{Metrics: m})
	out := buffer.NewOutput(10)
	done := runLoop(s, out)
	port := fake.Port()

	// Once a chunk has reached the sink the loop is back in Read.
	require.True(t, port.Feed("ping"))
	require.Eventually(t, func() bool { return out.Render() == "ping" },
		time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	var pipesDoneAtClose bool
	port.OnClose = func() {
		select {
		case <-s.Released():
		default:
			return
		}
		select {
		case <-s.inbound.Done():
		default:
			return
		}
		select {
		case <-s.outbound.Done():
			pipesDoneAtClose = true
		default:
		}
	}

	require.True(t, s.Teardown(context.Background()))
	require.True(t, pipesDoneAtClose, "reader, writer and pipes finish before the port closes")
	require.True(t, port.IsClosed())
	require.Equal(t, Cancelled, result(t, done).Outcome)

	require.False(t, s.Teardown(context.Background()), "second teardown is a no-op")
	require.Nil(t, s.port)
	require.Nil(t, s.reader)
	require.Nil(t, s.writer)
	require.False(t, s.Alive())
	require.Zero(t, m.ActiveSessions())
	require.Zero(t, m.TeardownFaults())
}

func TestTeardown_AbsorbsStepFailures(t *testing.T) {
	m := metrics.New()
	s, fake := openTest(t, Options{Metrics: m})
	fake.Port().PanicOnClose = true

	require.NotPanics(t, func() {
		require.True(t, s.Teardown(context.Background()))
	})
	require.Equal(t, int64(1), m.TeardownFaults())
	require.Nil(t, s.port, "later steps still run after a failed one")
	require.ErrorIs(t, s.Send("x"), errors.ErrNotConnected)
}

func TestTeardown_CancelledContextStillCompletes(t *testing.T) {
	s, fake := openTest(t, Options{TeardownGrace: 200 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.True(t, s.Teardown(ctx))
	require.True(t, fake.Port().IsClosed())
}

func TestOutcome_String(t *testing.T) {
	require.Equal(t, "end of stream", EndOfStream.String())
	require.Equal(t, "outcome(42)", Outcome(42).String())
}
