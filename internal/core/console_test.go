package core

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"sercon/config"
	"sercon/internal/capability"
	"sercon/internal/capability/capabilitytest"
	"sercon/internal/controller"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type consoleHarness struct {
	mode  *ConsoleMode
	fake  *capabilitytest.Capability
	in    *io.PipeWriter
	out   *syncBuffer
	done  chan error
	typed func(string)
}

func startConsole(t *testing.T, autoConnect bool) *consoleHarness {
	t.Helper()
	fake := capabilitytest.New(capability.Info{Path: "/dev/ttyUSB0", USB: true, VendorID: "0403", ProductID: "6001"})
	cfg := config.Default()
	cfg.TeardownGrace = 500 * time.Millisecond
	ctrl, err := controller.New(fake, cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	pr, pw := io.Pipe()
	out := &syncBuffer{}
	mode := &ConsoleMode{
		Controller:  ctrl,
		AutoConnect: autoConnect,
		Stdin:       pr,
		Stdout:      out,
	}

	h := &consoleHarness{mode: mode, fake: fake, in: pw, out: out, done: make(chan error, 1)}
	h.typed = func(line string) {
		t.Helper()
		if _, err := io.WriteString(pw, line+"\n"); err != nil {
			t.Fatalf("type %q: %v", line, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- mode.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		pw.Close()
		<-h.done
	})
	return h
}

func (h *consoleHarness) wait(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		h.done <- nil // let cleanup drain it
	case <-time.After(3 * time.Second):
		t.Fatal("console did not exit")
	}
}

func TestConsole_Session(t *testing.T) {
	h := startConsole(t, false)
	ctrl := h.mode.Controller

	h.typed("/baud 9600")
	eventually(t, "baud change", func() bool { return ctrl.State().BaudRate == 9600 })

	h.typed("/connect")
	eventually(t, "connection", func() bool { return ctrl.State().Connected })
	if h.fake.LastBaud() != 9600 {
		t.Errorf("opened at %d", h.fake.LastBaud())
	}

	port := h.fake.Port()
	port.Feed("temperature=21.5\n")
	eventually(t, "device output on screen", func() bool {
		return strings.Contains(h.out.String(), "temperature=21.5")
	})
	if !strings.Contains(h.out.String(), "Connected serial port with baud rate 9600") {
		t.Errorf("connect notice not rendered:\n%s", h.out.String())
	}

	h.typed("AT+GMR")
	h.typed("//reset")
	eventually(t, "bytes on the wire", func() bool { return port.Written() == "AT+GMR\n/reset\n" })

	h.typed("/history")
	eventually(t, "history listing", func() bool {
		return strings.Contains(h.out.String(), "  1  AT+GMR") && strings.Contains(h.out.String(), "  2  /reset")
	})

	h.typed("/status")
	eventually(t, "status line", func() bool {
		return strings.Contains(h.out.String(), "connected baud=9600 device=/dev/ttyUSB0 vid=0403 pid=6001")
	})

	h.typed("/baud 19200")
	eventually(t, "baud refused", func() bool { return strings.Contains(h.out.String(), "a session is live") })

	h.typed("/disconnect")
	eventually(t, "disconnect", func() bool { return !ctrl.State().Connected })
	eventually(t, "disconnect notice", func() bool {
		return strings.Contains(h.out.String(), "Disconnected from serial port")
	})

	h.typed("/quit")
	h.wait(t)
	if !port.IsClosed() {
		t.Error("port left open")
	}
}

func TestConsole_AutoConnectAndEOF(t *testing.T) {
	h := startConsole(t, true)
	eventually(t, "auto connect", func() bool { return h.mode.Controller.State().Connected })

	h.in.Close()
	h.wait(t)
	if !h.fake.Port().IsClosed() {
		t.Error("session not torn down on exit")
	}
}

func TestConsole_UnknownCommandAndHelp(t *testing.T) {
	h := startConsole(t, false)
	h.typed("/frobnicate")
	h.typed("/help")
	h.typed("/baud 1234")
	eventually(t, "replies", func() bool {
		s := h.out.String()
		return strings.Contains(s, "unknown command /frobnicate") &&
			strings.Contains(s, "/disconnect       close the port") &&
			strings.Contains(s, "baud: unsupported baud rate: 1234")
	})
}

func TestConsole_SendWhileIdleIgnored(t *testing.T) {
	h := startConsole(t, false)
	h.typed("hello?")
	h.typed("/history")
	h.typed("/quit")
	h.wait(t)
	if n := h.mode.Controller.History().Len(); n != 0 {
		t.Errorf("history has %d entries", n)
	}
}

func TestConsole_PromptTakesNextLine(t *testing.T) {
	m := &ConsoleMode{}
	m.init()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got := make(chan string, 1)
	go func() {
		line, _ := m.PromptLine(ctx)
		got <- line
	}()
	eventually(t, "prompt registration", func() bool { return len(m.prompts) == 1 })

	if !m.answerPrompt("2") {
		t.Fatal("line not routed to the prompt")
	}
	if line := <-got; line != "2" {
		t.Errorf("prompt got %q", line)
	}
	if m.answerPrompt("next") {
		t.Error("no prompt is pending any more")
	}
}

func TestConsole_PromptCancelled(t *testing.T) {
	m := &ConsoleMode{}
	m.init()
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := m.PromptLine(ctx)
		errc <- err
	}()
	eventually(t, "prompt registration", func() bool { return len(m.prompts) == 1 })
	cancel()

	if err := <-errc; err != context.Canceled {
		t.Errorf("err = %v", err)
	}
	if m.answerPrompt("stray") {
		t.Error("cancelled prompt still registered")
	}
}

func TestConsole_PromptSelectorFlow(t *testing.T) {
	m := &ConsoleMode{}
	out := &syncBuffer{}
	m.init()
	m.scr.set(out)

	sel := &capability.PromptSelector{Out: m.screen(), ReadLine: m.PromptLine}
	ports := []capability.Info{{Path: "/dev/ttyS0"}, {Path: "/dev/ttyUSB0"}}

	got := make(chan capability.Info, 1)
	go func() {
		dev, _ := sel.Select(context.Background(), ports)
		got <- dev
	}()
	eventually(t, "prompt", func() bool { return len(m.prompts) == 1 })
	m.answerPrompt("2")

	if dev := <-got; dev.Path != "/dev/ttyUSB0" {
		t.Errorf("selected %q", dev.Path)
	}
	if !strings.Contains(out.String(), "2) /dev/ttyUSB0") {
		t.Errorf("choices not shown:\n%s", out.String())
	}
}
