package core

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"sercon/config"
	"sercon/internal/capability"
	"sercon/internal/controller"
	"sercon/internal/metrics"
	"sercon/internal/mirror"
	"sercon/util"
)

const consoleHelp = `commands:
  /connect          choose a port and open it
  /disconnect       close the port
  /baud [rate]      show or set the baud rate (idle only)
  /clear            clear the output
  /history          list sent commands
  /status           show connection state
  /quit             leave
  //text            send text starting with a slash
anything else is sent to the device
`

// ConsoleMode is the interactive front end: device output is streamed
// to the terminal and typed lines are sent to the device.
type ConsoleMode struct {
	Controller  *controller.Controller
	Watcher     *capability.Watcher // optional hot-plug source
	Mirror      *mirror.Hub         // optional remote view
	MirrorAddr  string
	AutoConnect bool
	Verbose     int
	Metrics     *metrics.Collector
	Logger      *util.Logger

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	Stdin  io.Reader
	Stdout io.Writer

	once    sync.Once
	scr     *screen
	prompts chan chan string
}

func (m *ConsoleMode) init() {
	m.once.Do(func() {
		m.scr = &screen{}
		m.prompts = make(chan chan string, 1)
	})
}

func (m *ConsoleMode) screen() *screen {
	m.init()
	return m.scr
}

func (m *ConsoleMode) stdin() io.Reader {
	if m.Stdin != nil {
		return m.Stdin
	}
	return os.Stdin
}

func (m *ConsoleMode) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// Run starts the controller and every surface, then serves the
// terminal until /quit, end of input, or ctx is done.
func (m *ConsoleMode) Run(ctx context.Context) error {
	m.init()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	src, restore, err := m.openTerminal()
	if err != nil {
		return err
	}
	defer restore()

	lines := make(chan string)
	go readLines(ctx, src, lines)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Controller.Run(gctx) })
	if m.Watcher != nil {
		g.Go(func() error { return m.Watcher.Run(gctx) })
	}
	if m.Mirror != nil {
		g.Go(func() error { return m.Mirror.ListenAndServe(gctx, m.MirrorAddr) })
	}
	g.Go(func() error { return m.render(gctx) })
	g.Go(func() error {
		defer cancel()
		return m.interact(gctx, lines)
	})

	err = g.Wait()
	if m.Verbose >= 2 {
		m.Logger.Info("metrics: %s", m.Metrics.JSON())
	}
	return err
}

// lineSource is satisfied by term.Terminal and plainLines.
type lineSource interface {
	io.Writer
	ReadLine() (string, error)
}

// openTerminal uses a raw-mode line editor on a TTY and plain line
// reading otherwise (pipes, tests).
func (m *ConsoleMode) openTerminal() (lineSource, func(), error) {
	in, out := m.stdin(), m.stdout()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		state, err := term.MakeRaw(fd)
		if err != nil {
			return nil, nil, fmt.Errorf("terminal raw mode: %w", err)
		}
		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{in, out}, "> ")
		if of, ok := out.(*os.File); ok {
			if w, h, err := term.GetSize(int(of.Fd())); err == nil {
				t.SetSize(w, h)
			}
		}
		m.scr.set(t)
		if m.Logger != nil {
			// Raw mode needs CRLF; route diagnostics through the editor.
			m.Logger.SetOutput(m.scr)
		}
		return t, func() {
			if m.Logger != nil {
				m.Logger.SetOutput(os.Stderr)
			}
			term.Restore(fd, state)
		}, nil
	}

	p := &plainLines{sc: bufio.NewScanner(in), w: out}
	m.scr.set(p)
	return p, func() {}, nil
}

type plainLines struct {
	sc *bufio.Scanner
	w  io.Writer
}

func (p *plainLines) ReadLine() (string, error) {
	if p.sc.Scan() {
		return strings.TrimRight(p.sc.Text(), "\r"), nil
	}
	if err := p.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (p *plainLines) Write(b []byte) (int, error) { return p.w.Write(b) }

// readLines feeds typed lines to the console until input ends.
func readLines(ctx context.Context, src lineSource, lines chan<- string) {
	defer close(lines)
	for {
		line, err := src.ReadLine()
		if err != nil {
			return
		}
		select {
		case lines <- line:
		case <-ctx.Done():
			return
		}
	}
}

// render streams output chunks to the terminal as they arrive.
func (m *ConsoleMode) render(ctx context.Context) error {
	out := m.Controller.Output()
	notify, unsubscribe := out.Subscribe()
	defer unsubscribe()

	chunks, seq := out.Since(0)
	m.print(strings.Join(chunks, ""))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-notify:
			chunks, seq = out.Since(seq)
			m.print(strings.Join(chunks, ""))
		}
	}
}

func (m *ConsoleMode) interact(ctx context.Context, lines <-chan string) error {
	m.printf("sercon: type /help for commands\n")
	if m.AutoConnect {
		if err := m.Controller.Connect(ctx); err != nil {
			m.Logger.Warn("auto-connect: %v", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if m.answerPrompt(line) {
				continue
			}
			if m.command(ctx, line) {
				return nil
			}
		}
	}
}

// command handles one typed line and reports whether to quit.
func (m *ConsoleMode) command(ctx context.Context, line string) bool {
	switch {
	case strings.HasPrefix(line, "//"):
		m.send(ctx, line[1:])
		return false
	case !strings.HasPrefix(line, "/"):
		m.send(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		m.printf("%s", consoleHelp)
	case "/connect":
		if err := m.Controller.Connect(ctx); err != nil {
			m.printf("connect: %v\n", err)
		}
	case "/disconnect":
		if err := m.Controller.Disconnect(ctx); err != nil {
			m.printf("disconnect: %v\n", err)
		}
	case "/clear":
		m.Controller.Clear()
	case "/baud":
		if len(fields) < 2 {
			m.printf("baud rate %d\n", m.Controller.State().BaudRate)
			break
		}
		rate, err := config.ParseBaud(fields[1])
		if err == nil {
			err = m.Controller.SetBaudRate(rate)
		}
		if err != nil {
			m.printf("baud: %v\n", err)
			break
		}
		m.printf("baud rate set to %d\n", rate)
	case "/history":
		for i, cmd := range m.Controller.History().Entries() {
			m.printf("%3d  %s\n", i+1, cmd)
		}
	case "/status":
		st := m.Controller.State()
		m.printf("%s baud=%d device=%s vid=%s pid=%s lines=%d\n",
			st.Phase, st.BaudRate, dash(st.Device), dash(st.VendorID), dash(st.ProductID),
			m.Controller.Output().Len())
	default:
		m.printf("unknown command %s (try /help)\n", fields[0])
	}
	return false
}

func (m *ConsoleMode) send(ctx context.Context, text string) {
	m.Controller.SetInput(text)
	if !m.Controller.State().Connected {
		m.Logger.Verbose("not connected, input ignored")
	}
	// Write failures are already reported in the output.
	if err := m.Controller.Send(ctx, text); err != nil {
		m.Logger.Verbose("send: %v", err)
	}
}

// PromptLine hands the next typed line to a device prompt instead of
// the command loop.
func (m *ConsoleMode) PromptLine(ctx context.Context) (string, error) {
	m.init()
	reply := make(chan string, 1)
	select {
	case m.prompts <- reply:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case line := <-reply:
		return line, nil
	case <-ctx.Done():
		select {
		case r := <-m.prompts:
			if r != reply {
				m.prompts <- r
			}
		default:
		}
		return "", ctx.Err()
	}
}

func (m *ConsoleMode) answerPrompt(line string) bool {
	select {
	case reply := <-m.prompts:
		reply <- line
		return true
	default:
		return false
	}
}

func (m *ConsoleMode) print(s string) {
	if s != "" {
		io.WriteString(m.scr, s)
	}
}

func (m *ConsoleMode) printf(format string, args ...any) {
	fmt.Fprintf(m.scr, format, args...)
}

// screen serializes writes from the renderer, the command loop and
// device prompts.
type screen struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *screen) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

func (s *screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return len(p), nil
	}
	return s.w.Write(p)
}
