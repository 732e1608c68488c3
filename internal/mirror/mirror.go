// Package mirror serves the console output to remote viewers over a
// websocket. Each client gets the current status and the full output
// on connect, then incremental output as it arrives, and may send
// commands to the device.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sercon/internal/buffer"
	"sercon/internal/controller"
	"sercon/util"
)

// Console is what the mirror needs from the controller.
type Console interface {
	Output() *buffer.Output
	State() controller.State
	Send(ctx context.Context, text string) error
}

// Message is the wire format in both directions.
type Message struct {
	Type  string            `json:"type"` // status, output, clear, send, error
	Text  string            `json:"text,omitempty"`
	Reset bool              `json:"reset,omitempty"` // output replaces everything shown
	State *controller.State `json:"state,omitempty"`
}

const (
	writeWait    = 5 * time.Second
	statusPeriod = time.Second
)

// Hub tracks websocket clients of one console.
type Hub struct {
	console  Console
	logger   *util.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New returns a hub for console.
func New(console Console, logger *util.Logger) *Hub {
	return &Hub{
		console: console,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Handler routes /ws to the websocket endpoint, /state to a JSON
// snapshot and / to the plain rendered output.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.serveWS)
	mux.HandleFunc("/state", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h.console.State())
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(h.console.Output().Render()))
	})
	return mux
}

// ListenAndServe serves Handler on addr until ctx is done.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.Serve(ctx, ln)
}

// Serve serves Handler on ln until ctx is done.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: h.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		h.closeAll()
	}()

	h.logger.Info("mirror listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Clients returns the number of connected viewers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
	}
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Verbose("mirror upgrade: %v", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	h.logger.Verbose("mirror client %s connected", conn.RemoteAddr())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		h.readLoop(ctx, conn)
	}()

	h.writeLoop(ctx, conn)
	cancel()

	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
	h.logger.Verbose("mirror client %s gone", conn.RemoteAddr())
}

// readLoop handles commands from a client. It is the only reader.
func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "send":
			if err := h.console.Send(ctx, msg.Text); err != nil {
				h.logger.Verbose("mirror send: %v", err)
			}
		default:
			h.logger.Debug("mirror: ignoring %q message", msg.Type)
		}
	}
}

// writeLoop follows the output for one client. It is the only writer.
func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn) {
	out := h.console.Output()
	notify, unsubscribe := out.Subscribe()
	defer unsubscribe()

	state := h.console.State()
	if h.write(conn, Message{Type: "status", State: &state}) != nil {
		return
	}
	chunks, seq := out.Since(0)
	if h.write(conn, Message{Type: "output", Text: strings.Join(chunks, ""), Reset: true}) != nil {
		return
	}
	shown := len(chunks) > 0

	ticker := time.NewTicker(statusPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return

		case <-notify:
			var next []string
			next, seq = out.Since(seq)
			if len(next) > 0 {
				if h.write(conn, Message{Type: "output", Text: strings.Join(next, "")}) != nil {
					return
				}
				shown = true
			} else if shown && out.Len() == 0 {
				if h.write(conn, Message{Type: "clear"}) != nil {
					return
				}
				shown = false
			}
			if h.syncState(conn, &state) != nil {
				return
			}

		case <-ticker.C:
			if h.syncState(conn, &state) != nil {
				return
			}
		}
	}
}

func (h *Hub) syncState(conn *websocket.Conn, last *controller.State) error {
	cur := h.console.State()
	if cur == *last {
		return nil
	}
	*last = cur
	return h.write(conn, Message{Type: "status", State: &cur})
}

func (h *Hub) write(conn *websocket.Conn, msg Message) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
