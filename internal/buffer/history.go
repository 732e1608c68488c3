package buffer

import "sync"

// History is the append-only record of commands sent to the device.
type History struct {
	mu      sync.RWMutex
	entries []string
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{}
}

// Record appends cmd exactly as the user typed it.
func (h *History) Record(cmd string) {
	h.mu.Lock()
	h.entries = append(h.entries, cmd)
	h.mu.Unlock()
}

// Entries returns a copy of all recorded commands, oldest first.
func (h *History) Entries() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of recorded commands.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Last returns the most recent command, if any.
func (h *History) Last() (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.entries) == 0 {
		return "", false
	}
	return h.entries[len(h.entries)-1], true
}
