// Package buffer holds the controller-owned text state: a bounded
// output buffer of received chunks and the history of sent commands.
package buffer

import (
	"strings"
	"sync"
)

// DefaultMaxLines is used when a non-positive capacity is requested.
const DefaultMaxLines = 500

// Output is a bounded, order-preserving buffer of text chunks. Once
// full, each Append evicts the oldest chunk. Eviction works on whole
// chunks as they were appended; a chunk is never split.
//
// Every appended chunk gets a sequence number so incremental observers
// can ask for what they have not seen yet ([Output.Since]) instead of
// being pushed to, which keeps slow observers from blocking the read
// loop. Safe for concurrent use.
type Output struct {
	mu     sync.RWMutex
	ring   []string
	head   int    // index of the oldest chunk
	size   int    // chunks currently held
	seq    uint64 // sequence number of the newest chunk
	render *string

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

// NewOutput returns an empty buffer holding at most maxLines chunks.
func NewOutput(maxLines int) *Output {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Output{
		ring: make([]string, maxLines),
		subs: make(map[chan struct{}]struct{}),
	}
}

// Append adds chunk as the newest entry, evicting the oldest when the
// buffer is full.
func (o *Output) Append(chunk string) {
	o.mu.Lock()
	capacity := len(o.ring)
	tail := (o.head + o.size) % capacity
	o.ring[tail] = chunk
	if o.size < capacity {
		o.size++
	} else {
		o.head = (o.head + 1) % capacity
	}
	o.seq++
	o.render = nil
	o.mu.Unlock()

	o.signal()
}

// Render returns the concatenation of all held chunks, oldest first.
// The result is cached until the next mutation.
func (o *Output) Render() string {
	o.mu.RLock()
	if o.render != nil {
		s := *o.render
		o.mu.RUnlock()
		return s
	}
	o.mu.RUnlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.render == nil {
		var b strings.Builder
		for i := 0; i < o.size; i++ {
			b.WriteString(o.ring[(o.head+i)%len(o.ring)])
		}
		s := b.String()
		o.render = &s
	}
	return *o.render
}

// Lines returns a copy of the held chunks, oldest first.
func (o *Output) Lines() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sliceLocked(0, o.size)
}

// Len returns the number of chunks held.
func (o *Output) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.size
}

// MaxLines returns the current capacity.
func (o *Output) MaxLines() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.ring)
}

// Seq returns the sequence number of the newest chunk ever appended.
func (o *Output) Seq() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.seq
}

// Since returns the held chunks appended after sequence number seq and
// the sequence number to pass next time. Chunks already evicted are
// skipped silently.
func (o *Output) Since(seq uint64) ([]string, uint64) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if seq >= o.seq || o.size == 0 {
		return nil, o.seq
	}
	oldest := o.seq - uint64(o.size) + 1
	start := seq + 1
	if start < oldest {
		start = oldest
	}
	offset := int(start - oldest)
	return o.sliceLocked(offset, o.size-offset), o.seq
}

// Clear drops every chunk. Sequence numbers keep increasing.
func (o *Output) Clear() {
	o.mu.Lock()
	for i := range o.ring {
		o.ring[i] = ""
	}
	o.head, o.size = 0, 0
	o.render = nil
	o.mu.Unlock()

	o.signal()
}

// SetMaxLines changes the capacity, keeping the newest chunks that fit.
func (o *Output) SetMaxLines(maxLines int) {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	o.mu.Lock()
	keep := o.size
	if keep > maxLines {
		keep = maxLines
	}
	ring := make([]string, maxLines)
	copy(ring, o.sliceLocked(o.size-keep, keep))
	o.ring, o.head, o.size = ring, 0, keep
	o.render = nil
	o.mu.Unlock()

	o.signal()
}

// Subscribe returns a channel signalled (non-blocking, coalescing)
// after every mutation, and a func that ends the subscription.
// Observers should call Since or Render when signalled.
func (o *Output) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	o.subMu.Lock()
	o.subs[ch] = struct{}{}
	o.subMu.Unlock()
	return ch, func() {
		o.subMu.Lock()
		delete(o.subs, ch)
		o.subMu.Unlock()
	}
}

func (o *Output) sliceLocked(offset, n int) []string {
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = o.ring[(o.head+offset+i)%len(o.ring)]
	}
	return out
}

func (o *Output) signal() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for ch := range o.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
