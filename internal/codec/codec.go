// Package codec links a raw byte stream to a text stream.
//
// An Inbound pipe decodes bytes read from a device into text chunks
// handed out by an exclusive Reader; an Outbound pipe encodes text
// written through an exclusive Writer into bytes for the device. Each
// pipe runs one pump goroutine, and its completion (Done / Wait) is
// the handle teardown awaits.
package codec

import (
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// Lookup resolves a WHATWG encoding label ("utf-8", "latin1",
// "windows-1252", ...). An empty label means UTF-8.
func Lookup(label string) (encoding.Encoding, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q", label)
	}
	return enc, nil
}

// completion is the pipe-completion handle shared by both directions.
type completion struct {
	done chan struct{}
	err  error
}

func newCompletion() completion {
	return completion{done: make(chan struct{})}
}

func (c *completion) finish(err error) {
	c.err = err
	close(c.done)
}

// Done is closed once the pump goroutine has exited.
func (c *completion) Done() <-chan struct{} { return c.done }

// Err returns the pump's terminal error; nil means a clean end of
// stream. Only meaningful after Done is closed.
func (c *completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the pump exits or ctx ends, returning the pump's
// terminal error or the context error.
func (c *completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nonEmpty drops zero-length writes, which transform.Writer issues
// while it holds a partial sequence and which an io.Pipe would
// otherwise deliver to the reader as an empty read.
type nonEmpty struct{ w io.Writer }

func (n nonEmpty) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return n.w.Write(p)
}
