package codec

import (
	"io"
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"

	"sercon/internal/metrics"
	"sercon/util"
)

// Outbound pumps encoded text from its Writer into the device.
type Outbound struct {
	completion

	dst     io.Writer
	pr      *io.PipeReader
	writer  *Writer
	metrics *metrics.Collector
}

// NewOutbound starts a pump copying encoded text into dst. Runes the
// charset cannot represent are replaced rather than failing the write.
func NewOutbound(dst io.Writer, enc encoding.Encoding, m *metrics.Collector) *Outbound {
	pr, pw := io.Pipe()
	out := &Outbound{
		completion: newCompletion(),
		dst:        dst,
		pr:         pr,
		metrics:    m,
	}
	out.writer = &Writer{
		tw: transform.NewWriter(nonEmpty{pw}, encoding.ReplaceUnsupported(enc.NewEncoder())),
		pw: pw,
	}
	go out.pump()
	return out
}

// Writer returns the pipe's single text cursor.
func (o *Outbound) Writer() *Writer { return o.writer }

func (o *Outbound) pump() {
	buf := util.GetBuf()
	defer util.PutBuf(buf)

	var err error
	for {
		n, rerr := o.pr.Read(*buf)
		if n > 0 {
			if werr := writeFull(o.dst, (*buf)[:n]); werr != nil {
				err = werr
				break
			}
			o.metrics.BytesSent(int64(n))
		}
		if rerr != nil {
			if rerr != io.EOF {
				err = rerr
			}
			break
		}
	}

	// Later writes fail with the device error instead of blocking.
	o.pr.CloseWithError(err)
	o.finish(err)
}

func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Writer is the exclusive text cursor over an Outbound pipe. Writes
// are serialized so concurrent callers never interleave their bytes.
type Writer struct {
	mu     sync.Mutex
	tw     *transform.Writer
	pw     *io.PipeWriter
	closed bool
}

// Write encodes text and hands it to the pump. It returns once the
// pump has taken the bytes; a device write failure surfaces on the
// next Write.
func (w *Writer) Write(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return io.ErrClosedPipe
	}
	_, err := w.tw.Write([]byte(text))
	return err
}

// Close flushes the encoder and ends the pipe; the pump then finishes
// with a clean end of stream. Safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return util.FirstError(w.tw.Close(), w.pw.Close())
}
