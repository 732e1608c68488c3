package codec

import (
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"

	"sercon/internal/errors"
	"sercon/internal/metrics"
	"sercon/util"
)

// Inbound pumps device bytes through a decoder into a text pipe.
type Inbound struct {
	completion

	src      io.Reader
	pw       *io.PipeWriter
	reader   *Reader
	stop     chan struct{}
	stopOnce sync.Once
	metrics  *metrics.Collector
	onFault  func(error) bool
}

// MaxConsecutiveFaults ends the pump when a fault handler keeps
// accepting errors but the source never delivers data in between.
const MaxConsecutiveFaults = 16

// InboundOption tunes an Inbound pipe.
type InboundOption func(*Inbound)

// OnFault hands source read errors other than io.EOF to fn. When fn
// returns true the pump keeps reading; otherwise the error ends the
// pipe as usual.
func OnFault(fn func(error) bool) InboundOption {
	return func(in *Inbound) { in.onFault = fn }
}

// NewInbound starts pumping src through enc's decoder. Invalid input
// decodes to U+FFFD; multi-byte sequences split across reads are
// reassembled before they reach the Reader.
func NewInbound(src io.Reader, enc encoding.Encoding, m *metrics.Collector, opts ...InboundOption) *Inbound {
	pr, pw := io.Pipe()
	in := &Inbound{
		completion: newCompletion(),
		src:        src,
		pw:         pw,
		stop:       make(chan struct{}),
		metrics:    m,
	}
	for _, opt := range opts {
		opt(in)
	}
	in.reader = &Reader{pr: pr, cancel: in.Stop}
	go in.pump(transform.NewWriter(nonEmpty{pw}, enc.NewDecoder()))
	return in
}

// Reader returns the pipe's single text cursor.
func (in *Inbound) Reader() *Reader { return in.reader }

// Stop asks the pump to exit before its next read. A read already in
// progress is not interrupted; ports with a read timeout return to the
// pump regularly, others only when closed.
func (in *Inbound) Stop() {
	in.stopOnce.Do(func() { close(in.stop) })
}

func (in *Inbound) stopped() bool {
	select {
	case <-in.stop:
		return true
	default:
		return false
	}
}

func (in *Inbound) pump(w *transform.Writer) {
	buf := util.GetBuf()
	defer util.PutBuf(buf)

	var err error
	faults := 0
	for !in.stopped() {
		n, rerr := in.src.Read(*buf)
		if n > 0 {
			in.metrics.BytesReceived(int64(n))
			if _, werr := w.Write((*buf)[:n]); werr != nil {
				err = werr
				break
			}
		}
		if rerr == nil {
			faults = 0
			continue
		}
		if rerr == io.EOF {
			break
		}
		if n > 0 {
			faults = 0
		}
		faults++
		if in.onFault != nil && faults <= MaxConsecutiveFaults && !in.stopped() && in.onFault(rerr) {
			continue
		}
		err = rerr
		break
	}
	if err == nil && !in.stopped() {
		// Clean end of stream: flush a trailing partial sequence as U+FFFD.
		err = w.Close()
	}
	if err == nil && in.stopped() {
		err = errors.ErrReaderCancelled
	}

	in.pw.CloseWithError(err)
	in.finish(err)
}

// Reader is the exclusive text cursor over an Inbound pipe.
type Reader struct {
	pr        *io.PipeReader
	cancel    func()
	mu        sync.Mutex
	buf       []byte
	cancelled atomic.Bool
}

// Read blocks for the next decoded chunk. It returns io.EOF once the
// device side ends the stream and errors.ErrReaderCancelled after
// Cancel, including for a Read that was pending when Cancel ran.
func (r *Reader) Read() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelled.Load() {
		return "", errors.ErrReaderCancelled
	}
	if r.buf == nil {
		r.buf = make([]byte, util.DefaultBufSize)
	}
	for {
		n, err := r.pr.Read(r.buf)
		if n > 0 {
			return string(r.buf[:n]), nil
		}
		if r.cancelled.Load() {
			return "", errors.ErrReaderCancelled
		}
		if err != nil {
			return "", err
		}
	}
}

// Cancel releases the reader: pending and future reads fail with
// errors.ErrReaderCancelled and the pump is asked to stop. Safe to
// call more than once.
func (r *Reader) Cancel() error {
	if r.cancelled.Swap(true) {
		return nil
	}
	r.cancel()
	return r.pr.CloseWithError(errors.ErrReaderCancelled)
}
