package capability

import (
	"context"
	"fmt"
	"io/fs"
	"runtime"
	"syscall"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"sercon/internal/errors"
	"sercon/internal/retry"
	"sercon/util"
)

// SerialOptions configures line settings and open behaviour.
type SerialOptions struct {
	DataBits     int           // 5..8, default 8
	Parity       string        // none, odd, even, mark, space
	StopBits     string        // 1, 1.5, 2
	ReadTimeout  time.Duration // poll interval for stop requests
	OpenAttempts int           // busy/permission retries, default 3
	RetryDelay   time.Duration // first retry wait, default 250ms
	Events       <-chan Event  // hot-plug source, usually a Watcher
	Logger       *util.Logger
}

// Serial is the Capability backed by the host's serial ports.
type Serial struct {
	opts     SerialOptions
	selector Selector

	// Swappable for tests.
	list func() ([]Info, error)
	open func(path string, mode *serial.Mode) (serial.Port, error)
}

// NewSerial returns a Serial that lets sel pick among enumerated ports.
func NewSerial(sel Selector, opts SerialOptions) *Serial {
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.OpenAttempts <= 0 {
		opts.OpenAttempts = 3
	}
	return &Serial{
		opts:     opts,
		selector: sel,
		list:     ListPorts,
		open:     serial.Open,
	}
}

// Available reports whether this platform has serial ports at all.
func (s *Serial) Available() bool {
	if s.selector == nil {
		return false
	}
	switch runtime.GOOS {
	case "js", "wasip1", "plan9":
		return false
	}
	return true
}

// Events returns the configured hot-plug channel.
func (s *Serial) Events() <-chan Event { return s.opts.Events }

// RequestDevice enumerates ports and hands them to the selector.
func (s *Serial) RequestDevice(ctx context.Context) (Info, error) {
	ports, err := s.list()
	if err != nil {
		// Selection can still succeed with a fixed path.
		s.opts.Logger.Verbose("enumerate ports: %v", err)
	}
	dev, err := s.selector.Select(ctx, ports)
	if err != nil {
		return Info{}, err
	}
	if dev.Path == "" {
		return Info{}, errors.ErrSelectionCancelled
	}
	return dev, nil
}

// Open opens dev at baud, retrying while the node is busy or its
// permissions have not been applied yet.
func (s *Serial) Open(ctx context.Context, dev Info, baud int) (Port, error) {
	mode, err := s.mode(baud)
	if err != nil {
		return nil, errors.WrapOpen("configure", dev.Path, baud, err, false)
	}

	b := retry.DefaultBackoff()
	b.MaxAttempts = s.opts.OpenAttempts
	if s.opts.RetryDelay > 0 {
		b.InitialDelay = s.opts.RetryDelay
	}
	b.Retryable = errors.IsRetryable
	b.OnRetry = func(attempt int, wait time.Duration, err error) {
		s.opts.Logger.Verbose("open %s attempt %d failed, retrying in %s: %v",
			dev.Path, attempt, wait.Round(time.Millisecond), errors.Cause(err))
	}

	var port serial.Port
	err = b.Do(ctx, func(int) error {
		p, err := s.open(dev.Path, mode)
		if err != nil {
			return errors.WrapOpen("open", dev.Path, baud, err, retryableOpen(err))
		}
		port = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.opts.ReadTimeout > 0 {
		if err := port.SetReadTimeout(s.opts.ReadTimeout); err != nil {
			port.Close()
			return nil, errors.WrapOpen("configure", dev.Path, baud, err, false)
		}
	}
	s.opts.Logger.Debug("opened %s mode=%+v", dev.Path, *mode)
	return port, nil
}

func (s *Serial) mode(baud int) (*serial.Mode, error) {
	m := &serial.Mode{BaudRate: baud, DataBits: s.opts.DataBits}

	switch s.opts.Parity {
	case "", "none":
		m.Parity = serial.NoParity
	case "odd":
		m.Parity = serial.OddParity
	case "even":
		m.Parity = serial.EvenParity
	case "mark":
		m.Parity = serial.MarkParity
	case "space":
		m.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unknown parity %q", s.opts.Parity)
	}

	switch s.opts.StopBits {
	case "", "1":
		m.StopBits = serial.OneStopBit
	case "1.5":
		m.StopBits = serial.OnePointFiveStopBits
	case "2":
		m.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unknown stop bits %q", s.opts.StopBits)
	}
	return m, nil
}

// retryableOpen classifies an open failure. Busy and permission
// errors usually clear up once udev or a previous owner lets go.
func retryableOpen(err error) bool {
	if code, ok := portErrorCode(err); ok {
		return code == serial.PortBusy || code == serial.PermissionDenied
	}
	return errors.Is(err, syscall.EBUSY) || errors.Is(err, fs.ErrPermission)
}

// portErrorCode extracts the library's error code; the library returns
// PortError both by value and by pointer.
func portErrorCode(err error) (serial.PortErrorCode, bool) {
	var pp *serial.PortError
	if errors.As(err, &pp) && pp != nil {
		return pp.Code(), true
	}
	var pv serial.PortError
	if errors.As(err, &pv) {
		return pv.Code(), true
	}
	return 0, false
}

// IsDisconnect reports whether a stream error means the device went
// away rather than a transient fault.
func IsDisconnect(err error) bool {
	if code, ok := portErrorCode(err); ok {
		switch code {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		}
		return false
	}
	return errors.Is(err, errors.ErrPortClosed) ||
		errors.Is(err, syscall.EIO) || errors.Is(err, syscall.ENXIO) ||
		errors.Is(err, syscall.ENODEV) || errors.Is(err, fs.ErrNotExist)
}

// ListPorts enumerates serial ports with USB details where the
// platform provides them, falling back to bare names.
func ListPorts() ([]Info, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		ports := make([]Info, 0, len(details))
		for _, d := range details {
			ports = append(ports, Info{
				Path:         d.Name,
				VendorID:     d.VID,
				ProductID:    d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
				USB:          d.IsUSB,
			})
		}
		return ports, nil
	}

	names, lerr := serial.GetPortsList()
	if lerr != nil {
		return nil, errors.Join(err, lerr)
	}
	ports := make([]Info, 0, len(names))
	for _, n := range names {
		ports = append(ports, Info{Path: n})
	}
	return ports, nil
}
