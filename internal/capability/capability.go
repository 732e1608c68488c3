// Package capability is the device-access boundary. A Capability
// tells whether serial access exists at all, asks the user for a
// device, opens it at a baud rate, and reports hot-plug events. The
// rest of the program only ever sees a Port, which keeps sessions
// testable without hardware.
package capability

import (
	"context"
	"fmt"
	"io"
)

// Capability is the platform's serial-device facility.
type Capability interface {
	// Available reports whether serial access is supported here.
	Available() bool

	// RequestDevice asks the user to pick a device. It returns
	// errors.ErrSelectionCancelled when the user declines.
	RequestDevice(ctx context.Context) (Info, error)

	// Open opens the device at baud. Failures are *errors.OpenError.
	Open(ctx context.Context, dev Info, baud int) (Port, error)

	// Events delivers hot-plug notifications. A nil channel means
	// the platform has none.
	Events() <-chan Event
}

// Port is an open device: a byte source, a byte sink, and a Close.
type Port interface {
	io.ReadWriteCloser
}

// Info describes a device handle. Fields other than Path are empty
// when the platform cannot report them.
type Info struct {
	Path         string `json:"path"`
	VendorID     string `json:"vendor_id,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
	USB          bool   `json:"usb"`
}

// String renders the handle the way port lists print it.
func (i Info) String() string {
	if !i.USB {
		return i.Path
	}
	s := fmt.Sprintf("%s [%s:%s]", i.Path, i.VendorID, i.ProductID)
	if i.Product != "" {
		s += " " + i.Product
	}
	if i.SerialNumber != "" {
		s += " sn=" + i.SerialNumber
	}
	return s
}

// EventKind distinguishes hot-plug notifications.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a device attach or detach.
type Event struct {
	Kind EventKind
	Path string
}
