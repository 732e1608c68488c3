package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultBaudRate matches most USB-serial development boards.
	DefaultBaudRate = 115200

	// DefaultDataBits, DefaultParity and DefaultStopBits give 8N1.
	DefaultDataBits = 8
	DefaultParity   = "none"
	DefaultStopBits = "1"

	// DefaultMaxLines is the output buffer capacity in chunks.
	DefaultMaxLines = 500

	// DefaultCharset is the WHATWG label used by the text codecs.
	DefaultCharset = "utf-8"

	// DefaultNewline is appended to every sent command.
	DefaultNewline = "lf"

	// DefaultOpenAttempts retries busy / not-yet-permitted device nodes.
	DefaultOpenAttempts = 3

	// DefaultReadTimeout bounds each port read so the inbound pump can
	// notice a stop request on a silent device.
	DefaultReadTimeout = 100 * time.Millisecond

	// DefaultTeardownGrace bounds each pipe-completion wait in teardown.
	DefaultTeardownGrace = 2 * time.Second

	// DefaultDevDir is watched for hot-plug events.
	DefaultDevDir = "/dev"
)

// DefaultDevicePatterns match USB serial adapters on Linux and macOS.
var DefaultDevicePatterns = []string{"ttyUSB*", "ttyACM*", "cu.*", "tty.usb*"} //nolint:gochecknoglobals
