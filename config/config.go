// Package config defines the runtime configuration for sercon and the
// fixed set of serial line settings the console accepts.
package config

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"sercon/internal/codec"
	"sercon/internal/errors"
)

// Config holds every tuneable for a console process.
type Config struct {
	// ── Device ───────────────────────────────────────────────────────
	Device         string        `yaml:"device"`      // fixed path; empty → select
	AutoSelect     bool          `yaml:"auto_select"` // first port instead of prompting
	BaudRate       int           `yaml:"baud"`
	DataBits       int           `yaml:"data_bits"`
	Parity         string        `yaml:"parity"`    // none, odd, even, mark, space
	StopBits       string        `yaml:"stop_bits"` // 1, 1.5, 2
	OpenAttempts   int           `yaml:"open_attempts"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	DevDir         string        `yaml:"dev_dir"`
	DevicePatterns []string      `yaml:"device_patterns"`

	// ── Session ──────────────────────────────────────────────────────
	Charset       string        `yaml:"charset"`
	Newline       string        `yaml:"newline"`      // none, lf, cr, crlf
	FaultPolicy   string        `yaml:"fault_policy"` // teardown, report
	TeardownGrace time.Duration `yaml:"teardown_grace"`
	MaxLines      int           `yaml:"max_lines"`
	AutoConnect   bool          `yaml:"auto_connect"`

	// ── Surfaces ─────────────────────────────────────────────────────
	MirrorAddr string `yaml:"mirror"`
	Verbose    int    `yaml:"verbose"`
	List       bool   `yaml:"-"`
	ConfigFile string `yaml:"-"`
}

// Fault policies for a stream error on a live session.
const (
	FaultTeardown = "teardown"
	FaultReport   = "report"
)

// BaudRates is the enumerated set of rates a session may be opened at.
var BaudRates = []int{ //nolint:gochecknoglobals
	300, 600, 1200, 2400, 4800, 9600, 19200, 38400, 57600,
	115200, 230400, 460800, 921600, 1000000, 1500000,
}

// IsStandardBaud reports whether rate is one of BaudRates.
func IsStandardBaud(rate int) bool {
	return slices.Contains(BaudRates, rate)
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		BaudRate:       DefaultBaudRate,
		DataBits:       DefaultDataBits,
		Parity:         DefaultParity,
		StopBits:       DefaultStopBits,
		OpenAttempts:   DefaultOpenAttempts,
		ReadTimeout:    DefaultReadTimeout,
		DevDir:         DefaultDevDir,
		DevicePatterns: slices.Clone(DefaultDevicePatterns),
		Charset:        DefaultCharset,
		Newline:        DefaultNewline,
		FaultPolicy:    FaultTeardown,
		TeardownGrace:  DefaultTeardownGrace,
		MaxLines:       DefaultMaxLines,
	}
}

// Terminator returns the bytes appended to each sent command.
func (c *Config) Terminator() string {
	switch strings.ToLower(c.Newline) {
	case "cr":
		return "\r"
	case "crlf":
		return "\r\n"
	case "none", "":
		return ""
	default:
		return "\n"
	}
}

// ParseBaud parses a decimal baud rate and checks it against BaudRates.
func ParseBaud(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid baud rate %q", s)
	}
	if !IsStandardBaud(n) {
		return 0, fmt.Errorf("%w: %d", errors.ErrInvalidBaudRate, n)
	}
	return n, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if !IsStandardBaud(c.BaudRate) {
		return &errors.ConfigError{
			Field:   "baud",
			Value:   c.BaudRate,
			Message: "not a standard baud rate",
			Hint:    "one of " + joinInts(BaudRates),
		}
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return &errors.ConfigError{Field: "data-bits", Value: c.DataBits, Message: "must be 5-8"}
	}
	if !slices.Contains([]string{"none", "odd", "even", "mark", "space"}, strings.ToLower(c.Parity)) {
		return &errors.ConfigError{
			Field: "parity", Value: c.Parity, Message: "unknown parity",
			Hint: "none, odd, even, mark or space",
		}
	}
	if !slices.Contains([]string{"1", "1.5", "2"}, c.StopBits) {
		return &errors.ConfigError{Field: "stop-bits", Value: c.StopBits, Message: "must be 1, 1.5 or 2"}
	}
	if c.MaxLines <= 0 {
		return &errors.ConfigError{Field: "max-lines", Value: c.MaxLines, Message: "must be positive"}
	}
	if _, err := codec.Lookup(c.Charset); err != nil {
		return &errors.ConfigError{
			Field: "charset", Value: c.Charset, Message: err.Error(),
			Hint: "use a WHATWG label such as utf-8, latin1 or windows-1252",
		}
	}
	if !slices.Contains([]string{"none", "lf", "cr", "crlf"}, strings.ToLower(c.Newline)) {
		return &errors.ConfigError{
			Field: "newline", Value: c.Newline, Message: "unknown line ending",
			Hint: "none, lf, cr or crlf",
		}
	}
	if c.FaultPolicy != FaultTeardown && c.FaultPolicy != FaultReport {
		return &errors.ConfigError{
			Field: "on-fault", Value: c.FaultPolicy, Message: "unknown fault policy",
			Hint: "teardown closes the session on a read error, report only prints it",
		}
	}
	if c.OpenAttempts < 1 {
		return &errors.ConfigError{Field: "open-attempts", Value: c.OpenAttempts, Message: "must be at least 1"}
	}
	if c.TeardownGrace <= 0 {
		return &errors.ConfigError{Field: "teardown-grace", Value: c.TeardownGrace, Message: "must be positive"}
	}
	if c.ReadTimeout <= 0 {
		return &errors.ConfigError{Field: "read-timeout", Value: c.ReadTimeout, Message: "must be positive"}
	}
	if c.AutoConnect && c.Device == "" && !c.AutoSelect {
		return &errors.ConfigError{
			Field:   "auto-connect",
			Message: "needs a device to connect to",
			Hint:    "pass --device PATH or --auto-select",
		}
	}
	return nil
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}
