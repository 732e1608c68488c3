// Package cmd wires up the CLI flags and dispatches to the console core.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"sercon/config"
	"sercon/internal/core"
	"sercon/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X sercon/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the appropriate sercon mode.
func Execute(ctx context.Context, args []string) error {
	cfg := config.Default()
	fs := flag.NewFlagSet("sercon", flag.ContinueOnError)

	// ── device ───────────────────────────────────────────────────
	fs.StringVarP(&cfg.Device, "device", "d", cfg.Device, "Serial device path (skips selection)")
	fs.IntVarP(&cfg.BaudRate, "baud", "b", cfg.BaudRate, "Baud rate")
	fs.IntVar(&cfg.DataBits, "data-bits", cfg.DataBits, "Data bits (5-8)")
	fs.StringVar(&cfg.Parity, "parity", cfg.Parity, "Parity: none, odd, even, mark, space")
	fs.StringVar(&cfg.StopBits, "stop-bits", cfg.StopBits, "Stop bits: 1, 1.5, 2")
	fs.BoolVar(&cfg.AutoSelect, "auto-select", cfg.AutoSelect, "Pick the first port instead of prompting")
	fs.IntVar(&cfg.OpenAttempts, "open-attempts", cfg.OpenAttempts, "Attempts when the port is busy")
	fs.StringVar(&cfg.DevDir, "dev-dir", cfg.DevDir, "Directory watched for hot-plug events (empty disables)")

	// ── session ──────────────────────────────────────────────────
	fs.StringVar(&cfg.Charset, "charset", cfg.Charset, "Character set of the device stream")
	fs.StringVar(&cfg.Newline, "newline", cfg.Newline, "Line ending appended to commands: none, lf, cr, crlf")
	fs.StringVar(&cfg.FaultPolicy, "on-fault", cfg.FaultPolicy, "Read error policy: teardown, report")
	fs.IntVar(&cfg.MaxLines, "max-lines", cfg.MaxLines, "Output lines kept in the scrollback")
	fs.DurationVar(&cfg.TeardownGrace, "teardown-grace", cfg.TeardownGrace, "Time allowed for each teardown wait")
	fs.BoolVar(&cfg.AutoConnect, "auto-connect", cfg.AutoConnect, "Connect on startup")

	// ── surfaces ─────────────────────────────────────────────────
	fs.StringVar(&cfg.MirrorAddr, "mirror", cfg.MirrorAddr, "Serve a read/write mirror on ADDR (e.g. :8080)")
	fs.BoolVarP(&cfg.List, "list", "l", false, "List serial ports and exit")
	fs.StringVar(&cfg.ConfigFile, "config", "", "YAML config file (default $SERCON_CONFIG)")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("sercon %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s (use --help for usage)", strings.Join(fs.Args(), " "))
	}

	// ── file and environment ─────────────────────────────────────
	// Flags were parsed into cfg already; layer the file and env
	// underneath by reapplying only the flags the user set.
	if err := overlay(cfg, fs); err != nil {
		return err
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ── build components ─────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)

	mode, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	return mode.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

// overlay rebuilds cfg as defaults < file < env < explicit flags. The
// parsed flag values live in cfg; only the ones the user set are kept.
func overlay(cfg *config.Config, fs *flag.FlagSet) error {
	path := cfg.ConfigFile
	if path == "" {
		path = config.ConfigPathFromEnv()
	}

	base := config.Default()
	if path != "" {
		if err := config.LoadFile(path, base); err != nil {
			return err
		}
	}
	config.LoadFromEnv(base)

	fs.Visit(func(f *flag.Flag) { apply(base, cfg, f.Name) })
	base.List = cfg.List
	base.ConfigFile = path
	*cfg = *base
	return nil
}

// apply copies the field behind flag name from src to dst.
func apply(dst, src *config.Config, name string) {
	switch name {
	case "device":
		dst.Device = src.Device
	case "baud":
		dst.BaudRate = src.BaudRate
	case "data-bits":
		dst.DataBits = src.DataBits
	case "parity":
		dst.Parity = strings.ToLower(src.Parity)
	case "stop-bits":
		dst.StopBits = src.StopBits
	case "auto-select":
		dst.AutoSelect = src.AutoSelect
	case "open-attempts":
		dst.OpenAttempts = src.OpenAttempts
	case "dev-dir":
		dst.DevDir = src.DevDir
	case "charset":
		dst.Charset = src.Charset
	case "newline":
		dst.Newline = strings.ToLower(src.Newline)
	case "on-fault":
		dst.FaultPolicy = strings.ToLower(src.FaultPolicy)
	case "max-lines":
		dst.MaxLines = src.MaxLines
	case "teardown-grace":
		dst.TeardownGrace = src.TeardownGrace
	case "auto-connect":
		dst.AutoConnect = src.AutoConnect
	case "mirror":
		dst.MirrorAddr = src.MirrorAddr
	case "verbose":
		dst.Verbose = src.Verbose
	}
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `sercon – Serial Console v%s

An interactive console for serial devices with hot-plug handling.

Usage:
  sercon [options]                            Console (prompt for a port)
  sercon -d <device> [options]                Console on a fixed device
  sercon -l                                   List serial ports

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Console commands:
  /connect  /disconnect  /clear  /baud [rate]  /history  /status  /help  /quit
  Lines starting with "//" send a literal "/".

Examples:
  sercon -d /dev/ttyUSB0 -b 115200 --auto-connect   Open a known adapter
  sercon --auto-select --newline crlf               First port, CRLF line endings
  sercon --charset latin1 --on-fault report         Legacy device, keep on errors
  sercon -d /dev/ttyACM0 --mirror :8080             Mirror over WebSocket
`)
}
