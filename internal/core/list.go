package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"sercon/internal/capability"
	"sercon/util"
)

// ListMode prints the serial ports the host knows about.
type ListMode struct {
	List   func() ([]capability.Info, error)
	Logger *util.Logger

	// Stdout defaults to os.Stdout when nil.
	Stdout io.Writer
}

func (m *ListMode) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// Run enumerates once and prints a table.
func (m *ListMode) Run(_ context.Context) error {
	ports, err := m.List()
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	if len(ports) == 0 {
		m.Logger.Info("no serial ports found")
		return nil
	}

	tw := tabwriter.NewWriter(m.stdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tVID\tPID\tPRODUCT\tSERIAL")
	for _, p := range ports {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			p.Path, dash(p.VendorID), dash(p.ProductID), dash(p.Product), dash(p.SerialNumber))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
