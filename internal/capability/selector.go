package capability

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"sercon/internal/errors"
)

// Selector stands in for the user's device choice.
type Selector interface {
	Select(ctx context.Context, ports []Info) (Info, error)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(ctx context.Context, ports []Info) (Info, error)

func (f SelectorFunc) Select(ctx context.Context, ports []Info) (Info, error) {
	return f(ctx, ports)
}

// FixedSelector always picks path. A path missing from the
// enumeration is still returned so non-enumerable nodes (ptys, symlinks
// under /dev/serial/by-id) can be opened.
func FixedSelector(path string) Selector {
	return SelectorFunc(func(_ context.Context, ports []Info) (Info, error) {
		for _, p := range ports {
			if p.Path == path {
				return p, nil
			}
		}
		return Info{Path: path}, nil
	})
}

// FirstSelector picks the first USB port, or the first port when none
// is USB. No ports at all counts as a cancelled selection.
func FirstSelector() Selector {
	return SelectorFunc(func(_ context.Context, ports []Info) (Info, error) {
		if len(ports) == 0 {
			return Info{}, errors.ErrSelectionCancelled
		}
		for _, p := range ports {
			if p.USB {
				return p, nil
			}
		}
		return ports[0], nil
	})
}

// PromptSelector lists ports on Out and reads the user's answer with
// ReadLine. An empty answer, "q", or end of input cancels.
type PromptSelector struct {
	Out      io.Writer
	ReadLine func(ctx context.Context) (string, error)
}

// Select implements Selector.
func (s *PromptSelector) Select(ctx context.Context, ports []Info) (Info, error) {
	if len(ports) == 0 {
		fmt.Fprintln(s.Out, "no serial ports found")
		return Info{}, errors.ErrSelectionCancelled
	}

	fmt.Fprintln(s.Out, "Select a serial port:")
	for i, p := range ports {
		fmt.Fprintf(s.Out, "  %d) %s\n", i+1, p)
	}

	for {
		fmt.Fprintf(s.Out, "port [1-%d, empty to cancel]: ", len(ports))
		line, err := s.ReadLine(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Info{}, ctx.Err()
			}
			return Info{}, errors.ErrSelectionCancelled
		}

		answer := strings.TrimSpace(line)
		if answer == "" || strings.EqualFold(answer, "q") {
			return Info{}, errors.ErrSelectionCancelled
		}
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(ports) {
			return ports[n-1], nil
		}
		for _, p := range ports {
			if p.Path == answer {
				return p, nil
			}
		}
		fmt.Fprintf(s.Out, "invalid choice %q\n", answer)
	}
}
