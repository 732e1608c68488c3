package capability

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"sercon/util"
)

// Watcher turns device-node creation and removal in a directory into
// hot-plug Events. Only names matching one of the patterns count.
type Watcher struct {
	dir      string
	patterns []string
	fsw      *fsnotify.Watcher
	events   chan Event
	logger   *util.Logger
}

// NewWatcher starts watching dir. Patterns use doublestar syntax and
// are matched against the base name of each node ("ttyUSB*").
func NewWatcher(dir string, patterns []string, logger *util.Logger) (*Watcher, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid device pattern %q", p)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("device watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &Watcher{
		dir:      dir,
		patterns: patterns,
		fsw:      fsw,
		events:   make(chan Event, 16),
		logger:   logger,
	}, nil
}

// Events is closed when Run returns.
func (w *Watcher) Events() <-chan Event { return w.events }

// Matches reports whether a node name is a device of interest.
func (w *Watcher) Matches(name string) bool {
	for _, p := range w.patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Run forwards events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case fe, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			ev, ok := w.translate(fe)
			if !ok {
				continue
			}
			w.logger.Debug("device %s: %s", ev.Kind, ev.Path)
			select {
			case w.events <- ev:
			case <-ctx.Done():
				return nil
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("device watcher: %v", err)
		}
	}
}

func (w *Watcher) translate(fe fsnotify.Event) (Event, bool) {
	if !w.Matches(filepath.Base(fe.Name)) {
		return Event{}, false
	}
	switch {
	case fe.Has(fsnotify.Create):
		return Event{Kind: EventConnected, Path: fe.Name}, true
	case fe.Has(fsnotify.Remove), fe.Has(fsnotify.Rename):
		return Event{Kind: EventDisconnected, Path: fe.Name}, true
	}
	return Event{}, false
}
