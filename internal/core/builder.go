package core

import (
	"fmt"

	"sercon/config"
	"sercon/internal/capability"
	"sercon/internal/controller"
	"sercon/internal/metrics"
	"sercon/internal/mirror"
	"sercon/util"
)

// Build constructs the appropriate Mode from the given configuration.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	if cfg.List {
		return &ListMode{List: capability.ListPorts, Logger: logger}, nil
	}
	return buildConsole(cfg, logger)
}

func buildConsole(cfg *config.Config, logger *util.Logger) (Mode, error) {
	m := &ConsoleMode{
		AutoConnect: cfg.AutoConnect,
		MirrorAddr:  cfg.MirrorAddr,
		Verbose:     cfg.Verbose,
		Metrics:     metrics.New(),
		Logger:      logger,
	}

	opts := capability.SerialOptions{
		DataBits:     cfg.DataBits,
		Parity:       cfg.Parity,
		StopBits:     cfg.StopBits,
		ReadTimeout:  cfg.ReadTimeout,
		OpenAttempts: cfg.OpenAttempts,
		Logger:       logger.Named("serial"),
	}
	if w := buildWatcher(cfg, logger); w != nil {
		m.Watcher = w
		opts.Events = w.Events()
	}

	serial := capability.NewSerial(buildSelector(cfg, m), opts)
	ctrl, err := controller.New(serial, cfg, logger.Named("controller"), m.Metrics)
	if err != nil {
		return nil, fmt.Errorf("console: %w", err)
	}
	m.Controller = ctrl

	if cfg.MirrorAddr != "" {
		m.Mirror = mirror.New(ctrl, logger.Named("mirror"))
	}
	return m, nil
}

// buildSelector decides how a device is chosen on connect.
func buildSelector(cfg *config.Config, m *ConsoleMode) capability.Selector {
	switch {
	case cfg.Device != "":
		return capability.FixedSelector(cfg.Device)
	case cfg.AutoSelect:
		return capability.FirstSelector()
	default:
		return &capability.PromptSelector{Out: m.screen(), ReadLine: m.PromptLine}
	}
}

// buildWatcher sets up hot-plug notifications. Without them the
// console still works; it just cannot tell when a cable is pulled.
func buildWatcher(cfg *config.Config, logger *util.Logger) *capability.Watcher {
	if cfg.DevDir == "" {
		return nil
	}
	w, err := capability.NewWatcher(cfg.DevDir, cfg.DevicePatterns, logger.Named("watch"))
	if err != nil {
		logger.Warn("hot-plug detection disabled: %v", err)
		return nil
	}
	return w
}
