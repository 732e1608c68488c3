package config

// loader.go - configuration loading from a YAML file and environment
// variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables
//   3. Config file (--config / SERCON_CONFIG)
//   4. Defaults   (defaults.go)

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadFile overlays the YAML document at path onto cfg. Keys absent
// from the file keep their current value; unknown keys are an error so
// typos do not silently fall back to defaults.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the SERCON_ prefix. Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg. Only non-empty
// env vars override the existing value. This should be called BEFORE
// applying CLI flags so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SERCON_DEVICE"); v != "" {
		cfg.Device = v
	}
	if v := envInt("SERCON_BAUD"); v > 0 {
		cfg.BaudRate = v
	}
	if envBool("SERCON_AUTO_SELECT") {
		cfg.AutoSelect = true
	}
	if v := envInt("SERCON_OPEN_ATTEMPTS"); v > 0 {
		cfg.OpenAttempts = v
	}
	if v := os.Getenv("SERCON_DEV_DIR"); v != "" {
		cfg.DevDir = v
	}
	if v := os.Getenv("SERCON_DEVICE_PATTERNS"); v != "" {
		cfg.DevicePatterns = splitList(v)
	}

	// Session
	if v := envInt("SERCON_MAX_LINES"); v > 0 {
		cfg.MaxLines = v
	}
	if v := os.Getenv("SERCON_CHARSET"); v != "" {
		cfg.Charset = v
	}
	if v := os.Getenv("SERCON_NEWLINE"); v != "" {
		cfg.Newline = strings.ToLower(v)
	}
	if v := os.Getenv("SERCON_FAULT_POLICY"); v != "" {
		cfg.FaultPolicy = strings.ToLower(v)
	}
	if v := envDuration("SERCON_TEARDOWN_GRACE"); v > 0 {
		cfg.TeardownGrace = v
	}
	if envBool("SERCON_AUTO_CONNECT") {
		cfg.AutoConnect = true
	}

	// Surfaces
	if v := os.Getenv("SERCON_MIRROR"); v != "" {
		cfg.MirrorAddr = v
	}
	if v := envInt("SERCON_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ConfigPathFromEnv returns SERCON_CONFIG, the default config file.
func ConfigPathFromEnv() string {
	return os.Getenv("SERCON_CONFIG")
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

// envDuration accepts Go durations ("1500ms") or plain seconds ("2").
func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return 0
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
