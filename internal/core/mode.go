// Package core is the orchestration layer. It composes the device
// capability, the session controller and the optional surfaces into
// complete operational modes, and provides a builder that selects the
// right mode from a Config.
//
// Architecture layers (bottom → top):
//
//	codec  →  capability  →  session  →  controller  →  core  →  cmd (CLI)
package core

import "context"

// Mode represents a complete operational mode of sercon (list ports,
// or run the interactive console). Each mode owns its full lifecycle.
type Mode interface {
	Run(ctx context.Context) error
}
