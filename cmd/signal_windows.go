//go:build windows

// cmd/signal_windows.go
package cmd

import (
	"context"

	"github.com/ColonelBlimp/beatsync/internal/rhythm"
)

// resetOnSignal is a no-op; Windows has no SIGUSR1.
func resetOnSignal(context.Context, *rhythm.Engine) {}
