//go:build !windows

// cmd/signal_unix.go
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ColonelBlimp/beatsync/internal/logger"
	"github.com/ColonelBlimp/beatsync/internal/rhythm"
)

// resetOnSignal requests an engine reset on every SIGUSR1.
func resetOnSignal(ctx context.Context, eng *rhythm.Engine) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			logger.Info("reset requested")
			eng.RequestReset()
		}
	}
}
