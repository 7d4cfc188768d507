package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext returns a context that drains on the first SIGINT/SIGTERM
// and cancels on the second. The drain callback gates new work off while
// in-flight records finish cleanly; the second signal hard-cancels for the
// case where something hangs. A third signal force-exits.
func shutdownContext(parent context.Context, logger *slog.Logger, drain func()) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, draining in-flight work",
				slog.String("signal", sig.String()),
			)
			drain()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, cancelling",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		// Wait for third signal — force exit.
		select {
		case sig := <-sigCh:
			logger.Warn("received third signal, forcing exit",
				slog.String("signal", sig.String()),
			)
			os.Exit(1)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}
