package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// shutdownContext returns a context that cancels on the first SIGINT/SIGTERM
// and force-exits on the second. Canceling stops in-flight transfers at the
// next chunk; persisted upload sessions let the next run resume. The
// returned stop function releases the signal handler.
func shutdownContext(parent context.Context, logger *slog.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, stopping transfers",
				slog.String("signal", sig.String()),
			)
			statusf("Interrupted; re-run the same command to resume.\n")
			cancel()
		case <-done:
			return
		case <-parent.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit",
				slog.String("signal", sig.String()),
			)
			os.Exit(1)
		case <-done:
			return
		case <-parent.Done():
			return
		}
	}()

	var once sync.Once

	return ctx, func() {
		once.Do(func() {
			close(done)
			cancel()
		})
	}
}
