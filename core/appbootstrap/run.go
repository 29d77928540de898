package appbootstrap

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Run starts the workers and the HTTP server and blocks until the context
// is cancelled or a termination signal arrives, then shuts everything down
// in reverse order.
func (a *App) Run(ctx context.Context) error {
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, w := range a.workers {
		w.StartWithContext(runCtx)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		a.shutdown()
		return err
	case <-runCtx.Done():
	}

	if a.logger != nil {
		a.logger.Printf("shutting down")
	}
	return a.shutdown()
}

func (a *App) shutdown() error {
	timeout := a.cfg.Consolidator.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var firstErr error
	if err := a.server.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	for i := len(a.workers) - 1; i >= 0; i-- {
		if err := a.workers[i].StopWithContext(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
