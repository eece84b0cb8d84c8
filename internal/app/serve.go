package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"clawbrick/internal/api"
)

const shutdownTimeout = 30 * time.Second

// Serve listens on the configured address and runs until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Config.Server.Addr, err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener runs the JSON API and the stale-run reconciler on ln. When
// ctx is done it stops accepting requests and drains in-flight ones.
// Background provisioning keeps running; Close waits for it.
func (a *App) ServeListener(ctx context.Context, ln net.Listener) error {
	if sched := a.Config.Provisioning.ReconcileSchedule; sched != "" {
		if err := a.Reconciler.Start(ctx, sched); err != nil {
			ln.Close()
			return err
		}
	}

	readHeader := a.Config.Server.ReadTimeout
	if readHeader <= 0 {
		readHeader = 10 * time.Second
	}
	srv := &http.Server{
		Handler: api.NewServer(ctx, api.ServerOptions{
			Agents:      a.Agents,
			Logger:      a.Logger,
			DeployRate:  a.Config.Server.DeployRate,
			DeployBurst: a.Config.Server.DeployBurst,
		}),
		ReadHeaderTimeout: readHeader,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.Logger.Info("listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
