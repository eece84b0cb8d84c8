package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"clawbrick/internal/app"
	"clawbrick/internal/config"
)

// clawbrick-server is the control plane entrypoint.
//
// Endpoints:
// - GET  /healthz
// - /api/agents...  (see internal/api)
//
// Agent records live in PostgreSQL when DATABASE_URL is provided; see
// store.driver for sqlite and in-memory alternatives.
func main() {
	var addr, configPath string
	flag.StringVar(&addr, "addr", "", "listen address (default server.addr, :$PORT or :8080)")
	flag.StringVar(&configPath, "config", os.Getenv("CLAWBRICK_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		var ve *config.ValidationError
		if errors.As(err, &ve) {
			for _, e := range ve.Errors {
				fmt.Fprintln(os.Stderr, "config:", e)
			}
		} else {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(2)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup:", err)
		os.Exit(1)
	}
	serveErr := a.Serve(ctx)
	if err := a.Close(context.WithoutCancel(ctx)); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown:", err)
	}
	if serveErr != nil {
		fmt.Fprintln(os.Stderr, serveErr)
		os.Exit(1)
	}
}
