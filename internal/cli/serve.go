package cli

import (
	"context"

	"github.com/spf13/cobra"

	"clawbrick/internal/app"
	"clawbrick/internal/config"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control plane and the stale-run reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen addr (default server.addr, :$PORT or :8080)")
	return cmd
}

// runServer serves until ctx is done, then waits for background runs.
func runServer(ctx context.Context, cfg *config.Config, addr string) error {
	if addr != "" {
		cfg.Server.Addr = addr
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	serveErr := a.Serve(ctx)
	a.Logger.Info("waiting for background runs")
	if err := a.Close(context.WithoutCancel(ctx)); err != nil && serveErr == nil {
		return err
	}
	return serveErr
}
