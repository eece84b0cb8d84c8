package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"clawbrick/internal/agents"
	"clawbrick/internal/app"
	"clawbrick/internal/logger"
)

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Fail agents whose provisioning process died (stale heartbeat)",
	}
	cmd.AddCommand(reconcileRunCmd())
	return cmd
}

func reconcileRunCmd() *cobra.Command {
	var interval time.Duration
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sweep stale provisioning agents once or in a loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if once {
				interval = 0
			}
			log, closeLog, err := logger.New(cfg.Logger)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx := cmd.Context()
			st, err := app.OpenStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			r := agents.NewReconciler(st, agents.ReconcilerOptions{
				StaleAfter: cfg.Provisioning.StaleAfter,
				Logger:     log,
			})
			doOnce := func() error {
				n, err := r.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok: %d stale agent(s) failed\n", n)
				return nil
			}

			if interval == 0 {
				return doOnce()
			}
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				if err := doOnce(); err != nil {
					log.Error("reconcile failed", "error", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "Sweep interval (0 to run once)")
	cmd.Flags().BoolVar(&once, "once", false, "Sweep once and exit")
	return cmd
}
