package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"clawbrick/internal/config"
)

type rootFlags struct {
	ConfigPath string
	DSN        string
	Server     string
}

var rf rootFlags

func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "clawbrick",
		Short:        "ClawBrick control plane (OpenClaw agents on Vultr via Terraform)",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&rf.ConfigPath, "config", os.Getenv("CLAWBRICK_CONFIG"), "Path to YAML config (defaults to CLAWBRICK_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&rf.DSN, "dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN (defaults to DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&rf.Server, "server", envOr("CLAWBRICK_SERVER", "http://localhost:8080"), "Control plane URL for agent commands")

	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(templateCmd())

	return rootCmd
}

func dsnOrErr() (string, error) {
	if rf.DSN == "" {
		return "", fmt.Errorf("missing --dsn (or set DATABASE_URL)")
	}
	return rf.DSN, nil
}

// loadConfig reads --config with env overrides; --dsn wins over both.
func loadConfig() (*config.Config, error) {
	return config.Load(rf.ConfigPath, func(c *config.Config) {
		if rf.DSN != "" {
			c.Store.DSN = rf.DSN
		}
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
