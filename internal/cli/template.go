package cli

import (
	"github.com/spf13/cobra"

	"clawbrick/internal/provisioner"
)

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Inspect the terraform template copied into agent workspaces",
	}
	cmd.AddCommand(templateListCmd())
	return cmd
}

func templateListCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List template files with their sha256 (fails if one is missing)",
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := provisioner.InspectTemplates(dir)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), files)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "deploy/terraform/openclaw", "template directory")
	return cmd
}
