package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"clawbrick/internal/agents"
	"clawbrick/internal/api"
	"clawbrick/internal/store"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Deploy and manage agents through the control plane API (--server)",
	}
	cmd.AddCommand(agentDeployCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentGetCmd())
	cmd.AddCommand(agentStatusCmd())
	cmd.AddCommand(agentWatchCmd())
	for _, action := range []agents.Action{agents.ActionStart, agents.ActionStop, agents.ActionRestart} {
		cmd.AddCommand(agentActionCmd(action))
	}
	cmd.AddCommand(agentDestroyCmd())
	cmd.AddCommand(agentVerifyCmd())
	return cmd
}

func client() *api.Client {
	return api.NewClient(rf.Server)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func agentDeployCmd() *cobra.Command {
	var req agents.DeployRequest
	var wait bool
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a new agent; prints the gateway token once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.BotToken == "" {
				req.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
			}
			if req.APIKey == "" {
				req.APIKey = os.Getenv("LLM_API_KEY")
			}
			res, err := client().Deploy(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !wait {
				return nil
			}
			return watch(cmd.Context(), cmd.OutOrStdout(), res.Agent.ID, poll)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.OwnerID, "user", "", "owner id (wallet address)")
	f.StringVar(&req.Name, "name", "", "agent name")
	f.StringVar(&req.Description, "description", "", "agent description")
	f.StringVar(&req.LLMProvider, "provider", "anthropic", "LLM provider: anthropic|openai|openrouter|ollama")
	f.StringVar(&req.LLMModel, "model", "", "LLM model id")
	f.StringVar(&req.BotToken, "bot-token", "", "Telegram bot token (defaults to TELEGRAM_BOT_TOKEN)")
	f.StringVar(&req.APIKey, "api-key", "", "LLM API key (defaults to LLM_API_KEY)")
	f.StringVar(&req.Region, "region", "", "Vultr region (server default if empty)")
	f.BoolVar(&wait, "wait", false, "poll status until provisioning finishes")
	f.DurationVar(&poll, "poll", 5*time.Second, "status poll interval with --wait")
	return cmd
}

func agentListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := client().List(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVar(&owner, "user", "", "owner id (wallet address)")
	return cmd
}

func agentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show agent details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := client().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func agentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show provisioning progress and logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func agentWatchCmd() *cobra.Command {
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Stream provisioning logs until the agent leaves provisioning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(cmd.Context(), cmd.OutOrStdout(), args[0], poll)
		},
	}
	cmd.Flags().DurationVar(&poll, "poll", 5*time.Second, "status poll interval")
	return cmd
}

// watch prints new log entries as they appear and returns once the agent is
// no longer provisioning. An agent that ends in error is reported as one.
func watch(ctx context.Context, w io.Writer, id string, poll time.Duration) error {
	c := client()
	seen := 0
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		st, err := c.Status(ctx, id)
		if err != nil {
			return err
		}
		for _, e := range st.Logs[min(seen, len(st.Logs)):] {
			fmt.Fprintf(w, "%s [%s] %s\n", e.Timestamp.Format(time.RFC3339), e.Level, e.Message)
		}
		seen = len(st.Logs)

		switch st.Status {
		case store.StatusProvisioning:
			if st.EstimatedTimeRemaining != nil {
				fmt.Fprintf(w, "... %d%% (about %ds left)\n", st.Progress, *st.EstimatedTimeRemaining)
			}
		case store.StatusError:
			msg := "provisioning failed"
			if st.LastError != nil {
				msg += ": " + *st.LastError
			}
			return fmt.Errorf("agent %s: %s", id, msg)
		default:
			if st.GatewayURL != nil {
				fmt.Fprintf(w, "agent %s is %s at %s\n", id, st.Status, *st.GatewayURL)
			} else {
				fmt.Fprintf(w, "agent %s is %s\n", id, st.Status)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func agentActionCmd(action agents.Action) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <id>",
		Short: fmt.Sprintf("%s an agent (no-op when its status does not allow it)", action),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Lifecycle(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func agentDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <id>",
		Short: "Destroy an agent and its VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Destroy(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func agentVerifyCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Check a gateway token against the agent's stored hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("missing --token (or GATEWAY_TOKEN)")
			}
			ok, err := client().Verify(cmd.Context(), args[0], token)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("gateway token does not match agent %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "gateway token valid for agent %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", envOr("GATEWAY_TOKEN", ""), "gateway token to check")
	return cmd
}
