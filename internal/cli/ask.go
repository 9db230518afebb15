package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/clawlink/internal/config"
	"github.com/grantcarthew/clawlink/internal/gateway"
)

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Send a message to an agent and print the reply",
	Long: `Sends a message to the agent gateway and waits for the complete reply.

The reply is printed to stdout. The memory id that continues the conversation
is printed to stderr; pass it back with --memory.

Examples:
  ask "summarise the open issues"
  ask --memory 7f0c... "and the closed ones?"
  ask --agent research "find papers on raft"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	addMessageFlags(askCmd)
	rootCmd.AddCommand(askCmd)
}

// addMessageFlags registers the flags shared by ask and stream.
func addMessageFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("memory", "m", "", "Memory id of the conversation to continue")
	cmd.Flags().StringP("agent", "a", "", "Agent id (default from config)")
}

func messageRequest(cmd *cobra.Command, args []string) gateway.Request {
	memory, _ := cmd.Flags().GetString("memory")
	agent, _ := cmd.Flags().GetString("agent")
	return gateway.Request{
		Message:  strings.Join(args, " "),
		MemoryID: memory,
		AgentID:  agent,
	}
}

func runAsk(cmd *cobra.Command, args []string) error {
	req := messageRequest(cmd, args)

	return withGateway(func(ctx context.Context, agent agentClient, _ config.Config) error {
		resp, err := agent.SendMessage(ctx, req)
		if err != nil {
			return outputFailure(err)
		}
		return printResponse(resp)
	})
}

func printResponse(resp *gateway.Response) error {
	if JSONOutput {
		return outputSuccess(map[string]any{
			"text":     resp.Text,
			"memoryId": resp.MemoryID,
			"runId":    resp.RunID,
		})
	}
	if _, err := fmt.Fprintln(os.Stdout, resp.Text); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "memory: %s\n", resp.MemoryID)
	return nil
}
