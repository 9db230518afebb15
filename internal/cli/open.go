package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var openCmd = &cobra.Command{
	Use:   "open <url>",
	Short: "Open a URL in the browser",
	Long: `Opens a URL in the browser and waits for the page to load.

A tab already showing the same host is reused; otherwise a new tab is created.

Examples:
  open https://example.com
  open --json http://localhost:3000/login

Response:
  {"ok": true, "data": {"targetId": "...", "url": "https://example.com"}}`,
	Args: cobra.ExactArgs(1),
	RunE: runOpen,
}

func init() {
	rootCmd.AddCommand(openCmd)
}

func runOpen(cmd *cobra.Command, args []string) error {
	pageURL := args[0]
	return withBrowser(func(ctx context.Context, page pageDriver) error {
		id, err := page.Open(ctx, pageURL)
		if err != nil {
			return outputFailure(err)
		}
		if JSONOutput {
			return outputSuccess(map[string]any{"targetId": id, "url": pageURL})
		}
		_, err = fmt.Fprintln(os.Stdout, id)
		return err
	})
}
