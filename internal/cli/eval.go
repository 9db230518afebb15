package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var evalCmd = &cobra.Command{
	Use:   "eval <expression>",
	Short: "Evaluate JavaScript in the browser",
	Long:  "Evaluates a JavaScript expression in the current page context and prints the JSON result. Promises are awaited.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEval,
}

func init() {
	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
	// Join all args to form the expression (allows shell-friendly use without quotes)
	expression := strings.Join(args, " ")

	return withBrowser(func(ctx context.Context, page pageDriver) error {
		if err := page.EnsureTarget(ctx); err != nil {
			return outputFailure(err)
		}
		value, err := page.Evaluate(ctx, expression)
		if err != nil {
			return outputFailure(err)
		}
		if JSONOutput {
			return outputSuccess(map[string]any{"value": value})
		}
		_, err = fmt.Fprintln(os.Stdout, string(value))
		return err
	})
}
