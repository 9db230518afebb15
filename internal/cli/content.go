package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/clawlink/internal/htmlformat"
)

var contentCmd = &cobra.Command{
	Use:   "content",
	Short: "Print the current page HTML",
	Args:  cobra.NoArgs,
	RunE:  runContent,
}

func init() {
	contentCmd.Flags().BoolP("pretty", "p", false, "Indent the HTML for reading")
	rootCmd.AddCommand(contentCmd)
}

func runContent(cmd *cobra.Command, args []string) error {
	pretty, _ := cmd.Flags().GetBool("pretty")

	return withBrowser(func(ctx context.Context, page pageDriver) error {
		if err := page.EnsureTarget(ctx); err != nil {
			return outputFailure(err)
		}
		html, err := page.GetContent(ctx)
		if err != nil {
			return outputFailure(err)
		}
		if pretty {
			if html, err = htmlformat.Format(html); err != nil {
				return outputFailure(err)
			}
		}
		if JSONOutput {
			return outputSuccess(map[string]any{"html": html})
		}
		_, err = fmt.Fprint(os.Stdout, strings.TrimSuffix(html, "\n")+"\n")
		return err
	})
}
