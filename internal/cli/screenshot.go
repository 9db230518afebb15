package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var screenshotCmd = &cobra.Command{
	Use:   "screenshot",
	Short: "Capture screenshot of current page",
	Long: `Captures a PNG screenshot of the current page and saves it to a file.

By default captures the current viewport. Use --full-page to capture the
entire scrollable page content.

File location:
  Default: <tmp>/clawlink-screenshots/YY-MM-DD-HHMMSS.png
  Custom:  Specified path with --output flag

Examples:
  screenshot
  screenshot --full-page -o ./full.png

Response:
  {"ok": true, "data": {"path": "/tmp/clawlink-screenshots/24-12-24-143052.png"}}`,
	Args: cobra.NoArgs,
	RunE: runScreenshot,
}

func init() {
	screenshotCmd.Flags().Bool("full-page", false, "Capture entire scrollable page instead of viewport only")
	screenshotCmd.Flags().StringP("output", "o", "", "Save to specified path instead of temp directory")
	rootCmd.AddCommand(screenshotCmd)
}

func runScreenshot(cmd *cobra.Command, args []string) error {
	fullPage, _ := cmd.Flags().GetBool("full-page")
	path, _ := cmd.Flags().GetString("output")

	if path == "" {
		path = defaultScreenshotPath(time.Now())
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return outputFailure(fmt.Errorf("failed to create directory: %w", err))
	}

	return withBrowser(func(ctx context.Context, page pageDriver) error {
		if err := page.EnsureTarget(ctx); err != nil {
			return outputFailure(err)
		}
		written, err := page.Screenshot(ctx, path, fullPage)
		if err != nil {
			return outputFailure(err)
		}
		if JSONOutput {
			return outputSuccess(map[string]any{"path": written})
		}
		_, err = fmt.Fprintln(os.Stdout, written)
		return err
	})
}

// defaultScreenshotPath returns a timestamped file in the temp directory.
func defaultScreenshotPath(now time.Time) string {
	return filepath.Join(os.TempDir(), "clawlink-screenshots", now.Format("06-01-02-150405")+".png")
}
