package commands

import (
	"fmt"
	"os"
	"time"

	"ingestkit/lib/scrapers/browser"
	"ingestkit/lib/util/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	renderWaitFor       *string
	renderScreenshot    *bool
	renderScreenshotDir *string
	renderHeadful       *bool
	renderNoStealth     *bool
	renderNoSandbox     *bool
	renderTimeout       *time.Duration
	renderOut           *string
)

func init() {
	renderWaitFor = renderCmd.Flags().String("wait-for", "", "CSS selector that must be visible before the page is captured.")
	renderScreenshot = renderCmd.Flags().Bool("screenshot", false, "Save a full page screenshot.")
	renderScreenshotDir = renderCmd.Flags().String("screenshot-dir", ".", "Directory screenshots are saved to.")
	renderHeadful = renderCmd.Flags().Bool("headful", false, "Show the browser window.")
	renderNoStealth = renderCmd.Flags().Bool("no-stealth", false, "Do not hide the automation flag.")
	renderNoSandbox = renderCmd.Flags().Bool("no-sandbox", false, "Disable the chrome sandbox, needed when running as root.")
	renderTimeout = renderCmd.Flags().Duration("timeout", browser.DefaultOptions().Timeout, "Timeout for loading the page.")
	renderOut = renderCmd.Flags().String("out", "", "Write the rendered html to this file.")
	rootCmd.AddCommand(renderCmd)
}

var renderCmd = &cobra.Command{
	Use:   "render <url>",
	Short: "Renders a javascript heavy page in headless chrome.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		opts := browser.DefaultOptions()
		opts.Headless = !*renderHeadful
		opts.Stealth = !*renderNoStealth
		opts.NoSandbox = *renderNoSandbox
		opts.Timeout = *renderTimeout
		opts.ScreenshotDir = *renderScreenshotDir

		b, err := browser.New(ctx, opts)
		if err != nil {
			serviceutil.Fatal("failed to start browser", err)
		}
		defer b.Close()

		res, err := b.Scrape(ctx, args[0], browser.ScrapeOptions{
			WaitFor:    *renderWaitFor,
			Screenshot: *renderScreenshot,
		})
		if err != nil {
			b.Close()
			serviceutil.Fatal("failed to render page", err)
		}

		if *renderOut != "" {
			err = os.WriteFile(*renderOut, []byte(res.Content), 0644)
			if err != nil {
				b.Close()
				serviceutil.Fatal("failed to write html", err)
			}
		}

		t := newTable()
		t.AppendRows([]table.Row{
			{"Url", res.Url},
			{"Title", res.Title},
			{"Status", res.Metrics.Status},
			{"Load time", fmt.Sprintf("%.0fms", res.Metrics.LoadTime)},
			{"Bytes", len(res.Content)},
			{"Screenshot", res.ScreenshotPath},
		})
		t.Render()
	},
}
