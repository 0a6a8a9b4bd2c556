package browser

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("ingestkit.lib.scrapers.browser")

// StealthScript runs before any page script and hides the automation flag
// headless chrome exposes.
const StealthScript = `Object.defineProperty(navigator, 'webdriver', {
	get: () => undefined
});`

type Viewport struct {
	Width  int64 `json:"width"`
	Height int64 `json:"height"`
}

type Options struct {
	Headless bool
	Stealth  bool
	Viewport Viewport
	// navigation and wait timeout for each scrape.
	Timeout time.Duration
	// path to a chrome/chromium binary, found on PATH when empty.
	ExecPath string
	// directory screenshots are written to, the working directory when empty.
	ScreenshotDir string
	// required when running as root, ex. in containers.
	NoSandbox bool
}

func DefaultOptions() Options {
	return Options{
		Headless: true,
		Stealth:  true,
		Viewport: Viewport{Width: 1920, Height: 1080},
		Timeout:  30 * time.Second,
	}
}

type ScrapeOptions struct {
	// css selector that must be visible before the page is captured.
	WaitFor    string
	Screenshot bool
}

type Metrics struct {
	// status of the main document response, 0 when unknown.
	Status int64 `json:"status"`
	// performance.now() once the page is captured, in milliseconds.
	LoadTime float64 `json:"load_time"`
}

type Result struct {
	Url            string  `json:"url"`
	Content        string  `json:"content"`
	Title          string  `json:"title"`
	ScreenshotPath string  `json:"screenshot_path,omitempty"`
	Metrics        Metrics `json:"metrics"`
}

// Browser owns a single chrome process, each Scrape runs in its own
// incognito browser context.
type Browser struct {
	opts          Options
	cancelAlloc   context.CancelFunc
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
}

func New(ctx context.Context, opts Options) (*Browser, error) {
	if opts.Viewport.Width <= 0 || opts.Viewport.Height <= 0 {
		opts.Viewport = DefaultOptions().Viewport
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}

	allocOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(int(opts.Viewport.Width), int(opts.Viewport.Height)),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, cancelBrowser := chromedp.NewContext(
		allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			slog.Debug(fmt.Sprintf("chromedp: "+format, args...))
		}),
	)

	// starts the browser process.
	err := chromedp.Run(browserCtx)
	if err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &Browser{
		opts:          opts,
		cancelAlloc:   cancelAlloc,
		browserCtx:    browserCtx,
		cancelBrowser: cancelBrowser,
	}, nil
}

// Close shuts the browser down.
func (b *Browser) Close() {
	b.cancelBrowser()
	b.cancelAlloc()
}

// ScreenshotName is the file name a screenshot of `url` is saved under.
func ScreenshotName(url string) string {
	h := fnv.New32a()
	h.Write([]byte(url))
	return fmt.Sprintf("screenshot_%d.png", h.Sum32())
}

// Scrape renders `url` in a fresh tab and captures its html.
func (b *Browser) Scrape(ctx context.Context, url string, opts ScrapeOptions) (Result, error) {
	ctx, span := tracer.Start(ctx, "browser:Scrape")
	defer span.End()
	span.SetAttributes(attribute.String("url", url))

	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx, chromedp.WithNewBrowserContext())
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, b.opts.Timeout)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancelTimeout)
	defer stop()

	setup := chromedp.Tasks{
		chromedp.EmulateViewport(b.opts.Viewport.Width, b.opts.Viewport.Height),
	}
	if b.opts.Stealth {
		setup = append(setup, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(StealthScript).Do(ctx)
			return err
		}))
	}
	err := chromedp.Run(tabCtx, setup)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set up tab")
		return Result{}, fmt.Errorf("set up tab: %w", err)
	}

	slog.InfoContext(ctx, "navigating", "url", url)
	res, err := chromedp.RunResponse(tabCtx, chromedp.Navigate(url))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to navigate")
		return Result{}, fmt.Errorf("navigate %s: %w", url, err)
	}

	result := Result{Url: url}
	if res != nil {
		result.Metrics.Status = res.Status
	}

	capture := chromedp.Tasks{}
	if opts.WaitFor != "" {
		capture = append(capture, chromedp.WaitVisible(opts.WaitFor, chromedp.ByQuery))
	}
	capture = append(
		capture,
		chromedp.Evaluate("performance.now()", &result.Metrics.LoadTime),
		chromedp.Title(&result.Title),
		chromedp.OuterHTML("html", &result.Content, chromedp.ByQuery),
	)
	var screenshot []byte
	if opts.Screenshot {
		// quality 100 produces a png.
		capture = append(capture, chromedp.FullScreenshot(&screenshot, 100))
	}
	err = chromedp.Run(tabCtx, capture)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to capture page")
		return Result{}, fmt.Errorf("capture %s: %w", url, err)
	}

	if opts.Screenshot {
		path := filepath.Join(b.opts.ScreenshotDir, ScreenshotName(url))
		err = os.WriteFile(path, screenshot, 0644)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to write screenshot")
			return Result{}, fmt.Errorf("write screenshot: %w", err)
		}
		result.ScreenshotPath = path
	}

	span.SetAttributes(
		attribute.Int64("status", result.Metrics.Status),
		attribute.Float64("load_time", result.Metrics.LoadTime),
	)
	return result, nil
}
