package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ingestkit/lib/htmlutil"
	"ingestkit/lib/telemetry"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func findChrome() string {
	for _, name := range []string{
		"headless-shell",
		"chromium",
		"chromium-browser",
		"google-chrome",
		"google-chrome-stable",
	} {
		path, err := exec.LookPath(name)
		if err == nil {
			return path
		}
	}
	return ""
}

func newBrowser(t *testing.T, opts Options) *Browser {
	path := findChrome()
	if path == "" {
		t.Skip("no chrome or chromium binary on PATH")
	}
	opts.ExecPath = path
	opts.NoSandbox = os.Geteuid() == 0

	b, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

const testPage = `<!DOCTYPE html>
<html>
<head><title>Rendered Page</title></head>
<body>
<div id="webdriver"></div>
<script>
document.getElementById('webdriver').textContent = String(navigator.webdriver);
setTimeout(() => {
	const el = document.createElement('div');
	el.id = 'late';
	el.textContent = 'loaded later';
	document.body.appendChild(el);
}, 200);
</script>
</body>
</html>`

func testServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("<html><head><title>Not Found</title></head></html>"))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(testPage))
	}))
}

func TestScreenshotName(t *testing.T) {
	a := ScreenshotName("https://example.com/a")
	require.Equal(t, a, ScreenshotName("https://example.com/a"))
	require.NotEqual(t, a, ScreenshotName("https://example.com/b"))
	require.True(t, strings.HasPrefix(a, "screenshot_"))
	require.True(t, strings.HasSuffix(a, ".png"))
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	require.True(t, opts.Headless)
	require.True(t, opts.Stealth)
	require.Equal(t, Viewport{Width: 1920, Height: 1080}, opts.Viewport)
	require.Equal(t, 30*time.Second, opts.Timeout)
}

func TestScrape(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:scrapers/browser")
	defer cleanup()

	server := testServer()
	defer server.Close()

	opts := DefaultOptions()
	opts.ScreenshotDir = t.TempDir()
	b := newBrowser(t, opts)

	result, err := b.Scrape(context.Background(), server.URL+"/page", ScrapeOptions{
		WaitFor:    "#late",
		Screenshot: true,
	})
	require.NoError(t, err)
	require.Equal(t, server.URL+"/page", result.Url)
	require.Equal(t, "Rendered Page", result.Title)
	require.Equal(t, int64(200), result.Metrics.Status)
	require.Greater(t, result.Metrics.LoadTime, 0.0)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(result.Content))
	require.NoError(t, err)
	require.Equal(t, "loaded later", htmlutil.CleanText(doc.Find("#late").Text()))
	require.Equal(t, "undefined", doc.Find("#webdriver").Text())

	require.Equal(t, filepath.Join(opts.ScreenshotDir, ScreenshotName(server.URL+"/page")), result.ScreenshotPath)
	contents, err := os.ReadFile(result.ScreenshotPath)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(contents), "\x89PNG"))

	result, err = b.Scrape(context.Background(), server.URL+"/missing", ScrapeOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(404), result.Metrics.Status)
	require.Empty(t, result.ScreenshotPath)
}

func TestScrapeWaitTimeout(t *testing.T) {
	server := testServer()
	defer server.Close()

	opts := DefaultOptions()
	opts.Timeout = time.Second
	b := newBrowser(t, opts)

	_, err := b.Scrape(context.Background(), server.URL, ScrapeOptions{WaitFor: "#never"})
	require.Error(t, err)
}
