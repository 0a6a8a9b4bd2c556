package commands

import (
	"log/slog"
	"net/url"
	"time"

	"ingestkit/lib/pipeline"
	"ingestkit/lib/recordstore"
	"ingestkit/lib/scrapers/basic"
	"ingestkit/lib/sqliteutil"
	"ingestkit/lib/util/serviceutil"

	"github.com/dgraph-io/badger/v4"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	scrapeDb         *string
	scrapeRetries    *int
	scrapeBackoff    *time.Duration
	scrapeDelay      *time.Duration
	scrapeTimeout    *time.Duration
	scrapeCacheDir   *string
	scrapeCacheTTL   *time.Duration
	scrapeCloudflare *bool
	scrapeLinks      *bool
)

func init() {
	defaults := basic.DefaultOptions("")
	scrapeDb = scrapeCmd.Flags().String("db", "", "Store fetched pages in this sqlite database.")
	scrapeRetries = scrapeCmd.Flags().Int("retries", defaults.MaxRetries, "Retries after the first attempt on 429/5xx and network errors.")
	scrapeBackoff = scrapeCmd.Flags().Duration("backoff", defaults.BackoffFactor, "Wait before the first retry, doubled on every retry.")
	scrapeDelay = scrapeCmd.Flags().Duration("delay", defaults.RateLimitDelay, "Minimum time between two requests.")
	scrapeTimeout = scrapeCmd.Flags().Duration("timeout", defaults.Timeout, "Timeout of a single request.")
	scrapeCacheDir = scrapeCmd.Flags().String("cache-dir", "", "Cache successful responses in this directory.")
	scrapeCacheTTL = scrapeCmd.Flags().Duration("cache-ttl", time.Hour, "How long cached responses stay fresh.")
	scrapeCloudflare = scrapeCmd.Flags().Bool("cloudflare", false, "Use a browser-like TLS fingerprint.")
	scrapeLinks = scrapeCmd.Flags().Bool("links", false, "Print the links found on every page.")
	rootCmd.AddCommand(scrapeCmd)
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape <base-url> [paths...]",
	Short: "Fetches pages relative to a base url.",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		paths := args[1:]
		if len(paths) == 0 {
			paths = []string{"/"}
		}

		opts := basic.Options{
			BaseUrl:          args[0],
			MaxRetries:       *scrapeRetries,
			BackoffFactor:    *scrapeBackoff,
			RateLimitDelay:   *scrapeDelay,
			Timeout:          *scrapeTimeout,
			CloudflareBypass: *scrapeCloudflare,
			CacheTTL:         *scrapeCacheTTL,
			Dump:             dumpOutput(),
		}
		if *scrapeCacheDir != "" {
			cache, err := badger.Open(badger.DefaultOptions(*scrapeCacheDir).WithLogger(nil))
			if err != nil {
				serviceutil.Fatal("failed to open cache", err)
			}
			defer cache.Close()
			opts.Cache = cache
		}
		scraper, err := basic.NewScraper(opts)
		if err != nil {
			serviceutil.Fatal("failed to create scraper", err)
		}

		t1 := time.Now()
		items, err := scraper.FetchMultiple(ctx, paths)
		if err != nil {
			slog.Warn("some pages failed", "err", err)
		}
		slog.Info("scraping time", "seconds", time.Since(t1).Seconds())

		t := newTable()
		t.AppendHeader(table.Row{"Url", "Status", "Title", "Bytes", "Cached"})
		for _, item := range items {
			page := pipeline.NewPage(item)
			t.AppendRow(table.Row{page.Url, page.StatusCode, page.Title, len(item.Content), page.Cached})
		}
		t.Render()

		if *scrapeLinks {
			links := newTable()
			links.AppendHeader(table.Row{"Page", "Text", "Href"})
			for _, item := range items {
				anchors, err := scraper.Anchors(ctx, item)
				if err != nil {
					slog.Warn("failed to read links", "url", item.Url, "err", err)
					continue
				}
				for _, a := range anchors {
					links.AppendRow(table.Row{item.Url, a.Name, a.Href})
				}
			}
			links.Render()
		}

		if *scrapeDb != "" && len(items) > 0 {
			store, err := recordstore.Open(ctx, sqliteutil.Config{File: *scrapeDb})
			if err != nil {
				serviceutil.Fatal("failed to open db", err)
			}
			defer store.Close()

			source := args[0]
			parsed, err := url.Parse(args[0])
			if err == nil && parsed.Host != "" {
				source = parsed.Host
			}
			entries := make([]recordstore.Entry, len(items))
			for i, item := range items {
				entries[i] = recordstore.Entry{Key: item.Url, Payload: pipeline.NewPage(item)}
			}
			err = store.PutMany(ctx, source, entries, time.Now())
			if err != nil {
				serviceutil.Fatal("failed to store pages", err)
			}
			slog.Info("stored pages", "source", source, "count", len(entries))
		}
	},
}
