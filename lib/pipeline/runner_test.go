package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"ingestkit/lib/config"
	"ingestkit/lib/recordstore"
	"ingestkit/lib/scheduling"
	"ingestkit/lib/testutil"

	"github.com/stretchr/testify/require"
)

func setupStore(t testing.TB) (recordstore.Store, func()) {
	res, cleanup := testutil.SetupService(t, testutil.ServiceParams{
		Name:     "pipeline",
		DbSchema: recordstore.Schema,
	})
	return recordstore.NewStore(res.DB), cleanup
}

func noRetries() *int {
	zero := 0
	return &zero
}

func siteServer(t testing.TB, hits *atomic.Int32) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "<html><head><title>Page A</title></head><body>hello</body></html>")
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestScrape(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	var hits atomic.Int32
	server := siteServer(t, &hits)

	runner := NewRunner(config.Pipeline{
		Scrapers: []config.ScraperConfig{{
			Name:           "site",
			BaseUrl:        server.URL,
			Paths:          []string{"/a", "/missing"},
			MaxRetries:     noRetries(),
			RateLimitDelay: "1ms",
		}},
	}, store, nil)
	defer runner.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := runner.Scrape(ctx, "site")
	require.Error(t, err)
	require.Equal(t, 1, report.Stored)
	require.Equal(t, 1, report.Failed)

	records, err := store.List(ctx, "site")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, server.URL+"/a", records[0].Key)

	var page Page
	require.NoError(t, records[0].Decode(&page))
	require.Equal(t, "Page A", page.Title)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Contains(t, page.Content, "hello")

	_, err = runner.Scrape(ctx, "nope")
	require.True(t, scheduling.IsNoRetry(err))
}

func TestScrapeCached(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	var hits atomic.Int32
	server := siteServer(t, &hits)

	runner := NewRunner(config.Pipeline{
		Scrapers: []config.ScraperConfig{{
			Name:           "site",
			BaseUrl:        server.URL,
			Paths:          []string{"/a"},
			MaxRetries:     noRetries(),
			RateLimitDelay: "1ms",
			CacheDir:       t.TempDir(),
		}},
	}, store, nil)
	defer runner.Close()

	ctx := context.Background()
	for range 2 {
		report, err := runner.Scrape(ctx, "site")
		require.NoError(t, err)
		require.Equal(t, 1, report.Stored)
	}
	require.Equal(t, int32(1), hits.Load())

	records, err := store.List(ctx, "site")
	require.NoError(t, err)
	var page Page
	require.NoError(t, records[0].Decode(&page))
	require.True(t, page.Cached)
}

func apiServer(t testing.TB, requests *atomic.Int32) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("cursor") {
		case "":
			fmt.Fprint(w, `{"data": [{"id": 1, "name": "widget", "price": 2.5}, {"name": "no id"}], "next_cursor": "p2"}`)
		case "p2":
			fmt.Fprint(w, `{"data": [{"id": 2, "name": "gadget", "price": 10}], "next_cursor": null}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestFetchApi(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	var requests atomic.Int32
	server := apiServer(t, &requests)
	out := filepath.Join(t.TempDir(), "out", "products.parquet")

	runner := NewRunner(config.Pipeline{
		Apis: []config.ApiConfig{{
			Name:       "products",
			BaseUrl:    server.URL,
			ApiKey:     "token",
			Endpoint:   "products",
			PageSize:   2,
			ParquetOut: out,
		}},
	}, store, nil)
	defer runner.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := runner.FetchApi(ctx, "products")
	require.NoError(t, err)
	require.Equal(t, 2, report.Stored)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, out, report.ParquetOut)
	require.Equal(t, int32(2), requests.Load())

	records, err := store.List(ctx, "products")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "1", records[0].Key)
	require.Equal(t, "2", records[1].Key)

	contents, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "PAR1", string(contents[:4]))

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(out), ".ingest-*"))
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestFetchApiUnauthorized(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	var requests atomic.Int32
	server := apiServer(t, &requests)

	runner := NewRunner(config.Pipeline{
		Apis: []config.ApiConfig{{Name: "products", BaseUrl: server.URL, Endpoint: "products"}},
	}, store, nil)
	defer runner.Close()

	_, err := runner.FetchApi(context.Background(), "products")
	require.ErrorContains(t, err, "401")

	count, err := store.Count(context.Background(), "products")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestJobs(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	var requests atomic.Int32
	server := apiServer(t, &requests)

	runner := NewRunner(config.Pipeline{
		Apis: []config.ApiConfig{{Name: "products", BaseUrl: server.URL, ApiKey: "token", Endpoint: "products"}},
		Jobs: []config.JobConfig{
			{Name: "sync", Schedule: "@hourly", Kind: config.KindApi, Source: "products", Timeout: "5s"},
			{Name: "broken", Schedule: "@hourly", Kind: "ftp", Source: "products", MaxAttempts: 3},
		},
	}, store, nil)
	defer runner.Close()

	jobs := runner.Jobs()
	require.Len(t, jobs, 2)
	require.Equal(t, "sync", jobs[0].Name)
	require.Equal(t, 5*time.Second, jobs[0].Timeout)

	scheduler := scheduling.NewScheduler(scheduling.Options{Location: time.UTC})
	require.NoError(t, runner.Register(scheduler))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := scheduler.RunNow(ctx, "sync")
	require.NoError(t, err)
	require.Equal(t, scheduling.OutcomeOk, run.Outcome)

	count, err := store.Count(ctx, "products")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	run, err = scheduler.RunNow(ctx, "broken")
	require.Error(t, err)
	require.Equal(t, scheduling.OutcomeFailed, run.Outcome)
	require.Equal(t, 1, run.Attempts)
}
