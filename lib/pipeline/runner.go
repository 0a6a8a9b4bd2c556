// Package pipeline turns a config.Pipeline into runnable jobs: scrape jobs
// fetch pages with the basic scraper, api jobs page through a REST endpoint.
// Both store their results in the record store under the source's name.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ingestkit/lib/apis/rest"
	"ingestkit/lib/config"
	"ingestkit/lib/etl/convert"
	"ingestkit/lib/htmlutil"
	"ingestkit/lib/recordstore"
	"ingestkit/lib/restyutil"
	"ingestkit/lib/scheduling"
	"ingestkit/lib/scrapers/basic"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("ingestkit.lib.pipeline")

// Page is the payload stored for every scraped url.
type Page struct {
	Url        string    `json:"url"`
	StatusCode int       `json:"status_code"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Cached     bool      `json:"cached"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Report summarizes a single scrape or api run.
type Report struct {
	Source string
	Stored int
	Failed int
	// path of the parquet file written, if any.
	ParquetOut string
}

type Runner struct {
	cfg   config.Pipeline
	store recordstore.Store
	dump  restyutil.Output
	now   func() time.Time

	mutex  sync.Mutex
	caches map[string]*badger.DB
}

// NewRunner creates a runner, `dump` receives raw HTTP exchanges and can be
// nil.
func NewRunner(cfg config.Pipeline, store recordstore.Store, dump restyutil.Output) *Runner {
	return &Runner{
		cfg:    cfg,
		store:  store,
		dump:   dump,
		now:    time.Now,
		caches: map[string]*badger.DB{},
	}
}

// Close closes the page caches opened by scrape runs.
func (r *Runner) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var errs []error
	for dir, db := range r.caches {
		err := db.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("close cache %s: %w", dir, err))
		}
	}
	clear(r.caches)
	return errors.Join(errs...)
}

func (r *Runner) cache(dir string) (*badger.DB, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if db, ok := r.caches[dir]; ok {
		return db, nil
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", dir, err)
	}
	r.caches[dir] = db
	return db, nil
}

func (r *Runner) scraper(sc config.ScraperConfig) (*basic.Scraper, error) {
	opts := basic.Options{
		BaseUrl:          sc.BaseUrl,
		MaxRetries:       sc.Retries(),
		BackoffFactor:    sc.BackoffDuration(),
		RateLimitDelay:   sc.RateLimitDuration(),
		Timeout:          sc.TimeoutDuration(),
		UserAgents:       sc.UserAgents,
		CloudflareBypass: sc.CloudflareBypass,
		ClientId:         sc.Name,
		CacheTTL:         sc.CacheTTLDuration(),
		Dump:             r.dump,
	}
	if sc.CacheDir != "" {
		db, err := r.cache(sc.CacheDir)
		if err != nil {
			return nil, err
		}
		opts.Cache = db
	}
	return basic.NewScraper(opts)
}

// NewPage converts a fetched item into its stored form.
func NewPage(item basic.Item) Page {
	page := Page{
		Url:        item.Url,
		StatusCode: item.StatusCode,
		Content:    string(item.Content),
		Cached:     item.Cached,
		FetchedAt:  item.FetchedAt,
	}
	doc, err := item.Document()
	if err == nil {
		page.Title = htmlutil.Title(doc)
	}
	return page
}

// Scrape fetches every path of the named scraper and stores the pages that
// succeeded. Failed paths are reported in the returned error.
func (r *Runner) Scrape(ctx context.Context, name string) (Report, error) {
	ctx, span := tracer.Start(ctx, "pipeline:Scrape")
	defer span.End()
	span.SetAttributes(attribute.String("source", name))

	sc, ok := r.cfg.Scraper(name)
	if !ok {
		return Report{}, scheduling.NoRetry(fmt.Errorf("unknown scraper %q", name))
	}
	scraper, err := r.scraper(sc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create scraper")
		return Report{}, scheduling.NoRetry(err)
	}

	items, fetchErr := scraper.FetchMultiple(ctx, sc.Paths)
	report := Report{Source: name, Failed: len(sc.Paths) - len(items)}

	entries := make([]recordstore.Entry, len(items))
	for i, item := range items {
		entries[i] = recordstore.Entry{Key: item.Url, Payload: NewPage(item)}
	}
	if len(entries) > 0 {
		err = r.store.PutMany(ctx, name, entries, r.now())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to store pages")
			return report, fmt.Errorf("store pages: %w", err)
		}
		report.Stored = len(entries)
	}

	span.SetAttributes(attribute.Int("stored", report.Stored), attribute.Int("failed", report.Failed))
	if fetchErr != nil {
		span.RecordError(fetchErr)
		span.SetStatus(codes.Error, "some pages failed")
		return report, fetchErr
	}
	slog.InfoContext(ctx, "scraped pages", "source", name, "stored", report.Stored)
	return report, nil
}

func recordKey(item map[string]any, field string) (string, bool) {
	value, ok := item[field]
	if !ok || value == nil {
		return "", false
	}
	key := strings.TrimSpace(fmt.Sprint(value))
	return key, key != ""
}

// writeParquet writes to a temporary file next to `path` and renames it
// into place so readers never observe a partial file.
func writeParquet(ctx context.Context, path string, items []map[string]any) error {
	dir := filepath.Dir(path)
	err := os.MkdirAll(dir, 0777)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".ingest-*.parquet")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	_, err = convert.RecordsToParquet(ctx, items, tmp)
	if err != nil {
		tmp.Close()
		return err
	}
	err = tmp.Close()
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// FetchApi pages through the named api's endpoint and stores every item
// keyed by its key field. Items without a key are counted as failed.
func (r *Runner) FetchApi(ctx context.Context, name string) (Report, error) {
	ctx, span := tracer.Start(ctx, "pipeline:FetchApi")
	defer span.End()
	span.SetAttributes(attribute.String("source", name))

	ac, ok := r.cfg.Api(name)
	if !ok {
		return Report{}, scheduling.NoRetry(fmt.Errorf("unknown api %q", name))
	}
	opts := rest.DefaultClientOptions(ac.BaseUrl, ac.ApiKey)
	if ac.RequestsPerSecond > 0 {
		opts.RequestsPerSecond = ac.RequestsPerSecond
	}
	opts.Dump = r.dump
	client, err := rest.NewClient(opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create client")
		return Report{}, scheduling.NoRetry(err)
	}

	pageSize := ac.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	items, err := client.Collect(ctx, ac.Endpoint, pageSize, ac.MaxPages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch items")
		return Report{Source: name}, err
	}

	keyField := ac.KeyField
	if keyField == "" {
		keyField = "id"
	}
	report := Report{Source: name}
	entries := make([]recordstore.Entry, 0, len(items))
	for _, item := range items {
		key, ok := recordKey(item, keyField)
		if !ok {
			report.Failed++
			continue
		}
		entries = append(entries, recordstore.Entry{Key: key, Payload: item})
	}
	if report.Failed > 0 {
		slog.WarnContext(ctx, "skipped items without key", "source", name, "key_field", keyField, "count", report.Failed)
	}

	if len(entries) > 0 {
		err = r.store.PutMany(ctx, name, entries, r.now())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to store items")
			return report, fmt.Errorf("store items: %w", err)
		}
		report.Stored = len(entries)
	}

	if ac.ParquetOut != "" && len(items) > 0 {
		err = writeParquet(ctx, ac.ParquetOut, items)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to write parquet")
			return report, fmt.Errorf("write %s: %w", ac.ParquetOut, err)
		}
		report.ParquetOut = ac.ParquetOut
	}

	span.SetAttributes(attribute.Int("stored", report.Stored), attribute.Int("failed", report.Failed))
	slog.InfoContext(ctx, "fetched api items", "source", name, "stored", report.Stored)
	return report, nil
}

// Run executes the configured job once, outside of the scheduler.
func (r *Runner) Run(ctx context.Context, job config.JobConfig) (Report, error) {
	switch job.Kind {
	case config.KindScrape:
		return r.Scrape(ctx, job.Source)
	case config.KindApi:
		return r.FetchApi(ctx, job.Source)
	}
	return Report{}, scheduling.NoRetry(fmt.Errorf("job %s: unknown kind %q", job.Name, job.Kind))
}

// Jobs converts every configured job into a scheduling.Job backed by the
// runner.
func (r *Runner) Jobs() []scheduling.Job {
	jobs := make([]scheduling.Job, len(r.cfg.Jobs))
	for i, jc := range r.cfg.Jobs {
		jobs[i] = scheduling.Job{
			Name:     jc.Name,
			Schedule: jc.Schedule,
			Timeout:  jc.TimeoutDuration(),
			Retry: scheduling.RetryPolicy{
				MaxAttempts: jc.MaxAttempts,
			},
			TripAfter: jc.TripAfter,
			Run: func(ctx context.Context) error {
				_, err := r.Run(ctx, jc)
				return err
			},
		}
	}
	return jobs
}

// Register adds every configured job to the scheduler.
func (r *Runner) Register(s *scheduling.Scheduler) error {
	for _, job := range r.Jobs() {
		err := s.Register(job)
		if err != nil {
			return err
		}
	}
	return nil
}
