package basic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"ingestkit/lib/htmlutil"
	"ingestkit/lib/restyutil"
	"ingestkit/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/dgraph-io/badger/v4"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("ingestkit.lib.scrapers.basic")
var meter = otel.Meter("ingestkit.lib.scrapers.basic")
var fetchCounter, _ = meter.Int64Counter("scraper.fetches")

var DefaultUserAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
}

// RetryStatuses are the response codes that are retried.
var RetryStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

const (
	acceptHeader         = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	acceptLanguageHeader = "en-US,en;q=0.5"
	maxRetryWait         = time.Minute
	defaultRetryWait     = time.Millisecond * 100
)

type Options struct {
	BaseUrl string
	// retries made after the first attempt, 0 means a single attempt.
	MaxRetries int
	// wait before the first retry, doubled for every following retry.
	BackoffFactor time.Duration
	// minimum time between the start of two fetches, 0 disables pacing.
	RateLimitDelay time.Duration
	Timeout        time.Duration
	UserAgents     []string
	// wraps the transport so the TLS fingerprint matches a browser.
	CloudflareBypass bool

	// if Cache is nil, responses are never cached.
	Cache    *badger.DB
	CacheTTL time.Duration
	// namespaces cache entries, ex. per site or per account.
	ClientId string

	// receives raw request/response dumps, can be nil.
	Dump restyutil.Output
}

// DefaultOptions mirrors the defaults of the scraper template: 3 retries,
// 1s backoff, 1s between requests and a 30s timeout.
func DefaultOptions(baseUrl string) Options {
	return Options{
		BaseUrl:        baseUrl,
		MaxRetries:     3,
		BackoffFactor:  time.Second,
		RateLimitDelay: time.Second,
		Timeout:        time.Second * 30,
	}
}

type Item struct {
	Url        string
	Content    []byte
	Headers    http.Header
	StatusCode int
	FetchedAt  time.Time
	// true when the item was served from the page cache.
	Cached bool
}

// Document parses the item's content as HTML.
func (i Item) Document() (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(i.Content))
}

// HTTPError is returned when the final response has a non-2xx status.
type HTTPError struct {
	Url        string
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %s", e.Url, e.Status)
}

type Scraper struct {
	baseUrl    string
	http       *resty.Client
	limiter    *rate.Limiter
	cache      *pageCache
	clientId   string
	userAgents []string
}

func NewScraper(opts Options) (*Scraper, error) {
	parsed, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", opts.BaseUrl)
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", opts.MaxRetries)
	}

	s := &Scraper{
		baseUrl:    strings.TrimRight(opts.BaseUrl, "/"),
		clientId:   opts.ClientId,
		userAgents: opts.UserAgents,
	}
	if len(s.userAgents) == 0 {
		s.userAgents = DefaultUserAgents
	}
	if opts.RateLimitDelay > 0 {
		s.limiter = rate.NewLimiter(rate.Every(opts.RateLimitDelay), 1)
	}
	if opts.Cache != nil {
		s.cache = &pageCache{db: opts.Cache, ttl: opts.CacheTTL}
	}

	client := resty.New()
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	if opts.CloudflareBypass {
		client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	}
	client.SetRetryCount(opts.MaxRetries)
	retryWait := opts.BackoffFactor
	if retryWait <= 0 {
		retryWait = defaultRetryWait
	}
	client.SetRetryWaitTime(retryWait)
	client.SetRetryMaxWaitTime(maxRetryWait)
	client.AddRetryCondition(shouldRetry)
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		// runs for every attempt, so retries are paced as well.
		if s.limiter != nil {
			err := s.limiter.Wait(req.Context())
			if err != nil {
				return fmt.Errorf("%w: %w", errRateLimitWait, err)
			}
		}
		req.SetHeader("User-Agent", s.userAgent())
		return nil
	})
	telemetry.InstrumentResty(client, "ingestkit.lib.scrapers.basic/http")
	restyutil.DumpExchanges(client, opts.Dump)
	s.http = client

	return s, nil
}

var errRateLimitWait = errors.New("rate limiter wait aborted")

func shouldRetry(res *resty.Response, err error) bool {
	if err != nil {
		if errors.Is(err, errRateLimitWait) {
			return false
		}
		// a cancelled caller should not be retried on.
		if res != nil && res.Request != nil && res.Request.Context().Err() != nil {
			return false
		}
		return true
	}
	return slices.Contains(RetryStatuses, res.StatusCode())
}

func (s *Scraper) userAgent() string {
	return s.userAgents[rand.IntN(len(s.userAgents))]
}

// Url returns the absolute url for a path relative to the base url.
func (s *Scraper) Url(path string) string {
	return s.baseUrl + "/" + strings.TrimLeft(path, "/")
}

// Fetch requests `path` relative to the base url.
func (s *Scraper) Fetch(ctx context.Context, path string) (Item, error) {
	target := s.Url(path)

	ctx, span := tracer.Start(ctx, "scraper:Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("url", target))

	if s.cache != nil {
		page, err := s.cache.get(ctx, s.clientId, target)
		if err == nil {
			span.SetStatus(codes.Ok, "CACHE HIT")
			fetchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "cached")))
			return Item{
				Url:        page.Url,
				Content:    page.Content,
				Headers:    http.Header(page.Headers),
				StatusCode: page.StatusCode,
				FetchedAt:  time.Unix(page.FetchedAt, 0),
				Cached:     true,
			}, nil
		}
		if !errors.Is(err, errPageNotCached) {
			slog.WarnContext(ctx, "page cache read failed", "url", target, "err", err)
		}
	}

	slog.InfoContext(ctx, "fetching", "url", target)
	res, err := s.http.R().
		SetContext(ctx).
		SetHeader("Accept", acceptHeader).
		SetHeader("Accept-Language", acceptLanguageHeader).
		Get(target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch")
		fetchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		return Item{}, fmt.Errorf("fetch %s: %w", target, err)
	}

	status := res.StatusCode()
	if status < 200 || status >= 300 {
		err := &HTTPError{Url: target, StatusCode: status, Status: res.Status()}
		span.RecordError(err)
		span.SetStatus(codes.Error, "unexpected status")
		fetchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		return Item{}, err
	}

	item := Item{
		Url:        target,
		Content:    res.Body(),
		Headers:    res.Header().Clone(),
		StatusCode: status,
		FetchedAt:  time.Now(),
	}
	fetchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))

	if s.cache != nil {
		err = s.cache.set(ctx, s.clientId, cachedPage{
			Url:        item.Url,
			Content:    item.Content,
			Headers:    item.Headers,
			StatusCode: item.StatusCode,
			FetchedAt:  item.FetchedAt.Unix(),
		})
		if err != nil {
			slog.WarnContext(ctx, "failed to cache page", "url", target, "err", err)
		}
	}

	return item, nil
}

// FetchMultiple fetches each path in order. Successful items are returned in
// input order, failures are joined into the returned error.
func (s *Scraper) FetchMultiple(ctx context.Context, paths []string) ([]Item, error) {
	ctx, span := tracer.Start(ctx, "scraper:FetchMultiple")
	defer span.End()

	var items []Item
	var errs []error
	for _, path := range paths {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		item, err := s.Fetch(ctx, path)
		if err != nil {
			slog.ErrorContext(ctx, "failed to fetch", "path", path, "err", err)
			errs = append(errs, err)
			continue
		}
		items = append(items, item)
	}

	span.SetAttributes(
		attribute.Int("succeeded", len(items)),
		attribute.Int("failed", len(errs)),
	)
	return items, errors.Join(errs...)
}

// Anchors returns every link on the item's page with absolute hrefs.
func (s *Scraper) Anchors(ctx context.Context, item Item) ([]htmlutil.Anchor, error) {
	base, err := url.Parse(item.Url)
	if err != nil {
		return nil, err
	}
	doc, err := item.Document()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", item.Url, err)
	}
	anchors := htmlutil.GetAnchors(ctx, doc.Find("a[href]"))
	return htmlutil.ResolveAnchors(base, anchors), nil
}
