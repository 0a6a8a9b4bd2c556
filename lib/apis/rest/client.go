package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"ingestkit/lib/restyutil"
	"ingestkit/lib/telemetry"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("ingestkit.lib.apis.rest")
var meter = otel.Meter("ingestkit.lib.apis.rest")
var pageCounter, _ = meter.Int64Counter("api.pages")

// DefaultRateLimitRemaining is assumed when a response carries no
// X-RateLimit-Remaining header.
const DefaultRateLimitRemaining = 999

const rateLimitHeader = "X-RateLimit-Remaining"

type ClientOptions struct {
	BaseUrl string
	// sent as a bearer token when set.
	ApiKey            string
	MaxWorkers        int
	RequestsPerSecond float64
	Timeout           time.Duration
	// retries on transport errors, 429 and 5xx.
	MaxRetries int
	// when a page reports fewer remaining requests than this, the next page
	// is delayed by LowRateLimitBackoff.
	LowRateLimitThreshold int
	LowRateLimitBackoff   time.Duration

	Dump restyutil.Output
}

func DefaultClientOptions(baseUrl, apiKey string) ClientOptions {
	return ClientOptions{
		BaseUrl:               baseUrl,
		ApiKey:                apiKey,
		MaxWorkers:            5,
		RequestsPerSecond:     10,
		Timeout:               time.Second * 30,
		MaxRetries:            2,
		LowRateLimitThreshold: 5,
		LowRateLimitBackoff:   time.Second * 5,
	}
}

type Page struct {
	Data       []map[string]any
	NextCursor string
	// nil when the api does not report a total.
	TotalCount         *int64
	RateLimitRemaining int
}

// StatusError is returned for responses with a non-2xx status.
type StatusError struct {
	Url        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Url, e.StatusCode, e.Body)
}

type Client struct {
	baseUrl string
	opts    ClientOptions
	http    *resty.Client
	limiter *rate.Limiter
}

func NewClient(opts ClientOptions) (*Client, error) {
	parsed, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", opts.BaseUrl)
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	client := resty.New()
	client.SetHeader("Accept", "application/json")
	client.SetHeader("Content-Type", "application/json")
	if opts.ApiKey != "" {
		client.SetAuthToken(opts.ApiKey)
	}
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	if opts.MaxRetries > 0 {
		client.SetRetryCount(opts.MaxRetries)
		client.SetRetryWaitTime(time.Millisecond * 500)
		client.SetRetryMaxWaitTime(time.Second * 10)
		client.AddRetryCondition(func(res *resty.Response, err error) bool {
			if err != nil {
				return res == nil || res.Request == nil || res.Request.Context().Err() == nil
			}
			return res.StatusCode() == http.StatusTooManyRequests || res.StatusCode() >= 500
		})
	}
	telemetry.InstrumentResty(client, "ingestkit.lib.apis.rest/http")
	restyutil.DumpExchanges(client, opts.Dump)

	return &Client{
		baseUrl: strings.TrimRight(opts.BaseUrl, "/"),
		opts:    opts,
		http:    client,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

func (c *Client) url(endpoint string) string {
	return c.baseUrl + "/" + strings.TrimLeft(endpoint, "/")
}

type pageBody struct {
	Data       []map[string]any `json:"data"`
	NextCursor json.RawMessage  `json:"next_cursor"`
	TotalCount json.RawMessage  `json:"total_count"`
	Pagination *struct {
		Next  json.RawMessage `json:"next"`
		Total json.RawMessage `json:"total"`
	} `json:"pagination"`
}

// rawCursor turns a cursor of any json type into its string form, null and
// empty strings are no cursor.
func rawCursor(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var value any
	err := json.Unmarshal(raw, &value)
	if err != nil || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

// rawTotal reads a numeric total, fractions are truncated.
func rawTotal(raw json.RawMessage) *int64 {
	if len(raw) == 0 {
		return nil
	}
	var value any
	err := json.Unmarshal(raw, &value)
	if err != nil {
		return nil
	}
	switch v := value.(type) {
	case float64:
		total := int64(v)
		return &total
	case string:
		total, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil
		}
		return &total
	}
	return nil
}

func (b pageBody) page() Page {
	p := Page{
		Data:       b.Data,
		NextCursor: rawCursor(b.NextCursor),
		TotalCount: rawTotal(b.TotalCount),
	}
	if b.Pagination != nil {
		if p.NextCursor == "" {
			p.NextCursor = rawCursor(b.Pagination.Next)
		}
		if p.TotalCount == nil {
			p.TotalCount = rawTotal(b.Pagination.Total)
		}
	}
	return p
}

func rateLimitRemaining(headers http.Header) int {
	raw := headers.Get(rateLimitHeader)
	if raw == "" {
		return DefaultRateLimitRemaining
	}
	remaining, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return DefaultRateLimitRemaining
	}
	return remaining
}

// FetchPage fetches a single page of `endpoint`, an empty cursor requests
// the first page.
func (c *Client) FetchPage(ctx context.Context, endpoint, cursor string, pageSize int) (Page, error) {
	target := c.url(endpoint)

	ctx, span := tracer.Start(ctx, "rest:FetchPage")
	defer span.End()
	span.SetAttributes(
		attribute.String("url", target),
		attribute.String("cursor", cursor),
		attribute.Int("page_size", pageSize),
	)

	err := c.limiter.Wait(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limiter wait aborted")
		return Page{}, fmt.Errorf("fetch page %s: %w", target, err)
	}

	req := c.http.R().SetContext(ctx)
	if pageSize > 0 {
		req.SetQueryParam("limit", strconv.Itoa(pageSize))
	}
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}
	res, err := req.Get(target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch")
		return Page{}, fmt.Errorf("fetch page %s: %w", target, err)
	}
	if res.IsError() || res.StatusCode() < 200 || res.StatusCode() >= 300 {
		err := &StatusError{Url: target, StatusCode: res.StatusCode(), Body: string(res.Body())}
		span.RecordError(err)
		span.SetStatus(codes.Error, "unexpected status")
		return Page{}, err
	}

	var body pageBody
	err = json.Unmarshal(res.Body(), &body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse json response")
		return Page{}, fmt.Errorf("decode page %s: %w", target, err)
	}

	page := body.page()
	page.RateLimitRemaining = rateLimitRemaining(res.Header())
	span.SetAttributes(
		attribute.Int("items", len(page.Data)),
		attribute.Int("rate_limit_remaining", page.RateLimitRemaining),
	)
	pageCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
	return page, nil
}

// FetchAll follows cursors from the first page of `endpoint`, yielding every
// item. Iteration stops after `maxPages` pages (0 is unbounded), on an empty
// cursor or on an empty page. An error is yielded once and ends iteration.
func (c *Client) FetchAll(ctx context.Context, endpoint string, pageSize, maxPages int) iter.Seq2[map[string]any, error] {
	return func(yield func(map[string]any, error) bool) {
		cursor := ""
		for pages := 0; maxPages <= 0 || pages < maxPages; pages++ {
			page, err := c.FetchPage(ctx, endpoint, cursor, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(page.Data) == 0 {
				return
			}
			for _, item := range page.Data {
				if !yield(item, nil) {
					return
				}
			}
			if page.NextCursor == "" {
				return
			}
			cursor = page.NextCursor

			if page.RateLimitRemaining < c.opts.LowRateLimitThreshold {
				slog.WarnContext(
					ctx, "rate limit low, backing off",
					"endpoint", endpoint,
					"remaining", page.RateLimitRemaining,
					"backoff", c.opts.LowRateLimitBackoff,
				)
				timer := time.NewTimer(c.opts.LowRateLimitBackoff)
				select {
				case <-ctx.Done():
					timer.Stop()
					yield(nil, ctx.Err())
					return
				case <-timer.C:
				}
			}
		}
	}
}

// Collect gathers every item FetchAll yields. Items fetched before an error
// are returned alongside it.
func (c *Client) Collect(ctx context.Context, endpoint string, pageSize, maxPages int) ([]map[string]any, error) {
	var items []map[string]any
	for item, err := range c.FetchAll(ctx, endpoint, pageSize, maxPages) {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}

type Result struct {
	Page Page
	Err  error
}

// FetchParallel fetches the first page of every endpoint with at most
// `maxWorkers` requests in flight, maxWorkers <= 0 uses the client default.
// Every endpoint gets an entry in the result.
func (c *Client) FetchParallel(ctx context.Context, endpoints []string, pageSize, maxWorkers int) map[string]Result {
	ctx, span := tracer.Start(ctx, "rest:FetchParallel")
	defer span.End()

	if maxWorkers <= 0 {
		maxWorkers = c.opts.MaxWorkers
	}

	var mutex sync.Mutex
	results := make(map[string]Result, len(endpoints))

	group := errgroup.Group{}
	group.SetLimit(maxWorkers)
	for _, endpoint := range endpoints {
		group.Go(func() error {
			page, err := c.FetchPage(ctx, endpoint, "", pageSize)
			if err != nil {
				slog.ErrorContext(ctx, "failed to fetch endpoint", "endpoint", endpoint, "err", err)
			}
			mutex.Lock()
			results[endpoint] = Result{Page: page, Err: err}
			mutex.Unlock()
			return nil
		})
	}
	group.Wait()

	return results
}
