package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"ingestkit/lib/configutil"
	"ingestkit/lib/notify"
	"ingestkit/lib/sqliteutil"

	"github.com/antzucaro/matchr"
	"github.com/go-playground/validator/v10"
)

const DefaultFile = "ingest.json5"

const (
	KindScrape = "scrape"
	KindApi    = "api"
)

type ScraperConfig struct {
	Name    string   `json:"name" validate:"required"`
	BaseUrl string   `json:"base_url" validate:"required,url"`
	Paths   []string `json:"paths" validate:"required,min=1"`
	// retries after the first attempt, nil uses 3.
	MaxRetries       *int     `json:"max_retries" validate:"omitempty,min=0"`
	Backoff          string   `json:"backoff"`
	RateLimitDelay   string   `json:"rate_limit_delay"`
	Timeout          string   `json:"timeout"`
	UserAgents       []string `json:"user_agents"`
	CloudflareBypass bool     `json:"cloudflare_bypass"`
	// badger directory, caching is disabled when empty.
	CacheDir string `json:"cache_dir"`
	CacheTTL string `json:"cache_ttl"`
}

type ApiConfig struct {
	Name              string  `json:"name" validate:"required"`
	BaseUrl           string  `json:"base_url" validate:"required,url"`
	ApiKey            string  `json:"api_key"`
	Endpoint          string  `json:"endpoint" validate:"required"`
	PageSize          int     `json:"page_size" validate:"min=0"`
	MaxPages          int     `json:"max_pages" validate:"min=0"`
	RequestsPerSecond float64 `json:"requests_per_second" validate:"min=0"`
	// field of each item used as its record key, defaults to "id".
	KeyField string `json:"key_field"`
	// when set, fetched items are also written to this parquet file.
	ParquetOut string `json:"parquet_out"`
}

type JobConfig struct {
	Name     string `json:"name" validate:"required"`
	Schedule string `json:"schedule" validate:"required"`
	Kind     string `json:"kind" validate:"oneof=scrape api"`
	// name of the scraper or api the job runs.
	Source      string `json:"source" validate:"required"`
	Timeout     string `json:"timeout"`
	MaxAttempts int    `json:"max_attempts" validate:"min=0"`
	TripAfter   int    `json:"trip_after"`
}

type Pipeline struct {
	Database sqliteutil.Config  `json:"database"`
	Timezone string             `json:"timezone"`
	Scrapers []ScraperConfig    `json:"scrapers" validate:"dive"`
	Apis     []ApiConfig        `json:"apis" validate:"dive"`
	Jobs     []JobConfig        `json:"jobs" validate:"dive"`
	Notify   *notify.EmailConfig `json:"notify"`
}

// Load reads the pipeline config at `path` (merged with its .local
// override), resolves env: secrets and validates it.
func Load(path string) (Pipeline, error) {
	p, err := configutil.ReadConfig[Pipeline](path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read %s: %w", path, err)
	}
	err = p.resolveSecrets()
	if err != nil {
		return Pipeline{}, err
	}
	err = p.Validate()
	if err != nil {
		return Pipeline{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return p, nil
}

func (p *Pipeline) resolveSecrets() error {
	var err error
	for i := range p.Apis {
		p.Apis[i].ApiKey, err = configutil.ResolveEnv(p.Apis[i].ApiKey)
		if err != nil {
			return fmt.Errorf("api %s: %w", p.Apis[i].Name, err)
		}
	}
	p.Database.AuthToken, err = configutil.ResolveEnv(p.Database.AuthToken)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if p.Notify != nil {
		p.Notify.Password, err = configutil.ResolveEnv(p.Notify.Password)
		if err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func checkDuration(owner, field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", owner, field, err)
	}
	if d < 0 {
		return fmt.Errorf("%s: %s must not be negative", owner, field)
	}
	return nil
}

// minSimilarity is the Jaro-Winkler score a name needs to be suggested.
const minSimilarity = 0.8

// closest returns the known name most similar to `name`, or "" when none
// is similar enough.
func closest(name string, known map[string]bool) string {
	best, bestScore := "", minSimilarity
	for _, candidate := range slices.Sorted(maps.Keys(known)) {
		score := matchr.JaroWinkler(name, candidate, false)
		if score > bestScore {
			best, bestScore = candidate, score
		}
	}
	return best
}

func unknownSource(job, kind, source string, known map[string]bool) error {
	suggestion := closest(source, known)
	if suggestion == "" {
		return fmt.Errorf("job %s: unknown %s %q", job, kind, source)
	}
	return fmt.Errorf("job %s: unknown %s %q (did you mean %q?)", job, kind, source, suggestion)
}

// Validate checks field rules, name uniqueness and that every job refers
// to a source of its kind. All problems are reported together.
func (p Pipeline) Validate() error {
	var errs []error
	err := validate.Struct(p)
	if err != nil {
		errs = append(errs, err)
	}

	scrapers := map[string]bool{}
	for _, s := range p.Scrapers {
		if scrapers[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate scraper %q", s.Name))
		}
		scrapers[s.Name] = true
		owner := "scraper " + s.Name
		errs = append(errs,
			checkDuration(owner, "backoff", s.Backoff),
			checkDuration(owner, "rate_limit_delay", s.RateLimitDelay),
			checkDuration(owner, "timeout", s.Timeout),
			checkDuration(owner, "cache_ttl", s.CacheTTL),
		)
	}

	apis := map[string]bool{}
	for _, a := range p.Apis {
		if apis[a.Name] {
			errs = append(errs, fmt.Errorf("duplicate api %q", a.Name))
		}
		apis[a.Name] = true
	}

	jobs := map[string]bool{}
	for _, j := range p.Jobs {
		if jobs[j.Name] {
			errs = append(errs, fmt.Errorf("duplicate job %q", j.Name))
		}
		jobs[j.Name] = true
		errs = append(errs, checkDuration("job "+j.Name, "timeout", j.Timeout))

		switch j.Kind {
		case KindScrape:
			if !scrapers[j.Source] {
				errs = append(errs, unknownSource(j.Name, "scraper", j.Source, scrapers))
			}
		case KindApi:
			if !apis[j.Source] {
				errs = append(errs, unknownSource(j.Name, "api", j.Source, apis))
			}
		}
	}

	if p.Timezone != "" {
		_, err := time.LoadLocation(p.Timezone)
		if err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Location is the configured timezone, time.Local when unset.
func (p Pipeline) Location() *time.Location {
	if p.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (p Pipeline) Scraper(name string) (ScraperConfig, bool) {
	for _, s := range p.Scrapers {
		if s.Name == name {
			return s, true
		}
	}
	return ScraperConfig{}, false
}

func (p Pipeline) Api(name string) (ApiConfig, bool) {
	for _, a := range p.Apis {
		if a.Name == name {
			return a, true
		}
	}
	return ApiConfig{}, false
}

func (p Pipeline) Job(name string) (JobConfig, bool) {
	for _, j := range p.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobConfig{}, false
}

// duration parses a value already checked by Validate, empty values yield
// `fallback`.
func duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func (s ScraperConfig) BackoffDuration() time.Duration {
	return duration(s.Backoff, time.Second)
}

func (s ScraperConfig) RateLimitDuration() time.Duration {
	return duration(s.RateLimitDelay, time.Second)
}

func (s ScraperConfig) TimeoutDuration() time.Duration {
	return duration(s.Timeout, 30*time.Second)
}

func (s ScraperConfig) CacheTTLDuration() time.Duration {
	return duration(s.CacheTTL, time.Hour)
}

func (s ScraperConfig) Retries() int {
	if s.MaxRetries == nil {
		return 3
	}
	return *s.MaxRetries
}

func (j JobConfig) TimeoutDuration() time.Duration {
	return duration(j.Timeout, 0)
}
