package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ingestkit/lib/notify"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
	database: {file: ":memory:"},
	timezone: "UTC",
	scrapers: [{
		name: "quotes",
		base_url: "https://quotes.example.com",
		paths: ["/page/1", "/page/2"],
		rate_limit_delay: "250ms",
	}],
	apis: [{
		name: "products",
		base_url: "https://api.example.com/v1",
		api_key: "env:INGESTKIT_TEST_API_KEY",
		endpoint: "products",
		page_size: 50,
	}],
	jobs: [
		{name: "scrape-quotes", schedule: "@every 1h", kind: "scrape", source: "quotes"},
		{name: "sync-products", schedule: "0 */6 * * *", kind: "api", source: "products", timeout: "10m"},
	],
}`

func writeConfig(t testing.TB, contents string) string {
	path := filepath.Join(t.TempDir(), "ingest.json5")
	err := os.WriteFile(path, []byte(contents), 0600)
	require.NoError(t, err)
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("INGESTKIT_TEST_API_KEY", "secret-key")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Equal(t, ":memory:", cfg.Database.File)
	require.Equal(t, time.UTC, cfg.Location())

	api, ok := cfg.Api("products")
	require.True(t, ok)
	require.Equal(t, "secret-key", api.ApiKey)
	require.Equal(t, 50, api.PageSize)

	scraper, ok := cfg.Scraper("quotes")
	require.True(t, ok)
	require.Equal(t, 250*time.Millisecond, scraper.RateLimitDuration())
	require.Equal(t, time.Second, scraper.BackoffDuration())
	require.Equal(t, 30*time.Second, scraper.TimeoutDuration())
	require.Equal(t, 3, scraper.Retries())

	job, ok := cfg.Job("sync-products")
	require.True(t, ok)
	require.Equal(t, 10*time.Minute, job.TimeoutDuration())

	_, ok = cfg.Job("missing")
	require.False(t, ok)
}

func TestLoadMissingSecret(t *testing.T) {
	_, err := Load(writeConfig(t, sampleConfig))
	require.ErrorContains(t, err, "INGESTKIT_TEST_API_KEY")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func validPipeline() Pipeline {
	return Pipeline{
		Scrapers: []ScraperConfig{{
			Name:    "quotes",
			BaseUrl: "https://quotes.example.com",
			Paths:   []string{"/"},
		}},
		Apis: []ApiConfig{{
			Name:     "products",
			BaseUrl:  "https://api.example.com",
			Endpoint: "products",
		}},
		Jobs: []JobConfig{
			{Name: "a", Schedule: "@hourly", Kind: KindScrape, Source: "quotes"},
			{Name: "b", Schedule: "@daily", Kind: KindApi, Source: "products"},
		},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validPipeline().Validate())

	testCases := []struct {
		name   string
		mutate func(p *Pipeline)
		expect string
	}{
		{
			name:   "unknown kind",
			mutate: func(p *Pipeline) { p.Jobs[0].Kind = "ftp" },
			expect: "oneof",
		},
		{
			name:   "missing base url",
			mutate: func(p *Pipeline) { p.Scrapers[0].BaseUrl = "" },
			expect: "BaseUrl",
		},
		{
			name:   "no paths",
			mutate: func(p *Pipeline) { p.Scrapers[0].Paths = nil },
			expect: "Paths",
		},
		{
			name:   "duplicate job",
			mutate: func(p *Pipeline) { p.Jobs[1].Name = "a" },
			expect: `duplicate job "a"`,
		},
		{
			name:   "unknown scraper",
			mutate: func(p *Pipeline) { p.Jobs[0].Source = "products" },
			expect: `unknown scraper "products"`,
		},
		{
			name:   "unknown api",
			mutate: func(p *Pipeline) { p.Jobs[1].Source = "quotes" },
			expect: `unknown api "quotes"`,
		},
		{
			name:   "bad duration",
			mutate: func(p *Pipeline) { p.Scrapers[0].Backoff = "soon" },
			expect: "scraper quotes: backoff",
		},
		{
			name:   "negative duration",
			mutate: func(p *Pipeline) { p.Jobs[0].Timeout = "-1s" },
			expect: "must not be negative",
		},
		{
			name:   "bad timezone",
			mutate: func(p *Pipeline) { p.Timezone = "Mars/Olympus" },
			expect: "timezone",
		},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			p := validPipeline()
			test.mutate(&p)
			require.ErrorContains(t, p.Validate(), test.expect)
		})
	}
}

func TestValidateSuggestsSource(t *testing.T) {
	p := validPipeline()
	p.Jobs[0].Source = "quotse"
	require.ErrorContains(t, p.Validate(), `unknown scraper "quotse" (did you mean "quotes"?)`)

	p = validPipeline()
	p.Jobs[1].Source = "weather"
	err := p.Validate()
	require.ErrorContains(t, err, `unknown api "weather"`)
	require.NotContains(t, err.Error(), "did you mean")
}

func TestValidateJoinsErrors(t *testing.T) {
	p := validPipeline()
	p.Jobs[0].Source = "x"
	p.Jobs[1].Source = "y"
	err := p.Validate()
	require.ErrorContains(t, err, `unknown scraper "x"`)
	require.ErrorContains(t, err, `unknown api "y"`)
}

func TestValidateReportsRulesWithReferences(t *testing.T) {
	p := validPipeline()
	p.Scrapers[0].Paths = nil
	p.Jobs[1].Name = "a"
	p.Jobs[1].Source = "y"
	p.Scrapers[0].Backoff = "soon"
	err := p.Validate()
	require.ErrorContains(t, err, "Paths")
	require.ErrorContains(t, err, `duplicate job "a"`)
	require.ErrorContains(t, err, `unknown api "y"`)
	require.ErrorContains(t, err, "scraper quotes: backoff")
}

func TestResolveNotifySecret(t *testing.T) {
	t.Setenv("INGESTKIT_TEST_SMTP", "smtp-pass")
	p := validPipeline()
	p.Notify = &notify.EmailConfig{Server: "smtp.example.com", Port: 587, Password: "env:INGESTKIT_TEST_SMTP"}
	require.NoError(t, p.resolveSecrets())
	require.Equal(t, "smtp-pass", p.Notify.Password)
}
