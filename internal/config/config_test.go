package config

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/sitecheck/internal/harness"
	"github.com/kuitang/sitecheck/internal/report"
	"github.com/kuitang/sitecheck/internal/throttle"
)

func validTestConfig() Config {
	return Config{
		BaseURL:           "https://staging.example.com",
		Driver:            DriverPlaywright,
		Headless:          true,
		StepTimeout:       5 * time.Second,
		ScenarioTimeout:   2 * time.Minute,
		NavigationTimeout: 30 * time.Second,
		PollInterval:      100 * time.Millisecond,
		Concurrency:       4,
		Throttle:          throttle.DefaultConfig,
		Paths:             []string{"scenarios"},
		ReportFormat:      report.FormatText,
	}
}

// envKeys are cleared before each LoadConfig test so the host environment
// cannot leak in.
var envKeys = []string{
	"BASE_URL", "SITECHECK_DRIVER", "HEADLESS", "CDP_URL", "CHROME_PATH",
	"VIEWPORT_WIDTH", "VIEWPORT_HEIGHT", "STEP_TIMEOUT", "SCENARIO_TIMEOUT",
	"NAVIGATION_TIMEOUT", "POLL_INTERVAL", "CONCURRENCY", "NAV_RPS", "NAV_BURST",
	"SESSION_COOKIE_NAME", "SESSION_COOKIE_VALUE", "SESSION_COOKIE_DOMAIN",
	"SESSION_COOKIE_PATH", "SCENARIO_DIR", "REPORT_FORMAT", "LOG_LEVEL",
	"REPORT_BUCKET", "AWS_ENDPOINT_URL_S3", "AWS_REGION", "AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY", "REPORT_PUBLIC_URL", "RESEND_API_KEY", "NOTIFY_FROM",
	"NOTIFY_TO", "PUSHGATEWAY_URL", "METRICS_JOB",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestValidate_MinimalConfigPasses(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	t.Parallel()
	cfg := Config{Driver: "selenium", Throttle: throttle.Config{RPS: -1}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	msg := err.Error()
	for _, expected := range []string{
		"BASE_URL is required",
		"SITECHECK_DRIVER",
		"no scenario files",
		"STEP_TIMEOUT must be positive",
		"SCENARIO_TIMEOUT must be positive",
		"CONCURRENCY",
		"NAV_RPS",
		"NAV_BURST",
	} {
		assert.Contains(t, msg, expected)
	}
}

func TestValidate_Sinks(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	cfg.Session = &harness.SessionCredential{CookieName: "session_id"}
	cfg.ReportBucket = "reports"
	cfg.AWSAccessKeyID = "key-only"
	cfg.NotifyTo = []string{"oncall@example.com"}

	err := cfg.Validate()
	require.Error(t, err)
	for _, expected := range []string{"SESSION_COOKIE_VALUE", "AWS_SECRET_ACCESS_KEY", "RESEND_API_KEY"} {
		assert.Contains(t, err.Error(), expected)
	}

	cfg.Session.CookieValue = "abc"
	cfg.AWSSecretAccessKey = "secret"
	cfg.ResendAPIKey = "re_123"
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.ArchiveEnabled())
	assert.True(t, cfg.NotifyEnabled())
}

func testValidate_RejectsBadBaseURL(t *rapid.T) {
	cfg := validTestConfig()
	cfg.BaseURL = rapid.SampledFrom([]string{
		"staging.example.com", "ftp://example.com", "https://", "/relative", "example.com:8080",
	}).Draw(t, "base_url")
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "BASE_URL") {
		t.Fatalf("expected BASE_URL error for %q, got %v", cfg.BaseURL, err)
	}
}

func TestValidate_RejectsBadBaseURL(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testValidate_RejectsBadBaseURL)
}

func testValidate_StepTimeoutWithinScenario(t *rapid.T) {
	cfg := validTestConfig()
	cfg.ScenarioTimeout = time.Duration(rapid.IntRange(1, 600).Draw(t, "scenario_s")) * time.Second
	cfg.StepTimeout = time.Duration(rapid.IntRange(1, 600).Draw(t, "step_s")) * time.Second
	err := cfg.Validate()
	if (cfg.StepTimeout > cfg.ScenarioTimeout) != (err != nil) {
		t.Fatalf("step=%s scenario=%s err=%v", cfg.StepTimeout, cfg.ScenarioTimeout, err)
	}
}

func TestValidate_StepTimeoutWithinScenario(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testValidate_StepTimeoutWithinScenario)
}

func TestLoadConfig_EnvAndFlags(t *testing.T) {
	clearEnv(t)
	t.Setenv("BASE_URL", "https://staging.example.com/")
	t.Setenv("SITECHECK_DRIVER", "chromedp")
	t.Setenv("STEP_TIMEOUT", "3s")
	t.Setenv("CONCURRENCY", "2")
	t.Setenv("NAV_RPS", "0")
	t.Setenv("SESSION_COOKIE_NAME", "session_id")
	t.Setenv("SESSION_COOKIE_VALUE", "s3cr3t-value")
	t.Setenv("NOTIFY_TO", "a@example.com, b@example.com,")
	t.Setenv("RESEND_API_KEY", "re_123")

	cfg, err := LoadConfig(Flags{
		Driver:      "STATIC",
		Concurrency: 8,
		Format:      "md",
		Headful:     true,
		Tags:        "smoke,auth",
		Run:         "^login",
		Paths:       []string{"a.yaml", "dir"},
	})
	require.NoError(t, err)

	assert.Equal(t, "https://staging.example.com", cfg.BaseURL)
	assert.Equal(t, DriverStatic, cfg.Driver)
	assert.False(t, cfg.Headless)
	assert.Equal(t, 3*time.Second, cfg.StepTimeout)
	assert.Equal(t, harness.DefaultScenarioTimeout, cfg.ScenarioTimeout)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 0.0, cfg.Throttle.RPS)
	assert.Equal(t, report.FormatMarkdown, cfg.ReportFormat)
	assert.Equal(t, []string{"smoke", "auth"}, cfg.Tags)
	assert.True(t, cfg.NamePattern.MatchString("login flow"))
	assert.Equal(t, []string{"a.yaml", "dir"}, cfg.Paths)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.NotifyTo)
	require.NotNil(t, cfg.Session)
	assert.Equal(t, "s3cr3t-value", cfg.Session.CookieValue)
	assert.Equal(t, "auto", cfg.AWSRegion)
}

func TestLoadConfig_ScenarioDirFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("BASE_URL", "http://localhost:8080")
	t.Setenv("SCENARIO_DIR", "./scenarios")

	cfg, err := LoadConfig(Flags{})
	require.NoError(t, err)
	assert.Equal(t, []string{"./scenarios"}, cfg.Paths)
	assert.Equal(t, DriverPlaywright, cfg.Driver)
	assert.True(t, cfg.Headless)
	assert.Nil(t, cfg.Session)
}

func TestLoadConfig_BadValuesAreReported(t *testing.T) {
	clearEnv(t)
	t.Setenv("BASE_URL", "https://staging.example.com")
	t.Setenv("STEP_TIMEOUT", "5")
	t.Setenv("CONCURRENCY", "many")
	t.Setenv("HEADLESS", "sometimes")

	_, err := LoadConfig(Flags{Paths: []string{"x.yaml"}, Format: "pdf", Run: "("})
	require.Error(t, err)
	for _, expected := range []string{"STEP_TIMEOUT", "CONCURRENCY", "HEADLESS", "report format", "-run"} {
		assert.Contains(t, err.Error(), expected)
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()
	f, err := ParseFlags([]string{"-driver", "static", "-concurrency=3", "-headful", "-out", "r.json", "one.yaml", "two"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, Flags{Driver: "static", Concurrency: 3, Headful: true, Out: "r.json", Paths: []string{"one.yaml", "two"}}, f)

	var stderr bytes.Buffer
	_, err = ParseFlags([]string{"-nope"}, &stderr)
	assert.Error(t, err)
	assert.Contains(t, stderr.String(), "usage: sitecheck")
}

func TestWarnings(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	assert.Empty(t, cfg.Warnings())

	cfg.BaseURL = "http://localhost:8080"
	assert.Empty(t, cfg.Warnings(), "loopback over http is fine")

	cfg.BaseURL = "http://staging.example.com"
	cfg.Session = &harness.SessionCredential{CookieName: "sid", CookieValue: "v", Domain: ".other.example.org"}
	cfg.Driver = DriverStatic
	warnings := strings.Join(cfg.Warnings(), "\n")
	assert.Contains(t, warnings, "plain http")
	assert.Contains(t, warnings, "does not cover staging.example.com")
	assert.Contains(t, warnings, "no JavaScript")

	cfg.Session.Domain = ".example.com"
	assert.NotContains(t, strings.Join(cfg.Warnings(), "\n"), "does not cover")
}

func TestWarnings_CookieDomainMatchesOnLabels(t *testing.T) {
	t.Parallel()
	cases := []struct {
		baseURL string
		domain  string
		covered bool
	}{
		{"https://notexample.com", "example.com", false},
		{"https://notexample.com", ".example.com", false},
		{"https://staging.example.com", ".example.com", true},
		{"https://staging.example.com", "example.com", true},
		{"https://example.com", ".example.com", true},
		{"https://Staging.Example.com", "EXAMPLE.com", true},
		{"https://example.com", "staging.example.com", false},
	}
	for _, tc := range cases {
		t.Run(tc.baseURL+" "+tc.domain, func(t *testing.T) {
			t.Parallel()
			cfg := validTestConfig()
			cfg.BaseURL = tc.baseURL
			cfg.Session = &harness.SessionCredential{CookieName: "sid", CookieValue: "v", Domain: tc.domain}
			warned := strings.Contains(strings.Join(cfg.Warnings(), "\n"), "does not cover")
			assert.Equal(t, !tc.covered, warned)
		})
	}
}

func TestPrintStartupSummary_RedactsSession(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	cfg.Session = &harness.SessionCredential{CookieName: "session_id", CookieValue: "super-secret-session-token"}
	cfg.ReportBucket = "reports"
	cfg.PushgatewayURL = "http://pushgateway:9091"

	var buf bytes.Buffer
	cfg.PrintStartupSummary(&buf)
	out := buf.String()
	assert.Contains(t, out, "https://staging.example.com")
	assert.Contains(t, out, "session_id=")
	assert.NotContains(t, out, "super-secret-session-token")
	assert.Contains(t, out, "s3://reports")
	assert.Contains(t, out, "pushgateway:9091")
}
