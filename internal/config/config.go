// Package config loads sitecheck configuration from CLI flags and
// environment variables, validates it, and provides defaults.
//
// Flags choose what to run (driver, scenarios, output). Environment
// variables carry the target, the session credential and sink secrets so
// they never appear in a process listing.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/sitecheck/internal/harness"
	"github.com/kuitang/sitecheck/internal/logutil"
	"github.com/kuitang/sitecheck/internal/report"
	"github.com/kuitang/sitecheck/internal/throttle"
	"github.com/kuitang/sitecheck/internal/urlutil"
)

// Driver names a browser backend.
type Driver string

const (
	DriverPlaywright Driver = "playwright"
	DriverChromedp   Driver = "chromedp"
	DriverStatic     Driver = "static"
)

const defaultAWSRegion = "auto"

// Config holds everything one run needs.
type Config struct {
	// Target
	BaseURL string

	// Browser
	Driver         Driver
	Headless       bool
	CDPURL         string // CDP_URL: attach to a running Chrome instead of launching one
	BrowserExec    string // CHROME_PATH for the chromedp driver
	ViewportWidth  int
	ViewportHeight int

	// Timing
	StepTimeout       time.Duration
	ScenarioTimeout   time.Duration
	NavigationTimeout time.Duration
	PollInterval      time.Duration
	Concurrency       int
	Throttle          throttle.Config

	// Session credential for "auth: true" scenarios; nil when unset.
	Session *harness.SessionCredential

	// Scenario selection
	Paths       []string
	Tags        []string
	NamePattern *regexp.Regexp

	// Output
	ReportFormat report.Format
	ReportOut    string // "" or "-" for stdout
	LogLevel     string

	// Report archive (uses AWS_ env vars)
	ReportBucket       string // REPORT_BUCKET
	AWSEndpointS3      string // AWS_ENDPOINT_URL_S3
	AWSRegion          string // AWS_REGION
	AWSAccessKeyID     string // AWS_ACCESS_KEY_ID
	AWSSecretAccessKey string // AWS_SECRET_ACCESS_KEY
	ReportPublicURL    string // REPORT_PUBLIC_URL

	// Failure notification
	ResendAPIKey string
	NotifyFrom   string
	NotifyTo     []string

	// Metrics
	PushgatewayURL string
	MetricsJob     string

	parseErrs []string
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Flags are the command-line values. Empty strings and zero values mean
// "use the environment".
type Flags struct {
	Driver      string
	BaseURL     string
	Concurrency int
	Format      string
	Out         string
	Headful     bool
	Tags        string
	Run         string
	Paths       []string
}

// ParseFlags parses args (without the program name). Positional arguments
// are scenario files or directories.
func ParseFlags(args []string, stderr io.Writer) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("sitecheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.Driver, "driver", "", "Browser backend: playwright, chromedp or static (overrides SITECHECK_DRIVER)")
	fs.StringVar(&f.BaseURL, "base-url", "", "Site under test (overrides BASE_URL)")
	fs.IntVar(&f.Concurrency, "concurrency", 0, "Scenarios run in parallel (overrides CONCURRENCY)")
	fs.StringVar(&f.Format, "format", "", "Report format: text, json, markdown or html (overrides REPORT_FORMAT)")
	fs.StringVar(&f.Out, "out", "", "Write the report to this file instead of stdout")
	fs.BoolVar(&f.Headful, "headful", false, "Show the browser window")
	fs.StringVar(&f.Tags, "tags", "", "Comma-separated tags; run scenarios carrying any of them")
	fs.StringVar(&f.Run, "run", "", "Regular expression; run scenarios whose name matches")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: sitecheck [flags] scenario.yaml|dir ...")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	f.Paths = fs.Args()
	return f, nil
}

// LoadConfig merges flags over environment variables and validates the
// result.
func LoadConfig(f Flags) (*Config, error) {
	cfg := &Config{}

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("BASE_URL")), "/")
	if f.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(strings.TrimSpace(f.BaseURL), "/")
	}

	// Browser
	cfg.Driver = Driver(strings.ToLower(getEnvOrDefault("SITECHECK_DRIVER", string(DriverPlaywright))))
	if f.Driver != "" {
		cfg.Driver = Driver(strings.ToLower(f.Driver))
	}
	cfg.Headless = cfg.parseBoolOrDefault("HEADLESS", true)
	if f.Headful {
		cfg.Headless = false
	}
	cfg.CDPURL = strings.TrimSpace(os.Getenv("CDP_URL"))
	cfg.BrowserExec = strings.TrimSpace(os.Getenv("CHROME_PATH"))
	cfg.ViewportWidth = cfg.parseIntOrDefault("VIEWPORT_WIDTH", 1280)
	cfg.ViewportHeight = cfg.parseIntOrDefault("VIEWPORT_HEIGHT", 800)

	// Timing
	cfg.StepTimeout = cfg.parseDurationOrDefault("STEP_TIMEOUT", harness.DefaultStepTimeout)
	cfg.ScenarioTimeout = cfg.parseDurationOrDefault("SCENARIO_TIMEOUT", harness.DefaultScenarioTimeout)
	cfg.NavigationTimeout = cfg.parseDurationOrDefault("NAVIGATION_TIMEOUT", harness.DefaultNavigationTimeout)
	cfg.PollInterval = cfg.parseDurationOrDefault("POLL_INTERVAL", 100*time.Millisecond)
	cfg.Concurrency = cfg.parseIntOrDefault("CONCURRENCY", 4)
	if f.Concurrency != 0 {
		cfg.Concurrency = f.Concurrency
	}
	cfg.Throttle = throttle.Config{
		RPS:             cfg.parseFloat64OrDefault("NAV_RPS", throttle.DefaultConfig.RPS),
		Burst:           cfg.parseIntOrDefault("NAV_BURST", throttle.DefaultConfig.Burst),
		CleanupInterval: throttle.DefaultConfig.CleanupInterval,
	}

	// Session credential
	if name := strings.TrimSpace(os.Getenv("SESSION_COOKIE_NAME")); name != "" {
		cfg.Session = &harness.SessionCredential{
			CookieName:  name,
			CookieValue: os.Getenv("SESSION_COOKIE_VALUE"),
			Domain:      strings.TrimSpace(os.Getenv("SESSION_COOKIE_DOMAIN")),
			Path:        strings.TrimSpace(os.Getenv("SESSION_COOKIE_PATH")),
		}
	}

	// Scenario selection
	cfg.Paths = f.Paths
	if len(cfg.Paths) == 0 {
		if dir := strings.TrimSpace(os.Getenv("SCENARIO_DIR")); dir != "" {
			cfg.Paths = []string{dir}
		}
	}
	cfg.Tags = splitList(f.Tags)
	if f.Run != "" {
		re, err := regexp.Compile(f.Run)
		if err != nil {
			cfg.parseErrs = append(cfg.parseErrs, fmt.Sprintf("-run: %v", err))
		}
		cfg.NamePattern = re
	}

	// Output
	format := getEnvOrDefault("REPORT_FORMAT", string(report.FormatText))
	if f.Format != "" {
		format = f.Format
	}
	if parsed, err := report.ParseFormat(format); err != nil {
		cfg.parseErrs = append(cfg.parseErrs, err.Error())
	} else {
		cfg.ReportFormat = parsed
	}
	cfg.ReportOut = f.Out
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Report archive
	cfg.ReportBucket = strings.TrimSpace(os.Getenv("REPORT_BUCKET"))
	cfg.AWSEndpointS3 = strings.TrimSpace(os.Getenv("AWS_ENDPOINT_URL_S3"))
	cfg.AWSRegion = getEnvOrDefault("AWS_REGION", defaultAWSRegion)
	cfg.AWSAccessKeyID = strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID"))
	cfg.AWSSecretAccessKey = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY"))
	cfg.ReportPublicURL = strings.TrimSpace(os.Getenv("REPORT_PUBLIC_URL"))

	// Failure notification
	cfg.ResendAPIKey = strings.TrimSpace(os.Getenv("RESEND_API_KEY"))
	cfg.NotifyFrom = getEnvOrDefault("NOTIFY_FROM", "sitecheck@localhost")
	cfg.NotifyTo = splitList(os.Getenv("NOTIFY_TO"))

	// Metrics
	cfg.PushgatewayURL = strings.TrimSpace(os.Getenv("PUSHGATEWAY_URL"))
	cfg.MetricsJob = getEnvOrDefault("METRICS_JOB", "sitecheck")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can drive a run. Every problem is
// reported at once.
func (c *Config) Validate() error {
	errs := append([]string(nil), c.parseErrs...)

	if c.BaseURL == "" {
		errs = append(errs, "BASE_URL is required (set env var or use -base-url)")
	} else if host := urlutil.Host(c.BaseURL); host == "" || !(strings.HasPrefix(c.BaseURL, "http://") || strings.HasPrefix(c.BaseURL, "https://")) {
		errs = append(errs, fmt.Sprintf("BASE_URL must be an absolute http(s) URL, got %q", c.BaseURL))
	}

	switch c.Driver {
	case DriverPlaywright, DriverChromedp, DriverStatic:
	default:
		errs = append(errs, fmt.Sprintf("SITECHECK_DRIVER must be playwright, chromedp or static, got %q", c.Driver))
	}

	if len(c.Paths) == 0 {
		errs = append(errs, "no scenario files given (pass paths as arguments or set SCENARIO_DIR)")
	}

	for name, d := range map[string]time.Duration{
		"STEP_TIMEOUT":       c.StepTimeout,
		"SCENARIO_TIMEOUT":   c.ScenarioTimeout,
		"NAVIGATION_TIMEOUT": c.NavigationTimeout,
		"POLL_INTERVAL":      c.PollInterval,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	if c.StepTimeout > 0 && c.ScenarioTimeout > 0 && c.StepTimeout > c.ScenarioTimeout {
		errs = append(errs, "STEP_TIMEOUT must not exceed SCENARIO_TIMEOUT")
	}
	if c.Concurrency < 1 {
		errs = append(errs, "CONCURRENCY must be at least 1")
	}
	if c.Throttle.RPS < 0 {
		errs = append(errs, "NAV_RPS must not be negative (0 disables pacing)")
	}
	if c.Throttle.Burst < 1 {
		errs = append(errs, "NAV_BURST must be at least 1")
	}

	if c.Session != nil && c.Session.CookieValue == "" {
		errs = append(errs, "SESSION_COOKIE_VALUE is required when SESSION_COOKIE_NAME is set")
	}

	// Sinks are optional, but half-configured ones are mistakes.
	if c.ReportBucket != "" && (c.AWSAccessKeyID == "") != (c.AWSSecretAccessKey == "") {
		errs = append(errs, "AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
	}
	if len(c.NotifyTo) > 0 && c.ResendAPIKey == "" {
		errs = append(errs, "RESEND_API_KEY is required when NOTIFY_TO is set")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// ArchiveEnabled reports whether reports are uploaded.
func (c *Config) ArchiveEnabled() bool { return c.ReportBucket != "" }

// NotifyEnabled reports whether failures are emailed.
func (c *Config) NotifyEnabled() bool { return c.ResendAPIKey != "" && len(c.NotifyTo) > 0 }

// Warnings lists settings that are legal but probably unintended.
func (c *Config) Warnings() []string {
	var out []string
	host := urlutil.Host(c.BaseURL)
	if strings.HasPrefix(c.BaseURL, "http://") && host != "" && !urlutil.IsLocalHost(host) {
		out = append(out, fmt.Sprintf("BASE_URL %s is plain http; session cookies will be sent unencrypted", c.BaseURL))
	}
	if c.Session != nil && c.Session.Domain != "" && host != "" && !domainCovers(c.Session.Domain, host) {
		out = append(out, fmt.Sprintf("SESSION_COOKIE_DOMAIN %s does not cover %s; the cookie will not be sent", c.Session.Domain, host))
	}
	if c.Driver == DriverStatic {
		out = append(out, "static driver runs no JavaScript; script-driven pages will fail visibility checks")
	}
	return out
}

// domainCovers reports whether a cookie scoped to domain is sent to host:
// the host itself or any subdomain of it, matched on label boundaries.
func domainCovers(domain, host string) bool {
	domain = strings.TrimPrefix(strings.ToLower(domain), ".")
	host = strings.ToLower(host)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// PrintStartupSummary prints a human-readable summary of the configuration.
func (c *Config) PrintStartupSummary(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "sitecheck starting...")
	fmt.Fprintf(w, "  Target:   %s\n", c.BaseURL)

	switch {
	case c.Driver == DriverStatic:
		fmt.Fprintln(w, "  Driver:   static (HTTP + goquery)")
	case c.CDPURL != "":
		fmt.Fprintf(w, "  Driver:   %s (attached to %s)\n", c.Driver, c.CDPURL)
	default:
		fmt.Fprintf(w, "  Driver:   %s (headless: %t)\n", c.Driver, c.Headless)
	}
	fmt.Fprintf(w, "  Workers:  %d (step %s, scenario %s)\n", c.Concurrency, c.StepTimeout, c.ScenarioTimeout)

	if c.Session != nil {
		fmt.Fprintf(w, "  Session:  %s\n", logutil.CookieForLog(c.Session.CookieName, c.Session.CookieValue))
	} else {
		fmt.Fprintln(w, "  Session:  none")
	}
	if c.ArchiveEnabled() {
		fmt.Fprintf(w, "  Archive:  s3://%s\n", c.ReportBucket)
	}
	if c.NotifyEnabled() {
		fmt.Fprintf(w, "  Notify:   %s on failure\n", strings.Join(c.NotifyTo, ", "))
	}
	if c.PushgatewayURL != "" {
		fmt.Fprintf(w, "  Metrics:  %s\n", c.PushgatewayURL)
	}
	for _, warning := range c.Warnings() {
		fmt.Fprintf(w, "  WARNING:  %s\n", warning)
	}
	fmt.Fprintln(w, "")
}

// Helper functions for parsing environment variables. Unparseable values
// are recorded and reported by Validate.

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func (c *Config) parseIntOrDefault(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Sprintf("%s must be an integer, got %q", key, value))
		return defaultValue
	}
	return parsed
}

func (c *Config) parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Sprintf("%s must be a number, got %q", key, value))
		return defaultValue
	}
	return parsed
}

func (c *Config) parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Sprintf("%s must be a duration like 5s, got %q", key, value))
		return defaultValue
	}
	return parsed
}

func (c *Config) parseBoolOrDefault(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Sprintf("%s must be true or false, got %q", key, value))
		return defaultValue
	}
	return parsed
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsValidationError reports whether err came from Validate.
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}
