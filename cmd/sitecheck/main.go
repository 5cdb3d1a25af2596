// sitecheck runs YAML-defined UI scenarios against a website and reports
// which ones passed.
//
// Exit status is 0 when no scenario failed, 1 when at least one did (or the
// browser could not be started), and 2 for configuration errors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/kuitang/sitecheck/internal/browser"
	"github.com/kuitang/sitecheck/internal/browser/cdpdriver"
	"github.com/kuitang/sitecheck/internal/browser/htmldriver"
	"github.com/kuitang/sitecheck/internal/browser/pwdriver"
	"github.com/kuitang/sitecheck/internal/config"
	"github.com/kuitang/sitecheck/internal/harness"
	"github.com/kuitang/sitecheck/internal/metrics"
	"github.com/kuitang/sitecheck/internal/notify"
	"github.com/kuitang/sitecheck/internal/obs"
	"github.com/kuitang/sitecheck/internal/report"
	"github.com/kuitang/sitecheck/internal/reportstore"
	"github.com/kuitang/sitecheck/internal/scenario"
	"github.com/kuitang/sitecheck/internal/throttle"
)

const sinkTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags, err := config.ParseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return report.ExitOK
	}
	if err != nil {
		return report.ExitConfig
	}
	cfg, err := config.LoadConfig(flags)
	if err != nil {
		fmt.Fprintln(stderr, err)
		if config.IsValidationError(err) {
			fmt.Fprintln(stderr, "run sitecheck -h for the list of settings")
		}
		return report.ExitConfig
	}

	obs.Init()
	obs.SetLevel(obs.ParseLevel(cfg.LogLevel))
	cfg.PrintStartupSummary(stderr)

	scenarios, err := scenario.Load(cfg.Paths, scenario.Options{Credential: cfg.Session})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return report.ExitConfig
	}
	scenarios = scenario.Filter(scenarios, cfg.Tags, cfg.NamePattern)
	if len(scenarios) == 0 {
		fmt.Fprintln(stderr, "no scenarios selected")
		return report.ExitConfig
	}

	ctx = obs.WithCorrelation(ctx, obs.Correlation{RunID: uuid.NewString(), Driver: string(cfg.Driver)})
	log := obs.From(ctx)
	log.Info("run starting", "scenarios", len(scenarios), "base_url", cfg.BaseURL)

	launcher, err := openLauncher(ctx, cfg)
	if err != nil {
		log.Error("browser unavailable", "error", err)
		fmt.Fprintf(stderr, "cannot start %s driver: %v\n", cfg.Driver, err)
		return report.ExitFailures
	}
	defer func() {
		if err := launcher.Close(); err != nil {
			log.Warn("browser close failed", "error", err)
		}
	}()

	nav := throttle.New(cfg.Throttle)
	defer nav.Stop()

	recorder := metrics.NewRecorder()
	pool := &harness.Pool{
		Runner: harness.NewRunner(harness.Options{
			BaseURL:           cfg.BaseURL,
			StepTimeout:       cfg.StepTimeout,
			ScenarioTimeout:   cfg.ScenarioTimeout,
			NavigationTimeout: cfg.NavigationTimeout,
			PollInterval:      cfg.PollInterval,
			Throttle:          nav,
		}),
		Launcher:    launcher,
		Concurrency: cfg.Concurrency,
		OnResult: func(res harness.ScenarioResult) {
			recorder.Observe(res)
			log.Info("scenario finished", "scenario", res.Scenario, "outcome", res.Outcome,
				"state", res.State, "duration_ms", res.Duration.Milliseconds())
		},
	}
	batch := pool.RunAll(ctx, scenarios)
	recorder.Finish(batch)

	if err := writeReport(cfg, batch, stdout); err != nil {
		fmt.Fprintf(stderr, "write report: %v\n", err)
	}

	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	publish(sinkCtx, cfg, batch, recorder, stderr)

	return report.ExitCode(batch)
}

func openLauncher(ctx context.Context, cfg *config.Config) (browser.Launcher, error) {
	switch cfg.Driver {
	case config.DriverStatic:
		return htmldriver.New(htmldriver.Options{Timeout: cfg.NavigationTimeout}), nil
	case config.DriverChromedp:
		l, err := cdpdriver.Launch(ctx, cdpdriver.Options{
			RemoteURL:    cfg.CDPURL,
			Headless:     cfg.Headless,
			ExecPath:     cfg.BrowserExec,
			WindowWidth:  cfg.ViewportWidth,
			WindowHeight: cfg.ViewportHeight,
		})
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		l, err := pwdriver.Launch(pwdriver.Options{
			Headless:       cfg.Headless,
			CDPEndpoint:    cfg.CDPURL,
			ViewportWidth:  cfg.ViewportWidth,
			ViewportHeight: cfg.ViewportHeight,
		})
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

func writeReport(cfg *config.Config, batch harness.Batch, stdout io.Writer) error {
	if cfg.ReportOut == "" || cfg.ReportOut == "-" {
		return report.Write(stdout, cfg.ReportFormat, batch, report.Options{Color: stdout == os.Stdout && !color.NoColor})
	}
	f, err := os.Create(cfg.ReportOut)
	if err != nil {
		return err
	}
	if err := report.Write(f, cfg.ReportFormat, batch, report.Options{}); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// publish sends the batch to every configured sink. Sink failures are
// logged and never change the exit status.
func publish(ctx context.Context, cfg *config.Config, batch harness.Batch, recorder *metrics.Recorder, stderr io.Writer) {
	log := obs.From(ctx)

	reportURL := ""
	if cfg.ArchiveEnabled() {
		store, err := reportstore.New(ctx, reportstore.Config{
			Endpoint:        cfg.AWSEndpointS3,
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			BucketName:      cfg.ReportBucket,
			PublicURL:       cfg.ReportPublicURL,
			UsePathStyle:    cfg.AWSEndpointS3 != "",
		})
		if err == nil {
			var keys []string
			if keys, err = store.Archive(ctx, batch); err == nil && len(keys) > 0 {
				reportURL = store.URL(keys[len(keys)-1])
				fmt.Fprintf(stderr, "report archived to s3://%s/%s\n", store.BucketName(), reportstore.Prefix(batch))
			}
		}
		if err != nil {
			log.Error("report archive failed", "error", err)
		}
	}

	if cfg.NotifyEnabled() {
		n := &notify.Notifier{Sender: notify.NewResendSender(cfg.ResendAPIKey, cfg.NotifyFrom), To: cfg.NotifyTo}
		if _, err := n.Notify(ctx, batch, reportURL); err != nil {
			log.Error("failure notification failed", "error", err)
		}
	}

	if cfg.PushgatewayURL != "" {
		grouping := map[string]string{"instance": cfg.BaseURL}
		if err := recorder.Push(ctx, cfg.PushgatewayURL, cfg.MetricsJob, grouping); err != nil {
			log.Error("metrics push failed", "error", err)
		}
	}
}
