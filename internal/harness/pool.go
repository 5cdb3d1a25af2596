package harness

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kuitang/sitecheck/internal/browser"
	"github.com/kuitang/sitecheck/internal/errs"
	"github.com/kuitang/sitecheck/internal/obs"
)

// Batch is the result of running a list of scenarios together.
type Batch struct {
	RunID    string
	Started  time.Time
	Duration time.Duration
	// Results are in input order regardless of completion order.
	Results []ScenarioResult
}

// Failed reports whether any scenario failed.
func (b Batch) Failed() bool {
	for _, r := range b.Results {
		if r.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}

// Pool runs independent scenarios concurrently. Each scenario gets its own
// Session so cookies and page state never leak between them.
type Pool struct {
	Runner      *Runner
	Launcher    browser.Launcher
	Concurrency int
	// OnResult, when set, is called as each scenario finishes. Calls are
	// serialized.
	OnResult func(ScenarioResult)
}

// RunAll runs every scenario and waits for all of them. A scenario whose
// session cannot be opened is reported as aborted; the others still run.
func (p *Pool) RunAll(ctx context.Context, scenarios []Scenario) Batch {
	batch := Batch{
		RunID:   obs.CorrelationFromContext(ctx).RunID,
		Started: time.Now(),
		Results: make([]ScenarioResult, len(scenarios)),
	}
	if batch.RunID == "" {
		batch.RunID = uuid.NewString()
	}
	workers := p.Concurrency
	if workers <= 0 {
		workers = 1
	}
	if workers > len(scenarios) && len(scenarios) > 0 {
		workers = len(scenarios)
	}

	slots := make(chan int, workers)
	for i := range workers {
		slots <- i
	}
	done := make(chan ScenarioResult)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for res := range done {
			if p.OnResult != nil {
				p.OnResult(res)
			}
		}
	}()

	log := obs.From(ctx)
	log.Info("batch started", "run_id", batch.RunID, "scenarios", len(scenarios), "workers", workers)

	var g errgroup.Group
	g.SetLimit(workers)
	for i, sc := range scenarios {
		g.Go(func() error {
			worker := <-slots
			defer func() { slots <- worker }()

			corr := obs.CorrelationFromContext(ctx)
			corr.RunID = batch.RunID
			corr.Worker = worker
			res := p.runOne(obs.WithCorrelation(ctx, corr), sc)
			batch.Results[i] = res
			done <- res
			return nil
		})
	}
	_ = g.Wait()
	close(done)
	<-finished

	batch.Duration = time.Since(batch.Started)
	log.Info("batch finished", "run_id", batch.RunID, "failed", batch.Failed(), "duration_ms", batch.Duration.Milliseconds())
	return batch
}

func (p *Pool) runOne(ctx context.Context, sc Scenario) ScenarioResult {
	if sc.Skip != "" {
		return p.Runner.Run(ctx, nil, sc)
	}
	sess, err := p.Launcher.NewSession(ctx)
	if err != nil {
		if errs.CodeOf(err) == errs.Internal {
			err = errs.Wrap(errs.InfrastructureFault, "open browser session", err)
		}
		obs.From(ctx).Error("session launch failed", "scenario", sc.Name, "error", err)
		return ScenarioResult{
			RunID:    obs.CorrelationFromContext(ctx).RunID,
			Scenario: sc.Name,
			State:    StateAborted,
			Outcome:  OutcomeFailed,
			Fault:    err.Error(),
			Started:  time.Now(),
		}
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			obs.From(ctx).Debug("session close failed", "error", cerr)
		}
	}()
	return p.Runner.Run(ctx, sess, sc)
}
