package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/sitecheck/internal/browser"
	"github.com/kuitang/sitecheck/internal/errs"
	"github.com/kuitang/sitecheck/internal/obs"
	"github.com/kuitang/sitecheck/internal/urlutil"
)

const (
	DefaultStepTimeout       = browser.DefaultTimeout
	DefaultScenarioTimeout   = 2 * time.Minute
	DefaultNavigationTimeout = 30 * time.Second
)

// Throttle paces navigations per host. A nil Throttle never waits.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// Options configures a Runner. Zero values pick the defaults.
type Options struct {
	BaseURL           string
	StepTimeout       time.Duration
	ScenarioTimeout   time.Duration
	NavigationTimeout time.Duration
	PollInterval      time.Duration
	Throttle          Throttle
}

// Runner executes scenarios against pages from a browser.Session.
type Runner struct {
	baseURL         string
	stepTimeout     time.Duration
	scenarioTimeout time.Duration
	navTimeout      time.Duration
	resolver        *Resolver
	throttle        Throttle
}

func NewRunner(opts Options) *Runner {
	r := &Runner{
		baseURL:         opts.BaseURL,
		stepTimeout:     opts.StepTimeout,
		scenarioTimeout: opts.ScenarioTimeout,
		navTimeout:      opts.NavigationTimeout,
		resolver:        NewResolver(opts.PollInterval),
		throttle:        opts.Throttle,
	}
	if r.stepTimeout <= 0 {
		r.stepTimeout = DefaultStepTimeout
	}
	if r.scenarioTimeout <= 0 {
		r.scenarioTimeout = DefaultScenarioTimeout
	}
	if r.navTimeout <= 0 {
		r.navTimeout = DefaultNavigationTimeout
	}
	return r
}

func (r *Runner) timeoutFor(step Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return r.stepTimeout
}

func (r *Runner) navigate(ctx context.Context, page browser.Page, target string) error {
	if r.throttle != nil {
		if err := r.throttle.Wait(ctx, urlutil.Host(target)); err != nil {
			return errs.Wrap(errs.InfrastructureFault, "navigation throttle", err)
		}
	}
	navCtx, cancel := context.WithTimeout(ctx, r.navTimeout)
	defer cancel()
	if err := page.Goto(navCtx, target); err != nil {
		if errs.IsFatal(errs.CodeOf(err)) {
			return err
		}
		return errs.Wrap(errs.InfrastructureFault, "navigate to "+target, err)
	}
	return nil
}

// lifecycle enforces pending -> running -> completed|aborted.
type lifecycle struct {
	res *ScenarioResult
}

func (l lifecycle) move(next State) {
	if !l.res.State.CanTransition(next) {
		panic(fmt.Sprintf("scenario %q: illegal transition %s -> %s", l.res.Scenario, l.res.State, next))
	}
	l.res.State = next
}

// Run executes one scenario in sess and always returns a result. Steps run
// strictly in order. Step failures never stop the run; infrastructure
// faults and the scenario deadline abort it with outcome failed.
func (r *Runner) Run(ctx context.Context, sess browser.Session, sc Scenario) ScenarioResult {
	res := ScenarioResult{
		RunID:    obs.CorrelationFromContext(ctx).RunID,
		Scenario: sc.Name,
		State:    StatePending,
		Started:  time.Now(),
	}
	if res.RunID == "" {
		res.RunID = uuid.NewString()
	}
	corr := obs.CorrelationFromContext(ctx)
	corr.RunID = res.RunID
	corr.Scenario = sc.Name
	ctx = obs.WithCorrelation(ctx, corr)

	r.run(ctx, sess, sc, &res)
	res.Duration = time.Since(res.Started)
	return res
}

func (r *Runner) run(ctx context.Context, sess browser.Session, sc Scenario, res *ScenarioResult) {
	log := obs.From(ctx)
	if sc.Skip != "" {
		res.Outcome = OutcomeSkipped
		log.Info("scenario skipped", "reason", sc.Skip)
		return
	}

	lc := lifecycle{res: res}
	lc.move(StateRunning)
	abort := func(err error) {
		lc.move(StateAborted)
		res.Outcome = OutcomeFailed
		res.Fault = err.Error()
		log.Error("scenario aborted", "error", err, "steps_run", len(res.Steps))
	}

	if err := sc.Validate(); err != nil {
		abort(err)
		return
	}

	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = r.scenarioTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := urlutil.BuildAbsolute(r.baseURL, sc.URL)
	if sc.Credential != nil {
		if err := Inject(ctx, sess, sc.Credential.WithDefaults(target)); err != nil {
			abort(err)
			return
		}
	}

	page, err := sess.NewPage(ctx)
	if err != nil {
		if errs.CodeOf(err) == errs.Internal {
			err = errs.Wrap(errs.InfrastructureFault, "open page", err)
		}
		abort(err)
		return
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			log.Debug("page close failed", "error", cerr)
		}
	}()

	log.Info("scenario started", "url", target, "steps", len(sc.Steps))
	if err := r.navigate(ctx, page, target); err != nil {
		abort(err)
		return
	}

	for _, step := range sc.Steps {
		stepRes, err := r.Perform(ctx, page, step)
		res.Steps = append(res.Steps, stepRes)
		if err != nil {
			abort(err)
			return
		}
	}

	lc.move(StateCompleted)
	res.Outcome = decideOutcome(res.Steps)
	passed, failed, skipped := res.Counts()
	log.Info("scenario completed",
		"outcome", string(res.Outcome),
		"passed", passed,
		"failed", failed,
		"skipped", skipped,
	)
}

// decideOutcome: failed when any required step failed, skipped when no step
// was attempted to completion, passed otherwise.
func decideOutcome(steps []StepResult) Outcome {
	allSkipped := true
	for _, s := range steps {
		if s.FailsScenario() {
			return OutcomeFailed
		}
		if s.Status != StepSkipped {
			allSkipped = false
		}
	}
	if allSkipped {
		return OutcomeSkipped
	}
	return OutcomePassed
}
