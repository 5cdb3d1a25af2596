package harness

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/kuitang/sitecheck/internal/browser"
	"github.com/kuitang/sitecheck/internal/errs"
	"github.com/kuitang/sitecheck/internal/logutil"
	"github.com/kuitang/sitecheck/internal/obs"
	"github.com/kuitang/sitecheck/internal/urlutil"
)

const maxMessageChars = 300

// Perform resolves the step's target and runs its action, producing exactly
// one StepResult. The error is non-nil only for infrastructure faults, in
// which case the returned result is still filled in and marked failed.
func (r *Runner) Perform(ctx context.Context, page browser.Page, step Step) (StepResult, error) {
	start := time.Now()
	res, err := r.performOnce(ctx, page, step)
	if err == nil && res.Status != StepPassed && step.Otherwise != nil {
		fallback, fbErr := r.Perform(ctx, page, *step.Otherwise)
		res.Fallback = &fallback
		err = fbErr
		if fbErr == nil && fallback.Status == StepPassed {
			res.Message = "passed via fallback after: " + res.Message
			res.Status = StepPassed
			res.Kind = ""
		}
	}
	res.Duration = time.Since(start)

	log := obs.From(ctx).With(
		"step", step.Label(),
		"status", string(res.Status),
		"required", step.Required,
		"duration_ms", res.Duration.Milliseconds(),
	)
	switch {
	case err != nil:
		log.Error("step aborted scenario", "error", err)
	case res.Status == StepFailed:
		log.Warn("step failed", "kind", string(res.Kind), "message", res.Message, "selector", res.Selector)
	case res.Status == StepSkipped:
		log.Info("step skipped", "kind", string(res.Kind))
	default:
		log.Info("step passed", "selector", res.Selector)
	}
	return res, err
}

func (r *Runner) performOnce(ctx context.Context, page browser.Page, step Step) (StepResult, error) {
	res := StepResult{Step: step}
	timeout := r.timeoutFor(step)

	if step.Action.Kind.PageLevel() {
		res.Resolved = true
		return r.settle(ctx, res, r.pageAction(ctx, page, step.Action, timeout))
	}

	if step.Action.Kind == ActionAssertHidden {
		visible, err := r.resolver.WaitHidden(ctx, page, step.Selectors, timeout)
		if err != nil {
			return r.settle(ctx, res, err)
		}
		if visible == "" {
			res.Status = StepPassed
			return res, nil
		}
		res.Resolved = true
		res.Selector = visible
		return r.settle(ctx, res, errs.New(errs.AssertionMismatch, fmt.Sprintf("%s is still visible", visible)))
	}

	resolution, err := r.resolver.Resolve(ctx, page, step.Selectors, timeout)
	if err != nil {
		return r.settle(ctx, res, err)
	}
	if !resolution.Found {
		res.Kind = errs.ElementNotFound
		res.Message = "element not found"
		if step.Required {
			res.Status = StepFailed
		} else {
			res.Status = StepSkipped
		}
		return res, nil
	}
	res.Resolved = true
	res.Selector = resolution.Selector

	if step.Action.Kind == ActionAssertCount {
		return r.settle(ctx, res, r.retry(ctx, timeout, func(ctx context.Context) error {
			return expectCount(ctx, resolution.Element, resolution.Selector, step.Action)
		}))
	}

	actCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.settle(ctx, res, elementAction(actCtx, resolution.Element, step.Action))
}

// retry runs check until it passes, fails with anything other than an
// assertion mismatch, or timeout elapses. URLs, titles and result lists
// settle some time after the action that changed them.
func (r *Runner) retry(ctx context.Context, timeout time.Duration, check func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var last error
	for {
		err := check(ctx)
		if err == nil {
			return nil
		}
		if errs.CodeOf(err) != errs.AssertionMismatch {
			if last != nil && ctx.Err() != nil {
				return last
			}
			return err
		}
		last = err
		if sleep(ctx, r.resolver.interval()) != nil {
			return last
		}
	}
}

// settle turns an action error into the result's status. Infrastructure
// faults, and any error once the scenario context is done, are returned so
// the runner aborts.
func (r *Runner) settle(ctx context.Context, res StepResult, err error) (StepResult, error) {
	if err == nil {
		res.Status = StepPassed
		return res, nil
	}
	res.Status = StepFailed
	res.Message = logutil.TruncateForLog(err.Error(), maxMessageChars)

	if ctx.Err() != nil && !errs.IsFatal(errs.CodeOf(err)) {
		err = errs.Wrap(errs.InfrastructureFault, "scenario deadline exceeded", ctx.Err())
		res.Message = err.Error()
	}
	code := errs.CodeOf(err)
	if errs.IsFatal(code) {
		res.Kind = errs.InfrastructureFault
		return res, err
	}
	if code == errs.Internal {
		code = errs.ActionFailed
	}
	res.Kind = code
	return res, nil
}

func elementAction(ctx context.Context, el browser.Element, a Action) error {
	switch a.Kind {
	case ActionFill, ActionClear:
		want := a.Value
		if a.Kind == ActionClear {
			want = ""
		}
		if err := el.Fill(ctx, want); err != nil {
			return err
		}
		got, err := el.InputValue(ctx)
		if err != nil {
			return err
		}
		if strings.TrimSpace(got) != strings.TrimSpace(want) {
			return errs.New(errs.AssertionMismatch, fmt.Sprintf("field value is %q, want %q", got, want))
		}
		return nil
	case ActionSelect:
		opt, err := browser.ParseOption(a.Value)
		if err != nil {
			return err
		}
		chosen, err := el.SelectOption(ctx, opt)
		if err != nil {
			return err
		}
		got, err := el.InputValue(ctx)
		if err != nil {
			return err
		}
		if got != chosen {
			return errs.New(errs.AssertionMismatch, fmt.Sprintf("select value is %q after choosing %s (%q)", got, opt, chosen))
		}
		return nil
	case ActionClick:
		return el.Click(ctx)
	case ActionPressKey:
		return el.Press(ctx, a.Value)
	case ActionAssertVisible:
		return nil
	case ActionAssertText:
		text, err := el.Text(ctx)
		if err != nil {
			return err
		}
		return expectMatch(a, "text", text)
	case ActionAssertMinSize:
		box, err := el.BoundingBox(ctx)
		if err != nil {
			return err
		}
		if box.Width < a.MinWidth || box.Height < a.MinHeight {
			return errs.New(errs.AssertionMismatch, fmt.Sprintf(
				"element is %gx%g, want at least %gx%g",
				math.Round(box.Width), math.Round(box.Height), a.MinWidth, a.MinHeight,
			))
		}
		return nil
	default:
		return errs.New(errs.InvalidArgument, fmt.Sprintf("%s is not an element action", a.Kind))
	}
}

func (r *Runner) pageAction(ctx context.Context, page browser.Page, a Action, timeout time.Duration) error {
	switch a.Kind {
	case ActionNavigate:
		return r.navigate(ctx, page, urlutil.BuildAbsolute(r.baseURL, a.Value))
	case ActionWait:
		d, err := time.ParseDuration(a.Value)
		if err != nil {
			return errs.Wrap(errs.InvalidArgument, "wait duration", err)
		}
		return sleep(ctx, d)
	case ActionAssertURL:
		return r.retry(ctx, timeout, func(context.Context) error {
			return expectMatch(a, "url", page.URL())
		})
	case ActionAssertTitle:
		return r.retry(ctx, timeout, func(ctx context.Context) error {
			title, err := page.Title(ctx)
			if err != nil {
				return err
			}
			return expectMatch(a, "title", title)
		})
	}

	actCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	switch a.Kind {
	case ActionAssertImages:
		samples := a.MaxSamples
		if samples <= 0 {
			samples = DefaultImageSamples
		}
		images, err := page.Images(actCtx, samples)
		if err != nil {
			return err
		}
		var broken []string
		for _, img := range images {
			if img.Broken() {
				broken = append(broken, img.Src)
			}
		}
		if len(broken) > a.MaxBroken {
			shown := broken
			if len(shown) > 3 {
				shown = shown[:3]
			}
			return errs.New(errs.AssertionMismatch, fmt.Sprintf(
				"%d of %d images broken (allowed %d): %s",
				len(broken), len(images), a.MaxBroken, strings.Join(shown, ", "),
			))
		}
		return nil
	default:
		return errs.New(errs.InvalidArgument, fmt.Sprintf("%s is not a page action", a.Kind))
	}
}

func expectCount(ctx context.Context, el browser.Element, selector string, a Action) error {
	n, err := el.Count(ctx)
	if err != nil {
		return err
	}
	lo, hi := a.CountRange()
	switch {
	case n < lo:
		return errs.New(errs.AssertionMismatch, fmt.Sprintf("%d elements match %s, want at least %d", n, selector, lo))
	case hi > 0 && n > hi:
		return errs.New(errs.AssertionMismatch, fmt.Sprintf("%d elements match %s, want at most %d", n, selector, hi))
	}
	return nil
}

func expectMatch(a Action, what, actual string) error {
	ok, err := matchText(a, actual)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	verb := "does not contain"
	if a.Match == MatchRegex {
		verb = "does not match"
	}
	return errs.New(errs.AssertionMismatch, fmt.Sprintf(
		"%s %q %s %q", what, logutil.TruncateForLog(logutil.CollapseSpace(actual), 120), verb, a.Value,
	))
}

// matchText compares collapsed text against the action's pattern:
// case-insensitive substring by default, regular expression on request.
func matchText(a Action, text string) (bool, error) {
	text = logutil.CollapseSpace(text)
	if a.Match == MatchRegex {
		re, err := compilePattern(a)
		if err != nil {
			return false, errs.Wrap(errs.InvalidArgument, "bad pattern", err)
		}
		return re.MatchString(text), nil
	}
	want := logutil.CollapseSpace(a.Value)
	if a.CaseSensitive {
		return strings.Contains(text, want), nil
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(want)), nil
}

func compilePattern(a Action) (*regexp.Regexp, error) {
	pattern := a.Value
	if !a.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	return regexp.Compile(pattern)
}
