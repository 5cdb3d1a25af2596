package harness

import (
	"context"
	"time"

	"github.com/kuitang/sitecheck/internal/browser"
	"github.com/kuitang/sitecheck/internal/errs"
	"github.com/kuitang/sitecheck/internal/obs"
)

// DefaultPollInterval is how often a candidate's visibility is re-checked.
const DefaultPollInterval = 100 * time.Millisecond

// Resolution is the outcome of Resolve. Found is false for NotFound.
type Resolution struct {
	Found    bool
	Element  browser.Element
	Selector string
	// Index is the position of Selector in the set, or -1.
	Index int
}

// NotFound is the Resolution for "no candidate became visible".
var NotFound = Resolution{Index: -1}

// Resolver finds the first visible candidate of a SelectorSet.
type Resolver struct {
	PollInterval time.Duration
}

// NewResolver returns a Resolver that polls every interval (or the
// default when interval is not positive).
func NewResolver(interval time.Duration) *Resolver {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Resolver{PollInterval: interval}
}

// Resolve walks the candidates in declaration order. Each candidate gets an
// even share of whatever budget is left, recomputed after every miss, and
// is checked at least once. It returns NotFound rather than an error when
// nothing became visible; the error is reserved for infrastructure faults,
// including cancellation of ctx.
func (r *Resolver) Resolve(ctx context.Context, page browser.Page, set SelectorSet, timeout time.Duration) (Resolution, error) {
	if len(set) == 0 {
		return NotFound, errs.New(errs.InvalidArgument, "selector set is empty")
	}
	deadline := time.Now().Add(timeout)
	for i, sel := range set {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		share := remaining / time.Duration(len(set)-i)

		el, found, err := r.poll(ctx, page, sel, share)
		if err != nil {
			return NotFound, err
		}
		if found {
			return Resolution{Found: true, Element: el, Selector: sel, Index: i}, nil
		}
	}
	return NotFound, nil
}

// WaitHidden polls until no candidate is visible. It returns the selector
// that was still visible at the deadline, or "" once everything is hidden.
func (r *Resolver) WaitHidden(ctx context.Context, page browser.Page, set SelectorSet, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	interval := r.interval()
	for {
		visible, err := r.firstVisible(ctx, page, set)
		if err != nil {
			return "", err
		}
		if visible == "" {
			return "", nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return visible, nil
		}
		if err := sleep(ctx, min(interval, remaining)); err != nil {
			return "", err
		}
	}
}

func (r *Resolver) firstVisible(ctx context.Context, page browser.Page, set SelectorSet) (string, error) {
	for _, sel := range set {
		ok, err := checkVisible(ctx, page.Locate(sel), sel)
		if err != nil {
			return "", err
		}
		if ok {
			return sel, nil
		}
	}
	return "", nil
}

func (r *Resolver) poll(ctx context.Context, page browser.Page, sel string, budget time.Duration) (browser.Element, bool, error) {
	el := page.Locate(sel)
	deadline := time.Now().Add(budget)
	interval := r.interval()
	for {
		ok, err := checkVisible(ctx, el, sel)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return el, true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, nil
		}
		if err := sleep(ctx, min(interval, remaining)); err != nil {
			return nil, false, err
		}
	}
}

func (r *Resolver) interval() time.Duration {
	if r == nil || r.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return r.PollInterval
}

// checkVisible asks the driver once. Driver errors other than infrastructure
// faults count as "not visible" for this candidate.
func checkVisible(ctx context.Context, el browser.Element, sel string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errs.Wrap(errs.InfrastructureFault, "scenario cancelled", err)
	}
	ok, err := el.IsVisible(ctx)
	if err == nil {
		return ok, nil
	}
	if ctx.Err() != nil {
		return false, errs.Wrap(errs.InfrastructureFault, "scenario cancelled", ctx.Err())
	}
	if errs.IsFatal(errs.CodeOf(err)) {
		return false, err
	}
	obs.From(ctx).Debug("visibility check failed", "selector", sel, "error", err)
	return false, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errs.Wrap(errs.InfrastructureFault, "scenario cancelled", ctx.Err())
	case <-t.C:
		return nil
	}
}
