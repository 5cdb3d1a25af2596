package harness

import (
	"fmt"
	"strings"
	"time"

	"github.com/kuitang/sitecheck/internal/browser"
	"github.com/kuitang/sitecheck/internal/errs"
)

// SelectorSet is an ordered list of equivalent ways to find one logical
// element. Earlier entries win when several match.
type SelectorSet []string

// NewSelectorSet builds a non-empty SelectorSet with no blank entries.
func NewSelectorSet(selectors ...string) (SelectorSet, error) {
	set := make(SelectorSet, 0, len(selectors))
	for i, sel := range selectors {
		sel = strings.TrimSpace(sel)
		if sel == "" {
			return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("selector %d is blank", i))
		}
		set = append(set, sel)
	}
	if len(set) == 0 {
		return nil, errs.New(errs.InvalidArgument, "selector set is empty")
	}
	return set, nil
}

// MustSelectors is NewSelectorSet for literals; it panics on invalid input.
func MustSelectors(selectors ...string) SelectorSet {
	set, err := NewSelectorSet(selectors...)
	if err != nil {
		panic(err)
	}
	return set
}

func (s SelectorSet) String() string {
	return strings.Join(s, " | ")
}

// ActionKind names what a step does.
type ActionKind string

const (
	ActionFill          ActionKind = "fill"
	ActionClick         ActionKind = "click"
	ActionPressKey      ActionKind = "press_key"
	ActionClear         ActionKind = "clear"
	ActionAssertVisible ActionKind = "assert_visible"
	ActionAssertText    ActionKind = "assert_text"
	ActionAssertHidden  ActionKind = "assert_hidden"
	ActionAssertMinSize ActionKind = "assert_min_size"
	ActionSelect        ActionKind = "select"
	ActionAssertCount   ActionKind = "assert_count"

	// Page-level actions take no selectors.
	ActionNavigate     ActionKind = "navigate"
	ActionAssertURL    ActionKind = "assert_url"
	ActionAssertTitle  ActionKind = "assert_title"
	ActionWait         ActionKind = "wait"
	ActionAssertImages ActionKind = "assert_images"
)

// PageLevel reports whether the action operates on the page instead of a
// resolved element.
func (k ActionKind) PageLevel() bool {
	switch k {
	case ActionNavigate, ActionAssertURL, ActionAssertTitle, ActionWait, ActionAssertImages:
		return true
	default:
		return false
	}
}

func (k ActionKind) valid() bool {
	switch k {
	case ActionFill, ActionClick, ActionPressKey, ActionClear,
		ActionAssertVisible, ActionAssertText, ActionAssertHidden, ActionAssertMinSize,
		ActionSelect, ActionAssertCount,
		ActionNavigate, ActionAssertURL, ActionAssertTitle, ActionWait, ActionAssertImages:
		return true
	default:
		return false
	}
}

// MatchMode selects how text assertions compare.
type MatchMode string

const (
	MatchSubstring MatchMode = "substring"
	MatchRegex     MatchMode = "regex"
)

// DefaultImageSamples caps how many images assert_images inspects.
const DefaultImageSamples = 20

// Action is what a step does once its target is resolved.
type Action struct {
	Kind ActionKind
	// Value is the fill text, option, key name, pattern, navigation path
	// or wait duration depending on Kind.
	Value         string
	Match         MatchMode
	CaseSensitive bool
	MinWidth      float64
	MinHeight     float64
	MaxSamples    int
	MaxBroken     int
	// MinCount and MaxCount bound assert_count. MaxCount 0 is unbounded,
	// and both zero means "at least one".
	MinCount int
	MaxCount int
}

func Fill(value string) Action { return Action{Kind: ActionFill, Value: value} }
func Click() Action { return Action{Kind: ActionClick} }
func PressKey(key string) Action { return Action{Kind: ActionPressKey, Value: key} }
func Clear() Action { return Action{Kind: ActionClear} }
func AssertVisible() Action { return Action{Kind: ActionAssertVisible} }
func AssertHidden() Action { return Action{Kind: ActionAssertHidden} }
func Navigate(path string) Action { return Action{Kind: ActionNavigate, Value: path} }
func Wait(d time.Duration) Action { return Action{Kind: ActionWait, Value: d.String()} }
func AssertURL(pattern string) Action { return Action{Kind: ActionAssertURL, Value: pattern} }
func AssertTitle(pattern string) Action { return Action{Kind: ActionAssertTitle, Value: pattern} }

// Select picks a <select> option: a value or label, "label:Text" or
// "index:N".
func Select(option string) Action { return Action{Kind: ActionSelect, Value: option} }

// AssertCount bounds how many elements the resolved selector matches.
func AssertCount(minCount, maxCount int) Action {
	return Action{Kind: ActionAssertCount, MinCount: minCount, MaxCount: maxCount}
}

// CountRange is the effective [min, max] of assert_count; max 0 means no
// upper bound.
func (a Action) CountRange() (int, int) {
	if a.MinCount == 0 && a.MaxCount == 0 {
		return 1, 0
	}
	return a.MinCount, a.MaxCount
}

// AssertText matches a case-insensitive substring of the element text.
func AssertText(pattern string) Action {
	return Action{Kind: ActionAssertText, Value: pattern, Match: MatchSubstring}
}

// AssertTextRegex matches the element text against a regular expression.
func AssertTextRegex(pattern string) Action {
	return Action{Kind: ActionAssertText, Value: pattern, Match: MatchRegex}
}

// AssertMinSize checks the element's layout box.
func AssertMinSize(width, height float64) Action {
	return Action{Kind: ActionAssertMinSize, MinWidth: width, MinHeight: height}
}

// AssertImages samples up to maxSamples images and tolerates maxBroken
// broken ones.
func AssertImages(maxSamples, maxBroken int) Action {
	return Action{Kind: ActionAssertImages, MaxSamples: maxSamples, MaxBroken: maxBroken}
}

func (a Action) String() string {
	switch a.Kind {
	case ActionFill, ActionSelect, ActionPressKey, ActionNavigate, ActionWait:
		return fmt.Sprintf("%s(%q)", a.Kind, a.Value)
	case ActionAssertCount:
		lo, hi := a.CountRange()
		if hi == 0 {
			return fmt.Sprintf("%s(>=%d)", a.Kind, lo)
		}
		return fmt.Sprintf("%s(%d..%d)", a.Kind, lo, hi)
	case ActionAssertText, ActionAssertURL, ActionAssertTitle:
		if a.Match == MatchRegex {
			return fmt.Sprintf("%s(/%s/)", a.Kind, a.Value)
		}
		return fmt.Sprintf("%s(%q)", a.Kind, a.Value)
	case ActionAssertMinSize:
		return fmt.Sprintf("%s(%gx%g)", a.Kind, a.MinWidth, a.MinHeight)
	case ActionAssertImages:
		return fmt.Sprintf("%s(samples=%d, broken<=%d)", a.Kind, a.MaxSamples, a.MaxBroken)
	default:
		return string(a.Kind)
	}
}

// Step is one locate-and-act unit of a scenario.
type Step struct {
	Name      string
	Selectors SelectorSet
	Action    Action
	// Required steps fail the scenario when they do not pass. Optional
	// steps that cannot be resolved are skipped.
	Required bool
	// Timeout bounds resolution and, separately, the action. Zero means
	// the runner default.
	Timeout time.Duration
	// Otherwise runs when this step does not pass; if it passes, the step
	// counts as passed.
	Otherwise *Step
}

// Label is the step's display name.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	if len(s.Selectors) == 0 {
		return s.Action.String()
	}
	return s.Action.String() + " on " + s.Selectors.String()
}

// Validate checks the step definition.
func (s Step) Validate() error {
	if !s.Action.Kind.valid() {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("step %q: unknown action %q", s.Label(), s.Action.Kind))
	}
	if !s.Action.Kind.PageLevel() && len(s.Selectors) == 0 {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("step %q: %s needs at least one selector", s.Label(), s.Action.Kind))
	}
	for i, sel := range s.Selectors {
		if strings.TrimSpace(sel) == "" {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("step %q: selector %d is blank", s.Label(), i))
		}
	}
	if s.Timeout < 0 {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("step %q: timeout must be positive", s.Label()))
	}
	switch s.Action.Kind {
	case ActionAssertText, ActionAssertURL, ActionAssertTitle:
		if s.Action.Value == "" {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("step %q: %s needs a pattern", s.Label(), s.Action.Kind))
		}
		if s.Action.Match != "" && s.Action.Match != MatchSubstring && s.Action.Match != MatchRegex {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("step %q: unknown match mode %q", s.Label(), s.Action.Match))
		}
		if s.Action.Match == MatchRegex {
			if _, err := compilePattern(s.Action); err != nil {
				return errs.Wrap(errs.InvalidArgument, fmt.Sprintf("step %q: bad pattern", s.Label()), err)
			}
		}
	case ActionSelect:
		if _, err := browser.ParseOption(s.Action.Value); err != nil {
			return errs.Wrap(errs.InvalidArgument, fmt.Sprintf("step %q: select", s.Label()), err)
		}
	case ActionAssertCount:
		lo, hi := s.Action.CountRange()
		if lo < 0 || hi < 0 || (hi > 0 && hi < lo) {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("step %q: count bounds %d..%d are invalid", s.Label(), s.Action.MinCount, s.Action.MaxCount))
		}
	case ActionPressKey:
		if s.Action.Value == "" {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("step %q: press_key needs a key", s.Label()))
		}
	case ActionWait:
		d, err := time.ParseDuration(s.Action.Value)
		if err != nil || d < 0 {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("step %q: wait needs a duration, got %q", s.Label(), s.Action.Value))
		}
	case ActionAssertImages:
		if s.Action.MaxSamples < 0 || s.Action.MaxBroken < 0 {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("step %q: image limits must not be negative", s.Label()))
		}
	}
	if s.Otherwise != nil {
		if err := s.Otherwise.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult records one step, whatever happened to it.
type StepResult struct {
	Step     Step
	Resolved bool
	// Selector is the candidate that resolved, if any.
	Selector string
	Status   StepStatus
	// Kind classifies a failure or skip; empty when the step passed.
	Kind     errs.Code
	Message  string
	Duration time.Duration
	// Fallback is the Otherwise step's result when it ran.
	Fallback *StepResult
}

// ActionSucceeded reports whether the action succeeded. known is false
// for skipped steps, where the action never ran.
func (r StepResult) ActionSucceeded() (succeeded, known bool) {
	switch r.Status {
	case StepPassed:
		return true, true
	case StepFailed:
		return false, true
	default:
		return false, false
	}
}

// FailsScenario reports whether this result makes the scenario fail.
func (r StepResult) FailsScenario() bool {
	return r.Step.Required && r.Status == StepFailed
}

// Outcome is the verdict on a whole scenario.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// State is the scenario lifecycle: pending -> running -> completed|aborted.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// CanTransition reports whether the lifecycle allows moving to next.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateRunning
	case StateRunning:
		return next == StateCompleted || next == StateAborted
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// SessionCredential is an opaque authentication cookie for one scenario run.
type SessionCredential struct {
	CookieName  string
	CookieValue string
	Domain      string
	Path        string
	// Secure restricts the cookie to https; WithDefaults sets it for https
	// targets.
	Secure bool
}

// Scenario is one end-to-end check.
type Scenario struct {
	Name string
	// URL is the start page, absolute or relative to the runner's base URL.
	URL        string
	Credential *SessionCredential
	Steps      []Step
	// Timeout is the scenario deadline. Zero means the runner default.
	Timeout time.Duration
	// Skip, when non-empty, is the reason the scenario is not run.
	Skip string
	Tags []string
}

// Validate checks the scenario definition.
func (s Scenario) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errs.New(errs.InvalidArgument, "scenario name is required")
	}
	if s.Timeout < 0 {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("scenario %q: timeout must be positive", s.Name))
	}
	if s.Credential != nil && strings.TrimSpace(s.Credential.CookieName) == "" {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("scenario %q: session cookie name is required", s.Name))
	}
	for _, step := range s.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("scenario %q: %w", s.Name, err)
		}
	}
	return nil
}

// ScenarioResult is the report for one scenario run.
type ScenarioResult struct {
	RunID    string
	Scenario string
	State    State
	Outcome  Outcome
	Steps    []StepResult
	// Fault describes the infrastructure fault that aborted the run.
	Fault    string
	Started  time.Time
	Duration time.Duration
}

// Counts tallies step statuses.
func (r ScenarioResult) Counts() (passed, failed, skipped int) {
	for _, s := range r.Steps {
		switch s.Status {
		case StepPassed:
			passed++
		case StepFailed:
			failed++
		case StepSkipped:
			skipped++
		}
	}
	return passed, failed, skipped
}
