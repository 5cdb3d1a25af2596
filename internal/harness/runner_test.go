package harness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/sitecheck/internal/errs"
	"github.com/kuitang/sitecheck/internal/obs"
)

func loginPage() *fakePage {
	page := newFakePage()
	page.add("button.login", nil)
	page.add("input[type=email]", nil)
	page.add("button[type=submit]", nil)
	return page
}

func loginScenario(confirmation Step) Scenario {
	return Scenario{
		Name: "magic link login",
		URL:  "/login",
		Steps: []Step{
			{Name: "open login", Selectors: MustSelectors("#login", "button.login"), Action: Click(), Required: true},
			{Name: "email", Selectors: MustSelectors("input[type=email]", "#email"), Action: Fill("sailor@example.com"), Required: true},
			{Name: "submit", Selectors: MustSelectors("button[type=submit]"), Action: Click(), Required: true},
			confirmation,
		},
	}
}

// TestRun_LoginFlowPasses tests a fill and click flow whose optional
// confirmation may or may not appear.
func TestRun_LoginFlowPasses(t *testing.T) {
	t.Parallel()
	confirm := Step{Name: "confirmation", Selectors: MustSelectors(".flash"), Action: AssertText("Check your email"), Timeout: 5 * time.Millisecond}

	t.Run("confirmation shown", func(t *testing.T) {
		page := loginPage()
		page.add(".flash", &fakeElement{text: "Check your email for a sign-in link"})
		res := testRunner().Run(context.Background(), newFakeSession(page), loginScenario(confirm))
		assert.Equal(t, StateCompleted, res.State)
		assert.Equal(t, OutcomePassed, res.Outcome)
		assert.Equal(t, StepPassed, res.Steps[3].Status)
	})

	t.Run("confirmation absent", func(t *testing.T) {
		page := loginPage()
		res := testRunner().Run(context.Background(), newFakeSession(page), loginScenario(confirm))
		assert.Equal(t, OutcomePassed, res.Outcome)
		require.Len(t, res.Steps, 4)
		assert.Equal(t, StepSkipped, res.Steps[3].Status)
		passed, failed, skipped := res.Counts()
		assert.Equal(t, [3]int{3, 0, 1}, [3]int{passed, failed, skipped})
	})
}

func TestRun_RequiredStepNotFoundFails(t *testing.T) {
	t.Parallel()
	page := newFakePage()
	page.add(".next", nil)
	sc := Scenario{
		Name: "logout",
		URL:  "/",
		Steps: []Step{
			{Name: "logout", Selectors: MustSelectors("a.logout", "button.logout"), Action: Click(), Required: true, Timeout: 10 * time.Millisecond},
			{Name: "after", Selectors: MustSelectors(".next"), Action: AssertVisible(), Required: true},
		},
	}
	res := testRunner().Run(context.Background(), newFakeSession(page), sc)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.Len(t, res.Steps, 2, "step failures do not stop the scenario")
	assert.Equal(t, errs.ElementNotFound, res.Steps[0].Kind)
	assert.Equal(t, StepPassed, res.Steps[1].Status)
}

// TestRun_CookieInjectedBeforeNavigation tests that the session cookie is
// installed before the first page load, and that a rejected cookie shows
// up as an ordinary assertion failure.
func TestRun_CookieInjectedBeforeNavigation(t *testing.T) {
	t.Parallel()
	page := newFakePage()
	page.add("button.login", nil)
	sess := newFakeSession(page)
	sc := Scenario{
		Name:       "authenticated home",
		URL:        "/notes",
		Credential: &SessionCredential{CookieName: "session_id", CookieValue: "expired"},
		Steps: []Step{
			{Name: "no login button", Selectors: MustSelectors("button.login"), Action: AssertHidden(), Required: true, Timeout: 5 * time.Millisecond},
		},
	}
	res := testRunner().Run(context.Background(), sess, sc)

	assert.Equal(t, []string{"cookie session_id", "new_page", "goto http://localhost:8080/notes"}, sess.eventLog())
	require.Len(t, sess.cookies, 1)
	assert.Equal(t, "localhost", sess.cookies[0].Domain)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, errs.AssertionMismatch, res.Steps[0].Kind)
}

func TestRun_NavigationFailureAborts(t *testing.T) {
	t.Parallel()
	page := newFakePage()
	page.gotoErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
	res := testRunner().Run(context.Background(), newFakeSession(page), loginScenario(Step{Selectors: MustSelectors("#x"), Action: Click()}))

	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Empty(t, res.Steps)
	assert.Contains(t, res.Fault, "ERR_NAME_NOT_RESOLVED")
}

func TestRun_InfrastructureFaultMidScenarioAborts(t *testing.T) {
	t.Parallel()
	page := loginPage()
	page.elements["input[type=email]"].actErr = errCrashed
	res := testRunner().Run(context.Background(), newFakeSession(page), loginScenario(Step{Selectors: MustSelectors("#x"), Action: Click()}))

	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.Len(t, res.Steps, 2, "the faulting step is recorded, later steps are not")
	assert.Equal(t, errs.InfrastructureFault, res.Steps[1].Kind)
}

func TestRun_ScenarioDeadlineAborts(t *testing.T) {
	t.Parallel()
	sc := Scenario{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Steps: []Step{
			{Selectors: MustSelectors("#never"), Action: Click(), Required: false, Timeout: time.Second},
			{Selectors: MustSelectors("#never"), Action: Click(), Required: false, Timeout: time.Second},
		},
	}
	start := time.Now()
	res := testRunner().Run(context.Background(), newFakeSession(newFakePage()), sc)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Len(t, res.Steps, 1)
	assert.NotEmpty(t, res.Fault)
}

func TestRun_Outcomes(t *testing.T) {
	t.Parallel()
	optional := Step{Selectors: MustSelectors("#cookie-banner"), Action: Click(), Timeout: 5 * time.Millisecond}

	res := testRunner().Run(context.Background(), newFakeSession(newFakePage()), Scenario{Name: "all optional", Steps: []Step{optional, optional}})
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, StateCompleted, res.State)

	res = testRunner().Run(context.Background(), newFakeSession(newFakePage()), Scenario{Name: "empty"})
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	sess := newFakeSession(newFakePage())
	res = testRunner().Run(context.Background(), sess, Scenario{Name: "disabled", Skip: "flaky upstream"})
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, StatePending, res.State)
	assert.Empty(t, sess.eventLog())

	res = testRunner().Run(context.Background(), newFakeSession(newFakePage()), Scenario{Name: "invalid", Steps: []Step{{Action: Click()}}})
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestRun_CarriesRunID(t *testing.T) {
	t.Parallel()
	ctx := obs.WithCorrelation(context.Background(), obs.Correlation{RunID: "run-123"})
	res := testRunner().Run(ctx, newFakeSession(newFakePage()), Scenario{Name: "x"})
	assert.Equal(t, "run-123", res.RunID)

	res = testRunner().Run(context.Background(), newFakeSession(newFakePage()), Scenario{Name: "y"})
	assert.Len(t, res.RunID, 36)
	assert.Positive(t, res.Duration)
}

type countingThrottle struct{ keys []string }

func (c *countingThrottle) Wait(ctx context.Context, key string) error {
	c.keys = append(c.keys, key)
	return nil
}

func TestRun_NavigationsAreThrottledByHost(t *testing.T) {
	t.Parallel()
	throttle := &countingThrottle{}
	r := NewRunner(Options{BaseURL: "https://harbor.example", Throttle: throttle, PollInterval: time.Millisecond})
	sc := Scenario{Name: "browse", URL: "/", Steps: []Step{
		{Action: Navigate("/boats"), Required: true},
		{Action: Navigate("https://cdn.example/health"), Required: true},
	}}
	res := r.Run(context.Background(), newFakeSession(newFakePage()), sc)

	assert.Equal(t, OutcomePassed, res.Outcome)
	assert.Equal(t, []string{"harbor.example", "harbor.example", "cdn.example"}, throttle.keys)
}
