package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ResultsInInputOrder(t *testing.T) {
	t.Parallel()
	launcher := &fakeLauncher{build: func(int) (*fakeSession, error) {
		page := newFakePage()
		page.add("#ok", &fakeElement{visibleAfter: 3 * time.Millisecond})
		return newFakeSession(page), nil
	}}

	var scenarios []Scenario
	for i := range 8 {
		scenarios = append(scenarios, Scenario{
			Name:  fmt.Sprintf("scenario-%d", i),
			Steps: []Step{{Selectors: MustSelectors("#ok"), Action: AssertVisible(), Required: true}},
		})
	}

	var mu sync.Mutex
	var seen []string
	pool := &Pool{Runner: testRunner(), Launcher: launcher, Concurrency: 3, OnResult: func(r ScenarioResult) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r.Scenario)
	}}
	batch := pool.RunAll(context.Background(), scenarios)

	require.Len(t, batch.Results, len(scenarios))
	for i, res := range batch.Results {
		assert.Equal(t, scenarios[i].Name, res.Scenario)
		assert.Equal(t, OutcomePassed, res.Outcome)
		assert.Equal(t, batch.RunID, res.RunID)
	}
	assert.False(t, batch.Failed())
	assert.ElementsMatch(t, []string{
		"scenario-0", "scenario-1", "scenario-2", "scenario-3",
		"scenario-4", "scenario-5", "scenario-6", "scenario-7",
	}, seen)
	assert.LessOrEqual(t, launcher.peak, 3)
	assert.Len(t, launcher.sessions, len(scenarios), "each scenario gets its own session")
	for _, s := range launcher.sessions {
		assert.True(t, s.closed)
	}
}

func TestPool_SessionsDoNotShareCookies(t *testing.T) {
	t.Parallel()
	launcher := &fakeLauncher{build: func(int) (*fakeSession, error) {
		return newFakeSession(newFakePage()), nil
	}}
	scenarios := []Scenario{
		{Name: "member", Credential: &SessionCredential{CookieName: "session_id", CookieValue: "member"}},
		{Name: "guest"},
	}
	(&Pool{Runner: testRunner(), Launcher: launcher, Concurrency: 2}).RunAll(context.Background(), scenarios)

	total := 0
	for _, s := range launcher.sessions {
		total += len(s.cookies)
	}
	assert.Equal(t, 1, total)
}

func TestPool_LaunchFailureAbortsOnlyThatScenario(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := 0
	launcher := &fakeLauncher{build: func(int) (*fakeSession, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("chromium exited with code 127")
		}
		return newFakeSession(newFakePage()), nil
	}}
	scenarios := []Scenario{{Name: "a"}, {Name: "b"}}
	batch := (&Pool{Runner: testRunner(), Launcher: launcher, Concurrency: 1}).RunAll(context.Background(), scenarios)

	assert.Equal(t, StateAborted, batch.Results[0].State)
	assert.Equal(t, OutcomeFailed, batch.Results[0].Outcome)
	assert.Contains(t, batch.Results[0].Fault, "open browser session")
	assert.Equal(t, StateCompleted, batch.Results[1].State)
	assert.True(t, batch.Failed())
}

func TestPool_SkippedScenarioOpensNoSession(t *testing.T) {
	t.Parallel()
	launcher := &fakeLauncher{build: func(int) (*fakeSession, error) {
		return newFakeSession(newFakePage()), nil
	}}
	batch := (&Pool{Runner: testRunner(), Launcher: launcher}).RunAll(context.Background(), []Scenario{{Name: "off", Skip: "wip"}})

	assert.Equal(t, OutcomeSkipped, batch.Results[0].Outcome)
	assert.Empty(t, launcher.sessions)
}
