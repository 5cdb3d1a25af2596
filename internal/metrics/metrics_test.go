package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/sitecheck/internal/errs"
	"github.com/kuitang/sitecheck/internal/harness"
)

func results() []harness.ScenarioResult {
	return []harness.ScenarioResult{
		{Outcome: harness.OutcomePassed, Duration: 2 * time.Second, Steps: []harness.StepResult{
			{Status: harness.StepPassed},
			{Status: harness.StepSkipped, Kind: errs.ElementNotFound},
		}},
		{Outcome: harness.OutcomeFailed, Duration: 40 * time.Second, Steps: []harness.StepResult{
			{Status: harness.StepFailed, Kind: errs.AssertionMismatch},
			{Status: harness.StepPassed},
		}},
		{Outcome: harness.OutcomeSkipped},
	}
}

// TestObserve tests the counters and histogram after a run.
func TestObserve(t *testing.T) {
	t.Parallel()
	r := NewRecorder()
	for _, res := range results() {
		r.Observe(res)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(r.scenarios.WithLabelValues("passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.scenarios.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.scenarios.WithLabelValues("skipped")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.steps.WithLabelValues("passed", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.steps.WithLabelValues("skipped", "element_not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.steps.WithLabelValues("failed", "assertion_mismatch")))

	expected := `
# HELP sitecheck_scenario_duration_seconds Wall time of each scenario run.
# TYPE sitecheck_scenario_duration_seconds histogram
sitecheck_scenario_duration_seconds_bucket{le="0.5"} 0
sitecheck_scenario_duration_seconds_bucket{le="1"} 0
sitecheck_scenario_duration_seconds_bucket{le="2.5"} 1
sitecheck_scenario_duration_seconds_bucket{le="5"} 1
sitecheck_scenario_duration_seconds_bucket{le="10"} 1
sitecheck_scenario_duration_seconds_bucket{le="30"} 1
sitecheck_scenario_duration_seconds_bucket{le="60"} 2
sitecheck_scenario_duration_seconds_bucket{le="120"} 2
sitecheck_scenario_duration_seconds_bucket{le="300"} 2
sitecheck_scenario_duration_seconds_bucket{le="+Inf"} 2
sitecheck_scenario_duration_seconds_sum 42
sitecheck_scenario_duration_seconds_count 2
`
	require.NoError(t, testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected), "sitecheck_scenario_duration_seconds"))
}

// TestObserve_Concurrent tests that pool callbacks from many workers are
// all counted.
func TestObserve_Concurrent(t *testing.T) {
	t.Parallel()
	r := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Observe(harness.ScenarioResult{Outcome: harness.OutcomePassed, Duration: time.Second})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50.0, testutil.ToFloat64(r.scenarios.WithLabelValues("passed")))
}

// TestFinish tests the batch gauges.
func TestFinish(t *testing.T) {
	t.Parallel()
	r := NewRecorder()
	started := time.Unix(1_700_000_000, 0)

	r.Finish(harness.Batch{Started: started, Duration: 5 * time.Second, Results: results()})
	assert.Equal(t, 0.0, testutil.ToFloat64(r.lastOK))
	assert.Equal(t, 1_700_000_005.0, testutil.ToFloat64(r.lastRun))

	r.Finish(harness.Batch{Started: started})
	assert.Equal(t, 1.0, testutil.ToFloat64(r.lastOK))
}

// TestPush tests delivery to a Pushgateway.
func TestPush(t *testing.T) {
	t.Parallel()
	var (
		mu     sync.Mutex
		method string
		path   string
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, path = req.Method, req.URL.Path
		body, _ = io.ReadAll(req.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	r := NewRecorder()
	r.Observe(results()[0])
	require.NoError(t, r.Push(context.Background(), srv.URL, "sitecheck", map[string]string{"site": "staging"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/sitecheck/site/staging", path)
	assert.NotEmpty(t, body)
}

// TestPush_Error tests that a failing gateway is reported.
func TestPush_Error(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	err := NewRecorder().Push(context.Background(), srv.URL, "sitecheck", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), srv.URL)
}
