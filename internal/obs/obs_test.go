package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrom_AddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	ctx := WithCorrelation(context.Background(), Correlation{RunID: "run-1", Scenario: "login"})
	ctx = WithCorrelation(ctx, Correlation{Worker: 3})
	From(ctx).Info("step done")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "run-1", line["run_id"])
	assert.Equal(t, "login", line["scenario"])
	assert.Equal(t, "3", line["worker"])
	assert.Equal(t, "step done", line["msg"])
}

func TestCorrelationFromContext_Empty(t *testing.T) {
	assert.Equal(t, Correlation{}, CorrelationFromContext(context.Background()))
	assert.Equal(t, Correlation{}, CorrelationFromContext(nil))
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"WARN":    "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"verbose": "INFO",
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in).String(), "input %q", in)
	}
}
