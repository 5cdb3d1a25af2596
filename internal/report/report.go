// Package report renders a finished batch for people and machines and maps
// it to a process exit status.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kuitang/sitecheck/internal/errs"
	"github.com/kuitang/sitecheck/internal/harness"
)

// Exit statuses.
const (
	ExitOK       = 0
	ExitFailures = 1
	ExitConfig   = 2
)

// ExitCode is ExitOK unless some scenario failed.
func ExitCode(b harness.Batch) int {
	if b.Failed() {
		return ExitFailures
	}
	return ExitOK
}

// Format selects a renderer.
type Format string

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// ParseFormat accepts the format names plus "md".
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatText:
		return FormatText, nil
	case "md":
		return FormatMarkdown, nil
	case FormatJSON, FormatMarkdown, FormatHTML:
		return f, nil
	default:
		return "", errs.New(errs.InvalidArgument, fmt.Sprintf("unknown report format %q (want text, json, markdown or html)", s))
	}
}

// Options tune rendering.
type Options struct {
	// Color enables ANSI colors in text output.
	Color bool
}

// Write renders b in format f.
func Write(w io.Writer, f Format, b harness.Batch, opts Options) error {
	switch f {
	case FormatText, "":
		return WriteText(w, b, opts)
	case FormatJSON:
		return WriteJSON(w, b)
	case FormatMarkdown:
		_, err := w.Write(Markdown(b))
		return err
	case FormatHTML:
		_, err := w.Write(HTML(b))
		return err
	default:
		return errs.New(errs.InvalidArgument, fmt.Sprintf("unknown report format %q", f))
	}
}

// Summary tallies a batch.
type Summary struct {
	Scenarios int `json:"scenarios"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	// Aborted counts failed scenarios that did not run to completion.
	Aborted      int `json:"aborted"`
	StepsPassed  int `json:"steps_passed"`
	StepsFailed  int `json:"steps_failed"`
	StepsSkipped int `json:"steps_skipped"`
}

// Summarize counts outcomes and step statuses.
func Summarize(b harness.Batch) Summary {
	s := Summary{Scenarios: len(b.Results)}
	for _, r := range b.Results {
		switch r.Outcome {
		case harness.OutcomePassed:
			s.Passed++
		case harness.OutcomeFailed:
			s.Failed++
		case harness.OutcomeSkipped:
			s.Skipped++
		}
		if r.State == harness.StateAborted {
			s.Aborted++
		}
		p, f, sk := r.Counts()
		s.StepsPassed += p
		s.StepsFailed += f
		s.StepsSkipped += sk
	}
	return s
}

// Document is the JSON report layout.
type Document struct {
	RunID      string        `json:"run_id"`
	Started    time.Time     `json:"started"`
	DurationMS int64         `json:"duration_ms"`
	Summary    Summary       `json:"summary"`
	Scenarios  []ScenarioDoc `json:"scenarios"`
}

type ScenarioDoc struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Outcome    string    `json:"outcome"`
	Fault      string    `json:"fault,omitempty"`
	Started    time.Time `json:"started"`
	DurationMS int64     `json:"duration_ms"`
	Steps      []StepDoc `json:"steps"`
}

type StepDoc struct {
	Label      string   `json:"label"`
	Action     string   `json:"action"`
	Required   bool     `json:"required"`
	Status     string   `json:"status"`
	Resolved   bool     `json:"resolved"`
	Selector   string   `json:"selector,omitempty"`
	Kind       string   `json:"kind,omitempty"`
	Message    string   `json:"message,omitempty"`
	DurationMS int64    `json:"duration_ms"`
	Fallback   *StepDoc `json:"fallback,omitempty"`
}

// NewDocument converts a batch to its JSON layout.
func NewDocument(b harness.Batch) Document {
	doc := Document{
		RunID:      b.RunID,
		Started:    b.Started.UTC(),
		DurationMS: b.Duration.Milliseconds(),
		Summary:    Summarize(b),
		Scenarios:  make([]ScenarioDoc, 0, len(b.Results)),
	}
	for _, r := range b.Results {
		sd := ScenarioDoc{
			Name:       r.Scenario,
			State:      string(r.State),
			Outcome:    string(r.Outcome),
			Fault:      r.Fault,
			Started:    r.Started.UTC(),
			DurationMS: r.Duration.Milliseconds(),
			Steps:      make([]StepDoc, 0, len(r.Steps)),
		}
		for _, s := range r.Steps {
			sd.Steps = append(sd.Steps, stepDoc(s))
		}
		doc.Scenarios = append(doc.Scenarios, sd)
	}
	return doc
}

func stepDoc(s harness.StepResult) StepDoc {
	d := StepDoc{
		Label:      s.Step.Label(),
		Action:     string(s.Step.Action.Kind),
		Required:   s.Step.Required,
		Status:     string(s.Status),
		Resolved:   s.Resolved,
		Selector:   s.Selector,
		Kind:       string(s.Kind),
		Message:    s.Message,
		DurationMS: s.Duration.Milliseconds(),
	}
	if s.Fallback != nil {
		fb := stepDoc(*s.Fallback)
		d.Fallback = &fb
	}
	return d
}

// JSON returns the indented JSON report.
func JSON(b harness.Batch) ([]byte, error) {
	return json.MarshalIndent(NewDocument(b), "", "  ")
}

// WriteJSON writes the JSON report followed by a newline.
func WriteJSON(w io.Writer, b harness.Batch) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(NewDocument(b))
}
