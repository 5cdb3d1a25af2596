package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/kuitang/sitecheck/internal/harness"
	"github.com/kuitang/sitecheck/internal/logutil"
)

const maxMessageChars = 160

type palette struct {
	pass, fail, skip, dim, bold *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		pass: color.New(color.FgGreen),
		fail: color.New(color.FgRed, color.Bold),
		skip: color.New(color.FgYellow),
		dim:  color.New(color.Faint),
		bold: color.New(color.Bold),
	}
	for _, c := range []*color.Color{p.pass, p.fail, p.skip, p.dim, p.bold} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) status(s string) string {
	switch s {
	case string(harness.StepPassed), string(harness.OutcomePassed):
		return p.pass.Sprint("PASS")
	case string(harness.StepFailed), string(harness.OutcomeFailed):
		return p.fail.Sprint("FAIL")
	default:
		return p.skip.Sprint("SKIP")
	}
}

// WriteText writes a human-readable report: one block per scenario, then
// a summary line.
func WriteText(w io.Writer, b harness.Batch, opts Options) error {
	p := newPalette(opts.Color)
	var sb strings.Builder

	for _, r := range b.Results {
		fmt.Fprintf(&sb, "%s %s %s\n", p.status(string(r.Outcome)), p.bold.Sprint(r.Scenario), p.dim.Sprint(round(r.Duration)))
		if r.State == harness.StateAborted {
			fmt.Fprintf(&sb, "     %s %s\n", p.fail.Sprint("aborted:"), logutil.TruncateForLog(r.Fault, maxMessageChars))
		}
		for _, s := range r.Steps {
			writeStepText(&sb, p, s, "     ")
		}
	}

	sum := Summarize(b)
	line := fmt.Sprintf("%d scenarios: %d passed, %d failed, %d skipped", sum.Scenarios, sum.Passed, sum.Failed, sum.Skipped)
	if sum.Aborted > 0 {
		line += fmt.Sprintf(" (%d aborted)", sum.Aborted)
	}
	if sum.Failed > 0 {
		line = p.fail.Sprint(line)
	} else {
		line = p.pass.Sprint(line)
	}
	fmt.Fprintf(&sb, "\n%s %s\n", line, p.dim.Sprintf("run %s in %s", b.RunID, round(b.Duration)))

	_, err := io.WriteString(w, sb.String())
	return err
}

func writeStepText(sb *strings.Builder, p palette, s harness.StepResult, indent string) {
	label := s.Step.Label()
	if !s.Step.Required {
		label += p.dim.Sprint(" (optional)")
	}
	fmt.Fprintf(sb, "%s%s %s", indent, p.status(string(s.Status)), label)
	if s.Kind != "" {
		fmt.Fprintf(sb, " %s", p.dim.Sprintf("[%s]", s.Kind))
	}
	sb.WriteByte('\n')
	if s.Message != "" && s.Status != harness.StepPassed {
		fmt.Fprintf(sb, "%s     %s\n", indent, logutil.TruncateForLog(logutil.CollapseSpace(s.Message), maxMessageChars))
	}
	if s.Fallback != nil {
		writeStepText(sb, p, *s.Fallback, indent+"  otherwise: ")
	}
}

func round(d time.Duration) time.Duration {
	if d < time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(10 * time.Millisecond)
}
