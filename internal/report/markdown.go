package report

import (
	"bytes"
	"fmt"
	stdhtml "html"
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"

	"github.com/kuitang/sitecheck/internal/harness"
	"github.com/kuitang/sitecheck/internal/logutil"
)

var statusEmoji = map[string]string{
	"passed":  "✅",
	"failed":  "❌",
	"skipped": "⏭️",
}

// Markdown renders the batch as a Markdown document: a summary table and a
// step list for every scenario that did not pass.
func Markdown(b harness.Batch) []byte {
	var buf bytes.Buffer
	sum := Summarize(b)

	fmt.Fprintf(&buf, "# sitecheck run %s\n\n", inline(b.RunID))
	fmt.Fprintf(&buf, "Started %s, took %s. **%d passed, %d failed, %d skipped** of %d scenarios.\n\n",
		b.Started.UTC().Format("2006-01-02 15:04:05 MST"), round(b.Duration), sum.Passed, sum.Failed, sum.Skipped, sum.Scenarios)

	buf.WriteString("| Scenario | Outcome | Steps (pass/fail/skip) | Duration |\n")
	buf.WriteString("|---|---|---|---|\n")
	for _, r := range b.Results {
		p, f, s := r.Counts()
		outcome := statusEmoji[string(r.Outcome)] + " " + string(r.Outcome)
		if r.State == harness.StateAborted {
			outcome += " (aborted)"
		}
		fmt.Fprintf(&buf, "| %s | %s | %d/%d/%d | %s |\n", cell(r.Scenario), outcome, p, f, s, round(r.Duration))
	}

	for _, r := range b.Results {
		if r.Outcome == harness.OutcomePassed {
			continue
		}
		fmt.Fprintf(&buf, "\n## %s\n\n", inline(r.Scenario))
		if r.Fault != "" {
			fmt.Fprintf(&buf, "Aborted: `%s`\n\n", code(r.Fault))
		}
		for _, s := range r.Steps {
			writeStepMarkdown(&buf, s, "")
		}
	}
	return buf.Bytes()
}

func writeStepMarkdown(buf *bytes.Buffer, s harness.StepResult, indent string) {
	fmt.Fprintf(buf, "%s- %s %s", indent, statusEmoji[string(s.Status)], inline(s.Step.Label()))
	if !s.Step.Required {
		buf.WriteString(" _(optional)_")
	}
	if s.Kind != "" {
		fmt.Fprintf(buf, " `%s`", s.Kind)
	}
	if s.Message != "" && s.Status != harness.StepPassed {
		fmt.Fprintf(buf, ": %s", inline(logutil.TruncateForLog(logutil.CollapseSpace(s.Message), maxMessageChars)))
	}
	buf.WriteByte('\n')
	if s.Fallback != nil {
		writeStepMarkdown(buf, *s.Fallback, indent+"  ")
	}
}

var inlineEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`, "[", `\[`, "]", `\]`,
	"<", `\<`, ">", `\>`, "#", `\#`, "|", `\|`,
)

func inline(s string) string { return inlineEscaper.Replace(s) }

func cell(s string) string { return inline(logutil.CollapseSpace(s)) }

func code(s string) string { return strings.ReplaceAll(logutil.CollapseSpace(s), "`", "'") }

// HTML renders the Markdown report to a standalone, sanitized HTML page.
func HTML(b harness.Batch) []byte {
	extensions := parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock
	p := parser.NewWithExtensions(extensions)
	doc := p.Parse(Markdown(b))

	renderer := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags | html.HrefTargetBlank})
	body := bluemonday.UGCPolicy().SanitizeBytes(markdown.Render(doc, renderer))

	var buf bytes.Buffer
	buf.WriteString("<!doctype html>\n<html><head><meta charset=\"utf-8\">")
	fmt.Fprintf(&buf, "<title>sitecheck run %s</title>", stdhtml.EscapeString(b.RunID))
	buf.WriteString("<style>body{font-family:system-ui,sans-serif;max-width:60rem;margin:2rem auto}table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:.25rem .5rem}</style>")
	buf.WriteString("</head><body>\n")
	buf.Write(body)
	buf.WriteString("</body></html>\n")
	return buf.Bytes()
}
