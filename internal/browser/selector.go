package browser

import (
	"strconv"
	"strings"
)

// Query is a selector split into a CSS part and a text filter, for drivers
// without a native selector engine. Playwright accepts the original string
// as is.
//
//	button.login                 -> CSS "button.login"
//	button:has-text("Log in")    -> CSS "button", Text "Log in"
//	text=Check your email        -> Text "Check your email", Deepest
type Query struct {
	CSS  string
	Text string
	// Deepest asks for the innermost element containing Text rather than
	// the first in document order.
	Deepest bool
}

const hasTextPseudo = ":has-text("

// ParseSelector splits sel into a Query. Anything it does not recognise is
// passed through as CSS.
func ParseSelector(sel string) Query {
	sel = strings.TrimSpace(sel)
	if rest, ok := strings.CutPrefix(sel, "text="); ok {
		return Query{Text: unquote(rest), Deepest: true}
	}
	if len(sel) >= 2 && (sel[0] == '"' || sel[0] == '\'') && sel[len(sel)-1] == sel[0] {
		return Query{Text: unquote(sel), Deepest: true}
	}

	idx := strings.Index(sel, hasTextPseudo)
	if idx < 0 || !strings.HasSuffix(sel, ")") {
		return Query{CSS: sel}
	}
	css := strings.TrimSpace(sel[:idx])
	if css == "" {
		css = "*"
	}
	return Query{CSS: css, Text: unquote(sel[idx+len(hasTextPseudo) : len(sel)-1])}
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		s = `"` + strings.ReplaceAll(s[1:len(s)-1], `"`, `\"`) + `"`
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
		return s[1 : len(s)-1]
	}
	return s
}
