package logutil

import (
	"strings"
	"unicode/utf8"
)

const redacted = "[REDACTED]"

// IsSensitiveLogField returns true when a key likely contains sensitive data.
func IsSensitiveLogField(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	normalized = strings.ReplaceAll(normalized, "-", "")
	normalized = strings.ReplaceAll(normalized, "_", "")

	switch {
	case normalized == "authorization":
		return true
	case strings.Contains(normalized, "token"):
		return true
	case strings.Contains(normalized, "secret"):
		return true
	case strings.Contains(normalized, "password"):
		return true
	case strings.Contains(normalized, "apikey"):
		return true
	case strings.Contains(normalized, "cookie"):
		return true
	case strings.Contains(normalized, "session"):
		return true
	case strings.Contains(normalized, "auth"):
		return true
	default:
		return false
	}
}

// RedactValue redacts a value when the key looks sensitive.
func RedactValue(key, value string) string {
	if IsSensitiveLogField(key) {
		return redacted
	}
	return value
}

// CookieForLog returns a cookie rendering that never exposes its value.
// Only the length and a two character prefix survive, which is enough to
// tell two credentials apart in logs.
func CookieForLog(name, value string) string {
	if value == "" {
		return name + "=<empty>"
	}
	prefix := value
	if utf8.RuneCountInString(prefix) > 2 {
		prefix = string([]rune(prefix)[:2])
	}
	if len(value) <= 8 {
		return name + "=" + redacted
	}
	return name + "=" + prefix + "..." + redacted
}

// TruncateForLog returns a single-line truncated preview for unstructured values.
func TruncateForLog(value string, maxChars int) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	normalized := strings.ReplaceAll(trimmed, "\n", "\\n")
	if maxChars <= 0 || utf8.RuneCountInString(normalized) <= maxChars {
		return normalized
	}
	return string([]rune(normalized)[:maxChars]) + "... [truncated]"
}

// CollapseSpace folds runs of whitespace into single spaces, the way a
// browser renders text content.
func CollapseSpace(value string) string {
	return strings.Join(strings.Fields(value), " ")
}
