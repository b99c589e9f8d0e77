package executor

import (
	"regexp"
	"strings"
)

// maxSanitizedLen caps stored failure messages.
const maxSanitizedLen = 300

var (
	// Absolute paths, unix or windows, with at least two segments.
	pathPattern = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\\/][\w.~-]+){2,}`)

	emailPattern = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.-]+`)

	// key=value / key: value pairs whose key looks credential-ish, plus
	// bearer tokens and long opaque secrets.
	secretPairPattern = regexp.MustCompile(`(?i)\b(token|secret|credential|password|api[_-]?key|key)\b\s*[=:]\s*\S+`)
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+\S+`)
	opaqueKeyPattern  = regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_-]{8,}\b|\b[A-Fa-f0-9]{32,}\b`)

	// Qualified type names leaked from wrapped errors (pkg.TypeName: ...).
	errorClassPattern = regexp.MustCompile(`\b[a-z][\w./-]*\.[A-Z]\w*(?:Error|Exception)\b`)
)

// SanitizeErrorMessage strips file paths, credentials, email addresses, and
// raw error class names from a message and caps its length. The result is
// safe to persist and to surface to users.
func SanitizeErrorMessage(msg string) string {
	out := pathPattern.ReplaceAllString(msg, "[path]")
	out = emailPattern.ReplaceAllString(out, "[email]")
	out = bearerPattern.ReplaceAllString(out, "[redacted]")
	out = secretPairPattern.ReplaceAllString(out, "[redacted]")
	out = opaqueKeyPattern.ReplaceAllString(out, "[redacted]")
	out = errorClassPattern.ReplaceAllString(out, "internal error")
	out = strings.Join(strings.Fields(out), " ")

	if out == "" {
		out = "an internal error occurred"
	}
	if len(out) > maxSanitizedLen {
		out = out[:maxSanitizedLen-3] + "..."
	}
	return out
}
