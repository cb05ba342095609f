package engine

import (
	"regexp"
	"strings"
)

// High-sensitivity identifiers are never persisted, regardless of what the
// reasoning service decides. Matching candidates are rejected before any
// store write; the rejection is logged without the payload.
var sensitivePatterns = []*regexp.Regexp{
	// US social security numbers
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	// Payment card numbers (13-19 digits, optional separators)
	regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
	// API keys / bearer tokens
	regexp.MustCompile(`(?i)\b(sk|pk|api|key|token|bearer)[-_][A-Za-z0-9_-]{16,}`),
	// Private key blocks
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	// Passport-style identifiers stated as such
	regexp.MustCompile(`(?i)\b(passport|ssn|social security|driver'?s licen[cs]e)\b.{0,20}\b[A-Z0-9]{6,}\b`),
}

var sensitiveKeywords = []string{
	"password", "passcode", "pin code", "cvv", "security code",
}

// IsSensitive reports whether candidate content contains a high-sensitivity
// identifier (credentials, government IDs, payment numbers).
func IsSensitive(text string) bool {
	for _, re := range sensitivePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	lower := strings.ToLower(text)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
