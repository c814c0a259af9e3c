package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// A redaction rule keeps capture group 1 (when present) and replaces the
// rest of the match.
type redactionRule struct {
	name string
	re   *regexp.Regexp
}

var redactionRules = []redactionRule{
	{"key assignment", regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|signing[_-]?key|webhook[_-]?secret)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}"?`)},
	{"authorization header", regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`)},
	// Dashboard bearer tokens issued by the store.
	{"dashboard token", regexp.MustCompile(`\bvx_[A-Za-z0-9_\-]{20,}`)},
	{"recording token", regexp.MustCompile(`(?i)([?&]token=)[A-Za-z0-9_\-.]{16,}`)},
	{"uuid secret", regexp.MustCompile(`(?i)((?:token|secret)\s*[:=]\s*"?)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"?`)},
}

// Redact masks credentials in log lines, audit reasons and error strings.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, rule := range redactionRules {
		if rule.re.NumSubexp() == 0 {
			out = rule.re.ReplaceAllLiteralString(out, redactedPlaceholder)
			continue
		}
		out = rule.re.ReplaceAllString(out, "${1}"+redactedPlaceholder)
	}
	return out
}

var sensitiveKeyParts = []string{"api_key", "apikey", "secret", "token", "password", "credential", "signing_key"}

// RedactEnvValue masks value when key names a secret. Keys are matched
// case-insensitively, so VOICE_API_KEY and voice.api_key both qualify.
func RedactEnvValue(key, value string) string {
	k := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return redactedPlaceholder
		}
	}
	return value
}
