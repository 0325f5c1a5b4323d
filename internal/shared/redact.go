package shared

import (
	"net/url"
	"regexp"
	"strings"
)

const Redacted = "[REDACTED]"

// redactRule masks the value part of a match and keeps its label, so
// "webhook_secret=abc..." reads "webhook_secret=[REDACTED]".
type redactRule struct {
	re *regexp.Regexp
}

func (r redactRule) apply(s string) string {
	return r.re.ReplaceAllString(s, "${label}"+Redacted)
}

var redactRules = []redactRule{
	{regexp.MustCompile(`(?i)(?P<label>(?:webhook[_-]?secret|api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|api[_-]?token)\s*[:=]\s*)"?[A-Za-z0-9_\-./+=]{8,}"?`)},
	{regexp.MustCompile(`(?i)(?P<label>bearer\s+)[A-Za-z0-9_\-./+=]{16,}`)},
	{regexp.MustCompile(`(?i)(?P<label>x-(?:webhook-secret|api-key)\s*:\s*)\S+`)},
}

// Redact masks credentials embedded in free text such as error messages
// and audit reasons.
func Redact(s string) string {
	for _, r := range redactRules {
		if s == "" {
			return s
		}
		s = r.apply(s)
	}
	return s
}

// RedactURL masks the secret query parameter a webhook may carry.
func RedactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	if !q.Has("secret") {
		return u.String()
	}
	q.Set("secret", Redacted)
	masked := *u
	masked.RawQuery = q.Encode()
	return masked.String()
}

var sensitiveKeyParts = []string{"secret", "token", "password", "authorization", "api_key", "apikey", "credential"}

// IsSensitiveKey reports whether a log attribute or config key name looks
// like it holds a credential.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}
