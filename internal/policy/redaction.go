package policy

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	bearerPattern = regexp.MustCompile(`(?i)\b(bearer|token|password|secret|api[_-]?key)([=: ]+)[^\s&"']+`)
	dsnPattern    = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.\-]*://[^:/@\s]+):[^@\s]+@`)
)

var sensitiveParams = []string{"token", "key", "secret", "password", "passwd", "auth", "sig", "signature", "session", "code"}

// RedactURL masks the userinfo password and the values of credential-like
// query parameters. Unparseable input goes through Redact instead.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return Redact(raw)
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "REDACTED")
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		changed := false
		for name := range q {
			if isSensitiveParam(name) {
				q.Set(name, "REDACTED")
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}
	return u.String()
}

// Redact masks emails, inline credentials and DSN passwords in free text
// such as task errors.
func Redact(input string) string {
	out := dsnPattern.ReplaceAllString(input, "${1}:[REDACTED]@")
	out = bearerPattern.ReplaceAllString(out, "${1}${2}[REDACTED]")
	return emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
}

func isSensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveParams {
		if lower == s || strings.HasSuffix(lower, "_"+s) || strings.HasSuffix(lower, "-"+s) {
			return true
		}
	}
	return false
}
