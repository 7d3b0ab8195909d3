// Package redact strips credentials from strings before they are logged.
// Broker and database connection URLs carry passwords, and dial errors
// often echo them back, so every error that may contain a URL goes through
// Error before it reaches a log line.
package redact

import (
	"net/url"
	"regexp"
)

// Placeholders used in redacted output.
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedJWTPlaceholder        = "[REDACTED_JWT]"
)

var (
	// userinfo section of amqp, postgres and similar connection URLs
	connURLRegex = regexp.MustCompile(`(?i)\b(amqps?|postgres(?:ql)?|mysql|mongodb|redis)://[^@/\s]+@`)

	passwordRegex = regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]?['"]?)[^'"&\s]{3,}`)
	apiKeyRegex   = regexp.MustCompile(
		`(?i)(api[_-]?key|token|secret)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`,
	)
	jwtTokenRegex = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`)

	// order matters: JWTs must be caught before the generic token pattern
	patterns = []struct {
		re          *regexp.Regexp
		placeholder string
	}{
		{connURLRegex, "${1}://" + RedactedCredentialPlaceholder + "@"},
		{jwtTokenRegex, RedactedJWTPlaceholder},
		{passwordRegex, RedactedCredentialPlaceholder},
		{apiKeyRegex, RedactedKeyPlaceholder},
	}
)

// String redacts sensitive information from the input string.
func String(input string) string {
	if input == "" {
		return input
	}

	result := input
	for _, p := range patterns {
		result = p.re.ReplaceAllString(result, p.placeholder)
	}
	return result
}

// Error redacts sensitive information from an error's Error() output.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// URL returns raw with any password replaced, keeping the scheme, user,
// host and path so the value is still useful in logs. Unparseable input is
// passed through String instead.
func URL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return String(raw)
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), RedactionPlaceholder)
	}
	return u.String()
}
