package logger

import (
	"net/url"
	"strings"
)

// RedactEmail masks an email address for safe logging. Short local parts
// (two characters or fewer) are fully masked.
// "john.doe@example.com" becomes "jo***@example.com",
// "ab@example.com" becomes "***@example.com".
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactURI masks the userinfo of a source URI. Mailbox URIs embed the
// credential's email address as the user part; the rest of the URI is kept
// for correlation.
func RedactURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User(RedactEmail(u.User.Username()))
	return u.String()
}
