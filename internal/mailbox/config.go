// Package mailbox fetches items from IMAP mailboxes. Source URIs use the
// email:// scheme; credentials come from the state store and are never
// logged in the clear.
package mailbox

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/ignite/feed-digest/internal/ingest"
)

// SourceConfig is the resolved connection spec for one mailbox source.
type SourceConfig struct {
	Host    string
	Port    int
	User    string // empty means "use the credential's email address"
	Mailbox string

	TLS                    bool
	AcceptInvalidCerts     bool
	AcceptInvalidHostnames bool
}

// Addr returns the host:port dial target.
func (c SourceConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ParseSourceURI resolves an email:// URI into a connection spec. Shape:
//
//	email://[user@]host[:port]/[mailbox]?tls=BOOL&accept_invalid_certs=BOOL&accept_invalid_hostnames=BOOL
//
// Defaults: port 993, tls true, mailbox INBOX, strict certificate checks.
// Unknown query keys are ignored; any other scheme is a configuration error.
func ParseSourceURI(raw string) (*SourceConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &ingest.ConfigError{Reason: fmt.Sprintf("invalid mailbox uri %q: %v", raw, err)}
	}
	if u.Scheme != "email" {
		return nil, &ingest.ConfigError{Reason: fmt.Sprintf("unsupported mailbox scheme %q", u.Scheme)}
	}
	if u.Hostname() == "" {
		return nil, &ingest.ConfigError{Reason: "mailbox uri has no host"}
	}

	cfg := &SourceConfig{
		Host:    u.Hostname(),
		Port:    993,
		Mailbox: "INBOX",
		TLS:     true,
	}
	if u.User != nil {
		cfg.User = u.User.Username()
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, &ingest.ConfigError{Reason: fmt.Sprintf("invalid mailbox port %q", p)}
		}
		cfg.Port = port
	}
	if len(u.Path) > 1 {
		cfg.Mailbox = u.Path[1:]
	}

	q := u.Query()
	if v := q.Get("tls"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, &ingest.ConfigError{Reason: fmt.Sprintf("invalid tls flag %q", v)}
		}
		cfg.TLS = b
	}
	if v := q.Get("accept_invalid_certs"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, &ingest.ConfigError{Reason: fmt.Sprintf("invalid accept_invalid_certs flag %q", v)}
		}
		cfg.AcceptInvalidCerts = b
	}
	if v := q.Get("accept_invalid_hostnames"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, &ingest.ConfigError{Reason: fmt.Sprintf("invalid accept_invalid_hostnames flag %q", v)}
		}
		cfg.AcceptInvalidHostnames = b
	}
	return cfg, nil
}
