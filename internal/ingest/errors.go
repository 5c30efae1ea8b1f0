package ingest

import (
	"errors"
	"fmt"
)

// Terminal fetch failures that park the source.
var (
	ErrFeedTooLarge  = errors.New("feed exceeds maximum size")
	ErrRedirectLimit = errors.New("redirect limit exceeded")
)

// ConfigError marks a malformed source URI or missing credential. The
// scheduler parks the source for a long interval (5 minutes).
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config error: " + e.Reason }

// TransportError wraps a DNS/connect/TLS/read failure. Always retriable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx, non-304 response. Retriable only for 5xx and 429.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string { return fmt.Sprintf("http error: status %d", e.Status) }

// Retriable reports whether the status indicates a transient server problem.
func (e *HTTPError) Retriable() bool {
	return e.Status == 429 || (e.Status >= 500 && e.Status <= 599)
}

// ParseError marks malformed RSS/Atom content. Terminal for the fetch; the
// cursor is not advanced.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "parse error: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// AuthError marks a rejected IMAP login. Parked with a long delay without
// inflating the general error counter.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "auth error: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// StoreError wraps a database failure; the whole fetch rolls back and the
// scheduler retries per normal rules.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string { return "store error: " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

// IsTransient reports whether an error should be retried within the current
// fetch attempt: transport failures, 5xx and 429.
func IsTransient(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Retriable()
	}
	return false
}

// IsParked reports whether an error should park the source for the long
// (5 minute) interval instead of normal exponential backoff.
func IsParked(err error) bool {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return true
	}
	var ae *AuthError
	return errors.As(err, &ae)
}
