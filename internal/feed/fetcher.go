package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ignite/feed-digest/internal/config"
	"github.com/ignite/feed-digest/internal/ingest"
	"github.com/ignite/feed-digest/internal/pkg/httpretry"
)

// Fetcher pulls RSS/Atom sources over HTTP. It sends conditional requests
// from the source's persisted ETag/Last-Modified cursor, enforces the
// redirect and size limits, paces requests per host, and optionally honors
// robots.txt.
type Fetcher struct {
	cfg    config.FetchConfig
	client *httpretry.RetryClient
	parser *Parser

	mu          sync.Mutex
	lastRequest map[string]time.Time

	robotsMu sync.Mutex
	robots   map[string]*robotsRules
}

// NewFetcher builds an RSS fetcher from the fetch configuration.
func NewFetcher(cfg config.FetchConfig) *Fetcher {
	base := &http.Client{
		Timeout: cfg.Timeout(),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return ingest.ErrRedirectLimit
			}
			return nil
		},
	}
	return &Fetcher{
		cfg:         cfg,
		client:      httpretry.NewRetryClient(base, cfg.MaxRetries, cfg.RetryBase()),
		parser:      NewParser(),
		lastRequest: make(map[string]time.Time),
		robots:      make(map[string]*robotsRules),
	}
}

// Parser exposes the dedup cache for stats and reset.
func (f *Fetcher) Parser() *Parser { return f.parser }

// Pull performs one conditional fetch of the source. A 304 is a success with
// zero items and unchanged cursors.
func (f *Fetcher) Pull(ctx context.Context, src ingest.Source) (*ingest.FetchResult, error) {
	u, err := url.Parse(src.URI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &ingest.ConfigError{Reason: fmt.Sprintf("not a fetchable feed uri: %s", src.URI)}
	}

	if f.cfg.RespectRobots {
		allowed, err := f.allowedByRobots(ctx, u)
		if err == nil && !allowed {
			return nil, &ingest.ConfigError{Reason: "disallowed by robots.txt"}
		}
	}

	if err := f.waitHostGap(ctx, u.Host); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URI, nil)
	if err != nil {
		return nil, &ingest.ConfigError{Reason: err.Error()}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")
	if src.ETag != nil {
		req.Header.Set("If-None-Match", *src.ETag)
	}
	if src.LastModifiedHTTP != nil {
		req.Header.Set("If-Modified-Since", *src.LastModifiedHTTP)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, ingest.ErrRedirectLimit) {
			return nil, ingest.ErrRedirectLimit
		}
		return nil, &ingest.TransportError{Op: "get", Err: err}
	}
	defer resp.Body.Close()

	fetchedAt := time.Now()
	result := &ingest.FetchResult{
		SourceID:     src.ID,
		HTTPStatus:   resp.StatusCode,
		FetchedAt:    fetchedAt,
		ResponseTime: fetchedAt.Sub(start),
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		result.Success = true
		return result, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &ingest.HTTPError{Status: resp.StatusCode}
	}

	if resp.ContentLength > f.cfg.MaxFeedSizeBytes {
		return nil, ingest.ErrFeedTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxFeedSizeBytes+1))
	if err != nil {
		return nil, &ingest.TransportError{Op: "read body", Err: err}
	}
	if int64(len(body)) > f.cfg.MaxFeedSizeBytes {
		return nil, ingest.ErrFeedTooLarge
	}

	if !IsValidFeedContent(body) {
		return nil, &ingest.ParseError{Err: errors.New("response is not RSS/Atom content")}
	}
	items, err := f.parser.Parse(src.ID, body)
	if err != nil {
		return nil, err
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		result.NewETag = &etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		result.NewLastModified = &lastMod
	}
	result.Success = true
	result.Items = items
	return result, nil
}

// waitHostGap blocks until at least the configured gap has passed since the
// previous request to the same host.
func (f *Fetcher) waitHostGap(ctx context.Context, host string) error {
	f.mu.Lock()
	last, ok := f.lastRequest[host]
	now := time.Now()
	var wait time.Duration
	if ok {
		if until := last.Add(f.cfg.HostMinGap()); until.After(now) {
			wait = until.Sub(now)
		}
	}
	f.lastRequest[host] = now.Add(wait)
	f.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return &ingest.TransportError{Op: "host gap wait", Err: ctx.Err()}
	}
}

// robotsRules is the subset of robots.txt we evaluate: Disallow prefixes for
// the first group matching our agent, or the wildcard group.
type robotsRules struct {
	disallow []string
}

func (r *robotsRules) allows(path string) bool {
	if path == "" {
		path = "/"
	}
	for _, prefix := range r.disallow {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

// allowedByRobots fetches and caches the host's robots.txt. Fetch failures
// count as permission.
func (f *Fetcher) allowedByRobots(ctx context.Context, u *url.URL) (bool, error) {
	f.robotsMu.Lock()
	rules, ok := f.robots[u.Host]
	f.robotsMu.Unlock()

	if !ok {
		fetched, err := f.fetchRobots(ctx, u)
		if err != nil {
			return true, err
		}
		rules = fetched
		f.robotsMu.Lock()
		f.robots[u.Host] = rules
		f.robotsMu.Unlock()
	}
	return rules.allows(u.Path), nil
}

func (f *Fetcher) fetchRobots(ctx context.Context, u *url.URL) (*robotsRules, error) {
	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		// No robots.txt means no restrictions.
		return &robotsRules{}, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil, err
	}
	return parseRobots(string(body), f.cfg.UserAgent), nil
}

// parseRobots extracts Disallow prefixes from the group addressing our agent
// (matched on the product token before the slash) or, failing that, the
// wildcard group.
func parseRobots(body, userAgent string) *robotsRules {
	token := strings.ToLower(userAgent)
	if i := strings.Index(token, "/"); i > 0 {
		token = token[:i]
	}

	var (
		wildcard robotsRules
		specific robotsRules
		current  *robotsRules
		matched  bool
	)
	for _, line := range strings.Split(body, "\n") {
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			agent := strings.ToLower(value)
			switch {
			case agent == "*":
				current = &wildcard
			case strings.Contains(agent, token):
				current = &specific
				matched = true
			default:
				current = nil
			}
		case "disallow":
			if current != nil {
				current.disallow = append(current.disallow, value)
			}
		}
	}
	if matched {
		return &specific
	}
	return &wildcard
}
