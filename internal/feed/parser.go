// Package feed fetches and parses RSS 2.0 and Atom 1.0 sources: conditional
// HTTP GET with retry and size limits, gofeed-based entry mapping, and a
// dedup cache keyed on GUID and link.
package feed

import (
	"bytes"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/ignite/feed-digest/internal/ingest"
)

// Parser turns raw feed bytes into normalized items, suppressing entries
// already seen in earlier parses. The cache is a fast-path only; the store's
// unique constraints are the real dedup boundary.
type Parser struct {
	fp *gofeed.Parser

	mu       sync.Mutex
	seenGUID map[string]struct{}
	seenLink map[string]struct{}
}

// NewParser returns a Parser with an empty dedup cache.
func NewParser() *Parser {
	return &Parser{
		fp:       gofeed.NewParser(),
		seenGUID: make(map[string]struct{}),
		seenLink: make(map[string]struct{}),
	}
}

// Parse maps feed entries to items for one source. Entries with no link are
// skipped; a missing title becomes "Untitled"; a missing GUID stays nil
// rather than being synthesized.
func (p *Parser) Parse(sourceID uuid.UUID, data []byte) ([]ingest.Item, error) {
	parsed, err := p.fp.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, &ingest.ParseError{Err: err}
	}

	var items []ingest.Item
	for _, entry := range parsed.Items {
		if entry.Link == "" {
			continue
		}
		if p.seen(sourceID, entry.GUID, entry.Link) {
			continue
		}

		it := ingest.Item{
			SourceID: sourceID,
			URI:      entry.Link,
			Title:    entry.Title,
		}
		if it.Title == "" {
			it.Title = "Untitled"
		}
		if entry.GUID != "" {
			guid := entry.GUID
			it.GUID = &guid
		}
		if entry.Description != "" {
			desc := entry.Description
			it.Description = &desc
		}
		if entry.Content != "" {
			content := entry.Content
			it.Content = &content
		}
		if len(entry.Authors) > 0 && entry.Authors[0].Name != "" {
			author := entry.Authors[0].Name
			it.Author = &author
		}
		if entry.PublishedParsed != nil {
			t := *entry.PublishedParsed
			it.PublishedAt = &t
		}
		it.Tags = append(it.Tags, entry.Categories...)
		it.Text = ComposeText(it.Title, entry.Description, entry.Content)

		items = append(items, it)
	}
	return items, nil
}

// seen records and reports whether the entry's GUID or link was already
// parsed for this source.
func (p *Parser) seen(sourceID uuid.UUID, guid, link string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if guid != "" {
		key := sourceID.String() + "|" + guid
		if _, dup := p.seenGUID[key]; dup {
			return true
		}
		p.seenGUID[key] = struct{}{}
	}
	key := sourceID.String() + "|" + link
	if _, dup := p.seenLink[key]; dup {
		return true
	}
	p.seenLink[key] = struct{}{}
	return false
}

// CacheSize returns how many GUIDs and links the dedup cache holds.
func (p *Parser) CacheSize() (guids, links int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seenGUID), len(p.seenLink)
}

// Reset clears the dedup cache.
func (p *Parser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seenGUID = make(map[string]struct{})
	p.seenLink = make(map[string]struct{})
}

// ComposeText builds the item text consumed by the processing stages:
// labeled title, description, and content sections separated by blank lines.
// Empty sections are omitted.
func ComposeText(title, description, content string) string {
	var b strings.Builder
	b.WriteString("Title: ")
	b.WriteString(title)
	if description != "" {
		b.WriteString("\n\nDescription: ")
		b.WriteString(description)
	}
	if content != "" {
		b.WriteString("\n\nContent: ")
		b.WriteString(content)
	}
	return b.String()
}

// IsValidFeedContent is a cheap sniff for RSS/Atom/RDF markup, used to skip
// a full parse of obviously non-feed payloads.
func IsValidFeedContent(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	s := strings.ToLower(string(head))
	return strings.Contains(s, "<rss") ||
		strings.Contains(s, "<feed") ||
		strings.Contains(s, "<rdf")
}
