package mailbox

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ignite/feed-digest/internal/ingest"
)

const plainMessage = "From: Jane Doe <jane@example.com>\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: Weekly update\r\n" +
	"Date: Mon, 24 Aug 2026 10:00:00 +0000\r\n" +
	"Message-ID: <abc123@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Here is the body.\r\n"

const htmlOnlyMessage = "From: news@example.com\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: HTML only\r\n" +
	"Message-ID: <html1@example.com>\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Rendered body</p>\r\n"

func testSource() ingest.Source {
	return ingest.Source{
		ID:   uuid.New(),
		Kind: ingest.SourceIMAP,
		URI:  "email://alice%40example.com@imap.example.com/INBOX",
	}
}

func TestMessageToItem(t *testing.T) {
	item, err := messageToItem(testSource(), 42, []byte(plainMessage))
	if err != nil {
		t.Fatalf("messageToItem() error = %v", err)
	}

	if item.URI != "email://42_abc123@example.com" {
		t.Errorf("URI = %q", item.URI)
	}
	if item.Title != "Weekly update" {
		t.Errorf("Title = %q", item.Title)
	}
	if item.Author == nil || *item.Author != "jane@example.com" {
		t.Errorf("Author = %v", item.Author)
	}
	if item.PublishedAt == nil {
		t.Error("PublishedAt not parsed from Date header")
	}

	wantPrefix := "From: jane@example.com\nTo: alice@example.com\nSubject: Weekly update\n\n"
	if !strings.HasPrefix(item.Text, wantPrefix) {
		t.Errorf("Text = %q, want prefix %q", item.Text, wantPrefix)
	}
	if !strings.Contains(item.Text, "Here is the body.") {
		t.Errorf("Text missing body: %q", item.Text)
	}
}

func TestMessageToItemHTMLFallback(t *testing.T) {
	item, err := messageToItem(testSource(), 7, []byte(htmlOnlyMessage))
	if err != nil {
		t.Fatalf("messageToItem() error = %v", err)
	}
	if !strings.Contains(item.Text, "<p>Rendered body</p>") {
		t.Errorf("Text should fall back to HTML body: %q", item.Text)
	}
}

func TestComposeText(t *testing.T) {
	got := ComposeText("a@x.com", "b@y.com", "Hi", "Body line")
	want := "From: a@x.com\nTo: b@y.com\nSubject: Hi\n\nBody line"
	if got != want {
		t.Errorf("ComposeText() = %q, want %q", got, want)
	}
}

func TestNewestFirst(t *testing.T) {
	got := newestFirst([]uint32{3, 9, 1, 7, 5}, 3)
	want := []uint32{9, 7, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}
