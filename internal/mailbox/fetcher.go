package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/ignite/feed-digest/internal/ingest"
	"github.com/ignite/feed-digest/internal/pkg/logger"
)

// CredentialStore resolves mailbox logins. Implemented by the state store.
type CredentialStore interface {
	GetCredential(ctx context.Context, emailAddress string) (*ingest.Credential, error)
	GetSoleCredential(ctx context.Context) (*ingest.Credential, error)
}

// Fetcher pulls new messages from IMAP mailboxes. The search window comes
// from the credential's last sync instant; the caller advances that cursor
// only after the returned items are durably stored.
type Fetcher struct {
	creds       CredentialStore
	maxMessages int
	timeout     time.Duration
}

// NewFetcher builds a mailbox fetcher. maxMessages caps how many of the
// newest matching messages one poll fetches (default 100); timeout bounds the
// whole protocol cycle end to end (default 60s).
func NewFetcher(creds CredentialStore, maxMessages int, timeout time.Duration) *Fetcher {
	if maxMessages <= 0 {
		maxMessages = 100
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Fetcher{creds: creds, maxMessages: maxMessages, timeout: timeout}
}

// Pull runs one full IMAP cycle: connect, login, select, search, fetch,
// logout. A cycle with zero matching messages is still a success.
func (f *Fetcher) Pull(ctx context.Context, src ingest.Source) (*ingest.FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cfg, err := ParseSourceURI(src.URI)
	if err != nil {
		return nil, err
	}
	cred, err := f.resolveCredential(ctx, cfg)
	if err != nil {
		return nil, err
	}
	login := cred.EmailAddress

	start := time.Now()
	client, err := f.dial(ctx, cfg)
	if err != nil {
		return nil, &ingest.TransportError{Op: "imap dial", Err: err}
	}
	defer client.Close()
	// The protocol waits below have no deadline of their own; closing the
	// connection unblocks them when the context expires.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if err := client.Login(login, cred.Password).Wait(); err != nil {
		return nil, &ingest.AuthError{Err: err}
	}
	if _, err := client.Select(cfg.Mailbox, nil).Wait(); err != nil {
		return nil, &ingest.TransportError{Op: "imap select", Err: err}
	}

	criteria := &imap.SearchCriteria{}
	if cred.LastSyncAt != nil {
		criteria.Since = *cred.LastSyncAt
	}
	searchData, err := client.Search(criteria, nil).Wait()
	if err != nil {
		return nil, &ingest.TransportError{Op: "imap search", Err: err}
	}

	seqNums := newestFirst(searchData.AllSeqNums(), f.maxMessages)
	var items []ingest.Item
	if len(seqNums) > 0 {
		items, err = f.fetchMessages(client, src, seqNums)
		if err != nil {
			return nil, err
		}
	}

	if err := client.Logout().Wait(); err != nil {
		logger.Warn("imap logout failed", "mailbox_user", login, "error", err.Error())
	}

	fetchedAt := time.Now()
	return &ingest.FetchResult{
		SourceID:     src.ID,
		Success:      true,
		Items:        items,
		FetchedAt:    fetchedAt,
		ResponseTime: fetchedAt.Sub(start),
	}, nil
}

// resolveCredential binds the source to a stored login: the URI's user part
// when present, otherwise the repo-wide sole credential.
func (f *Fetcher) resolveCredential(ctx context.Context, cfg *SourceConfig) (*ingest.Credential, error) {
	if cfg.User != "" {
		cred, err := f.creds.GetCredential(ctx, cfg.User)
		if err != nil {
			return nil, &ingest.ConfigError{Reason: fmt.Sprintf("no credential for mailbox %s", logger.RedactEmail(cfg.User))}
		}
		return cred, nil
	}
	cred, err := f.creds.GetSoleCredential(ctx)
	if err != nil {
		return nil, &ingest.ConfigError{Reason: fmt.Sprintf("mailbox uri names no user and no sole credential exists: %v", err)}
	}
	return cred, nil
}

func (f *Fetcher) dial(ctx context.Context, cfg *SourceConfig) (*imapclient.Client, error) {
	tlsConfig := &tls.Config{ServerName: cfg.Host}
	if cfg.AcceptInvalidCerts || cfg.AcceptInvalidHostnames {
		tlsConfig.InsecureSkipVerify = true
	}
	options := &imapclient.Options{TLSConfig: tlsConfig}
	if cfg.TLS {
		dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: tlsConfig}
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr())
		if err != nil {
			return nil, err
		}
		return imapclient.New(conn, options), nil
	}
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, err
	}
	return imapclient.NewStartTLS(conn, options)
}

func (f *Fetcher) fetchMessages(client *imapclient.Client, src ingest.Source, seqNums []uint32) ([]ingest.Item, error) {
	bodySection := &imap.FetchItemBodySection{}
	fetchCmd := client.Fetch(imap.SeqSetNum(seqNums...), &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})

	var items []ingest.Item
	for {
		msgData := fetchCmd.Next()
		if msgData == nil {
			break
		}
		msg, err := msgData.Collect()
		if err != nil {
			return nil, &ingest.TransportError{Op: "imap fetch", Err: err}
		}
		raw := msg.FindBodySection(bodySection)
		if raw == nil {
			continue
		}
		item, err := messageToItem(src, uint32(msg.UID), raw)
		if err != nil {
			// One unparseable message never fails the poll.
			logger.Warn("skipping unparseable message", "source", logger.RedactURI(src.URI), "uid", fmt.Sprint(msg.UID), "error", err.Error())
			continue
		}
		items = append(items, *item)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, &ingest.TransportError{Op: "imap fetch", Err: err}
	}
	return items, nil
}

// newestFirst keeps the highest max sequence numbers, descending.
func newestFirst(seqNums []uint32, max int) []uint32 {
	sort.Slice(seqNums, func(i, j int) bool { return seqNums[i] > seqNums[j] })
	if len(seqNums) > max {
		seqNums = seqNums[:max]
	}
	return seqNums
}

// messageToItem parses one RFC822 message into an item. The text is the
// composed header block plus the plain-text body, falling back to HTML when
// no plain part exists.
func messageToItem(src ingest.Source, uid uint32, raw []byte) (*ingest.Item, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	header := mr.Header
	from := formatAddressList(header, "From")
	to := formatAddressList(header, "To")
	subject, _ := header.Subject()

	messageID, _ := header.MessageID()
	if messageID == "" {
		messageID = "no-message-id"
	}

	var plainBody, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read part: %w", err)
		}
		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		switch contentType {
		case "text/plain":
			if plainBody == "" {
				plainBody = string(body)
			}
		case "text/html":
			if htmlBody == "" {
				htmlBody = string(body)
			}
		}
	}
	body := plainBody
	if body == "" {
		body = htmlBody
	}

	item := &ingest.Item{
		SourceID: src.ID,
		URI:      fmt.Sprintf("email://%d_%s", uid, messageID),
		Title:    subject,
		Text:     ComposeText(from, to, subject, body),
	}
	if from != "" {
		item.Author = &from
	}
	if date, err := header.Date(); err == nil && !date.IsZero() {
		item.PublishedAt = &date
	}
	return item, nil
}

func formatAddressList(header mail.Header, key string) string {
	addrs, err := header.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.Address)
	}
	return strings.Join(parts, ", ")
}

// ComposeText builds the message text consumed by the processing stages.
func ComposeText(from, to, subject, body string) string {
	return fmt.Sprintf("From: %s\nTo: %s\nSubject: %s\n\n%s", from, to, subject, body)
}
