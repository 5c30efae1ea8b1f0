// Package digest turns emitted aggregator outputs into deliverable digests
// and hands them off to external consumers.
package digest

import (
	"context"
	"fmt"
	"strings"

	"github.com/ignite/feed-digest/internal/aggregate"
	"github.com/ignite/feed-digest/internal/process"
)

// Sink receives emitted digests.
type Sink interface {
	Deliver(ctx context.Context, out *aggregate.Output) error
}

// ComposeText renders a digest as plain text: one numbered block per item
// with its source URI and relevance score.
func ComposeText(out *aggregate.Output) string {
	if len(out.Items) == 0 {
		return "No relevant items found for your preferences."
	}

	var b strings.Builder
	b.WriteString("Content Digest:\n\n")
	for i, item := range out.Items {
		summary := item.Summary
		if summary == "" {
			summary = process.TitleLine(item.Item.Text)
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, summary)
		fmt.Fprintf(&b, "   Source: %s\n", item.Item.URI)
		fmt.Fprintf(&b, "   Relevance: %.2f\n\n", item.RelevanceScore)
	}
	return b.String()
}
