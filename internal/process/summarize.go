package process

import (
	"context"
	"strings"
)

// summaryBodyLimit bounds how much of the body a lexical summary keeps.
const summaryBodyLimit = 200

// SummarizeStage produces a short extractive summary: the title plus the
// first 200 characters of body, broken at the last full stop inside the
// window when one exists.
type SummarizeStage struct{}

// NewSummarizeStage returns the extractive summarizer.
func NewSummarizeStage() *SummarizeStage { return &SummarizeStage{} }

func (s *SummarizeStage) Name() string { return "summarize" }

func (s *SummarizeStage) Run(ctx context.Context, in ProcessingInput) (ProcessingOutput, error) {
	items := make([]ProcessedItem, len(in.Items))
	for i, item := range in.Items {
		items[i] = item
		title := TitleLine(item.Item.Text)
		excerpt := summarizeBody(BodyText(item.Item.Text))
		items[i].Summary = composeSummary(title, excerpt)
		if excerpt != "" {
			items[i].References = append(items[i].References, ItemReference{Excerpt: excerpt})
		}
	}
	return ProcessingOutput{Items: items, Metadata: in.Metadata}, nil
}

func composeSummary(title, excerpt string) string {
	switch {
	case title == "":
		return excerpt
	case excerpt == "":
		return title
	default:
		return title + ": " + excerpt
	}
}

// summarizeBody truncates the body to the summary window, cutting at the
// last sentence boundary inside it when possible.
func summarizeBody(body string) string {
	body = strings.TrimSpace(body)
	if len(body) <= summaryBodyLimit {
		return body
	}
	window := body[:summaryBodyLimit]
	if i := strings.LastIndexByte(window, '.'); i >= 0 {
		return window[:i+1]
	}
	return window
}

// BodyText strips the leading header block (everything through the first
// blank line) from a composed item text.
func BodyText(text string) string {
	if i := strings.Index(text, "\n\n"); i >= 0 {
		return text[i+2:]
	}
	return ""
}
