package process

import (
	"context"
	"strings"
)

// Topic tags recognized by substring matching over preferences and memory.
var knownTopics = []string{
	"technology",
	"politics",
	"business",
	"science",
	"sports",
	"artificial-intelligence",
}

// Stop words excluded from keyword extraction.
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "day": {}, "get": {}, "has": {},
	"him": {}, "his": {}, "how": {}, "man": {}, "new": {}, "now": {},
	"old": {}, "see": {}, "two": {}, "way": {}, "who": {}, "with": {},
	"that": {}, "this": {}, "from": {}, "they": {}, "have": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "about": {},
	"would": {}, "there": {}, "their": {}, "will": {}, "more": {},
	"other": {}, "into": {}, "than": {}, "them": {}, "then": {},
	"some": {}, "only": {}, "over": {}, "such": {}, "very": {},
	"want": {}, "like": {}, "also": {}, "things": {}, "interested": {},
}

// Score weights. A keyword hit, a topic hit, and an exact phrase hit are
// each binary; every keyword repeated in the title adds a bonus. The total
// is capped at 1.0.
const (
	keywordWeight      = 0.3
	topicWeight        = 0.4
	phraseWeight       = 0.5
	titleKeywordWeight = 0.2
)

// RelevanceStage scores each item against the user's preferences and memory.
type RelevanceStage struct{}

// NewRelevanceStage returns the lexical relevance scorer.
func NewRelevanceStage() *RelevanceStage { return &RelevanceStage{} }

func (s *RelevanceStage) Name() string { return "relevance" }

func (s *RelevanceStage) Run(ctx context.Context, in ProcessingInput) (ProcessingOutput, error) {
	var description, memory string
	if in.Preferences != nil {
		description = in.Preferences.Description
		memory = in.Preferences.Memory
	}
	keywords := ExtractKeywords(description)
	topics := ExtractTopics(description + " " + memory)
	phrase := strings.ToLower(strings.TrimSpace(description))

	items := make([]ProcessedItem, len(in.Items))
	for i, item := range in.Items {
		items[i] = item
		items[i].RelevanceScore = scoreItem(item.Item.Text, keywords, topics, phrase)
	}
	return ProcessingOutput{Items: items, Metadata: in.Metadata}, nil
}

func scoreItem(text string, keywords, topics []string, phrase string) float64 {
	lower := strings.ToLower(text)
	var score float64

	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			score += keywordWeight
			break
		}
	}
	for _, topic := range topics {
		if strings.Contains(lower, topic) {
			score += topicWeight
			break
		}
	}
	if phrase != "" && strings.Contains(lower, phrase) {
		score += phraseWeight
	}

	title := strings.ToLower(TitleLine(text))
	for _, kw := range keywords {
		if strings.Contains(title, kw) {
			score += titleKeywordWeight
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// ExtractKeywords tokenizes the preferences description into lowercase
// keywords of at least 4 characters, minus stop words.
func ExtractKeywords(description string) []string {
	fields := strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-'
	})
	var keywords []string
	seen := make(map[string]struct{})
	for _, f := range fields {
		if len(f) < 4 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		keywords = append(keywords, f)
	}
	return keywords
}

// ExtractTopics returns the known topic tags appearing as substrings of the
// given text.
func ExtractTopics(text string) []string {
	lower := strings.ToLower(text)
	var topics []string
	for _, topic := range knownTopics {
		if strings.Contains(lower, topic) {
			topics = append(topics, topic)
		}
	}
	return topics
}

// TitleLine returns the contents of the "Title: " line of a composed item
// text, or the first line when the marker is absent.
func TitleLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "Title: ") {
			return strings.TrimPrefix(line, "Title: ")
		}
		if strings.HasPrefix(line, "Subject: ") {
			return strings.TrimPrefix(line, "Subject: ")
		}
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}
