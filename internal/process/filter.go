package process

import (
	"context"
	"sort"
)

// Filter defaults.
const (
	DefaultMinRelevanceScore = 0.3
	DefaultMaxItems          = 10
)

// FilterStage drops low-relevance items, orders the rest by score
// descending, and truncates to the per-digest item budget.
type FilterStage struct {
	MinScore float64
	MaxItems int
}

// NewFilterStage returns a filter with the default threshold and budget.
func NewFilterStage() *FilterStage {
	return &FilterStage{MinScore: DefaultMinRelevanceScore, MaxItems: DefaultMaxItems}
}

func (s *FilterStage) Name() string { return "filter" }

func (s *FilterStage) Run(ctx context.Context, in ProcessingInput) (ProcessingOutput, error) {
	minScore := s.MinScore
	maxItems := s.MaxItems
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}

	var kept []ProcessedItem
	for _, item := range in.Items {
		if item.RelevanceScore >= minScore {
			kept = append(kept, item)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].RelevanceScore > kept[j].RelevanceScore
	})
	if len(kept) > maxItems {
		kept = kept[:maxItems]
	}
	return ProcessingOutput{Items: kept, Metadata: in.Metadata}, nil
}
