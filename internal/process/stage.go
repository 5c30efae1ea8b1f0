// Package process implements the per-user processing chain: relevance
// scoring, summarization, and filtering. Stages are pure functions over
// their input; they never touch the store or the network, with the optional
// LLM summarizer as the one declared exception.
package process

import (
	"context"
	"fmt"

	"github.com/ignite/feed-digest/internal/ingest"
)

// ItemReference points back at the span of source text an annotation was
// derived from.
type ItemReference struct {
	Excerpt string `json:"excerpt"`
}

// ProcessedItem is an item plus the annotations accumulated by the chain.
type ProcessedItem struct {
	Item           ingest.Item     `json:"item"`
	RelevanceScore float64         `json:"relevance_score"`
	Summary        string          `json:"summary"`
	References     []ItemReference `json:"references,omitempty"`
}

// ProcessingInput feeds one stage: the items so far plus the user context.
type ProcessingInput struct {
	Items       []ProcessedItem
	Preferences *ingest.Preferences
	Metadata    map[string]string
}

// ProcessingOutput is what a stage hands to the next one.
type ProcessingOutput struct {
	Items    []ProcessedItem
	Metadata map[string]string
}

// Stage transforms a batch of items for one user.
type Stage interface {
	Name() string
	Run(ctx context.Context, in ProcessingInput) (ProcessingOutput, error)
}

// Chain runs stages in order, threading items and metadata through while
// keeping the user context fixed.
type Chain []Stage

// Run executes every stage. A stage error aborts the chain and reports
// which stage failed.
func (c Chain) Run(ctx context.Context, in ProcessingInput) (ProcessingOutput, error) {
	out := ProcessingOutput{Items: in.Items, Metadata: in.Metadata}
	for _, stage := range c {
		var err error
		out, err = stage.Run(ctx, ProcessingInput{
			Items:       out.Items,
			Preferences: in.Preferences,
			Metadata:    out.Metadata,
		})
		if err != nil {
			return ProcessingOutput{}, fmt.Errorf("stage %s: %w", stage.Name(), err)
		}
	}
	return out, nil
}

// WrapItems lifts raw items into the processing shape.
func WrapItems(items []ingest.Item) []ProcessedItem {
	out := make([]ProcessedItem, len(items))
	for i, it := range items {
		out[i] = ProcessedItem{Item: it}
	}
	return out
}
