package digest

import (
	"context"
	"fmt"

	"github.com/ignite/feed-digest/internal/ingest"
)

const (
	memoryLimit = 10000
	memoryKeep  = 8000

	successMarker  = "\n[SUCCESS] Previous digest was well-received."
	feedbackMarker = "\n[FEEDBACK] Previous digest could be improved. Consider adjusting relevance criteria."
)

// MemoryStore is the slice of the state store the reflector needs.
type MemoryStore interface {
	GetPreferences(ctx context.Context, userID string) (*ingest.Preferences, error)
	UpdateMemory(ctx context.Context, userID, memory string) error
}

// Reflector folds digest feedback back into a user's memory so future
// relevance scoring sees it.
type Reflector struct {
	store MemoryStore
}

func NewReflector(store MemoryStore) *Reflector {
	return &Reflector{store: store}
}

// Reflect records whether the last digest landed well and persists the
// updated memory.
func (r *Reflector) Reflect(ctx context.Context, userID string, wellReceived bool) error {
	prefs, err := r.store.GetPreferences(ctx, userID)
	if err != nil {
		return fmt.Errorf("load preferences for %s: %w", userID, err)
	}
	memory := ReflectMemory(prefs.Memory, wellReceived)
	if err := r.store.UpdateMemory(ctx, userID, memory); err != nil {
		return fmt.Errorf("update memory for %s: %w", userID, err)
	}
	return nil
}

// ReflectMemory appends the feedback marker and bounds the memory text,
// keeping the most recent tail when it overflows.
func ReflectMemory(memory string, wellReceived bool) string {
	if wellReceived {
		memory += successMarker
	} else {
		memory += feedbackMarker
	}
	if len(memory) > memoryLimit {
		runes := []rune(memory)
		if len(runes) > memoryKeep {
			memory = string(runes[len(runes)-memoryKeep:])
		}
	}
	return memory
}
