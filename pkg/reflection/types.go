// Package reflection turns a frozen conversation history into scored memory
// events through a two-stage LLM pipeline: batch extraction, then batch
// importance evaluation.
package reflection

import (
	"github.com/oyxning/astrbot-plugin-livingmemory/internal/store"
)

// MemoryEvent is one extracted event before persistence. TempID only exists
// to correlate the two LLM stages; the document store assigns the real id.
type MemoryEvent struct {
	TempID          string         `json:"temp_id"`
	MemoryContent   string         `json:"memory_content"`
	EventType       string         `json:"event_type"`
	Entities        []store.Entity `json:"entities,omitempty"`
	RelatedEventIDs []string       `json:"related_event_ids,omitempty"`
	ImportanceScore float64        `json:"importance_score,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// scoreEvaluation is the stage-B wire format.
type scoreEvaluation struct {
	Scores map[string]float64 `json:"scores"`
}
