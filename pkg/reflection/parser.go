package reflection

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/oyxning/astrbot-plugin-livingmemory/internal/store"
)

// fencedJSON matches a JSON object wrapped in a Markdown code fence.
var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// extractJSON pulls the JSON object out of a possibly fenced LLM reply.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return stripCodeFence(text)
}

// stripCodeFence removes a leading/trailing ``` wrapper that the fenced
// regex missed (e.g. an unterminated fence).
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// ParseEvents validates the stage-A reply into a list of memory events.
// Events missing a temp_id or content are dropped; unknown event types are
// normalized to "other". The LLM sometimes labels the correlation id "id"
// instead of "temp_id" — both are accepted.
func ParseEvents(raw string) ([]MemoryEvent, error) {
	cleaned := extractJSON(raw)
	if cleaned == "" {
		return nil, nil
	}

	var wire struct {
		Events []struct {
			MemoryEvent
			ID string `json:"id"`
		} `json:"events"`
	}
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return nil, fmt.Errorf("reflection: failed to parse event list: %w", err)
	}

	events := make([]MemoryEvent, 0, len(wire.Events))
	for _, e := range wire.Events {
		ev := e.MemoryEvent
		if ev.TempID == "" {
			ev.TempID = e.ID
		}
		ev.TempID = strings.TrimSpace(ev.TempID)
		ev.MemoryContent = strings.TrimSpace(ev.MemoryContent)
		if ev.TempID == "" || ev.MemoryContent == "" {
			continue
		}
		ev.EventType = strings.ToLower(strings.TrimSpace(ev.EventType))
		if !store.IsValidEventType(ev.EventType) {
			ev.EventType = store.EventOther
		}
		events = append(events, ev)
	}
	return events, nil
}

// ParseScores validates the stage-B reply. Scores are clamped to [0,1].
func ParseScores(raw string) (map[string]float64, error) {
	cleaned := extractJSON(raw)
	if cleaned == "" {
		return nil, nil
	}
	var wire scoreEvaluation
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return nil, fmt.Errorf("reflection: failed to parse scores: %w", err)
	}
	for id, score := range wire.Scores {
		if score < 0 {
			wire.Scores[id] = 0
		} else if score > 1 {
			wire.Scores[id] = 1
		}
	}
	return wire.Scores, nil
}
