package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/oyxning/astrbot-plugin-livingmemory/internal/store"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/config"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/provider"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/session"
)

// MemoryAdder is the slice of the memory manager the engine needs.
type MemoryAdder interface {
	Add(ctx context.Context, content string, importance float64, sessionID, personaID string, meta *store.Metadata) (int64, error)
}

// Engine runs the two-stage reflect-and-store pipeline.
type Engine struct {
	cfg     config.ReflectionEngine
	chatter provider.Chatter
	memory  MemoryAdder
	log     *slog.Logger
}

// New builds a reflection engine.
func New(cfg config.ReflectionEngine, chatter provider.Chatter, memory MemoryAdder, log *slog.Logger) *Engine {
	return &Engine{cfg: cfg, chatter: chatter, memory: memory, log: log}
}

// extractEvents is stage A: batch-extract memory events from the history.
// A malformed reply is logged and yields no events; the caller may retry the
// whole pipeline.
func (e *Engine) extractEvents(ctx context.Context, historyText, personaPrompt string) ([]MemoryEvent, error) {
	system := buildExtractionPrompt(e.cfg.EventExtractionPrompt, personaPrompt)
	user := "Here is the conversation history to analyze:\n" + historyText

	reply, err := e.chatter.Chat(ctx, user, system, true)
	if err != nil {
		return nil, fmt.Errorf("reflection: extraction call: %w", err)
	}
	events, err := ParseEvents(reply)
	if err != nil {
		e.log.Error("reflection: extraction reply did not validate", "error", err, "reply", reply)
		return nil, nil
	}
	return events, nil
}

// evaluateScores is stage B: batch-score the extracted events. Events the
// LLM forgets to score are simply absent from the map.
func (e *Engine) evaluateScores(ctx context.Context, events []MemoryEvent, personaPrompt string) (map[string]float64, error) {
	if len(events) == 0 {
		return nil, nil
	}
	type item struct {
		ID      string `json:"temp_id"`
		Content string `json:"content"`
	}
	items := make([]item, len(events))
	for i, ev := range events {
		items[i] = item{ID: ev.TempID, Content: ev.MemoryContent}
	}
	payload, err := json.MarshalIndent(map[string]any{"memories": items}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("reflection: marshal evaluation input: %w", err)
	}

	system := buildEvaluationPrompt(e.cfg.EvaluationPrompt, personaPrompt)
	reply, err := e.chatter.Chat(ctx, string(payload), system, true)
	if err != nil {
		return nil, fmt.Errorf("reflection: evaluation call: %w", err)
	}
	scores, err := ParseScores(reply)
	if err != nil {
		e.log.Error("reflection: evaluation reply did not validate", "error", err, "reply", reply)
		return nil, nil
	}
	return scores, nil
}

// ReflectAndStore runs extraction, evaluation and persistence over a frozen
// history snapshot. Events scoring below the importance threshold are
// ignored; events with no score are skipped with a warning.
func (e *Engine) ReflectAndStore(ctx context.Context, history []session.Message, sessionID, personaID, personaPrompt string) error {
	historyText := formatHistory(history)
	if historyText == "" {
		e.log.Debug("reflection: empty history, skipping", "session", sessionID)
		return nil
	}

	e.log.Info("reflection: stage 1, extracting memory events", "session", sessionID)
	events, err := e.extractEvents(ctx, historyText, personaPrompt)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		e.log.Info("reflection: no memory events extracted", "session", sessionID)
		return nil
	}
	e.log.Info("reflection: extracted events", "session", sessionID, "count", len(events))

	e.log.Info("reflection: stage 2, evaluating importance", "session", sessionID)
	scores, err := e.evaluateScores(ctx, events, personaPrompt)
	if err != nil {
		return err
	}

	stored, ignored := 0, 0
	for _, ev := range events {
		score, ok := scores[ev.TempID]
		if !ok {
			e.log.Warn("reflection: event has no score, skipping",
				"session", sessionID, "temp_id", ev.TempID)
			continue
		}
		ev.ImportanceScore = score
		if score < e.cfg.ImportanceThreshold {
			ignored++
			continue
		}

		meta := &store.Metadata{
			EventType: ev.EventType,
			Entities:  ev.Entities,
		}
		extra := make(map[string]any, len(ev.Metadata)+2)
		for k, v := range ev.Metadata {
			extra[k] = v
		}
		if len(ev.RelatedEventIDs) > 0 {
			extra["related_event_ids"] = ev.RelatedEventIDs
		}
		if len(extra) > 0 {
			meta.Extra = extra
		}

		id, err := e.memory.Add(ctx, ev.MemoryContent, score, sessionID, personaID, meta)
		if err != nil {
			return fmt.Errorf("reflection: store event %q: %w", ev.TempID, err)
		}
		stored++
		e.log.Debug("reflection: stored memory event",
			"session", sessionID, "id", id, "score", score)
	}
	e.log.Info("reflection: finished", "session", sessionID, "stored", stored, "ignored", ignored)
	return nil
}
