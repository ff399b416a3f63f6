package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oyxning/astrbot-plugin-livingmemory/internal/store"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/forgetting"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/memory"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/retrieval"
)

// Response is the envelope every admin operation returns.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func ok(message string, data any) Response {
	return Response{Success: true, Message: message, Data: data}
}

func fail(message string) Response {
	return Response{Success: false, Message: message}
}

func (p *Plugin) adminGate() (Response, bool) {
	if err := p.readyErr(); err != nil {
		return fail("plugin is not ready: " + err.Error()), false
	}
	return Response{}, true
}

// SearchHit is one displayed search result.
type SearchHit struct {
	ID         int64   `json:"id"`
	Score      float64 `json:"score"`
	Importance float64 `json:"importance"`
	EventType  string  `json:"event_type"`
	Content    string  `json:"content"`
}

func toSearchHits(records []store.Record) []SearchHit {
	hits := make([]SearchHit, len(records))
	for i, rec := range records {
		eventType := rec.Metadata.EventType
		if eventType == "" {
			eventType = store.EventOther
		}
		hits[i] = SearchHit{
			ID:         rec.ID,
			Score:      rec.Similarity,
			Importance: rec.Metadata.Importance,
			EventType:  eventType,
			Content:    rec.Content,
		}
	}
	return hits
}

// Status reports memory counts and live session count.
func (p *Plugin) Status(ctx context.Context) Response {
	if resp, ready := p.adminGate(); !ready {
		return resp
	}
	total, err := p.manager.Count(ctx)
	if err != nil {
		return fail("failed to count memories: " + err.Error())
	}
	byStatus, err := p.manager.CountByStatus(ctx)
	if err != nil {
		return fail("failed to count memories by status: " + err.Error())
	}
	return ok(fmt.Sprintf("%d memories stored", total), map[string]any{
		"total":     total,
		"by_status": byStatus,
		"sessions":  p.sessions.Count(),
	})
}

// SearchMemories runs a reranked recall without session scoping.
func (p *Plugin) SearchMemories(ctx context.Context, query string, k int) Response {
	if resp, ready := p.adminGate(); !ready {
		return resp
	}
	if k <= 0 {
		k = 3
	}
	records, err := p.recall.Recall(ctx, query, "", "", k)
	if err != nil {
		return fail("search failed: " + err.Error())
	}
	if len(records) == 0 {
		return ok("no matching memories", []SearchHit{})
	}
	return ok(fmt.Sprintf("found %d memories", len(records)), toSearchHits(records))
}

// SparseTest runs a sparse-only search for diagnosis.
func (p *Plugin) SparseTest(ctx context.Context, query string, k int) Response {
	if resp, ready := p.adminGate(); !ready {
		return resp
	}
	if p.sparse == nil {
		return fail("sparse retriever is disabled")
	}
	if k <= 0 {
		k = 5
	}
	results, err := p.sparse.Search(ctx, query, k, retrieval.Filters{})
	if err != nil {
		return fail("sparse search failed: " + err.Error())
	}
	hits := make([]SearchHit, len(results))
	for i, r := range results {
		hits[i] = SearchHit{
			ID:         r.ID,
			Score:      r.Score,
			Importance: r.Metadata.Importance,
			EventType:  r.Metadata.EventType,
			Content:    r.Content,
		}
	}
	return ok(fmt.Sprintf("sparse search returned %d hits", len(hits)), hits)
}

// Forget deletes one record by id.
func (p *Plugin) Forget(ctx context.Context, id int64) Response {
	if resp, ready := p.adminGate(); !ready {
		return resp
	}
	if _, err := p.manager.Get(ctx, id); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return fail(fmt.Sprintf("no memory with id %d", id))
		}
		return fail("lookup failed: " + err.Error())
	}
	if err := p.manager.Delete(ctx, []int64{id}); err != nil {
		return fail("delete failed: " + err.Error())
	}
	return ok(fmt.Sprintf("memory %d deleted", id), nil)
}

// WipeAll deletes every record and reports how many went.
func (p *Plugin) WipeAll(ctx context.Context) Response {
	if resp, ready := p.adminGate(); !ready {
		return resp
	}
	n, err := p.manager.WipeAll(ctx)
	if err != nil {
		return fail("wipe failed: " + err.Error())
	}
	return ok(fmt.Sprintf("deleted %d memories", n), map[string]any{"deleted": n})
}

// RunForgettingAgent triggers a manual prune. A run already in flight
// returns a busy response immediately.
func (p *Plugin) RunForgettingAgent(ctx context.Context) Response {
	if resp, ready := p.adminGate(); !ready {
		return resp
	}
	if err := p.forgetting.TriggerManualRun(ctx); err != nil {
		if errors.Is(err, forgetting.ErrBusy) {
			return fail("busy: a forgetting run is already in progress")
		}
		return fail("forgetting run failed: " + err.Error())
	}
	return ok("forgetting run finished", nil)
}

// SparseRebuild refills the FTS mirror from the document table.
func (p *Plugin) SparseRebuild(ctx context.Context) Response {
	if resp, ready := p.adminGate(); !ready {
		return resp
	}
	if err := p.manager.RebuildSparseIndex(ctx); err != nil {
		return fail("sparse index rebuild failed: " + err.Error())
	}
	return ok("sparse index rebuilt", nil)
}

// SetSearchMode switches the retrieval mode.
func (p *Plugin) SetSearchMode(mode string) Response {
	if resp, ready := p.adminGate(); !ready {
		return resp
	}
	if err := p.recall.SetMode(mode); err != nil {
		return fail(fmt.Sprintf("unknown retrieval mode %q, expected hybrid|dense|sparse", mode))
	}
	return ok("retrieval mode set to "+mode, nil)
}

// EditMemory changes one field of a record. Fields: content, importance,
// type, status.
func (p *Plugin) EditMemory(ctx context.Context, id int64, field, value, reason string) Response {
	if resp, ready := p.adminGate(); !ready {
		return resp
	}
	var fields memory.UpdateFields
	switch field {
	case "content":
		if strings.TrimSpace(value) == "" {
			return fail("content must not be empty")
		}
		fields.Content = &value
	case "importance":
		imp, err := strconv.ParseFloat(value, 64)
		if err != nil || imp < 0 || imp > 1 {
			return fail(fmt.Sprintf("importance %q must be a number in [0,1]", value))
		}
		fields.Importance = &imp
	case "type":
		t := strings.ToLower(value)
		if !store.IsValidEventType(t) {
			return fail(fmt.Sprintf("unknown event type %q, expected fact|preference|goal|opinion|relationship|other", value))
		}
		fields.EventType = &t
	case "status":
		st := strings.ToLower(value)
		if !store.IsValidStatus(st) {
			return fail(fmt.Sprintf("unknown status %q, expected active|archived|deleted", value))
		}
		fields.Status = &st
	default:
		return fail(fmt.Sprintf("unknown field %q, expected content|importance|type|status", field))
	}

	changed, err := p.manager.Update(ctx, id, fields, reason)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return fail(fmt.Sprintf("no memory with id %d", id))
		}
		return fail("update failed: " + err.Error())
	}
	if len(changed) == 0 {
		return ok("nothing changed, value already matches", nil)
	}
	return ok(fmt.Sprintf("memory %d updated (%s)", id, strings.Join(changed, ", ")),
		map[string]any{"changed_fields": changed})
}

// MemoryHistory shows a record's update history.
func (p *Plugin) MemoryHistory(ctx context.Context, id int64) Response {
	if resp, ready := p.adminGate(); !ready {
		return resp
	}
	rec, err := p.manager.Get(ctx, id)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return fail(fmt.Sprintf("no memory with id %d", id))
		}
		return fail("lookup failed: " + err.Error())
	}
	if len(rec.Metadata.UpdateHistory) == 0 {
		return ok(fmt.Sprintf("memory %d has no update history", id), []store.UpdateRecord{})
	}
	return ok(fmt.Sprintf("memory %d has %d update entries", id, len(rec.Metadata.UpdateHistory)),
		rec.Metadata.UpdateHistory)
}

// MemoryDetails shows a record's full state as an edit aid.
func (p *Plugin) MemoryDetails(ctx context.Context, id int64) Response {
	if resp, ready := p.adminGate(); !ready {
		return resp
	}
	rec, err := p.manager.Get(ctx, id)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return fail(fmt.Sprintf("no memory with id %d", id))
		}
		return fail("lookup failed: " + err.Error())
	}
	md := rec.Metadata
	return ok(fmt.Sprintf("memory %d", id), map[string]any{
		"id":                rec.ID,
		"content":           rec.Content,
		"importance":        md.Importance,
		"event_type":        md.EventType,
		"status":            md.Status,
		"session_id":        md.SessionID,
		"persona_id":        md.PersonaID,
		"entities":          md.Entities,
		"create_time":       formatTimestamp(md.CreateTime),
		"last_access_time":  formatTimestamp(md.LastAccessTime),
		"last_updated_time": formatTimestamp(md.LastUpdatedTime),
	})
}

// ManageFusion switches or tunes the fusion strategy. "show" renders the
// current configuration. A parameter is validated (whitelist, range, weight
// sum) before anything is applied, so a rejected command leaves the
// configuration unchanged.
func (p *Plugin) ManageFusion(strategy, param string) Response {
	if resp, ready := p.adminGate(); !ready {
		return resp
	}
	if strategy == "" || strategy == "show" {
		params := p.fusion.Params()
		return ok("current fusion configuration", map[string]any{
			"strategy":         string(p.fusion.Strategy()),
			"rrf_k":            params.RRFK,
			"dense_weight":     params.DenseWeight,
			"sparse_weight":    params.SparseWeight,
			"convex_lambda":    params.ConvexLambda,
			"interleave_ratio": params.InterleaveRatio,
			"rank_bias_factor": params.RankBiasFactor,
			"diversity_bonus":  params.DiversityBonus,
		})
	}

	target, err := retrieval.ParseStrategy(strategy)
	if err != nil {
		names := make([]string, len(retrieval.Strategies))
		for i, s := range retrieval.Strategies {
			names[i] = string(s)
		}
		sort.Strings(names)
		return fail(fmt.Sprintf("unknown fusion strategy %q, expected one of: %s",
			strategy, strings.Join(names, ", ")))
	}

	if param != "" {
		key, value, found := strings.Cut(param, "=")
		if !found {
			return fail(fmt.Sprintf("parameter %q must be key=value", param))
		}
		if err := p.fusion.SetParam(target, strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return fail(err.Error())
		}
	}

	old := p.fusion.Strategy()
	if err := p.fusion.SetStrategy(strategy); err != nil {
		return fail(err.Error())
	}
	msg := fmt.Sprintf("fusion strategy switched from %q to %q", old, target)
	if param != "" {
		msg += " (" + param + ")"
	}
	return ok(msg, nil)
}

// TestFusion runs the active fusion strategy and shows per-hit detail.
func (p *Plugin) TestFusion(ctx context.Context, query string, k int) Response {
	if resp, ready := p.adminGate(); !ready {
		return resp
	}
	if k <= 0 {
		k = 5
	}
	records, err := p.recall.Recall(ctx, query, "", "", k)
	if err != nil {
		return fail("fusion test failed: " + err.Error())
	}
	return ok(fmt.Sprintf("fusion test with strategy %q returned %d hits", p.fusion.Strategy(), len(records)),
		map[string]any{
			"query":    query,
			"strategy": string(p.fusion.Strategy()),
			"results":  toSearchHits(records),
		})
}

// ConfigSummary shows or re-validates the active configuration.
func (p *Plugin) ConfigSummary(action string) Response {
	switch action {
	case "", "show":
		return ok("active configuration", map[string]any{
			"session_manager":   p.cfg.SessionManager,
			"recall_engine":     p.cfg.RecallEngine,
			"fusion":            p.cfg.Fusion,
			"reflection_engine": p.cfg.ReflectionEngine,
			"sparse_retriever":  p.cfg.SparseRetriever,
			"forgetting_agent":  p.cfg.ForgettingAgent,
			"timezone":          p.cfg.TimezoneSettings.Timezone,
		})
	case "validate":
		if err := p.cfg.Validate(); err != nil {
			return fail("configuration is invalid: " + err.Error())
		}
		return ok("configuration is valid", nil)
	default:
		return fail(fmt.Sprintf("unknown action %q, expected show|validate", action))
	}
}

func formatTimestamp(sec float64) string {
	if sec == 0 {
		return ""
	}
	return time.Unix(int64(sec), 0).UTC().Format(time.RFC3339)
}
