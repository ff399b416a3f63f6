// Package recall orchestrates dense, sparse and hybrid retrieval and the
// similarity/importance/recency reranker.
package recall

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/oyxning/astrbot-plugin-livingmemory/internal/store"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/config"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/retrieval"
)

// recencyLambda gives the exponential recency score a half-life of roughly
// 24 hours.
const recencyLambda = 0.028

// DenseSearcher is the dense side of retrieval, served by memory.Manager.
type DenseSearcher interface {
	Search(ctx context.Context, query string, k int, filters retrieval.Filters) ([]store.Record, error)
}

// SparseSearcher is the sparse side, served by retrieval.SparseRetriever.
type SparseSearcher interface {
	Search(ctx context.Context, query string, limit int, filters retrieval.Filters) ([]retrieval.SparseResult, error)
	Enabled() bool
}

// Engine selects the retrieval mode, fans out, fuses and reranks.
type Engine struct {
	mu     sync.RWMutex
	cfg    config.RecallEngine
	dense  DenseSearcher
	sparse SparseSearcher
	fusion *retrieval.Fusion
	loc    *time.Location
	log    *slog.Logger
	now    func() time.Time
}

// New builds a recall engine. sparse may be nil when the retriever is
// disabled; hybrid and sparse modes then degrade to dense.
func New(cfg config.RecallEngine, dense DenseSearcher, sparse SparseSearcher, fusion *retrieval.Fusion, loc *time.Location, log *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		dense:  dense,
		sparse: sparse,
		fusion: fusion,
		loc:    loc,
		log:    log,
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// Mode returns the active retrieval mode.
func (e *Engine) Mode() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.RetrievalMode
}

// SetMode switches the retrieval mode at runtime.
func (e *Engine) SetMode(mode string) error {
	switch mode {
	case config.ModeHybrid, config.ModeDense, config.ModeSparse:
	default:
		return retrieval.ErrValidation
	}
	e.mu.Lock()
	e.cfg.RetrievalMode = mode
	e.mu.Unlock()
	return nil
}

// Fusion exposes the shared fuser for the admin surface.
func (e *Engine) Fusion() *retrieval.Fusion {
	return e.fusion
}

// Recall retrieves the k most relevant memories for query. k <= 0 uses the
// configured top_k. Retrieval failures in either branch degrade to empty
// lists rather than failing the call.
func (e *Engine) Recall(ctx context.Context, query, sessionID, personaID string, k int) ([]store.Record, error) {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	if k <= 0 {
		k = cfg.TopK
	}
	filters := retrieval.Filters{SessionID: sessionID, PersonaID: personaID}
	info := retrieval.AnalyzeQuery(query)

	sparseUsable := e.sparse != nil && e.sparse.Enabled()
	switch {
	case cfg.RetrievalMode == config.ModeHybrid && sparseUsable:
		return e.hybridSearch(ctx, cfg, query, filters, k, info)
	case cfg.RetrievalMode == config.ModeSparse && sparseUsable:
		return e.sparseSearch(ctx, query, filters, k)
	default:
		return e.denseSearch(ctx, cfg, query, filters, k)
	}
}

func (e *Engine) hybridSearch(ctx context.Context, cfg config.RecallEngine, query string, filters retrieval.Filters, k int, info retrieval.QueryInfo) ([]store.Record, error) {
	var (
		wg            sync.WaitGroup
		denseRecords  []store.Record
		sparseResults []retrieval.SparseResult
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		recs, err := e.dense.Search(ctx, query, 2*k, filters)
		if err != nil {
			e.log.Warn("recall: dense branch failed", "error", err)
			return
		}
		denseRecords = recs
	}()
	go func() {
		defer wg.Done()
		res, err := e.sparse.Search(ctx, query, 2*k, filters)
		if err != nil {
			e.log.Warn("recall: sparse branch failed", "error", err)
			return
		}
		sparseResults = res
	}()
	wg.Wait()

	dense := make([]retrieval.Hit, len(denseRecords))
	for i, rec := range denseRecords {
		dense[i] = retrieval.Hit{ID: rec.ID, Score: rec.Similarity, Content: rec.Content, Metadata: rec.Metadata}
	}
	sparse := make([]retrieval.Hit, len(sparseResults))
	for i, res := range sparseResults {
		sparse[i] = retrieval.Hit{ID: res.ID, Score: res.Score, Content: res.Content, Metadata: res.Metadata}
	}

	fused := e.fusion.Fuse(dense, sparse, k, info)
	results := make([]store.Record, len(fused))
	for i, f := range fused {
		results[i] = store.Record{
			ID:         f.ID,
			Content:    f.Content,
			Metadata:   f.Metadata,
			Similarity: f.FinalScore,
		}
	}
	if cfg.RecallStrategy == "weighted" {
		results = e.rerank(cfg, results)
	}
	return results, nil
}

func (e *Engine) denseSearch(ctx context.Context, cfg config.RecallEngine, query string, filters retrieval.Filters, k int) ([]store.Record, error) {
	results, err := e.dense.Search(ctx, query, k, filters)
	if err != nil {
		e.log.Warn("recall: dense search failed", "error", err)
		return nil, nil
	}
	if cfg.RecallStrategy == "weighted" {
		results = e.rerank(cfg, results)
	}
	return results, nil
}

// sparseSearch returns BM25 results as-is; pure sparse mode skips the
// reranker.
func (e *Engine) sparseSearch(ctx context.Context, query string, filters retrieval.Filters, k int) ([]store.Record, error) {
	res, err := e.sparse.Search(ctx, query, k, filters)
	if err != nil {
		e.log.Warn("recall: sparse search failed", "error", err)
		return nil, nil
	}
	results := make([]store.Record, len(res))
	for i, r := range res {
		results[i] = store.Record{ID: r.ID, Content: r.Content, Metadata: r.Metadata, Similarity: r.Score}
	}
	return results, nil
}

// rerank blends similarity, importance and recency and overwrites each
// record's Similarity with the blended score.
func (e *Engine) rerank(cfg config.RecallEngine, results []store.Record) []store.Record {
	e.mu.RLock()
	now := e.now().In(e.loc)
	e.mu.RUnlock()
	nowSec := float64(now.UnixNano()) / 1e9

	for i := range results {
		md := results[i].Metadata
		lastAccess := md.LastAccessTime
		if lastAccess == 0 {
			lastAccess = nowSec
		}
		hours := (nowSec - lastAccess) / 3600
		if hours < 0 {
			hours = 0
		}
		recency := math.Exp(-recencyLambda * hours)

		results[i].Similarity = cfg.SimilarityWeight*results[i].Similarity +
			cfg.ImportanceWeight*md.Importance +
			cfg.RecencyWeight*recency
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	return results
}
