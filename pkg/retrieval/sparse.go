package retrieval

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/go-ego/gse"
	"github.com/orsinium-labs/stopwords"

	"github.com/oyxning/astrbot-plugin-livingmemory/internal/store"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/config"
)

// SparseResult is one BM25 hit with its hydrated document.
type SparseResult struct {
	ID       int64
	Score    float64
	Content  string
	Metadata store.Metadata
}

// Filters restricts results by metadata equality.
type Filters struct {
	SessionID string
	PersonaID string
	Extra     map[string]any
}

// Match reports whether a record's metadata satisfies the filters.
func (f Filters) Match(meta store.Metadata) bool {
	if f.SessionID != "" && meta.SessionID != f.SessionID {
		return false
	}
	if f.PersonaID != "" && meta.PersonaID != f.PersonaID {
		return false
	}
	for key, want := range f.Extra {
		var got any
		switch key {
		case "event_type":
			got = meta.EventType
		case "status":
			got = meta.Status
		case "memory_id":
			got = meta.MemoryID
		default:
			got = meta.Extra[key]
		}
		if got != want {
			return false
		}
	}
	return true
}

// SparseRetriever runs BM25 full-text retrieval over the FTS5 mirror with
// language-aware query preprocessing.
type SparseRetriever struct {
	docs      *store.DocumentStore
	cfg       config.SparseRetriever
	log       *slog.Logger
	seg       gse.Segmenter
	segLoaded bool
	stop      *stopwords.Stopwords
}

// NewSparseRetriever builds the retriever. When the CJK segmenter cannot
// load its dictionary the retriever falls back to codepoint tokenization.
func NewSparseRetriever(docs *store.DocumentStore, cfg config.SparseRetriever, log *slog.Logger) *SparseRetriever {
	r := &SparseRetriever{
		docs: docs,
		cfg:  cfg,
		log:  log,
		stop: stopwords.MustGet("en"),
	}
	if cfg.UseCJKSegmenter {
		if err := r.seg.LoadDict(); err != nil {
			log.Warn("sparse: CJK segmenter unavailable, falling back to codepoint tokenization", "error", err)
		} else {
			r.segLoaded = true
		}
	}
	return r
}

// Enabled reports whether sparse retrieval is switched on.
func (r *SparseRetriever) Enabled() bool {
	return r.cfg.Enabled
}

// Search runs a BM25 search capped at limit and filtered by metadata.
// Scores are min-max normalized to [0,1] across the returned set. A bad
// query never raises: it logs and yields an empty result.
func (r *SparseRetriever) Search(ctx context.Context, query string, limit int, filters Filters) ([]SparseResult, error) {
	if !r.cfg.Enabled || limit <= 0 {
		return nil, nil
	}

	match := r.preprocess(query)
	if match == "" {
		return nil, nil
	}

	hits, err := r.docs.SearchFTS(ctx, match, limit)
	if err != nil {
		r.log.Error("sparse: fts query failed", "query", match, "error", err)
		return nil, nil
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(hits))
	scores := make(map[int64]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		scores[h.ID] = h.Score
	}
	records, err := r.docs.GetByIDs(ctx, ids)
	if err != nil {
		r.log.Error("sparse: hydrate failed", "error", err)
		return nil, nil
	}

	results := make([]SparseResult, 0, len(records))
	for _, rec := range records {
		if !filters.Match(rec.Metadata) {
			continue
		}
		results = append(results, SparseResult{
			ID:       rec.ID,
			Score:    scores[rec.ID],
			Content:  rec.Content,
			Metadata: rec.Metadata,
		})
	}
	normalizeScores(results)
	return results, nil
}

// Rebuild refills the FTS mirror from the document table.
func (r *SparseRetriever) Rebuild(ctx context.Context) error {
	return r.docs.RebuildFTS(ctx)
}

// preprocess trims, tokenizes and escapes the query for the FTS5 query
// language. Each token is phrase-quoted so wildcard, column and boolean
// operators are neutralized.
func (r *SparseRetriever) preprocess(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}

	var tokens []string
	if containsCJK(query) {
		if r.segLoaded {
			tokens = r.seg.CutSearch(query, true)
		} else {
			tokens = cutCodepoints(query)
		}
	} else {
		tokens = strings.Fields(query)
	}

	quoted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(strings.ReplaceAll(tok, `"`, " "))
		if tok == "" {
			continue
		}
		if isLatinWord(tok) && r.stop.Contains(strings.ToLower(tok)) {
			continue
		}
		quoted = append(quoted, `"`+tok+`"`)
	}
	if len(quoted) == 0 {
		// Everything was filtered; fall back to the whole query as one
		// phrase so the search still has a chance.
		return `"` + strings.ReplaceAll(query, `"`, " ") + `"`
	}
	return strings.Join(quoted, " ")
}

func containsCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) ||
			unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) ||
			unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}

func isLatinWord(s string) bool {
	for _, r := range s {
		if r > unicode.MaxLatin1 && !unicode.Is(unicode.Latin, r) {
			return false
		}
	}
	return true
}

// cutCodepoints splits CJK runs into single codepoints and keeps latin runs
// whole. Used when the segmenter dictionary is unavailable.
func cutCodepoints(s string) []string {
	var tokens []string
	var latin strings.Builder
	flush := func() {
		if latin.Len() > 0 {
			tokens = append(tokens, latin.String())
			latin.Reset()
		}
	}
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r):
			flush()
			tokens = append(tokens, string(r))
		default:
			latin.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// normalizeScores rescales the set's scores to [0,1] by min-max. A single
// result or a flat set normalizes to 1.
func normalizeScores(results []SparseResult) {
	if len(results) == 0 {
		return
	}
	minScore, maxScore := results[0].Score, results[0].Score
	for _, res := range results[1:] {
		if res.Score < minScore {
			minScore = res.Score
		}
		if res.Score > maxScore {
			maxScore = res.Score
		}
	}
	span := maxScore - minScore
	if span == 0 {
		for i := range results {
			results[i].Score = 1
		}
		return
	}
	for i := range results {
		results[i].Score = (results[i].Score - minScore) / span
	}
}
