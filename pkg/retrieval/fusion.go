package retrieval

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"unicode/utf8"

	"github.com/oyxning/astrbot-plugin-livingmemory/internal/store"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/config"
)

// ErrValidation wraps bad fusion strategy/parameter input from the admin
// surface. The message is specific enough to show to the operator.
var ErrValidation = errors.New("validation error")

// Strategy names the fusion rule combining dense and sparse result lists.
type Strategy string

// The nine fusion strategies.
const (
	StrategyRRF         Strategy = "rrf"
	StrategyHybridRRF   Strategy = "hybrid_rrf"
	StrategyWeighted    Strategy = "weighted"
	StrategyConvex      Strategy = "convex"
	StrategyInterleave  Strategy = "interleave"
	StrategyRankFusion  Strategy = "rank_fusion"
	StrategyScoreFusion Strategy = "score_fusion"
	StrategyCascade     Strategy = "cascade"
	StrategyAdaptive    Strategy = "adaptive"
)

// Strategies lists every recognized strategy, for help text and validation.
var Strategies = []Strategy{
	StrategyRRF, StrategyHybridRRF, StrategyWeighted, StrategyConvex,
	StrategyInterleave, StrategyRankFusion, StrategyScoreFusion,
	StrategyCascade, StrategyAdaptive,
}

// ParseStrategy validates a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	for _, s := range Strategies {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unknown fusion strategy %q", ErrValidation, name)
}

// strategyParams whitelists which parameters each strategy accepts.
var strategyParams = map[Strategy][]string{
	StrategyRRF:         {"rrf_k"},
	StrategyHybridRRF:   {"rrf_k", "diversity_bonus"},
	StrategyWeighted:    {"dense_weight", "sparse_weight"},
	StrategyConvex:      {"dense_weight", "sparse_weight", "convex_lambda"},
	StrategyInterleave:  {"interleave_ratio"},
	StrategyRankFusion:  {"dense_weight", "sparse_weight", "rank_bias_factor"},
	StrategyScoreFusion: {"dense_weight", "sparse_weight"},
	StrategyCascade:     {"dense_weight", "sparse_weight"},
	StrategyAdaptive:    {"dense_weight", "sparse_weight"},
}

// FusionParams are the tunables shared across strategies.
type FusionParams struct {
	RRFK            int
	DenseWeight     float64
	SparseWeight    float64
	ConvexLambda    float64
	InterleaveRatio float64
	RankBiasFactor  float64
	DiversityBonus  float64
}

// Hit is one entry of an input result list, already carrying its hydrated
// document so fused output needs no second lookup.
type Hit struct {
	ID       int64
	Score    float64
	Content  string
	Metadata store.Metadata
}

// FusedResult is one merged entry with its final score and the per-list
// scores that produced it.
type FusedResult struct {
	ID          int64
	Content     string
	Metadata    store.Metadata
	DenseScore  float64
	SparseScore float64
	FinalScore  float64
}

// Fusion dispatches over the strategies behind a single Fuse method. All
// fusing is pure; the mutex only guards runtime strategy/parameter swaps
// from the admin surface.
type Fusion struct {
	mu       sync.RWMutex
	strategy Strategy
	params   FusionParams
}

// NewFusion builds a fuser from validated config.
func NewFusion(cfg config.Fusion) (*Fusion, error) {
	strategy, err := ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	return &Fusion{
		strategy: strategy,
		params: FusionParams{
			RRFK:            cfg.RRFK,
			DenseWeight:     cfg.DenseWeight,
			SparseWeight:    cfg.SparseWeight,
			ConvexLambda:    cfg.ConvexLambda,
			InterleaveRatio: cfg.InterleaveRatio,
			RankBiasFactor:  cfg.RankBiasFactor,
			DiversityBonus:  cfg.DiversityBonus,
		},
	}, nil
}

// Strategy returns the active strategy.
func (f *Fusion) Strategy() Strategy {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.strategy
}

// Params returns a copy of the active parameters.
func (f *Fusion) Params() FusionParams {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.params
}

// SetStrategy switches the active strategy.
func (f *Fusion) SetStrategy(name string) error {
	strategy, err := ParseStrategy(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.strategy = strategy
	f.mu.Unlock()
	return nil
}

// SetParam validates and applies one parameter against the given strategy's
// whitelist. Setting one of the dense/sparse weights enforces that their sum
// stays within 1.0 for strategies using both.
func (f *Fusion) SetParam(strategy Strategy, key, value string) error {
	allowed, ok := strategyParams[strategy]
	if !ok {
		return fmt.Errorf("%w: unknown fusion strategy %q", ErrValidation, strategy)
	}
	found := false
	for _, a := range allowed {
		if a == key {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: parameter %q does not apply to strategy %q", ErrValidation, key, strategy)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if key == "rrf_k" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: rrf_k must be an integer, got %q", ErrValidation, value)
		}
		if n < 1 || n > 1000 {
			return fmt.Errorf("%w: rrf_k = %d, must be in [1,1000]", ErrValidation, n)
		}
		f.params.RRFK = n
		return nil
	}

	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%w: %s must be a number, got %q", ErrValidation, key, value)
	}
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: %s = %v, must be in [0,1]", ErrValidation, key, v)
	}

	if key == "dense_weight" || key == "sparse_weight" {
		other := f.params.SparseWeight
		if key == "sparse_weight" {
			other = f.params.DenseWeight
		}
		if usesBothWeights(strategy) {
			if total := v + other; total > 1.0 {
				return fmt.Errorf("%w: weight sum %.1f exceeds 1.0", ErrValidation, total)
			}
		}
	}

	switch key {
	case "dense_weight":
		f.params.DenseWeight = v
	case "sparse_weight":
		f.params.SparseWeight = v
	case "convex_lambda":
		f.params.ConvexLambda = v
	case "interleave_ratio":
		f.params.InterleaveRatio = v
	case "rank_bias_factor":
		f.params.RankBiasFactor = v
	case "diversity_bonus":
		f.params.DiversityBonus = v
	}
	return nil
}

func usesBothWeights(strategy Strategy) bool {
	var hasDense, hasSparse bool
	for _, p := range strategyParams[strategy] {
		if p == "dense_weight" {
			hasDense = true
		}
		if p == "sparse_weight" {
			hasSparse = true
		}
	}
	return hasDense && hasSparse
}

// Fuse merges the two result lists into at most k entries whose ids come
// from the union of the inputs.
func (f *Fusion) Fuse(dense, sparse []Hit, k int, info QueryInfo) []FusedResult {
	f.mu.RLock()
	strategy := f.strategy
	params := f.params
	f.mu.RUnlock()
	return fuseWith(strategy, params, dense, sparse, k, info)
}

func fuseWith(strategy Strategy, p FusionParams, dense, sparse []Hit, k int, info QueryInfo) []FusedResult {
	if k <= 0 {
		return nil
	}
	switch strategy {
	case StrategyRRF:
		return fuseRRF(dense, sparse, k, float64(p.RRFK))
	case StrategyHybridRRF:
		return fuseHybridRRF(dense, sparse, k, p, info)
	case StrategyWeighted:
		return fuseWeighted(dense, sparse, k, p.DenseWeight, p.SparseWeight)
	case StrategyConvex:
		return fuseWeighted(dense, sparse, k, p.ConvexLambda, 1-p.ConvexLambda)
	case StrategyInterleave:
		return fuseInterleave(dense, sparse, k, p.InterleaveRatio)
	case StrategyRankFusion:
		return fuseRank(dense, sparse, k, p)
	case StrategyScoreFusion:
		return fuseBorda(dense, sparse, k, p)
	case StrategyCascade:
		return fuseCascade(dense, sparse, k)
	case StrategyAdaptive:
		return fuseAdaptive(dense, sparse, k, p, info)
	default:
		return fuseRRF(dense, sparse, k, float64(p.RRFK))
	}
}

// hitIndex resolves a doc id to its content/metadata, preferring the dense
// copy when a doc appears in both lists.
type hitIndex map[int64]Hit

func indexHits(dense, sparse []Hit) hitIndex {
	idx := make(hitIndex, len(dense)+len(sparse))
	for _, h := range sparse {
		idx[h.ID] = h
	}
	for _, h := range dense {
		idx[h.ID] = h
	}
	return idx
}

func sideScores(dense, sparse []Hit) (map[int64]float64, map[int64]float64) {
	d := make(map[int64]float64, len(dense))
	for _, h := range dense {
		d[h.ID] = h.Score
	}
	s := make(map[int64]float64, len(sparse))
	for _, h := range sparse {
		s[h.ID] = h.Score
	}
	return d, s
}

func topK(scores map[int64]float64, idx hitIndex, dense, sparse []Hit, k int) []FusedResult {
	ids := make([]int64, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	// Deterministic: ties break toward the smaller id.
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > k {
		ids = ids[:k]
	}

	dScores, sScores := sideScores(dense, sparse)
	out := make([]FusedResult, 0, len(ids))
	for _, id := range ids {
		h := idx[id]
		out = append(out, FusedResult{
			ID:          id,
			Content:     h.Content,
			Metadata:    h.Metadata,
			DenseScore:  dScores[id],
			SparseScore: sScores[id],
			FinalScore:  scores[id],
		})
	}
	return out
}

// fuseRRF scores every id by the sum of 1/(K + rank + 1) over the lists it
// appears in.
func fuseRRF(dense, sparse []Hit, k int, K float64) []FusedResult {
	idx := indexHits(dense, sparse)
	scores := make(map[int64]float64, len(idx))
	for rank, h := range dense {
		scores[h.ID] += 1.0 / (K + float64(rank) + 1)
	}
	for rank, h := range sparse {
		scores[h.ID] += 1.0 / (K + float64(rank) + 1)
	}
	return topK(scores, idx, dense, sparse, k)
}

// fuseHybridRRF adapts K to the query type: keyword queries halve K so
// sparse-heavy ranks weigh more, semantic queries scale it by 1.5. A small
// diversity bonus rewards content whose length deviates from the batch mean.
func fuseHybridRRF(dense, sparse []Hit, k int, p FusionParams, info QueryInfo) []FusedResult {
	K := float64(p.RRFK)
	switch info.Type {
	case QueryKeyword:
		K = K / 2
	case QuerySemantic:
		K = K * 1.5
	}
	if K < 1 {
		K = 1
	}

	idx := indexHits(dense, sparse)
	scores := make(map[int64]float64, len(idx))
	for rank, h := range dense {
		scores[h.ID] += 1.0 / (K + float64(rank) + 1)
	}
	for rank, h := range sparse {
		scores[h.ID] += 1.0 / (K + float64(rank) + 1)
	}

	if p.DiversityBonus > 0 && len(idx) > 1 {
		var mean float64
		for _, h := range idx {
			mean += float64(utf8.RuneCountInString(h.Content))
		}
		mean /= float64(len(idx))

		var maxDev float64
		for _, h := range idx {
			dev := math.Abs(float64(utf8.RuneCountInString(h.Content)) - mean)
			if dev > maxDev {
				maxDev = dev
			}
		}
		if maxDev > 0 {
			for id, h := range idx {
				dev := math.Abs(float64(utf8.RuneCountInString(h.Content)) - mean)
				scores[id] += p.DiversityBonus * dev / maxDev
			}
		}
	}
	return topK(scores, idx, dense, sparse, k)
}

func minMaxNormalize(hits []Hit) map[int64]float64 {
	out := make(map[int64]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	minScore, maxScore := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < minScore {
			minScore = h.Score
		}
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}
	span := maxScore - minScore
	for _, h := range hits {
		if span == 0 {
			out[h.ID] = 1
		} else {
			out[h.ID] = (h.Score - minScore) / span
		}
	}
	return out
}

// fuseWeighted min-max normalizes each list then combines with the given
// weights. Convex fusion is the same rule with (λ, 1−λ).
func fuseWeighted(dense, sparse []Hit, k int, denseW, sparseW float64) []FusedResult {
	idx := indexHits(dense, sparse)
	dNorm := minMaxNormalize(dense)
	sNorm := minMaxNormalize(sparse)

	scores := make(map[int64]float64, len(idx))
	for id := range idx {
		scores[id] = denseW*dNorm[id] + sparseW*sNorm[id]
	}
	out := topK(scores, idx, dense, sparse, k)
	for i := range out {
		out[i].DenseScore = dNorm[out[i].ID]
		out[i].SparseScore = sNorm[out[i].ID]
	}
	return out
}

// fuseInterleave walks both lists round-robin with ratio r : 1−r, skipping
// duplicates, until k entries are taken. Output keeps the interleave order.
func fuseInterleave(dense, sparse []Hit, k int, ratio float64) []FusedResult {
	dScores, sScores := sideScores(dense, sparse)
	seen := make(map[int64]bool, k)
	out := make([]FusedResult, 0, k)
	di, si := 0, 0
	denseTaken, sparseTaken := 0, 0

	appendHit := func(h Hit) {
		if seen[h.ID] {
			return
		}
		seen[h.ID] = true
		out = append(out, FusedResult{
			ID:          h.ID,
			Content:     h.Content,
			Metadata:    h.Metadata,
			DenseScore:  dScores[h.ID],
			SparseScore: sScores[h.ID],
			FinalScore:  h.Score,
		})
	}

	for len(out) < k && (di < len(dense) || si < len(sparse)) {
		// Keep the dense share of draws near the configured ratio.
		fromDense := float64(denseTaken) < ratio*float64(denseTaken+sparseTaken+1)
		if di >= len(dense) {
			fromDense = false
		}
		if si >= len(sparse) {
			fromDense = true
		}
		if fromDense {
			appendHit(dense[di])
			di++
			denseTaken++
		} else {
			appendHit(sparse[si])
			si++
			sparseTaken++
		}
	}
	return out
}

// fuseRank scores by reciprocal rank position: w_d/dense_rank +
// w_s/sparse_rank with 1-based ranks, plus a bias when the id appears in
// both lists.
func fuseRank(dense, sparse []Hit, k int, p FusionParams) []FusedResult {
	idx := indexHits(dense, sparse)
	inDense := make(map[int64]bool, len(dense))
	scores := make(map[int64]float64, len(idx))
	for rank, h := range dense {
		scores[h.ID] += p.DenseWeight / float64(rank+1)
		inDense[h.ID] = true
	}
	for rank, h := range sparse {
		scores[h.ID] += p.SparseWeight / float64(rank+1)
		if inDense[h.ID] {
			scores[h.ID] += p.RankBiasFactor
		}
	}
	return topK(scores, idx, dense, sparse, k)
}

// fuseBorda is a weighted Borda count: each id earns w·(N − rank) per list.
func fuseBorda(dense, sparse []Hit, k int, p FusionParams) []FusedResult {
	idx := indexHits(dense, sparse)
	scores := make(map[int64]float64, len(idx))
	nd, ns := float64(len(dense)), float64(len(sparse))
	for rank, h := range dense {
		scores[h.ID] += p.DenseWeight * (nd - float64(rank))
	}
	for rank, h := range sparse {
		scores[h.ID] += p.SparseWeight * (ns - float64(rank))
	}
	return topK(scores, idx, dense, sparse, k)
}

// fuseCascade screens with the top-2k sparse candidates, keeps the dense
// hits within that set, and pads from the remaining sparse list when short.
func fuseCascade(dense, sparse []Hit, k int) []FusedResult {
	if len(sparse) == 0 {
		out := make([]FusedResult, 0, k)
		for _, h := range dense {
			if len(out) == k {
				break
			}
			out = append(out, FusedResult{
				ID: h.ID, Content: h.Content, Metadata: h.Metadata,
				DenseScore: h.Score, FinalScore: h.Score,
			})
		}
		return out
	}

	screen := sparse
	if len(screen) > 2*k {
		screen = screen[:2*k]
	}
	candidates := make(map[int64]bool, len(screen))
	for _, h := range screen {
		candidates[h.ID] = true
	}

	sScores := make(map[int64]float64, len(sparse))
	for _, h := range sparse {
		sScores[h.ID] = h.Score
	}

	out := make([]FusedResult, 0, k)
	taken := make(map[int64]bool, k)
	for _, h := range dense {
		if !candidates[h.ID] {
			continue
		}
		out = append(out, FusedResult{
			ID: h.ID, Content: h.Content, Metadata: h.Metadata,
			DenseScore: h.Score, SparseScore: sScores[h.ID], FinalScore: h.Score,
		})
		taken[h.ID] = true
	}
	if len(out) < k {
		for _, h := range sparse {
			if len(out) == k {
				break
			}
			if taken[h.ID] {
				continue
			}
			out = append(out, FusedResult{
				ID: h.ID, Content: h.Content, Metadata: h.Metadata,
				SparseScore: h.Score, FinalScore: h.Score,
			})
			taken[h.ID] = true
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FinalScore > out[j].FinalScore
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// fuseAdaptive picks a rule from the query classification: keyword queries
// lean sparse, semantic queries lean dense, mixed queries fall back to RRF.
func fuseAdaptive(dense, sparse []Hit, k int, p FusionParams, info QueryInfo) []FusedResult {
	switch info.Type {
	case QueryKeyword:
		return fuseWeighted(dense, sparse, k, 0.3, 0.7)
	case QuerySemantic:
		return fuseWeighted(dense, sparse, k, 0.8, 0.2)
	default:
		return fuseRRF(dense, sparse, k, float64(p.RRFK))
	}
}
