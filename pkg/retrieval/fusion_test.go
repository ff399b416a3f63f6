package retrieval

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/config"
)

func hits(pairs ...float64) []Hit {
	// pairs are (id, score) couples.
	out := make([]Hit, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		id := int64(pairs[i])
		out = append(out, Hit{
			ID:      id,
			Score:   pairs[i+1],
			Content: fmt.Sprintf("content-%d", id),
		})
	}
	return out
}

func newTestFusion(t *testing.T, strategy string) *Fusion {
	t.Helper()
	cfg := config.Default().Fusion
	cfg.Strategy = strategy
	f, err := NewFusion(cfg)
	require.NoError(t, err)
	return f
}

func TestFuseCapsAndSubsetAcrossStrategies(t *testing.T) {
	dense := hits(1, 0.9, 2, 0.8, 3, 0.7, 4, 0.6)
	sparse := hits(3, 1.0, 5, 0.5, 6, 0.4, 7, 0.3)
	union := map[int64]bool{1: true, 2: true, 3: true, 4: true, 5: true, 6: true, 7: true}

	for _, strategy := range Strategies {
		t.Run(string(strategy), func(t *testing.T) {
			f := newTestFusion(t, string(strategy))
			for _, k := range []int{1, 3, 5, 20} {
				out := f.Fuse(dense, sparse, k, AnalyzeQuery("what does the user like"))
				assert.LessOrEqual(t, len(out), k, "k=%d", k)
				for _, r := range out {
					assert.True(t, union[r.ID], "id %d is not from the input union", r.ID)
				}
			}
		})
	}
}

func TestFuseEmptyInputs(t *testing.T) {
	for _, strategy := range Strategies {
		f := newTestFusion(t, string(strategy))
		out := f.Fuse(nil, nil, 5, QueryInfo{Type: QueryMixed})
		assert.Empty(t, out, "strategy %s", strategy)
	}
}

func TestRRFFavorsDocsInBothLists(t *testing.T) {
	f := newTestFusion(t, "rrf")
	dense := hits(1, 0.9, 2, 0.8)
	sparse := hits(2, 1.0, 3, 0.5)

	out := f.Fuse(dense, sparse, 3, QueryInfo{Type: QueryMixed})
	require.NotEmpty(t, out)
	assert.Equal(t, int64(2), out[0].ID, "the doc present in both lists should rank first")
}

func TestRRFScoreFormula(t *testing.T) {
	f := newTestFusion(t, "rrf")
	dense := hits(1, 0.9)
	out := f.Fuse(dense, nil, 1, QueryInfo{Type: QueryMixed})
	require.Len(t, out, 1)
	assert.InDelta(t, 1.0/61.0, out[0].FinalScore, 1e-12)
}

func TestRRFTieDeterminism(t *testing.T) {
	// Two ids at the same rank in opposite lists score identically; output
	// order must still be deterministic.
	f := newTestFusion(t, "rrf")
	out1 := f.Fuse(hits(1, 0.9), hits(2, 0.9), 2, QueryInfo{})
	out2 := f.Fuse(hits(1, 0.9), hits(2, 0.9), 2, QueryInfo{})
	require.Len(t, out1, 2)
	assert.Equal(t, out1[0].ID, out2[0].ID)
	assert.InDelta(t, out1[0].FinalScore, out1[1].FinalScore, 1e-12)
}

func TestWeightedNormalizesAndBlends(t *testing.T) {
	f := newTestFusion(t, "weighted")
	dense := hits(1, 0.2, 2, 0.1) // normalizes to 1 and 0
	sparse := hits(2, 0.8, 3, 0.4)

	out := f.Fuse(dense, sparse, 3, QueryInfo{})
	require.Len(t, out, 3)
	scores := map[int64]float64{}
	for _, r := range out {
		scores[r.ID] = r.FinalScore
	}
	// id 1: dense-only at normalized 1.0 -> 0.7; id 2: 0.7*0 + 0.3*1.
	assert.InDelta(t, 0.7, scores[1], 1e-9)
	assert.InDelta(t, 0.3, scores[2], 1e-9)
}

func TestConvexUsesLambda(t *testing.T) {
	cfg := config.Default().Fusion
	cfg.Strategy = "convex"
	cfg.ConvexLambda = 1.0
	f, err := NewFusion(cfg)
	require.NoError(t, err)

	dense := hits(1, 0.9)
	sparse := hits(2, 1.0)
	out := f.Fuse(dense, sparse, 2, QueryInfo{})
	require.Len(t, out, 2)
	// λ=1 means sparse contributes nothing.
	assert.Equal(t, int64(1), out[0].ID)
	assert.InDelta(t, 0.0, out[1].FinalScore, 1e-9)
}

func TestInterleaveSkipsDuplicatesAndHonorsK(t *testing.T) {
	f := newTestFusion(t, "interleave")
	dense := hits(1, 0.9, 2, 0.8, 3, 0.7)
	sparse := hits(1, 1.0, 4, 0.5, 5, 0.4)

	out := f.Fuse(dense, sparse, 4, QueryInfo{})
	assert.Len(t, out, 4)
	seen := map[int64]int{}
	for _, r := range out {
		seen[r.ID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "id %d appeared %d times", id, n)
	}
}

func TestInterleaveRatioExtremes(t *testing.T) {
	cfg := config.Default().Fusion
	cfg.Strategy = "interleave"
	cfg.InterleaveRatio = 1.0
	f, err := NewFusion(cfg)
	require.NoError(t, err)

	dense := hits(1, 0.9, 2, 0.8)
	sparse := hits(3, 1.0, 4, 0.5)
	out := f.Fuse(dense, sparse, 2, QueryInfo{})
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].ID)
	assert.Equal(t, int64(2), out[1].ID)
}

func TestRankFusionBias(t *testing.T) {
	f := newTestFusion(t, "rank_fusion")
	dense := hits(1, 0.9, 2, 0.8)
	sparse := hits(2, 1.0)

	out := f.Fuse(dense, sparse, 2, QueryInfo{})
	require.Len(t, out, 2)
	// id 2: 0.7/2 + 0.3/1 + bias 0.1 = 0.75 beats id 1: 0.7/1 = 0.7.
	assert.Equal(t, int64(2), out[0].ID)
	assert.InDelta(t, 0.75, out[0].FinalScore, 1e-9)
}

func TestBordaCount(t *testing.T) {
	f := newTestFusion(t, "score_fusion")
	dense := hits(1, 0.9, 2, 0.8)
	sparse := hits(2, 1.0, 3, 0.5)

	out := f.Fuse(dense, sparse, 3, QueryInfo{})
	scores := map[int64]float64{}
	for _, r := range out {
		scores[r.ID] = r.FinalScore
	}
	// Nd = Ns = 2. id1: 0.7*2; id2: 0.7*1 + 0.3*2; id3: 0.3*1.
	assert.InDelta(t, 1.4, scores[1], 1e-9)
	assert.InDelta(t, 1.3, scores[2], 1e-9)
	assert.InDelta(t, 0.3, scores[3], 1e-9)
}

func TestCascadeScreensAndPads(t *testing.T) {
	f := newTestFusion(t, "cascade")
	dense := hits(1, 0.9, 2, 0.8, 9, 0.7)
	sparse := hits(2, 1.0, 3, 0.6, 4, 0.5)

	out := f.Fuse(dense, sparse, 3, QueryInfo{})
	require.Len(t, out, 3)
	ids := map[int64]bool{}
	for _, r := range out {
		ids[r.ID] = true
	}
	// id 9 is dense-only and outside the sparse candidate set.
	assert.False(t, ids[9], "cascade must drop dense hits outside the sparse screen")
	// id 2 survives the screen; the rest pads from sparse.
	assert.True(t, ids[2])
}

func TestCascadeDenseOnlyFallback(t *testing.T) {
	f := newTestFusion(t, "cascade")
	dense := hits(1, 0.9, 2, 0.8)
	out := f.Fuse(dense, nil, 1, QueryInfo{})
	require.Len(t, out, 1)
	assert.Equal(t, int64(1), out[0].ID)
}

func TestAdaptivePicksByQueryType(t *testing.T) {
	f := newTestFusion(t, "adaptive")
	dense := hits(1, 0.9)
	sparse := hits(2, 1.0)

	// Keyword query leans sparse.
	out := f.Fuse(dense, sparse, 2, QueryInfo{Type: QueryKeyword})
	require.Len(t, out, 2)
	assert.Equal(t, int64(2), out[0].ID)

	// Semantic query leans dense.
	out = f.Fuse(dense, sparse, 2, QueryInfo{Type: QuerySemantic})
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].ID)
}

func TestHybridRRFDiversityBonus(t *testing.T) {
	cfg := config.Default().Fusion
	cfg.Strategy = "hybrid_rrf"
	cfg.DiversityBonus = 0.5
	f, err := NewFusion(cfg)
	require.NoError(t, err)

	dense := []Hit{
		{ID: 1, Score: 0.9, Content: "short"},
		{ID: 2, Score: 0.8, Content: "a very very very much longer content string that deviates"},
	}
	out := f.Fuse(dense, nil, 2, QueryInfo{Type: QueryMixed})
	require.Len(t, out, 2)
	// With two entries both deviate equally from the mean length, so each
	// gets the full bonus and the RRF order (K=60 for mixed queries) stands.
	assert.Greater(t, out[0].FinalScore, out[1].FinalScore)
	assert.InDelta(t, 1.0/61+0.5, out[0].FinalScore, 1e-9)
}

func TestSetParamWhitelist(t *testing.T) {
	f := newTestFusion(t, "rrf")
	err := f.SetParam(StrategyRRF, "dense_weight", "0.5")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, f.SetParam(StrategyRRF, "rrf_k", "30"))
	assert.Equal(t, 30, f.Params().RRFK)
}

func TestSetParamRanges(t *testing.T) {
	f := newTestFusion(t, "weighted")
	assert.Error(t, f.SetParam(StrategyWeighted, "dense_weight", "1.5"))
	assert.Error(t, f.SetParam(StrategyWeighted, "dense_weight", "not-a-number"))
	assert.Error(t, f.SetParam(StrategyRRF, "rrf_k", "0"))
	assert.Error(t, f.SetParam(StrategyRRF, "rrf_k", "1001"))
}

func TestSetParamWeightSumEnforced(t *testing.T) {
	f := newTestFusion(t, "weighted")
	require.NoError(t, f.SetParam(StrategyWeighted, "dense_weight", "0.5"))
	require.NoError(t, f.SetParam(StrategyWeighted, "sparse_weight", "0.4"))
	// With sparse_weight at 0.4, dense_weight 0.7 would push the sum to 1.1.
	err := f.SetParam(StrategyWeighted, "dense_weight", "0.7")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "1.1")
	// Configuration unchanged.
	assert.InDelta(t, 0.5, f.Params().DenseWeight, 1e-9)
	assert.InDelta(t, 0.4, f.Params().SparseWeight, 1e-9)
}

func TestSetParamWeightSumNotEnforcedForSingleWeightStrategies(t *testing.T) {
	f := newTestFusion(t, "interleave")
	assert.NoError(t, f.SetParam(StrategyInterleave, "interleave_ratio", "0.9"))
}

func TestSetStrategy(t *testing.T) {
	f := newTestFusion(t, "rrf")
	require.NoError(t, f.SetStrategy("cascade"))
	assert.Equal(t, StrategyCascade, f.Strategy())
	assert.Error(t, f.SetStrategy("bogus"))
}

func TestAnalyzeQuery(t *testing.T) {
	cases := []struct {
		query string
		want  string
	}{
		{"what music", QueryKeyword},
		{"who is she", QueryKeyword},
		{"user: likes jazz and blues", QuerySemantic},
		{"the user's favourite drink", QuerySemantic},
		{"tell me about the weather today", QueryMixed},
	}
	for _, tc := range cases {
		info := AnalyzeQuery(tc.query)
		assert.Equal(t, tc.want, info.Type, "query %q", tc.query)
	}

	long := AnalyzeQuery(strings.Repeat("memory ", 30))
	assert.Equal(t, QuerySemantic, long.Type, "long queries are semantic")
}
