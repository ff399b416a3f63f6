package memory

import (
	"context"
	"hash/fnv"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oyxning/astrbot-plugin-livingmemory/internal/store"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/retrieval"
)

// hashEmbedder is a deterministic embedder: identical text always maps to
// the identical vector, which is all the dense index needs in tests.
type hashEmbedder struct{ dim int }

func (h hashEmbedder) Dimensions() int { return h.dim }

func (h hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out := make([]float32, h.dim)
	hasher := fnv.New64a()
	hasher.Write([]byte(text))
	seed := hasher.Sum64()
	for i := range out {
		seed = seed*6364136223846793005 + 1442695040888963407
		out[i] = float32(seed%1000)/1000 - 0.5
	}
	return out, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := Open(t.TempDir(), hashEmbedder{dim: 8}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestAddAndGetRoundTrip(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.Add(ctx, "user likes jazz", 0.8, "S1", "", nil)
	require.NoError(t, err)
	require.NotZero(t, id)

	rec, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "user likes jazz", rec.Content)
	assert.Equal(t, 0.8, rec.Metadata.Importance)
	assert.Equal(t, "S1", rec.Metadata.SessionID)
	assert.Equal(t, store.StatusActive, rec.Metadata.Status)
	assert.NotEmpty(t, rec.Metadata.MemoryID)
	assert.Greater(t, rec.Metadata.CreateTime, 0.0)
	assert.GreaterOrEqual(t, rec.Metadata.LastAccessTime, rec.Metadata.CreateTime)
}

func TestSearchFindsOwnContent(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.Add(ctx, "user likes jazz", 0.8, "S1", "", nil)
	require.NoError(t, err)
	_, err = mgr.Add(ctx, "user works at Acme", 0.5, "S1", "", nil)
	require.NoError(t, err)

	results, err := mgr.Search(ctx, "user likes jazz", 3, retrieval.Filters{SessionID: "S1"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, id, results[0].ID, "a record's own content must return it first")
}

func TestSearchUpdatesAccessTime(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	base := time.Now()
	mgr.SetClock(func() time.Time { return base })
	id, err := mgr.Add(ctx, "user likes jazz", 0.8, "S1", "", nil)
	require.NoError(t, err)

	later := base.Add(2 * time.Hour)
	mgr.SetClock(func() time.Time { return later })
	results, err := mgr.Search(ctx, "jazz preferences", 3, retrieval.Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	rec, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, float64(later.Unix()), rec.Metadata.LastAccessTime, 1.0)
	assert.Greater(t, rec.Metadata.LastAccessTime, rec.Metadata.CreateTime)
}

func TestSearchFiltersBySession(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Add(ctx, "note for session one", 0.5, "S1", "", nil)
	require.NoError(t, err)
	id2, err := mgr.Add(ctx, "note for session two", 0.5, "S2", "", nil)
	require.NoError(t, err)

	results, err := mgr.Search(ctx, "note for session two", 5, retrieval.Filters{SessionID: "S2"})
	require.NoError(t, err)
	for _, rec := range results {
		assert.Equal(t, "S2", rec.Metadata.SessionID)
	}
	require.NotEmpty(t, results)
	assert.Equal(t, id2, results[0].ID)
}

func TestUpdateContentSwapsVectorAndLogsHistory(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.Add(ctx, "user works at Acme", 0.5, "S1", "", nil)
	require.NoError(t, err)

	newContent := "user works at Globex"
	changed, err := mgr.Update(ctx, id, UpdateFields{Content: &newContent}, "correction")
	require.NoError(t, err)
	assert.Equal(t, []string{"content"}, changed)

	rec, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "user works at Globex", rec.Content)
	require.Len(t, rec.Metadata.UpdateHistory, 1)
	assert.Equal(t, "correction", rec.Metadata.UpdateHistory[0].Reason)
	assert.Equal(t, []string{"content"}, rec.Metadata.UpdateHistory[0].ChangedFields)
	assert.GreaterOrEqual(t, rec.Metadata.LastUpdatedTime, rec.Metadata.CreateTime)

	// The swapped vector serves the new content.
	results, err := mgr.Search(ctx, "user works at Globex", 3, retrieval.Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, id, results[0].ID)
}

func TestUpdateNoOp(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.Add(ctx, "stable fact", 0.5, "S1", "", nil)
	require.NoError(t, err)

	imp := 0.5
	changed, err := mgr.Update(ctx, id, UpdateFields{Importance: &imp}, "no change")
	require.NoError(t, err)
	assert.Empty(t, changed)

	rec, _ := mgr.Get(ctx, id)
	assert.Empty(t, rec.Metadata.UpdateHistory, "a no-op leaves no history entry")
}

func TestUpdateUnknownID(t *testing.T) {
	mgr := newTestManager(t)
	imp := 0.9
	_, err := mgr.Update(context.Background(), 4242, UpdateFields{Importance: &imp}, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	id1, err := mgr.Add(ctx, "first memo", 0.5, "S1", "", nil)
	require.NoError(t, err)
	_, err = mgr.Add(ctx, "second memo", 0.5, "S1", "", nil)
	require.NoError(t, err)

	before, _ := mgr.Count(ctx)
	require.NoError(t, mgr.Delete(ctx, []int64{id1}))
	after, _ := mgr.Count(ctx)
	assert.Equal(t, before-1, after)

	_, err = mgr.Get(ctx, id1)
	assert.ErrorIs(t, err, ErrNotFound)

	// A deleted id never resurfaces in search.
	results, err := mgr.Search(ctx, "first memo", 5, retrieval.Filters{})
	require.NoError(t, err)
	for _, rec := range results {
		assert.NotEqual(t, id1, rec.ID)
	}
}

func TestWipeAll(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := mgr.Add(ctx, "memo", 0.5, "S1", "", nil)
		require.NoError(t, err)
	}
	n, err := mgr.WipeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	count, _ := mgr.Count(ctx)
	assert.Zero(t, count)
}

func TestReopenKeepsGenerations(t *testing.T) {
	dir := t.TempDir()
	mgr, err := Open(dir, hashEmbedder{dim: 8}, slog.Default())
	require.NoError(t, err)
	_, err = mgr.Add(context.Background(), "persisted memo", 0.5, "S1", "", nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Close())

	mgr2, err := Open(dir, hashEmbedder{dim: 8}, slog.Default())
	require.NoError(t, err)
	defer mgr2.Close()
	count, err := mgr2.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestOpenRejectsDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	mgr, err := Open(dir, hashEmbedder{dim: 8}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, mgr.Close())

	_, err = Open(dir, hashEmbedder{dim: 16}, slog.Default())
	assert.Error(t, err)
}
