package forgetting

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oyxning/astrbot-plugin-livingmemory/internal/store"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/config"
)

// fakeStore is an in-memory MemoryStore.
type fakeStore struct {
	mu        sync.Mutex
	records   map[int64]store.Record
	order     []int64
	pageDelay time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[int64]store.Record)}
}

func (f *fakeStore) put(rec store.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[rec.ID]; !ok {
		f.order = append(f.order, rec.ID)
	}
	f.records[rec.ID] = rec
}

func (f *fakeStore) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.records)), nil
}

func (f *fakeStore) Paginate(ctx context.Context, pageSize, offset int) ([]store.Record, error) {
	if f.pageDelay > 0 {
		time.Sleep(f.pageDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Record
	for i := offset; i < len(f.order) && len(out) < pageSize; i++ {
		if rec, ok := f.records[f.order[i]]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateMetadataBatch(ctx context.Context, updates []store.MetaUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range updates {
		if rec, ok := f.records[u.ID]; ok {
			rec.Metadata = u.Metadata
			f.records[u.ID] = rec
		}
	}
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.records, id)
	}
	return nil
}

func testCfg() config.ForgettingAgent {
	cfg := config.Default().ForgettingAgent
	cfg.RetentionDays = 90
	cfg.ImportanceDecayRate = 0.01
	cfg.ImportanceThreshold = 0.1
	cfg.ForgettingBatchSize = 100
	return cfg
}

func seed(f *fakeStore, n int, ageDays float64, importanceOf func(i int) float64, now time.Time) {
	createTime := float64(now.Unix()) - ageDays*86400
	for i := 0; i < n; i++ {
		f.put(store.Record{
			ID: int64(i + 1),
			Metadata: store.Metadata{
				Importance:     importanceOf(i),
				CreateTime:     createTime,
				LastAccessTime: createTime,
			},
		})
	}
}

func TestPruneDecayAndDeletion(t *testing.T) {
	now := time.Now()
	f := newFakeStore()
	// 100 records, 100 days old, importances spread over [0,1).
	seed(f, 100, 100, func(i int) float64 { return float64(i) / 100 }, now)

	agent := New(testCfg(), f, time.UTC, slog.Default())
	agent.SetClock(func() time.Time { return now })

	require.NoError(t, agent.Prune(context.Background()))

	// Decay over 100 days at 0.01/day is 1.0. Records whose decayed
	// importance drops below 0.1 are past retention and must be gone;
	// here that is every record.
	count, _ := f.Count(context.Background())
	assert.Equal(t, int64(0), count)
}

func TestPruneDecayMonotonic(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	f := newFakeStore()
	seed(f, 20, 10, func(i int) float64 { return 0.5 }, now)

	agent := New(testCfg(), f, time.UTC, slog.Default())
	agent.SetClock(func() time.Time { return now })
	require.NoError(t, agent.Prune(context.Background()))

	for _, id := range f.order {
		rec, ok := f.records[id]
		if !ok {
			continue
		}
		assert.LessOrEqual(t, rec.Metadata.Importance, 0.5, "prune never raises importance")
		assert.InDelta(t, 0.4, rec.Metadata.Importance, 1e-9, "10 days at 0.01/day")
	}
}

func TestPruneSparesYoungAndImportant(t *testing.T) {
	now := time.Now()
	f := newFakeStore()
	// Old, but still important after 100 days at 0.005/day (0.9 -> 0.4).
	f.put(store.Record{ID: 1, Metadata: store.Metadata{
		Importance: 0.9, CreateTime: float64(now.Unix()) - 100*86400,
	}})
	// Unimportant but young.
	f.put(store.Record{ID: 2, Metadata: store.Metadata{
		Importance: 0.05, CreateTime: float64(now.Unix()) - 5*86400,
	}})

	cfg := testCfg()
	cfg.ImportanceDecayRate = 0.005
	agent := New(cfg, f, time.UTC, slog.Default())
	agent.SetClock(func() time.Time { return now })
	require.NoError(t, agent.Prune(context.Background()))

	count, _ := f.Count(context.Background())
	assert.Equal(t, int64(2), count, "neither record qualifies for deletion")
}

func TestPruneClampsImportanceAtZero(t *testing.T) {
	now := time.Now()
	f := newFakeStore()
	// 89 days of decay exceed the starting importance, but the record is
	// still within retention so it survives with importance clamped to 0.
	f.put(store.Record{ID: 1, Metadata: store.Metadata{
		Importance: 0.5,
		CreateTime: float64(now.Unix()) - 89*86400,
	}})

	agent := New(testCfg(), f, time.UTC, slog.Default())
	agent.SetClock(func() time.Time { return now })
	require.NoError(t, agent.Prune(context.Background()))

	rec, ok := f.records[1]
	require.True(t, ok, "records inside retention are never deleted")
	assert.Equal(t, 0.0, rec.Metadata.Importance)
}

func TestManualRunBusyCoalescing(t *testing.T) {
	now := time.Now()
	f := newFakeStore()
	f.pageDelay = 150 * time.Millisecond
	seed(f, 10, 10, func(i int) float64 { return 0.5 }, now)

	agent := New(testCfg(), f, time.UTC, slog.Default())
	agent.SetClock(func() time.Time { return now })

	startedA := make(chan struct{})
	doneA := make(chan error, 1)
	go func() {
		close(startedA)
		doneA <- agent.TriggerManualRun(context.Background())
	}()
	<-startedA
	time.Sleep(30 * time.Millisecond)

	// B while A is in flight returns busy immediately.
	err := agent.TriggerManualRun(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	// A completes normally.
	require.NoError(t, <-doneA)

	// A subsequent C succeeds.
	f.pageDelay = 0
	assert.NoError(t, agent.TriggerManualRun(context.Background()))
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFakeStore()
	cfg := testCfg()
	agent := New(cfg, f, time.UTC, slog.Default())
	agent.Start(context.Background())
	agent.Stop()
	// A second stop is a no-op.
	agent.Stop()
}

func TestDisabledAgentDoesNotStart(t *testing.T) {
	cfg := testCfg()
	cfg.Enabled = false
	agent := New(cfg, newFakeStore(), time.UTC, slog.Default())
	agent.Start(context.Background())
	agent.Stop()
}
