package plugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oyxning/astrbot-plugin-livingmemory/internal/store"
)

func TestRetryOnFailureSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := retryOnFailure(context.Background(), 2, time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOnFailureExhausts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := retryOnFailure(context.Background(), 1, time.Millisecond, func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls, "one retry means two attempts")
}

func TestRetryOnFailureRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retryOnFailure(ctx, 3, time.Millisecond, func(ctx context.Context) error {
		return errors.New("never succeeds")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFormatMemoriesForInjection(t *testing.T) {
	memories := []recallResult{
		{record: store.Record{Content: "user likes jazz", Metadata: store.Metadata{Importance: 0.8}}},
		{record: store.Record{Content: "user works at Globex", Metadata: store.Metadata{Importance: 0.45}}},
	}
	block := formatMemoriesForInjection(memories)
	assert.Contains(t, block, memoryInjectionHeader)
	assert.Contains(t, block, memoryInjectionFooter)
	assert.Contains(t, block, "- [importance: 0.80] user likes jazz")
	assert.Contains(t, block, "- [importance: 0.45] user works at Globex")
}

func TestFormatMemoriesEmpty(t *testing.T) {
	assert.Empty(t, formatMemoriesForInjection(nil))
}

func TestStaticProviders(t *testing.T) {
	var p StaticProviders
	_, ok := p.Embedder()
	assert.False(t, ok)
	_, ok = p.Chatter()
	assert.False(t, ok)
}
