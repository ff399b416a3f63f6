package reflection

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oyxning/astrbot-plugin-livingmemory/internal/store"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/config"
	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/session"
)

// scriptedChatter replays canned replies in call order.
type scriptedChatter struct {
	replies []string
	calls   int
	systems []string
}

func (c *scriptedChatter) Chat(ctx context.Context, user, system string, jsonMode bool) (string, error) {
	c.systems = append(c.systems, system)
	reply := c.replies[c.calls]
	c.calls++
	return reply, nil
}

type addedMemory struct {
	content    string
	importance float64
	sessionID  string
	personaID  string
	meta       *store.Metadata
}

type recordingAdder struct {
	added []addedMemory
}

func (a *recordingAdder) Add(ctx context.Context, content string, importance float64, sessionID, personaID string, meta *store.Metadata) (int64, error) {
	a.added = append(a.added, addedMemory{content, importance, sessionID, personaID, meta})
	return int64(len(a.added)), nil
}

func history(turns ...string) []session.Message {
	out := make([]session.Message, len(turns))
	for i, turn := range turns {
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		out[i] = session.Message{Role: role, Content: turn}
	}
	return out
}

func TestReflectAndStorePersistsAboveThreshold(t *testing.T) {
	chatter := &scriptedChatter{replies: []string{
		`{"events": [
			{"temp_id": "T", "memory_content": "User is learning Rust", "event_type": "preference"},
			{"temp_id": "U", "memory_content": "User said hello", "event_type": "other"}
		]}`,
		`{"scores": {"T": 0.85, "U": 0.1}}`,
	}}
	adder := &recordingAdder{}
	cfg := config.Default().ReflectionEngine
	engine := New(cfg, chatter, adder, slog.Default())

	err := engine.ReflectAndStore(context.Background(),
		history("I'm learning Rust", "nice!"), "S2", "p1", "")
	require.NoError(t, err)

	require.Len(t, adder.added, 1, "only the event above the threshold persists")
	got := adder.added[0]
	assert.Equal(t, "User is learning Rust", got.content)
	assert.Equal(t, 0.85, got.importance)
	assert.Equal(t, "S2", got.sessionID)
	assert.Equal(t, "p1", got.personaID)
	require.NotNil(t, got.meta)
	assert.Equal(t, store.EventPreference, got.meta.EventType)
}

func TestReflectAndStoreSkipsUnscoredEvents(t *testing.T) {
	chatter := &scriptedChatter{replies: []string{
		`{"events": [
			{"temp_id": "a", "memory_content": "scored", "event_type": "fact"},
			{"temp_id": "b", "memory_content": "forgotten by the scorer", "event_type": "fact"}
		]}`,
		`{"scores": {"a": 0.9}}`,
	}}
	adder := &recordingAdder{}
	engine := New(config.Default().ReflectionEngine, chatter, adder, slog.Default())

	err := engine.ReflectAndStore(context.Background(), history("u", "a"), "s", "", "")
	require.NoError(t, err)
	require.Len(t, adder.added, 1)
	assert.Equal(t, "scored", adder.added[0].content)
}

func TestReflectAndStoreEmptyHistory(t *testing.T) {
	chatter := &scriptedChatter{}
	adder := &recordingAdder{}
	engine := New(config.Default().ReflectionEngine, chatter, adder, slog.Default())

	err := engine.ReflectAndStore(context.Background(), nil, "s", "", "")
	require.NoError(t, err)
	assert.Zero(t, chatter.calls, "no LLM call for empty history")
	assert.Empty(t, adder.added)
}

func TestReflectAndStoreMalformedExtraction(t *testing.T) {
	chatter := &scriptedChatter{replies: []string{"complete garbage, no JSON"}}
	adder := &recordingAdder{}
	engine := New(config.Default().ReflectionEngine, chatter, adder, slog.Default())

	err := engine.ReflectAndStore(context.Background(), history("u", "a"), "s", "", "")
	require.NoError(t, err, "validation failure yields an empty batch, not an error")
	assert.Equal(t, 1, chatter.calls, "evaluation stage is skipped with no events")
	assert.Empty(t, adder.added)
}

func TestPersonaPromptFlowsIntoBothStages(t *testing.T) {
	chatter := &scriptedChatter{replies: []string{
		`{"events": [{"temp_id": "a", "memory_content": "x", "event_type": "fact"}]}`,
		`{"scores": {"a": 0.9}}`,
	}}
	adder := &recordingAdder{}
	engine := New(config.Default().ReflectionEngine, chatter, adder, slog.Default())

	err := engine.ReflectAndStore(context.Background(), history("u", "a"), "s", "", "You are a pirate.")
	require.NoError(t, err)
	require.Len(t, chatter.systems, 2)
	for _, system := range chatter.systems {
		assert.Contains(t, system, "You are a pirate.")
	}
}

func TestFormatHistoryFiltersRoles(t *testing.T) {
	msgs := []session.Message{
		{Role: "system", Content: "hidden"},
		{Role: session.RoleUser, Content: "hello"},
		{Role: session.RoleAssistant, Content: "hi"},
	}
	text := formatHistory(msgs)
	assert.NotContains(t, text, "hidden")
	assert.Contains(t, text, "user: hello")
	assert.Contains(t, text, "assistant: hi")
}
