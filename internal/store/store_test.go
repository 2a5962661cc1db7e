package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayStoreRoundTrip(t *testing.T) {
	s, err := NewReplayStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	steps := []HistoryStep{
		{
			State:       StepState{URL: "https://example.com", Title: "Example"},
			ModelOutput: ModelOutput{Actions: []map[string]any{{"name": "go_to_url"}}},
			Result:      []StepResult{{IsDone: false}},
		},
	}
	ctx := context.Background()
	require.NoError(t, s.StoreAgentStepHistory(ctx, "sess-1", "task-1", "go to example.com", steps))

	payload, err := s.LoadAgentStepHistory(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, payload.Version)
	require.Len(t, payload.History, 1)
	assert.Equal(t, "https://example.com", payload.History[0].State.URL)
}

func TestReplayStoreOverwritesSameSession(t *testing.T) {
	s, err := NewReplayStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.StoreAgentStepHistory(ctx, "sess-1", "task-1", "first", nil))
	require.NoError(t, s.StoreAgentStepHistory(ctx, "sess-1", "task-2", "second", nil))

	payload, err := s.LoadAgentStepHistory(ctx, "sess-1")
	require.NoError(t, err)
	assert.NotNil(t, payload)
}

func TestMessageHistoryInitAndAppend(t *testing.T) {
	h := NewMessageHistory(0)
	h.InitTaskMessages("you are an agent", "go to example.com")
	h.AddNewTask("now summarize the page")

	msgs := h.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "now summarize the page", msgs[2].Content)
}

func TestMessageHistoryCompactsUnderBudget(t *testing.T) {
	h := NewMessageHistory(1) // ~4 char token budget
	h.InitTaskMessages("sys", "task")
	for i := 0; i < 20; i++ {
		h.AddNewTask("some moderately long follow up task description here")
	}
	msgs := h.Messages()
	assert.Equal(t, "sys", msgs[0].Content)
	assert.Less(t, len(msgs), 22)
}
