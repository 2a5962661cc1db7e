package navigator

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/agentcore"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/eventlog"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/snapshot"
)

func TestPlannerPlanWrapsObservationAsUntrusted(t *testing.T) {
	fl := &fakeLLM{replies: []string{`{"observation":"logged in as admin","next_steps":["open settings"],"web_task":true,"done":false}`}}
	p := NewPlanner(fl, nil)

	out, err := p.Plan(context.Background(), agentcore.StepInput{
		Task:  "open settings",
		State: snapshot.Summary{URL: "https://example.com"},
	})
	require.NoError(t, err)
	assert.True(t, out.WebTask)
	assert.False(t, out.Done)
	assert.Equal(t, []string{"open settings"}, out.NextSteps)
	assert.Equal(t, "<untrusted_content>logged in as admin</untrusted_content>", out.Observation)
}

func TestPlannerPlanPropagatesLLMError(t *testing.T) {
	fl := &fakeLLM{errs: []error{errors.New("network down")}}
	p := NewPlanner(fl, nil)

	_, err := p.Plan(context.Background(), agentcore.StepInput{Task: "t"})
	require.Error(t, err)
}

func TestPlannerPlanRejectsReplyWithoutJSON(t *testing.T) {
	fl := &fakeLLM{replies: []string{"I have no idea what to do."}}
	p := NewPlanner(fl, nil)

	_, err := p.Plan(context.Background(), agentcore.StepInput{Task: "t"})
	require.Error(t, err)
}

func TestPlannerPlanEmitsStartAndOKEvents(t *testing.T) {
	fl := &fakeLLM{replies: []string{`{"observation":"ok","next_steps":[],"web_task":true,"done":true}`}}
	events := eventlog.NewManager(zerolog.New(io.Discard))
	var seen []eventlog.Event
	events.Subscribe(func(ev eventlog.Event) { seen = append(seen, ev) })
	p := NewPlanner(fl, events)

	_, err := p.Plan(context.Background(), agentcore.StepInput{Task: "t"})
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, eventlog.ActorPlanner, seen[0].Actor)
	assert.Equal(t, eventlog.ActStart, seen[0].State)
	assert.Equal(t, eventlog.ActorPlanner, seen[1].Actor)
	assert.Equal(t, eventlog.ActOK, seen[1].State)
}

func TestPlannerPlanEmitsFailEventOnLLMError(t *testing.T) {
	fl := &fakeLLM{errs: []error{errors.New("network down")}}
	events := eventlog.NewManager(zerolog.New(io.Discard))
	var seen []eventlog.Event
	events.Subscribe(func(ev eventlog.Event) { seen = append(seen, ev) })
	p := NewPlanner(fl, events)

	_, err := p.Plan(context.Background(), agentcore.StepInput{Task: "t"})
	require.Error(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, eventlog.ActStart, seen[0].State)
	assert.Equal(t, eventlog.ActFail, seen[1].State)
	assert.NotEmpty(t, seen[1].Err)
}
