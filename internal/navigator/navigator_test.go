package navigator

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/actions"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/agentcore"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/eventlog"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/llm"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/snapshot"
)

// fakeLLM replays a fixed queue of responses, one per Generate call.
type fakeLLM struct {
	replies []string
	errs    []error
	calls   int
}

func (f *fakeLLM) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return llm.Response{}, f.errs[i]
	}
	if i < len(f.replies) {
		return llm.Response{Text: f.replies[i]}, nil
	}
	return llm.Response{Text: f.replies[len(f.replies)-1]}, nil
}

func (f *fakeLLM) Name() string { return "fake" }

func newTestRegistry() *actions.Registry {
	r := actions.NewRegistry()
	r.Register(actions.Action{
		Name:        "noop_click",
		Description: "clicks nothing, always succeeds",
		HasIndex:    true,
		Handler: func(ctx context.Context, actx actions.Context, input map[string]any) (actions.ActionResult, error) {
			return actions.ActionResult{ExtractedContent: "clicked"}, nil
		},
	})
	r.Register(actions.Action{
		Name:        "fail_once",
		Description: "always fails",
		Handler: func(ctx context.Context, actx actions.Context, input map[string]any) (actions.ActionResult, error) {
			return actions.ActionResult{}, errors.New("boom")
		},
	})
	r.Register(actions.Action{
		Name:        "done",
		Description: "finishes the task",
		Handler: func(ctx context.Context, actx actions.Context, input map[string]any) (actions.ActionResult, error) {
			text, _ := input["text"].(string)
			return actions.ActionResult{IsDone: true, ExtractedContent: text}, nil
		},
	})
	return r
}

func newTestNavigator(llmClient llm.Client, registry *actions.Registry) *Navigator {
	events := eventlog.NewManager(zerolog.New(io.Discard))
	adapter := NewBrowserAdapter(nil)
	return NewNavigator(llmClient, registry, adapter, events, "sess-test")
}

func TestNavigatorStepSingleAction(t *testing.T) {
	fl := &fakeLLM{replies: []string{`{"actions":[{"name":"done","input":{"text":"all set"}}]}`}}
	n := newTestNavigator(fl, newTestRegistry())

	res, err := n.Step(context.Background(), agentcore.StepInput{
		Task:              "finish up",
		MaxActionsPerStep: 5,
		State:             snapshot.Summary{},
	})
	require.NoError(t, err)
	assert.True(t, res.Done)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "all set", res.Results[0].ExtractedContent)
}

func TestNavigatorStepUnknownActionFails(t *testing.T) {
	fl := &fakeLLM{replies: []string{`{"actions":[{"name":"not_registered","input":{}}]}`}}
	n := newTestNavigator(fl, newTestRegistry())

	res, err := n.Step(context.Background(), agentcore.StepInput{Task: "t", MaxActionsPerStep: 5})
	require.NoError(t, err)
	assert.True(t, res.Failed)
	require.Len(t, res.Results, 1)
	assert.Contains(t, res.Results[0].Err, "unknown action")
}

func TestNavigatorStepHandlerErrorSurfacesAsFailure(t *testing.T) {
	fl := &fakeLLM{replies: []string{`{"actions":[{"name":"fail_once","input":{}}]}`}}
	n := newTestNavigator(fl, newTestRegistry())

	res, err := n.Step(context.Background(), agentcore.StepInput{Task: "t", MaxActionsPerStep: 5})
	require.NoError(t, err)
	assert.True(t, res.Failed)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "boom", res.Results[0].Err)
}

func TestNavigatorStepLLMAuthErrorBecomesFatal(t *testing.T) {
	fl := &fakeLLM{errs: []error{errors.New("anthropic 401: invalid api key")}}
	n := newTestNavigator(fl, newTestRegistry())

	_, err := n.Step(context.Background(), agentcore.StepInput{Task: "t", MaxActionsPerStep: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, agentcore.ErrChatModelAuth)
}

func TestNavigatorStepMalformedLLMReplyIsRecoverableFailure(t *testing.T) {
	fl := &fakeLLM{replies: []string{"I cannot comply with that request."}}
	n := newTestNavigator(fl, newTestRegistry())

	res, err := n.Step(context.Background(), agentcore.StepInput{Task: "t", MaxActionsPerStep: 5})
	require.NoError(t, err)
	assert.True(t, res.Failed)
}

func TestClassifyFatalMapsKnownSentinels(t *testing.T) {
	assert.Nil(t, classifyFatal(nil))
	assert.Nil(t, classifyFatal(errors.New("transient network blip")))
	assert.ErrorIs(t, classifyFatal(errors.New("openai 403: forbidden")), agentcore.ErrChatModelForbidden)
	assert.ErrorIs(t, classifyFatal(context.Canceled), agentcore.ErrRequestCancelled)
}
