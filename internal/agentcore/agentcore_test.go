package agentcore

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/actions"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/domchange"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/eventlog"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/snapshot"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/store"
)

type fakeBrowser struct {
	state snapshot.Summary
}

func (f *fakeBrowser) GetState(ctx context.Context, forceRefresh bool) (snapshot.Summary, error) {
	return f.state, nil
}
func (f *fakeBrowser) Cleanup(ctx context.Context) error { return nil }

type fakePlanner struct {
	calls int
	out   PlannerOutput
	err   error
}

func (p *fakePlanner) Plan(ctx context.Context, in StepInput) (PlannerOutput, error) {
	p.calls++
	return p.out, p.err
}

type fakeNavigator struct {
	calls   int
	results []NavigatorResult
	errs    []error
}

func (n *fakeNavigator) Step(ctx context.Context, in StepInput) (NavigatorResult, error) {
	i := n.calls
	n.calls++
	if i < len(n.errs) && n.errs[i] != nil {
		return NavigatorResult{}, n.errs[i]
	}
	if i < len(n.results) {
		return n.results[i], nil
	}
	return n.results[len(n.results)-1], nil
}

type fakeValidator struct {
	calls   int
	outputs []ValidatorOutput
}

func (v *fakeValidator) Validate(ctx context.Context, task string, state snapshot.Summary, doneContent string) (ValidatorOutput, error) {
	i := v.calls
	v.calls++
	if i < len(v.outputs) {
		return v.outputs[i], nil
	}
	return v.outputs[len(v.outputs)-1], nil
}

func newTestExecutor(cfg Config, nav Navigator, plan Planner, val Validator, b BrowserContext) *Executor {
	events := eventlog.NewManager(zerolog.New(io.Discard))
	return NewExecutor(cfg, nav, plan, val, b, events, store.NewMessageHistory(0), zerolog.New(io.Discard))
}

func baseConfig() Config {
	return Config{
		MaxSteps:             50,
		MaxActionsPerStep:    10,
		MaxFailures:          3,
		MaxValidatorFailures: 3,
		PlanningInterval:     5,
	}
}

// S1-ish: a single planner cycle that declares done with no navigation.
func TestExecuteSingleStepDoneViaPlanner(t *testing.T) {
	plan := &fakePlanner{out: PlannerOutput{Done: true}}
	nav := &fakeNavigator{results: []NavigatorResult{{Done: true}}}
	val := &fakeValidator{}
	b := &fakeBrowser{}

	e := newTestExecutor(baseConfig(), nav, plan, val, b)
	err := e.Execute(context.Background(), "sess-1", "go to https://example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, plan.calls)
	assert.Equal(t, 0, nav.calls, "planner already declared done, navigator should not run")
}

// Invariant 1: step monotonicity. nSteps <= maxSteps after a non-fatal
// return, counted only when Navigator actually ran.
func TestStepMonotonicity(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxSteps = 3
	cfg.PlanningInterval = 100 // plan only at step 0
	plan := &fakePlanner{out: PlannerOutput{Done: false}}
	nav := &fakeNavigator{results: []NavigatorResult{{Done: false}, {Done: false}, {Done: true}}}
	val := &fakeValidator{}
	b := &fakeBrowser{}

	e := newTestExecutor(cfg, nav, plan, val, b)
	err := e.Execute(context.Background(), "sess-2", "do things")
	require.NoError(t, err)
	assert.LessOrEqual(t, e.agent.NSteps(), cfg.MaxSteps)
	assert.Equal(t, 3, nav.calls)
}

func TestMaxFailuresStopsExecution(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxFailures = 2
	cfg.PlanningInterval = 100
	plan := &fakePlanner{out: PlannerOutput{Done: false}}
	nav := &fakeNavigator{results: []NavigatorResult{{Failed: true}, {Failed: true}, {Done: true}}}
	val := &fakeValidator{}
	b := &fakeBrowser{}

	e := newTestExecutor(cfg, nav, plan, val, b)
	err := e.Execute(context.Background(), "sess-3", "do things")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max failures")
	assert.Equal(t, 2, nav.calls, "navigator should not be invoked a third time once the cutoff trips")
}

// S4: validator loop exhausts to a hard failure.
func TestValidatorGatingFailsAfterThreshold(t *testing.T) {
	cfg := baseConfig()
	cfg.ValidateOutput = true
	cfg.MaxValidatorFailures = 2
	cfg.PlanningInterval = 1
	plan := &fakePlanner{out: PlannerOutput{Done: true}}
	nav := &fakeNavigator{results: []NavigatorResult{{Done: false}}}
	val := &fakeValidator{outputs: []ValidatorOutput{{IsValid: false}, {IsValid: false}}}
	b := &fakeBrowser{}

	e := newTestExecutor(cfg, nav, plan, val, b)
	err := e.Execute(context.Background(), "sess-4", "do things")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many failures of validation")
	assert.Equal(t, 2, val.calls)
}

// Invariant 8: a path to TASK_OK always passes through a valid Validator
// call when validation is enabled.
func TestValidatorGatingPassesWhenValid(t *testing.T) {
	cfg := baseConfig()
	cfg.ValidateOutput = true
	cfg.PlanningInterval = 1
	plan := &fakePlanner{out: PlannerOutput{Done: true}}
	nav := &fakeNavigator{results: []NavigatorResult{{Done: false}}}
	val := &fakeValidator{outputs: []ValidatorOutput{{IsValid: true}}}
	b := &fakeBrowser{}

	e := newTestExecutor(cfg, nav, plan, val, b)
	err := e.Execute(context.Background(), "sess-5", "do things")
	require.NoError(t, err)
	assert.Equal(t, 1, val.calls)
}

// S5-ish: cancellation during a run surfaces as ErrCancelled, not a failure.
func TestCancellationReturnsCancelledSentinel(t *testing.T) {
	cfg := baseConfig()
	cfg.PlanningInterval = 100
	plan := &fakePlanner{out: PlannerOutput{Done: false}}
	nav := &fakeNavigator{results: []NavigatorResult{{Done: false}}}
	val := &fakeValidator{}
	b := &fakeBrowser{}

	e := newTestExecutor(cfg, nav, plan, val, b)
	e.agent = NewAgentContext("sess-6", "do things")
	e.agent.Stop()

	err := e.Execute(context.Background(), "sess-6", "do things")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
}

// S6: a follow-up task appends to the task list, drops actionResults not
// tagged IncludeInMemory, and does not reset nSteps.
func TestFollowUpTaskAppendsAndFiltersMemory(t *testing.T) {
	cfg := baseConfig()
	cfg.PlanningInterval = 100
	plan := &fakePlanner{out: PlannerOutput{Done: false}}
	nav := &fakeNavigator{results: []NavigatorResult{{
		Done: true,
		Results: []actions.ActionResult{
			{ExtractedContent: "kept", IncludeInMemory: true},
			{ExtractedContent: "dropped", IncludeInMemory: false},
		},
	}}}
	val := &fakeValidator{}
	b := &fakeBrowser{}

	e := newTestExecutor(cfg, nav, plan, val, b)
	require.NoError(t, e.Execute(context.Background(), "sess-7", "first task"))
	assert.Equal(t, 1, e.agent.TaskCount())

	e.AddFollowUpTask("sess-7", "summarize the page")
	assert.Equal(t, 2, e.agent.TaskCount())
	assert.Equal(t, 1, len(e.agent.actionResults))
	assert.Equal(t, "kept", e.agent.actionResults[0].ExtractedContent)
}

func TestNeedsFullReplanningForcesNextPlan(t *testing.T) {
	cfg := baseConfig()
	cfg.PlanningInterval = 100
	plan := &fakePlanner{out: PlannerOutput{Done: false}}
	nav := &fakeNavigator{results: []NavigatorResult{
		{Done: false, Change: domchange.Navigation},
		{Done: true},
	}}
	val := &fakeValidator{}
	b := &fakeBrowser{}

	e := newTestExecutor(cfg, nav, plan, val, b)
	err := e.Execute(context.Background(), "sess-8", "navigate somewhere")
	require.NoError(t, err)
	assert.Equal(t, 2, plan.calls, "navigation change must force a plan at the next step boundary")
}

func TestFatalErrorFromNavigatorPropagates(t *testing.T) {
	cfg := baseConfig()
	cfg.PlanningInterval = 100
	plan := &fakePlanner{out: PlannerOutput{Done: false}}
	nav := &fakeNavigator{errs: []error{ErrChatModelAuth}}
	val := &fakeValidator{}
	b := &fakeBrowser{}

	e := newTestExecutor(cfg, nav, plan, val, b)
	err := e.Execute(context.Background(), "sess-9", "do things")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChatModelAuth))
}

func TestStepLimitReachedFails(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxSteps = 2
	cfg.PlanningInterval = 100
	plan := &fakePlanner{out: PlannerOutput{Done: false}}
	nav := &fakeNavigator{results: []NavigatorResult{{Done: false}, {Done: false}}}
	val := &fakeValidator{}
	b := &fakeBrowser{}

	e := newTestExecutor(cfg, nav, plan, val, b)
	err := e.Execute(context.Background(), "sess-10", "do things")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step limit reached")
}

func TestPauseResumeAllowsCompletion(t *testing.T) {
	cfg := baseConfig()
	cfg.PlanningInterval = 100
	plan := &fakePlanner{out: PlannerOutput{Done: false}}
	nav := &fakeNavigator{results: []NavigatorResult{{Done: true}}}
	val := &fakeValidator{}
	b := &fakeBrowser{}

	e := newTestExecutor(cfg, nav, plan, val, b)
	e.agent = NewAgentContext("sess-11", "do things")
	e.agent.Pause()

	go func() {
		time.Sleep(50 * time.Millisecond)
		e.Resume()
	}()

	err := e.Execute(context.Background(), "sess-11", "do things")
	require.NoError(t, err)
}
