package navigator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/actions"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/agentcore"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/domchange"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/eventlog"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/finder"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/llm"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/recovery"
)

// elementTouching is the subset of the mandated action set that resolves a
// TargetingStrategy against the page and so benefits from ErrorRecovery;
// every other action either takes no index or fails in ways recovery
// strategies (scroll/re-research/stabilize) cannot help with.
var elementTouching = map[string]recovery.ActionType{
	"click_element":          recovery.ActionClick,
	"input_text":             recovery.ActionInput,
	"get_dropdown_options":   recovery.ActionClick,
	"select_dropdown_option": recovery.ActionClick,
}

// Navigator implements agentcore.Navigator: per-step it asks the chat LLM
// for an ordered batch of actions (capped at StepInput.MaxActionsPerStep),
// decodes them against the registry, and executes them in order, each
// element-touching call wrapped by ErrorRecovery and followed by a
// DOMChangeDetector check that can abort the remainder of the batch.
type Navigator struct {
	llm      llm.Client
	registry *actions.Registry
	browser  *BrowserAdapter
	events   *eventlog.Manager
	session  string
}

// NewNavigator wires the agent trio's navigation half.
func NewNavigator(client llm.Client, registry *actions.Registry, b *BrowserAdapter, events *eventlog.Manager, sessionID string) *Navigator {
	return &Navigator{llm: client, registry: registry, browser: b, events: events, session: sessionID}
}

// ExecuteAction runs one named action outside a live Step call, without
// recovery wrapping; used by the replay driver, which implements its own
// retry loop at the Executor level.
func (n *Navigator) ExecuteAction(ctx context.Context, name string, input map[string]any) (actions.ActionResult, error) {
	action, ok := n.registry.Get(name)
	if !ok {
		return actions.ActionResult{}, fmt.Errorf("navigator: unknown action %q", name)
	}
	res, err := action.Call(ctx, n.browser.ActionContext(n.events, n.session), input)
	n.browser.Invalidate()
	return res, err
}

// Step implements agentcore.Navigator.
func (n *Navigator) Step(ctx context.Context, in agentcore.StepInput) (agentcore.NavigatorResult, error) {
	decisions, err := n.decide(ctx, in)
	if err != nil {
		if fatal := classifyFatal(err); fatal != nil {
			return agentcore.NavigatorResult{}, fatal
		}
		return agentcore.NavigatorResult{
			Failed:  true,
			Results: []actions.ActionResult{{Err: err.Error()}},
		}, nil
	}

	var results []actions.ActionResult
	change := domchange.Change{Type: domchange.None}
	done := false
	failed := false

	oldState := in.State
	for i, dec := range decisions {
		action, ok := n.registry.Get(dec.Name)
		if !ok {
			results = append(results, actions.ActionResult{Err: fmt.Sprintf("unknown action %q", dec.Name)})
			failed = true
			break
		}

		res, execErr := n.execute(ctx, action, dec.Input)
		if execErr != nil {
			if fatal := classifyFatal(execErr); fatal != nil {
				return agentcore.NavigatorResult{}, fatal
			}
			results = append(results, actions.ActionResult{Err: execErr.Error()})
			failed = true
			break
		}
		results = append(results, res)
		if res.IsDone {
			done = true
			break
		}

		if i == len(decisions)-1 {
			break
		}

		newState, stateErr := n.browser.GetState(ctx, false)
		if stateErr != nil {
			results = append(results, actions.ActionResult{Err: stateErr.Error()})
			failed = true
			break
		}
		change = domchange.Detect(oldState, newState)
		oldState = newState
		if domchange.ShouldSwitchToSingleStep(change.Type) {
			break
		}
		if change.Type == domchange.Navigation {
			break
		}
	}

	return agentcore.NavigatorResult{
		Done:    done,
		Failed:  failed,
		Results: results,
		Change:  change.Type,
	}, nil
}

// execute runs one decoded action, wrapping element-touching actions in
// ErrorRecovery per SPEC_FULL.md §4.4.
func (n *Navigator) execute(ctx context.Context, action actions.Action, input map[string]any) (actions.ActionResult, error) {
	actionType, touching := elementTouching[action.Name]
	if !touching {
		res, err := action.Call(ctx, n.browser.ActionContext(n.events, n.session), input)
		n.browser.Invalidate()
		return res, err
	}

	strat := strategyFromInput(input)
	rc := recovery.Context{
		ActionType:        actionType,
		TargetingStrategy: strat,
		MaxAttempts:       3,
	}

	var lastResult actions.ActionResult
	var lastErr error
	recErr := recovery.ExecuteWithRecovery(ctx, rc, n.browser, n.browser.GetState, func(ctx context.Context, strat finder.TargetingStrategy) error {
		retargeted := applyStrategy(input, action, strat)
		res, err := action.Call(ctx, n.browser.ActionContext(n.events, n.session), retargeted)
		n.browser.Invalidate()
		lastResult, lastErr = res, err
		return err
	})

	if recErr != nil {
		if errors.Is(recErr, recovery.ErrGracefulContinuation) {
			return actions.ActionResult{
				ExtractedContent: fmt.Sprintf("%s skipped but continuing task execution", action.Name),
				IncludeInMemory:  true,
			}, nil
		}
		return actions.ActionResult{}, recErr
	}
	return lastResult, lastErr
}

func strategyFromInput(input map[string]any) finder.TargetingStrategy {
	var strat finder.TargetingStrategy
	if v, ok := input["index"]; ok {
		switch n := v.(type) {
		case int:
			strat.Index, strat.HasIndex = n, true
		case float64:
			strat.Index, strat.HasIndex = int(n), true
		}
	}
	if s, ok := input["aria"].(string); ok {
		strat.Aria = s
	}
	if s, ok := input["text"].(string); ok {
		strat.Text = s
	}
	if s, ok := input["selector"].(string); ok {
		strat.Selector = s
	}
	if s, ok := input["placeholder"].(string); ok {
		strat.Placeholder = s
	}
	return strat
}

// applyStrategy folds a (possibly research-modified) TargetingStrategy back
// into the action input, rewriting only the index field the registry
// actions understand via SetIndexArg.
func applyStrategy(input map[string]any, action actions.Action, strat finder.TargetingStrategy) map[string]any {
	if !strat.HasIndex {
		return input
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	action.SetIndexArg(out, strat.Index)
	return out
}

// classifyFatal maps an LLM-call error onto one of the fatal sentinels the
// Executor propagates unchanged, per SPEC_FULL.md §7. Returns nil for
// anything recoverable.
func classifyFatal(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return agentcore.ErrRequestCancelled
	}
	if errors.Is(err, agentcore.ErrURLNotAllowed) {
		return agentcore.ErrURLNotAllowed
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "anthropic 401") || strings.Contains(msg, "openai 401") || strings.Contains(msg, "authentication"):
		return fmt.Errorf("%w: %s", agentcore.ErrChatModelAuth, err)
	case strings.Contains(msg, "anthropic 403") || strings.Contains(msg, "openai 403") || strings.Contains(msg, "forbidden"):
		return fmt.Errorf("%w: %s", agentcore.ErrChatModelForbidden, err)
	case strings.Contains(msg, "extension") && strings.Contains(msg, "conflict"):
		return fmt.Errorf("%w: %s", agentcore.ErrExtensionConflict, err)
	case strings.Contains(msg, "url not allowed"):
		return fmt.Errorf("%w: %s", agentcore.ErrURLNotAllowed, err)
	}
	return nil
}
