// Package navigator wires ActionRegistry, EnhancedElementFinder,
// ErrorRecovery and DOMChangeDetector behind the three agentcore
// collaborators (Navigator, Planner, Validator) that the Executor drives.
// Grounded on the teacher's internal/agent/planner.go fastPlanner (prompt
// construction, JSON extraction/repair) and orchestrator.go
// handleErrorAdaptively (the recovery wiring it inlined, now delegated to
// internal/recovery), restructured onto the mandated batch-of-actions
// Navigator contract instead of the teacher's one-action-per-step loop.
package navigator

import (
	"context"
	"sync"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/actions"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/browser"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/eventlog"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/snapshot"
)

// BrowserAdapter is the concrete agentcore.BrowserContext / actions-Context
// backing adapter: it owns the live Controller, caches the last snapshot
// the way BrowserContext.getState is specified to (invalidated on
// navigation or an explicit forceRefresh), and satisfies recovery.BrowserOps
// by delegating straight to the Controller.
type BrowserAdapter struct {
	mu      sync.Mutex
	ctrl    browser.Controller
	cached  snapshot.Summary
	hasCach bool
}

// NewBrowserAdapter wraps a live Controller.
func NewBrowserAdapter(ctrl browser.Controller) *BrowserAdapter {
	return &BrowserAdapter{ctrl: ctrl}
}

// GetState satisfies agentcore.BrowserContext and the actions.Context
// GetState field: a coherent cached snapshot, refreshed on request or when
// nothing has been collected yet.
func (b *BrowserAdapter) GetState(ctx context.Context, forceRefresh bool) (snapshot.Summary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !forceRefresh && b.hasCach {
		return b.cached, nil
	}
	summary, err := snapshot.Collect(ctx, b.ctrl)
	if err != nil {
		return snapshot.Summary{}, err
	}
	b.cached = summary
	b.hasCach = true
	return summary, nil
}

// Invalidate drops the cached snapshot, forcing the next GetState to
// re-collect. Called after any action that mutates the page.
func (b *BrowserAdapter) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hasCach = false
}

// Cleanup tears down the underlying browser controller.
func (b *BrowserAdapter) Cleanup(ctx context.Context) error {
	return b.ctrl.Close(ctx)
}

// Controller exposes the raw browser.Controller to callers (cmd/agent) that
// need it directly, e.g. to save storage state.
func (b *BrowserAdapter) Controller() browser.Controller {
	return b.ctrl
}

// Refresh/ScrollToText/Scroll/EvaluateInPage satisfy recovery.BrowserOps.
func (b *BrowserAdapter) Refresh(ctx context.Context) error {
	defer b.Invalidate()
	return b.ctrl.Refresh(ctx)
}

func (b *BrowserAdapter) ScrollToText(ctx context.Context, text string, nth int) error {
	return b.ctrl.ScrollToText(ctx, text, nth)
}

func (b *BrowserAdapter) Scroll(ctx context.Context, direction string, distance int) (int, error) {
	return b.ctrl.Scroll(ctx, direction, distance)
}

func (b *BrowserAdapter) EvaluateInPage(ctx context.Context, script string) (any, error) {
	return b.ctrl.EvaluateInPage(ctx, script)
}

// ActionContext builds the actions.Context one Navigator step executes
// against: a fresh GetState closure bound to this adapter, plus the shared
// event sink.
func (b *BrowserAdapter) ActionContext(events *eventlog.Manager, sessionID string) actions.Context {
	return actions.Context{
		Ctrl:      b.ctrl,
		GetState:  b.GetState,
		Events:    events,
		SessionID: sessionID,
	}
}
