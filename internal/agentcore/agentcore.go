// Package agentcore implements the Executor: the top-level state machine
// (Idle -> Running -> (Paused <-> Running) -> Done | Failed | Cancelled)
// that drives one browsing task to completion. It is grounded on the
// teacher's orchestrator.go Orchestrator.Run loop (step counting, fatal
// error propagation, memory/errorRecord bookkeeping) restructured to
// delegate planning, navigation, validation and recovery to the dedicated
// packages that now own those concerns, instead of inlining them.
//
// Navigator/Planner/Validator are defined here as interfaces rather than
// imported from internal/navigator, so agentcore stays a leaf with respect
// to the concrete agent implementations: cmd/agent wires internal/navigator's
// concrete types into an Executor built by this package.
package agentcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/actions"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/browser"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/config"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/domchange"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/eventlog"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/finder"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/snapshot"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/store"
)

// Fatal sentinel errors. These propagate through Navigator/Planner calls
// unchanged and end the task immediately, checked with errors.Is rather
// than string sniffing.
var (
	// ErrURLNotAllowed aliases the browser package's own sentinel so a
	// navigation rejected by the allow-list surfaces as the same fatal
	// condition at every layer.
	ErrURLNotAllowed      = browser.ErrURLNotAllowed
	ErrChatModelAuth      = errors.New("agentcore: chat model authentication failed")
	ErrChatModelForbidden = errors.New("agentcore: chat model request forbidden")
	ErrRequestCancelled   = errors.New("agentcore: request cancelled")
	ErrExtensionConflict  = errors.New("agentcore: browser extension conflict")

	// ErrCancelled is returned by Execute when cancel() ended the run. It is
	// not a failure in the domain sense (SYSTEM emits TASK_CANCEL, not
	// TASK_FAIL) but callers still need a distinguishable return value.
	ErrCancelled = errors.New("agentcore: execution cancelled")
)

// Task is one unit of work the Executor pursues; follow-up tasks append to
// the running list without resetting nSteps.
type Task struct {
	Description string
}

// StepInput is what Planner and Navigator each receive to do their work for
// one step. Built fresh by the Executor every step from the latest browser
// snapshot.
type StepInput struct {
	Task              string
	Step              int
	History           []store.Message
	State             snapshot.Summary
	ValidatorFailed   bool
	MaxActionsPerStep int
}

// PlannerOutput mirrors the data-model PlannerOutput. Observation is
// expected to already be wrapped in the untrusted-content sentinel by the
// Planner implementation before it reaches here.
type PlannerOutput struct {
	Observation string
	NextSteps   []string
	WebTask     bool
	Done        bool
}

// ValidatorOutput is the validator's verdict on a declared-done task.
type ValidatorOutput struct {
	IsValid bool
	Reason  string
}

// NavigatorResult is what one Navigator step produced. Failed marks a
// recoverable navigation failure (bad decode, unknown action, exhausted
// recovery) that increments consecutiveFailures; it is distinct from the Go
// error return, which is reserved for the fatal sentinels above.
type NavigatorResult struct {
	Done    bool
	Failed  bool
	Results []actions.ActionResult
	Change  domchange.Type
}

// Navigator executes one step's worth of LLM-chosen actions against the
// current browser state.
type Navigator interface {
	Step(ctx context.Context, in StepInput) (NavigatorResult, error)
}

// Planner runs periodically (or after a validator failure) to decide
// whether the task is done and to leave guidance for the Navigator.
type Planner interface {
	Plan(ctx context.Context, in StepInput) (PlannerOutput, error)
}

// Validator checks a declared-done task against the current page.
type Validator interface {
	Validate(ctx context.Context, task string, state snapshot.Summary, doneContent string) (ValidatorOutput, error)
}

// BrowserContext is the subset of the browser adapter the Executor itself
// needs: a coherent snapshot and teardown. Action execution goes through
// Navigator, not directly through this interface.
type BrowserContext interface {
	GetState(ctx context.Context, forceRefresh bool) (snapshot.Summary, error)
	Cleanup(ctx context.Context) error
}

// ActionExecutor runs one named action outside of a live Navigator step,
// used by the replay driver to re-execute a historical action sequence.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, name string, input map[string]any) (actions.ActionResult, error)
}

// AgentContext holds the state shared read/write across the agent trio.
// Agents hold a reference to it, never to each other, breaking the cyclic
// references the source exhibited between agent classes.
type AgentContext struct {
	mu sync.Mutex

	tasks     []Task
	taskIndex int

	stopped atomic.Bool
	paused  atomic.Bool

	nSteps                       int
	consecutiveFailures          int
	consecutiveValidatorFailures int

	webTaskFrozen bool
	webTask       bool
	done          bool
	validatorFailed bool
	forceReplan   bool

	currentTaskID string
	actionResults []actions.ActionResult
}

// NewAgentContext seeds a fresh context with the initial task.
func NewAgentContext(taskID, task string) *AgentContext {
	return &AgentContext{
		tasks:         []Task{{Description: task}},
		currentTaskID: taskID,
	}
}

// AddFollowUpTask appends to the task list per SPEC_FULL.md §4.9: existing
// actionResults not tagged IncludeInMemory are discarded, and the
// validator-prompt scope resets (consecutiveValidatorFailures clears, a new
// plan is forced on the next step).
func (a *AgentContext) AddFollowUpTask(task string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks = append(a.tasks, Task{Description: task})
	kept := a.actionResults[:0:0]
	for _, r := range a.actionResults {
		if r.IncludeInMemory {
			kept = append(kept, r)
		}
	}
	a.actionResults = kept
	a.consecutiveValidatorFailures = 0
	a.done = false
	a.forceReplan = true
}

// CurrentTask returns the most recently added task's description.
func (a *AgentContext) CurrentTask() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.tasks) == 0 {
		return ""
	}
	return a.tasks[len(a.tasks)-1].Description
}

// TaskCount returns how many tasks (original plus follow-ups) are queued.
func (a *AgentContext) TaskCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tasks)
}

func (a *AgentContext) recordResults(results []actions.ActionResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actionResults = append(a.actionResults, results...)
}

// Stop requests cancellation; checked at every suspension point.
func (a *AgentContext) Stop()    { a.stopped.Store(true) }
func (a *AgentContext) Pause()   { a.paused.Store(true) }
func (a *AgentContext) Resume()  { a.paused.Store(false) }
func (a *AgentContext) Stopped() bool { return a.stopped.Load() }
func (a *AgentContext) Paused() bool  { return a.paused.Load() }

// NSteps returns the number of Navigator steps executed so far.
func (a *AgentContext) NSteps() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nSteps
}

// Config is the subset of the configuration surface the Executor reads.
type Config struct {
	MaxSteps              int
	MaxActionsPerStep     int
	MaxFailures           int
	MaxValidatorFailures  int
	PlanningInterval      int
	ValidateOutput        bool
	ReplayHistoricalTasks bool
}

// FromOptions adapts the viper-loaded config.Options surface into the
// Executor's own Config.
func FromOptions(o config.Options) Config {
	return Config{
		MaxSteps:              o.MaxSteps,
		MaxActionsPerStep:     o.MaxActionsPerStep,
		MaxFailures:           o.MaxFailures,
		MaxValidatorFailures:  o.MaxValidatorFailures,
		PlanningInterval:      o.PlanningInterval,
		ValidateOutput:        o.ValidateOutput,
		ReplayHistoricalTasks: o.ReplayHistoricalTasks,
	}
}

const pauseCheckInterval = 200 * time.Millisecond

// Executor is the top-level state machine described in SPEC_FULL.md §4.9.
type Executor struct {
	cfg       Config
	navigator Navigator
	planner   Planner
	validator Validator
	browser   BrowserContext
	events    *eventlog.Manager
	history   *store.MessageHistory
	logger    zerolog.Logger

	ctxMu sync.Mutex
	agent *AgentContext

	lastNavigated bool
}

// NewExecutor wires the agent trio and ambient collaborators into a running
// Executor. history may be nil, in which case an unbounded one is created.
func NewExecutor(cfg Config, nav Navigator, plan Planner, val Validator, bctx BrowserContext, events *eventlog.Manager, history *store.MessageHistory, logger zerolog.Logger) *Executor {
	if history == nil {
		history = store.NewMessageHistory(0)
	}
	return &Executor{
		cfg:       cfg,
		navigator: nav,
		planner:   plan,
		validator: val,
		browser:   bctx,
		events:    events,
		history:   history,
		logger:    logger,
	}
}

// GetCurrentTaskId returns the session id of the task currently (or most
// recently) executing.
func (e *Executor) GetCurrentTaskId() string {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	if e.agent == nil {
		return ""
	}
	return e.agent.currentTaskID
}

// SubscribeExecutionEvents registers a callback on the EXECUTION topic.
func (e *Executor) SubscribeExecutionEvents(cb func(eventlog.Event)) string {
	return e.events.Subscribe(cb)
}

// ClearExecutionEvents drops every registered subscriber.
func (e *Executor) ClearExecutionEvents() {
	e.events.Clear()
}

// Cancel sets stopped=true; the running loop observes it at its next
// suspension point, within one checkInterval of the in-flight action
// returning.
func (e *Executor) Cancel() {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	if e.agent != nil {
		e.agent.Stop()
	}
}

// Pause/Resume toggle the cooperative pause flag.
func (e *Executor) Pause() {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	if e.agent != nil {
		e.agent.Pause()
	}
}

func (e *Executor) Resume() {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	if e.agent != nil {
		e.agent.Resume()
	}
}

// Cleanup tears down the underlying browser context.
func (e *Executor) Cleanup(ctx context.Context) error {
	return e.browser.Cleanup(ctx)
}

// AddFollowUpTask queues a new task onto the running AgentContext. Calling
// this before the first Execute seeds the initial AgentContext instead.
func (e *Executor) AddFollowUpTask(sessionID, task string) {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	if e.agent == nil {
		e.agent = NewAgentContext(sessionID, task)
		return
	}
	e.agent.AddFollowUpTask(task)
	e.history.AddNewTask(task)
}

// Execute runs the state machine to completion: Done (nil), Cancelled
// (ErrCancelled), or Failed (any other non-nil error). Per §4.9, entering
// Running resets nSteps but preserves the task list across repeated
// Execute calls on the same Executor (S6: follow-up tasks).
func (e *Executor) Execute(ctx context.Context, sessionID, task string) error {
	e.ctxMu.Lock()
	if e.agent == nil {
		e.agent = NewAgentContext(sessionID, task)
		e.history.InitTaskMessages(systemPromptPlaceholder, task)
	}
	ac := e.agent
	e.ctxMu.Unlock()

	ac.mu.Lock()
	ac.nSteps = 0
	ac.consecutiveFailures = 0
	ac.done = false
	ac.mu.Unlock()

	e.events.Publish(eventlog.ActorSystem, eventlog.TaskStart, ac.CurrentTask(), nil, nil)

	err := e.runLoop(ctx, ac)
	switch {
	case errors.Is(err, ErrCancelled):
		e.events.Publish(eventlog.ActorSystem, eventlog.TaskCancel, ac.CurrentTask(), nil, nil)
		return err
	case err != nil:
		e.events.Publish(eventlog.ActorSystem, eventlog.TaskFail, ac.CurrentTask(), err, nil)
		return err
	default:
		e.events.Publish(eventlog.ActorSystem, eventlog.TaskOK, ac.CurrentTask(), nil, nil)
		if e.cfg.ReplayHistoricalTasks {
			e.logger.Debug().Str("session", sessionID).Msg("replay persistence requested but no ReplayStore wired on this Executor")
		}
		return nil
	}
}

// systemPromptPlaceholder seeds MessageHistory before a concrete Navigator
// implementation supplies its own system prompt on first Plan/Step call;
// kept here rather than hardcoding a prompt string into agentcore, which
// has no opinion on prompt wording.
const systemPromptPlaceholder = "agent session"

func (e *Executor) runLoop(ctx context.Context, ac *AgentContext) error {
	maxSteps := e.cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 1
	}
	planningInterval := e.cfg.PlanningInterval
	if planningInterval <= 0 {
		planningInterval = 1
	}

	for step := 0; step < maxSteps; step++ {
		if ac.Stopped() {
			return ErrCancelled
		}

		for ac.Paused() {
			if ac.Stopped() {
				return ErrCancelled
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pauseCheckInterval):
			}
		}

		ac.mu.Lock()
		failures := ac.consecutiveFailures
		ac.mu.Unlock()
		if failures >= e.cfg.MaxFailures {
			return fmt.Errorf("agentcore: max failures reached (%d)", e.cfg.MaxFailures)
		}

		state, err := e.browser.GetState(ctx, e.lastNavigated)
		if err != nil {
			return fmt.Errorf("agentcore: get browser state: %w", err)
		}
		e.lastNavigated = false

		ac.mu.Lock()
		nSteps := ac.nSteps
		validatorFailed := ac.validatorFailed
		forceReplan := ac.forceReplan
		done := ac.done
		webTask := ac.webTask
		ac.mu.Unlock()

		planDue := nSteps%planningInterval == 0 || validatorFailed || forceReplan

		in := StepInput{
			Task:              ac.CurrentTask(),
			Step:              nSteps,
			History:           e.history.Messages(),
			State:             state,
			ValidatorFailed:   validatorFailed,
			MaxActionsPerStep: e.cfg.MaxActionsPerStep,
		}

		if planDue {
			out, err := e.planner.Plan(ctx, in)
			if err != nil {
				return err
			}
			e.history.AddPlan(out.Observation, -1)

			ac.mu.Lock()
			if !ac.webTaskFrozen {
				ac.webTask = out.WebTask
				ac.webTaskFrozen = true
				webTask = out.WebTask
			}
			ac.validatorFailed = false
			ac.forceReplan = false
			if out.Done && !webTask {
				ac.done = true
				done = true
			}
			ac.mu.Unlock()
		}

		if !done {
			navRes, err := e.navigator.Step(ctx, in)
			if err != nil {
				return err
			}
			ac.recordResults(navRes.Results)

			ac.mu.Lock()
			ac.nSteps++
			if navRes.Failed {
				ac.consecutiveFailures++
			} else {
				ac.consecutiveFailures = 0
			}
			if navRes.Done {
				ac.done = true
				done = true
			}
			if domchange.NeedsFullReplanning(navRes.Change) {
				ac.forceReplan = true
			}
			ac.mu.Unlock()

			if navRes.Change == domchange.Navigation {
				e.lastNavigated = true
			}
		}

		if done && e.cfg.ValidateOutput {
			doneContent := lastExtractedContent(ac)
			valOut, err := e.validator.Validate(ctx, ac.CurrentTask(), state, doneContent)
			if err != nil {
				return err
			}
			if valOut.IsValid {
				return nil
			}

			ac.mu.Lock()
			ac.consecutiveValidatorFailures++
			tooMany := ac.consecutiveValidatorFailures >= e.cfg.MaxValidatorFailures
			ac.done = false
			ac.validatorFailed = true
			ac.mu.Unlock()

			if tooMany {
				return errors.New("agentcore: too many failures of validation")
			}
			continue
		}

		if done {
			return nil
		}
	}

	return errors.New("agentcore: step limit reached")
}

func lastExtractedContent(ac *AgentContext) string {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	for i := len(ac.actionResults) - 1; i >= 0; i-- {
		if ac.actionResults[i].IsDone {
			return ac.actionResults[i].ExtractedContent
		}
	}
	return ""
}

// ReplayOptions tunes the replay driver: how many times to retry a failed
// historical action, whether to abort on a failure that survives retries,
// and how long to pause between actions.
type ReplayOptions struct {
	MaxRetries          int
	SkipFailures        bool
	DelayBetweenActions time.Duration
}

// ReplayHistory deterministically replays a previously stored session:
// actions are re-targeted through the EnhancedElementFinder rather than
// trusting recorded indices, since the selectorMap they were captured
// against is not guaranteed to still match. Emits the same SYSTEM/NAVIGATOR
// event taxonomy as a live Execute run.
func (e *Executor) ReplayHistory(ctx context.Context, sessionID string, replayStore *store.ReplayStore, exec ActionExecutor, opts ReplayOptions) error {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	payload, err := replayStore.LoadAgentStepHistory(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("agentcore: load replay history: %w", err)
	}

	e.events.Publish(eventlog.ActorSystem, eventlog.TaskStart, "replay:"+sessionID, nil, nil)

	for _, step := range payload.History {
		for _, action := range step.ModelOutput.Actions {
			name, _ := action["name"].(string)
			input, _ := action["input"].(map[string]any)
			if input == nil {
				input = map[string]any{}
			}
			retargeted := retargetAction(ctx, e.browser, input)

			var lastErr error
			for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
				e.events.Publish(eventlog.ActorNavigator, eventlog.ActStart, name, nil, nil)
				_, execErr := exec.ExecuteAction(ctx, name, retargeted)
				if execErr == nil {
					e.events.Publish(eventlog.ActorNavigator, eventlog.ActOK, name, nil, nil)
					lastErr = nil
					break
				}
				lastErr = execErr
				e.events.Publish(eventlog.ActorNavigator, eventlog.ActFail, name, execErr, nil)
				if opts.DelayBetweenActions > 0 {
					time.Sleep(opts.DelayBetweenActions)
				}
			}

			if lastErr != nil && !opts.SkipFailures {
				e.events.Publish(eventlog.ActorSystem, eventlog.TaskFail, "replay:"+sessionID, lastErr, nil)
				return fmt.Errorf("agentcore: replay action %s failed: %w", name, lastErr)
			}
			if opts.DelayBetweenActions > 0 {
				time.Sleep(opts.DelayBetweenActions)
			}
		}
	}

	e.events.Publish(eventlog.ActorSystem, eventlog.TaskOK, "replay:"+sessionID, nil, nil)
	return nil
}

// retargetAction rebuilds an index-bearing input against a fresh snapshot
// when the recorded index may have drifted. Non-index actions (and actions
// whose strategy fields resolve to nothing) pass through unchanged.
func retargetAction(ctx context.Context, bctx BrowserContext, input map[string]any) map[string]any {
	strat := strategyFromInput(input)
	if !strat.HasIndex && strat.Aria == "" && strat.Text == "" && strat.Selector == "" && strat.Placeholder == "" {
		return input
	}

	state, err := bctx.GetState(ctx, false)
	if err != nil {
		return input
	}
	res, _, ok := finder.Find(state.Elements, strat)
	if !ok {
		return input
	}

	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	if strat.HasIndex {
		out["index"] = res.Element.Index
	}
	return out
}

func strategyFromInput(input map[string]any) finder.TargetingStrategy {
	var strat finder.TargetingStrategy
	if idx, ok := input["index"]; ok {
		switch v := idx.(type) {
		case float64:
			strat.Index, strat.HasIndex = int(v), true
		case int:
			strat.Index, strat.HasIndex = v, true
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
