// Package recovery implements ErrorRecovery: a prioritized, time-bounded
// set of strategies wrapped around any element-touching action, centralized
// here instead of scattered across call sites (the re-architecture named in
// SPEC_FULL.md §9, grounded on the teacher's orchestrator.go
// handleErrorAdaptively, which inlined an equivalent but ad hoc strategy
// list directly in the control loop).
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/finder"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/snapshot"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/waiting"
)

// ErrGracefulContinuation is the sentinel raised by the last-resort
// strategy; the calling action converts this into a soft ActionResult
// instead of a hard failure.
var ErrGracefulContinuation = errors.New("recovery: graceful continuation")

// ActionType classifies the kind of action being retried, used to decide
// which strategies apply.
type ActionType string

const (
	ActionClick      ActionType = "click"
	ActionInput      ActionType = "input"
	ActionScroll     ActionType = "scroll"
	ActionNavigation ActionType = "navigation"
	ActionWait       ActionType = "wait"
	ActionOther      ActionType = "other"
)

// Context carries everything a strategy needs to decide applicability and
// attempt a fix.
type Context struct {
	OriginalError     error
	ActionType        ActionType
	TargetingStrategy finder.TargetingStrategy
	AttemptCount      int
	MaxAttempts       int
}

// Outcome is what a strategy reports after attempting to salvage an action.
type Outcome struct {
	Success          bool
	ShouldRetry      bool
	ShouldContinue   bool
	ModifiedStrategy *finder.TargetingStrategy
	Message          string
	Details          map[string]any
}

// BrowserOps is the slice of BrowserContext capability recovery strategies
// need. Defined locally (duck-typed) so this package never imports
// internal/browser.
type BrowserOps interface {
	waiting.PageProbe
	Refresh(ctx context.Context) error
	ScrollToText(ctx context.Context, text string, nth int) error
	Scroll(ctx context.Context, direction string, distance int) (int, error)
}

// GetStateFunc fetches a fresh snapshot, used by strategies that re-observe
// the page (refresh, re-research).
type GetStateFunc func(ctx context.Context, forceRefresh bool) (snapshot.Summary, error)

// Strategy is one entry in the priority catalog.
type Strategy struct {
	Name       string
	Priority   int
	Applicable func(rc Context) bool
	Execute    func(ctx context.Context, rc Context, ops BrowserOps, getState GetStateFunc) Outcome
}

const perStrategyTimeout = 5 * time.Second

// Catalog is the default seven-strategy list from SPEC_FULL.md §4.4,
// priority descending.
func Catalog() []Strategy {
	return []Strategy{
		pageRefreshStrategy(),
		scrollAndWaitStrategy(),
		elementResearchStrategy(),
		pageStabilizationStrategy(),
		alternativeTargetingStrategy(),
		timeoutExtensionStrategy(),
		gracefulContinuationStrategy(),
	}
}

// ExecuteWithRecovery implements executeWithRecovery(fn, ctx): try fn, and
// on failure walk the applicable strategy catalog by descending priority,
// each raced against the 5s perStrategyTimeout, up to rc.MaxAttempts total
// strategy invocations.
func ExecuteWithRecovery(
	ctx context.Context,
	rc Context,
	ops BrowserOps,
	getState GetStateFunc,
	fn func(ctx context.Context, strat finder.TargetingStrategy) error,
) error {
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = 3
	}

	err := fn(ctx, rc.TargetingStrategy)
	if err == nil {
		return nil
	}
	rc.OriginalError = err

	applicable := applicableStrategies(rc)
	if len(applicable) == 0 {
		return err
	}

	lastErr := err
	attempts := 0
	strat := rc.TargetingStrategy

	for _, strategy := range applicable {
		if attempts >= rc.MaxAttempts {
			break
		}
		budget := perStrategyTimeout
		outcome := runWithTimeout(ctx, strategy, rc, ops, getState, budget)
		attempts++

		if outcome.ShouldContinue && !outcome.ShouldRetry {
			return ErrGracefulContinuation
		}

		if outcome.ShouldRetry && outcome.Success {
			if outcome.ModifiedStrategy != nil {
				strat = *outcome.ModifiedStrategy
			}
			retryErr := fn(ctx, strat)
			if retryErr == nil {
				return nil
			}
			lastErr = retryErr
			rc.OriginalError = retryErr
			rc.TargetingStrategy = strat
		}
	}

	return fmt.Errorf("recovery exhausted after %d attempts: %w", attempts, lastErr)
}

func applicableStrategies(rc Context) []Strategy {
	var out []Strategy
	for _, s := range Catalog() {
		if s.Applicable(rc) {
			out = append(out, s)
		}
	}
	// Catalog() is already priority-descending; Applicable filtering
	// preserves that order.
	return out
}

// runWithTimeout races strategy.Execute against a per-attempt budget,
// matching the teacher's adaptive-recovery race idiom (context.WithTimeout
// + select over a result channel and ctx.Done()). budget is never more than
// perStrategyTimeout, so the 5s ceiling from SPEC_FULL.md §4.4 always holds.
func runWithTimeout(ctx context.Context, strategy Strategy, rc Context, ops BrowserOps, getState GetStateFunc, budget time.Duration) Outcome {
	stratCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	resultCh := make(chan Outcome, 1)
	go func() {
		resultCh <- strategy.Execute(stratCtx, rc, ops, getState)
	}()

	select {
	case out := <-resultCh:
		return out
	case <-stratCtx.Done():
		return Outcome{Success: false, Message: fmt.Sprintf("%s timed out after %s", strategy.Name, budget)}
	}
}

// --- strategy implementations ---

func pageRefreshStrategy() Strategy {
	return Strategy{
		Name:     "page_refresh",
		Priority: 80,
		Applicable: func(rc Context) bool {
			return rc.ActionType == ActionClick || rc.ActionType == ActionInput
		},
		Execute: func(ctx context.Context, rc Context, ops BrowserOps, getState GetStateFunc) Outcome {
			if err := ops.Refresh(ctx); err != nil {
				return Outcome{Success: false, Message: "refresh failed: " + err.Error()}
			}
			waiting.WaitFor(ctx, ops, waiting.Options{Preset: "pageLoad", MaxWait: 3 * time.Second})
			if _, err := getState(ctx, true); err != nil {
				return Outcome{Success: false, Message: "state refresh failed: " + err.Error()}
			}
			return Outcome{Success: true, ShouldRetry: true, Message: "page refreshed"}
		},
	}
}

func scrollAndWaitStrategy() Strategy {
	return Strategy{
		Name:     "scroll_and_wait",
		Priority: 75,
		Applicable: func(rc Context) bool {
			if rc.ActionType != ActionClick && rc.ActionType != ActionInput {
				return false
			}
			return strings.Contains(strings.ToLower(rc.OriginalError.Error()), "not found") ||
				strings.Contains(strings.ToLower(rc.OriginalError.Error()), "not visible")
		},
		Execute: func(ctx context.Context, rc Context, ops BrowserOps, getState GetStateFunc) Outcome {
			if rc.TargetingStrategy.Text != "" {
				if err := ops.ScrollToText(ctx, rc.TargetingStrategy.Text, 1); err == nil {
					return Outcome{Success: true, ShouldRetry: true, Message: "scrolled to text"}
				}
			}
			if _, err := ops.Scroll(ctx, "down", 600); err != nil {
				return Outcome{Success: false, Message: "scroll failed: " + err.Error()}
			}
			return Outcome{Success: true, ShouldRetry: true, Message: "scrolled down"}
		},
	}
}

func elementResearchStrategy() Strategy {
	return Strategy{
		Name:     "element_research",
		Priority: 70,
		Applicable: func(rc Context) bool {
			return true
		},
		Execute: func(ctx context.Context, rc Context, ops BrowserOps, getState GetStateFunc) Outcome {
			state, err := getState(ctx, false)
			if err != nil {
				return Outcome{Success: false, Message: "re-snapshot failed: " + err.Error()}
			}
			expanded := rc.TargetingStrategy
			if expanded.Text != "" {
				words := strings.Fields(expanded.Text)
				if len(words) > 0 {
					expanded.Text = words[0]
				}
			}
			if expanded.Selector == "" {
				expanded.Selector = genericSelector(expanded)
			}
			if res, _, ok := finder.Find(state.Elements, expanded); ok {
				modified := finder.TargetingStrategy{HasIndex: true, Index: res.Element.Index}
				return Outcome{
					Success:          true,
					ShouldRetry:      true,
					ModifiedStrategy: &modified,
					Message:          fmt.Sprintf("re-research found candidate at index %d via %s", res.Element.Index, res.Strategy),
				}
			}
			return Outcome{Success: false, Message: "re-research found no substitute element"}
		},
	}
}

func genericSelector(strat finder.TargetingStrategy) string {
	if strat.Aria != "" {
		return fmt.Sprintf("[aria-label*=%q]", strat.Aria)
	}
	return ""
}

func pageStabilizationStrategy() Strategy {
	return Strategy{
		Name:     "page_stabilization",
		Priority: 60,
		Applicable: func(rc Context) bool {
			msg := strings.ToLower(rc.OriginalError.Error())
			return strings.Contains(msg, "not found") || strings.Contains(msg, "no longer available") || rc.ActionType == ActionWait
		},
		Execute: func(ctx context.Context, rc Context, ops BrowserOps, getState GetStateFunc) Outcome {
			result := waiting.WaitFor(ctx, ops, waiting.Options{Preset: "pageLoad", MinWait: time.Second, MaxWait: 5 * time.Second})
			if !result.Success {
				return Outcome{Success: false, Message: "page did not stabilize"}
			}
			return Outcome{Success: true, ShouldRetry: true, Message: "page stabilized"}
		},
	}
}

func alternativeTargetingStrategy() Strategy {
	return Strategy{
		Name:     "alternative_targeting",
		Priority: 50,
		Applicable: func(rc Context) bool {
			return rc.ActionType == ActionClick || rc.ActionType == ActionInput
		},
		Execute: func(ctx context.Context, rc Context, ops BrowserOps, getState GetStateFunc) Outcome {
			state, err := getState(ctx, false)
			if err != nil {
				return Outcome{Success: false, Message: "re-snapshot failed: " + err.Error()}
			}
			variants := singleAttributeVariants(rc.TargetingStrategy)
			for _, v := range variants {
				if res, _, ok := finder.Find(state.Elements, v); ok {
					modified := finder.TargetingStrategy{HasIndex: true, Index: res.Element.Index}
					return Outcome{Success: true, ShouldRetry: true, ModifiedStrategy: &modified, Message: "alternative targeting succeeded"}
				}
			}
			return Outcome{Success: false, Message: "no alternative targeting variant matched"}
		},
	}
}

func singleAttributeVariants(strat finder.TargetingStrategy) []finder.TargetingStrategy {
	var variants []finder.TargetingStrategy
	if strat.Aria != "" {
		variants = append(variants, finder.TargetingStrategy{Aria: strat.Aria})
	}
	if strat.Text != "" {
		variants = append(variants, finder.TargetingStrategy{Text: strat.Text})
	}
	if strat.Placeholder != "" {
		variants = append(variants, finder.TargetingStrategy{Placeholder: strat.Placeholder})
	}
	for k, v := range strat.Attributes {
		variants = append(variants, finder.TargetingStrategy{Attributes: map[string]string{k: v}})
	}
	return variants
}

func timeoutExtensionStrategy() Strategy {
	return Strategy{
		Name:     "timeout_extension",
		Priority: 40,
		Applicable: func(rc Context) bool {
			return strings.Contains(strings.ToLower(rc.OriginalError.Error()), "timeout")
		},
		Execute: func(ctx context.Context, rc Context, ops BrowserOps, getState GetStateFunc) Outcome {
			result := waiting.WaitFor(ctx, ops, waiting.Options{Preset: "stable", MaxWait: 10 * time.Second})
			if !result.Success {
				return Outcome{Success: false, Message: "extended wait still not stable"}
			}
			return Outcome{Success: true, ShouldRetry: true, Message: "extended timeout satisfied"}
		},
	}
}

func gracefulContinuationStrategy() Strategy {
	return Strategy{
		Name:       "graceful_continuation",
		Priority:   10,
		Applicable: func(rc Context) bool { return true },
		Execute: func(ctx context.Context, rc Context, ops BrowserOps, getState GetStateFunc) Outcome {
			return Outcome{Success: true, ShouldContinue: true, Message: "graceful continuation: skipping action but continuing task"}
		},
	}
}

// RetryBudgetFloor computes the per-strategy timeout budget for the given
// 0-indexed attempt number using backoff/v4's exponential backoff, grounded
// on dotcommander-vybe's RetryWithBackoff: 100ms for attempt 0, growing by
// 1.5x per attempt, capped at perStrategyTimeout. ExecuteWithRecovery does
// not call it; every strategy there is raced against the full
// perStrategyTimeout.
func RetryBudgetFloor(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = perStrategyTimeout
	b.RandomizationFactor = 0
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	if d > perStrategyTimeout {
		d = perStrategyTimeout
	}
	return d
}
