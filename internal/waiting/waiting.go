// Package waiting implements IntelligentWaiting: a condition-based wait
// primitive with named presets, evaluating all conditions for a round in
// parallel and succeeding only when every condition passes in the same
// round.
package waiting

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// PageProbe is the minimal page-evaluation capability IntelligentWaiting
// needs from the browser adapter. browser.Controller satisfies this
// structurally; waiting never imports the browser package.
type PageProbe interface {
	EvaluateInPage(ctx context.Context, script string) (any, error)
}

// Condition is one named check evaluated every round.
type Condition struct {
	Description string
	Check       func(ctx context.Context, probe PageProbe) (bool, error)
	Weight      int
}

// Options configures one waitFor call.
type Options struct {
	MaxWait       time.Duration
	MinWait       time.Duration
	CheckInterval time.Duration
	Preset        string
	Conditions    []Condition
}

// Reason explains why waitFor returned.
type Reason string

const (
	ReasonCompleted      Reason = "completed"
	ReasonTimeout        Reason = "timeout"
	ReasonMinWaitReached Reason = "minWaitReached"
)

// Result is the outcome of one waitFor call.
type Result struct {
	Success         bool
	Duration        time.Duration
	MetConditions   []string
	UnmetConditions []string
	Reason          Reason
}

const (
	defaultMaxWait       = 10 * time.Second
	defaultMinWait       = 250 * time.Millisecond
	defaultCheckInterval = 100 * time.Millisecond
)

// WaitFor resolves options (preset or explicit conditions) and blocks until
// every condition passes in the same round, maxWait elapses, or ctx is
// cancelled.
func WaitFor(ctx context.Context, probe PageProbe, opts Options) Result {
	start := time.Now()

	conditions := opts.Conditions
	if len(conditions) == 0 {
		conditions = Preset(opts.Preset)
	}
	if len(conditions) == 0 {
		conditions = Preset("fast")
	}

	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	minWait := opts.MinWait
	if minWait <= 0 {
		minWait = defaultMinWait
	}
	checkInterval := opts.CheckInterval
	if checkInterval <= 0 {
		checkInterval = defaultCheckInterval
	}

	select {
	case <-time.After(minWait):
	case <-ctx.Done():
		return Result{Success: false, Duration: time.Since(start), Reason: ReasonTimeout}
	}

	deadline := start.Add(maxWait)
	for {
		met, unmet := evaluateRound(ctx, probe, conditions)
		if len(unmet) == 0 {
			return Result{
				Success:       true,
				Duration:      time.Since(start),
				MetConditions: met,
				Reason:        ReasonCompleted,
			}
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return Result{
				Success:         false,
				Duration:        time.Since(start),
				MetConditions:   met,
				UnmetConditions: unmet,
				Reason:          ReasonTimeout,
			}
		}
		select {
		case <-time.After(checkInterval):
		case <-ctx.Done():
			return Result{
				Success:         false,
				Duration:        time.Since(start),
				MetConditions:   met,
				UnmetConditions: unmet,
				Reason:          ReasonTimeout,
			}
		}
	}
}

// evaluateRound runs every condition's Check concurrently, fanning results
// into a buffered channel and gathering with a WaitGroup. golang.org/x/sync's
// errgroup was considered here and rejected (see DESIGN.md): nothing in the
// retrieved pack shows a grounded errgroup usage to imitate, so this stays a
// plain goroutines + sync.WaitGroup fan-out, matching the teacher's
// lock-free suspension-point style elsewhere.
func evaluateRound(ctx context.Context, probe PageProbe, conditions []Condition) (met, unmet []string) {
	type outcome struct {
		desc string
		ok   bool
	}
	results := make(chan outcome, len(conditions))
	var wg sync.WaitGroup
	for _, c := range conditions {
		wg.Add(1)
		go func(cond Condition) {
			defer wg.Done()
			ok, err := cond.Check(ctx, probe)
			if err != nil {
				ok = false
			}
			results <- outcome{desc: cond.Description, ok: ok}
		}(c)
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	for r := range results {
		if r.ok {
			met = append(met, r.desc)
		} else {
			unmet = append(unmet, r.desc)
		}
	}
	return met, unmet
}

// Preset resolves a named preset to its condition list.
func Preset(name string) []Condition {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pageload":
		return []Condition{documentReady(), noLoadingSpinners()}
	case "networkidle":
		return []Condition{documentReady(), domStableFor(500 * time.Millisecond)}
	case "elementvisible":
		return []Condition{documentReady()}
	case "animationscomplete":
		return []Condition{animationsTerminal()}
	case "stable":
		return []Condition{documentReady(), domStableFor(500 * time.Millisecond), noLoadingSpinners()}
	case "fast":
		return []Condition{documentReady()}
	default:
		return []Condition{documentReady()}
	}
}

func documentReady() Condition {
	return Condition{
		Description: "document.readyState === 'complete'",
		Check: func(ctx context.Context, probe PageProbe) (bool, error) {
			val, err := probe.EvaluateInPage(ctx, "() => document.readyState === 'complete'")
			if err != nil {
				return false, err
			}
			ok, _ := val.(bool)
			return ok, nil
		},
	}
}

func noLoadingSpinners() Condition {
	return Condition{
		Description: "no visible loading/spinner elements",
		Check: func(ctx context.Context, probe PageProbe) (bool, error) {
			script := `() => {
				const sel = "[class*='spinner' i], [class*='loading' i], [aria-busy='true']";
				const nodes = document.querySelectorAll(sel);
				for (const n of nodes) {
					const rect = n.getBoundingClientRect();
					if (rect.width > 0 && rect.height > 0) return false;
				}
				return true;
			}`
			val, err := probe.EvaluateInPage(ctx, script)
			if err != nil {
				return false, err
			}
			ok, _ := val.(bool)
			return ok, nil
		},
	}
}

func domStableFor(window time.Duration) Condition {
	return Condition{
		Description: fmt.Sprintf("DOM stable for %s", window),
		Check: func(ctx context.Context, probe PageProbe) (bool, error) {
			script := fmt.Sprintf(`() => {
				const last = window.__lastDOMModification || 0;
				return (Date.now() - last) >= %d;
			}`, window.Milliseconds())
			val, err := probe.EvaluateInPage(ctx, script)
			if err != nil {
				return false, err
			}
			ok, _ := val.(bool)
			return ok, nil
		},
	}
}

func animationsTerminal() Condition {
	return Condition{
		Description: "all document.getAnimations() in terminal states",
		Check: func(ctx context.Context, probe PageProbe) (bool, error) {
			script := `() => {
				if (!document.getAnimations) return true;
				return document.getAnimations().every(a => a.playState === 'finished' || a.playState === 'idle');
			}`
			val, err := probe.EvaluateInPage(ctx, script)
			if err != nil {
				return false, err
			}
			ok, _ := val.(bool)
			return ok, nil
		},
	}
}
