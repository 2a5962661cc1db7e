package waiting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeProbe struct {
	results map[string]bool
	err     error
}

func (f *fakeProbe) EvaluateInPage(ctx context.Context, script string) (any, error) {
	if f.err != nil {
		return nil, f.err
	}
	for key, ok := range f.results {
		if containsAll(script, key) {
			return ok, nil
		}
	}
	return true, nil
}

func containsAll(haystack, needle string) bool {
	return len(needle) > 0 && len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func TestWaitForSucceedsWhenAllConditionsMet(t *testing.T) {
	probe := &fakeProbe{results: map[string]bool{}}
	result := WaitFor(context.Background(), probe, Options{
		Preset:        "fast",
		MinWait:       time.Millisecond,
		MaxWait:       time.Second,
		CheckInterval: time.Millisecond,
	})
	assert.True(t, result.Success)
	assert.Equal(t, ReasonCompleted, result.Reason)
}

func TestWaitForTimesOutWhenConditionNeverMet(t *testing.T) {
	probe := &fakeProbe{results: map[string]bool{"readyState": false}}
	result := WaitFor(context.Background(), probe, Options{
		Preset:        "fast",
		MinWait:       time.Millisecond,
		MaxWait:       20 * time.Millisecond,
		CheckInterval: 5 * time.Millisecond,
	})
	assert.False(t, result.Success)
	assert.Equal(t, ReasonTimeout, result.Reason)
	assert.NotEmpty(t, result.UnmetConditions)
}

func TestWaitForRespectsContextCancellation(t *testing.T) {
	probe := &fakeProbe{results: map[string]bool{"readyState": false}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	result := WaitFor(ctx, probe, Options{Preset: "fast", MinWait: time.Millisecond, MaxWait: time.Second, CheckInterval: 5 * time.Millisecond})
	assert.False(t, result.Success)
}

func TestConditionErrorCountsAsUnmet(t *testing.T) {
	probe := &fakeProbe{err: errors.New("eval failed")}
	result := WaitFor(context.Background(), probe, Options{Preset: "fast", MinWait: time.Millisecond, MaxWait: 10 * time.Millisecond, CheckInterval: 2 * time.Millisecond})
	assert.False(t, result.Success)
}

func TestStablePresetEvaluatesMultipleConditionsInParallel(t *testing.T) {
	probe := &fakeProbe{results: map[string]bool{}}
	result := WaitFor(context.Background(), probe, Options{Preset: "stable", MinWait: time.Millisecond, MaxWait: time.Second, CheckInterval: time.Millisecond})
	assert.True(t, result.Success)
	assert.GreaterOrEqual(t, len(result.MetConditions), 2)
}
