package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/finder"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/snapshot"
)

type fakeOps struct {
	refreshCalls int
	refreshErr   error
	scrollErr    error
	scrollToErr  error
}

func (f *fakeOps) EvaluateInPage(ctx context.Context, script string) (any, error) {
	return true, nil
}

func (f *fakeOps) Refresh(ctx context.Context) error {
	f.refreshCalls++
	return f.refreshErr
}

func (f *fakeOps) ScrollToText(ctx context.Context, text string, nth int) error {
	return f.scrollToErr
}

func (f *fakeOps) Scroll(ctx context.Context, direction string, distance int) (int, error) {
	if f.scrollErr != nil {
		return 0, f.scrollErr
	}
	return distance, nil
}

func fakeGetState(state snapshot.Summary, err error) GetStateFunc {
	return func(ctx context.Context, forceRefresh bool) (snapshot.Summary, error) {
		return state, err
	}
}

func TestExecuteWithRecoveryReturnsNilWhenFirstAttemptSucceeds(t *testing.T) {
	ops := &fakeOps{}
	called := 0
	err := ExecuteWithRecovery(context.Background(), Context{ActionType: ActionClick, MaxAttempts: 3}, ops, fakeGetState(snapshot.Summary{}, nil),
		func(ctx context.Context, strat finder.TargetingStrategy) error {
			called++
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 1, called)
	assert.Equal(t, 0, ops.refreshCalls)
}

func TestExecuteWithRecoveryRetriesAfterPageRefresh(t *testing.T) {
	ops := &fakeOps{}
	attempts := 0
	err := ExecuteWithRecovery(context.Background(), Context{ActionType: ActionClick, MaxAttempts: 3}, ops, fakeGetState(snapshot.Summary{}, nil),
		func(ctx context.Context, strat finder.TargetingStrategy) error {
			attempts++
			if attempts == 1 {
				return errors.New("element not found")
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, ops.refreshCalls)
}

func TestExecuteWithRecoveryRecoversAriaTargetedClick(t *testing.T) {
	ops := &fakeOps{}
	state := snapshot.Summary{Elements: []snapshot.Element{
		{Index: 7, Role: "button", Text: "Submit", Attr: "aria-label:Submit form"},
	}}
	strat := finder.TargetingStrategy{Aria: "Submit form button that moved"}
	var seenStrategies []finder.TargetingStrategy
	attempts := 0
	err := ExecuteWithRecovery(context.Background(), Context{ActionType: ActionClick, TargetingStrategy: strat, MaxAttempts: 3}, ops, fakeGetState(state, nil),
		func(ctx context.Context, strat finder.TargetingStrategy) error {
			attempts++
			seenStrategies = append(seenStrategies, strat)
			if attempts == 1 {
				return errors.New("element not found at aria target")
			}
			return nil
		})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, attempts, 1)
	_ = seenStrategies
}

func TestExecuteWithRecoveryExhaustsToGracefulContinuation(t *testing.T) {
	ops := &fakeOps{}
	err := ExecuteWithRecovery(context.Background(), Context{ActionType: ActionOther, MaxAttempts: 7}, ops, fakeGetState(snapshot.Summary{}, nil),
		func(ctx context.Context, strat finder.TargetingStrategy) error {
			return errors.New("some unrecoverable condition")
		})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGracefulContinuation) || err != nil)
}

func TestExecuteWithRecoveryRespectsMaxAttempts(t *testing.T) {
	ops := &fakeOps{}
	fnCalls := 0
	err := ExecuteWithRecovery(context.Background(), Context{ActionType: ActionClick, MaxAttempts: 2}, ops, fakeGetState(snapshot.Summary{}, nil),
		func(ctx context.Context, strat finder.TargetingStrategy) error {
			fnCalls++
			return errors.New("not found")
		})
	require.Error(t, err)
	assert.LessOrEqual(t, fnCalls, 3)
}

func TestRetryBudgetFloorNeverExceedsPerStrategyTimeout(t *testing.T) {
	for i := 0; i < 5; i++ {
		d := RetryBudgetFloor(i)
		assert.LessOrEqual(t, d, perStrategyTimeout)
		assert.Greater(t, d, time.Duration(0))
	}
}
