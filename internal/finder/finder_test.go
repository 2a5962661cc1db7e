package finder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/snapshot"
)

func TestFindByIndexHighestPriority(t *testing.T) {
	elems := []snapshot.Element{
		{Index: 1, Role: "button", Text: "Login", Attr: "aria-label:Login"},
		{Index: 2, Role: "button", Text: "Signup", Attr: "aria-label:Signup"},
	}
	res, _, ok := Find(elems, TargetingStrategy{HasIndex: true, Index: 2})
	require.True(t, ok)
	assert.Equal(t, StrategyIndex, res.Strategy)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, "Signup", res.Element.Text)
}

func TestIndexRejectedOnSemanticMismatchFallsThroughToAria(t *testing.T) {
	elems := []snapshot.Element{
		{Index: 3, Role: "textbox", Text: "", Attr: "placeholder:Search products"},
		{Index: 5, Role: "textbox", Text: "", Attr: "aria-label:Username"},
	}
	strat := TargetingStrategy{HasIndex: true, Index: 3, Aria: "Username"}
	res, dbg, ok := Find(elems, strat)
	require.True(t, ok)
	assert.Equal(t, StrategyAria, res.Strategy)
	assert.Equal(t, 5, res.Element.Index)
	assert.Contains(t, dbg.Rejected, StrategyIndex)
}

func TestTextExactBeatsSubstring(t *testing.T) {
	elems := []snapshot.Element{
		{Index: 1, Text: "Login to account"},
		{Index: 2, Text: "Login"},
	}
	res, _, ok := Find(elems, TargetingStrategy{Text: "Login"})
	require.True(t, ok)
	assert.Equal(t, 0.95, res.Confidence)
	assert.Equal(t, 2, res.Element.Index)
}

func TestXPathAlwaysSkipped(t *testing.T) {
	elems := []snapshot.Element{{Index: 1, Text: "foo"}}
	_, dbg, ok := Find(elems, TargetingStrategy{XPath: "//div"})
	assert.False(t, ok)
	assert.Contains(t, dbg.Rejected, StrategyXPath)
}

func TestSelectorAttributeSubstringFallback(t *testing.T) {
	elems := []snapshot.Element{
		{Index: 1, Sel: "", Attr: "data-testid:submit-button"},
	}
	res, _, ok := Find(elems, TargetingStrategy{Selector: `[data-testid*="submit"]`})
	require.True(t, ok)
	assert.Equal(t, StrategySelector, res.Strategy)
	assert.Equal(t, 1, res.Element.Index)
}

func TestNoStrategyMatchesReturnsFalse(t *testing.T) {
	elems := []snapshot.Element{{Index: 1, Text: "unrelated"}}
	_, _, ok := Find(elems, TargetingStrategy{Text: "nothing matches this"})
	assert.False(t, ok)
}
