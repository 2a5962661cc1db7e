package domchange

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/snapshot"
)

func TestDetectBlockingModalTakesPriority(t *testing.T) {
	old := snapshot.Summary{URL: "https://a.test", Elements: nil}
	next := snapshot.Summary{
		URL: "https://a.test",
		Elements: []snapshot.Element{
			{Role: "dialog", Text: "Confirm deletion", Attr: "aria-modal:true"},
		},
	}
	change := Detect(old, next)
	assert.Equal(t, Blocking, change.Type)
	assert.True(t, ShouldSwitchToSingleStep(change.Type))
}

func TestDetectNavigationWhenURLChanges(t *testing.T) {
	old := snapshot.Summary{URL: "https://a.test"}
	next := snapshot.Summary{URL: "https://b.test"}
	change := Detect(old, next)
	assert.Equal(t, Navigation, change.Type)
	assert.True(t, NeedsFullReplanning(change.Type))
}

func TestDetectNoneWhenNothingChanged(t *testing.T) {
	shared := []snapshot.Element{{Role: "button", Text: "Save", Attr: "aria-label:Save"}}
	old := snapshot.Summary{URL: "https://a.test", Elements: shared}
	next := snapshot.Summary{URL: "https://a.test", Elements: shared}
	change := Detect(old, next)
	assert.Equal(t, None, change.Type)
	assert.False(t, NeedsFullReplanning(change.Type))
	assert.False(t, ShouldSwitchToSingleStep(change.Type))
}

func TestDetectInteractiveListboxSwitchesToSingleStep(t *testing.T) {
	old := snapshot.Summary{URL: "https://a.test"}
	next := snapshot.Summary{
		URL: "https://a.test",
		Elements: []snapshot.Element{
			{Role: "listbox", Text: "suggestion 1"},
		},
	}
	change := Detect(old, next)
	assert.Equal(t, Interactive, change.Type)
	assert.True(t, ShouldSwitchToSingleStep(change.Type))
	assert.False(t, NeedsFullReplanning(change.Type))
}
