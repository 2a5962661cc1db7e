// Package domchange classifies the DOM delta between two snapshots taken
// before and after an action, driving the Navigator's batch-vs-single-step
// decision and the Executor's replanning trigger.
package domchange

import (
	"strings"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/snapshot"
)

// Type is the classification priority ordering: first match wins.
type Type string

const (
	Blocking    Type = "BLOCKING"
	Interactive Type = "INTERACTIVE"
	Minor       Type = "MINOR"
	Navigation  Type = "NAVIGATION"
	None        Type = "NONE"
)

// Change is the detector's result.
type Change struct {
	Type            Type
	Description     string
	NewElements     []snapshot.Element
	Recommendations []string
}

var dialogRoles = map[string]bool{
	"alertdialog": true,
	"dialog":      true,
}

var interactivePopupRoles = map[string]bool{
	"listbox":  true,
	"menu":     true,
	"combobox": true,
}

// Detect compares oldState and newState and classifies the delta.
func Detect(oldState, newState snapshot.Summary) Change {
	newElements := diffNew(oldState.Elements, newState.Elements)

	if blocking, desc := findBlocking(newElements); blocking {
		return Change{
			Type:            Blocking,
			Description:     desc,
			NewElements:     newElements,
			Recommendations: []string{"abort remaining batch actions", "re-observe before continuing"},
		}
	}

	if interactive, desc := findInteractive(newElements); interactive {
		return Change{
			Type:            Interactive,
			Description:     desc,
			NewElements:     newElements,
			Recommendations: []string{"switch to single-step execution"},
		}
	}

	if minor, desc := findMinor(newElements); minor {
		return Change{
			Type:        Minor,
			Description: desc,
			NewElements: newElements,
		}
	}

	if oldState.URL != newState.URL {
		return Change{
			Type:            Navigation,
			Description:     "page url changed from " + oldState.URL + " to " + newState.URL,
			Recommendations: []string{"trigger planner replanning at next step boundary"},
		}
	}

	return Change{Type: None, Description: "no meaningful DOM change detected"}
}

func diffNew(oldElems, newElems []snapshot.Element) []snapshot.Element {
	seen := make(map[string]bool, len(oldElems))
	for _, el := range oldElems {
		seen[elementKey(el)] = true
	}
	var added []snapshot.Element
	for _, el := range newElems {
		if !seen[elementKey(el)] {
			added = append(added, el)
		}
	}
	return added
}

func elementKey(el snapshot.Element) string {
	return el.Role + "|" + el.Text + "|" + el.Attr
}

func findBlocking(newElements []snapshot.Element) (bool, string) {
	for _, el := range newElements {
		role := strings.ToLower(el.Role)
		if dialogRoles[role] {
			return true, "new " + role + " element appeared (modal/alert)"
		}
		attrs := strings.ToLower(el.Attr)
		if strings.Contains(attrs, "aria-modal:true") {
			return true, "new aria-modal element appeared"
		}
		if strings.Contains(strings.ToLower(el.Text), "modal") && strings.Contains(attrs, "class") {
			return true, "new modal-classed element appeared"
		}
	}
	return false, ""
}

func findInteractive(newElements []snapshot.Element) (bool, string) {
	for _, el := range newElements {
		role := strings.ToLower(el.Role)
		if interactivePopupRoles[role] {
			return true, "new " + role + " popup appeared"
		}
		if strings.Contains(strings.ToLower(el.Attr), "role:alert") && el.Text != "" {
			return true, "new validation-error element appeared: " + el.Text
		}
	}
	return false, ""
}

func findMinor(newElements []snapshot.Element) (bool, string) {
	if len(newElements) == 0 {
		return false, ""
	}
	for _, el := range newElements {
		lowerText := strings.ToLower(el.Text)
		if strings.Contains(lowerText, "loading") || strings.Contains(lowerText, "spinner") {
			return true, "loading indicator appeared"
		}
	}
	if len(newElements) <= 3 {
		return true, "small set of new elements appeared"
	}
	return false, ""
}

// ShouldSwitchToSingleStep mirrors SPEC_FULL.md §4.6: Navigator drops to
// single-step mode on INTERACTIVE or BLOCKING changes.
func ShouldSwitchToSingleStep(t Type) bool {
	return t == Interactive || t == Blocking
}

// NeedsFullReplanning mirrors §4.6: only a NAVIGATION change forces the
// Executor to run the Planner at the next step boundary.
func NeedsFullReplanning(t Type) bool {
	return t == Navigation
}
