// Package finder implements the EnhancedElementFinder: resolution of a
// TargetingStrategy against a browser snapshot using a strict, ordered
// set of fallback strategies, each with a fixed confidence.
package finder

import (
	"strings"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/snapshot"
)

// TargetingStrategy is the union of identifiers an LLM may provide to
// locate a DOM element. At least one field must be set.
type TargetingStrategy struct {
	Index       int
	HasIndex    bool
	XPath       string
	Selector    string
	Text        string
	Aria        string
	Placeholder string
	Attributes  map[string]string
}

// StrategyKind names which branch of the priority chain produced a match.
type StrategyKind string

const (
	StrategyIndex       StrategyKind = "index"
	StrategyAria        StrategyKind = "aria"
	StrategyPlaceholder StrategyKind = "placeholder"
	StrategyAttributes  StrategyKind = "attributes"
	StrategyText        StrategyKind = "text"
	StrategySelector    StrategyKind = "selector"
	StrategyXPath       StrategyKind = "xpath"
)

// Result is the outcome of a successful resolution.
type Result struct {
	Element    snapshot.Element
	Strategy   StrategyKind
	Confidence float64
}

// DebugInfo enumerates every strategy attempted, successful or not, for
// diagnostics and test assertions.
type DebugInfo struct {
	Attempted []StrategyKind
	Rejected  map[StrategyKind]string
}

// Find resolves strategy against elems using the strict priority chain from
// SPEC_FULL.md §4.3: index > aria > placeholder > attributes > text >
// selector > xpath (reserved, always skipped).
func Find(elems []snapshot.Element, strat TargetingStrategy) (Result, DebugInfo, bool) {
	dbg := DebugInfo{Rejected: make(map[StrategyKind]string)}

	if strat.HasIndex {
		dbg.Attempted = append(dbg.Attempted, StrategyIndex)
		if el, ok := findByIndex(elems, strat.Index); ok {
			if rejected, reason := semanticMismatch(el, strat); rejected {
				dbg.Rejected[StrategyIndex] = reason
			} else {
				return Result{Element: el, Strategy: StrategyIndex, Confidence: 1.0}, dbg, true
			}
		} else {
			dbg.Rejected[StrategyIndex] = "no element at index"
		}
	}

	if strat.Aria != "" {
		dbg.Attempted = append(dbg.Attempted, StrategyAria)
		if el, ok := findByAria(elems, strat.Aria); ok {
			return Result{Element: el, Strategy: StrategyAria, Confidence: 0.9}, dbg, true
		}
		dbg.Rejected[StrategyAria] = "no aria/title match"
	}

	if strat.Placeholder != "" {
		dbg.Attempted = append(dbg.Attempted, StrategyPlaceholder)
		if el, ok := findByPlaceholder(elems, strat.Placeholder); ok {
			return Result{Element: el, Strategy: StrategyPlaceholder, Confidence: 0.9}, dbg, true
		}
		dbg.Rejected[StrategyPlaceholder] = "no placeholder match"
	}

	if len(strat.Attributes) > 0 {
		dbg.Attempted = append(dbg.Attempted, StrategyAttributes)
		if el, ok := findByAttributes(elems, strat.Attributes); ok {
			return Result{Element: el, Strategy: StrategyAttributes, Confidence: 0.85}, dbg, true
		}
		dbg.Rejected[StrategyAttributes] = "not all attribute pairs matched"
	}

	if strat.Text != "" {
		dbg.Attempted = append(dbg.Attempted, StrategyText)
		if el, conf, ok := findByText(elems, strat.Text); ok {
			return Result{Element: el, Strategy: StrategyText, Confidence: conf}, dbg, true
		}
		dbg.Rejected[StrategyText] = "no exact or substring text match"
	}

	if strat.Selector != "" {
		dbg.Attempted = append(dbg.Attempted, StrategySelector)
		if el, ok := findBySelector(elems, strat.Selector); ok {
			return Result{Element: el, Strategy: StrategySelector, Confidence: 0.9}, dbg, true
		}
		dbg.Rejected[StrategySelector] = "no selector match"
	}

	if strat.XPath != "" {
		// Reserved: always skipped to force fallback, per the resolved
		// Open Question in SPEC_FULL.md §9.
		dbg.Attempted = append(dbg.Attempted, StrategyXPath)
		dbg.Rejected[StrategyXPath] = "xpath strategy is reserved, not implemented"
	}

	return Result{}, dbg, false
}

func findByIndex(elems []snapshot.Element, idx int) (snapshot.Element, bool) {
	for _, el := range elems {
		if el.Index == idx {
			return el, true
		}
	}
	return snapshot.Element{}, false
}

func findByAria(elems []snapshot.Element, aria string) (snapshot.Element, bool) {
	target := strings.ToLower(strings.TrimSpace(aria))
	for _, el := range elems {
		attrs := parseAttrs(el.Attr)
		for _, key := range []string{"aria-label", "aria-labelledby", "title"} {
			if strings.ToLower(strings.TrimSpace(attrs[key])) == target {
				return el, true
			}
		}
	}
	return snapshot.Element{}, false
}

func findByPlaceholder(elems []snapshot.Element, placeholder string) (snapshot.Element, bool) {
	target := strings.ToLower(strings.TrimSpace(placeholder))
	for _, el := range elems {
		attrs := parseAttrs(el.Attr)
		if strings.ToLower(strings.TrimSpace(attrs["placeholder"])) == target {
			return el, true
		}
	}
	return snapshot.Element{}, false
}

func findByAttributes(elems []snapshot.Element, want map[string]string) (snapshot.Element, bool) {
	for _, el := range elems {
		attrs := parseAttrs(el.Attr)
		allMatch := true
		for k, v := range want {
			if !strings.EqualFold(attrs[k], v) {
				allMatch = false
				break
			}
		}
		if allMatch {
			return el, true
		}
	}
	return snapshot.Element{}, false
}

func findByText(elems []snapshot.Element, text string) (snapshot.Element, float64, bool) {
	target := strings.ToLower(strings.TrimSpace(text))
	var bestSubstring *snapshot.Element
	for i := range elems {
		candidate := strings.ToLower(strings.TrimSpace(elems[i].Text))
		if candidate == "" {
			continue
		}
		if candidate == target {
			return elems[i], 0.95, true
		}
		if strings.Contains(candidate, target) || strings.Contains(target, candidate) {
			if bestSubstring == nil {
				el := elems[i]
				bestSubstring = &el
			}
		}
	}
	if bestSubstring != nil {
		return *bestSubstring, 0.8, true
	}
	return snapshot.Element{}, 0, false
}

// findBySelector supports the simple subset of CSS the teacher's selectors
// produce: #id, .class, tag, [attr="value"].
func findBySelector(elems []snapshot.Element, selector string) (snapshot.Element, bool) {
	sel := sanitizeSelector(selector)
	if sel == "" {
		return snapshot.Element{}, false
	}
	for _, el := range elems {
		if el.Sel == sel {
			return el, true
		}
	}
	if strings.HasPrefix(sel, "[") && strings.HasSuffix(sel, "]") {
		inner := sel[1 : len(sel)-1]
		parts := strings.SplitN(inner, "=", 2)
		if len(parts) == 2 {
			key := parts[0]
			val := strings.Trim(parts[1], `"'`)
			attrsKey := strings.TrimSuffix(key, "*")
			for _, el := range elems {
				attrs := parseAttrs(el.Attr)
				if strings.Contains(strings.ToLower(attrs[attrsKey]), strings.ToLower(val)) {
					return el, true
				}
			}
		}
	}
	return snapshot.Element{}, false
}

// semanticMismatch implements the §4.3 semantic-validation rule: when an
// index match is paired with an aria target on a form field, reject unless
// the element's own semantics share a word >= 3 chars with the target.
func semanticMismatch(el snapshot.Element, strat TargetingStrategy) (bool, string) {
	if strat.Aria == "" {
		return false, ""
	}
	roleLower := strings.ToLower(el.Role)
	isFormField := roleLower == "textbox" || roleLower == "input" || roleLower == "textarea"
	if !isFormField {
		return false, ""
	}
	attrs := parseAttrs(el.Attr)
	haystack := strings.ToLower(strings.Join([]string{attrs["aria-label"], attrs["placeholder"], attrs["name"], attrs["id"], el.Text}, " "))
	if strings.TrimSpace(haystack) == "" {
		return false, ""
	}
	for _, word := range strings.Fields(strings.ToLower(strat.Aria)) {
		if len(word) >= 3 && strings.Contains(haystack, word) {
			return false, ""
		}
	}
	return true, "semantic mismatch: no shared word >=3 chars with aria target"
}

func parseAttrs(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, "|") {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out
}

// sanitizeSelector mirrors the teacher's toolbox.go sanitizeSelector: strip
// control whitespace and escaped quotes so LLM-authored selectors parse.
func sanitizeSelector(sel string) string {
	if sel == "" {
		return ""
	}
	sel = strings.ReplaceAll(sel, `\"`, `"`)
	sel = strings.ReplaceAll(sel, "\n", " ")
	sel = strings.ReplaceAll(sel, "\r", " ")
	sel = strings.ReplaceAll(sel, "\t", " ")
	sel = strings.Join(strings.Fields(sel), " ")
	return strings.TrimSpace(sel)
}
