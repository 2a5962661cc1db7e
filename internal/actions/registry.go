package actions

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/browser"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/snapshot"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/waiting"
)

// NewDefaultRegistry builds the mandated §4.2 action set, keeping the
// teacher's Playwright call bodies (toolbox.go) under the new names.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, a := range []Action{
		doneAction(),
		searchGoogleAction(),
		goToURLAction(),
		goBackAction(),
		goForwardAction(),
		refreshAction(),
		waitAction(),
		clickElementAction(),
		inputTextAction(),
		switchTabAction(),
		openTabAction(),
		closeTabAction(),
		cacheContentAction(),
		scrollToPercentAction(),
		scrollToTopAction(),
		scrollToBottomAction(),
		previousPageAction(),
		nextPageAction(),
		scrollToTextAction(),
		sendKeysAction(),
		getDropdownOptionsAction(),
		selectDropdownOptionAction(),
	} {
		r.Register(a)
	}
	return r
}

func doneAction() Action {
	schemaDoc := objectSchema(map[string]any{
		"text": stringProp("final answer or summary to return to the caller"),
	}, []string{"text"})
	return Action{
		Name:        "done",
		Description: "Signal that the task is complete and return the final extracted text.",
		Schema:      compileSchema("done", schemaDoc),
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			text, _ := stringArg(input, "text")
			return ActionResult{IsDone: true, ExtractedContent: text, IncludeInMemory: true}, nil
		},
	}
}

func searchGoogleAction() Action {
	schemaDoc := objectSchema(map[string]any{
		"query": stringProp("search query"),
	}, []string{"query"})
	return Action{
		Name:        "search_google",
		Description: "Navigate to a Google search results page for the given query.",
		Schema:      compileSchema("search_google", schemaDoc),
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			query, _ := stringArg(input, "query")
			target := "https://www.google.com/search?q=" + url.QueryEscape(query)
			if err := actx.Ctrl.Navigate(ctx, target); err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: fmt.Sprintf("searched google for %q", query), IncludeInMemory: true}, nil
		},
	}
}

func goToURLAction() Action {
	schemaDoc := objectSchema(map[string]any{
		"url": stringProp("absolute URL to open"),
	}, []string{"url"})
	return Action{
		Name:        "go_to_url",
		Description: "Open the given URL in the current tab.",
		Schema:      compileSchema("go_to_url", schemaDoc),
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			target, ok := stringArg(input, "url")
			if !ok {
				return ActionResult{}, fmt.Errorf("url is required")
			}
			if err := actx.Ctrl.Navigate(ctx, target); err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: "opened " + target, IncludeInMemory: true}, nil
		},
	}
}

func goBackAction() Action {
	return Action{
		Name:        "go_back",
		Description: "Navigate back in session history.",
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			if err := actx.Ctrl.GoBack(ctx); err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: "navigated back"}, nil
		},
	}
}

func goForwardAction() Action {
	return Action{
		Name:        "go_forward",
		Description: "Navigate forward in session history.",
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			if err := actx.Ctrl.GoForward(ctx); err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: "navigated forward"}, nil
		},
	}
}

func refreshAction() Action {
	return Action{
		Name:        "refresh",
		Description: "Reload the current page.",
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			if err := actx.Ctrl.Refresh(ctx); err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: "page refreshed"}, nil
		},
	}
}

func waitAction() Action {
	schemaDoc := objectSchema(map[string]any{
		"seconds": numberProp("how long to wait, in seconds"),
	}, nil)
	return Action{
		Name:        "wait",
		Description: "Wait for the page to stabilize (stable preset), bounded by the requested seconds.",
		Schema:      compileSchema("wait", schemaDoc),
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			seconds, ok := floatArg(input, "seconds")
			if !ok || seconds <= 0 {
				seconds = 3
			}
			maxWait := time.Duration(seconds * float64(time.Second))
			minWait := maxWait / 5
			if minWait > 500*time.Millisecond {
				minWait = 500 * time.Millisecond
			}
			result := waiting.WaitFor(ctx, actx.Ctrl, waiting.Options{
				Preset:  "stable",
				MaxWait: maxWait,
				MinWait: minWait,
			})
			return ActionResult{ExtractedContent: fmt.Sprintf("waited %s (reason=%s)", result.Duration, result.Reason)}, nil
		},
	}
}

func clickElementAction() Action {
	schemaDoc := objectSchema(map[string]any{
		"index": intProp("element index from the current snapshot"),
		"aria":  optionalStringProp("expected accessible name, used to cross-check the index match"),
	}, []string{"index"})
	return Action{
		Name:        "click_element",
		Description: "Click the element at the given snapshot index.",
		Schema:      compileSchema("click_element", schemaDoc),
		HasIndex:    true,
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			idx, ok := intArg(input, "index")
			if !ok {
				return ActionResult{}, fmt.Errorf("index is required")
			}
			state, err := actx.GetState(ctx, false)
			if err != nil {
				return ActionResult{}, err
			}
			el, found := elementByIndex(state, idx)
			if !found {
				return ActionResult{}, fmt.Errorf("no element at index %d", idx)
			}
			tabsBefore, _ := actx.Ctrl.TabIDs(ctx)
			if err := actx.Ctrl.Hover(ctx, el.Sel); err != nil {
				// best-effort
			}
			if err := actx.Ctrl.Click(ctx, el.Sel); err != nil {
				return ActionResult{}, err
			}
			content := fmt.Sprintf("clicked element index=%d", idx)
			if _, opened := newlyOpenedTab(ctx, actx.Ctrl, tabsBefore); opened {
				content += "; New tab opened"
			}
			return ActionResult{ExtractedContent: content, IncludeInMemory: true}, nil
		},
	}
}

// newlyOpenedTab detects whether a click grew the set of open tabs and, if
// so, switches the controller's current tab to the newest one so subsequent
// snapshots/actions target the tab the click actually opened.
func newlyOpenedTab(ctx context.Context, ctrl browser.Controller, tabsBefore []string) (string, bool) {
	tabsAfter, err := ctrl.TabIDs(ctx)
	if err != nil || len(tabsAfter) <= len(tabsBefore) {
		return "", false
	}
	before := make(map[string]bool, len(tabsBefore))
	for _, id := range tabsBefore {
		before[id] = true
	}
	var newest string
	for _, id := range tabsAfter {
		if !before[id] {
			newest = id
		}
	}
	if newest == "" {
		return "", false
	}
	if err := ctrl.SwitchTab(ctx, newest); err != nil {
		return "", false
	}
	return newest, true
}

func inputTextAction() Action {
	schemaDoc := objectSchema(map[string]any{
		"index": intProp("element index from the current snapshot"),
		"text":  stringProp("text to type into the field"),
	}, []string{"index", "text"})
	return Action{
		Name:        "input_text",
		Description: "Type text into the input field at the given snapshot index.",
		Schema:      compileSchema("input_text", schemaDoc),
		HasIndex:    true,
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			idx, ok := intArg(input, "index")
			if !ok {
				return ActionResult{}, fmt.Errorf("index is required")
			}
			text, _ := stringArg(input, "text")
			state, err := actx.GetState(ctx, false)
			if err != nil {
				return ActionResult{}, err
			}
			el, found := elementByIndex(state, idx)
			if !found {
				return ActionResult{}, fmt.Errorf("no element at index %d", idx)
			}
			if err := actx.Ctrl.Fill(ctx, el.Sel, text); err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: fmt.Sprintf("typed into index=%d", idx), IncludeInMemory: true}, nil
		},
	}
}

func switchTabAction() Action {
	schemaDoc := objectSchema(map[string]any{
		"tab_id": stringProp("tab id as returned by open_tab"),
	}, []string{"tab_id"})
	return Action{
		Name:        "switch_tab",
		Description: "Switch the active tab.",
		Schema:      compileSchema("switch_tab", schemaDoc),
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			tabID, _ := stringArg(input, "tab_id")
			if err := actx.Ctrl.SwitchTab(ctx, tabID); err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: "switched to tab " + tabID}, nil
		},
	}
}

func openTabAction() Action {
	schemaDoc := objectSchema(map[string]any{
		"url": optionalStringProp("URL to open in the new tab (optional, blank tab if omitted)"),
	}, nil)
	return Action{
		Name:        "open_tab",
		Description: "Open a new tab, optionally navigating it to a URL.",
		Schema:      compileSchema("open_tab", schemaDoc),
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			target := stringArgOr(input, "url", "")
			tabID, err := actx.Ctrl.OpenTab(ctx, target)
			if err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: "opened new tab " + tabID, IncludeInMemory: true}, nil
		},
	}
}

func closeTabAction() Action {
	schemaDoc := objectSchema(map[string]any{
		"tab_id": stringProp("tab id to close"),
	}, []string{"tab_id"})
	return Action{
		Name:        "close_tab",
		Description: "Close the given tab.",
		Schema:      compileSchema("close_tab", schemaDoc),
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			tabID, _ := stringArg(input, "tab_id")
			if err := actx.Ctrl.CloseTab(ctx, tabID); err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: "closed tab " + tabID}, nil
		},
	}
}

func cacheContentAction() Action {
	schemaDoc := objectSchema(map[string]any{
		"content": stringProp("content extracted from the page to remember"),
	}, []string{"content"})
	return Action{
		Name:        "cache_content",
		Description: "Cache extracted page content into memory for later reasoning steps.",
		Schema:      compileSchema("cache_content", schemaDoc),
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			content, _ := stringArg(input, "content")
			return ActionResult{ExtractedContent: WrapUntrusted(content), IncludeInMemory: true}, nil
		},
	}
}

func scrollToPercentAction() Action {
	schemaDoc := objectSchema(map[string]any{
		"percent": numberProp("target scroll position, 0-100"),
		"index":   intProp("optional element index; scroll that element's own scroll container instead of the page"),
	}, []string{"percent"})
	return Action{
		Name:        "scroll_to_percent",
		Description: "Scroll to a percentage of the page's (or a container element's) scrollable height.",
		Schema:      compileSchema("scroll_to_percent", schemaDoc),
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			percent, _ := floatArg(input, "percent")
			selector := ""
			if idx, ok := intArg(input, "index"); ok {
				state, err := actx.GetState(ctx, false)
				if err == nil {
					if el, found := elementByIndex(state, idx); found {
						selector = el.Sel
					}
				}
			}
			if err := actx.Ctrl.ScrollToPercent(ctx, percent, selector); err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: fmt.Sprintf("scrolled to %.0f%%", percent)}, nil
		},
	}
}

func scrollToTopAction() Action {
	return Action{
		Name:        "scroll_to_top",
		Description: "Scroll the page to the top.",
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			if _, err := actx.Ctrl.Scroll(ctx, "top", 0); err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: "scrolled to top"}, nil
		},
	}
}

func scrollToBottomAction() Action {
	return Action{
		Name:        "scroll_to_bottom",
		Description: "Scroll the page to the bottom.",
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			if _, err := actx.Ctrl.Scroll(ctx, "bottom", 0); err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: "scrolled to bottom"}, nil
		},
	}
}

func previousPageAction() Action {
	return Action{
		Name:        "previous_page",
		Description: "Scroll up by one viewport page.",
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			dist, err := actx.Ctrl.Scroll(ctx, "page_up", 0)
			if err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: fmt.Sprintf("scrolled up %d", -dist)}, nil
		},
	}
}

func nextPageAction() Action {
	return Action{
		Name:        "next_page",
		Description: "Scroll down by one viewport page.",
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			dist, err := actx.Ctrl.Scroll(ctx, "page_down", 0)
			if err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: fmt.Sprintf("scrolled down %d", dist)}, nil
		},
	}
}

func scrollToTextAction() Action {
	schemaDoc := objectSchema(map[string]any{
		"text": stringProp("text to scroll into view"),
		"nth":  intProp("which match to use, 1-based (optional, default 1)"),
	}, []string{"text"})
	return Action{
		Name:        "scroll_to_text",
		Description: "Scroll the nth element containing the given text into view.",
		Schema:      compileSchema("scroll_to_text", schemaDoc),
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			text, _ := stringArg(input, "text")
			nth := intArgOr(input, "nth", 1)
			if err := actx.Ctrl.ScrollToText(ctx, text, nth); err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: fmt.Sprintf("scrolled to text %q", text)}, nil
		},
	}
}

func sendKeysAction() Action {
	schemaDoc := objectSchema(map[string]any{
		"keys": stringProp("key or key combination to send, e.g. Enter, Escape, Control+A"),
	}, []string{"keys"})
	return Action{
		Name:        "send_keys",
		Description: "Send a keyboard key or combination to the page.",
		Schema:      compileSchema("send_keys", schemaDoc),
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			keys, _ := stringArg(input, "keys")
			if err := actx.Ctrl.SendKeys(ctx, keys); err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: "sent keys " + keys}, nil
		},
	}
}

func getDropdownOptionsAction() Action {
	schemaDoc := objectSchema(map[string]any{
		"index": intProp("select element index from the current snapshot"),
	}, []string{"index"})
	return Action{
		Name:        "get_dropdown_options",
		Description: "List the options of the <select> element at the given snapshot index.",
		Schema:      compileSchema("get_dropdown_options", schemaDoc),
		HasIndex:    true,
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			idx, ok := intArg(input, "index")
			if !ok {
				return ActionResult{}, fmt.Errorf("index is required")
			}
			state, err := actx.GetState(ctx, false)
			if err != nil {
				return ActionResult{}, err
			}
			el, found := elementByIndex(state, idx)
			if !found {
				return ActionResult{}, fmt.Errorf("no element at index %d", idx)
			}
			options, err := actx.Ctrl.GetDropdownOptions(ctx, el.Sel)
			if err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: WrapUntrusted(strings.Join(options, ", ")), IncludeInMemory: true}, nil
		},
	}
}

func selectDropdownOptionAction() Action {
	schemaDoc := objectSchema(map[string]any{
		"index": intProp("select element index from the current snapshot"),
		"text":  stringProp("option text to select"),
	}, []string{"index", "text"})
	return Action{
		Name:        "select_dropdown_option",
		Description: "Select an option by visible text on the <select> element at the given snapshot index.",
		Schema:      compileSchema("select_dropdown_option", schemaDoc),
		HasIndex:    true,
		Handler: func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
			idx, ok := intArg(input, "index")
			if !ok {
				return ActionResult{}, fmt.Errorf("index is required")
			}
			text, _ := stringArg(input, "text")
			state, err := actx.GetState(ctx, false)
			if err != nil {
				return ActionResult{}, err
			}
			el, found := elementByIndex(state, idx)
			if !found {
				return ActionResult{}, fmt.Errorf("no element at index %d", idx)
			}
			if err := actx.Ctrl.SelectDropdownOption(ctx, el.Sel, text); err != nil {
				return ActionResult{}, err
			}
			return ActionResult{ExtractedContent: fmt.Sprintf("selected %q on index=%d", text, idx), IncludeInMemory: true}, nil
		},
	}
}

func elementByIndex(state snapshot.Summary, idx int) (snapshot.Element, bool) {
	if state.SelectorMap != nil {
		el, ok := state.SelectorMap[idx]
		return el, ok
	}
	for _, el := range state.Elements {
		if el.Index == idx {
			return el, true
		}
	}
	return snapshot.Element{}, false
}
