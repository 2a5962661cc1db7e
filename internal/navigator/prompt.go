package navigator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/actions"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/agentcore"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/llm"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/snapshot"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/store"
)

// navigatorSystemPromptTemplate adapts the teacher's buildSystemPrompt to the
// mandated batch-of-actions contract: one JSON object with an `actions`
// array (at most MaxActionsPerStep entries) instead of one action per
// reply.
const navigatorSystemPromptTemplate = `You are an autonomous browser agent that solves tasks in a real browser by issuing ordered browser actions.

<user_request>
%s
</user_request>

<output_format>
Respond with a single JSON object:
{
  "actions": [ {"name": "action_name", "input": {...}}, ... ]
}
Provide at most %d actions. Prefer one action per step when the page is likely to change; batch only obviously independent steps (e.g. fill then submit).
</output_format>

<available_actions>
%s
</available_actions>

<rules>
- Only use indices that appear in the CURRENT elements list below; an index from a previous step may no longer refer to the same element.
- Call "done" with the final answer in "text" once the task is complete.
- If a field requires data you were not given, call "done" and explain what is missing rather than inventing a value.
</rules>`

func (n *Navigator) decide(ctx context.Context, in agentcore.StepInput) ([]decision, error) {
	system := fmt.Sprintf(navigatorSystemPromptTemplate, in.Task, capActions(in.MaxActionsPerStep), describeActions(n.registry))
	user := fmt.Sprintf(`<agent_state>
Step: %d
</agent_state>

<browser_state>
URL: %s
Title: %s
%s
</browser_state>

<history>
%s
</history>`,
		in.Step, in.State.URL, in.State.Title, describeElements(in.State), describeHistory(in.History))

	resp, err := n.llm.Generate(ctx, llm.Request{
		System:      system,
		Messages:    []llm.Message{{Role: "user", Content: user}},
		Temperature: 0,
		MaxTokens:   2000,
	})
	if err != nil {
		return nil, err
	}
	return parseActions(resp.Text, capActions(in.MaxActionsPerStep))
}

func capActions(max int) int {
	if max <= 0 {
		return 1
	}
	return max
}

func describeActions(r *actions.Registry) string {
	var b strings.Builder
	for _, a := range r.List() {
		fmt.Fprintf(&b, "- %s: %s\n", a.Name, a.Description)
	}
	return b.String()
}

func describeElements(state snapshot.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Elements: %d interactive elements available\n", len(state.Elements))
	for _, el := range state.Elements {
		fmt.Fprintf(&b, "[%d] %s %q\n", el.Index, el.Role, truncate(el.Text, 60))
	}
	return b.String()
}

func describeHistory(history []store.Message) string {
	if len(history) == 0 {
		return "(empty)"
	}
	var b strings.Builder
	for _, m := range history {
		if m.Role == "system" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, truncate(m.Content, 400))
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

type decision struct {
	Name  string
	Input map[string]any
}

// parseActions decodes the LLM's JSON object, tolerating the common
// deviations the teacher's extractJSON/removeJSONComments helpers exist to
// absorb: leading/trailing prose, // or /* */ comments, and a bare action
// object instead of an {"actions":[...]} wrapper.
func parseActions(text string, maxActions int) ([]decision, error) {
	jsonStr, err := extractJSONObject(text)
	if err != nil {
		return nil, fmt.Errorf("navigator: no JSON object in response: raw=%q", text)
	}

	var withActions struct {
		Actions []struct {
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"actions"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &withActions); err == nil && len(withActions.Actions) > 0 {
		out := make([]decision, 0, len(withActions.Actions))
		for _, a := range withActions.Actions {
			input := a.Input
			if input == nil {
				input = map[string]any{}
			}
			out = append(out, decision{Name: strings.TrimSpace(a.Name), Input: input})
			if len(out) >= maxActions {
				break
			}
		}
		return out, nil
	}

	var single struct {
		Action string         `json:"action"`
		Input  map[string]any `json:"input"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &single); err == nil && single.Action != "" {
		input := single.Input
		if input == nil {
			input = map[string]any{}
		}
		return []decision{{Name: strings.TrimSpace(single.Action), Input: input}}, nil
	}

	return nil, fmt.Errorf("navigator: could not decode an action from response: raw=%q", jsonStr)
}

// extractJSONObject finds the first balanced {...} object in text, mirroring
// the teacher's bracket-counting extractJSON but kept local to this package.
func extractJSONObject(text string) (string, error) {
	depth := 0
	start := -1
	inStr := false
	esc := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			inStr = !inStr
		case '{':
			if !inStr {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inStr && depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return removeJSONComments(text[start : i+1]), nil
				}
			}
		}
	}
	return "", fmt.Errorf("json not found")
}

// removeJSONComments strips // and /* */ comments outside string literals,
// adapted from the teacher's planner.go helper of the same name.
func removeJSONComments(jsonStr string) string {
	var result strings.Builder
	inStr := false
	esc := false
	i := 0
	for i < len(jsonStr) {
		ch := jsonStr[i]
		if esc {
			result.WriteByte(ch)
			esc = false
			i++
			continue
		}
		if ch == '\\' && inStr {
			result.WriteByte(ch)
			esc = true
			i++
			continue
		}
		if ch == '"' {
			inStr = !inStr
			result.WriteByte(ch)
			i++
			continue
		}
		if !inStr {
			if i < len(jsonStr)-1 && jsonStr[i] == '/' && jsonStr[i+1] == '/' {
				for i < len(jsonStr) && jsonStr[i] != '\n' {
					i++
				}
				continue
			}
			if i < len(jsonStr)-1 && jsonStr[i] == '/' && jsonStr[i+1] == '*' {
				i += 2
				for i < len(jsonStr)-1 {
					if jsonStr[i] == '*' && jsonStr[i+1] == '/' {
						i += 2
						break
					}
					i++
				}
				continue
			}
		}
		result.WriteByte(ch)
		i++
	}
	return result.String()
}
