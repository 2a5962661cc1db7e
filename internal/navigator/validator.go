package navigator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/agentcore"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/eventlog"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/llm"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/snapshot"
)

// Validator implements agentcore.Validator: it checks whether the task's
// goal appears satisfied on the current page before the Executor commits
// to Done.
type Validator struct {
	llm    llm.Client
	events *eventlog.Manager
}

func NewValidator(client llm.Client, events *eventlog.Manager) *Validator {
	return &Validator{llm: client, events: events}
}

const validatorSystemPrompt = `You are the validation module of a browser automation agent. Given the original task, the agent's final answer, and the current page state, decide whether the task was genuinely completed.

Respond with a single JSON object:
{
  "is_valid": true,
  "reason": "one sentence"
}`

// Validate implements agentcore.Validator.
func (v *Validator) Validate(ctx context.Context, task string, state snapshot.Summary, doneContent string) (agentcore.ValidatorOutput, error) {
	intent := fmt.Sprintf("validate %q", task)
	v.publish(eventlog.ActStart, intent, nil, nil)

	out, err := v.validate(ctx, task, state, doneContent)
	if err != nil {
		v.publish(eventlog.ActFail, intent, err, nil)
		return agentcore.ValidatorOutput{}, err
	}
	if !out.IsValid {
		v.publish(eventlog.ActFail, intent, fmt.Errorf("validator: task not satisfied: %s", out.Reason), map[string]any{"is_valid": false, "reason": out.Reason})
		return out, nil
	}
	v.publish(eventlog.ActOK, intent, nil, map[string]any{"is_valid": true, "reason": out.Reason})
	return out, nil
}

func (v *Validator) validate(ctx context.Context, task string, state snapshot.Summary, doneContent string) (agentcore.ValidatorOutput, error) {
	user := fmt.Sprintf(`<task>
%s
</task>

<final_answer>
%s
</final_answer>

<browser_state>
URL: %s
Title: %s
</browser_state>`, task, doneContent, state.URL, state.Title)

	resp, err := v.llm.Generate(ctx, llm.Request{
		System:      validatorSystemPrompt,
		Messages:    []llm.Message{{Role: "user", Content: user}},
		Temperature: 0,
		MaxTokens:   400,
	})
	if err != nil {
		return agentcore.ValidatorOutput{}, err
	}

	jsonStr, err := extractJSONObject(resp.Text)
	if err != nil {
		return agentcore.ValidatorOutput{}, fmt.Errorf("validator: no JSON object in response: raw=%q", resp.Text)
	}

	var parsed struct {
		IsValid bool   `json:"is_valid"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return agentcore.ValidatorOutput{}, fmt.Errorf("validator: parse JSON: %w (raw=%q)", err, jsonStr)
	}

	return agentcore.ValidatorOutput{IsValid: parsed.IsValid, Reason: parsed.Reason}, nil
}

func (v *Validator) publish(state eventlog.State, intent string, err error, payload map[string]any) {
	if v.events == nil {
		return
	}
	v.events.Publish(eventlog.ActorValidator, state, intent, err, payload)
}
