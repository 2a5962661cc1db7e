package navigator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/actions"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/agentcore"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/eventlog"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/llm"
)

// Planner implements agentcore.Planner: it runs periodically to rewrite
// the high-level plan and to decide whether the task is already satisfied
// without a further navigation step.
type Planner struct {
	llm    llm.Client
	events *eventlog.Manager
}

func NewPlanner(client llm.Client, events *eventlog.Manager) *Planner {
	return &Planner{llm: client, events: events}
}

const plannerSystemPrompt = `You are the planning module of a browser automation agent. Given the task, the current page, and recent history, decide:
- whether the task is a "web_task" (requires browser interaction at all) — once you say true, it is frozen for the rest of this task,
- whether it is already done,
- and leave 1-5 short next_steps of guidance for the step-execution module.

Respond with a single JSON object:
{
  "observation": "one paragraph describing the current page state and progress",
  "next_steps": ["short imperative guidance", ...],
  "web_task": true,
  "done": false
}`

// Plan implements agentcore.Planner.
func (p *Planner) Plan(ctx context.Context, in agentcore.StepInput) (agentcore.PlannerOutput, error) {
	intent := fmt.Sprintf("replan for %q", in.Task)
	p.publish(eventlog.ActStart, intent, nil, nil)

	out, err := p.plan(ctx, in)
	if err != nil {
		p.publish(eventlog.ActFail, intent, err, nil)
		return agentcore.PlannerOutput{}, err
	}
	p.publish(eventlog.ActOK, intent, nil, map[string]any{"web_task": out.WebTask, "done": out.Done})
	return out, nil
}

func (p *Planner) plan(ctx context.Context, in agentcore.StepInput) (agentcore.PlannerOutput, error) {
	user := fmt.Sprintf(`<user_request>
%s
</user_request>

<browser_state>
URL: %s
Title: %s
Elements: %d
</browser_state>

<validator_failed>%t</validator_failed>
`, in.Task, in.State.URL, in.State.Title, len(in.State.Elements), in.ValidatorFailed)

	resp, err := p.llm.Generate(ctx, llm.Request{
		System:      plannerSystemPrompt,
		Messages:    []llm.Message{{Role: "user", Content: user}},
		Temperature: 0,
		MaxTokens:   800,
	})
	if err != nil {
		return agentcore.PlannerOutput{}, err
	}

	jsonStr, err := extractJSONObject(resp.Text)
	if err != nil {
		return agentcore.PlannerOutput{}, fmt.Errorf("planner: no JSON object in response: raw=%q", resp.Text)
	}

	var parsed struct {
		Observation string   `json:"observation"`
		NextSteps   []string `json:"next_steps"`
		WebTask     bool     `json:"web_task"`
		Done        bool     `json:"done"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return agentcore.PlannerOutput{}, fmt.Errorf("planner: parse JSON: %w (raw=%q)", err, jsonStr)
	}

	return agentcore.PlannerOutput{
		Observation: actions.WrapUntrusted(parsed.Observation),
		NextSteps:   parsed.NextSteps,
		WebTask:     parsed.WebTask,
		Done:        parsed.Done,
	}, nil
}

func (p *Planner) publish(state eventlog.State, intent string, err error, payload map[string]any) {
	if p.events == nil {
		return
	}
	p.events.Publish(eventlog.ActorPlanner, state, intent, err, payload)
}
