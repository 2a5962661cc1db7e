// Package actions implements the ActionRegistry: named, schema-validated
// operations the Navigator can invoke, each emitting ACT_START/ACT_OK/
// ACT_FAIL intent events. Grounded on the teacher's internal/tools/toolbox.go
// dispatch table, restructured onto the mandated action set and backed by
// real jsonschema/v6 compiled schemas instead of a hand-rolled map check.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/browser"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/eventlog"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/snapshot"
)

// untrustedOpen/untrustedClose bracket any externally derived string before
// it re-enters a prompt, so a page's own text can never be mistaken for
// agent instructions downstream. Wrapping is idempotent: re-wrapping
// already-wrapped content is a no-op.
const (
	untrustedOpen  = "<untrusted_content>"
	untrustedClose = "</untrusted_content>"
)

// WrapUntrusted wraps s in the untrusted-content sentinel unless it is
// already wrapped.
func WrapUntrusted(s string) string {
	if strings.HasPrefix(s, untrustedOpen) && strings.HasSuffix(s, untrustedClose) {
		return s
	}
	return untrustedOpen + s + untrustedClose
}

// ActionResult mirrors the data-model ActionResult: at most one of
// ExtractedContent/Err is set; IncludeInMemory survives step compaction.
type ActionResult struct {
	IsDone          bool
	ExtractedContent string
	Err             string
	IncludeInMemory bool
}

// Context is what a handler needs from the running step: the browser
// adapter, a snapshot accessor, and an event sink. Defined here (not in
// agentcore) to keep actions a leaf package.
type Context struct {
	Ctrl      browser.Controller
	GetState  func(ctx context.Context, forceRefresh bool) (snapshot.Summary, error)
	Events    *eventlog.Manager
	SessionID string
}

// Handler performs one action. input has already passed schema validation.
type Handler func(ctx context.Context, actx Context, input map[string]any) (ActionResult, error)

// Action bundles a handler with its schema and index-rewrite capability.
type Action struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
	HasIndex    bool
	Handler     Handler
}

// Call validates input (when Schema is non-nil) and invokes Handler,
// publishing ACT_START before and ACT_OK/ACT_FAIL after.
func (a Action) Call(ctx context.Context, actx Context, input map[string]any) (ActionResult, error) {
	intent := a.intentString(input)
	if actx.Events != nil {
		actx.Events.Publish(eventlog.ActorNavigator, eventlog.ActStart, intent, nil, nil)
	}

	if a.Schema != nil {
		if err := a.Schema.Validate(toValidatable(input)); err != nil {
			wrapped := fmt.Errorf("invalid input for %s: %w", a.Name, err)
			if actx.Events != nil {
				actx.Events.Publish(eventlog.ActorNavigator, eventlog.ActFail, intent, wrapped, nil)
			}
			return ActionResult{}, wrapped
		}
	}

	result, err := a.Handler(ctx, actx, input)
	if err != nil {
		if actx.Events != nil {
			actx.Events.Publish(eventlog.ActorNavigator, eventlog.ActFail, intent, err, nil)
		}
		return result, err
	}
	if actx.Events != nil {
		actx.Events.Publish(eventlog.ActorNavigator, eventlog.ActOK, intent, nil, map[string]any{"result": result})
	}
	return result, nil
}

func (a Action) intentString(input map[string]any) string {
	if len(input) == 0 {
		return a.Name
	}
	encoded, err := json.Marshal(input)
	if err != nil {
		return a.Name
	}
	return fmt.Sprintf("%s(%s)", a.Name, string(encoded))
}

// GetIndexArg reads the "index" input field; only meaningful when a.HasIndex.
func (a Action) GetIndexArg(input map[string]any) (int, bool) {
	if !a.HasIndex {
		return 0, false
	}
	return intArg(input, "index")
}

// SetIndexArg rewrites the index field in place, used by ErrorRecovery
// after re-research finds a substitute element.
func (a Action) SetIndexArg(input map[string]any, idx int) {
	if a.HasIndex {
		input["index"] = idx
	}
}

// Registry is the name-keyed set of actions available to the Navigator.
type Registry struct {
	actions map[string]Action
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

func (r *Registry) Register(a Action) {
	if _, exists := r.actions[a.Name]; !exists {
		r.order = append(r.order, a.Name)
	}
	r.actions[a.Name] = a
}

func (r *Registry) Get(name string) (Action, bool) {
	a, ok := r.actions[name]
	return a, ok
}

// List returns actions in registration order, for deterministic Navigator
// prompts.
func (r *Registry) List() []Action {
	out := make([]Action, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.actions[name])
	}
	return out
}

func toValidatable(input map[string]any) any {
	// jsonschema/v6 validates against the plain JSON data model
	// (map[string]any / []any / string / float64 / bool / nil); round-trip
	// through encoding/json to normalize numeric types the same way a
	// decoded LLM tool call would arrive.
	encoded, err := json.Marshal(input)
	if err != nil {
		return input
	}
	var normalized any
	if err := json.Unmarshal(encoded, &normalized); err != nil {
		return input
	}
	return normalized
}

func intArg(input map[string]any, key string) (int, bool) {
	val, ok := input[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func stringArg(input map[string]any, key string) (string, bool) {
	val, ok := input[key]
	if !ok {
		return "", false
	}
	s, ok := val.(string)
	return s, ok
}

func stringArgOr(input map[string]any, key, def string) string {
	if s, ok := stringArg(input, key); ok {
		return s
	}
	return def
}

func floatArg(input map[string]any, key string) (float64, bool) {
	val, ok := input[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func intArgOr(input map[string]any, key string, def int) int {
	if v, ok := intArg(input, key); ok {
		return v
	}
	return def
}

// compileSchema builds a *jsonschema.Schema from an inline JSON Schema
// document. Panics only on a malformed literal schema authored in this
// file, never on caller input.
func compileSchema(name string, doc map[string]any) *jsonschema.Schema {
	if doc == nil {
		return nil
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("actions: marshal schema %s: %v", name, err))
	}
	var resource any
	if err := json.Unmarshal(encoded, &resource); err != nil {
		panic(fmt.Sprintf("actions: unmarshal schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	url := "mem://actions/" + name + ".json"
	if err := compiler.AddResource(url, resource); err != nil {
		panic(fmt.Sprintf("actions: add schema resource %s: %v", name, err))
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("actions: compile schema %s: %v", name, err))
	}
	return schema
}

func objectSchema(props map[string]any, required []string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc, "minLength": 1}
}

func optionalStringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func numberProp(desc string) map[string]any {
	return map[string]any{"type": "number", "description": desc}
}
