package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// defaultToolTimeout bounds a single tool dispatch. A hung tool must not hold
// the turn open; the model gets an error result instead.
const defaultToolTimeout = 10 * time.Second

// Tool is one function the model may invoke mid-turn.
type Tool struct {
	Name        string
	Description string

	// Params is a struct prototype whose JSON schema is advertised to the
	// model. Nil means the tool takes no arguments.
	Params any

	// Handler executes the call. The returned string goes back to the model
	// verbatim as the tool result.
	Handler func(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry holds the session's tool set and dispatches calls.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	timeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		timeout: defaultToolTimeout,
	}
}

// SetTimeout overrides the per-dispatch deadline.
func (r *Registry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.timeout = d
	}
}

func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("llm: tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("llm: tool %q has no handler", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("llm: tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions renders the registry as chat-completion tool parameters, in
// registration order.
func (r *Registry) Definitions() []openai.ChatCompletionToolParam {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]openai.ChatCompletionToolParam, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  schemaFor(t.Params),
			},
		})
	}
	return defs
}

// Dispatch runs the named tool under the registry deadline. Errors come back
// as a result string so the model always receives exactly one tool result
// per call.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) string {
	r.mu.RLock()
	t, ok := r.tools[name]
	timeout := r.timeout
	r.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := t.Handler(ctx, args)
		done <- outcome{res, err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Sprintf("Error: tool %q timed out", name)
	case out := <-done:
		if out.err != nil {
			return fmt.Sprintf("Error: %v", out.err)
		}
		return out.result
	}
}

// schemaFor reflects a parameter prototype into the inline JSON schema the
// chat API expects.
func schemaFor(params any) shared.FunctionParameters {
	if params == nil {
		return shared.FunctionParameters{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(params)
	raw, err := json.Marshal(schema)
	if err != nil {
		return shared.FunctionParameters{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return shared.FunctionParameters{"type": "object"}
	}
	delete(m, "$schema")
	delete(m, "$id")
	return shared.FunctionParameters(m)
}
